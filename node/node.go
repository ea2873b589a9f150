// Package node defines the execution targets a service supervisor places
// instances on, and the asynchronous Action handle returned for every remote
// command.
//
// A Node runs a command and hands back an Action. Starting an Action never
// blocks; its outcome is reported exactly once through the completion
// callback passed to Start. Backends (local shell, SSH, containers) only need
// to satisfy these two interfaces.
package node

import (
	"context"
	"fmt"
)

// Result is the single completion event of an Action.
type Result struct {
	ExitStatus int   // Exit status of the command, 0 on success.
	Err        error // Non-nil when the command could not be launched at all.
}

// Succeeded reports whether the command ran and exited with status 0.
func (r Result) Succeeded() bool {
	return r.Err == nil && r.ExitStatus == 0
}

func (r Result) String() string {
	if r.Err != nil {
		return fmt.Sprintf("launch failed: %v", r.Err)
	}
	return fmt.Sprintf("exit status %d", r.ExitStatus)
}

// Action is one asynchronous command execution on a Node.
type Action interface {
	// ID uniquely identifies this execution.
	ID() string
	// Command returns the command line this action runs.
	Command() string
	// Start launches the command and returns immediately. done is invoked
	// exactly once, from any goroutine, with the outcome. ctx carries values
	// only: cancelling it does not abort the command, since that would be
	// reported as a failure the command never had.
	Start(ctx context.Context, done func(Result))
}

// Node is an execution target.
type Node interface {
	// Name is the stable identity of the node, used in snapshots.
	Name() string
	// Run prepares an Action for command. The action does nothing until started.
	Run(command string) Action
}
