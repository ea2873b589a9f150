// Package nodetest provides a scriptable Node for tests. Actions created by
// Node never complete on their own: the test decides when and how each one
// finishes by calling Complete or Fail.
package nodetest

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/tomyedwab/overseer/node"
)

// ErrUnreachable is the launch error delivered by Action.Fail when none is given.
var ErrUnreachable = errors.New("node unreachable")

// Node records every action run on it.
type Node struct {
	name string

	mu      sync.Mutex
	actions []*Action
}

// NewNode creates a fake node.
func NewNode(name string) *Node {
	return &Node{name: name}
}

func (n *Node) Name() string { return n.name }

func (n *Node) Run(command string) node.Action {
	a := &Action{id: uuid.NewString(), command: command}
	n.mu.Lock()
	n.actions = append(n.actions, a)
	n.mu.Unlock()
	return a
}

// Actions returns every action run on the node, oldest first.
func (n *Node) Actions() []*Action {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]*Action(nil), n.actions...)
}

// Commands returns the command of every action run on the node, oldest first.
func (n *Node) Commands() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	cmds := make([]string, len(n.actions))
	for i, a := range n.actions {
		cmds[i] = a.command
	}
	return cmds
}

// Action is a node.Action completed by hand.
type Action struct {
	id      string
	command string

	mu        sync.Mutex
	done      func(node.Result)
	started   bool
	completed bool
}

func (a *Action) ID() string      { return a.id }
func (a *Action) Command() string { return a.command }

func (a *Action) Start(_ context.Context, done func(node.Result)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.started = true
	a.done = done
}

// Started reports whether Start has been called.
func (a *Action) Started() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.started
}

// Complete delivers exitStatus to the completion callback. It reports false if
// the action was never started or has already completed.
func (a *Action) Complete(exitStatus int) bool {
	return a.finish(node.Result{ExitStatus: exitStatus})
}

// Fail delivers a launch failure. A nil err is replaced by ErrUnreachable.
func (a *Action) Fail(err error) bool {
	if err == nil {
		err = ErrUnreachable
	}
	return a.finish(node.Result{ExitStatus: -1, Err: err})
}

func (a *Action) finish(res node.Result) bool {
	a.mu.Lock()
	if !a.started || a.completed {
		a.mu.Unlock()
		return false
	}
	a.completed = true
	done := a.done
	a.mu.Unlock()

	done(res)
	return true
}
