package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/tomyedwab/overseer/node"
)

var (
	// ErrInvalidTransition is returned when an operation is not allowed from the current state.
	ErrInvalidTransition = errors.New("invalid state transition")
	// ErrNoNode is returned when an instance has no node to run on.
	ErrNoNode = errors.New("instance has no node")
)

// transitionFunc observes an instance state change after it has been applied.
type transitionFunc func(inst *Instance, from, to InstanceState)

// Instance is one copy of a service's process, bound to a single node for its
// whole lifetime.
//
// Completion callbacks are matched against the ID of the action the instance
// is currently waiting on. Anything else (a start result arriving after Stop,
// or a result from an earlier start) is stale and dropped.
type Instance struct {
	number  int
	node    node.Node // nil when no node could be allocated
	command string
	pidFile string
	logger  *slog.Logger

	mu            sync.Mutex
	state         InstanceState
	startAction   node.Action
	monitorAction node.Action
	pending       string // ID of the action whose completion is awaited
	observer      transitionFunc
}

func newInstance(number int, n node.Node, command, pidFile string, logger *slog.Logger) *Instance {
	nodeName := ""
	if n != nil {
		nodeName = n.Name()
	}
	return &Instance{
		number:  number,
		node:    n,
		command: command,
		pidFile: pidFile,
		logger:  logger.With("instance", number, "node", nodeName),
	}
}

// Number returns the instance's unique number within its service.
func (i *Instance) Number() int { return i.number }

// Node returns the node the instance is bound to, or nil.
func (i *Instance) Node() node.Node { return i.node }

// Command returns the rendered start command.
func (i *Instance) Command() string { return i.command }

// PidFile returns the rendered pid file path.
func (i *Instance) PidFile() string { return i.pidFile }

// State returns the current state.
func (i *Instance) State() InstanceState {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.state
}

// StartAction returns the most recent start action, or nil.
func (i *Instance) StartAction() node.Action {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.startAction
}

// MonitorAction returns the most recent monitor action, or nil.
func (i *Instance) MonitorAction() node.Action {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.monitorAction
}

// MonitorCommand is the liveness check run on the instance's node.
func (i *Instance) MonitorCommand() string {
	return fmt.Sprintf("kill -0 \"$(cat %s)\"", shellQuote(i.pidFile))
}

// StopCommand terminates the process recorded in the pid file.
func (i *Instance) StopCommand() string {
	return fmt.Sprintf("kill \"$(cat %s)\"", shellQuote(i.pidFile))
}

func (i *Instance) String() string {
	return fmt.Sprintf("instance %d", i.number)
}

func (i *Instance) setObserver(fn transitionFunc) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.observer = fn
}

// Start launches the instance's command. Allowed from DOWN or FAILED.
func (i *Instance) Start(ctx context.Context) error {
	i.mu.Lock()
	from := i.state
	if from != InstanceDown && from != InstanceFailed {
		i.mu.Unlock()
		return fmt.Errorf("start %s from %s: %w", i, from, ErrInvalidTransition)
	}
	if i.node == nil {
		i.state = InstanceFailed
		i.pending = ""
		observer := i.observer
		i.mu.Unlock()
		i.logger.Warn("Instance cannot start without a node")
		i.notify(observer, from, InstanceFailed)
		return fmt.Errorf("start %s: %w", i, ErrNoNode)
	}

	action := i.node.Run(i.command)
	i.state = InstanceStarting
	i.startAction = action
	i.pending = action.ID()
	observer := i.observer
	i.mu.Unlock()

	i.notify(observer, from, InstanceStarting)
	id := action.ID()
	action.Start(ctx, func(res node.Result) { i.startComplete(id, res) })
	return nil
}

func (i *Instance) startComplete(id string, res node.Result) {
	to := InstanceUp
	if !res.Succeeded() {
		to = InstanceFailed
	}
	i.complete(id, InstanceStarting, to, "start", res)
}

// RunMonitor issues a liveness check. Allowed from UP, and from STARTING, in
// which case a successful check supersedes the outstanding start action.
func (i *Instance) RunMonitor(ctx context.Context) error {
	i.mu.Lock()
	from := i.state
	if from != InstanceUp && from != InstanceStarting {
		i.mu.Unlock()
		return fmt.Errorf("monitor %s from %s: %w", i, from, ErrInvalidTransition)
	}
	if i.node == nil {
		i.mu.Unlock()
		return fmt.Errorf("monitor %s: %w", i, ErrNoNode)
	}
	i.runMonitorLocked(ctx, from, true)
	return nil
}

// forceMonitor moves the instance into MONITORING whatever its state and
// issues a check. Used after restore, where cached liveness can't be trusted;
// the move itself is not reported to the observer, only the check's result is.
func (i *Instance) forceMonitor(ctx context.Context) {
	i.mu.Lock()
	i.runMonitorLocked(ctx, i.state, false)
}

// runMonitorLocked must be called with i.mu held; it releases it.
func (i *Instance) runMonitorLocked(ctx context.Context, from InstanceState, report bool) {
	action := i.node.Run(i.MonitorCommand())
	i.state = InstanceMonitoring
	i.monitorAction = action
	i.pending = action.ID()
	observer := i.observer
	i.mu.Unlock()

	if report {
		i.notify(observer, from, InstanceMonitoring)
	}
	id := action.ID()
	action.Start(ctx, func(res node.Result) { i.monitorComplete(id, res) })
}

func (i *Instance) monitorComplete(id string, res node.Result) {
	to := InstanceUp
	if !res.Succeeded() {
		to = InstanceFailed
	}
	i.complete(id, InstanceMonitoring, to, "monitor", res)
}

func (i *Instance) complete(id string, expect, to InstanceState, kind string, res node.Result) {
	i.mu.Lock()
	if i.state != expect || i.pending != id {
		state := i.state
		i.mu.Unlock()
		i.logger.Debug("Ignoring stale completion", "kind", kind, "action", id, "state", state, "result", res.String())
		return
	}
	i.state = to
	i.pending = ""
	observer := i.observer
	i.mu.Unlock()

	if to == InstanceFailed {
		i.logger.Warn("Instance failed", "kind", kind, "result", res.String())
	}
	i.notify(observer, expect, to)
}

// Stop moves the instance to DOWN immediately and asks the node to kill the
// recorded process. Results of actions issued before Stop are ignored.
// Stopping a DOWN instance does nothing.
func (i *Instance) Stop(ctx context.Context) error {
	i.mu.Lock()
	from := i.state
	if from == InstanceDown {
		i.mu.Unlock()
		return nil
	}
	i.state = InstanceDown
	i.pending = ""
	observer := i.observer
	i.mu.Unlock()

	i.notify(observer, from, InstanceDown)

	if i.node != nil && i.pidFile != "" {
		action := i.node.Run(i.StopCommand())
		action.Start(ctx, func(res node.Result) {
			if !res.Succeeded() {
				i.logger.Warn("Stop command failed", "result", res.String())
			}
		})
	}
	return nil
}

func (i *Instance) notify(observer transitionFunc, from, to InstanceState) {
	if from == to {
		return
	}
	i.logger.Debug("Instance transition", "from", from, "to", to)
	if observer != nil {
		observer(i, from, to)
	}
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
