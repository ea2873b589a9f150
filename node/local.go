package node

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	defaultShell     = "/bin/sh"
	defaultWaitDelay = 2 * time.Second
)

// LocalConfig holds configuration options for a LocalNode.
type LocalConfig struct {
	Shell     string        // Optional, defaults to /bin/sh
	Dir       string        // Optional, working directory of commands, defaults to the current directory
	Env       []string      // Optional, extra environment appended to os.Environ()
	WaitDelay time.Duration // Optional, how long to wait for output after exit, defaults to 2s
	Logger    *slog.Logger  // Optional, defaults to slog.Default()
}

// LocalNode runs commands through a shell on the supervising host.
type LocalNode struct {
	name      string
	shell     string
	dir       string
	env       []string
	waitDelay time.Duration
	logger    *slog.Logger

	wg sync.WaitGroup // In-flight actions
}

// NewLocalNode creates a LocalNode called name.
func NewLocalNode(name string, config LocalConfig) *LocalNode {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	shell := config.Shell
	if shell == "" {
		shell = defaultShell
	}
	waitDelay := config.WaitDelay
	if waitDelay == 0 {
		waitDelay = defaultWaitDelay
	}
	return &LocalNode{
		name:      name,
		shell:     shell,
		dir:       config.Dir,
		env:       append([]string(nil), config.Env...),
		waitDelay: waitDelay,
		logger:    logger.With("component", "LocalNode", "node", name),
	}
}

func (n *LocalNode) Name() string { return n.name }

// Run returns an Action executing command with `<shell> -c`.
func (n *LocalNode) Run(command string) Action {
	return &localAction{
		id:      uuid.NewString(),
		command: command,
		node:    n,
	}
}

// Wait blocks until every started action on this node has reported completion.
func (n *LocalNode) Wait() {
	n.wg.Wait()
}

type localAction struct {
	id      string
	command string
	node    *LocalNode
}

func (a *localAction) ID() string      { return a.id }
func (a *localAction) Command() string { return a.command }

func (a *localAction) Start(ctx context.Context, done func(Result)) {
	n := a.node
	logger := n.logger.With("action", a.id)

	cmd := exec.CommandContext(context.WithoutCancel(ctx), n.shell, "-c", a.command)
	cmd.Env = append(os.Environ(), n.env...)
	cmd.Dir = n.dir
	cmd.Stdout = &lineLogger{logger: logger, source: "stdout", level: slog.LevelDebug}
	cmd.Stderr = &lineLogger{logger: logger, source: "stderr", level: slog.LevelWarn}
	// Commands commonly background a daemon that inherits our output pipes;
	// don't let that hold the action open past the shell's exit.
	cmd.WaitDelay = n.waitDelay

	logger.DebugContext(ctx, "Starting command", "command", a.command)
	n.wg.Add(1)
	if err := cmd.Start(); err != nil {
		logger.WarnContext(ctx, "Failed to launch command", "command", a.command, "error", err)
		go func() {
			defer n.wg.Done()
			done(Result{ExitStatus: -1, Err: err})
		}()
		return
	}

	go func() {
		defer n.wg.Done()
		err := cmd.Wait()
		res := Result{}
		switch {
		case cmd.ProcessState != nil:
			res.ExitStatus = cmd.ProcessState.ExitCode()
		case err != nil:
			res.ExitStatus = -1
			res.Err = err
		}
		if err != nil && !errors.Is(err, exec.ErrWaitDelay) {
			var exitErr *exec.ExitError
			if !errors.As(err, &exitErr) {
				logger.Warn("Command wait failed", "command", a.command, "error", err)
			}
		}
		logger.Debug("Command finished", "command", a.command, "result", res.String())
		done(res)
	}()
}

// lineLogger is an io.Writer turning command output into log records, one per line.
type lineLogger struct {
	logger *slog.Logger
	source string
	level  slog.Level
	buf    []byte
}

func (w *lineLogger) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		w.logger.Log(context.Background(), w.level, "Command output", "source", w.source, "output", string(w.buf[:i]))
		w.buf = w.buf[i+1:]
	}
	return len(p), nil
}
