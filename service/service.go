// Package service supervises a configured number of long-running process
// instances spread over a pool of nodes.
//
// Each Instance runs its own state machine (DOWN, STARTING, UP, MONITORING,
// FAILED) driven by the completion of asynchronous node actions. A Service
// owns its instances and derives a single aggregate State from them after
// every instance transition. Services can be reconfigured without disturbing
// running instances (AbsorbPrevious) and persisted across supervisor restarts
// (Data and Restore).
//
// Nothing here blocks on a remote result: Start, Stop and RunMonitor return as
// soon as the work is issued, and every state change driven by a remote result
// happens inside that action's completion callback.
package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"text/template"

	"github.com/tomyedwab/overseer/node"
)

// Config is the immutable definition of a service.
type Config struct {
	Name    string // Stable identifier, kept across reconfiguration.
	Command string // text/template for the start command, rendered with TemplateData.
	PidFile string // text/template for the pid file path, rendered with TemplateData (PidFile empty).
	Count   int    // Desired number of instances.
}

// TemplateData is what Command and PidFile templates are rendered against.
type TemplateData struct {
	Name    string
	Number  int
	PidFile string
}

// StateListener observes aggregate state changes.
type StateListener func(svc *Service, from, to State)

// Service keeps Count instances of a command alive across a node pool.
type Service struct {
	config  Config
	command *template.Template
	pidFile *template.Template
	pool    *node.Pool
	logger  *slog.Logger

	mu                 sync.Mutex
	instances          []*Instance // Ordered by number
	lastInstanceNumber int         // Every number up to this one has been used
	state              State
	listeners          []StateListener
}

// New creates a DOWN service with no instances. pool is where new instances
// are placed; logger may be nil.
func New(config Config, pool *node.Pool, logger *slog.Logger) (*Service, error) {
	if config.Name == "" {
		return nil, errors.New("service name is required")
	}
	if config.Count < 0 {
		return nil, fmt.Errorf("service %s: negative count %d", config.Name, config.Count)
	}
	if config.PidFile == "" {
		return nil, fmt.Errorf("service %s: pid file is required", config.Name)
	}
	if pool == nil {
		return nil, fmt.Errorf("service %s: node pool is required", config.Name)
	}
	if logger == nil {
		logger = slog.Default()
	}

	command, err := template.New(config.Name + ".command").Option("missingkey=error").Parse(config.Command)
	if err != nil {
		return nil, fmt.Errorf("service %s: parsing command: %w", config.Name, err)
	}
	pidFile, err := template.New(config.Name + ".pid_file").Option("missingkey=error").Parse(config.PidFile)
	if err != nil {
		return nil, fmt.Errorf("service %s: parsing pid file: %w", config.Name, err)
	}

	s := &Service{
		config:  config,
		command: command,
		pidFile: pidFile,
		pool:    pool,
		logger:  logger.With("component", "Service", "service", config.Name),
	}
	// Templates only fail on execution for bad field references, so catch
	// those now instead of on the first instance.
	if _, _, err := s.render(1); err != nil {
		return nil, err
	}
	return s, nil
}

// Name returns the service name.
func (s *Service) Name() string { return s.config.Name }

// Config returns the service definition.
func (s *Service) Config() Config { return s.config }

// Count returns the desired number of instances.
func (s *Service) Count() int { return s.config.Count }

// State returns the aggregate state.
func (s *Service) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LastInstanceNumber returns the highest instance number ever assigned.
func (s *Service) LastInstanceNumber() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastInstanceNumber
}

// ReserveNumbers makes sure instances created from now on are numbered above
// last. It never lowers the counter.
func (s *Service) ReserveNumbers(last int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastInstanceNumber = max(s.lastInstanceNumber, last)
}

// Instances returns the current instances ordered by number.
func (s *Service) Instances() []*Instance {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.instances)
}

// Subscribe registers fn to be called after every aggregate state change.
func (s *Service) Subscribe(fn StateListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// Start brings the service up. With no instances it first creates Count of
// them, placed round-robin on the pool; then every DOWN or FAILED instance is
// started. Instances that could not be given a node stay FAILED and are
// reported in the returned error.
func (s *Service) Start(ctx context.Context) error {
	var errs []error

	s.mu.Lock()
	if len(s.instances) == 0 {
		for range s.config.Count {
			inst, err := s.growLocked()
			if err != nil {
				errs = append(errs, err)
			}
			if inst != nil {
				s.instances = append(s.instances, inst)
			}
		}
	}
	var toStart []*Instance
	for _, inst := range s.instances {
		if st := inst.State(); st == InstanceDown || st == InstanceFailed {
			toStart = append(toStart, inst)
		}
	}
	from := s.state
	if len(toStart) > 0 {
		s.state = StateStarting
	}
	notify := s.transitionLocked(from)
	s.mu.Unlock()
	notify()

	s.logger.Info("Starting service", "instances", len(toStart))
	for _, inst := range toStart {
		if err := inst.Start(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	s.recompute()
	return errors.Join(errs...)
}

// Stop stops every instance. Instances are kept so a later Start reuses them.
func (s *Service) Stop(ctx context.Context) error {
	s.logger.Info("Stopping service")
	var errs []error
	for _, inst := range s.Instances() {
		if err := inst.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	s.recompute()
	return errors.Join(errs...)
}

// Monitor issues a liveness check on every UP instance and returns how many
// were issued. Scheduling is up to the caller.
func (s *Service) Monitor(ctx context.Context) int {
	issued := 0
	for _, inst := range s.Instances() {
		if inst.State() != InstanceUp {
			continue
		}
		if err := inst.RunMonitor(ctx); err != nil {
			// Raced with a concurrent transition; the next cycle picks it up.
			s.logger.Debug("Skipping monitor", "instance", inst.Number(), "error", err)
			continue
		}
		issued++
	}
	return issued
}

// growLocked creates the next numbered instance. When the pool has no node to
// offer, the instance is created FAILED without a node and the error is
// returned alongside it.
func (s *Service) growLocked() (*Instance, error) {
	s.lastInstanceNumber++
	number := s.lastInstanceNumber

	command, pidFile, err := s.render(number)
	if err != nil {
		return nil, err
	}

	n, err := s.pool.NextNode()
	inst := newInstance(number, n, command, pidFile, s.logger)
	inst.observer = s.instanceChanged
	if err != nil {
		inst.state = InstanceFailed
		s.logger.Warn("No node for new instance", "instance", number, "error", err)
		return inst, fmt.Errorf("service %s: allocating node for instance %d: %w", s.config.Name, number, err)
	}
	return inst, nil
}

func (s *Service) render(number int) (string, string, error) {
	data := TemplateData{Name: s.config.Name, Number: number}

	var buf bytes.Buffer
	if err := s.pidFile.Execute(&buf, data); err != nil {
		return "", "", fmt.Errorf("service %s: rendering pid file: %w", s.config.Name, err)
	}
	data.PidFile = buf.String()

	buf.Reset()
	if err := s.command.Execute(&buf, data); err != nil {
		return "", "", fmt.Errorf("service %s: rendering command: %w", s.config.Name, err)
	}
	return buf.String(), data.PidFile, nil
}

func (s *Service) instanceChanged(_ *Instance, _, _ InstanceState) {
	s.recompute()
}

// recompute derives the aggregate state from the current instance states.
// Reading and writing under s.mu means the last recompute to run always sees
// the latest instance transitions.
func (s *Service) recompute() {
	s.mu.Lock()
	from := s.state
	s.state = Aggregate(s.instanceStatesLocked())
	notify := s.transitionLocked(from)
	s.mu.Unlock()
	notify()
}

func (s *Service) instanceStatesLocked() []InstanceState {
	states := make([]InstanceState, len(s.instances))
	for i, inst := range s.instances {
		states[i] = inst.State()
	}
	return states
}

// transitionLocked returns a func reporting the move from `from` to the
// current state. It must be called after s.mu is released.
func (s *Service) transitionLocked(from State) func() {
	to := s.state
	if from == to {
		return func() {}
	}
	listeners := slices.Clone(s.listeners)
	return func() {
		s.logger.Info("Service transition", "from", from, "to", to)
		for _, fn := range listeners {
			fn(s, from, to)
		}
	}
}
