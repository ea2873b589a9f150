// Package supervisor keeps a set of services in line with the latest
// configuration: it builds services, reconciles them with what is already
// running or was persisted before a restart, schedules liveness checks and
// snapshots the result.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	gocron "github.com/go-co-op/gocron/v2"

	"github.com/tomyedwab/overseer/node"
	"github.com/tomyedwab/overseer/service"
	"github.com/tomyedwab/overseer/store"
)

const (
	defaultMonitorInterval  = 15 * time.Second
	defaultSnapshotInterval = time.Minute
)

// Store persists service snapshots. *store.Store implements it.
type Store interface {
	Save(ctx context.Context, snap service.Snapshot) (string, error)
	Load(ctx context.Context, name string) (store.Record, error)
	Delete(ctx context.Context, name string) error
}

// ServiceSpec is the desired definition of one service.
type ServiceSpec struct {
	Config service.Config
	Nodes  []string // Names of registered nodes to place on; empty means all
}

// Config holds configuration options for the Supervisor.
type Config struct {
	Store            Store         // Optional, nothing is persisted without one
	Nodes            []node.Node   // Every node services may be placed on
	Logger           *slog.Logger  // Optional, defaults to slog.Default()
	MonitorInterval  time.Duration // Optional, defaults to 15s
	SnapshotInterval time.Duration // Optional, defaults to 1m

	// OnStateChange, if set, is subscribed to every service the supervisor builds.
	OnStateChange service.StateListener
}

// Supervisor owns the running services.
type Supervisor struct {
	store            Store
	nodes            map[string]node.Node
	nodeOrder        []string
	logger           *slog.Logger
	serviceLogger    *slog.Logger // Handed to services, which add their own component
	monitorInterval  time.Duration
	snapshotInterval time.Duration
	onStateChange    service.StateListener

	applyMu  sync.Mutex // Serializes Apply
	mu       sync.Mutex
	services map[string]*managed
	pools    map[string]*node.Pool // Keyed by joined node names
}

type managed struct {
	svc   *service.Service
	nodes []string
}

// New creates a Supervisor with no services.
func New(config Config) (*Supervisor, error) {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	monitorInterval := config.MonitorInterval
	if monitorInterval == 0 {
		monitorInterval = defaultMonitorInterval
	}
	snapshotInterval := config.SnapshotInterval
	if snapshotInterval == 0 {
		snapshotInterval = defaultSnapshotInterval
	}

	s := &Supervisor{
		store:            config.Store,
		nodes:            make(map[string]node.Node, len(config.Nodes)),
		logger:           logger.With("component", "Supervisor"),
		serviceLogger:    logger,
		monitorInterval:  monitorInterval,
		snapshotInterval: snapshotInterval,
		onStateChange:    config.OnStateChange,
		services:         make(map[string]*managed),
		pools:            make(map[string]*node.Pool),
	}
	for _, n := range config.Nodes {
		if _, dup := s.nodes[n.Name()]; dup {
			return nil, fmt.Errorf("duplicate node %q", n.Name())
		}
		s.nodes[n.Name()] = n
		s.nodeOrder = append(s.nodeOrder, n.Name())
	}
	return s, nil
}

// Apply makes specs the desired set of services.
//
// A service that is already running and whose definition changed is rebuilt
// and absorbs the running one: kept instances are left alone, new ones are
// started and surplus ones stopped. A service seen for the first time is
// restored from its stored snapshot if there is one, and started fresh
// otherwise. Running services missing from specs are stopped and forgotten.
// Everything is persisted at the end.
//
// A spec that can't be applied is reported in the returned error and leaves
// the running version of that service, if any, untouched.
func (s *Supervisor) Apply(ctx context.Context, specs []ServiceSpec) error {
	s.applyMu.Lock()
	defer s.applyMu.Unlock()

	var errs []error
	wanted := make(map[string]bool, len(specs))
	for _, spec := range specs {
		name := spec.Config.Name
		if wanted[name] {
			errs = append(errs, fmt.Errorf("service %s: defined twice", name))
			continue
		}
		wanted[name] = true
		if err := s.applyOne(ctx, spec); err != nil {
			errs = append(errs, err)
		}
	}

	s.mu.Lock()
	var retired []*managed
	for name, m := range s.services {
		if !wanted[name] {
			retired = append(retired, m)
			delete(s.services, name)
		}
	}
	s.mu.Unlock()

	for _, m := range retired {
		s.logger.Info("Retiring service", "service", m.svc.Name())
		if err := m.svc.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
		if s.store != nil {
			if err := s.store.Delete(ctx, m.svc.Name()); err != nil {
				errs = append(errs, fmt.Errorf("service %s: deleting snapshot: %w", m.svc.Name(), err))
			}
		}
	}

	if err := s.Persist(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (s *Supervisor) applyOne(ctx context.Context, spec ServiceSpec) error {
	name := spec.Config.Name
	nodes, err := s.resolveNodes(spec.Nodes)
	if err != nil {
		return fmt.Errorf("service %s: %w", name, err)
	}

	s.mu.Lock()
	current := s.services[name]
	s.mu.Unlock()

	if current != nil && current.svc.Config() == spec.Config && slices.Equal(current.nodes, nodes) {
		return nil
	}

	svc, err := s.build(spec.Config, nodes)
	if err != nil {
		return err
	}

	var errs []error
	switch {
	case current != nil:
		s.logger.Info("Reconfiguring service", "service", name, "count", spec.Config.Count)
		errs = append(errs, s.absorb(ctx, svc, current.svc))
	default:
		rec, err := s.load(ctx, name)
		if err != nil {
			return err
		}
		restored := false
		if rec != nil {
			var restoreErr error
			restored, restoreErr = s.restore(ctx, svc, *rec, nodes)
			errs = append(errs, restoreErr)
		}
		if !restored {
			s.logger.Info("Starting new service", "service", name, "count", spec.Config.Count,
				"first_instance_number", svc.LastInstanceNumber()+1)
			errs = append(errs, svc.Start(ctx))
		}
	}

	s.mu.Lock()
	s.services[name] = &managed{svc: svc, nodes: nodes}
	s.mu.Unlock()
	return errors.Join(errs...)
}

// absorb hands old's instances over to svc, then starts what was added and
// stops what was dropped.
func (s *Supervisor) absorb(ctx context.Context, svc, old *service.Service) error {
	rec, err := svc.AbsorbPrevious(old)
	errs := []error{err}
	for _, inst := range rec.Added {
		if inst.State() == service.InstanceFailed {
			// Never had a node; already reported by AbsorbPrevious.
			continue
		}
		errs = append(errs, inst.Start(ctx))
	}
	for _, inst := range rec.Removed {
		errs = append(errs, inst.Stop(ctx))
	}
	return errors.Join(errs...)
}

// load returns the stored snapshot for name, or nil when there is none.
func (s *Supervisor) load(ctx context.Context, name string) (*store.Record, error) {
	if s.store == nil {
		return nil, nil
	}
	rec, err := s.store.Load(ctx, name)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("service %s: loading snapshot: %w", name, err)
	}
	return &rec, nil
}

// restore brings svc back to the state stored in rec and reports whether it
// did. Instances on nodes that are no longer registered can't be tracked;
// they are left out and reported. When the rest matches svc's count and
// nodes it is restored into svc directly, keeping the stored aggregate until
// the checks report. Otherwise it is restored into an interim service that
// sees every node and then absorbed, so svc's count and nodes apply.
//
// If the snapshot is unusable svc is left empty, numbered on past every
// number the snapshot used, and the caller starts it.
func (s *Supervisor) restore(ctx context.Context, svc *service.Service, rec store.Record, nodes []string) (bool, error) {
	config := svc.Config()
	snap, errs := s.pruneSnapshot(rec.Snapshot)

	direct := snap.Count == config.Count
	for _, inst := range snap.Instances {
		if inst.Node != "" && !slices.Contains(nodes, inst.Node) {
			direct = false
		}
	}

	var err error
	if direct {
		err = svc.Restore(ctx, snap)
	} else {
		var prev *service.Service
		config.Count = snap.Count
		prev, err = s.build(config, s.nodeOrder)
		if err == nil {
			err = prev.Restore(ctx, snap)
		}
		if err == nil {
			errs = append(errs, s.absorb(ctx, svc, prev))
		}
	}
	if err != nil {
		s.logger.Warn("Discarding unusable snapshot", "service", config.Name, "revision", rec.Revision, "error", err)
		last := rec.Snapshot.LastInstanceNumber
		for _, inst := range rec.Snapshot.Instances {
			last = max(last, inst.Number)
		}
		svc.ReserveNumbers(last)
		return false, errors.Join(append(errs, err)...)
	}

	s.logger.Info("Restored service from snapshot", "service", config.Name, "revision", rec.Revision,
		"state", snap.State, "instances", len(snap.Instances), "saved_at", rec.UpdatedAt)
	return true, errors.Join(errs...)
}

// pruneSnapshot drops instances bound to nodes that are not registered,
// returning an error for each. The aggregate of a pruned snapshot is derived
// from what is left.
func (s *Supervisor) pruneSnapshot(snap service.Snapshot) (service.Snapshot, []error) {
	var errs []error
	kept := make([]service.InstanceSnapshot, 0, len(snap.Instances))
	for _, inst := range snap.Instances {
		if _, ok := s.nodes[inst.Node]; inst.Node != "" && !ok {
			errs = append(errs, fmt.Errorf("%w: service %s: instance %d was on unknown node %q and is no longer tracked",
				service.ErrSnapshot, snap.Name, inst.Number, inst.Node))
			continue
		}
		kept = append(kept, inst)
	}
	if len(errs) == 0 {
		return snap, nil
	}

	states := make([]service.InstanceState, 0, len(kept))
	for _, inst := range kept {
		states = append(states, inst.State)
	}
	snap.Instances = kept
	snap.Count -= len(errs)
	snap.State = service.Aggregate(states)
	return snap, errs
}

func (s *Supervisor) build(config service.Config, nodes []string) (*service.Service, error) {
	svc, err := service.New(config, s.pool(nodes), s.serviceLogger)
	if err != nil {
		return nil, err
	}
	if s.onStateChange != nil {
		svc.Subscribe(s.onStateChange)
	}
	return svc, nil
}

func (s *Supervisor) resolveNodes(names []string) ([]string, error) {
	if len(names) == 0 {
		return slices.Clone(s.nodeOrder), nil
	}
	for _, name := range names {
		if _, ok := s.nodes[name]; !ok {
			return nil, fmt.Errorf("unknown node %q", name)
		}
	}
	return slices.Clone(names), nil
}

// pool returns the shared pool for a node list, so services placed on the
// same nodes keep rotating through them across reconfiguration.
func (s *Supervisor) pool(names []string) *node.Pool {
	key := strings.Join(names, "\x00")
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.pools[key]; ok {
		return p
	}
	p := node.NewPool()
	for _, name := range names {
		p.Add(s.nodes[name])
	}
	s.pools[key] = p
	return p
}

// Service returns the running service called name.
func (s *Supervisor) Service(name string) (*service.Service, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.services[name]
	if !ok {
		return nil, false
	}
	return m.svc, true
}

// Services returns every running service ordered by name.
func (s *Supervisor) Services() []*service.Service {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*service.Service, 0, len(s.services))
	for _, name := range slices.Sorted(maps.Keys(s.services)) {
		out = append(out, s.services[name].svc)
	}
	return out
}

// Status returns a snapshot of every running service ordered by name.
func (s *Supervisor) Status() []service.Snapshot {
	services := s.Services()
	out := make([]service.Snapshot, 0, len(services))
	for _, svc := range services {
		out = append(out, svc.Data())
	}
	return out
}

// Monitor issues a liveness check on every UP instance of every service.
func (s *Supervisor) Monitor(ctx context.Context) int {
	issued := 0
	for _, svc := range s.Services() {
		issued += svc.Monitor(ctx)
	}
	s.logger.Debug("Issued liveness checks", "count", issued)
	return issued
}

// Persist saves a snapshot of every running service.
func (s *Supervisor) Persist(ctx context.Context) error {
	if s.store == nil {
		return nil
	}
	var errs []error
	for _, snap := range s.Status() {
		if _, err := s.store.Save(ctx, snap); err != nil {
			errs = append(errs, fmt.Errorf("service %s: saving snapshot: %w", snap.Name, err))
		}
	}
	return errors.Join(errs...)
}

// StopAll stops every service. Services stay registered and their (DOWN)
// state is persisted.
func (s *Supervisor) StopAll(ctx context.Context) error {
	var errs []error
	for _, svc := range s.Services() {
		errs = append(errs, svc.Stop(ctx))
	}
	errs = append(errs, s.Persist(ctx))
	return errors.Join(errs...)
}

// Run schedules liveness checks and snapshots until ctx is cancelled, then
// persists one last time. Services are left running: a restarted supervisor
// picks them up again from the store.
func (s *Supervisor) Run(ctx context.Context) error {
	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("initializing gocron scheduler: %w", err)
	}

	_, err = scheduler.NewJob(
		gocron.DurationJob(s.monitorInterval),
		gocron.NewTask(func() { s.Monitor(ctx) }),
		gocron.WithName("monitor"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("initializing monitor job: %w", err)
	}
	_, err = scheduler.NewJob(
		gocron.DurationJob(s.snapshotInterval),
		gocron.NewTask(func() {
			if err := s.Persist(ctx); err != nil {
				s.logger.Error("Periodic snapshot failed", "error", err)
			}
		}),
		gocron.WithName("snapshot"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("initializing snapshot job: %w", err)
	}

	s.logger.Info("Supervisor running", "monitor_interval", s.monitorInterval, "snapshot_interval", s.snapshotInterval)
	scheduler.Start()
	<-ctx.Done()
	s.logger.Info("Supervisor stopping")

	if err := scheduler.Shutdown(); err != nil {
		s.logger.Error("Shutting down scheduler failed", "error", err)
	}
	return s.Persist(context.WithoutCancel(ctx))
}
