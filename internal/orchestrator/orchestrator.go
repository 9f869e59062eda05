// Package orchestrator drives generation tasks through their lifecycle:
// single-flight submission, simulated progress, artifact handoff, retry,
// cancellation and reload reconciliation.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/p-blackswan/leadgen-agent/internal/artifact"
	perrors "github.com/p-blackswan/leadgen-agent/internal/errors"
	"github.com/p-blackswan/leadgen-agent/internal/generation"
	"github.com/p-blackswan/leadgen-agent/internal/metrics"
	"github.com/p-blackswan/leadgen-agent/internal/registry"
	"github.com/p-blackswan/leadgen-agent/internal/task"
)

// Generator runs backend generations. *generation.Client implements it.
type Generator interface {
	Prepare(agent task.AgentType, req generation.Request) (generation.Request, error)
	Generate(ctx context.Context, agent task.AgentType, req generation.Request) (*generation.Result, error)
}

// Notifier is told about tasks that completed or failed.
type Notifier interface {
	NotifyTask(ctx context.Context, t task.Task) error
}

// Default expected durations per agent type, used until real samples exist.
var DefaultExpectedDurations = map[task.AgentType]time.Duration{
	task.AgentWebsite:   90 * time.Second,
	task.AgentContent:   60 * time.Second,
	task.AgentMarketing: 120 * time.Second,
}

// Config holds orchestrator tunables.
type Config struct {
	MaxAttempts        int
	ProgressCeiling    int
	TickInterval       time.Duration
	StalenessThreshold time.Duration
	FailedRetention    time.Duration
	StoreTimeout       time.Duration
	NotifyTimeout      time.Duration
	DurationSamples    int
	ExpectedDurations  map[task.AgentType]time.Duration
	Phases             map[task.AgentType][]task.Phase
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:        3,
		ProgressCeiling:    95,
		TickInterval:       2 * time.Second,
		StalenessThreshold: 5 * time.Minute,
		FailedRetention:    24 * time.Hour,
		StoreTimeout:       5 * time.Second,
		NotifyTimeout:      10 * time.Second,
		DurationSamples:    20,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.ProgressCeiling <= 0 || c.ProgressCeiling > 99 {
		c.ProgressCeiling = d.ProgressCeiling
	}
	if c.TickInterval <= 0 {
		c.TickInterval = d.TickInterval
	}
	if c.StalenessThreshold <= 0 {
		c.StalenessThreshold = d.StalenessThreshold
	}
	if c.FailedRetention <= 0 {
		c.FailedRetention = d.FailedRetention
	}
	if c.StoreTimeout <= 0 {
		c.StoreTimeout = d.StoreTimeout
	}
	if c.NotifyTimeout <= 0 {
		c.NotifyTimeout = d.NotifyTimeout
	}
	if c.DurationSamples <= 0 {
		c.DurationSamples = d.DurationSamples
	}
	return c
}

// SubmitRequest asks for one generation.
type SubmitRequest struct {
	Namespace  string
	BusinessID string
	AgentType  task.AgentType
	Business   task.Business
	Options    task.Options
}

// call is one outstanding backend request.
type call struct {
	cancel  context.CancelFunc
	attempt int
	started time.Time
}

// Orchestrator owns every task mutation. All mutations, their persistence and
// their publication happen under mu, so subscribers and the registry always
// agree on the latest state.
type Orchestrator struct {
	cfg      Config
	registry *registry.Registry
	repo     *artifact.Repository
	gen      Generator
	notifier Notifier
	metrics  *metrics.Metrics
	logger   zerolog.Logger
	now      func() time.Time

	mu        sync.Mutex
	tasks     map[string]*task.Task
	slots     map[task.Key]string
	inflight  map[string]*call
	staleSeen map[string]bool
	durations map[task.AgentType][]time.Duration

	// unarchived holds ids whose archive write failed; the registry may
	// still list them in the working set.
	unarchived map[string]struct{}

	hub *hub

	warnMu      sync.RWMutex
	persistWarn error

	ctx     context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup
	running atomic.Bool
	closed  atomic.Bool
}

// New creates an orchestrator. Metrics may be nil.
func New(cfg Config, reg *registry.Registry, repo *artifact.Repository, gen Generator, m *metrics.Metrics, logger zerolog.Logger) *Orchestrator {
	if m == nil {
		m = metrics.New()
	}
	ctx, stop := context.WithCancel(context.Background())
	return &Orchestrator{
		cfg:        cfg.withDefaults(),
		registry:   reg,
		repo:       repo,
		gen:        gen,
		metrics:    m,
		logger:     logger.With().Str("component", "orchestrator").Logger(),
		now:        func() time.Time { return time.Now().UTC() },
		tasks:      make(map[string]*task.Task),
		slots:      make(map[task.Key]string),
		inflight:   make(map[string]*call),
		staleSeen:  make(map[string]bool),
		durations:  make(map[task.AgentType][]time.Duration),
		unarchived: make(map[string]struct{}),
		hub:        newHub(),
		ctx:        ctx,
		stop:       stop,
	}
}

// SetNotifier sets the completion notifier.
func (o *Orchestrator) SetNotifier(n Notifier) {
	o.notifier = n
}

// Start launches the progress and janitor ticker.
func (o *Orchestrator) Start(ctx context.Context) {
	if o.closed.Load() || o.running.Swap(true) {
		return
	}
	o.wg.Add(1)
	go o.tickLoop(ctx)
	o.logger.Info().
		Dur("tick", o.cfg.TickInterval).
		Int("max_attempts", o.cfg.MaxAttempts).
		Msg("orchestrator started")
}

// Stop cancels outstanding backend calls and waits for every goroutine.
// Interrupted tasks stay persisted as running and are reconciled by Restore.
func (o *Orchestrator) Stop() {
	if o.closed.Swap(true) {
		return
	}
	o.stop()
	o.wg.Wait()
	o.hub.close()
	o.running.Store(false)
	o.logger.Info().Msg("orchestrator stopped")
}

// Get returns a task snapshot from memory or, for archived tasks, from the
// registry.
func (o *Orchestrator) Get(ctx context.Context, id string) (*task.Task, error) {
	o.mu.Lock()
	if t, ok := o.tasks[id]; ok {
		snap := o.snapshotLocked(t)
		o.mu.Unlock()
		return &snap, nil
	}
	o.mu.Unlock()

	t, err := o.registry.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return t, nil
}

// List returns the tasks of a namespace that are in flight or failed and
// not yet dismissed, newest first. An empty namespace lists every task.
func (o *Orchestrator) List(namespace string) []*task.Task {
	return o.collect(namespace, func(t *task.Task) bool { return true })
}

// ListActive returns queued and running tasks of a namespace.
func (o *Orchestrator) ListActive(namespace string) []*task.Task {
	return o.collect(namespace, func(t *task.Task) bool { return t.Status.Active() })
}

func (o *Orchestrator) collect(namespace string, keep func(*task.Task) bool) []*task.Task {
	o.mu.Lock()
	out := make([]*task.Task, 0, len(o.tasks))
	for _, t := range o.tasks {
		if namespace != "" && t.Namespace != namespace {
			continue
		}
		if !keep(t) {
			continue
		}
		snap := o.snapshotLocked(t)
		out = append(out, &snap)
	}
	o.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// History returns archived tasks of a namespace, most recent first.
func (o *Orchestrator) History(ctx context.Context, namespace string, limit int) ([]*task.Task, error) {
	all, err := o.registry.History(ctx, 0)
	if err != nil {
		return nil, err
	}
	out := make([]*task.Task, 0, len(all))
	for _, t := range all {
		if namespace != "" && t.Namespace != namespace {
			continue
		}
		out = append(out, t)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// Subscribe delivers every state of the task from its current one onwards.
// The returned function unsubscribes.
func (o *Orchestrator) Subscribe(ctx context.Context, id string, fn func(task.Task)) (func(), error) {
	o.mu.Lock()
	if t, ok := o.tasks[id]; ok {
		snap := o.snapshotLocked(t)
		unsub := o.hub.subscribe(id, fn, &snap)
		o.mu.Unlock()
		return unsub, nil
	}
	o.mu.Unlock()

	t, err := o.registry.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return o.hub.subscribe(id, fn, t), nil
}

// SubscribeAll delivers every state change of every task.
func (o *Orchestrator) SubscribeAll(fn func(task.Task)) func() {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.hub.subscribe("", fn, nil)
}

// Subscribers returns the number of open subscriptions.
func (o *Orchestrator) Subscribers() int {
	return o.hub.count()
}

// PersistenceWarning returns the last storage failure, or nil once a later
// write succeeded.
func (o *Orchestrator) PersistenceWarning() error {
	o.warnMu.RLock()
	defer o.warnMu.RUnlock()
	return o.persistWarn
}

func (o *Orchestrator) snapshotLocked(t *task.Task) task.Task {
	snap := t.Clone()
	snap.Stale = t.IsStale(o.now(), o.cfg.StalenessThreshold)
	return snap
}

// commitLocked persists t and publishes the resulting snapshot.
func (o *Orchestrator) commitLocked(t *task.Task) {
	ctx, cancel := context.WithTimeout(context.Background(), o.cfg.StoreTimeout)
	defer cancel()
	o.recordPersist("upsert", t.ID, o.registry.Upsert(ctx, t))
	o.hub.publish(o.snapshotLocked(t))
}

// archiveLocked moves a terminal task into history and forgets it. A stored
// record left behind by an earlier failed write is rewritten first.
func (o *Orchestrator) archiveLocked(t *task.Task) {
	ctx, cancel := context.WithTimeout(context.Background(), o.cfg.StoreTimeout)
	defer cancel()
	err := o.registry.Archive(ctx, t.ID)
	if errors.Is(err, perrors.ErrNotTerminal) || errors.Is(err, perrors.ErrNotFound) {
		if err = o.registry.Upsert(ctx, t); err == nil {
			err = o.registry.Archive(ctx, t.ID)
		}
	}
	o.recordPersist("archive", t.ID, err)
	if err != nil {
		o.unarchived[t.ID] = struct{}{}
	} else {
		delete(o.unarchived, t.ID)
	}
	o.releaseSlotLocked(t)
	delete(o.tasks, t.ID)
	delete(o.staleSeen, t.ID)
}

func (o *Orchestrator) recordPersist(op, taskID string, err error) {
	o.warnMu.Lock()
	defer o.warnMu.Unlock()
	if err == nil {
		o.persistWarn = nil
		return
	}
	o.persistWarn = err
	o.metrics.RecordPersistenceError(op)
	o.logger.Warn().Err(err).Str("op", op).Str("task_id", taskID).Msg("failed to persist task state")
}

func (o *Orchestrator) refreshActiveLocked() {
	o.metrics.SetActiveTasks(len(o.slots))
}

// lookupLocked finds a task. live is false for tasks that only exist in the
// registry's history.
func (o *Orchestrator) lookupLocked(ctx context.Context, id string) (t *task.Task, live bool, err error) {
	if t, ok := o.tasks[id]; ok {
		return t, true, nil
	}
	t, err = o.registry.Get(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return t, false, nil
}

// inFlightLocked returns the id of the task occupying key, if any. Memory is
// authoritative: a registry record is only adopted for a task this process
// has not already finished.
func (o *Orchestrator) inFlightLocked(ctx context.Context, key task.Key) (string, bool) {
	if id, ok := o.slots[key]; ok {
		return id, true
	}
	existing, err := o.registry.FindActiveFor(ctx, key.Namespace, key.BusinessID, key.AgentType)
	if err != nil {
		o.logger.Warn().Err(err).Str("business_id", key.BusinessID).Msg("registry lookup failed; relying on in-memory slots")
		return "", false
	}
	if existing == nil {
		return "", false
	}
	if known, ok := o.tasks[existing.ID]; ok {
		if !known.Status.Active() {
			return "", false
		}
	} else if _, ok := o.unarchived[existing.ID]; ok {
		return "", false
	} else {
		o.tasks[existing.ID] = existing
	}
	o.slots[key] = existing.ID
	return existing.ID, true
}

func illegal(t *task.Task, action string) error {
	return fmt.Errorf("cannot %s task %s in status %s: %w", action, t.ID, t.Status, perrors.ErrIllegalTransition)
}
