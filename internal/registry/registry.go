// Package registry keeps a reload-safe record of generation tasks in a
// key/value store.
//
// Layout:
//
//	tasks:index    ordered ids of the working set (active and failed tasks)
//	tasks:<id>     serialized task
//	tasks:history  archived ids, most recent first, bounded
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	perrors "github.com/p-blackswan/leadgen-agent/internal/errors"
	"github.com/p-blackswan/leadgen-agent/internal/kvstore"
	"github.com/p-blackswan/leadgen-agent/internal/task"
)

const (
	indexKey   = "tasks:index"
	historyKey = "tasks:history"

	// DefaultHistoryLimit bounds the archived task history.
	DefaultHistoryLimit = 50
)

func taskKey(id string) string { return "tasks:" + id }

// Registry persists tasks. Index and history updates are serialized.
type Registry struct {
	kv           kvstore.Store
	historyLimit int
	mu           sync.Mutex
	logger       zerolog.Logger
}

// New creates a registry over kv. historyLimit <= 0 uses DefaultHistoryLimit.
func New(kv kvstore.Store, historyLimit int, logger zerolog.Logger) *Registry {
	if historyLimit <= 0 {
		historyLimit = DefaultHistoryLimit
	}
	return &Registry{
		kv:           kv,
		historyLimit: historyLimit,
		logger:       logger.With().Str("component", "registry").Logger(),
	}
}

// Upsert writes the task, replacing any record with the same id. Tasks that
// are not archived are added to the working-set index.
func (r *Registry) Upsert(ctx context.Context, t *task.Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.writeTask(ctx, t); err != nil {
		return err
	}

	history, err := r.readIDs(ctx, historyKey)
	if err != nil {
		return err
	}
	if contains(history, t.ID) {
		return nil
	}

	index, err := r.readIDs(ctx, indexKey)
	if err != nil {
		return err
	}
	if contains(index, t.ID) {
		return nil
	}
	return r.writeIDs(ctx, indexKey, append(index, t.ID))
}

// Get returns a task by id, or perrors.ErrNotFound.
func (r *Registry) Get(ctx context.Context, id string) (*task.Task, error) {
	return r.readTask(ctx, id)
}

// List returns the working set in submission order.
func (r *Registry) List(ctx context.Context) ([]*task.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	index, err := r.readIDs(ctx, indexKey)
	if err != nil {
		return nil, err
	}
	return r.loadAll(ctx, index)
}

// ListActive returns all queued and running tasks.
func (r *Registry) ListActive(ctx context.Context) ([]*task.Task, error) {
	all, err := r.List(ctx)
	if err != nil {
		return nil, err
	}
	active := make([]*task.Task, 0, len(all))
	for _, t := range all {
		if t.Status.Active() {
			active = append(active, t)
		}
	}
	return active, nil
}

// FindActiveFor returns the active task holding the single-flight slot for
// the business and agent type, or nil.
func (r *Registry) FindActiveFor(ctx context.Context, namespace, businessID string, agentType task.AgentType) (*task.Task, error) {
	active, err := r.ListActive(ctx)
	if err != nil {
		return nil, err
	}
	want := task.Key{Namespace: namespace, BusinessID: businessID, AgentType: agentType}
	for _, t := range active {
		if t.Key() == want {
			return t, nil
		}
	}
	return nil, nil
}

// Archive moves a terminal task from the working set into history. History
// is trimmed to the configured limit; evicted task records are deleted.
func (r *Registry) Archive(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, err := r.readTask(ctx, id)
	if err != nil {
		return err
	}
	if !t.Status.Terminal() {
		return fmt.Errorf("archive task %s in status %s: %w", id, t.Status, perrors.ErrNotTerminal)
	}

	index, err := r.readIDs(ctx, indexKey)
	if err != nil {
		return err
	}
	if err := r.writeIDs(ctx, indexKey, without(index, id)); err != nil {
		return err
	}

	history, err := r.readIDs(ctx, historyKey)
	if err != nil {
		return err
	}
	history = append([]string{id}, without(history, id)...)

	var evicted []string
	if len(history) > r.historyLimit {
		evicted = history[r.historyLimit:]
		history = history[:r.historyLimit]
	}
	if err := r.writeIDs(ctx, historyKey, history); err != nil {
		return err
	}
	for _, old := range evicted {
		if err := r.kv.Delete(ctx, taskKey(old)); err != nil {
			r.logger.Warn().Err(err).Str("task_id", old).Msg("failed to delete evicted task record")
		}
	}
	return nil
}

// Remove deletes a task and every reference to it.
func (r *Registry) Remove(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, key := range []string{indexKey, historyKey} {
		ids, err := r.readIDs(ctx, key)
		if err != nil {
			return err
		}
		if contains(ids, id) {
			if err := r.writeIDs(ctx, key, without(ids, id)); err != nil {
				return err
			}
		}
	}
	return r.kv.Delete(ctx, taskKey(id))
}

// History returns archived tasks, most recent first. limit <= 0 returns all.
func (r *Registry) History(ctx context.Context, limit int) ([]*task.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	history, err := r.readIDs(ctx, historyKey)
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(history) > limit {
		history = history[:limit]
	}
	return r.loadAll(ctx, history)
}

// loadAll reads tasks by id, skipping records that are missing or corrupt.
func (r *Registry) loadAll(ctx context.Context, ids []string) ([]*task.Task, error) {
	tasks := make([]*task.Task, 0, len(ids))
	for _, id := range ids {
		t, err := r.readTask(ctx, id)
		if errors.Is(err, perrors.ErrNotFound) {
			r.logger.Warn().Str("task_id", id).Msg("indexed task record missing")
			continue
		}
		var perr *perrors.PersistenceError
		if errors.As(err, &perr) && errors.Is(perr.Err, errCorrupt) {
			r.logger.Warn().Err(err).Str("task_id", id).Msg("skipping corrupt task record")
			continue
		}
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}

var errCorrupt = errors.New("corrupt record")

func (r *Registry) readTask(ctx context.Context, id string) (*task.Task, error) {
	raw, err := r.kv.Get(ctx, taskKey(id))
	if kvstore.IsNotFound(err) {
		return nil, fmt.Errorf("task %s: %w", id, perrors.ErrNotFound)
	}
	if err != nil {
		return nil, asPersistence("get", taskKey(id), err)
	}
	var t task.Task
	if err := json.Unmarshal(raw, &t); err != nil {
		return nil, &perrors.PersistenceError{Op: "decode", Key: taskKey(id), Err: fmt.Errorf("%w: %v", errCorrupt, err)}
	}
	return &t, nil
}

func (r *Registry) writeTask(ctx context.Context, t *task.Task) error {
	stored := t.Clone()
	stored.Stale = false
	raw, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("marshaling task %s: %w", t.ID, err)
	}
	if err := r.kv.Set(ctx, taskKey(t.ID), raw); err != nil {
		return asPersistence("set", taskKey(t.ID), err)
	}
	return nil
}

func (r *Registry) readIDs(ctx context.Context, key string) ([]string, error) {
	raw, err := r.kv.Get(ctx, key)
	if kvstore.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, asPersistence("get", key, err)
	}
	var ids []string
	if err := json.Unmarshal(raw, &ids); err != nil {
		// An unreadable index loses track of ids but must not wedge the registry.
		r.logger.Warn().Err(err).Str("key", key).Msg("resetting corrupt task index")
		return nil, nil
	}
	return ids, nil
}

func (r *Registry) writeIDs(ctx context.Context, key string, ids []string) error {
	if ids == nil {
		ids = []string{}
	}
	raw, err := json.Marshal(ids)
	if err != nil {
		return fmt.Errorf("marshaling %s: %w", key, err)
	}
	if err := r.kv.Set(ctx, key, raw); err != nil {
		return asPersistence("set", key, err)
	}
	return nil
}

func asPersistence(op, key string, err error) error {
	var perr *perrors.PersistenceError
	if errors.As(err, &perr) {
		return err
	}
	return &perrors.PersistenceError{Op: op, Key: key, Err: err}
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

func without(ids []string, id string) []string {
	out := make([]string, 0, len(ids))
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}
