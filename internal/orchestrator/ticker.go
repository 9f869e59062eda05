package orchestrator

import (
	"context"
	"time"

	perrors "github.com/p-blackswan/leadgen-agent/internal/errors"
	"github.com/p-blackswan/leadgen-agent/internal/task"
)

func (o *Orchestrator) tickLoop(ctx context.Context) {
	defer o.wg.Done()
	ticker := time.NewTicker(o.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-o.ctx.Done():
			return
		case <-ticker.C:
			o.Tick()
		}
	}
}

// Tick advances simulated progress of running tasks, fails orphaned tasks
// that went stale and archives failed tasks past their retention. It runs
// on every ticker interval and is exported for tests.
func (o *Orchestrator) Tick() {
	o.mu.Lock()
	defer o.mu.Unlock()

	now := o.now()
	for _, t := range o.tasks {
		switch t.Status {
		case task.StatusRunning:
			_, live := o.inflight[t.ID]
			if !live && t.IsStale(now, o.cfg.StalenessThreshold) {
				o.logger.Warn().Str("task_id", t.ID).Msg("orphaned task exceeded staleness threshold")
				o.failLocked(t, perrors.ErrStale)
				continue
			}
			o.advanceLocked(t, now)
		case task.StatusFailed:
			if t.CompletedAt != nil && now.Sub(*t.CompletedAt) > o.cfg.FailedRetention {
				o.logger.Info().Str("task_id", t.ID).Msg("archiving expired failed task")
				o.archiveLocked(t)
			}
		}
	}
}

// advanceLocked moves the progress estimate forward, persisting and
// publishing only when something visible changed.
func (o *Orchestrator) advanceLocked(t *task.Task, now time.Time) {
	if t.StartedAt == nil {
		return
	}
	expected := o.expectedLocked(t.AgentType)
	if t.EstimatedCompletionAt != nil {
		expected = t.EstimatedCompletionAt.Sub(*t.StartedAt)
	}

	next := task.EstimateProgress(t.Progress, *t.StartedAt, expected, now, o.cfg.ProgressCeiling)
	label := task.StepLabel(o.phases(t.AgentType), next.Percent)
	if next != t.Progress || label != t.StepLabel {
		t.Progress = next
		t.StepLabel = label
		t.UpdatedAt = now
		o.commitLocked(t)
		return
	}

	// Staleness is derived, so the first stale tick is published without a
	// write.
	if t.IsStale(now, o.cfg.StalenessThreshold) && !o.staleSeen[t.ID] {
		o.staleSeen[t.ID] = true
		o.hub.publish(o.snapshotLocked(t))
	}
}

// Restore rebuilds in-memory state from the registry after a restart.
// Queued tasks are started, running tasks without a live call become
// orphans that fail once stale, and completed or cancelled leftovers are
// archived.
func (o *Orchestrator) Restore(ctx context.Context) error {
	tasks, err := o.registry.List(ctx)
	if err != nil {
		return err
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	now := o.now()
	var restored, stale int
	for _, t := range tasks {
		if _, ok := o.tasks[t.ID]; ok {
			continue
		}
		switch t.Status {
		case task.StatusCompleted, task.StatusCancelled:
			o.tasks[t.ID] = t
			o.archiveLocked(t)
			continue
		case task.StatusFailed:
			o.tasks[t.ID] = t
		case task.StatusQueued:
			o.tasks[t.ID] = t
			o.slots[t.Key()] = t.ID
			if err := o.startLocked(t); err != nil {
				o.logger.Warn().Err(err).Str("task_id", t.ID).Msg("failed to restart queued task")
			}
		case task.StatusRunning:
			o.tasks[t.ID] = t
			o.slots[t.Key()] = t.ID
			if t.IsStale(now, o.cfg.StalenessThreshold) {
				o.failLocked(t, perrors.ErrStale)
				stale++
			}
		}
		restored++
	}
	o.refreshActiveLocked()

	o.logger.Info().
		Int("restored", restored).
		Int("stale", stale).
		Int("in_flight", len(o.slots)).
		Msg("task state restored")
	return nil
}
