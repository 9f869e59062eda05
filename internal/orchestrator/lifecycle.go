package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/p-blackswan/leadgen-agent/internal/artifact"
	perrors "github.com/p-blackswan/leadgen-agent/internal/errors"
	"github.com/p-blackswan/leadgen-agent/internal/generation"
	"github.com/p-blackswan/leadgen-agent/internal/task"
)

// Step labels outside the per-agent phase tables.
const (
	labelQueued    = "Queued"
	labelCompleted = "Completed"
	labelFailed    = "Failed"
	labelCancelled = "Cancelled"
)

// Submit validates the request and starts a generation unless one is
// already in flight for the same business and agent type, in which case a
// *perrors.DuplicateInFlightError names the existing task.
func (o *Orchestrator) Submit(ctx context.Context, req SubmitRequest) (*task.Task, error) {
	if req.BusinessID == "" {
		return nil, perrors.NewValidationError("business_id", "is required")
	}
	if !req.AgentType.Valid() {
		return nil, perrors.NewValidationError("agent_type", fmt.Sprintf("unknown agent type %q", req.AgentType))
	}
	if req.Namespace == "" {
		req.Namespace = artifact.GuestNamespace
	}

	prepared, err := o.gen.Prepare(req.AgentType, generation.Request{
		BusinessInfo:         generation.BusinessInfoFrom(req.Business),
		Framework:            req.Options.Framework,
		StylePreference:      req.Options.StylePreference,
		EnableSelfReflection: req.Options.EnableSelfReflection,
		EnableSelfCorrection: req.Options.EnableSelfCorrection,
		MaxIterations:        req.Options.MaxIterations,
	})
	if err != nil {
		return nil, err
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed.Load() {
		return nil, fmt.Errorf("orchestrator stopped: %w", perrors.ErrUnavailable)
	}

	key := task.Key{Namespace: req.Namespace, BusinessID: req.BusinessID, AgentType: req.AgentType}
	if existing, ok := o.inFlightLocked(ctx, key); ok {
		o.metrics.RecordDuplicate(string(req.AgentType))
		o.logger.Info().
			Str("business_id", req.BusinessID).
			Str("agent_type", string(req.AgentType)).
			Str("existing_task_id", existing).
			Msg("duplicate submission rejected")
		return nil, &perrors.DuplicateInFlightError{
			ExistingTaskID: existing,
			BusinessID:     req.BusinessID,
			AgentType:      string(req.AgentType),
		}
	}

	now := o.now()
	t := &task.Task{
		ID:           uuid.New().String(),
		Namespace:    req.Namespace,
		BusinessID:   req.BusinessID,
		BusinessName: req.Business.Name,
		AgentType:    req.AgentType,
		Status:       task.StatusQueued,
		Progress:     task.Measured(0),
		StepLabel:    labelQueued,
		Business:     req.Business,
		Options: task.Options{
			Framework:            prepared.Framework,
			StylePreference:      prepared.StylePreference,
			EnableSelfReflection: prepared.EnableSelfReflection,
			EnableSelfCorrection: prepared.EnableSelfCorrection,
			MaxIterations:        prepared.MaxIterations,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	o.tasks[t.ID] = t
	o.slots[key] = t.ID
	o.commitLocked(t)

	if err := o.startLocked(t); err != nil {
		return nil, err
	}
	o.metrics.RecordSubmission(string(t.AgentType))
	o.logger.Info().
		Str("task_id", t.ID).
		Str("namespace", t.Namespace).
		Str("business_id", t.BusinessID).
		Str("agent_type", string(t.AgentType)).
		Msg("generation submitted")

	snap := o.snapshotLocked(t)
	return &snap, nil
}

// Retry re-runs a failed, retryable task under the same id.
func (o *Orchestrator) Retry(ctx context.Context, id string) (*task.Task, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed.Load() {
		return nil, fmt.Errorf("orchestrator stopped: %w", perrors.ErrUnavailable)
	}

	t, live, err := o.lookupLocked(ctx, id)
	if err != nil {
		return nil, err
	}
	if !live || t.Status != task.StatusFailed {
		return nil, illegal(t, "retry")
	}
	if (t.Error != nil && t.Error.Exhausted) || t.Attempts >= o.cfg.MaxAttempts {
		return nil, fmt.Errorf("task %s after %d attempts: %w", id, t.Attempts, perrors.ErrMaxRetries)
	}
	if t.Error != nil && !t.Error.Retryable {
		return nil, fmt.Errorf("task %s (%s): %w", id, t.Error.Kind, perrors.ErrNotRetryable)
	}

	key := t.Key()
	if existing, ok := o.inFlightLocked(ctx, key); ok && existing != t.ID {
		o.metrics.RecordDuplicate(string(t.AgentType))
		return nil, &perrors.DuplicateInFlightError{
			ExistingTaskID: existing,
			BusinessID:     t.BusinessID,
			AgentType:      string(t.AgentType),
		}
	}

	now := o.now()
	if err := t.Transition(task.StatusQueued, now); err != nil {
		return nil, illegal(t, "retry")
	}
	t.StepLabel = labelQueued
	t.Progress = task.Measured(0)
	t.CompletedAt = nil
	o.slots[key] = t.ID
	o.commitLocked(t)

	if err := o.startLocked(t); err != nil {
		return nil, err
	}
	o.metrics.RecordRetry(string(t.AgentType))
	o.logger.Info().
		Str("task_id", t.ID).
		Int("attempt", t.Attempts).
		Msg("generation retried")

	snap := o.snapshotLocked(t)
	return &snap, nil
}

// Cancel stops a queued or running task. A backend result that arrives
// afterwards is discarded.
func (o *Orchestrator) Cancel(ctx context.Context, id string) (*task.Task, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	t, live, err := o.lookupLocked(ctx, id)
	if err != nil {
		return nil, err
	}
	if !live || !t.Status.Active() {
		return nil, illegal(t, "cancel")
	}

	if c, ok := o.inflight[id]; ok {
		c.cancel()
		delete(o.inflight, id)
	}

	now := o.now()
	if err := t.Transition(task.StatusCancelled, now); err != nil {
		return nil, illegal(t, "cancel")
	}
	t.StepLabel = labelCancelled
	t.CompletedAt = &now
	t.Error = nil
	o.releaseSlotLocked(t)
	o.commitLocked(t)
	snap := o.snapshotLocked(t)
	o.archiveLocked(t)

	o.metrics.RecordFinished(string(t.AgentType), string(task.StatusCancelled))
	o.logger.Info().Str("task_id", id).Msg("generation cancelled")
	return &snap, nil
}

// Dismiss moves a failed task out of the working set into history.
func (o *Orchestrator) Dismiss(ctx context.Context, id string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	t, live, err := o.lookupLocked(ctx, id)
	if err != nil {
		return err
	}
	if !live {
		return nil
	}
	if !t.Status.Terminal() {
		return fmt.Errorf("cannot dismiss task %s in status %s: %w", id, t.Status, perrors.ErrNotTerminal)
	}
	o.archiveLocked(t)
	o.logger.Info().Str("task_id", id).Msg("task dismissed")
	return nil
}

// Purge deletes a terminal task record entirely, including from history.
func (o *Orchestrator) Purge(ctx context.Context, id string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	t, live, err := o.lookupLocked(ctx, id)
	if err != nil {
		return err
	}
	_, finished := o.unarchived[id]
	if !finished && !t.Status.Terminal() {
		return fmt.Errorf("cannot purge task %s in status %s: %w", id, t.Status, perrors.ErrNotTerminal)
	}

	storeCtx, cancel := context.WithTimeout(context.Background(), o.cfg.StoreTimeout)
	defer cancel()
	if err := o.registry.Remove(storeCtx, id); err != nil {
		o.recordPersist("remove", id, err)
		return err
	}
	o.recordPersist("remove", id, nil)
	delete(o.unarchived, id)
	if live {
		delete(o.tasks, id)
		delete(o.staleSeen, id)
	}
	o.logger.Info().Str("task_id", id).Msg("task purged")
	return nil
}

// startLocked moves a queued task to running and launches its backend call.
func (o *Orchestrator) startLocked(t *task.Task) error {
	now := o.now()
	if err := t.Transition(task.StatusRunning, now); err != nil {
		return illegal(t, "start")
	}
	t.Attempts++
	t.StartedAt = &now
	eta := now.Add(o.expectedLocked(t.AgentType))
	t.EstimatedCompletionAt = &eta
	t.CompletedAt = nil
	t.Error = nil
	t.Progress = task.Estimated(0)
	t.StepLabel = task.StepLabel(o.phases(t.AgentType), 0)
	delete(o.staleSeen, t.ID)
	o.commitLocked(t)

	ctx, cancel := context.WithCancel(o.ctx)
	c := &call{cancel: cancel, attempt: t.Attempts, started: now}
	o.inflight[t.ID] = c
	o.refreshActiveLocked()

	req := generation.RequestFor(t)
	o.wg.Add(1)
	go o.run(ctx, c, t.ID, t.AgentType, req)
	return nil
}

// run performs the backend call outside the lock, then hands the outcome
// back under it.
func (o *Orchestrator) run(ctx context.Context, c *call, id string, agent task.AgentType, req generation.Request) {
	defer o.wg.Done()
	defer c.cancel()

	res, err := o.gen.Generate(ctx, agent, req)

	o.mu.Lock()
	defer o.mu.Unlock()

	if o.inflight[id] != c {
		o.logger.Debug().Str("task_id", id).Int("attempt", c.attempt).Msg("discarding result of superseded call")
		return
	}
	delete(o.inflight, id)

	t, ok := o.tasks[id]
	if !ok || t.Status != task.StatusRunning {
		return
	}
	if o.ctx.Err() != nil {
		o.logger.Info().Str("task_id", id).Msg("generation interrupted by shutdown; left running for restore")
		return
	}

	if err != nil {
		o.failLocked(t, err)
		return
	}
	o.completeLocked(t, res, c)
}

// completeLocked stores the artifact, then marks the task completed. A
// storage failure fails the task with a retryable persistence error.
func (o *Orchestrator) completeLocked(t *task.Task, res *generation.Result, c *call) {
	ctx, cancel := context.WithTimeout(context.Background(), o.cfg.StoreTimeout)
	defer cancel()

	meta := artifact.Metadata{
		TaskID:           t.ID,
		Framework:        t.Options.Framework,
		StylePreference:  t.Options.StylePreference,
		Iterations:       t.Options.MaxIterations,
		ValidationIssues: res.ValidationIssues,
		Business:         t.Business,
		Extra:            res.Metadata,
	}
	if model, ok := res.Metadata["model"].(string); ok {
		meta.Model = model
	}

	_, a, err := o.repo.AppendArtifact(ctx, t.Namespace,
		artifact.BusinessRef{BusinessID: t.BusinessID, Business: t.Business},
		artifact.NewArtifact{Type: t.AgentType, Content: res.FinalOutput, Metadata: meta},
	)
	if err != nil {
		var perr *perrors.PersistenceError
		if errors.As(err, &perr) {
			o.recordPersist("append_artifact", t.ID, err)
		}
		o.failLocked(t, err)
		return
	}

	now := o.now()
	if err := t.Transition(task.StatusCompleted, now); err != nil {
		o.logger.Error().Err(err).Str("task_id", t.ID).Msg("completion refused")
		return
	}
	t.ResultArtifactID = a.ID
	t.Progress = task.Measured(100)
	t.StepLabel = labelCompleted
	t.Error = nil
	t.CompletedAt = &now

	elapsed := now.Sub(c.started)
	o.recordDurationLocked(t.AgentType, elapsed)
	o.releaseSlotLocked(t)
	o.commitLocked(t)
	snap := o.snapshotLocked(t)
	o.archiveLocked(t)

	o.metrics.RecordFinished(string(t.AgentType), string(task.StatusCompleted))
	o.metrics.ObserveGeneration(string(t.AgentType), elapsed.Seconds())
	o.logger.Info().
		Str("task_id", t.ID).
		Str("artifact_id", a.ID).
		Int("version", a.Version).
		Dur("elapsed", elapsed).
		Msg("generation completed")
	o.notifyAsync(snap)
}

// failLocked records a classified failure. The final allowed attempt is
// marked exhausted.
func (o *Orchestrator) failLocked(t *task.Task, cause error) {
	kind, msg, retryable := perrors.Classify(cause)
	te := &task.Error{Kind: kind, Message: msg, Retryable: retryable}
	if retryable && t.Attempts >= o.cfg.MaxAttempts {
		te.Retryable = false
		te.Exhausted = true
	}

	now := o.now()
	if err := t.Transition(task.StatusFailed, now); err != nil {
		o.logger.Error().Err(err).Str("task_id", t.ID).Msg("failure refused")
		return
	}
	t.Error = te
	t.StepLabel = labelFailed
	t.CompletedAt = &now
	o.releaseSlotLocked(t)
	o.commitLocked(t)

	o.metrics.RecordFinished(string(t.AgentType), string(task.StatusFailed))
	o.logger.Warn().
		Str("task_id", t.ID).
		Str("kind", string(kind)).
		Bool("retryable", te.Retryable).
		Bool("exhausted", te.Exhausted).
		Int("attempt", t.Attempts).
		Msg("generation failed: " + msg)
	o.notifyAsync(o.snapshotLocked(t))
}

func (o *Orchestrator) releaseSlotLocked(t *task.Task) {
	key := t.Key()
	if o.slots[key] == t.ID {
		delete(o.slots, key)
	}
	o.refreshActiveLocked()
}

func (o *Orchestrator) notifyAsync(snap task.Task) {
	if o.notifier == nil {
		return
	}
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), o.cfg.NotifyTimeout)
		defer cancel()
		if err := o.notifier.NotifyTask(ctx, snap); err != nil {
			o.metrics.RecordNotification("error")
			o.logger.Warn().Err(err).Str("task_id", snap.ID).Msg("task notification failed")
			return
		}
		o.metrics.RecordNotification("sent")
	}()
}

func (o *Orchestrator) phases(agent task.AgentType) []task.Phase {
	if p, ok := o.cfg.Phases[agent]; ok && len(p) > 0 {
		return p
	}
	return task.DefaultPhases[agent]
}

// expectedLocked is the mean of recent successful durations, falling back
// to the configured estimate.
func (o *Orchestrator) expectedLocked(agent task.AgentType) time.Duration {
	if samples := o.durations[agent]; len(samples) > 0 {
		var total time.Duration
		for _, d := range samples {
			total += d
		}
		return total / time.Duration(len(samples))
	}
	if d, ok := o.cfg.ExpectedDurations[agent]; ok && d > 0 {
		return d
	}
	return DefaultExpectedDurations[agent]
}

func (o *Orchestrator) recordDurationLocked(agent task.AgentType, d time.Duration) {
	samples := append(o.durations[agent], d)
	if len(samples) > o.cfg.DurationSamples {
		samples = samples[len(samples)-o.cfg.DurationSamples:]
	}
	o.durations[agent] = samples
}
