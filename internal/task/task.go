// Package task defines the generation task model and its state machine.
package task

import (
	"time"

	perrors "github.com/p-blackswan/leadgen-agent/internal/errors"
)

// AgentType selects what the backend generates.
type AgentType string

const (
	AgentWebsite   AgentType = "website"
	AgentContent   AgentType = "content"
	AgentMarketing AgentType = "marketing"
)

// AgentTypes lists every supported agent type.
var AgentTypes = []AgentType{AgentWebsite, AgentContent, AgentMarketing}

// Valid returns true if the agent type is recognized.
func (a AgentType) Valid() bool {
	switch a {
	case AgentWebsite, AgentContent, AgentMarketing:
		return true
	}
	return false
}

// Status represents the lifecycle state of a task.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Active returns true for queued and running tasks.
func (s Status) Active() bool {
	return s == StatusQueued || s == StatusRunning
}

// Terminal returns true once no further automatic transition can occur.
// Failed counts as terminal even though a user retry may requeue it.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// transitions holds every legal edge of the task state machine.
var transitions = map[Status][]Status{
	StatusQueued:  {StatusRunning, StatusCancelled},
	StatusRunning: {StatusCompleted, StatusFailed, StatusCancelled},
	StatusFailed:  {StatusQueued},
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Error is the classified failure stored on a failed task.
type Error struct {
	Kind      perrors.Kind `json:"kind"`
	Message   string       `json:"message"`
	Retryable bool         `json:"retryable"`
	// Exhausted marks a failure that hit the retry ceiling.
	Exhausted bool `json:"exhausted,omitempty"`
}

// Business is the snapshot of the business a generation is for.
type Business struct {
	Name     string            `json:"name"`
	Category string            `json:"business_category"`
	City     string            `json:"city"`
	State    string            `json:"state"`
	Extra    map[string]string `json:"extra,omitempty"`
}

// Location renders "City, ST".
func (b Business) Location() string {
	switch {
	case b.City != "" && b.State != "":
		return b.City + ", " + b.State
	case b.City != "":
		return b.City
	}
	return b.State
}

// Options are the generation knobs sent to the backend.
type Options struct {
	Framework            string `json:"framework,omitempty"`
	StylePreference      string `json:"style_preference,omitempty"`
	EnableSelfReflection *bool  `json:"enable_self_reflection,omitempty"`
	EnableSelfCorrection *bool  `json:"enable_self_correction,omitempty"`
	MaxIterations        int    `json:"max_iterations,omitempty"`
}

// Task is one generation request and its lifecycle.
type Task struct {
	ID                    string     `json:"id"`
	Namespace             string     `json:"namespace"`
	BusinessID            string     `json:"business_id"`
	BusinessName          string     `json:"business_name"`
	AgentType             AgentType  `json:"agent_type"`
	Status                Status     `json:"status"`
	Progress              Estimate   `json:"progress"`
	StepLabel             string     `json:"current_step_label"`
	Attempts              int        `json:"attempts"`
	Business              Business   `json:"business"`
	Options               Options    `json:"options"`
	CreatedAt             time.Time  `json:"created_at"`
	UpdatedAt             time.Time  `json:"updated_at"`
	StartedAt             *time.Time `json:"started_at,omitempty"`
	EstimatedCompletionAt *time.Time `json:"estimated_completion_at,omitempty"`
	CompletedAt           *time.Time `json:"completed_at,omitempty"`
	ResultArtifactID      string     `json:"result_artifact_id,omitempty"`
	Error                 *Error     `json:"error,omitempty"`
	// Stale is derived on read, never persisted.
	Stale bool `json:"stale,omitempty"`
}

// Key identifies the single-flight slot of a task.
type Key struct {
	Namespace  string
	BusinessID string
	AgentType  AgentType
}

// Key returns the task's single-flight slot.
func (t *Task) Key() Key {
	return Key{Namespace: t.Namespace, BusinessID: t.BusinessID, AgentType: t.AgentType}
}

// Transition moves the task to the given status, refusing illegal edges.
func (t *Task) Transition(to Status, now time.Time) error {
	if !CanTransition(t.Status, to) {
		return perrors.ErrIllegalTransition
	}
	t.Status = to
	t.UpdatedAt = now
	return nil
}

// IsStale reports whether a running task has outlived its estimate by more
// than threshold.
func (t *Task) IsStale(now time.Time, threshold time.Duration) bool {
	if t.Status != StatusRunning || t.EstimatedCompletionAt == nil {
		return false
	}
	return now.After(t.EstimatedCompletionAt.Add(threshold))
}

// Clone returns a deep copy safe to hand to other goroutines.
func (t *Task) Clone() Task {
	c := *t
	c.StartedAt = copyTime(t.StartedAt)
	c.EstimatedCompletionAt = copyTime(t.EstimatedCompletionAt)
	c.CompletedAt = copyTime(t.CompletedAt)
	if t.Error != nil {
		e := *t.Error
		c.Error = &e
	}
	if t.Business.Extra != nil {
		c.Business.Extra = make(map[string]string, len(t.Business.Extra))
		for k, v := range t.Business.Extra {
			c.Business.Extra[k] = v
		}
	}
	if t.Options.EnableSelfReflection != nil {
		v := *t.Options.EnableSelfReflection
		c.Options.EnableSelfReflection = &v
	}
	if t.Options.EnableSelfCorrection != nil {
		v := *t.Options.EnableSelfCorrection
		c.Options.EnableSelfCorrection = &v
	}
	return c
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
