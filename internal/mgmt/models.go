// Package mgmt provides the HTTP API consumed by the lead-gen frontend:
// generation submission, task tracking and the per-business project store.
package mgmt

import (
	"github.com/p-blackswan/leadgen-agent/internal/artifact"
	"github.com/p-blackswan/leadgen-agent/internal/health"
	"github.com/p-blackswan/leadgen-agent/internal/task"
)

// ProblemDetail is an RFC 7807 error body.
type ProblemDetail struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail"`
	Instance string `json:"instance,omitempty"`
	// Field names the offending input on validation failures.
	Field string `json:"field,omitempty"`
	// ExistingTaskID is set when a generation is already in flight.
	ExistingTaskID string `json:"existing_task_id,omitempty"`
}

// SubmitGenerationRequest is the body of POST /api/v1/generations.
type SubmitGenerationRequest struct {
	BusinessID string         `json:"business_id"`
	AgentType  task.AgentType `json:"agent_type"`
	Business   task.Business  `json:"business"`
	Options    task.Options   `json:"options"`
}

// TaskResponse wraps a single task.
type TaskResponse struct {
	Task *task.Task `json:"task"`
}

// TaskListResponse wraps a list of tasks.
type TaskListResponse struct {
	Tasks []*task.Task `json:"tasks"`
	Count int          `json:"count"`
}

// ProjectListResponse wraps a list of projects.
type ProjectListResponse struct {
	Projects []*artifact.Project `json:"projects"`
	Count    int                 `json:"count"`
}

// ProjectResponse wraps a single project.
type ProjectResponse struct {
	Project *artifact.Project `json:"project"`
}

// ArtifactResponse wraps a single artifact.
type ArtifactResponse struct {
	Artifact *artifact.Artifact `json:"artifact"`
}

// UpdateProjectRequest is the body of PATCH /api/v1/projects/:businessId.
type UpdateProjectRequest struct {
	Status string `json:"status"`
}

// PruneResponse reports how many empty projects were removed.
type PruneResponse struct {
	Removed int `json:"removed"`
}

// HealthResponse is the detailed health report.
type HealthResponse struct {
	Status             health.Status            `json:"status"`
	Checks             map[string]health.Status `json:"checks"`
	PersistenceWarning string                   `json:"persistence_warning,omitempty"`
	Subscribers        int                      `json:"subscribers"`
}
