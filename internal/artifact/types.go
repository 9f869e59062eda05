package artifact

import (
	"time"

	"github.com/p-blackswan/leadgen-agent/internal/task"
)

// Project status values.
const (
	StatusActive   = "active"
	StatusArchived = "archived"
)

// Artifact is one immutable generated output.
type Artifact struct {
	ID          string         `json:"id"`
	BusinessID  string         `json:"business_id"`
	Type        task.AgentType `json:"type"`
	Name        string         `json:"name"`
	Version     int            `json:"version"`
	Content     string         `json:"content"`
	GeneratedAt time.Time      `json:"generated_at"`
	Metadata    Metadata       `json:"metadata"`
}

// Metadata records how an artifact was produced.
type Metadata struct {
	TaskID           string         `json:"task_id,omitempty"`
	Framework        string         `json:"framework,omitempty"`
	Model            string         `json:"model,omitempty"`
	StylePreference  string         `json:"style_preference,omitempty"`
	Iterations       int            `json:"iterations,omitempty"`
	ValidationIssues []string       `json:"validation_issues,omitempty"`
	Business         task.Business  `json:"business"`
	Extra            map[string]any `json:"extra,omitempty"`
}

// Project aggregates every artifact generated for one business.
type Project struct {
	ID               string           `json:"id"`
	BusinessID       string           `json:"business_id"`
	BusinessName     string           `json:"business_name"`
	BusinessCategory string           `json:"business_category"`
	Location         string           `json:"location"`
	Artifacts        []Artifact       `json:"artifacts"`
	Tags             []task.AgentType `json:"tags"`
	CreatedAt        time.Time        `json:"created_at"`
	LastModifiedAt   time.Time        `json:"last_modified_at"`
	Status           string           `json:"status"`

	// Versions is the highest version ever issued per type. Numbers of
	// removed artifacts are not reused.
	Versions map[task.AgentType]int `json:"versions,omitempty"`
}

// BusinessRef identifies the business a new artifact belongs to.
type BusinessRef struct {
	BusinessID string
	Business   task.Business
}

// NewArtifact holds the parameters for appending an artifact.
type NewArtifact struct {
	Type     task.AgentType
	Content  string
	Metadata Metadata
}
