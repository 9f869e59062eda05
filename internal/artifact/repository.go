// Package artifact persists generated artifacts grouped into one project per
// business, stored per user namespace under "projects:<namespace>".
package artifact

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	perrors "github.com/p-blackswan/leadgen-agent/internal/errors"
	"github.com/p-blackswan/leadgen-agent/internal/kvstore"
	"github.com/p-blackswan/leadgen-agent/internal/task"
)

// GuestNamespace is used when no user is known.
const GuestNamespace = "guest"

func projectsKey(namespace string) string {
	if namespace == "" {
		namespace = GuestNamespace
	}
	return "projects:" + namespace
}

// Repository owns every Project and Artifact mutation.
type Repository struct {
	kv     kvstore.Store
	locks  sync.Map // namespace -> *sync.Mutex
	now    func() time.Time
	logger zerolog.Logger
}

// NewRepository creates a new project repository.
func NewRepository(kv kvstore.Store, logger zerolog.Logger) *Repository {
	return &Repository{
		kv:     kv,
		now:    func() time.Time { return time.Now().UTC() },
		logger: logger.With().Str("component", "artifact.repository").Logger(),
	}
}

func (r *Repository) lock(namespace string) func() {
	v, _ := r.locks.LoadOrStore(projectsKey(namespace), &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// AppendArtifact creates the business's project if absent, appends a new
// artifact version, recomputes tags and bumps LastModifiedAt.
func (r *Repository) AppendArtifact(ctx context.Context, namespace string, ref BusinessRef, in NewArtifact) (*Project, *Artifact, error) {
	if ref.BusinessID == "" {
		return nil, nil, perrors.NewValidationError("business_id", "is required")
	}
	if !in.Type.Valid() {
		return nil, nil, perrors.NewValidationError("type", fmt.Sprintf("unknown artifact type %q", in.Type))
	}

	unlock := r.lock(namespace)
	defer unlock()

	projects, err := r.load(ctx, namespace)
	if err != nil {
		return nil, nil, err
	}

	now := r.now()
	p := find(projects, ref.BusinessID)
	if p == nil {
		projects = append(projects, &Project{
			ID:         uuid.New().String(),
			BusinessID: ref.BusinessID,
			Artifacts:  []Artifact{},
			CreatedAt:  now,
			Status:     StatusActive,
		})
		p = projects[len(projects)-1]
		r.logger.Info().
			Str("namespace", namespace).
			Str("business_id", ref.BusinessID).
			Str("project_id", p.ID).
			Msg("project created")
	}
	if ref.Business.Name != "" {
		p.BusinessName = ref.Business.Name
		p.BusinessCategory = ref.Business.Category
		p.Location = ref.Business.Location()
	}

	version := p.Versions[in.Type] + 1
	for _, a := range p.Artifacts {
		if a.Type == in.Type && a.Version >= version {
			version = a.Version + 1
		}
	}
	if p.Versions == nil {
		p.Versions = make(map[task.AgentType]int)
	}
	p.Versions[in.Type] = version

	meta := in.Metadata
	if meta.Business.Name == "" {
		meta.Business = ref.Business
	}
	a := Artifact{
		ID:          uuid.New().String(),
		BusinessID:  ref.BusinessID,
		Type:        in.Type,
		Name:        artifactName(p.BusinessName, in.Type, version),
		Version:     version,
		Content:     in.Content,
		GeneratedAt: now,
		Metadata:    meta,
	}
	p.Artifacts = append(p.Artifacts, a)
	p.Tags = deriveTags(p.Artifacts)
	p.LastModifiedAt = now

	if err := r.save(ctx, namespace, projects); err != nil {
		return nil, nil, err
	}

	out := cloneProject(p)
	return out, &out.Artifacts[len(out.Artifacts)-1], nil
}

// ListProjects returns every project in the namespace, most recently
// modified first.
func (r *Repository) ListProjects(ctx context.Context, namespace string) ([]*Project, error) {
	projects, err := r.load(ctx, namespace)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(projects, func(i, j int) bool {
		return projects[i].LastModifiedAt.After(projects[j].LastModifiedAt)
	})
	return projects, nil
}

// GetProject returns the project for a business, or nil if none exists.
func (r *Repository) GetProject(ctx context.Context, namespace, businessID string) (*Project, error) {
	projects, err := r.load(ctx, namespace)
	if err != nil {
		return nil, err
	}
	return find(projects, businessID), nil
}

// GetArtifact returns one artifact, or perrors.ErrNotFound.
func (r *Repository) GetArtifact(ctx context.Context, namespace, businessID, artifactID string) (*Artifact, error) {
	p, err := r.GetProject(ctx, namespace, businessID)
	if err != nil {
		return nil, err
	}
	if p != nil {
		for i := range p.Artifacts {
			if p.Artifacts[i].ID == artifactID {
				return &p.Artifacts[i], nil
			}
		}
	}
	return nil, fmt.Errorf("artifact %s: %w", artifactID, perrors.ErrNotFound)
}

// LatestArtifact returns the newest artifact of the given type, or nil.
func (r *Repository) LatestArtifact(ctx context.Context, namespace, businessID string, typ task.AgentType) (*Artifact, error) {
	p, err := r.GetProject(ctx, namespace, businessID)
	if err != nil || p == nil {
		return nil, err
	}
	for i := len(p.Artifacts) - 1; i >= 0; i-- {
		if p.Artifacts[i].Type == typ {
			return &p.Artifacts[i], nil
		}
	}
	return nil, nil
}

// RemoveArtifact deletes one artifact version. The project is kept even when
// it becomes empty; see PruneEmpty.
func (r *Repository) RemoveArtifact(ctx context.Context, namespace, businessID, artifactID string) (*Project, error) {
	unlock := r.lock(namespace)
	defer unlock()

	projects, err := r.load(ctx, namespace)
	if err != nil {
		return nil, err
	}
	p := find(projects, businessID)
	if p == nil {
		return nil, fmt.Errorf("project for business %s: %w", businessID, perrors.ErrNotFound)
	}

	kept := make([]Artifact, 0, len(p.Artifacts))
	for _, a := range p.Artifacts {
		if a.ID != artifactID {
			kept = append(kept, a)
		}
	}
	if len(kept) == len(p.Artifacts) {
		return nil, fmt.Errorf("artifact %s: %w", artifactID, perrors.ErrNotFound)
	}
	p.Artifacts = kept
	p.Tags = deriveTags(kept)
	p.LastModifiedAt = r.now()

	if err := r.save(ctx, namespace, projects); err != nil {
		return nil, err
	}
	return cloneProject(p), nil
}

// PruneEmpty removes projects without artifacts and returns how many were
// removed.
func (r *Repository) PruneEmpty(ctx context.Context, namespace string) (int, error) {
	unlock := r.lock(namespace)
	defer unlock()

	projects, err := r.load(ctx, namespace)
	if err != nil {
		return 0, err
	}
	kept := projects[:0]
	for _, p := range projects {
		if len(p.Artifacts) > 0 {
			kept = append(kept, p)
		}
	}
	removed := len(projects) - len(kept)
	if removed == 0 {
		return 0, nil
	}
	if err := r.save(ctx, namespace, kept); err != nil {
		return 0, err
	}
	return removed, nil
}

// SetStatus archives or reactivates a project.
func (r *Repository) SetStatus(ctx context.Context, namespace, businessID, status string) (*Project, error) {
	if status != StatusActive && status != StatusArchived {
		return nil, perrors.NewValidationError("status", fmt.Sprintf("must be %q or %q", StatusActive, StatusArchived))
	}

	unlock := r.lock(namespace)
	defer unlock()

	projects, err := r.load(ctx, namespace)
	if err != nil {
		return nil, err
	}
	p := find(projects, businessID)
	if p == nil {
		return nil, fmt.Errorf("project for business %s: %w", businessID, perrors.ErrNotFound)
	}
	if p.Status == status {
		return cloneProject(p), nil
	}
	p.Status = status
	p.LastModifiedAt = r.now()
	if err := r.save(ctx, namespace, projects); err != nil {
		return nil, err
	}
	return cloneProject(p), nil
}

func (r *Repository) load(ctx context.Context, namespace string) ([]*Project, error) {
	key := projectsKey(namespace)
	raw, err := r.kv.Get(ctx, key)
	if kvstore.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		var perr *perrors.PersistenceError
		if errors.As(err, &perr) {
			return nil, err
		}
		return nil, &perrors.PersistenceError{Op: "get", Key: key, Err: err}
	}
	var projects []*Project
	if err := json.Unmarshal(raw, &projects); err != nil {
		return nil, &perrors.PersistenceError{Op: "decode", Key: key, Err: err}
	}
	return projects, nil
}

func (r *Repository) save(ctx context.Context, namespace string, projects []*Project) error {
	key := projectsKey(namespace)
	if projects == nil {
		projects = []*Project{}
	}
	raw, err := json.Marshal(projects)
	if err != nil {
		return fmt.Errorf("marshaling projects: %w", err)
	}
	if err := r.kv.Set(ctx, key, raw); err != nil {
		var perr *perrors.PersistenceError
		if errors.As(err, &perr) {
			return err
		}
		return &perrors.PersistenceError{Op: "set", Key: key, Err: err}
	}
	return nil
}

func find(projects []*Project, businessID string) *Project {
	for _, p := range projects {
		if p.BusinessID == businessID {
			return p
		}
	}
	return nil
}

func deriveTags(artifacts []Artifact) []task.AgentType {
	seen := make(map[task.AgentType]bool)
	tags := []task.AgentType{}
	for _, a := range artifacts {
		if !seen[a.Type] {
			seen[a.Type] = true
			tags = append(tags, a.Type)
		}
	}
	sort.Slice(tags, func(i, j int) bool { return tags[i] < tags[j] })
	return tags
}

var typeTitles = map[task.AgentType]string{
	task.AgentWebsite:   "Website",
	task.AgentContent:   "Content Pack",
	task.AgentMarketing: "Marketing Kit",
}

func artifactName(businessName string, typ task.AgentType, version int) string {
	title := typeTitles[typ]
	name := strings.TrimSpace(businessName)
	if name == "" {
		return fmt.Sprintf("%s v%d", title, version)
	}
	return fmt.Sprintf("%s %s v%d", name, title, version)
}

func cloneProject(p *Project) *Project {
	c := *p
	c.Artifacts = append([]Artifact(nil), p.Artifacts...)
	c.Tags = append([]task.AgentType(nil), p.Tags...)
	c.Versions = maps.Clone(p.Versions)
	return &c
}
