package mgmt

import (
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/p-blackswan/leadgen-agent/internal/artifact"
	perrors "github.com/p-blackswan/leadgen-agent/internal/errors"
	"github.com/p-blackswan/leadgen-agent/internal/task"
)

// ProjectHandlers serves the per-business project store.
type ProjectHandlers struct {
	repo   *artifact.Repository
	logger zerolog.Logger
}

// NewProjectHandlers creates new project API handlers.
func NewProjectHandlers(repo *artifact.Repository, logger zerolog.Logger) *ProjectHandlers {
	return &ProjectHandlers{
		repo:   repo,
		logger: logger.With().Str("component", "project_handlers").Logger(),
	}
}

// RegisterRoutes registers project API routes on the given fiber group.
// Mutating routes go through write.
func (h *ProjectHandlers) RegisterRoutes(v1 fiber.Router, write fiber.Handler) {
	pg := v1.Group("/projects")
	pg.Get("/", h.ListProjects)
	pg.Post("/prune", write, h.Prune)
	pg.Get("/:businessId", h.GetProject)
	pg.Patch("/:businessId", write, h.UpdateProject)
	pg.Get("/:businessId/latest/:agentType", h.LatestArtifact)
	pg.Get("/:businessId/artifacts/:artifactId", h.GetArtifact)
	pg.Delete("/:businessId/artifacts/:artifactId", write, h.DeleteArtifact)
}

// ListProjects handles GET /api/v1/projects.
func (h *ProjectHandlers) ListProjects(c *fiber.Ctx) error {
	projects, err := h.repo.ListProjects(c.UserContext(), namespaceOf(c))
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(ProjectListResponse{Projects: projects, Count: len(projects)})
}

// GetProject handles GET /api/v1/projects/:businessId.
func (h *ProjectHandlers) GetProject(c *fiber.Ctx) error {
	p, err := h.repo.GetProject(c.UserContext(), namespaceOf(c), c.Params("businessId"))
	if err != nil {
		return errorResponse(c, err)
	}
	if p == nil {
		return problemResponse(c, fiber.StatusNotFound, "not_found", "Not Found",
			"No project for business "+c.Params("businessId"))
	}
	return c.JSON(ProjectResponse{Project: p})
}

// UpdateProject handles PATCH /api/v1/projects/:businessId.
func (h *ProjectHandlers) UpdateProject(c *fiber.Ctx) error {
	var req UpdateProjectRequest
	if err := c.BodyParser(&req); err != nil {
		return problemResponse(c, fiber.StatusBadRequest,
			"invalid_body", "Bad Request",
			"Invalid request body: "+err.Error())
	}
	p, err := h.repo.SetStatus(c.UserContext(), namespaceOf(c), c.Params("businessId"), req.Status)
	if err != nil {
		return errorResponse(c, err)
	}
	h.logger.Info().
		Str("business_id", p.BusinessID).
		Str("status", p.Status).
		Msg("project status updated")
	return c.JSON(ProjectResponse{Project: p})
}

// LatestArtifact handles GET /api/v1/projects/:businessId/latest/:agentType.
func (h *ProjectHandlers) LatestArtifact(c *fiber.Ctx) error {
	agent := task.AgentType(c.Params("agentType"))
	if !agent.Valid() {
		return errorResponse(c, perrors.NewValidationError("agent_type", "unknown agent type "+string(agent)))
	}
	a, err := h.repo.LatestArtifact(c.UserContext(), namespaceOf(c), c.Params("businessId"), agent)
	if err != nil {
		return errorResponse(c, err)
	}
	if a == nil {
		return problemResponse(c, fiber.StatusNotFound, "not_found", "Not Found",
			"No "+string(agent)+" artifact for business "+c.Params("businessId"))
	}
	return c.JSON(ArtifactResponse{Artifact: a})
}

// GetArtifact handles GET /api/v1/projects/:businessId/artifacts/:artifactId.
func (h *ProjectHandlers) GetArtifact(c *fiber.Ctx) error {
	a, err := h.repo.GetArtifact(c.UserContext(), namespaceOf(c), c.Params("businessId"), c.Params("artifactId"))
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(ArtifactResponse{Artifact: a})
}

// DeleteArtifact handles DELETE /api/v1/projects/:businessId/artifacts/:artifactId.
// The project itself is kept even when it becomes empty.
func (h *ProjectHandlers) DeleteArtifact(c *fiber.Ctx) error {
	p, err := h.repo.RemoveArtifact(c.UserContext(), namespaceOf(c), c.Params("businessId"), c.Params("artifactId"))
	if err != nil {
		return errorResponse(c, err)
	}
	h.logger.Info().
		Str("business_id", p.BusinessID).
		Str("artifact_id", c.Params("artifactId")).
		Msg("artifact removed")
	return c.JSON(ProjectResponse{Project: p})
}

// Prune handles POST /api/v1/projects/prune.
func (h *ProjectHandlers) Prune(c *fiber.Ctx) error {
	n, err := h.repo.PruneEmpty(c.UserContext(), namespaceOf(c))
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(PruneResponse{Removed: n})
}
