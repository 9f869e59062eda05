package mgmt

import (
	"errors"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	perrors "github.com/p-blackswan/leadgen-agent/internal/errors"
	"github.com/p-blackswan/leadgen-agent/internal/health"
	"github.com/p-blackswan/leadgen-agent/internal/orchestrator"
	"github.com/p-blackswan/leadgen-agent/internal/task"
)

const maxHistoryLimit = 200

// Handlers serves the task endpoints.
type Handlers struct {
	orch      *orchestrator.Orchestrator
	checker   *health.Checker
	done      <-chan struct{}
	keepAlive time.Duration
	logger    zerolog.Logger
}

// NewHandlers creates task handlers. Event streams end when done closes.
func NewHandlers(orch *orchestrator.Orchestrator, checker *health.Checker, done <-chan struct{}, keepAlive time.Duration, logger zerolog.Logger) *Handlers {
	return &Handlers{
		orch:      orch,
		checker:   checker,
		done:      done,
		keepAlive: keepAlive,
		logger:    logger.With().Str("component", "task_handlers").Logger(),
	}
}

// SubmitGeneration handles POST /api/v1/generations.
func (h *Handlers) SubmitGeneration(c *fiber.Ctx) error {
	var req SubmitGenerationRequest
	if err := c.BodyParser(&req); err != nil {
		return problemResponse(c, fiber.StatusBadRequest,
			"invalid_body", "Bad Request",
			"Invalid request body: "+err.Error())
	}

	t, err := h.orch.Submit(c.UserContext(), orchestrator.SubmitRequest{
		Namespace:  namespaceOf(c),
		BusinessID: req.BusinessID,
		AgentType:  req.AgentType,
		Business:   req.Business,
		Options:    req.Options,
	})
	if err != nil {
		return errorResponse(c, err)
	}
	return c.Status(fiber.StatusAccepted).JSON(TaskResponse{Task: t})
}

// ListTasks handles GET /api/v1/tasks. ?active=true limits the list to
// queued and running tasks.
func (h *Handlers) ListTasks(c *fiber.Ctx) error {
	ns := namespaceOf(c)
	var tasks []*task.Task
	if c.QueryBool("active") {
		tasks = h.orch.ListActive(ns)
	} else {
		tasks = h.orch.List(ns)
	}
	return c.JSON(TaskListResponse{Tasks: tasks, Count: len(tasks)})
}

// TaskHistory handles GET /api/v1/tasks/history.
func (h *Handlers) TaskHistory(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", 50)
	if limit < 1 || limit > maxHistoryLimit {
		return problemResponse(c, fiber.StatusBadRequest,
			"invalid_limit", "Bad Request",
			"limit must be between 1 and "+strconv.Itoa(maxHistoryLimit))
	}
	tasks, err := h.orch.History(c.UserContext(), namespaceOf(c), limit)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(TaskListResponse{Tasks: tasks, Count: len(tasks)})
}

// GetTask handles GET /api/v1/tasks/:id.
func (h *Handlers) GetTask(c *fiber.Ctx) error {
	t, err := h.ownedTask(c)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(TaskResponse{Task: t})
}

// RetryTask handles POST /api/v1/tasks/:id/retry.
func (h *Handlers) RetryTask(c *fiber.Ctx) error {
	if _, err := h.ownedTask(c); err != nil {
		return errorResponse(c, err)
	}
	t, err := h.orch.Retry(c.UserContext(), c.Params("id"))
	if err != nil {
		return errorResponse(c, err)
	}
	return c.Status(fiber.StatusAccepted).JSON(TaskResponse{Task: t})
}

// CancelTask handles POST /api/v1/tasks/:id/cancel.
func (h *Handlers) CancelTask(c *fiber.Ctx) error {
	if _, err := h.ownedTask(c); err != nil {
		return errorResponse(c, err)
	}
	t, err := h.orch.Cancel(c.UserContext(), c.Params("id"))
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(TaskResponse{Task: t})
}

// DismissTask handles DELETE /api/v1/tasks/:id. ?purge=true also deletes
// the record from history.
func (h *Handlers) DismissTask(c *fiber.Ctx) error {
	if _, err := h.ownedTask(c); err != nil {
		return errorResponse(c, err)
	}
	dismiss := h.orch.Dismiss
	if c.QueryBool("purge") {
		dismiss = h.orch.Purge
	}
	if err := dismiss(c.UserContext(), c.Params("id")); err != nil {
		return errorResponse(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// HealthDetail handles GET /api/v1/health.
func (h *Handlers) HealthDetail(c *fiber.Ctx) error {
	results := h.checker.RunAll(c.UserContext())
	resp := HealthResponse{
		Status:      health.Overall(results),
		Checks:      results,
		Subscribers: h.orch.Subscribers(),
	}
	if w := h.orch.PersistenceWarning(); w != nil {
		resp.PersistenceWarning = w.Error()
	}
	return c.JSON(resp)
}

// Liveness handles GET /healthz.
func (h *Handlers) Liveness(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "ok"})
}

// Readiness handles GET /readyz.
func (h *Handlers) Readiness(c *fiber.Ctx) error {
	if !h.checker.IsReady(c.UserContext()) {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"status": "not_ready",
		})
	}
	return c.JSON(fiber.Map{"status": "ready"})
}

// ownedTask loads the task named by :id. Tasks of other namespaces are
// reported as not found.
func (h *Handlers) ownedTask(c *fiber.Ctx) (*task.Task, error) {
	t, err := h.orch.Get(c.UserContext(), c.Params("id"))
	if err != nil {
		return nil, err
	}
	if t.Namespace != namespaceOf(c) {
		return nil, perrors.ErrNotFound
	}
	return t, nil
}

// errorResponse maps domain errors onto problem responses. Anything
// unrecognised goes to the error handler as a 500.
func errorResponse(c *fiber.Ctx, err error) error {
	var (
		verr *perrors.ValidationError
		dup  *perrors.DuplicateInFlightError
		perr *perrors.PersistenceError
	)
	switch {
	case errors.As(err, &verr):
		return c.Status(fiber.StatusBadRequest).JSON(ProblemDetail{
			Type:     "validation_failed",
			Title:    "Bad Request",
			Status:   fiber.StatusBadRequest,
			Detail:   verr.Error(),
			Instance: c.Path(),
			Field:    verr.Field,
		})
	case errors.As(err, &dup):
		return c.Status(fiber.StatusConflict).JSON(ProblemDetail{
			Type:           "generation_in_flight",
			Title:          "Conflict",
			Status:         fiber.StatusConflict,
			Detail:         dup.Error(),
			Instance:       c.Path(),
			ExistingTaskID: dup.ExistingTaskID,
		})
	case errors.Is(err, perrors.ErrNotFound):
		return problemResponse(c, fiber.StatusNotFound, "not_found", "Not Found", err.Error())
	case errors.Is(err, perrors.ErrIllegalTransition):
		return problemResponse(c, fiber.StatusConflict, "illegal_transition", "Conflict", err.Error())
	case errors.Is(err, perrors.ErrNotTerminal):
		return problemResponse(c, fiber.StatusConflict, "not_terminal", "Conflict", err.Error())
	case errors.Is(err, perrors.ErrNotRetryable):
		return problemResponse(c, fiber.StatusConflict, "not_retryable", "Conflict", err.Error())
	case errors.Is(err, perrors.ErrMaxRetries):
		return problemResponse(c, fiber.StatusConflict, "max_retries", "Conflict", err.Error())
	case errors.Is(err, perrors.ErrUnavailable):
		return problemResponse(c, fiber.StatusServiceUnavailable, "unavailable", "Service Unavailable", err.Error())
	case errors.As(err, &perr):
		return problemResponse(c, fiber.StatusServiceUnavailable, "storage_unavailable", "Service Unavailable",
			"Storage is temporarily unavailable")
	}
	return err
}
