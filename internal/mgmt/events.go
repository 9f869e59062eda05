package mgmt

import (
	"bufio"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/p-blackswan/leadgen-agent/internal/task"
)

// TaskEvents handles GET /api/v1/tasks/:id/events. It streams every state
// change of one task as Server-Sent Events, starting with the current
// snapshot, and ends after a terminal state. A retried task needs a new
// stream.
func (h *Handlers) TaskEvents(c *fiber.Ctx) error {
	if _, err := h.ownedTask(c); err != nil {
		return errorResponse(c, err)
	}

	updates := make(chan task.Task, 1)
	stop := make(chan struct{})
	unsub, err := h.orch.Subscribe(c.UserContext(), c.Params("id"), forward(updates, stop))
	if err != nil {
		return errorResponse(c, err)
	}

	h.stream(c, updates, stop, unsub, func(t task.Task) bool { return t.Status.Terminal() })
	return nil
}

// NamespaceEvents handles GET /api/v1/events, streaming every task change
// in the caller's namespace until the client disconnects.
func (h *Handlers) NamespaceEvents(c *fiber.Ctx) error {
	ns := namespaceOf(c)
	updates := make(chan task.Task, 1)
	stop := make(chan struct{})
	send := forward(updates, stop)
	unsub := h.orch.SubscribeAll(func(t task.Task) {
		if t.Namespace == ns {
			send(t)
		}
	})

	h.stream(c, updates, stop, unsub, func(task.Task) bool { return false })
	return nil
}

// forward hands snapshots to the stream writer. Blocking here only delays
// this subscriber, whose pending updates coalesce in the meantime.
func forward(updates chan<- task.Task, stop <-chan struct{}) func(task.Task) {
	return func(t task.Task) {
		select {
		case updates <- t:
		case <-stop:
		}
	}
}

func (h *Handlers) stream(c *fiber.Ctx, updates <-chan task.Task, stop chan struct{}, unsub func(), last func(task.Task) bool) {
	c.Set(fiber.HeaderContentType, "text/event-stream")
	c.Set(fiber.HeaderCacheControl, "no-cache")
	c.Set(fiber.HeaderConnection, "keep-alive")
	c.Set("X-Accel-Buffering", "no")

	done := h.done
	keepAlive := h.keepAlive
	logger := h.logger

	c.Context().SetBodyStreamWriter(func(w *bufio.Writer) {
		defer func() {
			close(stop)
			unsub()
		}()

		ticker := time.NewTicker(keepAlive)
		defer ticker.Stop()

		for {
			select {
			case t := <-updates:
				if err := writeEvent(w, t); err != nil {
					logger.Debug().Err(err).Str("task_id", t.ID).Msg("event stream closed by client")
					return
				}
				if last(t) {
					return
				}
			case <-ticker.C:
				if _, err := w.WriteString(": keep-alive\n\n"); err != nil {
					return
				}
				if err := w.Flush(); err != nil {
					return
				}
			case <-done:
				return
			}
		}
	})
}

func writeEvent(w *bufio.Writer, t task.Task) error {
	data, err := json.Marshal(t)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "id: %s-%d\nevent: task\ndata: %s\n\n", t.ID, t.UpdatedAt.UnixNano(), data); err != nil {
		return err
	}
	return w.Flush()
}
