package orchestrator

import (
	"sync"

	"github.com/p-blackswan/leadgen-agent/internal/task"
)

// hub fans task snapshots out to subscribers. Each subscriber owns a pending
// slot per task and a delivery goroutine; a slow subscriber only ever skips
// intermediate states, never receives them out of order.
type hub struct {
	mu     sync.Mutex
	nextID uint64
	subs   map[uint64]*subscriber
	closed bool
}

type subscriber struct {
	taskID string // empty subscribes to every task
	fn     func(task.Task)

	mu      sync.Mutex
	pending map[string]task.Task
	order   []string
	signal  chan struct{}
	done    chan struct{}
	once    sync.Once
}

func newHub() *hub {
	return &hub{subs: make(map[uint64]*subscriber)}
}

// subscribe registers fn and primes it with initial, if given.
func (h *hub) subscribe(taskID string, fn func(task.Task), initial *task.Task) func() {
	s := &subscriber{
		taskID:  taskID,
		fn:      fn,
		pending: make(map[string]task.Task),
		signal:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return func() {}
	}
	id := h.nextID
	h.nextID++
	h.subs[id] = s
	if initial != nil {
		s.offer(*initial)
	}
	h.mu.Unlock()

	go s.loop()

	return func() {
		h.mu.Lock()
		delete(h.subs, id)
		h.mu.Unlock()
		s.stop()
	}
}

// publish must be called in the order states were committed.
func (h *hub) publish(snap task.Task) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, s := range h.subs {
		if s.taskID == "" || s.taskID == snap.ID {
			s.offer(snap)
		}
	}
}

func (h *hub) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

func (h *hub) close() {
	h.mu.Lock()
	subs := h.subs
	h.subs = make(map[uint64]*subscriber)
	h.closed = true
	h.mu.Unlock()
	for _, s := range subs {
		s.stop()
	}
}

func (s *subscriber) offer(snap task.Task) {
	s.mu.Lock()
	if _, ok := s.pending[snap.ID]; !ok {
		s.order = append(s.order, snap.ID)
	}
	s.pending[snap.ID] = snap
	s.mu.Unlock()

	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *subscriber) stop() {
	s.once.Do(func() { close(s.done) })
}

func (s *subscriber) loop() {
	for {
		select {
		case <-s.done:
			return
		case <-s.signal:
		}

		s.mu.Lock()
		batch := make([]task.Task, 0, len(s.order))
		for _, id := range s.order {
			batch = append(batch, s.pending[id])
		}
		s.pending = make(map[string]task.Task)
		s.order = s.order[:0]
		s.mu.Unlock()

		for _, snap := range batch {
			select {
			case <-s.done:
				return
			default:
			}
			s.fn(snap)
		}
	}
}
