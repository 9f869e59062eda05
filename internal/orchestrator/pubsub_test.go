package orchestrator

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/p-blackswan/leadgen-agent/internal/task"
)

func TestHub_SlowSubscriberGetsLatest(t *testing.T) {
	h := newHub()
	defer h.close()

	block := make(chan struct{})
	var mu sync.Mutex
	var got []int
	unsub := h.subscribe("t1", func(s task.Task) {
		<-block
		mu.Lock()
		got = append(got, s.Progress.Percent)
		mu.Unlock()
	}, nil)
	defer unsub()

	for i := 0; i <= 50; i++ {
		h.publish(task.Task{ID: "t1", Progress: task.Estimated(i)})
	}
	close(block)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) > 0 && got[len(got)-1] == 50
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Less(t, len(got), 51)
	for i := 1; i < len(got); i++ {
		assert.Greater(t, got[i], got[i-1])
	}
}

func TestHub_FiltersByTask(t *testing.T) {
	h := newHub()
	defer h.close()

	ch := make(chan string, 4)
	unsub := h.subscribe("t2", func(s task.Task) { ch <- s.ID }, nil)
	defer unsub()

	h.publish(task.Task{ID: "t1"})
	h.publish(task.Task{ID: "t2"})

	select {
	case id := <-ch:
		assert.Equal(t, "t2", id)
	case <-time.After(time.Second):
		t.Fatal("no delivery")
	}
}

func TestHub_UnsubscribeStopsDelivery(t *testing.T) {
	h := newHub()
	defer h.close()

	ch := make(chan string, 4)
	unsub := h.subscribe("", func(s task.Task) { ch <- s.ID }, nil)
	assert.Equal(t, 1, h.count())
	unsub()
	unsub()
	assert.Equal(t, 0, h.count())

	h.publish(task.Task{ID: "t1"})
	select {
	case <-ch:
		t.Fatal("delivered after unsubscribe")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHub_ClosedIgnoresSubscribers(t *testing.T) {
	h := newHub()
	h.close()
	unsub := h.subscribe("", func(task.Task) {}, nil)
	unsub()
	assert.Equal(t, 0, h.count())
}
