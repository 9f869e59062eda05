package task

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	perrors "github.com/p-blackswan/leadgen-agent/internal/errors"
)

func TestCanTransition_DocumentedEdges(t *testing.T) {
	legal := [][2]Status{
		{StatusQueued, StatusRunning},
		{StatusQueued, StatusCancelled},
		{StatusRunning, StatusCompleted},
		{StatusRunning, StatusFailed},
		{StatusRunning, StatusCancelled},
		{StatusFailed, StatusQueued},
	}
	for _, e := range legal {
		assert.True(t, CanTransition(e[0], e[1]), "%s -> %s", e[0], e[1])
	}

	illegal := [][2]Status{
		{StatusCompleted, StatusRunning},
		{StatusFailed, StatusCompleted},
		{StatusFailed, StatusRunning},
		{StatusCancelled, StatusQueued},
		{StatusCompleted, StatusQueued},
		{StatusQueued, StatusCompleted},
		{StatusRunning, StatusQueued},
	}
	for _, e := range illegal {
		assert.False(t, CanTransition(e[0], e[1]), "%s -> %s", e[0], e[1])
	}
}

func TestTransition_RejectsIllegal(t *testing.T) {
	now := time.Now()
	tk := &Task{Status: StatusCompleted}
	err := tk.Transition(StatusRunning, now)
	assert.ErrorIs(t, err, perrors.ErrIllegalTransition)
	assert.Equal(t, StatusCompleted, tk.Status)

	tk = &Task{Status: StatusQueued}
	require.NoError(t, tk.Transition(StatusRunning, now))
	assert.Equal(t, StatusRunning, tk.Status)
	assert.Equal(t, now, tk.UpdatedAt)
}

func TestStatus_Predicates(t *testing.T) {
	assert.True(t, StatusQueued.Active())
	assert.True(t, StatusRunning.Active())
	assert.False(t, StatusFailed.Active())
	assert.True(t, StatusFailed.Terminal())
	assert.True(t, StatusCancelled.Terminal())
	assert.False(t, StatusRunning.Terminal())
}

func TestIsStale(t *testing.T) {
	start := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	eta := start.Add(time.Minute)
	tk := &Task{Status: StatusRunning, StartedAt: &start, EstimatedCompletionAt: &eta}

	assert.False(t, tk.IsStale(start.Add(2*time.Minute), 5*time.Minute))
	assert.True(t, tk.IsStale(start.Add(7*time.Minute), 5*time.Minute))

	tk.Status = StatusFailed
	assert.False(t, tk.IsStale(start.Add(time.Hour), 5*time.Minute))
}

func TestTask_JSONRoundTripMidRunning(t *testing.T) {
	start := time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC)
	eta := start.Add(90 * time.Second)
	reflect := true
	orig := Task{
		ID:                    "task-1",
		Namespace:             "guest",
		BusinessID:            "joes-coffee-id",
		BusinessName:          "Joe's Coffee",
		AgentType:             AgentWebsite,
		Status:                StatusRunning,
		Progress:              Estimated(42),
		StepLabel:             "Generating pages",
		Attempts:              1,
		Business:              Business{Name: "Joe's Coffee", Category: "cafe", City: "Austin", State: "TX"},
		Options:               Options{Framework: "html", EnableSelfReflection: &reflect},
		CreatedAt:             start,
		UpdatedAt:             start.Add(30 * time.Second),
		StartedAt:             &start,
		EstimatedCompletionAt: &eta,
	}

	raw, err := json.Marshal(orig)
	require.NoError(t, err)

	var restored Task
	require.NoError(t, json.Unmarshal(raw, &restored))
	assert.Equal(t, StatusRunning, restored.Status)
	assert.Equal(t, Estimated(42), restored.Progress)
	assert.Equal(t, "joes-coffee-id", restored.BusinessID)
	assert.True(t, restored.StartedAt.Equal(start))
	assert.Equal(t, orig.Key(), restored.Key())
}

func TestClone_IsDeep(t *testing.T) {
	start := time.Now()
	tk := &Task{
		StartedAt: &start,
		Error:     &Error{Kind: perrors.KindServer, Message: "boom"},
		Business:  Business{Extra: map[string]string{"phone": "555"}},
	}
	c := tk.Clone()
	c.Error.Message = "changed"
	c.Business.Extra["phone"] = "000"
	*c.StartedAt = start.Add(time.Hour)

	assert.Equal(t, "boom", tk.Error.Message)
	assert.Equal(t, "555", tk.Business.Extra["phone"])
	assert.True(t, tk.StartedAt.Equal(start))
}

func TestBusiness_Location(t *testing.T) {
	assert.Equal(t, "Austin, TX", Business{City: "Austin", State: "TX"}.Location())
	assert.Equal(t, "Austin", Business{City: "Austin"}.Location())
	assert.Equal(t, "TX", Business{State: "TX"}.Location())
}
