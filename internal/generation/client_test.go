package generation

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	perrors "github.com/p-blackswan/leadgen-agent/internal/errors"
	"github.com/p-blackswan/leadgen-agent/internal/task"
)

func joesRequest() Request {
	return Request{
		BusinessInfo: BusinessInfo{
			Name:     "Joe's Coffee",
			Category: "Cafe",
			City:     "Austin",
			State:    "TX",
			Extra:    map[string]string{"phone": "555-0100"},
		},
	}
}

func TestGenerate_Success(t *testing.T) {
	var gotPath, gotAuth string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"final_output":"<html>Joe's</html>","metadata":{"model":"gpt"},"validation_issues":["missing alt text"]}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL+"/", zerolog.Nop(), WithAPIKey("secret"))
	res, err := c.Generate(context.Background(), task.AgentWebsite, joesRequest())
	require.NoError(t, err)

	assert.Equal(t, "/api/agents/website", gotPath)
	assert.Equal(t, "Bearer secret", gotAuth)
	assert.Equal(t, "html", gotBody["framework"])
	assert.Equal(t, "modern", gotBody["style_preference"])
	assert.EqualValues(t, 3, gotBody["max_iterations"])
	assert.NotContains(t, gotBody, "enable_self_reflection")

	info := gotBody["business_info"].(map[string]any)
	assert.Equal(t, "Joe's Coffee", info["name"])
	assert.Equal(t, "Cafe", info["business_category"])
	assert.Equal(t, "555-0100", info["phone"])

	assert.Equal(t, "<html>Joe's</html>", res.FinalOutput)
	assert.Equal(t, "gpt", res.Metadata["model"])
	assert.Equal(t, []string{"missing alt text"}, res.ValidationIssues)
}

func TestGenerate_Endpoints(t *testing.T) {
	paths := make(chan string, 3)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths <- r.URL.Path
		_, _ = w.Write([]byte(`{"final_output":"ok"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, zerolog.Nop())
	for _, agent := range task.AgentTypes {
		_, err := c.Generate(context.Background(), agent, joesRequest())
		require.NoError(t, err)
	}
	assert.Equal(t, "/api/agents/website", <-paths)
	assert.Equal(t, "/api/agents/content", <-paths)
	assert.Equal(t, "/api/agents/marketing-kit", <-paths)
}

func TestGenerate_ServerErrorDetail(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		message   string
		retryable bool
	}{
		{"string detail", http.StatusInternalServerError, `{"detail":"model overloaded"}`, "model overloaded", true},
		{"list detail", http.StatusUnprocessableEntity, `{"detail":[{"msg":"field required"},{"msg":"bad city"}]}`, "field required; bad city", false},
		{"plain text", http.StatusBadGateway, "upstream down", "upstream down", true},
		{"rate limited", http.StatusTooManyRequests, `{"detail":"slow down"}`, "slow down", true},
		{"bad request", http.StatusBadRequest, `{"detail":"nope"}`, "nope", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			_, err := NewClient(srv.URL, zerolog.Nop()).Generate(context.Background(), task.AgentContent, joesRequest())
			var srvErr *perrors.ServerError
			require.True(t, errors.As(err, &srvErr))
			assert.Equal(t, tt.status, srvErr.StatusCode)
			assert.Equal(t, tt.message, srvErr.Message)

			_, _, retryable := perrors.Classify(err)
			assert.Equal(t, tt.retryable, retryable)
		})
	}
}

func TestGenerate_EmptyOutputIsServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"final_output":"  "}`))
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, zerolog.Nop()).Generate(context.Background(), task.AgentWebsite, joesRequest())
	var srvErr *perrors.ServerError
	require.True(t, errors.As(err, &srvErr))
	assert.True(t, perrors.IsRetryable(err))
}

func TestGenerate_NetworkError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	_, err := NewClient(url, zerolog.Nop()).Generate(context.Background(), task.AgentWebsite, joesRequest())
	var netErr *perrors.NetworkError
	require.True(t, errors.As(err, &netErr))
	assert.True(t, perrors.IsRetryable(err))
}

func TestGenerate_Timeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	_, err := NewClient(srv.URL, zerolog.Nop(), WithTimeout(50*time.Millisecond)).
		Generate(context.Background(), task.AgentWebsite, joesRequest())
	var netErr *perrors.NetworkError
	require.True(t, errors.As(err, &netErr))
}

func TestGenerate_Cancelled(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err := NewClient(srv.URL, zerolog.Nop()).Generate(ctx, task.AgentWebsite, joesRequest())
	assert.ErrorIs(t, err, context.Canceled)
}

func TestGenerate_ValidationBeforeNetwork(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer srv.Close()

	req := joesRequest()
	req.BusinessInfo.City = ""
	_, err := NewClient(srv.URL, zerolog.Nop()).Generate(context.Background(), task.AgentWebsite, req)

	var verr *perrors.ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "business_info.city", verr.Field)
	assert.False(t, called)
}

func TestPrepare(t *testing.T) {
	yes := true
	c := NewClient("http://unused", zerolog.Nop(), WithDefaults(task.AgentMarketing, Defaults{
		StylePreference:      "bold",
		MaxIterations:        5,
		EnableSelfCorrection: &yes,
	}))

	req, err := c.Prepare(task.AgentMarketing, joesRequest())
	require.NoError(t, err)
	assert.Equal(t, "html", req.Framework)
	assert.Equal(t, "bold", req.StylePreference)
	assert.Equal(t, 5, req.MaxIterations)
	require.NotNil(t, req.EnableSelfCorrection)
	assert.True(t, *req.EnableSelfCorrection)
	assert.Nil(t, req.EnableSelfReflection)

	explicit := joesRequest()
	explicit.Framework = "React"
	explicit.MaxIterations = 2
	req, err = c.Prepare(task.AgentMarketing, explicit)
	require.NoError(t, err)
	assert.Equal(t, "react", req.Framework)
	assert.Equal(t, 2, req.MaxIterations)

	bad := joesRequest()
	bad.Framework = "angular"
	_, err = c.Prepare(task.AgentWebsite, bad)
	var verr *perrors.ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "framework", verr.Field)

	bad = joesRequest()
	bad.MaxIterations = 11
	_, err = c.Prepare(task.AgentWebsite, bad)
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "max_iterations", verr.Field)

	_, err = c.Prepare("poster", joesRequest())
	require.True(t, errors.As(err, &verr))
}
