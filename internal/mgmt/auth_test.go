package mgmt

import (
	"net/http"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testJWTSecret = "test-signing-secret"

func signToken(t *testing.T, secret string, claims jwt.RegisteredClaims) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return tok
}

func apiKeyEnv(t *testing.T) *testEnv {
	return testApp(t, false, withAuth(AuthConfig{
		Mode:      AuthModeAPIKey,
		APIKey:    "test-secret-key",
		JWTSecret: testJWTSecret,
	}))
}

func TestAuth_NoneMode(t *testing.T) {
	env := testApp(t, false)

	resp := env.do(t, http.MethodGet, "/api/v1/tasks", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAuth_APIKeyMode_NoHeader(t *testing.T) {
	env := apiKeyEnv(t)

	resp := env.do(t, http.MethodGet, "/api/v1/tasks", "")
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	problem := decode[ProblemDetail](t, resp)
	assert.Equal(t, "missing_auth", problem.Type)
	assert.Equal(t, "/api/v1/tasks", problem.Instance)
}

func TestAuth_APIKeyMode_WrongScheme(t *testing.T) {
	env := apiKeyEnv(t)

	resp := env.do(t, http.MethodGet, "/api/v1/tasks", "", "Authorization", "Basic dXNlcjpwYXNz")
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "invalid_auth_scheme", decode[ProblemDetail](t, resp).Type)
}

func TestAuth_APIKeyMode_InvalidKey(t *testing.T) {
	env := apiKeyEnv(t)

	resp := env.do(t, http.MethodGet, "/api/v1/tasks", "", "Authorization", "Bearer wrong-key")
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "invalid_api_key", decode[ProblemDetail](t, resp).Type)
}

func TestAuth_APIKeyMode_ValidKey(t *testing.T) {
	env := apiKeyEnv(t)

	resp := env.do(t, http.MethodGet, "/api/v1/tasks", "", "Authorization", "Bearer test-secret-key")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAuth_APIKeyMode_ProbesSkipAuth(t *testing.T) {
	env := apiKeyEnv(t)

	for _, path := range []string{"/healthz", "/readyz", "/metrics"} {
		resp := env.do(t, http.MethodGet, path, "")
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
	}
}

func TestAuth_JWTSetsNamespace(t *testing.T) {
	env := apiKeyEnv(t)
	token := signToken(t, testJWTSecret, jwt.RegisteredClaims{
		Subject:   "user-42",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})

	resp := env.do(t, http.MethodPost, "/api/v1/generations", joesCoffeeBody,
		"Authorization", "Bearer "+token,
		UserHeader, "someone-else")
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	tk := decode[TaskResponse](t, resp).Task
	assert.Equal(t, "user-42", tk.Namespace, "the token subject wins over the header")
}

func TestAuth_JWTRejected(t *testing.T) {
	env := apiKeyEnv(t)

	tests := []struct {
		name  string
		token string
	}{
		{"wrong secret", signToken(t, "other-secret", jwt.RegisteredClaims{Subject: "user-42"})},
		{"expired", signToken(t, testJWTSecret, jwt.RegisteredClaims{
			Subject:   "user-42",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
		})},
		{"missing subject", signToken(t, testJWTSecret, jwt.RegisteredClaims{})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := env.do(t, http.MethodGet, "/api/v1/tasks", "", "Authorization", "Bearer "+tt.token)
			require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
			assert.Equal(t, "invalid_token", decode[ProblemDetail](t, resp).Type)
		})
	}
}

func TestRateLimitConfig_Window(t *testing.T) {
	tests := []struct {
		name       string
		cfg        RateLimitConfig
		wantLimit  int
		wantWindow time.Duration
	}{
		{"one per second", RateLimitConfig{RPS: 1, Burst: 1}, 1, time.Second},
		{"burst spans two seconds", RateLimitConfig{RPS: 100, Burst: 200}, 200, 2 * time.Second},
		{"burst below rate", RateLimitConfig{RPS: 10, Burst: 5}, 10, time.Second},
		{"no burst", RateLimitConfig{RPS: 20}, 20, time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			limit, window := tt.cfg.window()
			assert.Equal(t, tt.wantLimit, limit)
			assert.Equal(t, tt.wantWindow, window)
		})
	}
}
