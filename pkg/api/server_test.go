package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metacogna/sentinel/pkg/auth"
	"github.com/metacogna/sentinel/pkg/models"
	"github.com/metacogna/sentinel/pkg/orchestrator"
	"github.com/metacogna/sentinel/pkg/supervisor"
)

var testNow = time.Date(2025, 1, 20, 10, 0, 0, 0, time.UTC)

const (
	writeToken = "wk-0123456789abcdef0123456789abcdef"
	readToken  = "rk-0123456789abcdef0123456789abcdef"
)

// stubService scripts the orchestrator surface.
type stubService struct {
	completeErr error
	ready       bool
}

func (s *stubService) Complete(ctx context.Context, principal auth.Principal, history []models.CanonicalMessage, opts orchestrator.Options) (models.CanonicalMessage, error) {
	if err := auth.Authorize(principal, models.LevelWrite); err != nil {
		return models.CanonicalMessage{}, err
	}
	if s.completeErr != nil {
		return models.CanonicalMessage{}, s.completeErr
	}
	return models.NewMessage(models.RoleAssistant, "hello back", testNow, nil)
}

func (s *stubService) AgentStatus(principal auth.Principal) ([]supervisor.AgentHealth, error) {
	if err := auth.Authorize(principal, models.LevelRead); err != nil {
		return nil, err
	}
	return []supervisor.AgentHealth{{ID: models.NewAgentID(), State: models.StateIdle}}, nil
}

func (s *stubService) MemoryBudget(principal auth.Principal) (models.TokenBudget, error) {
	if err := auth.Authorize(principal, models.LevelRead); err != nil {
		return models.TokenBudget{}, err
	}
	return models.TokenBudget{Short: 12}, nil
}

func (s *stubService) IsReady(ctx context.Context) bool { return s.ready }

func newTestServer(t *testing.T, service *stubService) *Server {
	t.Helper()
	gin.SetMode(gin.TestMode)

	keys, err := auth.LoadFromEnv([]string{
		"SENTINEL_API_KEY_K1=" + writeToken + ":write",
		"SENTINEL_API_KEY_K2=" + readToken + ":read",
	}, false)
	require.NoError(t, err)
	return NewServer(service, keys)
}

func doJSON(t *testing.T, srv *Server, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Content-Type", "application/json")

	rec := httptest.NewRecorder()
	srv.router.ServeHTTP(rec, req)
	return rec
}

func completeBody(content string) CompleteRequest {
	return CompleteRequest{
		Messages: []MessageDTO{{Role: "user", Content: content, Timestamp: testNow}},
	}
}

func TestCompleteEndpoint(t *testing.T) {
	srv := newTestServer(t, &stubService{ready: true})

	rec := doJSON(t, srv, http.MethodPost, "/api/v1/complete", writeToken, completeBody("hi"))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp CompleteResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "assistant", resp.Message.Role)
	assert.Equal(t, "hello back", resp.Message.Content)
	assert.NotEmpty(t, resp.Message.ID)
}

func TestCompleteRequiresAuth(t *testing.T) {
	srv := newTestServer(t, &stubService{})

	// No token at all: malformed credential.
	rec := doJSON(t, srv, http.MethodPost, "/api/v1/complete", "", completeBody("hi"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Unknown token.
	rec = doJSON(t, srv, http.MethodPost, "/api/v1/complete", "zz-0123456789abcdef0123456789abcdef", completeBody("hi"))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Authenticated but underprivileged.
	rec = doJSON(t, srv, http.MethodPost, "/api/v1/complete", readToken, completeBody("hi"))
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestErrorTranslation(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"backpressure", models.NewUnavailableError(models.ReasonBackpressure), http.StatusServiceUnavailable},
		{"timeout", models.NewTimeoutError(), http.StatusGatewayTimeout},
		{"upstream", models.NewUpstreamError("anthropic", false, assert.AnError), http.StatusBadGateway},
		{"internal", models.NewInternalError("boom", assert.AnError), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newTestServer(t, &stubService{completeErr: tt.err})
			rec := doJSON(t, srv, http.MethodPost, "/api/v1/complete", writeToken, completeBody("hi"))
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestInternalErrorHidesDetail(t *testing.T) {
	srv := newTestServer(t, &stubService{completeErr: models.NewInternalError("db exploded spectacularly", assert.AnError)})
	rec := doJSON(t, srv, http.MethodPost, "/api/v1/complete", writeToken, completeBody("hi"))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "exploded")
	assert.Contains(t, rec.Body.String(), "correlation id")
}

func TestBadMessageRejected(t *testing.T) {
	srv := newTestServer(t, &stubService{})
	body := CompleteRequest{Messages: []MessageDTO{{Role: "robot", Content: "x", Timestamp: testNow}}}
	rec := doJSON(t, srv, http.MethodPost, "/api/v1/complete", writeToken, body)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAgentStatusAndBudget(t *testing.T) {
	srv := newTestServer(t, &stubService{})

	rec := doJSON(t, srv, http.MethodGet, "/api/v1/agents", readToken, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "idle")

	rec = doJSON(t, srv, http.MethodGet, "/api/v1/memory/budget", readToken, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"short":12`)
}

func TestHealthProbes(t *testing.T) {
	srv := newTestServer(t, &stubService{ready: false})

	rec := doJSON(t, srv, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, srv, http.MethodGet, "/ready", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	srv2 := newTestServer(t, &stubService{ready: true})
	rec = doJSON(t, srv2, http.MethodGet, "/ready", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}
