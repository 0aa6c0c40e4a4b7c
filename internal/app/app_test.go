package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/nerveband/content-checkmate-sub000/internal/module/checkmate"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testConfig = `
log:
  level: error
store:
  driver: memory
usage:
  salt: test-salt
  analyze:
    per_caller: 2
    global: 10
  fix:
    per_caller: 1
    global: 10
metrics:
  enabled: true
  namespace: checkmate
`

func newTestApp(t *testing.T) *App {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testConfig), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	// Keep the server unconfigured regardless of the environment.
	cfg.Gemini.APIKey = ""
	cfg.Replicate.APIToken = ""

	a, err := New(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(a.Stop)
	return a
}

func serve(a *App, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("X-Real-IP", "203.0.113.7")
	w := httptest.NewRecorder()
	a.Router().ServeHTTP(w, req)
	return w
}

func TestApp_Health(t *testing.T) {
	a := newTestApp(t)

	w := serve(a, http.MethodGet, "/health", "")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok","store":"memory"}`, w.Body.String())
}

func TestApp_UnconfiguredActionsDoNotConsumeQuota(t *testing.T) {
	a := newTestApp(t)

	w := serve(a, http.MethodPost, "/api/v1/analyze", `{"text":"Lose 10 pounds in a week"}`)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "NOT_CONFIGURED")

	w = serve(a, http.MethodPost, "/api/v1/fix", `{"image":"https://example.com/ad.png","violation":{"description":"before and after photos"}}`)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "NOT_CONFIGURED")

	w = serve(a, http.MethodGet, "/api/v1/usage", "")
	require.Equal(t, http.StatusOK, w.Code)

	var resp checkmate.UsageResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Analyze.Allowed)
	assert.Equal(t, 2, resp.Analyze.CallerRemaining)
	assert.Equal(t, 2, resp.Analyze.CallerLimit)
	assert.Equal(t, 1, resp.Fix.CallerRemaining)
	assert.Equal(t, 10, resp.Fix.GlobalRemaining)
}

func TestApp_Limiters(t *testing.T) {
	a := newTestApp(t)
	ctx := context.Background()

	a.FixLimiter().RecordUsage(ctx, "203.0.113.7")

	assert.False(t, a.FixLimiter().CheckQuota(ctx, "203.0.113.7").Allowed)
	assert.True(t, a.AnalyzeLimiter().CheckQuota(ctx, "203.0.113.7").Allowed)
}

func TestApp_Metrics(t *testing.T) {
	a := newTestApp(t)

	serve(a, http.MethodGet, "/health", "")
	w := serve(a, http.MethodGet, "/metrics", "")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `checkmate_http_requests_total{method="GET",path="/health",status="200"} 1`)
}

func TestRetryPolicyFrom(t *testing.T) {
	cfg := newTestApp(t).config

	p := retryPolicyFrom(cfg.Retry)

	assert.Equal(t, 3, p.MaxRetries)
	assert.Equal(t, cfg.Retry.BaseDelay, p.BaseDelay)
	assert.Equal(t, 2.0, p.Multiplier)
}
