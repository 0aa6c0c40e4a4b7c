package prediction

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/nerveband/content-checkmate-sub000/internal/shared/config"
	"github.com/nerveband/content-checkmate-sub000/internal/shared/retry"
	"github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestReplicate(t *testing.T, handler http.HandlerFunc) (*ReplicateClient, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client := NewReplicateClient(config.ReplicateConfig{
		BaseURL:  srv.URL,
		APIToken: "r8_test",
	}, srv.Client())
	return client, srv
}

func TestReplicateClient_SubmitModel(t *testing.T) {
	var gotPath, gotAuth string
	var gotBody map[string]any
	client, _ := newTestReplicate(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &gotBody)
		w.WriteHeader(http.StatusCreated)
		_, _ = io.WriteString(w, `{"id":"abc123","status":"starting","created_at":"2026-10-18T12:00:00.123Z"}`)
	})

	job, err := client.Submit(context.Background(), &JobSpec{
		Model: "black-forest-labs/flux-kontext-pro",
		Input: map[string]any{"prompt": "remove the logo"},
	})

	require.NoError(t, err)
	assert.Equal(t, "/v1/models/black-forest-labs/flux-kontext-pro/predictions", gotPath)
	assert.Equal(t, "Bearer r8_test", gotAuth)
	assert.Equal(t, map[string]any{"input": map[string]any{"prompt": "remove the logo"}}, gotBody)
	assert.Equal(t, "abc123", job.ID)
	assert.Equal(t, StatusQueued, job.Status)
	assert.Equal(t, 2026, job.CreatedAt.Year())
}

func TestReplicateClient_SubmitVersion(t *testing.T) {
	tests := []struct {
		name string
		spec *JobSpec
	}{
		{name: "explicit version", spec: &JobSpec{Model: "owner/model", Version: "v1"}},
		{name: "version suffix", spec: &JobSpec{Model: "owner/model:v1"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotPath string
			var gotBody map[string]any
			client, _ := newTestReplicate(t, func(w http.ResponseWriter, r *http.Request) {
				gotPath = r.URL.Path
				raw, _ := io.ReadAll(r.Body)
				_ = json.Unmarshal(raw, &gotBody)
				_, _ = io.WriteString(w, `{"id":"abc123","status":"processing"}`)
			})

			job, err := client.Submit(context.Background(), tt.spec)
			require.NoError(t, err)
			assert.Equal(t, "/v1/predictions", gotPath)
			assert.Equal(t, "v1", gotBody["version"])
			assert.Equal(t, map[string]any{}, gotBody["input"])
			assert.Equal(t, StatusProcessing, job.Status)
		})
	}
}

func TestReplicateClient_SubmitInvalidModel(t *testing.T) {
	var hits atomic.Int32
	client, _ := newTestReplicate(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	})

	for _, model := range []string{"", "flux", "a/b/c", "/name"} {
		_, err := client.Submit(context.Background(), &JobSpec{Model: model})
		assert.ErrorIs(t, err, ErrSubmissionFailed, model)
	}
	assert.Zero(t, hits.Load())
}

func TestReplicateClient_GetStatusMapping(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		wantStatus Status
		wantOutput []string
		wantError  string
	}{
		{
			name:       "starting",
			body:       `{"id":"p","status":"starting"}`,
			wantStatus: StatusQueued,
		},
		{
			name:       "processing",
			body:       `{"id":"p","status":"processing","output":null}`,
			wantStatus: StatusProcessing,
		},
		{
			name:       "succeeded with string output",
			body:       `{"id":"p","status":"succeeded","output":"https://x/img.png","completed_at":"2026-10-18T12:00:05Z"}`,
			wantStatus: StatusSucceeded,
			wantOutput: []string{"https://x/img.png"},
		},
		{
			name:       "succeeded with array output",
			body:       `{"id":"p","status":"succeeded","output":["https://x/a.png","https://x/b.png"]}`,
			wantStatus: StatusSucceeded,
			wantOutput: []string{"https://x/a.png", "https://x/b.png"},
		},
		{
			name:       "succeeded with null output",
			body:       `{"id":"p","status":"succeeded","output":null}`,
			wantStatus: StatusSucceeded,
		},
		{
			name:       "failed",
			body:       `{"id":"p","status":"failed","error":"CUDA out of memory"}`,
			wantStatus: StatusFailed,
			wantError:  "CUDA out of memory",
		},
		{
			name:       "canceled",
			body:       `{"id":"p","status":"canceled"}`,
			wantStatus: StatusFailed,
			wantError:  "prediction was canceled",
		},
		{
			name:       "unknown",
			body:       `{"id":"p","status":"paused"}`,
			wantStatus: Status("paused"),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotPath string
			client, _ := newTestReplicate(t, func(w http.ResponseWriter, r *http.Request) {
				gotPath = r.URL.Path
				_, _ = io.WriteString(w, tt.body)
			})

			job, err := client.Get(context.Background(), "p")
			require.NoError(t, err)
			assert.Equal(t, "/v1/predictions/p", gotPath)
			assert.Equal(t, tt.wantStatus, job.Status)
			assert.Equal(t, tt.wantOutput, job.Output)
			assert.Equal(t, tt.wantError, job.Error)
		})
	}
}

func TestReplicateClient_ErrorClassification(t *testing.T) {
	tests := []struct {
		name          string
		status        int
		body          string
		wantTransient bool
	}{
		{name: "rate limited", status: 429, body: `{"detail":"slow down"}`, wantTransient: true},
		{name: "bad gateway", status: 502, body: "", wantTransient: true},
		{name: "unavailable", status: 503, body: "", wantTransient: true},
		{name: "gateway timeout", status: 504, body: "", wantTransient: true},
		{name: "overloaded status", status: 529, body: "", wantTransient: true},
		{name: "overloaded body", status: 500, body: `{"detail":"Model is overloaded"}`, wantTransient: true},
		{name: "internal", status: 500, body: `{"detail":"boom"}`},
		{name: "invalid input", status: 422, body: `{"detail":"input_image is required"}`},
		{name: "unauthorized", status: 401, body: `{"detail":"bad token"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, _ := newTestReplicate(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, tt.body)
			})

			_, err := client.Submit(context.Background(), &JobSpec{Model: "owner/model"})
			require.Error(t, err)
			assert.Equal(t, tt.wantTransient, IsTransient(err))
			if !tt.wantTransient {
				assert.ErrorIs(t, err, ErrSubmissionFailed)
			}

			var ue *UpstreamError
			require.ErrorAs(t, err, &ue)
			assert.Equal(t, tt.status, ue.StatusCode)

			_, err = client.Get(context.Background(), "p")
			if !tt.wantTransient {
				assert.ErrorIs(t, err, ErrPollFailed)
			}
		})
	}
}

func TestReplicateClient_MalformedBody(t *testing.T) {
	client, _ := newTestReplicate(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `not json`)
	})

	_, err := client.Get(context.Background(), "p")
	assert.ErrorIs(t, err, ErrPollFailed)
	assert.False(t, IsTransient(err))

	_, err = client.Submit(context.Background(), &JobSpec{Model: "owner/model"})
	assert.ErrorIs(t, err, ErrSubmissionFailed)
}

func TestReplicateClient_MissingID(t *testing.T) {
	client, _ := newTestReplicate(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"status":"starting"}`)
	})

	_, err := client.Submit(context.Background(), &JobSpec{Model: "owner/model"})
	assert.ErrorIs(t, err, ErrSubmissionFailed)

	_, err = client.Get(context.Background(), "")
	assert.ErrorIs(t, err, ErrPollFailed)
}

func TestReplicateClient_CircuitBreaker(t *testing.T) {
	var hits atomic.Int32
	client, _ := newTestReplicate(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	for i := 0; i < 5; i++ {
		_, err := client.Get(context.Background(), "p")
		require.True(t, IsTransient(err))
	}

	_, err := client.Get(context.Background(), "p")
	assert.ErrorIs(t, err, ErrPollFailed)
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.False(t, IsTransient(err), "open breaker must not be retried")
	assert.Equal(t, int32(5), hits.Load())
}

func TestReplicateClient_CallerErrorsDoNotTrip(t *testing.T) {
	var hits atomic.Int32
	client, _ := newTestReplicate(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusUnprocessableEntity)
	})

	for i := 0; i < 10; i++ {
		_, err := client.Submit(context.Background(), &JobSpec{Model: "owner/model"})
		require.ErrorIs(t, err, ErrSubmissionFailed)
		require.False(t, errors.Is(err, gobreaker.ErrOpenState))
	}
	assert.Equal(t, int32(10), hits.Load())
}

func TestReplicateClient_WithToken(t *testing.T) {
	var gotAuth string
	client, _ := newTestReplicate(t, func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		_, _ = io.WriteString(w, `{"id":"p","status":"processing"}`)
	})

	_, err := client.WithToken("r8_caller").Get(context.Background(), "p")
	require.NoError(t, err)
	assert.Equal(t, "Bearer r8_caller", gotAuth)

	_, err = client.Get(context.Background(), "p")
	require.NoError(t, err)
	assert.Equal(t, "Bearer r8_test", gotAuth)
}

func TestReplicateClient_ContextCanceled(t *testing.T) {
	client, _ := newTestReplicate(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"id":"p","status":"processing"}`)
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := client.Get(ctx, "p")
	assert.ErrorIs(t, err, ErrPollFailed)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPoller_WithReplicate(t *testing.T) {
	var polls atomic.Int32
	client, _ := newTestReplicate(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			w.WriteHeader(http.StatusCreated)
			_, _ = io.WriteString(w, `{"id":"abc","status":"starting"}`)
			return
		}
		switch polls.Add(1) {
		case 1:
			w.WriteHeader(http.StatusServiceUnavailable)
		case 2, 3:
			_, _ = io.WriteString(w, `{"id":"abc","status":"processing"}`)
		default:
			_, _ = io.WriteString(w, `{"id":"abc","status":"succeeded","output":["https://x/img.png"]}`)
		}
	})

	noSleep := func(ctx context.Context, _ time.Duration) error { return ctx.Err() }
	p := NewPoller(client, PollerConfig{
		MaxAttempts: 10,
		Interval:    time.Second,
		Retry:       retry.DefaultPolicy(),
	}, zap.NewNop(), WithSleeper(noSleep))

	url, err := p.SubmitAndAwait(context.Background(), &JobSpec{Model: "owner/model"})
	require.NoError(t, err)
	assert.Equal(t, "https://x/img.png", url)
	assert.Equal(t, int32(4), polls.Load())
}

func TestTruncate(t *testing.T) {
	t.Run("short body unchanged", func(t *testing.T) {
		assert.Equal(t, "overloaded", truncate("overloaded"))
	})

	t.Run("ascii cut at the limit", func(t *testing.T) {
		got := truncate(strings.Repeat("a", maxErrorBody+10))
		assert.Equal(t, strings.Repeat("a", maxErrorBody)+"...", got)
	})

	t.Run("multi-byte rune is not split", func(t *testing.T) {
		// The three-byte rune straddles the limit.
		body := strings.Repeat("a", maxErrorBody-1) + "€" + "tail"

		got := truncate(body)

		assert.True(t, utf8.ValidString(got))
		assert.Equal(t, strings.Repeat("a", maxErrorBody-1)+"...", got)
	})
}
