package prediction

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-resty/resty/v2"
	"github.com/nerveband/content-checkmate-sub000/internal/shared/config"
	"github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"
)

// Replicate wire statuses.
const (
	replicateStarting   = "starting"
	replicateProcessing = "processing"
	replicateSucceeded  = "succeeded"
	replicateFailed     = "failed"
	replicateCanceled   = "canceled"
)

const maxErrorBody = 512

// ReplicateClient implements Client against the Replicate HTTP API.
type ReplicateClient struct {
	http    *resty.Client
	token   string
	breaker *gobreaker.CircuitBreaker[*Job]
	limiter *rate.Limiter
}

// NewReplicateClient creates a Replicate client on top of httpClient.
func NewReplicateClient(cfg config.ReplicateConfig, httpClient *http.Client) *ReplicateClient {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	threshold := cfg.FailureThreshold
	if threshold == 0 {
		threshold = 5
	}
	timeout := cfg.CircuitTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	burst := cfg.RateBurst
	if burst <= 0 {
		burst = 1
	}

	return &ReplicateClient{
		http: resty.NewWithClient(httpClient).
			SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
			SetHeader("Content-Type", "application/json").
			SetHeader("Accept", "application/json"),
		token: cfg.APIToken,
		breaker: gobreaker.NewCircuitBreaker[*Job](gobreaker.Settings{
			Name:        "replicate",
			MaxRequests: 1,
			Interval:    60 * time.Second,
			Timeout:     timeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= threshold
			},
			IsSuccessful: countsAsHealthy,
		}),
		limiter: rate.NewLimiter(limit, burst),
	}
}

// WithToken returns a client that authenticates with token and shares the
// connection pool, breaker and pacing of c.
func (c *ReplicateClient) WithToken(token string) *ReplicateClient {
	clone := *c
	clone.token = token
	return &clone
}

type predictionRequest struct {
	Version string         `json:"version,omitempty"`
	Input   map[string]any `json:"input"`
}

type predictionResponse struct {
	ID          string          `json:"id"`
	Status      string          `json:"status"`
	Output      json.RawMessage `json:"output"`
	Error       json.RawMessage `json:"error"`
	CreatedAt   string          `json:"created_at"`
	CompletedAt string          `json:"completed_at"`
}

// Submit creates a prediction.
func (c *ReplicateClient) Submit(ctx context.Context, spec *JobSpec) (*Job, error) {
	endpoint, body, err := submission(spec)
	if err != nil {
		return nil, err
	}
	return c.do(ctx, ErrSubmissionFailed, func(r *resty.Request) (*resty.Response, error) {
		return r.SetBody(body).Post(endpoint)
	})
}

// Get reads a prediction.
func (c *ReplicateClient) Get(ctx context.Context, id string) (*Job, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: empty prediction id", ErrPollFailed)
	}
	return c.do(ctx, ErrPollFailed, func(r *resty.Request) (*resty.Response, error) {
		return r.SetPathParam("id", id).Get("/v1/predictions/{id}")
	})
}

func (c *ReplicateClient) do(ctx context.Context, kind error, send func(*resty.Request) (*resty.Response, error)) (*Job, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%w: %w", kind, err)
	}

	job, err := c.breaker.Execute(func() (*Job, error) {
		res, err := send(c.http.R().SetContext(ctx).SetAuthToken(c.token))
		if err != nil {
			return nil, transportError(kind, err)
		}
		if !res.IsSuccess() {
			return nil, statusError(kind, res)
		}

		var pr predictionResponse
		if err := json.Unmarshal(res.Body(), &pr); err != nil {
			return nil, fmt.Errorf("%w: decode response: %w", kind, err)
		}
		if pr.ID == "" {
			return nil, fmt.Errorf("%w: response missing prediction id", kind)
		}
		return toJob(&pr), nil
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("%w: %w", kind, err)
	}
	return job, err
}

// submission picks the endpoint for spec: versioned predictions go to
// /v1/predictions, official models to /v1/models/{owner}/{name}/predictions.
func submission(spec *JobSpec) (string, predictionRequest, error) {
	body := predictionRequest{Input: spec.Input}
	if body.Input == nil {
		body.Input = map[string]any{}
	}

	model, version, _ := strings.Cut(spec.Model, ":")
	if spec.Version != "" {
		version = spec.Version
	}
	if version != "" {
		body.Version = version
		return "/v1/predictions", body, nil
	}

	owner, name, ok := strings.Cut(model, "/")
	if !ok || owner == "" || name == "" || strings.Contains(name, "/") {
		return "", body, fmt.Errorf("%w: invalid model %q, want owner/name", ErrSubmissionFailed, spec.Model)
	}
	return fmt.Sprintf("/v1/models/%s/%s/predictions", owner, name), body, nil
}

func toJob(pr *predictionResponse) *Job {
	job := &Job{ID: pr.ID}
	if t, err := time.Parse(time.RFC3339Nano, pr.CreatedAt); err == nil {
		job.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, pr.CompletedAt); err == nil {
		job.CompletedAt = &t
	}

	switch pr.Status {
	case replicateStarting:
		job.Status = StatusQueued
	case replicateProcessing:
		job.Status = StatusProcessing
	case replicateSucceeded:
		job.Status = StatusSucceeded
		job.Output = parseOutput(pr.Output)
	case replicateFailed:
		job.Status = StatusFailed
		job.Error = parseError(pr.Error)
	case replicateCanceled:
		job.Status = StatusFailed
		job.Error = "prediction was canceled"
	default:
		job.Status = Status(pr.Status)
	}
	return job
}

// parseOutput accepts a single URL or a list of URLs.
func parseOutput(raw json.RawMessage) []string {
	if len(raw) == 0 {
		return nil
	}
	var single string
	if err := json.Unmarshal(raw, &single); err == nil {
		if single == "" {
			return nil
		}
		return []string{single}
	}
	var items []any
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	return out
}

func parseError(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

func statusError(kind error, res *resty.Response) error {
	body := truncate(res.String())
	if isTransientStatus(res.StatusCode()) || mentionsUnavailable(body) {
		kind = ErrTransientUpstream
	}
	return &UpstreamError{StatusCode: res.StatusCode(), Body: body, kind: kind}
}

func transportError(kind error, err error) error {
	if mentionsUnavailable(err.Error()) {
		return fmt.Errorf("%w: %w", ErrTransientUpstream, err)
	}
	return fmt.Errorf("%w: %w", kind, err)
}

func isTransientStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout,
		529:
		return true
	}
	return false
}

func mentionsUnavailable(s string) bool {
	s = strings.ToLower(s)
	return strings.Contains(s, "overloaded") || strings.Contains(s, "unavailable")
}

// countsAsHealthy keeps caller mistakes such as bad input or a bad token from
// tripping the breaker.
func countsAsHealthy(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return true
	}
	var ue *UpstreamError
	if errors.As(err, &ue) {
		return ue.StatusCode >= 400 && ue.StatusCode < 500 && ue.StatusCode != http.StatusTooManyRequests
	}
	return false
}

func truncate(s string) string {
	if len(s) <= maxErrorBody {
		return s
	}
	cut := maxErrorBody
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}

var _ Client = (*ReplicateClient)(nil)
