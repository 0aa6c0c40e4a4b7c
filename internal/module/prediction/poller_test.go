package prediction

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nerveband/content-checkmate-sub000/internal/shared/metrics"
	"github.com/nerveband/content-checkmate-sub000/internal/shared/retry"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type pollResult struct {
	job *Job
	err error
}

// scriptedClient replays submit errors, then a job, and a fixed sequence of
// poll results. The last poll result repeats once the script runs out.
type scriptedClient struct {
	mu          sync.Mutex
	submitErrs  []error
	submitJob   *Job
	polls       []pollResult
	submitCalls int
	pollCalls   int
	polledIDs   []string
}

func (c *scriptedClient) Submit(_ context.Context, _ *JobSpec) (*Job, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.submitCalls++
	if c.submitCalls <= len(c.submitErrs) {
		return nil, c.submitErrs[c.submitCalls-1]
	}
	if c.submitJob != nil {
		return c.submitJob, nil
	}
	return &Job{ID: "p-1", Status: StatusQueued}, nil
}

func (c *scriptedClient) Get(_ context.Context, id string) (*Job, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pollCalls++
	c.polledIDs = append(c.polledIDs, id)
	i := min(c.pollCalls, len(c.polls)) - 1
	return c.polls[i].job, c.polls[i].err
}

type recordingSleeper struct {
	mu     sync.Mutex
	sleeps []time.Duration
}

func (s *recordingSleeper) Sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sleeps = append(s.sleeps, d)
	return ctx.Err()
}

func processing() pollResult {
	return pollResult{job: &Job{ID: "p-1", Status: StatusProcessing}}
}

func transient() error {
	return &UpstreamError{StatusCode: 503, Body: "overloaded", kind: ErrTransientUpstream}
}

func newTestPoller(client Client, attempts int, opts ...PollerOption) (*Poller, *recordingSleeper) {
	sleeper := &recordingSleeper{}
	cfg := PollerConfig{
		MaxAttempts: attempts,
		Interval:    3 * time.Second,
		Retry:       retry.DefaultPolicy(),
	}
	opts = append([]PollerOption{WithSleeper(sleeper.Sleep)}, opts...)
	return NewPoller(client, cfg, zap.NewNop(), opts...), sleeper
}

func TestSubmitAndAwait_TimeoutAfterExactlyNPolls(t *testing.T) {
	client := &scriptedClient{polls: []pollResult{processing()}}
	p, sleeper := newTestPoller(client, 60)

	_, err := p.SubmitAndAwait(context.Background(), &JobSpec{Model: "owner/model"})

	require.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, 60, client.pollCalls)
	assert.Len(t, sleeper.sleeps, 59)
	for _, d := range sleeper.sleeps {
		assert.Equal(t, 3*time.Second, d)
	}
}

func TestSubmitAndAwait_SucceedsOnThirdPoll(t *testing.T) {
	client := &scriptedClient{polls: []pollResult{
		processing(),
		processing(),
		{job: &Job{ID: "p-1", Status: StatusSucceeded, Output: []string{"https://x/img.png"}}},
		{err: errors.New("polled after terminal status")},
	}}
	p, _ := newTestPoller(client, 60)

	url, err := p.SubmitAndAwait(context.Background(), &JobSpec{Model: "owner/model"})

	require.NoError(t, err)
	assert.Equal(t, "https://x/img.png", url)
	assert.Equal(t, 3, client.pollCalls)
	assert.Equal(t, []string{"p-1", "p-1", "p-1"}, client.polledIDs)
}

func TestSubmitAndAwait_ReturnsFirstOutput(t *testing.T) {
	client := &scriptedClient{polls: []pollResult{
		{job: &Job{ID: "p-1", Status: StatusSucceeded, Output: []string{"https://x/a.png", "https://x/b.png"}}},
	}}
	p, _ := newTestPoller(client, 5)

	url, err := p.SubmitAndAwait(context.Background(), &JobSpec{Model: "owner/model"})
	require.NoError(t, err)
	assert.Equal(t, "https://x/a.png", url)
}

func TestSubmitAndAwait_FailedStopsImmediately(t *testing.T) {
	client := &scriptedClient{polls: []pollResult{
		processing(),
		{job: &Job{ID: "p-1", Status: StatusFailed, Error: "NSFW content detected"}},
		processing(),
	}}
	p, _ := newTestPoller(client, 60)

	_, err := p.SubmitAndAwait(context.Background(), &JobSpec{Model: "owner/model"})

	require.ErrorIs(t, err, ErrJobFailed)
	var jfe *JobFailedError
	require.ErrorAs(t, err, &jfe)
	assert.Equal(t, "NSFW content detected", jfe.Message)
	assert.Equal(t, 2, client.pollCalls)
}

func TestSubmitAndAwait_EmptyOutput(t *testing.T) {
	client := &scriptedClient{polls: []pollResult{
		{job: &Job{ID: "p-1", Status: StatusSucceeded}},
	}}
	p, _ := newTestPoller(client, 5)

	_, err := p.SubmitAndAwait(context.Background(), &JobSpec{Model: "owner/model"})
	assert.ErrorIs(t, err, ErrEmptyOutput)
	assert.Equal(t, 1, client.pollCalls)
}

func TestSubmitAndAwait_UnrecognizedStatus(t *testing.T) {
	client := &scriptedClient{polls: []pollResult{
		{job: &Job{ID: "p-1", Status: Status("paused")}},
	}}
	p, _ := newTestPoller(client, 5)

	_, err := p.SubmitAndAwait(context.Background(), &JobSpec{Model: "owner/model"})
	assert.ErrorIs(t, err, ErrUnrecognizedStatus)
	assert.Contains(t, err.Error(), "paused")
	assert.Equal(t, 1, client.pollCalls)
}

func TestSubmitAndAwait_TerminalOnSubmit(t *testing.T) {
	client := &scriptedClient{
		submitJob: &Job{ID: "p-1", Status: StatusSucceeded, Output: []string{"https://x/img.png"}},
	}
	p, _ := newTestPoller(client, 5)

	url, err := p.SubmitAndAwait(context.Background(), &JobSpec{Model: "owner/model"})
	require.NoError(t, err)
	assert.Equal(t, "https://x/img.png", url)
	assert.Zero(t, client.pollCalls)
}

func TestSubmitAndAwait_TransientSubmitRecovers(t *testing.T) {
	client := &scriptedClient{
		submitErrs: []error{transient(), transient()},
		polls: []pollResult{
			{job: &Job{ID: "p-1", Status: StatusSucceeded, Output: []string{"https://x/img.png"}}},
		},
	}
	p, sleeper := newTestPoller(client, 5)

	url, err := p.SubmitAndAwait(context.Background(), &JobSpec{Model: "owner/model"})

	require.NoError(t, err)
	assert.Equal(t, "https://x/img.png", url)
	assert.Equal(t, 3, client.submitCalls)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, sleeper.sleeps)
}

func TestSubmit_TransientBudgetExhausted(t *testing.T) {
	last := transient()
	client := &scriptedClient{submitErrs: []error{transient(), transient(), transient(), last}}
	p, sleeper := newTestPoller(client, 5)

	_, err := p.Submit(context.Background(), &JobSpec{Model: "owner/model"})

	assert.Same(t, last, err)
	assert.True(t, IsTransient(err))
	assert.Equal(t, 4, client.submitCalls)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}, sleeper.sleeps)
}

func TestSubmit_PermanentErrorNotRetried(t *testing.T) {
	client := &scriptedClient{submitErrs: []error{
		&UpstreamError{StatusCode: 422, Body: "invalid input", kind: ErrSubmissionFailed},
	}}
	p, sleeper := newTestPoller(client, 5)

	_, err := p.SubmitAndAwait(context.Background(), &JobSpec{Model: "owner/model"})

	assert.ErrorIs(t, err, ErrSubmissionFailed)
	assert.Equal(t, 1, client.submitCalls)
	assert.Empty(t, sleeper.sleeps)
	assert.Zero(t, client.pollCalls)
}

func TestPoll_RetriesTransient(t *testing.T) {
	client := &scriptedClient{polls: []pollResult{
		{err: transient()},
		{job: &Job{ID: "p-1", Status: StatusSucceeded, Output: []string{"https://x/img.png"}}},
	}}
	p, _ := newTestPoller(client, 5)

	job, err := p.Poll(context.Background(), "p-1")
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, job.Status)
	assert.Equal(t, 2, client.pollCalls)
}

func TestPoll_PermanentErrorSurfaces(t *testing.T) {
	client := &scriptedClient{polls: []pollResult{
		processing(),
		{err: &UpstreamError{StatusCode: 404, Body: "not found", kind: ErrPollFailed}},
	}}
	p, _ := newTestPoller(client, 5)

	_, err := p.SubmitAndAwait(context.Background(), &JobSpec{Model: "owner/model"})
	assert.ErrorIs(t, err, ErrPollFailed)
	assert.Equal(t, 2, client.pollCalls)
}

func TestSubmitAndAwait_ContextCanceled(t *testing.T) {
	client := &scriptedClient{polls: []pollResult{processing()}}
	p := NewPoller(client, PollerConfig{MaxAttempts: 60, Interval: time.Hour}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := p.SubmitAndAwait(ctx, &JobSpec{Model: "owner/model"})
		done <- err
	}()

	require.Eventually(t, func() bool {
		client.mu.Lock()
		defer client.mu.Unlock()
		return client.pollCalls == 1
	}, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("SubmitAndAwait did not return after cancel")
	}
}

func TestSubmitAndAwait_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New("test", reg)

	client := &scriptedClient{
		submitErrs: []error{transient()},
		polls: []pollResult{
			processing(),
			{job: &Job{ID: "p-1", Status: StatusSucceeded, Output: []string{"https://x/img.png"}}},
		},
	}
	p, _ := newTestPoller(client, 5, WithMetrics(m))

	_, err := p.SubmitAndAwait(context.Background(), &JobSpec{Model: "owner/model"})
	require.NoError(t, err)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.PredictionPollsTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.UpstreamRetriesTotal.WithLabelValues("submit")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PredictionOutcomesTotal.WithLabelValues("succeeded")))
}

func TestStatus(t *testing.T) {
	assert.True(t, StatusSucceeded.IsTerminal())
	assert.True(t, StatusFailed.IsTerminal())
	assert.False(t, StatusQueued.IsTerminal())
	assert.False(t, StatusProcessing.IsTerminal())

	assert.True(t, StatusQueued.IsPending())
	assert.True(t, StatusProcessing.IsPending())
	assert.False(t, Status("paused").IsPending())
	assert.False(t, Status("paused").IsTerminal())
}

func TestOutcome(t *testing.T) {
	assert.Equal(t, "succeeded", outcome(nil))
	assert.Equal(t, "failed", outcome(&JobFailedError{ID: "p"}))
	assert.Equal(t, "timeout", outcome(ErrTimeout))
	assert.Equal(t, "empty_output", outcome(ErrEmptyOutput))
	assert.Equal(t, "unrecognized_status", outcome(ErrUnrecognizedStatus))
	assert.Equal(t, "canceled", outcome(context.Canceled))
	assert.Equal(t, "error", outcome(ErrSubmissionFailed))
}
