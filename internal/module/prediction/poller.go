package prediction

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nerveband/content-checkmate-sub000/internal/shared/metrics"
	"github.com/nerveband/content-checkmate-sub000/internal/shared/retry"
	"go.uber.org/zap"
)

// PollerConfig configures a Poller.
type PollerConfig struct {
	// MaxAttempts bounds the number of status reads per job.
	MaxAttempts int
	// Interval is the fixed wait between status reads.
	Interval time.Duration
	// Retry applies to each submission and each status read.
	Retry retry.Policy
}

// DefaultPollerConfig returns the default configuration: 60 reads 3s apart.
func DefaultPollerConfig() PollerConfig {
	return PollerConfig{
		MaxAttempts: 60,
		Interval:    3 * time.Second,
		Retry:       retry.DefaultPolicy(),
	}
}

// PollerOption configures a Poller.
type PollerOption func(*Poller)

// WithSleeper replaces the wait used between polls and between retries.
func WithSleeper(s retry.Sleeper) PollerOption {
	return func(p *Poller) { p.sleep = s }
}

// WithMetrics records polls, retries and outcomes.
func WithMetrics(m *metrics.Metrics) PollerOption {
	return func(p *Poller) { p.metrics = m }
}

// Poller submits jobs and waits for them to reach a terminal state.
type Poller struct {
	client  Client
	cfg     PollerConfig
	logger  *zap.Logger
	metrics *metrics.Metrics
	sleep   retry.Sleeper
}

// NewPoller creates a new poller.
func NewPoller(client Client, cfg PollerConfig, logger *zap.Logger, opts ...PollerOption) *Poller {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultPollerConfig().MaxAttempts
	}
	p := &Poller{
		client: client,
		cfg:    cfg,
		logger: logger,
		sleep:  retry.Sleep,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Submit creates a job, retrying transient failures.
func (p *Poller) Submit(ctx context.Context, spec *JobSpec) (*Job, error) {
	return retry.DoValue(ctx, p.cfg.Retry, IsTransient, func(ctx context.Context) (*Job, error) {
		return p.client.Submit(ctx, spec)
	}, p.retryOptions("submit")...)
}

// Poll reads a job's status once, retrying transient failures.
func (p *Poller) Poll(ctx context.Context, id string) (*Job, error) {
	job, err := retry.DoValue(ctx, p.cfg.Retry, IsTransient, func(ctx context.Context) (*Job, error) {
		return p.client.Get(ctx, id)
	}, p.retryOptions("poll")...)
	p.metrics.RecordPoll()
	return job, err
}

// SubmitAndAwait submits spec and returns the first artifact URL once the job
// succeeds. Status reads stop at the first terminal status or after
// MaxAttempts reads.
func (p *Poller) SubmitAndAwait(ctx context.Context, spec *JobSpec) (string, error) {
	start := time.Now()

	url, err := p.await(ctx, spec)

	p.metrics.RecordPrediction(outcome(err), time.Since(start))
	return url, err
}

func (p *Poller) await(ctx context.Context, spec *JobSpec) (string, error) {
	job, err := p.Submit(ctx, spec)
	if err != nil {
		return "", err
	}
	id := job.ID
	log := p.logger.With(zap.String("prediction_id", id))
	log.Debug("prediction submitted", zap.String("status", string(job.Status)))

	if job.Status.IsTerminal() {
		return resolve(job)
	}

	for attempt := 1; attempt <= p.cfg.MaxAttempts; attempt++ {
		job, err = p.Poll(ctx, id)
		if err != nil {
			return "", err
		}

		if !job.Status.IsPending() {
			log.Debug("prediction finished", zap.String("status", string(job.Status)), zap.Int("polls", attempt))
			return resolve(job)
		}

		if attempt == p.cfg.MaxAttempts {
			break
		}
		if err := p.sleep(ctx, p.cfg.Interval); err != nil {
			return "", err
		}
	}

	log.Warn("prediction timed out", zap.Int("polls", p.cfg.MaxAttempts))
	return "", fmt.Errorf("%w: %s after %d polls", ErrTimeout, id, p.cfg.MaxAttempts)
}

// resolve turns a non-pending job into its artifact URL or error.
func resolve(job *Job) (string, error) {
	switch job.Status {
	case StatusSucceeded:
		if len(job.Output) == 0 || job.Output[0] == "" {
			return "", fmt.Errorf("%w: %s", ErrEmptyOutput, job.ID)
		}
		return job.Output[0], nil
	case StatusFailed:
		return "", &JobFailedError{ID: job.ID, Message: job.Error}
	default:
		return "", fmt.Errorf("%w: %q", ErrUnrecognizedStatus, job.Status)
	}
}

func (p *Poller) retryOptions(op string) []retry.Option {
	return []retry.Option{
		retry.WithSleeper(p.sleep),
		retry.WithOnRetry(func(attempt int, delay time.Duration, err error) {
			p.logger.Warn("retrying transient upstream error",
				zap.String("operation", op),
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay),
				zap.Error(err),
			)
			p.metrics.RecordRetry(op)
		}),
	}
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "succeeded"
	case errors.Is(err, ErrJobFailed):
		return "failed"
	case errors.Is(err, ErrEmptyOutput):
		return "empty_output"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrUnrecognizedStatus):
		return "unrecognized_status"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "error"
	}
}
