package analysis

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/nerveband/content-checkmate-sub000/internal/shared/metrics"
	"github.com/nerveband/content-checkmate-sub000/internal/shared/retry"
	"go.uber.org/zap"
)

// ServiceConfig configures a Service.
type ServiceConfig struct {
	MaxUploadBytes int64
	Retry          retry.Policy
}

// Service runs policy analyses.
type Service struct {
	model   Model
	factory ModelFactory
	prompts *PromptBuilder
	cfg     ServiceConfig
	logger  *zap.Logger
	metrics *metrics.Metrics
	sleep   retry.Sleeper
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithModelFactory enables caller-supplied API keys.
func WithModelFactory(f ModelFactory) ServiceOption {
	return func(s *Service) { s.factory = f }
}

// WithMetrics records analysis outcomes and retries.
func WithMetrics(m *metrics.Metrics) ServiceOption {
	return func(s *Service) { s.metrics = m }
}

// WithSleeper replaces the wait between retries.
func WithSleeper(sl retry.Sleeper) ServiceOption {
	return func(s *Service) { s.sleep = sl }
}

// NewService creates a new analysis service. model may be nil when the
// server has no API key of its own; requests must then bring a key.
func NewService(model Model, prompts *PromptBuilder, cfg ServiceConfig, logger *zap.Logger, opts ...ServiceOption) *Service {
	s := &Service{
		model:   model,
		prompts: prompts,
		cfg:     cfg,
		logger:  logger,
		sleep:   retry.Sleep,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Analyze checks req against the policy guide.
func (s *Service) Analyze(ctx context.Context, req *Request) (*Result, error) {
	start := time.Now()

	res, err := s.analyze(ctx, req)

	s.metrics.RecordAnalysis(analysisResult(res, err), time.Since(start))
	return res, err
}

func (s *Service) analyze(ctx context.Context, req *Request) (*Result, error) {
	if strings.TrimSpace(req.Text) == "" && len(req.Media) == 0 {
		return nil, ErrEmptyRequest
	}
	if s.cfg.MaxUploadBytes > 0 && int64(len(req.Media)) > s.cfg.MaxUploadBytes {
		return nil, fmt.Errorf("%w: %d bytes, limit %d", ErrPayloadTooLarge, len(req.Media), s.cfg.MaxUploadBytes)
	}
	if len(req.Media) > 0 {
		if req.MIMEType == "" || req.MIMEType == "application/octet-stream" {
			req.MIMEType = http.DetectContentType(req.Media)
		}
		if !strings.HasPrefix(req.MIMEType, "image/") && !strings.HasPrefix(req.MIMEType, "video/") {
			return nil, fmt.Errorf("%w: got %s", ErrUnsupportedMedia, req.MIMEType)
		}
	}

	model, err := s.modelFor(ctx, req.APIKey)
	if err != nil {
		return nil, err
	}

	prompt, err := s.prompts.Build(req)
	if err != nil {
		return nil, err
	}

	raw, err := retry.DoValue(ctx, s.cfg.Retry, IsTransient, func(ctx context.Context) (string, error) {
		return model.Generate(ctx, prompt)
	},
		retry.WithSleeper(s.sleep),
		retry.WithOnRetry(func(attempt int, delay time.Duration, err error) {
			s.logger.Warn("retrying model request", zap.Int("attempt", attempt), zap.Duration("delay", delay), zap.Error(err))
			s.metrics.RecordRetry("analyze")
		}),
	)
	if err != nil {
		if IsTransient(err) {
			return nil, fmt.Errorf("%w: %w", ErrModelUnavailable, err)
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", ErrModelFailed, err)
	}

	res, err := Validate(raw)
	if err != nil {
		s.logger.Warn("model response failed validation", zap.Error(err))
		return nil, err
	}
	return res, nil
}

func (s *Service) modelFor(ctx context.Context, apiKey string) (Model, error) {
	if apiKey != "" && s.factory != nil {
		return s.factory(ctx, apiKey)
	}
	if s.model == nil {
		return nil, ErrModelNotConfigured
	}
	return s.model, nil
}

func analysisResult(res *Result, err error) string {
	switch {
	case err == nil && res.Compliant:
		return "compliant"
	case err == nil:
		return "violations"
	case errors.Is(err, ErrInvalidModelResponse):
		return "invalid_response"
	default:
		return "error"
	}
}
