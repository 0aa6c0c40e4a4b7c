// Package remediation asks an image editing model to fix a reported policy
// violation in an ad image.
package remediation

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/nerveband/content-checkmate-sub000/internal/module/analysis"
	"github.com/nerveband/content-checkmate-sub000/internal/module/artifact"
	"github.com/nerveband/content-checkmate-sub000/internal/module/prediction"
	"go.uber.org/zap"
)

var (
	ErrInvalidRequest  = errors.New("invalid fix request")
	ErrPayloadTooLarge = errors.New("image exceeds the size limit")
	ErrNotConfigured   = errors.New("no image model API token configured")
)

// ViolationRef identifies the problem to fix.
type ViolationRef struct {
	Description string                `json:"description"`
	BoundingBox *analysis.BoundingBox `json:"boundingBox,omitempty"`
}

// FixRequest asks for one violation to be fixed.
type FixRequest struct {
	// Image is an http(s) URL or a base64 data URI.
	Image        string       `json:"image"`
	Violation    ViolationRef `json:"violation"`
	Instructions string       `json:"instructions,omitempty"`
	// APIToken is a caller-supplied model token. Empty uses the server's.
	APIToken string `json:"-"`
}

// FixResult is the edited image.
type FixResult struct {
	ImageURL  string `json:"imageUrl"`
	SourceURL string `json:"sourceUrl"`
	Model     string `json:"model"`
}

// Awaiter runs a job to completion.
type Awaiter interface {
	SubmitAndAwait(ctx context.Context, spec *prediction.JobSpec) (string, error)
}

// AwaiterFactory builds an Awaiter bound to a caller-supplied token.
type AwaiterFactory func(token string) Awaiter

// Config configures a Service.
type Config struct {
	Model   string
	Version string
	// ImageInputField is the model input that receives the source image.
	ImageInputField string
	MaxImageBytes   int64
}

// Service runs fix jobs.
type Service struct {
	awaiter Awaiter
	factory AwaiterFactory
	mirror  artifact.Mirror
	cfg     Config
	logger  *zap.Logger
}

// NewService creates a new remediation service. awaiter may be nil when the
// server has no token of its own.
func NewService(awaiter Awaiter, factory AwaiterFactory, mirror artifact.Mirror, cfg Config, logger *zap.Logger) *Service {
	if mirror == nil {
		mirror = artifact.PassThrough{}
	}
	if cfg.ImageInputField == "" {
		cfg.ImageInputField = "input_image"
	}
	return &Service{
		awaiter: awaiter,
		factory: factory,
		mirror:  mirror,
		cfg:     cfg,
		logger:  logger,
	}
}

// Fix edits the image to remove the violation.
func (s *Service) Fix(ctx context.Context, req *FixRequest) (*FixResult, error) {
	if err := s.validate(req); err != nil {
		return nil, err
	}

	awaiter, err := s.awaiterFor(req.APIToken)
	if err != nil {
		return nil, err
	}

	input := map[string]any{
		"prompt":        BuildPrompt(req),
		"output_format": "png",
	}
	input[s.cfg.ImageInputField] = req.Image

	spec := &prediction.JobSpec{
		Model:   s.cfg.Model,
		Version: s.cfg.Version,
		Input:   input,
	}

	sourceURL, err := awaiter.SubmitAndAwait(ctx, spec)
	if err != nil {
		return nil, err
	}

	imageURL, err := s.mirror.Mirror(ctx, sourceURL)
	if err != nil {
		s.logger.Warn("failed to mirror fixed image, returning upstream URL", zap.Error(err))
		imageURL = sourceURL
	}

	return &FixResult{
		ImageURL:  imageURL,
		SourceURL: sourceURL,
		Model:     s.cfg.Model,
	}, nil
}

func (s *Service) awaiterFor(token string) (Awaiter, error) {
	if token != "" && s.factory != nil {
		return s.factory(token), nil
	}
	if s.awaiter == nil {
		return nil, ErrNotConfigured
	}
	return s.awaiter, nil
}

func (s *Service) validate(req *FixRequest) error {
	if strings.TrimSpace(req.Violation.Description) == "" {
		return fmt.Errorf("%w: violation description is required", ErrInvalidRequest)
	}
	if req.Image == "" {
		return fmt.Errorf("%w: image is required", ErrInvalidRequest)
	}
	if box := req.Violation.BoundingBox; box != nil {
		if box.X < 0 || box.Y < 0 || box.Width <= 0 || box.Height <= 0 || box.X+box.Width > 1.0001 || box.Y+box.Height > 1.0001 {
			return fmt.Errorf("%w: bounding box must lie within the unit square", ErrInvalidRequest)
		}
	}

	if strings.HasPrefix(req.Image, "data:") {
		size, err := dataURISize(req.Image)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
		if s.cfg.MaxImageBytes > 0 && size > s.cfg.MaxImageBytes {
			return fmt.Errorf("%w: %d bytes, limit %d", ErrPayloadTooLarge, size, s.cfg.MaxImageBytes)
		}
		return nil
	}

	u, err := url.Parse(req.Image)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: image must be an http(s) URL or a data URI", ErrInvalidRequest)
	}
	return nil
}

// dataURISize returns the decoded size of a base64 image data URI.
func dataURISize(uri string) (int64, error) {
	header, payload, ok := strings.Cut(strings.TrimPrefix(uri, "data:"), ",")
	if !ok {
		return 0, errors.New("malformed data URI")
	}
	if !strings.HasPrefix(header, "image/") {
		return 0, errors.New("data URI must contain an image")
	}
	if !strings.HasSuffix(header, ";base64") {
		return 0, errors.New("data URI must be base64 encoded")
	}
	n, err := base64.StdEncoding.Decode(make([]byte, base64.StdEncoding.DecodedLen(len(payload))), []byte(payload))
	if err != nil {
		return 0, fmt.Errorf("invalid base64 payload: %w", err)
	}
	return int64(n), nil
}

// BuildPrompt renders the edit instruction for the image model.
func BuildPrompt(req *FixRequest) string {
	var b strings.Builder
	b.WriteString("Edit this ad image to resolve an advertising policy violation: ")
	b.WriteString(strings.TrimSpace(req.Violation.Description))
	b.WriteString(".")

	if box := req.Violation.BoundingBox; box != nil {
		fmt.Fprintf(&b, " Only change the region starting %.0f%% from the left and %.0f%% from the top, %.0f%% wide and %.0f%% tall.",
			box.X*100, box.Y*100, box.Width*100, box.Height*100)
	}
	if instr := strings.TrimSpace(req.Instructions); instr != "" {
		b.WriteString(" ")
		b.WriteString(instr)
	}
	b.WriteString(" Keep everything else in the image unchanged.")
	return b.String()
}
