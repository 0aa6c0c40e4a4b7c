// Package checkmate exposes policy analysis and image fixing over HTTP,
// metered by daily usage quotas.
package checkmate

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/nerveband/content-checkmate-sub000/internal/module/analysis"
	"github.com/nerveband/content-checkmate-sub000/internal/module/remediation"
	"github.com/nerveband/content-checkmate-sub000/internal/module/usage"
	apperrors "github.com/nerveband/content-checkmate-sub000/internal/shared/errors"
	"github.com/nerveband/content-checkmate-sub000/internal/shared/response"
	"go.uber.org/zap"
)

const (
	// multipart framing allowance on top of the media limit.
	formOverhead    = 1 << 20
	multipartMemory = 32 << 20
)

// Analyzer runs policy analyses.
type Analyzer interface {
	Analyze(ctx context.Context, req *analysis.Request) (*analysis.Result, error)
}

// Fixer runs fix jobs.
type Fixer interface {
	Fix(ctx context.Context, req *remediation.FixRequest) (*remediation.FixResult, error)
}

// Meter gates an action on a daily quota.
type Meter interface {
	CheckQuota(ctx context.Context, callerID string) usage.Quota
	RecordUsage(ctx context.Context, callerID string)
}

// Config configures a Handler.
type Config struct {
	// ClientIPHeader is the platform header carrying the client address.
	ClientIPHeader string
	MaxUploadBytes int64
	// MaxImageBytes is the decoded image limit for fixes. The request body
	// may hold it base64 encoded.
	MaxImageBytes int64
}

// Handler handles HTTP requests for analysis and fixes.
type Handler struct {
	analyzer     Analyzer
	fixer        Fixer
	analyzeMeter Meter
	fixMeter     Meter
	cfg          Config
	logger       *zap.Logger
}

// NewHandler creates a new handler.
func NewHandler(analyzer Analyzer, fixer Fixer, analyzeMeter, fixMeter Meter, cfg Config, logger *zap.Logger) *Handler {
	return &Handler{
		analyzer:     analyzer,
		fixer:        fixer,
		analyzeMeter: analyzeMeter,
		fixMeter:     fixMeter,
		cfg:          cfg,
		logger:       logger,
	}
}

// RegisterRoutes registers the checkmate routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/analyze", h.Analyze)
	r.POST("/fix", h.Fix)
	r.GET("/usage", h.Usage)
}

// Analyze checks uploaded media and/or ad text against the policy guide.
func (h *Handler) Analyze(c *gin.Context) {
	req, err := h.bindAnalyzeRequest(c)
	if err != nil {
		h.handleError(c, err)
		return
	}
	req.APIKey = strings.TrimSpace(c.GetHeader(GeminiKeyHeader))

	result, env, ok := metered(c, h, h.analyzeMeter, req.APIKey != "", "analyses", "Gemini API key",
		func(ctx context.Context) (*analysis.Result, error) {
			return h.analyzer.Analyze(ctx, req)
		})
	if !ok {
		return
	}
	c.JSON(http.StatusOK, AnalyzeResponse{Result: result, Usage: env})
}

// Fix asks the image model to fix one violation.
func (h *Handler) Fix(c *gin.Context) {
	if h.cfg.MaxImageBytes > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.cfg.MaxImageBytes*4/3+formOverhead)
	}

	var req remediation.FixRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.handleBindError(c, err)
		return
	}
	req.APIToken = strings.TrimSpace(c.GetHeader(ReplicateTokenHeader))

	result, env, ok := metered(c, h, h.fixMeter, req.APIToken != "", "image fixes", "Replicate API token",
		func(ctx context.Context) (*remediation.FixResult, error) {
			return h.fixer.Fix(ctx, &req)
		})
	if !ok {
		return
	}
	c.JSON(http.StatusOK, FixResponse{Result: result, Usage: env})
}

// Usage returns the caller's remaining quota without consuming any.
func (h *Handler) Usage(c *gin.Context) {
	callerID := usage.ClientIdentity(c.Request, h.cfg.ClientIPHeader)
	ctx := c.Request.Context()

	c.JSON(http.StatusOK, UsageResponse{
		Analyze: h.analyzeMeter.CheckQuota(ctx, callerID),
		Fix:     h.fixMeter.CheckQuota(ctx, callerID),
	})
}

// metered runs action under meter's quota. Usage is charged only when action
// succeeds. A caller with its own credential skips the quota and gets no
// usage envelope. ok is false when a response was already written.
func metered[T any](c *gin.Context, h *Handler, meter Meter, bypass bool, noun, credential string, action func(context.Context) (T, error)) (T, *UsageEnvelope, bool) {
	var zero T
	ctx := c.Request.Context()
	callerID := usage.ClientIdentity(c.Request, h.cfg.ClientIPHeader)

	var quota usage.Quota
	if !bypass {
		quota = meter.CheckQuota(ctx, callerID)
		setRateLimitHeaders(c, quota.CallerLimit, quota.CallerRemaining)
		if !quota.Allowed {
			response.AppError(c, apperrors.RateLimited(limitMessage(quota, noun, credential)).WithDetails(UsageEnvelope{
				Remaining: 0,
				Limit:     quota.CallerLimit,
			}))
			return zero, nil, false
		}
	}

	result, err := action(ctx)
	if err != nil {
		h.handleError(c, err)
		return zero, nil, false
	}

	if bypass {
		return result, nil, true
	}

	// The action already succeeded, so charge it even if the client has gone.
	meter.RecordUsage(context.WithoutCancel(ctx), callerID)
	env := &UsageEnvelope{
		Remaining: max(0, quota.CallerRemaining-1),
		Limit:     quota.CallerLimit,
	}
	setRateLimitHeaders(c, env.Limit, env.Remaining)
	return result, env, true
}

func limitMessage(q usage.Quota, noun, credential string) string {
	if q.CallerRemaining == 0 {
		return fmt.Sprintf("You have used all %d free %s for today. Add your own %s to keep going.", q.CallerLimit, noun, credential)
	}
	return fmt.Sprintf("The shared daily limit for free %s has been reached. Add your own %s to keep going.", noun, credential)
}

func setRateLimitHeaders(c *gin.Context, limit, remaining int) {
	c.Header(rateLimitLimitHeader, strconv.Itoa(limit))
	c.Header(rateLimitRemainingHeader, strconv.Itoa(remaining))
}

func (h *Handler) bindAnalyzeRequest(c *gin.Context) (*analysis.Request, error) {
	if h.cfg.MaxUploadBytes > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.cfg.MaxUploadBytes+formOverhead)
	}

	if !strings.HasPrefix(c.ContentType(), "multipart/") {
		var body AnalyzeJSONRequest
		if err := c.ShouldBindJSON(&body); err != nil {
			var maxBytesErr *http.MaxBytesError
			if errors.As(err, &maxBytesErr) {
				return nil, err
			}
			return nil, apperrors.BadRequest("invalid request body")
		}
		return &analysis.Request{Text: body.Text}, nil
	}

	if err := c.Request.ParseMultipartForm(multipartMemory); err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			return nil, err
		}
		return nil, apperrors.BadRequest("invalid multipart form")
	}

	req := &analysis.Request{Text: c.PostForm("text")}

	header, err := c.FormFile("file")
	switch {
	case errors.Is(err, http.ErrMissingFile):
		return req, nil
	case err != nil:
		return nil, apperrors.BadRequest("invalid file upload")
	}

	data, err := h.readUpload(header)
	if err != nil {
		return nil, err
	}
	req.Media = data
	req.MIMEType = header.Header.Get("Content-Type")
	req.Filename = header.Filename
	return req, nil
}

func (h *Handler) readUpload(header *multipart.FileHeader) ([]byte, error) {
	if h.cfg.MaxUploadBytes > 0 && header.Size > h.cfg.MaxUploadBytes {
		return nil, fmt.Errorf("%w: %d bytes, limit %d", analysis.ErrPayloadTooLarge, header.Size, h.cfg.MaxUploadBytes)
	}
	f, err := header.Open()
	if err != nil {
		return nil, fmt.Errorf("open upload: %w", err)
	}
	defer f.Close()
	return io.ReadAll(f)
}
