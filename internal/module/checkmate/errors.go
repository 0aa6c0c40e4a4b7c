package checkmate

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/nerveband/content-checkmate-sub000/internal/module/analysis"
	"github.com/nerveband/content-checkmate-sub000/internal/module/prediction"
	"github.com/nerveband/content-checkmate-sub000/internal/module/remediation"
	apperrors "github.com/nerveband/content-checkmate-sub000/internal/shared/errors"
	"github.com/nerveband/content-checkmate-sub000/internal/shared/middleware"
	"github.com/nerveband/content-checkmate-sub000/internal/shared/response"
	"go.uber.org/zap"
)

var errorMappings = []response.ErrorMapping{
	// Request problems
	{Err: analysis.ErrEmptyRequest, Status: http.StatusUnprocessableEntity, Code: "VALIDATION_ERROR"},
	{Err: remediation.ErrInvalidRequest, Status: http.StatusUnprocessableEntity, Code: "VALIDATION_ERROR"},
	{Err: analysis.ErrPayloadTooLarge, Status: http.StatusRequestEntityTooLarge, Code: "PAYLOAD_TOO_LARGE"},
	{Err: remediation.ErrPayloadTooLarge, Status: http.StatusRequestEntityTooLarge, Code: "PAYLOAD_TOO_LARGE"},
	{Err: analysis.ErrUnsupportedMedia, Status: http.StatusUnsupportedMediaType, Code: "UNSUPPORTED_MEDIA_TYPE"},

	// Missing server credentials
	{Err: analysis.ErrModelNotConfigured, Status: http.StatusServiceUnavailable, Code: "NOT_CONFIGURED",
		Message: "analysis is not configured on this server; supply your own Gemini API key"},
	{Err: remediation.ErrNotConfigured, Status: http.StatusServiceUnavailable, Code: "NOT_CONFIGURED",
		Message: "image fixing is not configured on this server; supply your own Replicate API token"},

	// Image generation jobs
	{Err: prediction.ErrTransientUpstream, Status: http.StatusServiceUnavailable, Code: "UPSTREAM_UNAVAILABLE",
		Message: "image generation service is overloaded, try again shortly"},
	{Err: prediction.ErrSubmissionFailed, Status: http.StatusBadGateway, Code: "SUBMISSION_FAILED",
		Message: "failed to submit image generation job"},
	{Err: prediction.ErrPollFailed, Status: http.StatusBadGateway, Code: "POLL_FAILED",
		Message: "failed to read image generation job status"},
	{Err: prediction.ErrJobFailed, Status: http.StatusBadGateway, Code: "JOB_FAILED"},
	{Err: prediction.ErrEmptyOutput, Status: http.StatusBadGateway, Code: "EMPTY_OUTPUT",
		Message: "image generation finished without an image"},
	{Err: prediction.ErrUnrecognizedStatus, Status: http.StatusBadGateway, Code: "UNRECOGNIZED_STATUS"},
	{Err: prediction.ErrTimeout, Status: http.StatusGatewayTimeout, Code: "UPSTREAM_TIMEOUT",
		Message: "image generation did not finish in time"},

	// Policy analysis
	{Err: analysis.ErrModelUnavailable, Status: http.StatusServiceUnavailable, Code: "UPSTREAM_UNAVAILABLE",
		Message: "analysis model is overloaded, try again shortly"},
	{Err: analysis.ErrModelFailed, Status: http.StatusBadGateway, Code: "ANALYSIS_FAILED",
		Message: "analysis model request failed"},

	{Err: context.DeadlineExceeded, Status: http.StatusGatewayTimeout, Code: "UPSTREAM_TIMEOUT",
		Message: "request timed out"},
}

// statusClientClosedRequest is recorded when the client went away before a
// response could be written.
const statusClientClosedRequest = 499

// handleError writes the error response for err.
func (h *Handler) handleError(c *gin.Context, err error) {
	if errors.Is(err, context.Canceled) && c.Request.Context().Err() != nil {
		h.logger.Debug("client went away",
			zap.String("path", c.FullPath()),
			zap.String("request_id", middleware.GetRequestID(c)),
		)
		c.AbortWithStatus(statusClientClosedRequest)
		return
	}

	var verr *analysis.ValidationError
	if errors.As(err, &verr) {
		response.AppError(c, apperrors.Upstream(
			"INVALID_MODEL_RESPONSE",
			"analysis model returned an invalid response",
			http.StatusBadGateway,
			err,
		).WithDetails(verr.Fields))
		return
	}

	var maxBytesErr *http.MaxBytesError
	if errors.As(err, &maxBytesErr) {
		response.AppError(c, apperrors.PayloadTooLarge("request body too large"))
		return
	}

	response.HandleErrorWithDefault(c, err, errorMappings)

	status := c.Writer.Status()
	fields := []zap.Field{
		zap.String("path", c.FullPath()),
		zap.String("request_id", middleware.GetRequestID(c)),
		zap.Int("status", status),
		zap.Error(err),
	}
	if status == http.StatusInternalServerError {
		h.logger.Error("unhandled error", fields...)
		return
	}
	h.logger.Warn("request failed", fields...)
}

// handleBindError writes the response for a request body that could not be
// decoded.
func (h *Handler) handleBindError(c *gin.Context, err error) {
	var maxBytesErr *http.MaxBytesError
	if errors.As(err, &maxBytesErr) {
		h.handleError(c, err)
		return
	}
	response.BadRequest(c, "invalid request body")
}
