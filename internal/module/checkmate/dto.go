package checkmate

import (
	"github.com/nerveband/content-checkmate-sub000/internal/module/analysis"
	"github.com/nerveband/content-checkmate-sub000/internal/module/remediation"
	"github.com/nerveband/content-checkmate-sub000/internal/module/usage"
)

// Credential headers. A request carrying its own credential bypasses the
// shared daily quota.
const (
	GeminiKeyHeader      = "X-Gemini-Api-Key"
	ReplicateTokenHeader = "X-Replicate-Api-Token"

	rateLimitLimitHeader     = "X-RateLimit-Limit"
	rateLimitRemainingHeader = "X-RateLimit-Remaining"
)

// AnalyzeJSONRequest is the JSON form of an analyze request.
type AnalyzeJSONRequest struct {
	Text string `json:"text"`
}

// UsageEnvelope reports the caller's quota after a metered call.
type UsageEnvelope struct {
	Remaining int `json:"remaining"`
	Limit     int `json:"limit"`
}

// AnalyzeResponse is the response of POST /analyze.
type AnalyzeResponse struct {
	Result *analysis.Result `json:"result"`
	Usage  *UsageEnvelope   `json:"usage,omitempty"`
}

// FixResponse is the response of POST /fix.
type FixResponse struct {
	Result *remediation.FixResult `json:"result"`
	Usage  *UsageEnvelope         `json:"usage,omitempty"`
}

// UsageResponse is the response of GET /usage.
type UsageResponse struct {
	Analyze usage.Quota `json:"analyze"`
	Fix     usage.Quota `json:"fix"`
}
