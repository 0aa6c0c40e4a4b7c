// Package analysis checks ad content against an advertising policy guide
// with a hosted multimodal model and validates the model's verdict.
package analysis

import "context"

// Request is one piece of content to check. At least one of Text or Media
// must be set.
type Request struct {
	Text     string
	Media    []byte
	MIMEType string
	Filename string
	// APIKey is a caller-supplied model key. Empty uses the server's key.
	APIKey string
}

// Prompt is the fully assembled model input.
type Prompt struct {
	System   string
	Text     string
	Media    []byte
	MIMEType string
}

// Model generates a raw text completion for a prompt.
type Model interface {
	Generate(ctx context.Context, prompt *Prompt) (string, error)
}

// ModelFactory builds a Model bound to a caller-supplied API key.
type ModelFactory func(ctx context.Context, apiKey string) (Model, error)

// Severity ranks how serious a violation is.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// BoundingBox locates a violation in an image. All values are fractions of
// the image size in [0, 1].
type BoundingBox struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Violation is one policy problem found in the content.
type Violation struct {
	Category        string       `json:"category"`
	Description     string       `json:"description"`
	Severity        Severity     `json:"severity"`
	BoundingBox     *BoundingBox `json:"boundingBox,omitempty"`
	SuggestedEdit   string       `json:"suggestedEdit,omitempty"`
	PolicyReference string       `json:"policyReference,omitempty"`
}

// Result is the validated verdict for a piece of content.
type Result struct {
	Compliant  bool        `json:"compliant"`
	Summary    string      `json:"summary"`
	Violations []Violation `json:"violations"`
}
