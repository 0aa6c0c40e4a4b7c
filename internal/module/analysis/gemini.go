package analysis

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/nerveband/content-checkmate-sub000/internal/shared/config"
	"google.golang.org/genai"
)

// GeminiModel implements Model with the Gemini API.
type GeminiModel struct {
	client      *genai.Client
	model       string
	temperature float32
}

// NewGeminiModel creates a Gemini-backed model. apiKey overrides cfg.APIKey
// when set.
func NewGeminiModel(ctx context.Context, cfg config.GeminiConfig, apiKey string, httpClient *http.Client) (*GeminiModel, error) {
	if apiKey == "" {
		apiKey = cfg.APIKey
	}
	if apiKey == "" {
		return nil, ErrModelNotConfigured
	}

	model := cfg.Model
	if model == "" {
		model = "gemini-2.5-flash"
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:     apiKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: httpClient,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}

	return &GeminiModel{
		client:      client,
		model:       model,
		temperature: cfg.Temperature,
	}, nil
}

// NewGeminiFactory returns a ModelFactory building per-key Gemini models.
func NewGeminiFactory(cfg config.GeminiConfig, httpClient *http.Client) ModelFactory {
	return func(ctx context.Context, apiKey string) (Model, error) {
		return NewGeminiModel(ctx, cfg, apiKey, httpClient)
	}
}

// Generate sends prompt to Gemini and returns the JSON completion text.
func (m *GeminiModel) Generate(ctx context.Context, prompt *Prompt) (string, error) {
	parts := make([]*genai.Part, 0, 2)
	if len(prompt.Media) > 0 {
		parts = append(parts, genai.NewPartFromBytes(prompt.Media, prompt.MIMEType))
	}
	parts = append(parts, genai.NewPartFromText(prompt.Text))

	temperature := m.temperature
	resp, err := m.client.Models.GenerateContent(ctx,
		m.model,
		[]*genai.Content{genai.NewContentFromParts(parts, genai.RoleUser)},
		&genai.GenerateContentConfig{
			SystemInstruction: genai.NewContentFromText(prompt.System, genai.RoleUser),
			Temperature:       &temperature,
			ResponseMIMEType:  "application/json",
		},
	)
	if err != nil {
		return "", fmt.Errorf("GenAI generate failed: %w", err)
	}

	text := resp.Text()
	if strings.TrimSpace(text) == "" {
		return "", fmt.Errorf("GenAI returned no text")
	}
	return text, nil
}

// Name returns the model name.
func (m *GeminiModel) Name() string {
	return fmt.Sprintf("genai:%s", m.model)
}

// IsTransient reports whether a model error is an overload or availability
// condition worth retrying.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return transientAPIError(apiErr)
	}
	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) && apiErrPtr != nil {
		return transientAPIError(*apiErrPtr)
	}
	return strings.Contains(strings.ToLower(err.Error()), "overloaded")
}

func transientAPIError(e genai.APIError) bool {
	switch e.Code {
	case http.StatusTooManyRequests, http.StatusInternalServerError, http.StatusServiceUnavailable:
		return true
	}
	switch e.Status {
	case "UNAVAILABLE", "RESOURCE_EXHAUSTED":
		return true
	}
	return strings.Contains(strings.ToLower(e.Message), "overloaded")
}

var _ Model = (*GeminiModel)(nil)
