package analysis

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrEmptyRequest         = errors.New("text or media is required")
	ErrPayloadTooLarge      = errors.New("media exceeds the upload limit")
	ErrUnsupportedMedia     = errors.New("media must be an image or a video")
	ErrModelNotConfigured   = errors.New("no model API key configured")
	ErrModelUnavailable     = errors.New("model temporarily unavailable")
	ErrModelFailed          = errors.New("model request failed")
	ErrInvalidModelResponse = errors.New("invalid model response")
)

// FieldError describes one field of the model response that failed
// validation.
type FieldError struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

// ValidationError lists every field of a model response that failed
// validation.
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		parts[i] = f.Path + ": " + f.Message
	}
	return fmt.Sprintf("%v: %s", ErrInvalidModelResponse, strings.Join(parts, "; "))
}

func (e *ValidationError) Unwrap() error {
	return ErrInvalidModelResponse
}

func (e *ValidationError) add(path, format string, args ...any) {
	e.Fields = append(e.Fields, FieldError{Path: path, Message: fmt.Sprintf(format, args...)})
}
