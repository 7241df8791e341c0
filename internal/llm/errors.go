package llm

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorPrefix marks a gateway response that carries an error instead of generated text
const ErrorPrefix = "[ERROR]"

var (
	// ErrModelNotConfigured indicates a model reference that no configured model satisfies
	ErrModelNotConfigured = errors.New("model not configured")
	// ErrUnknownModel indicates the provider rejected the model name
	ErrUnknownModel = errors.New("unknown model")
	// ErrEmptyResponse indicates the provider returned no text
	ErrEmptyResponse = errors.New("empty response")
	// ErrErrorResponse indicates a response tagged with ErrorPrefix
	ErrErrorResponse = errors.New("gateway returned error response")
)

// ModelError wraps a model resolution failure with the offending reference
type ModelError struct {
	Ref string
	Err error
}

func (e *ModelError) Error() string {
	return fmt.Sprintf("model %q: %v", e.Ref, e.Err)
}

func (e *ModelError) Unwrap() error {
	return e.Err
}

// IsConfigurationError reports whether err stems from model configuration rather than a transient fault.
func IsConfigurationError(err error) bool {
	return errors.Is(err, ErrModelNotConfigured) || errors.Is(err, ErrUnknownModel)
}

// IsErrorResponse reports whether a response text is tagged with ErrorPrefix.
func IsErrorResponse(text string) bool {
	return strings.HasPrefix(strings.TrimSpace(text), ErrorPrefix)
}

// ResponseError converts an error-tagged response into an error carrying the message after the prefix.
func ResponseError(text string) error {
	msg := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(text), ErrorPrefix))
	if msg == "" {
		return ErrErrorResponse
	}
	return fmt.Errorf("%w: %s", ErrErrorResponse, msg)
}
