package workflow

import (
	"errors"
	"fmt"

	"github.com/harun/screencraft/pkg/llm"
)

var (
	// ErrSessionNotFound is returned for unknown or expired sessions.
	ErrSessionNotFound = errors.New("session not found")
	// ErrEmptyInput is returned when the trimmed user input is empty.
	ErrEmptyInput = errors.New("input is empty")
	// ErrInputTooLong is returned when the input exceeds the configured limit.
	ErrInputTooLong = errors.New("input is too long")

	ErrIntentParse       = errors.New("intent parse failed")
	ErrRetrieval         = errors.New("knowledge retrieval failed")
	ErrEditGeneration    = errors.New("image edit failed")
	ErrFeedbackParse     = errors.New("feedback parse failed")
	ErrUpstreamTransient = errors.New("upstream unavailable")
)

// classify tags a collaborator failure with its kind. Transient transport
// failures take precedence over the step-specific kind.
func classify(kind, err error) error {
	if err == nil {
		return nil
	}
	if llm.IsTransient(err) {
		return fmt.Errorf("%w: %w", ErrUpstreamTransient, err)
	}
	return fmt.Errorf("%w: %w", kind, err)
}
