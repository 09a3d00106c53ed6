// -----------------------------------------------------------------------
// Error Kinds - Sentinel errors shared across the queue and pipelines
// -----------------------------------------------------------------------

package models

import (
	"context"
	"errors"
)

// Error kinds are sentinels wrapped with fmt.Errorf("...: %w", Err...).
// Retry policy keys off the kind, not the message.
var (
	// ErrStore marks a durable-store failure. Retriable.
	ErrStore = errors.New("store failure")

	// ErrInvalidState marks an impossible status transition
	// (e.g. completing a canceled job). Not retriable.
	ErrInvalidState = errors.New("invalid state transition")

	// ErrInvalidBatch marks a structural precondition violation:
	// empty batch, unknown project, missing schema. Not retriable.
	ErrInvalidBatch = errors.New("invalid batch")

	// ErrLLMNetwork marks a transport failure, timeout, 5xx, 408 or 429
	// from the model endpoint. Retriable.
	ErrLLMNetwork = errors.New("llm network failure")

	// ErrLLMClient marks a 4xx response (other than 408/429). Not retriable.
	ErrLLMClient = errors.New("llm client error")

	// ErrParse marks a response that does not match the declared wire
	// format. Not retriable: the same model will produce the same output.
	ErrParse = errors.New("response parse failure")

	// ErrCanceled marks cooperative cancellation.
	ErrCanceled = errors.New("canceled")

	// ErrNotFound marks a missing record. Not retriable.
	ErrNotFound = errors.New("not found")
)

// IsRetriable reports whether a failed job should be scheduled for retry.
func IsRetriable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrStore) || errors.Is(err, ErrLLMNetwork) {
		return true
	}
	return false
}

// IsCanceled reports cooperative cancellation, from either the sentinel or
// a context error surfaced by the HTTP client or pool.
func IsCanceled(err error) bool {
	return errors.Is(err, ErrCanceled) || errors.Is(err, context.Canceled)
}
