package memory

import (
	"errors"
	"fmt"
)

// Predefined errors for common failure scenarios.
var (
	// ErrNotFound indicates that a requested memory record was not found.
	ErrNotFound = errors.New("memory record not found")

	// ErrInvalidRecord indicates a record that violates data invariants.
	ErrInvalidRecord = errors.New("invalid memory record")

	// ErrInvalidConfig indicates that the provided configuration is invalid.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrEmbeddingFailed indicates that embedding generation failed.
	ErrEmbeddingFailed = errors.New("embedding generation failed")

	// ErrLLMFailed indicates that a completion call failed.
	ErrLLMFailed = errors.New("llm operation failed")

	// ErrStorageFailed indicates that a storage operation failed.
	ErrStorageFailed = errors.New("storage operation failed")

	// ErrRateLimited indicates an upstream rate limit that survived retries.
	ErrRateLimited = errors.New("rate limited by upstream provider")
)

// EngineError wraps errors with operation context.
//
// The format is "engram: <Op>: <Err>", mirroring the error surface of the
// storage and provider layers so callers can match with errors.Is/As.
type EngineError struct {
	// Op is the name of the operation that failed.
	Op string

	// Err is the underlying error.
	Err error
}

// Error returns the formatted error message.
func (e *EngineError) Error() string {
	return fmt.Sprintf("engram: %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error for errors.Is/errors.As.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// NewEngineError wraps err with operation context. Returns nil if err is nil
// so it can be used directly on return paths.
func NewEngineError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &EngineError{Op: op, Err: err}
}
