package embedding

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation is returned for empty or blank input. It is never retried.
	ErrValidation = errors.New("validation error")

	// ErrConfiguration is returned at construction when provider credentials are missing.
	ErrConfiguration = errors.New("configuration error")

	ErrDimensionMismatch = errors.New("embedding dimension mismatch")
)

// ProviderError wraps a failed call to the embedding provider.
type ProviderError struct {
	Provider   string
	StatusCode int
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s provider error (status %d): %v", e.Provider, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s provider error: %v", e.Provider, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}
