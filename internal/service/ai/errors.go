package ai

import (
	"errors"
	"fmt"
)

var (
	// ErrMalformedResponse marks a 200 response whose body has no usable reply.
	ErrMalformedResponse = errors.New("malformed completion response")
	ErrUnexpectedStatus  = errors.New("unexpected completion status")
)

// CompletionError is the only error Service.Complete returns. Status and Body
// are populated when the service answered at all.
type CompletionError struct {
	Status int
	Body   string
	Err    error
}

func (e *CompletionError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("completion failed (status %d): %v", e.Status, e.Err)
	}
	return fmt.Sprintf("completion failed: %v", e.Err)
}

func (e *CompletionError) Unwrap() error {
	return e.Err
}

// AsCompletionError wraps err unless it already is a CompletionError.
func AsCompletionError(err error) *CompletionError {
	if err == nil {
		return nil
	}
	var completionErr *CompletionError
	if errors.As(err, &completionErr) {
		return completionErr
	}
	return &CompletionError{Err: err}
}
