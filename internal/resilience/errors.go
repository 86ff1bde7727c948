package resilience

import (
	"errors"
	"fmt"
	"time"
)

// CallError is a terminal call failure annotated with its category and the
// number of attempts made.
type CallError struct {
	Category Category
	Attempts int
	Err      error
}

func (e *CallError) Error() string {
	return fmt.Sprintf("%s failure after %d attempt(s): %v", e.Category, e.Attempts, e.Err)
}

func (e *CallError) Unwrap() error {
	return e.Err
}

// CategoryOf returns the category carried by err, classifying it if needed.
func CategoryOf(err error) Category {
	var callErr *CallError
	if errors.As(err, &callErr) {
		return callErr.Category
	}
	return Classify(err)
}

// RetryAttempt describes the state of one call-with-retry invocation.
type RetryAttempt struct {
	Number    int // 1-based
	Max       int
	BaseDelay time.Duration
	LastError error
}
