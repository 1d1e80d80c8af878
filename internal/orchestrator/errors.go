package orchestrator

import (
	"errors"
	"fmt"
)

// ErrNoRoute means the routing table has no candidates for a task type.
var ErrNoRoute = errors.New("no providers routed for task type")

// AllProvidersFailedError is returned when every candidate in the fallback
// chain failed. It carries the last underlying provider error.
type AllProvidersFailedError struct {
	TaskType string
	Attempts int
	LastErr  error
}

func (e *AllProvidersFailedError) Error() string {
	return fmt.Sprintf("all %d providers failed for task type %q: %v", e.Attempts, e.TaskType, e.LastErr)
}

func (e *AllProvidersFailedError) Unwrap() error { return e.LastErr }
