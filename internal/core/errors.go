package core

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownRenderer = errors.New("unknown renderer")
	ErrNoAssignment    = errors.New("renderer has no assignment")
	ErrShuttingDown    = errors.New("controller is shutting down")
)

// PreemptedError reports that an assign call lost to an assignment with a
// higher priority already holding the renderer.
type PreemptedError struct {
	CurrentPriority int
}

func (e *PreemptedError) Error() string {
	return fmt.Sprintf("preempted by assignment with priority %d", e.CurrentPriority)
}
