package workflow

import "errors"

// Caller errors. They are returned synchronously and are never retried.
var (
	ErrUnknownStage      = errors.New("unknown stage")
	ErrIllegalTransition = errors.New("illegal transition")
	ErrUnauthorizedActor = errors.New("unauthorized actor")
)

// Lookup and configuration errors.
var (
	ErrWorkflowNotFound = errors.New("workflow not found")
	ErrEntityNotFound   = errors.New("entity not found")
	ErrInvalidWorkflow  = errors.New("invalid workflow")
)

// IsCallerError reports whether err is one of the transition validation
// failures rather than an infrastructure fault.
func IsCallerError(err error) bool {
	return errors.Is(err, ErrUnknownStage) ||
		errors.Is(err, ErrIllegalTransition) ||
		errors.Is(err, ErrUnauthorizedActor)
}
