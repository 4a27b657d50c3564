package guard

import "fmt"

// AuthorizationDeniedError is the normal-outcome denial: some guard said no.
// Cause carries the typed shortfall when the denying guard supplied one.
type AuthorizationDeniedError struct {
	Reason string
	Cause  error
}

func (e *AuthorizationDeniedError) Error() string {
	return fmt.Sprintf("authorization denied: %s", e.Reason)
}

func (e *AuthorizationDeniedError) Unwrap() error { return e.Cause }

// CommandExecutionError reports which deferred command failed during
// interpretation. The decision is not committed.
type CommandExecutionError struct {
	Index int
	Kind  string
	Cause error
}

func (e *CommandExecutionError) Error() string {
	return fmt.Sprintf("command %d (%s) failed: %v", e.Index, e.Kind, e.Cause)
}

func (e *CommandExecutionError) Unwrap() error { return e.Cause }
