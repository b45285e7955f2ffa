package workflow

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidTransition is returned when a state transition is not allowed
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrInvalidState is returned when a state is not valid
	ErrInvalidState = errors.New("invalid state")

	// ErrGuardFailed is returned when a guard condition fails
	ErrGuardFailed = errors.New("guard condition failed")

	// ErrUnauthorized is returned when the acting user may not perform an action
	ErrUnauthorized = errors.New("unauthorized action")
)

// InvalidTransitionError names the trigger, the current state and the
// states the trigger is permitted from.
type InvalidTransitionError struct {
	Trigger Trigger
	Current State
	Allowed []State
}

func (e *InvalidTransitionError) Error() string {
	if len(e.Allowed) == 0 {
		return fmt.Sprintf("%s: cannot %s from state %s", ErrInvalidTransition, e.Trigger, e.Current)
	}
	allowed := make([]string, len(e.Allowed))
	for i, s := range e.Allowed {
		allowed[i] = s.String()
	}
	return fmt.Sprintf("%s: cannot %s from state %s (requires %s)",
		ErrInvalidTransition, e.Trigger, e.Current, strings.Join(allowed, "|"))
}

func (e *InvalidTransitionError) Unwrap() error {
	return ErrInvalidTransition
}

// UnauthorizedActionError is returned by guards when the actor fails a permission check.
type UnauthorizedActionError struct {
	Trigger Trigger
	Actor   string
	Reason  string
}

func (e *UnauthorizedActionError) Error() string {
	return fmt.Sprintf("%s: %s by %s: %s", ErrUnauthorized, e.Trigger, e.Actor, e.Reason)
}

func (e *UnauthorizedActionError) Unwrap() error {
	return ErrUnauthorized
}
