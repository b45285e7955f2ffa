package withdrawal

import "errors"

var (
	// ErrInvalidActor is returned when an actor id is missing or malformed
	ErrInvalidActor = errors.New("invalid actor")

	// ErrReasonRequired is returned when reject or fail is called without a reason
	ErrReasonRequired = errors.New("reason is required")

	// ErrPaymentMethodRequired is returned when execute is called without a payment method
	ErrPaymentMethodRequired = errors.New("payment method is required")

	// ErrCommitFailed is returned when a commit hook refuses a transition
	ErrCommitFailed = errors.New("transition not committed")

	// ErrInvalidRequest is returned when a machine cannot be constructed from its inputs
	ErrInvalidRequest = errors.New("invalid withdrawal request")
)
