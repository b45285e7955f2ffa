package monitor

import (
	"errors"
	"fmt"

	"github.com/bitsacco/bitsacco-sub002/internal/domain/entity"
)

var (
	// ErrNotMonitored is returned when an id is not in the registry
	ErrNotMonitored = errors.New("transaction is not monitored")

	// ErrInvalidTransaction is returned for a nil transaction or one without an id
	ErrInvalidTransaction = errors.New("invalid transaction")

	// ErrClosed is returned after the monitor has been closed
	ErrClosed = errors.New("monitor is closed")

	// ErrPollingTimeout matches every PollingTimeoutError
	ErrPollingTimeout = errors.New("polling timeout")

	// ErrFetchFailed matches every FetchError
	ErrFetchFailed = errors.New("status fetch failed")
)

// PollingTimeoutError reports a transaction abandoned after its poll budget.
// Its outcome is unknown, not failed.
type PollingTimeoutError struct {
	TransactionID string
	Polls         int
	LastStatus    entity.TransactionStatus
}

func (e *PollingTimeoutError) Error() string {
	return fmt.Sprintf("%s: transaction %s still %s after %d polls",
		ErrPollingTimeout, e.TransactionID, e.LastStatus, e.Polls)
}

func (e *PollingTimeoutError) Unwrap() error {
	return ErrPollingTimeout
}

// FetchError reports a transaction abandoned after consecutive fetch failures
type FetchError struct {
	TransactionID string
	Attempts      int
	Err           error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("%s: transaction %s after %d attempts: %v",
		ErrFetchFailed, e.TransactionID, e.Attempts, e.Err)
}

func (e *FetchError) Unwrap() []error {
	return []error{ErrFetchFailed, e.Err}
}
