package withdrawal

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/bitsacco/bitsacco-sub002/internal/application/dispatcher"
	"github.com/bitsacco/bitsacco-sub002/internal/domain/entity"
	"github.com/bitsacco/bitsacco-sub002/internal/domain/workflow"
)

// DefaultApprovalTimeout is how long a request may wait for an admin decision
const DefaultApprovalTimeout = 48 * time.Hour

// StateChangeHandler is notified after every successful transition.
// Handlers must not call mutators on the same machine synchronously.
type StateChangeHandler func(newState workflow.State, transition entity.WithdrawalTransition)

// CommitHook persists a transition before the machine applies it. An error
// aborts the transition and leaves the machine in its previous state.
// Hooks run under the machine lock and must not call back into it.
type CommitHook func(ctx context.Context, transition entity.WithdrawalTransition) error

// Option configures a Machine
type Option func(*Machine)

// WithApprovalTimeout overrides DefaultApprovalTimeout
func WithApprovalTimeout(d time.Duration) Option {
	return func(m *Machine) {
		if d > 0 {
			m.approvalTimeout = d
		}
	}
}

// WithStateChangeHandler adds a notification sink
func WithStateChangeHandler(h StateChangeHandler) Option {
	return func(m *Machine) {
		if h != nil {
			m.handlers = append(m.handlers, h)
		}
	}
}

// WithCommitHook adds a hook that must succeed for a transition to take effect
func WithCommitHook(h CommitHook) Option {
	return func(m *Machine) {
		if h != nil {
			m.commitHooks = append(m.commitHooks, h)
		}
	}
}

// WithDispatcher publishes withdrawal.state_changed events on every transition
func WithDispatcher(d dispatcher.Dispatcher) Option {
	return func(m *Machine) {
		m.dispatcher = d
	}
}

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) Option {
	return func(m *Machine) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithClock replaces the wall clock, mainly for tests
func WithClock(c Clock) Option {
	return func(m *Machine) {
		if c != nil {
			m.clock = c
		}
	}
}
