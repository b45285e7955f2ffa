package withdrawal

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bitsacco/bitsacco-sub002/internal/application/dispatcher"
	"github.com/bitsacco/bitsacco-sub002/internal/domain/entity"
	"github.com/bitsacco/bitsacco-sub002/internal/domain/event"
	"github.com/bitsacco/bitsacco-sub002/internal/domain/workflow"
)

func testAmount(t *testing.T) entity.Money {
	t.Helper()
	m, err := entity.NewMoney("2500", "KES")
	require.NoError(t, err)
	return m
}

func newTestMachine(t *testing.T, clock *fakeClock, opts ...Option) *Machine {
	t.Helper()
	opts = append([]Option{WithClock(clock)}, opts...)
	m, err := New("t1", "c1", "m1", testAmount(t), opts...)
	require.NoError(t, err)
	t.Cleanup(m.Close)
	return m
}

func machineIn(t *testing.T, state workflow.State) *Machine {
	t.Helper()
	m, err := Restore(entity.Withdrawal{
		TransactionID: "t1",
		ChamaID:       "c1",
		MemberID:      "m1",
		Amount:        testAmount(t),
		State:         state,
		CreatedAt:     time.Now().UTC(),
	}, nil, WithClock(newFakeClock()))
	require.NoError(t, err)
	t.Cleanup(m.Close)
	return m
}

// invoke performs action with an actor that satisfies its guard, so only
// the source-state check can reject it.
func invoke(ctx context.Context, m *Machine, action workflow.Trigger) error {
	switch action {
	case workflow.TriggerRequest:
		return m.Request(ctx, "m1")
	case workflow.TriggerApprove:
		return m.Approve(ctx, "a1", "ok")
	case workflow.TriggerReject:
		return m.Reject(ctx, "a1", "no funds")
	case workflow.TriggerExecute:
		return m.Execute(ctx, "m1", "mpesa")
	case workflow.TriggerComplete:
		return m.Complete(ctx)
	case workflow.TriggerFail:
		return m.Fail(ctx, "a1", "gateway down")
	case workflow.TriggerCancel:
		return m.Cancel(ctx, "m1", "changed my mind")
	}
	panic("unknown action " + action)
}

func TestNew_Validation(t *testing.T) {
	amount := testAmount(t)

	tests := []struct {
		name   string
		tx     string
		chama  string
		member string
		amount entity.Money
	}{
		{"missing transaction", "", "c1", "m1", amount},
		{"malformed chama", "t1", "c 1", "m1", amount},
		{"missing member", "t1", "c1", "", amount},
		{"zero amount", "t1", "c1", "m1", entity.Money{Currency: "KES"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.tx, tt.chama, tt.member, tt.amount)
			assert.ErrorIs(t, err, ErrInvalidRequest)
		})
	}
}

func TestMachine_InitialState(t *testing.T) {
	m := newTestMachine(t, newFakeClock())

	assert.Equal(t, workflow.StateRequested, m.State())
	assert.True(t, m.IsActive())
	assert.False(t, m.IsFinal())
	assert.Empty(t, m.Transitions())
	assert.Equal(t, "t1", m.TransactionID())
	assert.Equal(t, "c1", m.ChamaID())
	assert.Equal(t, "m1", m.MemberID())
}

func TestMachine_TransitionLegality(t *testing.T) {
	legal := map[workflow.State]map[workflow.Trigger]bool{
		workflow.StateRequested:       {workflow.TriggerRequest: true, workflow.TriggerCancel: true},
		workflow.StatePendingApproval: {workflow.TriggerApprove: true, workflow.TriggerReject: true, workflow.TriggerFail: true, workflow.TriggerCancel: true},
		workflow.StateApproved:        {workflow.TriggerExecute: true, workflow.TriggerFail: true, workflow.TriggerCancel: true},
		workflow.StateExecuting:       {workflow.TriggerComplete: true, workflow.TriggerFail: true},
	}
	actions := []workflow.Trigger{
		workflow.TriggerRequest, workflow.TriggerApprove, workflow.TriggerReject,
		workflow.TriggerExecute, workflow.TriggerComplete, workflow.TriggerFail, workflow.TriggerCancel,
	}

	for _, state := range workflow.AllStates() {
		for _, action := range actions {
			if legal[state][action] {
				continue
			}
			t.Run(state.String()+"/"+action.String(), func(t *testing.T) {
				m := machineIn(t, state)

				err := invoke(context.Background(), m, action)

				var ite *workflow.InvalidTransitionError
				require.ErrorAs(t, err, &ite)
				assert.Equal(t, state, ite.Current)
				assert.NotEmpty(t, ite.Allowed)
				assert.Equal(t, state, m.State())
				assert.Empty(t, m.Transitions())
			})
		}
	}
}

func TestMachine_LegalTransitions(t *testing.T) {
	tests := []struct {
		from   workflow.State
		action workflow.Trigger
		to     workflow.State
	}{
		{workflow.StateRequested, workflow.TriggerRequest, workflow.StatePendingApproval},
		{workflow.StateRequested, workflow.TriggerCancel, workflow.StateRejected},
		{workflow.StatePendingApproval, workflow.TriggerApprove, workflow.StateApproved},
		{workflow.StatePendingApproval, workflow.TriggerReject, workflow.StateRejected},
		{workflow.StatePendingApproval, workflow.TriggerFail, workflow.StateFailed},
		{workflow.StatePendingApproval, workflow.TriggerCancel, workflow.StateRejected},
		{workflow.StateApproved, workflow.TriggerExecute, workflow.StateExecuting},
		{workflow.StateApproved, workflow.TriggerFail, workflow.StateFailed},
		{workflow.StateApproved, workflow.TriggerCancel, workflow.StateRejected},
		{workflow.StateExecuting, workflow.TriggerComplete, workflow.StateCompleted},
		{workflow.StateExecuting, workflow.TriggerFail, workflow.StateFailed},
	}

	for _, tt := range tests {
		t.Run(tt.from.String()+"/"+tt.action.String(), func(t *testing.T) {
			m := machineIn(t, tt.from)

			require.NoError(t, invoke(context.Background(), m, tt.action))

			assert.Equal(t, tt.to, m.State())
			trs := m.Transitions()
			require.Len(t, trs, 1)
			assert.Equal(t, tt.from, trs[0].From)
			assert.Equal(t, tt.to, trs[0].To)
			assert.Equal(t, tt.action.String(), trs[0].Action)
		})
	}
}

func TestMachine_SelfApprovalGuard(t *testing.T) {
	ctx := context.Background()
	m := newTestMachine(t, newFakeClock())
	require.NoError(t, m.Request(ctx, "m1"))

	err := m.Approve(ctx, "m1", "")
	var uae *workflow.UnauthorizedActionError
	require.ErrorAs(t, err, &uae)
	assert.Equal(t, "m1", uae.Actor)
	assert.ErrorIs(t, err, workflow.ErrUnauthorized)
	assert.Equal(t, workflow.StatePendingApproval, m.State())
	assert.Len(t, m.Transitions(), 1)

	assert.ErrorIs(t, m.Reject(ctx, "m1", "nope"), workflow.ErrUnauthorized)

	require.NoError(t, m.Approve(ctx, "u2", ""))
	assert.Equal(t, workflow.StateApproved, m.State())
}

func TestMachine_MemberOnlyActions(t *testing.T) {
	ctx := context.Background()

	t.Run("execute by someone else", func(t *testing.T) {
		m := machineIn(t, workflow.StateApproved)
		assert.ErrorIs(t, m.Execute(ctx, "a1", "mpesa"), workflow.ErrUnauthorized)
		assert.Equal(t, workflow.StateApproved, m.State())
	})

	t.Run("cancel by someone else", func(t *testing.T) {
		m := machineIn(t, workflow.StatePendingApproval)
		assert.ErrorIs(t, m.Cancel(ctx, "a1", ""), workflow.ErrUnauthorized)
		assert.Equal(t, workflow.StatePendingApproval, m.State())
	})

	t.Run("cancel while executing", func(t *testing.T) {
		m := machineIn(t, workflow.StateExecuting)
		assert.ErrorIs(t, m.Cancel(ctx, "m1", ""), workflow.ErrInvalidTransition)
		assert.False(t, m.CanUserCancel("m1"))
	})
}

func TestMachine_ActorValidation(t *testing.T) {
	ctx := context.Background()
	m := newTestMachine(t, newFakeClock())

	for _, actor := range []string{"", " ", "bad actor", "-x"} {
		assert.ErrorIs(t, m.Request(ctx, actor), ErrInvalidActor, "actor %q", actor)
	}
	assert.Equal(t, workflow.StateRequested, m.State())
	assert.Empty(t, m.Transitions())
}

func TestMachine_ArgumentValidation(t *testing.T) {
	ctx := context.Background()

	m := machineIn(t, workflow.StatePendingApproval)
	assert.ErrorIs(t, m.Reject(ctx, "a1", "  "), ErrReasonRequired)
	assert.ErrorIs(t, m.Fail(ctx, "a1", ""), ErrReasonRequired)

	approved := machineIn(t, workflow.StateApproved)
	assert.ErrorIs(t, approved.Execute(ctx, "m1", ""), ErrPaymentMethodRequired)
	assert.Empty(t, approved.Transitions())
}

func TestMachine_TerminalImmutability(t *testing.T) {
	for _, state := range []workflow.State{
		workflow.StateCompleted, workflow.StateFailed, workflow.StateRejected, workflow.StateExpired,
	} {
		t.Run(state.String(), func(t *testing.T) {
			m := machineIn(t, state)
			assert.False(t, m.IsActive())
			assert.True(t, m.IsFinal())
			assert.Empty(t, m.PermittedActions())

			for _, action := range []workflow.Trigger{
				workflow.TriggerRequest, workflow.TriggerApprove, workflow.TriggerReject,
				workflow.TriggerExecute, workflow.TriggerComplete, workflow.TriggerFail, workflow.TriggerCancel,
			} {
				assert.ErrorIs(t, invoke(context.Background(), m, action), workflow.ErrInvalidTransition)
			}
			assert.Empty(t, m.Transitions())
		})
	}
}

func TestMachine_AuditMonotonicity(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	m := newTestMachine(t, clock)

	steps := []func() error{
		func() error { return m.Request(ctx, "m1") },
		func() error { return m.Approve(ctx, "a1", "ok") },
		func() error { return m.Execute(ctx, "m1", "mpesa") },
		func() error { return m.Complete(ctx) },
	}

	var previous []entity.WithdrawalTransition
	for i, step := range steps {
		clock.Advance(time.Minute)
		require.NoError(t, step())

		current := m.Transitions()
		require.Len(t, current, i+1)
		if i > 0 {
			assert.Equal(t, previous, current[:i], "earlier entries must not change")
		}
		assert.Equal(t, i+1, current[i].Sequence)
		assert.NotEmpty(t, current[i].ID)
		previous = current
	}

	// Returned slices are copies.
	previous[0].Comment = "tampered"
	assert.NotEqual(t, "tampered", m.Transitions()[0].Comment)
}

func TestMachine_EndToEnd(t *testing.T) {
	ctx := context.Background()
	m := newTestMachine(t, newFakeClock())

	require.NoError(t, m.Request(ctx, "m1"))
	assert.Equal(t, workflow.StatePendingApproval, m.State())
	assert.True(t, m.RequiresApproval())
	assert.True(t, m.CanUserApprove("a1"))
	assert.False(t, m.CanUserApprove("m1"))

	require.NoError(t, m.Approve(ctx, "a1", "ok"))
	assert.Equal(t, workflow.StateApproved, m.State())
	assert.True(t, m.CanExecute())
	assert.True(t, m.CanUserExecute("m1"))
	assert.False(t, m.CanUserExecute("a1"))

	require.NoError(t, m.Execute(ctx, "m1", "mpesa"))
	assert.Equal(t, workflow.StateExecuting, m.State())
	assert.False(t, m.CanUserCancel("m1"))

	require.NoError(t, m.Complete(ctx))
	assert.Equal(t, workflow.StateCompleted, m.State())
	assert.True(t, m.IsFinal())

	assert.ErrorIs(t, m.Cancel(ctx, "m1", ""), workflow.ErrInvalidTransition)

	trs := m.Transitions()
	require.Len(t, trs, 4)
	assert.Equal(t, "ok", trs[1].Comment)
	assert.Equal(t, "mpesa", trs[2].Comment)
	assert.Equal(t, SystemActor, trs[3].ActorUserID)

	snap := m.Snapshot()
	assert.Equal(t, "mpesa", snap.PaymentMethod)
	assert.Equal(t, workflow.StateCompleted, snap.State)
	assert.Nil(t, snap.ExpiresAt)
}

func TestMachine_Expiry(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()

	var mu sync.Mutex
	var notified []workflow.State
	m := newTestMachine(t, clock,
		WithApprovalTimeout(time.Hour),
		WithStateChangeHandler(func(s workflow.State, _ entity.WithdrawalTransition) {
			mu.Lock()
			notified = append(notified, s)
			mu.Unlock()
		}),
	)

	require.NoError(t, m.Request(ctx, "m1"))
	require.NotNil(t, m.Snapshot().ExpiresAt)
	assert.Equal(t, 1, clock.Pending())

	clock.Advance(59 * time.Minute)
	assert.Equal(t, workflow.StatePendingApproval, m.State())

	clock.Advance(time.Minute)
	assert.Equal(t, workflow.StateExpired, m.State())
	assert.Equal(t, 0, clock.Pending())

	err := m.Approve(ctx, "a1", "late")
	assert.ErrorIs(t, err, workflow.ErrInvalidTransition)

	trs := m.Transitions()
	require.Len(t, trs, 2)
	assert.Equal(t, workflow.TriggerExpire.String(), trs[1].Action)
	assert.Equal(t, SystemActor, trs[1].ActorUserID)

	clock.Advance(48 * time.Hour)
	assert.Len(t, m.Transitions(), 2, "expiry must happen exactly once")

	mu.Lock()
	assert.Equal(t, []workflow.State{workflow.StatePendingApproval, workflow.StateExpired}, notified)
	mu.Unlock()
}

func TestMachine_TimerCancelledOnLeavingPending(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name string
		act  func(m *Machine) error
	}{
		{"approve", func(m *Machine) error { return m.Approve(ctx, "a1", "") }},
		{"reject", func(m *Machine) error { return m.Reject(ctx, "a1", "no") }},
		{"cancel", func(m *Machine) error { return m.Cancel(ctx, "m1", "") }},
		{"fail", func(m *Machine) error { return m.Fail(ctx, "a1", "broken") }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clock := newFakeClock()
			m := newTestMachine(t, clock, WithApprovalTimeout(time.Hour))
			require.NoError(t, m.Request(ctx, "m1"))
			require.Equal(t, 1, clock.Pending())

			require.NoError(t, tt.act(m))
			assert.Equal(t, 0, clock.Pending())
			state := m.State()

			clock.Advance(2 * time.Hour)
			assert.Equal(t, state, m.State())
			assert.Len(t, m.Transitions(), 2)
		})
	}
}

func TestMachine_StaleTimerCallbackIsNoop(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	m := newTestMachine(t, clock, WithApprovalTimeout(time.Hour))
	require.NoError(t, m.Request(ctx, "m1"))

	gen := m.timerGen
	require.NoError(t, m.Approve(ctx, "a1", ""))

	// A callback that fired before the approval took the lock must not act.
	m.expire(gen)
	assert.Equal(t, workflow.StateApproved, m.State())
	assert.Len(t, m.Transitions(), 2)
}

func TestMachine_ExpiryRacesApproval(t *testing.T) {
	ctx := context.Background()

	for i := 0; i < 50; i++ {
		m, err := New("t1", "c1", "m1", testAmount(t), WithApprovalTimeout(time.Millisecond))
		require.NoError(t, err)
		require.NoError(t, m.Request(ctx, "m1"))

		time.Sleep(time.Millisecond)
		approveErr := m.Approve(ctx, "a1", "")

		require.Eventually(t, func() bool { return m.State() != workflow.StatePendingApproval }, time.Second, time.Millisecond)
		state := m.State()
		trs := m.Transitions()
		require.Len(t, trs, 2, "exactly one of approve/expire must win")

		if approveErr == nil {
			assert.Equal(t, workflow.StateApproved, state)
		} else {
			assert.ErrorIs(t, approveErr, workflow.ErrInvalidTransition)
			assert.Equal(t, workflow.StateExpired, state)
		}
		m.Close()
	}
}

func TestMachine_Restore(t *testing.T) {
	amount := testAmount(t)

	t.Run("re-arms remaining timeout", func(t *testing.T) {
		clock := newFakeClock()
		expires := clock.Now().Add(30 * time.Minute)
		m, err := Restore(entity.Withdrawal{
			TransactionID:   "t1",
			ChamaID:         "c1",
			MemberID:        "m1",
			Amount:          amount,
			State:           workflow.StatePendingApproval,
			ApprovalTimeout: time.Hour,
			ExpiresAt:       &expires,
		}, []entity.WithdrawalTransition{{Sequence: 1, From: workflow.StateRequested, To: workflow.StatePendingApproval}},
			WithClock(clock))
		require.NoError(t, err)
		defer m.Close()

		clock.Advance(29 * time.Minute)
		assert.Equal(t, workflow.StatePendingApproval, m.State())
		clock.Advance(time.Minute)
		assert.Equal(t, workflow.StateExpired, m.State())

		trs := m.Transitions()
		require.Len(t, trs, 2)
		assert.Equal(t, 2, trs[1].Sequence)
	})

	t.Run("overdue expires immediately", func(t *testing.T) {
		clock := newFakeClock()
		expires := clock.Now().Add(-time.Minute)
		m, err := Restore(entity.Withdrawal{
			TransactionID: "t1", ChamaID: "c1", MemberID: "m1", Amount: amount,
			State: workflow.StatePendingApproval, ExpiresAt: &expires,
		}, nil, WithClock(clock))
		require.NoError(t, err)
		defer m.Close()

		clock.Advance(0)
		assert.Equal(t, workflow.StateExpired, m.State())
	})

	t.Run("rejects unknown state", func(t *testing.T) {
		_, err := Restore(entity.Withdrawal{State: "bogus"}, nil)
		assert.ErrorIs(t, err, workflow.ErrInvalidState)
	})
}

func TestMachine_CloseStopsExpiry(t *testing.T) {
	clock := newFakeClock()
	m := newTestMachine(t, clock, WithApprovalTimeout(time.Hour))
	require.NoError(t, m.Request(context.Background(), "m1"))

	m.Close()
	assert.Equal(t, 0, clock.Pending())

	clock.Advance(2 * time.Hour)
	assert.Equal(t, workflow.StatePendingApproval, m.State())
}

func TestMachine_DispatchesEvents(t *testing.T) {
	d := dispatcher.NewDispatcher()
	var got []*event.Event
	d.Subscribe(event.TypeWithdrawalStateChanged, func(ctx context.Context, evt *event.Event) error {
		got = append(got, evt)
		return errors.New("subscriber failure is logged, not returned")
	})

	m := newTestMachine(t, newFakeClock(), WithDispatcher(d))
	require.NoError(t, m.Request(context.Background(), "m1"))

	require.Len(t, got, 1)
	assert.Equal(t, "t1", got[0].AggregateID)
	assert.Equal(t, "pending_approval", got[0].GetPayloadString(event.KeyToState))
	assert.Equal(t, "c1", got[0].GetPayloadString(event.KeyChamaID))
}

func TestMachine_HandlerPanicDoesNotBreakTransition(t *testing.T) {
	m := newTestMachine(t, newFakeClock(), WithStateChangeHandler(func(workflow.State, entity.WithdrawalTransition) {
		panic("boom")
	}))

	require.NoError(t, m.Request(context.Background(), "m1"))
	assert.Equal(t, workflow.StatePendingApproval, m.State())
}

func TestValidateTable(t *testing.T) {
	assert.NoError(t, ValidateTable())
}

// flakyJournal fails every commit while broken is set
type flakyJournal struct {
	mu        sync.Mutex
	broken    bool
	committed []entity.WithdrawalTransition
}

func (j *flakyJournal) setBroken(v bool) {
	j.mu.Lock()
	j.broken = v
	j.mu.Unlock()
}

func (j *flakyJournal) commit(_ context.Context, tr entity.WithdrawalTransition) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.broken {
		return errDiskFull
	}
	j.committed = append(j.committed, tr)
	return nil
}

var errDiskFull = errors.New("disk full")

func TestMachine_CommitFailureAbortsTransition(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	journal := &flakyJournal{}

	var notified []workflow.State
	m := newTestMachine(t, clock,
		WithApprovalTimeout(time.Hour),
		WithCommitHook(journal.commit),
		WithStateChangeHandler(func(s workflow.State, _ entity.WithdrawalTransition) {
			notified = append(notified, s)
		}),
	)
	require.NoError(t, m.Request(ctx, "m1"))
	deadline := m.Snapshot().ExpiresAt
	require.NotNil(t, deadline)

	journal.setBroken(true)
	err := m.Approve(ctx, "a1", "ok")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCommitFailed)
	assert.ErrorIs(t, err, errDiskFull)

	assert.Equal(t, workflow.StatePendingApproval, m.State())
	assert.Contains(t, m.PermittedActions(), workflow.TriggerApprove)
	assert.Len(t, m.Transitions(), 1)
	assert.Equal(t, deadline, m.Snapshot().ExpiresAt)
	assert.Equal(t, 1, clock.Pending(), "expiry timer must stay armed")
	assert.Equal(t, []workflow.State{workflow.StatePendingApproval}, notified)

	journal.setBroken(false)
	require.NoError(t, m.Approve(ctx, "a1", "ok"))
	trs := m.Transitions()
	require.Len(t, trs, 2)
	assert.Equal(t, 2, trs[1].Sequence)
	assert.Equal(t, workflow.StateApproved, m.State())
	assert.Equal(t, trs, journal.committed)
}

func TestMachine_ExpiryRetriedAfterCommitFailure(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	journal := &flakyJournal{}
	m := newTestMachine(t, clock, WithApprovalTimeout(time.Hour), WithCommitHook(journal.commit))
	require.NoError(t, m.Request(ctx, "m1"))

	journal.setBroken(true)
	clock.Advance(time.Hour)
	assert.Equal(t, workflow.StatePendingApproval, m.State())
	assert.Equal(t, 1, clock.Pending())

	journal.setBroken(false)
	clock.Advance(expireRetryDelay)
	assert.Equal(t, workflow.StateExpired, m.State())
	assert.Len(t, m.Transitions(), 2)
}

func TestMachine_SnapshotUpdatedTracksLastTransition(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	m := newTestMachine(t, clock)
	assert.Equal(t, m.CreatedAt(), m.Snapshot().UpdatedAt)

	clock.Advance(time.Minute)
	require.NoError(t, m.Request(ctx, "m1"))
	clock.Advance(time.Minute)
	require.NoError(t, m.Approve(ctx, "a1", ""))

	trs := m.Transitions()
	require.Len(t, trs, 2)
	assert.Equal(t, trs[1].Timestamp, m.Snapshot().UpdatedAt)
	assert.True(t, m.Snapshot().UpdatedAt.After(m.CreatedAt()))
}
