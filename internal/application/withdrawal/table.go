package withdrawal

import (
	"context"
	"fmt"
	"sync"

	"github.com/bitsacco/bitsacco-sub002/internal/domain/workflow"
)

// SystemActor is the actor recorded for timer-driven and settlement transitions
const SystemActor = "system"

type memberKey struct{}

func withMember(ctx context.Context, memberID string) context.Context {
	return context.WithValue(ctx, memberKey{}, memberID)
}

func memberFrom(ctx context.Context) string {
	member, _ := ctx.Value(memberKey{}).(string)
	return member
}

// notRequester refuses the transition when the actor is the requesting member.
func notRequester(trigger workflow.Trigger) workflow.GuardFunc {
	return func(ctx context.Context) error {
		actor := workflow.ActorFrom(ctx)
		if actor == memberFrom(ctx) {
			return &workflow.UnauthorizedActionError{
				Trigger: trigger,
				Actor:   actor,
				Reason:  "requesting member cannot review their own withdrawal",
			}
		}
		return nil
	}
}

// isRequester refuses the transition unless the actor is the requesting member.
func isRequester(trigger workflow.Trigger) workflow.GuardFunc {
	return func(ctx context.Context) error {
		actor := workflow.ActorFrom(ctx)
		if actor != memberFrom(ctx) {
			return &workflow.UnauthorizedActionError{
				Trigger: trigger,
				Actor:   actor,
				Reason:  "only the requesting member may " + trigger.String(),
			}
		}
		return nil
	}
}

func configureTable(b workflow.StateMachineBuilder) {
	b.Configure(workflow.StateRequested).
		Permit(workflow.TriggerRequest, workflow.StatePendingApproval).
		PermitIf(workflow.TriggerCancel, workflow.StateRejected, isRequester(workflow.TriggerCancel))

	b.Configure(workflow.StatePendingApproval).
		PermitIf(workflow.TriggerApprove, workflow.StateApproved, notRequester(workflow.TriggerApprove)).
		PermitIf(workflow.TriggerReject, workflow.StateRejected, notRequester(workflow.TriggerReject)).
		Permit(workflow.TriggerFail, workflow.StateFailed).
		PermitIf(workflow.TriggerCancel, workflow.StateRejected, isRequester(workflow.TriggerCancel)).
		Permit(workflow.TriggerExpire, workflow.StateExpired)

	b.Configure(workflow.StateApproved).
		PermitIf(workflow.TriggerExecute, workflow.StateExecuting, isRequester(workflow.TriggerExecute)).
		Permit(workflow.TriggerFail, workflow.StateFailed).
		PermitIf(workflow.TriggerCancel, workflow.StateRejected, isRequester(workflow.TriggerCancel))

	b.Configure(workflow.StateExecuting).
		Permit(workflow.TriggerComplete, workflow.StateCompleted).
		Permit(workflow.TriggerFail, workflow.StateFailed)
}

// table is validated once on first use; a malformed table is a programming error.
var table = sync.OnceValue(func() workflow.StateMachineBuilder {
	b := workflow.NewBuilder()
	configureTable(b)
	if err := b.Validate(); err != nil {
		panic(fmt.Sprintf("withdrawal transition table: %v", err))
	}
	return b
})

// ValidateTable builds the transition table, returning any structural error.
// Called at startup so a bad table fails fast.
func ValidateTable() (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%v", r)
		}
	}()
	table()
	return nil
}
