package workflow

// Trigger represents an action that can cause a state transition
type Trigger string

const (
	TriggerRequest  Trigger = "request"
	TriggerApprove  Trigger = "approve"
	TriggerReject   Trigger = "reject"
	TriggerExecute  Trigger = "execute"
	TriggerComplete Trigger = "complete"
	TriggerFail     Trigger = "fail"
	TriggerCancel   Trigger = "cancel"
	TriggerExpire   Trigger = "expire"
)

// String returns the string representation of the trigger
func (t Trigger) String() string {
	return string(t)
}
