package event

// Type identifies the type of domain event
type Type string

const (
	TypeWithdrawalStateChanged  Type = "withdrawal.state_changed"
	TypeTransactionStatusChange Type = "transaction.status_changed"
	TypeTransactionMonitorError Type = "transaction.monitor_error"
)

// String returns the string representation of the event type
func (t Type) String() string {
	return string(t)
}

// IsValid checks if the event type is one of the defined constants
func (t Type) IsValid() bool {
	switch t {
	case TypeWithdrawalStateChanged,
		TypeTransactionStatusChange,
		TypeTransactionMonitorError:
		return true
	default:
		return false
	}
}
