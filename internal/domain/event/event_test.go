package event

import (
	"testing"
	"time"
)

type stringer string

func (s stringer) String() string { return string(s) }

func TestType_IsValid(t *testing.T) {
	tests := []struct {
		name      string
		eventType Type
		want      bool
	}{
		{"withdrawal state changed", TypeWithdrawalStateChanged, true},
		{"transaction status changed", TypeTransactionStatusChange, true},
		{"monitor error", TypeTransactionMonitorError, true},
		{"unknown", Type("instance.created"), false},
		{"empty", Type(""), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.eventType.IsValid(); got != tt.want {
				t.Errorf("Type.IsValid() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNewEvent(t *testing.T) {
	before := time.Now().UTC()
	e := NewEvent(TypeWithdrawalStateChanged, "t1", map[string]interface{}{KeyToState: "approved"})

	if e.ID == "" {
		t.Error("NewEvent() should generate an ID")
	}
	if e.CorrelationID != e.ID {
		t.Error("NewEvent() should start a correlation chain at its own ID")
	}
	if e.AggregateID != "t1" {
		t.Errorf("AggregateID = %v, want t1", e.AggregateID)
	}
	if e.Timestamp.Before(before) {
		t.Error("Timestamp should not precede creation")
	}

	other := NewEvent(TypeWithdrawalStateChanged, "t1", nil)
	if other.ID == e.ID {
		t.Error("NewEvent() should generate unique IDs")
	}
}

func TestNewEventWithCorrelation(t *testing.T) {
	e := NewEventWithCorrelation(TypeTransactionStatusChange, "t1", nil, "corr-1")
	if e.CorrelationID != "corr-1" {
		t.Errorf("CorrelationID = %v, want corr-1", e.CorrelationID)
	}
}

func TestEvent_WithPayloadDoesNotMutate(t *testing.T) {
	e := NewEvent(TypeTransactionStatusChange, "t1", map[string]interface{}{"a": 1})
	e2 := e.WithPayload("b", true)

	if _, ok := e.Payload["b"]; ok {
		t.Error("WithPayload() mutated the original payload")
	}
	if !e2.GetPayloadBool("b") {
		t.Error("WithPayload() did not add the key")
	}
	if e2.ID != e.ID {
		t.Error("WithPayload() should keep the event ID")
	}
}

func TestEvent_PayloadGetters(t *testing.T) {
	e := NewEvent(TypeTransactionStatusChange, "t1", map[string]interface{}{
		"s":   "x",
		"st":  stringer("y"),
		"i":   3,
		"f":   float64(4),
		"b":   true,
		"bad": []int{1},
	})

	if got := e.GetPayloadString("s"); got != "x" {
		t.Errorf("GetPayloadString(s) = %v", got)
	}
	if got := e.GetPayloadString("st"); got != "y" {
		t.Errorf("GetPayloadString(st) = %v", got)
	}
	if got := e.GetPayloadInt("i"); got != 3 {
		t.Errorf("GetPayloadInt(i) = %v", got)
	}
	if got := e.GetPayloadInt("f"); got != 4 {
		t.Errorf("GetPayloadInt(f) = %v", got)
	}
	if !e.GetPayloadBool("b") {
		t.Error("GetPayloadBool(b) = false")
	}
	if got := e.GetPayloadString("bad"); got != "" {
		t.Errorf("GetPayloadString(bad) = %v, want empty", got)
	}
	if got := e.GetPayloadString("missing"); got != "" {
		t.Errorf("GetPayloadString(missing) = %v, want empty", got)
	}
}
