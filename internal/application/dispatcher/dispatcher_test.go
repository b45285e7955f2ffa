package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/bitsacco/bitsacco-sub002/internal/domain/event"
)

// mockLogger implements Logger for testing
type mockLogger struct {
	mu     sync.Mutex
	infos  []string
	errors []string
}

func (m *mockLogger) Info(msg string, keysAndValues ...interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.infos = append(m.infos, msg)
}

func (m *mockLogger) Error(msg string, keysAndValues ...interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errors = append(m.errors, msg)
}

func (m *mockLogger) ErrorCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.errors)
}

func (m *mockLogger) HasInfo(msg string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, info := range m.infos {
		if info == msg {
			return true
		}
	}
	return false
}

func newEvt() *event.Event {
	return event.NewEvent(event.TypeWithdrawalStateChanged, "t1", nil)
}

func TestSubscribe(t *testing.T) {
	t.Run("subscribes handler with auto-generated name", func(t *testing.T) {
		d := NewDispatcher()
		called := false

		d.Subscribe(event.TypeWithdrawalStateChanged, func(ctx context.Context, evt *event.Event) error {
			called = true
			return nil
		})

		if err := d.Dispatch(context.Background(), newEvt()); err != nil {
			t.Fatalf("dispatch failed: %v", err)
		}
		if !called {
			t.Error("expected handler to be called")
		}
	})

	t.Run("auto-generated names are unique across types", func(t *testing.T) {
		d := NewDispatcher()
		noop := func(ctx context.Context, evt *event.Event) error { return nil }

		d.Subscribe(event.TypeWithdrawalStateChanged, noop)
		d.Subscribe(event.TypeTransactionStatusChange, noop)
		d.Subscribe(event.TypeWithdrawalStateChanged, noop)

		handlers := d.ListHandlers(event.TypeWithdrawalStateChanged)
		if len(handlers) != 2 || handlers[0].Name == handlers[1].Name {
			t.Errorf("expected two distinct names, got %+v", handlers)
		}
	})
}

func TestSubscribeNamed(t *testing.T) {
	logger := &mockLogger{}
	d := NewDispatcher(WithLogger(logger))

	d.SubscribeNamed(event.TypeWithdrawalStateChanged, "journal", func(ctx context.Context, evt *event.Event) error {
		return nil
	})

	if !logger.HasInfo("Handler registered") {
		t.Error("expected registration to be logged")
	}
	handlers := d.ListHandlers(event.TypeWithdrawalStateChanged)
	if len(handlers) != 1 || handlers[0].Name != "journal" {
		t.Errorf("unexpected handlers: %+v", handlers)
	}
	if handlers[0].Handler != nil {
		t.Error("ListHandlers should not expose handler functions")
	}
}

func TestUnsubscribe(t *testing.T) {
	d := NewDispatcher()
	called1, called2 := false, false

	d.SubscribeNamed(event.TypeWithdrawalStateChanged, "handler-a", func(ctx context.Context, evt *event.Event) error {
		called1 = true
		return nil
	})
	d.SubscribeNamed(event.TypeWithdrawalStateChanged, "handler-b", func(ctx context.Context, evt *event.Event) error {
		called2 = true
		return nil
	})

	d.Unsubscribe(event.TypeWithdrawalStateChanged, "handler-a")

	if err := d.Dispatch(context.Background(), newEvt()); err != nil {
		t.Fatalf("dispatch failed: %v", err)
	}
	if called1 {
		t.Error("expected handler-a not to be called")
	}
	if !called2 {
		t.Error("expected handler-b to be called")
	}
}

func TestDispatch(t *testing.T) {
	t.Run("runs handlers in order then wildcard handlers", func(t *testing.T) {
		d := NewDispatcher()
		var order []string

		d.Subscribe(AllEvents, func(ctx context.Context, evt *event.Event) error {
			order = append(order, "all")
			return nil
		})
		d.Subscribe(event.TypeWithdrawalStateChanged, func(ctx context.Context, evt *event.Event) error {
			order = append(order, "first")
			return nil
		})
		d.Subscribe(event.TypeWithdrawalStateChanged, func(ctx context.Context, evt *event.Event) error {
			order = append(order, "second")
			return nil
		})

		if err := d.Dispatch(context.Background(), newEvt()); err != nil {
			t.Fatalf("dispatch failed: %v", err)
		}

		want := []string{"first", "second", "all"}
		if fmt.Sprint(order) != fmt.Sprint(want) {
			t.Errorf("order = %v, want %v", order, want)
		}
	})

	t.Run("a failing handler does not stop later handlers", func(t *testing.T) {
		d := NewDispatcher()
		expectedErr := errors.New("handler error")
		called := false

		d.Subscribe(event.TypeWithdrawalStateChanged, func(ctx context.Context, evt *event.Event) error {
			return expectedErr
		})
		d.Subscribe(event.TypeWithdrawalStateChanged, func(ctx context.Context, evt *event.Event) error {
			called = true
			return nil
		})

		err := d.Dispatch(context.Background(), newEvt())
		if !errors.Is(err, expectedErr) {
			t.Errorf("expected error to wrap %v, got %v", expectedErr, err)
		}
		if !called {
			t.Error("expected second handler to run")
		}
	})

	t.Run("recovers from handler panic", func(t *testing.T) {
		logger := &mockLogger{}
		d := NewDispatcher(WithLogger(logger))

		d.Subscribe(event.TypeWithdrawalStateChanged, func(ctx context.Context, evt *event.Event) error {
			panic("test panic")
		})

		if err := d.Dispatch(context.Background(), newEvt()); err == nil {
			t.Fatal("expected error from panic recovery")
		}
		if logger.ErrorCount() == 0 {
			t.Error("expected panic to be logged as error")
		}
	})

	t.Run("returns error when dispatcher is closed", func(t *testing.T) {
		d := NewDispatcher()
		if err := d.Close(); err != nil {
			t.Fatalf("close failed: %v", err)
		}

		if err := d.Dispatch(context.Background(), newEvt()); !errors.Is(err, ErrClosed) {
			t.Fatalf("expected ErrClosed, got %v", err)
		}
		if err := d.Close(); err == nil {
			t.Error("expected error on second close")
		}
	})
}

func TestDispatchAsync(t *testing.T) {
	t.Run("close waits for async handlers", func(t *testing.T) {
		d := NewDispatcher()
		var called atomic.Int32

		for i := 0; i < 3; i++ {
			d.Subscribe(event.TypeTransactionStatusChange, func(ctx context.Context, evt *event.Event) error {
				called.Add(1)
				return nil
			})
		}

		d.DispatchAsync(context.Background(), event.NewEvent(event.TypeTransactionStatusChange, "t1", nil))

		if err := d.Close(); err != nil {
			t.Fatalf("close failed: %v", err)
		}
		if called.Load() != 3 {
			t.Errorf("expected 3 handlers to be called, got %d", called.Load())
		}
	})

	t.Run("logs async errors and dropped events", func(t *testing.T) {
		logger := &mockLogger{}
		d := NewDispatcher(WithLogger(logger))

		d.Subscribe(event.TypeTransactionStatusChange, func(ctx context.Context, evt *event.Event) error {
			return errors.New("boom")
		})

		d.DispatchAsync(context.Background(), event.NewEvent(event.TypeTransactionStatusChange, "t1", nil))
		_ = d.Close()

		if logger.ErrorCount() != 1 {
			t.Errorf("expected 1 logged error, got %d", logger.ErrorCount())
		}

		d.DispatchAsync(context.Background(), newEvt())
		if logger.ErrorCount() != 2 {
			t.Errorf("expected dispatch after close to be logged, got %d errors", logger.ErrorCount())
		}
	})
}
