package rabbitmq

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/bitsacco/bitsacco-sub002/internal/application/dispatcher"
	"github.com/bitsacco/bitsacco-sub002/internal/domain/event"
)

const (
	bridgeHandlerName = "rabbitmq-bridge"
	publishTimeout    = 5 * time.Second
)

// Bridge forwards every dispatched domain event to the exchange, routed by event type
type Bridge struct {
	publisher Publisher
	exchange  string
	logger    *zap.Logger
}

// NewBridge creates a bridge publishing to exchange
func NewBridge(publisher Publisher, exchange string, logger *zap.Logger) *Bridge {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bridge{
		publisher: publisher,
		exchange:  exchange,
		logger:    logger,
	}
}

// Register subscribes the bridge to all events of d
func (b *Bridge) Register(d dispatcher.Dispatcher) {
	d.SubscribeNamed(dispatcher.AllEvents, bridgeHandlerName, b.Handle)
}

// Handle publishes evt. Its error is reported to the dispatcher, which logs it.
func (b *Bridge) Handle(ctx context.Context, evt *event.Event) error {
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	if err := b.publisher.Publish(ctx, b.exchange, string(evt.Type), evt); err != nil {
		b.logger.Error("Failed to forward event",
			zap.String("event_id", evt.ID),
			zap.String("event_type", string(evt.Type)),
			zap.Error(err))
		return err
	}
	return nil
}
