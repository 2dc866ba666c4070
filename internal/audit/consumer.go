package audit

import (
	"context"
	"fmt"

	kafkax "github.com/ariefcatur/go-streamhub/internal/kafka"
	"github.com/ariefcatur/go-streamhub/internal/orders"
	kafkago "github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

type Recorder interface {
	Record(ctx context.Context, e Entry) error
}

// Deduper claims event ids; *redisx.Dedup satisfies it.
type Deduper interface {
	FirstSeen(ctx context.Context, id string) (bool, error)
	Forget(ctx context.Context, id string) error
}

// Consumer writes one audit entry per order lifecycle event.
type Consumer struct {
	Store Recorder
	Dedup Deduper // optional
	Log   *zap.Logger
}

// HandleEvent is installed as the kafka consumer handler.
func (c *Consumer) HandleEvent(ctx context.Context, m kafkago.Message) error {
	env, err := kafkax.UnmarshalEnvelope(m.Value)
	if err != nil {
		// poison message; committing it is the only way forward
		c.Log.Warn("dropping undecodable event", zap.String("topic", m.Topic),
			zap.Int64("offset", m.Offset), zap.Error(err))
		return nil
	}
	if env.EventID == "" {
		c.Log.Warn("dropping event without id", zap.String("topic", m.Topic), zap.String("type", env.EventType))
		return nil
	}

	if c.Dedup != nil {
		first, err := c.Dedup.FirstSeen(ctx, env.EventID)
		if err != nil {
			// the unique event_id column still prevents duplicates
			c.Log.Warn("dedup unavailable", zap.Error(err))
		} else if !first {
			return nil
		}
	}

	entry := Entry{
		Username: env.Producer,
		Action:   env.EventType,
		Details:  describe(env),
		EventID:  env.EventID,
	}
	if err := c.Store.Record(ctx, entry); err != nil {
		if c.Dedup != nil {
			_ = c.Dedup.Forget(ctx, env.EventID)
		}
		return fmt.Errorf("record event %s: %w", env.EventID, err)
	}
	c.Log.Debug("event audited", zap.String("type", env.EventType), zap.String("order_id", env.CorrelationID))
	return nil
}

func describe(env orders.Envelope) string {
	switch env.EventType {
	case orders.EventOrderCreated:
		if p, err := kafkax.UnwrapPayload[orders.OrderCreatedPayload](env.Payload); err == nil {
			return fmt.Sprintf("order %s created by %s: %d line(s), total %d cents",
				p.OrderID, p.CustomerEmail, len(p.Items), p.TotalCents)
		}
	case orders.EventOrderCompleted:
		if p, err := kafkax.UnwrapPayload[orders.OrderCompletedPayload](env.Payload); err == nil {
			return fmt.Sprintf("order %s paid via %s, total %d cents", p.OrderID, p.PaymentMethod, p.TotalCents)
		}
	case orders.EventDeliveryFailed:
		if p, err := kafkax.UnwrapPayload[orders.DeliveryFailedPayload](env.Payload); err == nil {
			return fmt.Sprintf("credentials for order %s not delivered to %s: %s", p.OrderID, p.CustomerEmail, p.Reason)
		}
	case orders.EventOrderExpired:
		if p, err := kafkax.UnwrapPayload[orders.OrderExpiredPayload](env.Payload); err == nil {
			return fmt.Sprintf("order %s expired, %d credential(s) released", p.OrderID, p.Released)
		}
	}
	return fmt.Sprintf("%s for order %s", env.EventType, env.CorrelationID)
}
