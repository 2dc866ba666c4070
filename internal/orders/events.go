package orders

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

const (
	EventOrderCreated   = "OrderCreated"
	EventOrderCompleted = "OrderCompleted"
	EventDeliveryFailed = "CredentialsDeliveryFailed"
	EventOrderExpired   = "OrderExpired"
)

type Envelope struct {
	EventID       string          `json:"event_id"`
	EventType     string          `json:"event_type"`
	EventVersion  int             `json:"event_version"`
	OccurredAt    time.Time       `json:"occurred_at"`
	Producer      string          `json:"producer"`
	TraceID       string          `json:"trace_id,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"` // order id
	Payload       json.RawMessage `json:"payload"`
}

// NewEnvelope wraps payload in a v1 envelope correlated to orderID.
func NewEnvelope(eventType, producer, orderID, traceID string, payload any) (Envelope, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{
		EventID:       uuid.NewString(),
		EventType:     eventType,
		EventVersion:  1,
		OccurredAt:    time.Now().UTC(),
		Producer:      producer,
		TraceID:       traceID,
		CorrelationID: orderID,
		Payload:       b,
	}, nil
}

// ---- payloads ----

type ItemQty struct {
	ProductID string `json:"product_id"`
	Qty       int    `json:"qty"`
}

type OrderCreatedPayload struct {
	OrderID       string    `json:"order_id"`
	CustomerEmail string    `json:"customer_email"`
	Items         []ItemQty `json:"items"`
	TotalCents    int       `json:"total_cents"`
	CouponCode    string    `json:"coupon_code,omitempty"`
}

type OrderCompletedPayload struct {
	OrderID       string    `json:"order_id"`
	CustomerEmail string    `json:"customer_email"`
	PaymentMethod string    `json:"payment_method"`
	Items         []ItemQty `json:"items"`
	TotalCents    int       `json:"total_cents"`
}

type DeliveryFailedPayload struct {
	OrderID       string `json:"order_id"`
	CustomerEmail string `json:"customer_email"`
	Reason        string `json:"reason"`
}

type OrderExpiredPayload struct {
	OrderID  string `json:"order_id"`
	Released int    `json:"released"` // credentials returned to the pool
}

func itemQtys(items []LineItem) []ItemQty {
	out := make([]ItemQty, 0, len(items))
	for _, it := range items {
		out = append(out, ItemQty{ProductID: it.ProductID, Qty: it.Quantity})
	}
	return out
}

func CreatedPayload(o *Order) OrderCreatedPayload {
	return OrderCreatedPayload{
		OrderID:       o.ID,
		CustomerEmail: o.CustomerEmail,
		Items:         itemQtys(o.Items),
		TotalCents:    o.TotalCents,
		CouponCode:    o.CouponCode,
	}
}

func CompletedPayload(o *Order) OrderCompletedPayload {
	return OrderCompletedPayload{
		OrderID:       o.ID,
		CustomerEmail: o.CustomerEmail,
		PaymentMethod: o.PaymentMethod,
		Items:         itemQtys(o.Items),
		TotalCents:    o.TotalCents,
	}
}
