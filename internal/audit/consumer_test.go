package audit

import (
	"context"
	"errors"
	"testing"

	kafkax "github.com/ariefcatur/go-streamhub/internal/kafka"
	"github.com/ariefcatur/go-streamhub/internal/orders"
	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type memRecorder struct {
	entries []Entry
	err     error
}

func (m *memRecorder) Record(_ context.Context, e Entry) error {
	if m.err != nil {
		return m.err
	}
	m.entries = append(m.entries, e)
	return nil
}

type memDedup struct {
	seen map[string]bool
	err  error
}

func (d *memDedup) FirstSeen(_ context.Context, id string) (bool, error) {
	if d.err != nil {
		return false, d.err
	}
	if d.seen[id] {
		return false, nil
	}
	d.seen[id] = true
	return true, nil
}

func (d *memDedup) Forget(_ context.Context, id string) error {
	delete(d.seen, id)
	return nil
}

func message(t *testing.T, eventType string, payload any) kafkago.Message {
	t.Helper()
	env, err := orders.NewEnvelope(eventType, "store-api", "o-1", "", payload)
	require.NoError(t, err)
	return kafkago.Message{Topic: orders.TopicFor(eventType), Value: kafkax.MustMarshal(env)}
}

func TestHandleEvent_RecordsOncePerEvent(t *testing.T) {
	rec := &memRecorder{}
	c := &Consumer{Store: rec, Dedup: &memDedup{seen: map[string]bool{}}, Log: zap.NewNop()}
	m := message(t, orders.EventOrderExpired, orders.OrderExpiredPayload{OrderID: "o-1", Released: 2})

	require.NoError(t, c.HandleEvent(context.Background(), m))
	require.NoError(t, c.HandleEvent(context.Background(), m))

	require.Len(t, rec.entries, 1)
	e := rec.entries[0]
	assert.Equal(t, orders.EventOrderExpired, e.Action)
	assert.Equal(t, "store-api", e.Username)
	assert.Equal(t, "order o-1 expired, 2 credential(s) released", e.Details)
	assert.NotEmpty(t, e.EventID)
}

func TestHandleEvent_StoreFailureIsRetryable(t *testing.T) {
	rec := &memRecorder{err: errors.New("db down")}
	dd := &memDedup{seen: map[string]bool{}}
	c := &Consumer{Store: rec, Dedup: dd, Log: zap.NewNop()}
	m := message(t, orders.EventOrderCompleted, orders.OrderCompletedPayload{OrderID: "o-1", PaymentMethod: "pix"})

	assert.Error(t, c.HandleEvent(context.Background(), m))
	assert.Empty(t, dd.seen, "claim released so a redelivery is processed")

	rec.err = nil
	require.NoError(t, c.HandleEvent(context.Background(), m))
	assert.Contains(t, rec.entries[0].Details, "paid via pix")
}

func TestHandleEvent_DedupDownStillRecords(t *testing.T) {
	rec := &memRecorder{}
	c := &Consumer{Store: rec, Dedup: &memDedup{err: errors.New("redis: connection refused")}, Log: zap.NewNop()}

	require.NoError(t, c.HandleEvent(context.Background(),
		message(t, orders.EventDeliveryFailed, orders.DeliveryFailedPayload{OrderID: "o-1", Reason: "535"})))
	assert.Len(t, rec.entries, 1)
}

func TestHandleEvent_Garbage(t *testing.T) {
	rec := &memRecorder{}
	c := &Consumer{Store: rec, Log: zap.NewNop()}
	assert.NoError(t, c.HandleEvent(context.Background(), kafkago.Message{Value: []byte("nope")}))
	assert.Empty(t, rec.entries)
}
