package fulfillment

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ariefcatur/go-streamhub/internal/apperr"
	"github.com/ariefcatur/go-streamhub/internal/orders"
)

// memStore is an in-memory Store. Transactions run one at a time against a
// copy of the state that is swapped in only on success, so a failed fn
// leaves nothing behind, like a rollback.
type memStore struct {
	mu sync.Mutex
	st *memState
}

type memState struct {
	products map[string]orders.Product
	coupons  map[string]orders.Coupon
	orders   map[string]orders.Order
	creds    []orders.Credential
	nextID   int64
}

func newMemStore() *memStore {
	return &memStore{st: &memState{
		products: map[string]orders.Product{},
		coupons:  map[string]orders.Coupon{},
		orders:   map[string]orders.Order{},
	}}
}

func (s *memState) clone() *memState {
	c := &memState{
		products: make(map[string]orders.Product, len(s.products)),
		coupons:  make(map[string]orders.Coupon, len(s.coupons)),
		orders:   make(map[string]orders.Order, len(s.orders)),
		creds:    append([]orders.Credential(nil), s.creds...),
		nextID:   s.nextID,
	}
	for k, v := range s.products {
		c.products[k] = v
	}
	for k, v := range s.coupons {
		c.coupons[k] = v
	}
	for k, v := range s.orders {
		c.orders[k] = v
	}
	return c
}

// ---- seeding & inspection helpers ----

func (m *memStore) addProduct(id, name string, priceCents, credentials int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.st.products[id] = orders.Product{ID: id, Name: name, PriceCents: priceCents}
	for i := 0; i < credentials; i++ {
		m.st.nextID++
		m.st.creds = append(m.st.creds, orders.Credential{
			ID: m.st.nextID, ProductID: id, Available: true,
			Email:    fmt.Sprintf("%s-%d@pool.test", strings.ToLower(name), m.st.nextID),
			Password: fmt.Sprintf("pw%d", m.st.nextID),
		})
	}
}

func (m *memStore) addCoupon(code string, pct int, active bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.st.coupons[strings.ToUpper(code)] = orders.Coupon{Code: code, DiscountPercentage: pct, Active: active}
}

func (m *memStore) seedOrder(o orders.Order) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.st.orders[o.ID] = o
}

func (m *memStore) renameProduct(id, name string, priceCents int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.st.products[id]
	p.Name, p.PriceCents = name, priceCents
	m.st.products[id] = p
}

// dropReservations forgets every hold of an order, as if it had lapsed.
func (m *memStore) dropReservations(orderID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.st.creds {
		if m.st.creds[i].ReservedBy == orderID && m.st.creds[i].Available {
			m.st.creds[i].ReservedBy = ""
		}
	}
}

func (m *memStore) free(productID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.st.creds {
		if c.ProductID == productID && c.Available && c.ReservedBy == "" {
			n++
		}
	}
	return n
}

func (m *memStore) credentials() []orders.Credential {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]orders.Credential(nil), m.st.creds...)
}

func (m *memStore) orderCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.st.orders)
}

// ---- Store ----

func (m *memStore) InTx(ctx context.Context, fn func(orders.Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	work := m.st.clone()
	if err := fn(&memTx{st: work}); err != nil {
		return err
	}
	m.st = work
	return nil
}

func (m *memStore) GetOrder(_ context.Context, id string) (*orders.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.st.orders[id]
	if !ok {
		return nil, apperr.OrderNotFound(id)
	}
	return &o, nil
}

func (m *memStore) OrderByIdempotencyKey(_ context.Context, key string) (*orders.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range m.st.orders {
		if key != "" && o.IdempotencyKey == key {
			return &o, nil
		}
	}
	return nil, apperr.NotFound("order_not_found", "no order for idempotency key")
}

func (m *memStore) OrdersByEmail(_ context.Context, email string) ([]orders.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []orders.Order{}
	for _, o := range m.st.orders {
		if o.CustomerEmail == email {
			out = append(out, o)
		}
	}
	return out, nil
}

// SetDelivery fails on a cancelled context, as a pool query would.
func (m *memStore) SetDelivery(ctx context.Context, id string, status orders.DeliveryStatus, reason string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.st.orders[id]
	if !ok {
		return apperr.OrderNotFound(id)
	}
	o.DeliveryStatus, o.DeliveryError = status, reason
	m.st.orders[id] = o
	return nil
}

func (m *memStore) StalePending(_ context.Context, cutoff time.Time, limit int) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for id, o := range m.st.orders {
		if o.Status == orders.StatusPending && o.CreatedAt.Before(cutoff) && len(ids) < limit {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// ---- Tx ----

type memTx struct{ st *memState }

func (t *memTx) ProductsByID(_ context.Context, ids []string) (map[string]orders.Product, error) {
	out := map[string]orders.Product{}
	for _, id := range ids {
		if p, ok := t.st.products[id]; ok {
			out[id] = p
		}
	}
	return out, nil
}

func (t *memTx) CouponByCode(_ context.Context, code string) (*orders.Coupon, error) {
	c, ok := t.st.coupons[strings.ToUpper(code)]
	if !ok {
		return nil, apperr.NotFound("coupon_not_found", "coupon not found")
	}
	return &c, nil
}

func (t *memTx) InsertOrder(_ context.Context, o *orders.Order) error {
	if _, dup := t.st.orders[o.ID]; dup {
		return fmt.Errorf("duplicate order %s", o.ID)
	}
	if o.IdempotencyKey != "" {
		for _, prev := range t.st.orders {
			if prev.IdempotencyKey == o.IdempotencyKey {
				return orders.ErrDuplicateCheckout
			}
		}
	}
	o.CreatedAt = time.Now()
	o.UpdatedAt = o.CreatedAt
	t.st.orders[o.ID] = *o
	return nil
}

func (t *memTx) LockOrder(_ context.Context, id string) (*orders.Order, error) {
	o, ok := t.st.orders[id]
	if !ok {
		return nil, apperr.OrderNotFound(id)
	}
	return &o, nil
}

func (t *memTx) CompleteOrder(_ context.Context, o *orders.Order) error {
	cur := t.st.orders[o.ID]
	if cur.Status != orders.StatusPending {
		return apperr.ErrAlreadyPaid
	}
	cur.Status = orders.StatusCompleted
	cur.CredentialsSent = o.CredentialsSent
	cur.PaymentMethod = o.PaymentMethod
	cur.PaidAt = o.PaidAt
	t.st.orders[o.ID] = cur
	return nil
}

func (t *memTx) FailOrder(_ context.Context, id string) error {
	o := t.st.orders[id]
	if o.Status == orders.StatusPending {
		o.Status = orders.StatusFailed
		t.st.orders[id] = o
	}
	return nil
}

func (t *memTx) ReserveFree(_ context.Context, productID, orderID string, n int) ([]orders.Credential, error) {
	out := []orders.Credential{}
	for i := range t.st.creds {
		if len(out) == n {
			break
		}
		c := &t.st.creds[i]
		if c.ProductID == productID && c.Available && c.ReservedBy == "" {
			c.ReservedBy = orderID
			out = append(out, *c)
		}
	}
	return out, nil
}

func (t *memTx) HeldBy(_ context.Context, orderID, productID string) ([]orders.Credential, error) {
	out := []orders.Credential{}
	for _, c := range t.st.creds {
		if c.ReservedBy == orderID && c.ProductID == productID && c.Available {
			out = append(out, c)
		}
	}
	return out, nil
}

func (t *memTx) Allocate(_ context.Context, orderID string, ids []int64) error {
	want := map[int64]bool{}
	for _, id := range ids {
		want[id] = true
	}
	n := 0
	for i := range t.st.creds {
		c := &t.st.creds[i]
		if want[c.ID] && c.ReservedBy == orderID && c.Available {
			c.Available = false
			n++
		}
	}
	if n != len(ids) {
		return fmt.Errorf("allocate order %s: %d of %d credentials were not held", orderID, len(ids)-n, len(ids))
	}
	return nil
}

func (t *memTx) ReleaseHeld(_ context.Context, orderID string) (int, error) {
	n := 0
	for i := range t.st.creds {
		c := &t.st.creds[i]
		if c.ReservedBy == orderID && c.Available {
			c.ReservedBy = ""
			n++
		}
	}
	return n, nil
}

// ---- collaborators ----

type fakeNotifier struct {
	mu   sync.Mutex
	err  error
	sent []string

	onSend func() // runs before the send outcome is decided
}

func (f *fakeNotifier) SendCredentials(_ context.Context, o *orders.Order) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.onSend != nil {
		f.onSend()
	}
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, o.ID)
	return nil
}

func (f *fakeNotifier) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type fakeEvents struct {
	mu  sync.Mutex
	got []orders.Envelope
}

func (f *fakeEvents) PublishEvent(ctx context.Context, env orders.Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.got = append(f.got, env)
	return nil
}

func (f *fakeEvents) types() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.got))
	for _, e := range f.got {
		out = append(out, e.EventType)
	}
	return out
}

type fakeIdem struct {
	mu   sync.Mutex
	keys map[string]string

	blind bool // every Lookup misses, as when concurrent requests race the cache
}

func (f *fakeIdem) Lookup(_ context.Context, key string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.blind {
		return "", false, nil
	}
	id, ok := f.keys[key]
	return id, ok, nil
}

func (f *fakeIdem) Remember(_ context.Context, key, orderID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.keys == nil {
		f.keys = map[string]string{}
	}
	f.keys[key] = orderID
	return nil
}
