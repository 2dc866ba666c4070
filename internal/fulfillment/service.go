// Package fulfillment turns checkouts into pending orders and paid orders
// into delivered credentials.
package fulfillment

import (
	"context"
	"errors"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/ariefcatur/go-streamhub/internal/apperr"
	"github.com/ariefcatur/go-streamhub/internal/orders"
	"github.com/ariefcatur/go-streamhub/internal/validate"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Store is the order persistence the service needs. *orders.Repo satisfies it.
type Store interface {
	InTx(ctx context.Context, fn func(orders.Tx) error) error
	GetOrder(ctx context.Context, id string) (*orders.Order, error)
	OrderByIdempotencyKey(ctx context.Context, key string) (*orders.Order, error)
	OrdersByEmail(ctx context.Context, email string) ([]orders.Order, error)
	SetDelivery(ctx context.Context, id string, status orders.DeliveryStatus, reason string) error
	StalePending(ctx context.Context, cutoff time.Time, limit int) ([]string, error)
}

type Notifier interface {
	SendCredentials(ctx context.Context, o *orders.Order) error
}

type EventPublisher interface {
	PublishEvent(ctx context.Context, env orders.Envelope) error
}

// IdempotencyStore caches which order a client idempotency key created. The
// orders table's unique key is authoritative; the cache only short-cuts replays.
type IdempotencyStore interface {
	Lookup(ctx context.Context, key string) (string, bool, error)
	Remember(ctx context.Context, key, orderID string) error
}

type Service struct {
	Store    Store
	Notifier Notifier
	Events   EventPublisher   // optional
	Idem     IdempotencyStore // optional
	Log      *zap.Logger
	Producer string // envelope producer name

	Now func() time.Time
}

func NewService(store Store, notifier Notifier, events EventPublisher, idem IdempotencyStore, log *zap.Logger, producer string) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		Store:    store,
		Notifier: notifier,
		Events:   events,
		Idem:     idem,
		Log:      log,
		Producer: producer,
		Now:      time.Now,
	}
}

type CheckoutItem struct {
	ProductID string `json:"productId" validate:"required"`
	Quantity  int    `json:"quantity" validate:"min=1,max=100"`
}

type CheckoutRequest struct {
	CustomerName  string         `json:"customerName" validate:"required,max=200"`
	CustomerEmail string         `json:"customerEmail" validate:"required,email,max=254"`
	Items         []CheckoutItem `json:"items" validate:"required,min=1,max=50,dive"`
	TotalAmount   float64        `json:"totalAmount" validate:"gte=0"`
	Discount      float64        `json:"discount" validate:"gte=0"`
	CouponCode    string         `json:"couponCode" validate:"max=64"`

	IdempotencyKey string `json:"-"`
	TraceID        string `json:"-"`
}

type CheckoutResult struct {
	OrderID       string `json:"orderId"`
	SubtotalCents int    `json:"subtotal_cents"`
	DiscountCents int    `json:"discount_cents"`
	TotalCents    int    `json:"total_cents"`
	Idempotent    bool   `json:"idempotent"`
}

type ConfirmRequest struct {
	OrderID       string `json:"orderId" validate:"required"`
	PaymentMethod string `json:"paymentMethod" validate:"max=32"`

	TraceID string `json:"-"`
}

// ConfirmResult is returned whenever the order was completed. Warning is set
// when the credentials email could not be delivered.
type ConfirmResult struct {
	Order   *orders.Order `json:"order"`
	Warning string        `json:"warning,omitempty"`
}

const defaultPaymentMethod = "manual"

// afterCommitTimeout bounds the work that follows a committed transaction
// (events, email, delivery bookkeeping). That work is detached from the
// caller's cancellation so a dropped request cannot leave it half done.
const afterCommitTimeout = 30 * time.Second

func afterCommit(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), afterCommitTimeout)
}

func replayed(o *orders.Order) *CheckoutResult {
	return &CheckoutResult{OrderID: o.ID, SubtotalCents: o.SubtotalCents,
		DiscountCents: o.DiscountCents, TotalCents: o.TotalCents, Idempotent: true}
}

// Checkout validates the cart, prices it from the catalog and creates a
// pending order holding a reservation for every unit.
func (s *Service) Checkout(ctx context.Context, req CheckoutRequest) (*CheckoutResult, error) {
	req.CustomerName = strings.TrimSpace(req.CustomerName)
	req.CustomerEmail = strings.ToLower(strings.TrimSpace(req.CustomerEmail))
	req.CouponCode = strings.TrimSpace(req.CouponCode)
	if err := validate.Struct(req); err != nil {
		return nil, err
	}
	items := mergeItems(req.Items)
	for _, it := range items {
		if _, err := uuid.Parse(it.ProductID); err != nil {
			return nil, apperr.ProductNotFound(it.ProductID)
		}
	}

	if req.IdempotencyKey != "" && s.Idem != nil {
		id, ok, err := s.Idem.Lookup(ctx, req.IdempotencyKey)
		if err != nil {
			s.Log.Warn("idempotency lookup failed", zap.Error(err))
		} else if ok {
			o, err := s.Store.GetOrder(ctx, id)
			if err == nil {
				return replayed(o), nil
			}
			s.Log.Warn("idempotency key points at a missing order", zap.String("order_id", id), zap.Error(err))
		}
	}

	o := &orders.Order{
		ID:              uuid.NewString(),
		CustomerName:    req.CustomerName,
		CustomerEmail:   req.CustomerEmail,
		Status:          orders.StatusPending,
		DeliveryStatus:  orders.DeliveryNone,
		CredentialsSent: []orders.CredentialBundle{},
		IdempotencyKey:  req.IdempotencyKey,
	}

	err := s.Store.InTx(ctx, func(tx orders.Tx) error {
		ids := make([]string, 0, len(items))
		for _, it := range items {
			ids = append(ids, it.ProductID)
		}
		products, err := tx.ProductsByID(ctx, ids)
		if err != nil {
			return err
		}

		o.Items = make([]orders.LineItem, 0, len(items))
		subtotal := 0
		for _, it := range items {
			p, ok := products[it.ProductID]
			if !ok {
				return apperr.ProductNotFound(it.ProductID)
			}
			o.Items = append(o.Items, orders.LineItem{
				ProductID: p.ID, Name: p.Name, PriceCents: p.PriceCents, Quantity: it.Quantity,
			})
			subtotal += p.PriceCents * it.Quantity
		}
		o.SubtotalCents = subtotal

		if req.CouponCode != "" {
			c, err := tx.CouponByCode(ctx, req.CouponCode)
			if errors.Is(err, apperr.ErrNotFound) || (err == nil && !c.Active) {
				return apperr.New(apperr.KindValidation, "invalid_coupon", "coupon "+req.CouponCode+" is invalid or inactive", nil)
			}
			if err != nil {
				return err
			}
			o.CouponCode = c.Code
			o.DiscountCents = c.Discount(subtotal)
		}
		o.TotalCents = o.SubtotalCents - o.DiscountCents

		if err := tx.InsertOrder(ctx, o); err != nil {
			return err
		}
		for _, li := range o.Items {
			got, err := tx.ReserveFree(ctx, li.ProductID, o.ID, li.Quantity)
			if err != nil {
				return err
			}
			if len(got) < li.Quantity {
				return apperr.InsufficientStock(li.Name, li.Quantity, len(got))
			}
		}
		return nil
	})
	if errors.Is(err, orders.ErrDuplicateCheckout) {
		// A concurrent request with the same key committed first.
		prev, gerr := s.Store.OrderByIdempotencyKey(ctx, req.IdempotencyKey)
		if gerr != nil {
			return nil, gerr
		}
		return replayed(prev), nil
	}
	if err != nil {
		return nil, err
	}

	actx, cancel := afterCommit(ctx)
	defer cancel()
	log := s.Log.With(zap.String("order_id", o.ID))
	if req.TotalAmount > 0 && abs(toCents(req.TotalAmount)-o.TotalCents) > 1 {
		log.Warn("client total differs from server total",
			zap.Int("client_cents", toCents(req.TotalAmount)),
			zap.Int("client_discount_cents", toCents(req.Discount)),
			zap.Int("server_cents", o.TotalCents))
	}
	if req.IdempotencyKey != "" && s.Idem != nil {
		if err := s.Idem.Remember(actx, req.IdempotencyKey, o.ID); err != nil {
			log.Warn("idempotency remember failed", zap.Error(err))
		}
	}
	s.publish(actx, orders.EventOrderCreated, o.ID, req.TraceID, orders.CreatedPayload(o))
	log.Info("order created", zap.Int("total_cents", o.TotalCents), zap.Int("lines", len(o.Items)))

	return &CheckoutResult{
		OrderID:       o.ID,
		SubtotalCents: o.SubtotalCents,
		DiscountCents: o.DiscountCents,
		TotalCents:    o.TotalCents,
	}, nil
}

// ConfirmPayment allocates credentials to a pending order, completes it and
// mails the credentials. A failed email does not undo the allocation.
func (s *Service) ConfirmPayment(ctx context.Context, req ConfirmRequest) (*ConfirmResult, error) {
	if err := validate.Struct(req); err != nil {
		return nil, err
	}
	if _, err := uuid.Parse(req.OrderID); err != nil {
		return nil, apperr.OrderNotFound(req.OrderID)
	}
	method := strings.TrimSpace(req.PaymentMethod)
	if method == "" {
		method = defaultPaymentMethod
	}

	var completed *orders.Order
	err := s.Store.InTx(ctx, func(tx orders.Tx) error {
		o, err := tx.LockOrder(ctx, req.OrderID)
		if err != nil {
			return err
		}
		switch o.Status {
		case orders.StatusCompleted:
			return apperr.ErrAlreadyPaid
		case orders.StatusFailed:
			return apperr.New(apperr.KindValidation, "order_expired", "order expired", nil)
		}
		if !orders.CanTransition(o.Status, orders.StatusCompleted) {
			return apperr.Validation("order cannot be completed from status " + string(o.Status))
		}

		bundles := make([]orders.CredentialBundle, 0, len(o.Items))
		for _, li := range o.Items {
			held, err := tx.HeldBy(ctx, o.ID, li.ProductID)
			if err != nil {
				return err
			}
			if len(held) < li.Quantity {
				extra, err := tx.ReserveFree(ctx, li.ProductID, o.ID, li.Quantity-len(held))
				if err != nil {
					return err
				}
				held = append(held, extra...)
			}
			if len(held) < li.Quantity {
				return apperr.InsufficientStock(li.Name, li.Quantity, len(held))
			}
			sort.Slice(held, func(i, j int) bool { return held[i].ID < held[j].ID })
			picked := held[:li.Quantity]

			ids := make([]int64, 0, len(picked))
			sent := make([]orders.SentCredential, 0, len(picked))
			for _, c := range picked {
				ids = append(ids, c.ID)
				sent = append(sent, orders.SentCredential{Email: c.Email, Password: c.Password, Notes: c.Notes})
			}
			if err := tx.Allocate(ctx, o.ID, ids); err != nil {
				return err
			}
			bundles = append(bundles, orders.CredentialBundle{
				ProductID: li.ProductID, ProductName: li.Name, Credentials: sent, Quantity: li.Quantity,
			})
		}
		if _, err := tx.ReleaseHeld(ctx, o.ID); err != nil {
			return err
		}

		paidAt := s.now()
		o.Status = orders.StatusCompleted
		o.CredentialsSent = bundles
		o.PaymentMethod = method
		o.PaidAt = &paidAt
		if err := tx.CompleteOrder(ctx, o); err != nil {
			return err
		}
		completed = o
		return nil
	})
	if err != nil {
		return nil, err
	}

	actx, cancel := afterCommit(ctx)
	defer cancel()
	log := s.Log.With(zap.String("order_id", completed.ID))
	log.Info("order completed", zap.String("payment_method", method))
	// order.completed records the payment; a failed email is reported
	// separately by order.delivery_failed.
	s.publish(actx, orders.EventOrderCompleted, completed.ID, req.TraceID, orders.CompletedPayload(completed))

	res := &ConfirmResult{Order: completed}
	if derr := s.deliver(actx, completed, req.TraceID); derr != nil {
		res.Warning = derr.Message
	}
	return res, nil
}

// ResendCredentials mails the stored credentials of a completed order again.
func (s *Service) ResendCredentials(ctx context.Context, orderID string) (*orders.Order, error) {
	if _, err := uuid.Parse(orderID); err != nil {
		return nil, apperr.OrderNotFound(orderID)
	}
	o, err := s.Store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.Status != orders.StatusCompleted {
		return nil, apperr.New(apperr.KindValidation, "order_not_completed", "only completed orders can be resent", nil)
	}
	actx, cancel := afterCommit(ctx)
	defer cancel()
	if derr := s.deliver(actx, o, ""); derr != nil {
		return o, derr
	}
	return o, nil
}

// deliver sends the credentials email and records the outcome on the order.
func (s *Service) deliver(ctx context.Context, o *orders.Order, traceID string) *apperr.Error {
	log := s.Log.With(zap.String("order_id", o.ID))
	if err := s.Notifier.SendCredentials(ctx, o); err != nil {
		log.Error("credentials email failed", zap.Error(err))
		o.DeliveryStatus, o.DeliveryError = orders.DeliveryFailed, err.Error()
		if serr := s.Store.SetDelivery(ctx, o.ID, orders.DeliveryFailed, err.Error()); serr != nil {
			log.Error("record delivery failure", zap.Error(serr))
		}
		s.publish(ctx, orders.EventDeliveryFailed, o.ID, traceID, orders.DeliveryFailedPayload{
			OrderID: o.ID, CustomerEmail: o.CustomerEmail, Reason: err.Error(),
		})
		return apperr.Dispatch(err)
	}
	o.DeliveryStatus, o.DeliveryError = orders.DeliverySent, ""
	if err := s.Store.SetDelivery(ctx, o.ID, orders.DeliverySent, ""); err != nil {
		log.Error("record delivery", zap.Error(err))
	}
	return nil
}

const expireBatch = 100

// ExpireStale fails pending orders older than ttl and returns their reserved
// credentials to the pool. It returns how many orders were expired.
func (s *Service) ExpireStale(ctx context.Context, ttl time.Duration) (int, error) {
	ids, err := s.Store.StalePending(ctx, s.now().Add(-ttl), expireBatch)
	if err != nil {
		return 0, err
	}
	expired := 0
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return expired, err
		}
		released, ok, err := s.expireOne(ctx, id)
		if err != nil {
			s.Log.Error("expire order", zap.String("order_id", id), zap.Error(err))
			continue
		}
		if !ok {
			continue
		}
		expired++
		s.Log.Info("order expired", zap.String("order_id", id), zap.Int("released", released))
		s.publish(ctx, orders.EventOrderExpired, id, "", orders.OrderExpiredPayload{OrderID: id, Released: released})
	}
	return expired, nil
}

func (s *Service) expireOne(ctx context.Context, id string) (released int, ok bool, err error) {
	err = s.Store.InTx(ctx, func(tx orders.Tx) error {
		o, err := tx.LockOrder(ctx, id)
		if err != nil {
			return err
		}
		// confirmed while we were scanning
		if o.Status != orders.StatusPending {
			return nil
		}
		if released, err = tx.ReleaseHeld(ctx, id); err != nil {
			return err
		}
		if err := tx.FailOrder(ctx, id); err != nil {
			return err
		}
		ok = true
		return nil
	})
	return released, ok, err
}

func (s *Service) OrdersByEmail(ctx context.Context, email string) ([]orders.Order, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if err := validate.Var("email", email, "required,email"); err != nil {
		return nil, err
	}
	return s.Store.OrdersByEmail(ctx, email)
}

func (s *Service) GetOrder(ctx context.Context, id string) (*orders.Order, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, apperr.OrderNotFound(id)
	}
	return s.Store.GetOrder(ctx, id)
}

func (s *Service) publish(ctx context.Context, eventType, orderID, traceID string, payload any) {
	if s.Events == nil {
		return
	}
	env, err := orders.NewEnvelope(eventType, s.Producer, orderID, traceID, payload)
	if err == nil {
		err = s.Events.PublishEvent(ctx, env)
	}
	if err != nil {
		s.Log.Warn("publish event failed", zap.String("event_type", eventType),
			zap.String("order_id", orderID), zap.Error(err))
	}
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// mergeItems sums quantities of repeated products, keeping first-seen order.
func mergeItems(in []CheckoutItem) []CheckoutItem {
	out := make([]CheckoutItem, 0, len(in))
	idx := map[string]int{}
	for _, it := range in {
		id := strings.TrimSpace(it.ProductID)
		if i, ok := idx[id]; ok {
			out[i].Quantity += it.Quantity
			continue
		}
		idx[id] = len(out)
		out = append(out, CheckoutItem{ProductID: id, Quantity: it.Quantity})
	}
	return out
}

func toCents(v float64) int { return int(math.Round(v * 100)) }

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
