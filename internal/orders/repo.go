package orders

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ariefcatur/go-streamhub/internal/apperr"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Tx is the unit of work the fulfillment flow runs inside. Every method runs
// on the same database transaction; row locks are held until commit.
type Tx interface {
	ProductsByID(ctx context.Context, ids []string) (map[string]Product, error)
	CouponByCode(ctx context.Context, code string) (*Coupon, error)
	InsertOrder(ctx context.Context, o *Order) error
	LockOrder(ctx context.Context, id string) (*Order, error)
	CompleteOrder(ctx context.Context, o *Order) error
	FailOrder(ctx context.Context, id string) error

	ReserveFree(ctx context.Context, productID, orderID string, n int) ([]Credential, error)
	HeldBy(ctx context.Context, orderID, productID string) ([]Credential, error)
	Allocate(ctx context.Context, orderID string, credentialIDs []int64) error
	ReleaseHeld(ctx context.Context, orderID string) (int, error)
}

type Repo struct{ DB *pgxpool.Pool }

// InTx runs fn in a transaction; any error from fn rolls everything back.
func (r *Repo) InTx(ctx context.Context, fn func(Tx) error) error {
	tx, err := r.DB.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(&pgTx{tx: tx}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

type pgTx struct{ tx pgx.Tx }

const orderColumns = `id, customer_name, customer_email, items, subtotal_cents, discount_cents, total_cents,
	coupon_code, status, payment_method, credentials_sent, delivery_status, delivery_error,
	created_at, paid_at, updated_at`

func scanOrder(row pgx.Row) (*Order, error) {
	var (
		o             Order
		items, sent   []byte
		status, deliv string
	)
	err := row.Scan(&o.ID, &o.CustomerName, &o.CustomerEmail, &items, &o.SubtotalCents, &o.DiscountCents,
		&o.TotalCents, &o.CouponCode, &status, &o.PaymentMethod, &sent, &deliv, &o.DeliveryError,
		&o.CreatedAt, &o.PaidAt, &o.UpdatedAt)
	if err != nil {
		return nil, err
	}
	o.Status = Status(status)
	o.DeliveryStatus = DeliveryStatus(deliv)
	if err := json.Unmarshal(items, &o.Items); err != nil {
		return nil, fmt.Errorf("decode items of order %s: %w", o.ID, err)
	}
	if err := json.Unmarshal(sent, &o.CredentialsSent); err != nil {
		return nil, fmt.Errorf("decode credentials_sent of order %s: %w", o.ID, err)
	}
	if o.CredentialsSent == nil {
		o.CredentialsSent = []CredentialBundle{}
	}
	return &o, nil
}

func (t *pgTx) ProductsByID(ctx context.Context, ids []string) (map[string]Product, error) {
	out := map[string]Product{}
	if len(ids) == 0 {
		return out, nil
	}
	args := make([]any, 0, len(ids))
	params := make([]string, 0, len(ids))
	for i, id := range ids {
		params = append(params, fmt.Sprintf("$%d", i+1))
		args = append(args, id)
	}
	rows, err := t.tx.Query(ctx, `
		SELECT p.id, p.name, p.description, p.price_cents, p.category, p.image_url,
		       (SELECT count(*) FROM credentials c
		         WHERE c.product_id = p.id AND c.available AND c.reserved_by_order_id IS NULL),
		       p.created_at, p.updated_at
		FROM products p WHERE p.id IN (`+strings.Join(params, ",")+`)`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var p Product
		if err := rows.Scan(&p.ID, &p.Name, &p.Description, &p.PriceCents, &p.Category, &p.ImageURL,
			&p.Stock, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		out[p.ID] = p
	}
	return out, rows.Err()
}

func (t *pgTx) CouponByCode(ctx context.Context, code string) (*Coupon, error) {
	var c Coupon
	err := t.tx.QueryRow(ctx, `
		SELECT id, code, discount_percentage, active, created_at
		FROM coupons WHERE upper(code) = upper($1)`, code).
		Scan(&c.ID, &c.Code, &c.DiscountPercentage, &c.Active, &c.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("coupon_not_found", fmt.Sprintf("coupon %s not found", code))
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// ErrDuplicateCheckout reports that another order already holds the
// idempotency key being inserted.
var ErrDuplicateCheckout = errors.New("orders: idempotency key already used")

// InsertOrder stores a new pending order. A concurrent insert with the same
// idempotency key blocks on the unique index until the first transaction
// settles; if that one committed, ErrDuplicateCheckout is returned.
func (t *pgTx) InsertOrder(ctx context.Context, o *Order) error {
	items, err := json.Marshal(o.Items)
	if err != nil {
		return err
	}
	var key *string
	if o.IdempotencyKey != "" {
		key = &o.IdempotencyKey
	}
	err = t.tx.QueryRow(ctx, `
		INSERT INTO orders(id, customer_name, customer_email, items, subtotal_cents, discount_cents,
		                   total_cents, coupon_code, status, idempotency_key)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (idempotency_key) DO NOTHING
		RETURNING created_at, updated_at`,
		o.ID, o.CustomerName, o.CustomerEmail, items, o.SubtotalCents, o.DiscountCents,
		o.TotalCents, o.CouponCode, string(o.Status), key,
	).Scan(&o.CreatedAt, &o.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrDuplicateCheckout
	}
	return err
}

func (t *pgTx) LockOrder(ctx context.Context, id string) (*Order, error) {
	o, err := scanOrder(t.tx.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id=$1 FOR UPDATE`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.OrderNotFound(id)
	}
	return o, err
}

// CompleteOrder writes the allocation snapshot. The status guard makes a
// second completion a no-op at the SQL level as well.
func (t *pgTx) CompleteOrder(ctx context.Context, o *Order) error {
	sent, err := json.Marshal(o.CredentialsSent)
	if err != nil {
		return err
	}
	ct, err := t.tx.Exec(ctx, `
		UPDATE orders
		SET status='completed', credentials_sent=$2, payment_method=$3, paid_at=$4, updated_at=now()
		WHERE id=$1 AND status='pending'`,
		o.ID, sent, o.PaymentMethod, o.PaidAt)
	if err != nil {
		return err
	}
	if ct.RowsAffected() != 1 {
		return apperr.ErrAlreadyPaid
	}
	return nil
}

func (t *pgTx) FailOrder(ctx context.Context, id string) error {
	_, err := t.tx.Exec(ctx, `UPDATE orders SET status='failed', updated_at=now() WHERE id=$1 AND status='pending'`, id)
	return err
}

// ---- reads & updates outside the fulfillment transaction ----

func (r *Repo) GetOrder(ctx context.Context, id string) (*Order, error) {
	o, err := scanOrder(r.DB.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id=$1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.OrderNotFound(id)
	}
	return o, err
}

// OrderByIdempotencyKey returns the order created under key.
func (r *Repo) OrderByIdempotencyKey(ctx context.Context, key string) (*Order, error) {
	o, err := scanOrder(r.DB.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE idempotency_key=$1`, key))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("order_not_found", "no order for idempotency key")
	}
	if err != nil {
		return nil, err
	}
	o.IdempotencyKey = key
	return o, nil
}

func (r *Repo) OrdersByEmail(ctx context.Context, email string) ([]Order, error) {
	rows, err := r.DB.Query(ctx, `SELECT `+orderColumns+` FROM orders
		WHERE customer_email=$1 ORDER BY created_at DESC`, strings.ToLower(email))
	if err != nil {
		return nil, err
	}
	return collectOrders(rows)
}

// ListOrders pages over all orders, newest first. Empty status means any.
func (r *Repo) ListOrders(ctx context.Context, status Status, limit, offset int) ([]Order, int, error) {
	var total int
	if err := r.DB.QueryRow(ctx, `SELECT count(*) FROM orders WHERE ($1 = '' OR status = $1)`, string(status)).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.DB.Query(ctx, `SELECT `+orderColumns+` FROM orders
		WHERE ($1 = '' OR status = $1) ORDER BY created_at DESC LIMIT $2 OFFSET $3`,
		string(status), limit, offset)
	if err != nil {
		return nil, 0, err
	}
	out, err := collectOrders(rows)
	return out, total, err
}

func collectOrders(rows pgx.Rows) ([]Order, error) {
	defer rows.Close()
	out := []Order{}
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *o)
	}
	return out, rows.Err()
}

func (r *Repo) SetDelivery(ctx context.Context, id string, status DeliveryStatus, reason string) error {
	_, err := r.DB.Exec(ctx, `UPDATE orders SET delivery_status=$2, delivery_error=$3, updated_at=now() WHERE id=$1`,
		id, string(status), reason)
	return err
}

// StalePending lists pending orders created before cutoff, oldest first.
func (r *Repo) StalePending(ctx context.Context, cutoff time.Time, limit int) ([]string, error) {
	rows, err := r.DB.Query(ctx, `SELECT id FROM orders WHERE status='pending' AND created_at < $1
		ORDER BY created_at LIMIT $2`, cutoff, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
