package orders

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/ariefcatur/go-streamhub/internal/apperr"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const credentialColumns = `id, product_id, email, password, notes, available,
	coalesce(reserved_by_order_id::text, ''), created_at`

func scanCredentials(rows pgx.Rows) ([]Credential, error) {
	defer rows.Close()
	out := []Credential{}
	for rows.Next() {
		var c Credential
		if err := rows.Scan(&c.ID, &c.ProductID, &c.Email, &c.Password, &c.Notes, &c.Available,
			&c.ReservedBy, &c.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// earliest-inserted first; RETURNING does not promise an order
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ReserveFree locks up to n free credentials of a product (skipping rows
// another transaction already holds) and marks them held by orderID. It may
// return fewer than n; the caller decides whether that is a shortfall and
// rolls back.
func (t *pgTx) ReserveFree(ctx context.Context, productID, orderID string, n int) ([]Credential, error) {
	if n <= 0 {
		return []Credential{}, nil
	}
	rows, err := t.tx.Query(ctx, `
		UPDATE credentials SET reserved_by_order_id=$2, reserved_at=now()
		WHERE id IN (
			SELECT id FROM credentials
			WHERE product_id=$1 AND available AND reserved_by_order_id IS NULL
			ORDER BY id
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+credentialColumns, productID, orderID, n)
	if err != nil {
		return nil, err
	}
	return scanCredentials(rows)
}

// HeldBy locks the still-available credentials orderID holds for a product.
func (t *pgTx) HeldBy(ctx context.Context, orderID, productID string) ([]Credential, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT `+credentialColumns+` FROM credentials
		WHERE reserved_by_order_id=$1 AND product_id=$2 AND available
		ORDER BY id
		FOR UPDATE`, orderID, productID)
	if err != nil {
		return nil, err
	}
	return scanCredentials(rows)
}

// Allocate flips held credentials to unavailable. Every id must be held by
// orderID and still available, otherwise nothing is allocated.
func (t *pgTx) Allocate(ctx context.Context, orderID string, credentialIDs []int64) error {
	if len(credentialIDs) == 0 {
		return nil
	}
	ct, err := t.tx.Exec(ctx, `
		UPDATE credentials SET available=false, allocated_at=now()
		WHERE id = ANY($2) AND reserved_by_order_id=$1 AND available`, orderID, credentialIDs)
	if err != nil {
		return err
	}
	if int(ct.RowsAffected()) != len(credentialIDs) {
		return fmt.Errorf("allocate order %s: %d of %d credentials were not held", orderID,
			len(credentialIDs)-int(ct.RowsAffected()), len(credentialIDs))
	}
	return nil
}

// ReleaseHeld returns the order's reserved-but-unallocated credentials to the pool.
func (t *pgTx) ReleaseHeld(ctx context.Context, orderID string) (int, error) {
	ct, err := t.tx.Exec(ctx, `
		UPDATE credentials SET reserved_by_order_id=NULL, reserved_at=NULL
		WHERE reserved_by_order_id=$1 AND available`, orderID)
	if err != nil {
		return 0, err
	}
	return int(ct.RowsAffected()), nil
}

// CredentialRepo is the back-office view of the credential pool.
type CredentialRepo struct{ DB *pgxpool.Pool }

type CredentialInput struct {
	Email    string `json:"email" validate:"required"`
	Password string `json:"password" validate:"required"`
	Notes    string `json:"notes"`
}

// ListAvailable returns free credentials of a product in allocation order.
func (r *CredentialRepo) ListAvailable(ctx context.Context, productID string) ([]Credential, error) {
	rows, err := r.DB.Query(ctx, `SELECT `+credentialColumns+` FROM credentials
		WHERE product_id=$1 AND available AND reserved_by_order_id IS NULL ORDER BY id`, productID)
	if err != nil {
		return nil, err
	}
	return scanCredentials(rows)
}

func (r *CredentialRepo) ListByProduct(ctx context.Context, productID string) ([]Credential, error) {
	rows, err := r.DB.Query(ctx, `SELECT `+credentialColumns+` FROM credentials
		WHERE product_id=$1 ORDER BY id`, productID)
	if err != nil {
		return nil, err
	}
	return scanCredentials(rows)
}

// Add appends credentials to a product's pool. Duplicate emails within the
// product are skipped; the number actually inserted is returned.
func (r *CredentialRepo) Add(ctx context.Context, productID string, in []CredentialInput) (int, error) {
	tx, err := r.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var exists bool
	if err := tx.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM products WHERE id=$1)`, productID).Scan(&exists); err != nil {
		return 0, err
	}
	if !exists {
		return 0, apperr.ProductNotFound(productID)
	}

	added := 0
	for _, c := range in {
		ct, err := tx.Exec(ctx, `
			INSERT INTO credentials(product_id, email, password, notes)
			VALUES ($1,$2,$3,$4)
			ON CONFLICT (product_id, email) DO NOTHING`, productID, c.Email, c.Password, c.Notes)
		if err != nil {
			return 0, err
		}
		added += int(ct.RowsAffected())
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return added, nil
}

// Delete removes a credential that has not been handed to a customer.
func (r *CredentialRepo) Delete(ctx context.Context, productID string, id int64) error {
	ct, err := r.DB.Exec(ctx, `
		DELETE FROM credentials
		WHERE id=$1 AND product_id=$2 AND available AND reserved_by_order_id IS NULL`, id, productID)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23503" {
			return apperr.Conflict("credential_in_use", "credential is referenced by an order")
		}
		return err
	}
	if ct.RowsAffected() == 0 {
		return apperr.NotFound("credential_not_found", "credential not found or already reserved")
	}
	return nil
}
