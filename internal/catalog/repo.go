package catalog

import (
	"context"
	"errors"
	"fmt"

	"github.com/ariefcatur/go-streamhub/internal/apperr"
	"github.com/ariefcatur/go-streamhub/internal/orders"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repo is the Postgres catalog: products with their derived stock, coupons
// and reviews.
type Repo struct{ DB *pgxpool.Pool }

const productColumns = `p.id, p.name, p.description, p.price_cents, p.category, p.image_url,
	(SELECT count(*) FROM credentials c
	  WHERE c.product_id = p.id AND c.available AND c.reserved_by_order_id IS NULL),
	p.created_at, p.updated_at`

func scanProduct(row pgx.Row) (*orders.Product, error) {
	var p orders.Product
	err := row.Scan(&p.ID, &p.Name, &p.Description, &p.PriceCents, &p.Category, &p.ImageURL,
		&p.Stock, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func pgCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

// ---- products ----

func (r *Repo) ListProducts(ctx context.Context) ([]orders.Product, error) {
	rows, err := r.DB.Query(ctx, `SELECT `+productColumns+` FROM products p ORDER BY p.created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []orders.Product{}
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

func (r *Repo) GetProduct(ctx context.Context, id string) (*orders.Product, error) {
	p, err := scanProduct(r.DB.QueryRow(ctx, `SELECT `+productColumns+` FROM products p WHERE p.id=$1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.ProductNotFound(id)
	}
	return p, err
}

func (r *Repo) CreateProduct(ctx context.Context, p *orders.Product) error {
	return r.DB.QueryRow(ctx, `
		INSERT INTO products(id, name, description, price_cents, category, image_url)
		VALUES ($1,$2,$3,$4,$5,$6) RETURNING created_at, updated_at`,
		p.ID, p.Name, p.Description, p.PriceCents, p.Category, p.ImageURL,
	).Scan(&p.CreatedAt, &p.UpdatedAt)
}

func (r *Repo) UpdateProduct(ctx context.Context, p *orders.Product) error {
	err := r.DB.QueryRow(ctx, `
		UPDATE products SET name=$2, description=$3, price_cents=$4, category=$5, image_url=$6, updated_at=now()
		WHERE id=$1 RETURNING created_at, updated_at`,
		p.ID, p.Name, p.Description, p.PriceCents, p.Category, p.ImageURL,
	).Scan(&p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return apperr.ProductNotFound(p.ID)
	}
	return err
}

// DeleteProduct removes a product and its unsold credentials. Products with
// credentials held by pending orders are kept.
func (r *Repo) DeleteProduct(ctx context.Context, id string) error {
	tx, err := r.DB.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var one int
	err = tx.QueryRow(ctx, `SELECT 1 FROM products WHERE id=$1 FOR UPDATE`, id).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return apperr.ProductNotFound(id)
	}
	if err != nil {
		return err
	}
	var held int
	if err := tx.QueryRow(ctx, `SELECT count(*) FROM credentials
		WHERE product_id=$1 AND available AND reserved_by_order_id IS NOT NULL`, id).Scan(&held); err != nil {
		return err
	}
	if held > 0 {
		return apperr.Conflict("product_in_use", fmt.Sprintf("%d credential(s) are reserved by pending orders", held))
	}
	if _, err := tx.Exec(ctx, `DELETE FROM products WHERE id=$1`, id); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// ---- coupons ----

const couponColumns = `id, code, discount_percentage, active, created_at`

func scanCoupon(row pgx.Row) (*orders.Coupon, error) {
	var c orders.Coupon
	if err := row.Scan(&c.ID, &c.Code, &c.DiscountPercentage, &c.Active, &c.CreatedAt); err != nil {
		return nil, err
	}
	return &c, nil
}

var errCouponNotFound = apperr.NotFound("coupon_not_found", "coupon not found")

func (r *Repo) ListCoupons(ctx context.Context) ([]orders.Coupon, error) {
	rows, err := r.DB.Query(ctx, `SELECT `+couponColumns+` FROM coupons ORDER BY id DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []orders.Coupon{}
	for rows.Next() {
		c, err := scanCoupon(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

func (r *Repo) CouponByCode(ctx context.Context, code string) (*orders.Coupon, error) {
	c, err := scanCoupon(r.DB.QueryRow(ctx, `SELECT `+couponColumns+` FROM coupons WHERE upper(code)=upper($1)`, code))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errCouponNotFound
	}
	return c, err
}

func (r *Repo) CreateCoupon(ctx context.Context, c *orders.Coupon) error {
	err := r.DB.QueryRow(ctx, `
		INSERT INTO coupons(code, discount_percentage, active) VALUES ($1,$2,$3)
		RETURNING id, created_at`, c.Code, c.DiscountPercentage, c.Active).Scan(&c.ID, &c.CreatedAt)
	if pgCode(err) == "23505" {
		return apperr.Conflict("coupon_exists", fmt.Sprintf("coupon %s already exists", c.Code))
	}
	return err
}

func (r *Repo) SetCouponActive(ctx context.Context, id int64, active bool) (*orders.Coupon, error) {
	c, err := scanCoupon(r.DB.QueryRow(ctx, `UPDATE coupons SET active=$2 WHERE id=$1 RETURNING `+couponColumns, id, active))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errCouponNotFound
	}
	return c, err
}

func (r *Repo) DeleteCoupon(ctx context.Context, id int64) error {
	ct, err := r.DB.Exec(ctx, `DELETE FROM coupons WHERE id=$1`, id)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return errCouponNotFound
	}
	return nil
}

// ---- reviews ----

const reviewColumns = `id, product_id, author, rating, comment, approved, created_at`

var errReviewNotFound = apperr.NotFound("review_not_found", "review not found")

func scanReview(row pgx.Row) (*Review, error) {
	var rv Review
	if err := row.Scan(&rv.ID, &rv.ProductID, &rv.Author, &rv.Rating, &rv.Comment, &rv.Approved, &rv.CreatedAt); err != nil {
		return nil, err
	}
	return &rv, nil
}

func (r *Repo) CreateReview(ctx context.Context, rv *Review) error {
	err := r.DB.QueryRow(ctx, `
		INSERT INTO reviews(product_id, author, rating, comment) VALUES ($1,$2,$3,$4)
		RETURNING id, approved, created_at`, rv.ProductID, rv.Author, rv.Rating, rv.Comment,
	).Scan(&rv.ID, &rv.Approved, &rv.CreatedAt)
	if pgCode(err) == "23503" {
		return apperr.ProductNotFound(rv.ProductID)
	}
	return err
}

// ListReviews returns reviews newest first. productID narrows to one product;
// onlyApproved hides reviews still in moderation.
func (r *Repo) ListReviews(ctx context.Context, productID string, onlyApproved bool) ([]Review, error) {
	var pid any
	if productID != "" {
		pid = productID
	}
	rows, err := r.DB.Query(ctx, `SELECT `+reviewColumns+` FROM reviews
		WHERE ($1::uuid IS NULL OR product_id=$1) AND (NOT $2 OR approved)
		ORDER BY created_at DESC, id DESC`, pid, onlyApproved)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []Review{}
	for rows.Next() {
		rv, err := scanReview(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rv)
	}
	return out, rows.Err()
}

func (r *Repo) SetReviewApproved(ctx context.Context, id int64, approved bool) (*Review, error) {
	rv, err := scanReview(r.DB.QueryRow(ctx, `UPDATE reviews SET approved=$2 WHERE id=$1 RETURNING `+reviewColumns, id, approved))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errReviewNotFound
	}
	return rv, err
}

func (r *Repo) DeleteReview(ctx context.Context, id int64) error {
	ct, err := r.DB.Exec(ctx, `DELETE FROM reviews WHERE id=$1`, id)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return errReviewNotFound
	}
	return nil
}

// ---- settings ----

const settingsColumns = `store_name, primary_color, banner_url, whatsapp_number, facebook_pixel_id,
	google_analytics_id, stripe_public_key, stripe_secret_key, mercado_pago_public_key,
	mercado_pago_access_token, updated_at`

// GetSettings reads the settings row; a missing row reads as defaults.
func (r *Repo) GetSettings(ctx context.Context) (*Settings, error) {
	var st Settings
	err := r.DB.QueryRow(ctx, `SELECT `+settingsColumns+` FROM store_settings WHERE id = 1`).Scan(
		&st.StoreName, &st.PrimaryColor, &st.BannerURL, &st.WhatsAppNumber, &st.FacebookPixelID,
		&st.GoogleAnalyticsID, &st.StripePublicKey, &st.StripeSecretKey, &st.MercadoPagoPublicKey,
		&st.MercadoPagoAccessToken, &st.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return &Settings{}, nil
	}
	if err != nil {
		return nil, err
	}
	return &st, nil
}

func (r *Repo) SaveSettings(ctx context.Context, st *Settings) error {
	return r.DB.QueryRow(ctx, `
		INSERT INTO store_settings (id, store_name, primary_color, banner_url, whatsapp_number,
		       facebook_pixel_id, google_analytics_id, stripe_public_key, stripe_secret_key,
		       mercado_pago_public_key, mercado_pago_access_token, updated_at)
		VALUES (1,$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,now())
		ON CONFLICT (id) DO UPDATE SET
		       store_name=EXCLUDED.store_name, primary_color=EXCLUDED.primary_color,
		       banner_url=EXCLUDED.banner_url, whatsapp_number=EXCLUDED.whatsapp_number,
		       facebook_pixel_id=EXCLUDED.facebook_pixel_id, google_analytics_id=EXCLUDED.google_analytics_id,
		       stripe_public_key=EXCLUDED.stripe_public_key, stripe_secret_key=EXCLUDED.stripe_secret_key,
		       mercado_pago_public_key=EXCLUDED.mercado_pago_public_key,
		       mercado_pago_access_token=EXCLUDED.mercado_pago_access_token, updated_at=now()
		RETURNING updated_at`,
		st.StoreName, st.PrimaryColor, st.BannerURL, st.WhatsAppNumber, st.FacebookPixelID,
		st.GoogleAnalyticsID, st.StripePublicKey, st.StripeSecretKey, st.MercadoPagoPublicKey,
		st.MercadoPagoAccessToken,
	).Scan(&st.UpdatedAt)
}
