package orders

import "time"

type Product struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	PriceCents  int       `json:"price_cents"`
	Category    string    `json:"category"`
	ImageURL    string    `json:"image_url"`
	Stock       int       `json:"stock"` // free credentials, derived
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type Credential struct {
	ID         int64     `json:"id"`
	ProductID  string    `json:"product_id"`
	Email      string    `json:"email"`
	Password   string    `json:"password"`
	Notes      string    `json:"notes,omitempty"`
	Available  bool      `json:"available"`
	ReservedBy string    `json:"reserved_by_order_id,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// LineItem is the checkout-time snapshot of a product, so later product
// edits do not change historical orders.
type LineItem struct {
	ProductID  string `json:"product_id"`
	Name       string `json:"name"`
	PriceCents int    `json:"price_cents"`
	Quantity   int    `json:"quantity"`
}

type SentCredential struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Notes    string `json:"notes,omitempty"`
}

// CredentialBundle is what a completed order received for one product.
type CredentialBundle struct {
	ProductID   string           `json:"productId"`
	ProductName string           `json:"productName"`
	Credentials []SentCredential `json:"credentials"`
	Quantity    int              `json:"quantity"`
}

type Order struct {
	ID              string             `json:"id"`
	CustomerName    string             `json:"customer_name"`
	CustomerEmail   string             `json:"customer_email"`
	Items           []LineItem         `json:"items"`
	SubtotalCents   int                `json:"subtotal_cents"`
	DiscountCents   int                `json:"discount_cents"`
	TotalCents      int                `json:"total_cents"`
	CouponCode      string             `json:"coupon_code,omitempty"`
	Status          Status             `json:"status"`
	PaymentMethod   string             `json:"payment_method,omitempty"`
	CredentialsSent []CredentialBundle `json:"credentials_sent"`
	DeliveryStatus  DeliveryStatus     `json:"delivery_status"`
	DeliveryError   string             `json:"delivery_error,omitempty"`
	CreatedAt       time.Time          `json:"created_at"`
	PaidAt          *time.Time         `json:"paid_at,omitempty"`
	UpdatedAt       time.Time          `json:"updated_at"`

	// IdempotencyKey is the checkout's Idempotency-Key header, unique across orders.
	IdempotencyKey string `json:"-"`
}

type Coupon struct {
	ID                 int64     `json:"id"`
	Code               string    `json:"code"`
	DiscountPercentage int       `json:"discount_percentage"`
	Active             bool      `json:"active"`
	CreatedAt          time.Time `json:"created_at"`
}

// Discount returns the discount in cents for subtotal, rounded down.
func (c Coupon) Discount(subtotalCents int) int {
	if !c.Active || c.DiscountPercentage <= 0 {
		return 0
	}
	pct := c.DiscountPercentage
	if pct > 100 {
		pct = 100
	}
	return subtotalCents * pct / 100
}
