package httpx

import (
	"context"

	"github.com/ariefcatur/go-streamhub/internal/audit"
	"github.com/ariefcatur/go-streamhub/internal/auth"
	"github.com/ariefcatur/go-streamhub/internal/catalog"
	"github.com/ariefcatur/go-streamhub/internal/fulfillment"
	"github.com/ariefcatur/go-streamhub/internal/orders"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// Fulfillment is the order side of the store; *fulfillment.Service satisfies it.
type Fulfillment interface {
	Checkout(ctx context.Context, req fulfillment.CheckoutRequest) (*fulfillment.CheckoutResult, error)
	ConfirmPayment(ctx context.Context, req fulfillment.ConfirmRequest) (*fulfillment.ConfirmResult, error)
	OrdersByEmail(ctx context.Context, email string) ([]orders.Order, error)
	GetOrder(ctx context.Context, id string) (*orders.Order, error)
	ResendCredentials(ctx context.Context, id string) (*orders.Order, error)
}

// Catalog is satisfied by *catalog.Service.
type Catalog interface {
	ListProducts(ctx context.Context) ([]orders.Product, error)
	GetProduct(ctx context.Context, id string) (*orders.Product, error)
	CreateProduct(ctx context.Context, in catalog.ProductInput) (*orders.Product, error)
	UpdateProduct(ctx context.Context, id string, in catalog.ProductInput) (*orders.Product, error)
	DeleteProduct(ctx context.Context, id string) error

	AddCredentials(ctx context.Context, productID string, batch catalog.CredentialBatch) (int, error)
	ListCredentials(ctx context.Context, productID string) ([]orders.Credential, error)
	ListAvailable(ctx context.Context, productID string) ([]orders.Credential, error)
	DeleteCredential(ctx context.Context, productID string, credentialID int64) error

	ListCoupons(ctx context.Context) ([]orders.Coupon, error)
	CreateCoupon(ctx context.Context, in catalog.CouponInput) (*orders.Coupon, error)
	SetCouponActive(ctx context.Context, id int64, active bool) (*orders.Coupon, error)
	DeleteCoupon(ctx context.Context, id int64) error
	ValidateCoupon(ctx context.Context, code string) (*orders.Coupon, error)

	CreateReview(ctx context.Context, in catalog.ReviewInput) (*catalog.Review, error)
	ApprovedReviews(ctx context.Context, productID string) ([]catalog.Review, error)
	AllReviews(ctx context.Context) ([]catalog.Review, error)
	ModerateReview(ctx context.Context, id int64, approved bool) (*catalog.Review, error)
	DeleteReview(ctx context.Context, id int64) error

	PublicSettings(ctx context.Context) (*catalog.Settings, error)
	Settings(ctx context.Context) (*catalog.Settings, error)
	UpdateSettings(ctx context.Context, in catalog.SettingsInput) (*catalog.Settings, error)
}

// Accounts is satisfied by *auth.Service.
type Accounts interface {
	StaffLogin(ctx context.Context, req auth.StaffLoginRequest, ip string) (*auth.Session, error)
	Register(ctx context.Context, req auth.RegisterRequest) (*auth.User, error)
	Verify(ctx context.Context, req auth.VerifyRequest) (*auth.Session, error)
	ResendCode(ctx context.Context, email string) error
	CustomerLogin(ctx context.Context, req auth.CustomerLoginRequest) (*auth.Session, error)

	ListStaff(ctx context.Context) ([]auth.User, error)
	CreateStaff(ctx context.Context, actor *auth.Principal, ip string, req auth.CreateUserRequest) (*auth.User, error)
	UpdateStaff(ctx context.Context, actor *auth.Principal, ip string, id int64, req auth.UpdateUserRequest) (*auth.User, error)
	DeleteStaff(ctx context.Context, actor *auth.Principal, ip string, id int64) error
}

// OrderLister is the back-office order listing; *orders.Repo satisfies it.
type OrderLister interface {
	ListOrders(ctx context.Context, status orders.Status, limit, offset int) ([]orders.Order, int, error)
}

// AuditLog is satisfied by *audit.Repo.
type AuditLog interface {
	Record(ctx context.Context, e audit.Entry) error
	List(ctx context.Context, limit, offset int) ([]audit.Entry, int, error)
}

type Handler struct {
	Orders   Fulfillment
	Catalog  Catalog
	Accounts Accounts
	Listing  OrderLister
	Audit    AuditLog
	Tokens   TokenParser
	Limiter  *RateLimiter
	Log      *zap.Logger
}

func (h *Handler) Register(r chi.Router) {
	limited := func(r chi.Router) {
		if h.Limiter != nil {
			r.Use(h.Limiter.Middleware)
		}
	}

	r.Get("/products", h.listProducts)
	r.Get("/products/{id}", h.getProduct)
	r.Get("/orders", h.ordersByEmail)
	r.Get("/coupons/{code}", h.validateCoupon)
	r.Get("/reviews", h.listReviews)
	r.Post("/reviews", h.createReview)
	r.Get("/settings", h.publicSettings)

	r.Group(func(r chi.Router) {
		limited(r)
		r.Post("/checkout", h.checkout)
		r.Post("/confirm-payment", h.confirmPayment)
		r.Post("/auth/customer/register", h.register)
		r.Post("/auth/customer/verify", h.verify)
		r.Post("/auth/customer/resend-code", h.resendCode)
		r.Post("/auth/customer/login", h.customerLogin)
	})

	r.Route("/admin", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			limited(r)
			r.Post("/login", h.staffLogin)
		})

		r.Group(func(r chi.Router) {
			r.Use(RequireRole(h.Tokens, h.Log, auth.RoleAdmin, auth.RoleOwner))

			r.Get("/products", h.listProducts)
			r.Post("/products", h.createProduct)
			r.Put("/products/{id}", h.updateProduct)
			r.Delete("/products/{id}", h.deleteProduct)
			r.Get("/products/{id}/credentials", h.listCredentials)
			r.Post("/products/{id}/credentials", h.addCredentials)
			r.Delete("/products/{id}/credentials/{credId}", h.deleteCredential)

			r.Get("/coupons", h.listCoupons)
			r.Post("/coupons", h.createCoupon)
			r.Patch("/coupons/{id}", h.toggleCoupon)
			r.Delete("/coupons/{id}", h.deleteCoupon)

			r.Get("/reviews", h.allReviews)
			r.Patch("/reviews/{id}", h.moderateReview)
			r.Delete("/reviews/{id}", h.deleteReview)

			r.Get("/orders", h.listOrders)
			r.Get("/orders/{id}", h.getOrder)
			r.Post("/orders/{id}/resend", h.resendCredentials)

			r.Get("/settings", h.settings)
			r.Put("/settings", h.updateSettings)
		})

		r.Group(func(r chi.Router) {
			r.Use(RequireRole(h.Tokens, h.Log, auth.RoleOwner))
			r.Get("/users", h.listUsers)
			r.Post("/users", h.createUser)
			r.Patch("/users/{id}", h.updateUser)
			r.Delete("/users/{id}", h.deleteUser)
			r.Get("/logs", h.listLogs)
		})
	})
}
