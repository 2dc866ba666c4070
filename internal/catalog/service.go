// Package catalog is the storefront's back office: products, the credential
// pool behind them, coupons, reviews and store settings.
package catalog

import (
	"context"
	"strings"
	"time"

	"github.com/ariefcatur/go-streamhub/internal/apperr"
	"github.com/ariefcatur/go-streamhub/internal/orders"
	"github.com/ariefcatur/go-streamhub/internal/validate"
	"github.com/google/uuid"
)

type Review struct {
	ID        int64     `json:"id"`
	ProductID string    `json:"product_id"`
	Author    string    `json:"author"`
	Rating    int       `json:"rating"`
	Comment   string    `json:"comment"`
	Approved  bool      `json:"approved"`
	CreatedAt time.Time `json:"created_at"`
}

type Store interface {
	ListProducts(ctx context.Context) ([]orders.Product, error)
	GetProduct(ctx context.Context, id string) (*orders.Product, error)
	CreateProduct(ctx context.Context, p *orders.Product) error
	UpdateProduct(ctx context.Context, p *orders.Product) error
	DeleteProduct(ctx context.Context, id string) error

	ListCoupons(ctx context.Context) ([]orders.Coupon, error)
	CouponByCode(ctx context.Context, code string) (*orders.Coupon, error)
	CreateCoupon(ctx context.Context, c *orders.Coupon) error
	SetCouponActive(ctx context.Context, id int64, active bool) (*orders.Coupon, error)
	DeleteCoupon(ctx context.Context, id int64) error

	CreateReview(ctx context.Context, r *Review) error
	ListReviews(ctx context.Context, productID string, onlyApproved bool) ([]Review, error)
	SetReviewApproved(ctx context.Context, id int64, approved bool) (*Review, error)
	DeleteReview(ctx context.Context, id int64) error

	GetSettings(ctx context.Context) (*Settings, error)
	SaveSettings(ctx context.Context, st *Settings) error
}

// CredentialPool is the back-office side of the pool; *orders.CredentialRepo
// satisfies it.
type CredentialPool interface {
	ListAvailable(ctx context.Context, productID string) ([]orders.Credential, error)
	ListByProduct(ctx context.Context, productID string) ([]orders.Credential, error)
	Add(ctx context.Context, productID string, in []orders.CredentialInput) (int, error)
	Delete(ctx context.Context, productID string, id int64) error
}

type Service struct {
	Store       Store
	Credentials CredentialPool
}

type ProductInput struct {
	Name        string `json:"name" validate:"required,max=200"`
	Description string `json:"description" validate:"max=5000"`
	PriceCents  int    `json:"price_cents" validate:"gte=0,lte=100000000"`
	Category    string `json:"category" validate:"max=100"`
	ImageURL    string `json:"image_url" validate:"omitempty,url,max=2048"`
}

type CouponInput struct {
	Code               string `json:"code" validate:"required,alphanum,max=64"`
	DiscountPercentage int    `json:"discount_percentage" validate:"min=1,max=100"`
	Active             *bool  `json:"active"`
}

type ReviewInput struct {
	ProductID string `json:"product_id" validate:"required,uuid"`
	Author    string `json:"author" validate:"required,max=100"`
	Rating    int    `json:"rating" validate:"min=1,max=5"`
	Comment   string `json:"comment" validate:"max=2000"`
}

type CredentialBatch struct {
	Credentials []orders.CredentialInput `json:"credentials" validate:"required,min=1,max=1000,dive"`
}

func productID(id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return apperr.ProductNotFound(id)
	}
	return nil
}

// ---- products ----

func (s *Service) ListProducts(ctx context.Context) ([]orders.Product, error) {
	return s.Store.ListProducts(ctx)
}

func (s *Service) GetProduct(ctx context.Context, id string) (*orders.Product, error) {
	if err := productID(id); err != nil {
		return nil, err
	}
	return s.Store.GetProduct(ctx, id)
}

func (s *Service) CreateProduct(ctx context.Context, in ProductInput) (*orders.Product, error) {
	in.Name = strings.TrimSpace(in.Name)
	if err := validate.Struct(in); err != nil {
		return nil, err
	}
	p := &orders.Product{
		ID: uuid.NewString(), Name: in.Name, Description: in.Description,
		PriceCents: in.PriceCents, Category: in.Category, ImageURL: in.ImageURL,
	}
	if err := s.Store.CreateProduct(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// UpdateProduct edits catalog data only. Stock follows the credential pool
// and past orders keep their checkout snapshot.
func (s *Service) UpdateProduct(ctx context.Context, id string, in ProductInput) (*orders.Product, error) {
	if err := productID(id); err != nil {
		return nil, err
	}
	in.Name = strings.TrimSpace(in.Name)
	if err := validate.Struct(in); err != nil {
		return nil, err
	}
	p := &orders.Product{
		ID: id, Name: in.Name, Description: in.Description,
		PriceCents: in.PriceCents, Category: in.Category, ImageURL: in.ImageURL,
	}
	if err := s.Store.UpdateProduct(ctx, p); err != nil {
		return nil, err
	}
	return s.Store.GetProduct(ctx, id)
}

func (s *Service) DeleteProduct(ctx context.Context, id string) error {
	if err := productID(id); err != nil {
		return err
	}
	return s.Store.DeleteProduct(ctx, id)
}

// ---- credential pool ----

func (s *Service) AddCredentials(ctx context.Context, id string, batch CredentialBatch) (int, error) {
	if err := productID(id); err != nil {
		return 0, err
	}
	for i := range batch.Credentials {
		batch.Credentials[i].Email = strings.TrimSpace(batch.Credentials[i].Email)
	}
	if err := validate.Struct(batch); err != nil {
		return 0, err
	}
	return s.Credentials.Add(ctx, id, batch.Credentials)
}

func (s *Service) ListCredentials(ctx context.Context, id string) ([]orders.Credential, error) {
	if err := productID(id); err != nil {
		return nil, err
	}
	if _, err := s.Store.GetProduct(ctx, id); err != nil {
		return nil, err
	}
	return s.Credentials.ListByProduct(ctx, id)
}

// ListAvailable returns the free credentials of a product in the order they
// would be handed out.
func (s *Service) ListAvailable(ctx context.Context, id string) ([]orders.Credential, error) {
	if err := productID(id); err != nil {
		return nil, err
	}
	return s.Credentials.ListAvailable(ctx, id)
}

func (s *Service) DeleteCredential(ctx context.Context, id string, credentialID int64) error {
	if err := productID(id); err != nil {
		return err
	}
	return s.Credentials.Delete(ctx, id, credentialID)
}

// ---- coupons ----

func (s *Service) ListCoupons(ctx context.Context) ([]orders.Coupon, error) {
	return s.Store.ListCoupons(ctx)
}

func (s *Service) CreateCoupon(ctx context.Context, in CouponInput) (*orders.Coupon, error) {
	in.Code = strings.ToUpper(strings.TrimSpace(in.Code))
	if err := validate.Struct(in); err != nil {
		return nil, err
	}
	c := &orders.Coupon{Code: in.Code, DiscountPercentage: in.DiscountPercentage, Active: true}
	if in.Active != nil {
		c.Active = *in.Active
	}
	if err := s.Store.CreateCoupon(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

func (s *Service) SetCouponActive(ctx context.Context, id int64, active bool) (*orders.Coupon, error) {
	return s.Store.SetCouponActive(ctx, id, active)
}

func (s *Service) DeleteCoupon(ctx context.Context, id int64) error {
	return s.Store.DeleteCoupon(ctx, id)
}

// ValidateCoupon answers the storefront's "is this code usable" question.
// Inactive coupons look the same as unknown ones.
func (s *Service) ValidateCoupon(ctx context.Context, code string) (*orders.Coupon, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return nil, apperr.Validation("coupon code is required")
	}
	c, err := s.Store.CouponByCode(ctx, code)
	if err != nil {
		return nil, err
	}
	if !c.Active {
		return nil, apperr.NotFound("coupon_not_found", "invalid or expired coupon")
	}
	return c, nil
}

// ---- reviews ----

// CreateReview stores a review in moderation; it is hidden until approved.
func (s *Service) CreateReview(ctx context.Context, in ReviewInput) (*Review, error) {
	in.Author = strings.TrimSpace(in.Author)
	if err := validate.Struct(in); err != nil {
		return nil, err
	}
	r := &Review{ProductID: in.ProductID, Author: in.Author, Rating: in.Rating, Comment: in.Comment}
	if err := s.Store.CreateReview(ctx, r); err != nil {
		return nil, err
	}
	return r, nil
}

func (s *Service) ApprovedReviews(ctx context.Context, productID string) ([]Review, error) {
	if productID != "" {
		if _, err := uuid.Parse(productID); err != nil {
			return []Review{}, nil
		}
	}
	return s.Store.ListReviews(ctx, productID, true)
}

func (s *Service) AllReviews(ctx context.Context) ([]Review, error) {
	return s.Store.ListReviews(ctx, "", false)
}

func (s *Service) ModerateReview(ctx context.Context, id int64, approved bool) (*Review, error) {
	return s.Store.SetReviewApproved(ctx, id, approved)
}

func (s *Service) DeleteReview(ctx context.Context, id int64) error {
	return s.Store.DeleteReview(ctx, id)
}
