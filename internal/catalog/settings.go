package catalog

import (
	"context"
	"strings"
	"time"

	"github.com/ariefcatur/go-streamhub/internal/validate"
)

// Settings is the storefront's single configuration row. The Stripe secret
// key and the Mercado Pago access token never leave the back office.
type Settings struct {
	StoreName              string    `json:"store_name"`
	PrimaryColor           string    `json:"primary_color"`
	BannerURL              string    `json:"banner_url"`
	WhatsAppNumber         string    `json:"whatsapp_number"`
	FacebookPixelID        string    `json:"facebook_pixel_id"`
	GoogleAnalyticsID      string    `json:"google_analytics_id"`
	StripePublicKey        string    `json:"stripe_public_key"`
	StripeSecretKey        string    `json:"stripe_secret_key,omitempty"`
	MercadoPagoPublicKey   string    `json:"mercado_pago_public_key"`
	MercadoPagoAccessToken string    `json:"mercado_pago_access_token,omitempty"`
	UpdatedAt              time.Time `json:"updated_at"`
}

// SettingsInput replaces the settings. An empty secret keeps the stored one.
type SettingsInput struct {
	StoreName              string `json:"store_name" validate:"required,max=100"`
	PrimaryColor           string `json:"primary_color" validate:"omitempty,hexcolor"`
	BannerURL              string `json:"banner_url" validate:"omitempty,url,max=2048"`
	WhatsAppNumber         string `json:"whatsapp_number" validate:"omitempty,max=32"`
	FacebookPixelID        string `json:"facebook_pixel_id" validate:"max=64"`
	GoogleAnalyticsID      string `json:"google_analytics_id" validate:"max=64"`
	StripePublicKey        string `json:"stripe_public_key" validate:"max=256"`
	StripeSecretKey        string `json:"stripe_secret_key" validate:"max=256"`
	MercadoPagoPublicKey   string `json:"mercado_pago_public_key" validate:"max=256"`
	MercadoPagoAccessToken string `json:"mercado_pago_access_token" validate:"max=256"`
}

// PublicSettings is what the storefront shows to anonymous visitors.
func (s *Service) PublicSettings(ctx context.Context) (*Settings, error) {
	st, err := s.Store.GetSettings(ctx)
	if err != nil {
		return nil, err
	}
	st.StripeSecretKey, st.MercadoPagoAccessToken = "", ""
	return st, nil
}

// Settings is the back-office view; secrets are masked to their last four characters.
func (s *Service) Settings(ctx context.Context) (*Settings, error) {
	st, err := s.Store.GetSettings(ctx)
	if err != nil {
		return nil, err
	}
	return masked(st), nil
}

func (s *Service) UpdateSettings(ctx context.Context, in SettingsInput) (*Settings, error) {
	in.StoreName = strings.TrimSpace(in.StoreName)
	in.StripeSecretKey = strings.TrimSpace(in.StripeSecretKey)
	in.MercadoPagoAccessToken = strings.TrimSpace(in.MercadoPagoAccessToken)
	if err := validate.Struct(in); err != nil {
		return nil, err
	}
	cur, err := s.Store.GetSettings(ctx)
	if err != nil {
		return nil, err
	}
	next := &Settings{
		StoreName:              in.StoreName,
		PrimaryColor:           in.PrimaryColor,
		BannerURL:              in.BannerURL,
		WhatsAppNumber:         strings.TrimSpace(in.WhatsAppNumber),
		FacebookPixelID:        strings.TrimSpace(in.FacebookPixelID),
		GoogleAnalyticsID:      strings.TrimSpace(in.GoogleAnalyticsID),
		StripePublicKey:        strings.TrimSpace(in.StripePublicKey),
		StripeSecretKey:        keep(in.StripeSecretKey, cur.StripeSecretKey),
		MercadoPagoPublicKey:   strings.TrimSpace(in.MercadoPagoPublicKey),
		MercadoPagoAccessToken: keep(in.MercadoPagoAccessToken, cur.MercadoPagoAccessToken),
	}
	if err := s.Store.SaveSettings(ctx, next); err != nil {
		return nil, err
	}
	return masked(next), nil
}

func keep(in, cur string) string {
	if in == "" || in == mask(cur) {
		return cur
	}
	return in
}

func masked(st *Settings) *Settings {
	out := *st
	out.StripeSecretKey = mask(st.StripeSecretKey)
	out.MercadoPagoAccessToken = mask(st.MercadoPagoAccessToken)
	return &out
}

func mask(secret string) string {
	if secret == "" {
		return ""
	}
	if len(secret) <= 4 {
		return "****"
	}
	return "****" + secret[len(secret)-4:]
}
