package httpx

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ariefcatur/go-streamhub/internal/apperr"
	"github.com/ariefcatur/go-streamhub/internal/audit"
	"github.com/ariefcatur/go-streamhub/internal/auth"
	"github.com/ariefcatur/go-streamhub/internal/catalog"
	"github.com/ariefcatur/go-streamhub/internal/fulfillment"
	"github.com/ariefcatur/go-streamhub/internal/orders"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeOrders struct {
	Fulfillment
	lastCheckout fulfillment.CheckoutRequest
	checkoutErr  error
	warning      string
	resendErr    error
}

func (f *fakeOrders) Checkout(_ context.Context, req fulfillment.CheckoutRequest) (*fulfillment.CheckoutResult, error) {
	f.lastCheckout = req
	if f.checkoutErr != nil {
		return nil, f.checkoutErr
	}
	return &fulfillment.CheckoutResult{OrderID: "o-1", SubtotalCents: 2000, DiscountCents: 200, TotalCents: 1800}, nil
}

func (f *fakeOrders) ConfirmPayment(_ context.Context, req fulfillment.ConfirmRequest) (*fulfillment.ConfirmResult, error) {
	if req.OrderID == "missing" {
		return nil, apperr.OrderNotFound(req.OrderID)
	}
	return &fulfillment.ConfirmResult{Order: &orders.Order{ID: req.OrderID}, Warning: f.warning}, nil
}

func (f *fakeOrders) ResendCredentials(_ context.Context, id string) (*orders.Order, error) {
	o := &orders.Order{ID: id, CustomerEmail: "ana@x.io", DeliveryStatus: orders.DeliverySent}
	if f.resendErr != nil {
		o.DeliveryStatus = orders.DeliveryFailed
		return o, f.resendErr
	}
	return o, nil
}

type fakeCatalog struct {
	Catalog
	err      error
	listed   string // which credential listing was asked for
	settings catalog.Settings
}

func (f *fakeCatalog) ListCredentials(context.Context, string) ([]orders.Credential, error) {
	f.listed = "all"
	return []orders.Credential{{ID: 1}, {ID: 2, Available: false}}, nil
}

func (f *fakeCatalog) ListAvailable(context.Context, string) ([]orders.Credential, error) {
	f.listed = "free"
	return []orders.Credential{{ID: 1, Available: true}}, nil
}

func (f *fakeCatalog) PublicSettings(context.Context) (*catalog.Settings, error) {
	st := f.settings
	st.StripeSecretKey = ""
	return &st, nil
}

func (f *fakeCatalog) Settings(context.Context) (*catalog.Settings, error) {
	st := f.settings
	return &st, nil
}

func (f *fakeCatalog) UpdateSettings(_ context.Context, in catalog.SettingsInput) (*catalog.Settings, error) {
	if in.StoreName == "" {
		return nil, apperr.Validation("store_name is required")
	}
	f.settings.StoreName = in.StoreName
	st := f.settings
	return &st, nil
}

func (f *fakeCatalog) ListProducts(context.Context) ([]orders.Product, error) {
	if f.err != nil {
		return nil, f.err
	}
	return []orders.Product{{ID: "p-1", Name: "Netflix", PriceCents: 2990, Stock: 3}}, nil
}

type fakeListing struct{ status orders.Status }

func (f *fakeListing) ListOrders(_ context.Context, status orders.Status, limit, offset int) ([]orders.Order, int, error) {
	f.status = status
	return []orders.Order{{ID: "o-1", Status: orders.StatusPending}}, 1, nil
}

type fakeAudit struct{ entries []audit.Entry }

func (f *fakeAudit) Record(_ context.Context, e audit.Entry) error {
	f.entries = append(f.entries, e)
	return nil
}

func (f *fakeAudit) List(context.Context, int, int) ([]audit.Entry, int, error) {
	return f.entries, len(f.entries), nil
}

type fakeTokens map[string]*auth.Principal

func (f fakeTokens) Parse(tok string) (*auth.Principal, error) {
	if p, ok := f[tok]; ok {
		return p, nil
	}
	return nil, auth.ErrInvalidToken
}

type fixture struct {
	orders  *fakeOrders
	catalog *fakeCatalog
	listing *fakeListing
	audit   *fakeAudit
	srv     http.Handler
}

func newFixture(limiter *RateLimiter) *fixture {
	f := &fixture{orders: &fakeOrders{}, catalog: &fakeCatalog{}, listing: &fakeListing{}, audit: &fakeAudit{}}
	log := zap.NewNop()
	h := &Handler{
		Orders:  f.orders,
		Catalog: f.catalog,
		Listing: f.listing,
		Audit:   f.audit,
		Tokens: fakeTokens{
			"admin": {UserID: 2, Username: "ops", Role: auth.RoleAdmin},
			"owner": {UserID: 1, Username: "root", Role: auth.RoleOwner},
			"buyer": {UserID: 9, Username: "ana@x.io", Role: auth.RoleUser},
		},
		Limiter: limiter,
		Log:     log,
	}
	r := NewRouter(log)
	h.Register(r)
	f.srv = r
	return f
}

func (f *fixture) do(method, path, token string, body any, hdr ...string) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for i := 0; i+1 < len(hdr); i += 2 {
		req.Header.Set(hdr[i], hdr[i+1])
	}
	rec := httptest.NewRecorder()
	f.srv.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestHealthz(t *testing.T) {
	f := newFixture(nil)
	rec := f.do(http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
}

func TestCheckout(t *testing.T) {
	f := newFixture(nil)
	rec := f.do(http.MethodPost, "/checkout", "", map[string]any{
		"customerName": "Ana", "customerEmail": "ana@x.io",
		"items": []map[string]any{{"productId": "p-1", "quantity": 2}},
	}, "Idempotency-Key", "k-1")

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	body := decode(t, rec)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "o-1", body["orderId"])
	assert.InDelta(t, 18.0, body["totalAmount"], 0.001)
	assert.Equal(t, "k-1", f.orders.lastCheckout.IdempotencyKey)
	assert.NotEmpty(t, f.orders.lastCheckout.TraceID, "request id is used as trace id")
	require.Len(t, f.orders.lastCheckout.Items, 1)
	assert.Equal(t, 2, f.orders.lastCheckout.Items[0].Quantity)
}

func TestCheckout_Errors(t *testing.T) {
	f := newFixture(nil)

	rec := f.do(http.MethodPost, "/checkout", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_input", decode(t, rec)["code"])

	f.orders.checkoutErr = apperr.InsufficientStock("Netflix", 2, 1)
	rec = f.do(http.MethodPost, "/checkout", "", map[string]any{"customerName": "Ana"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "insufficient_stock", body["code"])
	assert.Contains(t, body["error"], "Netflix")

	f.orders.checkoutErr = apperr.ProductNotFound("p-9")
	rec = f.do(http.MethodPost, "/checkout", "", map[string]any{"customerName": "Ana"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestConfirmPayment(t *testing.T) {
	f := newFixture(nil)

	rec := f.do(http.MethodPost, "/confirm-payment", "", map[string]any{"orderId": "o-1"})
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, true, body["success"])
	assert.Contains(t, body["message"], "check your email")
	assert.NotContains(t, body, "warning")

	f.orders.warning = "order confirmed, but the credentials email could not be sent"
	rec = f.do(http.MethodPost, "/confirm-payment", "", map[string]any{"orderId": "o-1"})
	require.Equal(t, http.StatusOK, rec.Code)
	body = decode(t, rec)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, f.orders.warning, body["warning"])

	rec = f.do(http.MethodPost, "/confirm-payment", "", map[string]any{"orderId": "missing"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "order_not_found", decode(t, rec)["code"])
}

func TestInternalErrorsAreHidden(t *testing.T) {
	f := newFixture(nil)
	f.catalog.err = errors.New(`pq: relation "products" does not exist`)

	rec := f.do(http.MethodGet, "/products", "", nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "internal server error", body["error"])
	assert.NotContains(t, rec.Body.String(), "relation")
}

func TestAdminRoutesRequireRole(t *testing.T) {
	f := newFixture(nil)

	cases := []struct {
		name, path, token string
		want              int
	}{
		{"no token", "/admin/orders", "", http.StatusUnauthorized},
		{"bad token", "/admin/orders", "forged", http.StatusUnauthorized},
		{"customer", "/admin/orders", "buyer", http.StatusForbidden},
		{"admin", "/admin/orders", "admin", http.StatusOK},
		{"admin on owner route", "/admin/logs", "admin", http.StatusForbidden},
		{"owner on owner route", "/admin/logs", "owner", http.StatusOK},
		{"owner on admin route", "/admin/products", "owner", http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := f.do(http.MethodGet, tc.path, tc.token, nil)
			assert.Equal(t, tc.want, rec.Code, rec.Body.String())
		})
	}
}

func TestListOrders(t *testing.T) {
	f := newFixture(nil)

	rec := f.do(http.MethodGet, "/admin/orders?status=pending&limit=1000", "admin", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.EqualValues(t, 1, body["total"])
	assert.EqualValues(t, 200, body["limit"])
	assert.Equal(t, orders.StatusPending, f.listing.status)

	rec = f.do(http.MethodGet, "/admin/orders?status=shipped", "admin", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestResendCredentials_IsAudited(t *testing.T) {
	f := newFixture(nil)

	rec := f.do(http.MethodPost, "/admin/orders/o-1/resend", "admin", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, f.audit.entries, 1)
	e := f.audit.entries[0]
	assert.Equal(t, audit.ActionResend, e.Action)
	assert.Equal(t, "ops", e.Username)
	require.NotNil(t, e.UserID)
	assert.EqualValues(t, 2, *e.UserID)
	assert.Contains(t, e.Details, "sent")

	f.orders.resendErr = apperr.Dispatch(errors.New("smtp: 421"))
	rec = f.do(http.MethodPost, "/admin/orders/o-1/resend", "admin", nil)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, "dispatch_failed", decode(t, rec)["code"])
	require.Len(t, f.audit.entries, 2)
	assert.Contains(t, f.audit.entries[1].Details, "failed")
}

func TestRateLimiter(t *testing.T) {
	f := newFixture(NewRateLimiter(1, zap.NewNop()))

	for i := 0; i < 3; i++ {
		rec := f.do(http.MethodPost, "/confirm-payment", "", map[string]any{"orderId": "o-1"})
		require.Equal(t, http.StatusOK, rec.Code, "request %d", i)
	}
	rec := f.do(http.MethodPost, "/confirm-payment", "", map[string]any{"orderId": "o-1"})
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "rate_limited", decode(t, rec)["code"])

	rec = f.do(http.MethodGet, "/products", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code, "reads are not limited")
}

func TestRateLimiter_Sweep(t *testing.T) {
	rl := NewRateLimiter(60, zap.NewNop())
	rl.limiter("10.0.0.1")
	rl.limiter("10.0.0.2")
	rl.ips["10.0.0.1"].seen = time.Now().Add(-time.Hour)
	rl.Sweep(time.Minute)
	assert.Len(t, rl.ips, 1)
	assert.Contains(t, rl.ips, "10.0.0.2")
}

func TestListCredentials_FreeOnly(t *testing.T) {
	f := newFixture(nil)

	rec := f.do(http.MethodGet, "/admin/products/p-1/credentials?state=free", "admin", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "free", f.catalog.listed)

	rec = f.do(http.MethodGet, "/admin/products/p-1/credentials", "admin", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "all", f.catalog.listed)

	rec = f.do(http.MethodGet, "/admin/products/p-1/credentials?state=sold", "admin", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSettings(t *testing.T) {
	f := newFixture(nil)
	f.catalog.settings = catalog.Settings{StoreName: "Stream Hub", StripePublicKey: "pk_1", StripeSecretKey: "sk_live_1"}

	rec := f.do(http.MethodGet, "/settings", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "pk_1", body["stripe_public_key"])
	assert.NotContains(t, body, "stripe_secret_key")
	assert.NotContains(t, rec.Body.String(), "sk_live")

	rec = f.do(http.MethodPut, "/admin/settings", "buyer", map[string]any{"store_name": "x"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Empty(t, f.audit.entries)

	rec = f.do(http.MethodPut, "/admin/settings", "owner", map[string]any{"store_name": "Stream Hub BR"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "Stream Hub BR", decode(t, rec)["store_name"])
	require.Len(t, f.audit.entries, 1)
	assert.Equal(t, audit.ActionSettings, f.audit.entries[0].Action)
	assert.Equal(t, "root", f.audit.entries[0].Username)

	rec = f.do(http.MethodPut, "/admin/settings", "admin", map[string]any{"store_name": ""})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Len(t, f.audit.entries, 1, "rejected updates are not audited")
}
