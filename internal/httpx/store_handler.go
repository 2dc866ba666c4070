package httpx

import (
	"net/http"

	"github.com/ariefcatur/go-streamhub/internal/catalog"
	"github.com/ariefcatur/go-streamhub/internal/fulfillment"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

func (h *Handler) listProducts(w http.ResponseWriter, r *http.Request) {
	ps, err := h.Catalog.ListProducts(r.Context())
	if err != nil {
		writeError(w, r, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, ps)
}

func (h *Handler) getProduct(w http.ResponseWriter, r *http.Request) {
	p, err := h.Catalog.GetProduct(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *Handler) checkout(w http.ResponseWriter, r *http.Request) {
	var req fulfillment.CheckoutRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, h.Log, err)
		return
	}
	req.IdempotencyKey = r.Header.Get("Idempotency-Key")
	req.TraceID = middleware.GetReqID(r.Context())

	res, err := h.Orders.Checkout(r.Context(), req)
	if err != nil {
		writeError(w, r, h.Log, err)
		return
	}
	status := http.StatusCreated
	if res.Idempotent {
		status = http.StatusOK
	}
	writeJSON(w, status, map[string]any{
		"success":     true,
		"orderId":     res.OrderID,
		"totalAmount": float64(res.TotalCents) / 100,
		"discount":    float64(res.DiscountCents) / 100,
		"total_cents": res.TotalCents,
		"idempotent":  res.Idempotent,
		"message":     "order created, confirm payment to receive your credentials",
	})
}

func (h *Handler) confirmPayment(w http.ResponseWriter, r *http.Request) {
	var req fulfillment.ConfirmRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, h.Log, err)
		return
	}
	req.TraceID = middleware.GetReqID(r.Context())

	res, err := h.Orders.ConfirmPayment(r.Context(), req)
	if err != nil {
		writeError(w, r, h.Log, err)
		return
	}
	if res.Warning != "" {
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "orderId": res.Order.ID, "warning": res.Warning})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"orderId": res.Order.ID,
		"message": "payment confirmed, check your email for the access credentials",
	})
}

func (h *Handler) ordersByEmail(w http.ResponseWriter, r *http.Request) {
	out, err := h.Orders.OrdersByEmail(r.Context(), r.URL.Query().Get("email"))
	if err != nil {
		writeError(w, r, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) validateCoupon(w http.ResponseWriter, r *http.Request) {
	c, err := h.Catalog.ValidateCoupon(r.Context(), chi.URLParam(r, "code"))
	if err != nil {
		writeError(w, r, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"valid": true, "code": c.Code, "discount_percentage": c.DiscountPercentage})
}

func (h *Handler) listReviews(w http.ResponseWriter, r *http.Request) {
	out, err := h.Catalog.ApprovedReviews(r.Context(), r.URL.Query().Get("productId"))
	if err != nil {
		writeError(w, r, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) createReview(w http.ResponseWriter, r *http.Request) {
	var in catalog.ReviewInput
	if err := decodeJSON(w, r, &in); err != nil {
		writeError(w, r, h.Log, err)
		return
	}
	rv, err := h.Catalog.CreateReview(r.Context(), in)
	if err != nil {
		writeError(w, r, h.Log, err)
		return
	}
	writeJSON(w, http.StatusCreated, rv)
}

func (h *Handler) publicSettings(w http.ResponseWriter, r *http.Request) {
	st, err := h.Catalog.PublicSettings(r.Context())
	if err != nil {
		writeError(w, r, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}
