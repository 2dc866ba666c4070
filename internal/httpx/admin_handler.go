package httpx

import (
	"fmt"
	"net/http"

	"github.com/ariefcatur/go-streamhub/internal/apperr"
	"github.com/ariefcatur/go-streamhub/internal/audit"
	"github.com/ariefcatur/go-streamhub/internal/auth"
	"github.com/ariefcatur/go-streamhub/internal/catalog"
	"github.com/ariefcatur/go-streamhub/internal/orders"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

type pageResp[T any] struct {
	Items  []T `json:"items"`
	Total  int `json:"total"`
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

// ---- products & credentials ----

func (h *Handler) createProduct(w http.ResponseWriter, r *http.Request) {
	var in catalog.ProductInput
	if err := decodeJSON(w, r, &in); err != nil {
		writeError(w, r, h.Log, err)
		return
	}
	p, err := h.Catalog.CreateProduct(r.Context(), in)
	if err != nil {
		writeError(w, r, h.Log, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (h *Handler) updateProduct(w http.ResponseWriter, r *http.Request) {
	var in catalog.ProductInput
	if err := decodeJSON(w, r, &in); err != nil {
		writeError(w, r, h.Log, err)
		return
	}
	p, err := h.Catalog.UpdateProduct(r.Context(), chi.URLParam(r, "id"), in)
	if err != nil {
		writeError(w, r, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *Handler) deleteProduct(w http.ResponseWriter, r *http.Request) {
	if err := h.Catalog.DeleteProduct(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, r, h.Log, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// listCredentials shows the whole pool of a product, or with ?state=free
// only the credentials a checkout could still reserve.
func (h *Handler) listCredentials(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var (
		cs  []orders.Credential
		err error
	)
	switch r.URL.Query().Get("state") {
	case "":
		cs, err = h.Catalog.ListCredentials(r.Context(), id)
	case "free":
		cs, err = h.Catalog.ListAvailable(r.Context(), id)
	default:
		err = apperr.Validation("state must be empty or free")
	}
	if err != nil {
		writeError(w, r, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, cs)
}

func (h *Handler) addCredentials(w http.ResponseWriter, r *http.Request) {
	var batch catalog.CredentialBatch
	if err := decodeJSON(w, r, &batch); err != nil {
		writeError(w, r, h.Log, err)
		return
	}
	n, err := h.Catalog.AddCredentials(r.Context(), chi.URLParam(r, "id"), batch)
	if err != nil {
		writeError(w, r, h.Log, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]int{"added": n})
}

func (h *Handler) deleteCredential(w http.ResponseWriter, r *http.Request) {
	credID, err := int64Param(r, "credId")
	if err != nil {
		writeError(w, r, h.Log, err)
		return
	}
	if err := h.Catalog.DeleteCredential(r.Context(), chi.URLParam(r, "id"), credID); err != nil {
		writeError(w, r, h.Log, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ---- coupons ----

func (h *Handler) listCoupons(w http.ResponseWriter, r *http.Request) {
	cs, err := h.Catalog.ListCoupons(r.Context())
	if err != nil {
		writeError(w, r, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, cs)
}

func (h *Handler) createCoupon(w http.ResponseWriter, r *http.Request) {
	var in catalog.CouponInput
	if err := decodeJSON(w, r, &in); err != nil {
		writeError(w, r, h.Log, err)
		return
	}
	c, err := h.Catalog.CreateCoupon(r.Context(), in)
	if err != nil {
		writeError(w, r, h.Log, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

type toggleReq struct {
	Active   *bool `json:"active"`
	Approved *bool `json:"approved"`
}

func (h *Handler) toggleCoupon(w http.ResponseWriter, r *http.Request) {
	id, err := int64Param(r, "id")
	if err != nil {
		writeError(w, r, h.Log, err)
		return
	}
	var req toggleReq
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, h.Log, err)
		return
	}
	if req.Active == nil {
		writeError(w, r, h.Log, apperr.Validation("active is required"))
		return
	}
	c, err := h.Catalog.SetCouponActive(r.Context(), id, *req.Active)
	if err != nil {
		writeError(w, r, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (h *Handler) deleteCoupon(w http.ResponseWriter, r *http.Request) {
	id, err := int64Param(r, "id")
	if err != nil {
		writeError(w, r, h.Log, err)
		return
	}
	if err := h.Catalog.DeleteCoupon(r.Context(), id); err != nil {
		writeError(w, r, h.Log, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ---- reviews ----

func (h *Handler) allReviews(w http.ResponseWriter, r *http.Request) {
	out, err := h.Catalog.AllReviews(r.Context())
	if err != nil {
		writeError(w, r, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) moderateReview(w http.ResponseWriter, r *http.Request) {
	id, err := int64Param(r, "id")
	if err != nil {
		writeError(w, r, h.Log, err)
		return
	}
	var req toggleReq
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, h.Log, err)
		return
	}
	if req.Approved == nil {
		writeError(w, r, h.Log, apperr.Validation("approved is required"))
		return
	}
	rv, err := h.Catalog.ModerateReview(r.Context(), id, *req.Approved)
	if err != nil {
		writeError(w, r, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, rv)
}

func (h *Handler) deleteReview(w http.ResponseWriter, r *http.Request) {
	id, err := int64Param(r, "id")
	if err != nil {
		writeError(w, r, h.Log, err)
		return
	}
	if err := h.Catalog.DeleteReview(r.Context(), id); err != nil {
		writeError(w, r, h.Log, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ---- orders ----

func (h *Handler) listOrders(w http.ResponseWriter, r *http.Request) {
	status := orders.Status(r.URL.Query().Get("status"))
	if status != "" && !status.Valid() {
		writeError(w, r, h.Log, apperr.Validation("status must be one of [pending completed failed]"))
		return
	}
	limit, offset := page(r, 50, 200)
	out, total, err := h.Listing.ListOrders(r.Context(), status, limit, offset)
	if err != nil {
		writeError(w, r, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, pageResp[orders.Order]{Items: out, Total: total, Limit: limit, Offset: offset})
}

func (h *Handler) getOrder(w http.ResponseWriter, r *http.Request) {
	o, err := h.Orders.GetOrder(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

// resendCredentials retries delivery of a completed order. The attempt is
// audited whether or not the email goes out.
func (h *Handler) resendCredentials(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	o, err := h.Orders.ResendCredentials(r.Context(), id)
	if o != nil {
		h.recordResend(r, o, err)
	}
	if err != nil {
		writeError(w, r, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "orderId": o.ID, "delivery_status": o.DeliveryStatus})
}

func (h *Handler) recordResend(r *http.Request, o *orders.Order, sendErr error) {
	outcome := "sent"
	if sendErr != nil {
		outcome = "failed"
	}
	h.record(r, audit.ActionResend, fmt.Sprintf("order %s credentials resent to %s: %s", o.ID, o.CustomerEmail, outcome))
}

// record writes a back-office audit entry for the calling staff member. A
// failed write is logged and does not fail the request.
func (h *Handler) record(r *http.Request, action, details string) {
	if h.Audit == nil {
		return
	}
	e := audit.Entry{Action: action, Details: details, IPAddress: clientIP(r)}
	if p := principalFrom(r.Context()); p != nil {
		uid := p.UserID
		e.UserID, e.Username = &uid, p.Username
	}
	if err := h.Audit.Record(r.Context(), e); err != nil {
		h.Log.Warn("audit record failed", zap.String("action", e.Action), zap.Error(err))
	}
}

// ---- settings ----

func (h *Handler) settings(w http.ResponseWriter, r *http.Request) {
	st, err := h.Catalog.Settings(r.Context())
	if err != nil {
		writeError(w, r, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *Handler) updateSettings(w http.ResponseWriter, r *http.Request) {
	var in catalog.SettingsInput
	if err := decodeJSON(w, r, &in); err != nil {
		writeError(w, r, h.Log, err)
		return
	}
	st, err := h.Catalog.UpdateSettings(r.Context(), in)
	if err != nil {
		writeError(w, r, h.Log, err)
		return
	}
	h.record(r, audit.ActionSettings, "store settings updated: "+st.StoreName)
	writeJSON(w, http.StatusOK, st)
}

// ---- staff & audit log ----

func (h *Handler) listUsers(w http.ResponseWriter, r *http.Request) {
	us, err := h.Accounts.ListStaff(r.Context())
	if err != nil {
		writeError(w, r, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, us)
}

func (h *Handler) createUser(w http.ResponseWriter, r *http.Request) {
	var req auth.CreateUserRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, h.Log, err)
		return
	}
	u, err := h.Accounts.CreateStaff(r.Context(), principalFrom(r.Context()), clientIP(r), req)
	if err != nil {
		writeError(w, r, h.Log, err)
		return
	}
	writeJSON(w, http.StatusCreated, u)
}

func (h *Handler) updateUser(w http.ResponseWriter, r *http.Request) {
	id, err := int64Param(r, "id")
	if err != nil {
		writeError(w, r, h.Log, err)
		return
	}
	var req auth.UpdateUserRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, h.Log, err)
		return
	}
	u, err := h.Accounts.UpdateStaff(r.Context(), principalFrom(r.Context()), clientIP(r), id, req)
	if err != nil {
		writeError(w, r, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

func (h *Handler) deleteUser(w http.ResponseWriter, r *http.Request) {
	id, err := int64Param(r, "id")
	if err != nil {
		writeError(w, r, h.Log, err)
		return
	}
	if err := h.Accounts.DeleteStaff(r.Context(), principalFrom(r.Context()), clientIP(r), id); err != nil {
		writeError(w, r, h.Log, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) listLogs(w http.ResponseWriter, r *http.Request) {
	limit, offset := page(r, 100, 500)
	out, total, err := h.Audit.List(r.Context(), limit, offset)
	if err != nil {
		writeError(w, r, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, pageResp[audit.Entry]{Items: out, Total: total, Limit: limit, Offset: offset})
}
