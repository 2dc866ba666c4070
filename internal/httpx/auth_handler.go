package httpx

import (
	"net/http"

	"github.com/ariefcatur/go-streamhub/internal/auth"
)

func (h *Handler) staffLogin(w http.ResponseWriter, r *http.Request) {
	var req auth.StaffLoginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, h.Log, err)
		return
	}
	s, err := h.Accounts.StaffLogin(r.Context(), req, clientIP(r))
	if err != nil {
		writeError(w, r, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

func (h *Handler) register(w http.ResponseWriter, r *http.Request) {
	var req auth.RegisterRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, h.Log, err)
		return
	}
	u, err := h.Accounts.Register(r.Context(), req)
	if err != nil {
		writeError(w, r, h.Log, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"success": true,
		"email":   u.Email,
		"message": "verification code sent",
	})
}

func (h *Handler) verify(w http.ResponseWriter, r *http.Request) {
	var req auth.VerifyRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, h.Log, err)
		return
	}
	s, err := h.Accounts.Verify(r.Context(), req)
	if err != nil {
		writeError(w, r, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

func (h *Handler) resendCode(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email string `json:"email"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, h.Log, err)
		return
	}
	if err := h.Accounts.ResendCode(r.Context(), req.Email); err != nil {
		writeError(w, r, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "verification code sent"})
}

func (h *Handler) customerLogin(w http.ResponseWriter, r *http.Request) {
	var req auth.CustomerLoginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, h.Log, err)
		return
	}
	s, err := h.Accounts.CustomerLogin(r.Context(), req)
	if err != nil {
		writeError(w, r, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}
