package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"schoolgate.org/internal/audit"
	"schoolgate.org/internal/auth"
	"schoolgate.org/internal/ledger"
)

type loginRequest struct {
	// LoginKey is "ADMISSION/COURSE" for students and the numeric staff code otherwise.
	LoginKey string `json:"login_key" validate:"required,max=200"`
	Password string `json:"password" validate:"required,max=128"`
}

type tokenResponse struct {
	Token     string      `json:"token"`
	ExpiresAt time.Time   `json:"expires_at"`
	AccountID string      `json:"account_id"`
	Role      ledger.Role `json:"role"`
}

func normalizeLoginKey(raw string) string {
	if adm, course, ok := strings.Cut(raw, "/"); ok {
		return ledger.StudentLoginKey(adm, course)
	}
	return ledger.NormalizeKey(raw)
}

func (a *API) login(w http.ResponseWriter, r *http.Request) {
	if a.tokens == nil || a.store == nil {
		writeError(w, r, http.StatusServiceUnavailable, "unavailable", "login disabled")
		return
	}
	var req loginRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	key := normalizeLoginKey(req.LoginKey)
	acc, err := a.store.FindByLoginKey(r.Context(), key)
	if err != nil && !errors.Is(err, ledger.ErrNotFound) {
		handleError(w, r, err)
		return
	}
	// One answer for unknown keys, wrong passwords and inactive accounts.
	if err != nil || acc.State != ledger.StateActive || acc.PasswordHash == "" ||
		auth.VerifyPassword(acc.PasswordHash, req.Password) != nil {
		_ = audit.LogEvent(r.Context(), audit.EventLoginFailed, map[string]any{"login_key": key})
		writeError(w, r, http.StatusUnauthorized, "unauthorized", "invalid credentials")
		return
	}

	token, exp, err := a.tokens.Generate(acc.ID, []ledger.Role{acc.Role}, a.tokenTTL)
	if err != nil {
		handleError(w, r, err)
		return
	}
	ctx := auth.ContextWithPrincipal(r.Context(), auth.NewPrincipal(acc.ID, []ledger.Role{acc.Role}))
	_ = audit.LogEvent(ctx, audit.EventLogin, map[string]any{
		"account_id": acc.ID,
		"role":       string(acc.Role),
		"expires_at": exp.Format(time.RFC3339),
	})

	writeJSON(w, http.StatusOK, tokenResponse{
		Token:     token,
		ExpiresAt: exp,
		AccountID: acc.ID,
		Role:      acc.Role,
	})
}
