package httpapi

import (
	"net/http"
	"strconv"

	"schoolgate.org/internal/auth"
	"schoolgate.org/internal/gate"
	"schoolgate.org/internal/receipt"
)

type verifyRequest struct {
	Identifier string `json:"identifier" validate:"required,max=64"`
	Course     string `json:"course" validate:"required,max=128"`
	Code       string `json:"code" validate:"omitempty,max=16"`
}

// verifyResponse is the outcome card shown on the gate terminal.
type verifyResponse struct {
	gate.Result
	Code      string `json:"code,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

var outcomeStatus = map[gate.Outcome]struct {
	status int
	code   string
}{
	gate.Granted:               {http.StatusOK, ""},
	gate.DeniedNotFound:        {http.StatusNotFound, "not_found"},
	gate.DeniedExpired:         {http.StatusForbidden, "expired"},
	gate.DeniedInvalidCode:     {http.StatusForbidden, "invalid_code"},
	gate.DeniedNeedsCode:       {http.StatusPreconditionRequired, "code_required"},
	gate.DeniedAlreadyVerified: {http.StatusConflict, "already_verified"},
}

func (a *API) verify(w http.ResponseWriter, r *http.Request) {
	if _, err := requirePermission(r.Context(), auth.PermGateVerify); err != nil {
		handleError(w, r, err)
		return
	}
	var req verifyRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}
	res, err := a.engine.Verify(r.Context(), gate.Request{
		Identifier: req.Identifier,
		Course:     req.Course,
		Code:       req.Code,
	})
	if err != nil {
		handleError(w, r, err)
		return
	}
	st := outcomeStatus[res.Outcome]
	writeJSON(w, st.status, verifyResponse{
		Result:    res,
		Code:      st.code,
		RequestID: RequestIDFromContext(r.Context()),
	})
}

// receiptReader decides who may read accountID's receipt. owner is true only for the
// student it was issued to; everyone else sees it without the challenge code.
func receiptReader(r *http.Request, accountID string) (owner bool, err error) {
	p, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		return false, auth.ErrUnauthorized
	}
	return receiptAccess(p, accountID)
}

func receiptAccess(p auth.Principal, accountID string) (owner bool, err error) {
	if p.HasPermission(auth.PermReceiptReadOwn) && p.UserID == accountID {
		return true, nil
	}
	if p.HasPermission(auth.PermReceiptRead) {
		return false, nil
	}
	return false, auth.ErrForbidden
}

func (a *API) getReceipt(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	owner, err := receiptReader(r, id)
	if err != nil {
		handleError(w, r, err)
		return
	}
	view, err := a.engine.Receipt(r.Context(), id)
	if err != nil {
		handleError(w, r, err)
		return
	}
	if !owner {
		view = view.WithoutCode()
	}
	writeJSON(w, http.StatusOK, view)
}

func (a *API) getReceiptQR(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	owner, err := receiptReader(r, id)
	if err != nil {
		handleError(w, r, err)
		return
	}
	// The QR encodes the code.
	if !owner {
		handleError(w, r, auth.ErrForbidden)
		return
	}
	size := receipt.DefaultQRSize
	if raw := r.URL.Query().Get("size"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 64 || n > 1024 {
			writeError(w, r, http.StatusBadRequest, "validation", "size must be between 64 and 1024")
			return
		}
		size = n
	}
	view, err := a.engine.Receipt(r.Context(), id)
	if err != nil {
		handleError(w, r, err)
		return
	}
	if !view.Valid {
		writeError(w, r, http.StatusGone, "receipt_expired", "receipt is no longer valid")
		return
	}
	png, err := receipt.RenderQR(view.Receipt, size)
	if err != nil {
		handleError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(png)
}
