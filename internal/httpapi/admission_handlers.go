package httpapi

import (
	"net/http"

	"schoolgate.org/internal/admission"
	"schoolgate.org/internal/auth"
	"schoolgate.org/internal/ledger"
)

type enrollRequest struct {
	Role            string `json:"role" validate:"required,oneof=student teacher finance enrollment gate admin"`
	Name            string `json:"name" validate:"required,max=200"`
	Email           string `json:"email" validate:"omitempty,email,max=254"`
	AdmissionNumber string `json:"admission_number" validate:"required_if=Role student,max=64"`
	Course          string `json:"course" validate:"required_if=Role student,max=128"`
	Level           string `json:"level" validate:"max=64"`
	StaffCode       string `json:"staff_code" validate:"omitempty,numeric,min=3,max=12"`
	Password        string `json:"password" validate:"omitempty,min=8,max=128"`
}

type feeTermRequest struct {
	Semester       string `json:"semester" validate:"required,max=32"`
	AcademicYear   string `json:"academic_year" validate:"required,max=16"`
	TotalAmount    int64  `json:"total_amount" validate:"gte=0"`
	CarriedBalance int64  `json:"carried_balance"`
	AmountPaid     int64  `json:"amount_paid" validate:"gte=0"`
	Status         string `json:"status" validate:"omitempty,oneof=unpaid partial paid overdue"`
	GatepassExpiry string `json:"gatepass_expiry" validate:"required,datetime=2006-01-02"`
}

func (f feeTermRequest) input() admission.FeeTermInput {
	return admission.FeeTermInput{
		Semester:       f.Semester,
		AcademicYear:   f.AcademicYear,
		TotalAmount:    f.TotalAmount,
		CarriedBalance: f.CarriedBalance,
		AmountPaid:     f.AmountPaid,
		Status:         ledger.FeeStatus(f.Status),
		GatepassExpiry: ledger.Day(f.GatepassExpiry),
	}
}

// feeTermView adds the computed balance. It may be negative.
type feeTermView struct {
	ledger.FeeTerm
	Balance int64 `json:"balance"`
}

func viewOf(t ledger.FeeTerm) feeTermView {
	return feeTermView{FeeTerm: t, Balance: t.Balance()}
}

type admissionView struct {
	Account  ledger.Account `json:"account"`
	FeeTerms []feeTermView  `json:"fee_terms"`
}

type approvalResponse struct {
	Account ledger.Account `json:"account"`
	FeeTerm feeTermView    `json:"fee_term"`
}

func (a *API) enroll(w http.ResponseWriter, r *http.Request) {
	p, err := requirePermission(r.Context(), auth.PermAdmissionEnroll)
	if err != nil {
		handleError(w, r, err)
		return
	}
	var req enrollRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}
	role, _ := ledger.ParseRole(req.Role)
	acc, err := a.pipeline.SubmitEnrollment(r.Context(), actorOf(p), admission.Enrollment{
		Role:            role,
		Name:            req.Name,
		Email:           req.Email,
		AdmissionNumber: req.AdmissionNumber,
		Course:          req.Course,
		Level:           req.Level,
		StaffCode:       req.StaffCode,
		Password:        req.Password,
	})
	if err != nil {
		handleError(w, r, err)
		return
	}
	w.Header().Set("Location", "/v1/admissions/"+acc.ID)
	writeJSON(w, http.StatusCreated, acc)
}

func (a *API) getAdmission(w http.ResponseWriter, r *http.Request) {
	if _, err := requirePermission(r.Context(), auth.PermAdmissionRead); err != nil {
		handleError(w, r, err)
		return
	}
	v, err := a.pipeline.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		handleError(w, r, err)
		return
	}
	out := admissionView{Account: v.Account, FeeTerms: make([]feeTermView, 0, len(v.FeeTerms))}
	for _, t := range v.FeeTerms {
		out.FeeTerms = append(out.FeeTerms, viewOf(t))
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *API) approveFinance(w http.ResponseWriter, r *http.Request) {
	p, err := requirePermission(r.Context(), auth.PermFinanceApprove)
	if err != nil {
		handleError(w, r, err)
		return
	}
	var req feeTermRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}
	acc, term, err := a.pipeline.ApproveFinance(r.Context(), actorOf(p), r.PathValue("id"), req.input())
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, approvalResponse{Account: acc, FeeTerm: viewOf(term)})
}

func (a *API) activate(w http.ResponseWriter, r *http.Request) {
	p, err := requirePermission(r.Context(), auth.PermAccountActivate)
	if err != nil {
		handleError(w, r, err)
		return
	}
	acc, err := a.pipeline.ActivateAccount(r.Context(), actorOf(p), r.PathValue("id"))
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, acc)
}

func (a *API) deactivate(w http.ResponseWriter, r *http.Request) {
	p, err := requirePermission(r.Context(), auth.PermAccountDeactivate)
	if err != nil {
		handleError(w, r, err)
		return
	}
	acc, err := a.pipeline.DeactivateAccount(r.Context(), actorOf(p), r.PathValue("id"))
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, acc)
}

func (a *API) updateFeeTerm(w http.ResponseWriter, r *http.Request) {
	p, err := requirePermission(r.Context(), auth.PermFeeTermWrite)
	if err != nil {
		handleError(w, r, err)
		return
	}
	var req feeTermRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}
	term, err := a.pipeline.UpdateFeeTerm(r.Context(), actorOf(p), r.PathValue("id"), req.input())
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(term))
}
