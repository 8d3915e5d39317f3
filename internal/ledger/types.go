package ledger

import (
	"strings"
	"time"
)

// Role is a portal role. Each lifecycle transition is owned by exactly one role.
type Role string

const (
	RoleStudent    Role = "student"
	RoleTeacher    Role = "teacher"
	RoleFinance    Role = "finance"
	RoleEnrollment Role = "enrollment"
	RoleGate       Role = "gate"
	RoleAdmin      Role = "admin"
)

// ParseRole maps a case-insensitive role name to a Role.
func ParseRole(s string) (Role, bool) {
	switch r := Role(strings.ToLower(strings.TrimSpace(s))); r {
	case RoleStudent, RoleTeacher, RoleFinance, RoleEnrollment, RoleGate, RoleAdmin:
		return r, true
	}
	return "", false
}

// State is the account lifecycle state.
type State string

const (
	StateNone            State = ""
	StateDraftEnrolled   State = "draft_enrolled"
	StateFinanceApproved State = "finance_approved"
	StateActive          State = "active"
	StateDeactivated     State = "deactivated"
)

// Account is identity plus lifecycle.
type Account struct {
	ID              string       `json:"id"`
	Role            Role         `json:"role"`
	LoginKey        string       `json:"login_key"`
	Email           string       `json:"email,omitempty"`
	Name            string       `json:"name"`
	AdmissionNumber string       `json:"admission_number,omitempty"`
	Course          string       `json:"course,omitempty"`
	Level           string       `json:"level,omitempty"`
	StaffCode       string       `json:"staff_code,omitempty"`
	State           State        `json:"state"`
	PasswordHash    string       `json:"-"`
	Version         int64        `json:"version"`
	Transitions     []Transition `json:"transitions"`
	CreatedAt       time.Time    `json:"created_at"`
	UpdatedAt       time.Time    `json:"updated_at"`
}

// Transition is one applied lifecycle change and who performed it.
type Transition struct {
	From      State     `json:"from"`
	To        State     `json:"to"`
	ActorRole Role      `json:"actor_role"`
	ActorID   string    `json:"actor_id"`
	At        time.Time `json:"at"`
}

// StudentLoginKey is the login key of a student: admission number and course.
func StudentLoginKey(admissionNumber, course string) string {
	return NormalizeKey(admissionNumber) + "/" + NormalizeKey(course)
}

// NormalizeKey canonicalises identifiers typed at enrollment or at the gate.
func NormalizeKey(s string) string {
	return strings.ToUpper(strings.Join(strings.Fields(s), " "))
}

func (a Account) clone() Account {
	out := a
	out.Transitions = append([]Transition(nil), a.Transitions...)
	return out
}

// FeeStatus is informational to finance and never blocks gate entry.
type FeeStatus string

const (
	FeeUnpaid  FeeStatus = "unpaid"
	FeePartial FeeStatus = "partial"
	FeePaid    FeeStatus = "paid"
	FeeOverdue FeeStatus = "overdue"
)

// ParseFeeStatus maps a case-insensitive name to a FeeStatus.
func ParseFeeStatus(s string) (FeeStatus, bool) {
	switch fs := FeeStatus(strings.ToLower(strings.TrimSpace(s))); fs {
	case FeeUnpaid, FeePartial, FeePaid, FeeOverdue:
		return fs, true
	}
	return "", false
}

// FeeTerm holds one (account, semester, academic year) of fees plus the gate-pass expiry.
// Amounts are minor units.
type FeeTerm struct {
	ID             string    `json:"id"`
	AccountID      string    `json:"account_id"`
	Semester       string    `json:"semester"`
	AcademicYear   string    `json:"academic_year"`
	TotalAmount    int64     `json:"total_amount"`
	CarriedBalance int64     `json:"carried_balance"`
	AmountPaid     int64     `json:"amount_paid"`
	Status         FeeStatus `json:"status"`
	GatepassExpiry Day       `json:"gatepass_expiry"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Balance is total + carried - paid. Negative means overpayment and is reported as is.
func (f FeeTerm) Balance() int64 {
	return f.TotalAmount + f.CarriedBalance - f.AmountPaid
}

// DeriveStatus computes the status finance would see on day today.
func (f FeeTerm) DeriveStatus(today Day) FeeStatus {
	bal := f.Balance()
	switch {
	case bal <= 0:
		return FeePaid
	case f.GatepassExpiry.Before(today):
		return FeeOverdue
	case f.AmountPaid == 0:
		return FeeUnpaid
	default:
		return FeePartial
	}
}

// ValidOn reports whether the gate pass is valid on day.
func (f FeeTerm) ValidOn(day Day) bool {
	return !f.GatepassExpiry.Before(day)
}

// DailyVerificationRecord is the per (account, day) arena entry of the gate engine.
type DailyVerificationRecord struct {
	AccountID          string      `json:"account_id"`
	Day                Day         `json:"day"`
	VerificationCount  int         `json:"verification_count"`
	Timestamps         []time.Time `json:"timestamps"`
	IssuedCode         string      `json:"-"`
	CodeIssuedAt       *time.Time  `json:"code_issued_at,omitempty"`
	CodeConsumedCount  int         `json:"code_consumed_count"`
	ReceiptUsed        bool        `json:"receipt_used"`
	ExpiredAttempts    int         `json:"expired_attempts"`
	FailedCodeAttempts int         `json:"failed_code_attempts"`
	Version            int64       `json:"version"`
}

// NewDailyRecord returns the zero-count record for a day that has not been stored yet.
func NewDailyRecord(accountID string, day Day) DailyVerificationRecord {
	return DailyVerificationRecord{AccountID: accountID, Day: day}
}

// LastVerifiedAt is the timestamp of the latest granted verification.
func (r DailyVerificationRecord) LastVerifiedAt() (time.Time, bool) {
	if len(r.Timestamps) == 0 {
		return time.Time{}, false
	}
	return r.Timestamps[len(r.Timestamps)-1], true
}

// HasCode reports whether the day's challenge code has been issued.
func (r DailyVerificationRecord) HasCode() bool {
	return r.IssuedCode != ""
}

// Grant counts one successful verification at t.
func (r *DailyVerificationRecord) Grant(t time.Time) {
	r.VerificationCount++
	r.Timestamps = append(r.Timestamps, t)
}

// Receipt projects the issued code as the student-facing artifact.
func (r DailyVerificationRecord) Receipt(loc *time.Location) (Receipt, bool) {
	if !r.HasCode() || r.CodeIssuedAt == nil {
		return Receipt{}, false
	}
	return Receipt{
		AccountID:     r.AccountID,
		Day:           r.Day,
		Code:          r.IssuedCode,
		GeneratedAt:   *r.CodeIssuedAt,
		ExpiresAt:     r.Day.End(loc),
		IsUsed:        r.ReceiptUsed,
		ConsumedCount: r.CodeConsumedCount,
	}, true
}

func (r DailyVerificationRecord) clone() DailyVerificationRecord {
	out := r
	out.Timestamps = append([]time.Time(nil), r.Timestamps...)
	if r.CodeIssuedAt != nil {
		t := *r.CodeIssuedAt
		out.CodeIssuedAt = &t
	}
	return out
}

// Receipt is the verification code artifact shown on the student dashboard.
type Receipt struct {
	AccountID     string    `json:"account_id"`
	Day           Day       `json:"generated_date"`
	Code          string    `json:"verification_code,omitempty"`
	GeneratedAt   time.Time `json:"generated_at"`
	ExpiresAt     time.Time `json:"expires_at"`
	IsUsed        bool      `json:"is_used"`
	ConsumedCount int       `json:"consumed_count"`
}

// ExpiredAt reports whether the receipt can no longer be presented at t.
func (r Receipt) ExpiredAt(t time.Time) bool {
	return !t.Before(r.ExpiresAt)
}
