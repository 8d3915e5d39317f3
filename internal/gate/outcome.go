package gate

import (
	"errors"
	"time"

	"schoolgate.org/internal/ledger"
)

// Outcome is the verdict shown on the gate terminal.
type Outcome string

const (
	Granted               Outcome = "granted"
	DeniedExpired         Outcome = "denied_expired"
	DeniedNeedsCode       Outcome = "denied_needs_code"
	DeniedAlreadyVerified Outcome = "denied_already_verified"
	DeniedInvalidCode     Outcome = "denied_invalid_code"
	DeniedNotFound        Outcome = "denied_not_found"
)

var (
	ErrNotFound        = errors.New("gate: student not found")
	ErrExpiredGatePass = errors.New("gate: gate pass expired")
	ErrAlreadyVerified = errors.New("gate: already verified")
	ErrCodeRequired    = errors.New("gate: verification code required")
	ErrInvalidCode     = errors.New("gate: invalid verification code")
	ErrContention      = errors.New("gate: daily record contention")
)

var outcomeErrors = map[Outcome]error{
	DeniedNotFound:        ErrNotFound,
	DeniedExpired:         ErrExpiredGatePass,
	DeniedAlreadyVerified: ErrAlreadyVerified,
	DeniedNeedsCode:       ErrCodeRequired,
	DeniedInvalidCode:     ErrInvalidCode,
}

var outcomeMessages = map[Outcome]string{
	Granted:               "Entry granted.",
	DeniedExpired:         "Gate pass has expired. Refer the student to finance.",
	DeniedNeedsCode:       "Daily limit reached. Ask the student for the verification code on their receipt.",
	DeniedAlreadyVerified: "This student was verified moments ago.",
	DeniedInvalidCode:     "Verification code does not match. The student may try again.",
	DeniedNotFound:        "No active student matches this admission number and course.",
}

// ParseOutcome maps a wire name back to an Outcome.
func ParseOutcome(s string) (Outcome, bool) {
	o := Outcome(s)
	_, ok := outcomeMessages[o]
	return o, ok
}

// Err returns the sentinel matching a denial, or nil for Granted.
func (o Outcome) Err() error { return outcomeErrors[o] }

// Request is one gate submission.
type Request struct {
	Identifier string
	Course     string
	Code       string
}

// Card is the student identity shown with a result.
type Card struct {
	AccountID       string `json:"account_id"`
	Name            string `json:"name"`
	AdmissionNumber string `json:"admission_number"`
	Course          string `json:"course"`
	Level           string `json:"level,omitempty"`
}

func cardOf(acc ledger.Account) *Card {
	return &Card{
		AccountID:       acc.ID,
		Name:            acc.Name,
		AdmissionNumber: acc.AdmissionNumber,
		Course:          acc.Course,
		Level:           acc.Level,
	}
}

// Result is the verdict with enough context for a specific terminal message.
type Result struct {
	Outcome           Outcome    `json:"outcome"`
	Student           *Card      `json:"student,omitempty"`
	GatepassExpiry    ledger.Day `json:"gatepass_expiry,omitempty"`
	VerifiedAt        time.Time  `json:"verified_at"`
	VerificationCount int        `json:"verification_count"`
	ReceiptIssued     bool       `json:"receipt_issued"`
	Message           string     `json:"message"`
}

func (r Result) Granted() bool { return r.Outcome == Granted }

// Err is nil when entry was granted.
func (r Result) Err() error { return r.Outcome.Err() }

func result(o Outcome) Result {
	return Result{Outcome: o, Message: outcomeMessages[o]}
}
