// Package admission moves accounts through enrollment, finance approval and activation.
package admission

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"schoolgate.org/internal/audit"
	"schoolgate.org/internal/auth"
	"schoolgate.org/internal/ledger"
	"schoolgate.org/internal/notify"
	"schoolgate.org/internal/obs"
)

// Enrollment is what the enrollment desk submits.
type Enrollment struct {
	Role            ledger.Role
	Name            string
	Email           string
	AdmissionNumber string
	Course          string
	Level           string
	StaffCode       string
	Password        string
}

// FeeTermInput is what finance attaches. An empty Status is derived from the amounts.
type FeeTermInput struct {
	Semester       string
	AcademicYear   string
	TotalAmount    int64
	CarriedBalance int64
	AmountPaid     int64
	Status         ledger.FeeStatus
	GatepassExpiry ledger.Day
}

// View is an account with its fee terms.
type View struct {
	Account  ledger.Account   `json:"account"`
	FeeTerms []ledger.FeeTerm `json:"fee_terms"`
}

type Pipeline struct {
	store      ledger.Store
	notifier   notify.Notifier
	now        func() time.Time
	loc        *time.Location
	log        *zap.Logger
	maxRetries int
}

type Option func(*Pipeline)

func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) {
		if now != nil {
			p.now = now
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(p *Pipeline) {
		if l != nil {
			p.log = l
		}
	}
}

func WithMaxRetries(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.maxRetries = n
		}
	}
}

// WithLocation sets the zone "today" is taken in when deriving fee status.
func WithLocation(loc *time.Location) Option {
	return func(p *Pipeline) {
		if loc != nil {
			p.loc = loc
		}
	}
}

func New(store ledger.Store, n notify.Notifier, opts ...Option) *Pipeline {
	if n == nil {
		n = notify.Discard{}
	}
	p := &Pipeline{
		store:      store,
		notifier:   n,
		now:        time.Now,
		loc:        time.UTC,
		log:        zap.NewNop(),
		maxRetries: 5,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Pipeline) SubmitEnrollment(ctx context.Context, actor Actor, e Enrollment) (ledger.Account, error) {
	role, ok := actor.roleIn(RolesInto(ledger.StateDraftEnrolled))
	if !ok {
		return ledger.Account{}, fmt.Errorf("%w: enrollment requires enrollment or admin", ErrForbidden)
	}
	acc, err := p.buildAccount(e)
	if err != nil {
		return ledger.Account{}, err
	}
	now := p.now().UTC()
	acc.State = ledger.StateDraftEnrolled
	acc.Transitions = []ledger.Transition{{
		From: ledger.StateNone, To: ledger.StateDraftEnrolled, ActorRole: role, ActorID: actor.ID, At: now,
	}}
	created, err := p.store.CreateAccount(ctx, acc)
	if err != nil {
		p.record(ledger.StateNone, ledger.StateDraftEnrolled, "error")
		return ledger.Account{}, err
	}
	p.record(ledger.StateNone, ledger.StateDraftEnrolled, "applied")
	p.audit(ctx, created.ID, ledger.StateNone, ledger.StateDraftEnrolled, role)
	return created, nil
}

func (p *Pipeline) buildAccount(e Enrollment) (ledger.Account, error) {
	name := strings.TrimSpace(e.Name)
	if name == "" {
		return ledger.Account{}, fmt.Errorf("%w: name is required", ledger.ErrInvalidInput)
	}
	email := strings.TrimSpace(e.Email)
	if email != "" && (strings.Count(email, "@") != 1 || strings.HasPrefix(email, "@") || strings.HasSuffix(email, "@")) {
		return ledger.Account{}, fmt.Errorf("%w: email %q", ledger.ErrInvalidInput, email)
	}
	acc := ledger.Account{
		Role:  e.Role,
		Name:  name,
		Email: email,
		Level: strings.TrimSpace(e.Level),
	}
	switch e.Role {
	case ledger.RoleStudent:
		adm, course := ledger.NormalizeKey(e.AdmissionNumber), strings.TrimSpace(e.Course)
		if adm == "" || course == "" {
			return ledger.Account{}, fmt.Errorf("%w: students need an admission number and a course", ledger.ErrInvalidInput)
		}
		acc.AdmissionNumber, acc.Course = adm, course
		acc.LoginKey = ledger.StudentLoginKey(adm, course)
	case ledger.RoleTeacher, ledger.RoleFinance, ledger.RoleEnrollment, ledger.RoleGate, ledger.RoleAdmin:
		code := strings.TrimSpace(e.StaffCode)
		if !numeric(code) {
			return ledger.Account{}, fmt.Errorf("%w: staff accounts need a numeric code", ledger.ErrInvalidInput)
		}
		acc.StaffCode, acc.LoginKey = code, code
		acc.Course = strings.TrimSpace(e.Course)
	default:
		return ledger.Account{}, fmt.Errorf("%w: unknown role %q", ledger.ErrInvalidInput, e.Role)
	}
	if e.Password != "" {
		hash, err := auth.HashPassword(e.Password)
		if err != nil {
			return ledger.Account{}, fmt.Errorf("%w: %v", ledger.ErrInvalidInput, err)
		}
		acc.PasswordHash = hash
	}
	return acc, nil
}

func numeric(s string) bool {
	if len(s) < 3 || len(s) > 12 {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

// ApproveFinance attaches the fee term and moves a draft to finance_approved in one write.
// A repeat against an approved or active account succeeds without overwriting the stored term.
func (p *Pipeline) ApproveFinance(ctx context.Context, actor Actor, accountID string, in FeeTermInput) (ledger.Account, ledger.FeeTerm, error) {
	term, err := p.buildTerm(accountID, in)
	if err != nil {
		return ledger.Account{}, ledger.FeeTerm{}, err
	}
	acc, applied, err := p.transition(ctx, actor, accountID, ledger.StateFinanceApproved, &term)
	if err != nil {
		return ledger.Account{}, ledger.FeeTerm{}, err
	}
	if applied {
		terms, err := p.store.FeeTerms(ctx, accountID)
		if err != nil {
			return acc, term, nil
		}
		for _, t := range terms {
			if t.Semester == term.Semester && t.AcademicYear == term.AcademicYear {
				return acc, t, nil
			}
		}
		return acc, term, nil
	}
	cur, err := p.store.CurrentFeeTerm(ctx, accountID)
	if err != nil && !errors.Is(err, ledger.ErrNotFound) {
		return ledger.Account{}, ledger.FeeTerm{}, err
	}
	return acc, cur, nil
}

// ActivateAccount is idempotent; only the call that performs the move sends the welcome notification.
func (p *Pipeline) ActivateAccount(ctx context.Context, actor Actor, accountID string) (ledger.Account, error) {
	acc, applied, err := p.transition(ctx, actor, accountID, ledger.StateActive, nil)
	if err != nil {
		return ledger.Account{}, err
	}
	if applied {
		payload := map[string]string{"name": acc.Name, "role": string(acc.Role)}
		if acc.Role == ledger.RoleStudent {
			payload["admission_number"] = acc.AdmissionNumber
			payload["course"] = acc.Course
		}
		p.notifier.Notify(ctx, notify.NewEvent(notify.KindAccountActivated, acc.ID, p.now(), payload))
	}
	return acc, nil
}

func (p *Pipeline) DeactivateAccount(ctx context.Context, actor Actor, accountID string) (ledger.Account, error) {
	acc, applied, err := p.transition(ctx, actor, accountID, ledger.StateDeactivated, nil)
	if err != nil {
		return ledger.Account{}, err
	}
	if applied {
		p.notifier.Notify(ctx, notify.NewEvent(notify.KindAccountDeactivated, acc.ID, p.now(), map[string]string{"name": acc.Name}))
	}
	return acc, nil
}

// UpdateFeeTerm lets finance edit or add terms once the account has passed finance approval.
func (p *Pipeline) UpdateFeeTerm(ctx context.Context, actor Actor, accountID string, in FeeTermInput) (ledger.FeeTerm, error) {
	role, ok := actor.roleIn(RolesInto(ledger.StateFinanceApproved))
	if !ok {
		return ledger.FeeTerm{}, fmt.Errorf("%w: fee terms are written by finance", ErrForbidden)
	}
	term, err := p.buildTerm(accountID, in)
	if err != nil {
		return ledger.FeeTerm{}, err
	}
	acc, err := p.store.GetAccount(ctx, accountID)
	if err != nil {
		return ledger.FeeTerm{}, err
	}
	if acc.State == ledger.StateNone || acc.State == ledger.StateDraftEnrolled {
		return ledger.FeeTerm{}, &TransitionError{AccountID: accountID, From: acc.State, To: ledger.StateFinanceApproved, Required: RolesInto(ledger.StateFinanceApproved)}
	}
	saved, err := p.store.UpsertFeeTerm(ctx, term)
	if err != nil {
		return ledger.FeeTerm{}, err
	}
	_ = audit.LogEvent(ctx, audit.EventFeeTermUpdate, map[string]any{
		"account_id":      accountID,
		"fee_term_id":     saved.ID,
		"actor_role":      string(role),
		"balance":         saved.Balance(),
		"status":          string(saved.Status),
		"gatepass_expiry": saved.GatepassExpiry.String(),
	})
	return saved, nil
}

func (p *Pipeline) Get(ctx context.Context, accountID string) (View, error) {
	acc, err := p.store.GetAccount(ctx, accountID)
	if err != nil {
		return View{}, err
	}
	terms, err := p.store.FeeTerms(ctx, accountID)
	if err != nil {
		return View{}, err
	}
	if terms == nil {
		terms = []ledger.FeeTerm{}
	}
	return View{Account: acc, FeeTerms: terms}, nil
}

func (p *Pipeline) buildTerm(accountID string, in FeeTermInput) (ledger.FeeTerm, error) {
	sem, year := strings.TrimSpace(in.Semester), strings.TrimSpace(in.AcademicYear)
	if sem == "" || year == "" {
		return ledger.FeeTerm{}, fmt.Errorf("%w: semester and academic year are required", ledger.ErrInvalidInput)
	}
	if in.TotalAmount < 0 || in.AmountPaid < 0 {
		return ledger.FeeTerm{}, fmt.Errorf("%w: amounts must not be negative", ledger.ErrInvalidInput)
	}
	expiry, err := ledger.ParseDay(string(in.GatepassExpiry))
	if err != nil {
		return ledger.FeeTerm{}, fmt.Errorf("%w: gatepass expiry: %v", ledger.ErrInvalidInput, err)
	}
	term := ledger.FeeTerm{
		AccountID:      accountID,
		Semester:       sem,
		AcademicYear:   year,
		TotalAmount:    in.TotalAmount,
		CarriedBalance: in.CarriedBalance,
		AmountPaid:     in.AmountPaid,
		Status:         in.Status,
		GatepassExpiry: expiry,
	}
	if term.Status == "" {
		term.Status = term.DeriveStatus(ledger.DayOf(p.now(), p.loc))
	} else if _, ok := ledger.ParseFeeStatus(string(term.Status)); !ok {
		return ledger.FeeTerm{}, fmt.Errorf("%w: fee status %q", ledger.ErrInvalidInput, term.Status)
	}
	return term, nil
}

// transition applies one move under optimistic versioning. applied is false when the
// account was already in (or, for finance approval, past) the target state.
func (p *Pipeline) transition(ctx context.Context, actor Actor, accountID string, to ledger.State, term *ledger.FeeTerm) (ledger.Account, bool, error) {
	required := RolesInto(to)
	role, ok := actor.roleIn(required)
	if !ok {
		p.record("", to, "forbidden")
		return ledger.Account{}, false, fmt.Errorf("%w: moving to %s requires %v", ErrForbidden, to, required)
	}

	for attempt := 0; attempt <= p.maxRetries; attempt++ {
		acc, err := p.store.GetAccount(ctx, accountID)
		if err != nil {
			return ledger.Account{}, false, err
		}
		if acc.State == to || (to == ledger.StateFinanceApproved && acc.State == ledger.StateActive) {
			p.record(acc.State, to, "noop")
			return acc, false, nil
		}
		if !Allowed(acc.State, to) {
			p.record(acc.State, to, "invalid_state")
			return ledger.Account{}, false, &TransitionError{AccountID: accountID, From: acc.State, To: to, Required: required}
		}

		from := acc.State
		next := acc
		next.State = to
		next.Transitions = append(append([]ledger.Transition(nil), acc.Transitions...), ledger.Transition{
			From: from, To: to, ActorRole: role, ActorID: actor.ID, At: p.now().UTC(),
		})
		saved, err := p.store.SaveTransition(ctx, next, acc.Version, term)
		if errors.Is(err, ledger.ErrConflict) {
			p.log.Debug("admission transition conflict, retrying",
				zap.String("account_id", accountID), zap.String("to", string(to)), zap.Int("attempt", attempt))
			continue
		}
		if err != nil {
			p.record(from, to, "error")
			return ledger.Account{}, false, err
		}
		p.record(from, to, "applied")
		p.audit(ctx, accountID, from, to, role)
		return saved, true, nil
	}
	p.record("", to, "conflict")
	return ledger.Account{}, false, fmt.Errorf("admission: %s to %s: %w", accountID, to, ledger.ErrConflict)
}

func (p *Pipeline) record(from, to ledger.State, result string) {
	f := string(from)
	if f == "" {
		f = "none"
	}
	obs.AdmissionTransitions.WithLabelValues(f, string(to), result).Inc()
}

func (p *Pipeline) audit(ctx context.Context, accountID string, from, to ledger.State, role ledger.Role) {
	_ = audit.LogEvent(ctx, audit.EventTransition, map[string]any{
		"account_id": accountID,
		"from":       string(from),
		"to":         string(to),
		"actor_role": string(role),
	})
}
