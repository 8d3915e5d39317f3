// Package gate evaluates gate-pass verifications: per student per day counting,
// escalation to a challenge code, and pass validity.
package gate

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"schoolgate.org/internal/audit"
	"schoolgate.org/internal/ledger"
	"schoolgate.org/internal/lock"
	"schoolgate.org/internal/obs"
	"schoolgate.org/internal/receipt"
	"schoolgate.org/internal/stream"
)

const (
	DefaultThreshold   = 3
	DefaultDedupWindow = 5 * time.Second
	DefaultMaxRetries  = 5
)

// Publisher receives every verification outcome for the live gate dashboard.
type Publisher interface {
	Publish(evt stream.GateEvent)
}

type Engine struct {
	store      ledger.Store
	emitter    *receipt.Emitter
	locker     lock.Locker
	pub        Publisher
	now        func() time.Time
	loc        *time.Location
	dedup      time.Duration
	threshold  int
	maxRetries int
	log        *zap.Logger
}

type Option func(*Engine)

func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithLocation sets the school timezone; calendar days roll over at its midnight.
func WithLocation(loc *time.Location) Option {
	return func(e *Engine) {
		if loc != nil {
			e.loc = loc
		}
	}
}

// WithDedupWindow sets how long after a grant a repeat is treated as a double submission. 0 disables.
func WithDedupWindow(d time.Duration) Option {
	return func(e *Engine) {
		if d >= 0 {
			e.dedup = d
		}
	}
}

// WithThreshold sets how many code-free entries a student gets per day.
func WithThreshold(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.threshold = n
		}
	}
}

func WithMaxRetries(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxRetries = n
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

func WithPublisher(p Publisher) Option {
	return func(e *Engine) { e.pub = p }
}

// New builds an engine. A nil emitter uses random codes with no announcements;
// a nil locker serialises in process only.
func New(store ledger.Store, emitter *receipt.Emitter, locker lock.Locker, opts ...Option) *Engine {
	if emitter == nil {
		emitter = receipt.NewEmitter(nil, nil)
	}
	if locker == nil {
		locker = lock.NewKeyed()
	}
	e := &Engine{
		store:      store,
		emitter:    emitter,
		locker:     locker,
		now:        time.Now,
		loc:        time.UTC,
		dedup:      DefaultDedupWindow,
		threshold:  DefaultThreshold,
		maxRetries: DefaultMaxRetries,
		log:        zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Today is the current calendar date in the school timezone.
func (e *Engine) Today() ledger.Day { return ledger.DayOf(e.now(), e.loc) }

// Verify evaluates one gate request. Denials are results, not errors; err is
// reserved for storage failures and exhausted contention retries.
func (e *Engine) Verify(ctx context.Context, req Request) (Result, error) {
	acc, ok, err := e.resolve(ctx, req)
	if err != nil {
		return Result{}, err
	}
	if !ok {
		res := result(DeniedNotFound)
		res.VerifiedAt = e.now().UTC()
		e.finish(ctx, nil, res, nil)
		return res, nil
	}

	now, day, unlock, err := e.lockDay(ctx, acc.ID)
	if err != nil {
		return Result{}, err
	}
	defer unlock()

	for attempt := 0; attempt < e.maxRetries; attempt++ {
		res, issued, err := e.evaluate(ctx, acc, day, now, strings.TrimSpace(req.Code))
		if errors.Is(err, ledger.ErrConflict) {
			obs.GateRetries.Inc()
			e.log.Warn("daily record conflict, retrying",
				zap.String("account_id", acc.ID), zap.String("day", day.String()), zap.Int("attempt", attempt+1))
			continue
		}
		if err != nil {
			return Result{}, err
		}
		e.finish(ctx, &acc, res, issued)
		return res, nil
	}
	return Result{}, fmt.Errorf("%w: %s on %s after %d attempts", ErrContention, acc.ID, day, e.maxRetries)
}

// lockDay takes the per-(account, day) lock and reads the clock only once it is held,
// so timestamps appended under one lock never go backwards. If the wait crossed
// midnight the lock is retaken for the new day.
func (e *Engine) lockDay(ctx context.Context, accountID string) (time.Time, ledger.Day, func(), error) {
	day := ledger.DayOf(e.now(), e.loc)
	for {
		unlock, err := e.locker.Lock(ctx, accountID+":"+day.String())
		if err != nil {
			return time.Time{}, "", nil, fmt.Errorf("%w: %v", ErrContention, err)
		}
		now := e.now()
		if d := ledger.DayOf(now, e.loc); d != day {
			unlock()
			day = d
			continue
		}
		return now, day, unlock, nil
	}
}

// resolve finds an active student by admission number whose course matches.
// Every miss looks the same to the caller.
func (e *Engine) resolve(ctx context.Context, req Request) (ledger.Account, bool, error) {
	id := strings.TrimSpace(req.Identifier)
	if id == "" {
		return ledger.Account{}, false, nil
	}
	acc, err := e.store.FindStudent(ctx, id)
	if errors.Is(err, ledger.ErrNotFound) {
		return ledger.Account{}, false, nil
	}
	if err != nil {
		return ledger.Account{}, false, err
	}
	if acc.Role != ledger.RoleStudent || acc.State != ledger.StateActive {
		return ledger.Account{}, false, nil
	}
	if !strings.EqualFold(strings.TrimSpace(acc.Course), strings.TrimSpace(req.Course)) {
		return ledger.Account{}, false, nil
	}
	return acc, true, nil
}

// evaluate runs one read-decide-write round on the day record. A lost
// compare-and-swap surfaces as ledger.ErrConflict and nothing is announced.
func (e *Engine) evaluate(ctx context.Context, acc ledger.Account, day ledger.Day, now time.Time, code string) (Result, *ledger.Receipt, error) {
	term, err := e.store.CurrentFeeTerm(ctx, acc.ID)
	hasTerm := err == nil
	if err != nil && !errors.Is(err, ledger.ErrNotFound) {
		return Result{}, nil, err
	}
	rec, err := e.store.DailyRecord(ctx, acc.ID, day)
	if errors.Is(err, ledger.ErrNotFound) {
		rec = ledger.NewDailyRecord(acc.ID, day)
	} else if err != nil {
		return Result{}, nil, err
	}
	expect := rec.Version

	build := func(o Outcome, stored ledger.DailyVerificationRecord) Result {
		res := result(o)
		res.Student = cardOf(acc)
		res.GatepassExpiry = term.GatepassExpiry
		res.VerifiedAt = now.UTC()
		res.VerificationCount = stored.VerificationCount
		return res
	}
	save := func() (ledger.DailyVerificationRecord, error) {
		return e.store.SaveDailyRecord(ctx, rec, expect)
	}

	if !hasTerm || !term.ValidOn(day) {
		rec.ExpiredAttempts++
		saved, err := save()
		if err != nil {
			return Result{}, nil, err
		}
		return build(DeniedExpired, saved), nil, nil
	}

	if last, ok := rec.LastVerifiedAt(); ok && e.dedup > 0 && now.Sub(last) < e.dedup {
		res := build(DeniedAlreadyVerified, rec)
		res.VerifiedAt = last.UTC()
		return res, nil, nil
	}

	if rec.VerificationCount < e.threshold {
		rec.Grant(now.UTC())
		var issued *ledger.Receipt
		if rec.VerificationCount >= e.threshold && !rec.HasCode() {
			r, err := e.emitter.Issue(&rec, now, e.loc)
			if err != nil {
				return Result{}, nil, err
			}
			issued = &r
		}
		saved, err := save()
		if err != nil {
			return Result{}, nil, err
		}
		res := build(Granted, saved)
		res.ReceiptIssued = issued != nil
		return res, issued, nil
	}

	if !rec.HasCode() {
		// The threshold was lowered mid-day; issue now and ask for it.
		r, err := e.emitter.Issue(&rec, now, e.loc)
		if err != nil {
			return Result{}, nil, err
		}
		saved, err := save()
		if err != nil {
			return Result{}, nil, err
		}
		res := build(DeniedNeedsCode, saved)
		res.ReceiptIssued = true
		return res, &r, nil
	}
	if code == "" {
		return build(DeniedNeedsCode, rec), nil, nil
	}
	if subtle.ConstantTimeCompare([]byte(code), []byte(rec.IssuedCode)) != 1 {
		rec.FailedCodeAttempts++
		saved, err := save()
		if err != nil {
			return Result{}, nil, err
		}
		return build(DeniedInvalidCode, saved), nil, nil
	}

	rec.Grant(now.UTC())
	if err := e.emitter.Consume(&rec); err != nil {
		return Result{}, nil, err
	}
	saved, err := save()
	if err != nil {
		return Result{}, nil, err
	}
	return build(Granted, saved), nil, nil
}

// finish runs the side effects of a committed decision. None of them can fail the request.
func (e *Engine) finish(ctx context.Context, acc *ledger.Account, res Result, issued *ledger.Receipt) {
	obs.GateVerifications.WithLabelValues(string(res.Outcome)).Inc()
	if issued != nil && acc != nil {
		obs.GateReceiptsIssued.Inc()
		e.emitter.Announce(ctx, *acc, *issued)
	}

	evt := stream.GateEvent{
		Type:      stream.TypeVerification,
		Outcome:   string(res.Outcome),
		Count:     res.VerificationCount,
		Timestamp: res.VerifiedAt,
	}
	if acc != nil {
		evt.AccountID, evt.Name, evt.Course = acc.ID, acc.Name, acc.Course
	}
	if e.pub != nil {
		e.pub.Publish(evt)
	}

	if !res.Granted() {
		fields := map[string]any{"outcome": string(res.Outcome)}
		if acc != nil {
			fields["account_id"] = acc.ID
			fields["verification_count"] = res.VerificationCount
		}
		_ = audit.LogEvent(ctx, audit.EventGateDenied, fields)
	}
}

// ReceiptView is the student's latest receipt and whether it can still be presented.
type ReceiptView struct {
	Receipt ledger.Receipt `json:"receipt"`
	Valid   bool           `json:"valid"`
}

// WithoutCode is the view staff may see: status only, never the challenge code.
func (v ReceiptView) WithoutCode() ReceiptView {
	v.Receipt.Code = ""
	return v
}

// Receipt returns the latest receipt issued to accountID.
func (e *Engine) Receipt(ctx context.Context, accountID string) (ReceiptView, error) {
	rec, err := e.store.LatestReceipt(ctx, accountID)
	if err != nil {
		return ReceiptView{}, err
	}
	r, ok := rec.Receipt(e.loc)
	if !ok {
		return ReceiptView{}, ledger.ErrNotFound
	}
	now := e.now()
	return ReceiptView{Receipt: r, Valid: r.Day == ledger.DayOf(now, e.loc) && !r.ExpiredAt(now)}, nil
}
