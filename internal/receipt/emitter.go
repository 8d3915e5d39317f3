package receipt

import (
	"context"
	"errors"
	"time"

	"schoolgate.org/internal/ledger"
	"schoolgate.org/internal/notify"
)

var (
	ErrAlreadyIssued = errors.New("receipt: code already issued for this day")
	ErrNotIssued     = errors.New("receipt: no code issued for this day")
)

// Emitter owns the receipt half of a daily record and announces new receipts.
type Emitter struct {
	codes    CodeSource
	notifier notify.Notifier
}

func NewEmitter(codes CodeSource, n notify.Notifier) *Emitter {
	if codes == nil {
		codes = RandomCodes{}
	}
	if n == nil {
		n = notify.Discard{}
	}
	return &Emitter{codes: codes, notifier: n}
}

// Issue sets the day's code on rec. It never replaces an existing code.
func (e *Emitter) Issue(rec *ledger.DailyVerificationRecord, now time.Time, loc *time.Location) (ledger.Receipt, error) {
	if rec.HasCode() {
		return ledger.Receipt{}, ErrAlreadyIssued
	}
	code, err := e.codes.NextCode()
	if err != nil {
		return ledger.Receipt{}, err
	}
	at := now.UTC()
	rec.IssuedCode = code
	rec.CodeIssuedAt = &at
	r, _ := rec.Receipt(loc)
	return r, nil
}

// Consume marks the receipt used. History is kept; the code stays valid for the day.
func (e *Emitter) Consume(rec *ledger.DailyVerificationRecord) error {
	if !rec.HasCode() {
		return ErrNotIssued
	}
	rec.ReceiptUsed = true
	rec.CodeConsumedCount++
	return nil
}

// Announce tells the student a receipt is waiting on the dashboard. The code itself is not sent.
func (e *Emitter) Announce(ctx context.Context, acc ledger.Account, r ledger.Receipt) {
	e.notifier.Notify(ctx, notify.NewEvent(notify.KindReceiptIssued, acc.ID, r.GeneratedAt, map[string]string{
		"name":           acc.Name,
		"generated_date": r.Day.String(),
		"expires_at":     r.ExpiresAt.UTC().Format(time.RFC3339),
	}))
}
