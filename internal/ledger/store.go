package ledger

import (
	"context"
	"errors"
)

var (
	ErrNotFound            = errors.New("ledger: not found")
	ErrDuplicateIdentifier = errors.New("ledger: duplicate identifier")
	ErrConflict            = errors.New("ledger: version conflict")
	ErrInvalidInput        = errors.New("ledger: invalid input")
)

// Store is the persistence boundary shared by the admission pipeline and the gate engine.
type Store interface {
	CreateAccount(ctx context.Context, acc Account) (Account, error)
	GetAccount(ctx context.Context, id string) (Account, error)
	FindStudent(ctx context.Context, admissionNumber string) (Account, error)
	FindByLoginKey(ctx context.Context, loginKey string) (Account, error)
	// SaveTransition writes acc (state and appended transition) if the stored
	// version equals expectVersion, upserting term in the same atomic step.
	SaveTransition(ctx context.Context, acc Account, expectVersion int64, term *FeeTerm) (Account, error)

	UpsertFeeTerm(ctx context.Context, term FeeTerm) (FeeTerm, error)
	FeeTerms(ctx context.Context, accountID string) ([]FeeTerm, error)
	// CurrentFeeTerm is the term with the latest gatepass expiry, the gate authority.
	CurrentFeeTerm(ctx context.Context, accountID string) (FeeTerm, error)
	FeeTermsExpiring(ctx context.Context, from, to Day) ([]FeeTerm, error)

	DailyRecord(ctx context.Context, accountID string, day Day) (DailyVerificationRecord, error)
	// SaveDailyRecord inserts when expectVersion is 0, otherwise compare-and-swaps on Version.
	SaveDailyRecord(ctx context.Context, rec DailyVerificationRecord, expectVersion int64) (DailyVerificationRecord, error)
	// LatestReceipt is the most recent daily record carrying an issued code.
	LatestReceipt(ctx context.Context, accountID string) (DailyVerificationRecord, error)

	Ping(ctx context.Context) error
}

// CurrentOf picks the gate authority among terms: latest expiry, then latest update.
func CurrentOf(terms []FeeTerm) (FeeTerm, bool) {
	var (
		best  FeeTerm
		found bool
	)
	for _, t := range terms {
		if !found || best.GatepassExpiry.Before(t.GatepassExpiry) ||
			(best.GatepassExpiry == t.GatepassExpiry && t.UpdatedAt.After(best.UpdatedAt)) {
			best = t
			found = true
		}
	}
	return best, found
}
