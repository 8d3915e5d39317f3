package admission

import (
	"errors"
	"fmt"

	"schoolgate.org/internal/ledger"
)

var (
	ErrInvalidState = errors.New("admission: invalid state")
	ErrForbidden    = errors.New("admission: role not permitted")
)

// TransitionError describes a rejected lifecycle move.
type TransitionError struct {
	AccountID string
	From      ledger.State
	To        ledger.State
	Required  []ledger.Role
}

func (e *TransitionError) Error() string {
	from := string(e.From)
	if from == "" {
		from = "none"
	}
	return fmt.Sprintf("admission: account %s cannot move from %s to %s", e.AccountID, from, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidState }
