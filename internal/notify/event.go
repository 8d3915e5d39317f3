// Package notify delivers lifecycle notifications without ever failing the caller.
package notify

import (
	"context"
	"time"

	"schoolgate.org/internal/ids"
)

type Kind string

const (
	KindAccountActivated   Kind = "account.activated"
	KindAccountDeactivated Kind = "account.deactivated"
	KindReceiptIssued      Kind = "receipt.issued"
	KindGatepassNearExpiry Kind = "gatepass.near_expiry"
)

// Event is the payload handed to the notification collaborator.
type Event struct {
	ID        string            `json:"id"`
	AccountID string            `json:"account_id"`
	Kind      Kind              `json:"kind"`
	Payload   map[string]string `json:"payload,omitempty"`
	At        time.Time         `json:"at"`
}

// NewEvent stamps an event with an id and time.
func NewEvent(kind Kind, accountID string, at time.Time, payload map[string]string) Event {
	return Event{
		ID:        ids.Prefixed("evt"),
		AccountID: accountID,
		Kind:      kind,
		Payload:   payload,
		At:        at.UTC(),
	}
}

// Notifier accepts events fire-and-forget. Implementations never block on delivery.
type Notifier interface {
	Notify(ctx context.Context, ev Event)
}

// Discard drops every event.
type Discard struct{}

func (Discard) Notify(context.Context, Event) {}
