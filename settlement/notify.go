package settlement

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"rootbot/ledger"
)

// Notification tells a user what became of a transaction after inclusion.
type Notification struct {
	ID     string
	UserID string
	TxID   common.Hash
	Block  ledger.BlockRef
	Status ledger.FinalityStatus
	// At is when the ledger reported the status; SentAt is when it was relayed.
	At     time.Time
	SentAt time.Time
}

// Notifier receives finality notifications. Implementations must not block for long.
type Notifier interface {
	Notify(ctx context.Context, n Notification)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, n Notification)

func (f NotifierFunc) Notify(ctx context.Context, n Notification) { f(ctx, n) }

// Notifiers fans a notification out to every member.
type Notifiers []Notifier

func (ns Notifiers) Notify(ctx context.Context, n Notification) {
	for _, notifier := range ns {
		if notifier != nil {
			notifier.Notify(ctx, n)
		}
	}
}

func newNotification(userID string, ev ledger.FinalityEvent, now time.Time) Notification {
	at := ev.At
	if at.IsZero() {
		at = now
	}
	return Notification{
		ID:     uuid.NewString(),
		UserID: userID,
		TxID:   ev.TxID,
		Block:  ev.Block,
		Status: ev.Status,
		At:     at,
		SentAt: now,
	}
}
