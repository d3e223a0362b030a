// Package events delivers escrow notifications to off-system observers over NATS.
package events

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/inaiurai/streamescrow/internal/escrow"
	"github.com/inaiurai/streamescrow/internal/models"
)

// SubjectPrefix is prepended to the event kind to form the NATS subject.
const SubjectPrefix = "escrow.events."

func Subject(kind string) string { return SubjectPrefix + kind }

type DeliverArgs struct {
	Event models.Event `json:"event"`
}

func (DeliverArgs) Kind() string { return "escrow_event_delivery" }

// InsertDeliverTxFunc enqueues a delivery job inside tx.
type InsertDeliverTxFunc func(ctx context.Context, tx pgx.Tx, args DeliverArgs) error

var ErrNoPgxTx = errors.New("event outbox requires a postgres transaction")

type pgxTxer interface {
	PgxTx() pgx.Tx
}

// Outbox implements escrow.Notifier by writing one delivery job per event in
// the call's transaction.
type Outbox struct {
	insert InsertDeliverTxFunc
}

var _ escrow.Notifier = (*Outbox)(nil)

func NewOutbox(insert InsertDeliverTxFunc) *Outbox {
	return &Outbox{insert: insert}
}

func (o *Outbox) Notify(ctx context.Context, tx escrow.Tx, evs []models.Event) error {
	ptx, ok := tx.(pgxTxer)
	if !ok {
		return ErrNoPgxTx
	}
	for _, ev := range evs {
		if err := o.insert(ctx, ptx.PgxTx(), DeliverArgs{Event: ev}); err != nil {
			return err
		}
	}
	return nil
}
