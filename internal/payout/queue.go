// Package payout moves the native asset out of escrow. In Postgres mode each
// transfer becomes a river job inserted in the call's transaction, so a
// rolled-back call never pays anyone.
package payout

import (
	"context"
	"errors"
	"math/big"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/inaiurai/streamescrow/internal/escrow"
)

type TransferArgs struct {
	TransferID uuid.UUID `json:"transfer_id"`
	Recipient  uuid.UUID `json:"recipient"`
	Amount     string    `json:"amount"`
}

func (TransferArgs) Kind() string { return "escrow_transfer" }

// InsertTransferTxFunc enqueues a transfer job inside tx.
type InsertTransferTxFunc func(ctx context.Context, tx pgx.Tx, args TransferArgs) error

// ErrNoPgxTx is returned when the escrow transaction is not backed by Postgres.
var ErrNoPgxTx = errors.New("payout queue requires a postgres transaction")

type pgxTxer interface {
	PgxTx() pgx.Tx
}

// Queue implements escrow.Custody by enqueuing transfer jobs.
type Queue struct {
	insert InsertTransferTxFunc
}

var _ escrow.Custody = (*Queue)(nil)

func NewQueue(insert InsertTransferTxFunc) *Queue {
	return &Queue{insert: insert}
}

func (q *Queue) Transfer(ctx context.Context, tx escrow.Tx, to uuid.UUID, amount *big.Int) error {
	ptx, ok := tx.(pgxTxer)
	if !ok {
		return ErrNoPgxTx
	}
	return q.insert(ctx, ptx.PgxTx(), TransferArgs{
		TransferID: uuid.New(),
		Recipient:  to,
		Amount:     amount.String(),
	})
}
