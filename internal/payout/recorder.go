package payout

import (
	"context"
	"log/slog"
	"math/big"
	"sync"

	"github.com/google/uuid"

	"github.com/inaiurai/streamescrow/internal/escrow"
)

type committer interface {
	AfterCommit(fn func())
}

// Transfer is one completed payout.
type Transfer struct {
	Recipient uuid.UUID
	Amount    *big.Int
}

// Recorder is the in-process custody used with the memory store. Transfers
// become visible only after the call commits.
type Recorder struct {
	log *slog.Logger

	mu        sync.Mutex
	transfers []Transfer
}

var _ escrow.Custody = (*Recorder)(nil)

func NewRecorder(log *slog.Logger) *Recorder {
	if log == nil {
		log = slog.Default()
	}
	return &Recorder{log: log}
}

func (r *Recorder) Transfer(ctx context.Context, tx escrow.Tx, to uuid.UUID, amount *big.Int) error {
	t := Transfer{Recipient: to, Amount: new(big.Int).Set(amount)}
	record := func() {
		r.mu.Lock()
		r.transfers = append(r.transfers, t)
		r.mu.Unlock()
		r.log.Info("transfer recorded", "recipient", to.String(), "amount", t.Amount.String())
	}
	if c, ok := tx.(committer); ok {
		c.AfterCommit(record)
		return nil
	}
	record()
	return nil
}

// Transfers returns a copy of every committed transfer, oldest first.
func (r *Recorder) Transfers() []Transfer {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Transfer, len(r.transfers))
	copy(out, r.transfers)
	return out
}

// Total returns the sum paid to recipient.
func (r *Recorder) Total(recipient uuid.UUID) *big.Int {
	r.mu.Lock()
	defer r.mu.Unlock()
	sum := new(big.Int)
	for _, t := range r.transfers {
		if t.Recipient == recipient {
			sum.Add(sum, t.Amount)
		}
	}
	return sum
}
