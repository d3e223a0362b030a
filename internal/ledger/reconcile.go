package ledger

import (
	"math/big"

	"github.com/inaiurai/streamescrow/internal/models"
)

// Reconciliation compares the journal against the live balances.
// Inflow - Outflow must equal Bonds + Claimable at every commit.
type Reconciliation struct {
	Inflow    *big.Int `json:"inflow"`
	Outflow   *big.Int `json:"outflow"`
	Bonds     *big.Int `json:"bonds"`
	Claimable *big.Int `json:"claimable"`
}

// Held is what escrow should be holding according to the journal.
func (r Reconciliation) Held() *big.Int {
	return new(big.Int).Sub(r.Inflow, r.Outflow)
}

// Balanced reports whether no value was created or destroyed.
func (r Reconciliation) Balanced() bool {
	live := new(big.Int).Add(r.Bonds, r.Claimable)
	return r.Held().Cmp(live) == 0
}

// Tally sums inflows and outflows over entries.
func Tally(entries []*models.JournalEntry) (inflow, outflow *big.Int) {
	inflow, outflow = new(big.Int), new(big.Int)
	for _, e := range entries {
		switch {
		case models.JournalInflow(e.EntryType):
			inflow.Add(inflow, e.Amount)
		case models.JournalOutflow(e.EntryType):
			outflow.Add(outflow, e.Amount)
		}
	}
	return inflow, outflow
}
