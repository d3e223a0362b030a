// Package ledger keeps bond and debt arithmetic and the journal of every
// asset movement. It never moves assets itself; custody is an external concern.
package ledger

import (
	"errors"
	"math/big"

	"github.com/inaiurai/streamescrow/internal/models"
)

// BpsDenominator is the basis-point scale for fee rates.
const BpsDenominator uint64 = 10_000

// ErrInsufficientFunds is returned when a debit would take a balance below zero.
var ErrInsufficientFunds = errors.New("insufficient funds")

// Min returns a copy of the smaller of a and b.
func Min(a, b *big.Int) *big.Int {
	if a.Cmp(b) <= 0 {
		return new(big.Int).Set(a)
	}
	return new(big.Int).Set(b)
}

// Positive reports whether x is strictly greater than zero. nil counts as zero.
func Positive(x *big.Int) bool { return x != nil && x.Sign() > 0 }

// ComputeDue returns windowReward * windows * feeBps / 10000, truncated.
func ComputeDue(windowReward *big.Int, windows, feeBps uint64) *big.Int {
	due := new(big.Int).Set(windowReward)
	due.Mul(due, new(big.Int).SetUint64(windows))
	due.Mul(due, new(big.Int).SetUint64(feeBps))
	return due.Quo(due, new(big.Int).SetUint64(BpsDenominator))
}

// Credit adds amount to *balance in place.
func Credit(balance *big.Int, amount *big.Int) {
	balance.Add(balance, amount)
}

// Debit subtracts amount from *balance in place after checking capacity.
func Debit(balance *big.Int, amount *big.Int) error {
	if balance.Cmp(amount) < 0 {
		return ErrInsufficientFunds
	}
	balance.Sub(balance, amount)
	return nil
}

// DepositBond adds amount to the agent's bond.
func DepositBond(a *models.Agent, amount *big.Int) {
	Credit(a.BondBalance, amount)
}

// AddDebt records newly billed debt against the agent.
func AddDebt(a *models.Agent, amount *big.Int) {
	Credit(a.OutstandingTotal, amount)
}

// ApplyPayment reduces a record's due by min(payment, due) and the agent's
// outstanding total by the same amount. It returns the applied amount and the
// unapplied excess.
func ApplyPayment(a *models.Agent, rec *models.EpochRecord, payment *big.Int) (applied, excess *big.Int) {
	applied = Min(payment, rec.Due)
	rec.Due.Sub(rec.Due, applied)
	a.OutstandingTotal.Sub(a.OutstandingTotal, Min(applied, a.OutstandingTotal))
	excess = new(big.Int).Sub(payment, applied)
	return applied, excess
}

// SlashRecord moves min(due, bond) out of the bond against one record and
// returns the slashed amount, which may be zero.
func SlashRecord(a *models.Agent, rec *models.EpochRecord) *big.Int {
	slash := Min(rec.Due, a.BondBalance)
	if slash.Sign() == 0 {
		return slash
	}
	a.BondBalance.Sub(a.BondBalance, slash)
	rec.Due.Sub(rec.Due, slash)
	a.OutstandingTotal.Sub(a.OutstandingTotal, Min(slash, a.OutstandingTotal))
	return slash
}

// SlashOutstanding moves min(outstanding, bond) out of the bond against the
// agent's total debt. The slash is spread over open, in epoch order, so that
// the outstanding total keeps matching the sum of record dues. Records are
// reduced but not scored. It returns the slashed amount and the records whose
// due changed.
func SlashOutstanding(a *models.Agent, open []*models.EpochRecord) (*big.Int, []*models.EpochRecord) {
	slash := Min(a.OutstandingTotal, a.BondBalance)
	if slash.Sign() == 0 {
		return slash, nil
	}
	a.BondBalance.Sub(a.BondBalance, slash)
	a.OutstandingTotal.Sub(a.OutstandingTotal, slash)

	var touched []*models.EpochRecord
	remaining := new(big.Int).Set(slash)
	for _, rec := range open {
		if remaining.Sign() == 0 {
			break
		}
		if !Positive(rec.Due) {
			continue
		}
		part := Min(rec.Due, remaining)
		rec.Due.Sub(rec.Due, part)
		remaining.Sub(remaining, part)
		touched = append(touched, rec)
	}
	return slash, touched
}

// DrainBond zeroes the bond and returns what it held.
func DrainBond(a *models.Agent) *big.Int {
	out := new(big.Int).Set(a.BondBalance)
	a.BondBalance.SetInt64(0)
	return out
}
