// Package credit holds the credit-score rules and the activation predicate
// that every automatic promotion to active status goes through.
package credit

import (
	"math/big"

	"github.com/inaiurai/streamescrow/internal/models"
)

const (
	DefaultScore   uint64 = 700
	MaxScore       uint64 = 1000
	MinActiveScore uint64 = 500
)

// Score deltas per epoch outcome.
const (
	BonusOnTime       uint64 = 5
	PenaltyLate       uint64 = 15
	PenaltySlashed    uint64 = 60
	PenaltyDelinquent uint64 = 90
)

// Raise adds delta to score, clamping at MaxScore.
func Raise(score, delta uint64) uint64 {
	next := score + delta
	if next < score || next > MaxScore {
		return MaxScore
	}
	return next
}

// Lower subtracts delta from score, saturating at zero.
func Lower(score, delta uint64) uint64 {
	if delta >= score {
		return 0
	}
	return score - delta
}

// Apply returns the score after the given terminal epoch outcome.
// Non-terminal states leave the score unchanged.
func Apply(score uint64, outcome models.EpochState) uint64 {
	switch outcome {
	case models.EpochStateSettledOnTime:
		return Raise(score, BonusOnTime)
	case models.EpochStateSettledLate:
		return Lower(score, PenaltyLate)
	case models.EpochStateSlashed:
		return Lower(score, PenaltySlashed)
	case models.EpochStateDelinquent:
		return Lower(score, PenaltyDelinquent)
	}
	return score
}

// CanBeActive is the activation predicate. A nil agent is an unknown agent.
func CanBeActive(a *models.Agent, minBond *big.Int) bool {
	if a == nil || a.Status == models.AgentStatusCancelled {
		return false
	}
	if a.CreditScore < MinActiveScore {
		return false
	}
	if a.BondBalance == nil || a.BondBalance.Cmp(minBond) < 0 {
		return false
	}
	if a.OutstandingTotal != nil && a.OutstandingTotal.Sign() > 0 {
		return false
	}
	return true
}
