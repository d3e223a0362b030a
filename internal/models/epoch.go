package models

import (
	"math/big"

	"github.com/google/uuid"
)

// EpochState is the billing state of one (agent, epoch) pair.
type EpochState string

const (
	EpochStateUnbilled      EpochState = "unbilled"
	EpochStateBilled        EpochState = "billed"
	EpochStateSettledOnTime EpochState = "settled_on_time"
	EpochStateSettledLate   EpochState = "settled_late"
	EpochStateSlashed       EpochState = "slashed"
	EpochStateDelinquent    EpochState = "delinquent"
)

// Terminal reports whether s is one of the four scored outcomes.
func (s EpochState) Terminal() bool {
	switch s {
	case EpochStateSettledOnTime, EpochStateSettledLate, EpochStateSlashed, EpochStateDelinquent:
		return true
	}
	return false
}

// EpochKey identifies a billing record.
type EpochKey struct {
	AgentID uuid.UUID `json:"agent_id"`
	Epoch   uint64    `json:"epoch"`
}

// EpochRecord is created once by billing and then only mutated by settlement and enforcement.
// Billed keeps the amount originally charged; Due is what remains.
type EpochRecord struct {
	AgentID      uuid.UUID  `json:"agent_id"`
	Epoch        uint64     `json:"epoch"`
	Windows      uint64     `json:"windows"`
	Billed       *big.Int   `json:"billed"`
	Due          *big.Int   `json:"due"`
	Deadline     uint64     `json:"deadline"`
	ScoreApplied bool       `json:"score_applied"`
	State        EpochState `json:"state"`
}

// Key returns the record's (agent, epoch) key.
func (r *EpochRecord) Key() EpochKey { return EpochKey{AgentID: r.AgentID, Epoch: r.Epoch} }

// Clone returns a deep copy of r.
func (r *EpochRecord) Clone() *EpochRecord {
	if r == nil {
		return nil
	}
	cp := *r
	cp.Billed = cloneInt(r.Billed)
	cp.Due = cloneInt(r.Due)
	return &cp
}
