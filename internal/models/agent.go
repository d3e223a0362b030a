package models

import (
	"math/big"

	"github.com/google/uuid"
)

// AgentStatus is the lifecycle status of an enrolled agent.
type AgentStatus string

const (
	AgentStatusActive    AgentStatus = "active"
	AgentStatusPaused    AgentStatus = "paused"
	AgentStatusSuspended AgentStatus = "suspended"
	AgentStatusCancelled AgentStatus = "cancelled"
)

// Numeric status codes carried by status_changed notifications.
const (
	StatusCodeActive    uint64 = 1
	StatusCodePaused    uint64 = 2
	StatusCodeSuspended uint64 = 3
	StatusCodeCancelled uint64 = 4
)

// Code returns the numeric code observers receive for s, or 0 for an unknown status.
func (s AgentStatus) Code() uint64 {
	switch s {
	case AgentStatusActive:
		return StatusCodeActive
	case AgentStatusPaused:
		return StatusCodePaused
	case AgentStatusSuspended:
		return StatusCodeSuspended
	case AgentStatusCancelled:
		return StatusCodeCancelled
	}
	return 0
}

// Valid reports whether s is one of the four lifecycle statuses.
func (s AgentStatus) Valid() bool { return s.Code() != 0 }

// Agent is one enrolled account. Rows are never deleted; cancellation is a status.
// BondBalance and OutstandingTotal are kept on the same row so one read gives
// the activation policy everything it needs.
type Agent struct {
	ID                 uuid.UUID   `json:"id"`
	FeeBps             uint64      `json:"fee_bps"`
	MaxWindowsPerEpoch uint64      `json:"max_windows_per_epoch"`
	MaxChargePerEpoch  *big.Int    `json:"max_charge_per_epoch"`
	CreditScore        uint64      `json:"credit_score"`
	Status             AgentStatus `json:"status"`
	UsedPromo          bool        `json:"used_promo"`
	JoinedEpoch        uint64      `json:"joined_epoch"`
	LastBilledEpoch    uint64      `json:"last_billed_epoch"`
	Metadata           string      `json:"metadata"`
	BondBalance        *big.Int    `json:"bond_balance"`
	OutstandingTotal   *big.Int    `json:"outstanding_total"`
}

// Clone returns a deep copy of a.
func (a *Agent) Clone() *Agent {
	if a == nil {
		return nil
	}
	cp := *a
	cp.MaxChargePerEpoch = cloneInt(a.MaxChargePerEpoch)
	cp.BondBalance = cloneInt(a.BondBalance)
	cp.OutstandingTotal = cloneInt(a.OutstandingTotal)
	return &cp
}

func cloneInt(x *big.Int) *big.Int {
	if x == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(x)
}
