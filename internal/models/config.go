package models

import (
	"math/big"

	"github.com/google/uuid"
)

// Config is the singleton global configuration plus the two process-wide
// counters (owner claimable balance and active agent count). Both counters are
// maintained incrementally by the operations that own them.
type Config struct {
	Owner                  uuid.UUID `json:"owner"`
	Operator               uuid.UUID `json:"operator"`
	WindowReward           *big.Int  `json:"window_reward"`
	SetupFee               *big.Int  `json:"setup_fee"`
	MinBond                *big.Int  `json:"min_bond"`
	PromoFreeSlots         uint64    `json:"promo_free_slots"`
	PromoUsed              uint64    `json:"promo_used"`
	GraceEpochs            uint64    `json:"grace_epochs"`
	MaxBackbillEpochs      uint64    `json:"max_backbill_epochs"`
	HardMaxWindowsPerEpoch uint64    `json:"hard_max_windows_per_epoch"`
	ClaimableOwner         *big.Int  `json:"claimable_owner"`
	ActiveAgentCount       uint64    `json:"active_agent_count"`
}

// Clone returns a deep copy of c.
func (c *Config) Clone() *Config {
	if c == nil {
		return nil
	}
	cp := *c
	cp.WindowReward = cloneInt(c.WindowReward)
	cp.SetupFee = cloneInt(c.SetupFee)
	cp.MinBond = cloneInt(c.MinBond)
	cp.ClaimableOwner = cloneInt(c.ClaimableOwner)
	return &cp
}
