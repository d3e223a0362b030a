package models

import (
	"github.com/google/uuid"
)

// Event kinds emitted for off-system observers.
const (
	EventRegistered     = "registered"
	EventBondToppedUp   = "bond_topped_up"
	EventEpochBilled    = "epoch_billed"
	EventEpochSettled   = "epoch_settled"
	EventEpochEnforced  = "epoch_enforced"
	EventStatusChanged  = "status_changed"
	EventCancelled      = "cancelled"
	EventOwnerWithdrawn = "owner_withdrawn"
)

// Event is a structured notification. Amounts are decimal strings so the
// payload survives JSON consumers without float rounding.
type Event struct {
	Kind         string     `json:"kind"`
	Agent        *uuid.UUID `json:"agent,omitempty"`
	Recipient    *uuid.UUID `json:"recipient,omitempty"`
	Epoch        *uint64    `json:"epoch,omitempty"`
	Windows      *uint64    `json:"windows,omitempty"`
	FeeBps       *uint64    `json:"fee_bps,omitempty"`
	MaxWindows   *uint64    `json:"max_windows_per_epoch,omitempty"`
	StatusCode   *uint64    `json:"status_code,omitempty"`
	CreditScore  *uint64    `json:"credit_score,omitempty"`
	Amount       string     `json:"amount,omitempty"`
	CurrentEpoch uint64     `json:"current_epoch"`
}
