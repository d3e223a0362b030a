package models

import (
	"math/big"
	"time"

	"github.com/google/uuid"
)

// Journal entry_type values. Every movement of the native asset, and every
// internal transfer between a bond and the owner's claimable balance, gets one row.
const (
	JournalBondDeposit     = "bond_deposit"
	JournalSetupFee        = "setup_fee"
	JournalSettlement      = "settlement"
	JournalSlash           = "slash"
	JournalBondRefund      = "bond_refund"
	JournalOwnerWithdrawal = "owner_withdrawal"
)

// JournalInflow reports whether entries of entryType bring assets into escrow.
func JournalInflow(entryType string) bool {
	switch entryType {
	case JournalBondDeposit, JournalSetupFee, JournalSettlement:
		return true
	}
	return false
}

// JournalOutflow reports whether entries of entryType send assets out of escrow.
func JournalOutflow(entryType string) bool {
	return entryType == JournalBondRefund || entryType == JournalOwnerWithdrawal
}

type JournalEntry struct {
	ID        uuid.UUID `json:"id"`
	Account   uuid.UUID `json:"account"`
	Epoch     *uint64   `json:"epoch,omitempty"`
	EntryType string    `json:"entry_type"`
	Amount    *big.Int  `json:"amount"`
	CreatedAt time.Time `json:"created_at"`
}
