package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/inaiurai/streamescrow/internal/escrow"
	"github.com/inaiurai/streamescrow/internal/models"
)

const agentColumns = `id, fee_bps, max_windows_per_epoch, max_charge_per_epoch::text, credit_score, status, used_promo, joined_epoch, last_billed_epoch, metadata, bond_balance::text, outstanding_total::text`

func getAgent(ctx context.Context, q querier, id uuid.UUID) (*models.Agent, error) {
	var a models.Agent
	err := q.QueryRow(ctx, `SELECT `+agentColumns+` FROM escrow_agents WHERE id = $1`, id).
		Scan(&a.ID, &a.FeeBps, &a.MaxWindowsPerEpoch, numeric{&a.MaxChargePerEpoch}, &a.CreditScore, &a.Status, &a.UsedPromo, &a.JoinedEpoch, &a.LastBilledEpoch, &a.Metadata, numeric{&a.BondBalance}, numeric{&a.OutstandingTotal})
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, escrow.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if !a.Status.Valid() {
		return nil, fmt.Errorf("agent %s: unknown status %q", a.ID, a.Status)
	}
	return &a, nil
}

func insertAgent(ctx context.Context, q querier, a *models.Agent) error {
	_, err := q.Exec(ctx, `
		INSERT INTO escrow_agents (id, fee_bps, max_windows_per_epoch, max_charge_per_epoch, credit_score, status, used_promo, joined_epoch, last_billed_epoch, metadata, bond_balance, outstanding_total)
		VALUES ($1, $2, $3, $4::numeric, $5, $6, $7, $8, $9, $10, $11::numeric, $12::numeric)
	`, a.ID, a.FeeBps, a.MaxWindowsPerEpoch, amountArg(a.MaxChargePerEpoch), a.CreditScore, a.Status, a.UsedPromo, a.JoinedEpoch, a.LastBilledEpoch, a.Metadata, amountArg(a.BondBalance), amountArg(a.OutstandingTotal))
	return err
}

func updateAgent(ctx context.Context, q querier, a *models.Agent) error {
	tag, err := q.Exec(ctx, `
		UPDATE escrow_agents SET fee_bps = $2, max_windows_per_epoch = $3, max_charge_per_epoch = $4::numeric, credit_score = $5, status = $6, used_promo = $7, joined_epoch = $8, last_billed_epoch = $9, metadata = $10, bond_balance = $11::numeric, outstanding_total = $12::numeric, updated_at = now()
		WHERE id = $1
	`, a.ID, a.FeeBps, a.MaxWindowsPerEpoch, amountArg(a.MaxChargePerEpoch), a.CreditScore, a.Status, a.UsedPromo, a.JoinedEpoch, a.LastBilledEpoch, a.Metadata, amountArg(a.BondBalance), amountArg(a.OutstandingTotal))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return escrow.ErrNotFound
	}
	return nil
}
