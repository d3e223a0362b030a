package repository

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/inaiurai/streamescrow/internal/escrow"
	"github.com/inaiurai/streamescrow/internal/models"
)

const configColumns = `owner_id, operator_id, window_reward::text, setup_fee::text, min_bond::text, promo_free_slots, promo_used, grace_epochs, max_backbill_epochs, hard_max_windows_per_epoch, claimable_owner::text, active_agent_count`

// getConfig returns escrow.ErrNotInitialized when the row does not exist.
func getConfig(ctx context.Context, q querier, lock bool) (*models.Config, error) {
	sql := `SELECT ` + configColumns + ` FROM escrow_config WHERE id = 1`
	if lock {
		sql += ` FOR UPDATE`
	}
	var c models.Config
	err := q.QueryRow(ctx, sql).Scan(&c.Owner, &c.Operator, numeric{&c.WindowReward}, numeric{&c.SetupFee}, numeric{&c.MinBond}, &c.PromoFreeSlots, &c.PromoUsed, &c.GraceEpochs, &c.MaxBackbillEpochs, &c.HardMaxWindowsPerEpoch, numeric{&c.ClaimableOwner}, &c.ActiveAgentCount)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, escrow.ErrNotInitialized
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// insertConfig returns escrow.ErrAlreadyInitialized when a concurrent
// initialization inserted the row first.
func insertConfig(ctx context.Context, q querier, c *models.Config) error {
	_, err := q.Exec(ctx, `
		INSERT INTO escrow_config (id, owner_id, operator_id, window_reward, setup_fee, min_bond, promo_free_slots, promo_used, grace_epochs, max_backbill_epochs, hard_max_windows_per_epoch, claimable_owner, active_agent_count)
		VALUES (1, $1, $2, $3::numeric, $4::numeric, $5::numeric, $6, $7, $8, $9, $10, $11::numeric, $12)
	`, c.Owner, c.Operator, amountArg(c.WindowReward), amountArg(c.SetupFee), amountArg(c.MinBond), c.PromoFreeSlots, c.PromoUsed, c.GraceEpochs, c.MaxBackbillEpochs, c.HardMaxWindowsPerEpoch, amountArg(c.ClaimableOwner), c.ActiveAgentCount)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return escrow.ErrAlreadyInitialized
	}
	return err
}

func updateConfig(ctx context.Context, q querier, c *models.Config) error {
	tag, err := q.Exec(ctx, `
		UPDATE escrow_config SET owner_id = $1, operator_id = $2, window_reward = $3::numeric, setup_fee = $4::numeric, min_bond = $5::numeric, promo_free_slots = $6, promo_used = $7, grace_epochs = $8, max_backbill_epochs = $9, hard_max_windows_per_epoch = $10, claimable_owner = $11::numeric, active_agent_count = $12, updated_at = now()
		WHERE id = 1
	`, c.Owner, c.Operator, amountArg(c.WindowReward), amountArg(c.SetupFee), amountArg(c.MinBond), c.PromoFreeSlots, c.PromoUsed, c.GraceEpochs, c.MaxBackbillEpochs, c.HardMaxWindowsPerEpoch, amountArg(c.ClaimableOwner), c.ActiveAgentCount)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return escrow.ErrNotInitialized
	}
	return nil
}
