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

const epochColumns = `agent_id, epoch, windows, billed::text, due::text, deadline, score_applied, state`

func scanEpochRecord(row pgx.Row) (*models.EpochRecord, error) {
	var rec models.EpochRecord
	if err := row.Scan(&rec.AgentID, &rec.Epoch, &rec.Windows, numeric{&rec.Billed}, numeric{&rec.Due}, &rec.Deadline, &rec.ScoreApplied, &rec.State); err != nil {
		return nil, err
	}
	if err := checkEpochRow(&rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// checkEpochRow rejects a row whose score flag disagrees with its state.
func checkEpochRow(rec *models.EpochRecord) error {
	if rec.ScoreApplied != rec.State.Terminal() {
		return fmt.Errorf("epoch %d of agent %s: state %q with score_applied=%t", rec.Epoch, rec.AgentID, rec.State, rec.ScoreApplied)
	}
	return nil
}

func getEpochRecord(ctx context.Context, q querier, key models.EpochKey) (*models.EpochRecord, error) {
	rec, err := scanEpochRecord(q.QueryRow(ctx, `
		SELECT `+epochColumns+` FROM escrow_epochs WHERE agent_id = $1 AND epoch = $2
	`, key.AgentID, key.Epoch))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, escrow.ErrNotFound
	}
	return rec, err
}

func insertEpochRecord(ctx context.Context, q querier, rec *models.EpochRecord) error {
	_, err := q.Exec(ctx, `
		INSERT INTO escrow_epochs (agent_id, epoch, windows, billed, due, deadline, score_applied, state)
		VALUES ($1, $2, $3, $4::numeric, $5::numeric, $6, $7, $8)
	`, rec.AgentID, rec.Epoch, rec.Windows, amountArg(rec.Billed), amountArg(rec.Due), rec.Deadline, rec.ScoreApplied, rec.State)
	return err
}

func updateEpochRecord(ctx context.Context, q querier, rec *models.EpochRecord) error {
	tag, err := q.Exec(ctx, `
		UPDATE escrow_epochs SET due = $3::numeric, score_applied = $4, state = $5, updated_at = now()
		WHERE agent_id = $1 AND epoch = $2
	`, rec.AgentID, rec.Epoch, amountArg(rec.Due), rec.ScoreApplied, rec.State)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return escrow.ErrNotFound
	}
	return nil
}

// listOpenRecords returns the agent's records with positive due, oldest first.
func listOpenRecords(ctx context.Context, q querier, agent uuid.UUID) ([]*models.EpochRecord, error) {
	rows, err := q.Query(ctx, `
		SELECT `+epochColumns+` FROM escrow_epochs
		WHERE agent_id = $1 AND due > 0
		ORDER BY epoch
	`, agent)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.EpochRecord
	for rows.Next() {
		rec, err := scanEpochRecord(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, rec)
	}
	return list, rows.Err()
}

// listOverdue returns keys of records past their deadline that still carry debt.
// A limit of zero means no limit.
func listOverdue(ctx context.Context, q querier, now uint64, limit int) ([]models.EpochKey, error) {
	var lim *int
	if limit > 0 {
		lim = &limit
	}
	rows, err := q.Query(ctx, `
		SELECT e.agent_id, e.epoch FROM escrow_epochs e
		JOIN escrow_agents a ON a.id = e.agent_id
		WHERE e.due > 0 AND e.deadline < $1
		  AND (NOT e.score_applied OR a.bond_balance > 0)
		ORDER BY e.epoch, e.agent_id
		LIMIT $2
	`, now, lim)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var keys []models.EpochKey
	for rows.Next() {
		var k models.EpochKey
		if err := rows.Scan(&k.AgentID, &k.Epoch); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}
