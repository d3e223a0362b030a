package ledger

import (
	"context"
	"fmt"
	"math/big"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/inaiurai/streamescrow/internal/models"
)

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// AppendTx inserts a journal entry inside the given transaction.
func (r *Repository) AppendTx(ctx context.Context, tx pgx.Tx, e *models.JournalEntry) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	return tx.QueryRow(ctx, `
		INSERT INTO escrow_journal (id, account_id, epoch, entry_type, amount)
		VALUES ($1, $2, $3, $4, $5::numeric)
		RETURNING created_at
	`, e.ID, e.Account, epochArg(e.Epoch), e.EntryType, e.Amount.String()).Scan(&e.CreatedAt)
}

// ListByAccount returns the account's journal, newest first.
func (r *Repository) ListByAccount(ctx context.Context, q Querier, account uuid.UUID) ([]*models.JournalEntry, error) {
	if q == nil {
		q = r.pool
	}
	rows, err := q.Query(ctx, `
		SELECT id, account_id, epoch, entry_type, amount::text, created_at
		FROM escrow_journal WHERE account_id = $1 ORDER BY created_at DESC, id
	`, account)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.JournalEntry
	for rows.Next() {
		var (
			e      models.JournalEntry
			epoch  *int64
			amount string
		)
		if err := rows.Scan(&e.ID, &e.Account, &epoch, &e.EntryType, &amount, &e.CreatedAt); err != nil {
			return nil, err
		}
		if epoch != nil {
			v := uint64(*epoch)
			e.Epoch = &v
		}
		if e.Amount, err = ParseAmount(amount); err != nil {
			return nil, err
		}
		list = append(list, &e)
	}
	return list, rows.Err()
}

// Totals returns the summed inflows and outflows across the whole journal.
func (r *Repository) Totals(ctx context.Context, q Querier) (inflow, outflow *big.Int, err error) {
	if q == nil {
		q = r.pool
	}
	var in, out string
	err = q.QueryRow(ctx, `
		SELECT
			COALESCE(SUM(amount) FILTER (WHERE entry_type IN ('bond_deposit', 'setup_fee', 'settlement')), 0)::text,
			COALESCE(SUM(amount) FILTER (WHERE entry_type IN ('bond_refund', 'owner_withdrawal')), 0)::text
		FROM escrow_journal
	`).Scan(&in, &out)
	if err != nil {
		return nil, nil, err
	}
	if inflow, err = ParseAmount(in); err != nil {
		return nil, nil, err
	}
	if outflow, err = ParseAmount(out); err != nil {
		return nil, nil, err
	}
	return inflow, outflow, nil
}

// ParseAmount parses a non-negative base-10 integer amount.
func ParseAmount(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", s)
	}
	if v.Sign() < 0 {
		return nil, fmt.Errorf("negative amount %q", s)
	}
	return v, nil
}

func epochArg(epoch *uint64) *int64 {
	if epoch == nil {
		return nil
	}
	v := int64(*epoch)
	return &v
}
