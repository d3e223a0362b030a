package repository

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/inaiurai/streamescrow/internal/escrow"
	"github.com/inaiurai/streamescrow/internal/ledger"
	"github.com/inaiurai/streamescrow/internal/models"
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// EscrowRepo is the Postgres escrow store. Writers serialize on the
// escrow_config row, which every transaction locks first.
type EscrowRepo struct {
	pool    *pgxpool.Pool
	journal *ledger.Repository
}

var _ escrow.Store = (*EscrowRepo)(nil)

func NewEscrowRepo(pool *pgxpool.Pool) *EscrowRepo {
	return &EscrowRepo{pool: pool, journal: ledger.NewRepository(pool)}
}

func (r *EscrowRepo) Begin(ctx context.Context) (escrow.Tx, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return &PgTx{tx: tx, journal: r.journal}, nil
}

func (r *EscrowRepo) Config(ctx context.Context) (*models.Config, error) {
	return getConfig(ctx, r.pool, false)
}

func (r *EscrowRepo) Agent(ctx context.Context, id uuid.UUID) (*models.Agent, error) {
	return getAgent(ctx, r.pool, id)
}

func (r *EscrowRepo) EpochRecord(ctx context.Context, key models.EpochKey) (*models.EpochRecord, error) {
	return getEpochRecord(ctx, r.pool, key)
}

func (r *EscrowRepo) Journal(ctx context.Context, account uuid.UUID) ([]*models.JournalEntry, error) {
	return r.journal.ListByAccount(ctx, r.pool, account)
}

func (r *EscrowRepo) Overdue(ctx context.Context, now uint64, limit int) ([]models.EpochKey, error) {
	return listOverdue(ctx, r.pool, now, limit)
}

// Reconcile reads the journal totals and live balances from one snapshot.
func (r *EscrowRepo) Reconcile(ctx context.Context) (*ledger.Reconciliation, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	in, out, err := r.journal.Totals(ctx, tx)
	if err != nil {
		return nil, fmt.Errorf("journal totals: %w", err)
	}
	rec := &ledger.Reconciliation{Inflow: in, Outflow: out}
	err = tx.QueryRow(ctx, `
		SELECT
			(SELECT COALESCE(SUM(bond_balance), 0) FROM escrow_agents)::text,
			COALESCE((SELECT claimable_owner FROM escrow_config WHERE id = 1), 0)::text
	`).Scan(numeric{&rec.Bonds}, numeric{&rec.Claimable})
	if err != nil {
		return nil, fmt.Errorf("balance totals: %w", err)
	}
	return rec, tx.Commit(ctx)
}

// PgTx is one escrow transaction. Collaborators that enqueue work in the same
// transaction reach the underlying pgx.Tx through PgxTx.
type PgTx struct {
	tx      pgx.Tx
	journal *ledger.Repository
	hooks   []func()
}

var _ escrow.Tx = (*PgTx)(nil)

func (t *PgTx) PgxTx() pgx.Tx { return t.tx }

// AfterCommit registers fn to run once the transaction has committed.
func (t *PgTx) AfterCommit(fn func()) { t.hooks = append(t.hooks, fn) }

// Config loads and locks the configuration row.
func (t *PgTx) Config(ctx context.Context) (*models.Config, error) {
	return getConfig(ctx, t.tx, true)
}

func (t *PgTx) CreateConfig(ctx context.Context, c *models.Config) error {
	return insertConfig(ctx, t.tx, c)
}

func (t *PgTx) SaveConfig(ctx context.Context, c *models.Config) error {
	return updateConfig(ctx, t.tx, c)
}

func (t *PgTx) Agent(ctx context.Context, id uuid.UUID) (*models.Agent, error) {
	return getAgent(ctx, t.tx, id)
}

func (t *PgTx) CreateAgent(ctx context.Context, a *models.Agent) error {
	return insertAgent(ctx, t.tx, a)
}

func (t *PgTx) SaveAgent(ctx context.Context, a *models.Agent) error {
	return updateAgent(ctx, t.tx, a)
}

func (t *PgTx) EpochRecord(ctx context.Context, key models.EpochKey) (*models.EpochRecord, error) {
	return getEpochRecord(ctx, t.tx, key)
}

func (t *PgTx) CreateEpochRecord(ctx context.Context, rec *models.EpochRecord) error {
	return insertEpochRecord(ctx, t.tx, rec)
}

func (t *PgTx) SaveEpochRecord(ctx context.Context, rec *models.EpochRecord) error {
	return updateEpochRecord(ctx, t.tx, rec)
}

func (t *PgTx) OpenRecords(ctx context.Context, agent uuid.UUID) ([]*models.EpochRecord, error) {
	return listOpenRecords(ctx, t.tx, agent)
}

func (t *PgTx) AppendJournal(ctx context.Context, e *models.JournalEntry) error {
	return t.journal.AppendTx(ctx, t.tx, e)
}

func (t *PgTx) Commit(ctx context.Context) error {
	if err := t.tx.Commit(ctx); err != nil {
		return err
	}
	for _, fn := range t.hooks {
		fn()
	}
	return nil
}

func (t *PgTx) Rollback(ctx context.Context) error {
	err := t.tx.Rollback(ctx)
	if errors.Is(err, pgx.ErrTxClosed) {
		return nil
	}
	return err
}

// numeric scans a NUMERIC column selected as ::text into a *big.Int.
type numeric struct {
	dst **big.Int
}

func (n numeric) Scan(src any) error {
	var s string
	switch v := src.(type) {
	case string:
		s = v
	case []byte:
		s = string(v)
	default:
		return fmt.Errorf("cannot scan %T into amount", src)
	}
	x, err := ledger.ParseAmount(s)
	if err != nil {
		return err
	}
	*n.dst = x
	return nil
}

func amountArg(x *big.Int) string {
	if x == nil {
		return "0"
	}
	return x.String()
}
