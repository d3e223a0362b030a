package escrow

import (
	"context"
	"math/big"

	"github.com/google/uuid"

	"github.com/inaiurai/streamescrow/internal/ledger"
	"github.com/inaiurai/streamescrow/internal/models"
)

// AgentInfo returns ErrAgentNotEnrolled for an unknown agent.
func (s *service) AgentInfo(ctx context.Context, agent uuid.UUID) (*models.Agent, error) {
	a, err := s.store.Agent(ctx, agent)
	if isNotFound(err) {
		return nil, ErrAgentNotEnrolled
	}
	return a, err
}

// AgentFinancials returns the bond and outstanding debt, both zero for an unknown agent.
func (s *service) AgentFinancials(ctx context.Context, agent uuid.UUID) (bond, outstanding *big.Int, err error) {
	a, err := s.store.Agent(ctx, agent)
	if isNotFound(err) {
		return new(big.Int), new(big.Int), nil
	}
	if err != nil {
		return nil, nil, err
	}
	return a.BondBalance, a.OutstandingTotal, nil
}

// EpochDebt returns the remaining due for an epoch, zero when it was never billed.
func (s *service) EpochDebt(ctx context.Context, agent uuid.UUID, epoch uint64) (*big.Int, error) {
	rec, err := s.store.EpochRecord(ctx, models.EpochKey{AgentID: agent, Epoch: epoch})
	if isNotFound(err) {
		return new(big.Int), nil
	}
	if err != nil {
		return nil, err
	}
	return rec.Due, nil
}

// EpochState reports false when the epoch was never billed.
func (s *service) EpochState(ctx context.Context, agent uuid.UUID, epoch uint64) (models.EpochState, bool, error) {
	rec, err := s.store.EpochRecord(ctx, models.EpochKey{AgentID: agent, Epoch: epoch})
	if isNotFound(err) {
		return models.EpochStateUnbilled, false, nil
	}
	if err != nil {
		return "", false, err
	}
	return rec.State, true, nil
}

func (s *service) EpochRecord(ctx context.Context, agent uuid.UUID, epoch uint64) (*models.EpochRecord, error) {
	rec, err := s.store.EpochRecord(ctx, models.EpochKey{AgentID: agent, Epoch: epoch})
	if isNotFound(err) {
		return nil, ErrEpochNotBilled
	}
	return rec, err
}

func (s *service) ClaimableOwner(ctx context.Context) (*big.Int, error) {
	cfg, err := s.store.Config(ctx)
	if err != nil {
		return nil, err
	}
	return cfg.ClaimableOwner, nil
}

func (s *service) Config(ctx context.Context) (*models.Config, error) {
	return s.store.Config(ctx)
}

func (s *service) PromoUsage(ctx context.Context) (used, slots uint64, err error) {
	cfg, err := s.store.Config(ctx)
	if err != nil {
		return 0, 0, err
	}
	return cfg.PromoUsed, cfg.PromoFreeSlots, nil
}

func (s *service) ActiveAgentCount(ctx context.Context) (uint64, error) {
	cfg, err := s.store.Config(ctx)
	if err != nil {
		return 0, err
	}
	return cfg.ActiveAgentCount, nil
}

// Journal returns every asset movement booked against account.
func (s *service) Journal(ctx context.Context, account uuid.UUID) ([]*models.JournalEntry, error) {
	return s.store.Journal(ctx, account)
}

// Overdue lists records that enforcement would still change: unscored ones,
// and scored ones whose agent has bond left to slash.
func (s *service) Overdue(ctx context.Context, limit int) ([]models.EpochKey, error) {
	return s.store.Overdue(ctx, s.clock.Current(), limit)
}

// Reconcile compares journal totals against live balances.
func (s *service) Reconcile(ctx context.Context) (*ledger.Reconciliation, error) {
	return s.store.Reconcile(ctx)
}
