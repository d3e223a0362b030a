// Package escrow is the billing and settlement state machine. Every mutating
// operation runs as one store transaction: it either commits all of its writes,
// its asset transfers and its events, or nothing.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/google/uuid"

	"github.com/inaiurai/streamescrow/internal/ledger"
	"github.com/inaiurai/streamescrow/internal/models"
)

// Call carries what the host supplies with every request: an authenticated
// caller and the amount of the native asset attached to it.
type Call struct {
	Caller  uuid.UUID
	Payment *big.Int
}

func (c Call) payment() *big.Int {
	if c.Payment == nil {
		return new(big.Int)
	}
	return c.Payment
}

// Clock supplies the current epoch. It must never go backwards.
type Clock interface {
	Current() uint64
}

// Reader reads committed state.
type Reader interface {
	Config(ctx context.Context) (*models.Config, error)
	Agent(ctx context.Context, id uuid.UUID) (*models.Agent, error)
	EpochRecord(ctx context.Context, key models.EpochKey) (*models.EpochRecord, error)
	Journal(ctx context.Context, account uuid.UUID) ([]*models.JournalEntry, error)
	// Overdue lists billed records with positive due whose deadline is before now,
	// leaving out scored records whose agent has no bond left to slash.
	Overdue(ctx context.Context, now uint64, limit int) ([]models.EpochKey, error)
	Reconcile(ctx context.Context) (*ledger.Reconciliation, error)
}

// Tx is one serialized unit of work. Config locks the global row and must be
// the first read; stores serialize writers on it.
type Tx interface {
	Config(ctx context.Context) (*models.Config, error)
	CreateConfig(ctx context.Context, c *models.Config) error
	SaveConfig(ctx context.Context, c *models.Config) error
	Agent(ctx context.Context, id uuid.UUID) (*models.Agent, error)
	CreateAgent(ctx context.Context, a *models.Agent) error
	SaveAgent(ctx context.Context, a *models.Agent) error
	EpochRecord(ctx context.Context, key models.EpochKey) (*models.EpochRecord, error)
	CreateEpochRecord(ctx context.Context, rec *models.EpochRecord) error
	SaveEpochRecord(ctx context.Context, rec *models.EpochRecord) error
	// OpenRecords returns the agent's records with positive due, oldest epoch first.
	OpenRecords(ctx context.Context, agent uuid.UUID) ([]*models.EpochRecord, error)
	AppendJournal(ctx context.Context, e *models.JournalEntry) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Store opens transactions and serves committed reads.
type Store interface {
	Reader
	Begin(ctx context.Context) (Tx, error)
}

// Custody moves the native asset out of escrow. Transfer runs inside the
// call's transaction; an error aborts the call.
type Custody interface {
	Transfer(ctx context.Context, tx Tx, to uuid.UUID, amount *big.Int) error
}

// Notifier delivers a committed call's events to off-system observers.
type Notifier interface {
	Notify(ctx context.Context, tx Tx, events []models.Event) error
}

// Service is the full set of escrow operations.
type Service interface {
	Initialize(ctx context.Context, call Call, p InitParams) error
	Register(ctx context.Context, call Call, p RegisterParams) error
	TopUpBond(ctx context.Context, call Call) error
	SetBillingGuards(ctx context.Context, call Call, maxWindows uint64, maxCharge *big.Int) error
	Pause(ctx context.Context, call Call) error
	ResumeIfHealthy(ctx context.Context, call Call) error
	CancelAndWithdraw(ctx context.Context, call Call) (*big.Int, error)

	BillEpoch(ctx context.Context, call Call, agent uuid.UUID, epoch, windows uint64) (*big.Int, error)
	SettleEpoch(ctx context.Context, call Call, epoch uint64) (*big.Int, error)
	EnforceEpoch(ctx context.Context, call Call, agent uuid.UUID, epoch uint64) (*big.Int, error)

	WithdrawOwner(ctx context.Context, call Call, amount *big.Int, to uuid.UUID) error
	SetOperator(ctx context.Context, call Call, operator uuid.UUID) error
	SetOwner(ctx context.Context, call Call, owner uuid.UUID) error
	SetWindowReward(ctx context.Context, call Call, reward *big.Int) error
	SetPromoSlots(ctx context.Context, call Call, slots uint64) error
	SetMaxBackbillEpochs(ctx context.Context, call Call, epochs uint64) error
	SetHardMaxWindowsPerEpoch(ctx context.Context, call Call, windows uint64) error

	AgentInfo(ctx context.Context, agent uuid.UUID) (*models.Agent, error)
	AgentFinancials(ctx context.Context, agent uuid.UUID) (bond, outstanding *big.Int, err error)
	EpochDebt(ctx context.Context, agent uuid.UUID, epoch uint64) (*big.Int, error)
	EpochState(ctx context.Context, agent uuid.UUID, epoch uint64) (models.EpochState, bool, error)
	EpochRecord(ctx context.Context, agent uuid.UUID, epoch uint64) (*models.EpochRecord, error)
	ClaimableOwner(ctx context.Context) (*big.Int, error)
	Config(ctx context.Context) (*models.Config, error)
	PromoUsage(ctx context.Context) (used, slots uint64, err error)
	ActiveAgentCount(ctx context.Context) (uint64, error)
	Journal(ctx context.Context, account uuid.UUID) ([]*models.JournalEntry, error)
	Overdue(ctx context.Context, limit int) ([]models.EpochKey, error)
	Reconcile(ctx context.Context) (*ledger.Reconciliation, error)
	CurrentEpoch() uint64
}

type service struct {
	store    Store
	clock    Clock
	custody  Custody
	notifier Notifier
	log      *slog.Logger
}

var _ Service = (*service)(nil)

// NewService wires the state machine to its collaborators.
func NewService(store Store, clock Clock, custody Custody, notifier Notifier, log *slog.Logger) Service {
	if log == nil {
		log = slog.Default()
	}
	return &service{store: store, clock: clock, custody: custody, notifier: notifier, log: log}
}

func (s *service) CurrentEpoch() uint64 { return s.clock.Current() }

type transfer struct {
	to     uuid.UUID
	amount *big.Int
}

// op is the working state of one mutating call.
type op struct {
	ctx       context.Context
	tx        Tx
	cfg       *models.Config
	now       uint64
	events    []models.Event
	journal   []*models.JournalEntry
	transfers []transfer
}

// mutate runs fn inside a transaction holding the config lock. Transfers,
// journal rows and events queued by fn are flushed in that order before commit.
func (s *service) mutate(ctx context.Context, name string, fn func(o *op) error) error {
	tx, err := s.store.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%s: begin: %w", name, err)
	}
	defer tx.Rollback(ctx)

	cfg, err := tx.Config(ctx)
	if err != nil {
		return fmt.Errorf("%s: load config: %w", name, err)
	}
	o := &op{ctx: ctx, tx: tx, cfg: cfg, now: s.clock.Current()}
	if err := fn(o); err != nil {
		return err
	}
	return s.finish(ctx, name, o)
}

func (s *service) finish(ctx context.Context, name string, o *op) error {
	if err := o.tx.SaveConfig(ctx, o.cfg); err != nil {
		return fmt.Errorf("%s: save config: %w", name, err)
	}
	for _, e := range o.journal {
		if err := o.tx.AppendJournal(ctx, e); err != nil {
			return fmt.Errorf("%s: journal: %w", name, err)
		}
	}
	for _, t := range o.transfers {
		if err := s.custody.Transfer(ctx, o.tx, t.to, t.amount); err != nil {
			return fmt.Errorf("%s: transfer: %w", name, err)
		}
	}
	for i := range o.events {
		o.events[i].CurrentEpoch = o.now
	}
	if len(o.events) > 0 {
		if err := s.notifier.Notify(ctx, o.tx, o.events); err != nil {
			return fmt.Errorf("%s: notify: %w", name, err)
		}
	}
	if err := o.tx.Commit(ctx); err != nil {
		return fmt.Errorf("%s: commit: %w", name, err)
	}
	for _, e := range o.events {
		s.logEvent(e)
	}
	return nil
}

func (s *service) logEvent(e models.Event) {
	attrs := []any{"kind", e.Kind, "epoch_now", e.CurrentEpoch}
	if e.Agent != nil {
		attrs = append(attrs, "agent", e.Agent.String())
	}
	if e.Epoch != nil {
		attrs = append(attrs, "epoch", *e.Epoch)
	}
	if e.Amount != "" {
		attrs = append(attrs, "amount", e.Amount)
	}
	if e.StatusCode != nil {
		attrs = append(attrs, "status_code", *e.StatusCode)
	}
	s.log.Info("escrow event", attrs...)
}

// agent loads an enrolled agent or rejects the call.
func (o *op) agent(id uuid.UUID) (*models.Agent, error) {
	a, err := o.tx.Agent(o.ctx, id)
	if isNotFound(err) {
		return nil, ErrAgentNotEnrolled
	}
	return a, err
}

func (o *op) record(id uuid.UUID, epoch uint64) (*models.EpochRecord, error) {
	rec, err := o.tx.EpochRecord(o.ctx, models.EpochKey{AgentID: id, Epoch: epoch})
	if isNotFound(err) {
		return nil, ErrEpochNotBilled
	}
	return rec, err
}

// setStatus moves a to next, keeping the active counter in step.
func (o *op) setStatus(a *models.Agent, next models.AgentStatus) {
	if a.Status == next {
		return
	}
	if a.Status == models.AgentStatusActive && o.cfg.ActiveAgentCount > 0 {
		o.cfg.ActiveAgentCount--
	}
	if next == models.AgentStatusActive {
		o.cfg.ActiveAgentCount++
	}
	a.Status = next
	o.emit(models.Event{
		Kind:        models.EventStatusChanged,
		Agent:       idPtr(a.ID),
		StatusCode:  u64Ptr(next.Code()),
		CreditScore: u64Ptr(a.CreditScore),
	})
}

func (o *op) emit(e models.Event) { o.events = append(o.events, e) }

func (o *op) book(account uuid.UUID, epoch *uint64, entryType string, amount *big.Int) {
	if !ledger.Positive(amount) {
		return
	}
	o.journal = append(o.journal, &models.JournalEntry{
		ID:        uuid.New(),
		Account:   account,
		Epoch:     epoch,
		EntryType: entryType,
		Amount:    new(big.Int).Set(amount),
	})
}

func (o *op) pay(to uuid.UUID, amount *big.Int) {
	if !ledger.Positive(amount) {
		return
	}
	o.transfers = append(o.transfers, transfer{to: to, amount: new(big.Int).Set(amount)})
}

func isNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

func idPtr(id uuid.UUID) *uuid.UUID { return &id }

func u64Ptr(v uint64) *uint64 { return &v }
