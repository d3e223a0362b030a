package escrow

import (
	"context"
	"fmt"
	"math/big"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/inaiurai/streamescrow/internal/ledger"
	"github.com/inaiurai/streamescrow/internal/models"
)

// MemoryStore keeps all state in process. One transaction may be open at a
// time; Begin blocks until the previous one commits or rolls back.
type MemoryStore struct {
	writer sync.Mutex

	mu      sync.RWMutex
	cfg     *models.Config
	agents  map[uuid.UUID]*models.Agent
	records map[models.EpochKey]*models.EpochRecord
	journal []*models.JournalEntry
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		agents:  make(map[uuid.UUID]*models.Agent),
		records: make(map[models.EpochKey]*models.EpochRecord),
	}
}

// Begin does not observe ctx while waiting for the writer lock.
func (s *MemoryStore) Begin(ctx context.Context) (Tx, error) {
	s.writer.Lock()
	return &memTx{
		s:       s,
		agents:  make(map[uuid.UUID]*models.Agent),
		records: make(map[models.EpochKey]*models.EpochRecord),
	}, nil
}

func (s *MemoryStore) Config(ctx context.Context) (*models.Config, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.cfg == nil {
		return nil, ErrNotInitialized
	}
	return s.cfg.Clone(), nil
}

func (s *MemoryStore) Agent(ctx context.Context, id uuid.UUID) (*models.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.agents[id]
	if !ok {
		return nil, ErrNotFound
	}
	return a.Clone(), nil
}

func (s *MemoryStore) EpochRecord(ctx context.Context, key models.EpochKey) (*models.EpochRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[key]
	if !ok {
		return nil, ErrNotFound
	}
	return rec.Clone(), nil
}

// Journal returns the account's entries, newest first.
func (s *MemoryStore) Journal(ctx context.Context, account uuid.UUID) ([]*models.JournalEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var list []*models.JournalEntry
	for i := len(s.journal) - 1; i >= 0; i-- {
		if e := s.journal[i]; e.Account == account {
			list = append(list, cloneEntry(e))
		}
	}
	return list, nil
}

func (s *MemoryStore) Overdue(ctx context.Context, now uint64, limit int) ([]models.EpochKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var keys []models.EpochKey
	for key, rec := range s.records {
		if rec.Deadline >= now || !ledger.Positive(rec.Due) {
			continue
		}
		if a := s.agents[key.AgentID]; rec.ScoreApplied && (a == nil || !ledger.Positive(a.BondBalance)) {
			continue
		}
		keys = append(keys, key)
	}
	slices.SortFunc(keys, func(a, b models.EpochKey) int {
		if a.Epoch != b.Epoch {
			if a.Epoch < b.Epoch {
				return -1
			}
			return 1
		}
		return slices.Compare(a.AgentID[:], b.AgentID[:])
	})
	if limit > 0 && len(keys) > limit {
		keys = keys[:limit]
	}
	return keys, nil
}

func (s *MemoryStore) Reconcile(ctx context.Context) (*ledger.Reconciliation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	in, out := ledger.Tally(s.journal)
	r := &ledger.Reconciliation{Inflow: in, Outflow: out, Bonds: new(big.Int), Claimable: new(big.Int)}
	for _, a := range s.agents {
		r.Bonds.Add(r.Bonds, a.BondBalance)
	}
	if s.cfg != nil {
		r.Claimable.Set(s.cfg.ClaimableOwner)
	}
	return r, nil
}

// memTx stages copies of everything it writes and merges them on commit.
type memTx struct {
	s       *MemoryStore
	cfg     *models.Config
	agents  map[uuid.UUID]*models.Agent
	records map[models.EpochKey]*models.EpochRecord
	journal []*models.JournalEntry
	hooks   []func()
	done    bool
}

// AfterCommit registers fn to run once the transaction has committed.
func (t *memTx) AfterCommit(fn func()) { t.hooks = append(t.hooks, fn) }

func (t *memTx) Config(ctx context.Context) (*models.Config, error) {
	if t.cfg != nil {
		return t.cfg.Clone(), nil
	}
	return t.s.Config(ctx)
}

func (t *memTx) CreateConfig(ctx context.Context, c *models.Config) error {
	if _, err := t.Config(ctx); err == nil {
		return ErrAlreadyInitialized
	}
	t.cfg = c.Clone()
	return nil
}

func (t *memTx) SaveConfig(ctx context.Context, c *models.Config) error {
	t.cfg = c.Clone()
	return nil
}

func (t *memTx) Agent(ctx context.Context, id uuid.UUID) (*models.Agent, error) {
	if a, ok := t.agents[id]; ok {
		return a.Clone(), nil
	}
	return t.s.Agent(ctx, id)
}

func (t *memTx) CreateAgent(ctx context.Context, a *models.Agent) error {
	if _, err := t.Agent(ctx, a.ID); err == nil {
		return fmt.Errorf("agent %s already exists", a.ID)
	}
	t.agents[a.ID] = a.Clone()
	return nil
}

func (t *memTx) SaveAgent(ctx context.Context, a *models.Agent) error {
	t.agents[a.ID] = a.Clone()
	return nil
}

func (t *memTx) EpochRecord(ctx context.Context, key models.EpochKey) (*models.EpochRecord, error) {
	if rec, ok := t.records[key]; ok {
		return rec.Clone(), nil
	}
	return t.s.EpochRecord(ctx, key)
}

func (t *memTx) CreateEpochRecord(ctx context.Context, rec *models.EpochRecord) error {
	if _, err := t.EpochRecord(ctx, rec.Key()); err == nil {
		return fmt.Errorf("epoch %d already recorded for agent %s", rec.Epoch, rec.AgentID)
	}
	t.records[rec.Key()] = rec.Clone()
	return nil
}

func (t *memTx) SaveEpochRecord(ctx context.Context, rec *models.EpochRecord) error {
	t.records[rec.Key()] = rec.Clone()
	return nil
}

func (t *memTx) OpenRecords(ctx context.Context, agent uuid.UUID) ([]*models.EpochRecord, error) {
	merged := make(map[uint64]*models.EpochRecord)
	t.s.mu.RLock()
	for key, rec := range t.s.records {
		if key.AgentID == agent {
			merged[key.Epoch] = rec
		}
	}
	t.s.mu.RUnlock()
	for key, rec := range t.records {
		if key.AgentID == agent {
			merged[key.Epoch] = rec
		}
	}

	var open []*models.EpochRecord
	for _, rec := range merged {
		if ledger.Positive(rec.Due) {
			open = append(open, rec.Clone())
		}
	}
	slices.SortFunc(open, func(a, b *models.EpochRecord) int {
		switch {
		case a.Epoch < b.Epoch:
			return -1
		case a.Epoch > b.Epoch:
			return 1
		}
		return 0
	})
	return open, nil
}

func (t *memTx) AppendJournal(ctx context.Context, e *models.JournalEntry) error {
	cp := cloneEntry(e)
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	t.journal = append(t.journal, cp)
	return nil
}

func (t *memTx) Commit(ctx context.Context) error {
	if t.done {
		return fmt.Errorf("transaction already closed")
	}
	t.s.mu.Lock()
	if t.cfg != nil {
		t.s.cfg = t.cfg
	}
	for id, a := range t.agents {
		t.s.agents[id] = a
	}
	for key, rec := range t.records {
		t.s.records[key] = rec
	}
	t.s.journal = append(t.s.journal, t.journal...)
	t.s.mu.Unlock()

	t.done = true
	t.s.writer.Unlock()
	for _, fn := range t.hooks {
		fn()
	}
	return nil
}

func (t *memTx) Rollback(ctx context.Context) error {
	if t.done {
		return nil
	}
	t.done = true
	t.s.writer.Unlock()
	return nil
}

func cloneEntry(e *models.JournalEntry) *models.JournalEntry {
	cp := *e
	if e.Amount != nil {
		cp.Amount = new(big.Int).Set(e.Amount)
	}
	if e.Epoch != nil {
		v := *e.Epoch
		cp.Epoch = &v
	}
	return &cp
}
