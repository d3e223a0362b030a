package escrow

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"

	"github.com/google/uuid"

	"github.com/inaiurai/streamescrow/internal/epoch"
	"github.com/inaiurai/streamescrow/internal/models"
)

// ---------------------------------------------------------------------------
// Test doubles for Custody and Notifier. Both only record once the
// transaction commits, the same contract the durable implementations keep.
// ---------------------------------------------------------------------------

type committer interface{ AfterCommit(func()) }

type sentTransfer struct {
	to     uuid.UUID
	amount *big.Int
}

type mockCustody struct {
	mu   sync.Mutex
	sent []sentTransfer
	fail error
}

func (m *mockCustody) Transfer(_ context.Context, tx Tx, to uuid.UUID, amount *big.Int) error {
	if m.fail != nil {
		return m.fail
	}
	t := sentTransfer{to: to, amount: new(big.Int).Set(amount)}
	tx.(committer).AfterCommit(func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.sent = append(m.sent, t)
	})
	return nil
}

func (m *mockCustody) transfers() []sentTransfer {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]sentTransfer(nil), m.sent...)
}

type mockNotifier struct {
	mu     sync.Mutex
	events []models.Event
}

func (m *mockNotifier) Notify(_ context.Context, tx Tx, events []models.Event) error {
	batch := append([]models.Event(nil), events...)
	tx.(committer).AfterCommit(func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.events = append(m.events, batch...)
	})
	return nil
}

func (m *mockNotifier) kinds(kind string) []models.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Event
	for _, e := range m.events {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

// ---------------------------------------------------------------------------
// Harness
// ---------------------------------------------------------------------------

const startEpoch = 10

type harness struct {
	t        *testing.T
	ctx      context.Context
	svc      Service
	store    *MemoryStore
	clock    *epoch.Manual
	custody  *mockCustody
	notes    *mockNotifier
	owner    uuid.UUID
	operator uuid.UUID
}

func amt(n int64) *big.Int { return big.NewInt(n) }

// newHarness initializes escrow with reward 1000, setup fee 200, min bond 1000,
// no promo slots, one grace epoch, two backbill epochs and a hard cap of 48.
func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		t:        t,
		ctx:      context.Background(),
		store:    NewMemoryStore(),
		clock:    epoch.NewManual(startEpoch),
		custody:  &mockCustody{},
		notes:    &mockNotifier{},
		owner:    uuid.New(),
		operator: uuid.New(),
	}
	h.svc = NewService(h.store, h.clock, h.custody, h.notes, nil)
	err := h.svc.Initialize(h.ctx, Call{Caller: h.owner}, InitParams{
		Operator:               h.operator,
		WindowReward:           amt(1000),
		SetupFee:               amt(200),
		MinBond:                amt(1000),
		GraceEpochs:            1,
		MaxBackbillEpochs:      2,
		HardMaxWindowsPerEpoch: 48,
	})
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	return h
}

func (h *harness) params() RegisterParams {
	return RegisterParams{Metadata: "str:test-agent", FeeBps: 500, MaxWindowsPerEpoch: 48, MaxChargePerEpoch: amt(50_000)}
}

func (h *harness) register(payment int64) uuid.UUID {
	h.t.Helper()
	id := uuid.New()
	if err := h.svc.Register(h.ctx, Call{Caller: id, Payment: amt(payment)}, h.params()); err != nil {
		h.t.Fatalf("Register: %v", err)
	}
	return id
}

func (h *harness) bill(agent uuid.UUID, ep, windows uint64) *big.Int {
	h.t.Helper()
	due, err := h.svc.BillEpoch(h.ctx, Call{Caller: h.operator}, agent, ep, windows)
	if err != nil {
		h.t.Fatalf("BillEpoch(%d): %v", ep, err)
	}
	return due
}

func (h *harness) agent(id uuid.UUID) *models.Agent {
	h.t.Helper()
	a, err := h.svc.AgentInfo(h.ctx, id)
	if err != nil {
		h.t.Fatalf("AgentInfo: %v", err)
	}
	return a
}

func (h *harness) record(id uuid.UUID, ep uint64) *models.EpochRecord {
	h.t.Helper()
	rec, err := h.svc.EpochRecord(h.ctx, id, ep)
	if err != nil {
		h.t.Fatalf("EpochRecord: %v", err)
	}
	return rec
}

func (h *harness) claimable() int64 {
	h.t.Helper()
	c, err := h.svc.ClaimableOwner(h.ctx)
	if err != nil {
		h.t.Fatalf("ClaimableOwner: %v", err)
	}
	return c.Int64()
}

func (h *harness) activeCount() uint64 {
	h.t.Helper()
	n, err := h.svc.ActiveAgentCount(h.ctx)
	if err != nil {
		h.t.Fatalf("ActiveAgentCount: %v", err)
	}
	return n
}

// checkInvariants asserts the balance invariants for every agent and the
// journal conservation rule.
func (h *harness) checkInvariants() {
	h.t.Helper()
	h.store.mu.RLock()
	sums := make(map[uuid.UUID]*big.Int)
	for key, rec := range h.store.records {
		if rec.Due.Sign() < 0 {
			h.t.Errorf("record %v: negative due %s", key, rec.Due)
		}
		if sums[key.AgentID] == nil {
			sums[key.AgentID] = new(big.Int)
		}
		sums[key.AgentID].Add(sums[key.AgentID], rec.Due)
	}
	for id, a := range h.store.agents {
		if a.BondBalance.Sign() < 0 || a.OutstandingTotal.Sign() < 0 {
			h.t.Errorf("agent %s: negative balance bond=%s outstanding=%s", id, a.BondBalance, a.OutstandingTotal)
		}
		want := sums[id]
		if want == nil {
			want = new(big.Int)
		}
		if a.OutstandingTotal.Cmp(want) != 0 {
			h.t.Errorf("agent %s: outstanding %s != sum of dues %s", id, a.OutstandingTotal, want)
		}
	}
	h.store.mu.RUnlock()

	r, err := h.svc.Reconcile(h.ctx)
	if err != nil {
		h.t.Fatalf("Reconcile: %v", err)
	}
	if !r.Balanced() {
		h.t.Errorf("ledger imbalance: in=%s out=%s bonds=%s claimable=%s", r.Inflow, r.Outflow, r.Bonds, r.Claimable)
	}
}

func expectErr(t *testing.T, err, want error) {
	t.Helper()
	if !errors.Is(err, want) {
		t.Fatalf("expected %v, got %v", want, err)
	}
}

// ---------------------------------------------------------------------------
// Initialization and admin
// ---------------------------------------------------------------------------

func TestInitializeOnlyOnce(t *testing.T) {
	h := newHarness(t)
	err := h.svc.Initialize(h.ctx, Call{Caller: uuid.New()}, InitParams{
		Operator: uuid.New(), WindowReward: amt(1), SetupFee: amt(1), MinBond: amt(1),
		GraceEpochs: 1, MaxBackbillEpochs: 1, HardMaxWindowsPerEpoch: 1,
	})
	expectErr(t, err, ErrAlreadyInitialized)
}

func TestInitializeValidation(t *testing.T) {
	valid := InitParams{
		Operator: uuid.New(), WindowReward: amt(1), SetupFee: amt(1), MinBond: amt(1),
		GraceEpochs: 1, MaxBackbillEpochs: 1, HardMaxWindowsPerEpoch: 1,
	}
	cases := []struct {
		name   string
		mutate func(p *InitParams)
		want   error
	}{
		{"nil operator", func(p *InitParams) { p.Operator = uuid.Nil }, ErrInvalidOperator},
		{"zero reward", func(p *InitParams) { p.WindowReward = amt(0) }, ErrInvalidWindowReward},
		{"zero setup fee", func(p *InitParams) { p.SetupFee = amt(0) }, ErrInvalidSetupFee},
		{"zero min bond", func(p *InitParams) { p.MinBond = nil }, ErrInvalidMinBond},
		{"zero grace", func(p *InitParams) { p.GraceEpochs = 0 }, ErrInvalidGraceEpochs},
		{"zero backbill", func(p *InitParams) { p.MaxBackbillEpochs = 0 }, ErrInvalidBackbill},
		{"zero hard cap", func(p *InitParams) { p.HardMaxWindowsPerEpoch = 0 }, ErrInvalidHardCap},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc := NewService(NewMemoryStore(), epoch.NewManual(0), &mockCustody{}, &mockNotifier{}, nil)
			p := valid
			tc.mutate(&p)
			expectErr(t, svc.Initialize(context.Background(), Call{Caller: uuid.New()}, p), tc.want)
		})
	}
}

func TestQueriesBeforeInitialize(t *testing.T) {
	svc := NewService(NewMemoryStore(), epoch.NewManual(0), &mockCustody{}, &mockNotifier{}, nil)
	if _, err := svc.Config(context.Background()); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("expected ErrNotInitialized, got %v", err)
	}
	err := svc.Register(context.Background(), Call{Caller: uuid.New(), Payment: amt(1)}, RegisterParams{FeeBps: 1})
	if !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("expected ErrNotInitialized from Register, got %v", err)
	}
}

func TestSettersAreOwnerOnly(t *testing.T) {
	h := newHarness(t)
	stranger := Call{Caller: uuid.New()}

	expectErr(t, h.svc.SetOperator(h.ctx, stranger, uuid.New()), ErrOnlyOwner)
	expectErr(t, h.svc.SetOwner(h.ctx, stranger, uuid.New()), ErrOnlyOwner)
	expectErr(t, h.svc.SetWindowReward(h.ctx, stranger, amt(5)), ErrOnlyOwner)
	expectErr(t, h.svc.SetPromoSlots(h.ctx, stranger, 3), ErrOnlyOwner)
	expectErr(t, h.svc.SetMaxBackbillEpochs(h.ctx, stranger, 3), ErrOnlyOwner)
	expectErr(t, h.svc.SetHardMaxWindowsPerEpoch(h.ctx, stranger, 3), ErrOnlyOwner)

	owner := Call{Caller: h.owner}
	expectErr(t, h.svc.SetOperator(h.ctx, owner, uuid.Nil), ErrInvalidOperator)
	expectErr(t, h.svc.SetOwner(h.ctx, owner, uuid.Nil), ErrInvalidOwner)
	expectErr(t, h.svc.SetWindowReward(h.ctx, owner, amt(0)), ErrInvalidWindowReward)
	expectErr(t, h.svc.SetMaxBackbillEpochs(h.ctx, owner, 0), ErrInvalidBackbill)
	expectErr(t, h.svc.SetHardMaxWindowsPerEpoch(h.ctx, owner, 0), ErrInvalidHardCap)

	if err := h.svc.SetPromoSlots(h.ctx, owner, 0); err != nil {
		t.Fatalf("SetPromoSlots(0): %v", err)
	}
	newOwner := uuid.New()
	if err := h.svc.SetOwner(h.ctx, owner, newOwner); err != nil {
		t.Fatalf("SetOwner: %v", err)
	}
	expectErr(t, h.svc.SetPromoSlots(h.ctx, owner, 1), ErrOnlyOwner)

	cfg, err := h.svc.Config(h.ctx)
	if err != nil {
		t.Fatalf("Config: %v", err)
	}
	if cfg.Owner != newOwner {
		t.Errorf("owner: got %s, want %s", cfg.Owner, newOwner)
	}
}

func TestWithdrawOwner(t *testing.T) {
	h := newHarness(t)
	h.register(1200)
	owner := Call{Caller: h.owner}
	to := uuid.New()

	expectErr(t, h.svc.WithdrawOwner(h.ctx, Call{Caller: uuid.New()}, amt(10), to), ErrOnlyOwner)
	expectErr(t, h.svc.WithdrawOwner(h.ctx, owner, amt(0), to), ErrAmountNotPositive)
	expectErr(t, h.svc.WithdrawOwner(h.ctx, owner, amt(10), uuid.Nil), ErrInvalidRecipient)
	expectErr(t, h.svc.WithdrawOwner(h.ctx, owner, amt(201), to), ErrInsufficientClaimable)

	if err := h.svc.WithdrawOwner(h.ctx, owner, amt(150), to); err != nil {
		t.Fatalf("WithdrawOwner: %v", err)
	}
	if got := h.claimable(); got != 50 {
		t.Errorf("claimable: got %d, want 50", got)
	}
	sent := h.custody.transfers()
	if len(sent) != 1 || sent[0].to != to || sent[0].amount.Int64() != 150 {
		t.Errorf("transfers: got %+v", sent)
	}
	if ev := h.notes.kinds(models.EventOwnerWithdrawn); len(ev) != 1 || ev[0].Amount != "150" {
		t.Errorf("owner_withdrawn events: got %+v", ev)
	}
	h.checkInvariants()
}

// ---------------------------------------------------------------------------
// Registration
// ---------------------------------------------------------------------------

func TestRegisterFirstTime(t *testing.T) {
	h := newHarness(t)
	id := h.register(1500)

	a := h.agent(id)
	if a.Status != models.AgentStatusActive {
		t.Errorf("status: got %s, want active", a.Status)
	}
	if a.BondBalance.Int64() != 1300 {
		t.Errorf("bond: got %s, want 1300", a.BondBalance)
	}
	if a.CreditScore != 700 {
		t.Errorf("score: got %d, want 700", a.CreditScore)
	}
	if a.JoinedEpoch != startEpoch || a.LastBilledEpoch != startEpoch-1 {
		t.Errorf("joined/last billed: got %d/%d", a.JoinedEpoch, a.LastBilledEpoch)
	}
	if got := h.claimable(); got != 200 {
		t.Errorf("claimable: got %d, want 200", got)
	}
	if got := h.activeCount(); got != 1 {
		t.Errorf("active count: got %d, want 1", got)
	}

	ev := h.notes.kinds(models.EventRegistered)
	if len(ev) != 1 {
		t.Fatalf("registered events: got %d, want 1", len(ev))
	}
	if ev[0].Amount != "1300" || *ev[0].FeeBps != 500 || ev[0].CurrentEpoch != startEpoch {
		t.Errorf("registered event: got %+v", ev[0])
	}
	if n := len(h.notes.kinds(models.EventStatusChanged)); n != 0 {
		t.Errorf("first registration should not emit status_changed, got %d", n)
	}
	h.checkInvariants()
}

func TestRegisterAtGenesisEpoch(t *testing.T) {
	h := newHarness(t)
	h.clock = epoch.NewManual(0)
	h.svc = NewService(h.store, h.clock, h.custody, h.notes, nil)
	id := h.register(1200)
	if a := h.agent(id); a.LastBilledEpoch != 0 {
		t.Errorf("last billed: got %d, want 0", a.LastBilledEpoch)
	}
}

func TestRegisterValidation(t *testing.T) {
	h := newHarness(t)
	cases := []struct {
		name    string
		mutate  func(p *RegisterParams)
		payment int64
		want    error
	}{
		{"zero fee", func(p *RegisterParams) { p.FeeBps = 0 }, 1200, ErrInvalidFeeBps},
		{"fee above 100%", func(p *RegisterParams) { p.FeeBps = 10_001 }, 1200, ErrInvalidFeeBps},
		{"zero windows", func(p *RegisterParams) { p.MaxWindowsPerEpoch = 0 }, 1200, ErrInvalidMaxWindows},
		{"windows above hard cap", func(p *RegisterParams) { p.MaxWindowsPerEpoch = 49 }, 1200, ErrMaxWindowsOverHardCap},
		{"zero max charge", func(p *RegisterParams) { p.MaxChargePerEpoch = amt(0) }, 1200, ErrInvalidMaxCharge},
		{"no payment", func(p *RegisterParams) {}, 0, ErrRegisterNeedsPayment},
		{"short payment", func(p *RegisterParams) {}, 1199, ErrInsufficientRegisterPayment},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := h.params()
			tc.mutate(&p)
			err := h.svc.Register(h.ctx, Call{Caller: uuid.New(), Payment: amt(tc.payment)}, p)
			expectErr(t, err, tc.want)
		})
	}
	if got := h.activeCount(); got != 0 {
		t.Errorf("rejected registrations changed active count to %d", got)
	}
}

func TestPromoWaivesSetupFee(t *testing.T) {
	h := newHarness(t)
	if err := h.svc.SetPromoSlots(h.ctx, Call{Caller: h.owner}, 1); err != nil {
		t.Fatalf("SetPromoSlots: %v", err)
	}

	first := h.register(1000)
	if a := h.agent(first); !a.UsedPromo || a.BondBalance.Int64() != 1000 {
		t.Errorf("promo registrant: used_promo=%v bond=%s", a.UsedPromo, a.BondBalance)
	}
	if got := h.claimable(); got != 0 {
		t.Errorf("claimable after promo registration: got %d, want 0", got)
	}

	err := h.svc.Register(h.ctx, Call{Caller: uuid.New(), Payment: amt(1000)}, h.params())
	expectErr(t, err, ErrInsufficientRegisterPayment)

	used, slots, err := h.svc.PromoUsage(h.ctx)
	if err != nil {
		t.Fatalf("PromoUsage: %v", err)
	}
	if used != 1 || slots != 1 {
		t.Errorf("promo usage: got %d/%d, want 1/1", used, slots)
	}

	second := h.register(1200)
	if a := h.agent(second); a.UsedPromo || a.BondBalance.Int64() != 1000 {
		t.Errorf("second registrant: used_promo=%v bond=%s", a.UsedPromo, a.BondBalance)
	}
	if got := h.claimable(); got != 200 {
		t.Errorf("claimable: got %d, want 200", got)
	}
	h.checkInvariants()
}

func TestRegisterUpdatesExistingAgent(t *testing.T) {
	h := newHarness(t)
	id := h.register(1200)

	p := h.params()
	p.Metadata = "str:renamed"
	p.MaxWindowsPerEpoch = 12
	if err := h.svc.Register(h.ctx, Call{Caller: id, Payment: amt(300)}, p); err != nil {
		t.Fatalf("Register update: %v", err)
	}
	a := h.agent(id)
	if a.Metadata != "str:renamed" || a.MaxWindowsPerEpoch != 12 {
		t.Errorf("terms not updated: %+v", a)
	}
	if a.BondBalance.Int64() != 1300 {
		t.Errorf("bond: got %s, want 1300", a.BondBalance)
	}
	if ev := h.notes.kinds(models.EventBondToppedUp); len(ev) != 1 || ev[0].Amount != "300" {
		t.Errorf("bond_topped_up events: got %+v", ev)
	}
	if got := h.activeCount(); got != 1 {
		t.Errorf("active count: got %d, want 1", got)
	}
	h.checkInvariants()
}

// ---------------------------------------------------------------------------
// Billing
// ---------------------------------------------------------------------------

func TestBillComputesDue(t *testing.T) {
	h := newHarness(t)
	id := h.register(1200)
	h.clock.Advance(1)

	due := h.bill(id, startEpoch, 10)
	if due.Int64() != 500 {
		t.Fatalf("due: got %s, want 500", due)
	}
	rec := h.record(id, startEpoch)
	if rec.State != models.EpochStateBilled || rec.Deadline != startEpoch+1 || rec.ScoreApplied {
		t.Errorf("record: got %+v", rec)
	}
	if a := h.agent(id); a.OutstandingTotal.Int64() != 500 || a.LastBilledEpoch != startEpoch {
		t.Errorf("agent: outstanding=%s last billed=%d", a.OutstandingTotal, a.LastBilledEpoch)
	}
	if ev := h.notes.kinds(models.EventEpochBilled); len(ev) != 1 || *ev[0].Windows != 10 || ev[0].Amount != "500" {
		t.Errorf("epoch_billed events: got %+v", ev)
	}
	h.checkInvariants()
}

func TestBillingIsStrictlyIncreasing(t *testing.T) {
	h := newHarness(t)
	id := h.register(1200)
	h.clock.Advance(2)

	h.bill(id, startEpoch+1, 1)
	_, err := h.svc.BillEpoch(h.ctx, Call{Caller: h.operator}, id, startEpoch, 1)
	expectErr(t, err, ErrBillingOrder)
	_, err = h.svc.BillEpoch(h.ctx, Call{Caller: h.operator}, id, startEpoch+1, 1)
	expectErr(t, err, ErrBillingOrder)

	if st, ok, _ := h.svc.EpochState(h.ctx, id, startEpoch); ok {
		t.Errorf("skipped epoch should stay unbilled, got %s", st)
	}
	h.checkInvariants()
}

func TestBillRejections(t *testing.T) {
	h := newHarness(t)
	id := h.register(1200)
	h.clock.Advance(1)
	op := Call{Caller: h.operator}

	cases := []struct {
		name    string
		caller  Call
		agent   uuid.UUID
		ep      uint64
		windows uint64
		want    error
	}{
		{"not operator", Call{Caller: id}, id, startEpoch, 1, ErrOnlyOperator},
		{"unknown agent", op, uuid.New(), startEpoch, 1, ErrAgentNotEnrolled},
		{"zero windows", op, id, startEpoch, 0, ErrWindowsNotPositive},
		{"current epoch", op, id, startEpoch + 1, 1, ErrEpochNotClosed},
		{"before join", op, id, startEpoch - 1, 1, ErrBeforeJoinEpoch},
		{"above agent cap", op, id, startEpoch, 49, ErrExceedsAgentWindows},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := h.svc.BillEpoch(h.ctx, tc.caller, tc.agent, tc.ep, tc.windows)
			expectErr(t, err, tc.want)
		})
	}

	h.clock.Advance(2)
	_, err := h.svc.BillEpoch(h.ctx, op, id, startEpoch, 1)
	expectErr(t, err, ErrEpochTooOld)
	h.checkInvariants()
}

func TestBillRespectsAgentGuards(t *testing.T) {
	h := newHarness(t)
	id := h.register(1200)
	h.clock.Advance(1)
	op := Call{Caller: h.operator}

	if err := h.svc.SetBillingGuards(h.ctx, Call{Caller: id}, 5, amt(100)); err != nil {
		t.Fatalf("SetBillingGuards: %v", err)
	}
	_, err := h.svc.BillEpoch(h.ctx, op, id, startEpoch, 6)
	expectErr(t, err, ErrExceedsAgentWindows)
	_, err = h.svc.BillEpoch(h.ctx, op, id, startEpoch, 5)
	expectErr(t, err, ErrExceedsMaxCharge)

	if err := h.svc.SetBillingGuards(h.ctx, Call{Caller: id}, 5, amt(250)); err != nil {
		t.Fatalf("SetBillingGuards: %v", err)
	}
	if due := h.bill(id, startEpoch, 5); due.Int64() != 250 {
		t.Errorf("due: got %s, want 250", due)
	}
}

func TestBillFeeRoundsToZero(t *testing.T) {
	h := newHarness(t)
	if err := h.svc.SetWindowReward(h.ctx, Call{Caller: h.owner}, amt(1)); err != nil {
		t.Fatalf("SetWindowReward: %v", err)
	}
	id := h.register(1200)
	h.clock.Advance(1)
	_, err := h.svc.BillEpoch(h.ctx, Call{Caller: h.operator}, id, startEpoch, 1)
	expectErr(t, err, ErrFeeRoundsToZero)

	if a := h.agent(id); a.LastBilledEpoch != startEpoch-1 {
		t.Errorf("rejected bill moved last billed epoch to %d", a.LastBilledEpoch)
	}
}

func TestBillCancelledAgent(t *testing.T) {
	h := newHarness(t)
	id := h.register(1200)
	if _, err := h.svc.CancelAndWithdraw(h.ctx, Call{Caller: id}); err != nil {
		t.Fatalf("CancelAndWithdraw: %v", err)
	}
	h.clock.Advance(1)
	_, err := h.svc.BillEpoch(h.ctx, Call{Caller: h.operator}, id, startEpoch, 1)
	expectErr(t, err, ErrAgentCancelled)
}

// ---------------------------------------------------------------------------
// Settlement
// ---------------------------------------------------------------------------

func TestSettleOnTime(t *testing.T) {
	h := newHarness(t)
	id := h.register(1200)
	h.clock.Advance(1)
	h.bill(id, startEpoch, 10)

	applied, err := h.svc.SettleEpoch(h.ctx, Call{Caller: id, Payment: amt(500)}, startEpoch)
	if err != nil {
		t.Fatalf("SettleEpoch: %v", err)
	}
	if applied.Int64() != 500 {
		t.Errorf("applied: got %s, want 500", applied)
	}
	rec := h.record(id, startEpoch)
	if rec.State != models.EpochStateSettledOnTime || !rec.ScoreApplied || rec.Due.Sign() != 0 {
		t.Errorf("record: got %+v", rec)
	}
	if a := h.agent(id); a.CreditScore != 705 || a.OutstandingTotal.Sign() != 0 {
		t.Errorf("agent: score=%d outstanding=%s", a.CreditScore, a.OutstandingTotal)
	}
	if got := h.claimable(); got != 700 {
		t.Errorf("claimable: got %d, want 700", got)
	}
	h.checkInvariants()
}

func TestSettleLate(t *testing.T) {
	h := newHarness(t)
	id := h.register(1200)
	h.clock.Advance(1)
	h.bill(id, startEpoch, 10)
	h.clock.Advance(1)

	if _, err := h.svc.SettleEpoch(h.ctx, Call{Caller: id, Payment: amt(500)}, startEpoch); err != nil {
		t.Fatalf("SettleEpoch: %v", err)
	}
	if rec := h.record(id, startEpoch); rec.State != models.EpochStateSettledLate {
		t.Errorf("state: got %s, want settled_late", rec.State)
	}
	if a := h.agent(id); a.CreditScore != 685 {
		t.Errorf("score: got %d, want 685", a.CreditScore)
	}
	h.checkInvariants()
}

func TestPartialSettlementAndExcess(t *testing.T) {
	h := newHarness(t)
	id := h.register(1200)
	h.clock.Advance(1)
	h.bill(id, startEpoch, 10)

	applied, err := h.svc.SettleEpoch(h.ctx, Call{Caller: id, Payment: amt(200)}, startEpoch)
	if err != nil {
		t.Fatalf("SettleEpoch: %v", err)
	}
	if applied.Int64() != 200 {
		t.Errorf("first applied: got %s, want 200", applied)
	}
	rec := h.record(id, startEpoch)
	if rec.State != models.EpochStateBilled || rec.ScoreApplied || rec.Due.Int64() != 300 {
		t.Errorf("after partial payment: %+v", rec)
	}
	if a := h.agent(id); a.CreditScore != 700 {
		t.Errorf("partial payment changed score to %d", a.CreditScore)
	}
	h.checkInvariants()

	applied, err = h.svc.SettleEpoch(h.ctx, Call{Caller: id, Payment: amt(400)}, startEpoch)
	if err != nil {
		t.Fatalf("SettleEpoch: %v", err)
	}
	if applied.Int64() != 300 {
		t.Errorf("second applied: got %s, want 300", applied)
	}
	a := h.agent(id)
	if a.BondBalance.Int64() != 1100 {
		t.Errorf("excess should top up bond: got %s, want 1100", a.BondBalance)
	}
	if rec := h.record(id, startEpoch); rec.State != models.EpochStateSettledOnTime {
		t.Errorf("state: got %s", rec.State)
	}
	h.checkInvariants()
}

func TestSettleRejections(t *testing.T) {
	h := newHarness(t)
	id := h.register(1200)
	h.clock.Advance(1)

	_, err := h.svc.SettleEpoch(h.ctx, Call{Caller: uuid.New(), Payment: amt(1)}, startEpoch)
	expectErr(t, err, ErrAgentNotEnrolled)
	_, err = h.svc.SettleEpoch(h.ctx, Call{Caller: id, Payment: amt(1)}, startEpoch)
	expectErr(t, err, ErrEpochNotBilled)

	h.bill(id, startEpoch, 10)
	_, err = h.svc.SettleEpoch(h.ctx, Call{Caller: id}, startEpoch)
	expectErr(t, err, ErrPaymentRequired)

	if _, err := h.svc.SettleEpoch(h.ctx, Call{Caller: id, Payment: amt(500)}, startEpoch); err != nil {
		t.Fatalf("SettleEpoch: %v", err)
	}
	_, err = h.svc.SettleEpoch(h.ctx, Call{Caller: id, Payment: amt(1)}, startEpoch)
	expectErr(t, err, ErrEpochAlreadySettled)
}

// ---------------------------------------------------------------------------
// Enforcement
// ---------------------------------------------------------------------------

func TestEnforceBeforeDeadlineFails(t *testing.T) {
	h := newHarness(t)
	id := h.register(1200)
	h.clock.Advance(1)
	h.bill(id, startEpoch, 10)

	_, err := h.svc.EnforceEpoch(h.ctx, Call{Caller: uuid.New()}, id, startEpoch)
	expectErr(t, err, ErrStillInGracePeriod)
	_, err = h.svc.EnforceEpoch(h.ctx, Call{Caller: uuid.New()}, id, startEpoch+5)
	expectErr(t, err, ErrEpochNotBilled)
}

func TestEnforceSlashed(t *testing.T) {
	h := newHarness(t)
	id := h.register(1200)
	h.clock.Advance(1)
	h.bill(id, startEpoch, 10)
	h.clock.Advance(1)

	slash, err := h.svc.EnforceEpoch(h.ctx, Call{Caller: uuid.New()}, id, startEpoch)
	if err != nil {
		t.Fatalf("EnforceEpoch: %v", err)
	}
	if slash.Int64() != 500 {
		t.Errorf("slash: got %s, want 500", slash)
	}
	rec := h.record(id, startEpoch)
	if rec.State != models.EpochStateSlashed || rec.Due.Sign() != 0 {
		t.Errorf("record: got %+v", rec)
	}
	a := h.agent(id)
	if a.CreditScore != 640 || a.BondBalance.Int64() != 500 {
		t.Errorf("agent: score=%d bond=%s", a.CreditScore, a.BondBalance)
	}
	if a.Status != models.AgentStatusSuspended {
		t.Errorf("bond below minimum should suspend, got %s", a.Status)
	}
	if got := h.activeCount(); got != 0 {
		t.Errorf("active count: got %d, want 0", got)
	}
	ev := h.notes.kinds(models.EventStatusChanged)
	if len(ev) != 1 || *ev[0].StatusCode != models.StatusCodeSuspended || *ev[0].CreditScore != 640 {
		t.Errorf("status_changed events: got %+v", ev)
	}

	_, err = h.svc.EnforceEpoch(h.ctx, Call{Caller: uuid.New()}, id, startEpoch)
	expectErr(t, err, ErrNothingDue)
	h.checkInvariants()
}

func TestEnforceDelinquent(t *testing.T) {
	h := newHarness(t)
	if err := h.svc.SetWindowReward(h.ctx, Call{Caller: h.owner}, amt(100_000)); err != nil {
		t.Fatalf("SetWindowReward: %v", err)
	}
	id := h.register(1200)
	h.clock.Advance(1)
	if due := h.bill(id, startEpoch, 10); due.Int64() != 50_000 {
		t.Fatalf("due: got %s, want 50000", due)
	}
	h.clock.Advance(1)

	slash, err := h.svc.EnforceEpoch(h.ctx, Call{Caller: uuid.New()}, id, startEpoch)
	if err != nil {
		t.Fatalf("EnforceEpoch: %v", err)
	}
	if slash.Int64() != 1000 {
		t.Errorf("slash: got %s, want 1000", slash)
	}
	rec := h.record(id, startEpoch)
	if rec.State != models.EpochStateDelinquent || rec.Due.Int64() != 49_000 {
		t.Errorf("record: got %+v", rec)
	}
	a := h.agent(id)
	if a.CreditScore != 610 || a.OutstandingTotal.Int64() != 49_000 || a.BondBalance.Sign() != 0 {
		t.Errorf("agent: score=%d outstanding=%s bond=%s", a.CreditScore, a.OutstandingTotal, a.BondBalance)
	}
	if a.Status != models.AgentStatusSuspended {
		t.Errorf("status: got %s, want suspended", a.Status)
	}

	// A second enforcement slashes nothing and must not score again.
	slash, err = h.svc.EnforceEpoch(h.ctx, Call{Caller: uuid.New()}, id, startEpoch)
	if err != nil {
		t.Fatalf("second EnforceEpoch: %v", err)
	}
	if slash.Sign() != 0 {
		t.Errorf("second slash: got %s, want 0", slash)
	}
	if a := h.agent(id); a.CreditScore != 610 {
		t.Errorf("score after second enforcement: got %d, want 610", a.CreditScore)
	}
	h.checkInvariants()
}

func TestScoreAppliedOnlyOnce(t *testing.T) {
	h := newHarness(t)
	if err := h.svc.SetWindowReward(h.ctx, Call{Caller: h.owner}, amt(100_000)); err != nil {
		t.Fatalf("SetWindowReward: %v", err)
	}
	id := h.register(1200)
	h.clock.Advance(1)
	h.bill(id, startEpoch, 10)
	h.clock.Advance(1)
	if _, err := h.svc.EnforceEpoch(h.ctx, Call{Caller: uuid.New()}, id, startEpoch); err != nil {
		t.Fatalf("EnforceEpoch: %v", err)
	}

	if _, err := h.svc.SettleEpoch(h.ctx, Call{Caller: id, Payment: amt(49_000)}, startEpoch); err != nil {
		t.Fatalf("SettleEpoch: %v", err)
	}
	rec := h.record(id, startEpoch)
	if rec.State != models.EpochStateDelinquent || rec.Due.Sign() != 0 {
		t.Errorf("terminal state must not change: got %+v", rec)
	}
	a := h.agent(id)
	if a.CreditScore != 610 {
		t.Errorf("score: got %d, want 610", a.CreditScore)
	}
	if a.Status != models.AgentStatusSuspended {
		t.Errorf("empty bond should keep agent suspended, got %s", a.Status)
	}

	if err := h.svc.TopUpBond(h.ctx, Call{Caller: id, Payment: amt(1000)}); err != nil {
		t.Fatalf("TopUpBond: %v", err)
	}
	if a := h.agent(id); a.Status != models.AgentStatusSuspended {
		t.Errorf("top-up must not change status, got %s", a.Status)
	}
	if err := h.svc.ResumeIfHealthy(h.ctx, Call{Caller: id}); err != nil {
		t.Fatalf("ResumeIfHealthy: %v", err)
	}
	if got := h.activeCount(); got != 1 {
		t.Errorf("active count: got %d, want 1", got)
	}
	h.checkInvariants()
}

func TestSettlementPromotesSuspendedAgent(t *testing.T) {
	h := newHarness(t)
	id := h.register(1500)
	h.clock.Advance(1)
	h.bill(id, startEpoch, 10)
	h.clock.Advance(1)
	if _, err := h.svc.EnforceEpoch(h.ctx, Call{Caller: uuid.New()}, id, startEpoch); err != nil {
		t.Fatalf("EnforceEpoch: %v", err)
	}
	if a := h.agent(id); a.Status != models.AgentStatusSuspended || a.BondBalance.Int64() != 800 {
		t.Fatalf("after enforcement: status=%s bond=%s", a.Status, a.BondBalance)
	}

	// Suspended agents are still billed.
	h.bill(id, startEpoch+1, 10)
	if err := h.svc.TopUpBond(h.ctx, Call{Caller: id, Payment: amt(200)}); err != nil {
		t.Fatalf("TopUpBond: %v", err)
	}
	if a := h.agent(id); a.Status != models.AgentStatusSuspended {
		t.Fatalf("outstanding debt should keep agent suspended, got %s", a.Status)
	}

	if _, err := h.svc.SettleEpoch(h.ctx, Call{Caller: id, Payment: amt(500)}, startEpoch+1); err != nil {
		t.Fatalf("SettleEpoch: %v", err)
	}
	a := h.agent(id)
	if a.Status != models.AgentStatusActive || a.CreditScore != 645 {
		t.Errorf("agent: status=%s score=%d, want active/645", a.Status, a.CreditScore)
	}
	if got := h.activeCount(); got != 1 {
		t.Errorf("active count: got %d, want 1", got)
	}
	h.checkInvariants()
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

func TestPauseAndResume(t *testing.T) {
	h := newHarness(t)
	id := h.register(1200)
	me := Call{Caller: id}

	expectErr(t, h.svc.ResumeIfHealthy(h.ctx, me), ErrNotPausedOrSuspended)
	if err := h.svc.Pause(h.ctx, me); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	expectErr(t, h.svc.Pause(h.ctx, me), ErrNotActive)
	if got := h.activeCount(); got != 0 {
		t.Errorf("active count while paused: got %d, want 0", got)
	}
	if err := h.svc.ResumeIfHealthy(h.ctx, me); err != nil {
		t.Fatalf("ResumeIfHealthy: %v", err)
	}
	if got := h.activeCount(); got != 1 {
		t.Errorf("active count after resume: got %d, want 1", got)
	}
	expectErr(t, h.svc.Pause(h.ctx, Call{Caller: uuid.New()}), ErrAgentNotEnrolled)

	ev := h.notes.kinds(models.EventStatusChanged)
	if len(ev) != 2 || *ev[0].StatusCode != models.StatusCodePaused || *ev[1].StatusCode != models.StatusCodeActive {
		t.Errorf("status_changed events: got %+v", ev)
	}
}

func TestResumeFailsHealthChecks(t *testing.T) {
	h := newHarness(t)
	id := h.register(1200)
	h.clock.Advance(1)
	h.bill(id, startEpoch, 10)
	if err := h.svc.Pause(h.ctx, Call{Caller: id}); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	expectErr(t, h.svc.ResumeIfHealthy(h.ctx, Call{Caller: id}), ErrHealthChecksFailed)
	if a := h.agent(id); a.Status != models.AgentStatusPaused {
		t.Errorf("status: got %s, want paused", a.Status)
	}
}

func TestTopUpBond(t *testing.T) {
	h := newHarness(t)
	id := h.register(1200)

	expectErr(t, h.svc.TopUpBond(h.ctx, Call{Caller: uuid.New(), Payment: amt(5)}), ErrAgentNotEnrolled)
	expectErr(t, h.svc.TopUpBond(h.ctx, Call{Caller: id}), ErrTopUpNeedsPayment)
	if err := h.svc.TopUpBond(h.ctx, Call{Caller: id, Payment: amt(250)}); err != nil {
		t.Fatalf("TopUpBond: %v", err)
	}
	bond, outstanding, err := h.svc.AgentFinancials(h.ctx, id)
	if err != nil {
		t.Fatalf("AgentFinancials: %v", err)
	}
	if bond.Int64() != 1250 || outstanding.Sign() != 0 {
		t.Errorf("financials: bond=%s outstanding=%s", bond, outstanding)
	}

	if _, err := h.svc.CancelAndWithdraw(h.ctx, Call{Caller: id}); err != nil {
		t.Fatalf("CancelAndWithdraw: %v", err)
	}
	expectErr(t, h.svc.TopUpBond(h.ctx, Call{Caller: id, Payment: amt(5)}), ErrAgentCancelled)
	expectErr(t, h.svc.SetBillingGuards(h.ctx, Call{Caller: id}, 5, amt(5)), ErrAgentCancelled)
	h.checkInvariants()
}

func TestSetBillingGuardsValidation(t *testing.T) {
	h := newHarness(t)
	id := h.register(1200)
	me := Call{Caller: id}

	expectErr(t, h.svc.SetBillingGuards(h.ctx, me, 0, amt(5)), ErrInvalidMaxWindows)
	expectErr(t, h.svc.SetBillingGuards(h.ctx, me, 49, amt(5)), ErrMaxWindowsOverHardCap)
	expectErr(t, h.svc.SetBillingGuards(h.ctx, me, 5, nil), ErrInvalidMaxCharge)
	expectErr(t, h.svc.SetBillingGuards(h.ctx, Call{Caller: uuid.New()}, 5, amt(5)), ErrAgentNotEnrolled)
}

func TestAgentFinancialsUnknownAgent(t *testing.T) {
	h := newHarness(t)
	bond, outstanding, err := h.svc.AgentFinancials(h.ctx, uuid.New())
	if err != nil {
		t.Fatalf("AgentFinancials: %v", err)
	}
	if bond.Sign() != 0 || outstanding.Sign() != 0 {
		t.Errorf("unknown agent: bond=%s outstanding=%s, want zeros", bond, outstanding)
	}
	if _, err := h.svc.AgentInfo(h.ctx, uuid.New()); !errors.Is(err, ErrAgentNotEnrolled) {
		t.Errorf("AgentInfo: expected ErrAgentNotEnrolled, got %v", err)
	}
	debt, err := h.svc.EpochDebt(h.ctx, uuid.New(), 3)
	if err != nil || debt.Sign() != 0 {
		t.Errorf("EpochDebt: got %v, %v", debt, err)
	}
}

// ---------------------------------------------------------------------------
// Cancellation
// ---------------------------------------------------------------------------

func TestCancelAndWithdrawIsIdempotent(t *testing.T) {
	h := newHarness(t)
	id := h.register(1500)
	h.clock.Advance(1)
	h.bill(id, startEpoch, 10)
	me := Call{Caller: id}

	payout, err := h.svc.CancelAndWithdraw(h.ctx, me)
	if err != nil {
		t.Fatalf("CancelAndWithdraw: %v", err)
	}
	if payout.Int64() != 800 {
		t.Errorf("payout: got %s, want 800", payout)
	}
	if got := h.claimable(); got != 700 {
		t.Errorf("claimable: got %d, want 700", got)
	}
	if rec := h.record(id, startEpoch); rec.Due.Sign() != 0 || rec.ScoreApplied {
		t.Errorf("record after cancel: %+v", rec)
	}
	h.checkInvariants()

	payout, err = h.svc.CancelAndWithdraw(h.ctx, me)
	if err != nil {
		t.Fatalf("second CancelAndWithdraw: %v", err)
	}
	if payout.Sign() != 0 {
		t.Errorf("second payout: got %s, want 0", payout)
	}

	a := h.agent(id)
	if a.Status != models.AgentStatusCancelled || a.BondBalance.Sign() != 0 {
		t.Errorf("agent: status=%s bond=%s", a.Status, a.BondBalance)
	}
	if sent := h.custody.transfers(); len(sent) != 1 || sent[0].amount.Int64() != 800 || sent[0].to != id {
		t.Errorf("transfers: got %+v", sent)
	}
	ev := h.notes.kinds(models.EventCancelled)
	if len(ev) != 2 || ev[0].Amount != "800" || ev[1].Amount != "0" {
		t.Errorf("cancelled events: got %+v", ev)
	}
	if n := len(h.notes.kinds(models.EventStatusChanged)); n != 1 {
		t.Errorf("status_changed events: got %d, want 1", n)
	}
	if got := h.activeCount(); got != 0 {
		t.Errorf("active count: got %d, want 0", got)
	}
	h.checkInvariants()
}

func TestCancelWithDebtAboveBond(t *testing.T) {
	h := newHarness(t)
	if err := h.svc.SetWindowReward(h.ctx, Call{Caller: h.owner}, amt(100_000)); err != nil {
		t.Fatalf("SetWindowReward: %v", err)
	}
	id := h.register(1200)
	h.clock.Advance(2)
	h.bill(id, startEpoch, 4)
	h.bill(id, startEpoch+1, 4)

	payout, err := h.svc.CancelAndWithdraw(h.ctx, Call{Caller: id})
	if err != nil {
		t.Fatalf("CancelAndWithdraw: %v", err)
	}
	if payout.Sign() != 0 {
		t.Errorf("payout: got %s, want 0", payout)
	}
	if len(h.custody.transfers()) != 0 {
		t.Error("zero payout must not transfer")
	}
	if rec := h.record(id, startEpoch); rec.Due.Int64() != 19_000 {
		t.Errorf("oldest record due: got %s, want 19000", rec.Due)
	}
	if rec := h.record(id, startEpoch+1); rec.Due.Int64() != 20_000 {
		t.Errorf("newer record due: got %s, want 20000", rec.Due)
	}
	h.checkInvariants()

	expectErr(t, h.svc.Register(h.ctx, Call{Caller: id, Payment: amt(5000)}, h.params()), ErrOutstandingDebt)

	// A cancelled agent can still pay down and be enforced against.
	if _, err := h.svc.SettleEpoch(h.ctx, Call{Caller: id, Payment: amt(19_000)}, startEpoch); err != nil {
		t.Fatalf("SettleEpoch: %v", err)
	}
	if a := h.agent(id); a.Status != models.AgentStatusCancelled {
		t.Errorf("settlement must not reactivate a cancelled agent, got %s", a.Status)
	}
	h.clock.Advance(1)
	if _, err := h.svc.EnforceEpoch(h.ctx, Call{Caller: uuid.New()}, id, startEpoch+1); err != nil {
		t.Fatalf("EnforceEpoch: %v", err)
	}
	if a := h.agent(id); a.Status != models.AgentStatusCancelled {
		t.Errorf("enforcement must not suspend a cancelled agent, got %s", a.Status)
	}
	h.checkInvariants()
}

func TestReactivateCancelledAgent(t *testing.T) {
	h := newHarness(t)
	id := h.register(1200)
	if _, err := h.svc.CancelAndWithdraw(h.ctx, Call{Caller: id}); err != nil {
		t.Fatalf("CancelAndWithdraw: %v", err)
	}
	h.clock.Advance(3)

	expectErr(t, h.svc.Register(h.ctx, Call{Caller: id, Payment: amt(999)}, h.params()), ErrReactivateNeedsMinBond)
	if err := h.svc.Register(h.ctx, Call{Caller: id, Payment: amt(1000)}, h.params()); err != nil {
		t.Fatalf("Register reactivation: %v", err)
	}
	a := h.agent(id)
	if a.Status != models.AgentStatusActive || a.BondBalance.Int64() != 1000 {
		t.Errorf("agent: status=%s bond=%s", a.Status, a.BondBalance)
	}
	if a.LastBilledEpoch != startEpoch+2 {
		t.Errorf("billing baseline: got %d, want %d", a.LastBilledEpoch, startEpoch+2)
	}
	if got := h.claimable(); got != 200 {
		t.Errorf("reactivation must not charge a setup fee: claimable %d", got)
	}
	if got := h.activeCount(); got != 1 {
		t.Errorf("active count: got %d, want 1", got)
	}
	h.checkInvariants()
}

// ---------------------------------------------------------------------------
// Atomicity and serialization
// ---------------------------------------------------------------------------

func TestCustodyFailureRollsBack(t *testing.T) {
	h := newHarness(t)
	id := h.register(1200)
	h.custody.fail = errors.New("custody unavailable")

	if _, err := h.svc.CancelAndWithdraw(h.ctx, Call{Caller: id}); err == nil {
		t.Fatal("expected transfer failure to abort cancellation")
	}
	a := h.agent(id)
	if a.Status != models.AgentStatusActive || a.BondBalance.Int64() != 1000 {
		t.Errorf("state changed despite failure: status=%s bond=%s", a.Status, a.BondBalance)
	}
	if got := h.activeCount(); got != 1 {
		t.Errorf("active count: got %d, want 1", got)
	}
	if n := len(h.notes.kinds(models.EventCancelled)); n != 0 {
		t.Errorf("cancelled events: got %d, want 0", n)
	}

	h.custody.fail = nil
	if _, err := h.svc.CancelAndWithdraw(h.ctx, Call{Caller: id}); err != nil {
		t.Fatalf("CancelAndWithdraw retry: %v", err)
	}
	h.checkInvariants()
}

func TestConcurrentPartialSettlements(t *testing.T) {
	h := newHarness(t)
	id := h.register(1200)
	h.clock.Advance(1)
	h.bill(id, startEpoch, 10)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := h.svc.SettleEpoch(h.ctx, Call{Caller: id, Payment: amt(10)}, startEpoch); err != nil {
				t.Errorf("SettleEpoch: %v", err)
			}
		}()
	}
	wg.Wait()

	debt, err := h.svc.EpochDebt(h.ctx, id, startEpoch)
	if err != nil {
		t.Fatalf("EpochDebt: %v", err)
	}
	if debt.Int64() != 300 {
		t.Errorf("remaining due: got %s, want 300", debt)
	}
	if got := h.claimable(); got != 400 {
		t.Errorf("claimable: got %d, want 400", got)
	}
	h.checkInvariants()
}

func TestOverdueListsEnforceableRecords(t *testing.T) {
	h := newHarness(t)
	a := h.register(1200)
	b := h.register(1200)
	h.clock.Advance(1)
	h.bill(a, startEpoch, 10)
	h.bill(b, startEpoch, 10)
	if _, err := h.svc.SettleEpoch(h.ctx, Call{Caller: b, Payment: amt(500)}, startEpoch); err != nil {
		t.Fatalf("SettleEpoch: %v", err)
	}

	keys, err := h.svc.Overdue(h.ctx, 10)
	if err != nil {
		t.Fatalf("Overdue: %v", err)
	}
	if len(keys) != 0 {
		t.Fatalf("nothing is overdue inside the grace period, got %v", keys)
	}

	h.clock.Advance(1)
	keys, err = h.svc.Overdue(h.ctx, 10)
	if err != nil {
		t.Fatalf("Overdue: %v", err)
	}
	if len(keys) != 1 || keys[0].AgentID != a || keys[0].Epoch != startEpoch {
		t.Errorf("overdue: got %v", keys)
	}
}

func TestJournalRecordsMovements(t *testing.T) {
	h := newHarness(t)
	id := h.register(1500)
	h.clock.Advance(1)
	h.bill(id, startEpoch, 10)
	if _, err := h.svc.SettleEpoch(h.ctx, Call{Caller: id, Payment: amt(600)}, startEpoch); err != nil {
		t.Fatalf("SettleEpoch: %v", err)
	}

	entries, err := h.svc.Journal(h.ctx, id)
	if err != nil {
		t.Fatalf("Journal: %v", err)
	}
	want := []struct {
		entryType string
		amount    int64
	}{
		{models.JournalBondDeposit, 100},
		{models.JournalSettlement, 500},
		{models.JournalBondDeposit, 1300},
		{models.JournalSetupFee, 200},
	}
	if len(entries) != len(want) {
		t.Fatalf("entries: got %d, want %d", len(entries), len(want))
	}
	for i, w := range want {
		if entries[i].EntryType != w.entryType || entries[i].Amount.Int64() != w.amount {
			t.Errorf("entry %d: got %s %s, want %s %d", i, entries[i].EntryType, entries[i].Amount, w.entryType, w.amount)
		}
	}
	if entries[1].Epoch == nil || *entries[1].Epoch != startEpoch {
		t.Errorf("settlement entry should carry its epoch")
	}
}

// TestLedgerConservation drives several agents through every path and checks
// after each step that no value was created or destroyed.
func TestLedgerConservation(t *testing.T) {
	h := newHarness(t)
	if err := h.svc.SetPromoSlots(h.ctx, Call{Caller: h.owner}, 1); err != nil {
		t.Fatalf("SetPromoSlots: %v", err)
	}
	steps := []func(){}
	var a, b, c uuid.UUID
	steps = append(steps,
		func() { a = h.register(1000) },
		func() { b = h.register(1700) },
		func() { c = h.register(1200) },
		func() { h.clock.Advance(1) },
		func() { h.bill(a, startEpoch, 48) },
		func() { h.bill(b, startEpoch, 20) },
		func() { h.bill(c, startEpoch, 7) },
		func() {
			if _, err := h.svc.SettleEpoch(h.ctx, Call{Caller: b, Payment: amt(1234)}, startEpoch); err != nil {
				t.Fatalf("settle b: %v", err)
			}
		},
		func() { h.clock.Advance(1) },
		func() {
			if _, err := h.svc.EnforceEpoch(h.ctx, Call{Caller: b}, a, startEpoch); err != nil {
				t.Fatalf("enforce a: %v", err)
			}
		},
		func() { h.bill(c, startEpoch+1, 3) },
		func() {
			if _, err := h.svc.CancelAndWithdraw(h.ctx, Call{Caller: c}); err != nil {
				t.Fatalf("cancel c: %v", err)
			}
		},
		func() {
			if err := h.svc.WithdrawOwner(h.ctx, Call{Caller: h.owner}, amt(777), uuid.New()); err != nil {
				t.Fatalf("withdraw: %v", err)
			}
		},
		func() {
			if err := h.svc.TopUpBond(h.ctx, Call{Caller: a, Payment: amt(3000)}); err != nil {
				t.Fatalf("top up a: %v", err)
			}
		},
		func() {
			if _, err := h.svc.CancelAndWithdraw(h.ctx, Call{Caller: b}); err != nil {
				t.Fatalf("cancel b: %v", err)
			}
		},
	)
	for i, step := range steps {
		step()
		if t.Failed() {
			t.Fatalf("step %d failed", i)
		}
		h.checkInvariants()
	}
}

// ---------------------------------------------------------------------------
// Repeated delinquency and overdue listing
// ---------------------------------------------------------------------------

// TestThirdDelinquencySuspendsOnScoreAlone keeps the bond whole and the debt
// cleared between enforcements, so after the third one the score is the only
// activation check that fails.
func TestThirdDelinquencySuspendsOnScoreAlone(t *testing.T) {
	h := newHarness(t)
	if err := h.svc.SetWindowReward(h.ctx, Call{Caller: h.owner}, amt(100_000)); err != nil {
		t.Fatalf("SetWindowReward: %v", err)
	}
	id := h.register(1200)

	wantScores := []uint64{610, 520, 430}
	wantStatus := []models.AgentStatus{models.AgentStatusActive, models.AgentStatusActive, models.AgentStatusSuspended}
	for i, ep := range []uint64{startEpoch, startEpoch + 1, startEpoch + 2} {
		h.clock.Advance(1)
		h.bill(id, ep, 10)
		h.clock.Advance(1)

		if _, err := h.svc.EnforceEpoch(h.ctx, Call{Caller: uuid.New()}, id, ep); err != nil {
			t.Fatalf("EnforceEpoch(%d): %v", ep, err)
		}
		rec := h.record(id, ep)
		if rec.State != models.EpochStateDelinquent || rec.Due.Int64() != 49_000 {
			t.Fatalf("epoch %d record: got %+v", ep, rec)
		}

		// Clear the remaining due and refill the bond to the minimum.
		if _, err := h.svc.SettleEpoch(h.ctx, Call{Caller: id, Payment: amt(50_000)}, ep); err != nil {
			t.Fatalf("SettleEpoch(%d): %v", ep, err)
		}
		a := h.agent(id)
		if a.BondBalance.Int64() != 1000 || a.OutstandingTotal.Sign() != 0 {
			t.Fatalf("epoch %d: bond=%s outstanding=%s, want 1000 and 0", ep, a.BondBalance, a.OutstandingTotal)
		}
		if a.CreditScore != wantScores[i] {
			t.Errorf("after enforcement %d: score %d, want %d", i+1, a.CreditScore, wantScores[i])
		}
		if a.Status != wantStatus[i] {
			t.Errorf("after enforcement %d: status %s, want %s", i+1, a.Status, wantStatus[i])
		}
	}

	expectErr(t, h.svc.ResumeIfHealthy(h.ctx, Call{Caller: id}), ErrHealthChecksFailed)
	if n := h.activeCount(); n != 0 {
		t.Errorf("active count: got %d, want 0", n)
	}
	h.checkInvariants()
}

func TestOverdueSkipsExhaustedRecords(t *testing.T) {
	h := newHarness(t)
	if err := h.svc.SetWindowReward(h.ctx, Call{Caller: h.owner}, amt(100_000)); err != nil {
		t.Fatalf("SetWindowReward: %v", err)
	}
	id := h.register(1200)
	h.clock.Advance(1)
	h.bill(id, startEpoch, 10)
	h.clock.Advance(1)
	h.bill(id, startEpoch+1, 10)
	h.clock.Advance(1)

	overdue := func() []models.EpochKey {
		t.Helper()
		keys, err := h.svc.Overdue(h.ctx, 10)
		if err != nil {
			t.Fatalf("Overdue: %v", err)
		}
		return keys
	}
	if keys := overdue(); len(keys) != 2 {
		t.Fatalf("before enforcement: got %v, want both epochs", keys)
	}

	// The first enforcement drains the bond; the delinquent record stays in
	// debt but has nothing left to slash.
	if _, err := h.svc.EnforceEpoch(h.ctx, Call{Caller: uuid.New()}, id, startEpoch); err != nil {
		t.Fatalf("EnforceEpoch: %v", err)
	}
	keys := overdue()
	if len(keys) != 1 || keys[0].Epoch != startEpoch+1 {
		t.Fatalf("after first enforcement: got %v, want only the unscored epoch", keys)
	}

	// Unscored records stay listed with an empty bond so their outcome is recorded.
	if _, err := h.svc.EnforceEpoch(h.ctx, Call{Caller: uuid.New()}, id, startEpoch+1); err != nil {
		t.Fatalf("EnforceEpoch: %v", err)
	}
	if keys := overdue(); len(keys) != 0 {
		t.Fatalf("after second enforcement: got %v, want none", keys)
	}

	// A top-up makes the scored records slashable again.
	if err := h.svc.TopUpBond(h.ctx, Call{Caller: id, Payment: amt(10)}); err != nil {
		t.Fatalf("TopUpBond: %v", err)
	}
	if keys := overdue(); len(keys) != 2 {
		t.Errorf("after top-up: got %v, want both epochs", keys)
	}
}

// lateConfigTx hides the committed configuration, as a transaction that lost
// an initialization race sees it.
type lateConfigTx struct{ Tx }

func (lateConfigTx) Config(context.Context) (*models.Config, error) { return nil, ErrNotInitialized }

type lateConfigStore struct{ *MemoryStore }

func (s lateConfigStore) Begin(ctx context.Context) (Tx, error) {
	tx, err := s.MemoryStore.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return lateConfigTx{tx}, nil
}

func TestInitializeRaceReportsAlreadyInitialized(t *testing.T) {
	h := newHarness(t)
	svc := NewService(lateConfigStore{h.store}, h.clock, h.custody, h.notes, nil)
	err := svc.Initialize(h.ctx, Call{Caller: uuid.New()}, InitParams{
		Operator: uuid.New(), WindowReward: amt(1), SetupFee: amt(1), MinBond: amt(1),
		GraceEpochs: 1, MaxBackbillEpochs: 1, HardMaxWindowsPerEpoch: 1,
	})
	var rej *Rejection
	if !errors.As(err, &rej) || err != ErrAlreadyInitialized {
		t.Fatalf("err = %v, want ErrAlreadyInitialized unwrapped", err)
	}
	cfg, _ := h.svc.Config(h.ctx)
	if cfg.Owner != h.owner {
		t.Errorf("owner changed to %s", cfg.Owner)
	}
}
