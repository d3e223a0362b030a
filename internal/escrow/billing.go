package escrow

import (
	"context"
	"math/big"

	"github.com/google/uuid"

	"github.com/inaiurai/streamescrow/internal/credit"
	"github.com/inaiurai/streamescrow/internal/ledger"
	"github.com/inaiurai/streamescrow/internal/models"
)

// BillEpoch charges agent for windows used in a closed epoch and returns the due amount.
// Only the operator may bill, in strictly increasing epoch order per agent.
func (s *service) BillEpoch(ctx context.Context, call Call, agentID uuid.UUID, epoch, windows uint64) (*big.Int, error) {
	var due *big.Int
	err := s.mutate(ctx, "bill epoch", func(o *op) error {
		if call.Caller != o.cfg.Operator {
			return ErrOnlyOperator
		}
		a, err := o.agent(agentID)
		if err != nil {
			return err
		}
		if windows == 0 {
			return ErrWindowsNotPositive
		}
		if epoch >= o.now {
			return ErrEpochNotClosed
		}
		if o.now-epoch > o.cfg.MaxBackbillEpochs {
			return ErrEpochTooOld
		}
		if a.Status == models.AgentStatusCancelled {
			return ErrAgentCancelled
		}
		if epoch < a.JoinedEpoch {
			return ErrBeforeJoinEpoch
		}
		if epoch <= a.LastBilledEpoch {
			return ErrBillingOrder
		}
		if windows > a.MaxWindowsPerEpoch {
			return ErrExceedsAgentWindows
		}
		if windows > o.cfg.HardMaxWindowsPerEpoch {
			return ErrExceedsHardCap
		}
		key := models.EpochKey{AgentID: a.ID, Epoch: epoch}
		switch _, err := o.tx.EpochRecord(ctx, key); {
		case err == nil:
			return ErrEpochAlreadyBilled
		case !isNotFound(err):
			return err
		}

		due = ledger.ComputeDue(o.cfg.WindowReward, windows, a.FeeBps)
		if due.Sign() == 0 {
			return ErrFeeRoundsToZero
		}
		if due.Cmp(a.MaxChargePerEpoch) > 0 {
			return ErrExceedsMaxCharge
		}

		rec := &models.EpochRecord{
			AgentID:  a.ID,
			Epoch:    epoch,
			Windows:  windows,
			Billed:   new(big.Int).Set(due),
			Due:      new(big.Int).Set(due),
			Deadline: epoch + o.cfg.GraceEpochs,
			State:    models.EpochStateBilled,
		}
		if err := o.tx.CreateEpochRecord(ctx, rec); err != nil {
			return err
		}
		ledger.AddDebt(a, due)
		a.LastBilledEpoch = epoch
		if err := o.tx.SaveAgent(ctx, a); err != nil {
			return err
		}

		o.emit(models.Event{
			Kind:    models.EventEpochBilled,
			Agent:   idPtr(a.ID),
			Epoch:   u64Ptr(epoch),
			Windows: u64Ptr(windows),
			Amount:  due.String(),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return due, nil
}

// SettleEpoch applies the caller's payment to one of its billed epochs and
// returns the applied amount. Any excess over the due goes to the bond.
func (s *service) SettleEpoch(ctx context.Context, call Call, epoch uint64) (*big.Int, error) {
	var applied *big.Int
	err := s.mutate(ctx, "settle epoch", func(o *op) error {
		a, err := o.agent(call.Caller)
		if err != nil {
			return err
		}
		rec, err := o.record(a.ID, epoch)
		if err != nil {
			return err
		}
		if !ledger.Positive(rec.Due) {
			return ErrEpochAlreadySettled
		}
		payment := call.payment()
		if !ledger.Positive(payment) {
			return ErrPaymentRequired
		}

		var excess *big.Int
		applied, excess = ledger.ApplyPayment(a, rec, payment)
		ledger.Credit(o.cfg.ClaimableOwner, applied)
		ledger.DepositBond(a, excess)

		if rec.Due.Sign() == 0 && !rec.ScoreApplied {
			outcome := models.EpochStateSettledOnTime
			if o.now > rec.Deadline {
				outcome = models.EpochStateSettledLate
			}
			o.score(a, rec, outcome)
		}
		if a.Status != models.AgentStatusCancelled && credit.CanBeActive(a, o.cfg.MinBond) {
			o.setStatus(a, models.AgentStatusActive)
		}

		if err := o.tx.SaveEpochRecord(ctx, rec); err != nil {
			return err
		}
		if err := o.tx.SaveAgent(ctx, a); err != nil {
			return err
		}

		o.book(a.ID, u64Ptr(epoch), models.JournalSettlement, applied)
		o.book(a.ID, u64Ptr(epoch), models.JournalBondDeposit, excess)
		o.emit(models.Event{
			Kind:   models.EventEpochSettled,
			Agent:  idPtr(a.ID),
			Epoch:  u64Ptr(epoch),
			Amount: applied.String(),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return applied, nil
}

// EnforceEpoch slashes the bond for an epoch whose grace period has elapsed
// and returns the slashed amount. Anyone may call it.
func (s *service) EnforceEpoch(ctx context.Context, call Call, agentID uuid.UUID, epoch uint64) (*big.Int, error) {
	var slash *big.Int
	err := s.mutate(ctx, "enforce epoch", func(o *op) error {
		a, err := o.agent(agentID)
		if err != nil {
			return err
		}
		rec, err := o.record(a.ID, epoch)
		if err != nil {
			return err
		}
		if o.now <= rec.Deadline {
			return ErrStillInGracePeriod
		}
		if !ledger.Positive(rec.Due) {
			return ErrNothingDue
		}

		slash = ledger.SlashRecord(a, rec)
		ledger.Credit(o.cfg.ClaimableOwner, slash)

		if !rec.ScoreApplied {
			outcome := models.EpochStateDelinquent
			if rec.Due.Sign() == 0 {
				outcome = models.EpochStateSlashed
			}
			o.score(a, rec, outcome)
		}
		if a.Status != models.AgentStatusCancelled && !credit.CanBeActive(a, o.cfg.MinBond) {
			o.setStatus(a, models.AgentStatusSuspended)
		}

		if err := o.tx.SaveEpochRecord(ctx, rec); err != nil {
			return err
		}
		if err := o.tx.SaveAgent(ctx, a); err != nil {
			return err
		}

		o.book(a.ID, u64Ptr(epoch), models.JournalSlash, slash)
		o.emit(models.Event{
			Kind:   models.EventEpochEnforced,
			Agent:  idPtr(a.ID),
			Epoch:  u64Ptr(epoch),
			Amount: slash.String(),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return slash, nil
}

// score records the terminal outcome of rec exactly once.
func (o *op) score(a *models.Agent, rec *models.EpochRecord, outcome models.EpochState) {
	a.CreditScore = credit.Apply(a.CreditScore, outcome)
	rec.State = outcome
	rec.ScoreApplied = true
}
