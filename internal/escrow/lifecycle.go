package escrow

import (
	"context"
	"math/big"

	"github.com/inaiurai/streamescrow/internal/credit"
	"github.com/inaiurai/streamescrow/internal/ledger"
	"github.com/inaiurai/streamescrow/internal/models"
)

// RegisterParams are the billing terms an agent enrolls (or re-enrolls) with.
type RegisterParams struct {
	Metadata           string
	FeeBps             uint64
	MaxWindowsPerEpoch uint64
	MaxChargePerEpoch  *big.Int
}

func checkGuards(cfg *models.Config, maxWindows uint64, maxCharge *big.Int) error {
	if maxWindows == 0 {
		return ErrInvalidMaxWindows
	}
	if maxWindows > cfg.HardMaxWindowsPerEpoch {
		return ErrMaxWindowsOverHardCap
	}
	if !ledger.Positive(maxCharge) {
		return ErrInvalidMaxCharge
	}
	return nil
}

// Register enrolls the caller, re-enrolls a cancelled caller, or updates the
// terms of an existing one. The attached payment funds the bond.
func (s *service) Register(ctx context.Context, call Call, p RegisterParams) error {
	return s.mutate(ctx, "register", func(o *op) error {
		if p.FeeBps == 0 || p.FeeBps > ledger.BpsDenominator {
			return ErrInvalidFeeBps
		}
		if err := checkGuards(o.cfg, p.MaxWindowsPerEpoch, p.MaxChargePerEpoch); err != nil {
			return err
		}
		payment := call.payment()
		if !ledger.Positive(payment) {
			return ErrRegisterNeedsPayment
		}

		a, err := o.tx.Agent(ctx, call.Caller)
		switch {
		case err == nil:
			return o.reenroll(a, p, payment)
		case isNotFound(err):
			return o.enroll(call, p, payment)
		default:
			return err
		}
	})
}

func (o *op) enroll(call Call, p RegisterParams, payment *big.Int) error {
	fee := new(big.Int).Set(o.cfg.SetupFee)
	usedPromo := false
	if o.cfg.PromoUsed < o.cfg.PromoFreeSlots {
		fee.SetInt64(0)
		usedPromo = true
		o.cfg.PromoUsed++
	}
	required := new(big.Int).Add(fee, o.cfg.MinBond)
	if payment.Cmp(required) < 0 {
		return ErrInsufficientRegisterPayment
	}

	bond := new(big.Int).Sub(payment, fee)
	ledger.Credit(o.cfg.ClaimableOwner, fee)

	a := &models.Agent{
		ID:                 call.Caller,
		FeeBps:             p.FeeBps,
		MaxWindowsPerEpoch: p.MaxWindowsPerEpoch,
		MaxChargePerEpoch:  new(big.Int).Set(p.MaxChargePerEpoch),
		CreditScore:        credit.DefaultScore,
		Status:             models.AgentStatusActive,
		UsedPromo:          usedPromo,
		JoinedEpoch:        o.now,
		LastBilledEpoch:    saturatingPrev(o.now),
		Metadata:           p.Metadata,
		BondBalance:        bond,
		OutstandingTotal:   new(big.Int),
	}
	if err := o.tx.CreateAgent(o.ctx, a); err != nil {
		return err
	}
	o.cfg.ActiveAgentCount++

	o.book(a.ID, nil, models.JournalSetupFee, fee)
	o.book(a.ID, nil, models.JournalBondDeposit, bond)
	o.emit(models.Event{
		Kind:       models.EventRegistered,
		Agent:      idPtr(a.ID),
		FeeBps:     u64Ptr(a.FeeBps),
		MaxWindows: u64Ptr(a.MaxWindowsPerEpoch),
		Amount:     bond.String(),
	})
	return nil
}

func (o *op) reenroll(a *models.Agent, p RegisterParams, payment *big.Int) error {
	wasActive := a.Status == models.AgentStatusActive
	if a.Status == models.AgentStatusCancelled {
		if ledger.Positive(a.OutstandingTotal) {
			return ErrOutstandingDebt
		}
		if payment.Cmp(o.cfg.MinBond) < 0 {
			return ErrReactivateNeedsMinBond
		}
		o.setStatus(a, models.AgentStatusSuspended)
		a.LastBilledEpoch = max(a.LastBilledEpoch, saturatingPrev(o.now))
		wasActive = false
	}

	a.FeeBps = p.FeeBps
	a.MaxWindowsPerEpoch = p.MaxWindowsPerEpoch
	a.MaxChargePerEpoch = new(big.Int).Set(p.MaxChargePerEpoch)
	a.Metadata = p.Metadata
	ledger.DepositBond(a, payment)

	if !wasActive && credit.CanBeActive(a, o.cfg.MinBond) {
		o.setStatus(a, models.AgentStatusActive)
	}
	if err := o.tx.SaveAgent(o.ctx, a); err != nil {
		return err
	}

	o.book(a.ID, nil, models.JournalBondDeposit, payment)
	o.emit(models.Event{
		Kind:   models.EventBondToppedUp,
		Agent:  idPtr(a.ID),
		Amount: payment.String(),
	})
	return nil
}

// TopUpBond adds the attached payment to the caller's bond.
func (s *service) TopUpBond(ctx context.Context, call Call) error {
	return s.mutate(ctx, "top up bond", func(o *op) error {
		a, err := o.agent(call.Caller)
		if err != nil {
			return err
		}
		payment := call.payment()
		if !ledger.Positive(payment) {
			return ErrTopUpNeedsPayment
		}
		if a.Status == models.AgentStatusCancelled {
			return ErrAgentCancelled
		}
		ledger.DepositBond(a, payment)
		if err := o.tx.SaveAgent(ctx, a); err != nil {
			return err
		}
		o.book(a.ID, nil, models.JournalBondDeposit, payment)
		o.emit(models.Event{
			Kind:   models.EventBondToppedUp,
			Agent:  idPtr(a.ID),
			Amount: payment.String(),
		})
		return nil
	})
}

// SetBillingGuards replaces the caller's per-epoch window and charge caps.
func (s *service) SetBillingGuards(ctx context.Context, call Call, maxWindows uint64, maxCharge *big.Int) error {
	return s.mutate(ctx, "set billing guards", func(o *op) error {
		a, err := o.agent(call.Caller)
		if err != nil {
			return err
		}
		if err := checkGuards(o.cfg, maxWindows, maxCharge); err != nil {
			return err
		}
		if a.Status == models.AgentStatusCancelled {
			return ErrAgentCancelled
		}
		a.MaxWindowsPerEpoch = maxWindows
		a.MaxChargePerEpoch = new(big.Int).Set(maxCharge)
		return o.tx.SaveAgent(ctx, a)
	})
}

func (s *service) Pause(ctx context.Context, call Call) error {
	return s.mutate(ctx, "pause", func(o *op) error {
		a, err := o.agent(call.Caller)
		if err != nil {
			return err
		}
		if a.Status != models.AgentStatusActive {
			return ErrNotActive
		}
		o.setStatus(a, models.AgentStatusPaused)
		return o.tx.SaveAgent(ctx, a)
	})
}

// ResumeIfHealthy reactivates a paused or suspended caller that passes the
// activation policy. It never silently succeeds.
func (s *service) ResumeIfHealthy(ctx context.Context, call Call) error {
	return s.mutate(ctx, "resume", func(o *op) error {
		a, err := o.agent(call.Caller)
		if err != nil {
			return err
		}
		if a.Status != models.AgentStatusPaused && a.Status != models.AgentStatusSuspended {
			return ErrNotPausedOrSuspended
		}
		if !credit.CanBeActive(a, o.cfg.MinBond) {
			return ErrHealthChecksFailed
		}
		o.setStatus(a, models.AgentStatusActive)
		return o.tx.SaveAgent(ctx, a)
	})
}

// CancelAndWithdraw cancels the caller, covers what it owes from the bond and
// pays out whatever bond remains. Calling it again pays out zero.
func (s *service) CancelAndWithdraw(ctx context.Context, call Call) (*big.Int, error) {
	var payout *big.Int
	err := s.mutate(ctx, "cancel", func(o *op) error {
		a, err := o.agent(call.Caller)
		if err != nil {
			return err
		}
		o.setStatus(a, models.AgentStatusCancelled)

		if ledger.Positive(a.OutstandingTotal) {
			open, err := o.tx.OpenRecords(ctx, a.ID)
			if err != nil {
				return err
			}
			slash, touched := ledger.SlashOutstanding(a, open)
			ledger.Credit(o.cfg.ClaimableOwner, slash)
			for _, rec := range touched {
				if err := o.tx.SaveEpochRecord(ctx, rec); err != nil {
					return err
				}
			}
			o.book(a.ID, nil, models.JournalSlash, slash)
		}

		payout = ledger.DrainBond(a)
		if err := o.tx.SaveAgent(ctx, a); err != nil {
			return err
		}
		o.book(a.ID, nil, models.JournalBondRefund, payout)
		o.pay(a.ID, payout)
		o.emit(models.Event{
			Kind:   models.EventCancelled,
			Agent:  idPtr(a.ID),
			Amount: payout.String(),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return payout, nil
}

func saturatingPrev(epoch uint64) uint64 {
	if epoch == 0 {
		return 0
	}
	return epoch - 1
}
