package escrow

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/google/uuid"

	"github.com/inaiurai/streamescrow/internal/ledger"
	"github.com/inaiurai/streamescrow/internal/models"
)

// InitParams are the deployment-time parameters of the global configuration.
type InitParams struct {
	Operator               uuid.UUID
	WindowReward           *big.Int
	SetupFee               *big.Int
	MinBond                *big.Int
	PromoFreeSlots         uint64
	GraceEpochs            uint64
	MaxBackbillEpochs      uint64
	HardMaxWindowsPerEpoch uint64
}

func (p InitParams) validate() error {
	switch {
	case p.Operator == uuid.Nil:
		return ErrInvalidOperator
	case !ledger.Positive(p.WindowReward):
		return ErrInvalidWindowReward
	case !ledger.Positive(p.SetupFee):
		return ErrInvalidSetupFee
	case !ledger.Positive(p.MinBond):
		return ErrInvalidMinBond
	case p.GraceEpochs == 0:
		return ErrInvalidGraceEpochs
	case p.MaxBackbillEpochs == 0:
		return ErrInvalidBackbill
	case p.HardMaxWindowsPerEpoch == 0:
		return ErrInvalidHardCap
	}
	return nil
}

// Initialize stores the global configuration with the caller as owner.
// It fails once a configuration exists.
func (s *service) Initialize(ctx context.Context, call Call, p InitParams) error {
	if call.Caller == uuid.Nil {
		return ErrInvalidOwner
	}
	if err := p.validate(); err != nil {
		return err
	}

	tx, err := s.store.Begin(ctx)
	if err != nil {
		return fmt.Errorf("initialize: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	switch _, err := tx.Config(ctx); {
	case err == nil:
		return ErrAlreadyInitialized
	case !errors.Is(err, ErrNotInitialized):
		return fmt.Errorf("initialize: load config: %w", err)
	}

	cfg := &models.Config{
		Owner:                  call.Caller,
		Operator:               p.Operator,
		WindowReward:           new(big.Int).Set(p.WindowReward),
		SetupFee:               new(big.Int).Set(p.SetupFee),
		MinBond:                new(big.Int).Set(p.MinBond),
		PromoFreeSlots:         p.PromoFreeSlots,
		GraceEpochs:            p.GraceEpochs,
		MaxBackbillEpochs:      p.MaxBackbillEpochs,
		HardMaxWindowsPerEpoch: p.HardMaxWindowsPerEpoch,
		ClaimableOwner:         new(big.Int),
	}
	switch err := tx.CreateConfig(ctx, cfg); {
	case errors.Is(err, ErrAlreadyInitialized):
		return err
	case err != nil:
		return fmt.Errorf("initialize: create config: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("initialize: commit: %w", err)
	}
	s.log.Info("escrow initialized", "owner", cfg.Owner.String(), "operator", cfg.Operator.String())
	return nil
}

// WithdrawOwner pays amount of the claimable balance to the given recipient.
func (s *service) WithdrawOwner(ctx context.Context, call Call, amount *big.Int, to uuid.UUID) error {
	return s.mutate(ctx, "withdraw owner", func(o *op) error {
		if call.Caller != o.cfg.Owner {
			return ErrOnlyOwner
		}
		if !ledger.Positive(amount) {
			return ErrAmountNotPositive
		}
		if to == uuid.Nil {
			return ErrInvalidRecipient
		}
		if err := ledger.Debit(o.cfg.ClaimableOwner, amount); err != nil {
			return ErrInsufficientClaimable
		}
		o.book(to, nil, models.JournalOwnerWithdrawal, amount)
		o.pay(to, amount)
		o.emit(models.Event{
			Kind:      models.EventOwnerWithdrawn,
			Recipient: idPtr(to),
			Amount:    amount.String(),
		})
		return nil
	})
}

// configure runs an owner-only mutation of the global configuration.
func (s *service) configure(ctx context.Context, call Call, name string, fn func(cfg *models.Config) error) error {
	err := s.mutate(ctx, name, func(o *op) error {
		if call.Caller != o.cfg.Owner {
			return ErrOnlyOwner
		}
		return fn(o.cfg)
	})
	if err != nil {
		return err
	}
	s.log.Info("escrow config updated", "setting", name)
	return nil
}

func (s *service) SetOperator(ctx context.Context, call Call, operator uuid.UUID) error {
	return s.configure(ctx, call, "set operator", func(cfg *models.Config) error {
		if operator == uuid.Nil {
			return ErrInvalidOperator
		}
		cfg.Operator = operator
		return nil
	})
}

func (s *service) SetOwner(ctx context.Context, call Call, owner uuid.UUID) error {
	return s.configure(ctx, call, "set owner", func(cfg *models.Config) error {
		if owner == uuid.Nil {
			return ErrInvalidOwner
		}
		cfg.Owner = owner
		return nil
	})
}

func (s *service) SetWindowReward(ctx context.Context, call Call, reward *big.Int) error {
	return s.configure(ctx, call, "set window reward", func(cfg *models.Config) error {
		if !ledger.Positive(reward) {
			return ErrInvalidWindowReward
		}
		cfg.WindowReward = new(big.Int).Set(reward)
		return nil
	})
}

// SetPromoSlots accepts zero, which closes the promotion.
func (s *service) SetPromoSlots(ctx context.Context, call Call, slots uint64) error {
	return s.configure(ctx, call, "set promo slots", func(cfg *models.Config) error {
		cfg.PromoFreeSlots = slots
		return nil
	})
}

func (s *service) SetMaxBackbillEpochs(ctx context.Context, call Call, epochs uint64) error {
	return s.configure(ctx, call, "set max backbill epochs", func(cfg *models.Config) error {
		if epochs == 0 {
			return ErrInvalidBackbill
		}
		cfg.MaxBackbillEpochs = epochs
		return nil
	})
}

func (s *service) SetHardMaxWindowsPerEpoch(ctx context.Context, call Call, windows uint64) error {
	return s.configure(ctx, call, "set hard max windows", func(cfg *models.Config) error {
		if windows == 0 {
			return ErrInvalidHardCap
		}
		cfg.HardMaxWindowsPerEpoch = windows
		return nil
	})
}
