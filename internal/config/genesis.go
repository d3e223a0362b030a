package config

import (
	"fmt"
	"os"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/inaiurai/streamescrow/internal/escrow"
	"github.com/inaiurai/streamescrow/internal/ledger"
)

// Genesis is the initial escrow configuration. Amounts are base-10 strings
// in the asset's smallest unit.
type Genesis struct {
	Owner                  string `yaml:"owner"`
	Operator               string `yaml:"operator"`
	WindowReward           string `yaml:"window_reward"`
	SetupFee               string `yaml:"setup_fee"`
	MinBond                string `yaml:"min_bond"`
	PromoFreeSlots         uint64 `yaml:"promo_free_slots"`
	GraceEpochs            uint64 `yaml:"grace_epochs"`
	MaxBackbillEpochs      uint64 `yaml:"max_backbill_epochs"`
	HardMaxWindowsPerEpoch uint64 `yaml:"hard_max_windows_per_epoch"`
}

// DefaultGenesis returns the deployment defaults. Owner, operator and window
// reward have no default.
func DefaultGenesis() Genesis {
	return Genesis{
		SetupFee:               "200000000000000000000",
		MinBond:                "1000000000000000000000",
		PromoFreeSlots:         100,
		GraceEpochs:            1,
		MaxBackbillEpochs:      2,
		HardMaxWindowsPerEpoch: 48,
	}
}

// LoadGenesis reads path over the defaults.
func LoadGenesis(path string) (*Genesis, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read genesis: %w", err)
	}
	g := DefaultGenesis()
	if err := yaml.Unmarshal(data, &g); err != nil {
		return nil, fmt.Errorf("parse genesis %q: %w", path, err)
	}
	return &g, nil
}

// Params converts g into the initializing caller and its parameters.
func (g *Genesis) Params() (uuid.UUID, escrow.InitParams, error) {
	var p escrow.InitParams
	owner, err := uuid.Parse(g.Owner)
	if err != nil {
		return uuid.Nil, p, fmt.Errorf("genesis owner: %w", err)
	}
	if p.Operator, err = uuid.Parse(g.Operator); err != nil {
		return uuid.Nil, p, fmt.Errorf("genesis operator: %w", err)
	}
	if p.WindowReward, err = ledger.ParseAmount(g.WindowReward); err != nil {
		return uuid.Nil, p, fmt.Errorf("genesis window_reward: %w", err)
	}
	if p.SetupFee, err = ledger.ParseAmount(g.SetupFee); err != nil {
		return uuid.Nil, p, fmt.Errorf("genesis setup_fee: %w", err)
	}
	if p.MinBond, err = ledger.ParseAmount(g.MinBond); err != nil {
		return uuid.Nil, p, fmt.Errorf("genesis min_bond: %w", err)
	}
	p.PromoFreeSlots = g.PromoFreeSlots
	p.GraceEpochs = g.GraceEpochs
	p.MaxBackbillEpochs = g.MaxBackbillEpochs
	p.HardMaxWindowsPerEpoch = g.HardMaxWindowsPerEpoch
	return owner, p, nil
}
