package handlers

import (
	"math/big"
	"time"

	"github.com/inaiurai/streamescrow/internal/ledger"
	"github.com/inaiurai/streamescrow/internal/models"
)

// Amounts are rendered as base-10 strings.

type agentView struct {
	ID                 string `json:"id"`
	Status             string `json:"status"`
	StatusCode         uint64 `json:"status_code"`
	FeeBps             uint64 `json:"fee_bps"`
	MaxWindowsPerEpoch uint64 `json:"max_windows_per_epoch"`
	MaxChargePerEpoch  string `json:"max_charge_per_epoch"`
	CreditScore        uint64 `json:"credit_score"`
	UsedPromo          bool   `json:"used_promo"`
	JoinedEpoch        uint64 `json:"joined_epoch"`
	LastBilledEpoch    uint64 `json:"last_billed_epoch"`
	Metadata           string `json:"metadata"`
	BondBalance        string `json:"bond_balance"`
	OutstandingTotal   string `json:"outstanding_total"`
}

func toAgentView(a *models.Agent) agentView {
	return agentView{
		ID:                 a.ID.String(),
		Status:             string(a.Status),
		StatusCode:         a.Status.Code(),
		FeeBps:             a.FeeBps,
		MaxWindowsPerEpoch: a.MaxWindowsPerEpoch,
		MaxChargePerEpoch:  amountString(a.MaxChargePerEpoch),
		CreditScore:        a.CreditScore,
		UsedPromo:          a.UsedPromo,
		JoinedEpoch:        a.JoinedEpoch,
		LastBilledEpoch:    a.LastBilledEpoch,
		Metadata:           a.Metadata,
		BondBalance:        amountString(a.BondBalance),
		OutstandingTotal:   amountString(a.OutstandingTotal),
	}
}

type epochView struct {
	Agent        string `json:"agent"`
	Epoch        uint64 `json:"epoch"`
	Billed       bool   `json:"billed"`
	State        string `json:"state"`
	Due          string `json:"due"`
	Windows      uint64 `json:"windows,omitempty"`
	Charged      string `json:"charged,omitempty"`
	Deadline     uint64 `json:"deadline,omitempty"`
	ScoreApplied bool   `json:"score_applied"`
}

type configView struct {
	Owner                  string `json:"owner"`
	Operator               string `json:"operator"`
	WindowReward           string `json:"window_reward"`
	SetupFee               string `json:"setup_fee"`
	MinBond                string `json:"min_bond"`
	PromoFreeSlots         uint64 `json:"promo_free_slots"`
	PromoUsed              uint64 `json:"promo_used"`
	GraceEpochs            uint64 `json:"grace_epochs"`
	MaxBackbillEpochs      uint64 `json:"max_backbill_epochs"`
	HardMaxWindowsPerEpoch uint64 `json:"hard_max_windows_per_epoch"`
	ClaimableOwner         string `json:"claimable_owner"`
	ActiveAgentCount       uint64 `json:"active_agent_count"`
}

func toConfigView(c *models.Config) configView {
	return configView{
		Owner:                  c.Owner.String(),
		Operator:               c.Operator.String(),
		WindowReward:           amountString(c.WindowReward),
		SetupFee:               amountString(c.SetupFee),
		MinBond:                amountString(c.MinBond),
		PromoFreeSlots:         c.PromoFreeSlots,
		PromoUsed:              c.PromoUsed,
		GraceEpochs:            c.GraceEpochs,
		MaxBackbillEpochs:      c.MaxBackbillEpochs,
		HardMaxWindowsPerEpoch: c.HardMaxWindowsPerEpoch,
		ClaimableOwner:         amountString(c.ClaimableOwner),
		ActiveAgentCount:       c.ActiveAgentCount,
	}
}

type journalView struct {
	ID        string    `json:"id"`
	Account   string    `json:"account"`
	Epoch     *uint64   `json:"epoch,omitempty"`
	EntryType string    `json:"entry_type"`
	Amount    string    `json:"amount"`
	CreatedAt time.Time `json:"created_at"`
}

func toJournalViews(entries []*models.JournalEntry) []journalView {
	out := make([]journalView, 0, len(entries))
	for _, e := range entries {
		out = append(out, journalView{
			ID:        e.ID.String(),
			Account:   e.Account.String(),
			Epoch:     e.Epoch,
			EntryType: e.EntryType,
			Amount:    amountString(e.Amount),
			CreatedAt: e.CreatedAt,
		})
	}
	return out
}

type reconciliationView struct {
	Inflow    string `json:"inflow"`
	Outflow   string `json:"outflow"`
	Bonds     string `json:"bonds"`
	Claimable string `json:"claimable"`
	Balanced  bool   `json:"balanced"`
}

func toReconciliationView(r *ledger.Reconciliation) reconciliationView {
	return reconciliationView{
		Inflow:    amountString(r.Inflow),
		Outflow:   amountString(r.Outflow),
		Bonds:     amountString(r.Bonds),
		Claimable: amountString(r.Claimable),
		Balanced:  r.Balanced(),
	}
}

func amountString(x *big.Int) string {
	if x == nil {
		return "0"
	}
	return x.String()
}
