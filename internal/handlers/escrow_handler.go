package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/inaiurai/streamescrow/internal/escrow"
	"github.com/inaiurai/streamescrow/internal/ledger"
	"github.com/inaiurai/streamescrow/internal/middleware"
)

// EscrowHandler serves the /v1 escrow endpoints. The caller identity comes
// from middleware.BearerAuth; request bodies are schema-checked upstream.
type EscrowHandler struct {
	svc escrow.Service
	log *slog.Logger
}

func NewEscrowHandler(svc escrow.Service, log *slog.Logger) *EscrowHandler {
	if log == nil {
		log = slog.Default()
	}
	return &EscrowHandler{svc: svc, log: log}
}

// --- request bodies ---

type initializeRequest struct {
	Operator               uuid.UUID `json:"operator"`
	WindowReward           string    `json:"window_reward"`
	SetupFee               string    `json:"setup_fee"`
	MinBond                string    `json:"min_bond"`
	PromoFreeSlots         uint64    `json:"promo_free_slots"`
	GraceEpochs            uint64    `json:"grace_epochs"`
	MaxBackbillEpochs      uint64    `json:"max_backbill_epochs"`
	HardMaxWindowsPerEpoch uint64    `json:"hard_max_windows_per_epoch"`
}

type registerRequest struct {
	FeeBps             uint64 `json:"fee_bps"`
	MaxWindowsPerEpoch uint64 `json:"max_windows_per_epoch"`
	MaxChargePerEpoch  string `json:"max_charge_per_epoch"`
	Metadata           string `json:"metadata"`
	Payment            string `json:"payment"`
}

type paymentRequest struct {
	Payment string `json:"payment"`
}

type guardsRequest struct {
	MaxWindowsPerEpoch uint64 `json:"max_windows_per_epoch"`
	MaxChargePerEpoch  string `json:"max_charge_per_epoch"`
}

type billRequest struct {
	Agent   uuid.UUID `json:"agent"`
	Epoch   uint64    `json:"epoch"`
	Windows uint64    `json:"windows"`
}

type withdrawRequest struct {
	Amount string    `json:"amount"`
	To     uuid.UUID `json:"to"`
}

type settingRequest struct {
	Value json.RawMessage `json:"value"`
}

// --- POST /v1/config/initialize ---

func (h *EscrowHandler) Initialize(w http.ResponseWriter, r *http.Request) {
	var req initializeRequest
	if !decode(w, r, &req) {
		return
	}
	amounts, ok := parseAmounts(w, req.WindowReward, req.SetupFee, req.MinBond)
	if !ok {
		return
	}
	err := h.svc.Initialize(r.Context(), h.call(r, nil), escrow.InitParams{
		Operator:               req.Operator,
		WindowReward:           amounts[0],
		SetupFee:               amounts[1],
		MinBond:                amounts[2],
		PromoFreeSlots:         req.PromoFreeSlots,
		GraceEpochs:            req.GraceEpochs,
		MaxBackbillEpochs:      req.MaxBackbillEpochs,
		HardMaxWindowsPerEpoch: req.HardMaxWindowsPerEpoch,
	})
	if err != nil {
		h.fail(w, "initialize", err)
		return
	}
	h.writeConfig(w, r, http.StatusCreated)
}

// --- agent lifecycle ---

func (h *EscrowHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !decode(w, r, &req) {
		return
	}
	amounts, ok := parseAmounts(w, req.MaxChargePerEpoch, req.Payment)
	if !ok {
		return
	}
	err := h.svc.Register(r.Context(), h.call(r, amounts[1]), escrow.RegisterParams{
		Metadata:           req.Metadata,
		FeeBps:             req.FeeBps,
		MaxWindowsPerEpoch: req.MaxWindowsPerEpoch,
		MaxChargePerEpoch:  amounts[0],
	})
	if err != nil {
		h.fail(w, "register", err)
		return
	}
	h.writeSelf(w, r)
}

func (h *EscrowHandler) TopUpBond(w http.ResponseWriter, r *http.Request) {
	var req paymentRequest
	if !decode(w, r, &req) {
		return
	}
	amounts, ok := parseAmounts(w, req.Payment)
	if !ok {
		return
	}
	if err := h.svc.TopUpBond(r.Context(), h.call(r, amounts[0])); err != nil {
		h.fail(w, "top up bond", err)
		return
	}
	h.writeSelf(w, r)
}

func (h *EscrowHandler) SetBillingGuards(w http.ResponseWriter, r *http.Request) {
	var req guardsRequest
	if !decode(w, r, &req) {
		return
	}
	amounts, ok := parseAmounts(w, req.MaxChargePerEpoch)
	if !ok {
		return
	}
	if err := h.svc.SetBillingGuards(r.Context(), h.call(r, nil), req.MaxWindowsPerEpoch, amounts[0]); err != nil {
		h.fail(w, "set billing guards", err)
		return
	}
	h.writeSelf(w, r)
}

func (h *EscrowHandler) Pause(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Pause(r.Context(), h.call(r, nil)); err != nil {
		h.fail(w, "pause", err)
		return
	}
	h.writeSelf(w, r)
}

func (h *EscrowHandler) Resume(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.ResumeIfHealthy(r.Context(), h.call(r, nil)); err != nil {
		h.fail(w, "resume", err)
		return
	}
	h.writeSelf(w, r)
}

func (h *EscrowHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	refund, err := h.svc.CancelAndWithdraw(r.Context(), h.call(r, nil))
	if err != nil {
		h.fail(w, "cancel", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"refund": amountString(refund)})
}

// --- billing ---

func (h *EscrowHandler) BillEpoch(w http.ResponseWriter, r *http.Request) {
	var req billRequest
	if !decode(w, r, &req) {
		return
	}
	due, err := h.svc.BillEpoch(r.Context(), h.call(r, nil), req.Agent, req.Epoch, req.Windows)
	if err != nil {
		h.fail(w, "bill epoch", err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"agent": req.Agent.String(),
		"epoch": req.Epoch,
		"due":   amountString(due),
	})
}

func (h *EscrowHandler) SettleEpoch(w http.ResponseWriter, r *http.Request) {
	epoch, ok := pathEpoch(w, r)
	if !ok {
		return
	}
	var req paymentRequest
	if !decode(w, r, &req) {
		return
	}
	amounts, ok := parseAmounts(w, req.Payment)
	if !ok {
		return
	}
	applied, err := h.svc.SettleEpoch(r.Context(), h.call(r, amounts[0]), epoch)
	if err != nil {
		h.fail(w, "settle epoch", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"epoch": epoch, "applied": amountString(applied)})
}

func (h *EscrowHandler) EnforceEpoch(w http.ResponseWriter, r *http.Request) {
	agent, ok := h.pathAgent(w, r)
	if !ok {
		return
	}
	epoch, ok := pathEpoch(w, r)
	if !ok {
		return
	}
	slashed, err := h.svc.EnforceEpoch(r.Context(), h.call(r, nil), agent, epoch)
	if err != nil {
		h.fail(w, "enforce epoch", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"agent": agent.String(), "epoch": epoch, "slashed": amountString(slashed)})
}

// --- owner ---

func (h *EscrowHandler) WithdrawOwner(w http.ResponseWriter, r *http.Request) {
	var req withdrawRequest
	if !decode(w, r, &req) {
		return
	}
	amounts, ok := parseAmounts(w, req.Amount)
	if !ok {
		return
	}
	if err := h.svc.WithdrawOwner(r.Context(), h.call(r, nil), amounts[0], req.To); err != nil {
		h.fail(w, "withdraw owner", err)
		return
	}
	h.Claimable(w, r)
}

// SetConfig handles PUT /v1/config/{setting}.
func (h *EscrowHandler) SetConfig(w http.ResponseWriter, r *http.Request) {
	var req settingRequest
	if !decode(w, r, &req) {
		return
	}
	call := h.call(r, nil)
	ctx := r.Context()
	setting := r.PathValue("setting")

	var err error
	switch setting {
	case "operator", "owner":
		var id uuid.UUID
		if json.Unmarshal(req.Value, &id) != nil {
			writeError(w, http.StatusBadRequest, setting+" must be a uuid")
			return
		}
		if setting == "operator" {
			err = h.svc.SetOperator(ctx, call, id)
		} else {
			err = h.svc.SetOwner(ctx, call, id)
		}
	case "window-reward":
		var s string
		if json.Unmarshal(req.Value, &s) != nil {
			writeError(w, http.StatusBadRequest, "window-reward must be a decimal string")
			return
		}
		amounts, ok := parseAmounts(w, s)
		if !ok {
			return
		}
		err = h.svc.SetWindowReward(ctx, call, amounts[0])
	case "promo-slots", "max-backbill-epochs", "hard-max-windows":
		var n uint64
		if json.Unmarshal(req.Value, &n) != nil {
			writeError(w, http.StatusBadRequest, setting+" must be a non-negative integer")
			return
		}
		switch setting {
		case "promo-slots":
			err = h.svc.SetPromoSlots(ctx, call, n)
		case "max-backbill-epochs":
			err = h.svc.SetMaxBackbillEpochs(ctx, call, n)
		default:
			err = h.svc.SetHardMaxWindowsPerEpoch(ctx, call, n)
		}
	default:
		writeError(w, http.StatusNotFound, "unknown setting")
		return
	}
	if err != nil {
		h.fail(w, "set "+setting, err)
		return
	}
	h.writeConfig(w, r, http.StatusOK)
}

// --- queries ---

func (h *EscrowHandler) GetAgent(w http.ResponseWriter, r *http.Request) {
	agent, ok := h.pathAgent(w, r)
	if !ok {
		return
	}
	a, err := h.svc.AgentInfo(r.Context(), agent)
	if err != nil {
		h.fail(w, "agent info", err)
		return
	}
	writeJSON(w, http.StatusOK, toAgentView(a))
}

func (h *EscrowHandler) GetFinancials(w http.ResponseWriter, r *http.Request) {
	agent, ok := h.pathAgent(w, r)
	if !ok {
		return
	}
	bond, outstanding, err := h.svc.AgentFinancials(r.Context(), agent)
	if err != nil {
		h.fail(w, "agent financials", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"agent":             agent.String(),
		"bond_balance":      amountString(bond),
		"outstanding_total": amountString(outstanding),
	})
}

func (h *EscrowHandler) GetJournal(w http.ResponseWriter, r *http.Request) {
	agent, ok := h.pathAgent(w, r)
	if !ok {
		return
	}
	entries, err := h.svc.Journal(r.Context(), agent)
	if err != nil {
		h.fail(w, "journal", err)
		return
	}
	writeJSON(w, http.StatusOK, toJournalViews(entries))
}

// GetEpoch returns the record for an epoch, or an unbilled view with zero due.
func (h *EscrowHandler) GetEpoch(w http.ResponseWriter, r *http.Request) {
	agent, ok := h.pathAgent(w, r)
	if !ok {
		return
	}
	epoch, ok := pathEpoch(w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	state, billed, err := h.svc.EpochState(ctx, agent, epoch)
	if err != nil {
		h.fail(w, "epoch state", err)
		return
	}
	debt, err := h.svc.EpochDebt(ctx, agent, epoch)
	if err != nil {
		h.fail(w, "epoch debt", err)
		return
	}
	view := epochView{Agent: agent.String(), Epoch: epoch, Billed: billed, State: string(state), Due: amountString(debt)}
	if billed {
		rec, err := h.svc.EpochRecord(ctx, agent, epoch)
		if err != nil {
			h.fail(w, "epoch record", err)
			return
		}
		view.Windows = rec.Windows
		view.Charged = amountString(rec.Billed)
		view.Deadline = rec.Deadline
		view.ScoreApplied = rec.ScoreApplied
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *EscrowHandler) Claimable(w http.ResponseWriter, r *http.Request) {
	c, err := h.svc.ClaimableOwner(r.Context())
	if err != nil {
		h.fail(w, "claimable", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"claimable_owner": amountString(c)})
}

func (h *EscrowHandler) GetConfig(w http.ResponseWriter, r *http.Request) {
	h.writeConfig(w, r, http.StatusOK)
}

func (h *EscrowHandler) Promo(w http.ResponseWriter, r *http.Request) {
	used, slots, err := h.svc.PromoUsage(r.Context())
	if err != nil {
		h.fail(w, "promo usage", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]uint64{"used": used, "slots": slots})
}

func (h *EscrowHandler) Stats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	active, err := h.svc.ActiveAgentCount(ctx)
	if err != nil {
		h.fail(w, "stats", err)
		return
	}
	rec, err := h.svc.Reconcile(ctx)
	if err != nil {
		h.fail(w, "reconcile", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"current_epoch":      h.svc.CurrentEpoch(),
		"active_agent_count": active,
		"reconciliation":     toReconciliationView(rec),
	})
}

// Overdue handles GET /v1/epochs/overdue?limit=N.
func (h *EscrowHandler) Overdue(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	keys, err := h.svc.Overdue(r.Context(), limit)
	if err != nil {
		h.fail(w, "overdue", err)
		return
	}
	out := make([]map[string]any, 0, len(keys))
	for _, k := range keys {
		out = append(out, map[string]any{"agent": k.AgentID.String(), "epoch": k.Epoch})
	}
	writeJSON(w, http.StatusOK, out)
}

// --- helpers ---

func (h *EscrowHandler) call(r *http.Request, payment *big.Int) escrow.Call {
	return escrow.Call{Caller: middleware.CallerFromCtx(r.Context()), Payment: payment}
}

func (h *EscrowHandler) writeSelf(w http.ResponseWriter, r *http.Request) {
	a, err := h.svc.AgentInfo(r.Context(), middleware.CallerFromCtx(r.Context()))
	if err != nil {
		h.fail(w, "agent info", err)
		return
	}
	writeJSON(w, http.StatusOK, toAgentView(a))
}

func (h *EscrowHandler) writeConfig(w http.ResponseWriter, r *http.Request, status int) {
	cfg, err := h.svc.Config(r.Context())
	if err != nil {
		h.fail(w, "config", err)
		return
	}
	writeJSON(w, status, toConfigView(cfg))
}

// pathAgent resolves {id}; "me" is the caller.
func (h *EscrowHandler) pathAgent(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	raw := r.PathValue("id")
	if raw == "me" {
		return middleware.CallerFromCtx(r.Context()), true
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid agent id")
		return uuid.Nil, false
	}
	return id, true
}

func pathEpoch(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	epoch, err := strconv.ParseUint(r.PathValue("epoch"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid epoch")
		return 0, false
	}
	return epoch, true
}

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return false
	}
	return true
}

func parseAmounts(w http.ResponseWriter, raw ...string) ([]*big.Int, bool) {
	out := make([]*big.Int, len(raw))
	for i, s := range raw {
		v, err := ledger.ParseAmount(s)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return nil, false
		}
		out[i] = v
	}
	return out, true
}

// fail maps rejections to 4xx and logs everything else as a 500.
func (h *EscrowHandler) fail(w http.ResponseWriter, op string, err error) {
	var rej *escrow.Rejection
	switch {
	case errors.As(err, &rej):
		writeError(w, statusFor(rej.Kind), rej.Reason)
	case errors.Is(err, escrow.ErrNotInitialized):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		h.log.Error(op+" failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func statusFor(kind escrow.RejectKind) int {
	switch kind {
	case escrow.RejectForbidden:
		return http.StatusForbidden
	case escrow.RejectNotFound:
		return http.StatusNotFound
	}
	return http.StatusConflict
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
