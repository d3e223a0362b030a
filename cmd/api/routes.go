package main

import (
	"net/http"

	"github.com/inaiurai/streamescrow/internal/handlers"
	"github.com/inaiurai/streamescrow/internal/middleware"
	"github.com/inaiurai/streamescrow/internal/validate"
)

// RegisterV1Routes adds the /v1/ escrow endpoints to the given mux.
// Middleware chain: BearerAuth -> (ValidateBody on routes with a body) -> handler.
func RegisterV1Routes(mux *http.ServeMux, eh *handlers.EscrowHandler, tokens middleware.TokenValidator, v *validate.Validator) {
	auth := middleware.BearerAuth(tokens)
	plain := func(h http.HandlerFunc) http.Handler { return auth(h) }
	body := func(schema string, h http.HandlerFunc) http.Handler {
		return auth(middleware.ValidateBody(v, schema)(h))
	}

	// Agent lifecycle
	mux.Handle("POST /v1/agents/register", body(validate.SchemaRegister, eh.Register))
	mux.Handle("POST /v1/agents/me/bond", body(validate.SchemaPayment, eh.TopUpBond))
	mux.Handle("PUT /v1/agents/me/guards", body(validate.SchemaGuards, eh.SetBillingGuards))
	mux.Handle("POST /v1/agents/me/pause", plain(eh.Pause))
	mux.Handle("POST /v1/agents/me/resume", plain(eh.Resume))
	mux.Handle("POST /v1/agents/me/cancel", plain(eh.Cancel))

	// Billing
	mux.Handle("POST /v1/billing/epochs", body(validate.SchemaBill, eh.BillEpoch))
	mux.Handle("POST /v1/agents/me/epochs/{epoch}/settle", body(validate.SchemaPayment, eh.SettleEpoch))
	mux.Handle("POST /v1/agents/{id}/epochs/{epoch}/enforce", plain(eh.EnforceEpoch))
	mux.Handle("GET /v1/epochs/overdue", plain(eh.Overdue))

	// Owner
	mux.Handle("POST /v1/config/initialize", body(validate.SchemaInitialize, eh.Initialize))
	mux.Handle("POST /v1/owner/withdraw", body(validate.SchemaWithdraw, eh.WithdrawOwner))
	mux.Handle("PUT /v1/config/{setting}", body(validate.SchemaSetting, eh.SetConfig))

	// Queries
	mux.Handle("GET /v1/agents/{id}", plain(eh.GetAgent))
	mux.Handle("GET /v1/agents/{id}/financials", plain(eh.GetFinancials))
	mux.Handle("GET /v1/agents/{id}/journal", plain(eh.GetJournal))
	mux.Handle("GET /v1/agents/{id}/epochs/{epoch}", plain(eh.GetEpoch))
	mux.Handle("GET /v1/owner/claimable", plain(eh.Claimable))
	mux.Handle("GET /v1/config", plain(eh.GetConfig))
	mux.Handle("GET /v1/promo", plain(eh.Promo))
	mux.Handle("GET /v1/stats", plain(eh.Stats))
}
