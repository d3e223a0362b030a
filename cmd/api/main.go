package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"

	"github.com/rs/cors"

	"github.com/inaiurai/streamescrow/internal/auth"
	"github.com/inaiurai/streamescrow/internal/config"
	"github.com/inaiurai/streamescrow/internal/epoch"
	"github.com/inaiurai/streamescrow/internal/escrow"
	"github.com/inaiurai/streamescrow/internal/events"
	"github.com/inaiurai/streamescrow/internal/handlers"
	"github.com/inaiurai/streamescrow/internal/keeper"
	"github.com/inaiurai/streamescrow/internal/payout"
	"github.com/inaiurai/streamescrow/internal/router"
	"github.com/inaiurai/streamescrow/internal/validate"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	settings, err := config.FromEnv()
	if err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}
	ctx := context.Background()

	validator, err := validate.New()
	if err != nil {
		slog.Error("Schema validator init failed", "error", err)
		os.Exit(1)
	}

	var publisher events.Publisher
	if settings.NATSURL != "" {
		nc, err := events.Connect(settings.NATSURL, logger)
		if err != nil {
			slog.Error("Unable to connect to NATS", "url", settings.NATSURL, "error", err)
			os.Exit(1)
		}
		defer nc.Drain()
		publisher = nc
		slog.Info("Connected to NATS", "url", nc.ConnectedUrl())
	}

	clock := epoch.NewWallClock(settings.EpochGenesis, settings.EpochLength)

	var b *backend
	switch settings.Store {
	case config.StoreMemory:
		b = &backend{
			store:     escrow.NewMemoryStore(),
			custody:   payout.NewRecorder(logger),
			notifier:  events.NewRecorder(publisher, logger),
			authStore: auth.NewMemoryRepository(),
		}
		slog.Warn("Using in-memory escrow store; state is lost on restart")
	default:
		b, err = openPostgres(ctx, settings, publisher, logger)
		if err != nil {
			slog.Error("Postgres backend init failed. Check DATABASE_URL or set ESCROW_STORE=memory", "error", err)
			os.Exit(1)
		}
		defer b.close()
	}

	svc := escrow.NewService(b.store, clock, b.custody, b.notifier, logger)
	sweeper := keeper.New(svc, settings.KeeperIdentity, keeper.DefaultBatch, logger)

	// River runs payouts, event delivery and the keeper in Postgres mode;
	// the memory store only has the keeper loop.
	riverCtx, stopBackground := context.WithCancel(ctx)
	defer stopBackground()
	if b.attachWorkers != nil {
		riverClient, err := b.attachWorkers(sweeper)
		if err != nil {
			slog.Error("River client init failed", "error", err)
			os.Exit(1)
		}
		go func() {
			if err := riverClient.Start(riverCtx); err != nil {
				slog.Error("River client failed to start", "error", err)
			}
		}()
	} else {
		go sweeper.Run(riverCtx, settings.KeeperInterval)
	}

	if settings.GenesisFile != "" {
		if err := applyGenesis(ctx, svc, settings.GenesisFile); err != nil {
			slog.Error("Genesis failed", "file", settings.GenesisFile, "error", err)
			os.Exit(1)
		}
	}

	authSvc := auth.NewService(b.authStore, settings.JWTSecret)
	authHandler := auth.NewHandler(authSvc, logger)
	escrowHandler := handlers.NewEscrowHandler(svc, logger)

	mux := http.NewServeMux()
	mux.Handle("/api/", router.New(authHandler))
	RegisterV1Routes(mux, escrowHandler, authSvc, validator)

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   settings.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}).Handler(mux)

	serverAddr := "0.0.0.0:" + settings.Port
	slog.Info("Starting HTTP server", "addr", serverAddr, "store", settings.Store, "epoch", clock.Current())
	if err := http.ListenAndServe(serverAddr, corsHandler); err != nil {
		slog.Error("HTTP server failed", "error", err)
		os.Exit(1)
	}
}

// applyGenesis initializes the escrow from the genesis file unless it already is.
func applyGenesis(ctx context.Context, svc escrow.Service, path string) error {
	g, err := config.LoadGenesis(path)
	if err != nil {
		return err
	}
	owner, params, err := g.Params()
	if err != nil {
		return err
	}
	err = svc.Initialize(ctx, escrow.Call{Caller: owner}, params)
	if errors.Is(err, escrow.ErrAlreadyInitialized) {
		slog.Info("Escrow already initialized; genesis file ignored")
		return nil
	}
	return err
}
