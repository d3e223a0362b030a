package main

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"

	"github.com/inaiurai/streamescrow/internal/auth"
	"github.com/inaiurai/streamescrow/internal/config"
	"github.com/inaiurai/streamescrow/internal/escrow"
	"github.com/inaiurai/streamescrow/internal/events"
	"github.com/inaiurai/streamescrow/internal/keeper"
	"github.com/inaiurai/streamescrow/internal/payout"
	"github.com/inaiurai/streamescrow/internal/repository"
)

// backend is the storage-dependent half of the wiring.
type backend struct {
	store     escrow.Store
	custody   escrow.Custody
	notifier  escrow.Notifier
	authStore auth.Store
	// attachWorkers builds the job queue client; nil when there is no job queue.
	attachWorkers func(k *keeper.Keeper) (*river.Client[pgx.Tx], error)
	close         func()
}

func openPostgres(ctx context.Context, settings *config.Settings, publisher events.Publisher, logger *slog.Logger) (*backend, error) {
	pool, err := pgxpool.New(ctx, settings.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("create database pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	slog.Info("Connected to PostgreSQL database successfully!")

	migrator, err := rivermigrate.New(riverpgxv5.New(pool), nil)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("create river migrator: %w", err)
	}
	if _, err := migrator.Migrate(ctx, rivermigrate.DirectionUp, nil); err != nil {
		pool.Close()
		return nil, fmt.Errorf("river migrate up: %w", err)
	}
	if err := repository.Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	slog.Info("Migrations applied")

	// Insert funcs resolve the River client late: the client needs the
	// workers, and the keeper worker needs the service that enqueues jobs.
	var (
		clientMu sync.Mutex
		client   *river.Client[pgx.Tx]
	)
	riverClient := func() *river.Client[pgx.Tx] {
		clientMu.Lock()
		defer clientMu.Unlock()
		if client == nil {
			panic("river insert not wired")
		}
		return client
	}
	insertTransfer := func(ctx context.Context, tx pgx.Tx, args payout.TransferArgs) error {
		_, err := riverClient().InsertTx(ctx, tx, args, nil)
		return err
	}
	insertDelivery := func(ctx context.Context, tx pgx.Tx, args events.DeliverArgs) error {
		_, err := riverClient().InsertTx(ctx, tx, args, nil)
		return err
	}

	b := &backend{
		store:     repository.NewEscrowRepo(pool),
		custody:   payout.NewQueue(insertTransfer),
		notifier:  events.NewOutbox(insertDelivery),
		authStore: auth.NewRepository(pool),
		close:     pool.Close,
	}
	b.attachWorkers = func(k *keeper.Keeper) (*river.Client[pgx.Tx], error) {
		workers := river.NewWorkers()
		river.AddWorker(workers, payout.NewTransferWorker(settings.CustodyWebhookURL, logger))
		river.AddWorker(workers, events.NewDeliverWorker(publisher, logger))
		river.AddWorker(workers, keeper.NewSweepWorker(k))

		c, err := river.NewClient(riverpgxv5.New(pool), &river.Config{
			Queues: map[string]river.QueueConfig{
				river.QueueDefault: {MaxWorkers: 10},
			},
			Workers:      workers,
			PeriodicJobs: []*river.PeriodicJob{keeper.PeriodicJob(settings.KeeperInterval)},
			Logger:       logger,
		})
		if err != nil {
			return nil, fmt.Errorf("create river client: %w", err)
		}
		clientMu.Lock()
		client = c
		clientMu.Unlock()
		return c, nil
	}
	return b, nil
}
