// Package keeper enforces overdue epochs. Enforcement is permissionless, so
// the keeper is just another caller with its own identity.
package keeper

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/riverqueue/river"

	"github.com/inaiurai/streamescrow/internal/escrow"
)

const DefaultBatch = 100

type SweepArgs struct{}

func (SweepArgs) Kind() string { return "escrow_keeper_sweep" }

// InsertOpts keeps at most one sweep queued at a time.
func (SweepArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{UniqueOpts: river.UniqueOpts{ByArgs: true, ByPeriod: time.Minute}}
}

type Keeper struct {
	svc    escrow.Service
	caller uuid.UUID
	batch  int
	log    *slog.Logger
}

func New(svc escrow.Service, caller uuid.UUID, batch int, log *slog.Logger) *Keeper {
	if log == nil {
		log = slog.Default()
	}
	if batch <= 0 {
		batch = DefaultBatch
	}
	return &Keeper{svc: svc, caller: caller, batch: batch, log: log}
}

// Sweep enforces up to one batch of overdue records and returns how many were
// enforced. Records that became ineligible since listing are skipped.
func (k *Keeper) Sweep(ctx context.Context) (int, error) {
	keys, err := k.svc.Overdue(ctx, k.batch)
	if err != nil {
		return 0, err
	}
	var (
		enforced int
		errs     []error
	)
	for _, key := range keys {
		slash, err := k.svc.EnforceEpoch(ctx, escrow.Call{Caller: k.caller}, key.AgentID, key.Epoch)
		var rej *escrow.Rejection
		switch {
		case errors.As(err, &rej):
			k.log.Debug("keeper skipped epoch", "agent", key.AgentID.String(), "epoch", key.Epoch, "reason", rej.Reason)
		case err != nil:
			k.log.Error("keeper enforce failed", "agent", key.AgentID.String(), "epoch", key.Epoch, "error", err)
			errs = append(errs, err)
		default:
			enforced++
			k.log.Info("keeper enforced epoch", "agent", key.AgentID.String(), "epoch", key.Epoch, "slash", slash.String())
		}
	}
	return enforced, errors.Join(errs...)
}

// Run sweeps every interval until ctx is done. It is used when no job queue is available.
func (k *Keeper) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := k.Sweep(ctx); err != nil {
				k.log.Error("keeper sweep failed", "error", err)
			}
		}
	}
}

type SweepWorker struct {
	river.WorkerDefaults[SweepArgs]
	keeper *Keeper
}

func NewSweepWorker(k *Keeper) *SweepWorker {
	return &SweepWorker{keeper: k}
}

func (w *SweepWorker) Work(ctx context.Context, job *river.Job[SweepArgs]) error {
	_, err := w.keeper.Sweep(ctx)
	return err
}

// PeriodicJob schedules a sweep every interval, starting at client start.
func PeriodicJob(interval time.Duration) *river.PeriodicJob {
	return river.NewPeriodicJob(
		river.PeriodicInterval(interval),
		func() (river.JobArgs, *river.InsertOpts) { return SweepArgs{}, nil },
		&river.PeriodicJobOpts{RunOnStart: true},
	)
}
