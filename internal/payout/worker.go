package payout

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/riverqueue/river"
)

// TransferWorker hands queued transfers to the custody gateway. The transfer
// id is sent as the idempotency key so retries never pay twice.
type TransferWorker struct {
	river.WorkerDefaults[TransferArgs]
	webhookURL string
	httpClient *http.Client
	log        *slog.Logger
}

func NewTransferWorker(webhookURL string, log *slog.Logger) *TransferWorker {
	if log == nil {
		log = slog.Default()
	}
	return &TransferWorker{
		webhookURL: webhookURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		log:        log,
	}
}

func (w *TransferWorker) Work(ctx context.Context, job *river.Job[TransferArgs]) error {
	args := job.Args
	if w.webhookURL == "" {
		w.log.Warn("no custody webhook configured, transfer logged only", "transfer_id", args.TransferID.String(), "recipient", args.Recipient.String(), "amount", args.Amount)
		return nil
	}

	body, err := json.Marshal(args)
	if err != nil {
		return river.JobCancel(fmt.Errorf("encode transfer: %w", err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.webhookURL, bytes.NewReader(body))
	if err != nil {
		return river.JobCancel(fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", args.TransferID.String())

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("network error calling custody webhook: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		w.log.Info("transfer delivered", "transfer_id", args.TransferID.String(), "recipient", args.Recipient.String(), "amount", args.Amount)
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests:
		w.log.Error("custody rejected transfer", "transfer_id", args.TransferID.String(), "status", resp.StatusCode)
		return river.JobCancel(fmt.Errorf("custody returned status %d", resp.StatusCode))
	default:
		return fmt.Errorf("custody returned status %d", resp.StatusCode)
	}
}
