package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"
	"github.com/riverqueue/river"
)

// Publisher is the subset of *nats.Conn used for delivery.
type Publisher interface {
	Publish(subj string, data []byte) error
}

var _ Publisher = (*nats.Conn)(nil)

// Connect dials NATS with unlimited reconnects.
func Connect(url string, log *slog.Logger) (*nats.Conn, error) {
	if log == nil {
		log = slog.Default()
	}
	return nats.Connect(url,
		nats.Name("streamescrow"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
	)
}

type DeliverWorker struct {
	river.WorkerDefaults[DeliverArgs]
	pub Publisher
	log *slog.Logger
}

func NewDeliverWorker(pub Publisher, log *slog.Logger) *DeliverWorker {
	if log == nil {
		log = slog.Default()
	}
	return &DeliverWorker{pub: pub, log: log}
}

func (w *DeliverWorker) Work(ctx context.Context, job *river.Job[DeliverArgs]) error {
	ev := job.Args.Event
	if w.pub == nil {
		w.log.Debug("no event publisher configured", "kind", ev.Kind)
		return nil
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return river.JobCancel(fmt.Errorf("encode event: %w", err))
	}
	if err := w.pub.Publish(Subject(ev.Kind), data); err != nil {
		return fmt.Errorf("publish %s: %w", ev.Kind, err)
	}
	return nil
}
