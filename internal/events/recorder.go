package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/inaiurai/streamescrow/internal/escrow"
	"github.com/inaiurai/streamescrow/internal/models"
)

type committer interface {
	AfterCommit(fn func())
}

// Recorder is the in-process notifier used with the memory store. It keeps
// every committed event and, when given a publisher, forwards it directly.
type Recorder struct {
	pub Publisher
	log *slog.Logger

	mu     sync.Mutex
	events []models.Event
}

var _ escrow.Notifier = (*Recorder)(nil)

func NewRecorder(pub Publisher, log *slog.Logger) *Recorder {
	if log == nil {
		log = slog.Default()
	}
	return &Recorder{pub: pub, log: log}
}

func (r *Recorder) Notify(ctx context.Context, tx escrow.Tx, evs []models.Event) error {
	batch := make([]models.Event, len(evs))
	copy(batch, evs)
	deliver := func() {
		r.mu.Lock()
		r.events = append(r.events, batch...)
		r.mu.Unlock()
		r.publish(batch)
	}
	if c, ok := tx.(committer); ok {
		c.AfterCommit(deliver)
		return nil
	}
	deliver()
	return nil
}

func (r *Recorder) publish(evs []models.Event) {
	if r.pub == nil {
		return
	}
	for _, ev := range evs {
		data, err := json.Marshal(ev)
		if err != nil {
			r.log.Error("encode event", "kind", ev.Kind, "error", err)
			continue
		}
		if err := r.pub.Publish(Subject(ev.Kind), data); err != nil {
			r.log.Error("publish event", "kind", ev.Kind, "error", err)
		}
	}
}

// Events returns a copy of every committed event, oldest first.
func (r *Recorder) Events() []models.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.Event, len(r.events))
	copy(out, r.events)
	return out
}

// Kinds returns the kinds of every committed event, oldest first.
func (r *Recorder) Kinds() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	kinds := make([]string, len(r.events))
	for i, ev := range r.events {
		kinds[i] = ev.Kind
	}
	return kinds
}
