// Package eventbus fans job lifecycle events out to NATS so other services
// (billing, audit-trail, downstream card consumers) can observe job
// progress without polling the event store directly. Optional: unless
// ANALYZECORE_NATS_ENABLED is set, no Bus is connected or attached and
// nothing is published. Grounded on libs/go/core/natsctx's traceparent-propagating Publish
// helper, adapted from the teacher's workflow-event fan-out to per-job
// analysis events.
package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	nats "github.com/nats-io/nats.go"

	"github.com/elonfeng/dinq-analyze-sub001/internal/config"
	"github.com/elonfeng/dinq-analyze-sub001/internal/eventstore"
	"github.com/elonfeng/dinq-analyze-sub001/internal/model"
	"github.com/elonfeng/dinq-analyze-sub001/libs/go/core/natsctx"
)

// Enabled reports whether the event bus should connect to NATS
// (ANALYZECORE_NATS_ENABLED, default false — the bus is an optional
// integration point, not a required component).
func Enabled() bool {
	return config.Bool("ANALYZECORE_NATS_ENABLED", false)
}

// Bus publishes job events to NATS, one subject per event_type.
type Bus struct {
	nc      *nats.Conn
	subject func(ev model.Event) string
	log     *slog.Logger
}

// DefaultSubject maps an event to "analyzecore.events.<event_type>",
// e.g. "analyzecore.events.card.completed", "analyzecore.events.job.completed".
func DefaultSubject(ev model.Event) string {
	return "analyzecore.events." + ev.EventType
}

// Connect dials nc and returns a Bus. url is typically
// config.String("ANALYZECORE_NATS_URL", nats.DefaultURL).
func Connect(url string) (*Bus, error) {
	nc, err := nats.Connect(url, nats.Name("analyzecore"), nats.MaxReconnects(-1))
	if err != nil {
		return nil, fmt.Errorf("eventbus: connect nats: %w", err)
	}
	return &Bus{nc: nc, subject: DefaultSubject, log: slog.Default().With("component", "eventbus")}, nil
}

// Attach registers the bus as a global listener on events, publishing every
// appended event best-effort: a publish failure is logged and swallowed,
// never propagated back into the job's own event append path.
func (b *Bus) Attach(events *eventstore.Store) {
	events.AddListener(func(ev model.Event) {
		b.publish(ev)
	})
}

func (b *Bus) publish(ev model.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		b.log.Warn("eventbus: marshal event failed", "job_id", ev.JobID, "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := natsctx.Publish(ctx, b.nc, b.subject(ev), data); err != nil {
		b.log.Warn("eventbus: publish failed", "job_id", ev.JobID, "event_type", ev.EventType, "error", err)
	}
}

// Close closes the underlying NATS connection without draining it.
func (b *Bus) Close() {
	if b.nc != nil {
		b.nc.Close()
	}
}
