package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/tidmarket/market-engine/internal/model"
)

// StreamName is the JetStream stream that retains outbound ledger events.
const StreamName = "TIDMARKET_EVENTS"

// subjectPrefix roots every outbound subject:
// tidmarket.events.{event_type}.{tid}
const subjectPrefix = "tidmarket.events"

// publisher is the subset of jetstream.JetStream used for publishing.
type publisher interface {
	Publish(ctx context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// NATSPublisher publishes committed events to NATS JetStream. Publish only
// enqueues; Run drains the queue until its context is cancelled.
type NATSPublisher struct {
	js    publisher
	queue chan model.Event
}

// NewNATSPublisher creates a publisher with a bounded queue.
func NewNATSPublisher(js publisher, buffer int) *NATSPublisher {
	if buffer <= 0 {
		buffer = 1024
	}
	return &NATSPublisher{js: js, queue: make(chan model.Event, buffer)}
}

// Publish implements Sink. Events are dropped with a warning when the queue
// is full; consumers can backfill from the event log.
func (p *NATSPublisher) Publish(_ context.Context, evs ...model.Event) {
	for _, ev := range evs {
		select {
		case p.queue <- ev:
		default:
			slog.Warn("nats outbound queue full, dropping event", "id", ev.ID, "type", ev.Type)
		}
	}
}

// Run publishes queued events until ctx is done.
func (p *NATSPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-p.queue:
			if err := p.publish(ctx, ev); err != nil {
				// Non-fatal: the event is already persisted.
				slog.Warn("nats outbound publish failed", "id", ev.ID, "type", ev.Type, "error", err)
			}
		}
	}
}

func (p *NATSPublisher) publish(ctx context.Context, ev model.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	_, err = p.js.Publish(ctx, Subject(ev), data, jetstream.WithMsgID(ev.ID))
	return err
}

// Subject returns the outbound subject for an event. Dots in a tid would
// split the subject into extra tokens, so they are escaped as '~'.
func Subject(ev model.Event) string {
	subject := fmt.Sprintf("%s.%s", subjectPrefix, ev.Type)
	if ev.Tid != "" {
		subject = fmt.Sprintf("%s.%s", subject, strings.ReplaceAll(ev.Tid, ".", "~"))
	}
	return subject
}

// EnsureStream creates the outbound events stream if it does not exist.
func EnsureStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      StreamName,
		Subjects:  []string{subjectPrefix + ".>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create stream %s: %w", StreamName, err)
	}
	slog.Info("ensured nats stream", "stream", StreamName)
	return nil
}

// Connect establishes a NATS connection and returns a JetStream context.
func Connect(url string) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.Name("tidmarket-engine"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			slog.Warn("nats disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			slog.Info("nats reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}
	return nc, js, nil
}
