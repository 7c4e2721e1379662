package events

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tidmarket/market-engine/internal/model"
)

type published struct {
	subject string
	data    []byte
}

type fakeJetStream struct {
	mu   sync.Mutex
	msgs []published
	done chan struct{}
}

func (f *fakeJetStream) Publish(_ context.Context, subject string, data []byte, _ ...jetstream.PublishOpt) (*jetstream.PubAck, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, published{subject, data})
	if f.done != nil {
		close(f.done)
		f.done = nil
	}
	return &jetstream.PubAck{Stream: StreamName}, nil
}

func TestSubject(t *testing.T) {
	tests := []struct {
		ev   model.Event
		want string
	}{
		{model.Event{Type: model.EventBuy, Tid: "alice"}, "tidmarket.events.buy.alice"},
		{model.Event{Type: model.EventClaim, Tid: "github.alice"}, "tidmarket.events.claim.github~alice"},
		{model.Event{Type: model.EventDeposit}, "tidmarket.events.deposit"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Subject(tt.ev))
	}
}

func TestNATSPublisher_RunPublishesQueuedEvents(t *testing.T) {
	js := &fakeJetStream{done: make(chan struct{})}
	p := NewNATSPublisher(js, 4)
	done := js.done

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	p.Publish(ctx, model.Event{ID: "ev-1", Type: model.EventSell, Tid: "bob"})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("event was not published")
	}

	js.mu.Lock()
	defer js.mu.Unlock()
	require.Len(t, js.msgs, 1)
	assert.Equal(t, "tidmarket.events.sell.bob", js.msgs[0].subject)

	var ev model.Event
	require.NoError(t, json.Unmarshal(js.msgs[0].data, &ev))
	assert.Equal(t, "ev-1", ev.ID)
}

func TestNATSPublisher_DropsWhenFull(t *testing.T) {
	p := NewNATSPublisher(&fakeJetStream{}, 1)
	p.Publish(context.Background(),
		model.Event{ID: "a"},
		model.Event{ID: "b"},
	)
	assert.Len(t, p.queue, 1)
}

func TestMulti(t *testing.T) {
	var got []string
	rec := SinkFunc(func(_ context.Context, evs ...model.Event) {
		for _, ev := range evs {
			got = append(got, ev.ID)
		}
	})
	Multi{rec, nil, rec, Discard}.Publish(context.Background(), model.Event{ID: "x"})
	assert.Equal(t, []string{"x", "x"}, got)
}
