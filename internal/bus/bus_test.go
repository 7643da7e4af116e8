package bus

import (
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/nolanhoward/ccrelay/internal/events"
)

type recordingSubscriber struct {
	mu   sync.Mutex
	seen []events.Event
}

func (r *recordingSubscriber) OnEvent(ev events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, ev)
}

func (r *recordingSubscriber) Seen() []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]events.Event, len(r.seen))
	copy(out, r.seen)
	return out
}

func TestRouterFansOutInOrderToAllSubscribers(t *testing.T) {
	router := New(zerolog.Nop(), 8)
	a := &recordingSubscriber{}
	b := &recordingSubscriber{}
	router.Subscribe(a)
	router.Subscribe(b)
	router.Start()

	for i := uint32(0); i < 5; i++ {
		router.Publish(events.ResponseDone{Envelope: events.Envelope{RequestID: "r1", Seq: i}})
	}
	router.Stop()

	for _, sub := range []*recordingSubscriber{a, b} {
		seen := sub.Seen()
		if len(seen) != 5 {
			t.Fatalf("got %d events, want 5", len(seen))
		}
		for i, ev := range seen {
			if ev.Env().Seq != uint32(i) {
				t.Errorf("event %d has seq %d, want %d (out of order)", i, ev.Env().Seq, i)
			}
		}
	}
}

type panickingSubscriber struct{}

func (panickingSubscriber) OnEvent(events.Event) { panic("boom") }

func TestPanickingSubscriberDoesNotStopOthers(t *testing.T) {
	router := New(zerolog.Nop(), 4)
	good := &recordingSubscriber{}
	router.Subscribe(panickingSubscriber{})
	router.Subscribe(good)
	router.Start()

	router.Publish(events.ResponseDone{Envelope: events.Envelope{RequestID: "r1"}})
	router.Stop()

	if len(good.Seen()) != 1 {
		t.Fatalf("good subscriber got %d events, want 1", len(good.Seen()))
	}
}
