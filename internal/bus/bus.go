// Package bus implements the in-process event router: a single ingress
// queue fanned out to N independent subscriber queues, each drained by
// its own goroutine. Subscribers implement a small interface rather
// than registering ad-hoc callbacks, and the router owns the slice of
// them — there is no hidden global list.
package bus

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/nolanhoward/ccrelay/internal/events"
)

// Subscriber receives events in request-id-ordered sequence. OnEvent
// must not block indefinitely — it runs on the subscriber's own
// goroutine, fed from a queue of 1024 events. A slow subscriber delays
// only itself until that queue is full; from then on the drain loop
// waits for it, which holds back the other subscribers and, once the
// source queue is full as well, Publish.
type Subscriber interface {
	OnEvent(events.Event)
}

// subscription pairs a Subscriber with its own buffered queue (1024
// events; the queue does not grow) and drain goroutine.
type subscription struct {
	sub   Subscriber
	queue chan events.Event
	done  chan struct{}
}

// Router fans events.Event values from a single source queue out to
// every registered subscriber. Construct with New, register subscribers
// with Subscribe before calling Start, and call Stop on shutdown.
type Router struct {
	log    zerolog.Logger
	source chan events.Event
	subs   []*subscription

	startOnce sync.Once
	stopOnce  sync.Once
	drainDone chan struct{}
}

// New builds a Router with the given source queue depth. A depth of 0
// is legal (an unbuffered channel) but will make Publish block until the
// drain goroutine is scheduled; callers that publish from a hot request
// path should size this generously.
func New(log zerolog.Logger, sourceDepth int) *Router {
	return &Router{
		log:       log.With().Str("component", "bus").Logger(),
		source:    make(chan events.Event, sourceDepth),
		drainDone: make(chan struct{}),
	}
}

// Subscribe registers sub to receive every event published after Start
// is called. Subscribe must not be called after Start.
func (r *Router) Subscribe(sub Subscriber) {
	r.subs = append(r.subs, &subscription{
		sub:   sub,
		queue: make(chan events.Event, 1024),
		done:  make(chan struct{}),
	})
}

// Start launches the drain goroutine (pops from source, copies to every
// subscriber queue) and one goroutine per subscriber (drains its own
// queue into sub.OnEvent). Start is idempotent.
func (r *Router) Start() {
	r.startOnce.Do(func() {
		for _, s := range r.subs {
			go r.runSubscriber(s)
		}
		go r.drain()
	})
}

func (r *Router) drain() {
	defer close(r.drainDone)
	for ev := range r.source {
		for _, s := range r.subs {
			select {
			case s.queue <- ev:
			case <-s.done:
				// Subscriber already torn down; drop the event for it.
			}
		}
	}
	for _, s := range r.subs {
		close(s.queue)
	}
}

func (r *Router) runSubscriber(s *subscription) {
	defer close(s.done)
	for ev := range s.queue {
		r.safeDeliver(s.sub, ev)
	}
}

// safeDeliver isolates one subscriber's panic from the router and
// every other subscriber.
func (r *Router) safeDeliver(sub Subscriber, ev events.Event) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error().
				Interface("panic", rec).
				Str("request_id", ev.Env().RequestID).
				Msg("bus subscriber panicked; event dropped, router continues")
		}
	}()
	sub.OnEvent(ev)
}

// Publish enqueues ev on the source queue. It may block if the source
// queue is full; callers on a request-handling goroutine should size
// the source queue (New's sourceDepth) so this is effectively
// non-blocking under expected load.
func (r *Router) Publish(ev events.Event) {
	r.source <- ev
}

// Stop idempotently closes the source queue and waits for the drain
// goroutine and every subscriber goroutine to finish processing
// whatever was already enqueued.
func (r *Router) Stop() {
	r.stopOnce.Do(func() {
		close(r.source)
	})
	<-r.drainDone
	for _, s := range r.subs {
		<-s.done
	}
}
