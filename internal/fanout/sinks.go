package fanout

import (
	"github.com/goccy/go-json"

	"github.com/nolanhoward/ccrelay/internal/assembler"
	"github.com/nolanhoward/ccrelay/internal/bus"
	"github.com/nolanhoward/ccrelay/internal/events"
	"github.com/nolanhoward/ccrelay/internal/progress"
	"github.com/nolanhoward/ccrelay/internal/registry"
)

// ClientSink forwards every raw upstream line straight to the client's
// SSE connection, unmodified — the "forward to the client verbatim" leg
// of the fan-out.
type ClientSink struct {
	Writer interface {
		WriteRaw(line []byte) error
	}
}

func (c ClientSink) OnRaw(line []byte) error { return c.Writer.WriteRaw(line) }

func (c ClientSink) OnEvent(string, json.RawMessage) error { return nil }

func (c ClientSink) OnDone() error { return nil }

// ProgressSink extracts a UI-facing events.Progress payload from each
// upstream SSE event and publishes a ResponseProgress onto the bus.
// Seq is advanced by the caller-supplied NextSeq so that request,
// response, and progress events all share one monotonic counter per
// request.
type ProgressSink struct {
	Router    *bus.Router
	Extract   progress.Extractor
	RequestID string
	Provider  string
	NextSeq   func() uint32
	Now       func() events.Envelope
}

func (p ProgressSink) OnRaw([]byte) error { return nil }

func (p ProgressSink) OnEvent(eventType string, raw json.RawMessage) error {
	prog, ok := p.Extract(eventType, raw)
	if !ok {
		return nil
	}
	env := p.Now()
	env.Seq = p.NextSeq()
	p.Router.Publish(events.ResponseProgress{Envelope: env, Progress: prog})
	return nil
}

func (p ProgressSink) OnDone() error { return nil }

// AssemblerSink feeds every upstream SSE event into a response
// assembler, so the fan-out's three legs share exactly the same event
// stream with no coupling between the progress extractor and the
// assembler themselves.
type AssemblerSink struct {
	Assembler assembler.Assembler
}

func (a AssemblerSink) OnRaw([]byte) error { return nil }

func (a AssemblerSink) OnEvent(eventType string, raw json.RawMessage) error {
	a.Assembler.OnEvent(eventType, raw)
	return nil
}

func (a AssemblerSink) OnDone() error {
	a.Assembler.OnDone()
	return nil
}

// NewStandardSinks builds the three sinks every streaming response
// runs through: client forwarding, progress-to-bus, and response
// assembly.
func NewStandardSinks(
	clientWriter interface {
		WriteRaw(line []byte) error
	},
	router *bus.Router,
	family registry.Family,
	requestID, providerKey string,
	nextSeq func() uint32,
	now func() events.Envelope,
) (sinks []Sink, asm assembler.Assembler) {
	asm = assembler.New(family)
	sinks = []Sink{
		ClientSink{Writer: clientWriter},
		ProgressSink{
			Router:    router,
			Extract:   progress.For(family),
			RequestID: requestID,
			Provider:  providerKey,
			NextSeq:   nextSeq,
			Now:       now,
		},
		AssemblerSink{Assembler: asm},
	}
	return sinks, asm
}
