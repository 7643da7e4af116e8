// Package fanout reads an upstream SSE body line-by-line and drives
// every registered Sink from it: the raw bytes (so the client sees the
// stream verbatim and in real time), and the parsed (event type,
// payload) pairs (so the progress extractor and the response assembler
// see the same events without either one referencing the other). Run
// assumes nothing about the payload shape and drives an arbitrary
// number of sinks, each isolated from the others' panics or errors.
package fanout

import (
	"bufio"
	"bytes"
	"fmt"
	"io"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
)

// Sink receives one upstream SSE stream's raw bytes and parsed events.
// Run calls every method on every sink independently — a panic or error
// from one sink is recovered, logged, and never prevents the others from
// running, and never aborts the fan-out itself.
type Sink interface {
	// OnRaw receives one raw line exactly as read from the upstream body,
	// including its trailing newline.
	OnRaw(line []byte) error

	// OnEvent receives one decoded SSE data: payload. eventType is the
	// preceding "event: <name>" line for an Anthropic-style stream, or
	// the literal "chunk" for an OpenAI-style stream that has no named
	// events.
	OnEvent(eventType string, raw json.RawMessage) error

	// OnDone is called once, after the upstream body is exhausted or a
	// [DONE] sentinel is observed.
	OnDone() error
}

// Run iterates body line-by-line: every line is delivered to every
// sink's OnRaw; SSE "data:" lines (other than the [DONE] sentinel) are
// additionally JSON-decoded and delivered to every sink's OnEvent; a
// [DONE] line terminates the loop; OnDone is then called on every
// sink. Each of these calls is independently panic-and-error isolated.
//
// Run returns the first OnRaw/OnEvent/OnDone error only for logging
// purposes at the caller — one sink's failure never aborts the others,
// so Run itself never stops early because of a sink error.
func Run(log zerolog.Logger, body io.Reader, sinks []Sink) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var pendingEventType string
	var firstErr error
	recordErr := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	for scanner.Scan() {
		line := scanner.Bytes()
		// Reconstruct the trailing newline the scanner stripped, so
		// OnRaw sees exactly the bytes that arrived off the wire.
		rawLine := append(append([]byte(nil), line...), '\n')

		for _, s := range sinks {
			deliverRaw(log, s, rawLine, &firstErr)
		}

		switch {
		case bytes.HasPrefix(line, []byte("event: ")):
			pendingEventType = string(bytes.TrimPrefix(line, []byte("event: ")))
			continue

		case bytes.HasPrefix(line, []byte("data: ")):
			payload := bytes.TrimPrefix(line, []byte("data: "))
			if bytes.Equal(payload, []byte("[DONE]")) {
				goto done
			}

			eventType := pendingEventType
			if eventType == "" {
				eventType = "chunk"
			}
			pendingEventType = ""

			var raw json.RawMessage
			if err := json.Unmarshal(payload, &raw); err != nil {
				log.Warn().Err(err).Msg("fanout: malformed SSE data payload, skipping")
				continue
			}
			for _, s := range sinks {
				deliverEvent(log, s, eventType, raw, &firstErr)
			}

		default:
			// Blank separator lines and anything else are forwarded
			// via OnRaw above but carry no event to parse.
		}
	}
	if err := scanner.Err(); err != nil {
		recordErr(fmt.Errorf("fanout: reading upstream body: %w", err))
	}

done:
	for _, s := range sinks {
		deliverDone(log, s, &firstErr)
	}
	return firstErr
}

func deliverRaw(log zerolog.Logger, s Sink, line []byte, firstErr *error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("fanout: sink OnRaw panicked")
		}
	}()
	if err := s.OnRaw(line); err != nil {
		log.Warn().Err(err).Msg("fanout: sink OnRaw failed")
		if *firstErr == nil {
			*firstErr = err
		}
	}
}

func deliverEvent(log zerolog.Logger, s Sink, eventType string, raw json.RawMessage, firstErr *error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("event_type", eventType).Msg("fanout: sink OnEvent panicked")
		}
	}()
	if err := s.OnEvent(eventType, raw); err != nil {
		log.Warn().Err(err).Str("event_type", eventType).Msg("fanout: sink OnEvent failed")
		if *firstErr == nil {
			*firstErr = err
		}
	}
}

func deliverDone(log zerolog.Logger, s Sink, firstErr *error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("fanout: sink OnDone panicked")
		}
	}()
	if err := s.OnDone(); err != nil {
		log.Warn().Err(err).Msg("fanout: sink OnDone failed")
		if *firstErr == nil {
			*firstErr = err
		}
	}
}
