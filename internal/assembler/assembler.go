// Package assembler rebuilds one complete response message from a
// stream of provider-native SSE events. It is one of the three sinks
// the stream fan-out (internal/fanout) drives from a single upstream
// body; the other two are the raw client-forwarding write and the
// progress-extractor event queue (internal/progress).
//
// There is one state-machine variant per protocol family: Anthropic's
// indexed content-block model, and OpenAI's flat delta/tool_calls[i]
// model. Both are selected through a small family→constructor map
// built once in New.
package assembler

import (
	"github.com/goccy/go-json"

	"github.com/nolanhoward/ccrelay/internal/registry"
)

// Assembler consumes one provider's SSE event stream and exposes the
// fully reassembled response once the stream ends.
type Assembler interface {
	// OnEvent feeds one parsed SSE event. eventType is the Anthropic
	// `event:` name, or for OpenAI streams the literal string
	// "chunk" (OpenAI has no named SSE events — every data: line
	// carries the same envelope shape).
	OnEvent(eventType string, raw json.RawMessage)

	// OnDone finalizes the assembly; after it returns, Result is safe
	// to call.
	OnDone()

	// Result returns the assembled message. The Anthropic variant
	// always has one (an empty assistant message when no
	// message_start was ever observed); the OpenAI variant returns
	// false when no chunk arrived at all.
	Result() (map[string]any, bool)
}

type constructor func() Assembler

var constructors = map[registry.Family]constructor{
	registry.FamilyAnthropic: func() Assembler { return newAnthropicAssembler() },
	registry.FamilyOpenAI:    func() Assembler { return newOpenAIAssembler() },
}

// New returns a fresh Assembler for the given protocol family.
func New(family registry.Family) Assembler {
	ctor, ok := constructors[family]
	if !ok {
		// Unknown families are a configuration bug (registry.New
		// only ever hands out FamilyAnthropic/FamilyOpenAI), not a
		// request-time condition, so default to the conservative
		// Anthropic family rather than returning a nil interface
		// that would panic on first use.
		return newAnthropicAssembler()
	}
	return ctor()
}
