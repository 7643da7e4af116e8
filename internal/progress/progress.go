// Package progress maps one provider-native SSE event to a normalized,
// UI-facing events.Progress payload, or reports that the event carries
// nothing worth surfacing. It is the pure-function sibling of
// internal/assembler: the fan-out (internal/fanout) drives both from
// the same parsed SSE event, with no back-reference between them.
package progress

import (
	"github.com/goccy/go-json"

	"github.com/nolanhoward/ccrelay/internal/events"
	"github.com/nolanhoward/ccrelay/internal/registry"
)

// Extractor maps one parsed SSE event to a Progress payload. A false
// second return suppresses the ResponseProgress event entirely for that
// SSE event.
type Extractor func(eventType string, raw json.RawMessage) (events.Progress, bool)

var extractors = map[registry.Family]Extractor{
	registry.FamilyAnthropic: ExtractAnthropic,
	registry.FamilyOpenAI:    ExtractOpenAI,
}

// For returns the Extractor for family, defaulting to the Anthropic
// extractor for an unregistered family (mirrors assembler.New's
// defensive fallback — registry.Registry only ever constructs specs
// with the two known families).
func For(family registry.Family) Extractor {
	if ex, ok := extractors[family]; ok {
		return ex
	}
	return ExtractAnthropic
}

// ExtractAnthropic maps the Anthropic event family:
// content_block_delta(text_delta) → {delta_text}; content_block_start
// (tool_use) → {tool_use:{id,name}}; message_start → {model};
// message_delta → {stop_reason} when present; else suppressed.
func ExtractAnthropic(eventType string, rawEvent json.RawMessage) (events.Progress, bool) {
	switch eventType {
	case "message_start":
		var payload struct {
			Message struct {
				Model string `json:"model"`
			} `json:"message"`
		}
		if json.Unmarshal(rawEvent, &payload) != nil || payload.Message.Model == "" {
			return events.Progress{}, false
		}
		return events.Progress{Model: payload.Message.Model}, true

	case "content_block_start":
		var payload struct {
			ContentBlock struct {
				Type string `json:"type"`
				ID   string `json:"id"`
				Name string `json:"name"`
			} `json:"content_block"`
		}
		if json.Unmarshal(rawEvent, &payload) != nil || payload.ContentBlock.Type != "tool_use" {
			return events.Progress{}, false
		}
		return events.Progress{ToolUse: &events.ToolUseProgress{
			ID:   payload.ContentBlock.ID,
			Name: payload.ContentBlock.Name,
		}}, true

	case "content_block_delta":
		var payload struct {
			Delta struct {
				Type string `json:"type"`
				Text string `json:"text"`
			} `json:"delta"`
		}
		if json.Unmarshal(rawEvent, &payload) != nil || payload.Delta.Type != "text_delta" {
			return events.Progress{}, false
		}
		return events.Progress{DeltaText: payload.Delta.Text}, true

	case "message_delta":
		var payload struct {
			Delta struct {
				StopReason string `json:"stop_reason"`
			} `json:"delta"`
		}
		if json.Unmarshal(rawEvent, &payload) != nil || payload.Delta.StopReason == "" {
			return events.Progress{}, false
		}
		return events.Progress{StopReason: payload.Delta.StopReason}, true

	default:
		return events.Progress{}, false
	}
}

// ExtractOpenAI maps the OpenAI chunk shape: delta.content →
// {delta_text}; finish_reason → {stop_reason}; model → {model} only for
// a chunk that carries neither (such as the opening one); else
// suppressed.
func ExtractOpenAI(eventType string, rawEvent json.RawMessage) (events.Progress, bool) {
	var chunk struct {
		Model   string `json:"model"`
		Choices []struct {
			Delta struct {
				Content string `json:"content"`
			} `json:"delta"`
			FinishReason string `json:"finish_reason"`
		} `json:"choices"`
	}
	if json.Unmarshal(rawEvent, &chunk) != nil {
		return events.Progress{}, false
	}

	if len(chunk.Choices) > 0 {
		choice := chunk.Choices[0]
		if choice.FinishReason != "" {
			return events.Progress{StopReason: choice.FinishReason}, true
		}
		if choice.Delta.Content != "" {
			return events.Progress{DeltaText: choice.Delta.Content}, true
		}
	}

	if chunk.Model != "" {
		return events.Progress{Model: chunk.Model}, true
	}
	return events.Progress{}, false
}
