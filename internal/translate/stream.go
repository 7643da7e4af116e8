package translate

import "github.com/goccy/go-json"

// ToolCallState tracks one OpenAI tool_calls[i] fragment's projection
// into Anthropic's indexed content-block model.
type ToolCallState struct {
	ID                  string
	Name                string
	AnthropicBlockIndex int
}

// AnthropicStreamState is the per-stream state StreamChunkToAnthropic
// threads across every OpenAI chunk of one Copilot response. It is
// owned exclusively by the plugin handler for the duration of one
// streaming response.
type AnthropicStreamState struct {
	MessageStartSent  bool
	ContentBlockIndex int
	ContentBlockOpen  bool
	OpenBlockType     string // "text" | "tool_use"
	ToolCalls         map[int]*ToolCallState
}

// NewAnthropicStreamState returns a fresh, zeroed stream-translation
// state for one response.
func NewAnthropicStreamState() *AnthropicStreamState {
	return &AnthropicStreamState{ToolCalls: make(map[int]*ToolCallState)}
}

// AnthropicEvent is one (event_type, payload) pair the stream translator
// emits; the caller frames and writes each one as an SSE event in order.
type AnthropicEvent struct {
	Name    string
	Payload map[string]any
}

type openAIChunk struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Delta struct {
			Content   string `json:"content"`
			ToolCalls []struct {
				Index    int `json:"index"`
				ID       string `json:"id"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens        int `json:"prompt_tokens"`
		CompletionTokens    int `json:"completion_tokens"`
		PromptTokensDetails struct {
			CachedTokens int `json:"cached_tokens"`
		} `json:"prompt_tokens_details"`
	} `json:"usage"`
}

// StreamChunkToAnthropic translates one OpenAI-shaped chunk into zero
// or more Anthropic SSE events, threading state across calls so
// interleaved tool-call fragments project onto Anthropic's indexed
// content-block model.
func StreamChunkToAnthropic(chunk map[string]any, state *AnthropicStreamState) []AnthropicEvent {
	var c openAIChunk
	if err := remarshal(chunk, &c); err != nil {
		return nil
	}

	var out []AnthropicEvent

	if !state.MessageStartSent {
		state.MessageStartSent = true
		usage := map[string]any{"input_tokens": 0}
		if c.Usage != nil {
			input := c.Usage.PromptTokens - c.Usage.PromptTokensDetails.CachedTokens
			if input < 0 {
				input = 0
			}
			usage["input_tokens"] = input
			if c.Usage.PromptTokensDetails.CachedTokens > 0 {
				usage["cache_read_input_tokens"] = c.Usage.PromptTokensDetails.CachedTokens
			}
		}
		out = append(out, AnthropicEvent{Name: "message_start", Payload: map[string]any{
			"type": "message_start",
			"message": map[string]any{
				"id":            c.ID,
				"type":          "message",
				"role":          "assistant",
				"content":       []any{},
				"model":         c.Model,
				"stop_reason":   nil,
				"stop_sequence": nil,
				"usage":         usage,
			},
		}})
	}

	if len(c.Choices) == 0 {
		return out
	}
	choice := c.Choices[0]

	if choice.Delta.Content != "" {
		if state.ContentBlockOpen && state.OpenBlockType == "tool_use" {
			out = append(out, closeBlock(state))
		}
		if !state.ContentBlockOpen || state.OpenBlockType != "text" {
			out = append(out, AnthropicEvent{Name: "content_block_start", Payload: map[string]any{
				"type":          "content_block_start",
				"index":         state.ContentBlockIndex,
				"content_block": map[string]any{"type": "text", "text": ""},
			}})
			state.ContentBlockOpen = true
			state.OpenBlockType = "text"
		}
		out = append(out, AnthropicEvent{Name: "content_block_delta", Payload: map[string]any{
			"type":  "content_block_delta",
			"index": state.ContentBlockIndex,
			"delta": map[string]any{"type": "text_delta", "text": choice.Delta.Content},
		}})
	}

	for _, tc := range choice.Delta.ToolCalls {
		if tc.ID != "" {
			if state.ContentBlockOpen {
				out = append(out, closeBlock(state))
			}
			ts := &ToolCallState{ID: tc.ID, Name: tc.Function.Name, AnthropicBlockIndex: state.ContentBlockIndex}
			state.ToolCalls[tc.Index] = ts
			out = append(out, AnthropicEvent{Name: "content_block_start", Payload: map[string]any{
				"type":  "content_block_start",
				"index": ts.AnthropicBlockIndex,
				"content_block": map[string]any{
					"type":  "tool_use",
					"id":    ts.ID,
					"name":  ts.Name,
					"input": map[string]any{},
				},
			}})
			state.ContentBlockOpen = true
			state.OpenBlockType = "tool_use"
			if tc.Function.Arguments != "" {
				out = append(out, AnthropicEvent{Name: "content_block_delta", Payload: map[string]any{
					"type":  "content_block_delta",
					"index": ts.AnthropicBlockIndex,
					"delta": map[string]any{"type": "input_json_delta", "partial_json": tc.Function.Arguments},
				}})
			}
			continue
		}
		if ts, ok := state.ToolCalls[tc.Index]; ok && tc.Function.Arguments != "" {
			out = append(out, AnthropicEvent{Name: "content_block_delta", Payload: map[string]any{
				"type":  "content_block_delta",
				"index": ts.AnthropicBlockIndex,
				"delta": map[string]any{"type": "input_json_delta", "partial_json": tc.Function.Arguments},
			}})
		}
	}

	if choice.FinishReason != "" {
		if state.ContentBlockOpen {
			out = append(out, closeBlock(state))
		}
		usage := map[string]any{"output_tokens": 0}
		if c.Usage != nil {
			input := c.Usage.PromptTokens - c.Usage.PromptTokensDetails.CachedTokens
			if input < 0 {
				input = 0
			}
			usage["input_tokens"] = input
			usage["output_tokens"] = c.Usage.CompletionTokens
			if c.Usage.PromptTokensDetails.CachedTokens > 0 {
				usage["cache_read_input_tokens"] = c.Usage.PromptTokensDetails.CachedTokens
			}
		}
		out = append(out, AnthropicEvent{Name: "message_delta", Payload: map[string]any{
			"type": "message_delta",
			"delta": map[string]any{
				"stop_reason":   mapStopReason(choice.FinishReason),
				"stop_sequence": nil,
			},
			"usage": usage,
		}})
		out = append(out, AnthropicEvent{Name: "message_stop", Payload: map[string]any{"type": "message_stop"}})
	}

	return out
}

// closeBlock emits the content_block_stop for the open block and
// advances the index so the next block never reuses it — the assembler
// keys blocks by index, and a reused index would overwrite the earlier
// block.
func closeBlock(state *AnthropicStreamState) AnthropicEvent {
	ev := AnthropicEvent{Name: "content_block_stop", Payload: map[string]any{"type": "content_block_stop", "index": state.ContentBlockIndex}}
	state.ContentBlockIndex++
	state.ContentBlockOpen = false
	state.OpenBlockType = ""
	return ev
}

// remarshal round-trips v through JSON into dst — the cheapest way to
// project a loosely-typed map[string]any chunk onto the strict
// openAIChunk shape without hand-writing a field-by-field copy.
func remarshal(v any, dst any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, dst)
}
