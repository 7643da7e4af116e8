package assembler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nolanhoward/ccrelay/internal/registry"
)

// TestOpenAIAssembler_TextThenToolCall grounds S3's upstream chunk shape
// (without the Anthropic-translated output side, which belongs to
// internal/translate — this test checks the family-native assembly).
func TestOpenAIAssembler_TextThenToolCall(t *testing.T) {
	a := New(registry.FamilyOpenAI)

	a.OnEvent("chunk", raw(t, map[string]any{
		"id": "c1", "model": "x",
		"choices": []any{map[string]any{"delta": map[string]any{"content": "Hi"}}},
	}))
	a.OnEvent("chunk", raw(t, map[string]any{
		"choices": []any{map[string]any{
			"delta": map[string]any{"tool_calls": []any{
				map[string]any{"index": 0, "id": "t1", "function": map[string]any{"name": "f"}},
			}},
		}},
	}))
	a.OnEvent("chunk", raw(t, map[string]any{
		"choices": []any{map[string]any{
			"delta": map[string]any{"tool_calls": []any{
				map[string]any{"index": 0, "function": map[string]any{"arguments": "{}"}},
			}},
		}},
	}))
	a.OnEvent("chunk", raw(t, map[string]any{
		"choices": []any{map[string]any{"finish_reason": "tool_calls"}},
		"usage": map[string]any{
			"prompt_tokens": 20, "completion_tokens": 4,
			"prompt_tokens_details": map[string]any{"cached_tokens": 5},
		},
	}))
	a.OnDone()

	result, ok := a.Result()
	require.True(t, ok)
	assert.Equal(t, "c1", result["id"])
	assert.Equal(t, "tool_use", result["stop_reason"])

	choice := result["choices"].([]any)[0].(map[string]any)
	message := choice["message"].(map[string]any)
	assert.Equal(t, "Hi", message["content"])

	calls := message["tool_calls"].([]any)
	require.Len(t, calls, 1)
	call := calls[0].(map[string]any)
	assert.Equal(t, "t1", call["id"])
	fn := call["function"].(map[string]any)
	assert.Equal(t, "f", fn["name"])
	assert.Equal(t, "{}", fn["arguments"])

	usage := result["usage"].(map[string]any)
	assert.Equal(t, 20, usage["prompt_tokens"])
	assert.Equal(t, 4, usage["completion_tokens"])
}

func TestOpenAIAssembler_NoChunksYieldsNotOk(t *testing.T) {
	a := New(registry.FamilyOpenAI)
	a.OnDone()
	_, ok := a.Result()
	assert.False(t, ok)
}

func TestMapFinishReasonTable(t *testing.T) {
	cases := map[string]string{
		"stop":           "end_turn",
		"length":         "max_tokens",
		"tool_calls":     "tool_use",
		"content_filter": "stop_sequence",
		"unknown_value":  "end_turn",
	}
	for in, want := range cases {
		assert.Equal(t, want, mapFinishReason(in), "finish_reason=%q", in)
	}
}
