package assembler

import (
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nolanhoward/ccrelay/internal/registry"
)

func raw(t *testing.T, v map[string]any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

// TestAnthropicAssembler_SimpleTextTurn covers the plain text turn: a
// message_start, one text block fed by two deltas, and a message_delta
// carrying the stop reason and output token count.
func TestAnthropicAssembler_SimpleTextTurn(t *testing.T) {
	a := New(registry.FamilyAnthropic)

	a.OnEvent("message_start", raw(t, map[string]any{
		"message": map[string]any{
			"id": "msg_1", "model": "claude-3-opus", "role": "assistant",
			"usage": map[string]any{"input_tokens": 10},
		},
	}))
	a.OnEvent("content_block_start", raw(t, map[string]any{
		"index": 0, "content_block": map[string]any{"type": "text"},
	}))
	a.OnEvent("content_block_delta", raw(t, map[string]any{
		"index": 0, "delta": map[string]any{"type": "text_delta", "text": "Hello"},
	}))
	a.OnEvent("content_block_delta", raw(t, map[string]any{
		"index": 0, "delta": map[string]any{"type": "text_delta", "text": " world"},
	}))
	a.OnEvent("content_block_stop", raw(t, map[string]any{"index": 0}))
	a.OnEvent("message_delta", raw(t, map[string]any{
		"delta": map[string]any{"stop_reason": "end_turn"},
		"usage": map[string]any{"output_tokens": 5},
	}))
	a.OnEvent("message_stop", nil)
	a.OnDone()

	result, ok := a.Result()
	require.True(t, ok)

	assert.Equal(t, "msg_1", result["id"])
	assert.Equal(t, "assistant", result["role"])
	assert.Equal(t, "end_turn", result["stop_reason"])

	content := result["content"].([]any)
	require.Len(t, content, 1)
	block := content[0].(map[string]any)
	assert.Equal(t, "text", block["type"])
	assert.Equal(t, "Hello world", block["text"])

	usage := result["usage"].(map[string]any)
	assert.Equal(t, 10, usage["input_tokens"])
	assert.Equal(t, 5, usage["output_tokens"])
}

// TestAnthropicAssembler_FragmentedToolUseJSON grounds S2.
func TestAnthropicAssembler_FragmentedToolUseJSON(t *testing.T) {
	a := New(registry.FamilyAnthropic)

	a.OnEvent("message_start", raw(t, map[string]any{
		"message": map[string]any{"id": "msg_2", "role": "assistant"},
	}))
	a.OnEvent("content_block_start", raw(t, map[string]any{
		"index": 0,
		"content_block": map[string]any{
			"type": "tool_use", "id": "toolu_1", "name": "read_file",
		},
	}))
	for _, frag := range []string{`{"p`, `ath":"a.p`, `y"}`} {
		a.OnEvent("content_block_delta", raw(t, map[string]any{
			"index": 0, "delta": map[string]any{"type": "input_json_delta", "partial_json": frag},
		}))
	}
	a.OnEvent("content_block_stop", raw(t, map[string]any{"index": 0}))
	a.OnDone()

	result, ok := a.Result()
	require.True(t, ok)

	content := result["content"].([]any)
	require.Len(t, content, 1)
	block := content[0].(map[string]any)
	assert.Equal(t, "tool_use", block["type"])
	assert.Equal(t, "toolu_1", block["id"])
	assert.Equal(t, "read_file", block["name"])
	assert.Equal(t, map[string]any{"path": "a.py"}, block["input"])
}

func TestAnthropicAssembler_MalformedToolJSONDefaultsToEmptyInput(t *testing.T) {
	a := New(registry.FamilyAnthropic)
	a.OnEvent("message_start", raw(t, map[string]any{"message": map[string]any{"id": "msg_3"}}))
	a.OnEvent("content_block_start", raw(t, map[string]any{
		"index": 0, "content_block": map[string]any{"type": "tool_use", "id": "t1", "name": "f"},
	}))
	a.OnEvent("content_block_delta", raw(t, map[string]any{
		"index": 0, "delta": map[string]any{"type": "input_json_delta", "partial_json": "{not json"},
	}))
	a.OnEvent("content_block_stop", raw(t, map[string]any{"index": 0}))
	a.OnDone()

	result, ok := a.Result()
	require.True(t, ok)
	block := result["content"].([]any)[0].(map[string]any)
	assert.Equal(t, map[string]any{}, block["input"])
}

func TestAnthropicAssembler_NoMessageStartYieldsEmptyAssistantMessage(t *testing.T) {
	a := New(registry.FamilyAnthropic)
	a.OnDone()

	result, ok := a.Result()
	require.True(t, ok)
	assert.Equal(t, "assistant", result["role"])
	assert.Equal(t, []any{}, result["content"])
}
