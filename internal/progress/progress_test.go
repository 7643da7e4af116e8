package progress

import (
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func enc(t *testing.T, v map[string]any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func TestExtractAnthropic(t *testing.T) {
	p, ok := ExtractAnthropic("message_start", enc(t, map[string]any{
		"message": map[string]any{"model": "claude-3-opus"},
	}))
	require.True(t, ok)
	assert.Equal(t, "claude-3-opus", p.Model)

	p, ok = ExtractAnthropic("content_block_delta", enc(t, map[string]any{
		"delta": map[string]any{"type": "text_delta", "text": "hi"},
	}))
	require.True(t, ok)
	assert.Equal(t, "hi", p.DeltaText)

	p, ok = ExtractAnthropic("content_block_start", enc(t, map[string]any{
		"content_block": map[string]any{"type": "tool_use", "id": "t1", "name": "f"},
	}))
	require.True(t, ok)
	require.NotNil(t, p.ToolUse)
	assert.Equal(t, "t1", p.ToolUse.ID)

	_, ok = ExtractAnthropic("content_block_start", enc(t, map[string]any{
		"content_block": map[string]any{"type": "text"},
	}))
	assert.False(t, ok, "non-tool_use content_block_start should suppress")

	_, ok = ExtractAnthropic("ping", enc(t, map[string]any{}))
	assert.False(t, ok)
}

func TestExtractOpenAI(t *testing.T) {
	p, ok := ExtractOpenAI("chunk", enc(t, map[string]any{"model": "gpt-4o"}))
	require.True(t, ok)
	assert.Equal(t, "gpt-4o", p.Model)

	p, ok = ExtractOpenAI("chunk", enc(t, map[string]any{
		"choices": []any{map[string]any{"delta": map[string]any{"content": "hi"}}},
	}))
	require.True(t, ok)
	assert.Equal(t, "hi", p.DeltaText)

	p, ok = ExtractOpenAI("chunk", enc(t, map[string]any{
		"choices": []any{map[string]any{"finish_reason": "stop"}},
	}))
	require.True(t, ok)
	assert.Equal(t, "stop", p.StopReason)

	_, ok = ExtractOpenAI("chunk", enc(t, map[string]any{"choices": []any{map[string]any{}}}))
	assert.False(t, ok)
}
