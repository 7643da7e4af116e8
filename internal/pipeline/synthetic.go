package pipeline

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

// SyntheticStream renders the intercept response as a byte-for-byte
// Anthropic SSE stream: message_start → content_block_start(text) →
// content_block_delta(text_delta) → content_block_stop →
// message_delta(end_turn) → message_stop → [DONE]. The handler feeds
// the result through the same fanout.Run used for a real upstream
// body, so the resulting ResponseProgress/ResponseComplete events are
// indistinguishable from a genuine streamed response.
func SyntheticStream(text, model string) []byte {
	id := "msg_" + strings.ReplaceAll(uuid.NewString(), "-", "")

	var buf bytes.Buffer
	writeEvent := func(name string, payload any) {
		raw, err := json.Marshal(payload)
		if err != nil {
			// Only ever constructed from known-good Go values below;
			// a marshal failure here is a programming error.
			panic(fmt.Sprintf("pipeline: marshaling synthetic %s event: %v", name, err))
		}
		fmt.Fprintf(&buf, "event: %s\ndata: %s\n\n", name, raw)
	}

	writeEvent("message_start", map[string]any{
		"type": "message_start",
		"message": map[string]any{
			"id":    id,
			"type":  "message",
			"role":  "assistant",
			"model": model,
			"usage": map[string]any{"input_tokens": 0},
		},
	})
	writeEvent("content_block_start", map[string]any{
		"type":          "content_block_start",
		"index":         0,
		"content_block": map[string]any{"type": "text", "text": ""},
	})
	writeEvent("content_block_delta", map[string]any{
		"type":  "content_block_delta",
		"index": 0,
		"delta": map[string]any{"type": "text_delta", "text": text},
	})
	writeEvent("content_block_stop", map[string]any{"type": "content_block_stop", "index": 0})
	writeEvent("message_delta", map[string]any{
		"type":  "message_delta",
		"delta": map[string]any{"stop_reason": "end_turn", "stop_sequence": nil},
		"usage": map[string]any{"output_tokens": 0},
	})
	writeEvent("message_stop", map[string]any{"type": "message_stop"})
	buf.WriteString("data: [DONE]\n\n")

	return buf.Bytes()
}
