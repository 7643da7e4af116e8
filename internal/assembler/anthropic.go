package assembler

import (
	"strings"

	"github.com/goccy/go-json"
)

// anthropicBlock is one open-or-closed content block, addressed by the
// index the upstream assigned it in content_block_start. Text blocks
// accumulate text_delta fragments; tool_use blocks accumulate
// input_json_delta fragments and parse them once, when Result builds the
// message (a buffer that fails to parse yields input={}, never an error).
type anthropicBlock struct {
	index    int
	typ      string // "text" | "tool_use"
	text     strings.Builder
	toolID   string
	toolName string
	jsonBuf  strings.Builder
}

// anthropicAssembler walks IDLE → MESSAGE_STARTED →
// (BLOCK_OPEN ↔ BLOCK_CLOSED)* → MESSAGE_FINALIZED across the named
// Anthropic SSE events.
type anthropicAssembler struct {
	started bool

	id    string
	model string
	role  string

	blocksByIndex map[int]*anthropicBlock
	blockOrder    []int // first-seen index order

	stopReason   string
	stopSequence any

	inputTokens       int
	outputTokens      int
	cacheReadTokens   int
	cacheCreateTokens int
	haveCacheRead     bool
	haveCacheCreate   bool
}

func newAnthropicAssembler() *anthropicAssembler {
	return &anthropicAssembler{blocksByIndex: make(map[int]*anthropicBlock)}
}

func (a *anthropicAssembler) OnEvent(eventType string, raw json.RawMessage) {
	switch eventType {
	case "message_start":
		a.onMessageStart(raw)
	case "content_block_start":
		a.onContentBlockStart(raw)
	case "content_block_delta":
		a.onContentBlockDelta(raw)
	case "content_block_stop":
		a.onContentBlockStop(raw)
	case "message_delta":
		a.onMessageDelta(raw)
	case "message_stop":
		// No-op beyond marking readiness; OnDone does the real work.
	}
}

func (a *anthropicAssembler) onMessageStart(raw json.RawMessage) {
	var payload struct {
		Message struct {
			ID    string `json:"id"`
			Model string `json:"model"`
			Role  string `json:"role"`
			Usage struct {
				InputTokens              int `json:"input_tokens"`
				CacheReadInputTokens     int `json:"cache_read_input_tokens"`
				CacheCreationInputTokens int `json:"cache_creation_input_tokens"`
			} `json:"usage"`
		} `json:"message"`
	}
	if json.Unmarshal(raw, &payload) != nil {
		return
	}
	a.started = true
	a.id = payload.Message.ID
	a.model = payload.Message.Model
	a.role = payload.Message.Role
	a.inputTokens = payload.Message.Usage.InputTokens
	if payload.Message.Usage.CacheReadInputTokens > 0 {
		a.cacheReadTokens = payload.Message.Usage.CacheReadInputTokens
		a.haveCacheRead = true
	}
	if payload.Message.Usage.CacheCreationInputTokens > 0 {
		a.cacheCreateTokens = payload.Message.Usage.CacheCreationInputTokens
		a.haveCacheCreate = true
	}
}

func (a *anthropicAssembler) onContentBlockStart(raw json.RawMessage) {
	var payload struct {
		Index        int `json:"index"`
		ContentBlock struct {
			Type string `json:"type"`
			ID   string `json:"id"`
			Name string `json:"name"`
		} `json:"content_block"`
	}
	if json.Unmarshal(raw, &payload) != nil {
		return
	}
	blk := &anthropicBlock{index: payload.Index, typ: payload.ContentBlock.Type}
	if payload.ContentBlock.Type == "tool_use" {
		blk.toolID = payload.ContentBlock.ID
		blk.toolName = payload.ContentBlock.Name
	}
	a.blocksByIndex[payload.Index] = blk
	a.blockOrder = append(a.blockOrder, payload.Index)
}

func (a *anthropicAssembler) onContentBlockDelta(raw json.RawMessage) {
	var payload struct {
		Index int `json:"index"`
		Delta struct {
			Type        string `json:"type"`
			Text        string `json:"text"`
			PartialJSON string `json:"partial_json"`
		} `json:"delta"`
	}
	if json.Unmarshal(raw, &payload) != nil {
		return
	}
	blk, ok := a.blocksByIndex[payload.Index]
	if !ok {
		return
	}
	switch payload.Delta.Type {
	case "text_delta":
		blk.text.WriteString(payload.Delta.Text)
	case "input_json_delta":
		blk.jsonBuf.WriteString(payload.Delta.PartialJSON)
	}
}

func (a *anthropicAssembler) onContentBlockStop(raw json.RawMessage) {
	// content_block_stop carries only {index}; the finalize work
	// (JSON-parsing the tool_use buffer) happens lazily in Result so
	// a block can still be "stopped" twice without re-parsing cost.
	_ = raw
}

func (a *anthropicAssembler) onMessageDelta(raw json.RawMessage) {
	var payload struct {
		Delta struct {
			StopReason   string `json:"stop_reason"`
			StopSequence any    `json:"stop_sequence"`
		} `json:"delta"`
		Usage struct {
			InputTokens              int `json:"input_tokens"`
			OutputTokens             int `json:"output_tokens"`
			CacheReadInputTokens     int `json:"cache_read_input_tokens"`
			CacheCreationInputTokens int `json:"cache_creation_input_tokens"`
		} `json:"usage"`
	}
	if json.Unmarshal(raw, &payload) != nil {
		return
	}
	if payload.Delta.StopReason != "" {
		a.stopReason = payload.Delta.StopReason
	}
	a.stopSequence = payload.Delta.StopSequence
	if payload.Usage.InputTokens > 0 {
		a.inputTokens = payload.Usage.InputTokens
	}
	a.outputTokens += payload.Usage.OutputTokens
	if payload.Usage.CacheReadInputTokens > 0 {
		a.cacheReadTokens += payload.Usage.CacheReadInputTokens
		a.haveCacheRead = true
	}
	if payload.Usage.CacheCreationInputTokens > 0 {
		a.cacheCreateTokens += payload.Usage.CacheCreationInputTokens
		a.haveCacheCreate = true
	}
}

func (a *anthropicAssembler) OnDone() {}

func (a *anthropicAssembler) Result() (map[string]any, bool) {
	if !a.started {
		return map[string]any{
			"type":    "message",
			"role":    "assistant",
			"content": []any{},
		}, true
	}

	content := make([]any, 0, len(a.blockOrder))
	for _, idx := range a.blockOrder {
		blk := a.blocksByIndex[idx]
		switch blk.typ {
		case "text":
			content = append(content, map[string]any{
				"type": "text",
				"text": blk.text.String(),
			})
		case "tool_use":
			var input map[string]any
			raw := blk.jsonBuf.String()
			if raw == "" {
				input = map[string]any{}
			} else if err := json.Unmarshal([]byte(raw), &input); err != nil {
				input = map[string]any{}
			}
			content = append(content, map[string]any{
				"type":  "tool_use",
				"id":    blk.toolID,
				"name":  blk.toolName,
				"input": input,
			})
		}
	}

	usage := map[string]any{
		"input_tokens":  a.inputTokens,
		"output_tokens": a.outputTokens,
	}
	if a.haveCacheRead {
		usage["cache_read_input_tokens"] = a.cacheReadTokens
	}
	if a.haveCacheCreate {
		usage["cache_creation_input_tokens"] = a.cacheCreateTokens
	}

	return map[string]any{
		"id":            a.id,
		"type":          "message",
		"role":          a.role,
		"model":         a.model,
		"content":       content,
		"stop_reason":   a.stopReason,
		"stop_sequence": a.stopSequence,
		"usage":         usage,
	}, true
}
