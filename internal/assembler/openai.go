package assembler

import (
	"strings"

	"github.com/goccy/go-json"
)

// openAIToolCall accumulates one tool_calls[i] fragment across chunks;
// OpenAI streams interleave these by index rather than addressing them
// by a stable id the way Anthropic addresses content blocks.
type openAIToolCall struct {
	id      string
	name    string
	argsBuf strings.Builder
}

// openAIAssembler is the OpenAI-family counterpart of
// anthropicAssembler: the first chunk supplies model/id, subsequent
// chunks' choices[0].delta contribute a concatenated text block and/or
// indexed tool_calls fragments, and finish_reason maps to an Anthropic
// stop_reason through a fixed table even though the assembled body here
// stays OpenAI-shaped (used when the provider spec's protocol family is
// openai and no translation plugin is interposed, e.g. Copilot chat
// passthrough).
type openAIAssembler struct {
	started bool
	id      string
	model   string

	content strings.Builder

	toolOrder []int
	toolCalls map[int]*openAIToolCall

	finishReason string
	stopReason   string

	promptTokens     int
	completionTokens int
	cacheReadTokens  int
	haveCacheRead    bool
}

func newOpenAIAssembler() *openAIAssembler {
	return &openAIAssembler{toolCalls: make(map[int]*openAIToolCall)}
}

var finishReasonToStopReason = map[string]string{
	"stop":           "end_turn",
	"length":         "max_tokens",
	"tool_calls":     "tool_use",
	"content_filter": "stop_sequence",
}

func mapFinishReason(reason string) string {
	if mapped, ok := finishReasonToStopReason[reason]; ok {
		return mapped
	}
	return "end_turn"
}

func (a *openAIAssembler) OnEvent(eventType string, raw json.RawMessage) {
	var chunk struct {
		ID      string `json:"id"`
		Model   string `json:"model"`
		Choices []struct {
			Delta struct {
				Content   string `json:"content"`
				ToolCalls []struct {
					Index    int    `json:"index"`
					ID       string `json:"id"`
					Function struct {
						Name      string `json:"name"`
						Arguments string `json:"arguments"`
					} `json:"function"`
				} `json:"tool_calls"`
			} `json:"delta"`
			FinishReason string `json:"finish_reason"`
		} `json:"choices"`
		Usage struct {
			PromptTokens        int `json:"prompt_tokens"`
			CompletionTokens    int `json:"completion_tokens"`
			PromptTokensDetails struct {
				CachedTokens int `json:"cached_tokens"`
			} `json:"prompt_tokens_details"`
		} `json:"usage"`
	}
	if json.Unmarshal(raw, &chunk) != nil {
		return
	}

	if !a.started {
		a.started = true
		a.id = chunk.ID
		a.model = chunk.Model
	}
	if chunk.Model != "" {
		a.model = chunk.Model
	}

	if chunk.Usage.PromptTokens > 0 || chunk.Usage.CompletionTokens > 0 {
		a.promptTokens = chunk.Usage.PromptTokens
		a.completionTokens = chunk.Usage.CompletionTokens
		if chunk.Usage.PromptTokensDetails.CachedTokens > 0 {
			a.cacheReadTokens = chunk.Usage.PromptTokensDetails.CachedTokens
			a.haveCacheRead = true
		}
	}

	if len(chunk.Choices) == 0 {
		return
	}
	choice := chunk.Choices[0]

	if choice.Delta.Content != "" {
		a.content.WriteString(choice.Delta.Content)
	}

	for _, tc := range choice.Delta.ToolCalls {
		call, ok := a.toolCalls[tc.Index]
		if !ok {
			call = &openAIToolCall{}
			a.toolCalls[tc.Index] = call
			a.toolOrder = append(a.toolOrder, tc.Index)
		}
		if tc.ID != "" {
			call.id = tc.ID
		}
		if tc.Function.Name != "" {
			call.name = tc.Function.Name
		}
		if tc.Function.Arguments != "" {
			call.argsBuf.WriteString(tc.Function.Arguments)
		}
	}

	if choice.FinishReason != "" {
		a.finishReason = choice.FinishReason
		a.stopReason = mapFinishReason(choice.FinishReason)
	}
}

func (a *openAIAssembler) OnDone() {}

func (a *openAIAssembler) Result() (map[string]any, bool) {
	if !a.started {
		return nil, false
	}

	message := map[string]any{
		"role": "assistant",
	}
	if a.content.Len() > 0 {
		message["content"] = a.content.String()
	} else {
		message["content"] = nil
	}

	if len(a.toolOrder) > 0 {
		calls := make([]any, 0, len(a.toolOrder))
		for _, idx := range a.toolOrder {
			tc := a.toolCalls[idx]
			calls = append(calls, map[string]any{
				"id":   tc.id,
				"type": "function",
				"function": map[string]any{
					"name":      tc.name,
					"arguments": tc.argsBuf.String(),
				},
			})
		}
		message["tool_calls"] = calls
	}

	finishReason := a.finishReason
	if finishReason == "" {
		finishReason = "stop"
	}

	usage := map[string]any{
		"prompt_tokens":     a.promptTokens,
		"completion_tokens": a.completionTokens,
		"total_tokens":      a.promptTokens + a.completionTokens,
	}
	if a.haveCacheRead {
		usage["prompt_tokens_details"] = map[string]any{"cached_tokens": a.cacheReadTokens}
	}

	return map[string]any{
		"id":    a.id,
		"model": a.model,
		"choices": []any{
			map[string]any{
				"index":         0,
				"message":       message,
				"finish_reason": finishReason,
			},
		},
		"usage":       usage,
		"stop_reason": a.stopReason,
	}, true
}
