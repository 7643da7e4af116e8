// Package translate implements the bidirectional Anthropic Messages ⇄
// OpenAI chat-completions conversion the Copilot plugin depends on:
// request mapping, non-streaming response mapping, a stateful streaming
// chunk translator, and error-shape mapping.
package translate

import (
	"strings"

	"github.com/goccy/go-json"
)

// finishReasonToStopReason maps an OpenAI finish_reason to an Anthropic
// stop_reason, used by both the non-streaming and streaming response
// mappers.
var finishReasonToStopReason = map[string]string{
	"stop":           "end_turn",
	"length":         "max_tokens",
	"tool_calls":     "tool_use",
	"content_filter": "stop_sequence",
}

func mapStopReason(finishReason string) string {
	if mapped, ok := finishReasonToStopReason[finishReason]; ok {
		return mapped
	}
	return "end_turn"
}

// ModelName rewrites an Anthropic model identifier to the collapsed form
// Copilot's catalogue expects: any claude-sonnet-4-* becomes
// claude-sonnet-4, any claude-opus-4-* becomes claude-opus-4, everything
// else passes through unchanged.
func ModelName(model string) string {
	switch {
	case strings.HasPrefix(model, "claude-sonnet-4"):
		return "claude-sonnet-4"
	case strings.HasPrefix(model, "claude-opus-4"):
		return "claude-opus-4"
	default:
		return model
	}
}

// RequestToOpenAI converts an Anthropic Messages request body into an
// OpenAI chat-completions request body.
func RequestToOpenAI(anthropicReq map[string]any) map[string]any {
	out := map[string]any{}

	var messages []any
	if system, ok := anthropicReq["system"]; ok {
		if sysMsg := systemToMessage(system); sysMsg != nil {
			messages = append(messages, sysMsg)
		}
	}

	for _, raw := range asSlice(anthropicReq["messages"]) {
		msg, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		messages = append(messages, convertMessage(msg)...)
	}
	out["messages"] = messages

	if model, ok := anthropicReq["model"].(string); ok {
		out["model"] = ModelName(model)
	}
	if tools, ok := anthropicReq["tools"]; ok {
		out["tools"] = toolsToOpenAI(tools)
	}
	if tc, ok := anthropicReq["tool_choice"]; ok {
		out["tool_choice"] = toolChoiceToOpenAI(tc)
	}
	if v, ok := anthropicReq["max_tokens"]; ok {
		out["max_tokens"] = v
	}
	if v, ok := anthropicReq["temperature"]; ok {
		out["temperature"] = v
	}
	if v, ok := anthropicReq["top_p"]; ok {
		out["top_p"] = v
	}
	if v, ok := anthropicReq["stop_sequences"]; ok {
		out["stop"] = v
	}
	if v, ok := anthropicReq["stream"]; ok {
		out["stream"] = v
	}
	if meta, ok := anthropicReq["metadata"].(map[string]any); ok {
		if userID, ok := meta["user_id"]; ok {
			out["user"] = userID
		}
	}

	return dropNil(out)
}

func systemToMessage(system any) map[string]any {
	switch v := system.(type) {
	case string:
		if v == "" {
			return nil
		}
		return map[string]any{"role": "system", "content": v}
	case []any:
		var texts []string
		for _, b := range v {
			if block, ok := b.(map[string]any); ok {
				if text, ok := block["text"].(string); ok {
					texts = append(texts, text)
				}
			}
		}
		if len(texts) == 0 {
			return nil
		}
		return map[string]any{"role": "system", "content": strings.Join(texts, "\n\n")}
	default:
		return nil
	}
}

// convertMessage produces one or more OpenAI messages from one
// Anthropic message; tool results split out into their own role:"tool"
// messages, and assistant tool_use blocks fold into tool_calls.
func convertMessage(msg map[string]any) []any {
	role, _ := msg["role"].(string)
	content := msg["content"]

	if s, ok := content.(string); ok {
		return []any{map[string]any{"role": role, "content": s}}
	}

	blocks := asSlice(content)
	if role == "user" {
		return convertUserMessage(blocks)
	}
	return convertAssistantMessage(blocks, role)
}

func convertUserMessage(blocks []any) []any {
	var toolResults []map[string]any
	var rest []any
	for _, raw := range blocks {
		block, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		if block["type"] == "tool_result" {
			toolResults = append(toolResults, block)
		} else {
			rest = append(rest, raw)
		}
	}

	var out []any
	for _, tr := range toolResults {
		toolUseID, _ := tr["tool_use_id"].(string)
		out = append(out, map[string]any{
			"role":         "tool",
			"tool_call_id": toolUseID,
			"content":      mapContent(tr["content"]),
		})
	}
	if len(rest) > 0 {
		out = append(out, map[string]any{"role": "user", "content": mapContent(rest)})
	}
	return out
}

func convertAssistantMessage(blocks []any, role string) []any {
	var toolUses []map[string]any
	var textParts, thinkingParts []string
	for _, raw := range blocks {
		block, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		switch block["type"] {
		case "tool_use":
			toolUses = append(toolUses, block)
		case "text":
			if text, ok := block["text"].(string); ok {
				textParts = append(textParts, text)
			}
		case "thinking":
			if text, ok := block["thinking"].(string); ok {
				thinkingParts = append(thinkingParts, text)
			}
		}
	}

	if len(toolUses) == 0 {
		return []any{map[string]any{"role": role, "content": mapContent(blocks)}}
	}

	// Text blocks first, then thinking blocks, joined the same way the
	// wire content would be.
	allText := strings.TrimSpace(strings.Join(append(textParts, thinkingParts...), "\n\n"))
	var content any
	if allText != "" {
		content = allText
	}

	calls := make([]any, 0, len(toolUses))
	for _, tu := range toolUses {
		id, _ := tu["id"].(string)
		name, _ := tu["name"].(string)
		argsJSON, _ := json.Marshal(tu["input"])
		calls = append(calls, map[string]any{
			"id":   id,
			"type": "function",
			"function": map[string]any{
				"name":      name,
				"arguments": string(argsJSON),
			},
		})
	}

	return []any{map[string]any{
		"role":       role,
		"content":    content,
		"tool_calls": calls,
	}}
}

// mapContent implements rule ‡: strings pass through; a list with no
// image blocks concatenates text/thinking with "\n\n"; a list with any
// image block becomes an array of {type:text} / {type:image_url}
// objects.
func mapContent(content any) any {
	s, ok := content.(string)
	if ok {
		return s
	}

	blocks := asSlice(content)
	hasImage := false
	for _, raw := range blocks {
		if block, ok := raw.(map[string]any); ok && block["type"] == "image" {
			hasImage = true
			break
		}
	}

	if !hasImage {
		var texts []string
		for _, raw := range blocks {
			block, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			switch block["type"] {
			case "text":
				if text, ok := block["text"].(string); ok {
					texts = append(texts, text)
				}
			case "thinking":
				if text, ok := block["thinking"].(string); ok {
					texts = append(texts, text)
				}
			}
		}
		return strings.Join(texts, "\n\n")
	}

	out := make([]any, 0, len(blocks))
	for _, raw := range blocks {
		block, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		switch block["type"] {
		case "text":
			out = append(out, map[string]any{"type": "text", "text": block["text"]})
		case "thinking":
			if text, ok := block["thinking"].(string); ok {
				out = append(out, map[string]any{"type": "text", "text": text})
			}
		case "image":
			src, _ := block["source"].(map[string]any)
			mediaType, _ := src["media_type"].(string)
			data, _ := src["data"].(string)
			out = append(out, map[string]any{
				"type": "image_url",
				"image_url": map[string]any{
					"url": "data:" + mediaType + ";base64," + data,
				},
			})
		}
	}
	return out
}

func toolsToOpenAI(tools any) []any {
	out := make([]any, 0)
	for _, raw := range asSlice(tools) {
		t, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		out = append(out, map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        t["name"],
				"description": t["description"],
				"parameters":  t["input_schema"],
			},
		})
	}
	return out
}

func toolChoiceToOpenAI(tc any) any {
	choice, ok := tc.(map[string]any)
	if !ok {
		return tc
	}
	switch choice["type"] {
	case "auto":
		return "auto"
	case "any":
		return "required"
	case "none":
		return "none"
	case "tool":
		return map[string]any{
			"type":     "function",
			"function": map[string]any{"name": choice["name"]},
		}
	default:
		return "auto"
	}
}

func asSlice(v any) []any {
	s, _ := v.([]any)
	return s
}

func dropNil(m map[string]any) map[string]any {
	for k, v := range m {
		if v == nil {
			delete(m, k)
		}
	}
	return m
}
