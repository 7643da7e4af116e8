package analytics

import "github.com/goccy/go-json"

// ToolInvocation is a matched tool_use → tool_result pair, carrying the
// raw input/result strings token estimation runs over.
type ToolInvocation struct {
	ToolUseID string
	Name      string
	InputStr  string
	ResultStr string
	IsError   bool
}

// CorrelateTools matches tool_use blocks to tool_result blocks by id
// across a request's message list. Both wire shapes are handled in one
// pass each: Anthropic tool_use/tool_result content blocks, and OpenAI
// assistant tool_calls paired with role="tool" messages. Uses without a
// matching result are skipped, not zero-filled.
func CorrelateTools(messages []any) []ToolInvocation {
	uses := map[string]map[string]any{}

	for _, raw := range messages {
		msg, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		if content, ok := msg["content"].([]any); ok {
			for _, rawBlock := range content {
				block, ok := rawBlock.(map[string]any)
				if !ok {
					continue
				}
				if t, _ := block["type"].(string); t == "tool_use" {
					if id, _ := block["id"].(string); id != "" {
						uses[id] = block
					}
				}
			}
		}
		if role, _ := msg["role"].(string); role == "assistant" {
			toolCalls, _ := msg["tool_calls"].([]any)
			for _, rawCall := range toolCalls {
				tc, ok := rawCall.(map[string]any)
				if !ok {
					continue
				}
				id, _ := tc["id"].(string)
				if id == "" {
					continue
				}
				fn, _ := tc["function"].(map[string]any)
				argsStr, _ := fn["arguments"].(string)
				var parsed map[string]any
				if argsStr == "" || json.Unmarshal([]byte(argsStr), &parsed) != nil {
					parsed = map[string]any{}
				}
				name, _ := fn["name"].(string)
				if name == "" {
					name = "?"
				}
				uses[id] = map[string]any{
					"type":  "tool_use",
					"id":    id,
					"name":  name,
					"input": parsed,
				}
			}
		}
	}

	var invocations []ToolInvocation
	for _, raw := range messages {
		msg, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		if content, ok := msg["content"].([]any); ok {
			for _, rawBlock := range content {
				block, ok := rawBlock.(map[string]any)
				if !ok {
					continue
				}
				if t, _ := block["type"].(string); t != "tool_result" {
					continue
				}
				toolUseID, _ := block["tool_use_id"].(string)
				use, ok := uses[toolUseID]
				if !ok {
					continue
				}
				isError, _ := block["is_error"].(bool)
				invocations = append(invocations, ToolInvocation{
					ToolUseID: toolUseID,
					Name:      useName(use),
					InputStr:  jsonString(use["input"]),
					ResultStr: resultString(block["content"]),
					IsError:   isError,
				})
			}
		}
		if role, _ := msg["role"].(string); role == "tool" {
			toolCallID, _ := msg["tool_call_id"].(string)
			use, ok := uses[toolCallID]
			if !ok {
				continue
			}
			invocations = append(invocations, ToolInvocation{
				ToolUseID: toolCallID,
				Name:      useName(use),
				InputStr:  jsonString(use["input"]),
				ResultStr: resultString(msg["content"]),
			})
		}
	}
	return invocations
}

func useName(use map[string]any) string {
	if name, _ := use["name"].(string); name != "" {
		return name
	}
	return "?"
}

// resultString flattens a tool_result content value for token
// estimation: strings pass through, anything structured is re-encoded.
func resultString(content any) string {
	if s, ok := content.(string); ok {
		return s
	}
	return jsonString(content)
}

func jsonString(v any) string {
	if v == nil {
		return "{}"
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(data)
}
