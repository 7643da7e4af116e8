package translate

import "github.com/goccy/go-json"

// ResponseToAnthropic converts a non-streaming OpenAI chat-completions
// response into an Anthropic message: content blocks from
// every choice are concatenated, stop_reason comes from choice 0 unless
// any choice finished with tool_calls, and usage is recomputed from the
// OpenAI token counts.
func ResponseToAnthropic(openaiResp map[string]any) map[string]any {
	id, _ := openaiResp["id"].(string)
	model, _ := openaiResp["model"].(string)

	var content []any
	stopReason := "end_turn"
	anyToolCalls := false

	choices := asSlice(openaiResp["choices"])
	for i, raw := range choices {
		choice, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		message, _ := choice["message"].(map[string]any)
		finishReason, _ := choice["finish_reason"].(string)

		if i == 0 {
			stopReason = mapStopReason(finishReason)
		}
		if finishReason == "tool_calls" {
			anyToolCalls = true
		}

		content = append(content, textBlocksFromOpenAI(message)...)
		content = append(content, toolUseBlocksFromOpenAI(message)...)
	}
	if anyToolCalls {
		stopReason = "tool_use"
	}
	if content == nil {
		content = []any{}
	}

	usage, _ := openaiResp["usage"].(map[string]any)
	result := map[string]any{
		"id":          id,
		"type":        "message",
		"role":        "assistant",
		"model":       model,
		"content":     content,
		"stop_reason": stopReason,
	}
	result["usage"] = usageToAnthropic(usage)
	return result
}

func textBlocksFromOpenAI(message map[string]any) []any {
	if message == nil {
		return nil
	}
	text, ok := message["content"].(string)
	if !ok || text == "" {
		return nil
	}
	return []any{map[string]any{"type": "text", "text": text}}
}

func toolUseBlocksFromOpenAI(message map[string]any) []any {
	if message == nil {
		return nil
	}
	calls := asSlice(message["tool_calls"])
	if len(calls) == 0 {
		return nil
	}
	blocks := make([]any, 0, len(calls))
	for _, raw := range calls {
		call, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		id, _ := call["id"].(string)
		fn, _ := call["function"].(map[string]any)
		name, _ := fn["name"].(string)
		argsStr, _ := fn["arguments"].(string)

		input := map[string]any{}
		if argsStr != "" {
			if err := json.Unmarshal([]byte(argsStr), &input); err != nil {
				input = map[string]any{}
			}
		}
		blocks = append(blocks, map[string]any{
			"type":  "tool_use",
			"id":    id,
			"name":  name,
			"input": input,
		})
	}
	return blocks
}

func usageToAnthropic(usage map[string]any) map[string]any {
	promptTokens := intField(usage, "prompt_tokens")
	completionTokens := intField(usage, "completion_tokens")

	cachedTokens := 0
	if details, ok := usage["prompt_tokens_details"].(map[string]any); ok {
		cachedTokens = intField(details, "cached_tokens")
	}

	inputTokens := promptTokens - cachedTokens
	if inputTokens < 0 {
		inputTokens = 0
	}

	out := map[string]any{
		"input_tokens":  inputTokens,
		"output_tokens": completionTokens,
	}
	if cachedTokens > 0 {
		out["cache_read_input_tokens"] = cachedTokens
	}
	return out
}

func intField(m map[string]any, key string) int {
	if m == nil {
		return 0
	}
	switch v := m[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return 0
	}
}

// ErrorToAnthropic converts an OpenAI/Copilot error body
// {error:{type,message}} into the Anthropic error shape
// {type:"error", error:{type, message}}, substituting fallbacks for
// either missing field.
func ErrorToAnthropic(openaiErr map[string]any, fallbackMessage string) map[string]any {
	errType := "api_error"
	message := fallbackMessage

	if e, ok := openaiErr["error"].(map[string]any); ok {
		if t, ok := e["type"].(string); ok && t != "" {
			errType = t
		}
		if m, ok := e["message"].(string); ok && m != "" {
			message = m
		}
	}

	return map[string]any{
		"type": "error",
		"error": map[string]any{
			"type":    errType,
			"message": message,
		},
	}
}
