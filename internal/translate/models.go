package translate

// ModelsToAnthropic translates a Copilot/OpenAI-shaped model list
// response ({data:[{id,...}]}) into the Anthropic /v1/models shape
// ({data:[{id,type:"model",display_name}], has_more:false}).
func ModelsToAnthropic(openaiModels map[string]any) map[string]any {
	var out []any
	for _, raw := range asSlice(openaiModels["data"]) {
		m, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		id, _ := m["id"].(string)
		out = append(out, map[string]any{
			"id":           id,
			"type":         "model",
			"display_name": id,
		})
	}
	if out == nil {
		out = []any{}
	}
	return map[string]any{
		"data":     out,
		"has_more": false,
	}
}
