package plugin

import (
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/goccy/go-json"

	"github.com/nolanhoward/ccrelay/internal/config"
	"github.com/nolanhoward/ccrelay/internal/events"
	"github.com/nolanhoward/ccrelay/internal/ratelimit"
	"github.com/nolanhoward/ccrelay/internal/registry"
	"github.com/nolanhoward/ccrelay/internal/sse"
	"github.com/nolanhoward/ccrelay/internal/translate"
)

// Copilot's path table: which paths this plugin claims at all, which
// of those are metered by the rate-limit gate, and which require a
// parsed JSON object body.
const (
	copilotMessagesPath    = "/v1/messages"
	copilotCountTokensPath = "/v1/messages/count_tokens"
)

var (
	copilotModelsPaths     = map[string]bool{"/v1/models": true, "/models": true}
	copilotChatPaths       = map[string]bool{"/v1/chat/completions": true, "/chat/completions": true}
	copilotEmbeddingsPaths = map[string]bool{"/v1/embeddings": true, "/embeddings": true}
	copilotUsagePaths      = map[string]bool{"/usage": true, "/v1/usage": true}
	copilotTokenPaths      = map[string]bool{"/token": true, "/v1/token": true}

	copilotSupportedPaths = unionPaths(
		map[string]bool{copilotMessagesPath: true, copilotCountTokensPath: true},
		copilotModelsPaths, copilotChatPaths, copilotEmbeddingsPaths, copilotUsagePaths, copilotTokenPaths,
	)
	copilotRateLimitedPaths = unionPaths(
		map[string]bool{copilotMessagesPath: true},
		copilotModelsPaths, copilotChatPaths, copilotEmbeddingsPaths, copilotUsagePaths,
	)
	copilotJSONBodyPaths = unionPaths(
		map[string]bool{copilotMessagesPath: true, copilotCountTokensPath: true},
		copilotChatPaths, copilotEmbeddingsPaths,
	)
)

func unionPaths(sets ...map[string]bool) map[string]bool {
	out := make(map[string]bool)
	for _, s := range sets {
		for k := range s {
			out[k] = true
		}
	}
	return out
}

// CopilotPlugin translates between the Anthropic Messages API its
// client speaks and GitHub Copilot's OpenAI-shaped chat completions
// API.
type CopilotPlugin struct {
	cfg  config.CopilotConfig
	gate *ratelimit.Gate
}

// NewCopilotPlugin builds a CopilotPlugin whose rate-limit gate is
// configured from cfg; a zero RateLimitSeconds disables metering (every
// call is immediately allowed).
func NewCopilotPlugin(cfg config.CopilotConfig) *CopilotPlugin {
	interval := time.Duration(cfg.RateLimitSeconds * float64(time.Second))
	return &CopilotPlugin{cfg: cfg, gate: ratelimit.New(interval)}
}

func (p *CopilotPlugin) Descriptor() Descriptor {
	return Descriptor{ProviderID: "copilot", DisplayName: "GitHub Copilot"}
}

func (p *CopilotPlugin) HandlesPath(path string) bool {
	return copilotSupportedPaths[path]
}

func (p *CopilotPlugin) ExpectsJSONBody(path string) bool {
	return copilotJSONBodyPaths[path]
}

func (p *CopilotPlugin) HandleRequest(ctx *Context) bool {
	path := ctx.Path

	if copilotRateLimitedPaths[path] {
		if p.cfg.RateLimitSeconds > 0 {
			allowed, retryAfter := p.gate.Allow()
			if !allowed && p.cfg.RateLimitWait {
				p.gate.Wait()
				allowed = true
			}
			if !allowed {
				message := fmt.Sprintf(
					"Copilot provider rate limit active; retry in %.2fs (set copilot.rate_limit_wait=true to auto-wait)",
					retryAfter.Seconds(),
				)
				EmitError(ctx, true, 429, message)
				ctx.W.Header().Set("Content-Type", "application/json")
				ctx.W.Header().Set("Retry-After", strconv.Itoa(int(max(1.0, retryAfter.Seconds()))))
				ctx.W.WriteHeader(http.StatusTooManyRequests)
				body, _ := json.Marshal(map[string]any{
					"type":  "error",
					"error": map[string]any{"type": "rate_limit_error", "message": message},
				})
				_, _ = ctx.W.Write(body)
				return true
			}
		}
	}

	if p.ExpectsJSONBody(path) && ctx.JSONBody == nil {
		EmitError(ctx, true, 400, "Malformed JSON request body for Copilot provider")
		WriteAnthropicError(ctx.W, http.StatusBadRequest, "invalid_request_error", "Request body must be valid JSON object")
		return true
	}

	switch {
	case path == copilotCountTokensPath:
		return p.handleCountTokens(ctx)
	case copilotEmbeddingsPaths[path]:
		return p.handleEmbeddings(ctx)
	case copilotTokenPaths[path]:
		return p.handleToken(ctx)
	case copilotUsagePaths[path]:
		return p.handleUsage(ctx)
	case path == "/v1/models":
		return p.handleModelsTranslated(ctx)
	case path == "/models":
		return p.handleModelsPassthrough(ctx)
	case copilotChatPaths[path]:
		return p.handleChatPassthrough(ctx)
	default:
		return p.handleMessages(ctx)
	}
}

func (p *CopilotPlugin) authHeaders(contentType bool) (http.Header, error) {
	if p.cfg.Token == "" {
		return nil, fmt.Errorf("copilot auth configuration missing")
	}
	h := http.Header{}
	h.Set("Authorization", "Bearer "+p.cfg.Token)
	h.Set("Editor-Version", "vscode/"+p.cfg.VSCodeVersion)
	h.Set("Copilot-Integration-Id", "vscode-chat")
	if contentType {
		h.Set("Content-Type", "application/json")
	}
	return h, nil
}

// handleCountTokens answers locally rather than relaying upstream —
// the Messages API's token-count endpoint has no Copilot equivalent, so
// a rough chars/4 estimate stands in for a tokenizer.
func (p *CopilotPlugin) handleCountTokens(ctx *Context) bool {
	count := estimateTokenCount(ctx.JSONBody)
	respBody := map[string]any{"input_tokens": count}
	data, _ := json.Marshal(respBody)

	ctx.W.Header().Set("Content-Type", "application/json")
	ctx.W.WriteHeader(http.StatusOK)
	_, _ = ctx.W.Write(data)

	env := ctx.Envelope()
	env.Seq = ctx.NextSeq()
	ctx.Router.Publish(events.ResponseHeaders{Envelope: env, Status: 200, Headers: map[string]string{"content-type": "application/json"}})
	env = ctx.Envelope()
	env.Seq = ctx.NextSeq()
	ctx.Router.Publish(events.ResponseComplete{Envelope: env, Body: respBody})
	return true
}

func estimateTokenCount(body map[string]any) int {
	raw, _ := json.Marshal(body)
	return len(raw) / 4
}

func (p *CopilotPlugin) handleEmbeddings(ctx *Context) bool {
	headers, err := p.authHeaders(true)
	if err != nil {
		return p.authError(ctx, err.Error())
	}
	data, _ := json.Marshal(ctx.JSONBody)
	resp, err := Dispatch(ctx.Client, http.MethodPost, p.cfg.BaseURL+"/embeddings", headers, data)
	if err != nil {
		EmitProxyError(ctx, err)
		ctx.W.WriteHeader(http.StatusBadGateway)
		return true
	}
	defer resp.Body.Close()
	RelayBuffered(ctx, resp)
	return true
}

func (p *CopilotPlugin) handleToken(ctx *Context) bool {
	if p.cfg.Token == "" {
		return p.authError(ctx, "copilot auth configuration missing")
	}
	respBody := map[string]any{"token": p.cfg.Token}
	data, _ := json.Marshal(respBody)
	ctx.W.Header().Set("Content-Type", "application/json")
	ctx.W.WriteHeader(http.StatusOK)
	_, _ = ctx.W.Write(data)

	env := ctx.Envelope()
	env.Seq = ctx.NextSeq()
	ctx.Router.Publish(events.ResponseHeaders{Envelope: env, Status: 200, Headers: map[string]string{"content-type": "application/json"}})
	env = ctx.Envelope()
	env.Seq = ctx.NextSeq()
	ctx.Router.Publish(events.ResponseComplete{Envelope: env, Body: respBody})
	return true
}

func (p *CopilotPlugin) handleUsage(ctx *Context) bool {
	if p.cfg.GithubToken == "" {
		return p.authError(ctx, "copilot GitHub auth missing for /usage")
	}
	h := http.Header{}
	h.Set("Authorization", "token "+p.cfg.GithubToken)
	resp, err := Dispatch(ctx.Client, http.MethodGet, "https://api.github.com/copilot_internal/usage", h, nil)
	if err != nil {
		EmitProxyError(ctx, err)
		ctx.W.WriteHeader(http.StatusBadGateway)
		return true
	}
	defer resp.Body.Close()
	RelayBuffered(ctx, resp)
	return true
}

func (p *CopilotPlugin) handleModelsTranslated(ctx *Context) bool {
	headers, err := p.authHeaders(false)
	if err != nil {
		return p.authError(ctx, err.Error())
	}
	resp, err := Dispatch(ctx.Client, http.MethodGet, p.cfg.BaseURL+"/models", headers, nil)
	if err != nil {
		EmitProxyError(ctx, err)
		ctx.W.WriteHeader(http.StatusBadGateway)
		return true
	}
	defer resp.Body.Close()

	data, _ := readAll(resp)
	var copilotModels map[string]any
	_ = json.Unmarshal(data, &copilotModels)
	anthropicModels := translate.ModelsToAnthropic(copilotModels)
	output, _ := json.Marshal(anthropicModels)

	ctx.W.Header().Set("Content-Type", "application/json")
	ctx.W.WriteHeader(resp.StatusCode)
	_, _ = ctx.W.Write(output)

	env := ctx.Envelope()
	env.Seq = ctx.NextSeq()
	ctx.Router.Publish(events.ResponseHeaders{Envelope: env, Status: uint16(resp.StatusCode), Headers: map[string]string{"content-type": "application/json"}})
	env = ctx.Envelope()
	env.Seq = ctx.NextSeq()
	ctx.Router.Publish(events.ResponseComplete{Envelope: env, Body: anthropicModels})
	return true
}

func (p *CopilotPlugin) handleModelsPassthrough(ctx *Context) bool {
	headers, err := p.authHeaders(false)
	if err != nil {
		return p.authError(ctx, err.Error())
	}
	resp, err := Dispatch(ctx.Client, http.MethodGet, p.cfg.BaseURL+"/models", headers, nil)
	if err != nil {
		EmitProxyError(ctx, err)
		ctx.W.WriteHeader(http.StatusBadGateway)
		return true
	}
	defer resp.Body.Close()
	RelayBuffered(ctx, resp)
	return true
}

func (p *CopilotPlugin) handleChatPassthrough(ctx *Context) bool {
	headers, err := p.authHeaders(true)
	if err != nil {
		return p.authError(ctx, err.Error())
	}
	data, _ := json.Marshal(ctx.JSONBody)
	resp, err := Dispatch(ctx.Client, http.MethodPost, p.cfg.BaseURL+"/chat/completions", headers, data)
	if err != nil {
		EmitProxyError(ctx, err)
		ctx.W.WriteHeader(http.StatusBadGateway)
		return true
	}
	defer resp.Body.Close()

	if isStreamingRequest(ctx.JSONBody) {
		RelayStreaming(ctx, resp, registry.FamilyOpenAI, "copilot")
		return true
	}
	RelayBuffered(ctx, resp)
	return true
}

// handleMessages is the Anthropic-shaped endpoint's fallback branch:
// the request and response bodies are translated to and from Copilot's
// OpenAI shape.
func (p *CopilotPlugin) handleMessages(ctx *Context) bool {
	headers, err := p.authHeaders(true)
	if err != nil {
		return p.authError(ctx, err.Error())
	}
	openaiReq := translate.RequestToOpenAI(ctx.JSONBody)
	data, _ := json.Marshal(openaiReq)
	resp, err := Dispatch(ctx.Client, http.MethodPost, p.cfg.BaseURL+"/chat/completions", headers, data)
	if err != nil {
		EmitProxyError(ctx, err)
		ctx.W.WriteHeader(http.StatusBadGateway)
		return true
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return p.relayAnthropicError(ctx, resp)
	}

	if isStreamingRequest(ctx.JSONBody) {
		return p.streamMessages(ctx, resp)
	}

	data, _ = readAll(resp)
	var openaiBody map[string]any
	_ = json.Unmarshal(data, &openaiBody)
	anthropicBody := translate.ResponseToAnthropic(openaiBody)
	output, _ := json.Marshal(anthropicBody)

	ctx.W.Header().Set("Content-Type", "application/json")
	ctx.W.WriteHeader(resp.StatusCode)
	_, _ = ctx.W.Write(output)

	env := ctx.Envelope()
	env.Seq = ctx.NextSeq()
	ctx.Router.Publish(events.ResponseHeaders{Envelope: env, Status: uint16(resp.StatusCode), Headers: map[string]string{"content-type": "application/json"}})
	env = ctx.Envelope()
	env.Seq = ctx.NextSeq()
	ctx.Router.Publish(events.ResponseComplete{Envelope: env, Body: anthropicBody})
	return true
}

// streamMessages drives the OpenAI→Anthropic streaming chunk
// translator directly onto the client connection: each translated
// Anthropic event is written as a bare "data: {json}\n\n" frame
// (Copilot's upstream carries no named events to preserve), fed into an
// Anthropic-family assembler for the eventual ResponseComplete, and
// extracted for progress via the Anthropic progress extractor.
func (p *CopilotPlugin) streamMessages(ctx *Context, resp *http.Response) bool {
	writer, err := sse.NewWriter(ctx.W)
	if err != nil {
		EmitProxyError(ctx, err)
		ctx.W.WriteHeader(http.StatusBadGateway)
		return true
	}
	ctx.W.WriteHeader(resp.StatusCode)

	env := ctx.Envelope()
	env.Seq = ctx.NextSeq()
	ctx.Router.Publish(events.ResponseHeaders{Envelope: env, Status: uint16(resp.StatusCode), Headers: map[string]string{"content-type": "text/event-stream"}})

	result, ok := streamCopilotBody(ctx, resp, writer)
	if ok {
		env = ctx.Envelope()
		env.Seq = ctx.NextSeq()
		ctx.Router.Publish(events.ResponseComplete{Envelope: env, Body: result})
	}
	env = ctx.Envelope()
	env.Seq = ctx.NextSeq()
	ctx.Router.Publish(events.ResponseDone{Envelope: env})
	return true
}

func (p *CopilotPlugin) relayAnthropicError(ctx *Context, resp *http.Response) bool {
	data, _ := readAll(resp)
	var openaiErr map[string]any
	_ = json.Unmarshal(data, &openaiErr)
	anthropicErr := translate.ErrorToAnthropic(openaiErr, fmt.Sprintf("Copilot upstream HTTP %d", resp.StatusCode))
	output, _ := json.Marshal(anthropicErr)

	EmitError(ctx, true, uint16(resp.StatusCode), resp.Status)
	ctx.W.Header().Set("Content-Type", "application/json")
	ctx.W.WriteHeader(resp.StatusCode)
	_, _ = ctx.W.Write(output)
	return true
}

func (p *CopilotPlugin) authError(ctx *Context, message string) bool {
	EmitError(ctx, true, 401, message)
	WriteAnthropicError(ctx.W, http.StatusUnauthorized, "authentication_error", message)
	return true
}

func isStreamingRequest(body map[string]any) bool {
	v, ok := body["stream"].(bool)
	return ok && v
}

func readAll(resp *http.Response) ([]byte, error) {
	return io.ReadAll(resp.Body)
}

func max(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
