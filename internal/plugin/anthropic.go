package plugin

import (
	"net/http"
	"strings"

	"github.com/nolanhoward/ccrelay/internal/config"
	"github.com/nolanhoward/ccrelay/internal/registry"
)

// AnthropicPlugin relays /v1/messages (and any other Anthropic API
// path) to the configured Anthropic base URL near-verbatim: the client
// already speaks Anthropic's canonical schema, so no request/response
// translation is needed — only auth-header substitution and the
// standard streaming/buffered relay every plugin shares (forward.go).
type AnthropicPlugin struct {
	cfg config.ProxyConfig
}

func NewAnthropicPlugin(cfg config.ProxyConfig) *AnthropicPlugin {
	return &AnthropicPlugin{cfg: cfg}
}

func (p *AnthropicPlugin) Descriptor() Descriptor {
	return Descriptor{ProviderID: "anthropic", DisplayName: "Anthropic"}
}

func (p *AnthropicPlugin) HandlesPath(path string) bool {
	return strings.HasPrefix(path, "/v1/messages")
}

func (p *AnthropicPlugin) ExpectsJSONBody(path string) bool {
	return true
}

func (p *AnthropicPlugin) HandleRequest(ctx *Context) bool {
	if ctx.JSONBody == nil {
		EmitError(ctx, true, 400, "Malformed JSON request body for Anthropic provider")
		WriteAnthropicError(ctx.W, http.StatusBadRequest, "invalid_request_error", "Request body must be valid JSON object")
		return true
	}

	headers := FilterHeaders(ctx.R.Header, true)
	outHeaders := http.Header{}
	for k, v := range headers {
		outHeaders.Set(k, v)
	}
	outHeaders.Set("x-api-key", p.cfg.AnthropicAPIKey)
	outHeaders.Set("anthropic-version", coalesce(ctx.R.Header.Get("anthropic-version"), "2023-06-01"))
	outHeaders.Set("content-type", "application/json")

	resp, err := Dispatch(ctx.Client, http.MethodPost, p.cfg.AnthropicBaseURL+ctx.Path, outHeaders, ctx.RawBody)
	if err != nil {
		EmitProxyError(ctx, err)
		ctx.W.WriteHeader(http.StatusBadGateway)
		return true
	}
	defer resp.Body.Close()

	if isStreamingRequest(ctx.JSONBody) {
		RelayStreaming(ctx, resp, registry.FamilyAnthropic, "anthropic")
		return true
	}
	RelayBuffered(ctx, resp)
	return true
}

func coalesce(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
