package plugin

import (
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/nolanhoward/ccrelay/internal/events"
	"github.com/nolanhoward/ccrelay/internal/fanout"
	"github.com/nolanhoward/ccrelay/internal/registry"
	"github.com/nolanhoward/ccrelay/internal/sse"
)

// upstreamTimeout caps upstream connects and reads; no cooperative
// cancellation token is propagated beyond it.
const upstreamTimeout = 300 * time.Second

var hopByHop = map[string]bool{
	"host":                true,
	"content-length":      true,
	"transfer-encoding":   true,
	"connection":          true,
	"keep-alive":          true,
	"proxy-authenticate":  true,
	"proxy-authorization": true,
	"te":                  true,
	"trailers":            true,
	"upgrade":             true,
}

// FilterHeaders strips hop-by-hop headers (and, for request headers,
// auth/cookie headers) and flattens a net/http.Header into the
// single-valued map the event envelope carries.
func FilterHeaders(h http.Header, stripAuth bool) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		lk := strings.ToLower(k)
		if hopByHop[lk] {
			continue
		}
		if stripAuth && (lk == "authorization" || lk == "cookie" || lk == "x-api-key") {
			continue
		}
		if len(v) > 0 {
			out[lk] = v[0]
		}
	}
	return out
}

// EmitError emits an Error event for ctx's request if a RequestBody
// was already emitted for it. Requests that never surfaced on the bus
// stay silent to subscribers, errors included.
func EmitError(ctx *Context, emittedRequestBody bool, code uint16, reason string) {
	if !emittedRequestBody {
		return
	}
	env := ctx.Envelope()
	env.Seq = ctx.NextSeq()
	ctx.Router.Publish(events.Error{Envelope: env, Code: code, Reason: reason})
}

// EmitProxyError emits a ProxyError event for a transport-level failure.
func EmitProxyError(ctx *Context, err error) {
	env := ctx.Envelope()
	env.Seq = ctx.NextSeq()
	ctx.Router.Publish(events.ProxyError{Envelope: env, Err: err.Error()})
}

// WriteAnthropicError writes an Anthropic-shaped error body with the
// given HTTP status.
func WriteAnthropicError(w http.ResponseWriter, status int, errType, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	body, _ := json.Marshal(map[string]any{
		"type": "error",
		"error": map[string]any{
			"type":    errType,
			"message": message,
		},
	})
	_, _ = w.Write(body)
}

// Dispatch opens an HTTPS request to url with the given method, headers,
// and body, under the shared 300s upstream timeout.
func Dispatch(client *http.Client, method, url string, headers http.Header, body []byte) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = strings.NewReader(string(body))
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		return nil, err
	}
	req.Header = headers.Clone()

	c := client
	if c == nil {
		c = &http.Client{Timeout: upstreamTimeout}
	}
	return c.Do(req)
}

// RelayStreaming drives the standard three-sink fan-out (client
// forward, progress-to-bus, assembler) over resp's body. It writes the
// status line/headers first, then streams.
func RelayStreaming(ctx *Context, resp *http.Response, family registry.Family, providerKey string) {
	for k, vv := range resp.Header {
		lk := strings.ToLower(k)
		if hopByHop[lk] {
			continue
		}
		for _, v := range vv {
			ctx.W.Header().Add(k, v)
		}
	}
	ctx.W.WriteHeader(resp.StatusCode)

	env := ctx.Envelope()
	env.Seq = ctx.NextSeq()
	ctx.Router.Publish(events.ResponseHeaders{
		Envelope: env,
		Status:   uint16(resp.StatusCode),
		Headers:  FilterHeaders(resp.Header, false),
	})

	writer, err := sse.NewWriter(ctx.W)
	if err != nil {
		return
	}

	sinks, asm := fanout.NewStandardSinks(
		writer, ctx.Router, family, ctx.RequestID, providerKey, ctx.NextSeq, ctx.Envelope,
	)
	_ = fanout.Run(ctx.Log, resp.Body, sinks)

	if result, ok := asm.Result(); ok {
		env = ctx.Envelope()
		env.Seq = ctx.NextSeq()
		ctx.Router.Publish(events.ResponseComplete{Envelope: env, Body: result})
	}
	env = ctx.Envelope()
	env.Seq = ctx.NextSeq()
	ctx.Router.Publish(events.ResponseDone{Envelope: env})
}

// RelayBuffered writes resp's full body verbatim to the client, then
// emits ResponseHeaders/ResponseComplete with the best-effort parsed
// JSON body.
func RelayBuffered(ctx *Context, resp *http.Response) {
	data, _ := io.ReadAll(resp.Body)

	for k, vv := range resp.Header {
		lk := strings.ToLower(k)
		if hopByHop[lk] {
			continue
		}
		for _, v := range vv {
			ctx.W.Header().Add(k, v)
		}
	}
	ctx.W.WriteHeader(resp.StatusCode)
	_, _ = ctx.W.Write(data)

	var parsed map[string]any
	_ = json.Unmarshal(data, &parsed)

	env := ctx.Envelope()
	env.Seq = ctx.NextSeq()
	ctx.Router.Publish(events.ResponseHeaders{
		Envelope: env,
		Status:   uint16(resp.StatusCode),
		Headers:  FilterHeaders(resp.Header, false),
	})
	env = ctx.Envelope()
	env.Seq = ctx.NextSeq()
	ctx.Router.Publish(events.ResponseComplete{Envelope: env, Body: parsed})
}
