// Package proxy implements the per-request state machine at the center
// of ccrelay: parse the incoming HTTP request, emit request events for
// API traffic, run the transform/intercept pipeline, dispatch to a
// provider plugin (or fall back to a generic relay), and emit response
// events as the upstream answer streams back. It also owns the
// forward-proxy CONNECT path (see connect.go).
package proxy

import (
	"bytes"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/nolanhoward/ccrelay/internal/bus"
	"github.com/nolanhoward/ccrelay/internal/events"
	"github.com/nolanhoward/ccrelay/internal/fanout"
	"github.com/nolanhoward/ccrelay/internal/forwardca"
	"github.com/nolanhoward/ccrelay/internal/pipeline"
	"github.com/nolanhoward/ccrelay/internal/plugin"
	"github.com/nolanhoward/ccrelay/internal/registry"
	"github.com/nolanhoward/ccrelay/internal/sse"
)

// Handler services one listener's proxied traffic. A Handler is safe
// for concurrent use; the per-request mutable state lives on the stack
// of each ServeHTTP call. CONNECT tunnels derive a child Handler with
// TargetHost/ProviderKey rebound to the tunneled upstream.
type Handler struct {
	Log      zerolog.Logger
	Registry *registry.Registry
	Plugins  []plugin.Plugin
	Pipeline *pipeline.Pipeline
	Router   *bus.Router
	Client   *http.Client

	// TargetHost is the fixed upstream for reverse-proxy mode
	// ("https://api.anthropic.com"); empty means only absolute-URI
	// (forward-proxy) requests can be serviced.
	TargetHost string

	// ProviderKey names the provider spec this handler's traffic
	// belongs to; CONNECT rebinds it per tunnel via host inference.
	ProviderKey string

	// CA enables CONNECT interception; nil replies 501 to CONNECT.
	CA *forwardca.Authority
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodConnect {
		h.handleConnect(w, r)
		return
	}
	h.proxy(w, r)
}

// proxy is the main request path: one call per plain HTTP request, and
// one per decrypted request inside a CONNECT tunnel.
func (h *Handler) proxy(w http.ResponseWriter, r *http.Request) {
	requestID := strings.ReplaceAll(uuid.NewString(), "-", "")
	log := h.Log.With().Str("request_id", requestID).Str("provider", h.ProviderKey).Logger()

	var seq uint32
	nextSeq := func() uint32 {
		n := seq
		seq++
		return n
	}
	envelope := func() events.Envelope {
		return events.Envelope{
			RequestID: requestID,
			RecvTime:  time.Now(),
			Provider:  h.ProviderKey,
		}
	}

	bodyBytes, err := io.ReadAll(r.Body)
	if err != nil {
		log.Warn().Err(err).Msg("proxy: reading request body failed")
		bodyBytes = nil
	}

	// Mode detection: an absolute-URI request line means the client is
	// using us as a forward proxy; a relative path means reverse-proxy
	// against the configured target.
	var targetURL, requestPath string
	if strings.HasPrefix(r.RequestURI, "http://") || strings.HasPrefix(r.RequestURI, "https://") {
		targetURL = r.RequestURI
		if strings.HasPrefix(targetURL, "http://") {
			targetURL = "https://" + strings.TrimPrefix(targetURL, "http://")
		}
		requestPath = r.URL.Path
	} else {
		requestPath = r.URL.Path
		if h.TargetHost == "" {
			env := envelope()
			env.Seq = nextSeq()
			h.Router.Publish(events.Error{Envelope: env, Code: 500, Reason: "no upstream target configured for reverse proxy mode"})
			http.Error(w, "No target configured. Configure proxy.target_host or send absolute URIs.", http.StatusInternalServerError)
			return
		}
		targetURL = strings.TrimSuffix(h.TargetHost, "/") + r.RequestURI
	}

	// API traffic is recognized by provider path prefix plus a JSON
	// object body; everything else stays Log-only.
	spec, _ := h.Registry.Lookup(h.ProviderKey)
	var jsonBody map[string]any
	if len(bodyBytes) > 0 && h.expectsJSONBody(spec, requestPath) {
		if err := json.Unmarshal(bodyBytes, &jsonBody); err != nil {
			log.Warn().Err(err).Msg("proxy: malformed request JSON")
			jsonBody = nil
		}
	}
	emittedRequest := jsonBody != nil

	if emittedRequest {
		env := envelope()
		env.Seq = nextSeq()
		h.Router.Publish(events.RequestHeaders{
			Envelope: env,
			Method:   r.Method,
			URL:      targetURL,
			Headers:  plugin.FilterHeaders(r.Header, true),
		})
		env = envelope()
		env.Seq = nextSeq()
		h.Router.Publish(events.RequestBody{Envelope: env, Body: jsonBody})
	}

	if emittedRequest && h.Pipeline != nil {
		result := h.Pipeline.Process(jsonBody, targetURL)
		jsonBody, targetURL = result.Body, result.URL
		if result.Intercept != "" {
			h.sendSynthetic(w, log, result.Intercept, jsonBody, nextSeq, envelope)
			return
		}
		reserialized, err := json.Marshal(jsonBody)
		if err == nil {
			bodyBytes = reserialized
		}
	}

	// Plugin dispatch: a plugin that owns the path fully services the
	// request (auth, translation, events).
	if emittedRequest || h.pluginOwnsPath(requestPath) {
		ctx := &plugin.Context{
			W:         w,
			R:         r,
			Path:      requestPath,
			RawBody:   bodyBytes,
			JSONBody:  jsonBody,
			RequestID: requestID,
			Router:    h.Router,
			Client:    h.Client,
			Log:       log,
			NextSeq:   nextSeq,
			Envelope:  envelope,
		}
		for _, p := range h.Plugins {
			if p.Descriptor().ProviderID != h.ProviderKey || !p.HandlesPath(requestPath) {
				continue
			}
			if p.HandleRequest(ctx) {
				return
			}
		}
	}

	h.relayGeneric(w, r, log, targetURL, requestPath, bodyBytes, emittedRequest, spec, nextSeq, envelope)
}

func (h *Handler) pluginOwnsPath(path string) bool {
	for _, p := range h.Plugins {
		if p.Descriptor().ProviderID == h.ProviderKey && p.HandlesPath(path) {
			return true
		}
	}
	return false
}

// expectsJSONBody asks the owning plugin first, falling back to the
// registry spec's API path prefixes.
func (h *Handler) expectsJSONBody(spec registry.Spec, path string) bool {
	for _, p := range h.Plugins {
		if p.Descriptor().ProviderID == h.ProviderKey && p.HandlesPath(path) {
			return p.ExpectsJSONBody(path)
		}
	}
	return spec.HandlesPath(path)
}

// relayGeneric forwards a request that no plugin claimed: the
// transparent relay used for non-API traffic and for providers with no
// dedicated plugin. API requests still get the full event sequence;
// non-API traffic gets a single Log event.
func (h *Handler) relayGeneric(
	w http.ResponseWriter,
	r *http.Request,
	log zerolog.Logger,
	targetURL, requestPath string,
	bodyBytes []byte,
	emittedRequest bool,
	spec registry.Spec,
	nextSeq func() uint32,
	envelope func() events.Envelope,
) {
	outHeaders := http.Header{}
	for k, vv := range r.Header {
		lk := strings.ToLower(k)
		if lk == "host" || lk == "content-length" || lk == "transfer-encoding" {
			continue
		}
		for _, v := range vv {
			outHeaders.Add(k, v)
		}
	}
	outHeaders.Set("Content-Length", strconv.Itoa(len(bodyBytes)))

	resp, err := plugin.Dispatch(h.Client, r.Method, targetURL, outHeaders, bodyBytes)
	if err != nil {
		if emittedRequest {
			env := envelope()
			env.Seq = nextSeq()
			h.Router.Publish(events.ProxyError{Envelope: env, Err: err.Error()})
		}
		w.WriteHeader(http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		if emittedRequest {
			env := envelope()
			env.Seq = nextSeq()
			h.Router.Publish(events.Error{Envelope: env, Code: uint16(resp.StatusCode), Reason: resp.Status})
		}
		mirrorHeaders(w, resp)
		w.WriteHeader(resp.StatusCode)
		_, _ = io.Copy(w, resp.Body)
		h.logNonAPI(r, requestPath, uint16(resp.StatusCode), emittedRequest, envelope, nextSeq)
		return
	}

	if emittedRequest && strings.Contains(resp.Header.Get("Content-Type"), "text/event-stream") {
		plugin.RelayStreaming(&plugin.Context{
			W: w, R: r, Path: requestPath, RequestID: envelope().RequestID,
			Router: h.Router, Client: h.Client, Log: log,
			NextSeq: nextSeq, Envelope: envelope,
		}, resp, spec.ProtocolFamily, h.ProviderKey)
		return
	}

	if emittedRequest {
		plugin.RelayBuffered(&plugin.Context{
			W: w, R: r, Path: requestPath, RequestID: envelope().RequestID,
			Router: h.Router, Client: h.Client, Log: log,
			NextSeq: nextSeq, Envelope: envelope,
		}, resp)
		return
	}

	mirrorHeaders(w, resp)
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
	h.logNonAPI(r, requestPath, uint16(resp.StatusCode), emittedRequest, envelope, nextSeq)
}

// logNonAPI emits the informational Log event non-API traffic gets in
// place of the request/response event pair.
func (h *Handler) logNonAPI(r *http.Request, path string, status uint16, emittedRequest bool, envelope func() events.Envelope, nextSeq func() uint32) {
	if emittedRequest {
		return
	}
	env := envelope()
	env.Seq = nextSeq()
	h.Router.Publish(events.Log{Envelope: env, Method: r.Method, Path: path, Status: status})
}

func mirrorHeaders(w http.ResponseWriter, resp *http.Response) {
	for k, vv := range resp.Header {
		lk := strings.ToLower(k)
		if lk == "transfer-encoding" || lk == "connection" {
			continue
		}
		for _, v := range vv {
			w.Header().Add(k, v)
		}
	}
}

// sendSynthetic services an intercepted request without contacting
// upstream: the interceptor's text is rendered as a full Anthropic SSE
// stream, written to the client, and fed through the same fan-out a
// real upstream body would take, so subscribers cannot tell the
// difference.
func (h *Handler) sendSynthetic(
	w http.ResponseWriter,
	log zerolog.Logger,
	text string,
	body map[string]any,
	nextSeq func() uint32,
	envelope func() events.Envelope,
) {
	model, _ := body["model"].(string)
	if model == "" {
		model = "synthetic"
	}
	stream := pipeline.SyntheticStream(text, model)

	writer, err := sse.NewWriter(w)
	if err != nil {
		log.Error().Err(err).Msg("proxy: client connection cannot stream")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)

	env := envelope()
	env.Seq = nextSeq()
	h.Router.Publish(events.ResponseHeaders{
		Envelope: env,
		Status:   200,
		Headers:  map[string]string{"content-type": "text/event-stream"},
	})

	sinks, asm := fanout.NewStandardSinks(
		writer, h.Router, registry.FamilyAnthropic, env.RequestID, h.ProviderKey, nextSeq, envelope,
	)
	_ = fanout.Run(log, bytes.NewReader(stream), sinks)

	if result, ok := asm.Result(); ok {
		env = envelope()
		env.Seq = nextSeq()
		h.Router.Publish(events.ResponseComplete{Envelope: env, Body: result})
	}
	env = envelope()
	env.Seq = nextSeq()
	h.Router.Publish(events.ResponseDone{Envelope: env})
}
