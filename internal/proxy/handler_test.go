package proxy

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nolanhoward/ccrelay/internal/bus"
	"github.com/nolanhoward/ccrelay/internal/events"
	"github.com/nolanhoward/ccrelay/internal/pipeline"
	"github.com/nolanhoward/ccrelay/internal/registry"
)

// collector records every bus event for post-hoc assertions.
type collector struct {
	mu     sync.Mutex
	events []events.Event
}

func (c *collector) OnEvent(ev events.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func (c *collector) kinds() []events.Kind {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]events.Kind, 0, len(c.events))
	for _, ev := range c.events {
		out = append(out, ev.Kind())
	}
	return out
}

func (c *collector) byKind(kind events.Kind) []events.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []events.Event
	for _, ev := range c.events {
		if ev.Kind() == kind {
			out = append(out, ev)
		}
	}
	return out
}

func testRegistry() *registry.Registry {
	return registry.New([]registry.Spec{
		registry.AnthropicSpec("api.anthropic.com"),
		registry.CopilotSpec("api.githubcopilot.com"),
	}, "anthropic")
}

// newTestHandler wires a Handler against a started bus with a collector
// subscribed; the returned stop func flushes and stops the bus.
func newTestHandler(t *testing.T, targetHost string) (*Handler, *collector, func()) {
	t.Helper()

	router := bus.New(zerolog.Nop(), 256)
	col := &collector{}
	router.Subscribe(col)
	router.Start()

	h := &Handler{
		Log:         zerolog.Nop(),
		Registry:    testRegistry(),
		Pipeline:    pipeline.New(nil, nil),
		Router:      router,
		Client:      http.DefaultClient,
		TargetHost:  targetHost,
		ProviderKey: "anthropic",
	}
	return h, col, router.Stop
}

const s1Stream = `event: message_start
data: {"type":"message_start","message":{"id":"msg_1","type":"message","role":"assistant","model":"claude-3-opus","usage":{"input_tokens":10}}}

event: content_block_start
data: {"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}

event: content_block_delta
data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hello"}}

event: content_block_delta
data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":" world"}}

event: content_block_stop
data: {"type":"content_block_stop","index":0}

event: message_delta
data: {"type":"message_delta","delta":{"stop_reason":"end_turn","stop_sequence":null},"usage":{"output_tokens":5}}

event: message_stop
data: {"type":"message_stop"}

data: [DONE]

`

func TestStreamingTurnRelaysVerbatimAndAssembles(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte(s1Stream))
	}))
	defer upstream.Close()

	h, col, stop := newTestHandler(t, upstream.URL)

	body := `{"model":"claude-3-opus","max_tokens":4096,"messages":[{"role":"user","content":"Hello"}],"stream":true}`
	req := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	stop()

	// The client sees the upstream stream byte-for-byte; the fan-out
	// stops at the [DONE] line, so the trailing blank line after it is
	// never read.
	assert.Equal(t, strings.TrimSuffix(s1Stream, "\n"), rec.Body.String())

	kinds := col.kinds()
	require.GreaterOrEqual(t, len(kinds), 5)
	assert.Equal(t, events.KindRequestHeaders, kinds[0])
	assert.Equal(t, events.KindRequestBody, kinds[1])
	assert.Equal(t, events.KindResponseHeaders, kinds[2])
	assert.Equal(t, events.KindResponseComplete, kinds[len(kinds)-2])
	assert.Equal(t, events.KindResponseDone, kinds[len(kinds)-1])

	// Seq is strictly increasing across the whole request.
	var lastSeq uint32
	for i, ev := range col.events {
		if i > 0 {
			assert.Greater(t, ev.Env().Seq, lastSeq)
		}
		lastSeq = ev.Env().Seq
	}

	complete := col.byKind(events.KindResponseComplete)[0].(events.ResponseComplete)
	assert.Equal(t, "msg_1", complete.Body["id"])
	content := complete.Body["content"].([]any)
	require.Len(t, content, 1)
	block := content[0].(map[string]any)
	assert.Equal(t, "Hello world", block["text"])
	assert.Equal(t, "end_turn", complete.Body["stop_reason"])
	usage := complete.Body["usage"].(map[string]any)
	assert.EqualValues(t, 10, usage["input_tokens"])
	assert.EqualValues(t, 5, usage["output_tokens"])
}

func TestInterceptorShortCircuitsUpstream(t *testing.T) {
	h, col, stop := newTestHandler(t, "http://127.0.0.1:1") // unreachable: must never be dialed
	h.Pipeline = pipeline.New(nil, []pipeline.Interceptor{
		func(body map[string]any) (string, bool) { return "policy-block", true },
	})

	body := `{"model":"claude-3-opus","messages":[{"role":"user","content":"hi"}],"stream":true}`
	req := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	stop()

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "policy-block")
	assert.Contains(t, rec.Body.String(), "data: [DONE]")

	kinds := col.kinds()
	assert.Equal(t, events.KindRequestHeaders, kinds[0])
	assert.Equal(t, events.KindRequestBody, kinds[1])
	assert.Equal(t, events.KindResponseHeaders, kinds[2])
	assert.Equal(t, events.KindResponseDone, kinds[len(kinds)-1])
	assert.NotEmpty(t, col.byKind(events.KindResponseComplete))

	complete := col.byKind(events.KindResponseComplete)[0].(events.ResponseComplete)
	content := complete.Body["content"].([]any)
	block := content[0].(map[string]any)
	assert.Equal(t, "policy-block", block["text"])
	assert.Equal(t, "end_turn", complete.Body["stop_reason"])
	assert.Equal(t, "claude-3-opus", complete.Body["model"])

	// No upstream events beyond the synthetic ones.
	assert.Empty(t, col.byKind(events.KindProxyError))
	assert.Empty(t, col.byKind(events.KindError))
}

func TestTransformRewritesBodyBeforeUpstream(t *testing.T) {
	var upstreamBody map[string]any
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&upstreamBody)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"msg_1","usage":{"input_tokens":1}}`))
	}))
	defer upstream.Close()

	h, _, stop := newTestHandler(t, upstream.URL)
	h.Pipeline = pipeline.New([]pipeline.Transform{
		func(body map[string]any, url string) (map[string]any, string) {
			body["metadata"] = map[string]any{"user_id": "rewritten"}
			return body, url
		},
	}, nil)

	req := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(`{"model":"m","messages":[]}`))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	stop()

	require.NotNil(t, upstreamBody)
	meta := upstreamBody["metadata"].(map[string]any)
	assert.Equal(t, "rewritten", meta["user_id"])
}

func TestNonAPITrafficEmitsOnlyLog(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))
	defer upstream.Close()

	h, col, stop := newTestHandler(t, upstream.URL)

	req := httptest.NewRequest(http.MethodGet, "/robots.txt", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	stop()

	assert.Equal(t, "ok", rec.Body.String())
	kinds := col.kinds()
	require.Len(t, kinds, 1)
	assert.Equal(t, events.KindLog, kinds[0])

	logEv := col.events[0].(events.Log)
	assert.Equal(t, "GET", logEv.Method)
	assert.Equal(t, "/robots.txt", logEv.Path)
	assert.EqualValues(t, 200, logEv.Status)
}

func TestNoTargetConfiguredFails(t *testing.T) {
	h, col, stop := newTestHandler(t, "")

	req := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(`{"model":"m"}`))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	stop()

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	errs := col.byKind(events.KindError)
	require.Len(t, errs, 1)
	assert.EqualValues(t, 500, errs[0].(events.Error).Code)
}

func TestUpstreamHTTPErrorMirroredAndEmitted(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"type":"error","error":{"type":"rate_limit_error","message":"slow down"}}`))
	}))
	defer upstream.Close()

	h, col, stop := newTestHandler(t, upstream.URL)

	req := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(`{"model":"m","messages":[]}`))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	stop()

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Contains(t, rec.Body.String(), "slow down")

	errs := col.byKind(events.KindError)
	require.Len(t, errs, 1)
	assert.EqualValues(t, 429, errs[0].(events.Error).Code)
	assert.Empty(t, col.byKind(events.KindResponseComplete))
}

func TestTransportFailureEmitsProxyError(t *testing.T) {
	h, col, stop := newTestHandler(t, "http://127.0.0.1:1")

	req := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(`{"model":"m","messages":[]}`))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	stop()

	assert.Equal(t, http.StatusBadGateway, rec.Code)
	require.Len(t, col.byKind(events.KindProxyError), 1)
}

func TestMalformedJSONBodySkipsRequestEvents(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))
	defer upstream.Close()

	h, col, stop := newTestHandler(t, upstream.URL)

	req := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader("{not json"))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	stop()

	// The request is still forwarded, but as Log-only traffic.
	assert.Empty(t, col.byKind(events.KindRequestBody))
	require.Len(t, col.byKind(events.KindLog), 1)
}

func TestRequestHeadersEventFiltersSensitiveHeaders(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"msg_1"}`))
	}))
	defer upstream.Close()

	h, col, stop := newTestHandler(t, upstream.URL)

	req := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(`{"model":"m"}`))
	req.Header.Set("Authorization", "Bearer secret")
	req.Header.Set("Cookie", "session=1")
	req.Header.Set("X-Api-Key", "sk-xyz")
	req.Header.Set("Anthropic-Version", "2023-06-01")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	stop()

	hdrs := col.byKind(events.KindRequestHeaders)
	require.Len(t, hdrs, 1)
	ev := hdrs[0].(events.RequestHeaders)
	assert.Equal(t, "POST", ev.Method)
	assert.NotContains(t, ev.Headers, "authorization")
	assert.NotContains(t, ev.Headers, "cookie")
	assert.NotContains(t, ev.Headers, "x-api-key")
	assert.Equal(t, "2023-06-01", ev.Headers["anthropic-version"])
}
