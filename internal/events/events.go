// Package events defines the tagged union of pipeline events that flow
// from the proxy handler through the event bus to every subscriber
// (archive writer, analytics accumulator, UI router).
//
// Go has no sum types, so the union is modeled the way the rest of this
// module models protocol-family dispatch: one interface (Event) with a
// Kind() discriminator, and one struct per variant. Callers that need to
// branch on the concrete shape switch on Kind() and type-assert — the
// same pattern a TypeScript discriminated union forces you to write by
// hand, except the compiler doesn't check exhaustiveness for us: a switch
// that misses a new variant still compiles, so every switch over Kind()
// has to be updated by hand when a variant is added.
package events

import "time"

// Kind discriminates the Event variants.
type Kind string

const (
	KindRequestHeaders   Kind = "request_headers"
	KindRequestBody      Kind = "request_body"
	KindResponseHeaders  Kind = "response_headers"
	KindResponseProgress Kind = "response_progress"
	KindResponseComplete Kind = "response_complete"
	KindResponseDone     Kind = "response_done"
	KindError            Kind = "error"
	KindProxyError       Kind = "proxy_error"
	KindLog              Kind = "log"
)

// Envelope carries the fields every variant attaches: the request this
// event belongs to, its position within that request's event sequence,
// the time it was observed, and which provider spec handled the request.
type Envelope struct {
	RequestID string
	Seq       uint32
	RecvTime  time.Time
	Provider  string
}

// Event is implemented by every variant below. Kind() lets a subscriber
// do an exhaustive switch without reflection; Env() gives it the shared
// envelope fields without re-declaring them on every type switch branch.
type Event interface {
	Kind() Kind
	Env() Envelope
}

// RequestHeaders is emitted once per API request (seq 0), carrying the
// filtered request headers (auth, cookies, and hop-by-hop headers
// already stripped by the caller). Method and URL ride alongside the
// header map so archive subscribers can reconstruct the request line
// without re-deriving it from provider configuration.
type RequestHeaders struct {
	Envelope
	Method  string
	URL     string
	Headers map[string]string
}

func (e RequestHeaders) Kind() Kind    { return KindRequestHeaders }
func (e RequestHeaders) Env() Envelope { return e.Envelope }

// RequestBody carries the canonical-schema (Anthropic Messages) request
// body, always paired with a RequestHeaders at seq-1.
type RequestBody struct {
	Envelope
	Body map[string]any
}

func (e RequestBody) Kind() Kind    { return KindRequestBody }
func (e RequestBody) Env() Envelope { return e.Envelope }

// ResponseHeaders is emitted once the upstream status line and headers
// have been read (or, for a synthetic intercept, fabricated).
type ResponseHeaders struct {
	Envelope
	Status  uint16
	Headers map[string]string
}

func (e ResponseHeaders) Kind() Kind    { return KindResponseHeaders }
func (e ResponseHeaders) Env() Envelope { return e.Envelope }

// Progress is the UI-facing subset of one upstream SSE event. Every
// field is optional; the extractor that produces one of these decides
// which fields are populated per event type (see internal/progress).
type Progress struct {
	DeltaText  string
	StopReason string
	Model      string
	ToolUse    *ToolUseProgress
}

// ToolUseProgress names the tool a content_block_start(tool_use) event
// opened, without its (still-streaming) input.
type ToolUseProgress struct {
	ID   string
	Name string
}

// ResponseProgress wraps one Progress payload; zero or more of these are
// emitted between ResponseHeaders and ResponseComplete for a streaming
// response.
type ResponseProgress struct {
	Envelope
	Progress Progress
}

func (e ResponseProgress) Kind() Kind    { return KindResponseProgress }
func (e ResponseProgress) Env() Envelope { return e.Envelope }

// ResponseComplete carries the fully reassembled response message. It is
// always emitted for a successful API call, even when the wire response
// was streamed — the assembler is what makes this possible.
type ResponseComplete struct {
	Envelope
	Body map[string]any
}

func (e ResponseComplete) Kind() Kind    { return KindResponseComplete }
func (e ResponseComplete) Env() Envelope { return e.Envelope }

// ResponseDone is the terminal marker for a streaming response; it
// carries no payload beyond the envelope.
type ResponseDone struct {
	Envelope
}

func (e ResponseDone) Kind() Kind    { return KindResponseDone }
func (e ResponseDone) Env() Envelope { return e.Envelope }

// Error is emitted when the upstream returned a non-2xx status for a
// request that had already emitted a RequestBody.
type Error struct {
	Envelope
	Code   uint16
	Reason string
}

func (e Error) Kind() Kind    { return KindError }
func (e Error) Env() Envelope { return e.Envelope }

// ProxyError is emitted on a transport failure (connect refused, DNS,
// TLS handshake to upstream, write to a dropped client socket).
type ProxyError struct {
	Envelope
	Err string
}

func (e ProxyError) Kind() Kind    { return KindProxyError }
func (e ProxyError) Env() Envelope { return e.Envelope }

// Log is emitted for non-API traffic (health checks, auth probes) in
// place of the request/response event pair.
type Log struct {
	Envelope
	Method string
	Path   string
	Status uint16
}

func (e Log) Kind() Kind    { return KindLog }
func (e Log) Env() Envelope { return e.Envelope }
