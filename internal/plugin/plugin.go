// Package plugin defines the per-upstream-family request handler
// contract, and the Anthropic (near-transparent) and Copilot
// (translating) implementations of it. A plugin owns path routing,
// auth-header construction, rate limiting, and — for translating
// providers — chunk-by-chunk schema conversion.
package plugin

import (
	"net/http"

	"github.com/rs/zerolog"

	"github.com/nolanhoward/ccrelay/internal/bus"
	"github.com/nolanhoward/ccrelay/internal/events"
	"github.com/nolanhoward/ccrelay/internal/registry"
)

// Context carries everything a Plugin needs to handle one HTTP request:
// the live request/response pair, the already-read and best-effort
// JSON-decoded body, and the shared runtime collaborators (event bus,
// HTTP client) a plugin uses to emit events and reach upstream.
type Context struct {
	W         http.ResponseWriter
	R         *http.Request
	Path      string
	RawBody   []byte
	JSONBody  map[string]any // nil if RawBody did not parse as a JSON object
	RequestID string
	Router    *bus.Router
	Client    *http.Client
	Log       zerolog.Logger

	// NextSeq returns the next seq value for this request's envelope,
	// starting at 0 and incrementing on each call.
	NextSeq func() uint32
	// Envelope returns a fresh envelope stamped with this request's
	// id/provider/recv_time, with Seq left at zero for the caller to
	// fill via NextSeq.
	Envelope func() events.Envelope
}

// Descriptor names a plugin. ccrelay treats settings as
// already-resolved configuration (internal/config), so Descriptor is
// informational only — used for startup logging, not a dynamic
// settings UI.
type Descriptor struct {
	ProviderID  string
	DisplayName string
}

// Plugin is one upstream family's request handler: it decides which
// paths it owns, whether those paths require a JSON body, and how to
// fully service a matched request (auth, translation, rate limiting,
// event emission).
type Plugin interface {
	Descriptor() Descriptor
	HandlesPath(path string) bool
	ExpectsJSONBody(path string) bool

	// HandleRequest services ctx fully — writing the HTTP response and
	// emitting the appropriate pipeline events — and reports whether it
	// did so. false means the caller (the proxy handler) should fall
	// back to generic reverse-proxy behavior.
	HandleRequest(ctx *Context) bool
}

// ForHost returns the plugin whose provider key matches host's inferred
// registry spec, defaulting to def when no plugin's provider id matches.
func ForHost(reg *registry.Registry, plugins []Plugin, host string, def Plugin) Plugin {
	spec := reg.ForHost(host)
	for _, p := range plugins {
		if p.Descriptor().ProviderID == spec.Key {
			return p
		}
	}
	return def
}
