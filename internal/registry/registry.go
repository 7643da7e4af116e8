// Package registry holds the immutable table of provider specs the proxy
// dispatches against: which API path prefixes belong to which upstream,
// which wire protocol it speaks, and which hostnames identify it during
// forward-proxy CONNECT interception.
//
// The registry is built once at process start (see New) and never
// mutated afterward — every request goroutine reads the same *Registry
// without locking.
package registry

import "strings"

// Family is the wire protocol a provider spec speaks. The translation
// layer and the response assembler both dispatch on this.
type Family string

const (
	FamilyAnthropic Family = "anthropic"
	FamilyOpenAI    Family = "openai"
)

// Spec describes one upstream provider: how to recognize traffic for it
// (API paths, host patterns) and how to talk to it (protocol family).
type Spec struct {
	Key            string
	DisplayName    string
	APIPaths       []string
	ProtocolFamily Family
	HostPatterns   []string
}

// HandlesPath reports whether path is recognized as an API path for this
// provider (a request/response event pair is only emitted for requests
// that match — everything else is Log-only traffic).
func (s Spec) HandlesPath(path string) bool {
	for _, prefix := range s.APIPaths {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// MatchesHost reports whether host matches one of this spec's host
// patterns, used by the forward-proxy CONNECT handler to infer which
// provider a decrypted tunnel belongs to.
func (s Spec) MatchesHost(host string) bool {
	for _, pattern := range s.HostPatterns {
		if strings.Contains(host, pattern) {
			return true
		}
	}
	return false
}

// Registry is the immutable, process-lifetime table of known providers.
type Registry struct {
	specs      []Spec
	byKey      map[string]Spec
	defaultKey string
}

// New builds a Registry from specs and pins defaultKey as the provider
// used when a CONNECT host matches no spec's host patterns. It panics if
// defaultKey isn't present in specs — a startup-time configuration bug,
// not a request-time error.
func New(specs []Spec, defaultKey string) *Registry {
	byKey := make(map[string]Spec, len(specs))
	for _, s := range specs {
		byKey[s.Key] = s
	}
	if _, ok := byKey[defaultKey]; !ok {
		panic("registry: default provider key " + defaultKey + " not present in specs")
	}
	return &Registry{specs: specs, byKey: byKey, defaultKey: defaultKey}
}

// Lookup returns the spec for key.
func (r *Registry) Lookup(key string) (Spec, bool) {
	s, ok := r.byKey[key]
	return s, ok
}

// Default returns the fallback spec used when host inference fails.
func (r *Registry) Default() Spec {
	return r.byKey[r.defaultKey]
}

// ForHost returns the spec whose host patterns match host, falling
// back to Default() when none match — this is how a CONNECT tunnel's
// provider is inferred from its authority.
func (r *Registry) ForHost(host string) Spec {
	for _, s := range r.specs {
		if s.MatchesHost(host) {
			return s
		}
	}
	return r.Default()
}

// ForPath returns the first spec whose API paths include path.
func (r *Registry) ForPath(path string) (Spec, bool) {
	for _, s := range r.specs {
		if s.HandlesPath(path) {
			return s, true
		}
	}
	return Spec{}, false
}

// All returns every registered spec, in registration order.
func (r *Registry) All() []Spec {
	out := make([]Spec, len(r.specs))
	copy(out, r.specs)
	return out
}

// Default specs wired by cmd/ccrelay at startup from configuration.
func AnthropicSpec(baseHost string) Spec {
	return Spec{
		Key:            "anthropic",
		DisplayName:    "Anthropic",
		APIPaths:       []string{"/v1/messages"},
		ProtocolFamily: FamilyAnthropic,
		HostPatterns:   []string{baseHost, "api.anthropic.com"},
	}
}

func CopilotSpec(baseHost string) Spec {
	return Spec{
		Key:         "copilot",
		DisplayName: "GitHub Copilot",
		APIPaths: []string{
			"/v1/messages",
			"/v1/chat/completions", "/chat/completions",
			"/v1/embeddings", "/embeddings",
			"/v1/models", "/models",
			"/v1/usage", "/usage",
			"/v1/token", "/token",
		},
		ProtocolFamily: FamilyOpenAI,
		HostPatterns:   []string{baseHost, "githubcopilot.com", "github.com"},
	}
}
