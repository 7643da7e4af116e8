// Package server sets up the HTTP listener that fronts the proxy: a chi
// router for the small set of named local routes, with everything else
// — including CONNECT tunnels — handed to the proxy handler.
package server

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/nolanhoward/ccrelay/internal/bus"
	"github.com/nolanhoward/ccrelay/internal/config"
	"github.com/nolanhoward/ccrelay/internal/events"
	"github.com/nolanhoward/ccrelay/internal/proxy"
)

// Server owns the router and the dependencies its handlers need.
type Server struct {
	log     zerolog.Logger
	router  chi.Router
	cfg     *config.Config
	handler *proxy.Handler
	bus     *bus.Router
}

// New wires the routes and returns a Server ready to serve.
func New(log zerolog.Logger, cfg *config.Config, handler *proxy.Handler, eventBus *bus.Router) *Server {
	s := &Server{
		log:     log.With().Str("component", "server").Logger(),
		cfg:     cfg,
		handler: handler,
		bus:     eventBus,
	}
	s.routes()
	return s
}

// routes builds the chi router with all middleware and route definitions.
// This is conceptually like your Express app.use() / app.get() / app.post()
// setup, but gathered in one method so the routing table is easy to scan.
func (s *Server) routes() {
	r := chi.NewRouter()

	// --- Global middleware ---
	// middleware.Recoverer catches panics in handlers and returns a 500
	// instead of crashing the whole process. In Express, you'd use an
	// error-handling middleware like app.use((err, req, res, next) => ...).
	r.Use(middleware.Recoverer)

	// --- Routes ---
	// Only the health probe is a "real" named route; everything else —
	// any method, any path — belongs to the proxy. That's the opposite
	// of a normal web service's routing table, and it's why the
	// wildcard, NotFound, and MethodNotAllowed entries all point at the
	// same handler: chi must never answer 404/405 on the proxy's behalf.
	r.Get("/healthz", s.handleHealth)
	r.Handle("/*", s.handler)
	r.NotFound(s.handler.ServeHTTP)
	r.MethodNotAllowed(s.handler.ServeHTTP)

	s.router = r
}

// handleHealth is the local liveness probe, the one route answered
// without touching any upstream. In Express terms, this is like:
//
//	app.get('/healthz', (req, res) => res.json({ status: 'ok' }))
//
// It is non-API traffic, so it surfaces on the bus as a single Log
// event rather than a request/response event pair.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.bus.Publish(events.Log{
		Envelope: events.Envelope{RecvTime: time.Now(), Provider: s.handler.ProviderKey},
		Method:   r.Method,
		Path:     r.URL.Path,
		Status:   http.StatusOK,
	})

	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}` + "\n"))
}

// ServeHTTP makes Server satisfy the http.Handler interface. Every
// incoming request flows through this method. CONNECT never reaches chi
// — its request target is an authority ("host:port"), not a path, so
// chi's path-based matching has nothing to match on; it goes straight
// to the proxy handler's tunnel logic instead.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodConnect {
		s.handler.ServeHTTP(w, r)
		return
	}
	s.router.ServeHTTP(w, r)
}

// ListenAndServe runs the listener until the server fails. Streaming
// responses hold the connection for minutes, so the write timeout is
// sized to the upstream read timeout rather than a typical few-second
// web default.
func (s *Server) ListenAndServe() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      s,
		ReadTimeout:  s.cfg.Server.ReadTimeout,
		WriteTimeout: s.cfg.Server.WriteTimeout,
	}
	s.log.Info().Str("addr", addr).Bool("forward_proxy", s.cfg.Server.ForwardProxy).Msg("listening")
	return srv.ListenAndServe()
}
