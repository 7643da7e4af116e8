// Package main is the entry point for the ccrelay observing proxy.
package main

import (
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/nolanhoward/ccrelay/internal/analytics"
	"github.com/nolanhoward/ccrelay/internal/archive"
	"github.com/nolanhoward/ccrelay/internal/bus"
	"github.com/nolanhoward/ccrelay/internal/config"
	"github.com/nolanhoward/ccrelay/internal/forwardca"
	"github.com/nolanhoward/ccrelay/internal/pipeline"
	"github.com/nolanhoward/ccrelay/internal/plugin"
	"github.com/nolanhoward/ccrelay/internal/proxy"
	"github.com/nolanhoward/ccrelay/internal/registry"
	"github.com/nolanhoward/ccrelay/internal/server"
)

func main() {
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger()

	configPath := "config.yaml"
	if v := os.Getenv("CCRELAY_CONFIG"); v != "" {
		configPath = v
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("loading config failed")
	}

	reg := registry.New([]registry.Spec{
		registry.AnthropicSpec(hostOf(cfg.Proxy.AnthropicBaseURL)),
		registry.CopilotSpec(hostOf(cfg.Copilot.BaseURL)),
	}, cfg.Proxy.Provider)

	// One source queue for the whole process; every request handler
	// publishes into it, the router drains it to every subscriber.
	eventBus := bus.New(log, 1024)

	archiveWriter, err := archive.NewWriter(log, cfg.Archive)
	if err != nil {
		log.Fatal().Err(err).Msg("building archive writer failed")
	}
	analyticsStore := analytics.NewStore(log)
	eventBus.Subscribe(archiveWriter)
	eventBus.Subscribe(analyticsStore)
	eventBus.Start()

	var ca *forwardca.Authority
	if cfg.Server.ForwardProxy {
		if cfg.Server.CARootCert == "" || cfg.Server.CARootKey == "" {
			log.Fatal().Msg("forward-proxy mode requires server.ca_root_cert and server.ca_root_key")
		}
		ca, err = forwardca.Load(cfg.Server.CARootCert, cfg.Server.CARootKey)
		if err != nil {
			log.Fatal().Err(err).Msg("loading forward-proxy CA failed")
		}
	}

	// Build the provider plugins. Each plugin owns one upstream family's
	// path routing, auth headers, and translation; the proxy handler
	// dispatches to whichever plugin claims the request path, so adding
	// a new upstream is one constructor call here — no handler changes.
	plugins := []plugin.Plugin{
		plugin.NewAnthropicPlugin(cfg.Proxy),
		plugin.NewCopilotPlugin(cfg.Copilot),
	}
	for _, p := range plugins {
		d := p.Descriptor()
		log.Info().Str("provider", d.ProviderID).Str("display_name", d.DisplayName).Msg("registered provider plugin")
	}

	targetHost := cfg.Proxy.TargetHost
	if targetHost == "" && !cfg.Server.ForwardProxy {
		targetHost = cfg.Proxy.AnthropicBaseURL
	}

	handler := &proxy.Handler{
		Log:         log,
		Registry:    reg,
		Plugins:     plugins,
		Pipeline:    pipeline.New(nil, nil),
		Router:      eventBus,
		Client:      &http.Client{Timeout: 300 * time.Second},
		TargetHost:  targetHost,
		ProviderKey: cfg.Proxy.Provider,
		CA:          ca,
	}

	srv := server.New(log, cfg, handler, eventBus)

	// Flush subscribers on SIGINT/SIGTERM so the archive's final
	// entries hit disk before exit.
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigs
		log.Info().Msg("shutting down")
		eventBus.Stop()
		if err := archiveWriter.Close(); err != nil {
			log.Error().Err(err).Msg("closing archive failed")
		}
		os.Exit(0)
	}()

	if err := srv.ListenAndServe(); err != nil {
		log.Fatal().Err(err).Msg("server error")
	}
}

// hostOf extracts the bare host from a base URL for registry host
// patterns; a URL that fails to parse contributes itself verbatim.
func hostOf(baseURL string) string {
	u, err := url.Parse(baseURL)
	if err != nil || u.Host == "" {
		return baseURL
	}
	return u.Hostname()
}
