//go:build !no_web

package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"zigbee2mqtt-assistant/internal/bridge"
	"zigbee2mqtt-assistant/internal/metrics"
	"zigbee2mqtt-assistant/internal/state"
	"zigbee2mqtt-assistant/internal/web"
)

type webStopper struct {
	server     *web.Server
	httpServer *http.Server
	logger     *slog.Logger
}

func (w *webStopper) Stop(ctx context.Context) {
	if w.httpServer == nil {
		return
	}
	if err := w.httpServer.Shutdown(ctx); err != nil {
		w.logger.Error("http server shutdown", "err", err)
	}
	w.server.Stop()
}

func initWeb(svc *bridge.Service, store *state.Store, joinTimer *bridge.JoinTimer, m *metrics.Metrics, cfg *Config, logger *slog.Logger) *webStopper {
	if !*cfg.Web.Enabled {
		return &webStopper{}
	}

	webOpts := []web.ServerOption{
		web.WithVersion(version),
		web.WithMetrics(m.Handler()),
		web.WithJoinDeadline(joinTimer),
	}
	if cfg.Web.APIKey != "" {
		webOpts = append(webOpts, web.WithAPIKey(cfg.Web.APIKey))
	}
	if len(cfg.Web.AllowedOrigins) > 0 {
		webOpts = append(webOpts, web.WithAllowedOrigins(cfg.Web.AllowedOrigins))
	}
	server := web.NewServer(svc, store, logger, webOpts...)

	httpServer := &http.Server{
		Addr:         cfg.Web.Listen,
		Handler:      server,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 2 * time.Minute,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("web server starting", "addr", cfg.Web.Listen)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server", "err", err)
		}
	}()
	return &webStopper{server: server, httpServer: httpServer, logger: logger}
}
