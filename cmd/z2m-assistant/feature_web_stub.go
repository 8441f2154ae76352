//go:build no_web

package main

import (
	"context"
	"log/slog"

	"zigbee2mqtt-assistant/internal/bridge"
	"zigbee2mqtt-assistant/internal/metrics"
	"zigbee2mqtt-assistant/internal/state"
)

type webStopper struct{}

func (w *webStopper) Stop(context.Context) {}

func initWeb(_ *bridge.Service, _ *state.Store, _ *bridge.JoinTimer, _ *metrics.Metrics, _ *Config, _ *slog.Logger) *webStopper {
	return &webStopper{}
}
