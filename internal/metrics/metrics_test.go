package metrics

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"zigbee2mqtt-assistant/internal/state"
)

func TestCounters(t *testing.T) {
	m := New(Sources{})
	m.MessageClassified("device_telemetry")
	m.MessageClassified("device_telemetry")
	m.MessageDropped("malformed")
	m.CommandCompleted("rename", "ok")
	m.PollFired("devices")
	m.PollSkipped("networkmap")

	if got := testutil.ToFloat64(m.messages.WithLabelValues("device_telemetry")); got != 2 {
		t.Errorf("messages = %v", got)
	}
	if got := testutil.ToFloat64(m.dropped.WithLabelValues("malformed")); got != 1 {
		t.Errorf("dropped = %v", got)
	}
	if got := testutil.ToFloat64(m.commands.WithLabelValues("rename", "ok")); got != 1 {
		t.Errorf("commands = %v", got)
	}
	if got := testutil.ToFloat64(m.pollFired.WithLabelValues("devices")); got != 1 {
		t.Errorf("poll fired = %v", got)
	}
	if got := testutil.ToFloat64(m.pollSkipped.WithLabelValues("networkmap")); got != 1 {
		t.Errorf("poll skipped = %v", got)
	}
}

func TestHandlerExposesSampledValues(t *testing.T) {
	store := state.NewStore(slog.New(slog.NewTextHandler(io.Discard, nil)))
	if _, _, err := store.Update(state.AddDevice("Lamp1", "0x01", "")); err != nil {
		t.Fatal(err)
	}
	m := New(Sources{Store: store, PendingCommands: func() int { return 3 }})

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := rec.Body.String()
	for _, want := range []string{
		"z2m_assistant_devices 1",
		"z2m_assistant_commands_pending 3",
		"z2m_assistant_store_updates_total 1",
		"z2m_assistant_bridge_online 0",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}
