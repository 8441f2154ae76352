package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := loadConfig(writeConfig(t, "mqtt:\n  server: broker.local\n"))
	if err != nil {
		t.Fatal(err)
	}
	if err := cfg.validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.MQTT.BaseTopic != "zigbee2mqtt" || cfg.MQTT.DiscoveryTopic != "homeassistant" {
		t.Errorf("topics = %q, %q", cfg.MQTT.BaseTopic, cfg.MQTT.DiscoveryTopic)
	}
	if cfg.Poller.DevicesSchedule != "*/12 * * * *" || cfg.Poller.NetworkScanSchedule != "0 */3 * * *" {
		t.Errorf("schedules = %q, %q", cfg.Poller.DevicesSchedule, cfg.Poller.NetworkScanSchedule)
	}
	if cfg.Poller.StartupDelay != 5*time.Second || cfg.Commands.Timeout != 0 {
		t.Errorf("timings = %v, %v", cfg.Poller.StartupDelay, cfg.Commands.Timeout)
	}
	if cfg.Web.Enabled == nil || !*cfg.Web.Enabled || cfg.Web.Listen != "127.0.0.1:8080" {
		t.Errorf("web = %v %q", cfg.Web.Enabled, cfg.Web.Listen)
	}
}

func TestLoadConfigDurationsAndEnv(t *testing.T) {
	t.Setenv("Z2MA_MQTT_USERNAME", "env-user")
	t.Setenv("Z2MA_MQTT_PASSWORD", "env-pass")
	cfg, err := loadConfig(writeConfig(t, `
mqtt:
  server: broker.local
  username: file-user
  secure: insecure
commands:
  timeout: 45s
bridge:
  allow_join_timeout: 10m
web:
  enabled: false
`))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.MQTT.Username != "env-user" || cfg.MQTT.Password != "env-pass" {
		t.Errorf("credentials = %q / %q", cfg.MQTT.Username, cfg.MQTT.Password)
	}
	if cfg.Commands.Timeout != 45*time.Second || cfg.Bridge.AllowJoinTimeout != 10*time.Minute {
		t.Errorf("durations = %v, %v", cfg.Commands.Timeout, cfg.Bridge.AllowJoinTimeout)
	}
	if *cfg.Web.Enabled {
		t.Error("web.enabled: false ignored")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"missing server", "mqtt:\n  port: 1883\n", "mqtt.server"},
		{"bad secure", "mqtt:\n  server: b\n  secure: maybe\n", "mqtt.secure"},
		{"wildcard base", "mqtt:\n  server: b\n  base_topic: z2m/#\n", "mqtt.base_topic"},
		{"threshold", "mqtt:\n  server: b\nbridge:\n  low_battery_threshold: 150\n", "low_battery_threshold"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := loadConfig(writeConfig(t, tt.yaml))
			if err != nil {
				t.Fatal(err)
			}
			err = cfg.validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("validate = %v, want error mentioning %q", err, tt.want)
			}
		})
	}
}
