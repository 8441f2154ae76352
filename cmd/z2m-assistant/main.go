package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"zigbee2mqtt-assistant/internal/bridge"
	"zigbee2mqtt-assistant/internal/correlator"
	"zigbee2mqtt-assistant/internal/metrics"
	"zigbee2mqtt-assistant/internal/mqtt"
	"zigbee2mqtt-assistant/internal/poller"
	"zigbee2mqtt-assistant/internal/state"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

type Config struct {
	MQTT struct {
		Server         string `yaml:"server"`
		Port           int    `yaml:"port"`
		Secure         string `yaml:"secure"` // "false", "true" or "insecure"
		Username       string `yaml:"username"`
		Password       string `yaml:"password"`
		ClientID       string `yaml:"client_id"`
		BaseTopic      string `yaml:"base_topic"`
		DiscoveryTopic string `yaml:"discovery_topic"`
	} `yaml:"mqtt"`
	Poller struct {
		DevicesSchedule     string        `yaml:"devices_schedule"`
		NetworkScanSchedule string        `yaml:"network_scan_schedule"`
		StartupDelay        time.Duration `yaml:"startup_delay"`
		MaxJitter           time.Duration `yaml:"max_jitter"`
		RequestTimeout      time.Duration `yaml:"request_timeout"`
	} `yaml:"poller"`
	Commands struct {
		Timeout time.Duration `yaml:"timeout"`
	} `yaml:"commands"`
	Bridge struct {
		AllowJoinTimeout    time.Duration `yaml:"allow_join_timeout"`
		AutosetLastSeen     bool          `yaml:"autoset_last_seen"`
		LowBatteryThreshold float64       `yaml:"low_battery_threshold"`
	} `yaml:"bridge"`
	Web struct {
		Enabled        *bool    `yaml:"enabled"`
		Listen         string   `yaml:"listen"`
		APIKey         string   `yaml:"api_key"`
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"web"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

func (c *Config) validate() error {
	if c.MQTT.Server == "" {
		return fmt.Errorf("mqtt.server is required")
	}
	if c.MQTT.Port < 0 || c.MQTT.Port > 65535 {
		return fmt.Errorf("mqtt.port must be 0-65535, got %d", c.MQTT.Port)
	}
	switch c.MQTT.Secure {
	case mqtt.SecureOff, mqtt.SecureOn, mqtt.SecureInsecure:
	default:
		return fmt.Errorf("mqtt.secure must be false, true or insecure, got %q", c.MQTT.Secure)
	}
	for name, t := range map[string]string{"mqtt.base_topic": c.MQTT.BaseTopic, "mqtt.discovery_topic": c.MQTT.DiscoveryTopic} {
		if strings.ContainsAny(t, "#+") {
			return fmt.Errorf("%s must not contain wildcards, got %q", name, t)
		}
	}
	if c.Bridge.LowBatteryThreshold < 0 || c.Bridge.LowBatteryThreshold > 100 {
		return fmt.Errorf("bridge.low_battery_threshold must be 0-100, got %v", c.Bridge.LowBatteryThreshold)
	}
	if c.Commands.Timeout < 0 {
		return fmt.Errorf("commands.timeout must not be negative")
	}
	return nil
}

func main() {
	// Temporary logger for config loading errors.
	bootLogger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cfgPath := "config.yaml"
	if len(os.Args) > 1 {
		cfgPath = os.Args[1]
	}

	cfg, err := loadConfig(cfgPath)
	if err != nil {
		bootLogger.Error("load config", "err", err)
		os.Exit(1)
	}

	if err := cfg.validate(); err != nil {
		bootLogger.Error("invalid config", "err", err)
		os.Exit(1)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)
	logger.Info("z2m-assistant starting", "version", version, "base_topic", cfg.MQTT.BaseTopic)

	store := state.NewStore(logger)
	commands := correlator.New(logger, correlator.WithTimeout(cfg.Commands.Timeout))
	m := metrics.New(metrics.Sources{Store: store, PendingCommands: commands.Pending})

	client := mqtt.New(mqtt.Config{
		Server:         cfg.MQTT.Server,
		Port:           cfg.MQTT.Port,
		Secure:         cfg.MQTT.Secure,
		Username:       cfg.MQTT.Username,
		Password:       cfg.MQTT.Password,
		ClientID:       cfg.MQTT.ClientID,
		BaseTopic:      cfg.MQTT.BaseTopic,
		DiscoveryTopic: cfg.MQTT.DiscoveryTopic,
	}, logger)

	svc := bridge.New(bridge.Config{
		BaseTopic:           cfg.MQTT.BaseTopic,
		DiscoveryTopic:      cfg.MQTT.DiscoveryTopic,
		AutosetLastSeen:     cfg.Bridge.AutosetLastSeen,
		LowBatteryThreshold: cfg.Bridge.LowBatteryThreshold,
	}, store, commands, client, logger,
		bridge.WithObserver(m),
		bridge.WithReconnector(client),
	)

	p, err := poller.New(poller.Config{
		DevicesSchedule:     cfg.Poller.DevicesSchedule,
		NetworkScanSchedule: cfg.Poller.NetworkScanSchedule,
		StartupDelay:        cfg.Poller.StartupDelay,
		MaxJitter:           cfg.Poller.MaxJitter,
		RequestTimeout:      cfg.Poller.RequestTimeout,
	}, svc, logger, poller.WithObserver(m))
	if err != nil {
		logger.Error("create poller", "err", err)
		os.Exit(1)
	}
	svc.UseRefresher(p)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stopPoller := p.Watch(ctx, store)

	joinTimer := bridge.NewJoinTimer(cfg.Bridge.AllowJoinTimeout, svc, logger)
	stopJoinTimer := joinTimer.Watch(store)

	// Start web server (no-op when built with no_web tag).
	webSrv := initWeb(svc, store, joinTimer, m, cfg, logger)

	connectCtx, connectCancel := context.WithTimeout(ctx, 30*time.Second)
	if err := client.Connect(connectCtx, svc); err != nil {
		// paho keeps retrying in the background.
		logger.Warn("mqtt connect", "err", err)
	}
	connectCancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	signal.Stop(sigCh)
	logger.Info("shutting down", "signal", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	webSrv.Stop(shutdownCtx)
	stopJoinTimer()
	stopPoller()
	cancel()
	p.Stop()
	commands.Close()
	client.Close()

	logger.Info("goodbye")
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	applyDefaults(&cfg)
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	cfg.MQTT.Username = getEnv("Z2MA_MQTT_USERNAME", cfg.MQTT.Username)
	cfg.MQTT.Password = getEnv("Z2MA_MQTT_PASSWORD", cfg.MQTT.Password)
	if cfg.MQTT.Secure == "" {
		cfg.MQTT.Secure = mqtt.SecureOff
	}
	if cfg.MQTT.BaseTopic == "" {
		cfg.MQTT.BaseTopic = "zigbee2mqtt"
	}
	if cfg.MQTT.DiscoveryTopic == "" {
		cfg.MQTT.DiscoveryTopic = "homeassistant"
	}
	if cfg.Poller.DevicesSchedule == "" {
		cfg.Poller.DevicesSchedule = "*/12 * * * *"
	}
	if cfg.Poller.NetworkScanSchedule == "" {
		cfg.Poller.NetworkScanSchedule = "0 */3 * * *"
	}
	if cfg.Poller.StartupDelay == 0 {
		cfg.Poller.StartupDelay = 5 * time.Second
	}
	if cfg.Poller.MaxJitter == 0 {
		cfg.Poller.MaxJitter = 5 * time.Second
	}
	if cfg.Poller.RequestTimeout == 0 {
		cfg.Poller.RequestTimeout = 10 * time.Minute
	}
	if cfg.Bridge.LowBatteryThreshold == 0 {
		cfg.Bridge.LowBatteryThreshold = 10
	}
	if cfg.Web.Enabled == nil {
		enabled := true
		cfg.Web.Enabled = &enabled
	}
	if cfg.Web.Listen == "" {
		cfg.Web.Listen = "127.0.0.1:8080"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func newLogger(cfg *Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}
