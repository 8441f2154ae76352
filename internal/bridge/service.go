// Package bridge routes zigbee2mqtt messages into the state store and the
// command correlator, and exposes the outbound bridge operations.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"zigbee2mqtt-assistant/internal/correlator"
	"zigbee2mqtt-assistant/internal/state"
	"zigbee2mqtt-assistant/internal/topic"
)

var (
	ErrDeviceNotFound  = errors.New("device not found")
	ErrInvalidArgument = errors.New("invalid argument")
)

// Publisher sends one message to the broker.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// Refresher tracks outstanding refresh requests. *poller.Poller satisfies it.
type Refresher interface {
	InventoryReceived()
	TopologyReceived()
	RequestEchoed(r topic.Request)
	RefreshDevices(ctx context.Context) error
	RefreshNetworkMap(ctx context.Context) error
	Stop()
}

// Reconnector re-establishes the transport session.
type Reconnector interface {
	Reconnect(ctx context.Context) error
}

// Observer receives counters for metrics. Every method must be cheap.
type Observer interface {
	MessageClassified(kind string)
	MessageDropped(reason string)
	CommandCompleted(kind, outcome string)
}

type nopObserver struct{}

func (nopObserver) MessageClassified(string)        {}
func (nopObserver) MessageDropped(string)           {}
func (nopObserver) CommandCompleted(string, string) {}

// Config holds the bridge-facing settings.
type Config struct {
	BaseTopic      string
	DiscoveryTopic string
	// AutosetLastSeen enables the bridge's last_seen attribute when a device
	// state arrives without one.
	AutosetLastSeen     bool
	LowBatteryThreshold float64
	// PublishTimeout bounds publishes issued from the inbound path.
	PublishTimeout time.Duration
}

// Option configures a Service.
type Option func(*Service)

// WithObserver registers o for message and command counters.
func WithObserver(o Observer) Option {
	return func(s *Service) { s.observer = o }
}

// WithReconnector lets Reset cycle the transport connection.
func WithReconnector(r Reconnector) Option {
	return func(s *Service) { s.reconnector = r }
}

// Service is the glue between transport, store, correlator and poller. Its
// inbound path never blocks on a pending command.
type Service struct {
	cfg         Config
	logger      *slog.Logger
	store       *state.Store
	classifier  *topic.Classifier
	commands    *correlator.Correlator
	pub         Publisher
	observer    Observer
	reconnector Reconnector

	mu        sync.RWMutex
	refresher Refresher

	lastSeenForced atomic.Bool
}

// New creates a Service.
func New(cfg Config, store *state.Store, commands *correlator.Correlator, pub Publisher, logger *slog.Logger, opts ...Option) *Service {
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 10 * time.Second
	}
	s := &Service{
		cfg:        cfg,
		logger:     logger.With("component", "bridge"),
		store:      store,
		classifier: topic.New(cfg.BaseTopic, cfg.DiscoveryTopic),
		commands:   commands,
		pub:        pub,
		observer:   nopObserver{},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// UseRefresher attaches the poller. The poller publishes through the
// Service, so it is created afterwards and attached here.
func (s *Service) UseRefresher(r Refresher) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refresher = r
}

func (s *Service) poller() Refresher {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.refresher
}

// Classifier returns the topic classifier in use.
func (s *Service) Classifier() *topic.Classifier { return s.classifier }

// Store returns the state store.
func (s *Service) Store() *state.Store { return s.store }

// Connected resets per-connection state. Retained messages replayed on
// subscribe rebuild the snapshot.
func (s *Service) Connected() {
	s.lastSeenForced.Store(false)
	if _, changed, _ := s.store.Update(state.Reset()); changed {
		s.logger.Info("state cleared for new connection")
	}
}

// Disconnected stops polling until the bridge reports online again.
func (s *Service) Disconnected() {
	if p := s.poller(); p != nil {
		p.Stop()
	}
}

// HandleMessage classifies and applies one inbound message. It is safe to
// call from concurrent transport callbacks.
func (s *Service) HandleMessage(topicName string, payload []byte) {
	msg := s.classifier.Classify(topicName, s.store.Read())
	s.observer.MessageClassified(msg.Kind.String())

	switch msg.Kind {
	case topic.SetEcho:
		return
	case topic.RequestEcho:
		if p := s.poller(); p != nil {
			p.RequestEchoed(msg.Request)
		}
		return
	case topic.Deferred:
		s.logger.Debug("deferring set topic before first inventory", "topic", topicName)
		return
	case topic.Unclassified:
		s.logger.Debug("unclassified topic", "topic", topicName)
		s.observer.MessageDropped("unclassified")
		return
	}

	// Empty payloads clear retained messages and carry no state.
	if len(payload) == 0 {
		return
	}

	var err error
	switch msg.Kind {
	case topic.BridgeState:
		err = s.handleBridgeState(payload)
	case topic.BridgeConfig:
		err = s.handleBridgeConfig(payload)
	case topic.DeviceAvailability:
		err = s.handleAvailability(msg.FriendlyName, payload)
	case topic.DeviceTelemetry:
		err = s.handleTelemetry(msg.FriendlyName, payload)
	case topic.DiscoveryEntity:
		if msg.IsConfig {
			err = s.handleDiscovery(msg, payload)
		}
	case topic.InventoryList:
		err = s.handleInventory(payload)
	case topic.TopologyScan:
		err = s.handleTopology(payload)
	case topic.LogEvent:
		err = s.handleLog(payload)
	}
	if err != nil {
		s.logger.Warn("dropping message", "topic", topicName, "err", err)
		s.observer.MessageDropped("malformed")
	}
}

func (s *Service) update(r state.Reducer) (*state.Bridge, bool, error) {
	next, changed, err := s.store.Update(r)
	if err != nil {
		return next, false, fmt.Errorf("apply: %w", err)
	}
	return next, changed, nil
}

func (s *Service) handleBridgeState(payload []byte) error {
	online, err := parseOnline(payload)
	if err != nil {
		return err
	}
	_, changed, err := s.update(state.SetBridgeOnline(online))
	if changed {
		s.logger.Info("bridge state changed", "online", online)
	}
	return err
}

func (s *Service) handleBridgeConfig(payload []byte) error {
	cfg, err := parseBridgeConfig(payload)
	if err != nil {
		return err
	}
	if _, _, err := s.update(state.ApplyBridgeConfig(cfg)); err != nil {
		return err
	}
	// Confirmation by value: whoever asked for this state is done.
	s.commands.Resolve(correlator.PermitJoinKey(cfg.PermitJoin), nil)
	s.commands.Resolve(correlator.LogLevelKey(cfg.LogLevel.String()), nil)
	return nil
}

func (s *Service) handleAvailability(name string, payload []byte) error {
	online, err := parseOnline(payload)
	if err != nil {
		return err
	}
	_, _, err = s.update(state.SetAvailability(name, online))
	return err
}

func (s *Service) handleTelemetry(name string, payload []byte) error {
	tm, err := parseTelemetry(payload)
	if err != nil {
		return err
	}
	var res state.TelemetryResult
	if _, _, err := s.update(state.MergeTelemetry(name, tm, &res)); err != nil {
		return err
	}
	if res.ForceLastSeen && s.cfg.AutosetLastSeen && s.lastSeenForced.CompareAndSwap(false, true) {
		go s.enableLastSeen(name)
	}
	return nil
}

func (s *Service) enableLastSeen(trigger string) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.PublishTimeout)
	defer cancel()
	if err := s.SetLastSeenEpoch(ctx); err != nil {
		s.lastSeenForced.Store(false)
		s.logger.Warn("enable last_seen failed", "err", err)
		return
	}
	s.logger.Info("enabled last_seen on bridge", "device", trigger)
}

func (s *Service) handleDiscovery(msg topic.Message, payload []byte) error {
	d := state.Discovery{
		DeviceID:    msg.DeviceID,
		EntityClass: msg.EntityClass,
		Component:   msg.Component,
	}
	if err := parseDiscovery(payload, &d); err != nil {
		return err
	}
	var res state.DiscoveryResult
	if _, _, err := s.update(state.MergeDiscovery(d, s.classifier.FriendlyNameFromTopic, &res)); err != nil {
		return err
	}
	if res.Skipped != "" {
		s.logger.Debug("discovery entity skipped", "device_id", d.DeviceID, "component", d.Component, "reason", res.Skipped)
		s.observer.MessageDropped("discovery_skipped")
	}
	return nil
}

func (s *Service) handleInventory(payload []byte) error {
	entries, err := parseInventory(payload)
	if err != nil {
		return err
	}
	return s.applyInventory(entries)
}

func (s *Service) applyInventory(entries []state.InventoryEntry) error {
	var res state.InventoryResult
	next, _, err := s.update(state.MergeInventory(entries, &res))
	if p := s.poller(); p != nil {
		p.InventoryReceived()
	}
	if err != nil {
		return err
	}
	for _, e := range res.Dropped {
		s.logger.Warn("dropping device list entry without name", "zigbee_id", e.ZigbeeID, "type", e.Type)
	}
	s.logger.Debug("device list merged", "entries", len(entries), "devices", next.DeviceCount())
	return nil
}

func (s *Service) handleTopology(payload []byte) error {
	tp, err := parseTopology(payload)
	if p := s.poller(); p != nil {
		p.TopologyReceived()
	}
	if err != nil {
		return err
	}
	var res state.TopologyResult
	if _, _, err := s.update(state.MergeTopology(tp, &res)); err != nil {
		return err
	}
	if res.SkippedNodes > 0 || res.SkippedLinks > 0 {
		s.logger.Debug("network map records skipped", "nodes", res.SkippedNodes, "links", res.SkippedLinks)
	}
	return nil
}

func (s *Service) handleLog(payload []byte) error {
	ev, err := parseLog(payload)
	if err != nil {
		return err
	}

	switch ev.Type {
	case "device_renamed":
		from, to, ok := ev.messagePair()
		if !ok {
			return fmt.Errorf("device_renamed: missing from/to")
		}
		if _, _, err := s.update(state.RenameDevice(from, to)); err != nil {
			return err
		}
		s.commands.Resolve(correlator.RenameKey(from), nil)
		s.logger.Info("device renamed", "from", from, "to", to)

	case "device_removed", "device_force_removed":
		name := ev.messageName()
		if name == "" {
			return fmt.Errorf("%s: missing device name", ev.Type)
		}
		if _, _, err := s.update(state.RemoveDevice(name)); err != nil {
			return err
		}
		s.commands.Resolve(correlator.RemoveKey(name), nil)
		s.logger.Info("device removed", "device", name, "forced", ev.Type == "device_force_removed")

	case "device_removed_failed", "device_force_removed_failed":
		name := ev.messageName()
		s.commands.Resolve(correlator.RemoveKey(name), fmt.Errorf("remove %s: %w", name, correlator.ErrCommandFailed))
		s.logger.Warn("device remove failed", "device", name)

	case "device_connected":
		name := ev.messageName()
		if name == "" {
			return fmt.Errorf("device_connected: missing device name")
		}
		meta := ev.meta()
		zid := string(meta.IEEEAddr)
		if zid == "" && strings.HasPrefix(name, "0x") {
			// Freshly joined devices are named after their address.
			zid = name
		}
		if _, _, err := s.update(state.AddDevice(name, zid, string(meta.ModelID))); err != nil {
			return err
		}
		s.logger.Info("device connected", "device", name)

	case "device_bind", "device_unbind", "device_bind_failed", "device_unbind_failed":
		from, to, ok := ev.messagePair()
		if !ok {
			return fmt.Errorf("%s: missing from/to", ev.Type)
		}
		key := correlator.BindKey(from, to)
		if strings.HasPrefix(ev.Type, "device_unbind") {
			key = correlator.UnbindKey(from, to)
		}
		var result error
		if strings.HasSuffix(ev.Type, "_failed") {
			result = fmt.Errorf("%s %s to %s: %w", key.Kind, from, to, correlator.ErrCommandFailed)
		}
		s.commands.Resolve(key, result)

	case "devices":
		entries, err := parseInventory(payload)
		if err != nil {
			return err
		}
		return s.applyInventory(entries)

	default:
		s.logger.Debug("bridge log", "type", ev.Type)
	}
	return nil
}
