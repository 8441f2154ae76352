package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"zigbee2mqtt-assistant/internal/correlator"
	"zigbee2mqtt-assistant/internal/state"
)

func (s *Service) bridgeTopic(suffix string) string {
	return s.classifier.Base() + "/bridge/" + suffix
}

// Snapshot returns the current bridge snapshot.
func (s *Service) Snapshot() *state.Bridge {
	return s.store.Read()
}

// FindDevice looks a device up by zigbee id or friendly name.
func (s *Service) FindDevice(id string) (*state.Device, error) {
	d := s.store.Read().FindDevice(id)
	if d == nil {
		return nil, fmt.Errorf("%q: %w", id, ErrDeviceNotFound)
	}
	return d, nil
}

// LowBatteryDevices lists devices under the configured battery threshold.
func (s *Service) LowBatteryDevices() []*state.Device {
	return s.store.Read().LowBatteryDevices(s.cfg.LowBatteryThreshold)
}

// LowBatteryThreshold returns the configured threshold.
func (s *Service) LowBatteryThreshold() float64 { return s.cfg.LowBatteryThreshold }

func (s *Service) publish(ctx context.Context, topicName string, payload []byte) error {
	return s.pub.Publish(ctx, topicName, payload)
}

// do runs a correlated command and records its outcome.
func (s *Service) do(ctx context.Context, key correlator.Key, topicName string, payload []byte) error {
	err := s.commands.Do(ctx, key, func(ctx context.Context) error {
		return s.publish(ctx, topicName, payload)
	})
	s.observer.CommandCompleted(key.Kind.String(), outcome(err))
	if err != nil {
		s.logger.Warn("command failed", "key", key.String(), "err", err)
		return err
	}
	s.logger.Info("command confirmed", "key", key.String())
	return nil
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, correlator.ErrInProgress):
		return "in_progress"
	case errors.Is(err, correlator.ErrTimeout):
		return "timeout"
	case errors.Is(err, correlator.ErrCommandFailed):
		return "failed"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	default:
		return "error"
	}
}

// Rename renames a device and waits for the bridge to confirm.
func (s *Service) Rename(ctx context.Context, id, newName string) error {
	newName = strings.TrimSpace(newName)
	if newName == "" {
		return fmt.Errorf("new name: %w", ErrInvalidArgument)
	}
	d, err := s.FindDevice(id)
	if err != nil {
		return err
	}
	if d.FriendlyName == newName {
		return nil
	}
	payload, err := json.Marshal(struct {
		Old string `json:"old"`
		New string `json:"new"`
	}{d.FriendlyName, newName})
	if err != nil {
		return err
	}
	return s.do(ctx, correlator.RenameKey(d.FriendlyName), s.bridgeTopic("config/rename"), payload)
}

// Remove asks the bridge to remove a device and waits for the confirmation.
func (s *Service) Remove(ctx context.Context, id string) error {
	return s.remove(ctx, id, "config/remove")
}

// ForceRemove removes a device from the bridge database without asking the
// device to leave. It shares the remove correlation key.
func (s *Service) ForceRemove(ctx context.Context, id string) error {
	return s.remove(ctx, id, "config/force_remove")
}

func (s *Service) remove(ctx context.Context, id, suffix string) error {
	d, err := s.FindDevice(id)
	if err != nil {
		return err
	}
	return s.do(ctx, correlator.RemoveKey(d.FriendlyName), s.bridgeTopic(suffix), []byte(d.FriendlyName))
}

// Bind binds source to target and waits for the confirmation.
func (s *Service) Bind(ctx context.Context, source, target string) error {
	return s.bind(ctx, source, target, "bind", correlator.BindKey)
}

// Unbind removes a binding and waits for the confirmation.
func (s *Service) Unbind(ctx context.Context, source, target string) error {
	return s.bind(ctx, source, target, "unbind", correlator.UnbindKey)
}

func (s *Service) bind(ctx context.Context, source, target, verb string, key func(string, string) correlator.Key) error {
	if strings.TrimSpace(target) == "" {
		return fmt.Errorf("%s target: %w", verb, ErrInvalidArgument)
	}
	src, err := s.FindDevice(source)
	if err != nil {
		return err
	}
	// Targets may be groups, which are not in the device list.
	tgtName := target
	if tgt := s.store.Read().FindDevice(target); tgt != nil {
		tgtName = tgt.FriendlyName
	}
	if src.FriendlyName == tgtName {
		return fmt.Errorf("%s to itself: %w", verb, ErrInvalidArgument)
	}
	return s.do(ctx, key(src.FriendlyName, tgtName), s.bridgeTopic(verb+"/"+src.FriendlyName), []byte(tgtName))
}

// PermitJoin opens or closes the network and waits until the bridge
// reports the requested state.
func (s *Service) PermitJoin(ctx context.Context, permit bool) error {
	return s.do(ctx, correlator.PermitJoinKey(permit), s.bridgeTopic("config/permit_join"), []byte(strconv.FormatBool(permit)))
}

// SetLogLevel changes the bridge log level and waits until it is reported.
func (s *Service) SetLogLevel(ctx context.Context, level state.LogLevel) error {
	name := level.String()
	return s.do(ctx, correlator.LogLevelKey(name), s.bridgeTopic("config/log_level"), []byte(name))
}

// Configure re-runs the device configuration. The bridge sends no
// correlated confirmation.
func (s *Service) Configure(ctx context.Context, id string) error {
	d, err := s.FindDevice(id)
	if err != nil {
		return err
	}
	return s.publish(ctx, s.bridgeTopic("configure"), []byte(d.FriendlyName))
}

// OTAUpdate starts a firmware update for the device.
func (s *Service) OTAUpdate(ctx context.Context, id string) error {
	d, err := s.FindDevice(id)
	if err != nil {
		return err
	}
	return s.publish(ctx, s.bridgeTopic("ota_update/update"), []byte(d.FriendlyName))
}

// TouchlinkFactoryReset resets the nearest touchlink device.
func (s *Service) TouchlinkFactoryReset(ctx context.Context) error {
	return s.publish(ctx, s.bridgeTopic("config/touchlink/factory_reset"), nil)
}

// SetLastSeenEpoch turns on the bridge's last_seen attribute.
func (s *Service) SetLastSeenEpoch(ctx context.Context) error {
	return s.publish(ctx, s.bridgeTopic("config/last_seen"), []byte("epoch"))
}

// RequestDevices publishes a device list request.
func (s *Service) RequestDevices(ctx context.Context) error {
	return s.publish(ctx, s.bridgeTopic("config/devices/get"), nil)
}

// RequestNetworkMap publishes a raw network map request.
func (s *Service) RequestNetworkMap(ctx context.Context) error {
	return s.publish(ctx, s.bridgeTopic("networkmap"), []byte("raw"))
}

// RefreshDevices requests the device list, through the poller's
// de-duplication when one is attached.
func (s *Service) RefreshDevices(ctx context.Context) error {
	if p := s.poller(); p != nil {
		return p.RefreshDevices(ctx)
	}
	return s.RequestDevices(ctx)
}

// RefreshNetworkMap requests a network scan, through the poller's
// de-duplication when one is attached.
func (s *Service) RefreshNetworkMap(ctx context.Context) error {
	if p := s.poller(); p != nil {
		return p.RefreshNetworkMap(ctx)
	}
	return s.RequestNetworkMap(ctx)
}

// Reset clears the snapshot and reconnects so retained messages rebuild it.
// Without a reconnector it asks the bridge for a fresh device list instead.
func (s *Service) Reset(ctx context.Context) error {
	s.Connected()
	if s.reconnector != nil {
		return s.reconnector.Reconnect(ctx)
	}
	return s.RequestDevices(ctx)
}
