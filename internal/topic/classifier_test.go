package topic

import "testing"

type fakeDevices map[string]bool

func (f fakeDevices) HasDevice(name string) bool { return f[name] }
func (f fakeDevices) DeviceCount() int           { return len(f) }

func TestClassify(t *testing.T) {
	c := New("zigbee2mqtt", "homeassistant")
	known := fakeDevices{"Lamp1": true}

	tests := []struct {
		topic string
		want  Message
	}{
		{"zigbee2mqtt/bridge/state", Message{Kind: BridgeState}},
		{"zigbee2mqtt/bridge/config", Message{Kind: BridgeConfig}},
		{"zigbee2mqtt/bridge/config/devices", Message{Kind: InventoryList}},
		{"zigbee2mqtt/bridge/networkmap/raw", Message{Kind: TopologyScan}},
		{"zigbee2mqtt/bridge/log", Message{Kind: LogEvent}},
		{"zigbee2mqtt/bridge/config/devices/get", Message{Kind: RequestEcho, Request: RequestDevices}},
		{"zigbee2mqtt/bridge/networkmap", Message{Kind: RequestEcho, Request: RequestNetworkMap}},
		{"zigbee2mqtt/bridge/config/permit_join", Message{Kind: RequestEcho}},
		{"zigbee2mqtt/bridge/config/rename", Message{Kind: RequestEcho}},
		{"zigbee2mqtt/bridge/config/log_level", Message{Kind: RequestEcho}},
		{"zigbee2mqtt/bridge/bind/Lamp1", Message{Kind: RequestEcho}},
		{"zigbee2mqtt/bridge/unbind/Lamp1", Message{Kind: RequestEcho}},
		{"zigbee2mqtt/bridge/ota_update/update", Message{Kind: RequestEcho}},
		{"zigbee2mqtt/bridge/config/touchlink/factory_reset", Message{Kind: RequestEcho}},
		{"zigbee2mqtt/bridge/something_new", Message{Kind: Unclassified}},
		{"zigbee2mqtt/Lamp1", Message{Kind: DeviceTelemetry, FriendlyName: "Lamp1"}},
		{"zigbee2mqtt/Lamp1/availability", Message{Kind: DeviceAvailability, FriendlyName: "Lamp1"}},
		{"zigbee2mqtt/Lamp1/state", Message{Kind: DeviceAvailability, FriendlyName: "Lamp1"}},
		{"zigbee2mqtt/Lamp1/config", Message{Kind: DeviceAvailability, FriendlyName: "Lamp1"}},
		{"zigbee2mqtt/Lamp1/attributes", Message{Kind: DeviceTelemetry, FriendlyName: "Lamp1"}},
		{"zigbee2mqtt/living room/lamp", Message{Kind: DeviceTelemetry, FriendlyName: "living room/lamp"}},
		{"zigbee2mqtt/Lamp1/set", Message{Kind: SetEcho, FriendlyName: "Lamp1"}},
		{"zigbee2mqtt/Lamp1/set/brightness", Message{Kind: SetEcho, FriendlyName: "Lamp1"}},
		{"zigbee2mqtt/Other/set/brightness", Message{Kind: SetEcho, FriendlyName: "Other"}},
		{"homeassistant/light/0x01/light/config", Message{Kind: DiscoveryEntity, EntityClass: "light", DeviceID: "0x01", Component: "light", IsConfig: true}},
		{"homeassistant/sensor/0x01/battery", Message{Kind: DiscoveryEntity, EntityClass: "sensor", DeviceID: "0x01", Component: "battery"}},
		{"homeassistant/status", Message{Kind: Unclassified}},
		{"other/Lamp1", Message{Kind: Unclassified}},
		{"zigbee2mqtt", Message{Kind: Unclassified}},
	}
	for _, tt := range tests {
		t.Run(tt.topic, func(t *testing.T) {
			got := c.Classify(tt.topic, known)
			if got != tt.want {
				t.Errorf("Classify(%q) = %+v, want %+v", tt.topic, got, tt.want)
			}
		})
	}
}

func TestClassifyDefersSetAttrOnEmptyStore(t *testing.T) {
	c := New("zigbee2mqtt", "homeassistant")
	empty := fakeDevices{}

	got := c.Classify("zigbee2mqtt/Lamp1/set/brightness", empty)
	if got.Kind != Deferred || got.FriendlyName != "Lamp1" {
		t.Errorf("got %+v, want deferred Lamp1", got)
	}
	// Plain telemetry still creates the device on an empty store.
	if got := c.Classify("zigbee2mqtt/Lamp1", empty); got.Kind != DeviceTelemetry {
		t.Errorf("telemetry on empty store = %v, want device_telemetry", got.Kind)
	}
	if got := c.Classify("zigbee2mqtt/Lamp1/set/brightness", nil); got.Kind != SetEcho {
		t.Errorf("nil view = %v, want set_echo", got.Kind)
	}
}

func TestClassifyCustomPrefixes(t *testing.T) {
	c := New("z2m/home/", "ha.disc")
	if got := c.Classify("z2m/home/bridge/state", nil); got.Kind != BridgeState {
		t.Errorf("bridge state = %v", got.Kind)
	}
	if got := c.Classify("haXdisc/light/0x01/light/config", nil); got.Kind != Unclassified {
		t.Errorf("prefix must be matched literally, got %v", got.Kind)
	}
	if got := c.Classify("ha.disc/light/0x01/light/config", nil); got.Kind != DiscoveryEntity {
		t.Errorf("discovery = %v", got.Kind)
	}
}

func TestFriendlyNameFromTopic(t *testing.T) {
	c := New("zigbee2mqtt", "homeassistant")
	tests := map[string]string{
		"zigbee2mqtt/Lamp1":              "Lamp1",
		"zigbee2mqtt/Lamp1/availability": "Lamp1",
		"zigbee2mqtt/Lamp1/set":          "Lamp1",
		"zigbee2mqtt/bridge/state":       "",
		"zigbee2mqtt/bridge/log":         "",
		"mqtt/Lamp1":                     "",
	}
	for in, want := range tests {
		if got := c.FriendlyNameFromTopic(in); got != want {
			t.Errorf("FriendlyNameFromTopic(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestKindString(t *testing.T) {
	if DiscoveryEntity.String() != "discovery_entity" {
		t.Errorf("String = %q", DiscoveryEntity.String())
	}
	if Kind(99).String() != "unknown" {
		t.Errorf("out of range = %q", Kind(99).String())
	}
	if !SetEcho.Ignorable() || DeviceTelemetry.Ignorable() {
		t.Error("Ignorable mismatch")
	}
}
