package bridge

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"zigbee2mqtt-assistant/internal/state"
)

func TestParseBridgeConfig(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    state.BridgeConfig
	}{
		{
			name:    "coordinator string",
			payload: `{"version":"1.14.0","coordinator":20190608,"permit_join":false,"log_level":"warn"}`,
			want:    state.BridgeConfig{Version: "1.14.0", CoordinatorVersion: "20190608", CoordinatorType: "zStack", LogLevel: state.LogLevelWarn},
		},
		{
			name:    "coordinator object",
			payload: `{"version":"1.17.0","coordinator":{"type":"zStack3x0","meta":{"revision":20200805}},"permit_join":true,"log_level":"debug"}`,
			want:    state.BridgeConfig{Version: "1.17.0", CoordinatorVersion: "20200805", CoordinatorType: "zStack3x0", PermitJoin: true, LogLevel: state.LogLevelDebug},
		},
		{
			name:    "defaults",
			payload: `{}`,
			want:    state.BridgeConfig{LogLevel: state.LogLevelInfo},
		},
		{
			name:    "unknown level falls back to info",
			payload: `{"log_level":"chatty","permit_join":"true"}`,
			want:    state.BridgeConfig{LogLevel: state.LogLevelInfo, PermitJoin: true},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseBridgeConfig([]byte(tt.payload))
			if err != nil {
				t.Fatal(err)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("config (-want +got):\n%s", diff)
			}
		})
	}
}

func TestParseInventoryFieldAliases(t *testing.T) {
	entries, err := parseInventory([]byte(`[
		{"friendly_name":"Lamp1","ieeeAddr":"0x01","type":"Router","nwkAddr":4660,
		 "modelID":"TRADFRI bulb E27","model":"LED1545G12","manufName":"IKEA of Sweden\u0000",
		 "hwVersion":1,"softwareBuildID":"2.3.050","lastSeen":1700000000000},
		{"friendly_name":"Sensor","ieeeAddr":"0x02","networkAddress":"0x1235",
		 "modelId":"lumi.weather","manufacturerName":"LUMI","hardwareVersion":"3"}]`))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("entries = %d", len(entries))
	}
	e := entries[0]
	if e.ModelID != "TRADFRI bulb E27" || e.Model != "LED1545G12" {
		t.Errorf("model = %q / %q", e.ModelID, e.Model)
	}
	if e.NetworkAddress == nil || *e.NetworkAddress != 4660 {
		t.Errorf("network address = %v", e.NetworkAddress)
	}
	if e.HardwareVersion != "1" || e.FirmwareVersion != "2.3.050" {
		t.Errorf("versions = %q / %q", e.HardwareVersion, e.FirmwareVersion)
	}
	if e.LastSeen.IsZero() {
		t.Error("last seen not parsed")
	}
	s := entries[1]
	if s.ModelID != "lumi.weather" || s.Manufacturer != "LUMI" || s.HardwareVersion != "3" {
		t.Errorf("aliases = %+v", s)
	}
	if s.NetworkAddress == nil || *s.NetworkAddress != 0x1235 {
		t.Errorf("hex network address = %v", s.NetworkAddress)
	}
}

func TestParseInventoryEnvelope(t *testing.T) {
	entries, err := parseInventory([]byte(`{"type":"devices","message":[{"friendly_name":"a"}]}`))
	if err != nil || len(entries) != 1 {
		t.Fatalf("entries = %v, err = %v", entries, err)
	}
	if _, err := parseInventory([]byte(`{"type":"groups","message":[]}`)); err == nil {
		t.Error("expected error for non-device envelope")
	}
}

func TestParseTopologyFormats(t *testing.T) {
	tp, err := parseTopology([]byte(`{
		"nodes":[{"ieeeAddr":"0x01","status":"online","parent":"0x00"},{"ieeeAddr":""}],
		"links":[
			{"sourceIeeeAddr":"0x01","targetIeeeAddr":"0x00","lqi":150,"relationship":1,"depth":2},
			{"source":{"ieeeAddr":"0x02"},"target":{"ieeeAddr":"0x01"},"linkquality":90,"relationship":2},
			{"targetIeeeAddr":"0x00","lqi":1}]}`))
	if err != nil {
		t.Fatal(err)
	}
	depth := 2
	want := state.Topology{
		Nodes: []state.TopologyNode{{ZigbeeID: "0x01", Status: "online"}},
		Links: []state.TopologyLink{
			{SourceID: "0x01", TargetID: "0x00", LinkQuality: ptr(150), Relationship: state.RelationshipChild, Depth: &depth},
			{SourceID: "0x02", TargetID: "0x01", LinkQuality: ptr(90), Relationship: state.RelationshipSibling},
		},
	}
	if diff := cmp.Diff(want, tp); diff != "" {
		t.Errorf("topology (-want +got):\n%s", diff)
	}
}

func TestParseTelemetry(t *testing.T) {
	tm, err := parseTelemetry([]byte(`{"battery":"87","linkquality":42,"update":{"state":"available"},"last_seen":"2023-11-14T22:13:20Z","state":"ON"}`))
	if err != nil {
		t.Fatal(err)
	}
	if tm.BatteryLevel == nil || *tm.BatteryLevel != 87 {
		t.Errorf("battery = %v", tm.BatteryLevel)
	}
	if tm.LinkQuality == nil || *tm.LinkQuality != 42 {
		t.Errorf("linkquality = %v", tm.LinkQuality)
	}
	if tm.UpdateAvailable == nil || !*tm.UpdateAvailable {
		t.Error("update available not set")
	}
	if tm.LastSeen.IsZero() {
		t.Error("last seen not parsed")
	}

	tm, err = parseTelemetry([]byte(`{"temperature":21.5}`))
	if err != nil {
		t.Fatal(err)
	}
	if tm.BatteryLevel != nil || tm.UpdateAvailable != nil || !tm.LastSeen.IsZero() {
		t.Errorf("absent fields set: %+v", tm)
	}
}

func TestParseDiscovery(t *testing.T) {
	var d state.Discovery
	err := parseDiscovery([]byte(`{"name":"Lamp1 light","unique_id":"0x01_light",
		"availability":[{"topic":"zigbee2mqtt/bridge/state"},{"topic":"zigbee2mqtt/Lamp1/availability"}],
		"device":{"identifiers":"zigbee2mqtt_0x01","name":"Lamp1"}}`), &d)
	if err != nil {
		t.Fatal(err)
	}
	want := state.Discovery{
		EntityName:        "Lamp1 light",
		EntityID:          "0x01_light",
		AvailabilityTopic: "zigbee2mqtt/Lamp1/availability",
		DeviceName:        "Lamp1",
		DeviceIdentifier:  "zigbee2mqtt_0x01",
	}
	if diff := cmp.Diff(want, d); diff != "" {
		t.Errorf("discovery (-want +got):\n%s", diff)
	}
}

func TestParseOnline(t *testing.T) {
	for in, want := range map[string]bool{
		"online": true, "offline": false, `{"state":"online"}`: true, ` OFFLINE `: false,
	} {
		got, err := parseOnline([]byte(in))
		if err != nil || got != want {
			t.Errorf("parseOnline(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := parseOnline([]byte("dunno")); err == nil {
		t.Error("expected error")
	}
}

func ptr[T any](v T) *T { return &v }
