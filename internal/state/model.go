// Package state holds the immutable bridge snapshot, the store that swaps it
// atomically, and the pure reducers that merge inbound facts into it.
package state

import (
	"fmt"
	"strings"
	"time"
)

// CoordinatorName is the synthetic friendly name of the coordinator device.
const CoordinatorName = "Coordinator"

// LogLevel is the bridge log verbosity.
type LogLevel int

const (
	LogLevelInfo LogLevel = iota
	LogLevelDebug
	LogLevelWarn
	LogLevelError
)

func (l LogLevel) String() string {
	switch l {
	case LogLevelDebug:
		return "debug"
	case LogLevelWarn:
		return "warn"
	case LogLevelError:
		return "error"
	default:
		return "info"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (l LogLevel) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (l *LogLevel) UnmarshalText(text []byte) error {
	v, err := ParseLogLevel(string(text))
	if err != nil {
		return err
	}
	*l = v
	return nil
}

// ParseLogLevel parses "debug", "info", "warn"/"warning" or "error".
func ParseLogLevel(s string) (LogLevel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LogLevelDebug, nil
	case "info":
		return LogLevelInfo, nil
	case "warn", "warning":
		return LogLevelWarn, nil
	case "error":
		return LogLevelError, nil
	default:
		return LogLevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}

// Relationship describes how a link target relates to the reporting device.
type Relationship int

const (
	RelationshipOther Relationship = iota
	RelationshipParent
	RelationshipChild
	RelationshipSibling
	RelationshipFormerChild
)

func (r Relationship) String() string {
	switch r {
	case RelationshipParent:
		return "parent"
	case RelationshipChild:
		return "child"
	case RelationshipSibling:
		return "sibling"
	case RelationshipFormerChild:
		return "former_child"
	default:
		return "other"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (r Relationship) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (r *Relationship) UnmarshalText(text []byte) error {
	*r = ParseRelationship(string(text))
	return nil
}

// ParseRelationship maps the numeric zigbee neighbor relationship or its
// name. Anything else is RelationshipOther.
func ParseRelationship(s string) Relationship {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "0", "parent":
		return RelationshipParent
	case "1", "child":
		return RelationshipChild
	case "2", "sibling":
		return RelationshipSibling
	case "4", "former_child", "previous_child", "formerchild":
		return RelationshipFormerChild
	default:
		return RelationshipOther
	}
}

// upstream reports whether the relationship offers a path towards the coordinator.
func (r Relationship) upstream() bool {
	return r == RelationshipParent || r == RelationshipSibling
}

// Link is one edge of the topology graph as seen from its source device.
type Link struct {
	TargetID     string       `json:"target_id"`
	LinkQuality  uint8        `json:"link_quality"`
	Relationship Relationship `json:"relationship"`
	Depth        *int         `json:"depth,omitempty"`
}

// Entity is a Home Assistant entity exposed for a device.
type Entity struct {
	EntityID    string `json:"entity_id"`
	Component   string `json:"component"`
	Name        string `json:"name"`
	DeviceClass string `json:"device_class"`
}

// Device is one node of the mesh. Values reachable from a snapshot are
// shared between snapshots and must be treated as read-only.
type Device struct {
	ZigbeeID        string     `json:"zigbee_id,omitempty"`
	FriendlyName    string     `json:"friendly_name"`
	UniqueID        string     `json:"unique_id,omitempty"`
	Name            string     `json:"name,omitempty"`
	Type            string     `json:"type,omitempty"`
	NetworkAddress  *uint16    `json:"network_address,omitempty"`
	Manufacturer    string     `json:"manufacturer,omitempty"`
	Model           string     `json:"model,omitempty"`
	ModelID         string     `json:"model_id,omitempty"`
	HardwareVersion string     `json:"hardware_version,omitempty"`
	FirmwareVersion string     `json:"firmware_version,omitempty"`
	IsAvailable     *bool      `json:"is_available,omitempty"`
	LastSeen        *time.Time `json:"last_seen,omitempty"`
	BatteryLevel    *float64   `json:"battery_level,omitempty"`
	UpdateAvailable *bool      `json:"update_available,omitempty"`
	LinkQuality     *int       `json:"linkquality,omitempty"`
	Parents         []Link     `json:"parents,omitempty"`
	Entities        []Entity   `json:"entities,omitempty"`
}

// EffectiveLinkQuality returns the best link quality over upstream links
// (parents and siblings). ok is false when the device has no upstream link.
func (d *Device) EffectiveLinkQuality() (lqi uint8, ok bool) {
	for _, l := range d.Parents {
		if !l.Relationship.upstream() {
			continue
		}
		if !ok || l.LinkQuality > lqi {
			lqi = l.LinkQuality
		}
		ok = true
	}
	return lqi, ok
}

// IsBatteryLow reports whether the battery level is known and below threshold.
// A threshold of zero or less disables the check.
func (d *Device) IsBatteryLow(threshold float64) bool {
	return threshold > 0 && d.BatteryLevel != nil && *d.BatteryLevel < threshold
}

// Matches reports whether id names this device, by zigbee id or friendly name.
func (d *Device) Matches(id string) bool {
	return id != "" && (d.ZigbeeID == id || d.FriendlyName == id)
}

func (d *Device) clone() *Device {
	c := *d
	c.Parents = append([]Link(nil), d.Parents...)
	c.Entities = append([]Entity(nil), d.Entities...)
	return &c
}

// Bridge is one immutable version of the whole bridge and device graph.
type Bridge struct {
	Online             bool      `json:"online"`
	CoordinatorID      string    `json:"coordinator_id,omitempty"`
	CoordinatorVersion string    `json:"coordinator_version,omitempty"`
	CoordinatorType    string    `json:"coordinator_type,omitempty"`
	FirmwareVersion    string    `json:"firmware_version,omitempty"`
	LogLevel           LogLevel  `json:"log_level"`
	PermitJoin         bool      `json:"permit_join"`
	Devices            []*Device `json:"devices"`
}

// Empty returns the default snapshot: offline, no devices.
func Empty() *Bridge {
	return &Bridge{LogLevel: LogLevelInfo}
}

// FindDevice looks a device up by zigbee id first, then by friendly name.
func (b *Bridge) FindDevice(id string) *Device {
	if id == "" {
		return nil
	}
	if d := b.byZigbeeID(id); d != nil {
		return d
	}
	return b.byName(id)
}

// HasDevice reports whether a device with this friendly name is known.
func (b *Bridge) HasDevice(name string) bool {
	return b.indexByName(name) >= 0
}

// DeviceCount returns the number of known devices.
func (b *Bridge) DeviceCount() int {
	return len(b.Devices)
}

// LowBatteryDevices returns the devices whose battery is below threshold.
func (b *Bridge) LowBatteryDevices(threshold float64) []*Device {
	var out []*Device
	for _, d := range b.Devices {
		if d.IsBatteryLow(threshold) {
			out = append(out, d)
		}
	}
	return out
}

func (b *Bridge) byName(name string) *Device {
	if i := b.indexByName(name); i >= 0 {
		return b.Devices[i]
	}
	return nil
}

func (b *Bridge) byZigbeeID(id string) *Device {
	if i := b.indexByZigbeeID(id); i >= 0 {
		return b.Devices[i]
	}
	return nil
}

func (b *Bridge) indexByName(name string) int {
	if name == "" {
		return -1
	}
	for i, d := range b.Devices {
		if d.FriendlyName == name {
			return i
		}
	}
	return -1
}

func (b *Bridge) indexByZigbeeID(id string) int {
	if id == "" {
		return -1
	}
	for i, d := range b.Devices {
		if d.ZigbeeID == id {
			return i
		}
	}
	return -1
}

func (b *Bridge) shallowCopy() *Bridge {
	c := *b
	c.Devices = append([]*Device(nil), b.Devices...)
	return &c
}
