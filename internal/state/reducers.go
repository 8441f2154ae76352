package state

import (
	"errors"
	"reflect"
	"strings"
	"time"
)

// ErrEmptyName is returned by reducers that need a friendly name and got none.
var ErrEmptyName = errors.New("empty friendly name")

// txn accumulates device edits on a copy-on-write snapshot. Edits that leave
// a device deeply equal to its previous value are dropped, so a reducer that
// changes nothing returns its input pointer.
type txn struct {
	base *Bridge
	next *Bridge
}

func begin(b *Bridge) *txn { return &txn{base: b} }

func (t *txn) view() *Bridge {
	if t.next != nil {
		return t.next
	}
	return t.base
}

func (t *txn) mutable() *Bridge {
	if t.next == nil {
		t.next = t.base.shallowCopy()
	}
	return t.next
}

// put replaces the device at i, or appends d when i < 0.
func (t *txn) put(i int, d *Device) {
	if i >= 0 {
		if reflect.DeepEqual(t.view().Devices[i], d) {
			return
		}
		t.mutable().Devices[i] = d
		return
	}
	m := t.mutable()
	m.Devices = append(m.Devices, d)
}

func (t *txn) remove(i int) {
	m := t.mutable()
	m.Devices = append(m.Devices[:i:i], m.Devices[i+1:]...)
}

func (t *txn) setBridge(fn func(b *Bridge)) {
	probe := *t.view()
	fn(&probe)
	if bridgeFieldsEqual(&probe, t.view()) {
		return
	}
	m := t.mutable()
	devices := m.Devices
	*m = probe
	m.Devices = devices
}

func (t *txn) result() *Bridge {
	if t.next == nil {
		return t.base
	}
	return t.next
}

func bridgeFieldsEqual(a, b *Bridge) bool {
	return a.Online == b.Online &&
		a.CoordinatorID == b.CoordinatorID &&
		a.CoordinatorVersion == b.CoordinatorVersion &&
		a.CoordinatorType == b.CoordinatorType &&
		a.FirmwareVersion == b.FirmwareVersion &&
		a.LogLevel == b.LogLevel &&
		a.PermitJoin == b.PermitJoin
}

// Telemetry carries the fields of a device state payload this model keeps.
// Nil/zero fields are absent and never overwrite known values.
type Telemetry struct {
	LastSeen        time.Time
	BatteryLevel    *float64
	UpdateAvailable *bool
	LinkQuality     *int
}

// TelemetryResult reports what MergeTelemetry did.
type TelemetryResult struct {
	Device *Device
	// ForceLastSeen is set when the payload had no usable last_seen, which
	// hints that the bridge has the last_seen feature disabled.
	ForceLastSeen bool
}

// MergeTelemetry overlays a device state payload on the device named name,
// creating it when unknown.
func MergeTelemetry(name string, tm Telemetry, res *TelemetryResult) Reducer {
	return func(b *Bridge) (*Bridge, error) {
		if name == "" {
			return b, ErrEmptyName
		}
		t := begin(b)
		i := b.indexByName(name)
		var dev *Device
		if i < 0 {
			dev = &Device{FriendlyName: name}
		} else {
			dev = b.Devices[i].clone()
		}
		if !tm.LastSeen.IsZero() {
			seen := tm.LastSeen
			dev.LastSeen = &seen
		}
		if tm.BatteryLevel != nil {
			dev.BatteryLevel = tm.BatteryLevel
		}
		if tm.UpdateAvailable != nil {
			dev.UpdateAvailable = tm.UpdateAvailable
		}
		if tm.LinkQuality != nil {
			dev.LinkQuality = tm.LinkQuality
		}
		t.put(i, dev)
		if res != nil {
			res.Device = dev
			res.ForceLastSeen = tm.LastSeen.IsZero()
		}
		return t.result(), nil
	}
}

// SetAvailability records the online/offline state of the device named name,
// creating a placeholder for unknown devices.
func SetAvailability(name string, online bool) Reducer {
	return func(b *Bridge) (*Bridge, error) {
		if name == "" {
			return b, ErrEmptyName
		}
		t := begin(b)
		i := b.indexByName(name)
		if i < 0 {
			t.put(-1, &Device{FriendlyName: name, IsAvailable: &online})
			return t.result(), nil
		}
		cur := b.Devices[i]
		if cur.IsAvailable != nil && *cur.IsAvailable == online {
			return b, nil
		}
		dev := cur.clone()
		dev.IsAvailable = &online
		t.put(i, dev)
		return t.result(), nil
	}
}

// SetBridgeOnline marks the bridge online. Going offline resets the snapshot.
func SetBridgeOnline(online bool) Reducer {
	if !online {
		return Reset()
	}
	return func(b *Bridge) (*Bridge, error) {
		t := begin(b)
		t.setBridge(func(nb *Bridge) { nb.Online = true })
		return t.result(), nil
	}
}

// Reset returns the empty snapshot.
func Reset() Reducer {
	return func(b *Bridge) (*Bridge, error) {
		if len(b.Devices) == 0 && bridgeFieldsEqual(b, Empty()) {
			return b, nil
		}
		return Empty(), nil
	}
}

// BridgeConfig is the parsed bridge configuration message.
type BridgeConfig struct {
	Version            string
	CoordinatorVersion string
	CoordinatorType    string
	PermitJoin         bool
	LogLevel           LogLevel
}

// ApplyBridgeConfig copies the bridge configuration into the snapshot.
func ApplyBridgeConfig(cfg BridgeConfig) Reducer {
	return func(b *Bridge) (*Bridge, error) {
		t := begin(b)
		t.setBridge(func(nb *Bridge) {
			nb.FirmwareVersion = cfg.Version
			nb.CoordinatorVersion = cfg.CoordinatorVersion
			nb.CoordinatorType = cfg.CoordinatorType
			nb.PermitJoin = cfg.PermitJoin
			nb.LogLevel = cfg.LogLevel
		})
		return t.result(), nil
	}
}

// Discovery is a parsed Home Assistant discovery config message.
type Discovery struct {
	// From the topic.
	DeviceID    string
	EntityClass string
	Component   string

	// From the payload.
	EntityName        string
	EntityID          string
	DeviceName        string
	DeviceIdentifier  string
	StateTopic        string
	AttributesTopic   string
	AvailabilityTopic string
}

// SourceTopic returns the first non-empty of the state, attributes and
// availability topics.
func (d Discovery) SourceTopic() string {
	for _, s := range []string{d.StateTopic, d.AttributesTopic, d.AvailabilityTopic} {
		if s != "" {
			return s
		}
	}
	return ""
}

// DiscoveryResult reports what MergeDiscovery did. Skipped is non-empty when
// the message was ignored.
type DiscoveryResult struct {
	Device  *Device
	Entity  *Entity
	Skipped string
}

// MergeDiscovery attaches a discovered entity to its device. The device is
// resolved by zigbee id, then by the friendly name nameFromTopic extracts from
// the payload's source topic, and created when neither matches.
func MergeDiscovery(d Discovery, nameFromTopic func(string) string, res *DiscoveryResult) Reducer {
	return func(b *Bridge) (*Bridge, error) {
		skip := func(reason string) (*Bridge, error) {
			if res != nil {
				*res = DiscoveryResult{Skipped: reason}
			}
			return b, nil
		}
		if d.EntityName == "" || d.EntityID == "" || d.DeviceName == "" || d.DeviceIdentifier == "" || d.DeviceID == "" {
			return skip("missing required fields")
		}

		t := begin(b)
		i := b.indexByZigbeeID(d.DeviceID)
		var dev *Device
		if i >= 0 {
			dev = b.Devices[i].clone()
		} else {
			topic := d.SourceTopic()
			if topic == "" {
				return skip("no source topic")
			}
			name := ""
			if nameFromTopic != nil {
				name = nameFromTopic(topic)
			}
			if name == "" {
				return skip("no friendly name in topic " + topic)
			}
			i = b.indexByName(name)
			if i >= 0 {
				dev = b.Devices[i].clone()
			} else {
				dev = &Device{FriendlyName: name}
			}
		}

		dev.ZigbeeID = d.DeviceID
		dev.Name = d.DeviceName
		dev.UniqueID = d.DeviceIdentifier
		entity := Entity{
			EntityID:    d.EntityID,
			Component:   d.Component,
			Name:        d.EntityName,
			DeviceClass: d.EntityClass,
		}
		replaced := false
		for k := range dev.Entities {
			if dev.Entities[k].Component == d.Component {
				dev.Entities[k] = entity
				replaced = true
				break
			}
		}
		if !replaced {
			dev.Entities = append(dev.Entities, entity)
		}
		t.put(i, dev)
		if res != nil {
			*res = DiscoveryResult{Device: dev, Entity: &entity}
		}
		return t.result(), nil
	}
}

// InventoryEntry is one record of the bridge device list.
type InventoryEntry struct {
	FriendlyName    string
	ZigbeeID        string
	Type            string
	NetworkAddress  *uint16
	Manufacturer    string
	Model           string
	ModelID         string
	HardwareVersion string
	FirmwareVersion string
	LastSeen        time.Time
}

// InventoryResult lists entries MergeInventory could not place.
type InventoryResult struct {
	Dropped []InventoryEntry
}

// cleanField trims whitespace and NUL bytes some firmwares leave in strings.
func cleanField(s string) string {
	s = strings.ReplaceAll(s, "\x00", "")
	return strings.TrimSpace(s)
}

// MergeInventory merges a full device listing. Each entry is matched by
// friendly name or zigbee id; a zigbee id match wins and absorbs a
// name-only duplicate.
func MergeInventory(entries []InventoryEntry, res *InventoryResult) Reducer {
	return func(b *Bridge) (*Bridge, error) {
		if res != nil {
			res.Dropped = nil
		}
		t := begin(b)
		for _, e := range entries {
			name := cleanField(e.FriendlyName)
			zid := cleanField(e.ZigbeeID)
			typ := cleanField(e.Type)

			isCoordinator := strings.EqualFold(typ, CoordinatorName)
			if isCoordinator {
				if zid != "" {
					t.setBridge(func(nb *Bridge) { nb.CoordinatorID = zid })
				}
				if name == "" {
					name = CoordinatorName
				}
			}

			view := t.view()
			zi := view.indexByZigbeeID(zid)
			ni := view.indexByName(name)

			var dev *Device
			idx := -1
			switch {
			case zi >= 0:
				idx = zi
				dev = view.Devices[zi].clone()
				if ni >= 0 && ni != zi {
					// The listing is authoritative for names: a stale
					// record holding this name goes away, and a name-only
					// duplicate is folded in first.
					if view.Devices[ni].ZigbeeID == "" {
						absorb(dev, view.Devices[ni])
					}
					t.remove(ni)
					if ni < zi {
						idx--
					}
				}
			case ni >= 0:
				idx = ni
				dev = view.Devices[ni].clone()
			case name != "":
				dev = &Device{FriendlyName: name}
			default:
				if res != nil {
					res.Dropped = append(res.Dropped, e)
				}
				continue
			}

			if name != "" {
				dev.FriendlyName = name
			}
			setIf(&dev.ZigbeeID, zid)
			setIf(&dev.Type, typ)
			setIf(&dev.Manufacturer, cleanField(e.Manufacturer))
			setIf(&dev.Model, cleanField(e.Model))
			setIf(&dev.ModelID, cleanField(e.ModelID))
			setIf(&dev.HardwareVersion, cleanField(e.HardwareVersion))
			setIf(&dev.FirmwareVersion, cleanField(e.FirmwareVersion))
			if e.NetworkAddress != nil {
				addr := *e.NetworkAddress
				dev.NetworkAddress = &addr
			}
			if !e.LastSeen.IsZero() {
				seen := e.LastSeen
				dev.LastSeen = &seen
			}
			t.put(idx, dev)
		}
		return t.result(), nil
	}
}

func setIf(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

// absorb copies into dst the facts only src knows.
func absorb(dst, src *Device) {
	if dst.IsAvailable == nil {
		dst.IsAvailable = src.IsAvailable
	}
	if src.LastSeen != nil && (dst.LastSeen == nil || dst.LastSeen.Before(*src.LastSeen)) {
		dst.LastSeen = src.LastSeen
	}
	if dst.BatteryLevel == nil {
		dst.BatteryLevel = src.BatteryLevel
	}
	if dst.UpdateAvailable == nil {
		dst.UpdateAvailable = src.UpdateAvailable
	}
	if dst.LinkQuality == nil {
		dst.LinkQuality = src.LinkQuality
	}
	if len(dst.Entities) == 0 {
		dst.Entities = append([]Entity(nil), src.Entities...)
	}
}

// TopologyNode is a node record of a network scan.
type TopologyNode struct {
	ZigbeeID string
	Status   string
}

// TopologyLink is a link record of a network scan. LinkQuality is nil when
// the record did not carry one.
type TopologyLink struct {
	SourceID     string
	TargetID     string
	LinkQuality  *int
	Relationship Relationship
	Depth        *int
}

// Topology is a parsed raw network map.
type Topology struct {
	Nodes []TopologyNode
	Links []TopologyLink
}

// TopologyResult counts the records MergeTopology skipped.
type TopologyResult struct {
	SkippedNodes int
	SkippedLinks int
}

// MergeTopology applies a network scan to known devices. It never creates
// devices: records about unknown sources are skipped.
func MergeTopology(tp Topology, res *TopologyResult) Reducer {
	return func(b *Bridge) (*Bridge, error) {
		if res != nil {
			*res = TopologyResult{}
		}
		t := begin(b)
		for _, n := range tp.Nodes {
			i := t.view().indexByZigbeeID(n.ZigbeeID)
			if i < 0 {
				if res != nil {
					res.SkippedNodes++
				}
				continue
			}
			var online bool
			switch strings.ToLower(n.Status) {
			case "online":
				online = true
			case "offline":
				online = false
			default:
				continue
			}
			cur := t.view().Devices[i]
			if cur.IsAvailable != nil && *cur.IsAvailable == online {
				continue
			}
			dev := cur.clone()
			dev.IsAvailable = &online
			t.put(i, dev)
		}

		for _, l := range tp.Links {
			i := t.view().indexByZigbeeID(l.SourceID)
			if i < 0 || l.TargetID == "" || l.LinkQuality == nil {
				if res != nil {
					res.SkippedLinks++
				}
				continue
			}
			link := Link{
				TargetID:     l.TargetID,
				LinkQuality:  clampLQI(*l.LinkQuality),
				Relationship: l.Relationship,
				Depth:        l.Depth,
			}
			dev := t.view().Devices[i].clone()
			replaced := false
			for k := range dev.Parents {
				if dev.Parents[k].TargetID == l.TargetID {
					dev.Parents[k] = link
					replaced = true
					break
				}
			}
			if !replaced {
				dev.Parents = append(dev.Parents, link)
			}
			t.put(i, dev)
		}
		return t.result(), nil
	}
}

func clampLQI(v int) uint8 {
	switch {
	case v < 0:
		return 0
	case v > 255:
		return 255
	default:
		return uint8(v)
	}
}

// RenameDevice re-keys the device named from to the name to. It is a no-op
// when from is unknown. A different record already holding to is dropped:
// the bridge has confirmed the name belongs to the renamed device.
func RenameDevice(from, to string) Reducer {
	return func(b *Bridge) (*Bridge, error) {
		if to == "" {
			return b, ErrEmptyName
		}
		i := b.indexByName(from)
		if i < 0 || from == to {
			return b, nil
		}
		t := begin(b)
		if j := b.indexByName(to); j >= 0 {
			t.remove(j)
			if j < i {
				i--
			}
		}
		dev := t.view().Devices[i].clone()
		dev.FriendlyName = to
		t.put(i, dev)
		return t.result(), nil
	}
}

// RemoveDevice deletes the device named name; no-op when unknown.
func RemoveDevice(name string) Reducer {
	return func(b *Bridge) (*Bridge, error) {
		i := b.indexByName(name)
		if i < 0 {
			return b, nil
		}
		t := begin(b)
		t.remove(i)
		return t.result(), nil
	}
}

// AddDevice records a newly connected device unless one with the same name
// or zigbee id is already known.
func AddDevice(name, zigbeeID, modelID string) Reducer {
	return func(b *Bridge) (*Bridge, error) {
		if name == "" {
			return b, ErrEmptyName
		}
		if b.indexByName(name) >= 0 || b.indexByZigbeeID(zigbeeID) >= 0 {
			return b, nil
		}
		online := true
		t := begin(b)
		t.put(-1, &Device{
			FriendlyName: name,
			ZigbeeID:     zigbeeID,
			ModelID:      modelID,
			IsAvailable:  &online,
		})
		return t.result(), nil
	}
}
