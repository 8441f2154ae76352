// Package topic maps zigbee2mqtt and Home Assistant discovery topics to
// message kinds.
package topic

import (
	"regexp"
	"strings"
)

// Kind is the semantic type of an inbound message.
type Kind int

const (
	Unclassified Kind = iota
	BridgeState
	BridgeConfig
	DeviceAvailability
	DeviceTelemetry
	DiscoveryEntity
	InventoryList
	TopologyScan
	LogEvent
	SetEcho
	RequestEcho
	Deferred
)

var kindNames = [...]string{
	Unclassified:       "unclassified",
	BridgeState:        "bridge_state",
	BridgeConfig:       "bridge_config",
	DeviceAvailability: "device_availability",
	DeviceTelemetry:    "device_telemetry",
	DiscoveryEntity:    "discovery_entity",
	InventoryList:      "inventory_list",
	TopologyScan:       "topology_scan",
	LogEvent:           "log_event",
	SetEcho:            "set_echo",
	RequestEcho:        "request_echo",
	Deferred:           "deferred",
}

func (k Kind) String() string {
	if k >= 0 && int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "unknown"
}

// Ignorable reports whether messages of this kind carry no state.
func (k Kind) Ignorable() bool {
	return k == SetEcho || k == RequestEcho || k == Deferred || k == Unclassified
}

// Request names the refresh an echoed outbound request belongs to.
type Request int

const (
	RequestNone Request = iota
	RequestDevices
	RequestNetworkMap
)

// Message is the classification result.
type Message struct {
	Kind         Kind
	FriendlyName string

	// Discovery topics only.
	EntityClass string
	DeviceID    string
	Component   string
	IsConfig    bool

	// RequestEcho only.
	Request Request
}

// Devices is the view of known devices the ambiguity rule needs.
// *state.Bridge satisfies it.
type Devices interface {
	HasDevice(name string) bool
	DeviceCount() int
}

// Outbound command topics under <base>/bridge/ that some brokers reflect
// back to the subscriber.
var (
	echoExact = map[string]Request{
		"config/devices/get":   RequestDevices,
		"networkmap":           RequestNetworkMap,
		"config/permit_join":   RequestNone,
		"config/rename":        RequestNone,
		"config/remove":        RequestNone,
		"config/force_remove":  RequestNone,
		"config/log_level":     RequestNone,
		"config/last_seen":     RequestNone,
		"configure":            RequestNone,
		"config/devices/reset": RequestNone,
	}
	echoPrefixes = []string{
		"bind/",
		"unbind/",
		"ota_update/",
		"config/touchlink/",
	}
)

// Classifier is safe for concurrent use.
type Classifier struct {
	base     string
	hass     string
	bridge   string
	deviceRe *regexp.Regexp
	setRe    *regexp.Regexp
	hassRe   *regexp.Regexp
}

// New creates a classifier for the given device namespace (e.g.
// "zigbee2mqtt") and discovery namespace (e.g. "homeassistant").
func New(base, hass string) *Classifier {
	base = strings.TrimRight(base, "/")
	hass = strings.TrimRight(hass, "/")
	qb := regexp.QuoteMeta(base)
	return &Classifier{
		base:     base,
		hass:     hass,
		bridge:   base + "/bridge/",
		deviceRe: regexp.MustCompile(`^` + qb + `/(.+?)(?:/(availability|state|config|config/devices|attributes))?$`),
		setRe:    regexp.MustCompile(`^` + qb + `/(.+)/set(?:/([^/]+))?$`),
		hassRe:   regexp.MustCompile(`^` + regexp.QuoteMeta(hass) + `/([^/]+)/([^/]+)/([^/]+)(?:/(config))?$`),
	}
}

// Base returns the device namespace prefix.
func (c *Classifier) Base() string { return c.base }

// Discovery returns the discovery namespace prefix.
func (c *Classifier) Discovery() string { return c.hass }

// Classify maps topic to a message kind. known may be nil, in which case the
// store is treated as holding devices and nothing is deferred.
func (c *Classifier) Classify(topic string, known Devices) Message {
	if rest, ok := strings.CutPrefix(topic, c.bridge); ok {
		if req, ok := echoExact[rest]; ok {
			return Message{Kind: RequestEcho, Request: req}
		}
		for _, p := range echoPrefixes {
			if strings.HasPrefix(rest, p) {
				return Message{Kind: RequestEcho}
			}
		}
	}

	if m := c.setRe.FindStringSubmatch(topic); m != nil {
		name, attr := m[1], m[2]
		if attr != "" && known != nil && !known.HasDevice(name) && known.DeviceCount() == 0 {
			return Message{Kind: Deferred, FriendlyName: name}
		}
		return Message{Kind: SetEcho, FriendlyName: name}
	}

	if m := c.hassRe.FindStringSubmatch(topic); m != nil {
		return Message{
			Kind:        DiscoveryEntity,
			EntityClass: m[1],
			DeviceID:    m[2],
			Component:   m[3],
			IsConfig:    m[4] != "",
		}
	}

	switch topic {
	case c.bridge + "config/devices":
		return Message{Kind: InventoryList}
	case c.bridge + "networkmap/raw":
		return Message{Kind: TopologyScan}
	case c.bridge + "log":
		return Message{Kind: LogEvent}
	}

	m := c.deviceRe.FindStringSubmatch(topic)
	if m == nil {
		return Message{Kind: Unclassified}
	}
	name, suffix := m[1], m[2]
	if name == "bridge" {
		switch suffix {
		case "state":
			return Message{Kind: BridgeState}
		case "config":
			return Message{Kind: BridgeConfig}
		}
		return Message{Kind: Unclassified}
	}
	if strings.HasPrefix(name, "bridge/") {
		return Message{Kind: Unclassified}
	}
	switch suffix {
	case "availability", "state", "config", "config/devices":
		return Message{Kind: DeviceAvailability, FriendlyName: name}
	}
	return Message{Kind: DeviceTelemetry, FriendlyName: name}
}

// FriendlyNameFromTopic extracts the device name from a device namespace
// topic such as "<base>/Lamp1" or "<base>/Lamp1/availability". It returns ""
// for bridge topics and topics outside the namespace.
func (c *Classifier) FriendlyNameFromTopic(topic string) string {
	if m := c.setRe.FindStringSubmatch(topic); m != nil {
		return m[1]
	}
	m := c.deviceRe.FindStringSubmatch(topic)
	if m == nil {
		return ""
	}
	if m[1] == "bridge" || strings.HasPrefix(m[1], "bridge/") {
		return ""
	}
	return m[1]
}
