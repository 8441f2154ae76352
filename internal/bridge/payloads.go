package bridge

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"zigbee2mqtt-assistant/internal/state"
)

// flexString accepts a JSON string, number or bool. Objects, arrays and null
// leave it empty.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 {
		return nil
	}
	switch b[0] {
	case '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString(s)
	case '{', '[', 'n':
	default:
		*f = flexString(b)
	}
	return nil
}

func firstOf(vs ...flexString) string {
	for _, v := range vs {
		if v != "" {
			return string(v)
		}
	}
	return ""
}

// flexFloat accepts a JSON number or numeric string.
type flexFloat struct {
	v   float64
	set bool
}

func (f *flexFloat) UnmarshalJSON(b []byte) error {
	var s flexString
	if err := s.UnmarshalJSON(b); err != nil {
		return err
	}
	if s == "" {
		return nil
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(string(s)), 64)
	if err != nil {
		// Non-numeric values are ignored rather than failing the payload.
		return nil
	}
	f.v, f.set = v, true
	return nil
}

func (f flexFloat) ptr() *float64 {
	if !f.set {
		return nil
	}
	v := f.v
	return &v
}

// flexBool accepts true/false as JSON bools or strings.
type flexBool struct {
	v   bool
	set bool
}

func (f *flexBool) UnmarshalJSON(b []byte) error {
	var s flexString
	if err := s.UnmarshalJSON(b); err != nil {
		return err
	}
	switch strings.ToLower(strings.TrimSpace(string(s))) {
	case "true", "on", "1":
		f.v, f.set = true, true
	case "false", "off", "0":
		f.v, f.set = false, true
	}
	return nil
}

// flexStrings accepts a single string or an array of strings.
type flexStrings []string

func (f *flexStrings) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || b[0] == 'n' {
		return nil
	}
	if b[0] == '[' {
		var raw []flexString
		if err := json.Unmarshal(b, &raw); err != nil {
			return err
		}
		for _, r := range raw {
			if r != "" {
				*f = append(*f, string(r))
			}
		}
		return nil
	}
	var s flexString
	if err := s.UnmarshalJSON(b); err != nil {
		return err
	}
	if s != "" {
		*f = flexStrings{string(s)}
	}
	return nil
}

// parseOnline reads "online"/"offline", bare or as {"state": "..."}.
func parseOnline(payload []byte) (bool, error) {
	p := bytes.TrimSpace(payload)
	if len(p) > 0 && p[0] == '{' {
		var v struct {
			State string `json:"state"`
		}
		if err := json.Unmarshal(p, &v); err != nil {
			return false, fmt.Errorf("parse availability: %w", err)
		}
		p = []byte(v.State)
	}
	switch strings.ToLower(strings.Trim(string(p), `" `)) {
	case "online":
		return true, nil
	case "offline":
		return false, nil
	default:
		return false, fmt.Errorf("unknown availability %q", p)
	}
}

type bridgeConfigPayload struct {
	Version     flexString      `json:"version"`
	Coordinator json.RawMessage `json:"coordinator"`
	PermitJoin  flexBool        `json:"permit_join"`
	LogLevel    string          `json:"log_level"`
}

type coordinatorObject struct {
	Type string `json:"type"`
	Meta struct {
		Revision flexString `json:"revision"`
	} `json:"meta"`
}

// defaultCoordinatorType is assumed when the bridge reports the coordinator
// as a bare version string.
const defaultCoordinatorType = "zStack"

func parseBridgeConfig(payload []byte) (state.BridgeConfig, error) {
	var p bridgeConfigPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return state.BridgeConfig{}, fmt.Errorf("parse bridge config: %w", err)
	}
	cfg := state.BridgeConfig{
		Version:    string(p.Version),
		PermitJoin: p.PermitJoin.v,
		LogLevel:   state.LogLevelInfo,
	}

	raw := bytes.TrimSpace(p.Coordinator)
	switch {
	case len(raw) == 0 || raw[0] == 'n':
	case raw[0] == '{':
		var c coordinatorObject
		if err := json.Unmarshal(raw, &c); err != nil {
			return state.BridgeConfig{}, fmt.Errorf("parse coordinator: %w", err)
		}
		cfg.CoordinatorVersion = string(c.Meta.Revision)
		cfg.CoordinatorType = c.Type
	default:
		var v flexString
		if err := v.UnmarshalJSON(raw); err != nil {
			return state.BridgeConfig{}, fmt.Errorf("parse coordinator: %w", err)
		}
		cfg.CoordinatorVersion = string(v)
		cfg.CoordinatorType = defaultCoordinatorType
	}

	if p.LogLevel != "" {
		if lvl, err := state.ParseLogLevel(p.LogLevel); err == nil {
			cfg.LogLevel = lvl
		}
	}
	return cfg, nil
}

type telemetryPayload struct {
	LastSeen        any       `json:"last_seen"`
	Battery         flexFloat `json:"battery"`
	LinkQuality     flexFloat `json:"linkquality"`
	UpdateAvailable flexBool  `json:"update_available"`
	Update          *struct {
		State string `json:"state"`
	} `json:"update"`
}

func parseTelemetry(payload []byte) (state.Telemetry, error) {
	var p telemetryPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return state.Telemetry{}, fmt.Errorf("parse device state: %w", err)
	}
	var tm state.Telemetry
	if ts, ok := state.ParseTimestamp(p.LastSeen); ok {
		tm.LastSeen = ts
	}
	tm.BatteryLevel = p.Battery.ptr()
	if p.LinkQuality.set {
		lqi := int(p.LinkQuality.v)
		tm.LinkQuality = &lqi
	}
	switch {
	case p.UpdateAvailable.set:
		v := p.UpdateAvailable.v
		tm.UpdateAvailable = &v
	case p.Update != nil && p.Update.State != "":
		v := p.Update.State == "available"
		tm.UpdateAvailable = &v
	}
	return tm, nil
}

type haDevice struct {
	Identifiers flexStrings `json:"identifiers"`
	Name        string      `json:"name"`
}

type haDiscovery struct {
	Name                string `json:"name"`
	UniqueID            string `json:"unique_id"`
	StateTopic          string `json:"state_topic"`
	JSONAttributesTopic string `json:"json_attributes_topic"`
	AvailabilityTopic   string `json:"availability_topic"`
	Availability        []struct {
		Topic string `json:"topic"`
	} `json:"availability"`
	Device *haDevice `json:"device"`
}

// parseDiscovery fills the payload fields of d. Missing fields are left
// empty for the merge to reject.
func parseDiscovery(payload []byte, d *state.Discovery) error {
	var p haDiscovery
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("parse discovery: %w", err)
	}
	d.EntityName = p.Name
	d.EntityID = p.UniqueID
	d.StateTopic = p.StateTopic
	d.AttributesTopic = p.JSONAttributesTopic
	d.AvailabilityTopic = p.AvailabilityTopic
	if d.AvailabilityTopic == "" {
		for _, a := range p.Availability {
			// The bridge-wide availability topic names no device.
			if a.Topic != "" && !strings.HasSuffix(a.Topic, "/bridge/state") {
				d.AvailabilityTopic = a.Topic
				break
			}
		}
	}
	if p.Device != nil {
		d.DeviceName = p.Device.Name
		if len(p.Device.Identifiers) > 0 {
			d.DeviceIdentifier = p.Device.Identifiers[0]
		}
	}
	return nil
}

type deviceRecord struct {
	FriendlyName     flexString `json:"friendly_name"`
	IEEEAddr         flexString `json:"ieeeAddr"`
	IEEEAddress      flexString `json:"ieee_address"`
	Type             flexString `json:"type"`
	NwkAddr          flexString `json:"nwkAddr"`
	NetworkAddress   flexString `json:"networkAddress"`
	ModelIDLower     flexString `json:"modelId"`
	ModelID          flexString `json:"modelID"`
	Model            flexString `json:"model"`
	ManufName        flexString `json:"manufName"`
	ManufacturerName flexString `json:"manufacturerName"`
	HwVersion        flexString `json:"hwVersion"`
	HardwareVersion  flexString `json:"hardwareVersion"`
	SoftwareBuildID  flexString `json:"softwareBuildID"`
	DateCode         flexString `json:"dateCode"`
	LastSeen         any        `json:"lastSeen"`
}

func (r deviceRecord) entry() state.InventoryEntry {
	e := state.InventoryEntry{
		FriendlyName:    string(r.FriendlyName),
		ZigbeeID:        firstOf(r.IEEEAddr, r.IEEEAddress),
		Type:            string(r.Type),
		Manufacturer:    firstOf(r.ManufName, r.ManufacturerName),
		Model:           string(r.Model),
		ModelID:         firstOf(r.ModelID, r.ModelIDLower),
		HardwareVersion: firstOf(r.HwVersion, r.HardwareVersion),
		FirmwareVersion: firstOf(r.SoftwareBuildID, r.DateCode),
	}
	if addr := firstOf(r.NwkAddr, r.NetworkAddress); addr != "" {
		if v, err := strconv.ParseUint(strings.TrimSpace(addr), 0, 16); err == nil {
			a := uint16(v)
			e.NetworkAddress = &a
		}
	}
	if ts, ok := state.ParseTimestamp(r.LastSeen); ok {
		e.LastSeen = ts
	}
	return e
}

// parseInventory reads a device list sent bare or as {"type":"devices",
// "message":[...]}.
func parseInventory(payload []byte) ([]state.InventoryEntry, error) {
	p := bytes.TrimSpace(payload)
	if len(p) > 0 && p[0] == '{' {
		var env struct {
			Type    string          `json:"type"`
			Message json.RawMessage `json:"message"`
		}
		if err := json.Unmarshal(p, &env); err != nil {
			return nil, fmt.Errorf("parse device list: %w", err)
		}
		if env.Type != "devices" {
			return nil, fmt.Errorf("parse device list: unexpected envelope type %q", env.Type)
		}
		p = env.Message
	}
	var records []deviceRecord
	if err := json.Unmarshal(p, &records); err != nil {
		return nil, fmt.Errorf("parse device list: %w", err)
	}
	entries := make([]state.InventoryEntry, 0, len(records))
	for _, r := range records {
		entries = append(entries, r.entry())
	}
	return entries, nil
}

type ieeeRef struct {
	IEEEAddr flexString `json:"ieeeAddr"`
}

type networkMapPayload struct {
	Nodes []struct {
		IEEEAddr flexString `json:"ieeeAddr"`
		Status   string     `json:"status"`
	} `json:"nodes"`
	Links []struct {
		SourceIEEEAddr flexString `json:"sourceIeeeAddr"`
		TargetIEEEAddr flexString `json:"targetIeeeAddr"`
		Source         *ieeeRef   `json:"source"`
		Target         *ieeeRef   `json:"target"`
		LQI            flexFloat  `json:"lqi"`
		LinkQuality    flexFloat  `json:"linkquality"`
		Relationship   flexString `json:"relationship"`
		Depth          flexFloat  `json:"depth"`
	} `json:"links"`
}

func parseTopology(payload []byte) (state.Topology, error) {
	var p networkMapPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return state.Topology{}, fmt.Errorf("parse network map: %w", err)
	}
	var tp state.Topology
	for _, n := range p.Nodes {
		id := strings.TrimSpace(string(n.IEEEAddr))
		if id == "" {
			continue
		}
		tp.Nodes = append(tp.Nodes, state.TopologyNode{ZigbeeID: id, Status: n.Status})
	}
	for _, l := range p.Links {
		link := state.TopologyLink{
			SourceID:     strings.TrimSpace(string(l.SourceIEEEAddr)),
			TargetID:     strings.TrimSpace(string(l.TargetIEEEAddr)),
			Relationship: state.ParseRelationship(string(l.Relationship)),
		}
		if link.SourceID == "" && l.Source != nil {
			link.SourceID = strings.TrimSpace(string(l.Source.IEEEAddr))
		}
		if link.TargetID == "" && l.Target != nil {
			link.TargetID = strings.TrimSpace(string(l.Target.IEEEAddr))
		}
		q := l.LQI
		if !q.set {
			q = l.LinkQuality
		}
		if q.set {
			v := int(q.v)
			link.LinkQuality = &v
		}
		if l.Depth.set {
			d := int(l.Depth.v)
			link.Depth = &d
		}
		if link.SourceID == "" {
			continue
		}
		tp.Links = append(tp.Links, link)
	}
	return tp, nil
}

type logPayload struct {
	Type    string          `json:"type"`
	Message json.RawMessage `json:"message"`
	Meta    json.RawMessage `json:"meta"`
}

type logPair struct {
	From flexString `json:"from"`
	To   flexString `json:"to"`
}

type logMeta struct {
	ModelID  flexString `json:"modelID"`
	IEEEAddr flexString `json:"ieeeAddr"`
}

func parseLog(payload []byte) (logPayload, error) {
	var p logPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return p, fmt.Errorf("parse log: %w", err)
	}
	if p.Type == "" {
		return p, fmt.Errorf("parse log: missing type")
	}
	return p, nil
}

// messageName reads the message as a bare device name.
func (p logPayload) messageName() string {
	var s flexString
	if err := s.UnmarshalJSON(p.Message); err != nil {
		return ""
	}
	return strings.TrimSpace(string(s))
}

// messagePair reads the message as {"from":..,"to":..}.
func (p logPayload) messagePair() (from, to string, ok bool) {
	var v logPair
	if err := json.Unmarshal(p.Message, &v); err != nil {
		return "", "", false
	}
	from, to = string(v.From), string(v.To)
	return from, to, from != "" && to != ""
}

func (p logPayload) meta() logMeta {
	var m logMeta
	if len(p.Meta) > 0 {
		_ = json.Unmarshal(p.Meta, &m)
	}
	return m
}
