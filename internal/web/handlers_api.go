package web

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"zigbee2mqtt-assistant/internal/bridge"
	"zigbee2mqtt-assistant/internal/state"
)

// deviceView adds derived values to a device.
type deviceView struct {
	*state.Device
	UpstreamLinkQuality *uint8 `json:"upstream_link_quality,omitempty"`
	BatteryLow          bool   `json:"battery_low"`
}

func (s *Server) viewOf(d *state.Device) deviceView {
	v := deviceView{Device: d, BatteryLow: d.IsBatteryLow(s.svc.LowBatteryThreshold())}
	if lqi, ok := d.EffectiveLinkQuality(); ok {
		v.UpstreamLinkQuality = &lqi
	}
	return v
}

func (s *Server) handleAPIVersion(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"version": s.version})
}

type bridgeView struct {
	Online             bool           `json:"online"`
	CoordinatorID      string         `json:"coordinator_id,omitempty"`
	CoordinatorVersion string         `json:"coordinator_version,omitempty"`
	CoordinatorType    string         `json:"coordinator_type,omitempty"`
	FirmwareVersion    string         `json:"firmware_version,omitempty"`
	LogLevel           state.LogLevel `json:"log_level"`
	PermitJoin         bool           `json:"permit_join"`
	PermitJoinDeadline *time.Time     `json:"permit_join_deadline,omitempty"`
	DeviceCount        int            `json:"device_count"`
	LowBatteryCount    int            `json:"low_battery_count"`
}

func (s *Server) handleAPIBridge(w http.ResponseWriter, r *http.Request) {
	b := s.svc.Snapshot()
	v := bridgeView{
		Online:             b.Online,
		CoordinatorID:      b.CoordinatorID,
		CoordinatorVersion: b.CoordinatorVersion,
		CoordinatorType:    b.CoordinatorType,
		FirmwareVersion:    b.FirmwareVersion,
		LogLevel:           b.LogLevel,
		PermitJoin:         b.PermitJoin,
		DeviceCount:        b.DeviceCount(),
		LowBatteryCount:    len(b.LowBatteryDevices(s.svc.LowBatteryThreshold())),
	}
	if s.joinDeadline != nil {
		if d := s.joinDeadline.Deadline(); !d.IsZero() {
			v.PermitJoinDeadline = &d
		}
	}
	s.writeJSON(w, http.StatusOK, v)
}

func (s *Server) handleAPIListDevices(w http.ResponseWriter, r *http.Request) {
	devices := s.svc.Snapshot().Devices
	if low, _ := strconv.ParseBool(r.URL.Query().Get("low_battery")); low {
		devices = s.svc.LowBatteryDevices()
	}
	views := make([]deviceView, 0, len(devices))
	for _, d := range devices {
		views = append(views, s.viewOf(d))
	}
	s.writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleAPIGetDevice(w http.ResponseWriter, r *http.Request) {
	d, err := s.svc.FindDevice(r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.viewOf(d))
}

// decodeBody reads a JSON request body of at most 1 MB.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("request body: %w", bridge.ErrInvalidArgument)
	}
	return nil
}

func (s *Server) writeOK(w http.ResponseWriter, extra ...string) {
	resp := map[string]string{"status": "ok"}
	for i := 0; i+1 < len(extra); i += 2 {
		resp[extra[i]] = extra[i+1]
	}
	s.writeJSON(w, http.StatusOK, resp)
}

type renameDeviceRequest struct {
	NewName string `json:"new_name"`
}

func (s *Server) handleAPIRenameDevice(w http.ResponseWriter, r *http.Request) {
	var req renameDeviceRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.svc.Rename(r.Context(), r.PathValue("id"), req.NewName); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeOK(w, "friendly_name", req.NewName)
}

func (s *Server) handleAPIRemoveDevice(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	remove := s.svc.Remove
	if force, _ := strconv.ParseBool(r.URL.Query().Get("force")); force {
		remove = s.svc.ForceRemove
	}
	if err := remove(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeOK(w)
}

type bindRequest struct {
	Target string `json:"target"`
}

func (s *Server) handleAPIBind(w http.ResponseWriter, r *http.Request) {
	var req bindRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.svc.Bind(r.Context(), r.PathValue("id"), req.Target); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeOK(w)
}

func (s *Server) handleAPIUnbind(w http.ResponseWriter, r *http.Request) {
	var req bindRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.svc.Unbind(r.Context(), r.PathValue("id"), req.Target); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeOK(w)
}

func (s *Server) handleAPIConfigure(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Configure(r.Context(), r.PathValue("id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeOK(w)
}

func (s *Server) handleAPIOTAUpdate(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.OTAUpdate(r.Context(), r.PathValue("id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeOK(w)
}

type permitJoinRequest struct {
	PermitJoin *bool `json:"permit_join"`
}

func (s *Server) handleAPIPermitJoin(w http.ResponseWriter, r *http.Request) {
	var req permitJoinRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.PermitJoin == nil {
		s.writeError(w, r, fmt.Errorf("permit_join: %w", bridge.ErrInvalidArgument))
		return
	}
	if err := s.svc.PermitJoin(r.Context(), *req.PermitJoin); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeOK(w, "permit_join", strconv.FormatBool(*req.PermitJoin))
}

type logLevelRequest struct {
	Level string `json:"level"`
}

func (s *Server) handleAPILogLevel(w http.ResponseWriter, r *http.Request) {
	var req logLevelRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	level, err := state.ParseLogLevel(req.Level)
	if err != nil {
		s.writeError(w, r, fmt.Errorf("%w: %w", bridge.ErrInvalidArgument, err))
		return
	}
	if err := s.svc.SetLogLevel(r.Context(), level); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeOK(w, "log_level", level.String())
}

func (s *Server) handleAPIRefreshDevices(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.RefreshDevices(r.Context()); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "requested"})
}

func (s *Server) handleAPINetworkScan(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.RefreshNetworkMap(r.Context()); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "requested"})
}

func (s *Server) handleAPITouchlinkReset(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.TouchlinkFactoryReset(r.Context()); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeOK(w)
}

func (s *Server) handleAPIReset(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Reset(r.Context()); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeOK(w)
}
