package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/fleet-relay/internal/audit"
	"github.com/nerrad567/fleet-relay/internal/auth"
	"github.com/nerrad567/fleet-relay/internal/device"
)

// handleListDevices returns the devices visible to the caller.
func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := s.devices.List(r.Context())
	if err != nil {
		s.logger.Error("listing devices failed", "error", err)
		fail(w, http.StatusInternalServerError, "failed to list devices")
		return
	}

	id := identityFromContext(r.Context())
	visible := make([]device.Device, 0, len(devices))
	for _, d := range devices {
		if s.authz.Authorize(r.Context(), id, auth.PermDeviceView, d.Serial) == nil {
			visible = append(visible, d)
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"devices": visible,
		"count":   len(visible),
	})
}

// handleGetDevice returns a single device by id or serial.
func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	d, ok := s.viewableDevice(w, r, chi.URLParam(r, "serial"))
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// handleListDeviceLogs returns a device's activity log, newest first.
// Supports ?limit=, ?offset= and ?event_type=.
func (s *Server) handleListDeviceLogs(w http.ResponseWriter, r *http.Request) {
	d, ok := s.viewableDevice(w, r, chi.URLParam(r, "serial"))
	if !ok {
		return
	}

	filter := audit.Filter{
		DeviceID:  d.ID,
		EventType: audit.EventType(r.URL.Query().Get("event_type")),
	}
	var err error
	if filter.Limit, err = queryInt(r, "limit"); err != nil {
		fail(w, http.StatusBadRequest, "limit must be a non-negative integer")
		return
	}
	if filter.Offset, err = queryInt(r, "offset"); err != nil {
		fail(w, http.StatusBadRequest, "offset must be a non-negative integer")
		return
	}

	logs, err := s.audit.ListLogs(r.Context(), filter)
	if err != nil {
		s.logger.Error("listing device logs failed", "device_id", d.ID, "error", err)
		fail(w, http.StatusInternalServerError, "failed to list device logs")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"logs":  logs,
		"count": len(logs),
	})
}

// handleGetCommand returns the audit record of one command.
func (s *Server) handleGetCommand(w http.ResponseWriter, r *http.Request) {
	rec, err := s.audit.GetCommand(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, audit.ErrCommandNotFound) {
			fail(w, http.StatusNotFound, "command not found")
			return
		}
		s.logger.Error("getting command failed", "error", err)
		fail(w, http.StatusInternalServerError, "failed to get command")
		return
	}

	if _, ok := s.viewableDevice(w, r, rec.DeviceID); !ok {
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// viewableDevice resolves key and checks the caller may view it. On failure
// the error response has already been written.
func (s *Server) viewableDevice(w http.ResponseWriter, r *http.Request, key string) (*device.Device, bool) {
	d, err := s.devices.FindDevice(r.Context(), key)
	if err != nil {
		if errors.Is(err, device.ErrDeviceNotFound) {
			fail(w, http.StatusNotFound, "device not found")
			return nil, false
		}
		s.logger.Error("getting device failed", "device", key, "error", err)
		fail(w, http.StatusInternalServerError, "failed to get device")
		return nil, false
	}

	if err := s.authz.Authorize(r.Context(), identityFromContext(r.Context()), auth.PermDeviceView, d.Serial); err != nil {
		// Out-of-scope devices look the same as missing ones.
		fail(w, http.StatusNotFound, "device not found")
		return nil, false
	}
	return d, true
}

func queryInt(r *http.Request, name string) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, errors.New(name + ": invalid")
	}
	return n, nil
}
