package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/fleet-relay/internal/auth"
	"github.com/nerrad567/fleet-relay/internal/command"
	"github.com/nerrad567/fleet-relay/internal/device"
)

// commandResponse is the body of a successful command request.
type commandResponse struct {
	Success   bool   `json:"success"`
	Queued    bool   `json:"queued"`
	CommandID string `json:"commandId,omitempty"`
	Warning   string `json:"warning,omitempty"`
}

// handleSendCommand relays a command to one device.
//
// The path parameter may be a device id or serial. 200 means the broker
// accepted the publish, 202 means the command is queued until the broker
// link comes back.
func (s *Server) handleSendCommand(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "serial")

	payload, ok := s.readCommandBody(w, r)
	if !ok {
		return
	}

	d, err := s.devices.FindDevice(r.Context(), key)
	if err != nil {
		s.writeCommandError(w, r, err)
		return
	}

	id := identityFromContext(r.Context())
	if err := s.authz.Authorize(r.Context(), id, auth.PermDeviceCommand, d.Serial); err != nil {
		fail(w, http.StatusForbidden, "not permitted to command this device")
		return
	}

	ack, err := s.commands.Send(r.Context(), d.Serial, payload, id.UserID)
	if err != nil {
		s.writeCommandError(w, r, err)
		return
	}

	resp := commandResponse{Success: ack.Success, Queued: ack.Queued, CommandID: ack.CommandID}
	if ack.Advisory != nil {
		s.logger.Warn("command audit write failed", "command_id", ack.CommandID, "error", ack.Advisory)
		resp.Warning = "command audit record incomplete"
	}

	status := http.StatusOK
	if ack.Queued {
		status = http.StatusAccepted
	}
	writeJSON(w, status, resp)
}

// handleSendGroupCommand relays a command to every member of a device group.
// Per-device failures are reported in the body; the request itself only
// fails when the group cannot be resolved.
func (s *Server) handleSendGroupCommand(w http.ResponseWriter, r *http.Request) {
	groupID := chi.URLParam(r, "id")

	payload, ok := s.readCommandBody(w, r)
	if !ok {
		return
	}

	id := identityFromContext(r.Context())
	if err := s.authz.Authorize(r.Context(), id, auth.PermGroupCommand, groupID); err != nil {
		fail(w, http.StatusForbidden, "not permitted to command this group")
		return
	}

	ack, err := s.commands.SendToGroup(r.Context(), groupID, payload, id.UserID)
	if err != nil {
		s.writeCommandError(w, r, err)
		return
	}

	status := http.StatusOK
	if !ack.Success {
		status = http.StatusMultiStatus
	}
	writeJSON(w, status, ack)
}

func (s *Server) readCommandBody(w http.ResponseWriter, r *http.Request) (command.Payload, bool) {
	data, err := io.ReadAll(r.Body)
	if err != nil {
		fail(w, http.StatusBadRequest, "reading request body failed")
		return command.Payload{}, false
	}
	if len(data) == 0 {
		fail(w, http.StatusBadRequest, "request body is required")
		return command.Payload{}, false
	}
	if !json.Valid(data) {
		fail(w, http.StatusBadRequest, "request body must be JSON")
		return command.Payload{}, false
	}

	payload, err := command.ExtractBody(data)
	if err != nil {
		fail(w, http.StatusBadRequest, err.Error())
		return command.Payload{}, false
	}
	return payload, true
}

// writeCommandError maps relay errors onto HTTP responses.
func (s *Server) writeCommandError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, device.ErrDeviceNotFound):
		fail(w, http.StatusNotFound, "device not found")
	case errors.Is(err, device.ErrGroupNotFound):
		fail(w, http.StatusNotFound, "device group not found")
	case errors.Is(err, command.ErrInvalidPayload):
		fail(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, command.ErrQueueFull):
		failCode(w, http.StatusServiceUnavailable, codeQueueFull, "command queue is full")
	case errors.Is(err, command.ErrPublishExhausted):
		failCode(w, http.StatusBadGateway, codePublishFailed, "broker did not accept the command")
	default:
		s.logger.Error("command request failed", "error", err, "request_id", requestID(r))
		fail(w, http.StatusInternalServerError, "command could not be sent")
	}
}
