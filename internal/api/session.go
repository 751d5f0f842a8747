package api

import (
	"net/http"

	"github.com/navikt/dualroom/internal/models"
)

// RoomsResponse is the body of GET /api/rooms
type RoomsResponse struct {
	models.RoomPair
	Resolved bool `json:"resolved"`
}

// JoinRequest is the body of POST /api/session/join
type JoinRequest struct {
	Room string `json:"room"`
	Name string `json:"name"`
}

// SwitchRequest is the body of POST /api/session/switch
type SwitchRequest struct {
	Room string `json:"room"`
}

// DevicesRequest is the body of POST /api/session/devices. Omitted fields are unchanged.
type DevicesRequest struct {
	Mic          *bool `json:"mic,omitempty"`
	Webcam       *bool `json:"webcam,omitempty"`
	ToggleMic    bool  `json:"toggleMic,omitempty"`
	ToggleWebcam bool  `json:"toggleWebcam,omitempty"`
}

// DevicesResponse reports the local media toggles
type DevicesResponse struct {
	Mic    bool `json:"mic"`
	Webcam bool `json:"webcam"`
}

// PanelResponse reports the relay panel visibility
type PanelResponse struct {
	Open bool `json:"open"`
}

// SessionHandler serves /api/rooms, /api/session/* and /api/participants
type SessionHandler struct {
	session SessionController
}

// NewSessionHandler creates a handler for the given controller
func NewSessionHandler(session SessionController) *SessionHandler {
	return &SessionHandler{session: session}
}

// ServeHTTP routes on method and path
func (h *SessionHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.Method == http.MethodGet && r.URL.Path == "/api/rooms":
		pair, ok := h.session.Rooms()
		writeJSON(w, http.StatusOK, RoomsResponse{RoomPair: pair, Resolved: ok})
	case r.Method == http.MethodGet && r.URL.Path == "/api/session":
		writeJSON(w, http.StatusOK, h.session.State())
	case r.Method == http.MethodGet && r.URL.Path == "/api/participants":
		h.participants(w, r)
	case r.Method == http.MethodPost && r.URL.Path == "/api/session/join":
		h.join(w, r)
	case r.Method == http.MethodPost && r.URL.Path == "/api/session/switch":
		h.switchRoom(w, r)
	case r.Method == http.MethodPost && r.URL.Path == "/api/session/leave":
		if err := h.session.RequestLeave(r.Context()); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, h.session.State())
	case r.Method == http.MethodPost && r.URL.Path == "/api/session/cancel":
		if err := h.session.CancelPendingJoin(r.Context()); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, h.session.State())
	case r.Method == http.MethodPost && r.URL.Path == "/api/session/devices":
		h.devices(w, r)
	case r.Method == http.MethodPost && r.URL.Path == "/api/relay/panel":
		open, err := h.session.TogglePanel()
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, PanelResponse{Open: open})
	default:
		http.NotFound(w, r)
	}
}

func (h *SessionHandler) join(w http.ResponseWriter, r *http.Request) {
	var req JoinRequest
	if err := decodeBody(r, &req); err != nil {
		badRequest(w, "invalid request body")
		return
	}
	label, err := models.ParseRoomLabel(req.Room)
	if err != nil {
		badRequest(w, err.Error())
		return
	}

	if err := h.session.RequestJoin(r.Context(), label, req.Name); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, h.session.State())
}

func (h *SessionHandler) switchRoom(w http.ResponseWriter, r *http.Request) {
	var req SwitchRequest
	if err := decodeBody(r, &req); err != nil {
		badRequest(w, "invalid request body")
		return
	}

	// Without a target the switch goes to the other room
	label := h.session.State().TargetRoom()
	if req.Room != "" {
		var err error
		if label, err = models.ParseRoomLabel(req.Room); err != nil {
			badRequest(w, err.Error())
			return
		}
	}

	if err := h.session.RequestSwitch(r.Context(), label); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, h.session.State())
}

func (h *SessionHandler) devices(w http.ResponseWriter, r *http.Request) {
	var req DevicesRequest
	if err := decodeBody(r, &req); err != nil {
		badRequest(w, "invalid request body")
		return
	}

	mic, webcam := h.session.SetDevices(req.Mic, req.Webcam)
	if req.ToggleMic || req.ToggleWebcam {
		mic, webcam = h.session.ToggleDevices(req.ToggleMic, req.ToggleWebcam)
	}
	writeJSON(w, http.StatusOK, DevicesResponse{Mic: mic, Webcam: webcam})
}

func (h *SessionHandler) participants(w http.ResponseWriter, r *http.Request) {
	roster, err := h.session.Participants(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, roster)
}
