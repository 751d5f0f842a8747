package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/navikt/dualroom/internal/models"
)

const maxBodyBytes = 1 << 16

// ErrorResponse is the body of every non-2xx response
type ErrorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Str("module", "api").Msg("failed to encode response")
	}
}

// statusFor maps domain errors to HTTP status codes
func statusFor(err error) int {
	var (
		deviceErr models.DeviceNotReadyError
		spawnErr  *models.RelaySpawnError
		facadeErr *models.FacadeError
		switchErr *models.SwitchFailure
	)
	switch {
	case errors.As(err, &deviceErr):
		return http.StatusPreconditionFailed
	case errors.Is(err, models.ErrInvalidTransition),
		errors.Is(err, models.ErrRoomUnresolved),
		errors.Is(err, models.ErrNotConnected),
		errors.Is(err, models.ErrRelayActive),
		errors.Is(err, models.ErrRelayInactive):
		return http.StatusConflict
	case errors.As(err, &spawnErr), errors.As(err, &facadeErr), errors.As(err, &switchErr):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		log.Error().Err(err).Str("module", "api").Int("status", status).Msg("request failed")
	}
	writeJSON(w, status, ErrorResponse{Error: err.Error()})
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: msg})
}

func decodeBody(r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	defer r.Body.Close()
	err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}
