package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/UtilityDD/peermesh-exam-system/internal/domain"
)

type errorBody struct {
	Error    string `json:"error"`
	Guidance string `json:"guidance,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps domain errors onto HTTP statuses.
func writeError(w http.ResponseWriter, log zerolog.Logger, err error) {
	status := statusFor(err)
	body := errorBody{Error: err.Error()}
	if errors.Is(err, domain.ErrPeerNotFound) || errors.Is(err, domain.ErrLinkTimeout) || errors.Is(err, domain.ErrTransportUnavailable) {
		body.Guidance = domain.JoinGuidance(err)
	}
	if status >= http.StatusInternalServerError {
		log.Error().Err(err).Int("status", status).Msg("request failed")
	}
	writeJSON(w, status, body)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrInvalidTransition),
		errors.Is(err, domain.ErrAlreadySubmitted),
		errors.Is(err, domain.ErrNoActiveQuestion),
		errors.Is(err, domain.ErrEmptyBank),
		errors.Is(err, domain.ErrNotJoined):
		return http.StatusConflict
	case errors.Is(err, domain.ErrQuestionNotFound),
		errors.Is(err, domain.ErrBankNotFound),
		errors.Is(err, domain.ErrParticipantNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidQuestion),
		errors.Is(err, domain.ErrInvalidSettings),
		errors.Is(err, domain.ErrMalformedMessage),
		errors.Is(err, domain.ErrOptionOutOfRange):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrPeerNotFound):
		return http.StatusBadGateway
	case errors.Is(err, domain.ErrLinkTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, domain.ErrTransportUnavailable), errors.Is(err, domain.ErrStopped):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrMalformedMessage, err)
	}
	return nil
}
