package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/UtilityDD/peermesh-exam-system/internal/app"
)

// ParticipantHandler exposes the local participant agent to its user interface.
type ParticipantHandler struct {
	agent *app.Agent
	log   zerolog.Logger
}

func NewParticipantHandler(agent *app.Agent, log zerolog.Logger) *ParticipantHandler {
	return &ParticipantHandler{agent: agent, log: log}
}

type joinRequest struct {
	ControllerID string `json:"controllerId"`
	DisplayName  string `json:"displayName"`
}

type answerRequest struct {
	Option *int `json:"option"`
}

type focusRequest struct {
	Focused *bool `json:"focused"`
}

func (h *ParticipantHandler) Routes(r chi.Router) {
	r.Post("/join", h.join)
	r.Get("/state", h.state)
	r.Post("/answer", h.answer)
	r.Post("/focus", h.focus)
}

func (h *ParticipantHandler) join(w http.ResponseWriter, r *http.Request) {
	var req joinRequest
	if err := decode(r, &req); err != nil {
		writeError(w, h.log, err)
		return
	}
	if err := h.agent.Join(r.Context(), req.ControllerID, req.DisplayName); err != nil {
		writeError(w, h.log, err)
		return
	}
	h.state(w, r)
}

func (h *ParticipantHandler) state(w http.ResponseWriter, r *http.Request) {
	v, err := h.agent.State(r.Context())
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (h *ParticipantHandler) answer(w http.ResponseWriter, r *http.Request) {
	var req answerRequest
	if err := decode(r, &req); err != nil {
		writeError(w, h.log, err)
		return
	}
	if req.Option == nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "option is required"})
		return
	}
	if err := h.agent.Submit(r.Context(), *req.Option); err != nil {
		writeError(w, h.log, err)
		return
	}
	h.state(w, r)
}

func (h *ParticipantHandler) focus(w http.ResponseWriter, r *http.Request) {
	var req focusRequest
	if err := decode(r, &req); err != nil {
		writeError(w, h.log, err)
		return
	}
	if req.Focused == nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "focused is required"})
		return
	}
	if err := h.agent.SetFocus(r.Context(), *req.Focused); err != nil {
		writeError(w, h.log, err)
		return
	}
	h.state(w, r)
}
