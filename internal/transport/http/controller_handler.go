package http

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/UtilityDD/peermesh-exam-system/internal/app"
	"github.com/UtilityDD/peermesh-exam-system/internal/domain"
)

// ControllerHandler exposes the controller's session actions.
type ControllerHandler struct {
	ctrl *app.Controller
	log  zerolog.Logger
}

func NewControllerHandler(ctrl *app.Controller, log zerolog.Logger) *ControllerHandler {
	return &ControllerHandler{ctrl: ctrl, log: log}
}

type publishRequest struct {
	Published bool `json:"published"`
}

func (h *ControllerHandler) Routes(r chi.Router) {
	r.Get("/session", h.getSession)
	r.Put("/session/settings", h.configure)
	r.Post("/session/lock", h.action(h.ctrl.Lock))
	r.Post("/session/begin", h.action(h.ctrl.Begin))
	r.Post("/session/advance", h.action(h.ctrl.Advance))
	r.Post("/session/results", h.publish)
	r.Post("/session/end", h.action(h.ctrl.End))

	r.Post("/questions", h.addQuestion)
	r.Put("/questions/{id}", h.editQuestion)
	r.Delete("/questions/{id}", h.removeQuestion)
	r.Post("/bank/{bankID}", h.loadBank)
}

func (h *ControllerHandler) getSession(w http.ResponseWriter, r *http.Request) {
	v, err := h.ctrl.View(r.Context())
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// action wraps a body-less transition and answers with the resulting view.
func (h *ControllerHandler) action(fn func(context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := fn(r.Context()); err != nil {
			writeError(w, h.log, err)
			return
		}
		h.getSession(w, r)
	}
}

func (h *ControllerHandler) configure(w http.ResponseWriter, r *http.Request) {
	var s app.Settings
	if err := decode(r, &s); err != nil {
		writeError(w, h.log, err)
		return
	}
	if err := h.ctrl.Configure(r.Context(), s); err != nil {
		writeError(w, h.log, err)
		return
	}
	h.getSession(w, r)
}

func (h *ControllerHandler) publish(w http.ResponseWriter, r *http.Request) {
	var req publishRequest
	if err := decode(r, &req); err != nil {
		writeError(w, h.log, err)
		return
	}
	res, err := h.ctrl.Publish(r.Context(), req.Published)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *ControllerHandler) addQuestion(w http.ResponseWriter, r *http.Request) {
	var q domain.Question
	if err := decode(r, &q); err != nil {
		writeError(w, h.log, err)
		return
	}
	added, err := h.ctrl.AddQuestion(r.Context(), q)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusCreated, added)
}

func (h *ControllerHandler) editQuestion(w http.ResponseWriter, r *http.Request) {
	var q domain.Question
	if err := decode(r, &q); err != nil {
		writeError(w, h.log, err)
		return
	}
	q.ID = chi.URLParam(r, "id")
	edited, err := h.ctrl.EditQuestion(r.Context(), q)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, edited)
}

func (h *ControllerHandler) removeQuestion(w http.ResponseWriter, r *http.Request) {
	if err := h.ctrl.RemoveQuestion(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, h.log, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *ControllerHandler) loadBank(w http.ResponseWriter, r *http.Request) {
	bank, err := h.ctrl.LoadBank(r.Context(), chi.URLParam(r, "bankID"))
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, bank)
}
