// Package http serves the local control API of a node: session actions on a
// controller, join and answer actions on a participant, plus health, metrics and
// the mesh websocket endpoint.
package http

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/UtilityDD/peermesh-exam-system/internal/domain"
)

// MeshStatus is the part of the mesh manager reported by /healthz.
type MeshStatus interface {
	Identity() string
	Healthy() bool
	Peers() []string
}

type healthBody struct {
	Status string `json:"status"`
	PeerID string `json:"peerId"`
	Signal string `json:"signal"`
	Links  int    `json:"links"`
}

// Node holds what every node router mounts.
type Node struct {
	Mesh     MeshStatus
	MeshWS   http.Handler
	Gatherer prometheus.Gatherer
	Log      zerolog.Logger
}

// NewControllerRouter mounts the controller API and the dashboard stream.
func NewControllerRouter(n Node, ctrl *ControllerHandler, ws *WSHandler) http.Handler {
	r := newRouter(n)
	ctrl.Routes(r)
	r.Get("/session/stream", ws.ServeWS)
	return r
}

// NewParticipantRouter mounts the participant API.
func NewParticipantRouter(n Node, p *ParticipantHandler) http.Handler {
	r := newRouter(n)
	p.Routes(r)
	return r
}

func newRouter(n Node) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(accessLog(n.Log))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		body := healthBody{Status: "ok", Signal: "offline"}
		if n.Mesh != nil {
			body.PeerID = n.Mesh.Identity()
			body.Links = len(n.Mesh.Peers())
			if n.Mesh.Healthy() && !domain.IsOfflineIdentity(body.PeerID) {
				body.Signal = "stable"
			}
		}
		writeJSON(w, http.StatusOK, body)
	})
	if n.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(n.Gatherer, promhttp.HandlerOpts{}))
	}
	if n.MeshWS != nil {
		r.Handle("/mesh", n.MeshWS)
	}
	return r
}

func accessLog(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			log.Debug().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Dur("took", time.Since(start)).
				Str("request_id", middleware.GetReqID(r.Context())).
				Msg("http request")
		})
	}
}
