package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/UtilityDD/peermesh-exam-system/internal/app"
)

// WSHandler streams the controller dashboard and accepts session commands on the same socket.
type WSHandler struct {
	ctrl     *app.Controller
	log      zerolog.Logger
	upgrader websocket.Upgrader
}

func NewWSHandler(ctrl *app.Controller, log zerolog.Logger) *WSHandler {
	return &WSHandler{
		ctrl: ctrl,
		log:  log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

var (
	errInvalidPayload = errors.New("invalid payload")
	errUnsupported    = errors.New("unsupported message type")
)

type inboundMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type outboundMessage[T any] struct {
	Type    string `json:"type"`
	Payload T      `json:"payload"`
}

type errorPayload struct {
	Message string `json:"message"`
}

// ServeWS upgrades the request and sends a "session" message on every change.
func (h *WSHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("dashboard upgrade failed")
		return
	}
	defer conn.Close()

	ctx, stop := context.WithCancel(r.Context())
	defer stop()

	updates, cancel, err := h.ctrl.Subscribe(ctx)
	if err != nil {
		_ = conn.WriteJSON(outboundMessage[errorPayload]{Type: "error", Payload: errorPayload{Message: err.Error()}})
		return
	}
	defer cancel()

	send := make(chan outboundMessage[any], 16)
	closeSignals := make(chan struct{})
	writerDone := make(chan struct{})
	updatesDone := make(chan struct{})

	// Only this goroutine writes to conn.
	go func() {
		defer close(writerDone)
		for msg := range send {
			if err := conn.WriteJSON(msg); err != nil {
				h.log.Debug().Err(err).Msg("dashboard write failed")
				return
			}
		}
	}()

	go func() {
		defer close(updatesDone)
		for {
			select {
			case update, ok := <-updates:
				if !ok {
					return
				}
				select {
				case send <- outboundMessage[any]{Type: "session", Payload: update}:
				case <-closeSignals:
					return
				}
			case <-closeSignals:
				return
			}
		}
	}()

	for {
		var inbound inboundMessage
		if err := conn.ReadJSON(&inbound); err != nil {
			break
		}
		if err := h.dispatch(ctx, inbound); err != nil {
			send <- outboundMessage[any]{Type: "error", Payload: errorPayload{Message: err.Error()}}
		}
	}

	close(closeSignals)
	<-updatesDone
	close(send)
	<-writerDone
}

// dispatch runs one command. Its effect arrives as a regular "session" update.
func (h *WSHandler) dispatch(ctx context.Context, in inboundMessage) error {
	switch in.Type {
	case "lock":
		return h.ctrl.Lock(ctx)
	case "begin":
		return h.ctrl.Begin(ctx)
	case "advance":
		return h.ctrl.Advance(ctx)
	case "end":
		return h.ctrl.End(ctx)
	case "publish":
		var req publishRequest
		if len(in.Payload) > 0 {
			if err := json.Unmarshal(in.Payload, &req); err != nil {
				return errInvalidPayload
			}
		}
		_, err := h.ctrl.Publish(ctx, req.Published)
		return err
	}
	return errUnsupported
}
