package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/UtilityDD/peermesh-exam-system/internal/domain"
	"github.com/UtilityDD/peermesh-exam-system/internal/mesh"
	"github.com/UtilityDD/peermesh-exam-system/internal/protocol"
)

// AgentPhase is the participant-side projection of the exam lifecycle.
type AgentPhase string

const (
	AgentUnjoined   AgentPhase = "unjoined"
	AgentWaiting    AgentPhase = "waiting"
	AgentAnswering  AgentPhase = "answering"
	AgentPendingAck AgentPhase = "pending_ack"
	AgentAcked      AgentPhase = "acked"
	AgentFinished   AgentPhase = "finished"
	AgentEnded      AgentPhase = "ended"
)

// ParticipantSnapshot is what a participant persists to rejoin after a restart.
type ParticipantSnapshot struct {
	ControllerID string `json:"controllerId"`
	DisplayName  string `json:"displayName"`
	Joined       bool   `json:"joined"`
	Violations   int    `json:"violations"`
}

// AgentView is the participant's local state as shown to its user.
type AgentView struct {
	ID               string                   `json:"id"`
	ControllerID     string                   `json:"controllerId"`
	DisplayName      string                   `json:"displayName"`
	Phase            AgentPhase               `json:"phase"`
	SessionStatus    protocol.HeartbeatStatus `json:"sessionStatus,omitempty"`
	Question         *domain.ShuffledQuestion `json:"question,omitempty"`
	Selected         *int                     `json:"selected,omitempty"`
	Expired          bool                     `json:"expired"`
	RemainingSeconds int                      `json:"remainingSeconds"`
	Violations       int                      `json:"violations"`
	Focused          bool                     `json:"focused"`
	Connected        bool                     `json:"connected"`
	Results          *domain.Results          `json:"results,omitempty"`
}

type questionEvent struct {
	from string
	msg  protocol.Question
}

type ackEvent struct {
	from string
	msg  protocol.Ack
}

type heartbeatEvent struct {
	from string
	msg  protocol.Heartbeat
}

type resultsEvent struct {
	from string
	msg  protocol.Results
}

type sessionEndedEvent struct {
	from string
}

type linkDownEvent struct {
	peer string
}

type expiryEvent struct {
	gen uint64
}

type reconnectedEvent struct {
	controllerID string
	err          error
}

// Agent is the participant node: join handshake, answering state, focus
// reporting and reconnection. Like the Controller it owns its state on one loop.
type Agent struct {
	opts  options
	log   zerolog.Logger
	link  Link
	store SnapshotStore

	events chan any
	done   chan struct{}
	runCtx context.Context

	snap         ParticipantSnapshot
	saved        ParticipantSnapshot
	phase        AgentPhase
	status       protocol.HeartbeatStatus
	current      *domain.ShuffledQuestion
	selected     *int
	expired      bool
	deadline     time.Time
	focused      bool
	connected    bool
	reconnecting bool
	results      *domain.Results
	timer        *clock.Timer
	gen          uint64
}

// NewAgent creates a participant agent. store may be nil.
func NewAgent(link Link, store SnapshotStore, opts ...Option) *Agent {
	a := &Agent{
		opts:    buildOptions(opts),
		link:    link,
		store:   store,
		events:  make(chan any, eventBuffer),
		done:    make(chan struct{}),
		phase:   AgentUnjoined,
		focused: true,
	}
	a.log = a.opts.log
	return a
}

// Handlers returns the mesh dispatch table feeding this agent.
func (a *Agent) Handlers() mesh.Handlers {
	return mesh.Handlers{
		Question:     func(from string, m protocol.Question) { a.post(questionEvent{from: from, msg: m}) },
		Ack:          func(from string, m protocol.Ack) { a.post(ackEvent{from: from, msg: m}) },
		Heartbeat:    func(from string, m protocol.Heartbeat) { a.post(heartbeatEvent{from: from, msg: m}) },
		Results:      func(from string, m protocol.Results) { a.post(resultsEvent{from: from, msg: m}) },
		SessionEnded: func(from string, _ protocol.SessionEnded) { a.post(sessionEndedEvent{from: from}) },
		PeerDown:     func(peer string) { a.post(linkDownEvent{peer: peer}) },
	}
}

// Run restores a persisted join, rejoining automatically, then processes events until ctx is done.
func (a *Agent) Run(ctx context.Context) error {
	defer close(a.done)
	defer a.stopCountdown()
	a.runCtx = ctx

	if err := a.restore(ctx); err != nil {
		a.log.Error().Err(err).Msg("participant restore failed")
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-a.events:
			a.handle(ctx, ev)
		}
	}
}

func (a *Agent) post(ev any) {
	select {
	case a.events <- ev:
	case <-a.done:
	}
}

func (a *Agent) do(ctx context.Context, name string, readOnly bool, fn func() (any, error)) (any, error) {
	cmd := command{name: name, readOnly: readOnly, fn: fn, reply: make(chan commandResult, 1)}
	select {
	case a.events <- cmd:
	case <-a.done:
		return nil, domain.ErrStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case r := <-cmd.reply:
		return r.value, r.err
	case <-a.done:
		return nil, domain.ErrStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (a *Agent) handle(ctx context.Context, ev any) {
	if !a.apply(ev) {
		return
	}
	a.persist(ctx)
}

func (a *Agent) apply(ev any) bool {
	switch e := ev.(type) {
	case command:
		v, err := e.fn()
		e.reply <- commandResult{value: v, err: err}
		return err == nil && !e.readOnly
	case questionEvent:
		if !a.fromController(e.from) {
			return false
		}
		a.onQuestion(e.msg.ShuffledQuestion)
	case ackEvent:
		if !a.fromController(e.from) {
			return false
		}
		if a.phase == AgentPendingAck && a.current != nil && a.current.ID == e.msg.QuestionID {
			a.phase = AgentAcked
		}
	case heartbeatEvent:
		if !a.fromController(e.from) {
			return false
		}
		a.onHeartbeat(e.msg.Status)
	case resultsEvent:
		if !a.fromController(e.from) {
			return false
		}
		res := e.msg.Results
		a.results = &res
		a.phase = AgentFinished
		a.stopCountdown()
	case sessionEndedEvent:
		if !a.fromController(e.from) {
			return false
		}
		a.onSessionEnded()
	case linkDownEvent:
		return a.onLinkDown(e.peer)
	case expiryEvent:
		if e.gen != a.gen || a.phase != AgentAnswering {
			return false
		}
		a.expired = true
		a.phase = AgentWaiting
		a.timer = nil
		a.log.Info().Str("question", a.current.ID).Msg("question expired without an answer")
	case reconnectedEvent:
		return a.onReconnected(e)
	default:
		return false
	}
	return true
}

func (a *Agent) fromController(peer string) bool {
	if a.snap.Joined && peer == a.snap.ControllerID {
		return true
	}
	a.log.Debug().Str("peer", peer).Msg("message from unexpected peer ignored")
	return false
}

func (a *Agent) onQuestion(q domain.ShuffledQuestion) {
	a.current = &q
	a.selected = nil
	a.expired = false
	a.phase = AgentAnswering
	a.stopCountdown()
	limit := q.TimeLimit()
	a.deadline = a.opts.clock.Now().Add(limit)
	gen := a.gen
	a.timer = a.opts.clock.AfterFunc(limit, func() { a.post(expiryEvent{gen: gen}) })
}

func (a *Agent) stopCountdown() {
	a.gen++
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
}

func (a *Agent) onHeartbeat(status protocol.HeartbeatStatus) {
	a.status = status
	switch status {
	case protocol.HeartbeatStaging:
		a.stopCountdown()
		a.current = nil
		a.phase = AgentWaiting
	case protocol.HeartbeatRunning:
		if a.phase == AgentUnjoined || a.phase == AgentFinished {
			a.phase = AgentWaiting
		}
	case protocol.HeartbeatCompleted:
		a.stopCountdown()
		a.phase = AgentFinished
	}
}

func (a *Agent) onSessionEnded() {
	a.log.Info().Str("controller", a.snap.ControllerID).Msg("session ended by controller")
	a.stopCountdown()
	a.phase = AgentEnded
	a.current = nil
	a.selected = nil
	a.snap = ParticipantSnapshot{}
	a.saved = ParticipantSnapshot{}
	if a.store != nil {
		if err := a.store.Delete(a.runCtx, ParticipantSnapshotKey); err != nil {
			a.log.Error().Err(err).Msg("clearing participant snapshot failed")
		}
	}
}

func (a *Agent) onLinkDown(peer string) bool {
	if peer != a.snap.ControllerID {
		return false
	}
	a.connected = false
	if a.snap.Joined {
		a.log.Warn().Str("controller", peer).Msg("controller link lost")
		a.reconnect()
	}
	return true
}

func (a *Agent) onReconnected(e reconnectedEvent) bool {
	a.reconnecting = false
	if !a.snap.Joined || e.controllerID != a.snap.ControllerID {
		return false
	}
	if e.err != nil {
		a.log.Error().Err(e.err).Str("controller", e.controllerID).Str("guidance", domain.JoinGuidance(e.err)).Msg("rejoin abandoned")
		return false
	}
	a.connected = true
	a.link.Send(a.snap.ControllerID, protocol.Join{DisplayName: a.snap.DisplayName})
	a.log.Info().Str("controller", e.controllerID).Msg("rejoined controller")
	return true
}

// reconnect retries the controller link in the background and posts the outcome.
func (a *Agent) reconnect() {
	if a.reconnecting || a.runCtx == nil {
		return
	}
	a.reconnecting = true
	ctx, controller := a.runCtx, a.snap.ControllerID
	go func() {
		op := func() error {
			err := a.link.Connect(ctx, controller)
			if errors.Is(err, domain.ErrTransportUnavailable) {
				return backoff.Permanent(err)
			}
			return err
		}
		notify := func(err error, wait time.Duration) {
			a.log.Warn().Err(err).Dur("retry_in", wait).Str("controller", controller).Msg("reconnect attempt failed")
		}
		err := backoff.RetryNotify(op, backoff.WithContext(a.opts.reconnect(), ctx), notify)
		a.post(reconnectedEvent{controllerID: controller, err: err})
	}()
}

// Join links to the controller and announces the participant. Link failures keep
// their cause, so callers can tell a missing controller from a timeout.
func (a *Agent) Join(ctx context.Context, controllerID, displayName string) error {
	controllerID = strings.TrimSpace(controllerID)
	displayName = strings.TrimSpace(displayName)
	if controllerID == "" || displayName == "" {
		return fmt.Errorf("%w: controller id and display name are required", domain.ErrMalformedMessage)
	}
	if _, err := a.do(ctx, "check_join", true, func() (any, error) {
		if a.snap.Joined {
			return nil, fmt.Errorf("%w: already joined %s", domain.ErrInvalidTransition, a.snap.ControllerID)
		}
		return nil, nil
	}); err != nil {
		return err
	}

	if err := a.link.Connect(ctx, controllerID); err != nil {
		return fmt.Errorf("join %s: %w", controllerID, err)
	}

	_, err := a.do(ctx, "join", false, func() (any, error) {
		a.snap = ParticipantSnapshot{ControllerID: controllerID, DisplayName: displayName, Joined: true}
		a.phase = AgentWaiting
		a.status = ""
		a.current = nil
		a.results = nil
		a.connected = true
		a.focused = true
		a.link.Send(controllerID, protocol.Join{DisplayName: displayName})
		return nil, nil
	})
	return err
}

// Submit sends the one answer allowed for the current question.
func (a *Agent) Submit(ctx context.Context, option int) error {
	_, err := a.do(ctx, "submit", false, func() (any, error) {
		if !a.snap.Joined {
			return nil, domain.ErrNotJoined
		}
		switch a.phase {
		case AgentAnswering:
		case AgentPendingAck, AgentAcked:
			return nil, domain.ErrAlreadySubmitted
		default:
			return nil, domain.ErrNoActiveQuestion
		}
		if option < 0 || option >= len(a.current.Options) {
			return nil, fmt.Errorf("%w: %d of %d", domain.ErrOptionOutOfRange, option, len(a.current.Options))
		}
		a.stopCountdown()
		a.selected = domain.Option(option)
		a.phase = AgentPendingAck
		a.link.Send(a.snap.ControllerID, protocol.Response{AnswerRecord: domain.AnswerRecord{
			ParticipantID:  a.link.Identity(),
			QuestionID:     a.current.ID,
			SelectedOption: domain.Option(option),
			SubmittedAt:    a.opts.clock.Now(),
		}})
		return nil, nil
	})
	return err
}

// SetFocus records a focus transition. Losing focus counts as a violation; every
// transition is reported to the controller.
func (a *Agent) SetFocus(ctx context.Context, focused bool) error {
	_, err := a.do(ctx, "focus", false, func() (any, error) {
		if focused == a.focused {
			return nil, nil
		}
		a.focused = focused
		if !focused {
			a.snap.Violations++
		}
		if a.snap.Joined && a.connected {
			a.link.Send(a.snap.ControllerID, protocol.Integrity{ViolationCount: a.snap.Violations, Focused: focused})
		}
		return nil, nil
	})
	return err
}

// State returns the participant's local view.
func (a *Agent) State(ctx context.Context) (AgentView, error) {
	v, err := a.do(ctx, "state", true, func() (any, error) {
		view := AgentView{
			ID:            a.link.Identity(),
			ControllerID:  a.snap.ControllerID,
			DisplayName:   a.snap.DisplayName,
			Phase:         a.phase,
			SessionStatus: a.status,
			Expired:       a.expired,
			Violations:    a.snap.Violations,
			Focused:       a.focused,
			Connected:     a.connected,
			Results:       a.results,
		}
		if a.current != nil {
			q := *a.current
			view.Question = &q
		}
		if a.selected != nil {
			view.Selected = domain.Option(*a.selected)
		}
		if a.phase == AgentAnswering {
			if left := a.deadline.Sub(a.opts.clock.Now()); left > 0 {
				view.RemainingSeconds = int((left + time.Second - 1) / time.Second)
			}
		}
		return view, nil
	})
	if err != nil {
		return AgentView{}, err
	}
	return v.(AgentView), nil
}

func (a *Agent) persist(ctx context.Context) {
	if a.store == nil || !a.snap.Joined || a.snap == a.saved {
		return
	}
	data, err := json.Marshal(a.snap)
	if err != nil {
		a.log.Error().Err(err).Msg("encoding participant snapshot failed")
		return
	}
	if err := a.store.Save(ctx, ParticipantSnapshotKey, data); err != nil {
		a.log.Error().Err(err).Msg("saving participant snapshot failed")
		return
	}
	a.saved = a.snap
}

func (a *Agent) restore(ctx context.Context) error {
	if a.store == nil {
		return nil
	}
	data, ok, err := a.store.Load(ctx, ParticipantSnapshotKey)
	if err != nil || !ok {
		return err
	}
	var snap ParticipantSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("decode participant snapshot: %w", err)
	}
	a.snap, a.saved = snap, snap
	if !snap.Joined {
		return nil
	}
	a.phase = AgentWaiting
	a.log.Info().Str("controller", snap.ControllerID).Str("name", snap.DisplayName).Msg("restored join, reconnecting")
	a.reconnect()
	return nil
}
