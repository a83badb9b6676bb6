package app

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/UtilityDD/peermesh-exam-system/internal/domain"
	"github.com/UtilityDD/peermesh-exam-system/internal/mesh"
	"github.com/UtilityDD/peermesh-exam-system/internal/protocol"
)

type joinEvent struct {
	from string
	msg  protocol.Join
}

type responseEvent struct {
	from string
	msg  protocol.Response
}

type integrityEvent struct {
	from string
	msg  protocol.Integrity
}

type peerDownEvent struct {
	peer string
}

// Settings are the Idle-only session options. Nil fields are left unchanged.
type Settings struct {
	Title          *string            `json:"title,omitempty"`
	Mode           *domain.PacingMode `json:"pacingMode,omitempty"`
	RandomizeOrder *bool              `json:"randomizeOrder,omitempty"`
}

// Controller runs the exam session state machine. All state lives on the event
// loop started by Run; the exported methods post commands into it.
type Controller struct {
	opts  options
	log   zerolog.Logger
	msg   Messenger
	store SnapshotStore

	events chan any
	done   chan struct{}

	state SessionState
	sched *Scheduler

	subMu       sync.Mutex
	subscribers map[chan View]struct{}
}

// NewController creates a controller for the node identity id. store may be nil
// to run without persistence.
func NewController(id string, msg Messenger, store SnapshotStore, opts ...Option) *Controller {
	c := &Controller{
		opts:        buildOptions(opts),
		msg:         msg,
		store:       store,
		events:      make(chan any, eventBuffer),
		done:        make(chan struct{}),
		state:       newSessionState(id),
		subscribers: make(map[chan View]struct{}),
	}
	c.log = c.opts.log
	c.sched = NewScheduler(c.opts.clock, c.timeLimit, func(ev deadlineEvent) { c.post(ev) })
	return c
}

// Handlers returns the mesh dispatch table feeding this controller.
func (c *Controller) Handlers() mesh.Handlers {
	return mesh.Handlers{
		Join:      func(from string, m protocol.Join) { c.post(joinEvent{from: from, msg: m}) },
		Response:  func(from string, m protocol.Response) { c.post(responseEvent{from: from, msg: m}) },
		Integrity: func(from string, m protocol.Integrity) { c.post(integrityEvent{from: from, msg: m}) },
		PeerDown:  func(peer string) { c.post(peerDownEvent{peer: peer}) },
	}
}

// Run restores any persisted session and then processes events until ctx is done.
func (c *Controller) Run(ctx context.Context) error {
	defer close(c.done)
	defer c.sched.Reset()

	if err := c.restore(ctx); err != nil {
		c.log.Error().Err(err).Msg("session restore failed, starting fresh")
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-c.events:
			c.handle(ctx, ev)
		}
	}
}

func (c *Controller) post(ev any) {
	select {
	case c.events <- ev:
	case <-c.done:
	}
}

func (c *Controller) do(ctx context.Context, name string, readOnly bool, fn func() (any, error)) (any, error) {
	cmd := command{name: name, readOnly: readOnly, fn: fn, reply: make(chan commandResult, 1)}
	select {
	case c.events <- cmd:
	case <-c.done:
		return nil, domain.ErrStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case r := <-cmd.reply:
		return r.value, r.err
	case <-c.done:
		return nil, domain.ErrStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Controller) handle(ctx context.Context, ev any) {
	before := c.state.Phase
	dirty := c.apply(ev)
	if after := c.state.Phase; after != before {
		c.opts.metrics.Transitions.WithLabelValues(string(after)).Inc()
		c.log.Info().Str("from", string(before)).Str("to", string(after)).Msg("phase transition")
	}
	if !dirty {
		return
	}
	c.persist(ctx)
	c.notify()
}

// apply is the single transition function. It reports whether state changed.
func (c *Controller) apply(ev any) bool {
	switch e := ev.(type) {
	case command:
		v, err := e.fn()
		e.reply <- commandResult{value: v, err: err}
		if err != nil {
			c.log.Debug().Err(err).Str("command", e.name).Msg("command rejected")
		}
		return err == nil && !e.readOnly
	case joinEvent:
		return c.onJoin(e.from, e.msg)
	case responseEvent:
		return c.onResponse(e.from, e.msg)
	case integrityEvent:
		return c.onIntegrity(e.from, e.msg)
	case peerDownEvent:
		return c.onPeerDown(e.peer)
	case deadlineEvent:
		return c.onDeadline(e)
	}
	c.log.Warn().Str("event", fmt.Sprintf("%T", ev)).Msg("unknown event")
	return false
}

func (c *Controller) now() time.Time {
	return c.opts.clock.Now()
}

func (c *Controller) timeLimit(questionID string) time.Duration {
	q, _, ok := c.state.question(questionID)
	if !ok {
		return 0
	}
	return q.TimeLimit()
}

func (c *Controller) invalid(action string) error {
	return fmt.Errorf("%w: %s in %s", domain.ErrInvalidTransition, action, c.state.Phase)
}

// deliver shuffles the current version of questionID for one participant and
// remembers the delivered permutation for judging.
func (c *Controller) deliver(participantID, questionID string) {
	q, _, ok := c.state.question(questionID)
	if !ok {
		return
	}
	sq := domain.Shuffle(q, c.opts.rnd)
	c.state.Deliveries[deliveryKey(participantID, questionID)] = sq
	if p := c.state.participant(participantID); p != nil {
		p.Status = domain.StatusAnswering
	}
	c.msg.Send(participantID, protocol.Question{ShuffledQuestion: sq})
}

func (c *Controller) orderFor() []string {
	ids := c.state.questionIDs()
	if c.state.RandomizeOrder {
		return domain.ShuffleOrder(ids, c.opts.rnd)
	}
	return ids
}

// startQueue activates a fresh autonomous queue and delivers its first question.
func (c *Controller) startQueue(participantID string) {
	qid, done := c.sched.Activate(participantID, c.orderFor())
	if done {
		c.msg.Send(participantID, protocol.Heartbeat{Status: protocol.HeartbeatCompleted})
		return
	}
	c.deliver(participantID, qid)
}

func (c *Controller) onJoin(from string, m protocol.Join) bool {
	p := c.state.participant(from)
	known := p != nil
	if known {
		p.DisplayName = m.DisplayName
		p.Connected = true
	} else {
		c.state.Participants = append(c.state.Participants, domain.Participant{
			ID:          from,
			DisplayName: m.DisplayName,
			Status:      domain.StatusOnline,
			Focused:     true,
			Connected:   true,
			JoinedAt:    c.now(),
		})
		c.opts.metrics.Participants.Set(float64(len(c.state.Participants)))
	}
	c.log.Info().Str("peer", from).Str("name", m.DisplayName).Bool("rejoin", known).Str("phase", string(c.state.Phase)).Msg("participant joined")

	switch c.state.Phase {
	case domain.PhaseIdle, domain.PhaseStaging:
		c.msg.Send(from, protocol.Heartbeat{Status: protocol.HeartbeatStaging})
	case domain.PhaseRunning:
		c.msg.Send(from, protocol.Heartbeat{Status: protocol.HeartbeatRunning})
		if c.state.Mode == domain.PacingPaced {
			if q, ok := c.state.currentQuestion(); ok {
				c.deliver(from, q.ID)
			}
			return true
		}
		if !c.sched.Has(from) {
			c.startQueue(from)
			c.checkSettled()
			return true
		}
		qid, done, _ := c.sched.Resume(from)
		if done {
			c.msg.Send(from, protocol.Heartbeat{Status: protocol.HeartbeatCompleted})
		} else {
			c.deliver(from, qid)
		}
	case domain.PhaseConcluded:
		c.msg.Send(from, protocol.Heartbeat{Status: protocol.HeartbeatCompleted})
		if c.state.LastResults != nil {
			c.msg.Send(from, protocol.Results{Results: *c.state.LastResults})
		}
	}
	return true
}

func (c *Controller) onResponse(from string, m protocol.Response) bool {
	if c.state.Phase != domain.PhaseRunning && c.state.Phase != domain.PhaseConcluded {
		c.log.Debug().Str("peer", from).Str("phase", string(c.state.Phase)).Msg("response outside running session ignored")
		return false
	}
	p := c.state.participant(from)
	if p == nil {
		c.log.Warn().Err(domain.ErrParticipantNotFound).Str("peer", from).Msg("response ignored")
		return false
	}
	if _, _, ok := c.state.question(m.QuestionID); !ok {
		c.log.Warn().Err(domain.ErrQuestionNotFound).Str("peer", from).Str("question", m.QuestionID).Msg("response ignored")
		return false
	}

	rec := m.AnswerRecord
	rec.ParticipantID = from
	if rec.SubmittedAt.IsZero() {
		rec.SubmittedAt = c.now()
	}
	key := rec.Key()
	if last, ok := c.state.latestAnswer(key); ok && last.Same(rec) {
		c.log.Debug().Str("peer", from).Str("question", rec.QuestionID).Msg("duplicate response acknowledged")
		c.msg.Send(from, protocol.Ack{QuestionID: rec.QuestionID})
		return false
	}

	delivered, ok := c.state.Deliveries[key]
	rec.Correct = ok && rec.SelectedOption != nil && *rec.SelectedOption == delivered.CorrectIndex
	c.state.Answers = append(c.state.Answers, rec)
	if c.state.recalculateScore(from) {
		p.LastScoredAt = c.now()
	}
	p.Status = domain.StatusDone

	c.opts.metrics.Responses.WithLabelValues(strconv.FormatBool(rec.Correct)).Inc()
	c.msg.Send(from, protocol.Ack{QuestionID: rec.QuestionID})
	return true
}

func (c *Controller) onIntegrity(from string, m protocol.Integrity) bool {
	p := c.state.participant(from)
	if p == nil {
		return false
	}
	if m.ViolationCount > p.ViolationCount {
		p.ViolationCount = m.ViolationCount
	}
	p.Focused = m.Focused
	if !m.Focused {
		c.log.Info().Str("peer", from).Int("violations", p.ViolationCount).Msg("participant left exam focus")
	}
	return true
}

func (c *Controller) onPeerDown(peer string) bool {
	p := c.state.participant(peer)
	if p == nil {
		return false
	}
	p.Connected = false
	if c.state.Phase == domain.PhaseRunning && c.state.Mode == domain.PacingAutonomous {
		if c.sched.Suspend(peer) {
			c.log.Info().Str("peer", peer).Msg("delivery queue suspended")
		}
		c.checkSettled()
	}
	return true
}

func (c *Controller) onDeadline(ev deadlineEvent) bool {
	qid, done, ok := c.sched.Expire(ev)
	if !ok {
		return false
	}
	if done {
		c.log.Info().Str("peer", ev.participantID).Msg("delivery queue exhausted")
		c.msg.Send(ev.participantID, protocol.Heartbeat{Status: protocol.HeartbeatCompleted})
		c.checkSettled()
		return true
	}
	c.deliver(ev.participantID, qid)
	return true
}

// checkSettled concludes an autonomous session once no queue is still running.
func (c *Controller) checkSettled() {
	if c.state.Phase == domain.PhaseRunning && c.state.Mode == domain.PacingAutonomous && c.sched.Settled() {
		c.state.Phase = domain.PhaseConcluded
	}
}

// AddQuestion appends q to the bank. A missing id is generated.
func (c *Controller) AddQuestion(ctx context.Context, q domain.Question) (domain.Question, error) {
	v, err := c.do(ctx, "add_question", false, func() (any, error) {
		if c.state.Phase != domain.PhaseIdle {
			return nil, c.invalid("add question")
		}
		if q.ID == "" {
			q.ID = uuid.NewString()
		}
		q.Version = 1
		if err := q.Validate(); err != nil {
			return nil, err
		}
		if _, _, exists := c.state.question(q.ID); exists {
			return nil, fmt.Errorf("%w: duplicate id %s", domain.ErrInvalidQuestion, q.ID)
		}
		c.state.Bank = append(c.state.Bank, q)
		return q, nil
	})
	if err != nil {
		return domain.Question{}, err
	}
	return v.(domain.Question), nil
}

// RemoveQuestion deletes a question from the bank.
func (c *Controller) RemoveQuestion(ctx context.Context, id string) error {
	_, err := c.do(ctx, "remove_question", false, func() (any, error) {
		if c.state.Phase != domain.PhaseIdle {
			return nil, c.invalid("remove question")
		}
		_, i, ok := c.state.question(id)
		if !ok {
			return nil, fmt.Errorf("%w: %s", domain.ErrQuestionNotFound, id)
		}
		c.state.Bank = append(c.state.Bank[:i:i], c.state.Bank[i+1:]...)
		return nil, nil
	})
	return err
}

// EditQuestion replaces a question with a new version. While running, participants
// currently on that question get the edited version reshuffled; their timers keep running.
func (c *Controller) EditQuestion(ctx context.Context, q domain.Question) (domain.Question, error) {
	v, err := c.do(ctx, "edit_question", false, func() (any, error) {
		if c.state.Phase == domain.PhaseConcluded {
			return nil, c.invalid("edit question")
		}
		old, i, ok := c.state.question(q.ID)
		if !ok {
			return nil, fmt.Errorf("%w: %s", domain.ErrQuestionNotFound, q.ID)
		}
		if err := q.Validate(); err != nil {
			return nil, err
		}
		q.Version = old.Version + 1
		c.state.Bank[i] = q
		if c.state.Phase == domain.PhaseRunning {
			c.redeliverEdited(q.ID)
		}
		return q, nil
	})
	if err != nil {
		return domain.Question{}, err
	}
	return v.(domain.Question), nil
}

func (c *Controller) redeliverEdited(questionID string) {
	for _, p := range c.state.Participants {
		if !p.Connected {
			continue
		}
		var current string
		if c.state.Mode == domain.PacingPaced {
			if q, ok := c.state.currentQuestion(); ok {
				current = q.ID
			}
		} else if qid, ok := c.sched.Current(p.ID); ok {
			current = qid
		}
		if current == questionID {
			c.deliver(p.ID, questionID)
		}
	}
}

// LoadBank replaces the bank with one fetched from the configured loader.
func (c *Controller) LoadBank(ctx context.Context, bankID string) (domain.Bank, error) {
	if c.opts.banks == nil {
		return domain.Bank{}, fmt.Errorf("%w: no bank source configured", domain.ErrBankNotFound)
	}
	if _, err := c.do(ctx, "check_idle", true, func() (any, error) {
		if c.state.Phase != domain.PhaseIdle {
			return nil, c.invalid("load bank")
		}
		return nil, nil
	}); err != nil {
		return domain.Bank{}, err
	}

	bank, err := c.opts.banks.LoadBank(ctx, bankID)
	if err != nil {
		return domain.Bank{}, err
	}
	if err := bank.Validate(); err != nil {
		return domain.Bank{}, err
	}
	for i := range bank.Questions {
		if bank.Questions[i].Version == 0 {
			bank.Questions[i].Version = 1
		}
	}

	_, err = c.do(ctx, "replace_bank", false, func() (any, error) {
		if c.state.Phase != domain.PhaseIdle {
			return nil, c.invalid("load bank")
		}
		c.state.Bank = append([]domain.Question(nil), bank.Questions...)
		if bank.Title != "" {
			c.state.Title = bank.Title
		}
		return nil, nil
	})
	if err != nil {
		return domain.Bank{}, err
	}
	c.log.Info().Str("bank", bankID).Int("questions", len(bank.Questions)).Msg("question bank loaded")
	return bank, nil
}

// Configure updates Idle-only session settings.
func (c *Controller) Configure(ctx context.Context, s Settings) error {
	_, err := c.do(ctx, "configure", false, func() (any, error) {
		if c.state.Phase != domain.PhaseIdle {
			return nil, c.invalid("configure")
		}
		if s.Mode != nil {
			mode, err := domain.ParseMode(string(*s.Mode))
			if err != nil {
				return nil, err
			}
			c.state.Mode = mode
		}
		if s.Title != nil {
			c.state.Title = *s.Title
		}
		if s.RandomizeOrder != nil {
			c.state.RandomizeOrder = *s.RandomizeOrder
		}
		return nil, nil
	})
	return err
}

// Lock commits the bank and moves to Staging.
func (c *Controller) Lock(ctx context.Context) error {
	_, err := c.do(ctx, "lock", false, func() (any, error) {
		if c.state.Phase != domain.PhaseIdle {
			return nil, c.invalid("lock")
		}
		if len(c.state.Bank) == 0 {
			return nil, domain.ErrEmptyBank
		}
		c.state.Phase = domain.PhaseStaging
		c.msg.Broadcast(protocol.Heartbeat{Status: protocol.HeartbeatStaging})
		return nil, nil
	})
	return err
}

// Begin starts delivery to every known participant.
func (c *Controller) Begin(ctx context.Context) error {
	_, err := c.do(ctx, "begin", false, func() (any, error) {
		if c.state.Phase != domain.PhaseStaging {
			return nil, c.invalid("begin")
		}
		now := c.now()
		c.state.Phase = domain.PhaseRunning
		c.state.StartedAt = &now
		c.state.SharedCursor = 0
		c.msg.Broadcast(protocol.Heartbeat{Status: protocol.HeartbeatRunning})

		for _, p := range c.state.Participants {
			switch {
			case c.state.Mode == domain.PacingPaced:
				if p.Connected {
					c.deliver(p.ID, c.state.Bank[0].ID)
				}
			case p.Connected:
				c.startQueue(p.ID)
			default:
				c.sched.Activate(p.ID, c.orderFor())
				c.sched.Suspend(p.ID)
			}
		}
		c.checkSettled()
		return nil, nil
	})
	return err
}

// Advance moves the shared cursor in paced mode, concluding past the last question.
func (c *Controller) Advance(ctx context.Context) error {
	_, err := c.do(ctx, "advance", false, func() (any, error) {
		if c.state.Phase != domain.PhaseRunning || c.state.Mode != domain.PacingPaced {
			return nil, c.invalid("advance")
		}
		c.state.SharedCursor++
		q, ok := c.state.currentQuestion()
		if !ok {
			c.state.SharedCursor = len(c.state.Bank)
			c.state.Phase = domain.PhaseConcluded
			c.msg.Broadcast(protocol.Heartbeat{Status: protocol.HeartbeatCompleted})
			return nil, nil
		}
		for _, p := range c.state.Participants {
			if p.Connected {
				c.deliver(p.ID, q.ID)
			}
		}
		return nil, nil
	})
	return err
}

// Publish sends results to all participants. It may be repeated; the last payload wins.
func (c *Controller) Publish(ctx context.Context, published bool) (domain.Results, error) {
	v, err := c.do(ctx, "publish", false, func() (any, error) {
		if c.state.Phase != domain.PhaseConcluded {
			return nil, c.invalid("publish results")
		}
		answers := c.state.latestAnswers()
		res := domain.Results{
			Published:   published,
			Leaderboard: domain.BuildLeaderboard(c.state.Participants, c.opts.leaderboardSize),
			Breakdown:   domain.BuildBreakdown(c.state.Participants, answers, len(c.state.Bank)),
			Message:     domain.ResultsMessage(published),
			IssuedAt:    c.now(),
		}
		c.state.LastResults = &res
		c.msg.Broadcast(protocol.Results{Results: res})
		return res, nil
	})
	if err != nil {
		return domain.Results{}, err
	}
	return v.(domain.Results), nil
}

// End notifies participants, stops every timer, closes links and clears the
// persisted session, leaving a fresh Idle session with the same bank.
func (c *Controller) End(ctx context.Context) error {
	_, err := c.do(ctx, "end", false, func() (any, error) {
		c.msg.Broadcast(protocol.SessionEnded{EndedAt: c.now()})
		c.sched.Reset()
		peers := c.msg.Peers()
		go func() {
			for _, p := range peers {
				_ = c.msg.Disconnect(p)
			}
		}()
		if c.store != nil {
			if err := c.store.Delete(ctx, ControllerSnapshotKey); err != nil {
				c.log.Error().Err(err).Msg("clearing session snapshot failed")
			}
		}
		c.state.reset()
		c.opts.metrics.Participants.Set(0)
		return nil, nil
	})
	return err
}

// Snapshot returns a deep copy of the session state as it would be persisted.
func (c *Controller) Snapshot(ctx context.Context) (SessionState, error) {
	v, err := c.do(ctx, "snapshot", true, func() (any, error) {
		data, err := c.encodeState()
		if err != nil {
			return nil, err
		}
		var st SessionState
		if err := json.Unmarshal(data, &st); err != nil {
			return nil, err
		}
		return st, nil
	})
	if err != nil {
		return SessionState{}, err
	}
	return v.(SessionState), nil
}

func (c *Controller) encodeState() ([]byte, error) {
	st := c.state
	st.Queues = c.sched.Snapshot()
	return json.Marshal(st)
}

func (c *Controller) persist(ctx context.Context) {
	if c.store == nil || c.state.Phase == domain.PhaseIdle {
		return
	}
	data, err := c.encodeState()
	if err != nil {
		c.log.Error().Err(err).Msg("encoding session snapshot failed")
		return
	}
	if err := c.store.Save(ctx, ControllerSnapshotKey, data); err != nil {
		c.log.Error().Err(err).Msg("saving session snapshot failed")
	}
}

func (c *Controller) restore(ctx context.Context) error {
	if c.store == nil {
		return nil
	}
	data, ok, err := c.store.Load(ctx, ControllerSnapshotKey)
	if err != nil || !ok {
		return err
	}
	var st SessionState
	if err := json.Unmarshal(data, &st); err != nil {
		return fmt.Errorf("decode session snapshot: %w", err)
	}
	if st.Deliveries == nil {
		st.Deliveries = make(map[string]domain.ShuffledQuestion)
	}
	queues := st.Queues
	st.Queues = nil
	c.state = st
	c.sched.Restore(queues)
	c.opts.metrics.Participants.Set(float64(len(st.Participants)))
	c.log.Info().
		Str("phase", string(st.Phase)).
		Int("participants", len(st.Participants)).
		Int("answers", len(st.Answers)).
		Msg("session restored")
	return nil
}

// PersistedControllerID returns the controller identity of a persisted session,
// so a restarted node can reclaim it before links are opened.
func PersistedControllerID(ctx context.Context, store SnapshotStore) (string, error) {
	data, ok, err := store.Load(ctx, ControllerSnapshotKey)
	if err != nil || !ok {
		return "", err
	}
	var st struct {
		ControllerID string `json:"controllerId"`
	}
	if err := json.Unmarshal(data, &st); err != nil {
		return "", fmt.Errorf("decode session snapshot: %w", err)
	}
	return st.ControllerID, nil
}
