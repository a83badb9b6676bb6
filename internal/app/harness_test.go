package app_test

import (
	"context"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"

	"github.com/UtilityDD/peermesh-exam-system/internal/app"
	"github.com/UtilityDD/peermesh-exam-system/internal/domain"
	"github.com/UtilityDD/peermesh-exam-system/internal/infra/memory"
	"github.com/UtilityDD/peermesh-exam-system/internal/mesh"
	"github.com/UtilityDD/peermesh-exam-system/internal/protocol"
)

const (
	controllerID = "ctrl"
	waitFor      = 2 * time.Second
	tick         = 5 * time.Millisecond
)

type harness struct {
	t     *testing.T
	net   *mesh.MemoryNetwork
	clock *clock.Mock
	store *memory.SnapshotStore
	mesh  *mesh.Manager
	ctrl  *app.Controller
	stop  func()
}

func newHarness(t *testing.T, opts ...app.Option) *harness {
	t.Helper()
	h := &harness{
		t:     t,
		net:   mesh.NewMemoryNetwork(),
		clock: clock.NewMock(),
		store: memory.NewSnapshotStore(),
	}
	h.mesh = mesh.NewManager(h.net.CreateTransport())
	id := h.mesh.Start(context.Background(), controllerID)
	require.Equal(t, controllerID, id)

	base := []app.Option{app.WithClock(h.clock), app.WithRand(rand.New(rand.NewSource(7)))}
	h.ctrl = app.NewController(id, h.mesh, h.store, append(base, opts...)...)
	h.mesh.OnMessage(h.ctrl.Handlers())
	h.stop = runLoop(h.ctrl.Run)
	t.Cleanup(func() {
		h.stop()
		_ = h.mesh.Close()
	})
	return h
}

// runLoop starts an event loop and returns a func that stops it and waits.
func runLoop(run func(context.Context) error) func() {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = run(ctx)
	}()
	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}
}

func (h *harness) addQuestions(limits ...int) {
	h.t.Helper()
	for i, limit := range limits {
		_, err := h.ctrl.AddQuestion(context.Background(), question(i, limit))
		require.NoError(h.t, err)
	}
}

func question(i, limit int) domain.Question {
	id := "q" + string(rune('0'+i))
	return domain.Question{
		ID:               id,
		Text:             "Question " + id,
		Options:          []string{id + "-a", id + "-b", id + "-c", id + "-d"},
		CorrectIndex:     i % 4,
		TimeLimitSeconds: limit,
	}
}

func (h *harness) configure(mode domain.PacingMode) {
	h.t.Helper()
	require.NoError(h.t, h.ctrl.Configure(context.Background(), app.Settings{Mode: &mode}))
}

func (h *harness) view() app.View {
	h.t.Helper()
	v, err := h.ctrl.View(context.Background())
	require.NoError(h.t, err)
	return v
}

func (h *harness) waitView(cond func(app.View) bool, msg string) {
	h.t.Helper()
	require.Eventually(h.t, func() bool {
		v, err := h.ctrl.View(context.Background())
		return err == nil && cond(v)
	}, waitFor, tick, msg)
}

// advance moves the mock clock one step; timers fire on their own goroutines.
func (h *harness) advance(d time.Duration) {
	h.clock.Add(d)
}

func participantNamed(v app.View, id string) (domain.Participant, bool) {
	for _, p := range v.Participants {
		if p.ID == id {
			return p, true
		}
	}
	return domain.Participant{}, false
}

func queueOf(v app.View, id string) (app.DeliveryQueue, bool) {
	for _, q := range v.Queues {
		if q.ParticipantID == id {
			return q, true
		}
	}
	return app.DeliveryQueue{}, false
}

// peer is a raw participant node that records what the controller sends it.
type peer struct {
	t    *testing.T
	id   string
	mesh *mesh.Manager

	mu         sync.Mutex
	questions  []domain.ShuffledQuestion
	heartbeats []protocol.HeartbeatStatus
	acks       []string
	results    []domain.Results
	ended      int
}

func (h *harness) join(id, name string) *peer {
	h.t.Helper()
	p := h.connect(id)
	p.sendJoin(name)
	h.waitView(func(v app.View) bool {
		got, ok := participantNamed(v, id)
		return ok && got.Connected
	}, "participant "+id+" registered")
	return p
}

func (h *harness) connect(id string) *peer {
	h.t.Helper()
	p := &peer{t: h.t, id: id}
	p.mesh = mesh.NewManager(h.net.CreateTransport())
	p.mesh.OnMessage(mesh.Handlers{
		Question: func(_ string, m protocol.Question) {
			p.mu.Lock()
			defer p.mu.Unlock()
			p.questions = append(p.questions, m.ShuffledQuestion)
		},
		Heartbeat: func(_ string, m protocol.Heartbeat) {
			p.mu.Lock()
			defer p.mu.Unlock()
			p.heartbeats = append(p.heartbeats, m.Status)
		},
		Ack: func(_ string, m protocol.Ack) {
			p.mu.Lock()
			defer p.mu.Unlock()
			p.acks = append(p.acks, m.QuestionID)
		},
		Results: func(_ string, m protocol.Results) {
			p.mu.Lock()
			defer p.mu.Unlock()
			p.results = append(p.results, m.Results)
		},
		SessionEnded: func(string, protocol.SessionEnded) {
			p.mu.Lock()
			defer p.mu.Unlock()
			p.ended++
		},
	})
	require.Equal(h.t, id, p.mesh.Start(context.Background(), id))
	require.NoError(h.t, p.mesh.Connect(context.Background(), controllerID))
	h.t.Cleanup(func() { _ = p.mesh.Close() })
	return p
}

func (p *peer) sendJoin(name string) {
	p.mesh.Send(controllerID, protocol.Join{DisplayName: name})
}

func (p *peer) answer(q domain.ShuffledQuestion, option int, at time.Time) domain.AnswerRecord {
	rec := domain.AnswerRecord{ParticipantID: p.id, QuestionID: q.ID, SelectedOption: domain.Option(option), SubmittedAt: at}
	p.mesh.Send(controllerID, protocol.Response{AnswerRecord: rec})
	return rec
}

func (p *peer) received() []domain.ShuffledQuestion {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]domain.ShuffledQuestion(nil), p.questions...)
}

func (p *peer) lastHeartbeat() protocol.HeartbeatStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.heartbeats) == 0 {
		return ""
	}
	return p.heartbeats[len(p.heartbeats)-1]
}

func (p *peer) ackCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.acks)
}

func (p *peer) lastResults() (domain.Results, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.results) == 0 {
		return domain.Results{}, 0
	}
	return p.results[len(p.results)-1], len(p.results)
}

func (p *peer) waitQuestions(n int) []domain.ShuffledQuestion {
	p.t.Helper()
	require.Eventually(p.t, func() bool { return len(p.received()) >= n }, waitFor, tick, "%s waiting for %d questions", p.id, n)
	return p.received()
}

func (p *peer) waitHeartbeat(status protocol.HeartbeatStatus) {
	p.t.Helper()
	require.Eventually(p.t, func() bool { return p.lastHeartbeat() == status }, waitFor, tick, "%s waiting for heartbeat %s", p.id, status)
}

// nopMessenger drops everything; used where no links exist.
type nopMessenger struct{}

func (nopMessenger) Send(string, protocol.Message) {}
func (nopMessenger) Broadcast(protocol.Message)    {}
func (nopMessenger) Disconnect(string) error       { return nil }
func (nopMessenger) Peers() []string               { return nil }
