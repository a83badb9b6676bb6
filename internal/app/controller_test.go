package app_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/UtilityDD/peermesh-exam-system/internal/app"
	"github.com/UtilityDD/peermesh-exam-system/internal/domain"
	"github.com/UtilityDD/peermesh-exam-system/internal/protocol"
)

func TestPacedLateJoinStartsAtCurrentCursor(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.addQuestions(30, 30, 30, 30, 30)
	require.NoError(t, h.ctrl.Lock(ctx))

	alice := h.join("alice", "Alice")
	alice.waitHeartbeat(protocol.HeartbeatStaging)

	require.NoError(t, h.ctrl.Begin(ctx))
	require.Equal(t, "q0", alice.waitQuestions(1)[0].ID)
	for i := 1; i <= 3; i++ {
		require.NoError(t, h.ctrl.Advance(ctx))
		alice.waitQuestions(i + 1)
	}
	require.Equal(t, 3, h.view().SharedCursor)

	bob := h.join("bob", "Bob")
	got := bob.waitQuestions(1)
	if got[0].ID != "q3" {
		t.Fatalf("late joiner should start at the current question q3, got %s", got[0].ID)
	}
	require.Equal(t, protocol.HeartbeatRunning, bob.lastHeartbeat())

	require.NoError(t, h.ctrl.Advance(ctx))
	require.Equal(t, "q4", bob.waitQuestions(2)[1].ID)
	require.Equal(t, "q4", alice.waitQuestions(5)[4].ID)

	require.NoError(t, h.ctrl.Advance(ctx))
	alice.waitHeartbeat(protocol.HeartbeatCompleted)
	bob.waitHeartbeat(protocol.HeartbeatCompleted)
	require.Equal(t, domain.PhaseConcluded, h.view().Phase)
	require.Len(t, bob.received(), 2)
}

func TestScoreFollowsDeliveredShuffle(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.addQuestions(30)
	require.NoError(t, h.ctrl.Lock(ctx))

	ids := []string{"p1", "p2", "p3", "p4", "p5", "p6"}
	peers := make([]*peer, len(ids))
	for i, id := range ids {
		peers[i] = h.join(id, "Name "+id)
	}
	require.NoError(t, h.ctrl.Begin(ctx))

	want := make(map[string]int, len(ids))
	for _, p := range peers {
		q := p.waitQuestions(1)[0]
		// Everyone picks option 0; only those whose shuffle put the answer there score.
		p.answer(q, 0, h.clock.Now())
		if q.CorrectIndex == 0 {
			want[p.id] = domain.CorrectAnswerPoints
		} else {
			want[p.id] = 0
		}
	}
	for _, p := range peers {
		require.Eventually(t, func() bool { return p.ackCount() == 1 }, waitFor, tick)
	}

	v := h.view()
	for _, id := range ids {
		got, _ := participantNamed(v, id)
		require.Equal(t, want[id], got.Score, "participant %s", id)
		require.Equal(t, domain.StatusDone, got.Status)
	}
}

func TestLastWriteWinsAndReplayIsIdempotent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.addQuestions(30)
	require.NoError(t, h.ctrl.Lock(ctx))
	alice := h.join("alice", "Alice")
	require.NoError(t, h.ctrl.Begin(ctx))

	q := alice.waitQuestions(1)[0]
	wrong := (q.CorrectIndex + 1) % len(q.Options)
	t0 := h.clock.Now()

	alice.answer(q, q.CorrectIndex, t0)
	alice.answer(q, q.CorrectIndex, t0)
	require.Eventually(t, func() bool { return alice.ackCount() == 2 }, waitFor, tick)

	st, err := h.ctrl.Snapshot(ctx)
	require.NoError(t, err)
	require.Len(t, st.Answers, 1)
	require.Equal(t, domain.CorrectAnswerPoints, st.Participants[0].Score)

	alice.answer(q, wrong, t0.Add(time.Second))
	require.Eventually(t, func() bool { return alice.ackCount() == 3 }, waitFor, tick)
	st, err = h.ctrl.Snapshot(ctx)
	require.NoError(t, err)
	require.Len(t, st.Answers, 2)
	require.Equal(t, 0, st.Participants[0].Score)

	v := h.view()
	require.Len(t, v.Breakdown, 1)
	require.Equal(t, 1, v.Breakdown[0].Wrong)
	require.Equal(t, 0, v.Breakdown[0].Correct)
}

func TestAutonomousScenarioWithDisconnect(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.configure(domain.PacingAutonomous)
	h.addQuestions(10, 10, 10)
	require.NoError(t, h.ctrl.Lock(ctx))
	a := h.join("a", "A")
	b := h.join("b", "B")

	require.NoError(t, h.ctrl.Begin(ctx))
	require.Equal(t, "q0", a.waitQuestions(1)[0].ID)
	require.Equal(t, "q0", b.waitQuestions(1)[0].ID)

	h.advance(10 * time.Second)
	require.Equal(t, "q1", a.waitQuestions(2)[1].ID)
	require.Equal(t, "q1", b.waitQuestions(2)[1].ID)

	h.advance(5 * time.Second)
	require.NoError(t, a.mesh.Disconnect(controllerID))
	h.waitView(func(v app.View) bool {
		q, ok := queueOf(v, "a")
		return ok && q.State == app.QueueSuspended
	}, "queue of a suspended")
	qa, _ := queueOf(h.view(), "a")
	require.Equal(t, 5*time.Second, qa.Remaining)

	h.advance(5 * time.Second)
	require.Equal(t, "q2", b.waitQuestions(3)[2].ID)
	require.Equal(t, domain.PhaseRunning, h.view().Phase)

	h.advance(10 * time.Second)
	b.waitHeartbeat(protocol.HeartbeatCompleted)
	h.waitView(func(v app.View) bool { return v.Phase == domain.PhaseConcluded }, "session concluded at t=30s")
	require.Len(t, a.received(), 2)
}

func TestAutonomousQueuesAdvanceIndependently(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.configure(domain.PacingAutonomous)
	h.addQuestions(10, 20)
	require.NoError(t, h.ctrl.Lock(ctx))
	a := h.join("a", "A")
	require.NoError(t, h.ctrl.Begin(ctx))
	a.waitQuestions(1)

	h.advance(10 * time.Second)
	require.Equal(t, "q1", a.waitQuestions(2)[1].ID)

	h.advance(2 * time.Second)
	late := h.join("late", "Late")
	if first := late.waitQuestions(1)[0].ID; first != "q0" {
		t.Fatalf("autonomous late join should start at q0, got %s", first)
	}

	h.advance(10 * time.Second)
	require.Equal(t, "q1", late.waitQuestions(2)[1].ID)
	require.Len(t, a.received(), 2)

	h.advance(8 * time.Second)
	a.waitHeartbeat(protocol.HeartbeatCompleted)
	require.Equal(t, domain.PhaseRunning, h.view().Phase)

	h.advance(12 * time.Second)
	late.waitHeartbeat(protocol.HeartbeatCompleted)
	h.waitView(func(v app.View) bool { return v.Phase == domain.PhaseConcluded }, "concluded after last queue")
}

func TestRejoinResumesSuspendedQueue(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.configure(domain.PacingAutonomous)
	h.addQuestions(10, 10)
	require.NoError(t, h.ctrl.Lock(ctx))
	a := h.join("a", "A")
	b := h.join("b", "B")
	require.NoError(t, h.ctrl.Begin(ctx))
	a.waitQuestions(1)
	b.waitQuestions(1)

	h.advance(4 * time.Second)
	require.NoError(t, a.mesh.Disconnect(controllerID))
	h.waitView(func(v app.View) bool {
		q, ok := queueOf(v, "a")
		return ok && q.State == app.QueueSuspended
	}, "queue of a suspended")

	require.NoError(t, a.mesh.Connect(ctx, controllerID))
	a.sendJoin("A")
	resent := a.waitQuestions(2)
	require.Equal(t, "q0", resent[1].ID)

	// The resumed window is the 6s left, not a fresh 10s.
	h.advance(6 * time.Second)
	require.Equal(t, "q1", a.waitQuestions(3)[2].ID)
	require.Equal(t, "q1", b.waitQuestions(2)[1].ID)
}

func TestEditRedeliversWithoutResettingTimer(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.configure(domain.PacingAutonomous)
	h.addQuestions(10)
	require.NoError(t, h.ctrl.Lock(ctx))
	a := h.join("a", "A")
	require.NoError(t, h.ctrl.Begin(ctx))
	a.waitQuestions(1)

	h.advance(4 * time.Second)
	edited := question(0, 10)
	edited.Text = "Edited wording"
	got, err := h.ctrl.EditQuestion(ctx, edited)
	require.NoError(t, err)
	require.Equal(t, 2, got.Version)

	redelivered := a.waitQuestions(2)[1]
	require.Equal(t, "Edited wording", redelivered.Text)
	require.Equal(t, 2, redelivered.Version)
	require.Equal(t, edited.Options[edited.CorrectIndex], redelivered.Options[redelivered.CorrectIndex])

	h.advance(6 * time.Second)
	a.waitHeartbeat(protocol.HeartbeatCompleted)
}

func TestHoldThenPublish(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.addQuestions(30)
	require.NoError(t, h.ctrl.Lock(ctx))
	alice := h.join("alice", "Alice")
	bob := h.join("bob", "Bob")
	require.NoError(t, h.ctrl.Begin(ctx))

	q := alice.waitQuestions(1)[0]
	alice.answer(q, q.CorrectIndex, h.clock.Now())
	require.Eventually(t, func() bool { return alice.ackCount() == 1 }, waitFor, tick)
	bob.waitQuestions(1)

	_, err := h.ctrl.Publish(ctx, true)
	require.True(t, errors.Is(err, domain.ErrInvalidTransition), "publish before conclusion: %v", err)

	require.NoError(t, h.ctrl.Advance(ctx))
	held, err := h.ctrl.Publish(ctx, false)
	require.NoError(t, err)
	require.False(t, held.Published)
	require.Equal(t, "Results will be published shortly.", held.Message)

	final, err := h.ctrl.Publish(ctx, true)
	require.NoError(t, err)

	for _, p := range []*peer{alice, bob} {
		require.Eventually(t, func() bool {
			_, n := p.lastResults()
			return n == 2
		}, waitFor, tick)
		last, _ := p.lastResults()
		require.True(t, last.Published)
		require.Equal(t, "Results published!", last.Message)
		require.Len(t, last.Leaderboard, 2)
		require.Equal(t, "alice", last.Leaderboard[0].ParticipantID)
		require.Equal(t, final.Leaderboard, last.Leaderboard)
	}

	late := h.join("carol", "Carol")
	late.waitHeartbeat(protocol.HeartbeatCompleted)
	require.Eventually(t, func() bool {
		res, n := late.lastResults()
		return n == 1 && res.Published
	}, waitFor, tick)
}

func TestLeaderboardTruncatesToConfiguredSize(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, app.WithLeaderboardSize(2))
	h.addQuestions(30)
	require.NoError(t, h.ctrl.Lock(ctx))
	for _, id := range []string{"p1", "p2", "p3"} {
		h.join(id, id)
	}
	require.NoError(t, h.ctrl.Begin(ctx))
	require.NoError(t, h.ctrl.Advance(ctx))

	res, err := h.ctrl.Publish(ctx, true)
	require.NoError(t, err)
	require.Len(t, res.Leaderboard, 2)
	require.Len(t, res.Breakdown, 3)
}

func TestInvalidTransitions(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	require.ErrorIs(t, h.ctrl.Lock(ctx), domain.ErrEmptyBank)
	require.ErrorIs(t, h.ctrl.Begin(ctx), domain.ErrInvalidTransition)
	require.ErrorIs(t, h.ctrl.Advance(ctx), domain.ErrInvalidTransition)

	_, err := h.ctrl.AddQuestion(ctx, domain.Question{ID: "bad", Text: "one option", Options: []string{"x"}, TimeLimitSeconds: 5})
	require.ErrorIs(t, err, domain.ErrInvalidQuestion)
	require.ErrorIs(t, h.ctrl.RemoveQuestion(ctx, "missing"), domain.ErrQuestionNotFound)

	h.configure(domain.PacingAutonomous)
	h.addQuestions(10)
	_, err = h.ctrl.AddQuestion(ctx, question(0, 10))
	require.ErrorIs(t, err, domain.ErrInvalidQuestion, "duplicate id")

	require.NoError(t, h.ctrl.Lock(ctx))
	_, err = h.ctrl.AddQuestion(ctx, question(1, 10))
	require.ErrorIs(t, err, domain.ErrInvalidTransition)
	require.ErrorIs(t, h.ctrl.Configure(ctx, app.Settings{}), domain.ErrInvalidTransition)
	require.ErrorIs(t, h.ctrl.Lock(ctx), domain.ErrInvalidTransition)

	require.NoError(t, h.ctrl.Begin(ctx))
	require.ErrorIs(t, h.ctrl.Advance(ctx), domain.ErrInvalidTransition, "advance is paced only")
	_, err = h.ctrl.LoadBank(ctx, "demo")
	require.Error(t, err)
}

func TestLoadBankReplacesBankInIdle(t *testing.T) {
	ctx := context.Background()
	banks := map[string]domain.Bank{
		"geo": {ID: "geo", Title: "Geography", Questions: []domain.Question{
			{ID: "g1", Text: "Capital of France?", Options: []string{"Paris", "Rome"}, CorrectIndex: 0, TimeLimitSeconds: 10},
		}},
	}
	h := newHarness(t, app.WithBankLoader(staticBanks(banks)))
	h.addQuestions(10, 10)

	bank, err := h.ctrl.LoadBank(ctx, "geo")
	require.NoError(t, err)
	require.Equal(t, "Geography", bank.Title)

	v := h.view()
	require.Equal(t, "Geography", v.Title)
	require.Len(t, v.Questions, 1)
	require.Equal(t, 1, v.Questions[0].Version)

	_, err = h.ctrl.LoadBank(ctx, "missing")
	require.ErrorIs(t, err, domain.ErrBankNotFound)
}

func TestIntegrityUpdatesParticipant(t *testing.T) {
	h := newHarness(t)
	alice := h.join("alice", "Alice")

	alice.mesh.Send(controllerID, protocol.Integrity{ViolationCount: 2, Focused: false})
	h.waitView(func(v app.View) bool {
		p, _ := participantNamed(v, "alice")
		return p.ViolationCount == 2 && !p.Focused
	}, "integrity recorded")
	require.Equal(t, domain.PhaseIdle, h.view().Phase)
}

func TestEndNotifiesAndClearsPersistence(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.configure(domain.PacingAutonomous)
	h.addQuestions(10, 10)
	require.NoError(t, h.ctrl.Lock(ctx))
	alice := h.join("alice", "Alice")
	require.NoError(t, h.ctrl.Begin(ctx))
	alice.waitQuestions(1)

	_, ok, err := h.store.Load(ctx, app.ControllerSnapshotKey)
	require.NoError(t, err)
	require.True(t, ok, "running session is persisted")

	require.NoError(t, h.ctrl.End(ctx))
	require.Eventually(t, func() bool {
		alice.mu.Lock()
		defer alice.mu.Unlock()
		return alice.ended == 1
	}, waitFor, tick)
	require.Eventually(t, func() bool { return !h.mesh.IsLinked("alice") }, waitFor, tick)

	_, ok, err = h.store.Load(ctx, app.ControllerSnapshotKey)
	require.NoError(t, err)
	require.False(t, ok)

	v := h.view()
	require.Equal(t, domain.PhaseIdle, v.Phase)
	require.Empty(t, v.Participants)
	require.Empty(t, v.Queues)
	require.Len(t, v.Questions, 2)

	// No timer survives the end of the session.
	h.advance(30 * time.Second)
	time.Sleep(20 * time.Millisecond)
	require.Len(t, alice.received(), 1)
}

func TestSubscribeStreamsViews(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	views, cancel, err := h.ctrl.Subscribe(ctx)
	require.NoError(t, err)
	defer cancel()

	first := <-views
	require.Equal(t, domain.PhaseIdle, first.Phase)

	h.addQuestions(10)
	select {
	case v := <-views:
		require.Len(t, v.Questions, 1)
	case <-time.After(waitFor):
		t.Fatal("no view after adding a question")
	}
}

func TestStoppedControllerRejectsCommands(t *testing.T) {
	h := newHarness(t)
	h.stop()
	require.ErrorIs(t, h.ctrl.Lock(context.Background()), domain.ErrStopped)
}

type staticBanks map[string]domain.Bank

func (s staticBanks) LoadBank(_ context.Context, id string) (domain.Bank, error) {
	b, ok := s[id]
	if !ok {
		return domain.Bank{}, domain.ErrBankNotFound
	}
	return b, nil
}
