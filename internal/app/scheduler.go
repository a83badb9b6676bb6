package app

import (
	"time"

	"github.com/benbjohnson/clock"
)

// QueueState is the lifecycle of one participant's delivery queue.
type QueueState string

const (
	QueueActive    QueueState = "active"
	QueueSuspended QueueState = "suspended"
	QueueExhausted QueueState = "exhausted"
)

// DeliveryQueue is one participant's autonomous progression through the bank.
// Deadline is set while active; Remaining holds the unexpired window while suspended.
type DeliveryQueue struct {
	ParticipantID string        `json:"participantId"`
	Order         []string      `json:"order"`
	Cursor        int           `json:"cursor"`
	Deadline      time.Time     `json:"deadline"`
	Remaining     time.Duration `json:"remaining"`
	State         QueueState    `json:"state"`

	gen   uint64
	timer *clock.Timer
}

func (q *DeliveryQueue) current() string {
	if q.Cursor < 0 || q.Cursor >= len(q.Order) {
		return ""
	}
	return q.Order[q.Cursor]
}

func (q *DeliveryQueue) stop() {
	q.gen++
	if q.timer != nil {
		q.timer.Stop()
		q.timer = nil
	}
}

// deadlineEvent is posted by a queue timer. Stale generations are ignored.
type deadlineEvent struct {
	participantID string
	gen           uint64
}

// Scheduler owns the per-participant queues and their timers. It is not safe for
// concurrent use: every method runs on the controller event loop, and timers only
// post deadlineEvents back into it.
type Scheduler struct {
	clock     clock.Clock
	timeLimit func(questionID string) time.Duration
	post      func(deadlineEvent)

	queues map[string]*DeliveryQueue
	order  []string
}

// NewScheduler creates a scheduler. timeLimit resolves the answering window of a
// question id; post delivers timer fires to the owning event loop.
func NewScheduler(clk clock.Clock, timeLimit func(string) time.Duration, post func(deadlineEvent)) *Scheduler {
	return &Scheduler{
		clock:     clk,
		timeLimit: timeLimit,
		post:      post,
		queues:    make(map[string]*DeliveryQueue),
	}
}

func (s *Scheduler) arm(q *DeliveryQueue, d time.Duration) {
	q.stop()
	if d < 0 {
		d = 0
	}
	q.State = QueueActive
	q.Deadline = s.clock.Now().Add(d)
	q.Remaining = 0
	pid, gen := q.ParticipantID, q.gen
	q.timer = s.clock.AfterFunc(d, func() {
		s.post(deadlineEvent{participantID: pid, gen: gen})
	})
}

func (s *Scheduler) exhaust(q *DeliveryQueue) {
	q.stop()
	q.State = QueueExhausted
	q.Cursor = len(q.Order)
	q.Deadline = time.Time{}
	q.Remaining = 0
}

// Has reports whether participantID owns a queue.
func (s *Scheduler) Has(participantID string) bool {
	_, ok := s.queues[participantID]
	return ok
}

// Activate creates a queue over order and arms its first question. It returns the
// question to deliver, or done when order is empty.
func (s *Scheduler) Activate(participantID string, order []string) (questionID string, done bool) {
	if old, ok := s.queues[participantID]; ok {
		old.stop()
	} else {
		s.order = append(s.order, participantID)
	}
	q := &DeliveryQueue{ParticipantID: participantID, Order: append([]string(nil), order...)}
	s.queues[participantID] = q
	if len(q.Order) == 0 {
		s.exhaust(q)
		return "", true
	}
	s.arm(q, s.timeLimit(q.current()))
	return q.current(), false
}

// Expire handles a timer fire. ok is false for stale or unknown fires; otherwise
// the queue advances and either names the next question or reports done.
func (s *Scheduler) Expire(ev deadlineEvent) (questionID string, done, ok bool) {
	q, found := s.queues[ev.participantID]
	if !found || q.State != QueueActive || q.gen != ev.gen {
		return "", false, false
	}
	q.timer = nil
	q.Cursor++
	if q.Cursor >= len(q.Order) {
		s.exhaust(q)
		return "", true, true
	}
	s.arm(q, s.timeLimit(q.current()))
	return q.current(), false, true
}

// Suspend stops an active queue, keeping the unexpired part of the current window.
func (s *Scheduler) Suspend(participantID string) bool {
	q, ok := s.queues[participantID]
	if !ok || q.State != QueueActive {
		return false
	}
	remaining := q.Deadline.Sub(s.clock.Now())
	if remaining < 0 {
		remaining = 0
	}
	q.stop()
	q.State = QueueSuspended
	q.Remaining = remaining
	q.Deadline = time.Time{}
	return true
}

// Resume re-arms a suspended queue with its remaining window. Active queues are
// left running. It returns the current question, or done for an exhausted queue.
func (s *Scheduler) Resume(participantID string) (questionID string, done, ok bool) {
	q, found := s.queues[participantID]
	if !found {
		return "", false, false
	}
	switch q.State {
	case QueueExhausted:
		return "", true, true
	case QueueSuspended:
		s.arm(q, q.Remaining)
	}
	return q.current(), false, true
}

// Current returns the in-flight question of an active queue.
func (s *Scheduler) Current(participantID string) (string, bool) {
	q, ok := s.queues[participantID]
	if !ok || q.State != QueueActive {
		return "", false
	}
	return q.current(), true
}

// Settled reports whether at least one queue finished and none is still active.
// Suspended queues belong to disconnected participants and do not hold the session open.
func (s *Scheduler) Settled() bool {
	exhausted := false
	for _, q := range s.queues {
		switch q.State {
		case QueueActive:
			return false
		case QueueExhausted:
			exhausted = true
		}
	}
	return exhausted
}

// Snapshot copies the queues in creation order.
func (s *Scheduler) Snapshot() []DeliveryQueue {
	out := make([]DeliveryQueue, 0, len(s.order))
	for _, pid := range s.order {
		q := s.queues[pid]
		out = append(out, DeliveryQueue{
			ParticipantID: q.ParticipantID,
			Order:         append([]string(nil), q.Order...),
			Cursor:        q.Cursor,
			Deadline:      q.Deadline,
			Remaining:     q.Remaining,
			State:         q.State,
		})
	}
	return out
}

// Restore replaces every queue with snaps. Active queues are re-armed against
// their persisted deadline; one that already passed fires immediately.
func (s *Scheduler) Restore(snaps []DeliveryQueue) {
	s.Reset()
	now := s.clock.Now()
	for _, snap := range snaps {
		q := &DeliveryQueue{
			ParticipantID: snap.ParticipantID,
			Order:         append([]string(nil), snap.Order...),
			Cursor:        snap.Cursor,
			Deadline:      snap.Deadline,
			Remaining:     snap.Remaining,
			State:         snap.State,
		}
		s.queues[q.ParticipantID] = q
		s.order = append(s.order, q.ParticipantID)
		if q.State != QueueActive {
			continue
		}
		deadline := q.Deadline
		s.arm(q, deadline.Sub(now))
		q.Deadline = deadline
	}
}

// Reset stops every timer and drops all queues.
func (s *Scheduler) Reset() {
	for _, q := range s.queues {
		q.stop()
	}
	s.queues = make(map[string]*DeliveryQueue)
	s.order = nil
}
