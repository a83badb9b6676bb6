package protocol

import (
	"fmt"
	"strings"
	"time"

	"github.com/UtilityDD/peermesh-exam-system/internal/domain"
)

// HeartbeatStatus signals a phase transition to participants.
type HeartbeatStatus string

const (
	HeartbeatStaging   HeartbeatStatus = "staging"
	HeartbeatRunning   HeartbeatStatus = "running"
	HeartbeatCompleted HeartbeatStatus = "completed"
)

func malformed(kind Kind, format string, args ...any) error {
	return fmt.Errorf("%w: %s: %s", domain.ErrMalformedMessage, kind, fmt.Sprintf(format, args...))
}

// Join is sent by a participant right after its link opens.
type Join struct {
	DisplayName string `json:"displayName"`
}

func (Join) Kind() Kind { return KindJoin }

func (m Join) Validate() error {
	if strings.TrimSpace(m.DisplayName) == "" {
		return malformed(KindJoin, "empty display name")
	}
	return nil
}

// Question carries one individually shuffled delivery.
type Question struct {
	domain.ShuffledQuestion
}

func (Question) Kind() Kind { return KindQuestion }

func (m Question) Validate() error {
	switch {
	case m.ID == "":
		return malformed(KindQuestion, "missing id")
	case len(m.Options) < 2:
		return malformed(KindQuestion, "%s has %d options", m.ID, len(m.Options))
	case m.CorrectIndex < 0 || m.CorrectIndex >= len(m.Options):
		return malformed(KindQuestion, "%s correct index %d out of range", m.ID, m.CorrectIndex)
	case m.TimeLimitSeconds <= 0:
		return malformed(KindQuestion, "%s non-positive time limit", m.ID)
	}
	return nil
}

// Response carries a participant's answer.
type Response struct {
	domain.AnswerRecord
}

func (Response) Kind() Kind { return KindResponse }

func (m Response) Validate() error {
	if m.QuestionID == "" {
		return malformed(KindResponse, "missing question id")
	}
	if m.SelectedOption != nil && *m.SelectedOption < 0 {
		return malformed(KindResponse, "negative option %d", *m.SelectedOption)
	}
	return nil
}

// Ack confirms a response was recorded.
type Ack struct {
	QuestionID string `json:"questionId"`
}

func (Ack) Kind() Kind { return KindAck }

func (m Ack) Validate() error {
	if m.QuestionID == "" {
		return malformed(KindAck, "missing question id")
	}
	return nil
}

// Integrity reports a focus or visibility transition.
type Integrity struct {
	ViolationCount int  `json:"violationCount"`
	Focused        bool `json:"focused"`
}

func (Integrity) Kind() Kind { return KindIntegrity }

func (m Integrity) Validate() error {
	if m.ViolationCount < 0 {
		return malformed(KindIntegrity, "negative violation count")
	}
	return nil
}

// Heartbeat signals phase changes such as completion.
type Heartbeat struct {
	Status HeartbeatStatus `json:"status"`
}

func (Heartbeat) Kind() Kind { return KindHeartbeat }

func (m Heartbeat) Validate() error {
	switch m.Status {
	case HeartbeatStaging, HeartbeatRunning, HeartbeatCompleted:
		return nil
	}
	return malformed(KindHeartbeat, "unknown status %q", m.Status)
}

// Results is sent at conclusion; the last one received wins.
type Results struct {
	domain.Results
}

func (Results) Kind() Kind { return KindResults }

func (m Results) Validate() error {
	seen := make(map[string]struct{}, len(m.Leaderboard))
	for _, e := range m.Leaderboard {
		if _, dup := seen[e.ParticipantID]; dup {
			return malformed(KindResults, "duplicate leaderboard entry %s", e.ParticipantID)
		}
		seen[e.ParticipantID] = struct{}{}
	}
	return nil
}

// SessionEnded is the terminal message before the controller tears down.
type SessionEnded struct {
	EndedAt time.Time `json:"endedAt"`
}

func (SessionEnded) Kind() Kind { return KindSessionEnded }

func (m SessionEnded) Validate() error {
	if m.EndedAt.IsZero() {
		return malformed(KindSessionEnded, "missing end time")
	}
	return nil
}
