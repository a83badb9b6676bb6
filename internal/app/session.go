package app

import (
	"time"

	"github.com/UtilityDD/peermesh-exam-system/internal/domain"
)

// SessionState is the controller-owned exam state. It is only touched from the
// controller event loop and is the unit of snapshot and restore.
type SessionState struct {
	Phase          domain.Phase                       `json:"phase"`
	Title          string                             `json:"title"`
	Bank           []domain.Question                  `json:"questionBank"`
	SharedCursor   int                                `json:"sharedCursor"`
	Participants   []domain.Participant               `json:"participants"`
	Answers        []domain.AnswerRecord              `json:"answers"`
	Mode           domain.PacingMode                  `json:"pacingMode"`
	RandomizeOrder bool                               `json:"randomizeOrder"`
	StartedAt      *time.Time                         `json:"startedAt"`
	ControllerID   string                             `json:"controllerId"`
	Deliveries     map[string]domain.ShuffledQuestion `json:"deliveries"`
	Queues         []DeliveryQueue                    `json:"queues"`
	LastResults    *domain.Results                    `json:"lastResults,omitempty"`
}

func newSessionState(controllerID string) SessionState {
	return SessionState{
		Phase:        domain.PhaseIdle,
		Mode:         domain.PacingPaced,
		ControllerID: controllerID,
		Deliveries:   make(map[string]domain.ShuffledQuestion),
	}
}

// reset returns to a fresh Idle session keeping the bank and its settings.
func (s *SessionState) reset() {
	*s = SessionState{
		Phase:          domain.PhaseIdle,
		Title:          s.Title,
		Bank:           s.Bank,
		Mode:           s.Mode,
		RandomizeOrder: s.RandomizeOrder,
		ControllerID:   s.ControllerID,
		Deliveries:     make(map[string]domain.ShuffledQuestion),
	}
}

func (s *SessionState) question(id string) (domain.Question, int, bool) {
	for i, q := range s.Bank {
		if q.ID == id {
			return q, i, true
		}
	}
	return domain.Question{}, -1, false
}

func (s *SessionState) participant(id string) *domain.Participant {
	for i := range s.Participants {
		if s.Participants[i].ID == id {
			return &s.Participants[i]
		}
	}
	return nil
}

func (s *SessionState) questionIDs() []string {
	ids := make([]string, len(s.Bank))
	for i, q := range s.Bank {
		ids[i] = q.ID
	}
	return ids
}

// currentQuestion is the shared cursor question in paced mode.
func (s *SessionState) currentQuestion() (domain.Question, bool) {
	if s.SharedCursor < 0 || s.SharedCursor >= len(s.Bank) {
		return domain.Question{}, false
	}
	return s.Bank[s.SharedCursor], true
}

func deliveryKey(participantID, questionID string) string {
	return domain.AnswerRecord{ParticipantID: participantID, QuestionID: questionID}.Key()
}

// latestAnswers returns the authoritative record per (participant, question),
// ordered by first appearance in the log.
func (s *SessionState) latestAnswers() []domain.AnswerRecord {
	index := make(map[string]int, len(s.Answers))
	out := make([]domain.AnswerRecord, 0, len(s.Answers))
	for _, a := range s.Answers {
		if i, ok := index[a.Key()]; ok {
			out[i] = a
			continue
		}
		index[a.Key()] = len(out)
		out = append(out, a)
	}
	return out
}

func (s *SessionState) latestAnswer(key string) (domain.AnswerRecord, bool) {
	for i := len(s.Answers) - 1; i >= 0; i-- {
		if s.Answers[i].Key() == key {
			return s.Answers[i], true
		}
	}
	return domain.AnswerRecord{}, false
}

// recalculateScore recomputes a participant's score from its authoritative answers.
// It reports whether the score changed.
func (s *SessionState) recalculateScore(participantID string) bool {
	p := s.participant(participantID)
	if p == nil {
		return false
	}
	score := 0
	for _, a := range s.latestAnswers() {
		if a.ParticipantID == participantID {
			score += a.Points()
		}
	}
	changed := score != p.Score
	p.Score = score
	return changed
}
