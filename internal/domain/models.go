package domain

import (
	"fmt"
	"strings"
	"time"
)

// CorrectAnswerPoints is the fixed score increment for a correct answer.
const CorrectAnswerPoints = 10

// OfflinePrefix marks identities generated locally when signaling is unreachable.
const OfflinePrefix = "LOCAL-"

// IsOfflineIdentity reports whether id was generated without a signaling service.
func IsOfflineIdentity(id string) bool {
	return strings.HasPrefix(id, OfflinePrefix)
}

// Phase is the controller session lifecycle state.
type Phase string

const (
	PhaseIdle      Phase = "idle"
	PhaseStaging   Phase = "staging"
	PhaseRunning   Phase = "running"
	PhaseConcluded Phase = "concluded"
)

// PacingMode selects how questions advance.
type PacingMode string

const (
	// PacingPaced advances every participant together on the controller's command.
	PacingPaced PacingMode = "paced"
	// PacingAutonomous gives each participant an independent timer-driven queue.
	PacingAutonomous PacingMode = "autonomous"
)

// ParseMode accepts the config spelling of a pacing mode.
func ParseMode(raw string) (PacingMode, error) {
	switch PacingMode(strings.ToLower(strings.TrimSpace(raw))) {
	case "", PacingPaced:
		return PacingPaced, nil
	case PacingAutonomous:
		return PacingAutonomous, nil
	}
	return "", fmt.Errorf("%w: unknown pacing mode %q", ErrInvalidSettings, raw)
}

// ParticipantStatus is the controller's view of a participant's activity.
type ParticipantStatus string

const (
	StatusOnline    ParticipantStatus = "online"
	StatusAnswering ParticipantStatus = "answering"
	StatusDone      ParticipantStatus = "done"
)

// Question models an MCQ question with exactly one correct option.
type Question struct {
	ID               string   `json:"id"`
	Text             string   `json:"text"`
	Options          []string `json:"options"`
	CorrectIndex     int      `json:"correctIndex"`
	TimeLimitSeconds int      `json:"timeLimitSeconds"`
	Version          int      `json:"version"`
}

// Validate checks the structural invariants of a question.
func (q Question) Validate() error {
	switch {
	case strings.TrimSpace(q.ID) == "":
		return fmt.Errorf("%w: missing id", ErrInvalidQuestion)
	case strings.TrimSpace(q.Text) == "":
		return fmt.Errorf("%w: %s has no text", ErrInvalidQuestion, q.ID)
	case len(q.Options) < 2:
		return fmt.Errorf("%w: %s needs at least 2 options", ErrInvalidQuestion, q.ID)
	case q.CorrectIndex < 0 || q.CorrectIndex >= len(q.Options):
		return fmt.Errorf("%w: %s correct index %d out of range", ErrInvalidQuestion, q.ID, q.CorrectIndex)
	case q.TimeLimitSeconds <= 0:
		return fmt.Errorf("%w: %s time limit must be positive", ErrInvalidQuestion, q.ID)
	}
	for i, opt := range q.Options {
		if strings.TrimSpace(opt) == "" {
			return fmt.Errorf("%w: %s option %d is empty", ErrInvalidQuestion, q.ID, i)
		}
	}
	return nil
}

// TimeLimit returns the answering window as a duration.
func (q Question) TimeLimit() time.Duration {
	return time.Duration(q.TimeLimitSeconds) * time.Second
}

// ShuffledQuestion is one delivery of a Question with permuted options.
type ShuffledQuestion struct {
	ID               string   `json:"id"`
	Text             string   `json:"text"`
	Options          []string `json:"options"`
	CorrectIndex     int      `json:"correctIndex"`
	TimeLimitSeconds int      `json:"timeLimitSeconds"`
	Version          int      `json:"version"`
}

// TimeLimit returns the answering window as a duration.
func (q ShuffledQuestion) TimeLimit() time.Duration {
	return time.Duration(q.TimeLimitSeconds) * time.Second
}

// Participant represents an exam participant as tracked by the controller.
type Participant struct {
	ID             string            `json:"id"`
	DisplayName    string            `json:"displayName"`
	Status         ParticipantStatus `json:"status"`
	Score          int               `json:"score"`
	ViolationCount int               `json:"violationCount"`
	Focused        bool              `json:"focused"`
	Connected      bool              `json:"connected"`
	JoinedAt       time.Time         `json:"joinedAt"`
	LastScoredAt   time.Time         `json:"lastScoredAt"`
}

// AnswerRecord is one submission; the latest record per (participant, question) is authoritative.
type AnswerRecord struct {
	ParticipantID  string    `json:"participantId"`
	QuestionID     string    `json:"questionId"`
	SelectedOption *int      `json:"selectedOption"`
	SubmittedAt    time.Time `json:"submittedAt"`
	Correct        bool      `json:"correct"`
}

// Key identifies the (participant, question) pair of a record.
func (r AnswerRecord) Key() string {
	return r.ParticipantID + "|" + r.QuestionID
}

// Same reports whether two records describe the identical submission.
func (r AnswerRecord) Same(other AnswerRecord) bool {
	if r.Key() != other.Key() || !r.SubmittedAt.Equal(other.SubmittedAt) {
		return false
	}
	if (r.SelectedOption == nil) != (other.SelectedOption == nil) {
		return false
	}
	return r.SelectedOption == nil || *r.SelectedOption == *other.SelectedOption
}

// Points returns the score contribution of the record.
func (r AnswerRecord) Points() int {
	if r.Correct {
		return CorrectAnswerPoints
	}
	return 0
}

// Option returns a pointer to i, for building AnswerRecords.
func Option(i int) *int {
	return &i
}

// Bank is a named, ordered set of questions loaded from a bank source.
type Bank struct {
	ID        string     `json:"id"`
	Title     string     `json:"title"`
	Questions []Question `json:"questions"`
}

// Validate checks every question and rejects duplicate ids.
func (b Bank) Validate() error {
	seen := make(map[string]struct{}, len(b.Questions))
	for _, q := range b.Questions {
		if err := q.Validate(); err != nil {
			return err
		}
		if _, dup := seen[q.ID]; dup {
			return fmt.Errorf("%w: duplicate id %s in bank %s", ErrInvalidQuestion, q.ID, b.ID)
		}
		seen[q.ID] = struct{}{}
	}
	return nil
}
