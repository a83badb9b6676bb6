package domain

import (
	"math"
	"sort"
	"time"
)

// DefaultLeaderboardSize caps the published leaderboard.
const DefaultLeaderboardSize = 10

// LeaderboardEntry is a ranked, snapshot-friendly view of a participant.
type LeaderboardEntry struct {
	Rank          int    `json:"rank"`
	ParticipantID string `json:"participantId"`
	DisplayName   string `json:"displayName"`
	Score         int    `json:"score"`
}

// Breakdown summarizes one participant's answers.
type Breakdown struct {
	ParticipantID string `json:"participantId"`
	DisplayName   string `json:"displayName"`
	Correct       int    `json:"correct"`
	Wrong         int    `json:"wrong"`
	Skipped       int    `json:"skipped"`
	Answered      int    `json:"answered"`
	Percentage    int    `json:"percentage"`
	Grade         string `json:"grade"`
}

// QuestionStat summarizes how a question performed across participants.
type QuestionStat struct {
	QuestionID string `json:"questionId"`
	Index      int    `json:"index"`
	Text       string `json:"text"`
	Correct    int    `json:"correct"`
	Total      int    `json:"total"`
	Percentage int    `json:"percentage"`
	Difficulty string `json:"difficulty"`
}

// Overview aggregates session participation.
type Overview struct {
	TotalAnswered     int `json:"totalAnswered"`
	TotalPossible     int `json:"totalPossible"`
	ParticipationRate int `json:"participationRate"`
	AverageScore      int `json:"averageScore"`
}

// Results is the payload participants observe at conclusion.
type Results struct {
	Published   bool               `json:"published"`
	Leaderboard []LeaderboardEntry `json:"leaderboard"`
	Breakdown   []Breakdown        `json:"breakdown"`
	Message     string             `json:"message"`
	IssuedAt    time.Time          `json:"issuedAt"`
}

// Ranking orders participants by score desc, then earliest last scoring event, then name.
// Participants that never submitted sort after those that did at the same score.
func Ranking(participants []Participant) []Participant {
	ranked := append([]Participant(nil), participants...)
	sort.SliceStable(ranked, func(i, j int) bool {
		pi, pj := ranked[i], ranked[j]
		if pi.Score != pj.Score {
			return pi.Score > pj.Score
		}
		if pi.LastScoredAt.IsZero() != pj.LastScoredAt.IsZero() {
			return !pi.LastScoredAt.IsZero()
		}
		if !pi.LastScoredAt.Equal(pj.LastScoredAt) {
			return pi.LastScoredAt.Before(pj.LastScoredAt)
		}
		return pi.DisplayName < pj.DisplayName
	})
	return ranked
}

// BuildLeaderboard ranks participants and keeps the first limit entries (all when limit <= 0).
func BuildLeaderboard(participants []Participant, limit int) []LeaderboardEntry {
	ranked := Ranking(participants)
	if limit > 0 && len(ranked) > limit {
		ranked = ranked[:limit]
	}
	entries := make([]LeaderboardEntry, 0, len(ranked))
	for i, p := range ranked {
		entries = append(entries, LeaderboardEntry{
			Rank:          i + 1,
			ParticipantID: p.ID,
			DisplayName:   p.DisplayName,
			Score:         p.Score,
		})
	}
	return entries
}

// BuildBreakdown computes per-participant counts from the authoritative answers.
func BuildBreakdown(participants []Participant, answers []AnswerRecord, questionCount int) []Breakdown {
	type tally struct{ correct, wrong int }
	byParticipant := make(map[string]*tally, len(participants))
	for _, a := range answers {
		t, ok := byParticipant[a.ParticipantID]
		if !ok {
			t = &tally{}
			byParticipant[a.ParticipantID] = t
		}
		switch {
		case a.SelectedOption == nil:
		case a.Correct:
			t.correct++
		default:
			t.wrong++
		}
	}

	out := make([]Breakdown, 0, len(participants))
	for _, p := range participants {
		t := byParticipant[p.ID]
		if t == nil {
			t = &tally{}
		}
		answered := t.correct + t.wrong
		skipped := questionCount - answered
		if skipped < 0 {
			skipped = 0
		}
		pct := percent(t.correct, questionCount)
		out = append(out, Breakdown{
			ParticipantID: p.ID,
			DisplayName:   p.DisplayName,
			Correct:       t.correct,
			Wrong:         t.wrong,
			Skipped:       skipped,
			Answered:      answered,
			Percentage:    pct,
			Grade:         Grade(pct),
		})
	}
	return out
}

// BuildQuestionStats computes per-question correctness and difficulty.
func BuildQuestionStats(bank []Question, answers []AnswerRecord) []QuestionStat {
	stats := make([]QuestionStat, 0, len(bank))
	for i, q := range bank {
		st := QuestionStat{QuestionID: q.ID, Index: i + 1, Text: q.Text}
		for _, a := range answers {
			if a.QuestionID != q.ID {
				continue
			}
			st.Total++
			if a.Correct {
				st.Correct++
			}
		}
		st.Percentage = percent(st.Correct, st.Total)
		st.Difficulty = Difficulty(st.Percentage)
		stats = append(stats, st)
	}
	return stats
}

// BuildOverview aggregates participation across the roster.
func BuildOverview(participants []Participant, answers []AnswerRecord, breakdown []Breakdown, questionCount int) Overview {
	possible := len(participants) * questionCount
	avg := 0
	if len(breakdown) > 0 {
		sum := 0
		for _, b := range breakdown {
			sum += b.Percentage
		}
		avg = int(math.Round(float64(sum) / float64(len(breakdown))))
	}
	return Overview{
		TotalAnswered:     len(answers),
		TotalPossible:     possible,
		ParticipationRate: percent(len(answers), possible),
		AverageScore:      avg,
	}
}

// Grade maps a percentage onto a letter grade.
func Grade(pct int) string {
	switch {
	case pct >= 80:
		return "A"
	case pct >= 60:
		return "B"
	case pct >= 40:
		return "C"
	default:
		return "D"
	}
}

// Difficulty labels a question by its correctness ratio.
func Difficulty(pct int) string {
	switch {
	case pct < 30:
		return "Hard"
	case pct < 70:
		return "Medium"
	default:
		return "Easy"
	}
}

func percent(n, d int) int {
	if d <= 0 {
		return 0
	}
	return int(math.Round(float64(n) * 100 / float64(d)))
}

// ResultsMessage is the notice shown alongside a results payload.
func ResultsMessage(published bool) string {
	if published {
		return "Results published!"
	}
	return "Results will be published shortly."
}
