package app

import (
	"context"
	"time"

	"github.com/UtilityDD/peermesh-exam-system/internal/domain"
)

// View is the controller dashboard projection of the session, with analytics.
type View struct {
	ControllerID   string                    `json:"controllerId"`
	Phase          domain.Phase              `json:"phase"`
	Title          string                    `json:"title"`
	Mode           domain.PacingMode         `json:"pacingMode"`
	RandomizeOrder bool                      `json:"randomizeOrder"`
	SharedCursor   int                       `json:"sharedCursor"`
	StartedAt      *time.Time                `json:"startedAt"`
	Questions      []domain.Question         `json:"questions"`
	Participants   []domain.Participant      `json:"participants"`
	Queues         []DeliveryQueue           `json:"queues,omitempty"`
	Leaderboard    []domain.LeaderboardEntry `json:"leaderboard"`
	Breakdown      []domain.Breakdown        `json:"breakdown"`
	QuestionStats  []domain.QuestionStat     `json:"questionStats"`
	Overview       domain.Overview           `json:"overview"`
	Results        *domain.Results           `json:"results,omitempty"`
}

func (c *Controller) buildView() View {
	st := &c.state
	answers := st.latestAnswers()
	breakdown := domain.BuildBreakdown(st.Participants, answers, len(st.Bank))
	v := View{
		ControllerID:   st.ControllerID,
		Phase:          st.Phase,
		Title:          st.Title,
		Mode:           st.Mode,
		RandomizeOrder: st.RandomizeOrder,
		SharedCursor:   st.SharedCursor,
		Questions:      append([]domain.Question(nil), st.Bank...),
		Participants:   append([]domain.Participant(nil), st.Participants...),
		Queues:         c.sched.Snapshot(),
		Leaderboard:    domain.BuildLeaderboard(st.Participants, 0),
		Breakdown:      breakdown,
		QuestionStats:  domain.BuildQuestionStats(st.Bank, answers),
		Overview:       domain.BuildOverview(st.Participants, answers, breakdown, len(st.Bank)),
		Results:        st.LastResults,
	}
	if st.StartedAt != nil {
		t := *st.StartedAt
		v.StartedAt = &t
	}
	return v
}

// View returns the current dashboard projection.
func (c *Controller) View(ctx context.Context) (View, error) {
	v, err := c.do(ctx, "view", true, func() (any, error) {
		return c.buildView(), nil
	})
	if err != nil {
		return View{}, err
	}
	return v.(View), nil
}

// Subscribe streams a View after every state change, starting with the current one.
// Slow readers only ever see the latest view. The caller must invoke cancel.
func (c *Controller) Subscribe(ctx context.Context) (<-chan View, func(), error) {
	ch := make(chan View, 1)
	_, err := c.do(ctx, "subscribe", true, func() (any, error) {
		c.subMu.Lock()
		c.subscribers[ch] = struct{}{}
		c.subMu.Unlock()
		ch <- c.buildView()
		return nil, nil
	})
	if err != nil {
		return nil, nil, err
	}
	cancel := func() {
		c.subMu.Lock()
		defer c.subMu.Unlock()
		if _, ok := c.subscribers[ch]; ok {
			delete(c.subscribers, ch)
			close(ch)
		}
	}
	return ch, cancel, nil
}

func (c *Controller) notify() {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	if len(c.subscribers) == 0 {
		return
	}
	v := c.buildView()
	for ch := range c.subscribers {
		select {
		case ch <- v:
		default:
			select {
			case <-ch:
			default:
			}
			ch <- v
		}
	}
}
