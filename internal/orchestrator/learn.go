package orchestrator

import (
	"sync"
	"time"

	"github.com/ppiankov/dispatchwatch/internal/policy"
)

// DefaultLearningWindow is how many outcomes the learner keeps.
const DefaultLearningWindow = 1000

// Outcome is one executed plan item.
type Outcome struct {
	Timestamp  time.Time         `json:"timestamp"`
	Action     policy.ActionType `json:"action"`
	Level      Level             `json:"level"`
	Confidence float64           `json:"confidence"`
	Success    bool              `json:"success"`
	Duration   time.Duration     `json:"duration"`
}

// Insight summarizes outcomes for one action.
type Insight struct {
	Count       int           `json:"count"`
	SuccessRate float64       `json:"success_rate"`
	AvgDuration time.Duration `json:"avg_duration"`
}

// Learner keeps a bounded window of outcomes.
type Learner struct {
	mu   sync.Mutex
	size int
	recs []Outcome
}

func NewLearner(size int) *Learner {
	if size <= 0 {
		size = DefaultLearningWindow
	}
	return &Learner{size: size}
}

func (l *Learner) Record(o Outcome) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.recs = append(l.recs, o)
	if over := len(l.recs) - l.size; over > 0 {
		l.recs = append(l.recs[:0:0], l.recs[over:]...)
	}
}

func (l *Learner) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.recs)
}

// Insights groups the window by action.
func (l *Learner) Insights() map[policy.ActionType]Insight {
	l.mu.Lock()
	defer l.mu.Unlock()

	type acc struct {
		n, ok int
		total time.Duration
	}
	by := make(map[policy.ActionType]*acc)
	for _, r := range l.recs {
		a := by[r.Action]
		if a == nil {
			a = &acc{}
			by[r.Action] = a
		}
		a.n++
		a.total += r.Duration
		if r.Success {
			a.ok++
		}
	}
	out := make(map[policy.ActionType]Insight, len(by))
	for action, a := range by {
		out[action] = Insight{
			Count:       a.n,
			SuccessRate: float64(a.ok) / float64(a.n),
			AvgDuration: a.total / time.Duration(a.n),
		}
	}
	return out
}
