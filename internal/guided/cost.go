package guided

import (
	"sync"
	"time"
)

// CostTracker accounts guided-prompt spend against a daily budget. The
// window resets at the first charge of each UTC day.
type CostTracker struct {
	mu        sync.Mutex
	budgetUSD float64
	spentUSD  float64
	day       string
	now       func() time.Time
}

// NewCostTracker creates a tracker for the given daily budget.
func NewCostTracker(budgetUSD float64) *CostTracker {
	return &CostTracker{budgetUSD: budgetUSD, now: time.Now}
}

func (t *CostTracker) roll() {
	today := t.now().UTC().Format("2006-01-02")
	if t.day != today {
		t.day = today
		t.spentUSD = 0
	}
}

// RemainingFraction returns the unspent share of today's budget in
// [0,1]. A zero budget reports as exhausted.
func (t *CostTracker) RemainingFraction() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.roll()
	if t.budgetUSD <= 0 {
		return 0
	}
	f := (t.budgetUSD - t.spentUSD) / t.budgetUSD
	if f < 0 {
		return 0
	}
	return f
}

// PerRequestCapUSD is the hard cost ceiling for one refinement call.
func (t *CostTracker) PerRequestCapUSD() float64 {
	return t.budgetUSD * 0.01
}

// Charge records spend for one completed call.
func (t *CostTracker) Charge(costUSD float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.roll()
	t.spentUSD += costUSD
}

// SpentUSD returns today's spend.
func (t *CostTracker) SpentUSD() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.roll()
	return t.spentUSD
}
