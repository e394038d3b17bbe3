// Package budget enforces per-story token and cost ceilings. A tracker keeps
// one counter set per story, classifies usage against the 75/90/100 percent
// thresholds, and in hard-limit mode refuses further work once a ceiling is
// reached. Cost is estimated from a per-model USD-per-1000-tokens table with a
// default fallback rate.
package budget

import (
	"errors"
	"fmt"
	"sync"
)

// Level classifies how close a story is to its ceilings. The ordering mirrors
// the safety escalation ladder: none < warning < critical < exceeded.
type Level string

const (
	LevelNone     Level = "none"
	LevelWarning  Level = "warning"
	LevelCritical Level = "critical"
	LevelExceeded Level = "exceeded"
)

// Threshold percentages for the alert ladder.
const (
	WarningPercent  = 75.0
	CriticalPercent = 90.0
	ExceededPercent = 100.0
)

// DefaultRatePer1K is the fallback cost per 1000 tokens for models missing
// from the cost table.
const DefaultRatePer1K = 0.01

var (
	// ErrBudgetExceeded reports that a hard limit has been reached.
	ErrBudgetExceeded = errors.New("budget exceeded")
	// ErrUnknownStory reports usage recorded against an untracked story.
	ErrUnknownStory = errors.New("story not tracked")
)

type (
	// Snapshot is the budget state of one story at a point in time.
	Snapshot struct {
		StoryID         string
		TokensUsed      int64
		TokenLimit      int64
		CostUSD         float64
		CostLimitUSD    float64
		TokensRemaining int64
		CostRemaining   float64
		UsedPercent     float64
		Level           Level
	}

	// TrackerOptions configures a Tracker.
	TrackerOptions struct {
		// SoftLimit alerts on exceeded budgets instead of denying work.
		// The default (hard-limit mode) denies.
		SoftLimit bool
		// RatesPer1K maps model identifiers to USD per 1000 tokens. Models
		// absent from the table cost DefaultRatePer1K.
		RatesPer1K map[string]float64
		// DefaultRate overrides the fallback rate. Defaults to
		// DefaultRatePer1K.
		DefaultRate float64
		// OnAlert, when set, fires each time a story's level rises.
		OnAlert func(storyID string, s Snapshot)
	}

	// Tracker keeps per-story budget counters.
	Tracker struct {
		soft        bool
		rates       map[string]float64
		defaultRate float64
		onAlert     func(string, Snapshot)

		mu      sync.Mutex
		stories map[string]*storyBudget
	}

	storyBudget struct {
		tokensUsed   int64
		tokenLimit   int64
		costUSD      float64
		costLimitUSD float64
		level        Level
	}
)

// NewTracker constructs a Tracker.
func NewTracker(opts TrackerOptions) *Tracker {
	rate := opts.DefaultRate
	if rate <= 0 {
		rate = DefaultRatePer1K
	}
	return &Tracker{
		soft:        opts.SoftLimit,
		rates:       opts.RatesPer1K,
		defaultRate: rate,
		onAlert:     opts.OnAlert,
		stories:     make(map[string]*storyBudget),
	}
}

// Track registers a story with its ceilings. A non-positive limit means
// unlimited on that axis. Re-tracking an existing story resets its counters.
func (t *Tracker) Track(storyID string, tokenLimit int64, costLimitUSD float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stories[storyID] = &storyBudget{
		tokenLimit:   tokenLimit,
		costLimitUSD: costLimitUSD,
		level:        LevelNone,
	}
}

// Record adds token usage for a story, estimating cost from the model's rate.
// The returned snapshot reflects the counters after the addition. Recording
// never fails on an exceeded budget; CanProceed is the enforcement point.
func (t *Tracker) Record(storyID string, tokens int64, model string) (Snapshot, error) {
	t.mu.Lock()
	sb, ok := t.stories[storyID]
	if !ok {
		t.mu.Unlock()
		return Snapshot{}, fmt.Errorf("%w: %s", ErrUnknownStory, storyID)
	}
	sb.tokensUsed += tokens
	sb.costUSD += t.cost(tokens, model)
	snap := sb.snapshot(storyID)
	rose := snap.Level != sb.level && levelRank(snap.Level) > levelRank(sb.level)
	sb.level = snap.Level
	alert := t.onAlert
	t.mu.Unlock()

	if rose && alert != nil {
		alert(storyID, snap)
	}
	return snap, nil
}

// RecordCost adds a directly-measured cost, for providers that report spend
// instead of tokens.
func (t *Tracker) RecordCost(storyID string, costUSD float64) (Snapshot, error) {
	t.mu.Lock()
	sb, ok := t.stories[storyID]
	if !ok {
		t.mu.Unlock()
		return Snapshot{}, fmt.Errorf("%w: %s", ErrUnknownStory, storyID)
	}
	sb.costUSD += costUSD
	snap := sb.snapshot(storyID)
	rose := levelRank(snap.Level) > levelRank(sb.level)
	sb.level = snap.Level
	alert := t.onAlert
	t.mu.Unlock()

	if rose && alert != nil {
		alert(storyID, snap)
	}
	return snap, nil
}

// CanProceed reports whether more work may be dispatched for the story. In
// hard-limit mode an exceeded budget returns ErrBudgetExceeded; in soft mode
// it always allows.
func (t *Tracker) CanProceed(storyID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	sb, ok := t.stories[storyID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownStory, storyID)
	}
	if t.soft {
		return nil
	}
	if sb.snapshot(storyID).Level == LevelExceeded {
		return fmt.Errorf("%w: story %s at %d/%d tokens, %.4f/%.2f USD",
			ErrBudgetExceeded, storyID, sb.tokensUsed, sb.tokenLimit, sb.costUSD, sb.costLimitUSD)
	}
	return nil
}

// Snapshot returns the current budget state of a story.
func (t *Tracker) Snapshot(storyID string) (Snapshot, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	sb, ok := t.stories[storyID]
	if !ok {
		return Snapshot{}, fmt.Errorf("%w: %s", ErrUnknownStory, storyID)
	}
	return sb.snapshot(storyID), nil
}

// Forget drops a story's counters, typically after terminal status.
func (t *Tracker) Forget(storyID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.stories, storyID)
}

// EstimateCost returns the USD cost of a token count under the model's rate.
func (t *Tracker) EstimateCost(tokens int64, model string) float64 {
	return t.cost(tokens, model)
}

func (t *Tracker) cost(tokens int64, model string) float64 {
	rate := t.defaultRate
	if r, ok := t.rates[model]; ok {
		rate = r
	}
	return float64(tokens) / 1000.0 * rate
}

func (sb *storyBudget) snapshot(storyID string) Snapshot {
	s := Snapshot{
		StoryID:      storyID,
		TokensUsed:   sb.tokensUsed,
		TokenLimit:   sb.tokenLimit,
		CostUSD:      sb.costUSD,
		CostLimitUSD: sb.costLimitUSD,
	}
	if sb.tokenLimit > 0 {
		s.TokensRemaining = sb.tokenLimit - sb.tokensUsed
		if s.TokensRemaining < 0 {
			s.TokensRemaining = 0
		}
		s.UsedPercent = float64(sb.tokensUsed) / float64(sb.tokenLimit) * 100
	}
	if sb.costLimitUSD > 0 {
		s.CostRemaining = sb.costLimitUSD - sb.costUSD
		if s.CostRemaining < 0 {
			s.CostRemaining = 0
		}
		if pct := sb.costUSD / sb.costLimitUSD * 100; pct > s.UsedPercent {
			s.UsedPercent = pct
		}
	}
	s.Level = levelFor(s.UsedPercent)
	return s
}

func levelFor(pct float64) Level {
	switch {
	case pct >= ExceededPercent:
		return LevelExceeded
	case pct >= CriticalPercent:
		return LevelCritical
	case pct >= WarningPercent:
		return LevelWarning
	default:
		return LevelNone
	}
}

func levelRank(l Level) int {
	switch l {
	case LevelWarning:
		return 1
	case LevelCritical:
		return 2
	case LevelExceeded:
		return 3
	default:
		return 0
	}
}
