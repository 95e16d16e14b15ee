package workqueue

import (
	"math"
	"time"
)

// ScoreFunc computes the selection priority of an active item. Higher wins.
type ScoreFunc func(item *WorkItem, now time.Time) float64

// Policy holds the tunable parts of the queue: snooze backoff and scoring.
type Policy struct {
	BackoffBase       time.Duration
	BackoffMultiplier float64
	BackoffCap        time.Duration
	// MaxSnoozes ends an item after that many consecutive snoozes without
	// new input. Zero disables the limit.
	MaxSnoozes int
	Score      ScoreFunc
}

// DefaultPolicy returns 60s doubling backoff capped at one hour.
func DefaultPolicy() Policy {
	return Policy{
		BackoffBase:       60 * time.Second,
		BackoffMultiplier: 2,
		BackoffCap:        time.Hour,
		MaxSnoozes:        10,
		Score:             DefaultScore,
	}
}

// Backoff returns the snooze duration for a given exponent:
// base * multiplier^exponent, capped.
func (p Policy) Backoff(exponent int) time.Duration {
	if exponent < 0 {
		exponent = 0
	}
	mult := p.BackoffMultiplier
	if mult < 1 {
		mult = 1
	}
	d := float64(p.BackoffBase) * math.Pow(mult, float64(exponent))
	if p.BackoffCap > 0 && (d > float64(p.BackoffCap) || math.IsInf(d, 1)) {
		return p.BackoffCap
	}
	return time.Duration(d)
}

// Score weights used by DefaultScore.
const (
	hintWeight        = 10.0
	pendingBonus      = 50.0
	recencyBonus      = 20.0
	recencyHalfLife   = 5 * time.Minute
	wokeBonus         = 15.0
	overBudgetPenalty = 25.0
	waitingPerMinute  = 1.0
	waitingCap        = 40.0
)

// DefaultScore favors pending input and recent conversations, boosts items
// that just came back from a snooze, penalizes items over their energy
// budget, and grows with time since the item was last selected so nothing
// waits forever.
func DefaultScore(item *WorkItem, now time.Time) float64 {
	score := item.PriorityHint * hintWeight

	if item.PendingInput {
		score += pendingBonus
	}
	if !item.LastInputAt.IsZero() {
		age := now.Sub(item.LastInputAt)
		if age < 0 {
			age = 0
		}
		score += recencyBonus * math.Exp2(-float64(age)/float64(recencyHalfLife))
	}
	if item.Woke() {
		score += wokeBonus
	}
	if item.OverBudget() {
		score -= overBudgetPenalty
	}

	since := item.LastSelectedAt
	if since.IsZero() {
		since = item.CreatedAt
	}
	if waited := now.Sub(since); waited > 0 {
		score += math.Min(waited.Minutes()*waitingPerMinute, waitingCap)
	}
	return score
}
