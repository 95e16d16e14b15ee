// Package energy implements the leaky-bucket meter that gates how much effort
// the scheduler may spend.
//
// The level drains through Consume and refills at a fixed rate through
// Replenish. It may go negative down to Min; that range is the debt zone and
// maps to the urgent status.
package energy

import (
	"math"
	"sync"
)

// Status is the energy band the current level falls into.
type Status string

const (
	StatusHigh   Status = "high"
	StatusMedium Status = "medium"
	StatusLow    Status = "low"
	StatusUrgent Status = "urgent"
)

// Tier is the class of action the scheduler may take at a given status.
type Tier string

const (
	TierExpensive Tier = "expensive"
	TierCheap     Tier = "cheap"
	TierMinimal   Tier = "minimal"
)

// Config holds the bucket bounds, refill rate and status thresholds.
type Config struct {
	Max           float64
	Min           float64
	Initial       float64
	ReplenishRate float64 // units per second

	HighThreshold   float64
	MediumThreshold float64
	LowThreshold    float64
}

// DefaultConfig returns the stock bucket: 100 max, -50 min, 10 units/s.
func DefaultConfig() Config {
	return Config{
		Max:             100,
		Min:             -50,
		Initial:         100,
		ReplenishRate:   10,
		HighThreshold:   70,
		MediumThreshold: 30,
		LowThreshold:    0,
	}
}

// Snapshot is a point-in-time copy of the account for metrics.
type Snapshot struct {
	Level         float64 `json:"level"`
	Max           float64 `json:"max"`
	Min           float64 `json:"min"`
	ReplenishRate float64 `json:"replenish_rate"`
	Status        Status  `json:"status"`
	Consumed      float64 `json:"consumed"`
	Replenished   float64 `json:"replenished"`
}

// Account is a mutex-guarded leaky bucket. The scheduler is its only writer;
// the lock lets metrics readers observe it from other goroutines.
type Account struct {
	mu  sync.RWMutex
	cfg Config

	level       float64
	consumed    float64
	replenished float64
}

// New creates an account. Min is forced below Max and the initial level is
// clamped into range.
func New(cfg Config) *Account {
	if cfg.Min >= cfg.Max {
		cfg.Min = cfg.Max - 1
	}
	if cfg.ReplenishRate < 0 || math.IsNaN(cfg.ReplenishRate) {
		cfg.ReplenishRate = 0
	}
	a := &Account{cfg: cfg}
	a.level = a.clamp(cfg.Initial)
	return a
}

func (a *Account) clamp(v float64) float64 {
	if math.IsNaN(v) {
		return a.cfg.Min
	}
	return math.Max(a.cfg.Min, math.Min(a.cfg.Max, v))
}

// Consume subtracts amount and clamps at Min. Negative or NaN amounts are
// treated as zero.
func (a *Account) Consume(amount float64) {
	if !(amount > 0) {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	before := a.level
	a.level = a.clamp(a.level - amount)
	a.consumed += before - a.level
}

// Replenish adds elapsedSeconds*rate and clamps at Max. Negative or NaN
// elapsed time is treated as zero.
func (a *Account) Replenish(elapsedSeconds float64) {
	if !(elapsedSeconds > 0) {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	before := a.level
	a.level = a.clamp(a.level + elapsedSeconds*a.cfg.ReplenishRate)
	a.replenished += a.level - before
}

// Level returns the current level.
func (a *Account) Level() float64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.level
}

// Status returns the band of the current level.
func (a *Account) Status() Status {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.status(a.level)
}

func (a *Account) status(level float64) Status {
	switch {
	case level >= a.cfg.HighThreshold:
		return StatusHigh
	case level >= a.cfg.MediumThreshold:
		return StatusMedium
	case level >= a.cfg.LowThreshold:
		return StatusLow
	default:
		return StatusUrgent
	}
}

// TierFor maps a status to the action tier the scheduler may use.
func TierFor(s Status) Tier {
	switch s {
	case StatusHigh, StatusMedium:
		return TierExpensive
	case StatusLow:
		return TierCheap
	default:
		return TierMinimal
	}
}

// Tier returns the action tier for the current level.
func (a *Account) Tier() Tier {
	return TierFor(a.Status())
}

// SecondsUntil returns how long replenishment takes to reach target, zero if
// the level is already there, and +Inf if the bucket never refills.
func (a *Account) SecondsUntil(target float64) float64 {
	a.mu.RLock()
	defer a.mu.RUnlock()

	target = math.Min(target, a.cfg.Max)
	if a.level >= target {
		return 0
	}
	if a.cfg.ReplenishRate <= 0 {
		return math.Inf(1)
	}
	return (target - a.level) / a.cfg.ReplenishRate
}

// Snapshot returns a copy of the account state.
func (a *Account) Snapshot() Snapshot {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return Snapshot{
		Level:         a.level,
		Max:           a.cfg.Max,
		Min:           a.cfg.Min,
		ReplenishRate: a.cfg.ReplenishRate,
		Status:        a.status(a.level),
		Consumed:      a.consumed,
		Replenished:   a.replenished,
	}
}

// Config returns the configuration the account was built with.
func (a *Account) Config() Config {
	return a.cfg
}
