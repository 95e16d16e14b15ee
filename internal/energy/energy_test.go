package energy

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
)

func newAccount() *Account {
	return New(Config{
		Max: 100, Min: -50, Initial: 100, ReplenishRate: 10,
		HighThreshold: 70, MediumThreshold: 30, LowThreshold: 0,
	})
}

func TestConsumeThenReplenish(t *testing.T) {
	a := newAccount()
	a.Consume(30)
	a.Replenish(1)
	assert.InDelta(t, 80.0, a.Level(), 1e-9)
}

func TestClampedAtBounds(t *testing.T) {
	a := newAccount()
	a.Consume(1000)
	assert.Equal(t, -50.0, a.Level())
	assert.Equal(t, StatusUrgent, a.Status())

	a.Replenish(1000)
	assert.Equal(t, 100.0, a.Level())
}

func TestLevelStaysInRange(t *testing.T) {
	a := newAccount()
	r := rand.New(rand.NewSource(42))
	for i := 0; i < 5000; i++ {
		switch r.Intn(4) {
		case 0:
			a.Consume(r.Float64() * 200)
		case 1:
			a.Replenish(r.Float64() * 20)
		case 2:
			a.Consume(-r.Float64() * 50)
		default:
			a.Replenish(-r.Float64())
		}
		l := a.Level()
		if l < -50 || l > 100 {
			t.Fatalf("level %v out of range after step %d", l, i)
		}
	}
}

func TestInvalidInputsIgnored(t *testing.T) {
	a := newAccount()
	a.Consume(10)
	a.Consume(-20)
	a.Consume(math.NaN())
	a.Replenish(-5)
	a.Replenish(math.NaN())
	assert.Equal(t, 90.0, a.Level())
}

func TestStatusBandsAndTiers(t *testing.T) {
	cases := []struct {
		consume float64
		status  Status
		tier    Tier
	}{
		{0, StatusHigh, TierExpensive},
		{30, StatusHigh, TierExpensive},
		{31, StatusMedium, TierExpensive},
		{70, StatusMedium, TierExpensive},
		{71, StatusLow, TierCheap},
		{100, StatusLow, TierCheap},
		{101, StatusUrgent, TierMinimal},
	}
	for _, tc := range cases {
		a := newAccount()
		a.Consume(tc.consume)
		assert.Equal(t, tc.status, a.Status(), "consume %v", tc.consume)
		assert.Equal(t, tc.tier, a.Tier(), "consume %v", tc.consume)
	}
}

func TestSecondsUntil(t *testing.T) {
	a := newAccount()
	assert.Equal(t, 0.0, a.SecondsUntil(50))

	a.Consume(120) // level -20
	assert.InDelta(t, 2.0, a.SecondsUntil(0), 1e-9)
	assert.InDelta(t, 12.0, a.SecondsUntil(500), 1e-9)

	frozen := New(Config{Max: 10, Min: 0, Initial: 0})
	assert.True(t, math.IsInf(frozen.SecondsUntil(5), 1))
}

func TestSnapshotCounters(t *testing.T) {
	a := newAccount()
	a.Consume(200)
	a.Replenish(3)
	s := a.Snapshot()
	assert.Equal(t, 150.0, s.Consumed)
	assert.Equal(t, 30.0, s.Replenished)
	assert.Equal(t, -20.0, s.Level)
	assert.Equal(t, StatusUrgent, s.Status)
}

func TestNewNormalizesConfig(t *testing.T) {
	a := New(Config{Max: 10, Min: 20, Initial: 50, ReplenishRate: -1})
	assert.Equal(t, 10.0, a.Level())
	assert.Less(t, a.Config().Min, a.Config().Max)
	assert.Equal(t, 0.0, a.Config().ReplenishRate)
}
