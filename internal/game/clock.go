package game

import (
	"math"
	"time"

	"github.com/shopspring/decimal"
)

const DEFAULT_GROWTH_RATE = 1.22

// Clock turns time since the round started into the displayed multiplier:
// growthRate^seconds, floored to two decimals. It knows nothing about the
// crash point.
type Clock struct {
	logGrowth float64
}

// NewClock falls back to DEFAULT_GROWTH_RATE when growthRate would not grow.
func NewClock(growthRate float64) Clock {
	if !(growthRate > 1) || math.IsInf(growthRate, 0) {
		growthRate = DEFAULT_GROWTH_RATE
	}
	return Clock{logGrowth: math.Log(growthRate)}
}

// Raw is the unrounded multiplier. It is strictly increasing in elapsed.
func (c Clock) Raw(elapsed time.Duration) float64 {
	if elapsed < 0 {
		elapsed = 0
	}
	return math.Exp(c.logGrowth * elapsed.Seconds())
}

func (c Clock) MultiplierAt(elapsed time.Duration) decimal.Decimal {
	cents := math.Floor(c.Raw(elapsed)*100 + 1e-9)
	if cents >= float64(MaxMultiplier.Shift(2).IntPart()) {
		return MaxMultiplier
	}
	return decimal.New(int64(cents), -2)
}

// ElapsedFor is the earliest elapsed time at which MultiplierAt reaches m.
func (c Clock) ElapsedFor(m decimal.Decimal) time.Duration {
	f := m.InexactFloat64()
	if f <= 1 {
		return 0
	}
	secs := math.Log(f) / c.logGrowth
	return time.Duration(math.Ceil(secs * float64(time.Second)))
}
