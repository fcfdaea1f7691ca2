package metering

import "time"

const (
	// DefaultInterval is the billable interval: every started five minutes counts as one unit.
	DefaultInterval = 5 * time.Minute
	// DefaultUnitCost is the lingzhi charged per billable unit.
	DefaultUnitCost int64 = 1
)

// Rule converts elapsed seconds into a provisional lingzhi debit.
type Rule struct {
	Interval time.Duration
	UnitCost int64
}

// DefaultRule 返回默认计费规则：5 分钟一档，每档 1 灵值。
func DefaultRule() Rule {
	return Rule{Interval: DefaultInterval, UnitCost: DefaultUnitCost}
}

func (r Rule) intervalSeconds() int64 {
	secs := int64(r.Interval / time.Second)
	if secs <= 0 {
		return int64(DefaultInterval / time.Second)
	}
	return secs
}

// Units returns max(1, ceil(elapsed/interval)). The first unit is reserved as soon as a
// session starts, so zero elapsed seconds still bills one unit.
func (r Rule) Units(elapsedSeconds int64) int64 {
	if elapsedSeconds <= 0 {
		return 1
	}
	interval := r.intervalSeconds()
	units := (elapsedSeconds + interval - 1) / interval
	if units < 1 {
		return 1
	}
	return units
}

// ProvisionalDebit is Units scaled by the unit cost.
func (r Rule) ProvisionalDebit(elapsedSeconds int64) int64 {
	cost := r.UnitCost
	if cost <= 0 {
		cost = DefaultUnitCost
	}
	return r.Units(elapsedSeconds) * cost
}

// Minutes rounds elapsed seconds up to whole minutes for display.
func Minutes(elapsedSeconds int64) int64 {
	if elapsedSeconds <= 0 {
		return 0
	}
	return (elapsedSeconds + 59) / 60
}
