package referral

import (
	"errors"
	"fmt"
	"math"
	"os"

	"gopkg.in/yaml.v3"
)

// Levels is the depth of the referral chain: direct, second-level, third-level.
const Levels = 3

// Tier 合伙人等级，累计贡献达到门槛后解锁对应的三级分佣比例。
type Tier struct {
	ID        string    `json:"id" yaml:"id"`
	Name      string    `json:"name" yaml:"name"`
	Threshold int64     `json:"threshold" yaml:"threshold"`
	Rates     []float64 `json:"rates" yaml:"rates"`
}

// BasisPoints returns the rate of level (1..3) in 1/10000 units.
func (t Tier) BasisPoints(level int) int64 {
	return int64(math.Round(t.Rates[level-1] * 10000))
}

// Schedule is the ordered tier list, lowest threshold first.
type Schedule struct {
	Tiers []Tier `json:"tiers" yaml:"tiers"`
}

// Seed provides the built-in partner schedule.
func Seed() Schedule {
	return Schedule{Tiers: []Tier{
		{ID: "partner", Name: "合伙人", Threshold: 0, Rates: []float64{0.10, 0.05, 0.02}},
		{ID: "senior", Name: "高级合伙人", Threshold: 10000, Rates: []float64{0.15, 0.08, 0.03}},
		{ID: "core", Name: "核心合伙人", Threshold: 50000, Rates: []float64{0.20, 0.10, 0.05}},
		{ID: "strategic", Name: "战略合伙人", Threshold: 200000, Rates: []float64{0.25, 0.12, 0.06}},
	}}
}

// LoadSchedule reads a YAML schedule from path and validates it.
func LoadSchedule(path string) (Schedule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Schedule{}, fmt.Errorf("read referral schedule: %w", err)
	}
	return ParseSchedule(data)
}

// ParseSchedule decodes and validates a YAML schedule.
func ParseSchedule(data []byte) (Schedule, error) {
	var schedule Schedule
	if err := yaml.Unmarshal(data, &schedule); err != nil {
		return Schedule{}, fmt.Errorf("decode referral schedule: %w", err)
	}
	if err := schedule.Validate(); err != nil {
		return Schedule{}, err
	}
	return schedule, nil
}

// Validate enforces the schedule invariants: thresholds strictly ascending from zero,
// rates non-increasing with level inside a tier, and non-decreasing across tiers per level.
func (s Schedule) Validate() error {
	if len(s.Tiers) == 0 {
		return errors.New("referral schedule has no tiers")
	}
	if s.Tiers[0].Threshold != 0 {
		return fmt.Errorf("lowest tier %q must have threshold 0", s.Tiers[0].ID)
	}

	seen := make(map[string]struct{}, len(s.Tiers))
	for i, tier := range s.Tiers {
		if tier.ID == "" {
			return fmt.Errorf("tier #%d has no id", i)
		}
		if _, dup := seen[tier.ID]; dup {
			return fmt.Errorf("duplicate tier id %q", tier.ID)
		}
		seen[tier.ID] = struct{}{}

		if len(tier.Rates) != Levels {
			return fmt.Errorf("tier %q needs %d rates, got %d", tier.ID, Levels, len(tier.Rates))
		}
		for level := 1; level <= Levels; level++ {
			rate := tier.Rates[level-1]
			if math.IsNaN(rate) || math.IsInf(rate, 0) {
				return fmt.Errorf("tier %q level %d rate is not a finite number", tier.ID, level)
			}
			if rate < 0 || rate > 1 {
				return fmt.Errorf("tier %q level %d rate %v out of [0,1]", tier.ID, level, rate)
			}
			if level > 1 && rate > tier.Rates[level-2] {
				return fmt.Errorf("tier %q pays more at level %d than level %d", tier.ID, level, level-1)
			}
		}

		if i == 0 {
			continue
		}
		prev := s.Tiers[i-1]
		if tier.Threshold <= prev.Threshold {
			return fmt.Errorf("tier %q threshold must exceed %q", tier.ID, prev.ID)
		}
		for level := 1; level <= Levels; level++ {
			if tier.Rates[level-1] < prev.Rates[level-1] {
				return fmt.Errorf("tier %q pays less than %q at level %d", tier.ID, prev.ID, level)
			}
		}
	}
	return nil
}
