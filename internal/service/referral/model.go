package referral

import (
	"errors"
	"fmt"
	"math"

	"github.com/zhouzirui/lingzhi/backend/internal/model/referral"
)

var (
	ErrInvalidLevel  = errors.New("referral level must be 1, 2 or 3")
	ErrUnknownTier   = errors.New("unknown partner tier")
	ErrTotalOverflow = errors.New("projected commission total exceeds the representable range")
)

// Model computes multi-level commission rates from a static schedule. It holds no
// per-user state; cumulative contribution is always passed in by the caller.
type Model struct {
	schedule referral.Schedule
	index    map[string]int
}

// NewModel validates schedule and builds a Model over it.
func NewModel(schedule referral.Schedule) (*Model, error) {
	if err := schedule.Validate(); err != nil {
		return nil, fmt.Errorf("invalid referral schedule: %w", err)
	}
	index := make(map[string]int, len(schedule.Tiers))
	for i, tier := range schedule.Tiers {
		index[tier.ID] = i
	}
	return &Model{schedule: schedule, index: index}, nil
}

// Tiers returns a copy of the schedule's tiers, lowest first.
func (m *Model) Tiers() []referral.Tier {
	return append([]referral.Tier(nil), m.schedule.Tiers...)
}

// Tier looks up a tier by id.
func (m *Model) Tier(id string) (referral.Tier, error) {
	i, ok := m.index[id]
	if !ok {
		return referral.Tier{}, ErrUnknownTier
	}
	return m.schedule.Tiers[i], nil
}

// Rate returns the commission fraction paid to tier at level.
func (m *Model) Rate(tierID string, level int) (float64, error) {
	if level < 1 || level > referral.Levels {
		return 0, ErrInvalidLevel
	}
	tier, err := m.Tier(tierID)
	if err != nil {
		return 0, err
	}
	return tier.Rates[level-1], nil
}

// TierFor returns the highest tier whose threshold contribution reaches.
func (m *Model) TierFor(contribution int64) referral.Tier {
	tiers := m.schedule.Tiers
	qualified := tiers[0]
	for _, tier := range tiers[1:] {
		if contribution < tier.Threshold {
			break
		}
		qualified = tier
	}
	return qualified
}

// LevelPayout is the projected commission for one referral level.
type LevelPayout struct {
	Level  int     `json:"level"`
	Amount int64   `json:"amount"`
	Rate   float64 `json:"rate"`
	Payout int64   `json:"payout"`
}

// Projection 预估分佣结果，只用于展示，不写入账本。
type Projection struct {
	Tier         referral.Tier `json:"tier"`
	Contribution int64         `json:"contribution"`
	Levels       []LevelPayout `json:"levels"`
	Total        int64         `json:"total"`
	NextTier     *NextTier     `json:"nextTier,omitempty"`
}

// NextTier tells how far the partner is from the next tier.
type NextTier struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Threshold int64  `json:"threshold"`
	Remaining int64  `json:"remaining"`
}

// Project computes read-only payouts for referral amounts at levels 1..len(amounts).
// Payouts are whole lingzhi rounded down.
func (m *Model) Project(contribution int64, amounts []int64) (Projection, error) {
	if len(amounts) > referral.Levels {
		return Projection{}, ErrInvalidLevel
	}

	tier := m.TierFor(contribution)
	projection := Projection{
		Tier:         tier,
		Contribution: contribution,
		Levels:       make([]LevelPayout, 0, len(amounts)),
	}

	for i, amount := range amounts {
		level := i + 1
		if amount < 0 {
			return Projection{}, fmt.Errorf("level %d amount must not be negative", level)
		}
		payout := commission(amount, tier.BasisPoints(level))
		if projection.Total > math.MaxInt64-payout {
			return Projection{}, ErrTotalOverflow
		}
		projection.Levels = append(projection.Levels, LevelPayout{
			Level:  level,
			Amount: amount,
			Rate:   tier.Rates[i],
			Payout: payout,
		})
		projection.Total += payout
	}

	if next, ok := m.nextTier(tier.ID); ok {
		projection.NextTier = &NextTier{
			ID:        next.ID,
			Name:      next.Name,
			Threshold: next.Threshold,
			Remaining: next.Threshold - contribution,
		}
	}
	return projection, nil
}

// commission returns floor(amount*bp/10000) without forming the full product.
// bp is at most 10000, so neither term can overflow.
func commission(amount, bp int64) int64 {
	return amount/10000*bp + amount%10000*bp/10000
}

func (m *Model) nextTier(id string) (referral.Tier, bool) {
	i := m.index[id]
	if i+1 >= len(m.schedule.Tiers) {
		return referral.Tier{}, false
	}
	return m.schedule.Tiers[i+1], true
}
