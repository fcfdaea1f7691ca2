package feedback

import (
	"errors"

	"github.com/zhouzirui/lingzhi/backend/internal/model/billing"
)

var (
	ErrUnknownType = errors.New("unknown feedback type")
	ErrCapReached  = errors.New("feedback credit cap reached for this session")
)

// Tiers 各类反馈对应的灵值奖励。
// NotHelpful pays more than Helpful on purpose: critical feedback is treated as more actionable.
type Tiers struct {
	Helpful    int64
	NotHelpful int64
	Suggestion int64
}

// DefaultTiers returns the product defaults.
func DefaultTiers() Tiers {
	return Tiers{Helpful: 1, NotHelpful: 2, Suggestion: 5}
}

// Calculator maps a feedback category to the lingzhi it earns.
type Calculator struct {
	tiers Tiers
	// sessionCap limits total feedback credit per session; zero means uncapped.
	sessionCap int64
}

// NewCalculator 创建反馈奖励计算器。
func NewCalculator(tiers Tiers, sessionCap int64) *Calculator {
	if sessionCap < 0 {
		sessionCap = 0
	}
	return &Calculator{tiers: tiers, sessionCap: sessionCap}
}

// Tiers returns the configured credit table.
func (c *Calculator) Tiers() Tiers {
	return c.tiers
}

// TierCredit returns the raw credit of a category, ignoring any cap.
func (c *Calculator) TierCredit(kind billing.FeedbackType) (int64, error) {
	switch kind {
	case billing.FeedbackHelpful:
		return c.tiers.Helpful, nil
	case billing.FeedbackNotHelpful:
		return c.tiers.NotHelpful, nil
	case billing.FeedbackSuggestion:
		return c.tiers.Suggestion, nil
	default:
		return 0, ErrUnknownType
	}
}

// Credit returns the credit a new submission adds given what the session already earned.
// With a cap configured the last submission is trimmed to the remaining headroom.
func (c *Calculator) Credit(kind billing.FeedbackType, earned int64) (int64, error) {
	credit, err := c.TierCredit(kind)
	if err != nil {
		return 0, err
	}
	if c.sessionCap == 0 {
		return credit, nil
	}

	remaining := c.sessionCap - earned
	if remaining <= 0 {
		return 0, ErrCapReached
	}
	if credit > remaining {
		credit = remaining
	}
	return credit, nil
}
