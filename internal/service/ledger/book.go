package ledger

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/zhouzirui/lingzhi/backend/internal/clock"
	"github.com/zhouzirui/lingzhi/backend/internal/model/billing"
	"github.com/zhouzirui/lingzhi/backend/internal/service/feedback"
	"github.com/zhouzirui/lingzhi/backend/internal/service/metering"
)

var (
	ErrUserRequired     = errors.New("user id is required")
	ErrInvalidDuration  = errors.New("duration must not be negative")
	ErrAlreadySettled   = errors.New("session already settled")
	ErrSessionForbidden = errors.New("session belongs to another user")
)

// Config 沙箱账本参数。
type Config struct {
	InitialBalance int64
	Rule           metering.Rule
	Calculator     *feedback.Calculator
	Clock          clock.Clock
}

type settledSession struct {
	result    billing.SettlementResult
	settledAt time.Time
}

// Book is an in-memory authoritative ledger. Settlements are deduplicated by session
// id: repeating one replays the first result without touching the balance.
type Book struct {
	initial int64
	rule    metering.Rule
	calc    *feedback.Calculator
	clock   clock.Clock

	mu       sync.Mutex
	balances map[string]int64
	settled  map[string]settledSession
	credits  map[string]int64
	owners   map[string]string
}

// NewBook creates an empty sandbox ledger.
func NewBook(cfg Config) *Book {
	rule := cfg.Rule
	if rule.Interval <= 0 || rule.UnitCost <= 0 {
		rule = metering.DefaultRule()
	}
	calc := cfg.Calculator
	if calc == nil {
		calc = feedback.NewCalculator(feedback.DefaultTiers(), 0)
	}
	c := cfg.Clock
	if c == nil {
		c = clock.System()
	}
	return &Book{
		initial:  cfg.InitialBalance,
		rule:     rule,
		calc:     calc,
		clock:    c,
		balances: make(map[string]int64),
		settled:  make(map[string]settledSession),
		credits:  make(map[string]int64),
		owners:   make(map[string]string),
	}
}

// Balance returns the user's current balance.
func (b *Book) Balance(userID string) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.balanceLocked(userID)
}

func (b *Book) balanceLocked(userID string) int64 {
	balance, ok := b.balances[userID]
	if !ok {
		balance = b.initial
		b.balances[userID] = balance
	}
	return balance
}

func (b *Book) claimLocked(userID, sessionID string) error {
	owner, ok := b.owners[sessionID]
	if !ok {
		b.owners[sessionID] = userID
		return nil
	}
	if owner != userID {
		return ErrSessionForbidden
	}
	return nil
}

// EndConversation applies the billing rule authoritatively. Debits never push the
// balance below zero: the applied cost is clamped to what the user can pay.
func (b *Book) EndConversation(_ context.Context, userID, sessionID string, req billing.SettlementRequest) (billing.SettlementResult, error) {
	if userID == "" {
		return billing.SettlementResult{}, ErrUserRequired
	}
	if req.Duration < 0 {
		return billing.SettlementResult{}, ErrInvalidDuration
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.claimLocked(userID, sessionID); err != nil {
		return billing.SettlementResult{}, err
	}
	if prior, ok := b.settled[sessionID]; ok {
		replay := prior.result
		replay.Message = "会话已结算，返回首次结算结果"
		return replay, nil
	}

	reward := b.credits[sessionID]
	cost := b.rule.ProvisionalDebit(req.Duration)
	balance := b.balanceLocked(userID) + reward
	applied := cost
	if applied > balance {
		applied = balance
	}
	balance -= applied
	b.balances[userID] = balance

	result := billing.SettlementResult{
		Success:               true,
		SessionID:             sessionID,
		Duration:              req.Duration,
		DurationMinutes:       metering.Minutes(req.Duration),
		Cost:                  applied,
		FeedbackLingzhiReward: reward,
		TotalLingzhiChange:    reward - applied,
		CurrentBalance:        balance,
		Message:               fmt.Sprintf("对话结束，消耗 %d 灵值，奖励 %d 灵值", applied, reward),
	}
	b.settled[sessionID] = settledSession{result: result, settledAt: b.clock.Now()}

	log.Printf("[ledger] user=%s session=%s settled cost=%d reward=%d balance=%d", userID, sessionID, applied, reward, balance)
	return result, nil
}

// BillingInfo reports the session's ledger state.
func (b *Book) BillingInfo(_ context.Context, userID, sessionID string) (billing.BillingInfo, error) {
	if userID == "" {
		return billing.BillingInfo{}, ErrUserRequired
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if owner, ok := b.owners[sessionID]; ok && owner != userID {
		return billing.BillingInfo{}, ErrSessionForbidden
	}

	info := billing.BillingInfo{
		SessionID:      sessionID,
		CreditsEarned:  b.credits[sessionID],
		CurrentBalance: b.balanceLocked(userID),
		ObservedAt:     b.clock.Now(),
	}
	if prior, ok := b.settled[sessionID]; ok {
		info.Settled = true
		info.Duration = prior.result.Duration
		info.DurationMinutes = prior.result.DurationMinutes
		info.EstimatedCost = prior.result.Cost
	}
	return info, nil
}

// SubmitFeedback credits a feedback event to an unsettled session.
func (b *Book) SubmitFeedback(_ context.Context, userID, sessionID string, req billing.FeedbackRequest) (billing.FeedbackReceipt, error) {
	if userID == "" {
		return billing.FeedbackReceipt{}, ErrUserRequired
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.claimLocked(userID, sessionID); err != nil {
		return billing.FeedbackReceipt{}, err
	}
	if _, ok := b.settled[sessionID]; ok {
		return billing.FeedbackReceipt{}, ErrAlreadySettled
	}

	credit, err := b.calc.Credit(req.Type, b.credits[sessionID])
	if err != nil {
		return billing.FeedbackReceipt{}, err
	}
	b.credits[sessionID] += credit

	return billing.FeedbackReceipt{
		Success:       true,
		LingzhiReward: credit,
		CreditsEarned: b.credits[sessionID],
		Message:       "感谢反馈",
	}, nil
}
