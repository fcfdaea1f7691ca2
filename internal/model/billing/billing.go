package billing

import "time"

// FeedbackType 反馈类别，决定奖励的灵值档位。
type FeedbackType string

const (
	FeedbackHelpful    FeedbackType = "helpful"
	FeedbackNotHelpful FeedbackType = "not_helpful"
	FeedbackSuggestion FeedbackType = "suggestion"
)

// Valid reports whether t is one of the known feedback categories.
func (t FeedbackType) Valid() bool {
	switch t {
	case FeedbackHelpful, FeedbackNotHelpful, FeedbackSuggestion:
		return true
	default:
		return false
	}
}

// Snapshot is the observable state of a metered conversation.
type Snapshot struct {
	SessionID         string    `json:"sessionId"`
	UserID            string    `json:"userId,omitempty"`
	StartedAt         time.Time `json:"startedAt"`
	ElapsedSeconds    int64     `json:"elapsedSeconds"`
	ProvisionalDebit  int64     `json:"provisionalDebit"`
	CreditsEarned     int64     `json:"creditsEarned"`
	FeedbackSubmitted bool      `json:"feedbackSubmitted"`
	Active            bool      `json:"active"`
}

// Final is the frozen tuple handed to settlement when a session stops.
type Final struct {
	SessionID         string `json:"sessionId"`
	UserID            string `json:"userId"`
	ElapsedSeconds    int64  `json:"elapsedSeconds"`
	ProvisionalDebit  int64  `json:"provisionalDebit"`
	CreditsEarned     int64  `json:"creditsEarned"`
	FeedbackSubmitted bool   `json:"feedbackSubmitted"`
	FeedbackScore     *int   `json:"feedbackScore,omitempty"`
}

// SettlementRequest 结算请求体，发送到 POST /conversation/{sessionId}/end。
type SettlementRequest struct {
	Duration        int64 `json:"duration"`
	FeedbackScore   *int  `json:"feedback_score,omitempty"`
	ProvisionalCost int64 `json:"provisional_cost"`
	CreditsEarned   int64 `json:"credits_earned"`
}

// SettlementResult 账本返回的权威结算结果。
type SettlementResult struct {
	Success               bool   `json:"success"`
	SessionID             string `json:"sessionId,omitempty"`
	Duration              int64  `json:"duration"`
	DurationMinutes       int64  `json:"durationMinutes"`
	Cost                  int64  `json:"cost"`
	FeedbackLingzhiReward int64  `json:"feedbackLingzhiReward"`
	TotalLingzhiChange    int64  `json:"totalLingzhiChange"`
	CurrentBalance        int64  `json:"currentBalance"`
	Message               string `json:"message"`
}

// BillingInfo describes the billing state of a session, used for recovery after a reload.
type BillingInfo struct {
	SessionID       string    `json:"sessionId"`
	Settled         bool      `json:"settled"`
	Pending         bool      `json:"pending,omitempty"`
	Active          bool      `json:"active,omitempty"`
	Duration        int64     `json:"duration"`
	DurationMinutes int64     `json:"durationMinutes"`
	EstimatedCost   int64     `json:"estimatedCost"`
	CreditsEarned   int64     `json:"creditsEarned,omitempty"`
	CurrentBalance  int64     `json:"currentBalance"`
	LedgerReachable bool      `json:"ledgerReachable"`
	ObservedAt      time.Time `json:"observedAt"`
}

// FeedbackRequest is the feedback submission body.
type FeedbackRequest struct {
	Type    FeedbackType `json:"type"`
	Comment string       `json:"comment,omitempty"`
}

// FeedbackReceipt 反馈提交后返回的奖励信息。
type FeedbackReceipt struct {
	Success       bool   `json:"success"`
	LingzhiReward int64  `json:"lingzhiReward"`
	CreditsEarned int64  `json:"creditsEarned,omitempty"`
	Message       string `json:"message,omitempty"`
}

// PendingSettlement is a journalled settlement awaiting an authoritative answer.
type PendingSettlement struct {
	Final     Final     `json:"final"`
	Attempts  int       `json:"attempts"`
	LastError string    `json:"lastError,omitempty"`
	Abandoned bool      `json:"abandoned,omitempty"`
	StoppedAt time.Time `json:"stoppedAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}
