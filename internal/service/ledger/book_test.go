package ledger_test

import (
	"context"
	"errors"
	"testing"

	"github.com/zhouzirui/lingzhi/backend/internal/model/billing"
	"github.com/zhouzirui/lingzhi/backend/internal/service/ledger"
)

func TestBookSettlesOnce(t *testing.T) {
	book := ledger.NewBook(ledger.Config{InitialBalance: 100})
	ctx := context.Background()

	first, err := book.EndConversation(ctx, "u1", "s1", billing.SettlementRequest{Duration: 610})
	if err != nil {
		t.Fatalf("EndConversation err: %v", err)
	}
	if first.Cost != 3 || first.FeedbackLingzhiReward != 0 || first.CurrentBalance != 97 {
		t.Fatalf("unexpected settlement: %+v", first)
	}

	replay, err := book.EndConversation(ctx, "u1", "s1", billing.SettlementRequest{Duration: 9999})
	if err != nil {
		t.Fatalf("replay err: %v", err)
	}
	if replay.Cost != 3 || replay.CurrentBalance != 97 {
		t.Fatalf("replay changed numbers: %+v", replay)
	}
	if got := book.Balance("u1"); got != 97 {
		t.Fatalf("balance debited twice: %d", got)
	}
}

func TestBookFeedbackRewardAndClamp(t *testing.T) {
	book := ledger.NewBook(ledger.Config{InitialBalance: 1})
	ctx := context.Background()

	if _, err := book.SubmitFeedback(ctx, "u1", "s1", billing.FeedbackRequest{Type: billing.FeedbackSuggestion}); err != nil {
		t.Fatalf("SubmitFeedback err: %v", err)
	}

	result, err := book.EndConversation(ctx, "u1", "s1", billing.SettlementRequest{Duration: 3600})
	if err != nil {
		t.Fatalf("EndConversation err: %v", err)
	}
	// 12 units owed, only 1 + 5 available.
	if result.Cost != 6 || result.FeedbackLingzhiReward != 5 || result.CurrentBalance != 0 {
		t.Fatalf("unexpected clamped settlement: %+v", result)
	}

	if _, err := book.SubmitFeedback(ctx, "u1", "s1", billing.FeedbackRequest{Type: billing.FeedbackHelpful}); !errors.Is(err, ledger.ErrAlreadySettled) {
		t.Fatalf("expected ErrAlreadySettled, got %v", err)
	}
}

func TestBookRejectsForeignSession(t *testing.T) {
	book := ledger.NewBook(ledger.Config{InitialBalance: 10})
	ctx := context.Background()

	if _, err := book.EndConversation(ctx, "u1", "s1", billing.SettlementRequest{Duration: 10}); err != nil {
		t.Fatalf("EndConversation err: %v", err)
	}
	if _, err := book.EndConversation(ctx, "u2", "s1", billing.SettlementRequest{Duration: 10}); !errors.Is(err, ledger.ErrSessionForbidden) {
		t.Fatalf("expected ErrSessionForbidden, got %v", err)
	}
	if _, err := book.EndConversation(ctx, "u1", "s2", billing.SettlementRequest{Duration: -1}); !errors.Is(err, ledger.ErrInvalidDuration) {
		t.Fatalf("expected ErrInvalidDuration, got %v", err)
	}
}

func TestBookBillingInfo(t *testing.T) {
	book := ledger.NewBook(ledger.Config{InitialBalance: 50})
	ctx := context.Background()

	info, err := book.BillingInfo(ctx, "u1", "s1")
	if err != nil {
		t.Fatalf("BillingInfo err: %v", err)
	}
	if info.Settled || info.CurrentBalance != 50 {
		t.Fatalf("unexpected info before settlement: %+v", info)
	}

	if _, err := book.EndConversation(ctx, "u1", "s1", billing.SettlementRequest{Duration: 301}); err != nil {
		t.Fatalf("EndConversation err: %v", err)
	}
	info, err = book.BillingInfo(ctx, "u1", "s1")
	if err != nil {
		t.Fatalf("BillingInfo err: %v", err)
	}
	if !info.Settled || info.EstimatedCost != 2 || info.CurrentBalance != 48 {
		t.Fatalf("unexpected info after settlement: %+v", info)
	}
}
