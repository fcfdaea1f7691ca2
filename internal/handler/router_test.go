package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/zhouzirui/lingzhi/backend/internal/clock"
	middlewarePkg "github.com/zhouzirui/lingzhi/backend/internal/middleware"
	"github.com/zhouzirui/lingzhi/backend/internal/model/billing"
	referralModel "github.com/zhouzirui/lingzhi/backend/internal/model/referral"
	conversationService "github.com/zhouzirui/lingzhi/backend/internal/service/conversation"
	"github.com/zhouzirui/lingzhi/backend/internal/service/feedback"
	ledgerService "github.com/zhouzirui/lingzhi/backend/internal/service/ledger"
	"github.com/zhouzirui/lingzhi/backend/internal/service/metering"
	referralService "github.com/zhouzirui/lingzhi/backend/internal/service/referral"
	"github.com/zhouzirui/lingzhi/backend/internal/service/settlement"
)

// newSandboxServer wires the engine to the sandbox ledger through its own HTTP mount.
func newSandboxServer(t *testing.T, fake *clock.Fake, apiKey string) (*httptest.Server, *ledgerService.Book) {
	t.Helper()

	var router http.Handler
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		router.ServeHTTP(w, r)
	}))
	t.Cleanup(srv.Close)

	calc := feedback.NewCalculator(feedback.DefaultTiers(), 0)
	book := ledgerService.NewBook(ledgerService.Config{InitialBalance: 100, Calculator: calc})
	client, err := settlement.NewHTTPLedger(settlement.HTTPLedgerConfig{BaseURL: srv.URL + SandboxPrefix, APIKey: apiKey, Timeout: time.Second})
	if err != nil {
		t.Fatalf("NewHTTPLedger err: %v", err)
	}
	rec := settlement.NewReconciler(client, settlement.NewMemoryJournal(), settlement.Config{Clock: fake})
	svc := conversationService.NewService(metering.Config{Clock: fake}, calc, client, rec)
	t.Cleanup(svc.Close)

	model, err := referralService.NewModel(referralModel.Seed())
	if err != nil {
		t.Fatalf("NewModel err: %v", err)
	}

	router = NewRouter(Deps{
		Conversation:  svc,
		Referral:      model,
		Identity:      middlewarePkg.NewIdentity(""),
		TickInterval:  10 * time.Millisecond,
		Sandbox:       book,
		SandboxAPIKey: apiKey,
	})
	return srv, book
}

func post(t *testing.T, url, user string, body any) *http.Response {
	t.Helper()
	payload, _ := json.Marshal(body)
	req, _ := http.NewRequest(http.MethodPost, url, bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-User-ID", user)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	return resp
}

func TestEndToEndThroughSandboxLedger(t *testing.T) {
	fake := clock.NewFake(time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC))
	srv, book := newSandboxServer(t, fake, "k")

	resp := post(t, srv.URL+"/api/conversation/start", "u1", map[string]string{"sessionId": "s1"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}

	resp = post(t, srv.URL+"/api/conversation/s1/feedback", "u1", billing.FeedbackRequest{Type: billing.FeedbackHelpful})
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	fake.Advance(305 * time.Second)
	resp = post(t, srv.URL+"/api/conversation/s1/end", "u1", nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var result billing.SettlementResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if result.Cost != 2 || result.FeedbackLingzhiReward != 1 || result.CurrentBalance != 99 {
		t.Fatalf("unexpected result: %+v", result)
	}
	if book.Balance("u1") != 99 {
		t.Fatalf("unexpected ledger balance %d", book.Balance("u1"))
	}
}

func TestPublicAndProtectedRoutes(t *testing.T) {
	fake := clock.NewFake(time.Now())
	srv, _ := newSandboxServer(t, fake, "k")

	resp, err := http.Get(srv.URL + "/api/referral/tiers")
	if err != nil {
		t.Fatalf("GET tiers: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 for public route, got %d", resp.StatusCode)
	}

	resp, err = http.Get(srv.URL + "/api/conversation/current")
	if err != nil {
		t.Fatalf("GET current: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without identity, got %d", resp.StatusCode)
	}

	resp, err = http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

func TestSettledSessionCannotRestart(t *testing.T) {
	fake := clock.NewFake(time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC))
	srv, book := newSandboxServer(t, fake, "k")

	resp := post(t, srv.URL+"/api/conversation/start", "u1", map[string]string{"sessionId": "s1"})
	resp.Body.Close()
	fake.Advance(100 * time.Second)
	resp = post(t, srv.URL+"/api/conversation/s1/end", "u1", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || book.Balance("u1") != 99 {
		t.Fatalf("first settlement: status %d balance %d", resp.StatusCode, book.Balance("u1"))
	}

	resp = post(t, srv.URL+"/api/conversation/start", "u1", map[string]string{"sessionId": "s1"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 when restarting a settled id, got %d", resp.StatusCode)
	}

	resp = post(t, srv.URL+"/api/conversation/start", "u1", map[string]string{"sessionId": "s2"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201 for a fresh id, got %d", resp.StatusCode)
	}
	fake.Advance(2 * time.Hour)
	resp = post(t, srv.URL+"/api/conversation/s2/end", "u1", nil)
	resp.Body.Close()
	if book.Balance("u1") != 99-24 {
		t.Fatalf("second session not billed: balance %d", book.Balance("u1"))
	}
}

func TestLedgerRefusalKeepsItsStatus(t *testing.T) {
	fake := clock.NewFake(time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC))
	srv, book := newSandboxServer(t, fake, "k")

	resp := post(t, srv.URL+"/api/conversation/start", "u1", map[string]string{"sessionId": "s1"})
	resp.Body.Close()

	// The ledger settles s1 behind the engine's back, so it refuses further feedback.
	if _, err := book.EndConversation(context.Background(), "u1", "s1", billing.SettlementRequest{Duration: 10}); err != nil {
		t.Fatalf("EndConversation err: %v", err)
	}

	resp = post(t, srv.URL+"/api/conversation/s1/feedback", "u1", billing.FeedbackRequest{Type: billing.FeedbackHelpful})
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 from ledger refusal, got %d", resp.StatusCode)
	}
}

func TestSandboxRequiresAPIKey(t *testing.T) {
	fake := clock.NewFake(time.Now())

	srv, _ := newSandboxServer(t, fake, "k")
	resp := post(t, srv.URL+SandboxPrefix+"/conversation/s1/feedback", "u1", billing.FeedbackRequest{Type: billing.FeedbackSuggestion})
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without the api key, got %d", resp.StatusCode)
	}

	open, book := newSandboxServer(t, fake, "")
	for i := 0; i < 3; i++ {
		resp = post(t, open.URL+SandboxPrefix+"/conversation/s1/feedback", "u1", billing.FeedbackRequest{Type: billing.FeedbackSuggestion})
		resp.Body.Close()
		if resp.StatusCode != http.StatusNotFound {
			t.Fatalf("expected sandbox to stay unmounted without a key, got %d", resp.StatusCode)
		}
	}
	if book.Balance("u1") != 100 {
		t.Fatalf("credits farmed through the sandbox: balance %d", book.Balance("u1"))
	}
}
