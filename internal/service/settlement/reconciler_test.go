package settlement_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/lingzhi/backend/internal/model/billing"
	"github.com/zhouzirui/lingzhi/backend/internal/service/ledger"
	"github.com/zhouzirui/lingzhi/backend/internal/service/settlement"
)

// flakyLedger wraps a sandbox book and fails EndConversation while broken is set.
type flakyLedger struct {
	*ledger.Book
	mu     sync.Mutex
	broken error
	calls  int
}

func (f *flakyLedger) setBroken(err error) {
	f.mu.Lock()
	f.broken = err
	f.mu.Unlock()
}

func (f *flakyLedger) EndConversation(ctx context.Context, userID, sessionID string, req billing.SettlementRequest) (billing.SettlementResult, error) {
	f.mu.Lock()
	f.calls++
	broken := f.broken
	f.mu.Unlock()
	if broken != nil {
		return billing.SettlementResult{}, broken
	}
	return f.Book.EndConversation(ctx, userID, sessionID, req)
}

func fastRetry() settlement.RetryConfig {
	return settlement.RetryConfig{
		MaxAttempts:       3,
		InitialBackoff:    time.Millisecond,
		MaxBackoff:        5 * time.Millisecond,
		BackoffMultiplier: 2,
	}
}

func TestSettleAdoptsLedgerNumbers(t *testing.T) {
	book := ledger.NewBook(ledger.Config{InitialBalance: 100})
	journal := settlement.NewMemoryJournal()
	rec := settlement.NewReconciler(book, journal, settlement.Config{Retry: fastRetry()})

	result, err := rec.Settle(context.Background(), billing.Final{
		SessionID:        "s-610",
		UserID:           "u1",
		ElapsedSeconds:   610,
		ProvisionalDebit: 3,
	})
	require.NoError(t, err)
	require.Equal(t, int64(3), result.Cost)
	require.Equal(t, int64(0), result.FeedbackLingzhiReward)
	require.Equal(t, int64(97), result.CurrentBalance)

	pending, err := journal.List(context.Background())
	require.NoError(t, err)
	require.Empty(t, pending)
}

func TestSettleTimeoutThenRetryDebitsOnce(t *testing.T) {
	book := ledger.NewBook(ledger.Config{InitialBalance: 100})
	var calls atomic.Int32
	paths := make(chan string, 4)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		paths <- r.URL.Path

		var req billing.SettlementRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		sessionID := strings.Split(strings.TrimPrefix(r.URL.Path, "/conversation/"), "/")[0]
		result, err := book.EndConversation(r.Context(), r.Header.Get("X-User-ID"), sessionID, req)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if n == 1 {
			// Applied, but the answer arrives after the client gave up.
			time.Sleep(300 * time.Millisecond)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(result)
	}))
	defer srv.Close()

	client, err := settlement.NewHTTPLedger(settlement.HTTPLedgerConfig{BaseURL: srv.URL, Timeout: 100 * time.Millisecond})
	require.NoError(t, err)
	rec := settlement.NewReconciler(client, nil, settlement.Config{Retry: fastRetry()})

	result, err := rec.Settle(context.Background(), billing.Final{
		SessionID:        "s-timeout",
		UserID:           "u1",
		ElapsedSeconds:   610,
		ProvisionalDebit: 3,
	})
	require.NoError(t, err)
	require.Equal(t, int64(97), result.CurrentBalance)
	require.Equal(t, int64(97), book.Balance("u1"))
	require.Equal(t, int32(2), calls.Load())

	first, second := <-paths, <-paths
	require.Equal(t, first, second, "retry must reuse the session id")
}

func TestSettleAmbiguousFailureStaysPending(t *testing.T) {
	flaky := &flakyLedger{Book: ledger.NewBook(ledger.Config{InitialBalance: 100})}
	flaky.setBroken(&settlement.HTTPStatusError{StatusCode: http.StatusServiceUnavailable, Message: "down"})
	journal := settlement.NewMemoryJournal()
	rec := settlement.NewReconciler(flaky, journal, settlement.Config{Retry: fastRetry()})

	final := billing.Final{SessionID: "s-1", UserID: "u1", ElapsedSeconds: 100, ProvisionalDebit: 1, CreditsEarned: 2}
	_, err := rec.Settle(context.Background(), final)

	var pendingErr *settlement.PendingError
	require.ErrorAs(t, err, &pendingErr)
	require.Equal(t, 3, pendingErr.Attempts)

	entry, ok, err := journal.Get(context.Background(), "s-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, final, entry.Final)
	require.Contains(t, entry.LastError, "503")

	flaky.setBroken(nil)
	result, err := rec.Retry(context.Background(), "s-1")
	require.NoError(t, err)
	require.Equal(t, int64(99), result.CurrentBalance)

	_, ok, err = journal.Get(context.Background(), "s-1")
	require.NoError(t, err)
	require.False(t, ok)

	_, err = rec.Retry(context.Background(), "s-1")
	require.ErrorIs(t, err, settlement.ErrNotPending)
}

func TestSettleRejectionIsTerminal(t *testing.T) {
	flaky := &flakyLedger{Book: ledger.NewBook(ledger.Config{})}
	flaky.setBroken(&settlement.HTTPStatusError{StatusCode: http.StatusConflict, Message: "already settled"})
	journal := settlement.NewMemoryJournal()
	rec := settlement.NewReconciler(flaky, journal, settlement.Config{Retry: fastRetry()})

	var hookErr error
	rec.OnResolved(func(_ billing.Final, _ billing.SettlementResult, err error) {
		hookErr = err
	})

	_, err := rec.Settle(context.Background(), billing.Final{SessionID: "s-1", UserID: "u1"})
	var rejected *settlement.RejectedError
	require.ErrorAs(t, err, &rejected)
	require.Equal(t, http.StatusConflict, rejected.StatusCode)
	require.Equal(t, 1, flaky.calls, "definitive answers are not retried")
	require.ErrorAs(t, hookErr, &rejected)

	_, ok, err := journal.Get(context.Background(), "s-1")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestFlushAndWorkerRecovery(t *testing.T) {
	flaky := &flakyLedger{Book: ledger.NewBook(ledger.Config{InitialBalance: 10})}
	flaky.setBroken(context.DeadlineExceeded)
	journal := settlement.NewMemoryJournal()
	rec := settlement.NewReconciler(flaky, journal, settlement.Config{Retry: fastRetry(), FlushTimeout: 50 * time.Millisecond})

	_, err := rec.Flush(context.Background(), billing.Final{SessionID: "s-1", UserID: "u1", ElapsedSeconds: 30, ProvisionalDebit: 1})
	require.Error(t, err)
	require.Equal(t, 1, flaky.calls, "flush makes a single attempt")

	entry, ok, err := journal.Get(context.Background(), "s-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, entry.Abandoned)

	worker := settlement.NewWorker(rec, settlement.WorkerConfig{Interval: time.Hour, PerSecond: 100})
	require.Equal(t, 0, worker.RunOnce(context.Background()))

	flaky.setBroken(nil)
	require.Equal(t, 1, worker.RunOnce(context.Background()))
	require.Equal(t, int64(9), flaky.Balance("u1"))

	list, err := journal.List(context.Background())
	require.NoError(t, err)
	require.Empty(t, list)
}

func TestIsRetryable(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{context.Canceled, false},
		{context.DeadlineExceeded, true},
		{&settlement.HTTPStatusError{StatusCode: http.StatusServiceUnavailable}, true},
		{&settlement.HTTPStatusError{StatusCode: http.StatusTooManyRequests}, true},
		{&settlement.HTTPStatusError{StatusCode: http.StatusConflict}, false},
		{&settlement.HTTPStatusError{StatusCode: http.StatusNotFound}, false},
		{errors.New("decode failure"), false},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, settlement.IsRetryable(tc.err), "error %v", tc.err)
	}
}
