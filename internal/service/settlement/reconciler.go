package settlement

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/zhouzirui/lingzhi/backend/internal/clock"
	"github.com/zhouzirui/lingzhi/backend/internal/model/billing"
)

// ResolvedFunc is called once a journalled settlement has an authoritative answer,
// either a result or a *RejectedError.
type ResolvedFunc func(final billing.Final, result billing.SettlementResult, err error)

// Config 结算协调器的参数。
type Config struct {
	Retry RetryConfig
	// FlushTimeout bounds the single best-effort attempt made when a session is abandoned.
	FlushTimeout time.Duration
	Clock        clock.Clock
}

// Reconciler turns a stopped session into exactly one ledger mutation. It journals the
// settlement before the first attempt and only forgets it on success or rejection.
type Reconciler struct {
	ledger       Ledger
	journal      Journal
	retry        RetryConfig
	flushTimeout time.Duration
	clock        clock.Clock

	mu       sync.Mutex
	inflight map[string]struct{}
	onSettle []ResolvedFunc
}

// NewReconciler wires a Reconciler to ledger and journal.
func NewReconciler(ledger Ledger, journal Journal, cfg Config) *Reconciler {
	if journal == nil {
		journal = NewMemoryJournal()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.System()
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = 2 * time.Second
	}
	return &Reconciler{
		ledger:       ledger,
		journal:      journal,
		retry:        cfg.Retry,
		flushTimeout: cfg.FlushTimeout,
		clock:        cfg.Clock,
		inflight:     make(map[string]struct{}),
	}
}

// OnResolved registers fn to run whenever a settlement is answered authoritatively.
func (r *Reconciler) OnResolved(fn ResolvedFunc) {
	r.mu.Lock()
	r.onSettle = append(r.onSettle, fn)
	r.mu.Unlock()
}

// Journal exposes the pending-settlement journal.
func (r *Reconciler) Journal() Journal {
	return r.journal
}

// Settle sends final to the ledger with retries. On success the ledger's numbers are
// returned and the journal entry removed. A *RejectedError is terminal; a *PendingError
// leaves the entry journalled for a later retry.
func (r *Reconciler) Settle(ctx context.Context, final billing.Final) (billing.SettlementResult, error) {
	return r.settle(ctx, final, r.retry, false)
}

// Flush makes one bounded attempt for an abandoned session. Failure is expected and
// leaves the settlement journalled for the recovery worker.
func (r *Reconciler) Flush(ctx context.Context, final billing.Final) (billing.SettlementResult, error) {
	ctx, cancel := context.WithTimeout(ctx, r.flushTimeout)
	defer cancel()
	return r.settle(ctx, final, RetryConfig{MaxAttempts: 1}, true)
}

// Retry re-drives a journalled settlement by session id.
func (r *Reconciler) Retry(ctx context.Context, sessionID string) (billing.SettlementResult, error) {
	pending, ok, err := r.journal.Get(ctx, sessionID)
	if err != nil {
		return billing.SettlementResult{}, err
	}
	if !ok {
		return billing.SettlementResult{}, ErrNotPending
	}
	return r.settle(ctx, pending.Final, r.retry, pending.Abandoned)
}

// Pending reports whether sessionID is journalled.
func (r *Reconciler) Pending(ctx context.Context, sessionID string) (billing.PendingSettlement, bool, error) {
	return r.journal.Get(ctx, sessionID)
}

// BillingInfo asks the ledger for its view of sessionID and marks journalled sessions pending.
func (r *Reconciler) BillingInfo(ctx context.Context, userID, sessionID string) (billing.BillingInfo, error) {
	info, err := r.ledger.BillingInfo(ctx, userID, sessionID)
	if err != nil {
		return billing.BillingInfo{}, err
	}
	info.SessionID = sessionID
	info.LedgerReachable = true
	if _, ok, jerr := r.journal.Get(ctx, sessionID); jerr == nil && ok {
		info.Pending = !info.Settled
	}
	return info, nil
}

func (r *Reconciler) settle(ctx context.Context, final billing.Final, cfg RetryConfig, abandoned bool) (billing.SettlementResult, error) {
	if final.SessionID == "" {
		return billing.SettlementResult{}, errors.New("settlement requires a session id")
	}
	if !r.acquire(final.SessionID) {
		return billing.SettlementResult{}, ErrInFlight
	}
	defer r.release(final.SessionID)

	pending := r.journalPending(ctx, final, abandoned)
	// A journalled tuple wins over the caller's copy so every retry carries identical numbers.
	final = pending.Final

	req := billing.SettlementRequest{
		Duration:        final.ElapsedSeconds,
		FeedbackScore:   final.FeedbackScore,
		ProvisionalCost: final.ProvisionalDebit,
		CreditsEarned:   final.CreditsEarned,
	}

	var result billing.SettlementResult
	err := retry(ctx, cfg, func(ctx context.Context, attempt int) error {
		pending.Attempts++
		res, err := r.ledger.EndConversation(ctx, final.UserID, final.SessionID, req)
		if err != nil {
			log.Printf("[settlement] session=%s attempt=%d failed: %v", final.SessionID, pending.Attempts, err)
			return err
		}
		if !res.Success {
			return &RejectedError{SessionID: final.SessionID, StatusCode: http.StatusOK, Message: res.Message, Result: &res}
		}
		result = res
		return nil
	})

	switch {
	case err == nil:
		r.forget(ctx, final.SessionID)
		log.Printf("[settlement] session=%s settled cost=%d reward=%d balance=%d", final.SessionID, result.Cost, result.FeedbackLingzhiReward, result.CurrentBalance)
		r.resolved(final, result, nil)
		return result, nil

	case isDefinitive(err):
		rejected := asRejected(final.SessionID, err)
		r.forget(ctx, final.SessionID)
		log.Printf("[settlement] session=%s rejected: %s", final.SessionID, rejected.Message)
		r.resolved(final, billing.SettlementResult{}, rejected)
		return billing.SettlementResult{}, rejected

	default:
		pending.LastError = err.Error()
		pending.UpdatedAt = r.clock.Now()
		if jerr := r.journal.Put(context.WithoutCancel(ctx), pending); jerr != nil {
			log.Printf("[settlement] session=%s failed to update journal: %v", final.SessionID, jerr)
		}
		return billing.SettlementResult{}, &PendingError{SessionID: final.SessionID, Attempts: pending.Attempts, Err: err}
	}
}

func (r *Reconciler) journalPending(ctx context.Context, final billing.Final, abandoned bool) billing.PendingSettlement {
	now := r.clock.Now()
	pending, ok, err := r.journal.Get(ctx, final.SessionID)
	if err != nil {
		log.Printf("[settlement] session=%s journal lookup failed: %v", final.SessionID, err)
	}
	if !ok {
		pending = billing.PendingSettlement{Final: final, StoppedAt: now}
	}
	pending.Abandoned = pending.Abandoned || abandoned
	pending.UpdatedAt = now

	if err := r.journal.Put(ctx, pending); err != nil {
		log.Printf("[settlement] session=%s journal write failed, continuing without durability: %v", final.SessionID, err)
	}
	return pending
}

func (r *Reconciler) forget(ctx context.Context, sessionID string) {
	if err := r.journal.Delete(context.WithoutCancel(ctx), sessionID); err != nil {
		log.Printf("[settlement] session=%s failed to clear journal: %v", sessionID, err)
	}
}

func (r *Reconciler) resolved(final billing.Final, result billing.SettlementResult, err error) {
	r.mu.Lock()
	hooks := append([]ResolvedFunc(nil), r.onSettle...)
	r.mu.Unlock()

	for _, fn := range hooks {
		fn(final, result, err)
	}
}

func (r *Reconciler) acquire(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, busy := r.inflight[sessionID]; busy {
		return false
	}
	r.inflight[sessionID] = struct{}{}
	return true
}

func (r *Reconciler) release(sessionID string) {
	r.mu.Lock()
	delete(r.inflight, sessionID)
	r.mu.Unlock()
}

func asRejected(sessionID string, err error) *RejectedError {
	var rejected *RejectedError
	if errors.As(err, &rejected) {
		return rejected
	}
	var httpErr *HTTPStatusError
	if errors.As(err, &httpErr) {
		return &RejectedError{SessionID: sessionID, StatusCode: httpErr.StatusCode, Message: httpErr.Message}
	}
	return &RejectedError{SessionID: sessionID, Message: fmt.Sprint(err)}
}
