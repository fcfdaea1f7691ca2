package conversation

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zhouzirui/lingzhi/backend/internal/model/billing"
	"github.com/zhouzirui/lingzhi/backend/internal/service/feedback"
	"github.com/zhouzirui/lingzhi/backend/internal/service/metering"
	"github.com/zhouzirui/lingzhi/backend/internal/service/settlement"
)

var (
	ErrUserRequired    = errors.New("user id is required")
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionPending  = errors.New("session id has an unresolved settlement")
	ErrSessionSettled  = errors.New("session id has already been settled")
)

// LeaveWarning is shown before the page unloads while a session is active.
const LeaveWarning = "离开页面将结束当前对话并按已用时长结算灵值，确定要离开吗？"

// Service owns one Meter per user and routes every session mutation through it.
type Service struct {
	meterCfg   metering.Config
	calc       *feedback.Calculator
	ledger     settlement.Ledger
	reconciler *settlement.Reconciler

	mu     sync.RWMutex
	meters map[string]*metering.Meter
}

// NewService wires the conversation engine. ledger may be the same client the reconciler uses.
func NewService(meterCfg metering.Config, calc *feedback.Calculator, ledger settlement.Ledger, reconciler *settlement.Reconciler) *Service {
	svc := &Service{
		meterCfg:   meterCfg,
		calc:       calc,
		ledger:     ledger,
		reconciler: reconciler,
		meters:     make(map[string]*metering.Meter),
	}
	reconciler.OnResolved(svc.handleResolved)
	return svc
}

func (s *Service) existingMeter(userID string) (*metering.Meter, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.meters[userID]
	return m, ok
}

// Start opens a metered session for userID. An empty sessionID gets a fresh one.
// Starting while another session is active fails with metering.ErrSessionActive.
// A caller-supplied id that is journalled or already known to the ledger is refused,
// since the ledger would replay its first settlement instead of billing the new one.
func (s *Service) Start(ctx context.Context, userID, sessionID string) (billing.Snapshot, error) {
	if userID == "" {
		return billing.Snapshot{}, ErrUserRequired
	}
	if sessionID == "" {
		sessionID = uuid.NewString()
	} else if err := s.checkReusable(ctx, userID, sessionID); err != nil {
		return billing.Snapshot{}, err
	}

	// Meters are created and dropped under s.mu so a resolved settlement cannot
	// discard a meter between lookup and Start.
	s.mu.Lock()
	m, ok := s.meters[userID]
	if !ok {
		m = metering.NewMeter(userID, s.meterCfg)
		s.meters[userID] = m
	}
	snap, err := m.Start(sessionID)
	s.mu.Unlock()
	if err != nil {
		return billing.Snapshot{}, err
	}
	log.Printf("[conversation] user=%s started session=%s", userID, sessionID)
	return snap, nil
}

func (s *Service) checkReusable(ctx context.Context, userID, sessionID string) error {
	if _, pending, err := s.reconciler.Pending(ctx, sessionID); err == nil && pending {
		return ErrSessionPending
	}

	info, err := s.reconciler.BillingInfo(ctx, userID, sessionID)
	var statusErr *settlement.HTTPStatusError
	switch {
	case errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusNotFound:
		return nil
	case err != nil:
		return fmt.Errorf("check session %s with ledger: %w", sessionID, err)
	case info.Settled:
		return ErrSessionSettled
	}
	return nil
}

// Current returns the user's session slot, refreshed to the current clock.
func (s *Service) Current(userID string) (billing.Snapshot, error) {
	m, ok := s.existingMeter(userID)
	if !ok {
		return billing.Snapshot{}, ErrSessionNotFound
	}
	m.Tick()
	snap, ok := m.Snapshot()
	if !ok {
		return billing.Snapshot{}, ErrSessionNotFound
	}
	return snap, nil
}

// Snapshot returns the state of sessionID if it occupies the user's slot.
func (s *Service) Snapshot(userID, sessionID string) (billing.Snapshot, error) {
	snap, err := s.Current(userID)
	if err != nil {
		return billing.Snapshot{}, err
	}
	if snap.SessionID != sessionID {
		return billing.Snapshot{}, ErrSessionNotFound
	}
	return snap, nil
}

// SubmitFeedback credits one feedback event. The ledger's granted amount is recorded
// when a ledger is configured; otherwise the local tier credit is used.
func (s *Service) SubmitFeedback(ctx context.Context, userID, sessionID string, req billing.FeedbackRequest) (billing.FeedbackReceipt, error) {
	if !req.Type.Valid() {
		return billing.FeedbackReceipt{}, feedback.ErrUnknownType
	}

	snap, err := s.Snapshot(userID, sessionID)
	if err != nil {
		return billing.FeedbackReceipt{}, err
	}
	if !snap.Active {
		return billing.FeedbackReceipt{}, metering.ErrSessionInactive
	}

	credit, err := s.calc.Credit(req.Type, snap.CreditsEarned)
	if err != nil {
		return billing.FeedbackReceipt{}, err
	}

	receipt := billing.FeedbackReceipt{Success: true, LingzhiReward: credit}
	if s.ledger != nil {
		receipt, err = s.ledger.SubmitFeedback(ctx, userID, sessionID, req)
		if err != nil {
			return billing.FeedbackReceipt{}, fmt.Errorf("submit feedback to ledger: %w", err)
		}
		credit = receipt.LingzhiReward
	}

	m, ok := s.existingMeter(userID)
	if !ok {
		return billing.FeedbackReceipt{}, ErrSessionNotFound
	}
	updated, err := m.RecordFeedback(sessionID, credit)
	if err != nil {
		return billing.FeedbackReceipt{}, err
	}
	receipt.CreditsEarned = updated.CreditsEarned
	return receipt, nil
}

// End stops sessionID and settles it. If the session already left the slot but is
// still journalled, the journalled settlement is retried instead.
func (s *Service) End(ctx context.Context, userID, sessionID string, feedbackScore *int) (billing.SettlementResult, error) {
	if userID == "" {
		return billing.SettlementResult{}, ErrUserRequired
	}

	m, ok := s.existingMeter(userID)
	if ok {
		final, err := m.Stop(sessionID)
		if err == nil {
			final.FeedbackScore = feedbackScore
			return s.reconciler.Settle(ctx, final)
		}
		if !errors.Is(err, metering.ErrSessionNotFound) {
			return billing.SettlementResult{}, err
		}
	}
	return s.Retry(ctx, userID, sessionID)
}

// Abandon handles an unloading page: it stops the session and makes one bounded
// settlement attempt that outlives the request. Failures stay journalled.
func (s *Service) Abandon(ctx context.Context, userID, sessionID string) error {
	m, ok := s.existingMeter(userID)
	if !ok {
		return ErrSessionNotFound
	}
	final, err := m.Stop(sessionID)
	if err != nil {
		if errors.Is(err, metering.ErrSessionNotFound) {
			return ErrSessionNotFound
		}
		return err
	}

	_, err = s.reconciler.Flush(context.WithoutCancel(ctx), final)
	if err != nil {
		log.Printf("[conversation] user=%s abandoned session=%s left pending: %v", userID, sessionID, err)
		return err
	}
	log.Printf("[conversation] user=%s abandoned session=%s flushed", userID, sessionID)
	return nil
}

// Retry re-sends a journalled settlement owned by userID.
func (s *Service) Retry(ctx context.Context, userID, sessionID string) (billing.SettlementResult, error) {
	pending, ok, err := s.reconciler.Pending(ctx, sessionID)
	if err != nil {
		return billing.SettlementResult{}, err
	}
	if !ok || pending.Final.UserID != userID {
		return billing.SettlementResult{}, ErrSessionNotFound
	}
	return s.reconciler.Retry(ctx, sessionID)
}

// BillingInfo merges the local provisional view with the ledger's. When the ledger is
// unreachable the local view is returned with LedgerReachable=false.
func (s *Service) BillingInfo(ctx context.Context, userID, sessionID string) (billing.BillingInfo, error) {
	local, hasLocal := s.localInfo(ctx, userID, sessionID)

	remote, err := s.reconciler.BillingInfo(ctx, userID, sessionID)
	if err != nil {
		if !hasLocal {
			return billing.BillingInfo{}, fmt.Errorf("query ledger billing info: %w", err)
		}
		log.Printf("[conversation] session=%s ledger billing-info unavailable: %v", sessionID, err)
		return local, nil
	}
	if !hasLocal || remote.Settled {
		return remote, nil
	}

	local.CurrentBalance = remote.CurrentBalance
	local.LedgerReachable = true
	return local, nil
}

func (s *Service) localInfo(ctx context.Context, userID, sessionID string) (billing.BillingInfo, bool) {
	if snap, err := s.Snapshot(userID, sessionID); err == nil {
		return billing.BillingInfo{
			SessionID:       sessionID,
			Active:          snap.Active,
			Pending:         !snap.Active,
			Duration:        snap.ElapsedSeconds,
			DurationMinutes: metering.Minutes(snap.ElapsedSeconds),
			EstimatedCost:   snap.ProvisionalDebit,
			CreditsEarned:   snap.CreditsEarned,
			ObservedAt:      time.Now().UTC(),
		}, true
	}

	pending, ok, err := s.reconciler.Pending(ctx, sessionID)
	if err != nil || !ok || pending.Final.UserID != userID {
		return billing.BillingInfo{}, false
	}
	final := pending.Final
	return billing.BillingInfo{
		SessionID:       sessionID,
		Pending:         true,
		Duration:        final.ElapsedSeconds,
		DurationMinutes: metering.Minutes(final.ElapsedSeconds),
		EstimatedCost:   final.ProvisionalDebit,
		CreditsEarned:   final.CreditsEarned,
		ObservedAt:      time.Now().UTC(),
	}, true
}

// Close cancels every meter's ticker. Session state is left for settlement.
func (s *Service) Close() {
	s.mu.RLock()
	meters := make([]*metering.Meter, 0, len(s.meters))
	for _, m := range s.meters {
		meters = append(meters, m)
	}
	s.mu.RUnlock()

	for _, m := range meters {
		m.Close()
	}
}

// Shutdown stops every running session and makes one bounded settlement attempt for
// each, then cancels all tickers. Anything not confirmed stays journalled.
func (s *Service) Shutdown(ctx context.Context) {
	s.mu.RLock()
	meters := make([]*metering.Meter, 0, len(s.meters))
	for _, m := range s.meters {
		meters = append(meters, m)
	}
	s.mu.RUnlock()

	for _, m := range meters {
		snap, ok := m.Snapshot()
		if !ok || !snap.Active {
			continue
		}
		final, err := m.Stop(snap.SessionID)
		if err != nil {
			continue
		}
		if _, err := s.reconciler.Flush(ctx, final); err != nil {
			log.Printf("[conversation] shutdown left session=%s pending: %v", final.SessionID, err)
		}
	}
	s.Close()
}

// handleResolved clears the settled session and drops the user's meter once its slot is empty.
func (s *Service) handleResolved(final billing.Final, _ billing.SettlementResult, _ error) {
	s.mu.Lock()
	m, ok := s.meters[final.UserID]
	if !ok {
		s.mu.Unlock()
		return
	}
	if err := m.Reset(final.SessionID); err != nil && !errors.Is(err, metering.ErrSessionNotFound) {
		log.Printf("[conversation] session=%s reset after settlement failed: %v", final.SessionID, err)
	}
	_, occupied := m.Snapshot()
	if !occupied {
		delete(s.meters, final.UserID)
	}
	s.mu.Unlock()

	if !occupied {
		m.Close()
	}
}
