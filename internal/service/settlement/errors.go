package settlement

import (
	"errors"
	"fmt"

	"github.com/zhouzirui/lingzhi/backend/internal/model/billing"
)

var (
	ErrNotPending = errors.New("no pending settlement for session")
	ErrInFlight   = errors.New("settlement already in flight for session")
)

// RejectedError is a definitive refusal from the ledger (invalid or already settled
// session). The session is terminal and local state may be cleared.
type RejectedError struct {
	SessionID  string
	StatusCode int
	Message    string
	Result     *billing.SettlementResult
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("settlement of session %s rejected (%d): %s", e.SessionID, e.StatusCode, e.Message)
}

// PendingError means the outcome is unknown. The settlement stays journalled and can be retried.
type PendingError struct {
	SessionID string
	Attempts  int
	Err       error
}

func (e *PendingError) Error() string {
	return fmt.Sprintf("settlement of session %s pending after %d attempt(s): %v", e.SessionID, e.Attempts, e.Err)
}

func (e *PendingError) Unwrap() error {
	return e.Err
}
