package settlement

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/zhouzirui/lingzhi/backend/internal/model/billing"
)

// Ledger is the authoritative balance owner. Implementations must deduplicate
// settlements by session id.
type Ledger interface {
	EndConversation(ctx context.Context, userID, sessionID string, req billing.SettlementRequest) (billing.SettlementResult, error)
	BillingInfo(ctx context.Context, userID, sessionID string) (billing.BillingInfo, error)
	SubmitFeedback(ctx context.Context, userID, sessionID string, req billing.FeedbackRequest) (billing.FeedbackReceipt, error)
}

// HTTPLedgerConfig 描述外部账本服务的连接参数。
type HTTPLedgerConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// HTTPLedger talks to the ledger's JSON API.
type HTTPLedger struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewHTTPLedger creates a client for cfg.BaseURL.
func NewHTTPLedger(cfg HTTPLedgerConfig) (*HTTPLedger, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, fmt.Errorf("ledger base URL is required")
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("invalid ledger base URL %q: %w", base, err)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &HTTPLedger{
		baseURL: base,
		apiKey:  cfg.APIKey,
		client:  &http.Client{Timeout: timeout},
	}, nil
}

// EndConversation posts the settlement for sessionID.
func (l *HTTPLedger) EndConversation(ctx context.Context, userID, sessionID string, req billing.SettlementRequest) (billing.SettlementResult, error) {
	var result billing.SettlementResult
	if err := l.do(ctx, http.MethodPost, l.sessionPath(sessionID, "end"), userID, req, &result); err != nil {
		return billing.SettlementResult{}, err
	}
	return result, nil
}

// BillingInfo reads the ledger's view of sessionID.
func (l *HTTPLedger) BillingInfo(ctx context.Context, userID, sessionID string) (billing.BillingInfo, error) {
	var info billing.BillingInfo
	if err := l.do(ctx, http.MethodGet, l.sessionPath(sessionID, "billing-info"), userID, nil, &info); err != nil {
		return billing.BillingInfo{}, err
	}
	return info, nil
}

// SubmitFeedback records a feedback event and returns the credit the ledger grants.
func (l *HTTPLedger) SubmitFeedback(ctx context.Context, userID, sessionID string, req billing.FeedbackRequest) (billing.FeedbackReceipt, error) {
	var receipt billing.FeedbackReceipt
	if err := l.do(ctx, http.MethodPost, l.sessionPath(sessionID, "feedback"), userID, req, &receipt); err != nil {
		return billing.FeedbackReceipt{}, err
	}
	return receipt, nil
}

func (l *HTTPLedger) sessionPath(sessionID, action string) string {
	return fmt.Sprintf("%s/conversation/%s/%s", l.baseURL, url.PathEscape(sessionID), action)
}

func (l *HTTPLedger) do(ctx context.Context, method, endpoint, userID string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode ledger request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("build ledger request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if l.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+l.apiKey)
	}
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}

	resp, err := l.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read ledger response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &HTTPStatusError{StatusCode: resp.StatusCode, Message: errorMessage(payload, resp.Status)}
	}

	if out == nil || len(payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("decode ledger response: %w", err)
	}
	return nil
}

func errorMessage(payload []byte, fallback string) string {
	var body struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(payload, &body); err == nil {
		if body.Message != "" {
			return body.Message
		}
		if body.Error != "" {
			return body.Error
		}
	}
	if text := strings.TrimSpace(string(payload)); text != "" && len(text) < 256 {
		return text
	}
	return fallback
}
