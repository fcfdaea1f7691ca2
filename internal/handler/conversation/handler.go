package conversation

import (
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/lingzhi/backend/internal/middleware"
	"github.com/zhouzirui/lingzhi/backend/internal/model/billing"
	conversationService "github.com/zhouzirui/lingzhi/backend/internal/service/conversation"
	"github.com/zhouzirui/lingzhi/backend/internal/service/feedback"
	ledgerService "github.com/zhouzirui/lingzhi/backend/internal/service/ledger"
	"github.com/zhouzirui/lingzhi/backend/internal/service/metering"
	"github.com/zhouzirui/lingzhi/backend/internal/service/settlement"
	"github.com/zhouzirui/lingzhi/backend/pkg/utils"
)

// Handler 对话计费的HTTP处理器
type Handler struct {
	svc          *conversationService.Service
	tickInterval time.Duration
	presence     *PresenceHandler
}

// New 创建对话处理器，tickInterval 控制 SSE 与 websocket 的推送频率。
func New(svc *conversationService.Service, tickInterval time.Duration) *Handler {
	if tickInterval <= 0 {
		tickInterval = metering.DefaultTickInterval
	}
	return &Handler{
		svc:          svc,
		tickInterval: tickInterval,
		presence:     NewPresenceHandler(svc, tickInterval),
	}
}

// RegisterRoutes 注册对话相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/conversation", func(r chi.Router) {
		r.Post("/start", h.handleStart)
		r.Get("/current", h.handleCurrent)
		r.Route("/{sessionID}", func(r chi.Router) {
			r.Get("/stream", h.handleStream)
			r.Get("/ws", h.presence.ServeHTTP)
			r.Post("/feedback", h.handleFeedback)
			r.Post("/end", h.handleEnd)
			r.Post("/abandon", h.handleAbandon)
			r.Post("/retry", h.handleRetry)
			r.Get("/billing-info", h.handleBillingInfo)
		})
	})
}

type currentResponse struct {
	billing.Snapshot
	LeaveWarning string `json:"leaveWarning,omitempty"`
}

type pendingResponse struct {
	Success   bool   `json:"success"`
	Pending   bool   `json:"pending"`
	Retryable bool   `json:"retryable"`
	SessionID string `json:"sessionId"`
	Attempts  int    `json:"attempts,omitempty"`
	Message   string `json:"message"`
}

// handleStart 开始计时
func (h *Handler) handleStart(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		SessionID string `json:"sessionId"`
	}
	if err := utils.DecodeJSON(r, &payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}

	snap, err := h.svc.Start(r.Context(), middleware.UserID(r.Context()), payload.SessionID)
	if err != nil {
		respondServiceError(w, "", err)
		return
	}
	utils.RespondJSON(w, http.StatusCreated, snap)
}

// handleCurrent 查询当前会话
func (h *Handler) handleCurrent(w http.ResponseWriter, r *http.Request) {
	snap, err := h.svc.Current(middleware.UserID(r.Context()))
	if err != nil {
		respondServiceError(w, "", err)
		return
	}

	resp := currentResponse{Snapshot: snap}
	if snap.Active {
		resp.LeaveWarning = conversationService.LeaveWarning
	}
	utils.RespondJSON(w, http.StatusOK, resp)
}

// handleStream pushes a tick event every interval until the session stops or leaves the slot.
func (h *Handler) handleStream(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	userID := middleware.UserID(r.Context())

	snap, err := h.svc.Snapshot(userID, sessionID)
	if err != nil {
		respondServiceError(w, sessionID, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		utils.RespondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	utils.SetupSSEHeaders(w)
	w.WriteHeader(http.StatusOK)

	ctx := r.Context()
	log.Printf("[sse] opening tick stream for session=%s", sessionID)
	defer log.Printf("[sse] closing tick stream for session=%s", sessionID)

	if !utils.SendSSEEvent(w, flusher, "tick", snap) {
		return
	}
	if !snap.Active {
		utils.SendSSEEvent(w, flusher, "stopped", snap)
		return
	}

	ticker := time.NewTicker(h.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap, err := h.svc.Snapshot(userID, sessionID)
			if err != nil {
				utils.SendSSEEvent(w, flusher, "closed", map[string]string{"sessionId": sessionID})
				return
			}
			if !snap.Active {
				utils.SendSSEEvent(w, flusher, "stopped", snap)
				return
			}
			if !utils.SendSSEEvent(w, flusher, "tick", snap) {
				return
			}
		}
	}
}

// handleFeedback 提交反馈
func (h *Handler) handleFeedback(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	var payload billing.FeedbackRequest
	if err := utils.DecodeJSON(r, &payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}

	receipt, err := h.svc.SubmitFeedback(r.Context(), middleware.UserID(r.Context()), sessionID, payload)
	if err != nil {
		respondServiceError(w, sessionID, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, receipt)
}

// handleEnd 结束对话并结算
func (h *Handler) handleEnd(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	var payload struct {
		FeedbackScore *int `json:"feedbackScore"`
	}
	if err := utils.DecodeJSON(r, &payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := h.svc.End(r.Context(), middleware.UserID(r.Context()), sessionID, payload.FeedbackScore)
	if err != nil {
		respondServiceError(w, sessionID, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, result)
}

// handleAbandon is the sendBeacon target of an unloading page. It always answers 202;
// whatever the flush does not confirm stays journalled for recovery.
func (h *Handler) handleAbandon(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	err := h.svc.Abandon(r.Context(), middleware.UserID(r.Context()), sessionID)
	if errors.Is(err, conversationService.ErrSessionNotFound) {
		respondServiceError(w, sessionID, err)
		return
	}
	utils.RespondJSON(w, http.StatusAccepted, map[string]any{
		"sessionId": sessionID,
		"flushed":   err == nil,
	})
}

// handleRetry 重新提交待确认的结算
func (h *Handler) handleRetry(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	result, err := h.svc.Retry(r.Context(), middleware.UserID(r.Context()), sessionID)
	if err != nil {
		respondServiceError(w, sessionID, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, result)
}

// handleBillingInfo 查询计费信息
func (h *Handler) handleBillingInfo(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	info, err := h.svc.BillingInfo(r.Context(), middleware.UserID(r.Context()), sessionID)
	if err != nil {
		respondServiceError(w, sessionID, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, info)
}

func respondServiceError(w http.ResponseWriter, sessionID string, err error) {
	var (
		pendingErr  *settlement.PendingError
		rejectedErr *settlement.RejectedError
		statusErr   *settlement.HTTPStatusError
	)

	switch {
	case errors.Is(err, conversationService.ErrUserRequired):
		utils.RespondError(w, http.StatusUnauthorized, err.Error())
	case errors.Is(err, conversationService.ErrSessionNotFound), errors.Is(err, metering.ErrSessionNotFound):
		utils.RespondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, metering.ErrSessionActive),
		errors.Is(err, metering.ErrSessionInactive),
		errors.Is(err, conversationService.ErrSessionPending),
		errors.Is(err, conversationService.ErrSessionSettled),
		errors.Is(err, ledgerService.ErrAlreadySettled),
		errors.Is(err, feedback.ErrCapReached):
		utils.RespondError(w, http.StatusConflict, err.Error())
	case errors.Is(err, ledgerService.ErrSessionForbidden):
		utils.RespondError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, feedback.ErrUnknownType), errors.Is(err, metering.ErrSessionIDRequired):
		utils.RespondError(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &rejectedErr):
		utils.RespondJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"error":      rejectedErr.Error(),
			"sessionId":  rejectedErr.SessionID,
			"statusCode": rejectedErr.StatusCode,
			"result":     rejectedErr.Result,
		})
	case errors.As(err, &pendingErr):
		utils.RespondJSON(w, http.StatusAccepted, pendingResponse{
			Pending:   true,
			Retryable: true,
			SessionID: pendingErr.SessionID,
			Attempts:  pendingErr.Attempts,
			Message:   "结算结果未确认，可稍后重试",
		})
	case errors.Is(err, settlement.ErrInFlight):
		utils.RespondJSON(w, http.StatusAccepted, pendingResponse{
			Pending:   true,
			Retryable: true,
			SessionID: sessionID,
			Message:   "结算正在进行中",
		})
	case errors.As(err, &statusErr) && isLedgerRefusal(statusErr.StatusCode):
		utils.RespondError(w, statusErr.StatusCode, statusErr.Message)
	case errors.As(err, &statusErr), settlement.IsRetryable(err):
		utils.RespondError(w, http.StatusBadGateway, err.Error())
	default:
		log.Printf("[conversation] session=%s unexpected error: %v", sessionID, err)
		utils.RespondError(w, http.StatusInternalServerError, "internal error")
	}
}

// isLedgerRefusal reports whether a ledger status is an answer about the caller's
// request (cap reached, already settled) rather than a ledger-side failure.
func isLedgerRefusal(code int) bool {
	switch code {
	case http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity:
		return true
	}
	return false
}
