package ledger

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/lingzhi/backend/internal/model/billing"
	"github.com/zhouzirui/lingzhi/backend/internal/service/feedback"
	ledgerService "github.com/zhouzirui/lingzhi/backend/internal/service/ledger"
	"github.com/zhouzirui/lingzhi/backend/pkg/utils"
)

// Handler exposes the sandbox book over the same JSON contract the production ledger
// speaks, so the settlement client can run against it unchanged.
type Handler struct {
	book   *ledgerService.Book
	apiKey string
}

// New 创建沙盒账本处理器，apiKey 为空时不校验。
func New(book *ledgerService.Book, apiKey string) *Handler {
	return &Handler{book: book, apiKey: apiKey}
}

// RegisterRoutes 注册账本路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.requireAPIKey)
		r.Post("/conversation/{sessionID}/end", h.handleEnd)
		r.Get("/conversation/{sessionID}/billing-info", h.handleBillingInfo)
		r.Post("/conversation/{sessionID}/feedback", h.handleFeedback)
	})
}

func (h *Handler) requireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.apiKey != "" {
			token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if subtle.ConstantTimeCompare([]byte(token), []byte(h.apiKey)) != 1 {
				utils.RespondError(w, http.StatusUnauthorized, "invalid api key")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// handleEnd 结算对话
func (h *Handler) handleEnd(w http.ResponseWriter, r *http.Request) {
	var req billing.SettlementRequest
	if err := utils.DecodeJSON(r, &req); err != nil {
		utils.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := h.book.EndConversation(r.Context(), r.Header.Get("X-User-ID"), chi.URLParam(r, "sessionID"), req)
	if err != nil {
		respondBookError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, result)
}

// handleBillingInfo 查询计费信息
func (h *Handler) handleBillingInfo(w http.ResponseWriter, r *http.Request) {
	info, err := h.book.BillingInfo(r.Context(), r.Header.Get("X-User-ID"), chi.URLParam(r, "sessionID"))
	if err != nil {
		respondBookError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, info)
}

// handleFeedback 记录反馈奖励
func (h *Handler) handleFeedback(w http.ResponseWriter, r *http.Request) {
	var req billing.FeedbackRequest
	if err := utils.DecodeJSON(r, &req); err != nil {
		utils.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}

	receipt, err := h.book.SubmitFeedback(r.Context(), r.Header.Get("X-User-ID"), chi.URLParam(r, "sessionID"), req)
	if err != nil {
		respondBookError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, receipt)
}

func respondBookError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ledgerService.ErrUserRequired):
		utils.RespondError(w, http.StatusUnauthorized, err.Error())
	case errors.Is(err, ledgerService.ErrSessionForbidden):
		utils.RespondError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, ledgerService.ErrAlreadySettled), errors.Is(err, feedback.ErrCapReached):
		utils.RespondError(w, http.StatusConflict, err.Error())
	case errors.Is(err, ledgerService.ErrInvalidDuration), errors.Is(err, feedback.ErrUnknownType):
		utils.RespondError(w, http.StatusBadRequest, err.Error())
	default:
		utils.RespondError(w, http.StatusInternalServerError, err.Error())
	}
}
