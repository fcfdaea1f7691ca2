package referral

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	referralService "github.com/zhouzirui/lingzhi/backend/internal/service/referral"
	"github.com/zhouzirui/lingzhi/backend/pkg/utils"
)

// Handler 分佣模型的HTTP处理器，只读
type Handler struct {
	model *referralService.Model
}

// New 创建分佣处理器
func New(model *referralService.Model) *Handler {
	return &Handler{model: model}
}

// RegisterRoutes 注册分佣相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/referral", func(r chi.Router) {
		r.Get("/tiers", h.handleListTiers)
		r.Get("/rate", h.handleRate)
		r.Post("/projection", h.handleProjection)
	})
}

// handleListTiers 列出所有合伙人等级
func (h *Handler) handleListTiers(w http.ResponseWriter, r *http.Request) {
	utils.RespondJSON(w, http.StatusOK, h.model.Tiers())
}

// handleRate 查询某等级某层级的分佣比例
func (h *Handler) handleRate(w http.ResponseWriter, r *http.Request) {
	tierID := r.URL.Query().Get("tier")
	level, err := strconv.Atoi(r.URL.Query().Get("level"))
	if err != nil {
		utils.RespondError(w, http.StatusBadRequest, "level must be an integer")
		return
	}

	rate, err := h.model.Rate(tierID, level)
	if err != nil {
		respondModelError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, map[string]any{
		"tier":  tierID,
		"level": level,
		"rate":  rate,
	})
}

// handleProjection 预估分佣
func (h *Handler) handleProjection(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Contribution int64   `json:"contribution"`
		Amounts      []int64 `json:"amounts"`
	}
	if err := utils.DecodeJSON(r, &payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if payload.Contribution < 0 {
		utils.RespondError(w, http.StatusBadRequest, "contribution must not be negative")
		return
	}

	projection, err := h.model.Project(payload.Contribution, payload.Amounts)
	if err != nil {
		respondModelError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, projection)
}

func respondModelError(w http.ResponseWriter, err error) {
	if errors.Is(err, referralService.ErrUnknownTier) {
		utils.RespondError(w, http.StatusNotFound, err.Error())
		return
	}
	utils.RespondError(w, http.StatusBadRequest, err.Error())
}
