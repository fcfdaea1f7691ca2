package handler

import (
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/zhouzirui/lingzhi/backend/internal/handler/conversation"
	"github.com/zhouzirui/lingzhi/backend/internal/handler/ledger"
	"github.com/zhouzirui/lingzhi/backend/internal/handler/referral"
	middlewarePkg "github.com/zhouzirui/lingzhi/backend/internal/middleware"
	conversationService "github.com/zhouzirui/lingzhi/backend/internal/service/conversation"
	ledgerService "github.com/zhouzirui/lingzhi/backend/internal/service/ledger"
	referralService "github.com/zhouzirui/lingzhi/backend/internal/service/referral"
	"github.com/zhouzirui/lingzhi/backend/pkg/utils"
)

// SandboxPrefix is where the in-process ledger is mounted when enabled.
const SandboxPrefix = "/sandbox-ledger"

// Deps 路由所需的服务
type Deps struct {
	Conversation *conversationService.Service
	Referral     *referralService.Model
	Identity     *middlewarePkg.Identity
	TickInterval time.Duration

	// Sandbox is optional and only mounted together with a non-empty SandboxAPIKey,
	// since the book trusts X-User-ID from its caller.
	Sandbox       *ledgerService.Book
	SandboxAPIKey string
}

// NewRouter wires HTTP routes to core services.
func NewRouter(deps Deps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middlewarePkg.CORS)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		utils.RespondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api", func(api chi.Router) {
		// Referral schedule is public
		referral.New(deps.Referral).RegisterRoutes(api)

		api.Group(func(authed chi.Router) {
			authed.Use(deps.Identity.Middleware)
			conversation.New(deps.Conversation, deps.TickInterval).RegisterRoutes(authed)
		})
	})

	switch {
	case deps.Sandbox == nil:
	case deps.SandboxAPIKey == "":
		log.Printf("[router] sandbox ledger not mounted: no api key configured")
	default:
		r.Route(SandboxPrefix, func(sr chi.Router) {
			ledger.New(deps.Sandbox, deps.SandboxAPIKey).RegisterRoutes(sr)
		})
	}

	return r
}
