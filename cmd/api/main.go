package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/zhouzirui/lingzhi/backend/internal/clock"
	"github.com/zhouzirui/lingzhi/backend/internal/config"
	"github.com/zhouzirui/lingzhi/backend/internal/handler"
	"github.com/zhouzirui/lingzhi/backend/internal/middleware"
	referralModel "github.com/zhouzirui/lingzhi/backend/internal/model/referral"
	"github.com/zhouzirui/lingzhi/backend/internal/service/conversation"
	"github.com/zhouzirui/lingzhi/backend/internal/service/feedback"
	"github.com/zhouzirui/lingzhi/backend/internal/service/ledger"
	"github.com/zhouzirui/lingzhi/backend/internal/service/metering"
	"github.com/zhouzirui/lingzhi/backend/internal/service/referral"
	"github.com/zhouzirui/lingzhi/backend/internal/service/settlement"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Load .env file
	if err := godotenv.Load(); err != nil {
		log.Printf("warning: failed to load .env file: %v", err)
		log.Println("continuing with system environment variables only")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	schedule := referralModel.Seed()
	if cfg.Referral.ScheduleFile != "" {
		schedule, err = referralModel.LoadSchedule(cfg.Referral.ScheduleFile)
		if err != nil {
			log.Fatalf("failed to load referral schedule: %v", err)
		}
		log.Printf("referral schedule loaded from %s", cfg.Referral.ScheduleFile)
	}
	referralSvc, err := referral.NewModel(schedule)
	if err != nil {
		log.Fatalf("failed to build referral model: %v", err)
	}

	rule := metering.Rule{Interval: cfg.Billing.Interval, UnitCost: cfg.Billing.UnitCost}
	calc := feedback.NewCalculator(feedback.Tiers{
		Helpful:    cfg.Feedback.Helpful,
		NotHelpful: cfg.Feedback.NotHelpful,
		Suggestion: cfg.Feedback.Suggestion,
	}, cfg.Feedback.SessionCap)

	// The sandbox book is served on this process's own listener so that settlement
	// goes through the same HTTP client as production.
	var sandbox *ledger.Book
	ledgerURL := cfg.Ledger.BaseURL
	ledgerKey := cfg.Ledger.APIKey
	if cfg.Ledger.Sandbox {
		if ledgerKey == "" {
			// The sandbox shares the public listener, so it is never served without a key.
			ledgerKey = uuid.NewString()
		}
		sandbox = ledger.NewBook(ledger.Config{
			InitialBalance: cfg.Ledger.SandboxInitialBalance,
			Rule:           rule,
			Calculator:     calc,
		})
		ledgerURL = selfURL(cfg.Server.Addr) + handler.SandboxPrefix
		log.Printf("使用沙盒账本 %s，初始余额 %d", ledgerURL, cfg.Ledger.SandboxInitialBalance)
	}

	ledgerClient, err := settlement.NewHTTPLedger(settlement.HTTPLedgerConfig{
		BaseURL: ledgerURL,
		APIKey:  ledgerKey,
		Timeout: cfg.Ledger.Timeout,
	})
	if err != nil {
		log.Fatalf("failed to create ledger client: %v", err)
	}

	var journal settlement.Journal = settlement.NewMemoryJournal()
	if cfg.Redis.URL != "" {
		redisJournal, err := settlement.NewRedisJournal(ctx, cfg.Redis.URL)
		if err != nil {
			log.Fatalf("failed to connect settlement journal: %v", err)
		}
		defer redisJournal.Close()
		journal = redisJournal
		log.Println("settlement journal backed by redis")
	} else {
		log.Println("REDIS_URL 未配置，待确认结算仅保存在内存中")
	}

	retryCfg := settlement.DefaultRetryConfig()
	retryCfg.MaxAttempts = cfg.Settlement.MaxAttempts
	retryCfg.InitialBackoff = cfg.Settlement.InitialBackoff
	retryCfg.MaxBackoff = cfg.Settlement.MaxBackoff

	reconciler := settlement.NewReconciler(ledgerClient, journal, settlement.Config{
		Retry:        retryCfg,
		FlushTimeout: cfg.Settlement.FlushTimeout,
		Clock:        clock.System(),
	})

	conversationSvc := conversation.NewService(metering.Config{
		Clock:        clock.System(),
		Rule:         rule,
		TickInterval: cfg.Billing.TickInterval,
	}, calc, ledgerClient, reconciler)

	worker := settlement.NewWorker(reconciler, settlement.WorkerConfig{
		Interval:  cfg.Settlement.RecoveryInterval,
		PerSecond: cfg.Settlement.RecoveryRPS,
	})
	go worker.Run(ctx)

	router := handler.NewRouter(handler.Deps{
		Conversation:  conversationSvc,
		Referral:      referralSvc,
		Identity:      middleware.NewIdentity(cfg.Auth.JWTSecret),
		TickInterval:  cfg.Billing.TickInterval,
		Sandbox:       sandbox,
		SandboxAPIKey: ledgerKey,
	})

	startServer(ctx, cfg.Server, router, conversationSvc)
}

func selfURL(addr string) string {
	if strings.HasPrefix(addr, ":") {
		return "http://127.0.0.1" + addr
	}
	return "http://" + addr
}

func startServer(ctx context.Context, serverCfg config.ServerConfig, router http.Handler, conversationSvc *conversation.Service) {
	addr := serverCfg.Addr
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	log.Printf("Lingzhi billing backend listening on %s", addr)
	if err := runServer(ctx, srv, conversationSvc); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

func runServer(ctx context.Context, srv *http.Server, conversationSvc *conversation.Service) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		// Settle running sessions while the sandbox ledger is still being served.
		conversationSvc.Shutdown(shutdownCtx)
		_ = srv.Shutdown(shutdownCtx)
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		conversationSvc.Close()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
