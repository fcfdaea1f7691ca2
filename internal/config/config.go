package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config 聚合整个服务的配置项。
type Config struct {
	Server     ServerConfig
	Billing    BillingConfig
	Feedback   FeedbackConfig
	Ledger     LedgerConfig
	Settlement SettlementConfig
	Redis      RedisConfig
	Auth       AuthConfig
	Referral   ReferralConfig
}

// Load 从环境变量加载配置。
func Load() (*Config, error) {
	server, err := loadServerConfig()
	if err != nil {
		return nil, err
	}

	billing, err := loadBillingConfig()
	if err != nil {
		return nil, err
	}

	feedback, err := loadFeedbackConfig()
	if err != nil {
		return nil, err
	}

	ledger, err := loadLedgerConfig()
	if err != nil {
		return nil, err
	}

	settlement, err := loadSettlementConfig()
	if err != nil {
		return nil, err
	}

	return &Config{
		Server:     server,
		Billing:    billing,
		Feedback:   feedback,
		Ledger:     ledger,
		Settlement: settlement,
		Redis:      RedisConfig{URL: strings.TrimSpace(os.Getenv("REDIS_URL"))},
		Auth:       AuthConfig{JWTSecret: strings.TrimSpace(os.Getenv("AUTH_JWT_SECRET"))},
		Referral:   ReferralConfig{ScheduleFile: strings.TrimSpace(os.Getenv("REFERRAL_SCHEDULE_FILE"))},
	}, nil
}

// ServerConfig 描述 HTTP 服务配置。
type ServerConfig struct {
	Addr string
}

// loadServerConfig 解析服务器监听地址。
func loadServerConfig() (ServerConfig, error) {
	port := strings.TrimSpace(os.Getenv("PORT"))
	if port == "" {
		port = "8080"
	}

	if strings.Contains(port, ":") {
		// 允许用户直接传入 ":8080" 或 "127.0.0.1:8080"。
		return ServerConfig{Addr: port}, nil
	}

	if strings.Contains(port, " ") {
		return ServerConfig{}, fmt.Errorf("invalid PORT value: %q", port)
	}

	return ServerConfig{Addr: ":" + port}, nil
}

// BillingConfig 描述计时计费规则。
type BillingConfig struct {
	Interval     time.Duration
	UnitCost     int64
	TickInterval time.Duration
}

func loadBillingConfig() (BillingConfig, error) {
	seconds, err := parseInt64Env("BILLING_INTERVAL_SECONDS", 300)
	if err != nil {
		return BillingConfig{}, err
	}
	if seconds <= 0 {
		return BillingConfig{}, fmt.Errorf("BILLING_INTERVAL_SECONDS must be positive, got %d", seconds)
	}

	unitCost, err := parseInt64Env("BILLING_UNIT_COST", 1)
	if err != nil {
		return BillingConfig{}, err
	}
	if unitCost <= 0 {
		return BillingConfig{}, fmt.Errorf("BILLING_UNIT_COST must be positive, got %d", unitCost)
	}

	tick, err := parseDurationEnv("BILLING_TICK_INTERVAL", time.Second)
	if err != nil {
		return BillingConfig{}, err
	}

	return BillingConfig{
		Interval:     time.Duration(seconds) * time.Second,
		UnitCost:     unitCost,
		TickInterval: tick,
	}, nil
}

// FeedbackConfig 描述反馈奖励档位。SessionCap 为 0 表示不设上限。
type FeedbackConfig struct {
	Helpful    int64
	NotHelpful int64
	Suggestion int64
	SessionCap int64
}

func loadFeedbackConfig() (FeedbackConfig, error) {
	var cfg FeedbackConfig
	var err error

	if cfg.Helpful, err = parseInt64Env("FEEDBACK_CREDIT_HELPFUL", 1); err != nil {
		return FeedbackConfig{}, err
	}
	if cfg.NotHelpful, err = parseInt64Env("FEEDBACK_CREDIT_NOT_HELPFUL", 2); err != nil {
		return FeedbackConfig{}, err
	}
	if cfg.Suggestion, err = parseInt64Env("FEEDBACK_CREDIT_SUGGESTION", 5); err != nil {
		return FeedbackConfig{}, err
	}
	if cfg.SessionCap, err = parseInt64Env("FEEDBACK_SESSION_CAP", 0); err != nil {
		return FeedbackConfig{}, err
	}

	if cfg.Helpful < 0 || cfg.NotHelpful < 0 || cfg.Suggestion < 0 || cfg.SessionCap < 0 {
		return FeedbackConfig{}, fmt.Errorf("feedback credits must not be negative")
	}
	return cfg, nil
}

// LedgerConfig 描述外部账本服务。BaseURL 为空时使用内置沙盒账本。
type LedgerConfig struct {
	BaseURL               string
	APIKey                string
	Timeout               time.Duration
	Sandbox               bool
	SandboxInitialBalance int64
}

func loadLedgerConfig() (LedgerConfig, error) {
	timeout, err := parseDurationEnv("LEDGER_TIMEOUT", 10*time.Second)
	if err != nil {
		return LedgerConfig{}, err
	}

	baseURL := strings.TrimSpace(os.Getenv("LEDGER_BASE_URL"))
	sandbox, err := parseBoolEnv("LEDGER_SANDBOX", baseURL == "")
	if err != nil {
		return LedgerConfig{}, err
	}

	balance, err := parseInt64Env("LEDGER_SANDBOX_INITIAL_BALANCE", 100)
	if err != nil {
		return LedgerConfig{}, err
	}

	return LedgerConfig{
		BaseURL:               baseURL,
		APIKey:                strings.TrimSpace(os.Getenv("LEDGER_API_KEY")),
		Timeout:               timeout,
		Sandbox:               sandbox,
		SandboxInitialBalance: balance,
	}, nil
}

// SettlementConfig 描述结算重试与恢复策略。
type SettlementConfig struct {
	MaxAttempts      int
	InitialBackoff   time.Duration
	MaxBackoff       time.Duration
	FlushTimeout     time.Duration
	RecoveryInterval time.Duration
	RecoveryRPS      float64
}

func loadSettlementConfig() (SettlementConfig, error) {
	cfg := SettlementConfig{MaxAttempts: 3, RecoveryRPS: 5}
	var err error

	if attempts, err := parseOptionalIntEnv("SETTLEMENT_MAX_ATTEMPTS"); err != nil {
		return SettlementConfig{}, err
	} else if attempts != nil {
		if *attempts < 1 {
			return SettlementConfig{}, fmt.Errorf("SETTLEMENT_MAX_ATTEMPTS must be at least 1, got %d", *attempts)
		}
		cfg.MaxAttempts = *attempts
	}

	if cfg.InitialBackoff, err = parseDurationEnv("SETTLEMENT_INITIAL_BACKOFF", 200*time.Millisecond); err != nil {
		return SettlementConfig{}, err
	}
	if cfg.MaxBackoff, err = parseDurationEnv("SETTLEMENT_MAX_BACKOFF", 5*time.Second); err != nil {
		return SettlementConfig{}, err
	}
	if cfg.FlushTimeout, err = parseDurationEnv("SETTLEMENT_FLUSH_TIMEOUT", 2*time.Second); err != nil {
		return SettlementConfig{}, err
	}
	if cfg.RecoveryInterval, err = parseDurationEnv("SETTLEMENT_RECOVERY_INTERVAL", 30*time.Second); err != nil {
		return SettlementConfig{}, err
	}

	if rps, err := parseOptionalFloatEnv("SETTLEMENT_RECOVERY_RPS"); err != nil {
		return SettlementConfig{}, err
	} else if rps != nil && *rps > 0 {
		cfg.RecoveryRPS = *rps
	}
	return cfg, nil
}

// RedisConfig 为空时结算日志保存在内存中。
type RedisConfig struct {
	URL string
}

// AuthConfig 为空时信任 X-User-ID 请求头，仅用于本地开发。
type AuthConfig struct {
	JWTSecret string
}

// ReferralConfig 为空时使用内置分佣档位。
type ReferralConfig struct {
	ScheduleFile string
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func parseBoolEnv(key string, defaultValue bool) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}

	val, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	return val, nil
}

func parseInt64Env(key string, defaultValue int64) (int64, error) {
	raw := getEnvOrDefault(key, "")
	if raw == "" {
		return defaultValue, nil
	}

	val, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	return val, nil
}

func parseDurationEnv(key string, defaultValue time.Duration) (time.Duration, error) {
	raw := getEnvOrDefault(key, "")
	if raw == "" {
		return defaultValue, nil
	}

	val, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	if val < 0 {
		return 0, fmt.Errorf("%s must not be negative, got %s", key, raw)
	}
	return val, nil
}

func parseOptionalFloatEnv(key string) (*float64, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}

func parseOptionalIntEnv(key string) (*int, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.Atoi(value)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}
