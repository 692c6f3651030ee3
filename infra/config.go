package infra

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// 扣款紀錄儲存層
const (
	DeductionStoreMongoDB = "mongodb"
	DeductionStoreSQLite  = "sqlite"
)

// RateLimitRuleYAML 代表 config.yml 中單一限流規則
type RateLimitRuleYAML struct {
	WindowMs    int64 `yaml:"window_ms"`    // 視窗長度（毫秒）
	MaxRequests int   `yaml:"max_requests"` // 視窗內允許的請求數，同時為桶容量
}

type Config struct {
	App struct {
		Name       string `yaml:"name"`
		AppVersion string `yaml:"app_version"`
		BaseURL    string `yaml:"base_url"`
	} `yaml:"app"`
	Billing struct {
		// store: mongodb | sqlite（sqlite 僅供單機開發，扣款會逐筆進行）
		Store string `yaml:"store"`
	} `yaml:"billing"`
	SQLite struct {
		Path          string `yaml:"path"`
		BusyTimeoutMs int    `yaml:"busy_timeout_ms"`
	} `yaml:"sqlite"`
	MongoDB struct {
		URI      string `yaml:"uri"`
		Database string `yaml:"database"`
	} `yaml:"mongodb"`
	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	} `yaml:"redis"`
	RabbitMQ struct {
		URL string `yaml:"url"`
	} `yaml:"rabbitmq"`
	JWT struct {
		SecretKey string `yaml:"secret_key"`
	} `yaml:"jwt"`
	Ledger struct {
		BaseURL     string `yaml:"base_url"`
		APIKey      string `yaml:"api_key"`
		TimeoutMs   int    `yaml:"timeout_ms"`
		MaxInFlight int    `yaml:"max_in_flight"`
	} `yaml:"ledger"`
	RateLimit struct {
		Global  RateLimitRuleYAML `yaml:"global"`
		PerUser RateLimitRuleYAML `yaml:"per_user"`
		// identity_source: unverified_claims | verified
		IdentitySource        string `yaml:"identity_source"`
		TrustProxyHeaders     bool   `yaml:"trust_proxy_headers"`
		CleanupIntervalMs     int64  `yaml:"cleanup_interval_ms"`
		InactivityThresholdMs int64  `yaml:"inactivity_threshold_ms"`
		StatsQueueSize        int    `yaml:"stats_queue_size"`
	} `yaml:"rate_limit"`
	Otel struct {
		Enabled         bool   `yaml:"enabled"`
		Endpoint        string `yaml:"endpoint"`
		DevelopmentMode bool   `yaml:"development_mode"`
	} `yaml:"otel"`
}

var AppConfig Config

// LoadConfig 讀取 YAML 設定檔，支援 ${VAR} 環境變數展開
func LoadConfig(path string) error {
	if path == "" {
		path = "config.yml"
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &cfg); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return fmt.Errorf("config %s: %w", path, err)
	}
	AppConfig = cfg
	return nil
}

// DefaultConfig 回傳所有欄位皆為預設值的設定
func DefaultConfig() Config {
	var cfg Config
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.App.Name == "" {
		c.App.Name = "api-marketplace"
	}
	if c.App.AppVersion == "" {
		c.App.AppVersion = "1.0.0"
	}
	if c.Billing.Store == "" {
		c.Billing.Store = DeductionStoreMongoDB
	}
	if c.SQLite.Path == "" {
		c.SQLite.Path = "marketplace.db"
	}
	if c.SQLite.BusyTimeoutMs <= 0 {
		c.SQLite.BusyTimeoutMs = 30000
	}
	if c.MongoDB.Database == "" {
		c.MongoDB.Database = "api_marketplace"
	}
	if c.Ledger.TimeoutMs <= 0 {
		c.Ledger.TimeoutMs = 15000
	}
	if c.Ledger.MaxInFlight <= 0 {
		c.Ledger.MaxInFlight = 32
	}

	// 匿名流量：每分鐘 100 次；已驗證用戶：每分鐘 1000 次
	if c.RateLimit.Global.WindowMs <= 0 {
		c.RateLimit.Global.WindowMs = 60000
	}
	if c.RateLimit.Global.MaxRequests <= 0 {
		c.RateLimit.Global.MaxRequests = 100
	}
	if c.RateLimit.PerUser.WindowMs <= 0 {
		c.RateLimit.PerUser.WindowMs = 60000
	}
	if c.RateLimit.PerUser.MaxRequests <= 0 {
		c.RateLimit.PerUser.MaxRequests = 1000
	}
	if c.RateLimit.IdentitySource == "" {
		c.RateLimit.IdentitySource = "unverified_claims"
	}
	if c.RateLimit.CleanupIntervalMs <= 0 {
		c.RateLimit.CleanupIntervalMs = 60000
	}
	if c.RateLimit.InactivityThresholdMs <= 0 {
		c.RateLimit.InactivityThresholdMs = 600000
	}
	if c.RateLimit.StatsQueueSize <= 0 {
		c.RateLimit.StatsQueueSize = 1024
	}
	if c.Otel.Endpoint == "" {
		c.Otel.Endpoint = "localhost:4317"
	}
}

func (c *Config) validate() error {
	switch c.Billing.Store {
	case DeductionStoreMongoDB, DeductionStoreSQLite:
	default:
		return fmt.Errorf("billing.store must be %q or %q, got %q", DeductionStoreMongoDB, DeductionStoreSQLite, c.Billing.Store)
	}
	return nil
}
