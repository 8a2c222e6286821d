package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// VenueConfig 外部场所（Polymarket CLOB）配置
type VenueConfig struct {
	BaseURL        string `yaml:"base_url"`        // CLOB REST 地址
	Enabled        bool   `yaml:"enabled"`         // 集成总开关，false 时对账/下单全部跳过
	DryRun         bool   `yaml:"dry_run"`         // 纸交易模式：不发真实请求，本地返回成交
	TimeoutSeconds int    `yaml:"timeout_seconds"` // 单次 HTTP 请求超时（秒）
}

// BreakerConfig 断路器配置
type BreakerConfig struct {
	FailureThreshold         int `yaml:"failure_threshold"`           // 窗口内连续失败多少次打开
	FailureWindowSeconds     int `yaml:"failure_window_seconds"`      // 失败计数的滑动窗口（秒）
	ResetTimeoutSeconds      int `yaml:"reset_timeout_seconds"`       // OPEN 后多久进入半开（秒）
	HalfOpenSuccessThreshold int `yaml:"half_open_success_threshold"` // 半开态连续成功多少次闭合
}

// HedgeConfig 对冲聚合配置
type HedgeConfig struct {
	BatchWindowMs       int `yaml:"batch_window_ms"`       // 批处理窗口（毫秒）
	FlushTimeoutSeconds int `yaml:"flush_timeout_seconds"` // 单组外部下单超时（秒）
}

// ReconcileConfig 对账配置
type ReconcileConfig struct {
	PageSize        int `yaml:"page_size"`         // 每轮最多处理的订单数
	IntervalSeconds int `yaml:"interval_seconds"`  // sweeper 轮询间隔（秒）
	StatusPerSecond int `yaml:"status_per_second"` // 订单状态查询限速（请求/秒），0=不限
}

// SettlementConfig 结算配置
type SettlementConfig struct {
	PageSize int `yaml:"page_size"` // 结算分页大小
}

// Config 应用配置
type Config struct {
	LogLevel string `yaml:"log_level"` // 日志级别: debug, info, warn, error
	LogFile  string `yaml:"log_file"`  // 日志文件路径（可选，为空则只输出到控制台）

	DatabasePath  string `yaml:"database_path"`  // SQLite 数据库路径
	SecretDir     string `yaml:"secret_dir"`     // badger 凭据库目录
	OpsListen     string `yaml:"ops_listen"`     // 运维 HTTP 监听地址
	MetricsListen string `yaml:"metrics_listen"` // expvar/pprof 监听地址（空=不启动）

	Venue      VenueConfig      `yaml:"venue"`
	Breaker    BreakerConfig    `yaml:"breaker"`
	Hedge      HedgeConfig      `yaml:"hedge"`
	Reconcile  ReconcileConfig  `yaml:"reconcile"`
	Settlement SettlementConfig `yaml:"settlement"`
}

// Load 加载配置（优先级：配置文件 > 环境变量 > 默认值）。
// filePath 为空时只用环境变量和默认值。
func Load(filePath string) (*Config, error) {
	cfg := defaults()

	if filePath != "" {
		data, err := os.ReadFile(filePath)
		if err != nil {
			return nil, fmt.Errorf("读取配置文件失败 %s: %w", filePath, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("解析 YAML 配置文件失败: %w", err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("配置验证失败: %w", err)
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		LogLevel:      "info",
		LogFile:       "logs/hedged.log",
		DatabasePath:  "data/hedge.db",
		SecretDir:     "data/secrets",
		OpsListen:     ":8080",
		MetricsListen: "127.0.0.1:6061",
		Venue: VenueConfig{
			BaseURL:        "https://clob.polymarket.com",
			Enabled:        true,
			DryRun:         false,
			TimeoutSeconds: 10,
		},
		Breaker: BreakerConfig{
			FailureThreshold:         5,
			FailureWindowSeconds:     60,
			ResetTimeoutSeconds:      30,
			HalfOpenSuccessThreshold: 2,
		},
		Hedge: HedgeConfig{
			BatchWindowMs:       200,
			FlushTimeoutSeconds: 30,
		},
		Reconcile: ReconcileConfig{
			PageSize:        50,
			IntervalSeconds: 15,
			StatusPerSecond: 10,
		},
		Settlement: SettlementConfig{
			PageSize: 50,
		},
	}
}

// applyEnvOverrides 环境变量覆盖（部署时无配置文件也能跑）
func applyEnvOverrides(cfg *Config) {
	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)
	cfg.LogFile = getEnv("LOG_FILE", cfg.LogFile)
	cfg.DatabasePath = getEnv("DATABASE_PATH", cfg.DatabasePath)
	cfg.SecretDir = getEnv("SECRET_DIR", cfg.SecretDir)
	cfg.OpsListen = getEnv("OPS_LISTEN", cfg.OpsListen)
	cfg.MetricsListen = getEnv("METRICS_LISTEN", cfg.MetricsListen)

	cfg.Venue.BaseURL = getEnv("VENUE_BASE_URL", cfg.Venue.BaseURL)
	cfg.Venue.Enabled = parseBoolEnv("VENUE_ENABLED", cfg.Venue.Enabled)
	cfg.Venue.DryRun = parseBoolEnv("DRY_RUN", cfg.Venue.DryRun)
	cfg.Venue.TimeoutSeconds = parseIntEnv("VENUE_TIMEOUT_SECONDS", cfg.Venue.TimeoutSeconds)

	cfg.Breaker.FailureThreshold = parseIntEnv("BREAKER_FAILURE_THRESHOLD", cfg.Breaker.FailureThreshold)
	cfg.Breaker.FailureWindowSeconds = parseIntEnv("BREAKER_FAILURE_WINDOW_SECONDS", cfg.Breaker.FailureWindowSeconds)
	cfg.Breaker.ResetTimeoutSeconds = parseIntEnv("BREAKER_RESET_TIMEOUT_SECONDS", cfg.Breaker.ResetTimeoutSeconds)
	cfg.Breaker.HalfOpenSuccessThreshold = parseIntEnv("BREAKER_HALF_OPEN_SUCCESS_THRESHOLD", cfg.Breaker.HalfOpenSuccessThreshold)

	cfg.Hedge.BatchWindowMs = parseIntEnv("HEDGE_BATCH_WINDOW_MS", cfg.Hedge.BatchWindowMs)
	cfg.Hedge.FlushTimeoutSeconds = parseIntEnv("HEDGE_FLUSH_TIMEOUT_SECONDS", cfg.Hedge.FlushTimeoutSeconds)

	cfg.Reconcile.PageSize = parseIntEnv("RECONCILE_PAGE_SIZE", cfg.Reconcile.PageSize)
	cfg.Reconcile.IntervalSeconds = parseIntEnv("RECONCILE_INTERVAL_SECONDS", cfg.Reconcile.IntervalSeconds)
	cfg.Reconcile.StatusPerSecond = parseIntEnv("RECONCILE_STATUS_PER_SECOND", cfg.Reconcile.StatusPerSecond)

	cfg.Settlement.PageSize = parseIntEnv("SETTLEMENT_PAGE_SIZE", cfg.Settlement.PageSize)
}

// Validate 验证配置
func (c *Config) Validate() error {
	if c.DatabasePath == "" {
		return fmt.Errorf("DATABASE_PATH 未配置")
	}
	if c.Venue.Enabled && !c.Venue.DryRun && c.Venue.BaseURL == "" {
		return fmt.Errorf("VENUE_BASE_URL 未配置")
	}
	if c.Breaker.FailureThreshold <= 0 {
		return fmt.Errorf("BREAKER_FAILURE_THRESHOLD 必须大于 0")
	}
	if c.Hedge.BatchWindowMs <= 0 {
		return fmt.Errorf("HEDGE_BATCH_WINDOW_MS 必须大于 0")
	}
	if c.Reconcile.PageSize <= 0 || c.Settlement.PageSize <= 0 {
		return fmt.Errorf("分页大小必须大于 0")
	}
	if c.Reconcile.IntervalSeconds <= 0 {
		return fmt.Errorf("RECONCILE_INTERVAL_SECONDS 必须大于 0")
	}
	return nil
}

// BatchWindow 对冲批处理窗口时长
func (c *Config) BatchWindow() time.Duration {
	return time.Duration(c.Hedge.BatchWindowMs) * time.Millisecond
}

// FlushTimeout 单组外部下单超时
func (c *Config) FlushTimeout() time.Duration {
	return time.Duration(c.Hedge.FlushTimeoutSeconds) * time.Second
}

// ReconcileInterval sweeper 轮询间隔
func (c *Config) ReconcileInterval() time.Duration {
	return time.Duration(c.Reconcile.IntervalSeconds) * time.Second
}

// getEnv 获取环境变量，如果不存在则返回默认值
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// parseIntEnv 解析整数环境变量
func parseIntEnv(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}
	return parsed
}

// parseBoolEnv 解析布尔环境变量
func parseBoolEnv(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return defaultValue
	}
	return parsed
}
