package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/hitoshi/pickleplay/internal/logger"
	"golang.org/x/crypto/bcrypt"
)

// ストレージドライバー
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
)

// リフレッシュ通知の配信方式
const (
	NotifierLocal = "local"
	NotifierRedis = "redis"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Storage
	StorageDriver  string `env:"STORAGE_DRIVER" envDefault:"memory"`
	DatabaseURL    string `env:"DATABASE_URL"`
	SQLitePath     string `env:"SQLITE_PATH" envDefault:"pickleplay.db"`
	RedisAddr      string `env:"REDIS_ADDR"`
	RedisPassword  string `env:"REDIS_PASSWORD"`
	RedisDB        int    `env:"REDIS_DB" envDefault:"0"`
	RedisKeyPrefix string `env:"REDIS_KEY_PREFIX" envDefault:"pickleplay:"`

	// Booking
	MockLatency         time.Duration `env:"MOCK_LATENCY" envDefault:"0s"`
	BcryptCost          int           `env:"BCRYPT_COST" envDefault:"10"`
	BlockedEmailDomains []string      `env:"BLOCKED_EMAIL_DOMAINS" envSeparator:","`
	GamesFile           string        `env:"GAMES_FILE"`

	// Cache
	CacheDefaultTTL      time.Duration `env:"CACHE_DEFAULT_TTL" envDefault:"5m"`
	GamesCacheTTL        time.Duration `env:"GAMES_CACHE_TTL" envDefault:"1m"`
	RefreshNotifier      string        `env:"REFRESH_NOTIFIER" envDefault:"local"`
	RefreshMaxConcurrent int           `env:"REFRESH_MAX_CONCURRENT" envDefault:"4"`
	RefreshInterval      time.Duration `env:"REFRESH_INTERVAL" envDefault:"15m"`

	// Rate Limit
	RateLimitGeneral int `env:"RATE_LIMIT_GENERAL" envDefault:"120"`

	// Server
	ServerPort string `env:"SERVER_PORT" envDefault:"8080"`
	LogLevel   string `env:"LOG_LEVEL" envDefault:"info"`

	// CORS
	CORSAllowedOrigin string `env:"CORS_ALLOWED_ORIGIN" envDefault:"http://localhost:8081"`
}

// Load は環境変数からConfigを読み込む。
// ストレージドライバーに応じた必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.StorageDriver {
	case DriverMemory, DriverSQLite, DriverPostgres, DriverRedis:
	default:
		return fmt.Errorf("unknown STORAGE_DRIVER %q (want memory, sqlite, postgres or redis)", c.StorageDriver)
	}
	switch c.RefreshNotifier {
	case NotifierLocal, NotifierRedis:
	default:
		return fmt.Errorf("unknown REFRESH_NOTIFIER %q (want local or redis)", c.RefreshNotifier)
	}

	var missing []string
	if c.StorageDriver == DriverPostgres && c.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}
	if c.StorageDriver == DriverSQLite && c.SQLitePath == "" {
		missing = append(missing, "SQLITE_PATH")
	}
	if (c.StorageDriver == DriverRedis || c.RefreshNotifier == NotifierRedis) && c.RedisAddr == "" {
		missing = append(missing, "REDIS_ADDR")
	}
	if len(missing) > 0 {
		return fmt.Errorf("required environment variables are not set: %v", missing)
	}

	if c.BcryptCost < bcrypt.MinCost || c.BcryptCost > bcrypt.MaxCost {
		return fmt.Errorf("BCRYPT_COST must be between %d and %d, got %d", bcrypt.MinCost, bcrypt.MaxCost, c.BcryptCost)
	}
	if _, err := logger.ParseLevel(c.LogLevel); err != nil {
		return err
	}
	if c.MockLatency < 0 {
		return fmt.Errorf("MOCK_LATENCY must not be negative, got %s", c.MockLatency)
	}
	return nil
}

// UsesRedis はストレージまたはリフレッシュ通知でRedisを使う設定かを返す。
func (c *Config) UsesRedis() bool {
	return c.StorageDriver == DriverRedis || c.RefreshNotifier == NotifierRedis
}
