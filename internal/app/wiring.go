package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/hitoshi/pickleplay/internal/booking"
	"github.com/hitoshi/pickleplay/internal/cache"
	"github.com/hitoshi/pickleplay/internal/config"
	"github.com/hitoshi/pickleplay/internal/database"
	"github.com/hitoshi/pickleplay/internal/handler"
	"github.com/hitoshi/pickleplay/internal/logger"
	"github.com/hitoshi/pickleplay/internal/metrics"
	"github.com/hitoshi/pickleplay/internal/middleware"
	"github.com/hitoshi/pickleplay/internal/model"
	"github.com/hitoshi/pickleplay/internal/repository"
	"github.com/hitoshi/pickleplay/internal/security"
	"github.com/hitoshi/pickleplay/internal/worker/refresh"
)

// components はserve/worker/resetで共有する依存関係一式。
type components struct {
	cfg    *config.Config
	logger *slog.Logger

	storage  repository.Storage
	health   repository.HealthChecker
	registry *prometheus.Registry
	metrics  *metrics.Collector

	engine     *booking.Engine
	cache      *cache.Service
	gamesCache *cache.Config
	worker     *refresh.Worker

	closers []func() error
}

// buildComponents は設定に従ってストレージ、エンジン、キャッシュ、ワーカーを組み立てる。
// 失敗した場合は途中まで開いた接続を閉じる。
func buildComponents(ctx context.Context, cfg *config.Config, log *slog.Logger) (*components, error) {
	c := &components{cfg: cfg, logger: log, registry: prometheus.NewRegistry()}
	if err := c.build(ctx); err != nil {
		_ = c.Close()
		return nil, err
	}
	return c, nil
}

func (c *components) build(ctx context.Context) error {
	cfg, log := c.cfg, c.logger

	c.metrics = metrics.NewCollector(c.registry)

	// 1. Redis（ストレージまたは通知で使う場合のみ）
	var rdb *redis.Client
	if cfg.UsesRedis() {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		c.closers = append(c.closers, rdb.Close)
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		log.Info("redis connection established", slog.String("addr", cfg.RedisAddr))
	}

	// 2. ストレージ
	if err := c.openStorage(ctx, rdb); err != nil {
		return err
	}

	// 3. ゲームカタログ
	catalog := booking.DefaultCatalog()
	if cfg.GamesFile != "" {
		var err error
		if catalog, err = booking.LoadCatalogFile(cfg.GamesFile); err != nil {
			return err
		}
	}

	// 4. ブッキングエンジン
	c.engine = booking.NewEngine(c.storage, catalog,
		booking.WithLatency(cfg.MockLatency),
		booking.WithLogger(logger.Component(log, "booking")),
		booking.WithMetrics(c.metrics),
		booking.WithBcryptCost(cfg.BcryptCost),
		booking.WithEmailValidator(security.NewEmailPolicy(cfg.BlockedEmailDomains)),
	)

	// 5. キャッシュとリフレッシュ通知
	var notifier cache.Notifier = cache.NewLocalNotifier()
	if cfg.RefreshNotifier == config.NotifierRedis {
		notifier = cache.NewRedisNotifier(rdb, cache.RefreshChannel, logger.Component(log, "notifier"))
	}
	c.cache = cache.NewService(c.storage,
		cache.WithNotifier(notifier),
		cache.WithLogger(logger.Component(log, "cache")),
		cache.WithMetrics(c.metrics),
		cache.WithDefaultConfig(cache.Config{TTL: cfg.CacheDefaultTTL}),
	)
	c.closers = append(c.closers, func() error { c.cache.Close(); return nil })
	c.gamesCache = &cache.Config{TTL: cfg.GamesCacheTTL, BackgroundRefresh: true}

	// 6. リフレッシュワーカー
	c.worker = refresh.NewWorker(c.cache, notifier, logger.Component(log, "refresh"), c.metrics, cfg.RefreshMaxConcurrent)
	c.worker.Register(handler.GamesCacheKey, gamesFetcher(c.engine), c.gamesCache)

	return nil
}

// gamesFetcher はゲーム一覧キャッシュのリフレッシュ用フェッチャーを返す。
// workerプロセスのEngineは予約を受け付けないため、毎回ストレージから読み直す。
func gamesFetcher(engine *booking.Engine) cache.Fetcher {
	return func(ctx context.Context) (any, error) {
		return engine.ListCurrentGames(ctx, model.GameFilter{})
	}
}

// openStorage はSTORAGE_DRIVERに応じたストレージを開く。
func (c *components) openStorage(ctx context.Context, rdb *redis.Client) error {
	cfg := c.cfg
	switch cfg.StorageDriver {
	case config.DriverMemory:
		s := repository.NewMemoryStorage()
		c.storage, c.health = s, s

	case config.DriverSQLite:
		db, err := database.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return err
		}
		c.closers = append(c.closers, db.Close)
		s, err := repository.NewSQLiteStorage(ctx, db)
		if err != nil {
			return err
		}
		c.storage, c.health = s, s

	case config.DriverPostgres:
		db, err := database.Open(cfg.DatabaseURL)
		if err != nil {
			return err
		}
		c.closers = append(c.closers, db.Close)
		if err := db.PingContext(ctx); err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		version, dirty, err := database.MigrationVersion(cfg.DatabaseURL)
		if err != nil {
			return err
		}
		if version == 0 || dirty {
			return fmt.Errorf("database schema is not ready (version=%d dirty=%t): run the migrate command first", version, dirty)
		}
		s := repository.NewPostgresStorage(db)
		c.storage, c.health = s, s

	case config.DriverRedis:
		s := repository.NewRedisStorage(rdb, cfg.RedisKeyPrefix)
		c.storage, c.health = s, s

	default:
		return fmt.Errorf("unknown storage driver %q", cfg.StorageDriver)
	}

	c.logger.Info("storage opened", slog.String("driver", cfg.StorageDriver))
	return nil
}

// router はHTTPルーターを構築する。返されたRateLimiterは呼び出し側で停止すること。
func (c *components) router() (http.Handler, *middleware.RateLimiter) {
	rl := middleware.NewRateLimiter(middleware.NewRateLimiterConfig(c.cfg.RateLimitGeneral), c.logger)
	return handler.NewRouter(&handler.RouterDeps{
		Logger:            c.logger,
		CORSAllowedOrigin: c.cfg.CORSAllowedOrigin,
		RateLimiter:       rl,
		StatusMetrics:     c.metrics,
		Service:           c.engine,
		Cache:             c.cache,
		GamesCacheConf:    c.gamesCache,
		Health:            c.health,
		MetricsHandler:    metrics.Handler(c.registry),
	}), rl
}

// Close は開いた接続を逆順に閉じる。
func (c *components) Close() error {
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	c.closers = nil
	return errors.Join(errs...)
}
