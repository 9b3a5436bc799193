package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/hitoshi/pickleplay/internal/config"
	"github.com/hitoshi/pickleplay/internal/database"
	"github.com/hitoshi/pickleplay/internal/logger"
	"github.com/hitoshi/pickleplay/internal/metrics"
)

// shutdownTimeout はグレースフルシャットダウンの待ち時間。
const shutdownTimeout = 30 * time.Second

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、LOG_LEVELに従ってJSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, *slog.Logger, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w, slog.LevelInfo)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	// 3. 設定のログレベルで作り直す（LoadでLOG_LEVELは検証済み）
	level, _ := logger.ParseLevel(cfg.LogLevel)
	return cfg, logger.SetupDefault(w, level), nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。SIGINTまたはSIGTERMで停止する。
func Run(w io.Writer, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return RunContext(ctx, w, args)
}

// RunContext はctxがキャンセルされるまでサブコマンドを実行する。
func RunContext(ctx context.Context, w io.Writer, args []string) error {
	cmd, err := ParseCommand(args)
	if err != nil {
		return err
	}

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(ctx, port)
	}

	cfg, log, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	log.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("storage_driver", cfg.StorageDriver),
		slog.String("refresh_notifier", cfg.RefreshNotifier),
		slog.String("port", cfg.ServerPort),
	)

	switch cmd {
	case CommandWorker:
		return runWorker(ctx, cfg, log)
	case CommandMigrate:
		return runMigrate(ctx, cfg, log)
	case CommandReset:
		return runReset(ctx, cfg, log)
	default:
		return runServe(ctx, cfg, log)
	}
}

// runServe はAPIサーバーモードで起動する。
// 依存関係をワイヤリングし、リフレッシュワーカーとHTTPサーバーを起動する。
// ctxがキャンセルされるとグレースフルシャットダウンを行う。
func runServe(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	comps, err := buildComponents(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer comps.Close()

	ln, err := net.Listen("tcp", ":"+cfg.ServerPort)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	return serve(ctx, ln, comps)
}

// serve はlnでHTTPサーバーを動かし、同じプロセスでリフレッシュワーカーを動かす。
func serve(ctx context.Context, ln net.Listener, comps *components) error {
	log := comps.logger
	router, rl := comps.router()
	defer rl.Stop()

	workerCtx, stopWorker := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := comps.worker.Start(workerCtx, comps.cfg.RefreshInterval); err != nil {
			log.Error("refresh worker failed", slog.String("error", err.Error()))
		}
	}()
	defer func() {
		stopWorker()
		wg.Wait()
	}()

	server := &http.Server{
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15*time.Second + comps.cfg.MockLatency,
		IdleTimeout:  60 * time.Second,
	}

	log.Info("API server starting", slog.String("addr", ln.Addr().String()))
	if err := runHTTPServer(ctx, server, ln); err != nil {
		return err
	}

	log.Info("API server stopped gracefully")
	return nil
}

// runHTTPServer はctxがキャンセルされるまでserverを動かし、グレースフルシャットダウンする。
func runHTTPServer(ctx context.Context, server *http.Server, ln net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server listen error: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	return nil
}

// runWorker はワーカーモードで起動する。
// 共有ストレージのキャッシュをリフレッシュ通知とREFRESH_INTERVALごとに更新する。
// SERVER_PORTでは/metricsのみを提供する。
func runWorker(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	if cfg.RefreshNotifier != config.NotifierRedis {
		log.Warn("worker is running with the local notifier; only interval refreshes will run")
	}

	comps, err := buildComponents(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer comps.Close()

	// ワーカー単独でもPrometheusのスクレイプを受けられるようにする
	ln, err := net.Listen("tcp", ":"+cfg.ServerPort)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	metricsServer := &http.Server{
		Handler:     metrics.SetupMetricsRoute(comps.registry),
		ReadTimeout: 15 * time.Second,
	}
	metricsCtx, stopMetrics := context.WithCancel(ctx)
	defer stopMetrics()
	metricsDone := make(chan error, 1)
	go func() {
		log.Info("metrics server starting", slog.String("addr", ln.Addr().String()))
		metricsDone <- runHTTPServer(metricsCtx, metricsServer, ln)
	}()

	workerErr := comps.worker.Start(ctx, cfg.RefreshInterval)
	stopMetrics()
	if err := <-metricsDone; err != nil {
		log.Error("metrics server failed", slog.String("error", err.Error()))
	}
	if workerErr != nil {
		return workerErr
	}

	log.Info("worker stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// postgresはgolang-migrateで未適用マイグレーションを適用する。
// sqliteはテーブルを作成する。memoryとredisは何もしない。
func runMigrate(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	switch cfg.StorageDriver {
	case config.DriverPostgres:
		log.Info("running database migrations",
			slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
		)
		if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	case config.DriverSQLite:
		comps, err := buildComponents(ctx, cfg, log)
		if err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
		defer comps.Close()
	default:
		log.Info("storage driver has no schema, nothing to migrate", slog.String("driver", cfg.StorageDriver))
		return nil
	}

	log.Info("database migrations completed successfully")
	return nil
}

// runReset はストレージ上のブッキング状態とキャッシュを全削除する。
// 開発中にアプリの状態を初期化するためのサブコマンド。
func runReset(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	comps, err := buildComponents(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer comps.Close()

	if err := comps.cache.Clear(ctx); err != nil {
		return fmt.Errorf("failed to clear cache: %w", err)
	}
	if err := comps.storage.ClearAll(ctx); err != nil {
		return fmt.Errorf("failed to clear storage: %w", err)
	}

	log.Info("storage reset", slog.String("driver", cfg.StorageDriver))
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(ctx context.Context, port string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("http://localhost:%s/health", port), nil)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLのパスワードをマスクする。
func maskDatabaseURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "***"
	}
	return u.Redacted()
}
