// Package refresh はキャッシュのバックグラウンドリフレッシュ処理を提供する。
// リフレッシュ通知を受け取ったキーのフェッチャーを実行し、結果をキャッシュに書き戻す。
package refresh

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/hitoshi/pickleplay/internal/cache"
)

// defaultMaxConcurrency はmaxConcurrencyが0以下の場合の並列数。
const defaultMaxConcurrency = 4

// notificationBuffer は処理待ちの通知を保持できる数。
const notificationBuffer = 64

// CacheWriter はリフレッシュ結果を書き戻すキャッシュのインターフェース。
// Refreshはフェッチ中に無効化されたキーの結果を残してはならない。
type CacheWriter interface {
	Refresh(ctx context.Context, key string, fetcher cache.Fetcher, cfg *cache.Config) error
}

// MetricsRecorder はリフレッシュに関するメトリクスの記録インターフェース。
type MetricsRecorder interface {
	RecordRefreshRun(key string, err error)
	RecordRefreshLatency(duration time.Duration)
}

// job は登録済みキーのフェッチャーと設定。
type job struct {
	fetcher cache.Fetcher
	config  *cache.Config
}

// Worker はリフレッシュ通知に応じてキャッシュを取り直す。
// semaphoreパターンで最大並列数を制御し、同じキーのリフレッシュは同時に1つだけ実行する。
type Worker struct {
	cache          CacheWriter
	notifier       cache.Notifier
	logger         *slog.Logger
	metrics        MetricsRecorder
	maxConcurrency int

	mu       sync.Mutex
	jobs     map[string]job
	inflight map[string]bool
}

// NewWorker はWorkerの新しいインスタンスを生成する。
// maxConcurrencyが0以下の場合はデフォルト値4を使用する。
func NewWorker(
	c CacheWriter,
	notifier cache.Notifier,
	logger *slog.Logger,
	metrics MetricsRecorder,
	maxConcurrency int,
) *Worker {
	if maxConcurrency <= 0 {
		maxConcurrency = defaultMaxConcurrency
	}
	return &Worker{
		cache:          c,
		notifier:       notifier,
		logger:         logger,
		metrics:        metrics,
		maxConcurrency: maxConcurrency,
		jobs:           make(map[string]job),
		inflight:       make(map[string]bool),
	}
}

// Register はキーのフェッチャーを登録する。同じキーは上書きする。
func (w *Worker) Register(key string, fetcher cache.Fetcher, cfg *cache.Config) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.jobs[key] = job{fetcher: fetcher, config: cfg}
}

// Keys は登録済みのキーを返す。
func (w *Worker) Keys() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	keys := make([]string, 0, len(w.jobs))
	for k := range w.jobs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Refresh は指定キーのフェッチャーを実行し、結果をキャッシュに書き戻す。
// 未登録のキーはエラーにする。
func (w *Worker) Refresh(ctx context.Context, key string) error {
	w.mu.Lock()
	j, ok := w.jobs[key]
	w.mu.Unlock()
	if !ok {
		return fmt.Errorf("no fetcher registered for %q", key)
	}

	start := time.Now()
	err := w.run(ctx, key, j)
	if w.metrics != nil {
		w.metrics.RecordRefreshRun(key, err)
		w.metrics.RecordRefreshLatency(time.Since(start))
	}
	if err != nil {
		w.logger.Error("キャッシュのリフレッシュに失敗しました",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
		return err
	}
	w.logger.Debug("キャッシュをリフレッシュしました",
		slog.String("key", key),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	return nil
}

func (w *Worker) run(ctx context.Context, key string, j job) error {
	return w.cache.Refresh(ctx, key, j.fetcher, j.config)
}

// RunOnce は登録済みの全キーを並列でリフレッシュする。
// semaphoreパターンで最大並列数を制御する。
func (w *Worker) RunOnce(ctx context.Context) error {
	keys := w.Keys()
	if len(keys) == 0 {
		w.logger.Info("リフレッシュ対象のキーはありません")
		return nil
	}

	start := time.Now()
	sem := make(chan struct{}, w.maxConcurrency)
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)

	for _, key := range keys {
		wg.Add(1)
		sem <- struct{}{} // semaphore取得（ブロック）

		go func(k string) {
			defer wg.Done()
			defer func() { <-sem }() // semaphore解放

			if err := w.Refresh(ctx, k); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}(key)
	}

	wg.Wait()

	w.logger.Info("リフレッシュサイクルが完了しました",
		slog.Int("key_count", len(keys)),
		slog.Int("failed", len(errs)),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	return errors.Join(errs...)
}

// Start は通知の購読を開始し、コンテキストがキャンセルされるまで通知を処理する。
// 起動直後に登録済みの全キーを1回リフレッシュする。
// intervalが正の場合は通知とは別にその間隔で全キーをリフレッシュする。
func (w *Worker) Start(ctx context.Context, interval time.Duration) error {
	notifications := make(chan string, notificationBuffer)
	sub, err := w.notifier.Subscribe(ctx, func(key string) {
		select {
		case notifications <- key:
		default:
			w.logger.Warn("リフレッシュ通知が溢れたため破棄しました", slog.String("key", key))
		}
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe refresh notifications: %w", err)
	}
	defer sub.Close()

	w.logger.Info("リフレッシュワーカーを開始しました",
		slog.Duration("interval", interval),
		slog.Int("max_concurrency", w.maxConcurrency),
		slog.Int("keys", len(w.Keys())),
	)

	// 起動直後に1回実行
	_ = w.RunOnce(ctx)

	var tick <-chan time.Time
	if interval > 0 {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	sem := make(chan struct{}, w.maxConcurrency)
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("リフレッシュワーカーを停止しました")
			return nil
		case <-tick:
			_ = w.RunOnce(ctx)
		case key := <-notifications:
			if !w.claim(key) {
				continue
			}
			wg.Add(1)
			go func(k string) {
				defer wg.Done()
				defer w.release(k)

				select {
				case sem <- struct{}{}:
				case <-ctx.Done():
					return
				}
				defer func() { <-sem }()

				_ = w.Refresh(ctx, k)
			}(key)
		}
	}
}

// claim は登録済みで実行中でないキーを実行中にする。
func (w *Worker) claim(key string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.jobs[key]; !ok {
		w.logger.Debug("未登録のキーへの通知を無視しました", slog.String("key", key))
		return false
	}
	if w.inflight[key] {
		return false
	}
	w.inflight[key] = true
	return true
}

func (w *Worker) release(key string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.inflight, key)
}

// compile-time interface check
var _ CacheWriter = (*cache.Service)(nil)
