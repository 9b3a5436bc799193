// Package cache はキー/バリューストレージ上のTTL付き読み込みキャッシュを提供する。
// 期限切れのエントリはフェッチャーで取り直し、取り直しに失敗した場合は
// 期限切れの値を返す。バックグラウンドリフレッシュが有効なキーは、
// TTLごとにNotifierへリフレッシュ通知を配信する。
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/hitoshi/pickleplay/internal/repository"
)

// KeyPrefix はストレージ上でキャッシュエントリに付与する名前空間。
const KeyPrefix = "cache_"

// GenerationPrefix は無効化の世代トークンを保存する名前空間。
// KeyPrefixと重ならないため、Clearの対象にはならない。
const GenerationPrefix = "cachegen_"

// DefaultTTL はConfigを指定しない場合のTTL。
const DefaultTTL = 5 * time.Minute

// Status はキャッシュ参照の結果の種別。
type Status string

const (
	// StatusFresh はTTL内のキャッシュを返したことを表す。
	StatusFresh Status = "fresh"
	// StatusRefreshed はフェッチャーで取得した値を返したことを表す。
	StatusRefreshed Status = "refreshed"
	// StatusStale はフェッチに失敗したため期限切れの値を返したことを表す。
	StatusStale Status = "stale"
	// StatusMiss は返す値がないことを表す。
	StatusMiss Status = "miss"
)

// Config はキーごとのキャッシュ設定。
type Config struct {
	// TTL はエントリの有効期間。0の場合はサービスの既定値を使う。
	TTL time.Duration
	// BackgroundRefresh がtrueの場合、TTLごとにリフレッシュ通知を配信する。
	BackgroundRefresh bool
}

// Fetcher はキャッシュに値がない場合や期限切れの場合に値を取得する関数。
// 戻り値はJSONにエンコードして保存する。
type Fetcher func(ctx context.Context) (any, error)

// Result はキャッシュ参照の結果。
type Result struct {
	Data      json.RawMessage
	Status    Status
	Timestamp time.Time
	Version   int64
}

// MetricsRecorder はキャッシュに関するメトリクスの記録インターフェース。
type MetricsRecorder interface {
	RecordCacheResult(status string)
	RecordCacheFetchError(key string)
}

// entry はストレージに保存するキャッシュエントリ。
type entry struct {
	Data      json.RawMessage `json:"data"`
	Timestamp int64           `json:"timestamp"` // epoch millis
	Version   int64           `json:"version"`
}

type refresher struct {
	stop chan struct{}
}

// Service はTTL付きキャッシュ。
type Service struct {
	storage     repository.Storage
	generations repository.Storage
	notifier Notifier
	logger   *slog.Logger
	metrics  MetricsRecorder
	defaults Config
	now      func() time.Time

	group singleflight.Group

	mu         sync.Mutex
	versions   map[string]int64
	refreshers map[string]*refresher
	closed     bool
	wg         sync.WaitGroup
	baseCtx    context.Context
	cancel     context.CancelFunc
}

// Option はServiceの設定を変更する。
type Option func(*Service)

// WithNotifier はリフレッシュ通知の配信先を設定する。
func WithNotifier(n Notifier) Option {
	return func(s *Service) { s.notifier = n }
}

// WithLogger はロガーを設定する。
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithMetrics はメトリクスの記録先を設定する。
func WithMetrics(m MetricsRecorder) Option {
	return func(s *Service) { s.metrics = m }
}

// WithDefaultConfig はConfigを省略した場合の設定を変更する。
func WithDefaultConfig(c Config) Option {
	return func(s *Service) { s.defaults = c }
}

// WithClock は現在時刻の取得関数を差し替える。
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService はServiceを生成する。エントリはKeyPrefixを付けたキーで保存する。
func NewService(storage repository.Storage, opts ...Option) *Service {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		storage:     repository.NewPrefixedStorage(storage, KeyPrefix),
		generations: repository.NewPrefixedStorage(storage, GenerationPrefix),
		logger:     slog.Default(),
		defaults:   Config{TTL: DefaultTTL},
		now:        time.Now,
		versions:   make(map[string]int64),
		refreshers: make(map[string]*refresher),
		baseCtx:    ctx,
		cancel:     cancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.defaults.TTL <= 0 {
		s.defaults.TTL = DefaultTTL
		s.defaults.BackgroundRefresh = false
	}
	return s
}

// Set は値をキャッシュに保存する。
// TTLとバックグラウンドリフレッシュが指定されている場合はリフレッシュタイマーを張り直す。
func (s *Service) Set(ctx context.Context, key string, data any, cfg *Config) error {
	raw, err := encode(data)
	if err != nil {
		return err
	}
	_, err = s.store(ctx, key, raw, cfg)
	return err
}

func (s *Service) store(ctx context.Context, key string, raw json.RawMessage, cfg *Config) (entry, error) {
	c := s.config(cfg)

	s.mu.Lock()
	s.versions[key]++
	e := entry{Data: raw, Timestamp: s.now().UnixMilli(), Version: s.versions[key]}
	s.mu.Unlock()

	b, err := json.Marshal(e)
	if err != nil {
		return e, fmt.Errorf("failed to encode cache entry: %w", err)
	}
	if err := s.storage.SetItem(ctx, key, string(b)); err != nil {
		return e, fmt.Errorf("failed to store cache entry %s: %w", key, err)
	}

	if c.BackgroundRefresh {
		s.startRefresher(key, c.TTL)
	}
	return e, nil
}

// Get はキャッシュの値を返す。
// 値がない場合や期限切れでフェッチャーがない場合はnil, nilを返す。
func (s *Service) Get(ctx context.Context, key string, fetcher Fetcher, cfg *Config) (json.RawMessage, error) {
	res, err := s.GetWithStatus(ctx, key, fetcher, cfg)
	if err != nil {
		return nil, err
	}
	return res.Data, nil
}

// GetWithStatus はGetと同じ規則で値を返し、値の鮮度も返す。
// 同じキーへの同時のフェッチは1回にまとめる。
func (s *Service) GetWithStatus(ctx context.Context, key string, fetcher Fetcher, cfg *Config) (Result, error) {
	c := s.config(cfg)

	cached, found := s.read(ctx, key)
	if found && !s.expired(cached, c.TTL) {
		return s.result(cached, StatusFresh), nil
	}
	if fetcher == nil {
		s.record(StatusMiss)
		return Result{Status: StatusMiss}, nil
	}

	v, err, _ := s.group.Do(key, func() (any, error) {
		// 待っている間に他の呼び出しが保存していればそれを使う
		if latest, ok := s.read(ctx, key); ok && !s.expired(latest, c.TTL) {
			return latest, nil
		}
		gen := s.generation(ctx, key)
		data, err := fetcher(ctx)
		if err != nil {
			return nil, err
		}
		raw, err := encode(data)
		if err != nil {
			return nil, err
		}
		stored, err := s.commit(ctx, key, raw, cfg, gen)
		if err != nil {
			s.logger.Warn("キャッシュの保存に失敗しました",
				slog.String("key", key),
				slog.String("error", err.Error()),
			)
		}
		return stored, nil
	})
	if err != nil {
		if s.metrics != nil {
			s.metrics.RecordCacheFetchError(key)
		}
		if found {
			s.logger.Warn("フェッチに失敗したため期限切れのキャッシュを返します",
				slog.String("key", key),
				slog.String("error", err.Error()),
			)
			return s.result(cached, StatusStale), nil
		}
		s.record(StatusMiss)
		return Result{Status: StatusMiss}, err
	}
	return s.result(v.(entry), StatusRefreshed), nil
}

// Refresh はフェッチャーを実行し、結果をキャッシュに書き戻す。
// フェッチ中にInvalidateされた場合は書き戻したエントリを取り除く。
func (s *Service) Refresh(ctx context.Context, key string, fetcher Fetcher, cfg *Config) error {
	gen := s.generation(ctx, key)
	data, err := fetcher(ctx)
	if err != nil {
		return fmt.Errorf("fetch %s: %w", key, err)
	}
	raw, err := encode(data)
	if err != nil {
		return fmt.Errorf("store %s: %w", key, err)
	}
	if _, err := s.commit(ctx, key, raw, cfg, gen); err != nil {
		return fmt.Errorf("store %s: %w", key, err)
	}
	return nil
}

// Invalidate はエントリを削除し、リフレッシュタイマーを止める。
// 世代トークンを更新するため、実行中のフェッチの結果は残らない。
// 世代トークンは共有ストレージに保存するので、別プロセスのフェッチにも効く。
func (s *Service) Invalidate(ctx context.Context, key string) error {
	s.stopRefresher(key)
	s.group.Forget(key)

	var errs []error
	if err := s.generations.SetItem(ctx, key, uuid.NewString()); err != nil {
		errs = append(errs, fmt.Errorf("failed to bump generation of %s: %w", key, err))
	}
	if err := s.storage.RemoveItem(ctx, key); err != nil {
		errs = append(errs, fmt.Errorf("failed to invalidate %s: %w", key, err))
	}
	return errors.Join(errs...)
}

// generation はキーの世代トークン。okがfalseの場合は読み込めなかったことを表す。
type generation struct {
	token string
	ok    bool
}

func (s *Service) generation(ctx context.Context, key string) generation {
	token, _, err := s.generations.GetItem(ctx, key)
	if err != nil {
		s.logger.Warn("キャッシュの世代を読み込めません",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
		return generation{}
	}
	return generation{token: token, ok: true}
}

// commit はフェッチ結果を保存し、保存後に世代が変わっていないかを確かめる。
// フェッチ開始後に無効化されていた場合は、古い値が残らないようエントリを削除する。
// 保存してから確かめるので、保存と無効化が前後してもエントリは残らない。
func (s *Service) commit(ctx context.Context, key string, raw json.RawMessage, cfg *Config, before generation) (entry, error) {
	stored, err := s.store(ctx, key, raw, cfg)
	if err != nil {
		return stored, err
	}
	after := s.generation(ctx, key)
	if before.ok && after.ok && before.token == after.token {
		return stored, nil
	}

	s.logger.Debug("フェッチ中に無効化されたためキャッシュを破棄します", slog.String("key", key))
	s.stopRefresher(key)
	if err := s.storage.RemoveItem(ctx, key); err != nil {
		return stored, fmt.Errorf("failed to discard %s: %w", key, err)
	}
	return stored, nil
}

// Clear はこれまでに扱った全キーとストレージ上の全エントリを削除する。
func (s *Service) Clear(ctx context.Context) error {
	s.mu.Lock()
	keys := make(map[string]struct{}, len(s.versions))
	for k := range s.versions {
		keys[k] = struct{}{}
	}
	s.mu.Unlock()

	stored, err := s.storage.Keys(ctx, "")
	if err != nil {
		s.logger.Warn("保存済みキャッシュキーの一覧取得に失敗しました", slog.String("error", err.Error()))
	}
	for _, k := range stored {
		keys[k] = struct{}{}
	}

	var errs []error
	for k := range keys {
		if err := s.Invalidate(ctx, k); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close は全リフレッシュタイマーを止め、タイマーのゴルーチンの終了を待つ。
func (s *Service) Close() {
	s.mu.Lock()
	s.closed = true
	for key, r := range s.refreshers {
		close(r.stop)
		delete(s.refreshers, key)
	}
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
}

// RefreshingKeys はリフレッシュタイマーが動いているキーを返す。
func (s *Service) RefreshingKeys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.refreshers))
	for k := range s.refreshers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Version はキーの現在のバージョンを返す。
func (s *Service) Version(key string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.versions[key]
}

func (s *Service) startRefresher(key string, interval time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if old, ok := s.refreshers[key]; ok {
		close(old.stop)
	}
	r := &refresher{stop: make(chan struct{})}
	s.refreshers[key] = r

	s.wg.Add(1)
	go s.runRefresher(key, interval, r)
}

func (s *Service) stopRefresher(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.refreshers[key]; ok {
		close(r.stop)
		delete(s.refreshers, key)
	}
}

func (s *Service) runRefresher(key string, interval time.Duration, r *refresher) {
	defer s.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			if s.notifier == nil {
				continue
			}
			if err := s.notifier.Publish(s.baseCtx, key); err != nil {
				s.logger.Warn("リフレッシュ通知の配信に失敗しました",
					slog.String("key", key),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// read はエントリを読み込む。ストレージ障害や壊れたエントリはキャッシュなしとして扱う。
func (s *Service) read(ctx context.Context, key string) (entry, bool) {
	raw, found, err := s.storage.GetItem(ctx, key)
	if err != nil {
		s.logger.Warn("キャッシュの読み込みに失敗しました",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
		return entry{}, false
	}
	if !found {
		return entry{}, false
	}
	var e entry
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		s.logger.Warn("キャッシュエントリを解析できません",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
		return entry{}, false
	}

	s.mu.Lock()
	if e.Version > s.versions[key] {
		s.versions[key] = e.Version
	}
	s.mu.Unlock()
	return e, true
}

func (s *Service) expired(e entry, ttl time.Duration) bool {
	return s.now().UnixMilli()-e.Timestamp > ttl.Milliseconds()
}

func (s *Service) config(cfg *Config) Config {
	if cfg == nil {
		return s.defaults
	}
	c := *cfg
	if c.TTL <= 0 {
		// TTLを指定しない設定ではバックグラウンドリフレッシュしない
		c.TTL = s.defaults.TTL
		c.BackgroundRefresh = false
	}
	return c
}

func (s *Service) result(e entry, status Status) Result {
	s.record(status)
	return Result{
		Data:      e.Data,
		Status:    status,
		Timestamp: time.UnixMilli(e.Timestamp),
		Version:   e.Version,
	}
}

func (s *Service) record(status Status) {
	if s.metrics != nil {
		s.metrics.RecordCacheResult(string(status))
	}
}

func encode(data any) (json.RawMessage, error) {
	if raw, ok := data.(json.RawMessage); ok {
		if !json.Valid(raw) {
			return nil, errors.New("cache data is not valid JSON")
		}
		return raw, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to encode cache data: %w", err)
	}
	return raw, nil
}

// Fetch はGetWithStatusの結果をTにデコードして返す。
// 値がない場合はTのゼロ値とStatusMissを返す。
func Fetch[T any](ctx context.Context, s *Service, key string, fetcher func(ctx context.Context) (T, error), cfg *Config) (T, Status, error) {
	var zero T
	var f Fetcher
	if fetcher != nil {
		f = func(ctx context.Context) (any, error) { return fetcher(ctx) }
	}
	res, err := s.GetWithStatus(ctx, key, f, cfg)
	if err != nil {
		return zero, res.Status, err
	}
	if res.Data == nil {
		return zero, res.Status, nil
	}
	var v T
	if err := json.Unmarshal(res.Data, &v); err != nil {
		return zero, res.Status, fmt.Errorf("failed to decode cache data %s: %w", key, err)
	}
	return v, res.Status, nil
}
