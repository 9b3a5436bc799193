package cache

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"
)

// RefreshChannel はキャッシュのリフレッシュ通知に使うRedisのチャネル名。
const RefreshChannel = "pickleplay:cache:refresh"

// Handler はリフレッシュ通知を受け取る関数。
type Handler func(key string)

// Subscription は通知の購読。Closeで購読を解除する。
type Subscription interface {
	Close() error
}

// Notifier はキャッシュキーのリフレッシュ通知を配信するインターフェース。
type Notifier interface {
	// Publish はキーのリフレッシュ通知を配信する。
	Publish(ctx context.Context, key string) error
	// Subscribe は通知の購読を開始する。
	Subscribe(ctx context.Context, handler Handler) (Subscription, error)
}

// LocalNotifier はプロセス内で通知を配信する。
// Publishは登録済みのハンドラーを呼び出し元のゴルーチンで順に呼び出す。
type LocalNotifier struct {
	mu       sync.RWMutex
	nextID   int
	handlers map[int]Handler
}

// NewLocalNotifier はLocalNotifierを生成する。
func NewLocalNotifier() *LocalNotifier {
	return &LocalNotifier{handlers: make(map[int]Handler)}
}

// Publish は全ハンドラーにキーを通知する。
func (n *LocalNotifier) Publish(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	n.mu.RLock()
	handlers := make([]Handler, 0, len(n.handlers))
	for _, h := range n.handlers {
		handlers = append(handlers, h)
	}
	n.mu.RUnlock()

	for _, h := range handlers {
		h(key)
	}
	return nil
}

// Subscribe はハンドラーを登録する。
func (n *LocalNotifier) Subscribe(_ context.Context, handler Handler) (Subscription, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	id := n.nextID
	n.nextID++
	n.handlers[id] = handler
	return &localSubscription{notifier: n, id: id}, nil
}

type localSubscription struct {
	notifier *LocalNotifier
	id       int
	once     sync.Once
}

func (s *localSubscription) Close() error {
	s.once.Do(func() {
		s.notifier.mu.Lock()
		defer s.notifier.mu.Unlock()
		delete(s.notifier.handlers, s.id)
	})
	return nil
}

// RedisNotifier はRedisのPub/Subで通知を配信する。
// 複数プロセス（serveとworker）で同じキャッシュを温める場合に使用する。
type RedisNotifier struct {
	rdb     *redis.Client
	channel string
	logger  *slog.Logger
}

// NewRedisNotifier はRedisNotifierを生成する。channelが空の場合はRefreshChannelを使う。
func NewRedisNotifier(rdb *redis.Client, channel string, logger *slog.Logger) *RedisNotifier {
	if channel == "" {
		channel = RefreshChannel
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisNotifier{rdb: rdb, channel: channel, logger: logger}
}

// Publish はキーをチャネルに配信する。
func (n *RedisNotifier) Publish(ctx context.Context, key string) error {
	if err := n.rdb.Publish(ctx, n.channel, key).Err(); err != nil {
		return fmt.Errorf("failed to publish refresh notification: %w", err)
	}
	return nil
}

// Subscribe はチャネルを購読し、受信したキーごとにハンドラーを呼び出す。
// 購読の確立を待ってから返る。
func (n *RedisNotifier) Subscribe(ctx context.Context, handler Handler) (Subscription, error) {
	ps := n.rdb.Subscribe(ctx, n.channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("failed to subscribe %s: %w", n.channel, err)
	}

	sub := &redisSubscription{ps: ps, done: make(chan struct{})}
	go func() {
		defer close(sub.done)
		for msg := range ps.Channel() {
			handler(msg.Payload)
		}
		n.logger.Info("リフレッシュ通知の購読を終了しました", slog.String("channel", n.channel))
	}()
	return sub, nil
}

type redisSubscription struct {
	ps   *redis.PubSub
	done chan struct{}
	once sync.Once
	err  error
}

// Close は購読を解除し、受信ゴルーチンの終了を待つ。
func (s *redisSubscription) Close() error {
	s.once.Do(func() {
		s.err = s.ps.Close()
		<-s.done
	})
	return s.err
}

// compile-time interface check
var (
	_ Notifier = (*LocalNotifier)(nil)
	_ Notifier = (*RedisNotifier)(nil)
)
