// Package rediscache is a Redis-backed sessioncache.Cache. The session
// is stored as a single JSON value with a TTL matching the token
// expiry, and every write is announced on a pub/sub channel so other
// processes observe sign-ins and sign-outs as they happen.
package rediscache

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"

	"github.com/answerly/sessiongate-go/identity"
	"github.com/answerly/sessiongate-go/sessioncache"
)

// clearedPayload is published when the session is cleared. Subscribers
// translate it to a nil session.
const clearedPayload = "{}"

// Config for the Redis-backed cache. Defaults can be loaded via
// envdecode.
type Config struct {
	// RedisAddr like "localhost:6379". ENV: REDIS_ADDR
	RedisAddr string `env:"REDIS_ADDR,default=localhost:6379"`
	// Key under which the session JSON is stored. ENV: SESSIONGATE_CACHE_KEY
	Key string `env:"SESSIONGATE_CACHE_KEY,default=sessiongate:session"`
	// ExpiryMargin keeps the cached value alive slightly past token
	// expiry so a refresh in flight does not race the eviction.
	// ENV: SESSIONGATE_CACHE_EXPIRY_MARGIN
	ExpiryMargin time.Duration `env:"SESSIONGATE_CACHE_EXPIRY_MARGIN,default=5m"`
}

type Cache struct {
	client *redis.Client
	cfg    Config
	log    *slog.Logger
}

func New(cfg Config, log *slog.Logger) (*Cache, error) {
	if cfg.RedisAddr == "" {
		cfg.RedisAddr = "localhost:6379"
	}
	if cfg.Key == "" {
		cfg.Key = "sessiongate:session"
	}
	if log == nil {
		log = slog.Default()
	}
	cl := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	if err := cl.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("rediscache: ping: %w", err)
	}
	return &Cache{client: cl, cfg: cfg, log: log}, nil
}

// NewFromEnv builds a Cache using envdecode to populate Config.
func NewFromEnv(log *slog.Logger) (*Cache, error) {
	var cfg Config
	_ = envdecode.Decode(&cfg)
	return New(cfg, log)
}

var _ sessioncache.Cache = (*Cache)(nil)
var _ sessioncache.Watcher = (*Cache)(nil)

func (c *Cache) channel() string { return c.cfg.Key + ":changes" }

func (c *Cache) Load(ctx context.Context) (*identity.Session, error) {
	data, err := c.client.Get(ctx, c.cfg.Key).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("rediscache: get: %w", err)
	}
	return sessioncache.Decode(data)
}

func (c *Cache) Save(ctx context.Context, sess *identity.Session) error {
	data, err := sessioncache.Encode(sess)
	if err != nil {
		return err
	}
	var ttl time.Duration
	if !sess.ExpiresAt.IsZero() {
		ttl = time.Until(sess.ExpiresAt) + c.cfg.ExpiryMargin
		if ttl <= 0 {
			return fmt.Errorf("rediscache: refusing to cache expired session")
		}
	}
	if err := c.client.Set(ctx, c.cfg.Key, data, ttl).Err(); err != nil {
		return fmt.Errorf("rediscache: set: %w", err)
	}
	// Best-effort announce; a missed publish only delays convergence
	// until the next explicit Load.
	if err := c.client.Publish(ctx, c.channel(), data).Err(); err != nil {
		c.log.Warn("session change publish failed", "err", err)
	}
	return nil
}

func (c *Cache) Clear(ctx context.Context) error {
	if err := c.client.Del(ctx, c.cfg.Key).Err(); err != nil {
		return fmt.Errorf("rediscache: del: %w", err)
	}
	if err := c.client.Publish(ctx, c.channel(), clearedPayload).Err(); err != nil {
		c.log.Warn("session clear publish failed", "err", err)
	}
	return nil
}

func (c *Cache) Close() error { return c.client.Close() }

// Watch subscribes to the announcement channel and invokes handler for
// every externally published change.
func (c *Cache) Watch(ctx context.Context, handler func(sess *identity.Session)) (func(), error) {
	pubsub := c.client.Subscribe(ctx, c.channel())
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("rediscache: subscribe: %w", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				if msg.Payload == clearedPayload {
					handler(nil)
					continue
				}
				sess, err := sessioncache.Decode([]byte(msg.Payload))
				if err != nil {
					c.log.Warn("undecodable session change payload", "err", err)
					continue
				}
				handler(sess)
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			_ = pubsub.Close()
			<-done
		})
	}, nil
}
