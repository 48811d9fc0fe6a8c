package redis

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Options Redis 连接配置
type Options struct {
	Address  string
	Password string
	DB       int
	Prefix   string // 键前缀，默认 "tempinbox:"
}

// Client 封装 Redis 客户端，只提供限流计数所需的操作
type Client struct {
	rdb    *goredis.Client
	prefix string
	log    *zap.Logger
}

// New 创建新的 Redis 客户端并测试连接
func New(ctx context.Context, opts Options, log *zap.Logger) (*Client, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.Prefix == "" {
		opts.Prefix = "tempinbox:"
	}

	rdb := goredis.NewClient(&goredis.Options{
		Addr:         opts.Address,
		Password:     opts.Password,
		DB:           opts.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	log.Info("connected to Redis",
		zap.String("address", opts.Address),
		zap.Int("db", opts.DB),
	)

	return &Client{rdb: rdb, prefix: opts.Prefix, log: log}, nil
}

// Close 关闭 Redis 连接
func (c *Client) Close() error {
	if err := c.rdb.Close(); err != nil {
		c.log.Error("failed to close Redis connection", zap.Error(err))
		return err
	}
	c.log.Info("Redis connection closed")
	return nil
}

// Ping 测试 Redis 连接
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// IncrementWindow 在固定窗口内自增计数并返回当前值。
//
// 过期时间只在键首次创建时设置，窗口从第一次计数开始。
func (c *Client) IncrementWindow(ctx context.Context, key string, window time.Duration) (int64, error) {
	key = c.prefix + key

	pipe := c.rdb.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.ExpireNX(ctx, key, window)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("increment %s: %w", key, err)
	}
	return incr.Val(), nil
}
