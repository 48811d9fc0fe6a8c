package middleware

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Limiter 按键判断请求是否放行
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// BlockRecorder 记录被限流拒绝的请求
type BlockRecorder interface {
	RecordRateLimitBlock(limitType string)
}

// visitor 单个键的令牌桶
type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// MemoryLimiter 进程内的令牌桶限流，每个键独立一个桶。
type MemoryLimiter struct {
	mu        sync.Mutex
	visitors  map[string]*visitor
	limit     rate.Limit
	burst     int
	idleTTL   time.Duration
	lastPrune time.Time
}

// NewMemoryLimiter 创建每分钟最多 perMinute 次的限流器，允许一次性用满。
func NewMemoryLimiter(perMinute int) *MemoryLimiter {
	if perMinute <= 0 {
		perMinute = 1
	}
	return &MemoryLimiter{
		visitors:  make(map[string]*visitor),
		limit:     rate.Every(time.Minute / time.Duration(perMinute)),
		burst:     perMinute,
		idleTTL:   10 * time.Minute,
		lastPrune: time.Now(),
	}
}

// Allow 消耗一个令牌
func (l *MemoryLimiter) Allow(_ context.Context, key string) (bool, error) {
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.lastPrune) > l.idleTTL {
		l.pruneLocked(now)
	}

	v, ok := l.visitors[key]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.visitors[key] = v
	}
	v.lastSeen = now
	return v.limiter.AllowN(now, 1), nil
}

// pruneLocked 删除长时间没有请求的键
func (l *MemoryLimiter) pruneLocked(now time.Time) {
	for key, v := range l.visitors {
		if now.Sub(v.lastSeen) > l.idleTTL {
			delete(l.visitors, key)
		}
	}
	l.lastPrune = now
}

// Len 返回当前跟踪的键数量
func (l *MemoryLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.visitors)
}

// WindowCounter 固定窗口计数器（由 Redis 客户端实现）
type WindowCounter interface {
	IncrementWindow(ctx context.Context, key string, window time.Duration) (int64, error)
}

// WindowLimiter 基于共享计数器的固定窗口限流
type WindowLimiter struct {
	counter WindowCounter
	limit   int64
	window  time.Duration
}

// NewWindowLimiter 创建窗口内最多 limit 次的限流器
func NewWindowLimiter(counter WindowCounter, limit int, window time.Duration) *WindowLimiter {
	return &WindowLimiter{counter: counter, limit: int64(limit), window: window}
}

// Allow 计数并判断是否超出限制
func (l *WindowLimiter) Allow(ctx context.Context, key string) (bool, error) {
	n, err := l.counter.IncrementWindow(ctx, "ratelimit:"+key, l.window)
	if err != nil {
		return false, err
	}
	return n <= l.limit, nil
}

// RateLimitByIP 按客户端 IP 限流
//
// 参数:
//   - limiter: 限流实现
//   - name: 限流规则名称，同时作为键前缀与指标标签
//   - recorder: 指标记录，可为 nil
//   - log: 日志记录器
//
// 计数后端出错时放行请求并记录警告。
func RateLimitByIP(limiter Limiter, name string, recorder BlockRecorder, log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		ip := c.ClientIP()
		allowed, err := limiter.Allow(c.Request.Context(), name+":"+ip)
		if err != nil {
			log.Warn("rate limiter unavailable, request allowed",
				zap.String("rule", name),
				zap.Error(err))
			c.Next()
			return
		}
		if !allowed {
			if recorder != nil {
				recorder.RecordRateLimitBlock(name)
			}
			log.Info("rate limit exceeded", zap.String("rule", name), zap.String("ip", ip))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"code": http.StatusTooManyRequests,
				"msg":  "请求过于频繁，请稍后再试",
			})
			return
		}
		c.Next()
	}
}
