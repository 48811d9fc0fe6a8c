package session

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// SweepResult 一次清理的结果。
type SweepResult struct {
	Sessions []string // 被删除的会话ID
	Messages int      // 被清理的过期邮件数
	Tokens   int      // 被清理的过期附件令牌数
}

// Empty 本次清理是否什么都没有删除。
func (r SweepResult) Empty() bool {
	return len(r.Sessions) == 0 && r.Messages == 0 && r.Tokens == 0
}

// Sweeper 过期清理器：删除过期会话、过期邮件和过期附件令牌。不做任何 I/O。
type Sweeper struct {
	store     *Store
	log       *zap.Logger
	onExpired func(ids []string)
	observe   func(SweepResult)
}

// NewSweeper 创建清理器。
//
// 参数:
//   - store: 会话存储
//   - onExpired: 会话被删除后的回调（通常交给轮询编排器释放任务并通知订阅者），可为 nil
//   - log: 日志记录器
func NewSweeper(store *Store, onExpired func(ids []string), log *zap.Logger) *Sweeper {
	if log == nil {
		log = zap.NewNop()
	}
	return &Sweeper{
		store:     store,
		log:       log,
		onExpired: onExpired,
	}
}

// Observe 注册每轮清理结束后的回调，用于记录指标。须在 Run 之前调用。
func (w *Sweeper) Observe(fn func(SweepResult)) {
	w.observe = fn
}

// Sweep 执行一次完整清理。
func (w *Sweeper) Sweep() SweepResult {
	result := SweepResult{
		Sessions: w.store.SweepSessions(),
	}
	for _, id := range w.store.IDs() {
		n, err := w.store.PruneExpired(id)
		if err != nil {
			// 会话在两步之间过期，下一轮会被删除
			continue
		}
		result.Messages += n
	}
	result.Tokens = w.store.SweepTokens()

	if len(result.Sessions) > 0 && w.onExpired != nil {
		w.onExpired(result.Sessions)
	}
	if w.observe != nil {
		w.observe(result)
	}
	return result
}

// Run 按固定间隔执行清理，直到 ctx 结束。
func (w *Sweeper) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	w.log.Info("starting expiry sweeper", zap.Duration("interval", interval))

	for {
		select {
		case <-ctx.Done():
			w.log.Info("expiry sweeper stopped")
			return
		case <-ticker.C:
			result := w.Sweep()
			if result.Empty() {
				continue
			}
			w.log.Info("expired entries swept",
				zap.Int("sessions", len(result.Sessions)),
				zap.Int("messages", result.Messages),
				zap.Int("tokens", result.Tokens),
			)
		}
	}
}
