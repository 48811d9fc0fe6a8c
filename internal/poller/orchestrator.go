package poller

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"tempinbox/backend/internal/broadcast"
	"tempinbox/backend/internal/domain"
	"tempinbox/backend/internal/pool"
)

// 推送给客户端的错误文案
const (
	MsgSessionNotFound = "Session not found"
	MsgSyncFailed      = "Unable to sync inbox"
)

// 刷新结果分类，用于指标
const (
	OutcomeSuccess = "success"
	OutcomeError   = "error"
	OutcomeExpired = "expired"
	OutcomeStale   = "stale"
	// OutcomeDropped 任务在刷新期间已被拆除，结果不再推送
	OutcomeDropped = "dropped"
)

// SessionLookup 查询会话是否仍然存在。
type SessionLookup interface {
	Get(id string) (domain.Session, error)
}

// Refresher 从上游刷新会话的收件箱，返回刷新后的邮件列表。
type Refresher interface {
	Refresh(ctx context.Context, sessionID string) ([]domain.Message, error)
}

// Metrics 轮询指标。
type Metrics interface {
	SetActivePollers(n int)
	ObservePoll(outcome string, d time.Duration)
}

type nopMetrics struct{}

func (nopMetrics) SetActivePollers(int) {}
func (nopMetrics) ObservePoll(string, time.Duration) {}

// Options 编排器配置
type Options struct {
	Interval     time.Duration // 轮询间隔
	FetchTimeout time.Duration // 单次刷新超时
	Metrics      Metrics
	Logger       *zap.Logger
}

// task 单个会话的轮询任务。
type task struct {
	sessionID string
	ctx       context.Context
	cancel    context.CancelFunc
	runMu     sync.Mutex  // 串行化同一会话的刷新，保证推送顺序与完成顺序一致
	running   atomic.Bool // 定时 tick 是否已在排队或执行
}

// Orchestrator 轮询编排器：按会话维护订阅引用计数，每个被订阅的会话恰好一个轮询任务。
//
// 引用计数、任务表和连接加入记录都由 mu 保护。
type Orchestrator struct {
	sessions  SessionLookup
	refresher Refresher
	broker    *broadcast.Broker
	pool      *pool.WorkerPool
	metrics   Metrics
	log       *zap.Logger
	interval  time.Duration
	timeout   time.Duration

	mu        sync.Mutex
	refCounts map[string]int
	tasks     map[string]*task
	joins     map[string]map[string]int // connID -> sessionID -> 加入次数
}

// New 创建轮询编排器。
//
// 参数:
//   - sessions: 会话查询
//   - refresher: 收件箱刷新
//   - broker: 广播通道，房间以会话ID为主题
//   - workers: 执行定时 tick 的协程池
//   - opts: 轮询间隔、超时、指标与日志
func New(sessions SessionLookup, refresher Refresher, broker *broadcast.Broker, workers *pool.WorkerPool, opts Options) *Orchestrator {
	if opts.Interval <= 0 {
		opts.Interval = 7 * time.Second
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = 5 * time.Second
	}
	if opts.Metrics == nil {
		opts.Metrics = nopMetrics{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Orchestrator{
		sessions:  sessions,
		refresher: refresher,
		broker:    broker,
		pool:      workers,
		metrics:   opts.Metrics,
		log:       opts.Logger,
		interval:  opts.Interval,
		timeout:   opts.FetchTimeout,
		refCounts: make(map[string]int),
		tasks:     make(map[string]*task),
		joins:     make(map[string]map[string]int),
	}
}

// Join 连接加入会话房间。
//
// 会话不存在时只向该连接发送 session:error 并返回 ErrSessionNotFound；
// 否则增加引用计数，必要时启动轮询任务，并立即刷新一次推送当前收件箱。
func (o *Orchestrator) Join(ctx context.Context, conn broadcast.Subscriber, sessionID string) error {
	if _, err := o.sessions.Get(sessionID); err != nil {
		conn.Deliver(broadcast.SessionError(MsgSessionNotFound))
		return domain.ErrSessionNotFound
	}

	connID := conn.ID()

	o.mu.Lock()
	joined := o.joins[connID]
	if joined == nil {
		joined = make(map[string]int)
		o.joins[connID] = joined
	}
	if joined[sessionID] == 0 {
		o.broker.Subscribe(sessionID, conn)
	}
	joined[sessionID]++
	o.refCounts[sessionID]++

	t, ok := o.tasks[sessionID]
	if !ok {
		t = o.startLocked(sessionID)
	}
	o.mu.Unlock()

	o.log.Debug("connection joined session",
		zap.String("conn", connID),
		zap.String("session", sessionID))

	o.runTick(ctx, t, true)
	return nil
}

// Leave 连接离开会话房间。连接从未加入时什么也不做。
func (o *Orchestrator) Leave(connID, sessionID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.releaseLocked(connID, sessionID, 1)
}

// Disconnect 连接断开，释放它加入过的全部会话。
func (o *Orchestrator) Disconnect(connID string) {
	o.mu.Lock()
	defer o.mu.Unlock()

	for sessionID, n := range o.joins[connID] {
		o.releaseLocked(connID, sessionID, n)
	}
	delete(o.joins, connID)
}

// Expire 通知会话已过期并停止其轮询任务，由过期清理器回调。
func (o *Orchestrator) Expire(ids []string) {
	for _, id := range ids {
		o.broker.Publish(id, broadcast.SessionExpired())

		o.mu.Lock()
		if t, ok := o.tasks[id]; ok {
			o.teardownLocked(t)
		}
		o.mu.Unlock()
	}
}

// Shutdown 停止所有轮询任务。
func (o *Orchestrator) Shutdown() {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, t := range o.tasks {
		o.teardownLocked(t)
	}
}

// ActiveTasks 返回当前运行中的轮询任务数。
func (o *Orchestrator) ActiveTasks() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.tasks)
}

// RefCount 返回会话当前的订阅引用计数。
func (o *Orchestrator) RefCount(sessionID string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.refCounts[sessionID]
}

func (o *Orchestrator) startLocked(sessionID string) *task {
	ctx, cancel := context.WithCancel(context.Background())
	t := &task{sessionID: sessionID, ctx: ctx, cancel: cancel}
	o.tasks[sessionID] = t
	o.metrics.SetActivePollers(len(o.tasks))

	go o.loop(t)
	return t
}

// releaseLocked 释放连接对会话的 n 次加入。
func (o *Orchestrator) releaseLocked(connID, sessionID string, n int) {
	joined := o.joins[connID]
	have := joined[sessionID]
	if have == 0 {
		return
	}
	if n > have {
		n = have
	}
	if have-n == 0 {
		delete(joined, sessionID)
		if len(joined) == 0 {
			delete(o.joins, connID)
		}
		o.broker.Unsubscribe(sessionID, connID)
	} else {
		joined[sessionID] = have - n
	}

	o.refCounts[sessionID] -= n
	if o.refCounts[sessionID] > 0 {
		return
	}
	delete(o.refCounts, sessionID)
	if t, ok := o.tasks[sessionID]; ok {
		o.teardownLocked(t)
	}
}

// teardownLocked 停止任务并清理与会话相关的全部状态。
// 只有当前登记的任务才会被清理，旧任务不会误删后继任务。
func (o *Orchestrator) teardownLocked(t *task) {
	if o.tasks[t.sessionID] != t {
		return
	}
	t.cancel()
	delete(o.tasks, t.sessionID)
	delete(o.refCounts, t.sessionID)
	for connID, joined := range o.joins {
		if _, ok := joined[t.sessionID]; !ok {
			continue
		}
		delete(joined, t.sessionID)
		if len(joined) == 0 {
			delete(o.joins, connID)
		}
	}
	o.broker.Close(t.sessionID)
	o.metrics.SetActivePollers(len(o.tasks))

	o.log.Debug("poll task stopped", zap.String("session", t.sessionID))
}

func (o *Orchestrator) loop(t *task) {
	ticker := time.NewTicker(o.interval)
	defer ticker.Stop()

	for {
		select {
		case <-t.ctx.Done():
			return
		case <-ticker.C:
			o.schedule(t)
		}
	}
}

// schedule 将一次 tick 提交到协程池；上一次 tick 仍未结束时跳过本次。
func (o *Orchestrator) schedule(t *task) {
	if !t.running.CompareAndSwap(false, true) {
		o.log.Debug("previous poll still running, tick skipped", zap.String("session", t.sessionID))
		return
	}
	submitted := o.pool.TrySubmit(func() {
		defer t.running.Store(false)
		o.runTick(t.ctx, t, false)
	})
	if !submitted {
		t.running.Store(false)
		o.log.Warn("worker pool saturated, tick skipped", zap.String("session", t.sessionID))
	}
}

// runTick 刷新一次并向房间推送结果。
func (o *Orchestrator) runTick(parent context.Context, t *task, onJoin bool) {
	t.runMu.Lock()
	defer t.runMu.Unlock()

	if !onJoin && t.ctx.Err() != nil {
		return
	}

	start := time.Now()
	if _, err := o.sessions.Get(t.sessionID); err != nil {
		o.expire(t, start)
		return
	}

	ctx, cancel := context.WithTimeout(parent, o.timeout)
	messages, err := o.refresher.Refresh(ctx, t.sessionID)
	cancel()

	switch {
	case err == nil:
		if !o.publishCurrent(t, broadcast.InboxUpdate(messages)) {
			o.metrics.ObservePoll(OutcomeDropped, time.Since(start))
			return
		}
		o.metrics.ObservePoll(OutcomeSuccess, time.Since(start))
	case errors.Is(err, domain.ErrConflict):
		// 会话在刷新期间被轮换，下一次 tick 会拉取新地址
		o.metrics.ObservePoll(OutcomeStale, time.Since(start))
	case errors.Is(err, domain.ErrNotFound) && o.sessionGone(t.sessionID):
		o.expire(t, start)
	default:
		if !o.publishCurrent(t, broadcast.InboxError(MsgSyncFailed)) {
			o.metrics.ObservePoll(OutcomeDropped, time.Since(start))
			return
		}
		o.log.Warn("inbox refresh failed",
			zap.String("session", t.sessionID),
			zap.Error(err))
		o.metrics.ObservePoll(OutcomeError, time.Since(start))
	}
}

// publishCurrent 仅当 t 仍是会话的当前任务时推送事件。
//
// 检查与推送都在 mu 内完成：任务被拆除后同一会话可能已有新任务和新订阅者，
// 旧任务迟到的结果不能再送达它们。
func (o *Orchestrator) publishCurrent(t *task, ev broadcast.Event) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.tasks[t.sessionID] != t {
		return false
	}
	o.broker.Publish(t.sessionID, ev)
	return true
}

// expire 通知房间会话已过期并拆除任务；t 已不是当前任务时什么也不做。
func (o *Orchestrator) expire(t *task, start time.Time) {
	o.mu.Lock()
	current := o.tasks[t.sessionID] == t
	if current {
		o.broker.Publish(t.sessionID, broadcast.SessionExpired())
		o.teardownLocked(t)
	}
	o.mu.Unlock()

	if !current {
		o.metrics.ObservePoll(OutcomeDropped, time.Since(start))
		return
	}
	o.metrics.ObservePoll(OutcomeExpired, time.Since(start))
}

func (o *Orchestrator) sessionGone(id string) bool {
	_, err := o.sessions.Get(id)
	return err != nil
}
