package health

import (
	"context"
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/heptiolabs/healthcheck"
	"go.uber.org/zap"
)

// Status 健康状态
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// Pinger 可探测的外部依赖
type Pinger interface {
	Ping(ctx context.Context) error
}

// Check 单项检查结果
type Check struct {
	Name     string        `json:"name"`
	Status   Status        `json:"status"`
	Message  string        `json:"message,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Report 健康报告
type Report struct {
	Status      Status         `json:"status"`
	Timestamp   time.Time      `json:"timestamp"`
	Uptime      string         `json:"uptime"`
	Version     string         `json:"version"`
	Environment string         `json:"environment"`
	Checks      []Check        `json:"checks"`
	Stats       map[string]int `json:"stats,omitempty"`
}

// Options 健康检查配置
type Options struct {
	Version       string
	Environment   string
	MaxGoroutines int
	MaxHeapMB     float64
	// Timeout 外部依赖探测超时
	Timeout time.Duration
	Redis   Pinger
	// Stats 报告中附带的运行时统计
	Stats  func() map[string]int
	Logger *zap.Logger
}

// HealthChecker 健康检查器
//
// 存活检查只看进程自身（goroutine 数量、堆内存）；
// 就绪检查额外探测上游邮件服务与可选的 Redis。
type HealthChecker struct {
	health    healthcheck.Handler
	upstream  Pinger
	redis     Pinger
	stats     func() map[string]int
	logger    *zap.Logger
	startTime time.Time
	opts      Options
}

// NewHealthChecker 创建健康检查器
func NewHealthChecker(upstream Pinger, opts Options) *HealthChecker {
	if opts.MaxGoroutines <= 0 {
		opts.MaxGoroutines = 10000
	}
	if opts.MaxHeapMB <= 0 {
		opts.MaxHeapMB = 1024
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 3 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	hc := &HealthChecker{
		health:    healthcheck.NewHandler(),
		upstream:  upstream,
		redis:     opts.Redis,
		stats:     opts.Stats,
		logger:    opts.Logger,
		startTime: time.Now(),
		opts:      opts,
	}
	hc.addChecks()
	return hc
}

// addChecks 添加健康检查
func (hc *HealthChecker) addChecks() {
	hc.health.AddLivenessCheck("goroutines", healthcheck.GoroutineCountCheck(hc.opts.MaxGoroutines))
	hc.health.AddLivenessCheck("memory", hc.checkHeap)

	hc.health.AddReadinessCheck("upstream", hc.pingWith(context.Background(), hc.upstream))
	if hc.redis != nil {
		hc.health.AddReadinessCheck("redis", hc.pingWith(context.Background(), hc.redis))
	}
}

func (hc *HealthChecker) checkHeap() error {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	usedMB := float64(m.HeapAlloc) / 1024 / 1024
	if usedMB > hc.opts.MaxHeapMB {
		return fmt.Errorf("heap usage %.1f MB exceeds %.0f MB", usedMB, hc.opts.MaxHeapMB)
	}
	return nil
}

// Handler 返回健康检查处理器
func (hc *HealthChecker) Handler() http.Handler {
	return hc.health
}

// LiveEndpoint 存活检查
func (hc *HealthChecker) LiveEndpoint(w http.ResponseWriter, r *http.Request) {
	hc.health.LiveEndpoint(w, r)
}

// ReadyEndpoint 就绪检查
func (hc *HealthChecker) ReadyEndpoint(w http.ResponseWriter, r *http.Request) {
	hc.health.ReadyEndpoint(w, r)
}

// CheckHealth 执行全部检查并生成报告。
// 上游不可用时整体为 degraded：已缓存的收件箱仍可读取。
func (hc *HealthChecker) CheckHealth(ctx context.Context) *Report {
	report := &Report{
		Timestamp:   time.Now(),
		Uptime:      time.Since(hc.startTime).Round(time.Second).String(),
		Version:     hc.opts.Version,
		Environment: hc.opts.Environment,
		Checks:      make([]Check, 0, 4),
		Status:      StatusHealthy,
	}

	report.add(run("goroutines", StatusUnhealthy, healthcheck.GoroutineCountCheck(hc.opts.MaxGoroutines)))
	report.add(run("memory", StatusDegraded, hc.checkHeap))
	report.add(run("upstream", StatusDegraded, hc.pingWith(ctx, hc.upstream)))
	if hc.redis != nil {
		report.add(run("redis", StatusDegraded, hc.pingWith(ctx, hc.redis)))
	}
	if hc.stats != nil {
		report.Stats = hc.stats()
	}

	if report.Status != StatusHealthy {
		hc.logger.Warn("health check not passing", zap.String("status", string(report.Status)))
	}
	return report
}

func (hc *HealthChecker) pingWith(ctx context.Context, p Pinger) healthcheck.Check {
	return func() error {
		ctx, cancel := context.WithTimeout(ctx, hc.opts.Timeout)
		defer cancel()
		return p.Ping(ctx)
	}
}

// run 执行一项检查，失败时标记为 onFail。
func run(name string, onFail Status, check healthcheck.Check) Check {
	start := time.Now()
	c := Check{Name: name, Status: StatusHealthy}
	if err := check(); err != nil {
		c.Status = onFail
		c.Message = err.Error()
	}
	c.Duration = time.Since(start)
	return c
}

func (r *Report) add(c Check) {
	r.Checks = append(r.Checks, c)
	switch c.Status {
	case StatusUnhealthy:
		r.Status = StatusUnhealthy
	case StatusDegraded:
		if r.Status != StatusUnhealthy {
			r.Status = StatusDegraded
		}
	}
}
