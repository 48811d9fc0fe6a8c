package config

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// ServerConfig 定义 HTTP 服务器的监听配置参数
type ServerConfig struct {
	Host            string        // 监听地址，默认 "0.0.0.0"
	Port            int           // 监听端口，默认 8080
	ShutdownTimeout time.Duration // 优雅关闭的最长等待时间
	Environment     string        // 运行环境标识，出现在健康报告中
}

// SessionConfig 定义会话生命周期配置
type SessionConfig struct {
	TTLOptions []int // 允许的 TTL 选项（秒）
	DefaultTTL int   // 新会话的 TTL（秒），必须属于 TTLOptions
}

// PollConfig 定义收件箱轮询配置
type PollConfig struct {
	Interval     time.Duration // 每个被订阅会话的轮询间隔
	FetchTimeout time.Duration // 单次刷新的超时
	Workers      int           // 执行轮询的协程数
	QueueSize    int           // 协程池任务队列长度
}

// AttachmentConfig 定义附件令牌配置
type AttachmentConfig struct {
	TokenTTL   time.Duration // 令牌有效期
	TokenReuse time.Duration // 刷新时剩余有效期不少于该值的令牌直接复用
}

// SweepConfig 定义过期清理配置
type SweepConfig struct {
	Interval time.Duration
}

// UpstreamConfig 定义上游邮件服务配置
type UpstreamConfig struct {
	BaseURL     string
	Timeout     time.Duration
	RPS         float64 // 每秒请求数上限
	CreateTries int     // 创建账户遇到地址冲突时的重试次数
}

// EnrichConfig 定义邮件分析配置
type EnrichConfig struct {
	Timeout time.Duration
}

// CORSConfig 定义跨域资源共享 (CORS) 配置
type CORSConfig struct {
	AllowedOrigins []string // 允许的来源列表，"*" 表示允许所有来源
}

// LogConfig 定义日志系统配置
type LogConfig struct {
	Level       string // 日志级别: debug, info, warn, error
	Development bool   // 开发模式: 彩色控制台输出和详细堆栈信息
	File        string // 日志文件路径，留空只输出到控制台
	MaxSizeMB   int
	MaxBackups  int
	MaxAgeDays  int
}

// RedisConfig 定义 Redis 配置，地址为空时限流使用进程内计数
type RedisConfig struct {
	Address  string
	Password string
	DB       int
}

// RateLimitConfig 定义限流配置
type RateLimitConfig struct {
	SessionsPerMinute int // 每个 IP 每分钟最多创建的会话数
}

// Config 是系统配置的根结构体，包含所有子系统的配置
type Config struct {
	Server     ServerConfig
	Session    SessionConfig
	Poll       PollConfig
	Attachment AttachmentConfig
	Sweep      SweepConfig
	Upstream   UpstreamConfig
	Enrich     EnrichConfig
	CORS       CORSConfig
	Log        LogConfig
	Redis      RedisConfig
	RateLimit  RateLimitConfig
}

// Load 从环境变量和 .env 文件加载系统配置
//
// 配置加载优先级（从高到低）：
//  1. 系统环境变量
//  2. .env 文件（如果存在）
//  3. 默认值
//
// 环境变量前缀: TEMPINBOX_
// 例如: TEMPINBOX_SERVER_PORT, TEMPINBOX_SESSION_TTL_OPTIONS
//
// 返回值:
//   - *Config: 加载成功的配置对象
//   - error: 配置验证失败时返回错误
func Load() (*Config, error) {
	loadEnvFile()

	v := viper.New()
	v.SetEnvPrefix("tempinbox")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	ttlOptions, err := parseInts(v.GetString("session.ttl_options"))
	if err != nil {
		return nil, fmt.Errorf("invalid session.ttl_options: %w", err)
	}

	cfg := &Config{
		Server: ServerConfig{
			Host:        v.GetString("server.host"),
			Port:        v.GetInt("server.port"),
			Environment: v.GetString("server.environment"),
		},
		Session: SessionConfig{
			TTLOptions: ttlOptions,
			DefaultTTL: v.GetInt("session.default_ttl"),
		},
		Poll: PollConfig{
			Workers:   v.GetInt("poll.workers"),
			QueueSize: v.GetInt("poll.queue_size"),
		},
		Upstream: UpstreamConfig{
			BaseURL:     strings.TrimRight(v.GetString("upstream.base_url"), "/"),
			RPS:         v.GetFloat64("upstream.rps"),
			CreateTries: v.GetInt("upstream.create_tries"),
		},
		CORS: CORSConfig{
			AllowedOrigins: parseList(v.GetString("cors.allowed_origins")),
		},
		Log: LogConfig{
			Level:       v.GetString("log.level"),
			Development: v.GetBool("log.development"),
			File:        v.GetString("log.file"),
			MaxSizeMB:   v.GetInt("log.max_size"),
			MaxBackups:  v.GetInt("log.max_backups"),
			MaxAgeDays:  v.GetInt("log.max_age"),
		},
		Redis: RedisConfig{
			Address:  v.GetString("redis.address"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
		},
		RateLimit: RateLimitConfig{
			SessionsPerMinute: v.GetInt("ratelimit.sessions_per_minute"),
		},
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"server.shutdown_timeout", &cfg.Server.ShutdownTimeout},
		{"poll.interval", &cfg.Poll.Interval},
		{"poll.fetch_timeout", &cfg.Poll.FetchTimeout},
		{"attachment.token_ttl", &cfg.Attachment.TokenTTL},
		{"attachment.token_reuse", &cfg.Attachment.TokenReuse},
		{"sweep.interval", &cfg.Sweep.Interval},
		{"upstream.timeout", &cfg.Upstream.Timeout},
		{"enrich.timeout", &cfg.Enrich.Timeout},
	}
	for _, d := range durations {
		parsed, err := time.ParseDuration(v.GetString(d.key))
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", d.key, err)
		}
		*d.dst = parsed
	}

	if len(cfg.CORS.AllowedOrigins) == 0 {
		cfg.CORS.AllowedOrigins = []string{"*"}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("server.environment", "development")
	v.SetDefault("session.ttl_options", "600,3600,21600,86400")
	v.SetDefault("session.default_ttl", 3600)
	v.SetDefault("poll.interval", "7s")
	v.SetDefault("poll.fetch_timeout", "5s")
	v.SetDefault("poll.workers", 8)
	v.SetDefault("poll.queue_size", 256)
	v.SetDefault("attachment.token_ttl", "5m")
	v.SetDefault("attachment.token_reuse", "1m")
	v.SetDefault("sweep.interval", "30s")
	v.SetDefault("upstream.base_url", "https://api.mail.tm")
	v.SetDefault("upstream.timeout", "10s")
	v.SetDefault("upstream.rps", 8)
	v.SetDefault("upstream.create_tries", 3)
	v.SetDefault("enrich.timeout", "2s")
	v.SetDefault("cors.allowed_origins", "*")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size", 100)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age", 28)
	v.SetDefault("redis.address", "") // 默认为空，限流使用进程内计数
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("ratelimit.sessions_per_minute", 10)
}

// Validate 校验配置之间的约束
func (c *Config) Validate() error {
	if len(c.Session.TTLOptions) == 0 {
		return fmt.Errorf("session.ttl_options must not be empty")
	}
	for _, ttl := range c.Session.TTLOptions {
		if ttl <= 0 {
			return fmt.Errorf("session.ttl_options must be positive, got %d", ttl)
		}
	}
	if !slices.Contains(c.Session.TTLOptions, c.Session.DefaultTTL) {
		return fmt.Errorf("session.default_ttl %d is not one of session.ttl_options %v",
			c.Session.DefaultTTL, c.Session.TTLOptions)
	}

	positive := []struct {
		key string
		val time.Duration
	}{
		{"poll.interval", c.Poll.Interval},
		{"poll.fetch_timeout", c.Poll.FetchTimeout},
		{"attachment.token_ttl", c.Attachment.TokenTTL},
		{"sweep.interval", c.Sweep.Interval},
		{"upstream.timeout", c.Upstream.Timeout},
	}
	for _, p := range positive {
		if p.val <= 0 {
			return fmt.Errorf("%s must be positive", p.key)
		}
	}
	if c.Attachment.TokenReuse >= c.Attachment.TokenTTL {
		return fmt.Errorf("attachment.token_reuse must be shorter than attachment.token_ttl")
	}
	if c.Poll.Workers <= 0 {
		return fmt.Errorf("poll.workers must be positive")
	}
	if c.Upstream.BaseURL == "" {
		return fmt.Errorf("upstream.base_url must not be empty")
	}
	if c.Upstream.RPS <= 0 {
		return fmt.Errorf("upstream.rps must be positive")
	}
	if c.RateLimit.SessionsPerMinute <= 0 {
		return fmt.Errorf("ratelimit.sessions_per_minute must be positive")
	}
	return nil
}

// Addr 返回 HTTP 监听地址
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// parseInts 将逗号分隔的整数列表解析为切片
func parseInts(value string) ([]int, error) {
	items := parseList(value)
	out := make([]int, 0, len(items))
	for _, item := range items {
		n, err := strconv.Atoi(item)
		if err != nil {
			return nil, fmt.Errorf("%q is not an integer", item)
		}
		out = append(out, n)
	}
	return out, nil
}

// parseList 将逗号分隔的字符串解析为字符串切片
//
// 参数:
//   - value: 逗号分隔的字符串，如 "item1,item2,item3"
//
// 返回值:
//   - []string: 解析后的字符串切片，已去除空白字符
func parseList(value string) []string {
	parts := strings.Split(value, ",")
	items := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			items = append(items, trimmed)
		}
	}
	return items
}

// loadEnvFile 尝试加载 .env 文件
//
// 加载顺序：
//  1. 当前目录的 .env
//  2. 父目录的 .env（从子目录运行时）
//
// 文件不存在时静默跳过；已存在的环境变量不会被覆盖。
func loadEnvFile() {
	if err := godotenv.Load(".env"); err == nil {
		return
	}

	parentEnv := filepath.Join("..", ".env")
	if _, err := os.Stat(parentEnv); err == nil {
		_ = godotenv.Load(parentEnv)
	}
}
