// Package mailtm 是 mail.tm 兼容邮件服务 API 的客户端。
package mailtm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"tempinbox/backend/internal/cache"
	"tempinbox/backend/internal/domain"
)

const (
	// DefaultBaseURL mail.tm 公共 API 地址
	DefaultBaseURL = "https://api.mail.tm"

	maxResponseBytes   = 4 << 20
	maxAttachmentBytes = 32 << 20
)

// StatusError 上游返回了非 2xx 状态码。
type StatusError struct {
	Method string
	Path   string
	Status int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream %s %s: status %d", e.Method, e.Path, e.Status)
}

func (e *StatusError) Unwrap() error { return domain.ErrUpstream }

// IsStatus 判断 err 是否为指定状态码的上游错误。
func IsStatus(err error, status int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Status == status
}

// Options 客户端配置
type Options struct {
	BaseURL     string
	Timeout     time.Duration // 单次请求超时
	RPS         float64       // 每秒请求上限（服务商限流）
	CreateTries uint64        // 创建账户时地址冲突的最大重试次数
	RetryDelay  time.Duration // 首次重试间隔
	DomainTTL   time.Duration // 可用域名列表的缓存时间
	HTTPClient  *http.Client
	Logger      *zap.Logger
}

// Client mail.tm API 客户端，所有请求共享同一个限流器。
type Client struct {
	baseURL     string
	http        *http.Client
	limiter     *rate.Limiter
	createTries uint64
	retryDelay  time.Duration
	domains     *cache.TTL[string, []Domain]
	log         *zap.Logger
}

// NewClient 创建客户端。
func NewClient(opts Options) *Client {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.RPS <= 0 {
		opts.RPS = 8
	}
	if opts.CreateTries == 0 {
		opts.CreateTries = 3
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 200 * time.Millisecond
	}
	if opts.DomainTTL <= 0 {
		opts.DomainTTL = 10 * time.Minute
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: opts.Timeout}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	burst := int(opts.RPS)
	if burst < 1 {
		burst = 1
	}
	return &Client{
		baseURL:     strings.TrimRight(opts.BaseURL, "/"),
		http:        opts.HTTPClient,
		limiter:     rate.NewLimiter(rate.Limit(opts.RPS), burst),
		createTries: opts.CreateTries,
		retryDelay:  opts.RetryDelay,
		domains:     cache.NewTTL[string, []Domain](1, opts.DomainTTL),
		log:         opts.Logger,
	}
}

// do 发送请求并返回响应体。body 非 nil 时以 JSON 编码发送。
func (c *Client) do(ctx context.Context, method, path, token string, body any, limit int64) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%w: rate limiter: %v", domain.ErrUpstream, err)
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode %s request: %w", path, err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("create %s request: %w", path, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s %s: %v", domain.ErrUpstream, method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, limit))
	if err != nil {
		return nil, fmt.Errorf("%w: read %s response: %v", domain.ErrUpstream, path, err)
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		c.log.Debug("upstream request failed",
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("status", resp.StatusCode))
		return nil, &StatusError{Method: method, Path: path, Status: resp.StatusCode}
	}
	return data, nil
}

func (c *Client) getJSON(ctx context.Context, path, token string, out any) error {
	data, err := c.do(ctx, http.MethodGet, path, token, nil, maxResponseBytes)
	if err != nil {
		return err
	}
	return decode(path, data, out)
}

func (c *Client) postJSON(ctx context.Context, path string, body, out any) error {
	data, err := c.do(ctx, http.MethodPost, path, "", body, maxResponseBytes)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return decode(path, data, out)
}

func decode(path string, data []byte, out any) error {
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%w: decode %s response: %v", domain.ErrUpstream, path, err)
	}
	return nil
}

// decodeCollection 解析列表响应，兼容纯数组与 hydra 集合两种格式。
func decodeCollection[T any](path string, data []byte) ([]T, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var items []T
		if err := decode(path, trimmed, &items); err != nil {
			return nil, err
		}
		return items, nil
	}
	var hydra struct {
		Members []T `json:"hydra:member"`
	}
	if err := decode(path, trimmed, &hydra); err != nil {
		return nil, err
	}
	return hydra.Members, nil
}
