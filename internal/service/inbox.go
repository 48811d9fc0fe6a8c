package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"tempinbox/backend/internal/domain"
	"tempinbox/backend/internal/enrich"
	"tempinbox/backend/internal/mailtm"
	"tempinbox/backend/internal/session"
)

// Upstream 上游邮件服务客户端接口
type Upstream interface {
	CreateAccount(ctx context.Context) (domain.Account, error)
	ListMessages(ctx context.Context, token string) ([]mailtm.RawMessage, error)
	FetchMessageDetail(ctx context.Context, token, id string) (mailtm.MessageDetail, error)
	FetchAttachment(ctx context.Context, token, messageID, attachmentID string) ([]byte, error)
}

// Metrics 业务指标
type Metrics interface {
	RecordSessionCreated()
	RecordSessionRotated()
	RecordAttachmentDownload(outcome string)
	RecordUpstreamError(op string)
}

type nopMetrics struct{}

func (nopMetrics) RecordSessionCreated() {}
func (nopMetrics) RecordSessionRotated() {}
func (nopMetrics) RecordAttachmentDownload(string) {}
func (nopMetrics) RecordUpstreamError(string) {}

// Options 收件箱服务配置
type Options struct {
	// TokenReuse 附件令牌剩余有效期不少于该值时刷新直接复用，否则重新签发
	TokenReuse    time.Duration
	EnrichTimeout time.Duration
	Metrics       Metrics
	Logger        *zap.Logger
}

// InboxService 封装会话、收件箱刷新与附件下载的业务流程。
type InboxService struct {
	store         *session.Store
	upstream      Upstream
	enricher      enrich.Enricher
	metrics       Metrics
	log           *zap.Logger
	tokenReuse    time.Duration
	enrichTimeout time.Duration
}

// NewInboxService 创建收件箱服务。
//
// 参数:
//   - store: 会话存储
//   - upstream: 上游邮件服务
//   - enricher: 摘要与风险分析
//   - opts: 其他配置
func NewInboxService(store *session.Store, upstream Upstream, enricher enrich.Enricher, opts Options) *InboxService {
	if opts.TokenReuse <= 0 {
		opts.TokenReuse = time.Minute
	}
	if opts.EnrichTimeout <= 0 {
		opts.EnrichTimeout = 2 * time.Second
	}
	if opts.Metrics == nil {
		opts.Metrics = nopMetrics{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &InboxService{
		store:         store,
		upstream:      upstream,
		enricher:      enricher,
		metrics:       opts.Metrics,
		log:           opts.Logger,
		tokenReuse:    opts.TokenReuse,
		enrichTimeout: opts.EnrichTimeout,
	}
}

// TTLOptions 返回允许的 TTL 选项。
func (s *InboxService) TTLOptions() []int {
	return s.store.TTLOptions()
}

// CreateSession 在上游创建账户并建立新会话。
func (s *InboxService) CreateSession(ctx context.Context) (domain.Session, error) {
	account, err := s.upstream.CreateAccount(ctx)
	if err != nil {
		s.metrics.RecordUpstreamError("create_account")
		return domain.Session{}, upstreamErr("create account", err)
	}
	sess := s.store.Create(account)
	s.metrics.RecordSessionCreated()

	s.log.Info("session created",
		zap.String("session", sess.ID),
		zap.String("address", sess.Address))
	return sess, nil
}

// RotateSession 为会话换一个新地址，保留会话ID与TTL，清空邮件与附件令牌。
func (s *InboxService) RotateSession(ctx context.Context, sessionID string) (domain.Session, error) {
	if err := requireID(sessionID); err != nil {
		return domain.Session{}, err
	}
	if _, err := s.store.Get(sessionID); err != nil {
		return domain.Session{}, err
	}

	account, err := s.upstream.CreateAccount(ctx)
	if err != nil {
		s.metrics.RecordUpstreamError("create_account")
		return domain.Session{}, upstreamErr("create account", err)
	}
	sess, err := s.store.Reset(sessionID, account)
	if err != nil {
		return domain.Session{}, err
	}
	s.metrics.RecordSessionRotated()

	s.log.Info("session rotated",
		zap.String("session", sess.ID),
		zap.String("address", sess.Address))
	return sess, nil
}

// SetTTL 修改会话 TTL。
func (s *InboxService) SetTTL(sessionID string, ttl int) error {
	if err := requireID(sessionID); err != nil {
		return err
	}
	// 缺省的 TTL 视为请求不完整；其余不在选项内的取值（含负数）由存储层报告不支持
	if ttl == 0 {
		return fmt.Errorf("%w: ttl is required", domain.ErrInvalidInput)
	}
	return s.store.SetTTL(sessionID, ttl)
}

// ListInbox 清理过期邮件后返回收件箱列表（不含正文）。
func (s *InboxService) ListInbox(sessionID string) ([]domain.Message, error) {
	if err := requireID(sessionID); err != nil {
		return nil, err
	}
	if _, err := s.store.PruneExpired(sessionID); err != nil {
		return nil, err
	}
	messages, err := s.store.ListMessages(sessionID)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Message, 0, len(messages))
	for _, m := range messages {
		out = append(out, m.WithoutBodies())
	}
	return out, nil
}

// GetMessage 返回单封缓存邮件的完整内容。
func (s *InboxService) GetMessage(sessionID, messageID string) (domain.Message, error) {
	if err := requireID(sessionID); err != nil {
		return domain.Message{}, err
	}
	if strings.TrimSpace(messageID) == "" {
		return domain.Message{}, fmt.Errorf("%w: message id is required", domain.ErrInvalidInput)
	}
	return s.store.GetMessage(sessionID, messageID)
}

// Download 附件下载结果
type Download struct {
	Filename string
	MimeType string
	Data     []byte
}

// DownloadAttachment 兑换附件令牌并从上游拉取附件。
//
// 令牌在拉取之前即被作废，拉取失败也不会恢复。
func (s *InboxService) DownloadAttachment(ctx context.Context, token string) (Download, error) {
	if strings.TrimSpace(token) == "" {
		return Download{}, fmt.Errorf("%w: token is required", domain.ErrInvalidInput)
	}

	redeemed, err := s.store.RedeemToken(token)
	if err != nil {
		s.metrics.RecordAttachmentDownload("invalid")
		return Download{}, err
	}

	rec := redeemed.Record
	data, err := s.upstream.FetchAttachment(ctx, redeemed.Session.Token, rec.MessageID, rec.AttachmentID)
	if err != nil {
		s.metrics.RecordAttachmentDownload("upstream_error")
		s.metrics.RecordUpstreamError("fetch_attachment")
		return Download{}, upstreamErr("fetch attachment", err)
	}
	s.metrics.RecordAttachmentDownload("ok")

	mimeType := rec.MimeType
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	return Download{Filename: rec.Filename, MimeType: mimeType, Data: data}, nil
}

// SuggestUsernames 为指定域名生成用户名建议。
func (s *InboxService) SuggestUsernames(ctx context.Context, host string) ([]string, error) {
	if strings.TrimSpace(host) == "" {
		return nil, fmt.Errorf("%w: domain is required", domain.ErrInvalidInput)
	}
	return s.enricher.SuggestUsernames(ctx, host)
}

func requireID(sessionID string) error {
	if strings.TrimSpace(sessionID) == "" {
		return fmt.Errorf("%w: session id is required", domain.ErrInvalidInput)
	}
	return nil
}

// upstreamErr 保证上游失败都归类为 ErrUpstream。
func upstreamErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if isUpstream(err) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %v", op, domain.ErrUpstream, err)
}
