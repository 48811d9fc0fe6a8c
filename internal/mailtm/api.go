package mailtm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"tempinbox/backend/internal/domain"
)

// ErrNoDomain 上游没有可用的域名。
var ErrNoDomain = fmt.Errorf("%w: no active domain available", domain.ErrUpstream)

// Domain 上游可用域名
type Domain struct {
	ID        string `json:"id"`
	Domain    string `json:"domain"`
	IsActive  bool   `json:"isActive"`
	IsPrivate bool   `json:"isPrivate"`
}

// Address 发件人/收件人
type Address struct {
	Address string `json:"address"`
	Name    string `json:"name"`
}

// RawMessage 收件箱列表中的邮件摘要
type RawMessage struct {
	ID             string    `json:"id"`
	From           Address   `json:"from"`
	Subject        string    `json:"subject"`
	Intro          string    `json:"intro"`
	HasAttachments bool      `json:"hasAttachments"`
	CreatedAt      time.Time `json:"createdAt"`
}

// RawAttachment 邮件详情中的附件
type RawAttachment struct {
	ID          string `json:"id"`
	Filename    string `json:"filename"`
	ContentType string `json:"contentType"`
	Size        int64  `json:"size"`
}

// MessageDetail 邮件详情
type MessageDetail struct {
	RawMessage
	Text        string          `json:"text"`
	HTML        []string        `json:"html"`
	Attachments []RawAttachment `json:"attachments"`
}

// HTMLBody 将分段的 HTML 正文拼接为一个字符串。
func (d MessageDetail) HTMLBody() string {
	return strings.Join(d.HTML, "")
}

type credentials struct {
	Address  string `json:"address"`
	Password string `json:"password"`
}

type accountResponse struct {
	ID      string `json:"id"`
	Address string `json:"address"`
}

type tokenResponse struct {
	ID    string `json:"id"`
	Token string `json:"token"`
}

const domainsKey = "active"

// Domains 返回上游可用的公共域名，非空结果会被缓存。
func (c *Client) Domains(ctx context.Context) ([]Domain, error) {
	if cached, ok := c.domains.Get(domainsKey); ok {
		return cached, nil
	}
	data, err := c.do(ctx, http.MethodGet, "/domains", "", nil, maxResponseBytes)
	if err != nil {
		return nil, err
	}
	all, err := decodeCollection[Domain]("/domains", data)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, d := range all {
		if d.IsActive && !d.IsPrivate {
			out = append(out, d)
		}
	}
	if len(out) > 0 {
		c.domains.Set(domainsKey, out, 0)
	}
	return out, nil
}

// CreateAccount 在上游创建一个随机地址的账户并取得访问令牌。
//
// 地址冲突（422）时换一个本地部分按指数退避重试。
func (c *Client) CreateAccount(ctx context.Context) (domain.Account, error) {
	domains, err := c.Domains(ctx)
	if err != nil {
		return domain.Account{}, err
	}
	if len(domains) == 0 {
		return domain.Account{}, ErrNoDomain
	}
	host := domains[0].Domain

	var account domain.Account
	op := func() error {
		creds := credentials{
			Address:  randomLocalPart() + "@" + host,
			Password: uuid.NewString(),
		}
		var created accountResponse
		if err := c.postJSON(ctx, "/accounts", creds, &created); err != nil {
			if IsStatus(err, http.StatusUnprocessableEntity) {
				c.log.Debug("address taken, retrying", zap.String("address", creds.Address))
				return err
			}
			return backoff.Permanent(err)
		}
		var tok tokenResponse
		if err := c.postJSON(ctx, "/token", creds, &tok); err != nil {
			return backoff.Permanent(err)
		}
		account = domain.Account{
			Address:   created.Address,
			AccountID: created.ID,
			Password:  creds.Password,
			Token:     tok.Token,
		}
		if account.Address == "" {
			account.Address = creds.Address
		}
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.retryDelay
	policy.MaxInterval = 10 * c.retryDelay
	retry := backoff.WithContext(backoff.WithMaxRetries(policy, c.createTries), ctx)

	if err := backoff.Retry(op, retry); err != nil {
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			err = perm.Err
		}
		return domain.Account{}, fmt.Errorf("create upstream account: %w", err)
	}
	return account, nil
}

// ListMessages 返回收件箱中的邮件摘要列表。
func (c *Client) ListMessages(ctx context.Context, token string) ([]RawMessage, error) {
	data, err := c.do(ctx, http.MethodGet, "/messages", token, nil, maxResponseBytes)
	if err != nil {
		return nil, err
	}
	return decodeCollection[RawMessage]("/messages", data)
}

// FetchMessageDetail 返回单封邮件的完整内容。
func (c *Client) FetchMessageDetail(ctx context.Context, token, id string) (MessageDetail, error) {
	var detail MessageDetail
	if err := c.getJSON(ctx, "/messages/"+url.PathEscape(id), token, &detail); err != nil {
		return MessageDetail{}, err
	}
	return detail, nil
}

// FetchAttachment 下载附件的原始字节。
func (c *Client) FetchAttachment(ctx context.Context, token, messageID, attachmentID string) ([]byte, error) {
	path := "/messages/" + url.PathEscape(messageID) + "/attachment/" + url.PathEscape(attachmentID)
	data, err := c.do(ctx, http.MethodGet, path, token, nil, maxAttachmentBytes)
	if err != nil {
		return nil, err
	}
	return data, nil
}

// Ping 检查上游是否可达，用于就绪检查。
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.do(ctx, http.MethodGet, "/domains", "", nil, maxResponseBytes)
	return err
}

func randomLocalPart() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}
