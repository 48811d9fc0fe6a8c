package domain

import "time"

// Account 上游邮件服务商返回的账户凭据。
type Account struct {
	Address   string `json:"address"`
	AccountID string `json:"accountId"`
	Password  string `json:"-"`
	Token     string `json:"-"`
}

// Session 表示一个临时收件箱的会话状态。
//
// Session 由 session.Store 独占持有，对外返回的永远是快照副本。
type Session struct {
	ID         string    `json:"sessionId"`
	Address    string    `json:"address"`
	AccountID  string    `json:"-"`
	Password   string    `json:"-"`
	Token      string    `json:"-"`
	TTL        int       `json:"ttl"` // 秒
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
	Generation uint64    `json:"-"` // 每次轮换地址后递增
	Messages   []Message `json:"-"`
	TokenCount int       `json:"-"`
}

// ExpiresAt 返回会话的过期时间（创建时间 + TTL）。
func (s *Session) ExpiresAt() time.Time {
	return s.CreatedAt.Add(TTLDuration(s.TTL))
}

// ExpiredAt 判断会话在给定时刻是否已过期。
func (s *Session) ExpiredAt(now time.Time) bool {
	return !now.Before(s.ExpiresAt())
}

// TTLDuration 将秒数转换为 time.Duration。
func TTLDuration(seconds int) time.Duration {
	return time.Duration(seconds) * time.Second
}
