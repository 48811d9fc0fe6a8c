package domain

import "time"

// PhishingRisk 钓鱼风险等级。
type PhishingRisk string

const (
	PhishingRiskLow    PhishingRisk = "low"
	PhishingRiskMedium PhishingRisk = "medium"
	PhishingRiskHigh   PhishingRisk = "high"
)

// Valid 判断风险等级是否合法。
func (r PhishingRisk) Valid() bool {
	switch r {
	case PhishingRiskLow, PhishingRiskMedium, PhishingRiskHigh:
		return true
	}
	return false
}

// Sender 发件人。
type Sender struct {
	Address string `json:"address"`
	Name    string `json:"name,omitempty"`
}

// Message 表示缓存在会话中的一封邮件（上游邮箱的时间点投影）。
type Message struct {
	ID           string       `json:"id"`
	Subject      string       `json:"subject"`
	From         Sender       `json:"from"`
	Preview      string       `json:"preview"`
	CreatedAt    time.Time    `json:"createdAt"`
	HTML         string       `json:"html,omitempty"`
	Text         string       `json:"text,omitempty"`
	Attachments  []Attachment `json:"attachments"`
	ExpiresAt    time.Time    `json:"expiresAt"`
	Summary      []string     `json:"summary"`
	PhishingRisk PhishingRisk `json:"phishingRisk"`
}

// ExpiredAt 判断邮件在给定时刻是否已过期。
func (m *Message) ExpiredAt(now time.Time) bool {
	return !m.ExpiresAt.IsZero() && !now.Before(m.ExpiresAt)
}

// Clone 返回邮件的深拷贝。
func (m Message) Clone() Message {
	out := m
	if m.Attachments != nil {
		out.Attachments = append([]Attachment(nil), m.Attachments...)
	}
	if m.Summary != nil {
		out.Summary = append([]string(nil), m.Summary...)
	}
	return out
}

// WithoutBodies 返回去掉正文的副本，用于收件箱列表。
func (m Message) WithoutBodies() Message {
	out := m.Clone()
	out.HTML = ""
	out.Text = ""
	return out
}
