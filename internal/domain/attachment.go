package domain

import "time"

// Attachment 邮件附件描述，Token 指向一次性下载令牌。
type Attachment struct {
	ID        string    `json:"attachmentId"`
	Token     string    `json:"token"`
	Filename  string    `json:"filename"`
	MimeType  string    `json:"mimeType"`
	Size      int64     `json:"size"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// AttachmentMeta 签发附件令牌时携带的元数据。
type AttachmentMeta struct {
	Filename string
	MimeType string
	Size     int64
}

// AttachmentToken 一次性、短时有效的附件下载令牌记录。
type AttachmentToken struct {
	Token        string    `json:"token"`
	MessageID    string    `json:"messageId"`
	AttachmentID string    `json:"attachmentId"`
	Filename     string    `json:"filename"`
	MimeType     string    `json:"mimeType"`
	Size         int64     `json:"size"`
	ExpiresAt    time.Time `json:"expiresAt"`
}

// ExpiredAt 判断令牌在给定时刻是否已过期。
func (t *AttachmentToken) ExpiredAt(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}

// Descriptor 将令牌转换为邮件中的附件描述。
func (t AttachmentToken) Descriptor() Attachment {
	return Attachment{
		ID:        t.AttachmentID,
		Token:     t.Token,
		Filename:  t.Filename,
		MimeType:  t.MimeType,
		Size:      t.Size,
		ExpiresAt: t.ExpiresAt,
	}
}
