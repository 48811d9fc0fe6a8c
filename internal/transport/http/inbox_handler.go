package httptransport

import (
	"context"
	"mime"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"tempinbox/backend/internal/domain"
	"tempinbox/backend/internal/service"
)

// Inbox 收件箱业务接口，由 service.InboxService 实现
type Inbox interface {
	TTLOptions() []int
	CreateSession(ctx context.Context) (domain.Session, error)
	RotateSession(ctx context.Context, sessionID string) (domain.Session, error)
	SetTTL(sessionID string, ttl int) error
	ListInbox(sessionID string) ([]domain.Message, error)
	GetMessage(sessionID, messageID string) (domain.Message, error)
	DownloadAttachment(ctx context.Context, token string) (service.Download, error)
	SuggestUsernames(ctx context.Context, host string) ([]string, error)
}

// InboxHandler 会话与收件箱相关的 HTTP 处理器
type InboxHandler struct {
	inbox Inbox
	log   *zap.Logger
}

// NewInboxHandler 创建收件箱处理器
func NewInboxHandler(inbox Inbox, log *zap.Logger) *InboxHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return &InboxHandler{inbox: inbox, log: log}
}

type sessionResponse struct {
	SessionID  string `json:"sessionId"`
	Address    string `json:"address"`
	TTL        int    `json:"ttl"`
	TTLOptions []int  `json:"ttlOptions"`
}

type rotateRequest struct {
	SessionID string `json:"sessionId"`
}

type rotateResponse struct {
	Address string `json:"address"`
}

type ttlRequest struct {
	SessionID string `json:"sessionId"`
	TTL       int    `json:"ttl"`
}

type ttlResponse struct {
	Success bool `json:"success"`
}

type inboxResponse struct {
	Messages []domain.Message `json:"messages"`
}

type usernamesResponse struct {
	Usernames []string `json:"usernames"`
}

// CreateSession godoc
// @Summary 创建临时邮箱会话
// @Description 在上游邮件服务注册新地址并返回会话信息
// @Tags Session
// @Produce json
// @Success 201 {object} Response{data=sessionResponse}
// @Failure 429 {object} Response
// @Failure 500 {object} Response
// @Router /api/session [post]
func (h *InboxHandler) CreateSession(c *gin.Context) {
	sess, err := h.inbox.CreateSession(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	Created(c, sessionResponse{
		SessionID:  sess.ID,
		Address:    sess.Address,
		TTL:        sess.TTL,
		TTLOptions: h.inbox.TTLOptions(),
	})
}

// RotateSession godoc
// @Summary 更换邮箱地址
// @Description 保留会话与 TTL，换一个新地址并清空已缓存的邮件
// @Tags Session
// @Accept json
// @Produce json
// @Param request body rotateRequest true "会话ID"
// @Success 200 {object} Response{data=rotateResponse}
// @Failure 400 {object} Response
// @Failure 404 {object} Response
// @Failure 500 {object} Response
// @Router /api/session/rotate [post]
func (h *InboxHandler) RotateSession(c *gin.Context) {
	var req rotateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, MsgInvalidRequest)
		return
	}
	if req.SessionID == "" {
		BadRequest(c, MsgSessionIDRequired)
		return
	}

	sess, err := h.inbox.RotateSession(c.Request.Context(), req.SessionID)
	if err != nil {
		h.fail(c, err)
		return
	}
	Success(c, rotateResponse{Address: sess.Address})
}

// SetTTL godoc
// @Summary 修改会话过期时间
// @Tags Session
// @Accept json
// @Produce json
// @Param request body ttlRequest true "会话ID与 TTL（秒）"
// @Success 200 {object} Response{data=ttlResponse}
// @Failure 400 {object} Response
// @Failure 404 {object} Response
// @Failure 422 {object} Response
// @Router /api/ttl [post]
func (h *InboxHandler) SetTTL(c *gin.Context) {
	var req ttlRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, MsgInvalidRequest)
		return
	}
	switch {
	case req.SessionID == "":
		BadRequest(c, MsgSessionIDRequired)
		return
	case req.TTL == 0:
		BadRequest(c, MsgTTLRequired)
		return
	}

	if err := h.inbox.SetTTL(req.SessionID, req.TTL); err != nil {
		h.fail(c, err)
		return
	}
	Success(c, ttlResponse{Success: true})
}

// ListInbox godoc
// @Summary 获取收件箱
// @Description 返回未过期邮件的摘要列表，不含正文
// @Tags Inbox
// @Produce json
// @Param sessionId query string true "会话ID"
// @Success 200 {object} Response{data=inboxResponse}
// @Failure 400 {object} Response
// @Failure 404 {object} Response
// @Router /api/inbox [get]
func (h *InboxHandler) ListInbox(c *gin.Context) {
	sessionID := c.Query("sessionId")
	if sessionID == "" {
		BadRequest(c, MsgSessionIDRequired)
		return
	}

	messages, err := h.inbox.ListInbox(sessionID)
	if err != nil {
		h.fail(c, err)
		return
	}
	Success(c, inboxResponse{Messages: messages})
}

// GetMessage godoc
// @Summary 获取邮件详情
// @Description 返回单封缓存邮件，包含正文与附件链接
// @Tags Inbox
// @Produce json
// @Param sessionId query string true "会话ID"
// @Param id query string true "邮件ID"
// @Success 200 {object} Response{data=domain.Message}
// @Failure 400 {object} Response
// @Failure 404 {object} Response
// @Router /api/message [get]
func (h *InboxHandler) GetMessage(c *gin.Context) {
	sessionID := c.Query("sessionId")
	messageID := c.Query("id")
	if sessionID == "" {
		BadRequest(c, MsgSessionIDRequired)
		return
	}
	if messageID == "" {
		BadRequest(c, MsgMessageIDRequired)
		return
	}

	msg, err := h.inbox.GetMessage(sessionID, messageID)
	if err != nil {
		h.fail(c, err)
		return
	}
	Success(c, msg)
}

// DownloadAttachment godoc
// @Summary 下载附件
// @Description 使用一次性令牌下载附件，令牌在拉取前即失效
// @Tags Inbox
// @Produce application/octet-stream
// @Param token query string true "附件令牌"
// @Success 200 {file} binary
// @Failure 400 {object} Response
// @Failure 404 {object} Response
// @Failure 500 {object} Response
// @Router /api/attachment [get]
func (h *InboxHandler) DownloadAttachment(c *gin.Context) {
	token := c.Query("token")
	if token == "" {
		BadRequest(c, MsgTokenRequired)
		return
	}

	dl, err := h.inbox.DownloadAttachment(c.Request.Context(), token)
	if err != nil {
		h.fail(c, err)
		return
	}

	// 附件下载不使用统一响应格式，直接返回二进制流
	c.Header("Content-Disposition", contentDisposition(dl.Filename))
	c.Header("Cache-Control", "no-store")
	c.Header("Content-Length", strconv.Itoa(len(dl.Data)))
	c.Data(http.StatusOK, dl.MimeType, dl.Data)
}

// SuggestUsernames godoc
// @Summary 用户名建议
// @Tags Session
// @Produce json
// @Param domain query string true "域名"
// @Success 200 {object} Response{data=usernamesResponse}
// @Failure 400 {object} Response
// @Router /api/usernames [get]
func (h *InboxHandler) SuggestUsernames(c *gin.Context) {
	host := c.Query("domain")
	if host == "" {
		BadRequest(c, MsgDomainRequired)
		return
	}

	names, err := h.inbox.SuggestUsernames(c.Request.Context(), host)
	if err != nil {
		h.fail(c, err)
		return
	}
	Success(c, usernamesResponse{Usernames: names})
}

// fail 按错误类别写出响应，5xx 记录日志
func (h *InboxHandler) fail(c *gin.Context, err error) {
	status := StatusFor(err)
	if status >= http.StatusInternalServerError {
		h.log.Error("request failed",
			zap.String("path", c.FullPath()),
			zap.Error(err))
	}
	_ = c.Error(err)
	Error(c, status, GetErrorMessage(err))
}

func contentDisposition(filename string) string {
	if filename == "" {
		filename = "attachment"
	}
	if v := mime.FormatMediaType("attachment", map[string]string{"filename": filename}); v != "" {
		return v
	}
	return "attachment"
}
