package httptransport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"tempinbox/backend/internal/domain"
	"tempinbox/backend/internal/middleware"
	"tempinbox/backend/internal/monitoring"
	"tempinbox/backend/internal/service"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type MockInbox struct {
	mock.Mock
}

func (m *MockInbox) TTLOptions() []int {
	return m.Called().Get(0).([]int)
}

func (m *MockInbox) CreateSession(ctx context.Context) (domain.Session, error) {
	args := m.Called(ctx)
	return args.Get(0).(domain.Session), args.Error(1)
}

func (m *MockInbox) RotateSession(ctx context.Context, sessionID string) (domain.Session, error) {
	args := m.Called(ctx, sessionID)
	return args.Get(0).(domain.Session), args.Error(1)
}

func (m *MockInbox) SetTTL(sessionID string, ttl int) error {
	return m.Called(sessionID, ttl).Error(0)
}

func (m *MockInbox) ListInbox(sessionID string) ([]domain.Message, error) {
	args := m.Called(sessionID)
	return args.Get(0).([]domain.Message), args.Error(1)
}

func (m *MockInbox) GetMessage(sessionID, messageID string) (domain.Message, error) {
	args := m.Called(sessionID, messageID)
	return args.Get(0).(domain.Message), args.Error(1)
}

func (m *MockInbox) DownloadAttachment(ctx context.Context, token string) (service.Download, error) {
	args := m.Called(ctx, token)
	return args.Get(0).(service.Download), args.Error(1)
}

func (m *MockInbox) SuggestUsernames(ctx context.Context, host string) ([]string, error) {
	args := m.Called(ctx, host)
	return args.Get(0).([]string), args.Error(1)
}

type envelope struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

func do(t *testing.T, r http.Handler, method, target, body string) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	var env envelope
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	}
	return rec, env
}

func newTestRouter(inbox *MockInbox) *gin.Engine {
	return NewRouter(RouterDependencies{Inbox: inbox})
}

func TestCreateSession(t *testing.T) {
	inbox := new(MockInbox)
	inbox.On("CreateSession", mock.Anything).Return(domain.Session{
		ID: "s-1", Address: "a@mail.test", TTL: 3600,
	}, nil)
	inbox.On("TTLOptions").Return([]int{600, 3600})

	rec, env := do(t, newTestRouter(inbox), http.MethodPost, "/api/session", "")
	require.Equal(t, http.StatusCreated, rec.Code)

	var data sessionResponse
	require.NoError(t, json.Unmarshal(env.Data, &data))
	assert.Equal(t, sessionResponse{SessionID: "s-1", Address: "a@mail.test", TTL: 3600, TTLOptions: []int{600, 3600}}, data)
}

func TestCreateSession_UpstreamFailure(t *testing.T) {
	inbox := new(MockInbox)
	inbox.On("CreateSession", mock.Anything).
		Return(domain.Session{}, fmt.Errorf("create account: %w", domain.ErrUpstream))

	rec, env := do(t, newTestRouter(inbox), http.MethodPost, "/api/session", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, MsgUpstreamFailed, env.Msg)
}

func TestCreateSession_RateLimited(t *testing.T) {
	inbox := new(MockInbox)
	inbox.On("CreateSession", mock.Anything).Return(domain.Session{ID: "s-1"}, nil)
	inbox.On("TTLOptions").Return([]int{3600})

	metrics := monitoring.NewMetricsWith(prometheus.NewRegistry())
	r := NewRouter(RouterDependencies{
		Inbox:          inbox,
		Metrics:        metrics,
		SessionLimiter: middleware.NewMemoryLimiter(1),
	})

	rec, _ := do(t, r, http.MethodPost, "/api/session", "")
	assert.Equal(t, http.StatusCreated, rec.Code)
	rec, env := do(t, r, http.MethodPost, "/api/session", "")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, http.StatusTooManyRequests, env.Code)
	inbox.AssertNumberOfCalls(t, "CreateSession", 1)
}

func TestRotateSession(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		setup  func(m *MockInbox)
		status int
	}{
		{
			name: "成功",
			body: `{"sessionId":"s-1"}`,
			setup: func(m *MockInbox) {
				m.On("RotateSession", mock.Anything, "s-1").Return(domain.Session{ID: "s-1", Address: "new@mail.test"}, nil)
			},
			status: http.StatusOK,
		},
		{name: "缺少 sessionId", body: `{}`, setup: func(*MockInbox) {}, status: http.StatusBadRequest},
		{name: "非法 JSON", body: `{`, setup: func(*MockInbox) {}, status: http.StatusBadRequest},
		{
			name: "会话不存在",
			body: `{"sessionId":"gone"}`,
			setup: func(m *MockInbox) {
				m.On("RotateSession", mock.Anything, "gone").Return(domain.Session{}, domain.ErrSessionNotFound)
			},
			status: http.StatusNotFound,
		},
		{
			name: "上游失败",
			body: `{"sessionId":"s-1"}`,
			setup: func(m *MockInbox) {
				m.On("RotateSession", mock.Anything, "s-1").Return(domain.Session{}, domain.ErrUpstream)
			},
			status: http.StatusInternalServerError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inbox := new(MockInbox)
			tt.setup(inbox)

			rec, env := do(t, newTestRouter(inbox), http.MethodPost, "/api/session/rotate", tt.body)
			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, tt.status, env.Code)
			if tt.status == http.StatusOK {
				assert.JSONEq(t, `{"address":"new@mail.test"}`, string(env.Data))
			}
		})
	}
}

func TestSetTTL(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		ttl    int
		err    error
		call   bool
		status int
	}{
		{name: "成功", body: `{"sessionId":"s-1","ttl":600}`, ttl: 600, call: true, status: http.StatusOK},
		{name: "缺少 ttl", body: `{"sessionId":"s-1"}`, status: http.StatusBadRequest},
		{name: "缺少 sessionId", body: `{"ttl":600}`, status: http.StatusBadRequest},
		{name: "不支持的 ttl", body: `{"sessionId":"s-1","ttl":42}`, ttl: 42, call: true, err: domain.ErrUnsupportedTTL, status: http.StatusUnprocessableEntity},
		{name: "负数 ttl 不支持", body: `{"sessionId":"s-1","ttl":-5}`, ttl: -5, call: true, err: domain.ErrUnsupportedTTL, status: http.StatusUnprocessableEntity},
		{name: "会话不存在", body: `{"sessionId":"s-1","ttl":600}`, ttl: 600, call: true, err: fmt.Errorf("session s-1: %w", domain.ErrSessionNotFound), status: http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inbox := new(MockInbox)
			if tt.call {
				inbox.On("SetTTL", "s-1", tt.ttl).Return(tt.err)
			}

			rec, env := do(t, newTestRouter(inbox), http.MethodPost, "/api/ttl", tt.body)
			assert.Equal(t, tt.status, rec.Code)
			if tt.status == http.StatusOK {
				assert.JSONEq(t, `{"success":true}`, string(env.Data))
			}
			inbox.AssertExpectations(t)
		})
	}
}

func TestListInbox(t *testing.T) {
	inbox := new(MockInbox)
	inbox.On("ListInbox", "s-1").Return([]domain.Message{{ID: "m-1", Subject: "hi"}}, nil)
	inbox.On("ListInbox", "gone").Return([]domain.Message(nil), domain.ErrSessionNotFound)
	r := newTestRouter(inbox)

	rec, env := do(t, r, http.MethodGet, "/api/inbox?sessionId=s-1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var data inboxResponse
	require.NoError(t, json.Unmarshal(env.Data, &data))
	require.Len(t, data.Messages, 1)
	assert.Equal(t, "m-1", data.Messages[0].ID)

	rec, env = do(t, r, http.MethodGet, "/api/inbox", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, MsgSessionIDRequired, env.Msg)

	rec, env = do(t, r, http.MethodGet, "/api/inbox?sessionId=gone", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, MsgSessionNotFound, env.Msg)
}

func TestGetMessage(t *testing.T) {
	inbox := new(MockInbox)
	inbox.On("GetMessage", "s-1", "m-1").Return(domain.Message{ID: "m-1", HTML: "<p>hi</p>"}, nil)
	inbox.On("GetMessage", "s-1", "m-2").Return(domain.Message{}, domain.ErrMessageNotFound)
	r := newTestRouter(inbox)

	rec, env := do(t, r, http.MethodGet, "/api/message?sessionId=s-1&id=m-1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var msg domain.Message
	require.NoError(t, json.Unmarshal(env.Data, &msg))
	assert.Equal(t, "<p>hi</p>", msg.HTML)

	rec, _ = do(t, r, http.MethodGet, "/api/message?sessionId=s-1&id=m-2", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, env = do(t, r, http.MethodGet, "/api/message?sessionId=s-1", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, MsgMessageIDRequired, env.Msg)
}

func TestDownloadAttachment(t *testing.T) {
	inbox := new(MockInbox)
	inbox.On("DownloadAttachment", mock.Anything, "tok").Return(service.Download{
		Filename: "report final.pdf",
		MimeType: "application/pdf",
		Data:     []byte("%PDF"),
	}, nil)
	inbox.On("DownloadAttachment", mock.Anything, "used").Return(service.Download{}, domain.ErrTokenNotFound)
	inbox.On("DownloadAttachment", mock.Anything, "flaky").Return(service.Download{}, fmt.Errorf("fetch attachment: %w", domain.ErrUpstream))
	r := newTestRouter(inbox)

	rec, _ := do(t, r, http.MethodGet, "/api/attachment?token=tok", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/pdf", rec.Header().Get("Content-Type"))
	assert.Equal(t, `attachment; filename="report final.pdf"`, rec.Header().Get("Content-Disposition"))
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))
	assert.Equal(t, "%PDF", rec.Body.String())

	rec, env := do(t, r, http.MethodGet, "/api/attachment?token=used", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, MsgAttachmentNotFound, env.Msg)

	rec, _ = do(t, r, http.MethodGet, "/api/attachment?token=flaky", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	rec, env = do(t, r, http.MethodGet, "/api/attachment", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, MsgTokenRequired, env.Msg)
}

func TestSuggestUsernames(t *testing.T) {
	inbox := new(MockInbox)
	inbox.On("SuggestUsernames", mock.Anything, "mail.test").Return([]string{"blue.fox"}, nil)
	r := newTestRouter(inbox)

	rec, env := do(t, r, http.MethodGet, "/api/usernames?domain=mail.test", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"usernames":["blue.fox"]}`, string(env.Data))

	rec, _ = do(t, r, http.MethodGet, "/api/usernames", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, StatusFor(fmt.Errorf("x: %w", domain.ErrInvalidInput)))
	assert.Equal(t, http.StatusNotFound, StatusFor(domain.ErrTokenNotFound))
	assert.Equal(t, http.StatusNotFound, StatusFor(domain.ErrStaleGeneration))
	assert.Equal(t, http.StatusUnprocessableEntity, StatusFor(domain.ErrUnsupportedTTL))
	assert.Equal(t, http.StatusInternalServerError, StatusFor(domain.ErrUpstream))
	assert.Equal(t, http.StatusInternalServerError, StatusFor(context.DeadlineExceeded))
}

func TestHealthAndMetricsRoutes(t *testing.T) {
	metrics := monitoring.NewMetricsWith(prometheus.NewRegistry())
	r := NewRouter(RouterDependencies{Inbox: new(MockInbox), Metrics: metrics})

	rec, _ := do(t, r, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, _ = do(t, r, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "tempinbox_http_requests_total")
}

func TestCORS(t *testing.T) {
	r := NewRouter(RouterDependencies{Inbox: new(MockInbox), AllowedOrigins: []string{"*"}})

	req := httptest.NewRequest(http.MethodOptions, "/api/session", nil)
	req.Header.Set("Origin", "https://app.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}
