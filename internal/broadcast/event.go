package broadcast

import "tempinbox/backend/internal/domain"

// 服务端推送的事件名称
const (
	EventInboxUpdate    = "inbox:update"
	EventInboxError     = "inbox:error"
	EventSessionError   = "session:error"
	EventSessionExpired = "session:expired"
	EventPing           = "ping"
)

// Event 推送给订阅者的事件
type Event struct {
	Name string `json:"event"`
	Data any    `json:"data,omitempty"`
}

// InboxPayload inbox:update 事件的数据
type InboxPayload struct {
	Messages []domain.Message `json:"messages"`
}

// ErrorPayload inbox:error / session:error 事件的数据
type ErrorPayload struct {
	Message string `json:"message"`
}

// InboxUpdate 构造收件箱更新事件。
func InboxUpdate(messages []domain.Message) Event {
	if messages == nil {
		messages = []domain.Message{}
	}
	return Event{Name: EventInboxUpdate, Data: InboxPayload{Messages: messages}}
}

// InboxError 构造同步失败事件。
func InboxError(message string) Event {
	return Event{Name: EventInboxError, Data: ErrorPayload{Message: message}}
}

// SessionError 构造会话错误事件。
func SessionError(message string) Event {
	return Event{Name: EventSessionError, Data: ErrorPayload{Message: message}}
}

// SessionExpired 构造会话过期事件。
func SessionExpired() Event {
	return Event{Name: EventSessionExpired}
}

// Ping 构造心跳事件，客户端应回复 {"type":"pong"}。
func Ping() Event {
	return Event{Name: EventPing}
}
