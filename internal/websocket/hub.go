package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"tempinbox/backend/internal/broadcast"
)

// 客户端发送的消息类型
const (
	TypeJoinSession  = "joinSession"
	TypeLeaveSession = "leaveSession"
	TypePong         = "pong"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 4096
)

// Sessions 会话订阅管理（由轮询编排器实现）
type Sessions interface {
	Join(ctx context.Context, conn broadcast.Subscriber, sessionID string) error
	Leave(connID, sessionID string)
	Disconnect(connID string)
}

// Metrics 连接数指标
type Metrics interface {
	SetConnections(n int)
}

type nopMetrics struct{}

func (nopMetrics) SetConnections(int) {}

// Options Hub 配置
type Options struct {
	AllowedOrigins []string
	PingInterval   time.Duration // 应用层 ping 间隔
	ReadTimeout    time.Duration // 超过该时间未收到任何消息则断开
	SendBuffer     int
	Metrics        Metrics
	Logger         *zap.Logger
}

// inbound 客户端发来的消息
type inbound struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId,omitempty"`
}

// Client 代表一个WebSocket客户端连接，实现 broadcast.Subscriber。
type Client struct {
	id     string
	conn   *websocket.Conn
	send   chan []byte
	hub    *Hub
	log    *zap.Logger
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.RWMutex
	closed bool
}

// Hub 管理所有WebSocket连接
type Hub struct {
	clients    map[string]*Client
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	mu         sync.RWMutex

	sessions Sessions
	upgrader websocket.Upgrader
	opts     Options
	metrics  Metrics
	log      *zap.Logger
}

// NewHub 创建WebSocket Hub
//
// 参数:
//   - sessions: 会话订阅管理，连接的加入、离开、断开都转交给它
//   - opts: Origin 白名单、心跳与缓冲配置
//
// 返回值:
//   - *Hub: 创建的 Hub 实例
func NewHub(sessions Sessions, opts Options) *Hub {
	// 如果没有配置，默认允许所有
	if len(opts.AllowedOrigins) == 0 {
		opts.AllowedOrigins = []string{"*"}
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = 30 * time.Second
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = 60 * time.Second
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 256
	}
	if opts.Metrics == nil {
		opts.Metrics = nopMetrics{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	return &Hub{
		clients:    make(map[string]*Client),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		sessions:   sessions,
		upgrader:   upgraderFactory(opts.AllowedOrigins),
		opts:       opts,
		metrics:    opts.Metrics,
		log:        opts.Logger,
	}
}

// upgraderFactory 创建带有 Origin 验证的 WebSocket 升级器
func upgraderFactory(allowedOrigins []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			requestOrigin := r.Header.Get("Origin")
			if requestOrigin == "" {
				return true
			}
			for _, origin := range allowedOrigins {
				if origin == "*" || origin == requestOrigin {
					return true
				}
			}
			return false
		},
	}
}

// Run 启动Hub，ctx 取消后断开所有连接。
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(h.opts.PingInterval)
	defer ticker.Stop()
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.closeAllClients()
			h.log.Info("websocket hub stopped")
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.id] = client
			n := len(h.clients)
			h.mu.Unlock()
			h.metrics.SetConnections(n)
			h.log.Debug("client registered", zap.String("id", client.id))

		case client := <-h.unregister:
			h.mu.Lock()
			_, ok := h.clients[client.id]
			delete(h.clients, client.id)
			n := len(h.clients)
			h.mu.Unlock()
			if ok {
				h.sessions.Disconnect(client.id)
				client.close()
				h.metrics.SetConnections(n)
				h.log.Debug("client unregistered", zap.String("id", client.id))
			}

		case <-ticker.C:
			h.pingAllClients()
		}
	}
}

// Clients 返回当前连接数
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// pingAllClients 向所有客户端发送应用层 ping
func (h *Hub) pingAllClients() {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, client := range h.clients {
		client.Deliver(broadcast.Ping())
	}
}

// closeAllClients 关闭所有客户端连接
func (h *Hub) closeAllClients() {
	h.mu.Lock()
	clients := h.clients
	h.clients = make(map[string]*Client)
	h.mu.Unlock()

	for _, client := range clients {
		h.sessions.Disconnect(client.id)
		client.close()
	}
	h.metrics.SetConnections(0)
}

// HandleWebSocket 处理WebSocket连接
func HandleWebSocket(hub *Hub) gin.HandlerFunc {
	return func(c *gin.Context) {
		conn, err := hub.upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			hub.log.Warn("failed to upgrade connection",
				zap.Error(err),
				zap.String("origin", c.Request.Header.Get("Origin")),
				zap.String("remote_addr", c.ClientIP()))
			return
		}

		ctx, cancel := context.WithCancel(context.Background())
		client := &Client{
			id:     ulid.Make().String(),
			conn:   conn,
			send:   make(chan []byte, hub.opts.SendBuffer),
			hub:    hub,
			log:    hub.log,
			ctx:    ctx,
			cancel: cancel,
		}

		select {
		case hub.register <- client:
		case <-hub.done:
			cancel()
			conn.Close()
			return
		}

		go client.writePump()
		go client.readPump()
	}
}

// ID 返回连接ID
func (c *Client) ID() string {
	return c.id
}

// Deliver 将事件放入发送队列，队列已满或连接已关闭时返回 false。
func (c *Client) Deliver(ev broadcast.Event) bool {
	data, err := json.Marshal(ev)
	if err != nil {
		c.log.Error("failed to marshal event", zap.String("event", ev.Name), zap.Error(err))
		return false
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *Client) close() {
	c.mu.Lock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
	c.mu.Unlock()
	c.cancel()
}

// readPump 处理客户端消息
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	timeout := c.hub.opts.ReadTimeout
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(timeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(timeout))
		return nil
	})

	for {
		var msg inbound
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.log.Warn("websocket read failed", zap.String("id", c.id), zap.Error(err))
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(timeout))
		c.handleMessage(msg)
	}
}

// writePump 发送消息给客户端
func (c *Client) writePump() {
	ticker := time.NewTicker(c.hub.opts.ReadTimeout * 9 / 10)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleMessage 处理接收到的消息
func (c *Client) handleMessage(msg inbound) {
	switch msg.Type {
	case TypeJoinSession:
		if msg.SessionID == "" {
			c.Deliver(broadcast.SessionError("sessionId is required"))
			return
		}
		if err := c.hub.sessions.Join(c.ctx, c, msg.SessionID); err != nil {
			c.log.Debug("join rejected",
				zap.String("id", c.id),
				zap.String("session", msg.SessionID),
				zap.Error(err))
		}
	case TypeLeaveSession:
		if msg.SessionID != "" {
			c.hub.sessions.Leave(c.id, msg.SessionID)
		}
	case TypePong:
		// 读超时已在收到消息时刷新
	default:
		c.log.Warn("unknown message type", zap.String("type", msg.Type))
	}
}
