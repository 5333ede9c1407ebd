package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"tempinbox/backend/internal/domain"
	"tempinbox/backend/internal/monitoring"
	"tempinbox/backend/internal/storage"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	sendBufferSize = 64
)

// ErrHubBusy 广播队列已满
var ErrHubBusy = errors.New("websocket hub busy")

// MailboxChecker 判断邮箱是否存在
type MailboxChecker interface {
	Exists(address string) bool
}

// upgraderFactory 创建带有 Origin 验证的 WebSocket 升级器
func upgraderFactory(allowedOrigins []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			for _, origin := range allowedOrigins {
				if origin == "*" {
					return true
				}
			}

			requestOrigin := r.Header.Get("Origin")
			if requestOrigin == "" {
				return true
			}
			for _, origin := range allowedOrigins {
				if requestOrigin == origin {
					return true
				}
			}
			return false
		},
	}
}

// MessageType 定义WebSocket消息类型
type MessageType string

const (
	MessageTypeNewMail        MessageType = "new_mail"
	MessageTypeMailboxExpired MessageType = "mailbox_expired"
	MessageTypeMailboxDeleted MessageType = "mailbox_deleted"
	MessageTypeSubscribed     MessageType = "subscribed"
	MessageTypePing           MessageType = "ping"
	MessageTypePong           MessageType = "pong"
)

// Message 定义WebSocket消息结构
type Message struct {
	Type      MessageType     `json:"type"`
	Address   string          `json:"address,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewMailData 新邮件通知数据，与 GET /mailbox/{address} 中的邮件摘要一致
type NewMailData struct {
	ID         domain.MessageID `json:"id"`
	Sender     string           `json:"sender"`
	Subject    string           `json:"subject"`
	ReceivedAt time.Time        `json:"receivedAt"`
	IsNew      bool             `json:"isNew"`
}

// Client 代表一个订阅单个邮箱的WebSocket连接
type Client struct {
	ID      string
	Address string
	conn    *websocket.Conn
	send    chan []byte
	hub     *Hub
}

// Hub 管理所有WebSocket连接，按邮箱地址分组推送事件
type Hub struct {
	clients    map[string]*Client            // clientID -> Client
	mailboxes  map[string]map[string]*Client // address -> clientID -> Client
	register   chan *Client
	unregister chan *Client
	broadcast  chan storage.Event
	done       chan struct{}
	mu         sync.RWMutex

	checker        MailboxChecker
	allowedOrigins []string
	metrics        *monitoring.Metrics
	log            *zap.Logger
}

// NewHub 创建WebSocket Hub
//
// 参数:
//   - checker: 用于在升级连接前确认邮箱存在
//   - allowedOrigins: 允许的 Origin 列表，为空时允许所有来源
//   - log: 日志记录器
//
// 返回值:
//   - *Hub: 创建的 Hub 实例
func NewHub(checker MailboxChecker, allowedOrigins []string, log *zap.Logger) *Hub {
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	if log == nil {
		log = zap.NewNop()
	}

	return &Hub{
		clients:        make(map[string]*Client),
		mailboxes:      make(map[string]map[string]*Client),
		register:       make(chan *Client),
		unregister:     make(chan *Client),
		broadcast:      make(chan storage.Event, 256),
		done:           make(chan struct{}),
		checker:        checker,
		allowedOrigins: allowedOrigins,
		log:            log,
	}
}

// SetMetrics 设置监控指标
func (h *Hub) SetMetrics(m *monitoring.Metrics) {
	h.metrics = m
}

// Run 启动Hub，直到 ctx 取消
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.log.Info("websocket hub stopped")
			h.closeAllClients()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.ID] = client
			if h.mailboxes[client.Address] == nil {
				h.mailboxes[client.Address] = make(map[string]*Client)
			}
			h.mailboxes[client.Address][client.ID] = client
			count := len(h.clients)
			h.mu.Unlock()

			h.metrics.UpdateWebSocketClients(count)
			h.log.Debug("client registered", zap.String("id", client.ID), zap.String("address", client.Address))
			h.sendTo(client, &Message{Type: MessageTypeSubscribed, Address: client.Address, Timestamp: time.Now()})

		case client := <-h.unregister:
			h.mu.Lock()
			h.removeLocked(client)
			count := len(h.clients)
			h.mu.Unlock()
			h.metrics.UpdateWebSocketClients(count)

		case ev := <-h.broadcast:
			h.deliver(ev)
		}
	}
}

// Publish 将事件推送给订阅该邮箱的本地客户端，实现 storage.EventPublisher。
//
// 队列已满时立即返回 ErrHubBusy，不阻塞邮件投递。
func (h *Hub) Publish(ctx context.Context, event storage.Event) error {
	select {
	case h.broadcast <- event:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return ErrHubBusy
	}
}

// Subscribers 返回订阅指定邮箱的客户端数
func (h *Hub) Subscribers(address string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.mailboxes[domain.NormalizeAddress(address)])
}

// deliver 向订阅邮箱的客户端发送事件；邮箱过期或删除后断开这些客户端
func (h *Hub) deliver(ev storage.Event) {
	msg, err := toMessage(ev)
	if err != nil {
		h.log.Error("failed to encode event", zap.Error(err))
		return
	}
	data, err := json.Marshal(msg)
	if err != nil {
		h.log.Error("failed to marshal message", zap.Error(err))
		return
	}

	terminal := ev.Kind == storage.EventMailboxExpired || ev.Kind == storage.EventMailboxDeleted

	h.mu.Lock()
	defer h.mu.Unlock()

	for _, client := range h.mailboxes[ev.Address] {
		select {
		case client.send <- data:
		default:
			h.log.Warn("client channel blocked, skipping", zap.String("clientID", client.ID))
		}
		if terminal {
			h.removeLocked(client)
		}
	}
	if terminal {
		h.metrics.UpdateWebSocketClients(len(h.clients))
	}
}

func toMessage(ev storage.Event) (*Message, error) {
	msg := &Message{Address: ev.Address, Timestamp: ev.At}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}

	switch ev.Kind {
	case storage.EventNewMail:
		msg.Type = MessageTypeNewMail
		if ev.Message != nil {
			data, err := json.Marshal(NewMailData{
				ID:         ev.Message.ID,
				Sender:     ev.Message.From,
				Subject:    ev.Message.Subject,
				ReceivedAt: ev.Message.ReceivedAt,
				IsNew:      true,
			})
			if err != nil {
				return nil, err
			}
			msg.Data = data
		}
	case storage.EventMailboxExpired:
		msg.Type = MessageTypeMailboxExpired
	case storage.EventMailboxDeleted:
		msg.Type = MessageTypeMailboxDeleted
	default:
		msg.Type = MessageType(ev.Kind)
	}
	return msg, nil
}

// removeLocked 注销客户端并关闭发送通道，调用方必须持有写锁
func (h *Hub) removeLocked(client *Client) {
	if _, ok := h.clients[client.ID]; !ok {
		return
	}
	if subs, ok := h.mailboxes[client.Address]; ok {
		delete(subs, client.ID)
		if len(subs) == 0 {
			delete(h.mailboxes, client.Address)
		}
	}
	delete(h.clients, client.ID)
	close(client.send)
	h.log.Debug("client unregistered", zap.String("id", client.ID))
}

// sendTo 向仍在注册表中的客户端发送消息
func (h *Hub) sendTo(client *Client, msg *Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.log.Error("failed to marshal message", zap.Error(err))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	if _, ok := h.clients[client.ID]; !ok {
		return
	}
	select {
	case client.send <- data:
	default:
		h.log.Warn("client channel blocked", zap.String("clientID", client.ID))
	}
}

// closeAllClients 关闭所有客户端连接
func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, client := range h.clients {
		close(client.send)
	}
	h.clients = make(map[string]*Client)
	h.mailboxes = make(map[string]map[string]*Client)
}

// HandleWebSocket 处理 GET /mailbox/:address/ws。
//
// 知道地址即可订阅，与读取邮箱的权限一致。
func HandleWebSocket(hub *Hub) gin.HandlerFunc {
	upgrader := upgraderFactory(hub.allowedOrigins)

	return func(c *gin.Context) {
		address := domain.NormalizeAddress(c.Param("address"))
		if hub.checker != nil && !hub.checker.Exists(address) {
			c.JSON(http.StatusNotFound, gin.H{"code": http.StatusNotFound, "msg": "邮箱不存在"})
			return
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			hub.log.Warn("failed to upgrade connection",
				zap.Error(err),
				zap.String("origin", c.Request.Header.Get("Origin")),
				zap.String("remote_addr", c.ClientIP()))
			return
		}

		client := &Client{
			ID:      uuid.NewString(),
			Address: address,
			conn:    conn,
			send:    make(chan []byte, sendBufferSize),
			hub:     hub,
		}

		select {
		case hub.register <- client:
		case <-hub.done:
			_ = conn.Close()
			return
		}

		go client.writePump()
		go client.readPump()
	}
}

// readPump 读取客户端消息，只处理应用层 ping
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(4096)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var msg Message
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.hub.log.Debug("websocket read error", zap.Error(err))
			}
			return
		}

		if msg.Type == MessageTypePing {
			_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
			c.hub.sendTo(c, &Message{Type: MessageTypePong, Address: c.Address, Timestamp: time.Now()})
		}
	}
}

// writePump 发送消息给客户端，发送通道关闭后发出关闭帧
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
