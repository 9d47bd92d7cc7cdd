// Package broadcast 把队列变化推送给已连接的 websocket 客户端
package broadcast

import (
	"encoding/json"
	"sync"
	"time"

	"StemFM/logger"

	"github.com/gorilla/websocket"
)

// EventType 广播事件类型
type EventType string

const (
	EventRequestAdded   EventType = "request_added"   // 请求进入就绪队列
	EventRequestRemoved EventType = "request_removed" // 请求离开就绪队列
	EventPing           EventType = "ping"
	EventPong           EventType = "pong"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxMessageSize = 512
	sendBuffer     = 64
)

// Event 发给客户端的消息
type Event struct {
	Type      EventType `json:"type"`
	RequestID int64     `json:"requestId,omitempty"`
	Timestamp int64     `json:"timestamp"`
}

// Client 一个 websocket 连接
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	pong chan struct{}
	// Name 连接时鉴权得到的点歌人，匿名为空
	Name string
}

// Hub 维护所有连接并把队列事件扇出给它们
type Hub struct {
	clients map[*Client]bool

	register   chan *Client
	unregister chan *Client
	broadcast  chan []byte

	mu   sync.RWMutex
	done chan struct{}
	once sync.Once
	now  func() time.Time
}

// NewHub 创建 Hub，需要调用 Run 启动
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan []byte, 256),
		done:       make(chan struct{}),
		now:        time.Now,
	}
}

// Run Hub 主循环，Stop 之后返回
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			logger.Debug("websocket client registered", logger.String("name", client.Name))

		case client := <-h.unregister:
			h.mu.Lock()
			h.removeClient(client)
			h.mu.Unlock()

		case msg := <-h.broadcast:
			h.fanOut(msg)

		case <-h.done:
			h.cleanup()
			return
		}
	}
}

// Stop 停止 Hub 并关闭所有连接的发送通道
func (h *Hub) Stop() {
	h.once.Do(func() { close(h.done) })
}

// RequestAdded 广播 request_added
func (h *Hub) RequestAdded(id int64) {
	h.publish(EventRequestAdded, id)
}

// RequestRemoved 广播 request_removed
func (h *Hub) RequestRemoved(id int64) {
	h.publish(EventRequestRemoved, id)
}

// ClientCount 当前连接数
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Attach 把已升级的连接交给 Hub，并启动读写循环
func (h *Hub) Attach(conn *websocket.Conn, name string) *Client {
	c := &Client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, sendBuffer),
		pong: make(chan struct{}, 1),
		Name: name,
	}
	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return c
	}
	go c.writePump()
	go c.readPump()
	return c
}

// publish 不阻塞调用方：Hub 已停止或缓冲区满时丢弃事件
func (h *Hub) publish(t EventType, id int64) {
	data, err := json.Marshal(Event{Type: t, RequestID: id, Timestamp: h.now().UnixMilli()})
	if err != nil {
		logger.Error("failed to marshal event", logger.ErrorField(err))
		return
	}
	select {
	case h.broadcast <- data:
	case <-h.done:
	default:
		logger.Warn("broadcast buffer full, event dropped",
			logger.String("type", string(t)),
			logger.RequestID(id))
	}
}

func (h *Hub) fanOut(msg []byte) {
	h.mu.RLock()
	list := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		list = append(list, c)
	}
	h.mu.RUnlock()

	for _, c := range list {
		select {
		case c.send <- msg:
		default:
			// 慢客户端直接断开
			h.mu.Lock()
			h.removeClient(c)
			h.mu.Unlock()
		}
	}
}

// removeClient 需要持有写锁
func (h *Hub) removeClient(c *Client) {
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
		logger.Debug("websocket client unregistered", logger.String("name", c.Name))
	}
}

func (h *Hub) cleanup() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		close(c.send)
	}
	h.clients = make(map[*Client]bool)
}

func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Warn("websocket read error", logger.ErrorField(err), logger.String("name", c.Name))
			}
			return
		}

		// 客户端只会发心跳，其余消息忽略
		var ev Event
		if err := json.Unmarshal(message, &ev); err != nil || ev.Type != EventPing {
			continue
		}
		// send 可能已被 Hub 关闭，心跳回复走单独的通道
		select {
		case c.pong <- struct{}{}:
		default:
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
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
			// 每个事件单独一帧，客户端按帧解析 JSON
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-c.pong:
			pong, _ := json.Marshal(Event{Type: EventPong, Timestamp: c.hub.now().UnixMilli()})
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, pong); err != nil {
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
