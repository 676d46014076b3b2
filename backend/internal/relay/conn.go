package relay

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"collabspace/backend/internal/transport/wsrelay"
)

const (
	sendQueueSize = 64
	writeWait     = 10 * time.Second
	pongWait      = 60 * time.Second
	pingPeriod    = pongWait * 9 / 10
	maxFrameSize  = 4 << 20
)

// Conn 是 hub 上的一条 websocket 连接
type Conn struct {
	ws     *websocket.Conn
	hub    *Hub
	peerID string
	// 发送队列，由 writeLoop 消费；closed 之后不再入队
	mu     sync.Mutex
	closed bool
	send   chan wsrelay.Frame
}

func NewConn(ws *websocket.Conn, hub *Hub, peerID string) *Conn {
	return &Conn{ws: ws, hub: hub, peerID: peerID, send: make(chan wsrelay.Frame, sendQueueSize)}
}

func (c *Conn) PeerID() string { return c.peerID }

// Enqueue 非阻塞入队，队列满了就丢弃
func (c *Conn) Enqueue(f wsrelay.Frame) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- f:
	default:
		logger.Debugf("send queue of %s full, dropping frame on %s", c.peerID, f.Topic)
		if c.hub.metrics != nil {
			c.hub.metrics.Dropped.Inc()
		}
	}
}

// readLoop 阻塞到连接关闭；退出时离开所有房间并关闭发送队列
func (c *Conn) readLoop() {
	defer func() {
		c.hub.LeaveAll(c)
		c.mu.Lock()
		c.closed = true
		close(c.send)
		c.mu.Unlock()
	}()
	c.ws.SetReadLimit(maxFrameSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		var f wsrelay.Frame
		if err := c.ws.ReadJSON(&f); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Debugf("read frame (peer=%s): %v", c.peerID, err)
			}
			return
		}
		if f.Topic == "" {
			continue
		}
		switch f.Op {
		case wsrelay.OpSubscribe:
			c.hub.Join(f.Topic, c)
		case wsrelay.OpUnsubscribe:
			c.hub.Leave(f.Topic, c)
		case wsrelay.OpPublish:
			c.hub.publish(c, f.Topic, f.Data)
		default:
			logger.Debugf("ignoring %q frame from %s", f.Op, c.peerID)
		}
	}
}

func (c *Conn) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case f, ok := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteJSON(f); err != nil {
				logger.Debugf("write frame (peer=%s): %v", c.peerID, err)
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
