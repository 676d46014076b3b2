package relay

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"collabspace/backend/internal/transport/wsrelay"
)

// relay 面向任意来源开放，和 HTTP API 的 CORS 策略一致
var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

type Manager struct {
	h *Hub
}

func NewManager(h *Hub) *Manager {
	return &Manager{h: h}
}

// WebSocketConnect 升级连接并阻塞到连接关闭。节点 id 取自 ?peer=，缺省时随机分配
func (m *Manager) WebSocketConnect(c *gin.Context) {
	peerID := c.Query(wsrelay.PeerParam)
	if peerID == "" {
		peerID = uuid.NewString()
	}
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Warningf("websocket upgrade error: %v (origin=%s)", err, c.Request.Header.Get("Origin"))
		return
	}
	defer ws.Close()

	if m.h.metrics != nil {
		m.h.metrics.Connections.Inc()
		defer m.h.metrics.Connections.Dec()
	}
	conn := NewConn(ws, m.h, peerID)
	logger.Debugf("peer %s connected from %s", peerID, c.ClientIP())

	// 先启动写循环，再进入读循环（阻塞至连接关闭）
	done := make(chan struct{})
	go func() {
		defer close(done)
		conn.writeLoop()
		// 写失败时关闭连接，让读循环退出
		_ = ws.Close()
	}()
	conn.readLoop()
	<-done
	logger.Debugf("peer %s disconnected", peerID)
}
