package relay

import (
	"sort"
	"sync"

	"collabspace/backend/internal/transport/wsrelay"
)

// Hub 维护 websocket 连接的 topic 房间，并把消息转发给同一 topic 的其它连接
type Hub struct {
	// 读写锁保护 rooms：加入/离开房间、广播都先加锁
	mu sync.RWMutex
	// topic -> set of connections
	rooms map[string]map[*Conn]struct{}

	// onJoin / onPublish 把 websocket 一侧的订阅和消息交给 gossip 一侧
	onJoin    func(topic string)
	onPublish func(topic, from string, data []byte)
	metrics   *Metrics
}

func NewHub(metrics *Metrics) *Hub {
	return &Hub{rooms: make(map[string]map[*Conn]struct{}), metrics: metrics}
}

// Join 将连接加入 topic 房间
func (h *Hub) Join(topic string, c *Conn) {
	h.mu.Lock()
	if h.rooms[topic] == nil {
		// 同一个节点可以有多条连接，房间里按连接存而不是按节点 id 存
		h.rooms[topic] = make(map[*Conn]struct{})
	}
	h.rooms[topic][c] = struct{}{}
	h.mu.Unlock()
	if h.onJoin != nil {
		h.onJoin(topic)
	}
}

// Leave 将连接从 topic 房间移除，房间空了就删除
func (h *Hub) Leave(topic string, c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if conns, ok := h.rooms[topic]; ok {
		delete(conns, c)
		if len(conns) == 0 {
			delete(h.rooms, topic)
		}
	}
}

// LeaveAll 在连接断开时调用
func (h *Hub) LeaveAll(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for topic, conns := range h.rooms {
		delete(conns, c)
		if len(conns) == 0 {
			delete(h.rooms, topic)
		}
	}
}

// Broadcast 把消息投递给 topic 上除 except 以外的所有连接，返回投递的连接数
func (h *Hub) Broadcast(topic, from string, data []byte, except *Conn) int {
	h.mu.RLock()
	targets := make([]*Conn, 0, len(h.rooms[topic]))
	for c := range h.rooms[topic] {
		if c != except {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	msg := wsrelay.Frame{Op: wsrelay.OpMessage, Topic: topic, From: from, Data: data}
	for _, c := range targets {
		c.Enqueue(msg)
	}
	return len(targets)
}

// publish 处理来自 websocket 连接的发布
func (h *Hub) publish(c *Conn, topic string, data []byte) {
	h.Broadcast(topic, c.peerID, data, c)
	if h.metrics != nil {
		h.metrics.observe(sourceWS, len(data))
	}
	if h.onPublish != nil {
		h.onPublish(topic, c.peerID, data)
	}
}

func (h *Hub) Topics() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	topics := make([]string, 0, len(h.rooms))
	for t := range h.rooms {
		topics = append(topics, t)
	}
	sort.Strings(topics)
	return topics
}

// Members 返回 topic 上连接的节点 id（去重、排序）
func (h *Hub) Members(topic string) []string {
	h.mu.RLock()
	seen := make(map[string]struct{}, len(h.rooms[topic]))
	for c := range h.rooms[topic] {
		seen[c.peerID] = struct{}{}
	}
	h.mu.RUnlock()
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
