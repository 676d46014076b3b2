// Package transport 定义 provider 所依赖的发布/订阅传输层：按 topic 订阅、发布字节、
// 异步收到带发送者身份的消息。具体实现见子包 memory / gossip / redisbus / kafkabus / wsrelay。
package transport

import (
	"sort"
	"sync"

	"github.com/juju/errors"
)

const (
	// ErrNoPeers 发布时没有任何可达的订阅者
	ErrNoPeers = errors.ConstError("no peers subscribed to topic")
	// ErrClosed 传输已经关闭
	ErrClosed = errors.ConstError("transport closed")
)

// Message 是收到的一条消息
type Message struct {
	Topic string
	Data  []byte
	From  string // 发送者的传输层身份
}

type Handler func(Message)

// Listeners 是消息监听器的集合，Add 返回的 cancel 可以重复调用
type Listeners struct {
	mu     sync.Mutex
	nextID uint64
	fns    map[uint64]Handler
}

func (l *Listeners) Add(h Handler) (cancel func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fns == nil {
		l.fns = make(map[uint64]Handler)
	}
	id := l.nextID
	l.nextID++
	l.fns[id] = h
	return func() {
		l.mu.Lock()
		delete(l.fns, id)
		l.mu.Unlock()
	}
}

// Dispatch 按注册顺序把消息交给所有监听器，监听器在锁外调用
func (l *Listeners) Dispatch(m Message) {
	l.mu.Lock()
	ids := make([]uint64, 0, len(l.fns))
	for id := range l.fns {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	hs := make([]Handler, 0, len(ids))
	for _, id := range ids {
		hs = append(hs, l.fns[id])
	}
	l.mu.Unlock()
	for _, h := range hs {
		h(m)
	}
}

func (l *Listeners) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.fns)
}
