// Package memory 是进程内的发布/订阅总线，用来在测试和演示里模拟 mesh：
// 可以把消息回显给发送者、重复投递、乱序投递或者整体丢弃。
package memory

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/juju/loggo"

	"collabspace/backend/internal/transport"
)

var logger = loggo.GetLogger("collabspace.transport.memory")

type Options struct {
	// EchoToSelf 发布者也会收到自己的消息（模拟 GossipSub / Redis 的行为）
	EchoToSelf bool
	// Duplicates 每条消息额外投递的次数
	Duplicates int
	// MaxDelay 大于 0 时每条消息随机延迟后独立投递，消息之间没有顺序
	MaxDelay time.Duration
}

// Published 是发布日志里的一条记录
type Published struct {
	Topic string
	From  string
	Data  []byte
}

type Bus struct {
	opts Options

	mu    sync.Mutex
	peers map[string]*Peer
	log   []Published
	drop  bool

	inflight sync.WaitGroup
}

func NewBus(opts Options) *Bus {
	return &Bus{opts: opts, peers: make(map[string]*Peer)}
}

// NewPeer 在总线上创建一个节点，id 为空时随机生成
func (b *Bus) NewPeer(id string) *Peer {
	if id == "" {
		id = uuid.NewString()
	}
	p := &Peer{
		bus:    b,
		id:     id,
		topics: make(map[string]bool),
		inbox:  make(chan transport.Message, 1024),
		done:   make(chan struct{}),
	}
	b.mu.Lock()
	b.peers[id] = p
	b.mu.Unlock()
	go p.deliverLoop()
	return p
}

// SetDrop 打开后所有发布都被静默丢弃（发布本身仍然记日志）
func (b *Bus) SetDrop(drop bool) {
	b.mu.Lock()
	b.drop = drop
	b.mu.Unlock()
}

// Published 返回某个 topic 上的发布记录，topic 为空返回全部
func (b *Bus) Published(topic string) []Published {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []Published
	for _, p := range b.log {
		if topic == "" || p.Topic == topic {
			out = append(out, p)
		}
	}
	return out
}

// Wait 等待所有已发出的消息交给监听器
func (b *Bus) Wait() { b.inflight.Wait() }

func (b *Bus) publish(from *Peer, topic string, data []byte) error {
	b.mu.Lock()
	b.log = append(b.log, Published{Topic: topic, From: from.id, Data: append([]byte(nil), data...)})
	if b.drop {
		b.mu.Unlock()
		return nil
	}
	var targets []*Peer
	others := 0
	for _, p := range b.peers {
		if !p.subscribed(topic) {
			continue
		}
		if p == from {
			if !b.opts.EchoToSelf {
				continue
			}
		} else {
			others++
		}
		targets = append(targets, p)
	}
	b.mu.Unlock()

	for _, p := range targets {
		for n := 0; n <= b.opts.Duplicates; n++ {
			b.deliver(p, transport.Message{Topic: topic, Data: append([]byte(nil), data...), From: from.id})
		}
	}
	if others == 0 {
		return transport.ErrNoPeers
	}
	return nil
}

func (b *Bus) deliver(p *Peer, m transport.Message) {
	b.inflight.Add(1)
	if b.opts.MaxDelay > 0 {
		delay := rand.N(b.opts.MaxDelay)
		go func() {
			defer b.inflight.Done()
			time.Sleep(delay)
			p.dispatch(m)
		}()
		return
	}
	p.sendMu.RLock()
	defer p.sendMu.RUnlock()
	if p.stopped {
		b.inflight.Done()
		return
	}
	select {
	case p.inbox <- m:
	case <-p.done:
		b.inflight.Done()
	}
}

func (b *Bus) remove(p *Peer) {
	b.mu.Lock()
	if b.peers[p.id] == p {
		delete(b.peers, p.id)
	}
	b.mu.Unlock()
}

// Peer 实现 provider 需要的传输接口
type Peer struct {
	bus *Bus
	id  string

	mu     sync.Mutex
	topics map[string]bool

	listeners transport.Listeners
	inbox     chan transport.Message
	done      chan struct{}
	closeOnce sync.Once

	// stopped 之后不再往 inbox 里放消息
	sendMu  sync.RWMutex
	stopped bool
}

func (p *Peer) LocalID() string { return p.id }

func (p *Peer) Subscribe(topic string) error {
	if p.closed() {
		return transport.ErrClosed
	}
	p.mu.Lock()
	p.topics[topic] = true
	p.mu.Unlock()
	return nil
}

func (p *Peer) Unsubscribe(topic string) error {
	p.mu.Lock()
	delete(p.topics, topic)
	p.mu.Unlock()
	return nil
}

func (p *Peer) Publish(_ context.Context, topic string, data []byte) error {
	if p.closed() {
		return transport.ErrClosed
	}
	return p.bus.publish(p, topic, data)
}

func (p *Peer) OnMessage(h transport.Handler) (cancel func()) {
	return p.listeners.Add(h)
}

// Close 离开总线，可重复调用
func (p *Peer) Close() error {
	p.closeOnce.Do(func() {
		p.bus.remove(p)
		close(p.done)
		// 等正在投递的发送方退出，再清掉 inbox 里剩下的消息
		p.sendMu.Lock()
		p.stopped = true
		p.sendMu.Unlock()
		p.drain()
	})
	return nil
}

func (p *Peer) drain() {
	for {
		select {
		case <-p.inbox:
			p.bus.inflight.Done()
		default:
			return
		}
	}
}

func (p *Peer) closed() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

func (p *Peer) subscribed(topic string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.topics[topic]
}

func (p *Peer) deliverLoop() {
	for {
		select {
		case <-p.done:
			// 丢掉还没投递的消息
			p.drain()
			return
		case m := <-p.inbox:
			p.dispatch(m)
			p.bus.inflight.Done()
		}
	}
}

func (p *Peer) dispatch(m transport.Message) {
	if p.closed() || !p.subscribed(m.Topic) {
		logger.Tracef("peer %s drops message on %s", p.id, m.Topic)
		return
	}
	p.listeners.Dispatch(m)
}
