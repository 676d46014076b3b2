// Package gossip 用 libp2p GossipSub 实现 transport。
//
// GossipSub 会把本节点发布的消息投递给本节点自己的订阅，因此上层的
// 自身过滤（From == LocalID）在这个传输上是必需的。
package gossip

import (
	"context"
	"sync"

	"github.com/juju/errors"
	"github.com/juju/loggo"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"

	"collabspace/backend/internal/transport"
)

var logger = loggo.GetLogger("collabspace.transport.gossip")

type subscription struct {
	sub    *pubsub.Subscription
	cancel context.CancelFunc
}

// Transport 把 transport 的订阅/发布映射到 GossipSub 的 Join/Subscribe/Publish
type Transport struct {
	ps   *pubsub.PubSub
	self peer.ID

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
	// topic 一旦 Join 就保留到 Close：重复 Join 同一个 topic 会报错
	topics map[string]*pubsub.Topic
	subs   map[string]*subscription
	wg     sync.WaitGroup

	listeners transport.Listeners
}

// New 在 h 上创建一个 GossipSub 路由并包装成 Transport
func New(ctx context.Context, h host.Host, opts ...pubsub.Option) (*Transport, error) {
	ps, err := pubsub.NewGossipSub(ctx, h, opts...)
	if err != nil {
		return nil, errors.Annotate(err, "create gossipsub")
	}
	return Wrap(ctx, ps, h.ID()), nil
}

// Wrap 复用已有的 PubSub（relay 用它和自己的 tracer 共享一个路由）
func Wrap(ctx context.Context, ps *pubsub.PubSub, self peer.ID) *Transport {
	ctx, cancel := context.WithCancel(ctx)
	return &Transport{
		ps:     ps,
		self:   self,
		ctx:    ctx,
		cancel: cancel,
		topics: make(map[string]*pubsub.Topic),
		subs:   make(map[string]*subscription),
	}
}

func (t *Transport) LocalID() string { return t.self.String() }

func (t *Transport) PubSub() *pubsub.PubSub { return t.ps }

func (t *Transport) OnMessage(h transport.Handler) (cancel func()) {
	return t.listeners.Add(h)
}

func (t *Transport) joinLocked(topic string) (*pubsub.Topic, error) {
	if tp, ok := t.topics[topic]; ok {
		return tp, nil
	}
	tp, err := t.ps.Join(topic)
	if err != nil {
		return nil, errors.Annotatef(err, "join %q", topic)
	}
	t.topics[topic] = tp
	return tp, nil
}

func (t *Transport) Subscribe(topic string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return transport.ErrClosed
	}
	if _, ok := t.subs[topic]; ok {
		return nil
	}
	tp, err := t.joinLocked(topic)
	if err != nil {
		return err
	}
	sub, err := tp.Subscribe()
	if err != nil {
		return errors.Annotatef(err, "subscribe %q", topic)
	}
	ctx, cancel := context.WithCancel(t.ctx)
	t.subs[topic] = &subscription{sub: sub, cancel: cancel}
	t.wg.Add(1)
	go t.consume(ctx, topic, sub)
	logger.Debugf("subscribed to %s", topic)
	return nil
}

func (t *Transport) consume(ctx context.Context, topic string, sub *pubsub.Subscription) {
	defer t.wg.Done()
	for {
		msg, err := sub.Next(ctx)
		if err != nil {
			if !errors.Is(err, context.Canceled) && !errors.Is(err, pubsub.ErrSubscriptionCancelled) {
				logger.Warningf("subscription %s stopped: %v", topic, err)
			}
			return
		}
		t.listeners.Dispatch(transport.Message{
			Topic: topic,
			Data:  msg.Data,
			From:  msg.GetFrom().String(),
		})
	}
}

func (t *Transport) Unsubscribe(topic string) error {
	t.mu.Lock()
	s, ok := t.subs[topic]
	delete(t.subs, topic)
	t.mu.Unlock()
	if !ok {
		return nil
	}
	s.cancel()
	s.sub.Cancel()
	logger.Debugf("unsubscribed from %s", topic)
	return nil
}

// Publish 发布到 topic；当前没有任何远端订阅者时消息仍然发出，但返回 ErrNoPeers
func (t *Transport) Publish(ctx context.Context, topic string, data []byte) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return transport.ErrClosed
	}
	tp, err := t.joinLocked(topic)
	t.mu.Unlock()
	if err != nil {
		return err
	}
	if err := tp.Publish(ctx, data); err != nil {
		return errors.Annotatef(err, "publish %q", topic)
	}
	if len(tp.ListPeers()) == 0 {
		return transport.ErrNoPeers
	}
	return nil
}

// Peers 返回当前在 topic 上的远端节点
func (t *Transport) Peers(topic string) []peer.ID {
	return t.ps.ListPeers(topic)
}

// Close 取消所有订阅并离开所有 topic，不关闭底层 host
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	subs := t.subs
	topics := t.topics
	t.subs = map[string]*subscription{}
	t.topics = map[string]*pubsub.Topic{}
	t.mu.Unlock()

	for _, s := range subs {
		s.cancel()
		s.sub.Cancel()
	}
	t.cancel()
	t.wg.Wait()
	for name, tp := range topics {
		if err := tp.Close(); err != nil {
			logger.Debugf("close topic %s: %v", name, err)
		}
	}
	return nil
}
