// Package redisbus 用 Redis pub/sub 实现 transport：每个 topic 对应一个 channel。
//
// Redis 会把消息也投递给发布者自己的订阅连接，所以需要上层的自身过滤。
package redisbus

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/juju/errors"
	"github.com/juju/loggo"
	redis "github.com/redis/go-redis/v9"
	"google.golang.org/protobuf/encoding/protowire"

	"collabspace/backend/internal/transport"
)

var logger = loggo.GetLogger("collabspace.transport.redisbus")

// ChannelPrefix 避免和同一个 Redis 里的其它 channel 冲突
const ChannelPrefix = "collab:"

// Bus 是一个节点到 Redis 的 pub/sub 连接
type Bus struct {
	rdb redis.UniversalClient
	id  string

	mu     sync.Mutex
	closed bool
	ps     *redis.PubSub
	topics map[string]struct{}
	wg     sync.WaitGroup

	listeners transport.Listeners
}

// New 创建一个 Bus。id 为空时生成随机 id；收到的消息 From 为发送方的 id
func New(rdb redis.UniversalClient, id string) *Bus {
	if id == "" {
		id = uuid.NewString()
	}
	return &Bus{rdb: rdb, id: id, topics: make(map[string]struct{})}
}

func (b *Bus) LocalID() string { return b.id }

func (b *Bus) OnMessage(h transport.Handler) (cancel func()) {
	return b.listeners.Add(h)
}

func channelOf(topic string) string { return ChannelPrefix + topic }

func (b *Bus) Subscribe(topic string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return transport.ErrClosed
	}
	if _, ok := b.topics[topic]; ok {
		return nil
	}
	ctx := context.Background()
	if b.ps == nil {
		// 第一次订阅时建立连接，等待订阅确认，之后的 channel 在同一连接上追加
		ps := b.rdb.Subscribe(ctx, channelOf(topic))
		if _, err := ps.Receive(ctx); err != nil {
			_ = ps.Close()
			return errors.Annotatef(err, "subscribe %q", topic)
		}
		b.ps = ps
		b.wg.Add(1)
		go b.receiveLoop(ps.Channel())
	} else if err := b.ps.Subscribe(ctx, channelOf(topic)); err != nil {
		return errors.Annotatef(err, "subscribe %q", topic)
	}
	b.topics[topic] = struct{}{}
	logger.Debugf("%s subscribed to %s", b.id, topic)
	return nil
}

func (b *Bus) receiveLoop(ch <-chan *redis.Message) {
	defer b.wg.Done()
	for msg := range ch {
		from, data, err := decodeFrame([]byte(msg.Payload))
		if err != nil {
			logger.Debugf("dropping frame on %s: %v", msg.Channel, err)
			continue
		}
		b.listeners.Dispatch(transport.Message{
			Topic: msg.Channel[len(ChannelPrefix):],
			Data:  data,
			From:  from,
		})
	}
}

func (b *Bus) Unsubscribe(topic string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.topics[topic]; !ok || b.ps == nil {
		return nil
	}
	delete(b.topics, topic)
	return errors.Annotatef(b.ps.Unsubscribe(context.Background(), channelOf(topic)), "unsubscribe %q", topic)
}

// Publish 发布一帧；除自己以外没有订阅者时返回 ErrNoPeers
func (b *Bus) Publish(ctx context.Context, topic string, data []byte) error {
	b.mu.Lock()
	closed := b.closed
	_, self := b.topics[topic]
	b.mu.Unlock()
	if closed {
		return transport.ErrClosed
	}
	n, err := b.rdb.Publish(ctx, channelOf(topic), encodeFrame(b.id, data)).Result()
	if err != nil {
		return errors.Annotatef(err, "publish %q", topic)
	}
	if self {
		n--
	}
	if n <= 0 {
		return transport.ErrNoPeers
	}
	return nil
}

// Close 关闭订阅连接，不关闭 rdb
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	ps := b.ps
	b.topics = map[string]struct{}{}
	b.mu.Unlock()
	var err error
	if ps != nil {
		err = ps.Close()
	}
	b.wg.Wait()
	return errors.Trace(err)
}

const (
	frameFrom = 1
	frameData = 2
)

// 帧格式：{1: 发送方 id, 2: 负载}
func encodeFrame(from string, data []byte) []byte {
	b := make([]byte, 0, len(from)+len(data)+8)
	b = protowire.AppendTag(b, frameFrom, protowire.BytesType)
	b = protowire.AppendString(b, from)
	b = protowire.AppendTag(b, frameData, protowire.BytesType)
	b = protowire.AppendBytes(b, data)
	return b
}

func decodeFrame(b []byte) (from string, data []byte, err error) {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return "", nil, errors.NotValidf("frame tag")
		}
		b = b[n:]
		if typ != protowire.BytesType {
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return "", nil, errors.NotValidf("frame field %d", num)
			}
			b = b[n:]
			continue
		}
		v, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return "", nil, errors.NotValidf("frame field %d", num)
		}
		b = b[n:]
		switch num {
		case frameFrom:
			from = string(v)
		case frameData:
			data = v
		}
	}
	if from == "" {
		return "", nil, errors.NotValidf("frame without sender")
	}
	return from, data, nil
}
