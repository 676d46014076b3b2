// Package wsrelay 通过 websocket 连接 relay hub 实现 transport。
//
// hub 只把消息转发给其它订阅者，不会回送给发送方，所以在这个传输上
// 自身过滤不会触发，防回环完全依赖 provider 的 origin 标记。
package wsrelay

import (
	"context"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/juju/errors"
	"github.com/juju/loggo"

	"collabspace/backend/internal/transport"
)

var logger = loggo.GetLogger("collabspace.transport.wsrelay")

const writeTimeout = 5 * time.Second

type Client struct {
	id string
	ws *websocket.Conn

	writeMu sync.Mutex

	mu     sync.Mutex
	closed bool
	topics map[string]struct{}

	done      chan struct{}
	closeOnce sync.Once

	listeners transport.Listeners
}

// Dial 连接 relay，例如 ws://127.0.0.1:9090/ws。id 为空时生成随机 id
func Dial(ctx context.Context, rawURL, id string) (*Client, error) {
	if id == "" {
		id = uuid.NewString()
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, errors.NotValidf("relay url %q", rawURL)
	}
	q := u.Query()
	q.Set(PeerParam, id)
	u.RawQuery = q.Encode()

	ws, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, errors.Annotatef(err, "dial relay %s", rawURL)
	}
	c := &Client{
		id:     id,
		ws:     ws,
		topics: make(map[string]struct{}),
		done:   make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

func (c *Client) LocalID() string { return c.id }

// Done 在连接断开后关闭
func (c *Client) Done() <-chan struct{} { return c.done }

func (c *Client) OnMessage(h transport.Handler) (cancel func()) {
	return c.listeners.Add(h)
}

func (c *Client) readLoop() {
	defer c.shutdown()
	for {
		var f Frame
		if err := c.ws.ReadJSON(&f); err != nil {
			c.mu.Lock()
			closed := c.closed
			c.mu.Unlock()
			if !closed {
				logger.Warningf("relay connection lost: %v", err)
			}
			return
		}
		if f.Op != OpMessage {
			logger.Debugf("ignoring %q frame from relay", f.Op)
			continue
		}
		c.listeners.Dispatch(transport.Message{Topic: f.Topic, Data: f.Data, From: f.From})
	}
}

func (c *Client) write(ctx context.Context, f Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	deadline := time.Now().Add(writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = c.ws.SetWriteDeadline(deadline)
	return errors.Trace(c.ws.WriteJSON(f))
}

func (c *Client) Subscribe(topic string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.lost() {
		return transport.ErrClosed
	}
	if _, ok := c.topics[topic]; ok {
		return nil
	}
	if err := c.write(context.Background(), Frame{Op: OpSubscribe, Topic: topic}); err != nil {
		return errors.Annotatef(err, "subscribe %q", topic)
	}
	c.topics[topic] = struct{}{}
	return nil
}

func (c *Client) Unsubscribe(topic string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.topics[topic]; !ok || c.closed {
		return nil
	}
	delete(c.topics, topic)
	return errors.Annotatef(c.write(context.Background(), Frame{Op: OpUnsubscribe, Topic: topic}), "unsubscribe %q", topic)
}

// Publish 把消息交给 hub；hub 不回执，因此不会返回 ErrNoPeers
func (c *Client) Publish(ctx context.Context, topic string, data []byte) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed || c.lost() {
		return transport.ErrClosed
	}
	return c.write(ctx, Frame{Op: OpPublish, Topic: topic, Data: data})
}

func (c *Client) shutdown() {
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *Client) lost() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Close 发送关闭帧并断开连接
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.writeMu.Lock()
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	c.writeMu.Unlock()
	err := c.ws.Close()
	<-c.done
	return errors.Trace(err)
}
