// Package p2p 把复制文档和 presence 绑定到发布/订阅 mesh 上的一个 topic（每个房间一个）。
//
// Provider 负责：订阅生命周期、消息格式、新节点的追赶握手、本地变更的广播，以及防止回环。
// 传输层不保证送达、不保证顺序，也可能重复投递；收敛完全依赖 CRDT 合并和握手重试。
package p2p

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo"

	"collabspace/backend/internal/origin"
	"collabspace/backend/internal/presence"
	"collabspace/backend/internal/transport"
)

var logger = loggo.GetLogger("collabspace.p2p")

const (
	DefaultRetryInterval  = 2 * time.Second
	DefaultQueueSize      = 256
	DefaultPublishTimeout = 5 * time.Second
)

// Document 是 provider 需要的 CRDT 文档能力，合并必须幂等、可交换、可结合
type Document interface {
	ClientID() uint64
	ApplyUpdate(update []byte, o origin.Origin) error
	EncodeStateAsUpdate() []byte
	ObserveUpdates(fn func(update []byte, o origin.Origin)) (cancel func())
}

// Transport 是 provider 需要的发布/订阅能力。Subscribe/Unsubscribe 幂等，Publish 尽力而为。
type Transport interface {
	Subscribe(topic string) error
	Unsubscribe(topic string) error
	Publish(ctx context.Context, topic string, data []byte) error
	OnMessage(h transport.Handler) (cancel func())
	LocalID() string
}

// Presence 是 provider 需要的 awareness 能力，presence.Registry 实现了它
type Presence interface {
	ClientID() uint64
	SetLocalState(s presence.State)
	SetLocalStateField(key string, value any) error
	GetStates() map[uint64]presence.State
	EncodeUpdate(clients []uint64) ([]byte, error)
	ApplyUpdate(update []byte, o origin.Origin) error
	OnUpdate(fn func(presence.ChangeEvent)) (cancel func())
	Destroy()
}

type Options struct {
	// Presence 为空时 provider 自己创建一个，并在 Destroy 时销毁
	Presence Presence
	// RetryInterval 文档为空时重发 syncRequest 的间隔
	RetryInterval time.Duration
	Clock         clock.Clock
	// DisableSelfFilter 关闭按发送者身份丢弃自己消息的过滤
	DisableSelfFilter bool
	// IsEmpty 判断文档是否还是空的，默认使用文档自己的 IsEmpty
	IsEmpty        func() bool
	QueueSize      int
	PublishTimeout time.Duration
}

type Provider struct {
	id    string
	topic string

	doc          Document
	tr           Transport
	presence     Presence
	ownsPresence bool

	clk            clock.Clock
	retryInterval  time.Duration
	publishTimeout time.Duration
	selfFilter     bool
	isEmpty        func() bool

	docOrigin      origin.Origin
	presenceOrigin origin.Origin

	inbox      chan transport.Message
	docChanged chan struct{}
	done       chan struct{}
	loopDone   chan struct{}

	outMu      sync.RWMutex
	outbox     chan []byte
	outClosed  bool
	senderDone chan struct{}

	cancels     []func()
	subscribed  bool
	synced      atomic.Bool
	destroyOnce sync.Once
}

// New 订阅 roomID 对应的 topic 并开始握手
func New(roomID string, doc Document, tr Transport, opts Options) (*Provider, error) {
	if doc == nil || tr == nil {
		return nil, errors.NotValidf("provider without document or transport")
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = DefaultRetryInterval
	}
	if opts.Clock == nil {
		opts.Clock = clock.WallClock
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.PublishTimeout <= 0 {
		opts.PublishTimeout = DefaultPublishTimeout
	}
	id := uuid.NewString()
	p := &Provider{
		id:             id,
		topic:          TopicFor(roomID),
		doc:            doc,
		tr:             tr,
		presence:       opts.Presence,
		clk:            opts.Clock,
		retryInterval:  opts.RetryInterval,
		publishTimeout: opts.PublishTimeout,
		selfFilter:     !opts.DisableSelfFilter,
		isEmpty:        opts.IsEmpty,
		docOrigin:      origin.Provider(id),
		presenceOrigin: origin.Remote(id),
		inbox:          make(chan transport.Message, opts.QueueSize),
		docChanged:     make(chan struct{}, 1),
		done:           make(chan struct{}),
		outbox:         make(chan []byte, opts.QueueSize),
	}
	if p.presence == nil {
		p.presence = presence.New(doc.ClientID(), presence.Options{Clock: opts.Clock})
		p.ownsPresence = true
	}
	if p.isEmpty == nil {
		p.isEmpty = emptinessOf(doc)
	}

	p.cancels = append(p.cancels, tr.OnMessage(p.onMessage))
	if err := tr.Subscribe(p.topic); err != nil {
		p.Destroy()
		return nil, errors.Annotatef(err, "subscribe %s", p.topic)
	}
	p.subscribed = true
	p.cancels = append(p.cancels,
		doc.ObserveUpdates(p.onDocUpdate),
		p.presence.OnUpdate(p.onPresenceUpdate),
	)

	p.senderDone = make(chan struct{})
	go p.sendLoop()
	p.loopDone = make(chan struct{})
	go p.run()

	logger.Infof("provider %s joined %s", p.id, p.topic)
	p.sendSyncRequest()
	p.sendAwareness([]uint64{p.presence.ClientID()})
	return p, nil
}

// emptinessOf 优先使用文档自己的判断，否则看 snapshot 是否为空
func emptinessOf(doc Document) func() bool {
	if e, ok := doc.(interface{ IsEmpty() bool }); ok {
		return e.IsEmpty
	}
	return func() bool { return len(doc.EncodeStateAsUpdate()) == 0 }
}

func (p *Provider) ID() string             { return p.id }
func (p *Provider) Topic() string          { return p.topic }
func (p *Provider) Synced() bool           { return p.synced.Load() }
func (p *Provider) Presence() Presence     { return p.presence }
func (p *Provider) Users() []presence.User { return presence.Users(p.presence.GetStates()) }

// Destroy 离开房间，可以重复调用，也可以在初始化失败后调用。
// 顺序：广播本地 presence 离开，停止事件循环，解除监听，发完队列，取消订阅，销毁自己创建的 presence。
func (p *Provider) Destroy() {
	if p == nil {
		return
	}
	p.destroyOnce.Do(p.destroy)
}

func (p *Provider) destroy() {
	if p.ownsPresence && p.loopDone != nil {
		// 通知其他节点本地 presence 已离开
		p.presence.SetLocalState(nil)
	}
	close(p.done)
	if p.loopDone != nil {
		<-p.loopDone
	}
	for i := len(p.cancels) - 1; i >= 0; i-- {
		p.cancels[i]()
	}
	p.cancels = nil
	p.closeOutbox()
	if p.senderDone != nil {
		<-p.senderDone
	}
	if p.subscribed {
		if err := p.tr.Unsubscribe(p.topic); err != nil {
			logger.Debugf("unsubscribe %s: %v", p.topic, err)
		}
	}
	if p.ownsPresence {
		p.presence.Destroy()
	}
	logger.Infof("provider %s left %s", p.id, p.topic)
}

// onMessage 在传输层的 goroutine 上调用，只负责把消息交给事件循环
func (p *Provider) onMessage(m transport.Message) {
	if m.Topic != p.topic {
		return
	}
	select {
	case p.inbox <- m:
	case <-p.done:
	}
}

func (p *Provider) onDocUpdate(update []byte, o origin.Origin) {
	if o == p.docOrigin {
		// 自己刚合并的远端更新，不再广播
		return
	}
	p.enqueue(Envelope{Type: KindSyncUpdate, Topic: p.topic, Update: update})
	select {
	case p.docChanged <- struct{}{}:
	default:
	}
}

func (p *Provider) onPresenceUpdate(ev presence.ChangeEvent) {
	if ev.Origin == p.presenceOrigin || ev.Origin.Kind == origin.KindTimeout {
		return
	}
	p.sendAwareness(ev.Changed())
}

// run 是 provider 的事件循环：收到的消息和重试计时器都在这里串行处理
func (p *Provider) run() {
	defer close(p.loopDone)
	timer := p.clk.NewTimer(p.retryInterval)
	defer timer.Stop()
	retry := timer.Chan()

	checkSynced := func() {
		if retry == nil || p.isEmpty() {
			return
		}
		timer.Stop()
		retry = nil
		p.synced.Store(true)
		logger.Debugf("provider %s synced on %s", p.id, p.topic)
	}

	for {
		select {
		case <-p.done:
			return
		case m := <-p.inbox:
			p.handleMessage(m)
			checkSynced()
		case <-p.docChanged:
			checkSynced()
		case <-retry:
			if !p.isEmpty() {
				retry = nil
				p.synced.Store(true)
				continue
			}
			logger.Tracef("provider %s: document still empty, retry sync request", p.id)
			p.sendSyncRequest()
			timer.Reset(p.retryInterval)
		}
	}
}

func (p *Provider) handleMessage(m transport.Message) {
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("provider %s: panic handling message from %s: %v", p.id, m.From, r)
		}
	}()
	if p.selfFilter && m.From == p.tr.LocalID() {
		return
	}
	env, err := DecodeEnvelope(m.Data, p.topic)
	if err != nil {
		logger.Debugf("provider %s: drop message from %s: %v", p.id, m.From, err)
		return
	}
	switch env.Type {
	case KindSyncRequest:
		p.enqueue(Envelope{Type: KindSyncUpdate, Topic: p.topic, Update: p.doc.EncodeStateAsUpdate()})
		states := p.presence.GetStates()
		clients := make([]uint64, 0, len(states))
		for id := range states {
			clients = append(clients, id)
		}
		p.sendAwareness(clients)
	case KindSyncUpdate:
		if err := p.doc.ApplyUpdate(env.Update, p.docOrigin); err != nil {
			logger.Debugf("provider %s: drop document update from %s: %v", p.id, m.From, err)
		}
	case KindAwareness:
		if err := p.presence.ApplyUpdate(env.Update, p.presenceOrigin); err != nil {
			logger.Debugf("provider %s: drop awareness update from %s: %v", p.id, m.From, err)
		}
	}
}

func (p *Provider) sendSyncRequest() {
	p.enqueue(Envelope{Type: KindSyncRequest, Topic: p.topic})
}

func (p *Provider) sendAwareness(clients []uint64) {
	if len(clients) == 0 {
		return
	}
	update, err := p.presence.EncodeUpdate(clients)
	if err != nil {
		logger.Warningf("provider %s: encode awareness: %v", p.id, err)
		return
	}
	if len(update) == 0 {
		return
	}
	p.enqueue(Envelope{Type: KindAwareness, Topic: p.topic, Update: update})
}

// enqueue 把消息放进发送队列，队列满了直接丢弃（发布本来就不可靠，重试由握手负责）
func (p *Provider) enqueue(env Envelope) {
	data, err := env.Encode()
	if err != nil {
		logger.Warningf("provider %s: encode %s: %v", p.id, env.Type, err)
		return
	}
	p.outMu.RLock()
	defer p.outMu.RUnlock()
	if p.outClosed {
		return
	}
	select {
	case p.outbox <- data:
	default:
		logger.Warningf("provider %s: outbound queue full, drop %s", p.id, env.Type)
	}
}

func (p *Provider) closeOutbox() {
	p.outMu.Lock()
	defer p.outMu.Unlock()
	if !p.outClosed {
		p.outClosed = true
		close(p.outbox)
	}
}

// sendLoop 串行发布，失败只记日志
func (p *Provider) sendLoop() {
	defer close(p.senderDone)
	for data := range p.outbox {
		ctx, cancel := context.WithTimeout(context.Background(), p.publishTimeout)
		if err := p.tr.Publish(ctx, p.topic, data); err != nil {
			logger.Debugf("provider %s: publish on %s: %v", p.id, p.topic, err)
		}
		cancel()
	}
}
