// Package relay 是一个常驻的中继节点：
//   - websocket hub，按 topic 转发 wsrelay 客户端的消息；
//   - GossipSub 节点，自动加入远端节点订阅的任何 topic，并和 hub 互相转发；
//   - Redis 中的房间在线表、MySQL 中的房间统计；
//   - HTTP API（地址、房间、健康检查、指标）。
package relay

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/singleflight"

	"collabspace/backend/internal/transport"
	"collabspace/backend/internal/transport/gossip"
)

var logger = loggo.GetLogger("collabspace.relay")

// DiscoveryTopic 是 pubsub 节点发现使用的 topic，relay 始终订阅
const DiscoveryTopic = "_peer-discovery._p2p._pubsub"

type Options struct {
	// 启动时就加入的 topic
	Topics      []string
	PresenceTTL time.Duration
	WSPath      string
	// 统计写入 Redis/MySQL 的间隔
	FlushInterval time.Duration
	Clock         clock.Clock

	// 可选的外部存储，为 nil 时对应功能关闭
	Presence PresenceCache
	Rooms    RoomRegistry
}

type Server struct {
	opts     Options
	hub      *Hub
	manager  *Manager
	metrics  *Metrics
	registry *prometheus.Registry
	activity *activity
	sf       singleflight.Group

	// node 为 nil 时只提供 websocket 中继
	node   *gossip.Node
	gossip *gossip.Transport
	joins  chan string

	mu       sync.Mutex
	followed map[string]struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New 创建 relay。node 可以为 nil
func New(ctx context.Context, node *gossip.Node, opts Options) (*Server, error) {
	if opts.PresenceTTL <= 0 {
		opts.PresenceTTL = 30 * time.Second
	}
	if opts.WSPath == "" {
		opts.WSPath = "/ws"
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = time.Second
	}
	if opts.Clock == nil {
		opts.Clock = clock.WallClock
	}
	ctx, cancel := context.WithCancel(ctx)
	s := &Server{
		opts:     opts,
		metrics:  NewMetrics(),
		registry: prometheus.NewRegistry(),
		node:     node,
		followed: make(map[string]struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
	s.hub = NewHub(s.metrics)
	s.manager = NewManager(s.hub)
	s.activity = newActivity(opts.Presence, opts.Rooms, opts.PresenceTTL, opts.FlushInterval, opts.Clock)
	if err := s.metrics.Register(s.registry, func() int { return len(s.topics()) }); err != nil {
		cancel()
		return nil, errors.Annotate(err, "register metrics")
	}

	s.hub.onJoin = s.follow
	s.hub.onPublish = s.fromWS

	if node != nil {
		s.joins = make(chan string, 64)
		ps, err := pubsub.NewGossipSub(ctx, node.Host, pubsub.WithRawTracer(&subscriptionTracer{topics: s.joins}))
		if err != nil {
			cancel()
			return nil, errors.Annotate(err, "create gossipsub")
		}
		s.gossip = gossip.Wrap(ctx, ps, node.Host.ID())
		s.gossip.OnMessage(s.fromGossip)
		s.wg.Add(1)
		go s.joinLoop()
		s.follow(DiscoveryTopic)
	}
	for _, t := range opts.Topics {
		s.follow(t)
	}
	s.activity.start()
	return s, nil
}

func (s *Server) Hub() *Hub { return s.hub }

func (s *Server) joinLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case topic := <-s.joins:
			s.follow(topic)
		}
	}
}

// follow 让 gossip 一侧订阅 topic；没有 gossip 时只记录
func (s *Server) follow(topic string) {
	s.mu.Lock()
	_, ok := s.followed[topic]
	s.followed[topic] = struct{}{}
	s.mu.Unlock()
	if ok {
		return
	}
	if s.gossip != nil {
		if err := s.gossip.Subscribe(topic); err != nil {
			logger.Warningf("failed to join %s: %v", topic, err)
			s.mu.Lock()
			delete(s.followed, topic)
			s.mu.Unlock()
			return
		}
	}
	logger.Infof("relaying topic %s", topic)
}

func (s *Server) fromGossip(m transport.Message) {
	if m.From == s.gossip.LocalID() {
		return
	}
	s.hub.Broadcast(m.Topic, m.From, m.Data, nil)
	s.metrics.observe(sourceGossip, len(m.Data))
	s.activity.record(m.Topic, m.From, len(m.Data))
}

func (s *Server) fromWS(topic, from string, data []byte) {
	s.activity.record(topic, from, len(data))
	if s.gossip == nil {
		return
	}
	ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
	defer cancel()
	if err := s.gossip.Publish(ctx, topic, data); err != nil && !errors.Is(err, transport.ErrNoPeers) {
		logger.Debugf("forward %s to gossip: %v", topic, err)
	}
}

// topics 是 websocket 房间和 gossip 已加入 topic 的并集
func (s *Server) topics() []string {
	set := make(map[string]struct{})
	for _, t := range s.hub.Topics() {
		set[t] = struct{}{}
	}
	s.mu.Lock()
	for t := range s.followed {
		set[t] = struct{}{}
	}
	s.mu.Unlock()
	delete(set, DiscoveryTopic)
	out := make([]string, 0, len(set))
	for t := range set {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Close 停止转发并写出最后一批统计；不关闭 node
func (s *Server) Close() error {
	s.cancel()
	s.wg.Wait()
	var err error
	if s.gossip != nil {
		err = s.gossip.Close()
	}
	s.activity.stop()
	return errors.Trace(err)
}

// Serve 在 addr 上提供 HTTP API 和 websocket，ctx 结束时优雅关闭
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.Router()}
	errCh := make(chan error, 1)
	go func() {
		logger.Infof("HTTP API listening on %s", addr)
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		return errors.Annotatef(err, "serve %s", addr)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return errors.Annotate(err, "shutdown http")
		}
		return nil
	}
}
