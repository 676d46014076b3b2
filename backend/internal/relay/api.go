package relay

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/juju/errors"
	"github.com/multiformats/go-multiaddr"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"collabspace/backend/internal/transport/gossip"
)

type Addresses struct {
	PeerID    string   `json:"peerId,omitempty"`
	Websocket []string `json:"websocket"`
	TCP       []string `json:"tcp"`
	All       []string `json:"all"`
	// Relay 是 wsrelay 客户端使用的地址
	Relay string `json:"relay"`
}

type RoomView struct {
	Topic       string     `json:"topic"`
	WSPeers     []string   `json:"wsPeers"`
	GossipPeers []string   `json:"gossipPeers,omitempty"`
	Alive       []string   `json:"alive,omitempty"`
	Stats       *RoomStats `json:"stats,omitempty"`
}

// Router 返回 relay 的 HTTP 路由，websocket 挂在 WSPath 上
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Logger())
	r.Use(gin.Recovery())
	r.Use(cors.New(cors.Config{
		// 允许任意来源（包含 file:// 场景的 Origin: null）
		AllowOriginFunc: func(origin string) bool { return true },
		AllowMethods:    []string{"GET", "OPTIONS"},
		AllowHeaders:    []string{"Origin", "Content-Type", "Accept"},
		ExposeHeaders:   []string{"Content-Length"},
		MaxAge:          12 * time.Hour,
	}))

	r.GET(s.opts.WSPath, s.manager.WebSocketConnect)
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})))

	api := r.Group("/api")
	{
		api.GET("/addresses", s.handleAddresses)
		api.GET("/rooms", s.handleRooms)
		api.GET("/rooms/:topic", s.handleRoom)
	}
	return r
}

func wsScheme(c *gin.Context) string {
	if c.Request.TLS != nil || c.GetHeader("X-Forwarded-Proto") == "https" {
		return "wss"
	}
	return "ws"
}

func (s *Server) handleAddresses(c *gin.Context) {
	out := Addresses{
		Websocket: []string{},
		TCP:       []string{},
		All:       []string{},
		Relay:     wsScheme(c) + "://" + c.Request.Host + s.opts.WSPath,
	}
	if s.node != nil {
		out.PeerID = s.node.Host.ID().String()
		for _, a := range gossip.FullAddrs(s.node.Host) {
			classify(&out, a)
		}
	}
	c.JSON(http.StatusOK, out)
}

func classify(out *Addresses, a multiaddr.Multiaddr) {
	str := a.String()
	out.All = append(out.All, str)
	if hasProtocol(a, multiaddr.P_WS) || hasProtocol(a, multiaddr.P_WSS) {
		out.Websocket = append(out.Websocket, str)
		return
	}
	if hasProtocol(a, multiaddr.P_TCP) {
		out.TCP = append(out.TCP, str)
	}
}

func hasProtocol(a multiaddr.Multiaddr, code int) bool {
	_, err := a.ValueForProtocol(code)
	return err == nil
}

func (s *Server) handleRooms(c *gin.Context) {
	// 多个并发请求合并成一次 Redis/MySQL 查询
	v, err, _ := s.sf.Do("rooms", func() (any, error) {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		return s.Rooms(ctx)
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"rooms": v})
}

func (s *Server) handleRoom(c *gin.Context) {
	topic := c.Param("topic")
	view, err := s.Room(c.Request.Context(), topic)
	if errors.Is(err, errors.NotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, view)
}

// Rooms 汇总内存中的房间、Redis 在线表和 MySQL 统计
func (s *Server) Rooms(ctx context.Context) ([]RoomView, error) {
	topics := s.topics()
	known := make(map[string]struct{}, len(topics))
	for _, t := range topics {
		known[t] = struct{}{}
	}
	if s.opts.Presence != nil {
		rooms, err := s.opts.Presence.Rooms(ctx)
		if err != nil {
			return nil, errors.Annotate(err, "list presence rooms")
		}
		for _, t := range rooms {
			if _, ok := known[t]; !ok {
				known[t] = struct{}{}
				topics = append(topics, t)
			}
		}
	}
	stats := map[string]*RoomStats{}
	if s.opts.Rooms != nil {
		list, err := s.opts.Rooms.List(ctx)
		if err != nil {
			return nil, errors.Annotate(err, "list room stats")
		}
		for i := range list {
			stats[list[i].Topic] = &list[i]
		}
	}
	views := make([]RoomView, 0, len(topics))
	for _, t := range topics {
		v, err := s.view(ctx, t)
		if err != nil {
			return nil, err
		}
		v.Stats = stats[t]
		views = append(views, v)
	}
	return views, nil
}

// Room 返回单个 topic；relay 从未见过它时返回 NotFound
func (s *Server) Room(ctx context.Context, topic string) (RoomView, error) {
	v, err := s.view(ctx, topic)
	if err != nil {
		return RoomView{}, err
	}
	if s.opts.Rooms != nil {
		stats, err := s.opts.Rooms.Get(ctx, topic)
		if err != nil && !errors.Is(err, errors.NotFound) {
			return RoomView{}, err
		}
		v.Stats = stats
	}
	if len(v.WSPeers) == 0 && len(v.GossipPeers) == 0 && len(v.Alive) == 0 && v.Stats == nil && !s.following(topic) {
		return RoomView{}, errors.NotFoundf("room %q", topic)
	}
	return v, nil
}

func (s *Server) following(topic string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.followed[topic]
	return ok
}

func (s *Server) view(ctx context.Context, topic string) (RoomView, error) {
	v := RoomView{Topic: topic, WSPeers: s.hub.Members(topic)}
	if s.gossip != nil {
		for _, p := range s.gossip.Peers(topic) {
			v.GossipPeers = append(v.GossipPeers, p.String())
		}
	}
	if s.opts.Presence != nil {
		alive, err := s.opts.Presence.AlivePeers(ctx, topic)
		if err != nil {
			return RoomView{}, errors.Annotatef(err, "alive peers of %s", topic)
		}
		v.Alive = alive
	}
	return v, nil
}
