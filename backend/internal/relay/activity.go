package relay

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/juju/clock"
)

type roomDelta struct {
	messages uint64
	bytes    uint64
	peers    map[string]struct{}
}

// activity 在内存中累计每个 topic 的消息，定期批量写入 Redis 在线表和 MySQL 统计表，
// 转发路径上只做加法
type activity struct {
	presence PresenceCache
	rooms    RoomRegistry
	ttl      time.Duration
	clk      clock.Clock
	interval time.Duration

	mu      sync.Mutex
	pending map[string]*roomDelta

	done chan struct{}
	wg   sync.WaitGroup
}

func newActivity(presence PresenceCache, rooms RoomRegistry, ttl, interval time.Duration, clk clock.Clock) *activity {
	return &activity{
		presence: presence,
		rooms:    rooms,
		ttl:      ttl,
		clk:      clk,
		interval: interval,
		pending:  make(map[string]*roomDelta),
		done:     make(chan struct{}),
	}
}

func (a *activity) record(topic, from string, size int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	d := a.pending[topic]
	if d == nil {
		d = &roomDelta{peers: make(map[string]struct{})}
		a.pending[topic] = d
	}
	d.messages++
	d.bytes += uint64(size)
	if from != "" {
		d.peers[from] = struct{}{}
	}
}

func (a *activity) start() {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		for {
			select {
			case <-a.done:
				a.flush()
				return
			case <-a.clk.After(a.interval):
				a.flush()
			}
		}
	}()
}

func (a *activity) stop() {
	close(a.done)
	a.wg.Wait()
}

func (a *activity) flush() {
	a.mu.Lock()
	pending := a.pending
	a.pending = make(map[string]*roomDelta)
	a.mu.Unlock()
	if len(pending) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for topic, d := range pending {
		if a.presence != nil {
			peers := make([]string, 0, len(d.peers))
			for id := range d.peers {
				peers = append(peers, id)
			}
			sort.Strings(peers)
			if err := a.presence.Touch(ctx, topic, peers, a.ttl); err != nil {
				logger.Warningf("presence: %v", err)
			}
		}
		if a.rooms != nil {
			if err := a.rooms.Record(ctx, topic, d.messages, d.bytes); err != nil {
				logger.Warningf("room registry: %v", err)
			}
		}
	}
}
