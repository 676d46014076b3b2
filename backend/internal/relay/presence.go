package relay

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/juju/errors"
	redis "github.com/redis/go-redis/v9"
)

// 键语义：
// - roomKey(topic): 房间在线节点（ZSet<peerID, expireAtUnix>，score=expireAt）
// - roomsKey():     出现过的 topic 索引（Set<topic>）
const (
	keyRoomFmt = "relay:room:{topic:%s}"
	keyRooms   = "relay:rooms"
)

func roomKey(topic string) string { return fmt.Sprintf(keyRoomFmt, topic) }
func roomsKey() string            { return keyRooms }

// PresenceCache 记录每个 topic 上最近活跃的节点
type PresenceCache interface {
	Touch(ctx context.Context, topic string, peers []string, ttl time.Duration) error
	Rooms(ctx context.Context) ([]string, error)
	AlivePeers(ctx context.Context, topic string) ([]string, error)
}

type redisPresence struct {
	rdb redis.UniversalClient
	now func() time.Time
}

func NewRedisPresence(rdb redis.UniversalClient) PresenceCache {
	return &redisPresence{rdb: rdb, now: time.Now}
}

// Touch 把节点加入房间或刷新它的逻辑 TTL
func (p *redisPresence) Touch(ctx context.Context, topic string, peers []string, ttl time.Duration) error {
	if len(peers) == 0 {
		return nil
	}
	expireAt := float64(p.now().Add(ttl).Unix())
	members := make([]redis.Z, 0, len(peers))
	for _, id := range peers {
		members = append(members, redis.Z{Score: expireAt, Member: id})
	}
	tx := p.rdb.TxPipeline()
	tx.ZAdd(ctx, roomKey(topic), members...)
	tx.SAdd(ctx, roomsKey(), topic)
	_, err := tx.Exec(ctx)
	return errors.Annotatef(err, "touch %s", topic)
}

func (p *redisPresence) Rooms(ctx context.Context) ([]string, error) {
	rooms, err := p.rdb.SMembers(ctx, roomsKey()).Result()
	if err != nil && err != redis.Nil {
		return nil, errors.Trace(err)
	}
	return rooms, nil
}

// 清理过期成员，返回剩余成员数。集群模式下脚本只能访问同一个 slot 的键
const cleanupScript = `
-- KEYS[1] = roomKey(topic)
-- ARGV[1] = now (unix seconds)
redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
return redis.call("ZCARD", KEYS[1])
`

var cleanup = redis.NewScript(cleanupScript)

// AlivePeers 先清理过期节点再返回在线节点；房间空了从索引中移除
func (p *redisPresence) AlivePeers(ctx context.Context, topic string) ([]string, error) {
	now := p.now().Unix()
	left, err := cleanup.Run(ctx, p.rdb, []string{roomKey(topic)}, now).Int()
	if err != nil && err != redis.Nil {
		return nil, errors.Annotatef(err, "cleanup %s", topic)
	}
	if left == 0 {
		if err := p.rdb.SRem(ctx, roomsKey(), topic).Err(); err != nil {
			return nil, errors.Trace(err)
		}
		return nil, nil
	}
	alive, err := p.rdb.ZRangeByScore(ctx, roomKey(topic), &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(now, 10), // > now
		Max: "+inf",
	}).Result()
	if err != nil && err != redis.Nil {
		return nil, errors.Trace(err)
	}
	return alive, nil
}
