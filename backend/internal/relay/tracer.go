package relay

import (
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
)

// subscriptionTracer 观察远端节点的订阅声明，把新 topic 交给 relay 去加入。
// 回调运行在 pubsub 的事件循环里，不能阻塞也不能回调 pubsub。
type subscriptionTracer struct {
	topics chan<- string
}

var _ pubsub.RawTracer = (*subscriptionTracer)(nil)

func (t *subscriptionTracer) RecvRPC(rpc *pubsub.RPC) {
	for _, sub := range rpc.GetSubscriptions() {
		if !sub.GetSubscribe() || sub.GetTopicid() == "" {
			continue
		}
		select {
		case t.topics <- sub.GetTopicid():
		default:
			logger.Debugf("join queue full, skipping %s", sub.GetTopicid())
		}
	}
}

func (t *subscriptionTracer) AddPeer(peer.ID, protocol.ID)          {}
func (t *subscriptionTracer) RemovePeer(peer.ID)                    {}
func (t *subscriptionTracer) Join(string)                           {}
func (t *subscriptionTracer) Leave(string)                          {}
func (t *subscriptionTracer) Graft(peer.ID, string)                 {}
func (t *subscriptionTracer) Prune(peer.ID, string)                 {}
func (t *subscriptionTracer) ValidateMessage(*pubsub.Message)       {}
func (t *subscriptionTracer) DeliverMessage(*pubsub.Message)        {}
func (t *subscriptionTracer) RejectMessage(*pubsub.Message, string) {}
func (t *subscriptionTracer) DuplicateMessage(*pubsub.Message)      {}
func (t *subscriptionTracer) ThrottlePeer(peer.ID)                  {}
func (t *subscriptionTracer) SendRPC(*pubsub.RPC, peer.ID)          {}
func (t *subscriptionTracer) DropRPC(*pubsub.RPC, peer.ID)          {}
func (t *subscriptionTracer) UndeliverableMessage(*pubsub.Message)  {}
