package gossip

import (
	"context"
	"crypto/rand"
	"os"
	"strings"
	"time"

	"github.com/juju/errors"
	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	"github.com/multiformats/go-multiaddr"
)

// DefaultRendezvous 是 mDNS 的服务名，同一局域网内的节点互相发现
const DefaultRendezvous = "collab-space"

type HostConfig struct {
	Listen []string
	// KeyFile 持久化节点私钥，为空时每次启动生成新身份
	KeyFile    string
	Bootstrap  []string
	MDNS       bool
	Rendezvous string

	// RelayService 让本节点为其它节点提供 circuit relay v2 中继
	RelayService bool
}

// Node 是一个 libp2p host 以及它附带的发现服务
type Node struct {
	Host host.Host
	mdns mdns.Service
}

// NewNode 创建 host，启动 mDNS 并拨号 bootstrap 节点（拨号失败只记日志）
func NewNode(ctx context.Context, cfg HostConfig) (*Node, error) {
	priv, err := LoadOrCreateKey(cfg.KeyFile)
	if err != nil {
		return nil, err
	}
	listen := cfg.Listen
	if len(listen) == 0 {
		listen = []string{"/ip4/0.0.0.0/tcp/0"}
	}
	opts := []libp2p.Option{
		libp2p.Identity(priv),
		libp2p.ListenAddrStrings(listen...),
	}
	if cfg.RelayService {
		opts = append(opts, libp2p.EnableRelayService())
	}
	h, err := libp2p.New(opts...)
	if err != nil {
		return nil, errors.Annotate(err, "create libp2p host")
	}
	n := &Node{Host: h}
	if cfg.MDNS {
		rendezvous := cfg.Rendezvous
		if rendezvous == "" {
			rendezvous = DefaultRendezvous
		}
		n.mdns = mdns.NewMdnsService(h, rendezvous, &mdnsNotifee{h: h})
		if err := n.mdns.Start(); err != nil {
			logger.Warningf("mDNS discovery not started: %v", err)
			n.mdns = nil
		}
	}
	if err := DialBootstrap(ctx, h, cfg.Bootstrap); err != nil {
		logger.Warningf("bootstrap: %v", err)
	}
	logger.Infof("libp2p host %s listening on %v", h.ID(), h.Addrs())
	return n, nil
}

func (n *Node) Close() error {
	if n.mdns != nil {
		_ = n.mdns.Close()
	}
	return n.Host.Close()
}

// FullAddrs 返回带 /p2p/<id> 后缀的可拨号地址
func (n *Node) FullAddrs() []multiaddr.Multiaddr {
	return FullAddrs(n.Host)
}

func FullAddrs(h host.Host) []multiaddr.Multiaddr {
	addrs, err := peer.AddrInfoToP2pAddrs(&peer.AddrInfo{ID: h.ID(), Addrs: h.Addrs()})
	if err != nil {
		logger.Warningf("p2p addrs of %s: %v", h.ID(), err)
		return nil
	}
	return addrs
}

// LoadOrCreateKey 读取 Ed25519 私钥；文件不存在时生成并写入
func LoadOrCreateKey(path string) (crypto.PrivKey, error) {
	if path != "" {
		raw, err := os.ReadFile(path)
		switch {
		case err == nil:
			priv, err := crypto.UnmarshalPrivateKey(raw)
			return priv, errors.Annotatef(err, "decode key file %s", path)
		case !os.IsNotExist(err):
			return nil, errors.Annotatef(err, "read key file %s", path)
		}
	}
	priv, _, err := crypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		return nil, errors.Annotate(err, "generate identity")
	}
	if path == "" {
		return priv, nil
	}
	raw, err := crypto.MarshalPrivateKey(priv)
	if err != nil {
		return nil, errors.Annotate(err, "encode identity")
	}
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return nil, errors.Annotatef(err, "write key file %s", path)
	}
	logger.Infof("generated new identity in %s", path)
	return priv, nil
}

// DialBootstrap 拨号 /.../p2p/<id> 形式的地址，返回第一个解析错误
func DialBootstrap(ctx context.Context, h host.Host, addrs []string) error {
	var firstErr error
	for _, addr := range addrs {
		addr = strings.TrimSpace(addr)
		if addr == "" {
			continue
		}
		maddr, err := multiaddr.NewMultiaddr(addr)
		if err != nil {
			if firstErr == nil {
				firstErr = errors.Annotatef(err, "bootstrap %q", addr)
			}
			continue
		}
		info, err := peer.AddrInfoFromP2pAddr(maddr)
		if err != nil {
			if firstErr == nil {
				firstErr = errors.Annotatef(err, "bootstrap %q", addr)
			}
			continue
		}
		dctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err = h.Connect(dctx, *info)
		cancel()
		if err != nil {
			logger.Debugf("bootstrap %s failed: %v", info.ID, err)
			continue
		}
		logger.Infof("connected to bootstrap %s", info.ID)
	}
	return firstErr
}

type mdnsNotifee struct {
	h host.Host
}

func (n *mdnsNotifee) HandlePeerFound(pi peer.AddrInfo) {
	if pi.ID == n.h.ID() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := n.h.Connect(ctx, pi); err != nil {
		logger.Debugf("mDNS peer %s: %v", pi.ID, err)
	}
}
