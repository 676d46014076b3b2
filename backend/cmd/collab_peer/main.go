package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/docopt/docopt-go"
	"github.com/juju/errors"
	"github.com/juju/loggo"
	redis "github.com/redis/go-redis/v9"

	"collabspace/backend/config"
	"collabspace/backend/internal/crdt"
	"collabspace/backend/internal/editor"
	"collabspace/backend/internal/origin"
	"collabspace/backend/internal/p2p"
	"collabspace/backend/internal/presence"
	"collabspace/backend/internal/transport/gossip"
	"collabspace/backend/internal/transport/kafkabus"
	"collabspace/backend/internal/transport/memory"
	"collabspace/backend/internal/transport/redisbus"
	"collabspace/backend/internal/transport/wsrelay"
)

const version = "0.1.0"

var logger = loggo.GetLogger("collabspace.peer")

const usage = `Headless collaborative editing peer.

Lines read from stdin are appended to the shared text. Commands:
    /users   list participants
    /text    print the current text
    /quit    leave the room

Usage:
    collab_peer [--config=<dir>] [--room=<room>] [--name=<name>] [--color=<color>]
        [--transport=<kind>] [--relay=<url>] [--bootstrap=<addr>...]
    collab_peer -h | --help
    collab_peer --version

Options:
    -h --help              Show this screen.
    --version              Show version.
    --config=<dir>         Directory containing collabConfig.yaml.
    --room=<room>          Room to join.
    --name=<name>          Display name announced to other participants.
    --color=<color>        Cursor color announced to other participants.
    --transport=<kind>     gossip, redis, kafka, ws or memory.
    --relay=<url>          Relay websocket url for the ws transport.
    --bootstrap=<addr>     libp2p multiaddr to dial for the gossip transport.`

func main() {
	opts, err := docopt.ParseArgs(usage, os.Args[1:], version)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	cfg, err := loadConfig(opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init config failed: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.ConfigureLogging(); err != nil {
		fmt.Fprintf(os.Stderr, "configure logging: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, cfg); err != nil {
		logger.Errorf("%v", errors.ErrorStack(err))
		os.Exit(1)
	}
}

func loadConfig(opts docopt.Opts) (*config.Config, error) {
	var paths []string
	if dir, _ := opts.String("--config"); dir != "" {
		paths = append(paths, dir)
	}
	cfg, err := config.Load(paths...)
	if err != nil {
		return nil, err
	}
	for flag, dst := range map[string]*string{
		"--room":      &cfg.Peer.Room,
		"--name":      &cfg.Peer.Name,
		"--color":     &cfg.Peer.Color,
		"--transport": &cfg.Peer.Transport,
		"--relay":     &cfg.Peer.RelayURL,
	} {
		if v, _ := opts.String(flag); v != "" {
			*dst = v
		}
	}
	if addrs, ok := opts["--bootstrap"].([]string); ok && len(addrs) > 0 {
		cfg.Peer.Bootstrap = addrs
	}
	if cfg.Peer.Name == "" {
		cfg.Peer.Name, _ = os.Hostname()
	}
	return cfg, nil
}

// openTransport 按配置创建传输，返回的 closer 释放传输占用的连接
func openTransport(ctx context.Context, cfg *config.Config) (p2p.Transport, func(), error) {
	switch cfg.Peer.Transport {
	case "gossip":
		node, err := gossip.NewNode(ctx, gossip.HostConfig{
			Listen:    cfg.Peer.Listen,
			KeyFile:   cfg.Peer.KeyFile,
			Bootstrap: cfg.Peer.Bootstrap,
			MDNS:      cfg.Peer.MDNS,
		})
		if err != nil {
			return nil, nil, err
		}
		tr, err := gossip.New(ctx, node.Host)
		if err != nil {
			_ = node.Close()
			return nil, nil, err
		}
		for _, a := range node.FullAddrs() {
			logger.Infof("listening on %s", a)
		}
		return tr, func() { _ = tr.Close(); _ = node.Close() }, nil
	case "redis":
		rdb := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    cfg.Redis.Addrs,
			Password: cfg.Redis.Password,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = rdb.Close()
			return nil, nil, errors.Annotate(err, "ping redis")
		}
		bus := redisbus.New(rdb, "")
		return bus, func() { _ = bus.Close(); _ = rdb.Close() }, nil
	case "kafka":
		bus, closer, err := kafkabus.Dial(cfg.Kafka.Brokers, kafkabus.Options{})
		if err != nil {
			return nil, nil, err
		}
		return bus, func() { _ = closer() }, nil
	case "ws":
		c, err := wsrelay.Dial(ctx, cfg.Peer.RelayURL, "")
		if err != nil {
			return nil, nil, err
		}
		return c, func() { _ = c.Close() }, nil
	case "memory":
		// 只有自己，用于离线试用编辑器
		peer := memory.NewBus(memory.Options{}).NewPeer("")
		return peer, func() { _ = peer.Close() }, nil
	}
	return nil, nil, errors.NotValidf("transport %q", cfg.Peer.Transport)
}

func run(ctx context.Context, cfg *config.Config) error {
	tr, closeTransport, err := openTransport(ctx, cfg)
	if err != nil {
		return errors.Trace(err)
	}
	defer closeTransport()

	doc := crdt.NewDoc()
	provider, err := p2p.New(cfg.Peer.Room, doc, tr, p2p.Options{RetryInterval: cfg.Peer.RetryInterval})
	if err != nil {
		return errors.Trace(err)
	}
	defer provider.Destroy()

	err = provider.Presence().SetLocalStateField(presence.UserField, map[string]string{
		"name":  cfg.Peer.Name,
		"color": cfg.Peer.Color,
	})
	if err != nil {
		return errors.Trace(err)
	}

	var out sync.Mutex
	binding := editor.Bind(doc.Text(crdt.MainText), editor.WithOnChange(func(content string, o origin.Origin) {
		if o.Kind == origin.KindLocal {
			return
		}
		out.Lock()
		fmt.Printf("--- text (%s) ---\n%s\n", o.Kind, content)
		out.Unlock()
	}))
	defer binding.Destroy()

	var lastUsers string
	cancel := provider.Presence().OnUpdate(func(presence.ChangeEvent) {
		users := formatUsers(provider.Users())
		out.Lock()
		defer out.Unlock()
		if users != lastUsers {
			lastUsers = users
			fmt.Printf("--- participants ---\n%s", users)
		}
	})
	defer cancel()

	fmt.Printf("joined %s as %s over %s\n", provider.Topic(), cfg.Peer.Name, cfg.Peer.Transport)
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			switch strings.TrimSpace(line) {
			case "/quit":
				return nil
			case "/users":
				out.Lock()
				fmt.Print(formatUsers(provider.Users()))
				out.Unlock()
			case "/text":
				out.Lock()
				fmt.Println(binding.String())
				out.Unlock()
			default:
				if err := binding.Insert(binding.Len(), line+"\n"); err != nil {
					logger.Warningf("edit: %v", err)
				}
			}
		}
	}
}

func formatUsers(users []presence.User) string {
	var b strings.Builder
	for _, u := range users {
		fmt.Fprintf(&b, "  %d %s %s\n", u.ClientID, u.Name, u.Color)
	}
	return b.String()
}
