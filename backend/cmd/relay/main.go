package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"
	"github.com/juju/errors"
	"github.com/juju/loggo"
	redis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"collabspace/backend/config"
	"collabspace/backend/internal/relay"
	"collabspace/backend/internal/transport/gossip"
)

const version = "0.1.0"

var logger = loggo.GetLogger("collabspace.relay.main")

const usage = `Collaboration relay node.

Bridges websocket clients and the GossipSub mesh, and serves the HTTP API.

Usage:
    relay [--config=<dir>] [--port=<port>] [--no-gossip] [--mdns]
    relay -h | --help
    relay --version

Options:
    -h --help        Show this screen.
    --version        Show version.
    --config=<dir>   Directory containing collabConfig.yaml.
    --port=<port>    HTTP port, overrides Running.Port.
    --no-gossip      Only relay between websocket clients.
    --mdns           Announce the relay on the local network.`

func main() {
	opts, err := docopt.ParseArgs(usage, os.Args[1:], version)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	var paths []string
	if dir, _ := opts.String("--config"); dir != "" {
		paths = append(paths, dir)
	}
	cfg, err := config.Load(paths...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init config failed: %v\n", err)
		os.Exit(1)
	}
	if port, err := opts.Int("--port"); err == nil && port > 0 {
		cfg.Running.Port = port
	}
	if err := cfg.ConfigureLogging(); err != nil {
		fmt.Fprintf(os.Stderr, "configure logging: %v\n", err)
		os.Exit(1)
	}
	noGossip, _ := opts.Bool("--no-gossip")
	mdns, _ := opts.Bool("--mdns")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, cfg, !noGossip, mdns); err != nil {
		logger.Errorf("%v", errors.ErrorStack(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, withGossip, mdns bool) error {
	opts := relay.Options{
		Topics:      cfg.Relay.Topics,
		PresenceTTL: cfg.Relay.PresenceTTL,
		WSPath:      cfg.Relay.WSPath,
	}

	// Redis 和 MySQL 都是可选的，连不上只影响房间统计
	if len(cfg.Redis.Addrs) > 0 {
		rdb := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    cfg.Redis.Addrs,
			Password: cfg.Redis.Password,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := rdb.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			logger.Warningf("redis unavailable, room presence disabled: %v", err)
			_ = rdb.Close()
		} else {
			defer rdb.Close()
			opts.Presence = relay.NewRedisPresence(rdb)
		}
	}
	if cfg.Mysql.DSN != "" {
		if db, err := relay.OpenMySQL(cfg.Mysql.DSN); err != nil {
			logger.Warningf("mysql unavailable, room stats disabled: %v", err)
		} else {
			if sqlDB, err := db.DB(); err == nil {
				defer sqlDB.Close()
			}
			if opts.Rooms, err = relay.NewRoomRegistry(db); err != nil {
				return errors.Trace(err)
			}
		}
	}

	var node *gossip.Node
	if withGossip {
		var err error
		node, err = gossip.NewNode(ctx, gossip.HostConfig{
			Listen:       cfg.Relay.Listen,
			KeyFile:      cfg.Relay.KeyFile,
			MDNS:         mdns,
			RelayService: true,
		})
		if err != nil {
			return errors.Annotate(err, "start libp2p node")
		}
		defer node.Close()
		logger.Infof("peer id %s", node.Host.ID())
		for _, a := range node.FullAddrs() {
			logger.Infof("listening on %s", a)
		}
	}

	server, err := relay.New(ctx, node, opts)
	if err != nil {
		return errors.Trace(err)
	}
	defer server.Close()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Serve(gctx, fmt.Sprintf(":%d", cfg.Running.Port))
	})
	if node != nil {
		g.Go(func() error {
			ticker := time.NewTicker(time.Minute)
			defer ticker.Stop()
			for {
				select {
				case <-gctx.Done():
					return nil
				case <-ticker.C:
					logger.Infof("connected to %d peers", len(node.Host.Network().Peers()))
				}
			}
		})
	}
	err = g.Wait()
	logger.Infof("relay stopped")
	return errors.Trace(err)
}
