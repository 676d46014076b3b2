// Package config 读取 collabConfig.yaml，peer 和 relay 两个程序共用
package config

import (
	"strings"
	"time"

	"github.com/juju/errors"
	"github.com/juju/loggo"
	"github.com/spf13/viper"
)

type Config struct {
	Running struct {
		Port int `mapstructure:"Port"`
	} `mapstructure:"Running"`
	Log struct {
		// loggo 的配置串，例如 "<root>=INFO;collabspace.p2p=DEBUG"
		Level string `mapstructure:"level"`
	} `mapstructure:"Log"`
	Mysql struct {
		DSN string `mapstructure:"dsn"`
	} `mapstructure:"Mysql"`
	Redis struct {
		Addrs    []string `mapstructure:"addrs"`
		Password string   `mapstructure:"password"`
	} `mapstructure:"Redis"`
	Kafka struct {
		Brokers []string `mapstructure:"brokers"`
	} `mapstructure:"Kafka"`
	Relay RelayConfig `mapstructure:"Relay"`
	Peer  PeerConfig  `mapstructure:"Peer"`
}

type RelayConfig struct {
	// libp2p 监听地址
	Listen      []string      `mapstructure:"listen"`
	KeyFile     string        `mapstructure:"keyFile"`
	Topics      []string      `mapstructure:"topics"`
	PresenceTTL time.Duration `mapstructure:"presenceTTL"`
	WSPath      string        `mapstructure:"wsPath"`
}

type PeerConfig struct {
	// gossip | redis | kafka | ws | memory
	Transport     string        `mapstructure:"transport"`
	Room          string        `mapstructure:"room"`
	Name          string        `mapstructure:"name"`
	Color         string        `mapstructure:"color"`
	RelayURL      string        `mapstructure:"relayURL"`
	Bootstrap     []string      `mapstructure:"bootstrap"`
	Listen        []string      `mapstructure:"listen"`
	KeyFile       string        `mapstructure:"keyFile"`
	RetryInterval time.Duration `mapstructure:"retryInterval"`
	MDNS          bool          `mapstructure:"mdns"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("Running.Port", 9090)
	v.SetDefault("Log.level", "<root>=INFO")
	v.SetDefault("Relay.listen", []string{"/ip4/0.0.0.0/tcp/9092/ws", "/ip4/0.0.0.0/tcp/9093"})
	v.SetDefault("Relay.keyFile", "relay-key.bin")
	v.SetDefault("Relay.presenceTTL", 30*time.Second)
	v.SetDefault("Relay.wsPath", "/ws")
	v.SetDefault("Peer.transport", "gossip")
	v.SetDefault("Peer.room", "lobby")
	v.SetDefault("Peer.color", "#30bced")
	v.SetDefault("Peer.relayURL", "ws://127.0.0.1:9090/ws")
	v.SetDefault("Peer.listen", []string{"/ip4/0.0.0.0/tcp/0"})
	v.SetDefault("Peer.retryInterval", 2*time.Second)
	v.SetDefault("Peer.mdns", true)
}

// Load 读取配置。paths 为空时兼容从项目根目录或 backend 目录启动；
// 找不到配置文件时只用默认值和 COLLAB_ 环境变量。
func Load(paths ...string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("collabConfig")
	v.SetConfigType("yaml")
	if len(paths) == 0 {
		paths = []string{"./backend/config", "./config", "."}
	}
	for _, p := range paths {
		v.AddConfigPath(p)
	}
	v.SetEnvPrefix("COLLAB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, errors.Annotate(err, "read collabConfig")
		}
	}
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errors.Annotate(err, "decode collabConfig")
	}
	return cfg, nil
}

// ConfigureLogging 按配置设置 loggo 的级别
func (c *Config) ConfigureLogging() error {
	if c.Log.Level == "" {
		return nil
	}
	return errors.Annotatef(loggo.ConfigureLoggers(c.Log.Level), "log level %q", c.Log.Level)
}
