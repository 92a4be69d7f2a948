package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/gaspardpetit/framjet-bridge/bridge"
	"github.com/gaspardpetit/framjet-bridge/rpc"
	"github.com/gaspardpetit/framjet-bridge/transport/redisbus"
)

// Peer modes.
const (
	ModeListen = "listen"
	ModeDial   = "dial"
	ModeRedis  = "redis"
)

// PeerConfig holds configuration for a bridge peer.
type PeerConfig struct {
	ConfigFile string `yaml:"-" env:"FJB_CONFIG_FILE"`
	LogLevel   string `yaml:"log_level" env:"FJB_LOG_LEVEL"`
	Mode       string `yaml:"mode" env:"FJB_MODE"`
	BridgeID   string `yaml:"bridge_id" env:"FJB_BRIDGE_ID"`
	// Origin filters inbound senders and targets outbound frames.
	Origin string `yaml:"origin" env:"FJB_ORIGIN"`
	// LocalOrigin is the origin this peer announces on shared buses.
	LocalOrigin    string   `yaml:"local_origin" env:"FJB_LOCAL_ORIGIN"`
	ListenAddr     string   `yaml:"listen_addr" env:"FJB_LISTEN_ADDR"`
	AllowedOrigins []string `yaml:"allowed_origins" env:"FJB_ALLOWED_ORIGINS" envSeparator:","`
	URL            string   `yaml:"url" env:"FJB_URL"`
	RedisAddr      string   `yaml:"redis_addr" env:"FJB_REDIS_ADDR"`
	RedisPrefix    string   `yaml:"redis_prefix" env:"FJB_REDIS_PREFIX"`

	InitializeTimeout  time.Duration `yaml:"initialize_timeout" env:"FJB_INITIALIZE_TIMEOUT"`
	PingInterval       time.Duration `yaml:"ping_interval" env:"FJB_PING_INTERVAL"`
	ReadyRetryInterval time.Duration `yaml:"ready_retry_interval" env:"FJB_READY_RETRY_INTERVAL"`
	CallTimeout        time.Duration `yaml:"call_timeout" env:"FJB_CALL_TIMEOUT"`
	ProtocolVersion    string        `yaml:"protocol_version" env:"FJB_PROTOCOL_VERSION"`
}

// SetDefaults initializes c with built-in defaults.
func (c *PeerConfig) SetDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Mode == "" {
		c.Mode = ModeListen
	}
	if c.BridgeID == "" {
		c.BridgeID = "default"
	}
	if c.Origin == "" {
		c.Origin = "*"
	}
	if c.LocalOrigin == "" {
		if host, err := os.Hostname(); err == nil && host != "" {
			c.LocalOrigin = "redis://" + host
		} else {
			c.LocalOrigin = "redis"
		}
	}
	if c.ListenAddr == "" {
		c.ListenAddr = ":8080"
	}
	if c.RedisPrefix == "" {
		c.RedisPrefix = redisbus.DefaultPrefix
	}
	if c.InitializeTimeout == 0 {
		c.InitializeTimeout = bridge.DefaultInitializeTimeout
	}
	if c.PingInterval == 0 {
		c.PingInterval = bridge.DefaultPingInterval
	}
	if c.ReadyRetryInterval == 0 {
		c.ReadyRetryInterval = bridge.DefaultReadyRetryInterval
	}
	if c.CallTimeout == 0 {
		c.CallTimeout = rpc.DefaultTimeout
	}
	if c.ProtocolVersion == "" {
		c.ProtocolVersion = bridge.DefaultProtocolVersion
	}
}

// LoadFile populates the config from a YAML file.
func (c *PeerConfig) LoadFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(b, c)
}

// ApplyEnv overlays FJB_* environment variables onto the current values.
func (c *PeerConfig) ApplyEnv() error {
	if err := env.Parse(c); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// BindFlags binds command line flags using the current values as defaults.
func (c *PeerConfig) BindFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.ConfigFile, "config", c.ConfigFile, "peer config file path")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "log verbosity (all, debug, info, warn, error, fatal, none)")
	fs.StringVar(&c.Mode, "mode", c.Mode, "peer mode: listen, dial or redis")
	fs.StringVar(&c.BridgeID, "bridge-id", c.BridgeID, "logical channel id shared by both peers")
	fs.StringVar(&c.Origin, "origin", c.Origin, "origin filter for inbound and outbound packets")
	fs.StringVar(&c.LocalOrigin, "local-origin", c.LocalOrigin, "origin announced on the redis bus")
	fs.StringVar(&c.ListenAddr, "listen", c.ListenAddr, "HTTP listen address in listen mode")
	fs.Var((*csvValue)(&c.AllowedOrigins), "allowed-origins", "comma separated list of allowed websocket and CORS origins")
	fs.StringVar(&c.URL, "url", c.URL, "websocket URL to dial in dial mode")
	fs.StringVar(&c.RedisAddr, "redis-addr", c.RedisAddr, "redis connection URL in redis mode")
	fs.StringVar(&c.RedisPrefix, "redis-prefix", c.RedisPrefix, "redis channel prefix")
	fs.DurationVar(&c.InitializeTimeout, "initialize-timeout", c.InitializeTimeout, "handshake timeout")
	fs.DurationVar(&c.PingInterval, "ping-interval", c.PingInterval, "heartbeat interval once ready")
	fs.DurationVar(&c.ReadyRetryInterval, "ready-retry", c.ReadyRetryInterval, "ready retransmit interval during the handshake")
	fs.DurationVar(&c.CallTimeout, "call-timeout", c.CallTimeout, "default command call timeout")
	fs.StringVar(&c.ProtocolVersion, "protocol-version", c.ProtocolVersion, "protocol version advertised in ready messages")
}

// Validate checks that the selected mode has what it needs.
func (c *PeerConfig) Validate() error {
	if c.BridgeID == "" {
		return errors.New("bridge id is required")
	}
	switch c.Mode {
	case ModeListen:
		if c.ListenAddr == "" {
			return errors.New("listen mode requires a listen address")
		}
	case ModeDial:
		if c.URL == "" {
			return errors.New("dial mode requires a url")
		}
	case ModeRedis:
		if c.RedisAddr == "" {
			return errors.New("redis mode requires a redis address")
		}
	default:
		return fmt.Errorf("unknown mode %q", c.Mode)
	}
	return nil
}

// BridgeOptions maps the config onto bridge options.
func (c *PeerConfig) BridgeOptions() bridge.Options {
	return bridge.Options{
		InitializeTimeout:  c.InitializeTimeout,
		PingInterval:       c.PingInterval,
		ReadyRetryInterval: c.ReadyRetryInterval,
		Origin:             c.Origin,
		ProtocolVersion:    c.ProtocolVersion,
	}
}

// Load builds a config from defaults, the YAML file, FJB_* variables and
// flags, in increasing order of precedence.
func Load(fs *flag.FlagSet, args []string) (*PeerConfig, error) {
	cfg := &PeerConfig{}
	cfg.SetDefaults()
	if v := os.Getenv("FJB_CONFIG_FILE"); v != "" {
		cfg.ConfigFile = v
	}
	cfg.BindFlags(fs)
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	// Flag values share storage with cfg, so capture them before the file
	// and environment overwrite it.
	explicit := map[string]string{}
	fs.Visit(func(f *flag.Flag) { explicit[f.Name] = f.Value.String() })

	if cfg.ConfigFile != "" {
		if err := cfg.LoadFile(cfg.ConfigFile); err != nil {
			return nil, fmt.Errorf("load config %s: %w", cfg.ConfigFile, err)
		}
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	for name, val := range explicit {
		if err := fs.Set(name, val); err != nil {
			return nil, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

type csvValue []string

func (v *csvValue) String() string { return strings.Join(*v, ",") }

func (v *csvValue) Set(s string) error {
	*v = splitComma(s)
	return nil
}

func splitComma(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
