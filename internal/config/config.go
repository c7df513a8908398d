package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ErrInvalid is wrapped by every Validate failure.
var ErrInvalid = errors.New("invalid configuration")

// Config holds all application configuration.
type Config struct {
	Env       string `mapstructure:"env"`
	Log       LogConfig
	Feed      FeedConfig
	Sequencer SequencerConfig
	Render    RenderConfig
	Redis     RedisConfig
	Kafka     KafkaConfig
	Health    HealthConfig
	Metrics   MetricsConfig
}

// LogConfig controls the global logger.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Pretty bool   `mapstructure:"pretty"`
}

// FeedConfig holds exchange connection settings.
type FeedConfig struct {
	RESTURL          string        `mapstructure:"rest_url"`
	Symbols          []string      `mapstructure:"symbols"`
	HTTPTimeout      time.Duration `mapstructure:"http_timeout"`
	PingInterval     time.Duration `mapstructure:"ws_ping_interval"`
	HeartbeatTimeout time.Duration `mapstructure:"heartbeat_timeout"`
	BackoffInitial   time.Duration `mapstructure:"backoff_initial"`
	BackoffMax       time.Duration `mapstructure:"backoff_max"`
	SnapshotRetryMax time.Duration `mapstructure:"snapshot_retry_max"`
}

// SequencerConfig holds per-symbol sequencer and runner settings.
type SequencerConfig struct {
	ResyncBufferLimit int           `mapstructure:"resync_buffer_limit"`
	ResyncTimeout     time.Duration `mapstructure:"resync_timeout"`
	ResyncOnInvariant bool          `mapstructure:"resync_on_invariant"`
	InboxSize         int           `mapstructure:"inbox_size"`
	PublishDepth      int           `mapstructure:"publish_depth"`
	TickInterval      time.Duration `mapstructure:"tick_interval"`
}

// RenderConfig controls the terminal table.
type RenderConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`
	Depth    int           `mapstructure:"depth"`
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// KafkaConfig holds the top-of-book stream settings.
type KafkaConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

// HealthConfig holds the gRPC health endpoint and circuit breaker settings.
type HealthConfig struct {
	GRPCAddr       string        `mapstructure:"grpc_addr"`
	StaleThreshold time.Duration `mapstructure:"stale_threshold"`
	CoolOff        time.Duration `mapstructure:"cool_off"`
	PollInterval   time.Duration `mapstructure:"poll_interval"`
}

// MetricsConfig holds the Prometheus listener address.
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// Load reads configuration from environment variables prefixed with
// DEPTHBOOK_, layered over an optional YAML file named by
// DEPTHBOOK_CONFIG_FILE.
func Load() (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("DEPTHBOOK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("env", "development")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)

	// Feed defaults
	v.SetDefault("feed.rest_url", "https://api-futures.kucoin.com")
	v.SetDefault("feed.symbols", []string{"XBTUSDTM"})
	v.SetDefault("feed.http_timeout", 10*time.Second)
	v.SetDefault("feed.ws_ping_interval", 18*time.Second)
	v.SetDefault("feed.heartbeat_timeout", 30*time.Second)
	v.SetDefault("feed.backoff_initial", 50*time.Millisecond)
	v.SetDefault("feed.backoff_max", 5*time.Second)
	v.SetDefault("feed.snapshot_retry_max", 5*time.Second)

	// Sequencer defaults
	v.SetDefault("sequencer.resync_buffer_limit", 10000)
	v.SetDefault("sequencer.resync_timeout", 10*time.Second)
	v.SetDefault("sequencer.resync_on_invariant", true)
	v.SetDefault("sequencer.inbox_size", 4096)
	v.SetDefault("sequencer.publish_depth", 10)
	v.SetDefault("sequencer.tick_interval", 250*time.Millisecond)

	v.SetDefault("render.enabled", true)
	v.SetDefault("render.interval", time.Second)
	v.SetDefault("render.depth", 10)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.topic", "depthbook.top")

	v.SetDefault("health.grpc_addr", "127.0.0.1:9090")
	v.SetDefault("health.stale_threshold", 5*time.Second)
	v.SetDefault("health.cool_off", 2*time.Second)
	v.SetDefault("health.poll_interval", 500*time.Millisecond)

	v.SetDefault("metrics.addr", ":2112")

	if path := v.GetString("config_file"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	cfg := &Config{}

	cfg.Env = v.GetString("env")

	cfg.Log = LogConfig{
		Level:  v.GetString("log.level"),
		Pretty: v.GetBool("log.pretty"),
	}

	cfg.Feed = FeedConfig{
		RESTURL:          v.GetString("feed.rest_url"),
		Symbols:          list(v.GetStringSlice("feed.symbols")),
		HTTPTimeout:      v.GetDuration("feed.http_timeout"),
		PingInterval:     v.GetDuration("feed.ws_ping_interval"),
		HeartbeatTimeout: v.GetDuration("feed.heartbeat_timeout"),
		BackoffInitial:   v.GetDuration("feed.backoff_initial"),
		BackoffMax:       v.GetDuration("feed.backoff_max"),
		SnapshotRetryMax: v.GetDuration("feed.snapshot_retry_max"),
	}

	cfg.Sequencer = SequencerConfig{
		ResyncBufferLimit: v.GetInt("sequencer.resync_buffer_limit"),
		ResyncTimeout:     v.GetDuration("sequencer.resync_timeout"),
		ResyncOnInvariant: v.GetBool("sequencer.resync_on_invariant"),
		InboxSize:         v.GetInt("sequencer.inbox_size"),
		PublishDepth:      v.GetInt("sequencer.publish_depth"),
		TickInterval:      v.GetDuration("sequencer.tick_interval"),
	}

	cfg.Render = RenderConfig{
		Enabled:  v.GetBool("render.enabled"),
		Interval: v.GetDuration("render.interval"),
		Depth:    v.GetInt("render.depth"),
	}

	cfg.Redis = RedisConfig{
		Enabled:  v.GetBool("redis.enabled"),
		Addr:     v.GetString("redis.addr"),
		Password: v.GetString("redis.password"),
		DB:       v.GetInt("redis.db"),
	}

	cfg.Kafka = KafkaConfig{
		Enabled: v.GetBool("kafka.enabled"),
		Brokers: list(v.GetStringSlice("kafka.brokers")),
		Topic:   v.GetString("kafka.topic"),
	}

	cfg.Health = HealthConfig{
		GRPCAddr:       v.GetString("health.grpc_addr"),
		StaleThreshold: v.GetDuration("health.stale_threshold"),
		CoolOff:        v.GetDuration("health.cool_off"),
		PollInterval:   v.GetDuration("health.poll_interval"),
	}

	cfg.Metrics = MetricsConfig{
		Addr: v.GetString("metrics.addr"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the values the pipeline cannot run without.
func (c *Config) Validate() error {
	var errs []error
	if len(c.Feed.Symbols) == 0 {
		errs = append(errs, fmt.Errorf("%w: feed.symbols is empty", ErrInvalid))
	}
	if c.Sequencer.ResyncBufferLimit <= 0 {
		errs = append(errs, fmt.Errorf("%w: sequencer.resync_buffer_limit must be positive", ErrInvalid))
	}
	if c.Sequencer.ResyncTimeout <= 0 {
		errs = append(errs, fmt.Errorf("%w: sequencer.resync_timeout must be positive", ErrInvalid))
	}
	if c.Render.Enabled && c.Render.Interval <= 0 {
		errs = append(errs, fmt.Errorf("%w: render.interval must be positive", ErrInvalid))
	}
	if c.Kafka.Enabled && (len(c.Kafka.Brokers) == 0 || c.Kafka.Topic == "") {
		errs = append(errs, fmt.Errorf("%w: kafka needs brokers and a topic", ErrInvalid))
	}
	return errors.Join(errs...)
}

// list flattens comma separated entries so "A,B" from the environment and a
// YAML sequence both work.
func list(in []string) []string {
	var out []string
	for _, s := range in {
		for _, part := range strings.Split(s, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
