package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"depthbook/exchange"
	"depthbook/reconcile"
	"depthbook/ringbuffer"
)

// EnvPrefix prefixes every environment override, e.g. DEPTHBOOK_BUFFER_CAPACITY
const EnvPrefix = "DEPTHBOOK"

var ErrInvalid = errors.New("invalid configuration")

type Config struct {
	Symbol string `mapstructure:"symbol"`

	Logging struct {
		Level  string `mapstructure:"level"`
		Pretty bool   `mapstructure:"pretty"`
	} `mapstructure:"logging"`

	Binance struct {
		RESTURL           string        `mapstructure:"rest_url"`
		StreamURL         string        `mapstructure:"stream_url"`
		SnapshotLimit     int           `mapstructure:"snapshot_limit"`
		UpdateSpeed       string        `mapstructure:"update_speed"`
		RequestsPerSecond float64       `mapstructure:"requests_per_second"`
		Burst             int           `mapstructure:"burst"`
		HTTPTimeout       time.Duration `mapstructure:"http_timeout"`
		ReconnectDelay    time.Duration `mapstructure:"reconnect_delay"`
		ReadTimeout       time.Duration `mapstructure:"read_timeout"`
	} `mapstructure:"binance"`

	Buffer struct {
		Capacity   int           `mapstructure:"capacity"`
		Policy     string        `mapstructure:"policy"`
		MaxRetries int           `mapstructure:"max_retries"`
		RetryDelay time.Duration `mapstructure:"retry_delay"`
	} `mapstructure:"buffer"`

	Engine struct {
		ReadyPollInterval       time.Duration `mapstructure:"ready_poll_interval"`
		ReadyMaxPolls           int           `mapstructure:"ready_max_polls"`
		PeekRetryInterval       time.Duration `mapstructure:"peek_retry_interval"`
		PeekMaxRetries          int           `mapstructure:"peek_max_retries"`
		SnapshotRetryInterval   time.Duration `mapstructure:"snapshot_retry_interval"`
		SnapshotMaxRetries      int           `mapstructure:"snapshot_max_retries"`
		StaleSnapshotInterval   time.Duration `mapstructure:"stale_snapshot_interval"`
		StaleSnapshotMaxRetries int           `mapstructure:"stale_snapshot_max_retries"`
		IdleBackoff             time.Duration `mapstructure:"idle_backoff"`
		PublishDepth            int           `mapstructure:"publish_depth"`
	} `mapstructure:"engine"`

	Server struct {
		Listen       string        `mapstructure:"listen"`
		ReadTimeout  time.Duration `mapstructure:"read_timeout"`
		WriteTimeout time.Duration `mapstructure:"write_timeout"`
	} `mapstructure:"server"`

	Publish struct {
		QueueSize   int           `mapstructure:"queue_size"`
		SendTimeout time.Duration `mapstructure:"send_timeout"`
		FeedBuffer  int           `mapstructure:"feed_buffer"`
		Redis       struct {
			Enabled  bool   `mapstructure:"enabled"`
			Addr     string `mapstructure:"addr"`
			Password string `mapstructure:"password"`
			DB       int    `mapstructure:"db"`
			Channel  string `mapstructure:"channel"`
			Key      string `mapstructure:"key"`
		} `mapstructure:"redis"`
		Kafka struct {
			Enabled bool     `mapstructure:"enabled"`
			Brokers []string `mapstructure:"brokers"`
			Topic   string   `mapstructure:"topic"`
		} `mapstructure:"kafka"`
	} `mapstructure:"publish"`
}

func setDefaults(v *viper.Viper) {
	engine := reconcile.DefaultConfig()

	v.SetDefault("symbol", "BTCUSDT")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.pretty", false)

	v.SetDefault("binance.rest_url", "https://api.binance.com")
	v.SetDefault("binance.stream_url", "wss://stream.binance.com:9443")
	v.SetDefault("binance.snapshot_limit", 1000)
	v.SetDefault("binance.update_speed", "100ms")
	v.SetDefault("binance.requests_per_second", 10.0)
	v.SetDefault("binance.burst", 1)
	v.SetDefault("binance.http_timeout", 10*time.Second)
	v.SetDefault("binance.reconnect_delay", time.Second)
	v.SetDefault("binance.read_timeout", time.Minute)

	v.SetDefault("buffer.capacity", 1024)
	v.SetDefault("buffer.policy", ringbuffer.Backoff.String())
	v.SetDefault("buffer.max_retries", 100)
	v.SetDefault("buffer.retry_delay", time.Millisecond)

	v.SetDefault("engine.ready_poll_interval", engine.ReadyPollInterval)
	v.SetDefault("engine.ready_max_polls", engine.ReadyMaxPolls)
	v.SetDefault("engine.peek_retry_interval", engine.PeekRetryInterval)
	v.SetDefault("engine.peek_max_retries", engine.PeekMaxRetries)
	v.SetDefault("engine.snapshot_retry_interval", engine.SnapshotRetryInterval)
	v.SetDefault("engine.snapshot_max_retries", engine.SnapshotMaxRetries)
	v.SetDefault("engine.stale_snapshot_interval", engine.StaleSnapshotInterval)
	v.SetDefault("engine.stale_snapshot_max_retries", engine.StaleSnapshotMaxRetries)
	v.SetDefault("engine.idle_backoff", engine.IdleBackoff)
	v.SetDefault("engine.publish_depth", 10)

	v.SetDefault("server.listen", ":8080")
	v.SetDefault("server.read_timeout", 5*time.Second)
	v.SetDefault("server.write_timeout", 10*time.Second)

	v.SetDefault("publish.queue_size", 256)
	v.SetDefault("publish.send_timeout", 2*time.Second)
	v.SetDefault("publish.feed_buffer", 64)
	v.SetDefault("publish.redis.enabled", false)
	v.SetDefault("publish.redis.addr", "127.0.0.1:6379")
	v.SetDefault("publish.redis.password", "")
	v.SetDefault("publish.redis.db", 0)
	v.SetDefault("publish.redis.channel", "depthbook.top")
	v.SetDefault("publish.redis.key", "depthbook:top")
	v.SetDefault("publish.kafka.enabled", false)
	v.SetDefault("publish.kafka.brokers", []string{"127.0.0.1:9092"})
	v.SetDefault("publish.kafka.topic", "depthbook.top")
}

// Load layers defaults, the optional file at path and DEPTHBOOK_ environment
// variables, in increasing precedence
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("reading %s: %w", path, err)
		}
	}
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return Config{}, fmt.Errorf("decoding config: %w", err)
	}
	return c, nil
}

// Validate rejects settings the process cannot start with
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Symbol) == "" {
		return fmt.Errorf("%w: symbol is empty", ErrInvalid)
	}
	if n := c.Buffer.Capacity; n < 2 || n&(n-1) != 0 {
		return fmt.Errorf("%w: buffer capacity %d is not a power of two", ErrInvalid, n)
	}
	if _, err := ringbuffer.ParsePolicy(c.Buffer.Policy); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	for name, ceiling := range map[string]int{
		"engine.ready_max_polls":            c.Engine.ReadyMaxPolls,
		"engine.peek_max_retries":           c.Engine.PeekMaxRetries,
		"engine.snapshot_max_retries":       c.Engine.SnapshotMaxRetries,
		"engine.stale_snapshot_max_retries": c.Engine.StaleSnapshotMaxRetries,
	} {
		if ceiling < 1 {
			return fmt.Errorf("%w: %s must be positive", ErrInvalid, name)
		}
	}
	engine := c.EngineConfig()
	if err := engine.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if c.Publish.Kafka.Enabled && (len(c.Publish.Kafka.Brokers) == 0 || c.Publish.Kafka.Topic == "") {
		return fmt.Errorf("%w: kafka sink needs brokers and a topic", ErrInvalid)
	}
	if c.Publish.Redis.Enabled && c.Publish.Redis.Channel == "" {
		return fmt.Errorf("%w: redis sink needs a channel", ErrInvalid)
	}
	return nil
}

// Policy returns the parsed push policy. Call Validate first.
func (c *Config) Policy() ringbuffer.Policy {
	p, _ := ringbuffer.ParsePolicy(c.Buffer.Policy)
	return p
}

// BinanceConfig maps the exchange section
func (c *Config) BinanceConfig() exchange.BinanceConfig {
	return exchange.BinanceConfig{
		RESTURL:           c.Binance.RESTURL,
		StreamURL:         c.Binance.StreamURL,
		Symbol:            c.Symbol,
		SnapshotLimit:     c.Binance.SnapshotLimit,
		UpdateSpeed:       c.Binance.UpdateSpeed,
		RequestsPerSecond: c.Binance.RequestsPerSecond,
		Burst:             c.Binance.Burst,
		HTTPTimeout:       c.Binance.HTTPTimeout,
	}
}

// EngineConfig maps the engine section
func (c *Config) EngineConfig() reconcile.Config {
	return reconcile.Config{
		Symbol:                  strings.ToUpper(c.Symbol),
		SnapshotURL:             c.BinanceConfig().SnapshotURL(),
		ReadyPollInterval:       c.Engine.ReadyPollInterval,
		ReadyMaxPolls:           c.Engine.ReadyMaxPolls,
		PeekRetryInterval:       c.Engine.PeekRetryInterval,
		PeekMaxRetries:          c.Engine.PeekMaxRetries,
		SnapshotRetryInterval:   c.Engine.SnapshotRetryInterval,
		SnapshotMaxRetries:      c.Engine.SnapshotMaxRetries,
		StaleSnapshotInterval:   c.Engine.StaleSnapshotInterval,
		StaleSnapshotMaxRetries: c.Engine.StaleSnapshotMaxRetries,
		IdleBackoff:             c.Engine.IdleBackoff,
		PublishDepth:            c.Engine.PublishDepth,
	}
}
