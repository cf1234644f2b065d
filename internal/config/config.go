package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"lobfeed/internal/exchange"
	"lobfeed/internal/logging"

	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	Exchanges []ExchangeConfig `mapstructure:"exchanges"`
	Render    RenderConfig     `mapstructure:"render"`
	Connector ConnectorConfig  `mapstructure:"connector"`
	App       AppConfig        `mapstructure:"app"`
	Coinbase  CoinbaseConfig   `mapstructure:"coinbase"`
	Bitfinex  BitfinexConfig   `mapstructure:"bitfinex"`
	Store     StoreConfig      `mapstructure:"store"`
	Kafka     KafkaConfig      `mapstructure:"kafka"`
	Redis     RedisConfig      `mapstructure:"redis"`
	HTTP      HTTPConfig       `mapstructure:"http"`
	Log       logging.Config   `mapstructure:"log"`
}

// ExchangeConfig names one instrument to maintain
type ExchangeConfig struct {
	Name   exchange.ExchangeName `mapstructure:"name"`
	Symbol string                `mapstructure:"symbol"`
}

// RenderConfig holds snapshot rendering configuration
type RenderConfig struct {
	Depth            int           `mapstructure:"depth"`
	IncludeOrderFlow bool          `mapstructure:"include_order_flow"`
	Interval         time.Duration `mapstructure:"interval"`
}

// ConnectorConfig holds feed connection configuration
type ConnectorConfig struct {
	MaxReconnectAttempts int           `mapstructure:"max_reconnect_attempts"`
	ReconnectMinWait     time.Duration `mapstructure:"reconnect_min_wait"`
	ReadTimeout          time.Duration `mapstructure:"read_timeout"`
	HandshakeTimeout     time.Duration `mapstructure:"handshake_timeout"`
}

// AppConfig holds general application configuration
type AppConfig struct {
	QueueSize      int `mapstructure:"queue_size"`
	PublishBuffer  int `mapstructure:"publish_buffer"`
	SnapshotWindow int `mapstructure:"snapshot_window"`
}

// CoinbaseConfig holds Coinbase endpoints
type CoinbaseConfig struct {
	WSURL       string        `mapstructure:"ws_url"`
	RESTURL     string        `mapstructure:"rest_url"`
	HTTPTimeout time.Duration `mapstructure:"http_timeout"`
}

// BitfinexConfig holds Bitfinex endpoints
type BitfinexConfig struct {
	WSURL      string `mapstructure:"ws_url"`
	BookLength string `mapstructure:"book_length"`
}

// StoreConfig configures the tick store. An empty path disables recording.
type StoreConfig struct {
	Path string `mapstructure:"path"`
}

// KafkaConfig configures the snapshot topic. No brokers disables the sink.
type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

// RedisConfig configures the latest-snapshot cache. An empty address disables the sink.
type RedisConfig struct {
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Channel  string        `mapstructure:"channel"`
	TTL      time.Duration `mapstructure:"ttl"`
}

// HTTPConfig configures the API and websocket server
type HTTPConfig struct {
	Addr string `mapstructure:"addr"`
}

// Default returns the default configuration: BTC-USD on Coinbase and Bitfinex
func Default() Config {
	return Config{
		Exchanges: []ExchangeConfig{
			{Name: exchange.Coinbase, Symbol: "BTC-USD"},
			{Name: exchange.Bitfinex, Symbol: "BTC-USD"},
		},
		Render: RenderConfig{
			Depth:            15,
			IncludeOrderFlow: true,
			Interval:         time.Second,
		},
		Connector: ConnectorConfig{
			MaxReconnectAttempts: 10,
			ReconnectMinWait:     10 * time.Second,
			ReadTimeout:          30 * time.Second,
			HandshakeTimeout:     10 * time.Second,
		},
		App: AppConfig{
			QueueSize:      1000,
			PublishBuffer:  256,
			SnapshotWindow: 300,
		},
		Coinbase: CoinbaseConfig{
			WSURL:       "wss://ws-feed.exchange.coinbase.com",
			RESTURL:     "https://api.exchange.coinbase.com",
			HTTPTimeout: 10 * time.Second,
		},
		Bitfinex: BitfinexConfig{
			WSURL:      "wss://api-pub.bitfinex.com/ws/2",
			BookLength: "250",
		},
		Kafka: KafkaConfig{
			Topic: "lob-snapshots",
		},
		Redis: RedisConfig{
			Channel: "lob-snapshots",
			TTL:     time.Minute,
		},
		HTTP: HTTPConfig{
			Addr: ":8086",
		},
		Log: logging.Config{
			Level: "info",
		},
	}
}

// Load reads configuration from defaults, an optional file and LOBFEED_* environment variables
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v, Default())

	v.SetEnvPrefix("LOBFEED")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, d Config) {
	exchanges := make([]map[string]any, 0, len(d.Exchanges))
	for _, ex := range d.Exchanges {
		exchanges = append(exchanges, map[string]any{"name": string(ex.Name), "symbol": ex.Symbol})
	}
	v.SetDefault("exchanges", exchanges)

	v.SetDefault("render.depth", d.Render.Depth)
	v.SetDefault("render.include_order_flow", d.Render.IncludeOrderFlow)
	v.SetDefault("render.interval", d.Render.Interval)

	v.SetDefault("connector.max_reconnect_attempts", d.Connector.MaxReconnectAttempts)
	v.SetDefault("connector.reconnect_min_wait", d.Connector.ReconnectMinWait)
	v.SetDefault("connector.read_timeout", d.Connector.ReadTimeout)
	v.SetDefault("connector.handshake_timeout", d.Connector.HandshakeTimeout)

	v.SetDefault("app.queue_size", d.App.QueueSize)
	v.SetDefault("app.publish_buffer", d.App.PublishBuffer)
	v.SetDefault("app.snapshot_window", d.App.SnapshotWindow)

	v.SetDefault("coinbase.ws_url", d.Coinbase.WSURL)
	v.SetDefault("coinbase.rest_url", d.Coinbase.RESTURL)
	v.SetDefault("coinbase.http_timeout", d.Coinbase.HTTPTimeout)
	v.SetDefault("bitfinex.ws_url", d.Bitfinex.WSURL)
	v.SetDefault("bitfinex.book_length", d.Bitfinex.BookLength)

	v.SetDefault("store.path", d.Store.Path)
	v.SetDefault("kafka.brokers", d.Kafka.Brokers)
	v.SetDefault("kafka.topic", d.Kafka.Topic)
	v.SetDefault("redis.addr", d.Redis.Addr)
	v.SetDefault("redis.password", d.Redis.Password)
	v.SetDefault("redis.db", d.Redis.DB)
	v.SetDefault("redis.channel", d.Redis.Channel)
	v.SetDefault("redis.ttl", d.Redis.TTL)
	v.SetDefault("http.addr", d.HTTP.Addr)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.pretty", d.Log.Pretty)
}

// Validate checks the configuration for values the engine cannot run with
func (c Config) Validate() error {
	var errs []error
	if len(c.Exchanges) == 0 {
		errs = append(errs, errors.New("no exchanges configured"))
	}
	for i, ex := range c.Exchanges {
		if !ex.Name.Supported() {
			errs = append(errs, fmt.Errorf("exchanges[%d]: unsupported exchange %q", i, ex.Name))
		}
		if ex.Symbol == "" {
			errs = append(errs, fmt.Errorf("exchanges[%d]: symbol is required", i))
		}
	}
	if c.Render.Depth <= 0 {
		errs = append(errs, errors.New("render.depth must be positive"))
	}
	if c.Render.Interval <= 0 {
		errs = append(errs, errors.New("render.interval must be positive"))
	}
	if c.Connector.MaxReconnectAttempts < 0 {
		errs = append(errs, errors.New("connector.max_reconnect_attempts must not be negative"))
	}
	if c.App.QueueSize <= 0 {
		errs = append(errs, errors.New("app.queue_size must be positive"))
	}
	if len(c.Kafka.Brokers) > 0 && c.Kafka.Topic == "" {
		errs = append(errs, errors.New("kafka.topic is required when brokers are set"))
	}
	return errors.Join(errs...)
}
