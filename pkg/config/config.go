package config

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sethvargo/go-envconfig"
)

// Config represents the application configuration
type Config struct {
	Server    ServerConfig    `env:", prefix=SERVER_"`
	MySQL     MySQLConfig     `env:", prefix=MYSQL_"`
	InfluxDB  InfluxConfig    `env:", prefix=INFLUXDB_"`
	Redis     RedisConfig     `env:", prefix=REDIS_"`
	NATS      NATSConfig      `env:", prefix=NATS_"`
	Exchange  ExchangeConfig  `env:", prefix=EXCHANGE_"`
	RateLimit RateLimitConfig `env:", prefix=RATELIMIT_"`
	Collector CollectorConfig `env:", prefix=COLLECTOR_"`
	Signal    SignalConfig    `env:", prefix=SIGNAL_"`
	Symbols   SymbolsConfig   `env:", prefix=SYMBOLS_"`
	Logging   LoggingConfig   `env:", prefix=LOG_"`
}

// ServerConfig holds the operational HTTP API configuration
type ServerConfig struct {
	Enabled      bool          `env:"ENABLED, default=true"`
	Host         string        `env:"HOST, default=0.0.0.0"`
	Port         int           `env:"PORT, default=8080"`
	ReadTimeout  time.Duration `env:"READ_TIMEOUT, default=15s"`
	WriteTimeout time.Duration `env:"WRITE_TIMEOUT, default=15s"`
	IdleTimeout  time.Duration `env:"IDLE_TIMEOUT, default=60s"`
	CORSOrigins  []string      `env:"CORS_ORIGINS, default=*"`
	Pprof        bool          `env:"PPROF, default=false"`
}

// MySQLConfig holds MySQL configuration
type MySQLConfig struct {
	Host            string        `env:"HOST, default=localhost"`
	Port            int           `env:"PORT, default=3306"`
	Database        string        `env:"DATABASE, default=footprint"`
	User            string        `env:"USER, default=footprint"`
	Password        string        `env:"PASSWORD, default=footprint"`
	MaxOpenConns    int           `env:"MAX_OPEN_CONNS, default=10"`
	MaxIdleConns    int           `env:"MAX_IDLE_CONNS, default=5"`
	ConnMaxLifetime time.Duration `env:"CONN_MAX_LIFETIME, default=5m"`
}

// InfluxConfig holds InfluxDB configuration
type InfluxConfig struct {
	Enabled bool          `env:"ENABLED, default=true"`
	URL     string        `env:"URL, default=http://localhost:8086"`
	Token   string        `env:"TOKEN"`
	Org     string        `env:"ORG, default=trading-org"`
	Bucket  string        `env:"BUCKET, default=footprint"`
	Timeout time.Duration `env:"TIMEOUT, default=10s"`
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host         string        `env:"HOST, default=localhost"`
	Port         int           `env:"PORT, default=6379"`
	Password     string        `env:"PASSWORD"`
	DB           int           `env:"DB, default=0"`
	PoolSize     int           `env:"POOL_SIZE, default=10"`
	MinIdleConns int           `env:"MIN_IDLE_CONNS, default=2"`
	DialTimeout  time.Duration `env:"DIAL_TIMEOUT, default=5s"`
	ReadTimeout  time.Duration `env:"READ_TIMEOUT, default=3s"`
	WriteTimeout time.Duration `env:"WRITE_TIMEOUT, default=3s"`
	KeyPrefix    string        `env:"KEY_PREFIX, default=footprint"`
}

// NATSConfig holds NATS configuration
type NATSConfig struct {
	URL            string        `env:"URL, default=nats://localhost:4222"`
	MaxReconnect   int           `env:"MAX_RECONNECT, default=10"`
	ReconnectWait  time.Duration `env:"RECONNECT_WAIT, default=2s"`
	DrainTimeout   time.Duration `env:"DRAIN_TIMEOUT, default=30s"`
	PublishTimeout time.Duration `env:"PUBLISH_TIMEOUT, default=5s"`
	AckWait        time.Duration `env:"ACK_WAIT, default=5m"`
}

// ExchangeConfig holds the futures exchange endpoints
type ExchangeConfig struct {
	APIKey           string        `env:"API_KEY"`
	SecretKey        string        `env:"SECRET_KEY"`
	RESTURL          string        `env:"REST_URL, default=https://fapi.binance.com"`
	StreamURL        string        `env:"STREAM_URL, default=wss://fstream.binance.com/ws"`
	HandshakeTimeout time.Duration `env:"HANDSHAKE_TIMEOUT, default=10s"`
	RequestTimeout   time.Duration `env:"REQUEST_TIMEOUT, default=15s"`
	PongWait         time.Duration `env:"PONG_WAIT, default=10s"`
}

// RateLimitConfig configures the throttled historical request channel
type RateLimitConfig struct {
	MinDelay   time.Duration `env:"MIN_DELAY, default=250ms"`
	HourlyMax  int           `env:"HOURLY_MAX, default=1200"`
	MaxBackoff time.Duration `env:"MAX_BACKOFF, default=1m"`
	DefaultBan time.Duration `env:"DEFAULT_BAN, default=15m"`
	PageLimit  int           `env:"PAGE_LIMIT, default=1000"`
	MaxPages   int           `env:"MAX_PAGES, default=20"`
}

// CollectorConfig configures both streaming collectors
type CollectorConfig struct {
	ReconnectBase    time.Duration `env:"RECONNECT_BASE, default=1s"`
	ReconnectMax     time.Duration `env:"RECONNECT_MAX, default=30s"`
	MaxRetries       int           `env:"MAX_RETRIES, default=10"`
	Cooldown         time.Duration `env:"COOLDOWN, default=5m"`
	SilenceThreshold time.Duration `env:"SILENCE_THRESHOLD, default=90s"`
	HealthInterval   time.Duration `env:"HEALTH_INTERVAL, default=15s"`
	WindowGrace      time.Duration `env:"WINDOW_GRACE, default=2s"`
	WindowRetention  time.Duration `env:"WINDOW_RETENTION, default=5m"`
	ArmIntervals     []string      `env:"ARM_INTERVALS, default=15m"`
	CandleInterval   string        `env:"CANDLE_INTERVAL, default=1m"`
	RollupIntervals  []string      `env:"ROLLUP_INTERVALS, default=5m,15m,1h"`
}

// SignalConfig configures profile computation and the orchestrator
type SignalConfig struct {
	ValueAreaFraction float64 `env:"VALUE_AREA_FRACTION, default=0.70"`
	Workers           int     `env:"WORKERS, default=4"`
	QueueSize         int     `env:"QUEUE_SIZE, default=256"`
}

// SymbolsConfig configures the instrument-set synchronizer
type SymbolsConfig struct {
	SyncInterval           time.Duration `env:"SYNC_INTERVAL, default=5m"`
	SignificantChangeRatio float64       `env:"SIGNIFICANT_CHANGE_RATIO, default=0.05"`
	Bootstrap              []string      `env:"BOOTSTRAP, default=BTCUSDT,ETHUSDT"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `env:"LEVEL, default=info"`
	Format string `env:"FORMAT, default=json"`
	Output string `env:"OUTPUT, default=stdout"`
}

// Load loads configuration from environment variables using go-envconfig
func Load() (*Config, error) {
	return LoadWith(context.Background(), envconfig.OsLookuper())
}

// LoadWith processes the configuration from an arbitrary lookuper
func LoadWith(ctx context.Context, lookuper envconfig.Lookuper) (*Config, error) {
	var cfg Config
	if err := envconfig.ProcessWith(ctx, &envconfig.Config{
		Target:   &cfg,
		Lookuper: lookuper,
	}); err != nil {
		return nil, fmt.Errorf("failed to process config: %w", err)
	}

	for i, sym := range cfg.Symbols.Bootstrap {
		cfg.Symbols.Bootstrap[i] = strings.ToUpper(strings.TrimSpace(sym))
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.MySQL.Host == "" {
		return fmt.Errorf("MySQL host is required")
	}
	if c.Redis.Host == "" {
		return fmt.Errorf("Redis host is required")
	}
	if c.NATS.URL == "" {
		return fmt.Errorf("NATS URL is required")
	}
	if c.Exchange.StreamURL == "" || c.Exchange.RESTURL == "" {
		return fmt.Errorf("exchange stream and REST URLs are required")
	}
	if c.RateLimit.MinDelay <= 0 {
		return fmt.Errorf("rate limit min delay must be positive")
	}
	if c.RateLimit.HourlyMax <= 0 {
		return fmt.Errorf("rate limit hourly max must be positive")
	}
	if c.RateLimit.PageLimit <= 0 || c.RateLimit.PageLimit > 1000 {
		return fmt.Errorf("page limit must be within 1..1000, got %d", c.RateLimit.PageLimit)
	}
	if c.RateLimit.MaxBackoff < c.RateLimit.MinDelay {
		return fmt.Errorf("max backoff %s is below min delay %s", c.RateLimit.MaxBackoff, c.RateLimit.MinDelay)
	}
	if c.Collector.ReconnectBase <= 0 || c.Collector.ReconnectMax < c.Collector.ReconnectBase {
		return fmt.Errorf("invalid reconnect delays: base=%s max=%s", c.Collector.ReconnectBase, c.Collector.ReconnectMax)
	}
	if c.Collector.SilenceThreshold <= c.Collector.HealthInterval {
		return fmt.Errorf("silence threshold %s must exceed health interval %s",
			c.Collector.SilenceThreshold, c.Collector.HealthInterval)
	}
	if c.Signal.ValueAreaFraction <= 0 || c.Signal.ValueAreaFraction > 1 {
		return fmt.Errorf("value area fraction must be within (0,1], got %v", c.Signal.ValueAreaFraction)
	}
	if c.Signal.Workers <= 0 {
		return fmt.Errorf("signal workers must be positive")
	}
	if c.Symbols.SignificantChangeRatio < 0 || c.Symbols.SignificantChangeRatio > 1 {
		return fmt.Errorf("significant change ratio must be within [0,1]")
	}
	return nil
}

// GetMySQLDSN returns MySQL DSN string
func (c *Config) GetMySQLDSN() string {
	return c.MySQL.DSN()
}

// DSN builds the go-sql-driver connection string
func (m MySQLConfig) DSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true&multiStatements=true",
		m.User, m.Password, m.Host, m.Port, m.Database)
}

// GetRedisAddr returns Redis address
func (c *Config) GetRedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

// GetServerAddr returns server address
func (c *Config) GetServerAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
