package cache

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/goccy/go-json"
	"github.com/sirupsen/logrus"
	"github.com/trade-footprint/internal/ratelimit"
	"github.com/trade-footprint/pkg/config"
)

// advanceScript only moves a stored millisecond marker forward
var advanceScript = redis.NewScript(`
local cur = tonumber(redis.call("GET", KEYS[1]) or "0")
local nxt = tonumber(ARGV[1])
if nxt > cur then
	redis.call("SET", KEYS[1], ARGV[1])
	return 1
end
return 0
`)

// RedisClient holds the state that must survive a restart: the subscribed
// instrument set, the last candle close per instrument and the limiter ban.
type RedisClient struct {
	client *redis.Client
	logger *logrus.Entry
	cfg    *config.RedisConfig
	prefix string
}

// NewRedisClient creates a new Redis client
func NewRedisClient(cfg *config.RedisConfig, logger *logrus.Logger) (*RedisClient, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		// Additional settings to prevent connection issues
		PoolTimeout:        4 * time.Second,
		IdleTimeout:        5 * time.Minute,
		MaxRetries:         2,
		IdleCheckFrequency: time.Minute,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping Redis: %w", err)
	}

	return newRedisClient(client, cfg, logger), nil
}

func newRedisClient(client *redis.Client, cfg *config.RedisConfig, logger *logrus.Logger) *RedisClient {
	prefix := strings.TrimSuffix(cfg.KeyPrefix, ":")
	if prefix == "" {
		prefix = "footprint"
	}
	return &RedisClient{
		client: client,
		logger: logger.WithField("component", "redis"),
		cfg:    cfg,
		prefix: prefix,
	}
}

// Close closes the Redis connection
func (rc *RedisClient) Close() error {
	return rc.client.Close()
}

// Health checks Redis health
func (rc *RedisClient) Health(ctx context.Context) error {
	return rc.client.Ping(ctx).Err()
}

func (rc *RedisClient) key(parts ...string) string {
	return rc.prefix + ":" + strings.Join(parts, ":")
}

// Instrument registry

// ListInstruments returns the persisted subscription set, sorted
func (rc *RedisClient) ListInstruments(ctx context.Context) ([]string, error) {
	members, err := rc.client.SMembers(ctx, rc.key("instruments")).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list instruments: %w", err)
	}
	sort.Strings(members)
	return members, nil
}

// AddInstruments adds symbols to the persisted subscription set
func (rc *RedisClient) AddInstruments(ctx context.Context, symbols ...string) error {
	if len(symbols) == 0 {
		return nil
	}
	members := make([]interface{}, len(symbols))
	for i, s := range symbols {
		members[i] = strings.ToUpper(s)
	}
	return rc.client.SAdd(ctx, rc.key("instruments"), members...).Err()
}

// RemoveInstruments removes symbols from the persisted subscription set
func (rc *RedisClient) RemoveInstruments(ctx context.Context, symbols ...string) error {
	if len(symbols) == 0 {
		return nil
	}
	members := make([]interface{}, len(symbols))
	for i, s := range symbols {
		members[i] = strings.ToUpper(s)
	}
	return rc.client.SRem(ctx, rc.key("instruments"), members...).Err()
}

// Candle boundaries

// LastCandleClose returns the last known close boundary, or zero when unknown
func (rc *RedisClient) LastCandleClose(ctx context.Context, instrument, interval string) (time.Time, error) {
	raw, err := rc.client.Get(ctx, rc.key("lastclose", strings.ToUpper(instrument), interval)).Result()
	if err == redis.Nil {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to get last close: %w", err)
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("corrupt last close %q: %w", raw, err)
	}
	return time.UnixMilli(ms).UTC(), nil
}

// SetLastCandleClose stores t unless a later boundary is already stored
func (rc *RedisClient) SetLastCandleClose(ctx context.Context, instrument, interval string, t time.Time) error {
	key := rc.key("lastclose", strings.ToUpper(instrument), interval)
	if err := advanceScript.Run(ctx, rc.client, []string{key}, t.UnixMilli()).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("failed to set last close: %w", err)
	}
	return nil
}

// Limiter state

// SaveLimiterState persists the limiter snapshot
func (rc *RedisClient) SaveLimiterState(ctx context.Context, s ratelimit.State) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to marshal limiter state: %w", err)
	}
	return rc.client.Set(ctx, rc.key("ratelimit", "state"), data, 0).Err()
}

// LoadLimiterState returns the persisted snapshot; ok is false when none exists
func (rc *RedisClient) LoadLimiterState(ctx context.Context) (s ratelimit.State, ok bool, err error) {
	data, err := rc.client.Get(ctx, rc.key("ratelimit", "state")).Bytes()
	if err == redis.Nil {
		return s, false, nil
	}
	if err != nil {
		return s, false, fmt.Errorf("failed to get limiter state: %w", err)
	}
	if err := json.Unmarshal(data, &s); err != nil {
		return s, false, fmt.Errorf("failed to unmarshal limiter state: %w", err)
	}
	return s, true, nil
}
