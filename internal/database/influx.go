package database

import (
	"context"
	"fmt"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/sirupsen/logrus"
	"github.com/trade-footprint/internal/exchange"
	"github.com/trade-footprint/pkg/config"
	"github.com/trade-footprint/pkg/models"
)

const (
	exchangeTag       = "binance-futures"
	profileMeasurement = "volume_profile"
)

// InfluxClient handles InfluxDB time-series operations
type InfluxClient struct {
	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
	queryAPI api.QueryAPI
	logger   *logrus.Entry
	cfg      *config.InfluxConfig
	org      string
	bucket   string
}

// NewInfluxClient creates a new InfluxDB client
func NewInfluxClient(cfg *config.InfluxConfig, logger *logrus.Logger) *InfluxClient {
	client := influxdb2.NewClientWithOptions(
		cfg.URL,
		cfg.Token,
		influxdb2.DefaultOptions().
			SetHTTPRequestTimeout(uint(cfg.Timeout.Seconds())).
			SetLogLevel(0), // Silent - no logs
	)

	return &InfluxClient{
		client:   client,
		writeAPI: client.WriteAPIBlocking(cfg.Org, cfg.Bucket),
		queryAPI: client.QueryAPI(cfg.Org),
		logger:   logger.WithField("component", "influxdb"),
		cfg:      cfg,
		org:      cfg.Org,
		bucket:   cfg.Bucket,
	}
}

// Close closes the InfluxDB client
func (ic *InfluxClient) Close() {
	ic.client.Close()
}

// Health checks InfluxDB health
func (ic *InfluxClient) Health(ctx context.Context) error {
	health, err := ic.client.Health(ctx)
	if err != nil {
		return fmt.Errorf("failed to check health: %w", err)
	}

	if health.Status != "pass" {
		msg := ""
		if health.Message != nil {
			msg = *health.Message
		}
		return fmt.Errorf("influxdb health check failed: %s", msg)
	}

	return nil
}

// candleMeasurement is "ohlcv" for 1m data and "ohlcv_<interval>" otherwise
func candleMeasurement(interval string) string {
	if interval == "1m" || interval == "" {
		return "ohlcv"
	}
	return fmt.Sprintf("ohlcv_%s", interval)
}

func candlePoint(c models.Candle) *write.Point {
	return influxdb2.NewPoint(
		candleMeasurement(c.Interval),
		map[string]string{
			"exchange": exchangeTag,
			"symbol":   c.Instrument,
		},
		map[string]interface{}{
			"open":                   c.Open,
			"high":                   c.High,
			"low":                    c.Low,
			"close":                  c.Close,
			"volume":                 c.Volume,
			"quote_volume":           c.QuoteVolume,
			"trade_count":            c.TradeCount,
			"taker_buy_volume":       c.TakerBuyVolume,
			"taker_buy_quote_volume": c.TakerBuyQuoteVolume,
			"recovered":              c.Recovered,
		},
		c.OpenTime,
	)
}

// WriteCandle writes one closed candle
func (ic *InfluxClient) WriteCandle(ctx context.Context, c models.Candle) error {
	if err := ic.writeAPI.WritePoint(ctx, candlePoint(c)); err != nil {
		return fmt.Errorf("failed to write candle: %w", err)
	}
	return nil
}

// WriteCandles writes candles in a single batch
func (ic *InfluxClient) WriteCandles(ctx context.Context, candles []models.Candle) error {
	if len(candles) == 0 {
		return nil
	}

	points := make([]*write.Point, 0, len(candles))
	for _, c := range candles {
		points = append(points, candlePoint(c))
	}

	if err := ic.writeAPI.WritePoint(ctx, points...); err != nil {
		return fmt.Errorf("failed to write candles batch (%d points): %w", len(points), err)
	}
	return nil
}

// WriteProfile writes the footprint and verdict of one record. Missing
// levels are left out of the point instead of being written as zero.
func (ic *InfluxClient) WriteProfile(ctx context.Context, rec models.SignalRecord) error {
	fp := rec.Footprint
	fields := map[string]interface{}{
		"total_volume":      fp.TotalVolume,
		"value_area_volume": fp.ValueAreaVolume,
		"value_area_pct":    fp.ValueAreaPercentage,
		"trades":            fp.TradesProcessed,
		"is_valid":          rec.Signal.IsValid,
		"score":             rec.Signal.Score,
	}
	if fp.HasLevels() {
		fields["poc"] = *fp.POC
		fields["vah"] = *fp.VAH
		fields["val"] = *fp.VAL
	}

	point := influxdb2.NewPoint(
		profileMeasurement,
		map[string]string{
			"symbol":    rec.Instrument,
			"interval":  rec.Interval,
			"source":    fp.DataSource,
			"direction": string(rec.Signal.Direction),
		},
		fields,
		rec.OpenTime,
	)

	if err := ic.writeAPI.WritePoint(ctx, point); err != nil {
		return fmt.Errorf("failed to write profile: %w", err)
	}
	return nil
}

func lastCandleQuery(bucket, measurement, symbol string) string {
	return fmt.Sprintf(`
		from(bucket: "%s")
		|> range(start: -30d)
		|> filter(fn: (r) => r._measurement == "%s")
		|> filter(fn: (r) => r.symbol == "%s")
		|> filter(fn: (r) => r._field == "close")
		|> last()
	`, bucket, measurement, symbol)
}

// GetLastCandleTime returns the close boundary of the newest stored candle,
// i.e. its open time plus the interval. It is zero when nothing is stored.
func (ic *InfluxClient) GetLastCandleTime(ctx context.Context, symbol, interval string) (time.Time, error) {
	d, err := exchange.ParseInterval(interval)
	if err != nil {
		return time.Time{}, err
	}

	result, err := ic.queryAPI.Query(ctx, lastCandleQuery(ic.bucket, candleMeasurement(interval), symbol))
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to query latest candle: %w", err)
	}
	defer result.Close()

	if !result.Next() {
		if result.Err() != nil {
			return time.Time{}, fmt.Errorf("query error: %w", result.Err())
		}
		return time.Time{}, nil
	}
	return result.Record().Time().UTC().Add(d), nil
}
