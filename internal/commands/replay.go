package commands

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/trade-footprint/internal/cache"
	"github.com/trade-footprint/internal/database"
	"github.com/trade-footprint/internal/exchange"
	"github.com/trade-footprint/internal/pipeline"
	"github.com/trade-footprint/internal/profile"
	"github.com/trade-footprint/internal/ratelimit"
	"github.com/trade-footprint/internal/router"
	"github.com/trade-footprint/internal/signal"
	"github.com/trade-footprint/pkg/config"
	"github.com/trade-footprint/pkg/models"
)

var (
	replayInstrument string
	replayInterval   string
	replayOpen       string
	replayDirection  string
	replayPersist    bool
)

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Recompute the signal of one candle over REST",
	Long: `Recompute the volume profile and signal for a single candle from
historical trades. Requests go through the same rate limiter as the server
and honor a ban stored in Redis.

Examples:
  footprint replay --instrument BTCUSDT --interval 15m --open 2024-06-01T12:00:00Z --direction buy
  footprint replay --instrument ETHUSDT --open 1717243200000 --direction sell --persist`,
	RunE: runReplay,
}

func init() {
	rootCmd.AddCommand(replayCmd)

	replayCmd.Flags().StringVarP(&replayInstrument, "instrument", "i", "", "Instrument symbol")
	replayCmd.Flags().StringVar(&replayInterval, "interval", "15m", "Candle interval")
	replayCmd.Flags().StringVar(&replayOpen, "open", "", "Candle open time (RFC3339 or epoch milliseconds)")
	replayCmd.Flags().StringVarP(&replayDirection, "direction", "d", "", "Reversal direction (buy or sell)")
	replayCmd.Flags().BoolVar(&replayPersist, "persist", false, "Upsert the record into MySQL")

	_ = replayCmd.MarkFlagRequired("instrument")
	_ = replayCmd.MarkFlagRequired("open")
	_ = replayCmd.MarkFlagRequired("direction")
}

// parseOpenTime accepts RFC3339 or epoch milliseconds
func parseOpenTime(s string) (time.Time, error) {
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.UnixMilli(ms).UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid open time %q: want RFC3339 or epoch milliseconds", s)
	}
	return t.UTC(), nil
}

func parseDirection(s string) (models.Direction, error) {
	switch d := models.Direction(strings.ToLower(s)); d {
	case models.DirectionBuy, models.DirectionSell:
		return d, nil
	default:
		return "", fmt.Errorf("invalid direction %q: want buy or sell", s)
	}
}

type discardSink struct{}

func (discardSink) UpsertSignal(ctx context.Context, rec models.SignalRecord) error { return nil }

func runReplay(cmd *cobra.Command, args []string) error {
	d, err := exchange.ParseInterval(replayInterval)
	if err != nil {
		return err
	}
	open, err := parseOpenTime(replayOpen)
	if err != nil {
		return err
	}
	direction, err := parseDirection(replayDirection)
	if err != nil {
		return err
	}
	instrument := strings.ToUpper(replayInstrument)
	open, closeTime := exchange.CandleBounds(open, d)

	cfg, log, err := bootstrap()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	channel, done := replayChannel(ctx, cfg, log)
	defer done()

	candles, err := channel.FetchKlines(ctx, instrument, replayInterval, open, open)
	if err != nil {
		return fmt.Errorf("failed to fetch candle: %w", err)
	}
	if len(candles) == 0 || !candles[0].OpenTime.Equal(open) {
		return fmt.Errorf("exchange has no %s candle for %s at %s", replayInterval, instrument, open.Format(time.RFC3339))
	}

	tickSizes := profile.NewTickSizes()
	var sink pipeline.RecordSink = discardSink{}
	var previous *models.SignalRecord

	if replayPersist {
		db, err := database.NewMySQLClient(&cfg.MySQL, log)
		if err != nil {
			return fmt.Errorf("failed to connect to MySQL: %w", err)
		}
		defer db.Close()

		instruments, err := db.GetInstruments(ctx, false)
		if err != nil {
			return err
		}
		for _, inst := range instruments {
			tickSizes.Set(inst.Symbol, inst.TickSize)
		}
		if previous, err = db.GetSignal(ctx, instrument, replayInterval, open); err != nil {
			return err
		}
		sink = db
	}

	orch := pipeline.New(pipeline.Config{}, router.New(nil, channel, log),
		profile.NewAggregator(cfg.Signal.ValueAreaFraction), tickSizes, signal.NewValidator(), sink, log)

	rec, err := orch.Process(ctx, models.ReversalCandidate{
		Instrument: instrument,
		Interval:   replayInterval,
		OpenTime:   open,
		CloseTime:  closeTime,
		Candle:     candles[0].OHLC,
		Direction:  direction,
	})
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(rec); err != nil {
		return err
	}

	if previous != nil && previous.Signal.IsValid != rec.Signal.IsValid {
		fmt.Printf("Verdict changed: valid %v -> %v\n", previous.Signal.IsValid, rec.Signal.IsValid)
	}
	return nil
}

// replayChannel builds the throttled channel, restoring and persisting the
// limiter state through Redis when it is reachable
func replayChannel(ctx context.Context, cfg *config.Config, log *logrus.Logger) (*ratelimit.Channel, func()) {
	rl := cfg.RateLimit
	limiter := ratelimit.NewLimiter(ratelimit.Config{
		MinDelay:   rl.MinDelay,
		MaxBackoff: rl.MaxBackoff,
		DefaultBan: rl.DefaultBan,
		HourlyMax:  rl.HourlyMax,
	}, nil, logrus.NewEntry(log))

	done := func() {}
	redisClient, err := cache.NewRedisClient(&cfg.Redis, log)
	if err != nil {
		log.WithError(err).Warn("Redis unavailable, limiter state will not be shared")
	} else {
		if state, ok, err := redisClient.LoadLimiterState(ctx); err == nil && ok {
			limiter.Restore(state)
		}
		done = func() {
			sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := redisClient.SaveLimiterState(sctx, limiter.Snapshot()); err != nil {
				log.WithError(err).Warn("Failed to persist limiter state")
			}
			redisClient.Close()
		}
	}

	rest := exchange.NewFuturesREST(cfg.Exchange.RESTURL, cfg.Exchange.RequestTimeout, log)
	return ratelimit.NewChannel(limiter, rest, rest, ratelimit.ChannelConfig{
		PageLimit: rl.PageLimit,
		MaxPages:  rl.MaxPages,
	}, logrus.NewEntry(log)), done
}
