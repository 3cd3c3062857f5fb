package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/trade-footprint/internal/aggregation"
	"github.com/trade-footprint/internal/api"
	"github.com/trade-footprint/internal/cache"
	"github.com/trade-footprint/internal/database"
	"github.com/trade-footprint/internal/exchange"
	"github.com/trade-footprint/internal/messaging"
	"github.com/trade-footprint/internal/pipeline"
	"github.com/trade-footprint/internal/profile"
	"github.com/trade-footprint/internal/ratelimit"
	"github.com/trade-footprint/internal/router"
	"github.com/trade-footprint/internal/services"
	"github.com/trade-footprint/internal/signal"
	"github.com/trade-footprint/internal/symbols"
	"github.com/trade-footprint/pkg/config"
	"github.com/trade-footprint/pkg/logger"
	"github.com/trade-footprint/pkg/models"
)

// App represents the main application
type App struct {
	cfg    *config.Config
	logger *logrus.Logger
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Storage and messaging
	mysqlDB       *database.MySQLClient
	influxDB      *database.InfluxClient
	candleBatcher *database.CandleBatcher
	redisCache    *cache.RedisClient
	natsClient    *messaging.NATSClient

	// Historical channel
	limiter *ratelimit.Limiter
	channel *ratelimit.Channel

	// Core
	tickSizes    *profile.TickSizes
	aggregator   *profile.Aggregator
	hub          *exchange.Hub
	rollup       *aggregation.Rollup
	router       *router.Router
	orchestrator *pipeline.Orchestrator
	syncer       *symbols.Syncer
	gapRecovery  *services.GapRecovery
	apiServer    *api.Server
}

// New creates a new application instance
func New(cfg *config.Config, logger *logrus.Logger) *App {
	ctx, cancel := context.WithCancel(context.Background())

	return &App{
		cfg:    cfg,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Initialize initializes all application components
func (a *App) Initialize() error {
	if err := a.initializeDatabase(); err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}

	if err := a.initializeCache(); err != nil {
		return fmt.Errorf("failed to initialize cache: %w", err)
	}

	if err := a.initializeMessaging(); err != nil {
		return fmt.Errorf("failed to initialize messaging: %w", err)
	}

	// The limiter must be restored before anything can issue a request
	if err := a.initializeRateLimit(); err != nil {
		return fmt.Errorf("failed to initialize rate limiter: %w", err)
	}

	if err := a.initializeExchange(); err != nil {
		return fmt.Errorf("failed to initialize exchange: %w", err)
	}

	a.initializePipeline()
	a.initializeSymbols()

	if a.cfg.Server.Enabled {
		a.initializeAPIServer()
	}

	return nil
}

// Start starts the application
func (a *App) Start() error {
	if a.candleBatcher != nil {
		a.candleBatcher.Start()
	}

	a.orchestrator.Start(a.ctx)

	if err := a.hub.Start(a.ctx); err != nil {
		return fmt.Errorf("failed to start hub: %w", err)
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.syncer.Run(a.ctx)
	}()

	// Candidates are acked only after their record is stored
	if err := a.natsClient.SubscribeReversals(func(c models.ReversalCandidate, settle messaging.Settle) error {
		return a.orchestrator.Submit(c, func(err error) {
			if errors.Is(err, pipeline.ErrInvalidCandidate) {
				err = fmt.Errorf("%w: %v", messaging.ErrRejected, err)
			}
			settle(err)
		})
	}); err != nil {
		return fmt.Errorf("failed to subscribe to reversal candidates: %w", err)
	}

	if a.apiServer != nil {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			if err := a.apiServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.logger.WithError(err).Error("API server error")
			}
		}()
	}

	a.logger.WithFields(logrus.Fields{
		"workers":      a.cfg.Signal.Workers,
		"arm":          a.cfg.Collector.ArmIntervals,
		"hourly_limit": a.cfg.RateLimit.HourlyMax,
	}).Info("Footprint engine started")
	return nil
}

// Stop gracefully stops the application
func (a *App) Stop() error {
	a.logger.Info("Stopping application...")

	if a.apiServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := a.apiServer.Stop(ctx); err != nil {
			a.logger.WithError(err).Error("Error stopping API server")
		}
		cancel()
	}

	// Candidates arriving after this are refused, and queued ones are
	// handed back to the bus before it is drained
	a.cancel()

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		if a.hub != nil {
			a.hub.Wait()
		}
		if a.orchestrator != nil {
			a.orchestrator.Wait()
		}
		close(done)
	}()

	select {
	case <-done:
		a.logger.Info("All goroutines stopped")
	case <-time.After(5 * time.Second):
		a.logger.Warn("Timeout waiting for goroutines to finish")
	}

	if err := a.closeConnections(); err != nil {
		a.logger.WithError(err).Error("Error closing connections")
	}

	a.logger.Info("Application stopped successfully")
	return nil
}

// Private initialization methods

func (a *App) initializeDatabase() error {
	mysqlClient, err := database.NewMySQLClient(&a.cfg.MySQL, a.logger)
	if err != nil {
		return fmt.Errorf("failed to connect to MySQL: %w", err)
	}
	a.mysqlDB = mysqlClient

	if !a.cfg.InfluxDB.Enabled {
		a.logger.Warn("InfluxDB disabled, candles and profiles will not be stored")
		return nil
	}

	a.influxDB = database.NewInfluxClient(&a.cfg.InfluxDB, a.logger)
	if err := a.influxDB.Health(a.ctx); err != nil {
		return fmt.Errorf("failed to connect to InfluxDB: %w", err)
	}
	a.candleBatcher = database.NewCandleBatcher(a.influxDB, 500, 2*time.Second, a.logger)

	return nil
}

func (a *App) initializeCache() error {
	redisClient, err := cache.NewRedisClient(&a.cfg.Redis, a.logger)
	if err != nil {
		return fmt.Errorf("failed to connect to Redis: %w", err)
	}
	a.redisCache = redisClient
	return nil
}

func (a *App) initializeMessaging() error {
	natsClient, err := messaging.NewNATSClient(&a.cfg.NATS, a.logger)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}
	a.natsClient = natsClient
	return nil
}

func (a *App) initializeRateLimit() error {
	rl := a.cfg.RateLimit
	a.limiter = ratelimit.NewLimiter(ratelimit.Config{
		MinDelay:   rl.MinDelay,
		MaxBackoff: rl.MaxBackoff,
		DefaultBan: rl.DefaultBan,
		HourlyMax:  rl.HourlyMax,
	}, nil, logrus.NewEntry(a.logger))

	ctx, cancel := context.WithTimeout(a.ctx, 5*time.Second)
	state, ok, err := a.redisCache.LoadLimiterState(ctx)
	cancel()
	switch {
	case err != nil:
		a.logger.WithError(err).Warn("Failed to load limiter state, starting clean")
	case ok:
		a.limiter.Restore(state)
	}

	// The hook runs under the limiter lock, so persistence happens elsewhere
	a.limiter.OnBanChange(func(s ratelimit.State) {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := a.redisCache.SaveLimiterState(ctx, s); err != nil {
				a.logger.WithError(err).Error("Failed to persist limiter state")
			}
		}()
	})

	rest := exchange.NewFuturesREST(a.cfg.Exchange.RESTURL, a.cfg.Exchange.RequestTimeout, a.logger)
	a.channel = ratelimit.NewChannel(a.limiter, rest, rest, ratelimit.ChannelConfig{
		PageLimit: rl.PageLimit,
		MaxPages:  rl.MaxPages,
	}, logrus.NewEntry(a.logger))
	return nil
}

func (a *App) streamConfig() exchange.StreamConfig {
	c := a.cfg.Collector
	return exchange.StreamConfig{
		URL: a.cfg.Exchange.StreamURL,
		Policy: exchange.ReconnectPolicy{
			Base:       c.ReconnectBase,
			Max:        c.ReconnectMax,
			MaxRetries: c.MaxRetries,
			Cooldown:   c.Cooldown,
		},
		Silence:     c.SilenceThreshold,
		HealthEvery: c.HealthInterval,
		PongWait:    a.cfg.Exchange.PongWait,
	}
}

func (a *App) initializeExchange() error {
	a.tickSizes = profile.NewTickSizes()
	a.aggregator = profile.NewAggregator(a.cfg.Signal.ValueAreaFraction)

	dialer := exchange.WSDialer{HandshakeTimeout: a.cfg.Exchange.HandshakeTimeout}

	ticks, err := exchange.NewTickCollector(a.ctx, exchange.TickCollectorConfig{
		Stream:       a.streamConfig(),
		Grace:        a.cfg.Collector.WindowGrace,
		Retention:    a.cfg.Collector.WindowRetention,
		ArmIntervals: a.cfg.Collector.ArmIntervals,
	}, dialer, a.computeStreamProfile, nil, a.logger)
	if err != nil {
		return fmt.Errorf("failed to create tick collector: %w", err)
	}

	var boundaries exchange.BoundaryStore = a.redisCache
	if a.influxDB != nil {
		boundaries = seededBoundaries{BoundaryStore: a.redisCache, seed: a.influxDB}
	}
	candles, err := exchange.NewCandleCollector(exchange.CandleCollectorConfig{
		Stream:   a.streamConfig(),
		Interval: a.cfg.Collector.CandleInterval,
	}, dialer, a.redisCache, boundaries, nil, a.logger)
	if err != nil {
		return fmt.Errorf("failed to create candle collector: %w", err)
	}
	a.rollup, err = aggregation.NewRollup(a.cfg.Collector.RollupIntervals, a.logger)
	if err != nil {
		return fmt.Errorf("failed to create candle rollup: %w", err)
	}
	candles.OnCandle(a.handleCandle)

	var (
		store     services.CandleStore
		publisher services.CandlePublisher = a.natsClient
	)
	if a.influxDB != nil {
		store = a.influxDB
	}
	a.gapRecovery = services.NewGapRecovery(a.channel, store, publisher, a.redisCache, a.logger)
	candles.OnGap(a.gapRecovery.Handle)

	a.hub = exchange.NewHub(ticks, candles, a.logger)
	a.router = router.New(ticks, a.channel, a.logger)
	return nil
}

// computeStreamProfile is the aggregation step run when a stream window seals
func (a *App) computeStreamProfile(instrument string, ticks []models.Tick) models.VolumeProfile {
	var ref float64
	if len(ticks) > 0 {
		ref = ticks[0].Price
	}
	return a.aggregator.Compute(ticks, a.tickSizes.For(instrument, ref), models.SourceStream)
}

// handleCandle stores and publishes each closed candle along with any
// higher-interval bars it completes
func (a *App) handleCandle(c models.Candle) {
	for _, bar := range append([]models.Candle{c}, a.rollup.Add(c)...) {
		if a.candleBatcher != nil {
			a.candleBatcher.Write(bar)
		}
		if err := a.natsClient.PublishCandle(bar); err != nil {
			logger.WithInstrument(logger.WithComponent(a.logger, "app"), bar.Instrument).
				WithError(err).WithField("interval", bar.Interval).Debug("Failed to publish candle")
		}
	}
}

func (a *App) initializePipeline() {
	a.orchestrator = pipeline.New(pipeline.Config{
		Workers:   a.cfg.Signal.Workers,
		QueueSize: a.cfg.Signal.QueueSize,
	}, a.router, a.aggregator, a.tickSizes, signal.NewValidator(), a.mysqlDB, a.logger)

	if a.influxDB != nil {
		a.orchestrator.SetProfileWriter(a.influxDB)
	}
	a.orchestrator.SetPublisher(a.natsClient)
}

func (a *App) initializeSymbols() {
	a.syncer = symbols.NewSyncer(symbols.Config{
		Interval:               a.cfg.Symbols.SyncInterval,
		SignificantChangeRatio: a.cfg.Symbols.SignificantChangeRatio,
		Bootstrap:              a.cfg.Symbols.Bootstrap,
	}, a.mysqlDB, a.hub, a.redisCache, a.tickSizes, a.logger)
}

func (a *App) initializeAPIServer() {
	checks := map[string]api.CheckFunc{
		"mysql": a.mysqlDB.Health,
		"redis": a.redisCache.Health,
		"nats": func(context.Context) error {
			if !a.natsClient.IsConnected() {
				return errors.New("not connected")
			}
			return nil
		},
	}
	if a.influxDB != nil {
		checks["influxdb"] = a.influxDB.Health
	}

	a.apiServer = api.NewServer(&a.cfg.Server, api.Sources{
		Limiter:  a.limiter,
		Hub:      a.hub,
		Router:   a.router,
		Pipeline: a.orchestrator,
		Symbols:  a.syncer,
		Gaps:     a.gapRecovery,
		Signals:  a.mysqlDB,
		Checks:   checks,
	}, a.logger)
}

func (a *App) closeConnections() error {
	var errs []error

	if a.candleBatcher != nil {
		a.candleBatcher.Stop()
	}

	if a.natsClient != nil {
		if err := a.natsClient.Drain(); err != nil {
			errs = append(errs, fmt.Errorf("failed to drain NATS: %w", err))
		}
	}

	if a.limiter != nil && a.redisCache != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := a.redisCache.SaveLimiterState(ctx, a.limiter.Snapshot()); err != nil {
			errs = append(errs, fmt.Errorf("failed to persist limiter state: %w", err))
		}
		cancel()
	}

	if a.redisCache != nil {
		if err := a.redisCache.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close Redis: %w", err))
		}
	}

	if a.influxDB != nil {
		a.influxDB.Close()
	}

	if a.mysqlDB != nil {
		if err := a.mysqlDB.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close MySQL: %w", err))
		}
	}

	return errors.Join(errs...)
}
