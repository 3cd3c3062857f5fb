package messaging

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
	"github.com/trade-footprint/pkg/config"
	"github.com/trade-footprint/pkg/models"
)

// Subjects
const (
	SubjectReversals = "reversals.>"
	reversalsQueue   = "footprint-engine"
)

// ErrRejected marks a candidate that can never succeed. Settling with it
// terminates the message instead of asking for redelivery.
var ErrRejected = errors.New("reversal candidate rejected")

// redeliveryDelay is how long JetStream holds a Nak'ed candidate
var redeliveryDelay = 5 * time.Second

// Settle acks a candidate on nil, terminates it on ErrRejected and asks for
// redelivery on any other error. Only the first call counts.
type Settle func(error)

// ReversalHandler receives decoded candidates. Returning an error refuses
// the candidate and asks for redelivery. After returning nil the handler
// owns the message and must eventually call settle.
type ReversalHandler func(c models.ReversalCandidate, settle Settle) error

// NATSClient handles NATS messaging operations
type NATSClient struct {
	conn   *nats.Conn
	js     nats.JetStreamContext
	logger *logrus.Entry
	cfg    *config.NATSConfig

	// Subscriptions
	subs   map[string]*nats.Subscription
	subsMu sync.RWMutex
}

// NewNATSClient creates a new NATS client
func NewNATSClient(cfg *config.NATSConfig, logger *logrus.Logger) (*NATSClient, error) {
	opts := []nats.Option{
		nats.Name("footprint-engine"),
		nats.MaxReconnects(cfg.MaxReconnect),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DrainTimeout(cfg.DrainTimeout),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.WithError(err).Warn("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected")
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			logger.Info("NATS connection closed")
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	nc := &NATSClient{
		conn:   conn,
		js:     js,
		logger: logger.WithField("component", "nats"),
		cfg:    cfg,
		subs:   make(map[string]*nats.Subscription),
	}

	if err := nc.initializeStreams(); err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to initialize streams: %w", err)
	}

	return nc, nil
}

// Close closes the NATS connection
func (nc *NATSClient) Close() error {
	nc.subsMu.Lock()
	for _, sub := range nc.subs {
		sub.Unsubscribe()
	}
	nc.subs = make(map[string]*nats.Subscription)
	nc.subsMu.Unlock()

	nc.conn.Close()
	return nil
}

// Drain drains the connection (graceful shutdown)
func (nc *NATSClient) Drain() error {
	return nc.conn.Drain()
}

// IsConnected checks if NATS is connected
func (nc *NATSClient) IsConnected() bool {
	return nc.conn.IsConnected()
}

// initializeStreams creates JetStream streams
func (nc *NATSClient) initializeStreams() error {
	streams := []*nats.StreamConfig{
		// closed candles, live and recovered
		{Name: "CANDLES", Subjects: []string{"candles.>"}, Storage: nats.FileStorage, MaxAge: 7 * 24 * time.Hour, MaxMsgs: 1000000},
		{Name: "SIGNALS", Subjects: []string{"signals.>"}, Storage: nats.FileStorage, MaxAge: 30 * 24 * time.Hour, MaxMsgs: 100000},
		{Name: "GAPS", Subjects: []string{"gaps.>"}, Storage: nats.MemoryStorage, MaxAge: 24 * time.Hour, MaxMsgs: 10000},
		// candidates from the external pattern detector
		{Name: "REVERSALS", Subjects: []string{SubjectReversals}, Storage: nats.FileStorage, MaxAge: 24 * time.Hour, MaxMsgs: 100000},
	}

	for _, sc := range streams {
		sc.Replicas = 1
		_, err := nc.js.AddStream(sc)
		if err != nil && !errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
			return fmt.Errorf("failed to create %s stream: %w", sc.Name, err)
		}
	}
	return nil
}

func candleSubject(c models.Candle) string {
	return fmt.Sprintf("candles.%s.%s", strings.ToUpper(c.Instrument), c.Interval)
}

func signalSubject(instrument string) string {
	return "signals." + strings.ToUpper(instrument)
}

func gapSubject(instrument string) string {
	return "gaps." + strings.ToUpper(instrument)
}

// publish sends data through JetStream and waits for the ack
func (nc *NATSClient) publish(subject string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s payload: %w", subject, err)
	}

	future, err := nc.js.PublishAsync(subject, data)
	if err != nil {
		return fmt.Errorf("failed to publish to %s: %w", subject, err)
	}

	timeout := nc.cfg.PublishTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-future.Ok():
		return nil
	case err := <-future.Err():
		return fmt.Errorf("failed to publish to %s: %w", subject, err)
	case <-timer.C:
		return fmt.Errorf("publish timeout for subject %s", subject)
	}
}

// PublishCandle publishes a closed candle on candles.<SYMBOL>.<interval>
func (nc *NATSClient) PublishCandle(c models.Candle) error {
	return nc.publish(candleSubject(c), c)
}

// PublishSignal publishes a stored record on signals.<SYMBOL>
func (nc *NATSClient) PublishSignal(rec models.SignalRecord) error {
	return nc.publish(signalSubject(rec.Instrument), rec)
}

// PublishGap publishes a gap report on gaps.<SYMBOL>
func (nc *NATSClient) PublishGap(report models.GapReport) error {
	return nc.publish(gapSubject(report.Instrument), report)
}

// SubscribeReversals consumes reversal candidates through a durable queue
// consumer so several engine instances share the load. Undecodable messages
// are terminated. A candidate is acked only once the handler settles it.
func (nc *NATSClient) SubscribeReversals(handler ReversalHandler) error {
	ackWait := nc.cfg.AckWait
	if ackWait <= 0 {
		ackWait = 5 * time.Minute
	}

	sub, err := nc.js.QueueSubscribe(SubjectReversals, reversalsQueue, func(msg *nats.Msg) {
		var c models.ReversalCandidate
		if err := json.Unmarshal(msg.Data, &c); err != nil {
			nc.logger.WithError(err).WithField("subject", msg.Subject).Warn("Dropping undecodable reversal candidate")
			msg.Term()
			return
		}
		if err := handler(c, nc.settler(msg, c)); err != nil {
			nc.logger.WithError(err).WithField("instrument", c.Instrument).Debug("Reversal candidate not accepted, requesting redelivery")
			msg.NakWithDelay(redeliveryDelay)
		}
	}, nats.Durable(reversalsQueue), nats.ManualAck(), nats.AckWait(ackWait), nats.DeliverNew())
	if err != nil {
		return fmt.Errorf("failed to subscribe to reversals: %w", err)
	}

	nc.subsMu.Lock()
	nc.subs[SubjectReversals] = sub
	nc.subsMu.Unlock()
	return nil
}

func (nc *NATSClient) settler(msg *nats.Msg, c models.ReversalCandidate) Settle {
	var once sync.Once
	return func(outcome error) {
		once.Do(func() {
			log := nc.logger.WithFields(logrus.Fields{
				"instrument": c.Instrument,
				"interval":   c.Interval,
				"open_time":  c.OpenTime.UTC().Format(time.RFC3339),
			})
			var err error
			switch {
			case outcome == nil:
				err = msg.Ack()
			case errors.Is(outcome, ErrRejected):
				log.WithError(outcome).Warn("Terminating rejected reversal candidate")
				err = msg.Term()
			default:
				log.WithError(outcome).Warn("Reversal candidate failed, requesting redelivery")
				err = msg.NakWithDelay(redeliveryDelay)
			}
			if err != nil {
				log.WithError(err).Error("Failed to settle reversal candidate")
			}
		})
	}
}

// Unsubscribe unsubscribes from a subject
func (nc *NATSClient) Unsubscribe(subject string) error {
	nc.subsMu.Lock()
	defer nc.subsMu.Unlock()

	if sub, exists := nc.subs[subject]; exists {
		if err := sub.Unsubscribe(); err != nil {
			return fmt.Errorf("failed to unsubscribe: %w", err)
		}
		delete(nc.subs, subject)
	}

	return nil
}

// GetStats returns NATS connection statistics
func (nc *NATSClient) GetStats() nats.Statistics {
	return nc.conn.Stats()
}
