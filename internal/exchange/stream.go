package exchange

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/trade-footprint/internal/ratelimit"
	"github.com/trade-footprint/pkg/models"
)

var (
	// ErrTransportDropped means the connection was lost or judged dead
	ErrTransportDropped = errors.New("transport dropped")
	// ErrNotConnected is returned when writing without an open connection
	ErrNotConnected = errors.New("stream not connected")

	errBacklog = errors.New("inbound queue full")
)

// maxParamsPerRequest keeps subscribe frames under the exchange's per-message limit
const maxParamsPerRequest = 100

// ReconnectPolicy controls redial pacing
type ReconnectPolicy struct {
	Base       time.Duration
	Max        time.Duration
	MaxRetries int
	Cooldown   time.Duration
}

// delay returns Base*2^(attempt-1), capped at Max
func (p ReconnectPolicy) delay(attempt int) time.Duration {
	d := p.Base
	if d <= 0 {
		d = time.Second
	}
	for i := 1; i < attempt && d < p.Max; i++ {
		d *= 2
	}
	if p.Max > 0 && d > p.Max {
		d = p.Max
	}
	return d
}

// stableAfter is how long a connection must stay up before the attempt
// counter resets
func (p ReconnectPolicy) stableAfter() time.Duration {
	if p.Max > 0 {
		return p.Max
	}
	return p.delay(1)
}

// StreamConfig configures one supervised stream connection
type StreamConfig struct {
	URL         string
	Policy      ReconnectPolicy
	Silence     time.Duration
	HealthEvery time.Duration
	PongWait    time.Duration
	QueueSize   int
}

// streamHandler receives connection lifecycle events. onMessage runs on a
// dedicated goroutine, never on the read loop.
type streamHandler interface {
	onConnected(ctx context.Context, reconnect bool)
	onMessage(data []byte)
	onDisconnected(err error)
}

// stream supervises one websocket connection: dial, serve, detect death,
// back off, redial. It exits only when its context ends.
type stream struct {
	name    string
	cfg     StreamConfig
	dialer  Dialer
	handler streamHandler
	clock   ratelimit.Clock
	fsm     *stateMachine
	log     *logrus.Entry

	connMu  sync.RWMutex
	conn    Conn
	writeMu sync.Mutex

	broken      atomic.Bool
	lastMessage atomic.Int64
	connectedAt atomic.Int64
	reconnects  atomic.Int64
	overflows   atomic.Int64
	nextID      atomic.Int64
}

func newStream(name string, cfg StreamConfig, dialer Dialer, handler streamHandler, clock ratelimit.Clock, log *logrus.Entry) *stream {
	if cfg.Silence <= 0 {
		cfg.Silence = 90 * time.Second
	}
	if cfg.HealthEvery <= 0 {
		cfg.HealthEvery = 15 * time.Second
	}
	if cfg.PongWait <= 0 {
		cfg.PongWait = 10 * time.Second
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 8192
	}
	if clock == nil {
		clock = ratelimit.RealClock()
	}
	s := &stream{
		name:    name,
		cfg:     cfg,
		dialer:  dialer,
		handler: handler,
		clock:   clock,
		log:     log.WithField("stream", name),
	}
	s.fsm = newStateMachine(func(from, to ConnState) {
		s.log.WithFields(logrus.Fields{"from": from.String(), "to": to.String()}).Debug("Stream state changed")
	})
	return s
}

// Run blocks until ctx is cancelled. A failed dial and a connection that
// drops before it has been up for stableAfter both count as a failed
// attempt.
func (s *stream) Run(ctx context.Context) {
	attempt := 0
	connectedBefore := false

	for {
		if ctx.Err() != nil {
			_ = s.fsm.To(StateDisconnected)
			return
		}
		_ = s.fsm.To(StateConnecting)

		conn, err := s.dialer.Dial(ctx, s.cfg.URL)
		if err != nil {
			if ctx.Err() != nil {
				_ = s.fsm.To(StateDisconnected)
				return
			}
			attempt++
			if !s.backoff(ctx, &attempt, err, "Stream dial failed") {
				return
			}
			continue
		}

		reconnect := connectedBefore
		connectedBefore = true
		if reconnect {
			n := s.reconnects.Add(1)
			s.log.WithField("reconnects", n).Info("Stream reconnected")
		} else {
			s.log.WithField("url", s.cfg.URL).Info("Stream connected")
		}

		up := s.clock.Now()
		err = s.serve(ctx, conn, reconnect)
		s.handler.onDisconnected(err)

		if ctx.Err() != nil {
			_ = s.fsm.To(StateDisconnected)
			return
		}
		if s.clock.Now().Sub(up) >= s.cfg.Policy.stableAfter() {
			attempt = 0
		}
		attempt++
		if !s.backoff(ctx, &attempt, err, "Stream dropped") {
			return
		}
	}
}

// backoff sleeps before the next dial. Once MaxRetries consecutive attempts
// have failed it sleeps Cooldown instead and starts counting again.
func (s *stream) backoff(ctx context.Context, attempt *int, cause error, msg string) bool {
	_ = s.fsm.To(StateReconnecting)

	wait := s.cfg.Policy.delay(*attempt)
	if s.cfg.Policy.MaxRetries > 0 && *attempt >= s.cfg.Policy.MaxRetries {
		wait = s.cfg.Policy.Cooldown
		*attempt = 0
		s.log.WithError(cause).WithField("cooldown", wait.String()).Error("Stream retries exhausted, cooling down")
	} else {
		s.log.WithError(cause).WithFields(logrus.Fields{
			"attempt": *attempt,
			"backoff": wait.String(),
		}).Warn(msg)
	}

	if err := s.clock.Sleep(ctx, wait); err != nil {
		_ = s.fsm.To(StateDisconnected)
		return false
	}
	return true
}

// serve runs one connection until it dies. Reading and ping replies happen
// on the read goroutine; application frames are handled on another so a
// slow handler cannot delay pongs.
func (s *stream) serve(ctx context.Context, conn Conn, reconnect bool) error {
	s.broken.Store(false)
	s.touch()
	conn.SetPingHandler(s.pingHandler(conn))

	s.connMu.Lock()
	s.conn = conn
	s.connMu.Unlock()
	s.connectedAt.Store(s.clock.Now().UnixNano())
	_ = s.fsm.To(StateConnected)

	defer func() {
		s.connMu.Lock()
		s.conn = nil
		s.connMu.Unlock()
		s.connectedAt.Store(0)
	}()

	s.handler.onConnected(ctx, reconnect)

	frames := make(chan []byte, s.cfg.QueueSize)
	readErr := make(chan error, 1)
	processed := make(chan struct{})

	go func() {
		defer close(frames)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				readErr <- err
				return
			}
			s.touch()
			select {
			case frames <- data:
			default:
				s.overflows.Add(1)
				readErr <- errBacklog
				return
			}
		}
	}()

	go func() {
		defer close(processed)
		for data := range frames {
			s.handler.onMessage(data)
		}
	}()

	ticker := time.NewTicker(s.cfg.HealthEvery)
	defer ticker.Stop()

	var cause error
loop:
	for {
		select {
		case <-ctx.Done():
			cause = ctx.Err()
			break loop
		case err := <-readErr:
			cause = fmt.Errorf("%w: %v", ErrTransportDropped, err)
			break loop
		case <-ticker.C:
			if s.broken.Load() {
				cause = fmt.Errorf("%w: write failed", ErrTransportDropped)
				break loop
			}
			if silent := s.clock.Now().Sub(s.LastMessage()); silent > s.cfg.Silence {
				cause = fmt.Errorf("%w: no message for %s", ErrTransportDropped, silent.Truncate(time.Millisecond))
				s.log.WithField("silence", silent.String()).Warn("Stream silent, forcing reconnect")
				break loop
			}
		}
	}

	_ = conn.Close()
	<-processed
	return cause
}

func (s *stream) pingHandler(conn Conn) func(string) error {
	return func(appData string) error {
		s.touch()
		err := conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(s.cfg.PongWait))
		if err == nil || errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return nil
		}
		return err
	}
}

func (s *stream) touch() {
	s.lastMessage.Store(s.clock.Now().UnixNano())
}

// send writes SUBSCRIBE/UNSUBSCRIBE frames, chunked
func (s *stream) send(method string, params []string) error {
	s.connMu.RLock()
	conn := s.conn
	s.connMu.RUnlock()
	if conn == nil {
		return ErrNotConnected
	}

	for start := 0; start < len(params); start += maxParamsPerRequest {
		end := start + maxParamsPerRequest
		if end > len(params) {
			end = len(params)
		}
		req := models.StreamRequest{Method: method, Params: params[start:end], ID: s.nextID.Add(1)}
		data, err := json.Marshal(req)
		if err != nil {
			return fmt.Errorf("encode %s: %w", method, err)
		}

		s.writeMu.Lock()
		err = conn.WriteMessage(websocket.TextMessage, data)
		s.writeMu.Unlock()
		if err != nil {
			s.broken.Store(true)
			return fmt.Errorf("write %s: %w", method, err)
		}
	}
	return nil
}

// State returns the connection state
func (s *stream) State() ConnState { return s.fsm.Current() }

// Reconnects returns how many times the stream has reconnected
func (s *stream) Reconnects() int64 { return s.reconnects.Load() }

// LastMessage returns when the last frame or ping arrived
func (s *stream) LastMessage() time.Time {
	return time.Unix(0, s.lastMessage.Load()).UTC()
}

// ConnectedSince returns when the current connection came up
func (s *stream) ConnectedSince() (time.Time, bool) {
	ns := s.connectedAt.Load()
	if ns == 0 || s.State() != StateConnected {
		return time.Time{}, false
	}
	return time.Unix(0, ns).UTC(), true
}

// StreamStats is a point-in-time summary for status endpoints
type StreamStats struct {
	Name        string    `json:"name"`
	State       string    `json:"state"`
	Reconnects  int64     `json:"reconnects"`
	Overflows   int64     `json:"overflows"`
	LastMessage time.Time `json:"lastMessage"`
}

func (s *stream) stats() StreamStats {
	return StreamStats{
		Name:        s.name,
		State:       s.State().String(),
		Reconnects:  s.Reconnects(),
		Overflows:   s.overflows.Load(),
		LastMessage: s.LastMessage(),
	}
}
