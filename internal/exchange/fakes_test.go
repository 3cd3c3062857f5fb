package exchange

import (
	"context"
	"errors"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/trade-footprint/pkg/models"
)

var t0 = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func quietLogger() *logrus.Logger {
	log, _ := test.NewNullLogger()
	return log
}

// testClock either auto-advances on Sleep or parks sleepers until Advance
type testClock struct {
	mu      sync.Mutex
	now     time.Time
	auto    bool
	sleeps  []time.Duration
	waiters []*sleeper
}

type sleeper struct {
	until time.Time
	ch    chan struct{}
}

func newTestClock(auto bool) *testClock {
	return &testClock{now: t0, auto: auto}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	c.sleeps = append(c.sleeps, d)
	if d <= 0 {
		c.mu.Unlock()
		return nil
	}
	if c.auto {
		c.now = c.now.Add(d)
		c.mu.Unlock()
		return nil
	}
	s := &sleeper{until: c.now.Add(d), ch: make(chan struct{})}
	c.waiters = append(c.waiters, s)
	c.mu.Unlock()

	select {
	case <-s.ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	kept := c.waiters[:0]
	for _, s := range c.waiters {
		if !s.until.After(c.now) {
			close(s.ch)
			continue
		}
		kept = append(kept, s)
	}
	c.waiters = kept
}

func (c *testClock) Waiting() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.waiters)
}

func (c *testClock) Sleeps() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.sleeps...)
}

type frame struct {
	data []byte
	ping bool
	err  error
}

// fakeConn is an in-memory websocket
type fakeConn struct {
	in     chan frame
	closed chan struct{}
	once   sync.Once

	mu         sync.Mutex
	failWrites bool
	writes     []models.StreamRequest
	pongs  []string
	onPing func(string) error
}

func newFakeConn() *fakeConn {
	return &fakeConn{in: make(chan frame, 64), closed: make(chan struct{})}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	for {
		select {
		case f := <-c.in:
			if f.err != nil {
				return 0, nil, f.err
			}
			if f.ping {
				c.mu.Lock()
				h := c.onPing
				c.mu.Unlock()
				if h != nil {
					if err := h(string(f.data)); err != nil {
						return 0, nil, err
					}
				}
				continue
			}
			return websocket.TextMessage, f.data, nil
		case <-c.closed:
			return 0, nil, errors.New("use of closed connection")
		}
	}
}

func (c *fakeConn) WriteMessage(_ int, data []byte) error {
	select {
	case <-c.closed:
		return errors.New("write on closed connection")
	default:
	}
	var req models.StreamRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return err
	}
	c.mu.Lock()
	if c.failWrites {
		c.mu.Unlock()
		return errors.New("broken pipe")
	}
	c.writes = append(c.writes, req)
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) WriteControl(messageType int, data []byte, _ time.Time) error {
	if messageType == websocket.PongMessage {
		c.mu.Lock()
		c.pongs = append(c.pongs, string(data))
		c.mu.Unlock()
	}
	return nil
}

func (c *fakeConn) SetPingHandler(h func(string) error) {
	c.mu.Lock()
	c.onPing = h
	c.mu.Unlock()
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) send(data string) { c.in <- frame{data: []byte(data)} }
func (c *fakeConn) ping(data string) { c.in <- frame{data: []byte(data), ping: true} }
func (c *fakeConn) drop()            { c.in <- frame{err: errors.New("connection reset by peer")} }

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *fakeConn) Writes() []models.StreamRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]models.StreamRequest(nil), c.writes...)
}

func (c *fakeConn) Pongs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.pongs...)
}

// subscribed collects the params of every SUBSCRIBE frame
func (c *fakeConn) subscribed() []string {
	var out []string
	for _, w := range c.Writes() {
		if w.Method == "SUBSCRIBE" {
			out = append(out, w.Params...)
		}
	}
	return out
}

type dialStep struct {
	conn *fakeConn
	err  error
}

// fakeDialer plays a script of dial outcomes, then blocks until cancelled
type fakeDialer struct {
	mu     sync.Mutex
	script []dialStep
	dials  int
}

func (d *fakeDialer) Dial(ctx context.Context, _ string) (Conn, error) {
	d.mu.Lock()
	i := d.dials
	d.dials++
	if i < len(d.script) {
		step := d.script[i]
		d.mu.Unlock()
		if step.err != nil {
			return nil, step.err
		}
		return step.conn, nil
	}
	d.mu.Unlock()
	<-ctx.Done()
	return nil, ctx.Err()
}

func (d *fakeDialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}
