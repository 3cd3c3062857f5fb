package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/trade-footprint/internal/pipeline"
	"github.com/trade-footprint/internal/ratelimit"
	"github.com/trade-footprint/internal/router"
	"github.com/trade-footprint/pkg/config"
	"github.com/trade-footprint/pkg/models"
)

var now = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

type fixedLimiter ratelimit.State

func (f fixedLimiter) Snapshot() ratelimit.State { return ratelimit.State(f) }

type fixedRouter router.Stats

func (f fixedRouter) Stats() router.Stats { return router.Stats(f) }

type fixedPipeline pipeline.Stats

func (f fixedPipeline) Stats() pipeline.Stats { return pipeline.Stats(f) }

type signalStore map[int64]*models.SignalRecord

func (s signalStore) GetSignal(ctx context.Context, instrument, interval string, openTime time.Time) (*models.SignalRecord, error) {
	if instrument == "FAILUSDT" {
		return nil, errors.New("db down")
	}
	rec := s[openTime.UnixMilli()]
	if rec == nil || rec.Instrument != instrument || rec.Interval != interval {
		return nil, nil
	}
	return rec, nil
}

func newTestServer(sources Sources) *Server {
	log, _ := test.NewNullLogger()
	s := NewServer(&config.ServerConfig{Host: "127.0.0.1", Port: 8080}, sources, log)
	s.now = func() time.Time { return now }
	return s
}

func get(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHealth(t *testing.T) {
	tests := []struct {
		name   string
		checks map[string]CheckFunc
		code   int
		status string
	}{
		{
			name:   "all healthy",
			checks: map[string]CheckFunc{"mysql": func(context.Context) error { return nil }},
			code:   http.StatusOK,
			status: "healthy",
		},
		{
			name: "one failing",
			checks: map[string]CheckFunc{
				"mysql": func(context.Context) error { return nil },
				"redis": func(context.Context) error { return errors.New("connection refused") },
			},
			code:   http.StatusServiceUnavailable,
			status: "degraded",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := get(t, newTestServer(Sources{Checks: tt.checks}), "/health")
			assert.Equal(t, tt.code, rec.Code)

			var body struct {
				Status   string            `json:"status"`
				Services map[string]string `json:"services"`
			}
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, tt.status, body.Status)
			assert.Len(t, body.Services, len(tt.checks))
		})
	}
}

func TestStatusReportsBan(t *testing.T) {
	s := newTestServer(Sources{
		Limiter:  fixedLimiter{BannedUntil: now.Add(10 * time.Minute), RequestsInWindow: 7},
		Router:   fixedRouter{Stream: 3, REST: 2, Fallbacks: 1},
		Pipeline: fixedPipeline{Processed: 5, Valid: 2},
	})

	rec := get(t, s, "/api/v1/status")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var st Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.True(t, st.Banned)
	require.NotNil(t, st.Limiter)
	assert.Equal(t, 7, st.Limiter.RequestsInWindow)
	require.NotNil(t, st.Router)
	assert.Equal(t, int64(1), st.Router.Fallbacks)
	require.NotNil(t, st.Pipeline)
	assert.Equal(t, int64(5), st.Pipeline.Processed)
	assert.Nil(t, st.Collectors)
	assert.Nil(t, st.Gaps)
}

func TestStatusExpiredBan(t *testing.T) {
	s := newTestServer(Sources{Limiter: fixedLimiter{BannedUntil: now.Add(-time.Minute)}})

	var st Status
	require.NoError(t, json.Unmarshal(get(t, s, "/api/v1/status").Body.Bytes(), &st))
	assert.False(t, st.Banned)
}

func TestGetSignal(t *testing.T) {
	open := time.Date(2024, 6, 1, 11, 45, 0, 0, time.UTC)
	store := signalStore{open.UnixMilli(): {
		Instrument: "BTCUSDT",
		Interval:   "15m",
		OpenTime:   open,
		CloseTime:  open.Add(15*time.Minute - time.Millisecond),
		Signal:     models.TradeSignal{IsValid: true, Direction: models.DirectionBuy, Score: 7.5},
	}}
	s := newTestServer(Sources{Signals: store})

	rec := get(t, s, "/api/v1/signals/btcusdt/15m/1717242300000")
	require.Equal(t, http.StatusOK, rec.Code)
	var got models.SignalRecord
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "BTCUSDT", got.Instrument)
	assert.True(t, got.Signal.IsValid)

	assert.Equal(t, http.StatusNotFound, get(t, s, "/api/v1/signals/ETHUSDT/15m/1717242300000").Code)
	assert.Equal(t, http.StatusBadRequest, get(t, s, "/api/v1/signals/BTCUSDT/7m/1717242300000").Code)
	assert.Equal(t, http.StatusInternalServerError, get(t, s, "/api/v1/signals/FAILUSDT/15m/1717242300000").Code)
	assert.Equal(t, http.StatusNotFound, get(t, s, "/api/v1/signals/BTCUSDT/15m/abc").Code)
}

func TestGetSignalWithoutStore(t *testing.T) {
	rec := get(t, newTestServer(Sources{}), "/api/v1/signals/BTCUSDT/15m/1717242300000")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestStopWithoutStart(t *testing.T) {
	assert.NoError(t, newTestServer(Sources{}).Stop(context.Background()))
}

func TestPprofOnlyWhenEnabled(t *testing.T) {
	assert.Equal(t, http.StatusNotFound, get(t, newTestServer(Sources{}), "/debug/pprof/").Code)

	log, _ := test.NewNullLogger()
	s := NewServer(&config.ServerConfig{Pprof: true}, Sources{}, log)
	assert.Equal(t, http.StatusOK, get(t, s, "/debug/pprof/").Code)
}
