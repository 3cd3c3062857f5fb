package exchange

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"
	"github.com/sirupsen/logrus"
	"github.com/trade-footprint/internal/ratelimit"
	"github.com/trade-footprint/pkg/models"
)

// Exchange error codes that mean "slow down"
const (
	codeTooManyRequests = -1003
	codeTooManyOrders   = -1015
)

var bannedUntilRe = regexp.MustCompile(`banned until (\d+)`)

// FuturesREST is the historical data client for USDⓈ-M futures. It performs
// single requests only; pacing belongs to ratelimit.Channel.
type FuturesREST struct {
	client *futures.Client
	logger *logrus.Entry
}

// NewFuturesREST creates a client against baseURL
func NewFuturesREST(baseURL string, timeout time.Duration, logger *logrus.Logger) *FuturesREST {
	client := futures.NewClient("", "")
	if baseURL != "" {
		client.BaseURL = strings.TrimRight(baseURL, "/")
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	client.HTTPClient = &http.Client{Timeout: timeout}

	return &FuturesREST{
		client: client,
		logger: logger.WithField("component", "binance-rest"),
	}
}

// FetchTradesPage implements ratelimit.PageFetcher
func (b *FuturesREST) FetchTradesPage(ctx context.Context, instrument string, start, end time.Time, limit int) ([]models.Tick, error) {
	trades, err := b.client.NewAggTradesService().
		Symbol(instrument).
		StartTime(start.UnixMilli()).
		EndTime(end.UnixMilli()).
		Limit(limit).
		Do(ctx)
	if err != nil {
		return nil, classifyError(err)
	}

	out := make([]models.Tick, 0, len(trades))
	for _, t := range trades {
		price, err := parseNumber(t.Price)
		if err != nil {
			return nil, fmt.Errorf("trade %d price %q: %w", t.AggTradeID, t.Price, err)
		}
		qty, err := parseNumber(t.Quantity)
		if err != nil {
			return nil, fmt.Errorf("trade %d quantity %q: %w", t.AggTradeID, t.Quantity, err)
		}
		out = append(out, models.Tick{
			ID:         t.AggTradeID,
			Instrument: instrument,
			Price:      price,
			Quantity:   qty,
			Timestamp:  fromMillis(t.Timestamp),
			IsMaker:    t.IsBuyerMaker,
			FirstSeqID: t.FirstTradeID,
			LastSeqID:  t.LastTradeID,
		})
	}

	b.logger.WithFields(logrus.Fields{
		"instrument": instrument,
		"start":      start.UTC().Format(time.RFC3339),
		"trades":     len(out),
	}).Debug("Fetched trades page")
	return out, nil
}

// FetchKlinesPage implements ratelimit.KlineFetcher
func (b *FuturesREST) FetchKlinesPage(ctx context.Context, instrument, interval string, start, end time.Time, limit int) ([]models.Candle, error) {
	klines, err := b.client.NewKlinesService().
		Symbol(instrument).
		Interval(interval).
		StartTime(start.UnixMilli()).
		EndTime(end.UnixMilli()).
		Limit(limit).
		Do(ctx)
	if err != nil {
		return nil, classifyError(err)
	}

	out := make([]models.Candle, 0, len(klines))
	for _, k := range klines {
		c := models.Candle{
			Instrument: instrument,
			Interval:   interval,
			OpenTime:   fromMillis(k.OpenTime),
			CloseTime:  fromMillis(k.CloseTime),
			TradeCount: k.TradeNum,
			Closed:     true,
			Recovered:  true,
		}
		raw := []string{k.Open, k.High, k.Low, k.Close, k.Volume}
		dst := []*float64{&c.Open, &c.High, &c.Low, &c.Close, &c.Volume}
		for i, r := range raw {
			v, err := parseNumber(r)
			if err != nil {
				return nil, fmt.Errorf("kline %d value %q: %w", k.OpenTime, r, err)
			}
			*dst[i] = v
		}
		c.QuoteVolume, _ = parseOptional(k.QuoteAssetVolume)
		c.TakerBuyVolume, _ = parseOptional(k.TakerBuyBaseAssetVolume)
		c.TakerBuyQuoteVolume, _ = parseOptional(k.TakerBuyQuoteAssetVolume)
		out = append(out, c)
	}
	return out, nil
}

// Instruments lists tradable USDT perpetual contracts with their tick size
func (b *FuturesREST) Instruments(ctx context.Context) ([]models.InstrumentInfo, error) {
	info, err := b.client.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return nil, classifyError(err)
	}

	var out []models.InstrumentInfo
	for _, s := range info.Symbols {
		if s.Status != "TRADING" || string(s.ContractType) != "PERPETUAL" || s.QuoteAsset != "USDT" {
			continue
		}
		inst := models.InstrumentInfo{
			Symbol:     s.Symbol,
			BaseAsset:  s.BaseAsset,
			QuoteAsset: s.QuoteAsset,
			IsActive:   true,
		}
		if pf := s.PriceFilter(); pf != nil {
			if ts, err := strconv.ParseFloat(pf.TickSize, 64); err == nil {
				inst.TickSize = ts
			}
		}
		out = append(out, inst)
	}
	return out, nil
}

// classifyError maps exchange errors onto the limiter's error types
func classifyError(err error) error {
	var apiErr *common.APIError
	if !errors.As(err, &apiErr) {
		return err
	}

	switch apiErr.Code {
	case codeTooManyRequests:
		msg := strings.ToLower(apiErr.Message)
		if strings.Contains(msg, "banned") {
			ban := &ratelimit.BanError{Reason: apiErr.Message}
			if m := bannedUntilRe.FindStringSubmatch(msg); m != nil {
				if ms, perr := strconv.ParseInt(m[1], 10, 64); perr == nil {
					ban.Until = time.UnixMilli(ms)
				}
			}
			return ban
		}
		return &ratelimit.ThrottleError{RetryAfter: time.Minute, Err: err}
	case codeTooManyOrders:
		return &ratelimit.ThrottleError{RetryAfter: 10 * time.Second, Err: err}
	}
	return err
}
