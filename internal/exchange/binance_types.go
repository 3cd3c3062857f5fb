package exchange

import (
	"fmt"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"github.com/trade-footprint/pkg/models"
)

// Stream channels on the futures websocket
const (
	ChannelAggTrade = "aggTrade"
	ChannelKline1m  = "kline_1m"
)

// envelope is decoded first to tell events from subscription acks. goccy
// matches keys case-insensitively, so "E" must be declared or it lands in
// EventType.
type envelope struct {
	EventType string          `json:"e"`
	EventTime int64           `json:"E"`
	ID        *int64          `json:"id"`
	Result    json.RawMessage `json:"result"`
	Error     *struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
	} `json:"error"`
}

// aggTradeEvent is the futures <symbol>@aggTrade payload
type aggTradeEvent struct {
	EventType    string `json:"e" validate:"eq=aggTrade"`
	EventTime    int64  `json:"E"`
	Symbol       string `json:"s" validate:"required"`
	AggTradeID   int64  `json:"a" validate:"gte=0"`
	Price        string `json:"p" validate:"required,numeric"`
	Quantity     string `json:"q" validate:"required,numeric"`
	FirstTradeID int64  `json:"f"`
	LastTradeID  int64  `json:"l"`
	TradeTime    int64  `json:"T" validate:"gt=0"`
	IsBuyerMaker bool   `json:"m"`
}

// klineEvent is the futures <symbol>@kline_<interval> payload
type klineEvent struct {
	EventType string    `json:"e" validate:"eq=kline"`
	EventTime int64     `json:"E"`
	Symbol    string    `json:"s" validate:"required"`
	Kline     klineData `json:"k"`
}

type klineData struct {
	StartTime           int64  `json:"t" validate:"gt=0"`
	CloseTime           int64  `json:"T" validate:"gtfield=StartTime"`
	Symbol              string `json:"s"`
	Interval            string `json:"i" validate:"required"`
	FirstTradeID        int64  `json:"f"`
	LastTradeID         int64  `json:"L"`
	Open                string `json:"o" validate:"required,numeric"`
	Close               string `json:"c" validate:"required,numeric"`
	High                string `json:"h" validate:"required,numeric"`
	Low                 string `json:"l" validate:"required,numeric"`
	Volume              string `json:"v" validate:"required,numeric"`
	TradeCount          int64  `json:"n"`
	IsClosed            bool   `json:"x"`
	QuoteVolume         string `json:"q" validate:"omitempty,numeric"`
	TakerBuyVolume      string `json:"V" validate:"omitempty,numeric"`
	TakerBuyQuoteVolume string `json:"Q" validate:"omitempty,numeric"`
}

var validate = validator.New()

// streamName builds "<symbol>@<channel>" in the lowercase form the stream expects
func streamName(instrument, channel string) string {
	return strings.ToLower(instrument) + "@" + channel
}

func parseNumber(s string) (float64, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, err
	}
	return d.InexactFloat64(), nil
}

func decodeEnvelope(data []byte) (envelope, error) {
	var env envelope
	err := json.Unmarshal(data, &env)
	return env, err
}

func decodeAggTrade(data []byte) (models.Tick, error) {
	var ev aggTradeEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return models.Tick{}, fmt.Errorf("decode aggTrade: %w", err)
	}
	if err := validate.Struct(ev); err != nil {
		return models.Tick{}, fmt.Errorf("invalid aggTrade: %w", err)
	}
	return ev.toTick()
}

func (ev aggTradeEvent) toTick() (models.Tick, error) {
	price, err := parseNumber(ev.Price)
	if err != nil {
		return models.Tick{}, fmt.Errorf("price %q: %w", ev.Price, err)
	}
	qty, err := parseNumber(ev.Quantity)
	if err != nil {
		return models.Tick{}, fmt.Errorf("quantity %q: %w", ev.Quantity, err)
	}
	return models.Tick{
		ID:         ev.AggTradeID,
		Instrument: strings.ToUpper(ev.Symbol),
		Price:      price,
		Quantity:   qty,
		Timestamp:  fromMillis(ev.TradeTime),
		IsMaker:    ev.IsBuyerMaker,
		FirstSeqID: ev.FirstTradeID,
		LastSeqID:  ev.LastTradeID,
	}, nil
}

func decodeKline(data []byte) (models.Candle, error) {
	var ev klineEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return models.Candle{}, fmt.Errorf("decode kline: %w", err)
	}
	if err := validate.Struct(ev); err != nil {
		return models.Candle{}, fmt.Errorf("invalid kline: %w", err)
	}

	k := ev.Kline
	c := models.Candle{
		Instrument: strings.ToUpper(ev.Symbol),
		Interval:   k.Interval,
		OpenTime:   fromMillis(k.StartTime),
		CloseTime:  fromMillis(k.CloseTime),
		TradeCount: k.TradeCount,
		Closed:     k.IsClosed,
	}
	raw := []string{k.Open, k.High, k.Low, k.Close, k.Volume}
	dst := []*float64{&c.Open, &c.High, &c.Low, &c.Close, &c.Volume}
	for i, r := range raw {
		v, err := parseNumber(r)
		if err != nil {
			return models.Candle{}, fmt.Errorf("kline value %q: %w", r, err)
		}
		*dst[i] = v
	}
	c.QuoteVolume, _ = parseOptional(k.QuoteVolume)
	c.TakerBuyVolume, _ = parseOptional(k.TakerBuyVolume)
	c.TakerBuyQuoteVolume, _ = parseOptional(k.TakerBuyQuoteVolume)
	return c, nil
}

func parseOptional(s string) (float64, error) {
	if s == "" {
		return 0, nil
	}
	return parseNumber(s)
}
