package models

import (
	"math"
	"time"
)

// Tick is one aggregated trade as delivered by the exchange. It is never
// mutated after it has been buffered.
type Tick struct {
	ID         int64     `json:"id"`
	Instrument string    `json:"instrument"`
	Price      float64   `json:"price"`
	Quantity   float64   `json:"quantity"`
	Timestamp  time.Time `json:"timestamp"`
	IsMaker    bool      `json:"isMaker"`
	FirstSeqID int64     `json:"firstSeqId"`
	LastSeqID  int64     `json:"lastSeqId"`
}

// Valid reports whether the tick can contribute to a profile
func (t Tick) Valid() bool {
	return finite(t.Price) && finite(t.Quantity) && t.Price > 0 && t.Quantity > 0
}

// OHLC is the price shape of one candle
type OHLC struct {
	Open   float64 `json:"open"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Close  float64 `json:"close"`
	Volume float64 `json:"volume,omitempty"`
}

// Finite reports whether every price of the candle is a finite number
func (c OHLC) Finite() bool {
	return finite(c.Open) && finite(c.High) && finite(c.Low) && finite(c.Close)
}

// Candle is a kline from the stream or from the historical endpoint
type Candle struct {
	Instrument          string    `json:"instrument"`
	Interval            string    `json:"interval"`
	OpenTime            time.Time `json:"openTime"`
	CloseTime           time.Time `json:"closeTime"`
	OHLC                          // open/high/low/close/volume
	QuoteVolume         float64   `json:"quoteVolume"`
	TradeCount          int64     `json:"tradeCount"`
	TakerBuyVolume      float64   `json:"takerBuyVolume"`
	TakerBuyQuoteVolume float64   `json:"takerBuyQuoteVolume"`
	Closed              bool      `json:"closed"`
	Recovered           bool      `json:"recovered,omitempty"`
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
