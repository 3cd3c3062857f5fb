package models

import "time"

// Direction of a reversal and of the resulting signal
type Direction string

const (
	DirectionBuy  Direction = "buy"
	DirectionSell Direction = "sell"
)

// SignalCriteria is the per-rule breakdown behind a verdict
type SignalCriteria struct {
	BodyOutsideValueArea bool `json:"bodyOutsideValueArea"`
	PocInTail            bool `json:"pocInTail"`
	PocBeyondValueEdge   bool `json:"pocBeyondValueEdge"`
}

// TradeSignal is the validator verdict for one candle and profile pair
type TradeSignal struct {
	IsValid     bool           `json:"isValidSignal"`
	Direction   Direction      `json:"signalType"`
	Score       float64        `json:"score"`
	Reason      string         `json:"reason"`
	Criteria    SignalCriteria `json:"criteria"`
	ValidatedAt time.Time      `json:"validatedAt"`
}

// ReversalCandidate is what the external pattern detector hands over
type ReversalCandidate struct {
	Instrument string    `json:"instrument" validate:"required,uppercase"`
	Interval   string    `json:"interval" validate:"required"`
	OpenTime   time.Time `json:"openTime" validate:"required"`
	CloseTime  time.Time `json:"closeTime" validate:"required,gtfield=OpenTime"`
	Candle     OHLC      `json:"candleData"`
	Direction  Direction `json:"direction"`
}

// SignalRecord is the unit handed to the persistence sink, keyed by
// (Instrument, Interval, OpenTime).
type SignalRecord struct {
	Instrument string        `json:"instrument"`
	Interval   string        `json:"interval"`
	OpenTime   time.Time     `json:"openTime"`
	CloseTime  time.Time     `json:"closeTime"`
	Candle     OHLC          `json:"candleData"`
	Footprint  VolumeProfile `json:"volumeFootprint"`
	Signal     TradeSignal   `json:"tradeSignal"`
}
