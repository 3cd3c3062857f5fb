package models

import "time"

// InstrumentInfo is a futures contract tracked by the engine
type InstrumentInfo struct {
	ID         int       `json:"id" db:"id"`
	Symbol     string    `json:"symbol" db:"symbol"`
	BaseAsset  string    `json:"base_asset" db:"base_asset"`
	QuoteAsset string    `json:"quote_asset" db:"quote_asset"`
	TickSize   float64   `json:"tick_size" db:"tick_size"`
	IsActive   bool      `json:"is_active" db:"is_active"`
	UpdatedAt  time.Time `json:"updated_at" db:"updated_at"`
}
