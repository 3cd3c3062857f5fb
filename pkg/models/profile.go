package models

import "time"

// Data sources a profile can be computed from
const (
	SourceStream         = "websocket"
	SourceREST           = "rest"
	SourceStreamFallback = "websocket_fallback"
)

// VolumeProfile summarizes where volume traded inside one window. Price
// fields are nil when there was nothing to aggregate, in which case Error
// explains why.
type VolumeProfile struct {
	POC                 *float64  `json:"poc"`
	VAH                 *float64  `json:"vah"`
	VAL                 *float64  `json:"val"`
	TotalVolume         float64   `json:"totalVolume"`
	ValueAreaVolume     float64   `json:"valueAreaVolume"`
	ValueAreaPercentage float64   `json:"valueAreaPercentage"`
	TradesProcessed     int       `json:"tradesProcessed"`
	DataSource          string    `json:"dataSource"`
	CalculatedAt        time.Time `json:"calculatedAt"`
	Error               string    `json:"error,omitempty"`
}

// HasLevels reports whether poc/vah/val are all present
func (p *VolumeProfile) HasLevels() bool {
	return p != nil && p.POC != nil && p.VAH != nil && p.VAL != nil
}
