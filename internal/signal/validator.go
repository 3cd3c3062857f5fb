// Package signal decides whether a reversal candle and its volume profile
// form a tradeable entry.
package signal

import (
	"fmt"
	"math"
	"time"

	"github.com/trade-footprint/pkg/models"
)

const (
	minScore        = 1.0
	maxScore        = 10.0
	degenerateScore = 5.0
)

// Validator applies the structural entry rules. It holds no state besides
// the clock used to stamp verdicts.
type Validator struct {
	now func() time.Time
}

// NewValidator creates a validator using the wall clock
func NewValidator() *Validator {
	return &Validator{now: time.Now}
}

// Validate judges candle against profile for the detected direction. It
// always returns a signal; bad input produces IsValid=false with a reason.
func (v *Validator) Validate(candle models.OHLC, p *models.VolumeProfile, direction models.Direction) models.TradeSignal {
	sig := models.TradeSignal{
		Direction:   direction,
		ValidatedAt: v.now().UTC(),
	}

	if direction != models.DirectionBuy && direction != models.DirectionSell {
		sig.Reason = fmt.Sprintf("unrecognized direction %q", direction)
		return sig
	}
	if !candle.Finite() {
		sig.Reason = "candle has non-finite prices"
		return sig
	}
	if !p.HasLevels() {
		reason := "profile has no levels"
		if p != nil && p.Error != "" {
			reason = "profile has no levels: " + p.Error
		}
		sig.Reason = reason
		return sig
	}

	poc, vah, val := *p.POC, *p.VAH, *p.VAL
	if !finite(poc) || !finite(vah) || !finite(val) {
		sig.Reason = "profile has non-finite levels"
		return sig
	}

	if direction == models.DirectionBuy {
		return v.buy(sig, candle, poc, vah)
	}
	return v.sell(sig, candle, poc, val)
}

func (v *Validator) buy(sig models.TradeSignal, c models.OHLC, poc, vah float64) models.TradeSignal {
	sig.Criteria = models.SignalCriteria{
		BodyOutsideValueArea: c.Open > vah && c.Close > vah,
		PocInTail:            poc < math.Min(c.Open, c.Close),
		PocBeyondValueEdge:   poc < vah,
	}
	if !allMet(sig.Criteria) {
		sig.Reason = failureReason(sig.Criteria, "above VAH", "below the body", "below VAH")
		return sig
	}

	sig.IsValid = true
	sig.Score = score(poc-c.Low, vah-c.Low)
	sig.Reason = fmt.Sprintf("body above VAH %.8g with POC %.8g in lower tail", vah, poc)
	return sig
}

func (v *Validator) sell(sig models.TradeSignal, c models.OHLC, poc, val float64) models.TradeSignal {
	sig.Criteria = models.SignalCriteria{
		BodyOutsideValueArea: c.Open < val && c.Close < val,
		PocInTail:            poc > math.Max(c.Open, c.Close),
		PocBeyondValueEdge:   poc > val,
	}
	if !allMet(sig.Criteria) {
		sig.Reason = failureReason(sig.Criteria, "below VAL", "above the body", "above VAL")
		return sig
	}

	sig.IsValid = true
	sig.Score = score(c.High-poc, c.High-val)
	sig.Reason = fmt.Sprintf("body below VAL %.8g with POC %.8g in upper tail", val, poc)
	return sig
}

// score maps the distance of the POC from the wick extreme, relative to the
// distance of the value edge, onto [1,10]. A POC right at the extreme
// scores 10.
func score(pocDistance, edgeDistance float64) float64 {
	if edgeDistance == 0 || !finite(edgeDistance) {
		return degenerateScore
	}
	s := maxScore - 9*pocDistance/edgeDistance
	return math.Max(minScore, math.Min(maxScore, s))
}

func allMet(c models.SignalCriteria) bool {
	return c.BodyOutsideValueArea && c.PocInTail && c.PocBeyondValueEdge
}

func failureReason(c models.SignalCriteria, body, tail, edge string) string {
	switch {
	case !c.BodyOutsideValueArea:
		return "candle body is not entirely " + body
	case !c.PocInTail:
		return "POC is not " + tail
	default:
		return "POC is not " + edge
	}
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
