package signal

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/trade-footprint/pkg/models"
)

func levels(poc, vah, val float64) *models.VolumeProfile {
	return &models.VolumeProfile{POC: &poc, VAH: &vah, VAL: &val}
}

func fixedValidator() *Validator {
	return &Validator{now: func() time.Time { return time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC) }}
}

func TestValidateBuy(t *testing.T) {
	// hammer: long lower wick, body above the value area
	candle := models.OHLC{Open: 104, High: 106, Low: 95, Close: 105}
	sig := fixedValidator().Validate(candle, levels(98, 102, 96), models.DirectionBuy)

	assert.True(t, sig.IsValid, sig.Reason)
	assert.Equal(t, models.DirectionBuy, sig.Direction)
	// 10 - 9*(98-95)/(102-95)
	assert.InDelta(t, 10-9*3.0/7.0, sig.Score, 1e-9)
	assert.Equal(t, models.SignalCriteria{BodyOutsideValueArea: true, PocInTail: true, PocBeyondValueEdge: true}, sig.Criteria)
	assert.Equal(t, time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC), sig.ValidatedAt)
}

func TestValidateSellRejectsCloseInsideValueArea(t *testing.T) {
	candle := models.OHLC{Open: 99, High: 103, Low: 98, Close: 100}
	sig := fixedValidator().Validate(candle, levels(101, 101.5, 99.5), models.DirectionSell)

	assert.False(t, sig.IsValid)
	assert.False(t, sig.Criteria.BodyOutsideValueArea)
	assert.Contains(t, sig.Reason, "below VAL")
	assert.Zero(t, sig.Score)
}

func TestValidateRuleFailures(t *testing.T) {
	tests := []struct {
		name      string
		candle    models.OHLC
		profile   *models.VolumeProfile
		direction models.Direction
		reason    string
	}{
		{
			name:      "buy with poc inside body",
			candle:    models.OHLC{Open: 103, High: 106, Low: 95, Close: 105},
			profile:   levels(104, 102, 96),
			direction: models.DirectionBuy,
			reason:    "POC is not below the body",
		},
		{
			name:      "buy with open inside value area",
			candle:    models.OHLC{Open: 101, High: 106, Low: 95, Close: 105},
			profile:   levels(98, 102, 96),
			direction: models.DirectionBuy,
			reason:    "candle body is not entirely above VAH",
		},
		{
			name:      "sell with poc inside body",
			candle:    models.OHLC{Open: 96, High: 105, Low: 94, Close: 95},
			profile:   levels(95.5, 104, 98),
			direction: models.DirectionSell,
			reason:    "POC is not above the body",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sig := fixedValidator().Validate(tt.candle, tt.profile, tt.direction)
			assert.False(t, sig.IsValid)
			assert.Equal(t, tt.reason, sig.Reason)
		})
	}
}

func TestValidateBadInput(t *testing.T) {
	good := models.OHLC{Open: 104, High: 106, Low: 95, Close: 105}

	tests := []struct {
		name      string
		candle    models.OHLC
		profile   *models.VolumeProfile
		direction models.Direction
		contains  string
	}{
		{"unknown direction", good, levels(98, 102, 96), "long", "unrecognized direction"},
		{"empty direction", good, levels(98, 102, 96), "", "unrecognized direction"},
		{"nan candle", models.OHLC{Open: math.NaN(), High: 106, Low: 95, Close: 105}, levels(98, 102, 96), models.DirectionBuy, "non-finite prices"},
		{"nil profile", good, nil, models.DirectionBuy, "profile has no levels"},
		{"null levels", good, &models.VolumeProfile{Error: "no ticks in window"}, models.DirectionSell, "no ticks in window"},
		{"infinite poc", good, levels(math.Inf(1), 102, 96), models.DirectionBuy, "non-finite levels"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var sig models.TradeSignal
			assert.NotPanics(t, func() {
				sig = fixedValidator().Validate(tt.candle, tt.profile, tt.direction)
			})
			assert.False(t, sig.IsValid)
			assert.Contains(t, sig.Reason, tt.contains)
		})
	}
}

func TestScoreBounds(t *testing.T) {
	tests := []struct {
		name    string
		candle  models.OHLC
		profile *models.VolumeProfile
		want    float64
	}{
		// poc at the low scores the maximum
		{"poc at low", models.OHLC{Open: 104, High: 106, Low: 98, Close: 105}, levels(98, 102, 97), 10},
		// poc just below vah scores near the floor
		{"poc near vah", models.OHLC{Open: 104, High: 106, Low: 95, Close: 105}, levels(101.99, 102, 96), 10 - 9*6.99/7},
		// low sitting exactly on vah leaves no range to score against
		{"degenerate range", models.OHLC{Open: 104, High: 106, Low: 102, Close: 105}, levels(101, 102, 96), 5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sig := fixedValidator().Validate(tt.candle, tt.profile, models.DirectionBuy)
			assert.True(t, sig.IsValid, sig.Reason)
			assert.InDelta(t, tt.want, sig.Score, 1e-9)
			assert.GreaterOrEqual(t, sig.Score, 1.0)
			assert.LessOrEqual(t, sig.Score, 10.0)
		})
	}

	assert.Equal(t, 5.0, score(0, 0))
}

func mirror(pivot float64, c models.OHLC, p *models.VolumeProfile) (models.OHLC, *models.VolumeProfile) {
	m := func(x float64) float64 { return 2*pivot - x }
	return models.OHLC{
		Open:  m(c.Open),
		High:  m(c.Low),
		Low:   m(c.High),
		Close: m(c.Close),
	}, levels(m(*p.POC), m(*p.VAL), m(*p.VAH))
}

func TestBuySellSymmetry(t *testing.T) {
	cases := []struct {
		candle  models.OHLC
		profile *models.VolumeProfile
	}{
		{models.OHLC{Open: 104, High: 106, Low: 95, Close: 105}, levels(98, 102, 96)},
		{models.OHLC{Open: 210.5, High: 212, Low: 190, Close: 209}, levels(194, 200, 192)},
		{models.OHLC{Open: 1.0105, High: 1.012, Low: 1.0002, Close: 1.011}, levels(1.0031, 1.0087, 1.0011)},
	}

	v := fixedValidator()
	for _, tc := range cases {
		buy := v.Validate(tc.candle, tc.profile, models.DirectionBuy)
		assert.True(t, buy.IsValid, buy.Reason)

		for _, pivot := range []float64{0, 100, tc.candle.Low} {
			mc, mp := mirror(pivot, tc.candle, tc.profile)
			sell := v.Validate(mc, mp, models.DirectionSell)

			assert.True(t, sell.IsValid, sell.Reason)
			assert.Equal(t, models.DirectionSell, sell.Direction)
			assert.InDelta(t, buy.Score, sell.Score, 1e-6)
			assert.Equal(t, buy.Criteria, sell.Criteria)
		}
	}
}
