package commands

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/trade-footprint/pkg/models"
)

func TestParseOpenTime(t *testing.T) {
	want := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	got, err := parseOpenTime("1717243200000")
	require.NoError(t, err)
	assert.Equal(t, want, got)

	got, err = parseOpenTime("2024-06-01T14:00:00+02:00")
	require.NoError(t, err)
	assert.Equal(t, want, got)

	_, err = parseOpenTime("yesterday")
	assert.Error(t, err)
}

func TestParseDirection(t *testing.T) {
	d, err := parseDirection("BUY")
	require.NoError(t, err)
	assert.Equal(t, models.DirectionBuy, d)

	d, err = parseDirection("sell")
	require.NoError(t, err)
	assert.Equal(t, models.DirectionSell, d)

	_, err = parseDirection("hold")
	assert.Error(t, err)
}
