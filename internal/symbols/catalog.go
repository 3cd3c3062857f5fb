package symbols

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/trade-footprint/pkg/models"
)

// Catalog lists the contracts the exchange currently offers
type Catalog interface {
	Instruments(ctx context.Context) ([]models.InstrumentInfo, error)
}

// InstrumentWriter stores instrument metadata
type InstrumentWriter interface {
	UpsertInstrument(ctx context.Context, inst models.InstrumentInfo) error
}

// RefreshFromExchange copies assets and tick sizes from the exchange into
// the instrument table. New rows are stored inactive unless activate is set.
// It returns how many rows were written.
func RefreshFromExchange(ctx context.Context, catalog Catalog, store InstrumentWriter, activate bool, logger *logrus.Logger) (int, error) {
	log := logger.WithField("component", "symbols-refresh")

	instruments, err := catalog.Instruments(ctx)
	if err != nil {
		return 0, fmt.Errorf("fetch exchange info: %w", err)
	}

	var written, failed int
	for _, inst := range instruments {
		inst.IsActive = activate
		if err := store.UpsertInstrument(ctx, inst); err != nil {
			failed++
			log.WithError(err).WithField("instrument", inst.Symbol).Warn("Failed to store instrument")
			continue
		}
		written++
	}

	log.WithFields(logrus.Fields{
		"offered": len(instruments),
		"written": written,
		"failed":  failed,
	}).Info("Instrument metadata refreshed")

	if failed > 0 && written == 0 {
		return 0, fmt.Errorf("failed to store any of %d instruments", failed)
	}
	return written, nil
}
