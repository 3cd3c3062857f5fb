package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/goccy/go-json"
	"github.com/sirupsen/logrus"
	"github.com/trade-footprint/pkg/config"
	"github.com/trade-footprint/pkg/models"
)

// MySQLClient handles MySQL database operations
type MySQLClient struct {
	db     *sql.DB
	logger *logrus.Entry
	cfg    *config.MySQLConfig
}

// NewMySQLClient creates a new MySQL client
func NewMySQLClient(cfg *config.MySQLConfig, logger *logrus.Logger) (*MySQLClient, error) {
	logger.WithField("dsn", fmt.Sprintf("%s:***@tcp(%s:%d)/%s", cfg.User, cfg.Host, cfg.Port, cfg.Database)).Debug("Connecting to MySQL")

	db, err := sql.Open("mysql", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open MySQL connection: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping MySQL: %w", err)
	}

	return newMySQLClient(db, cfg, logger), nil
}

func newMySQLClient(db *sql.DB, cfg *config.MySQLConfig, logger *logrus.Logger) *MySQLClient {
	return &MySQLClient{
		db:     db,
		logger: logger.WithField("component", "mysql"),
		cfg:    cfg,
	}
}

// Close closes the database connection
func (mc *MySQLClient) Close() error {
	return mc.db.Close()
}

// Health checks database health
func (mc *MySQLClient) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	return mc.db.PingContext(ctx)
}

// Signal records

// UpsertSignal stores a record keyed by (instrument, interval, open_time).
// Re-delivering the same window overwrites the previous row.
func (mc *MySQLClient) UpsertSignal(ctx context.Context, rec models.SignalRecord) error {
	candle, err := json.Marshal(rec.Candle)
	if err != nil {
		return fmt.Errorf("failed to encode candle: %w", err)
	}
	footprint, err := json.Marshal(rec.Footprint)
	if err != nil {
		return fmt.Errorf("failed to encode footprint: %w", err)
	}
	verdict, err := json.Marshal(rec.Signal)
	if err != nil {
		return fmt.Errorf("failed to encode signal: %w", err)
	}

	query := `
		INSERT INTO footprint_signals (
			instrument, interval_name, open_time, close_time,
			candle_data, volume_footprint, trade_signal,
			poc, vah, val, data_source, is_valid_signal, signal_type, score
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
			close_time = VALUES(close_time),
			candle_data = VALUES(candle_data),
			volume_footprint = VALUES(volume_footprint),
			trade_signal = VALUES(trade_signal),
			poc = VALUES(poc),
			vah = VALUES(vah),
			val = VALUES(val),
			data_source = VALUES(data_source),
			is_valid_signal = VALUES(is_valid_signal),
			signal_type = VALUES(signal_type),
			score = VALUES(score),
			updated_at = CURRENT_TIMESTAMP
	`

	_, err = mc.db.ExecContext(ctx, query,
		rec.Instrument,
		rec.Interval,
		rec.OpenTime.UTC(),
		rec.CloseTime.UTC(),
		string(candle),
		string(footprint),
		string(verdict),
		nullFloat(rec.Footprint.POC),
		nullFloat(rec.Footprint.VAH),
		nullFloat(rec.Footprint.VAL),
		rec.Footprint.DataSource,
		rec.Signal.IsValid,
		string(rec.Signal.Direction),
		rec.Signal.Score,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert signal: %w", err)
	}
	return nil
}

// GetSignal returns the stored record for one window, or nil if none exists
func (mc *MySQLClient) GetSignal(ctx context.Context, instrument, interval string, openTime time.Time) (*models.SignalRecord, error) {
	query := `
		SELECT instrument, interval_name, open_time, close_time,
		       candle_data, volume_footprint, trade_signal
		FROM footprint_signals
		WHERE instrument = ? AND interval_name = ? AND open_time = ?
	`

	var (
		rec                        models.SignalRecord
		candle, footprint, verdict []byte
	)
	err := mc.db.QueryRowContext(ctx, query, strings.ToUpper(instrument), interval, openTime.UTC()).Scan(
		&rec.Instrument,
		&rec.Interval,
		&rec.OpenTime,
		&rec.CloseTime,
		&candle,
		&footprint,
		&verdict,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get signal: %w", err)
	}

	if err := json.Unmarshal(candle, &rec.Candle); err != nil {
		return nil, fmt.Errorf("failed to decode candle: %w", err)
	}
	if err := json.Unmarshal(footprint, &rec.Footprint); err != nil {
		return nil, fmt.Errorf("failed to decode footprint: %w", err)
	}
	if err := json.Unmarshal(verdict, &rec.Signal); err != nil {
		return nil, fmt.Errorf("failed to decode signal: %w", err)
	}
	rec.OpenTime = rec.OpenTime.UTC()
	rec.CloseTime = rec.CloseTime.UTC()
	return &rec, nil
}

// Instrument operations

// GetInstruments retrieves instruments, optionally only the active ones
func (mc *MySQLClient) GetInstruments(ctx context.Context, activeOnly bool) ([]models.InstrumentInfo, error) {
	query := `
		SELECT id, symbol, base_asset, quote_asset, tick_size, is_active, updated_at
		FROM instruments
	`
	if activeOnly {
		query += " WHERE is_active = 1"
	}
	query += " ORDER BY symbol"

	rows, err := mc.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query instruments: %w", err)
	}
	defer rows.Close()

	var out []models.InstrumentInfo
	for rows.Next() {
		var inst models.InstrumentInfo
		if err := rows.Scan(
			&inst.ID,
			&inst.Symbol,
			&inst.BaseAsset,
			&inst.QuoteAsset,
			&inst.TickSize,
			&inst.IsActive,
			&inst.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan instrument at row %d: %w", len(out)+1, err)
		}
		out = append(out, inst)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	mc.logger.WithField("count", len(out)).Debug("Loaded instruments")
	return out, nil
}

// ActiveSymbols returns the symbols of all active instruments
func (mc *MySQLClient) ActiveSymbols(ctx context.Context) ([]string, error) {
	instruments, err := mc.GetInstruments(ctx, true)
	if err != nil {
		return nil, err
	}
	symbols := make([]string, 0, len(instruments))
	for _, inst := range instruments {
		symbols = append(symbols, inst.Symbol)
	}
	return symbols, nil
}

// UpsertInstrument inserts an instrument or refreshes its assets and tick
// size. The active flag of an existing row is left alone.
func (mc *MySQLClient) UpsertInstrument(ctx context.Context, inst models.InstrumentInfo) error {
	query := `
		INSERT INTO instruments (symbol, base_asset, quote_asset, tick_size, is_active)
		VALUES (?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
			base_asset = VALUES(base_asset),
			quote_asset = VALUES(quote_asset),
			tick_size = VALUES(tick_size),
			updated_at = CURRENT_TIMESTAMP
	`

	_, err := mc.db.ExecContext(ctx, query,
		strings.ToUpper(inst.Symbol),
		inst.BaseAsset,
		inst.QuoteAsset,
		inst.TickSize,
		inst.IsActive,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert instrument %s: %w", inst.Symbol, err)
	}
	return nil
}

// SetInstrumentActive toggles whether an instrument is tracked
func (mc *MySQLClient) SetInstrumentActive(ctx context.Context, symbol string, active bool) error {
	res, err := mc.db.ExecContext(ctx,
		"UPDATE instruments SET is_active = ?, updated_at = CURRENT_TIMESTAMP WHERE symbol = ?",
		active, strings.ToUpper(symbol))
	if err != nil {
		return fmt.Errorf("failed to update instrument %s: %w", symbol, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("instrument %s not found", symbol)
	}
	return nil
}

// ExecTx executes a function within a transaction
func (mc *MySQLClient) ExecTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := mc.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("tx err: %v, rb err: %v", err, rbErr)
		}
		return err
	}

	return tx.Commit()
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}
