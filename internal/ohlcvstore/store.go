// Package ohlcvstore implements the OHLCV bar store (C4): bulk
// upsert in batched transactions, range reads, coverage diagnostics and
// soft/hard deletes, plus a quality_score computed against each
// instrument's trailing volatility. The upsert idiom (INSERT OR REPLACE
// inside one transaction per batch) is carried from the original
// history_db.go SyncHistoricalPrices implementation.
package ohlcvstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/stat"

	"github.com/aristath/quantpulse/internal/database"
	"github.com/aristath/quantpulse/internal/domain"
)

// Store persists OHLCV bars.
type Store struct {
	db  *database.DB
	log zerolog.Logger
}

// New builds a Store.
func New(db *database.DB, log zerolog.Logger) *Store {
	return &Store{db: db, log: log.With().Str("component", "ohlcv-store").Logger()}
}

// BulkUpsert writes bars in batches of at most batchSize rows, one
// transaction per batch, using INSERT OR REPLACE so re-fetched bars
// silently overwrite the prior row instead of erroring on the
// (instrument_id, timestamp, timeframe) primary key.
func (s *Store) BulkUpsert(ctx context.Context, bars []domain.OHLCVBar, batchSize int) (int, error) {
	if batchSize <= 0 {
		batchSize = 1000
	}

	scored := s.scoreQuality(bars)

	written := 0
	for start := 0; start < len(scored); start += batchSize {
		end := start + batchSize
		if end > len(scored) {
			end = len(scored)
		}
		batch := scored[start:end]

		err := database.WithTransaction(s.db.Conn(), func(tx *sql.Tx) error {
			stmt, err := tx.PrepareContext(ctx, `
				INSERT OR REPLACE INTO ohlcv_bars
					(instrument_id, timestamp, timeframe, open, high, low, close,
					 adjusted_close, volume, source, quality_score, created_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			`)
			if err != nil {
				return fmt.Errorf("prepare bulk upsert: %w", err)
			}
			defer stmt.Close()

			for _, b := range batch {
				var adjClose interface{}
				if b.AdjustedClose != nil {
					adjClose = *b.AdjustedClose
				}
				if _, err := stmt.ExecContext(ctx,
					b.InstrumentID.String(), b.Timestamp.Unix(), string(b.Timeframe),
					b.Open, b.High, b.Low, b.Close, adjClose, b.Volume,
					b.Source, b.QualityScore, time.Now().Unix(),
				); err != nil {
					return fmt.Errorf("upsert bar: %w", err)
				}
			}
			return nil
		})
		if err != nil {
			return written, err
		}
		written += len(batch)
	}

	return written, nil
}

// scoreQuality assigns a quality_score per bar by comparing its
// (high-low)/close range against the trailing 20-bar mean/stddev for
// that instrument: within 3 standard deviations scores 1.0, decaying
// linearly to 0.5 at 6 standard deviations and beyond. This is additive
// instrumentation; it never changes whether a bar is stored, only the
// score recorded alongside it.
func (s *Store) scoreQuality(bars []domain.OHLCVBar) []domain.OHLCVBar {
	byInstrument := make(map[string][]int)
	for i, b := range bars {
		key := b.InstrumentID.String()
		byInstrument[key] = append(byInstrument[key], i)
	}

	out := make([]domain.OHLCVBar, len(bars))
	copy(out, bars)

	for _, idxs := range byInstrument {
		ranges := make([]float64, len(idxs))
		for i, idx := range idxs {
			b := out[idx]
			if b.Close > 0 {
				ranges[i] = (b.High - b.Low) / b.Close
			}
		}

		for i, idx := range idxs {
			window := ranges[:i]
			if len(window) > 20 {
				window = window[len(window)-20:]
			}
			if len(window) < 5 {
				out[idx].QualityScore = 1.0
				continue
			}

			mean, std := stat.MeanStdDev(window, nil)
			if std == 0 {
				out[idx].QualityScore = 1.0
				continue
			}

			z := (ranges[i] - mean) / std
			if z < 0 {
				z = -z
			}

			switch {
			case z <= 3:
				out[idx].QualityScore = 1.0
			case z >= 6:
				out[idx].QualityScore = 0.5
			default:
				out[idx].QualityScore = 1.0 - 0.5*(z-3)/3
			}
		}
	}

	return out
}

// Range returns bars for one instrument/timeframe in [from, to], ordered
// by timestamp ascending.
func (s *Store) Range(ctx context.Context, instrumentID string, timeframe domain.Timeframe, from, to time.Time) ([]domain.OHLCVBar, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT instrument_id, timestamp, timeframe, open, high, low, close,
		       adjusted_close, volume, source, quality_score, created_at
		FROM ohlcv_bars
		WHERE instrument_id = ? AND timeframe = ? AND timestamp BETWEEN ? AND ?
		ORDER BY timestamp ASC
	`, instrumentID, string(timeframe), from.Unix(), to.Unix())
	if err != nil {
		return nil, fmt.Errorf("query range: %w", err)
	}
	defer rows.Close()

	return scanBars(rows)
}

// EarliestDate returns the earliest stored bar timestamp for an
// instrument/timeframe, or nil if none exists.
func (s *Store) EarliestDate(ctx context.Context, instrumentID string, timeframe domain.Timeframe) (*time.Time, error) {
	return s.edgeDate(ctx, instrumentID, timeframe, "MIN")
}

// LatestDate returns the latest stored bar timestamp for an
// instrument/timeframe, or nil if none exists.
func (s *Store) LatestDate(ctx context.Context, instrumentID string, timeframe domain.Timeframe) (*time.Time, error) {
	return s.edgeDate(ctx, instrumentID, timeframe, "MAX")
}

func (s *Store) edgeDate(ctx context.Context, instrumentID string, timeframe domain.Timeframe, agg string) (*time.Time, error) {
	var unixTS sql.NullInt64
	query := fmt.Sprintf("SELECT %s(timestamp) FROM ohlcv_bars WHERE instrument_id = ? AND timeframe = ?", agg)
	if err := s.db.QueryRowContext(ctx, query, instrumentID, string(timeframe)).Scan(&unixTS); err != nil {
		return nil, fmt.Errorf("query %s date: %w", agg, err)
	}
	if !unixTS.Valid {
		return nil, nil
	}
	t := time.Unix(unixTS.Int64, 0).UTC()
	return &t, nil
}

// CoverageStats summarizes how much of [earliest, latest] has data.
func (s *Store) CoverageStats(ctx context.Context, instrumentID string, timeframe domain.Timeframe) (domain.CoverageStats, error) {
	var stats domain.CoverageStats

	if err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM ohlcv_bars WHERE instrument_id = ? AND timeframe = ?",
		instrumentID, string(timeframe)).Scan(&stats.BarCount); err != nil {
		return stats, fmt.Errorf("count bars: %w", err)
	}

	earliest, err := s.EarliestDate(ctx, instrumentID, timeframe)
	if err != nil {
		return stats, err
	}
	latest, err := s.LatestDate(ctx, instrumentID, timeframe)
	if err != nil {
		return stats, err
	}
	stats.EarliestDate = earliest
	stats.LatestDate = latest

	if earliest != nil && latest != nil {
		days := int(latest.Sub(*earliest).Hours()/24) + 1
		stats.ExpectedBars = days
	}

	return stats, nil
}

// MissingInstruments returns instrument ids with no bar on or after asOf
// for the given timeframe, used by the orchestrator to find stalled
// ingestion.
func (s *Store) MissingInstruments(ctx context.Context, timeframe domain.Timeframe, asOf time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT instrument_id FROM ohlcv_bars b1
		WHERE timeframe = ? AND NOT EXISTS (
			SELECT 1 FROM ohlcv_bars b2
			WHERE b2.instrument_id = b1.instrument_id
			  AND b2.timeframe = ?
			  AND b2.timestamp >= ?
		)
	`, string(timeframe), string(timeframe), asOf.Unix())
	if err != nil {
		return nil, fmt.Errorf("query missing instruments: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan instrument id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// SoftDelete zeroes out quality_score (marking bars as suspect) rather
// than removing them, preserving the row for audit.
func (s *Store) SoftDelete(ctx context.Context, instrumentID string, timeframe domain.Timeframe, from, to time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE ohlcv_bars SET quality_score = 0
		WHERE instrument_id = ? AND timeframe = ? AND timestamp BETWEEN ? AND ?
	`, instrumentID, string(timeframe), from.Unix(), to.Unix())
	if err != nil {
		return 0, fmt.Errorf("soft delete: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// HardDelete permanently removes bars in the given range.
func (s *Store) HardDelete(ctx context.Context, instrumentID string, timeframe domain.Timeframe, from, to time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM ohlcv_bars
		WHERE instrument_id = ? AND timeframe = ? AND timestamp BETWEEN ? AND ?
	`, instrumentID, string(timeframe), from.Unix(), to.Unix())
	if err != nil {
		return 0, fmt.Errorf("hard delete: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func scanBars(rows *sql.Rows) ([]domain.OHLCVBar, error) {
	var out []domain.OHLCVBar
	for rows.Next() {
		var b domain.OHLCVBar
		var instrumentIDStr, timeframe string
		var ts, createdAt int64
		var adjClose sql.NullFloat64

		if err := rows.Scan(&instrumentIDStr, &ts, &timeframe, &b.Open, &b.High, &b.Low, &b.Close,
			&adjClose, &b.Volume, &b.Source, &b.QualityScore, &createdAt); err != nil {
			return nil, fmt.Errorf("scan bar: %w", err)
		}

		id, err := uuid.Parse(instrumentIDStr)
		if err != nil {
			return nil, fmt.Errorf("parse instrument id %q: %w", instrumentIDStr, err)
		}
		b.InstrumentID = id
		b.Timestamp = time.Unix(ts, 0).UTC()
		b.Timeframe = domain.Timeframe(timeframe)
		b.CreatedAt = time.Unix(createdAt, 0).UTC()
		if adjClose.Valid {
			v := adjClose.Float64
			b.AdjustedClose = &v
		}

		out = append(out, b)
	}
	return out, rows.Err()
}
