// Package progress implements the per-instrument fetch progress tracker
// (C5): a small state machine recording whether an instrument's last
// historical/daily fetch succeeded, and surfacing instruments stuck
// pending beyond a threshold so the orchestrator can retry them.
package progress

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/quantpulse/internal/database"
	"github.com/aristath/quantpulse/internal/domain"
)

// Tracker persists domain.FetchProgress rows.
type Tracker struct {
	db  *database.DB
	log zerolog.Logger
}

// New builds a Tracker.
func New(db *database.DB, log zerolog.Logger) *Tracker {
	return &Tracker{db: db, log: log.With().Str("component", "progress-tracker").Logger()}
}

// MarkSuccess records a successful fetch at fetchedAt, resetting the
// retry count and clearing any error message.
func (t *Tracker) MarkSuccess(ctx context.Context, instrumentID string, fetchedAt time.Time, isHistorical bool) error {
	var column string
	if isHistorical {
		column = "last_historical_fetch"
	} else {
		column = "last_daily_fetch"
	}

	query := fmt.Sprintf(`
		INSERT INTO fetch_progress (instrument_id, %s, status, retry_count, error_message, updated_at)
		VALUES (?, ?, 'success', 0, '', ?)
		ON CONFLICT(instrument_id) DO UPDATE SET
			%s = excluded.%s,
			status = 'success',
			retry_count = 0,
			error_message = '',
			updated_at = excluded.updated_at
	`, column, column, column)

	now := time.Now().Unix()
	if _, err := t.db.ExecContext(ctx, query, instrumentID, fetchedAt.Unix(), now); err != nil {
		return fmt.Errorf("mark fetch success for %s: %w", instrumentID, err)
	}
	return nil
}

// MarkFailed records a failed fetch attempt, incrementing the retry
// count and storing the error message.
func (t *Tracker) MarkFailed(ctx context.Context, instrumentID string, errMsg string) error {
	now := time.Now().Unix()
	_, err := t.db.ExecContext(ctx, `
		INSERT INTO fetch_progress (instrument_id, status, retry_count, error_message, updated_at)
		VALUES (?, 'failed', 1, ?, ?)
		ON CONFLICT(instrument_id) DO UPDATE SET
			status = 'failed',
			retry_count = retry_count + 1,
			error_message = excluded.error_message,
			updated_at = excluded.updated_at
	`, instrumentID, errMsg, now)
	if err != nil {
		return fmt.Errorf("mark fetch failed for %s: %w", instrumentID, err)
	}
	return nil
}

// Get returns the progress row for an instrument, or nil if none exists
// yet (an instrument that has never been scheduled for a fetch).
func (t *Tracker) Get(ctx context.Context, instrumentID string) (*domain.FetchProgress, error) {
	row := t.db.QueryRowContext(ctx, `
		SELECT instrument_id, last_historical_fetch, last_daily_fetch, status, retry_count, error_message, updated_at
		FROM fetch_progress WHERE instrument_id = ?
	`, instrumentID)

	p, err := scanProgress(row)
	if err != nil {
		if err.Error() == "sql: no rows in result set" {
			return nil, nil
		}
		return nil, fmt.Errorf("get progress for %s: %w", instrumentID, err)
	}
	return p, nil
}

// PendingFor returns instruments whose progress row has not been
// updated in at least olderThan, i.e. stuck or overdue fetches.
func (t *Tracker) PendingFor(ctx context.Context, olderThan time.Duration) ([]domain.FetchProgress, error) {
	cutoff := time.Now().Add(-olderThan).Unix()
	rows, err := t.db.QueryContext(ctx, `
		SELECT instrument_id, last_historical_fetch, last_daily_fetch, status, retry_count, error_message, updated_at
		FROM fetch_progress
		WHERE status != 'success' AND updated_at <= ?
	`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("query pending progress: %w", err)
	}
	defer rows.Close()

	var out []domain.FetchProgress
	for rows.Next() {
		p, err := scanProgressRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanProgress(row rowScanner) (*domain.FetchProgress, error) {
	return scanInto(row)
}

func scanProgressRows(row rowScanner) (*domain.FetchProgress, error) {
	return scanInto(row)
}

func scanInto(row rowScanner) (*domain.FetchProgress, error) {
	var p domain.FetchProgress
	var lastHist, lastDaily, updatedAt interface{}
	var status, errMsg string

	if err := row.Scan(&p.InstrumentID, &lastHist, &lastDaily, &status, &p.RetryCount, &errMsg, &updatedAt); err != nil {
		return nil, err
	}

	p.Status = domain.FetchStatus(status)
	p.ErrorMessage = errMsg
	if lastHist != nil {
		t := unixToTime(lastHist)
		p.LastHistoricalFetch = t
	}
	if lastDaily != nil {
		t := unixToTime(lastDaily)
		p.LastDailyFetch = t
	}
	if updatedAt != nil {
		if t := unixToTime(updatedAt); t != nil {
			p.UpdatedAt = *t
		}
	}

	return &p, nil
}

func unixToTime(v interface{}) *time.Time {
	switch n := v.(type) {
	case int64:
		t := time.Unix(n, 0).UTC()
		return &t
	default:
		return nil
	}
}
