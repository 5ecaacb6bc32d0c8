// Package weeklyagg implements the weekly bar aggregator (C7): it
// rebuilds the weekly timeframe partition from the daily partition,
// grouping by ISO week (Monday-start) the same way the teacher's
// history_db.go pushed time-bucketed aggregation down to SQL, but
// expressed here in Go over OHLCVStore.Range so the bucketing logic is
// portable across whatever substrate C4 is backed by.
package weeklyagg

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/quantpulse/internal/domain"
)

// DefaultBatchSize and DefaultWorkers match spec.md's stated defaults.
const (
	DefaultBatchSize = 100
	DefaultWorkers   = 4
	bulkChunkSize    = 1000
)

// Aggregator rebuilds weekly bars from daily bars via an OHLCVStore.
type Aggregator struct {
	store      domain.OHLCVStore
	batchSize  int
	workers    int
	log        zerolog.Logger
}

// New builds an Aggregator. batchSize/workers <= 0 fall back to defaults.
func New(store domain.OHLCVStore, batchSize, workers int, log zerolog.Logger) *Aggregator {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if workers <= 0 {
		workers = DefaultWorkers
	}
	return &Aggregator{
		store: store, batchSize: batchSize, workers: workers,
		log: log.With().Str("component", "weekly-aggregator").Logger(),
	}
}

// Result reports the outcome of a Run.
type Result struct {
	InstrumentsProcessed int
	WeeksWritten         int
	Failed               map[string]string
}

// Run rebuilds the weekly partition for the given instruments (nil or
// empty means none -- callers enumerate the instruments explicitly) over
// the trailing weeksBack window.
func (a *Aggregator) Run(ctx context.Context, instrumentIDs []string, weeksBack int) (Result, error) {
	to := time.Now()
	from := to.AddDate(0, 0, -weeksBack*7)

	result := Result{Failed: make(map[string]string)}
	var mu sync.Mutex

	for batchStart := 0; batchStart < len(instrumentIDs); batchStart += a.batchSize {
		batchEnd := batchStart + a.batchSize
		if batchEnd > len(instrumentIDs) {
			batchEnd = len(instrumentIDs)
		}
		batch := instrumentIDs[batchStart:batchEnd]

		sem := make(chan struct{}, a.workers)
		var wg sync.WaitGroup

		for _, id := range batch {
			wg.Add(1)
			sem <- struct{}{}
			go func(id string) {
				defer wg.Done()
				defer func() { <-sem }()

				written, err := a.aggregateInstrument(ctx, id, from, to)

				mu.Lock()
				result.InstrumentsProcessed++
				if err != nil {
					result.Failed[id] = err.Error()
				} else {
					result.WeeksWritten += written
				}
				mu.Unlock()
			}(id)
		}
		wg.Wait()
	}

	a.log.Info().
		Int("instruments_processed", result.InstrumentsProcessed).
		Int("weeks_written", result.WeeksWritten).
		Int("failed", len(result.Failed)).
		Msg("weekly aggregation run complete")

	return result, nil
}

func (a *Aggregator) aggregateInstrument(ctx context.Context, instrumentID string, from, to time.Time) (int, error) {
	daily, err := a.store.Range(ctx, instrumentID, domain.TimeframeDaily, from, to)
	if err != nil {
		return 0, fmt.Errorf("range daily bars for %s: %w", instrumentID, err)
	}
	if len(daily) == 0 {
		return 0, nil
	}

	sort.Slice(daily, func(i, j int) bool { return daily[i].Timestamp.Before(daily[j].Timestamp) })

	buckets := make(map[string][]domain.OHLCVBar)
	for _, bar := range daily {
		key := weekKey(bar.Timestamp)
		buckets[key] = append(buckets[key], bar)
	}

	weekly := make([]domain.OHLCVBar, 0, len(buckets))
	for _, rows := range buckets {
		weekly = append(weekly, aggregateWeek(rows))
	}

	n, err := a.store.BulkUpsert(ctx, weekly, bulkChunkSize)
	if err != nil {
		return 0, fmt.Errorf("bulk upsert weekly bars for %s: %w", instrumentID, err)
	}
	return n, nil
}

// weekKey buckets a timestamp into its ISO week's Monday, formatted as
// a sortable date string.
func weekKey(t time.Time) string {
	return weekStart(t).Format("2006-01-02")
}

func weekStart(t time.Time) time.Time {
	weekday := int(t.Weekday())
	if weekday == 0 {
		weekday = 7
	}
	return t.AddDate(0, 0, -(weekday - 1)).Truncate(24 * time.Hour)
}

// aggregateWeek assumes rows is sorted ascending by Timestamp and
// non-empty.
func aggregateWeek(rows []domain.OHLCVBar) domain.OHLCVBar {
	first := rows[0]
	last := rows[len(rows)-1]

	bar := domain.OHLCVBar{
		InstrumentID: first.InstrumentID,
		Timestamp:    weekStart(first.Timestamp),
		Timeframe:    domain.TimeframeWeekly,
		Open:         first.Open,
		High:         first.High,
		Low:          first.Low,
		Close:        last.Close,
		Source:       first.Source,
		QualityScore: 1.0,
	}

	for _, r := range rows {
		if r.High > bar.High {
			bar.High = r.High
		}
		if r.Low < bar.Low {
			bar.Low = r.Low
		}
		bar.Volume += r.Volume
	}

	return bar
}
