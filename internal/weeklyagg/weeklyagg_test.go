package weeklyagg

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/quantpulse/internal/domain"
)

type fakeStore struct {
	mu      sync.Mutex
	daily   map[string][]domain.OHLCVBar
	written []domain.OHLCVBar
}

func newFakeStore() *fakeStore {
	return &fakeStore{daily: make(map[string][]domain.OHLCVBar)}
}

func (s *fakeStore) BulkUpsert(ctx context.Context, bars []domain.OHLCVBar, batchSize int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.written = append(s.written, bars...)
	return len(bars), nil
}
func (s *fakeStore) Range(ctx context.Context, instrumentID string, timeframe domain.Timeframe, from, to time.Time) ([]domain.OHLCVBar, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.daily[instrumentID], nil
}
func (s *fakeStore) EarliestDate(ctx context.Context, instrumentID string, timeframe domain.Timeframe) (*time.Time, error) {
	return nil, nil
}
func (s *fakeStore) LatestDate(ctx context.Context, instrumentID string, timeframe domain.Timeframe) (*time.Time, error) {
	return nil, nil
}
func (s *fakeStore) CoverageStats(ctx context.Context, instrumentID string, timeframe domain.Timeframe) (domain.CoverageStats, error) {
	return domain.CoverageStats{}, nil
}
func (s *fakeStore) MissingInstruments(ctx context.Context, timeframe domain.Timeframe, asOf time.Time) ([]string, error) {
	return nil, nil
}
func (s *fakeStore) SoftDelete(ctx context.Context, instrumentID string, timeframe domain.Timeframe, from, to time.Time) (int, error) {
	return 0, nil
}
func (s *fakeStore) HardDelete(ctx context.Context, instrumentID string, timeframe domain.Timeframe, from, to time.Time) (int, error) {
	return 0, nil
}

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestAggregateWeekComputesOHLCVCorrectly(t *testing.T) {
	instrumentID := uuid.New()
	store := newFakeStore()
	store.daily[instrumentID.String()] = []domain.OHLCVBar{
		{InstrumentID: instrumentID, Timestamp: day(2025, 1, 6), Timeframe: domain.TimeframeDaily, Open: 100, High: 110, Low: 95, Close: 105, Volume: 1000, Source: "test"},
		{InstrumentID: instrumentID, Timestamp: day(2025, 1, 7), Timeframe: domain.TimeframeDaily, Open: 105, High: 120, Low: 100, Close: 115, Volume: 2000, Source: "test"},
		{InstrumentID: instrumentID, Timestamp: day(2025, 1, 9), Timeframe: domain.TimeframeDaily, Open: 115, High: 118, Low: 90, Close: 95, Volume: 1500, Source: "test"},
	}

	a := New(store, 100, 4, zerolog.Nop())
	result, err := a.Run(context.Background(), []string{instrumentID.String()}, 2)
	require.NoError(t, err)

	assert.Equal(t, 1, result.InstrumentsProcessed)
	assert.Equal(t, 1, result.WeeksWritten)
	require.Len(t, store.written, 1)

	bar := store.written[0]
	assert.Equal(t, day(2025, 1, 6), bar.Timestamp)
	assert.Equal(t, domain.TimeframeWeekly, bar.Timeframe)
	assert.Equal(t, 100.0, bar.Open)
	assert.Equal(t, 120.0, bar.High)
	assert.Equal(t, 90.0, bar.Low)
	assert.Equal(t, 95.0, bar.Close)
	assert.Equal(t, int64(4500), bar.Volume)
}

func TestAggregateSplitsAcrossTwoWeekBuckets(t *testing.T) {
	instrumentID := uuid.New()
	store := newFakeStore()
	store.daily[instrumentID.String()] = []domain.OHLCVBar{
		{InstrumentID: instrumentID, Timestamp: day(2025, 1, 10), Timeframe: domain.TimeframeDaily, Open: 10, High: 11, Low: 9, Close: 10, Volume: 100, Source: "test"},
		{InstrumentID: instrumentID, Timestamp: day(2025, 1, 13), Timeframe: domain.TimeframeDaily, Open: 20, High: 21, Low: 19, Close: 20, Volume: 100, Source: "test"},
	}

	a := New(store, 100, 4, zerolog.Nop())
	result, err := a.Run(context.Background(), []string{instrumentID.String()}, 4)
	require.NoError(t, err)

	assert.Equal(t, 2, result.WeeksWritten)
}

func TestRunIsIdempotentAcrossReruns(t *testing.T) {
	instrumentID := uuid.New()
	store := newFakeStore()
	store.daily[instrumentID.String()] = []domain.OHLCVBar{
		{InstrumentID: instrumentID, Timestamp: day(2025, 2, 3), Timeframe: domain.TimeframeDaily, Open: 1, High: 2, Low: 1, Close: 2, Volume: 10, Source: "test"},
	}

	a := New(store, 100, 4, zerolog.Nop())
	_, err := a.Run(context.Background(), []string{instrumentID.String()}, 1)
	require.NoError(t, err)
	_, err = a.Run(context.Background(), []string{instrumentID.String()}, 1)
	require.NoError(t, err)

	require.Len(t, store.written, 2)
	assert.Equal(t, store.written[0], store.written[1])
}

func TestRunTreatsInstrumentWithoutDailyBarsAsProcessedNotFailed(t *testing.T) {
	good := uuid.New()
	store := newFakeStore()
	store.daily[good.String()] = []domain.OHLCVBar{
		{InstrumentID: good, Timestamp: day(2025, 3, 3), Timeframe: domain.TimeframeDaily, Open: 1, High: 1, Low: 1, Close: 1, Volume: 1, Source: "test"},
	}

	missing := uuid.New()
	a := New(store, 100, 4, zerolog.Nop())
	result, err := a.Run(context.Background(), []string{good.String(), missing.String()}, 1)
	require.NoError(t, err)

	assert.Equal(t, 2, result.InstrumentsProcessed)
	assert.Equal(t, 1, result.WeeksWritten)
	assert.Empty(t, result.Failed)
}
