package ohlcvstore

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/quantpulse/internal/domain"
	testingutil "github.com/aristath/quantpulse/internal/testing"
)

func TestBulkUpsertIsIdempotent(t *testing.T) {
	db, cleanup := testingutil.NewTestDB(t, "ohlcv")
	defer cleanup()

	store := New(db, zerolog.Nop())
	ctx := context.Background()
	instrumentID := uuid.New()
	day := time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC)

	bars := []domain.OHLCVBar{
		{InstrumentID: instrumentID, Timestamp: day, Timeframe: domain.TimeframeDaily,
			Open: 100, High: 105, Low: 99, Close: 102, Volume: 1000, Source: "test"},
	}

	n, err := store.BulkUpsert(ctx, bars, 1000)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	bars[0].Close = 103
	n, err = store.BulkUpsert(ctx, bars, 1000)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := store.Range(ctx, instrumentID.String(), domain.TimeframeDaily, day.Add(-time.Hour), day.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 103.0, got[0].Close)
}

func TestEarliestAndLatestDate(t *testing.T) {
	db, cleanup := testingutil.NewTestDB(t, "ohlcv")
	defer cleanup()

	store := New(db, zerolog.Nop())
	ctx := context.Background()
	instrumentID := uuid.New()

	days := []time.Time{
		time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2025, 1, 5, 0, 0, 0, 0, time.UTC),
		time.Date(2025, 1, 10, 0, 0, 0, 0, time.UTC),
	}
	var bars []domain.OHLCVBar
	for _, d := range days {
		bars = append(bars, domain.OHLCVBar{
			InstrumentID: instrumentID, Timestamp: d, Timeframe: domain.TimeframeDaily,
			Open: 1, High: 1, Low: 1, Close: 1, Volume: 1, Source: "test",
		})
	}
	_, err := store.BulkUpsert(ctx, bars, 1000)
	require.NoError(t, err)

	earliest, err := store.EarliestDate(ctx, instrumentID.String(), domain.TimeframeDaily)
	require.NoError(t, err)
	require.NotNil(t, earliest)
	assert.True(t, earliest.Equal(days[0]))

	latest, err := store.LatestDate(ctx, instrumentID.String(), domain.TimeframeDaily)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.True(t, latest.Equal(days[2]))
}

func TestSoftDeleteZeroesQualityScoreWithoutRemovingRow(t *testing.T) {
	db, cleanup := testingutil.NewTestDB(t, "ohlcv")
	defer cleanup()

	store := New(db, zerolog.Nop())
	ctx := context.Background()
	instrumentID := uuid.New()
	day := time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)

	_, err := store.BulkUpsert(ctx, []domain.OHLCVBar{
		{InstrumentID: instrumentID, Timestamp: day, Timeframe: domain.TimeframeDaily,
			Open: 1, High: 1, Low: 1, Close: 1, Volume: 1, Source: "test"},
	}, 1000)
	require.NoError(t, err)

	n, err := store.SoftDelete(ctx, instrumentID.String(), domain.TimeframeDaily, day.Add(-time.Hour), day.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := store.Range(ctx, instrumentID.String(), domain.TimeframeDaily, day.Add(-time.Hour), day.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 0.0, got[0].QualityScore)
}
