package progress

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

func TestMarkSuccessThenGet(t *testing.T) {
	db, cleanup := testingutil.NewTestDB(t, "ohlcv")
	defer cleanup()

	tracker := New(db, zerolog.Nop())
	ctx := context.Background()
	id := uuid.New().String()
	now := time.Now().Truncate(time.Second)

	require.NoError(t, tracker.MarkSuccess(ctx, id, now, true))

	got, err := tracker.Get(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, domain.FetchStatusSuccess, got.Status)
	require.NotNil(t, got.LastHistoricalFetch)
	assert.True(t, got.LastHistoricalFetch.Equal(now))
}

func TestMarkFailedIncrementsRetryCount(t *testing.T) {
	db, cleanup := testingutil.NewTestDB(t, "ohlcv")
	defer cleanup()

	tracker := New(db, zerolog.Nop())
	ctx := context.Background()
	id := uuid.New().String()

	require.NoError(t, tracker.MarkFailed(ctx, id, "boom"))
	require.NoError(t, tracker.MarkFailed(ctx, id, "boom again"))

	got, err := tracker.Get(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, domain.FetchStatusFailed, got.Status)
	assert.Equal(t, 2, got.RetryCount)
	assert.Equal(t, "boom again", got.ErrorMessage)
}

func TestGetReturnsNilForUnknownInstrument(t *testing.T) {
	db, cleanup := testingutil.NewTestDB(t, "ohlcv")
	defer cleanup()

	tracker := New(db, zerolog.Nop())
	got, err := tracker.Get(context.Background(), uuid.New().String())
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestPendingForReturnsStaleNonSuccessRows(t *testing.T) {
	db, cleanup := testingutil.NewTestDB(t, "ohlcv")
	defer cleanup()

	tracker := New(db, zerolog.Nop())
	ctx := context.Background()
	id := uuid.New().String()

	require.NoError(t, tracker.MarkFailed(ctx, id, "boom"))

	pending, err := tracker.PendingFor(ctx, 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, domain.FetchStatusFailed, pending[0].Status)
}
