package catalog

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/quantpulse/internal/domain"
	testingutil "github.com/aristath/quantpulse/internal/testing"
)

type fakeMaster struct {
	body string
	err  error
}

func (f *fakeMaster) FetchMaster(ctx context.Context) (io.ReadCloser, error) {
	if f.err != nil {
		return nil, f.err
	}
	return io.NopCloser(strings.NewReader(f.body)), nil
}

const masterCSVHeader = "SECURITY_ID,UNDERLYING_SYMBOL,SYMBOL_NAME,DISPLAY_NAME,EXCH_ID,SEGMENT,INSTRUMENT,INSTRUMENT_TYPE,ISIN,LOT_SIZE,TICK_SIZE,SM_EXPIRY_DATE,UNDERLYING_SECURITY_ID,STRIKE_PRICE,OPTION_TYPE\n"

func TestImportFromMasterUpsertsInstrumentsAndFutures(t *testing.T) {
	db, cleanup := testingutil.NewTestDB(t, "catalog")
	defer cleanup()

	csv := masterCSVHeader +
		"1,,RELI,Reliance,NSE,,EQUITY,,INE002A01018,1,0.05,,,,\n" +
		"13,,NIFTY 50,Nifty 50,NSE,,INDEX,,,,,,,,\n" +
		"100,RELI,RELI-FUT,Reliance Futures,NSE,,FUTSTK,,,500,0.05,2026-12-31,,,\n" +
		"101,,NIFTY-FUT,Nifty Futures,NSE,,FUTIDX,,,50,0.05,2026-12-31,13,,\n" +
		"200,,TCS,Tata Consultancy,BSE,,EQUITY,,INE467B01029,1,0.05,,,,\n"

	svc := New(db, &fakeMaster{body: csv}, []string{"NSE"}, zerolog.Nop())
	ctx := context.Background()

	stats, err := svc.ImportFromMaster(ctx)
	require.NoError(t, err)

	assert.Equal(t, 5, stats.Downloaded)
	assert.Equal(t, 4, stats.Filtered, "the BSE row must be dropped by the NSE-only exchange filter")
	assert.Equal(t, 4, stats.Created)
	assert.Equal(t, 0, stats.Errors)

	underlying, err := svc.GetInstrumentBySymbol(ctx, "NSE", "RELI")
	require.NoError(t, err)
	require.NotNil(t, underlying)
	assert.True(t, underlying.HasFutures, "RELI must be flagged has_futures from its FUTSTK row")

	index, err := svc.GetInstrumentBySymbol(ctx, "NSE", "NIFTY 50")
	require.NoError(t, err)
	require.NotNil(t, index)
	assert.True(t, index.HasFutures, "NIFTY 50 must be flagged has_futures from its FUTIDX row")

	tcs, err := svc.GetInstrumentBySymbol(ctx, "BSE", "TCS")
	require.NoError(t, err)
	assert.Nil(t, tcs, "the BSE-only row must never be upserted")
}

func TestProcessFuturesBatchSkipsRowsWithNoResolvableUnderlying(t *testing.T) {
	db, cleanup := testingutil.NewTestDB(t, "catalog")
	defer cleanup()

	svc := New(db, nil, nil, zerolog.Nop())
	ctx := context.Background()

	ex, err := svc.EnsureExchange(ctx, domain.Exchange{
		Code: "NSE", Name: "National Stock Exchange", Timezone: "Asia/Kolkata", IsActive: true,
	})
	require.NoError(t, err)

	_, err = svc.UpsertInstrument(ctx, domain.Instrument{
		ExchangeID: ex.ID, ExternalID: 999, Symbol: "GHOST-FUT", SecurityType: domain.SecurityTypeDerivative,
		Segment: domain.SegmentDerivative, IsActive: true,
	})
	require.NoError(t, err)

	rows := []masterRow{
		{SecurityID: "999", SymbolName: "GHOST-FUT", ExchangeCode: "NSE", Instrument: "FUTSTK",
			UnderlyingSymbol: "DOES-NOT-EXIST", ExpiryDate: "2026-12-31", LotSize: "1"},
	}

	stats, err := svc.ProcessFuturesBatch(ctx, rows)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Processed)
	assert.Equal(t, 1, stats.Skipped)
	assert.Equal(t, 0, stats.Created)
}

func TestImportFromMasterPropagatesFetchError(t *testing.T) {
	db, cleanup := testingutil.NewTestDB(t, "catalog")
	defer cleanup()

	svc := New(db, &fakeMaster{err: assertError{}}, []string{"NSE"}, zerolog.Nop())
	_, err := svc.ImportFromMaster(context.Background())
	require.Error(t, err)
}

type assertError struct{}

func (assertError) Error() string { return "fetch failed" }
