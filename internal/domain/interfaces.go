package domain

import (
	"context"
	"io"
	"time"
)

// RateLimiter is the distributed rate limiter contract (C1). Acquire blocks
// until a slot is available or ctx is cancelled/timed out.
type RateLimiter interface {
	Acquire(ctx context.Context, tokens int) error
	Status(ctx context.Context) (RateLimiterStatus, error)
	Reset(ctx context.Context) error
}

// RateLimiterStatus is the diagnostic snapshot exposed by C1.
type RateLimiterStatus struct {
	Prefix               string
	MinInterval          time.Duration
	LastRequestAt        *time.Time
	SuccessfulAcquisitions int64
	Timeouts             int64
	Connected            bool
}

// Bar is the raw OHLCV record shape the upstream returns, prior to
// validation/normalization by the parser (C3).
type Bar struct {
	Timestamp time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    int64
}

// UpstreamClient is the broker/vendor-agnostic market-data source contract
// (C2). Implementations own HTTP transport, auth headers and response
// decoding, and acquire a slot from the shared RateLimiter before every
// outbound request, so callers do not acquire one themselves.
type UpstreamClient interface {
	FetchHistorical(ctx context.Context, externalID int64, securityType SecurityType, from, to time.Time) ([]Bar, error)
	FetchTodayEOD(ctx context.Context, externalIDs []int64, segment Segment) (map[int64]Bar, error)
	Ping(ctx context.Context) error
}

// MasterFetcher downloads the upstream security master file that C8's
// instrument importer parses. Kept separate from UpstreamClient so callers
// that only need catalog-import wiring (catalog.Service) don't have to
// depend on the full market-data surface.
type MasterFetcher interface {
	FetchMaster(ctx context.Context) (io.ReadCloser, error)
}

// OHLCVStore is the persistence contract for bars (C4).
type OHLCVStore interface {
	BulkUpsert(ctx context.Context, bars []OHLCVBar, batchSize int) (int, error)
	Range(ctx context.Context, instrumentID string, timeframe Timeframe, from, to time.Time) ([]OHLCVBar, error)
	EarliestDate(ctx context.Context, instrumentID string, timeframe Timeframe) (*time.Time, error)
	LatestDate(ctx context.Context, instrumentID string, timeframe Timeframe) (*time.Time, error)
	CoverageStats(ctx context.Context, instrumentID string, timeframe Timeframe) (CoverageStats, error)
	MissingInstruments(ctx context.Context, timeframe Timeframe, asOf time.Time) ([]string, error)
	SoftDelete(ctx context.Context, instrumentID string, timeframe Timeframe, from, to time.Time) (int, error)
	HardDelete(ctx context.Context, instrumentID string, timeframe Timeframe, from, to time.Time) (int, error)
}

// CoverageStats summarizes what fraction of the expected calendar a store
// holds data for.
type CoverageStats struct {
	BarCount      int
	EarliestDate  *time.Time
	LatestDate    *time.Time
	ExpectedBars  int
	MissingDates  []time.Time
}

// ProgressStore is the persistence contract for FetchProgress rows (C5).
type ProgressStore interface {
	MarkSuccess(ctx context.Context, instrumentID string, fetchedAt time.Time, isHistorical bool) error
	MarkFailed(ctx context.Context, instrumentID string, errMsg string) error
	Get(ctx context.Context, instrumentID string) (*FetchProgress, error)
	PendingFor(ctx context.Context, olderThan time.Duration) ([]FetchProgress, error)
}

// CatalogStore is the persistence contract for exchanges/instruments/futures (C8).
type CatalogStore interface {
	EnsureExchange(ctx context.Context, ex Exchange) (Exchange, error)
	UpsertInstrument(ctx context.Context, inst Instrument) (Instrument, error)
	UpsertFuture(ctx context.Context, fut Future) (Future, error)
	GetInstrumentBySymbol(ctx context.Context, exchangeCode, symbol string) (*Instrument, error)
	GetInstrumentByISIN(ctx context.Context, isin string) (*Instrument, error)
	ListActiveInstruments(ctx context.Context, segment Segment) ([]Instrument, error)
	MarkExpiredInactive(ctx context.Context, asOf time.Time) (int, error)
	UpdateDerivativesEligibility(ctx context.Context) (int, error)
}

// TaskStore is the persistence contract for the orchestrator (C10).
type TaskStore interface {
	CreateTaskRun(ctx context.Context, t TaskRun) (TaskRun, error)
	UpdateTaskRun(ctx context.Context, t TaskRun) error
	GetTaskRun(ctx context.Context, id string) (*TaskRun, error)
	UpsertTaskStep(ctx context.Context, s TaskStep) error
	AppendTaskLog(ctx context.Context, l TaskLog) error
	ListRecentTaskRuns(ctx context.Context, taskType string, limit int) ([]TaskRun, error)
}

// SectorEnricher is the contract for C9: given a batch of ISINs, return
// sector/industry/geography metadata from the upstream's master data feed.
type SectorEnricher interface {
	Enrich(ctx context.Context, isins []string) (map[string]SectorInfo, error)
}

// SectorInfo is the metadata returned by a SectorEnricher for one ISIN.
type SectorInfo struct {
	ISIN             string
	Name             string
	Currency         string
	FullExchangeName string
	MarketCode       string
	CountryOfRisk    string
	Country          string
	Sector           string
	Industry         string
	MinLot           int
}
