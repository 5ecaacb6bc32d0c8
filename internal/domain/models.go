// Package domain provides the core entities of the market-data ingestion
// core: exchanges, instruments, derivative contracts, OHLCV bars and their
// fetch progress, and the task-run tracking primitives used by the
// orchestrator.
package domain

import (
	"time"

	"github.com/google/uuid"
)

// Timeframe identifies the bucket size of a stored OHLCV bar.
type Timeframe string

const (
	TimeframeDaily   Timeframe = "daily"
	TimeframeWeekly  Timeframe = "weekly"
	TimeframeMonthly Timeframe = "monthly"
)

// SecurityType classifies an instrument.
type SecurityType string

const (
	SecurityTypeStock      SecurityType = "STOCK"
	SecurityTypeIndex      SecurityType = "INDEX"
	SecurityTypeDerivative SecurityType = "DERIVATIVE"
	SecurityTypeETF        SecurityType = "ETF"
	SecurityTypeBond       SecurityType = "BOND"
)

// Segment identifies the upstream's exchange segment for an instrument.
type Segment string

const (
	SegmentEquity     Segment = "EQUITY"
	SegmentDerivative Segment = "DERIVATIVE"
	SegmentCurrency   Segment = "CURRENCY"
	SegmentCommodity  Segment = "COMMODITY"
	SegmentIndex       Segment = "INDEX"
)

// ContractMonth is one of JAN..DEC.
type ContractMonth string

// SettlementType is how a derivative contract settles.
type SettlementType string

const (
	SettlementCash     SettlementType = "CASH"
	SettlementPhysical SettlementType = "PHYSICAL"
)

// Exchange is an immutable-ish catalog row identifying a trading venue.
type Exchange struct {
	ID                uuid.UUID
	Code              string // unique, e.g. "NSE"
	Name              string
	Country           string
	Timezone          string
	Currency          string
	TradingHoursStart string // "HH:MM" in Timezone
	TradingHoursEnd   string
	IsActive          bool
}

// Instrument represents a tradable symbol on one exchange.
type Instrument struct {
	ID                    uuid.UUID
	ExchangeID            uuid.UUID
	ExternalID            int64 // broker-assigned id, second unique key
	Symbol                string
	Name                  string
	SecurityType          SecurityType
	Segment               Segment
	ISIN                  string
	Sector                string
	Industry              string
	LotSize               int
	TickSize              float64
	IsActive              bool
	IsTradeable           bool
	IsDerivativesEligible bool
	HasOptions            bool
	HasFutures            bool
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// Future is the one-to-one derivative-contract child of a DERIVATIVE Instrument.
type Future struct {
	ID                  uuid.UUID
	InstrumentID         uuid.UUID // the DERIVATIVE instrument this row belongs to
	UnderlyingID        uuid.UUID // STOCK or INDEX instrument
	ExpirationDate      time.Time
	ContractMonth       ContractMonth
	SettlementType      SettlementType
	ContractSize        float64
	LotSize             int
	IsActive            bool
	PreviousContractID  *uuid.UUID
	NextContractID      *uuid.UUID
}

// OHLCVBar is one Open/High/Low/Close/Volume bar for an instrument.
// Primary key is (InstrumentID, Timestamp, Timeframe).
type OHLCVBar struct {
	InstrumentID   uuid.UUID
	Timestamp      time.Time
	Timeframe      Timeframe
	Open           float64
	High           float64
	Low            float64
	Close          float64
	AdjustedClose  *float64
	Volume         int64
	Source         string
	QualityScore   float64
	CreatedAt      time.Time
}

// Valid reports whether the bar satisfies the storage invariants from
// spec.md §3/§8. A bar failing this must be rejected, not stored.
func (b OHLCVBar) Valid() bool {
	if b.Open <= 0 || b.High <= 0 || b.Low <= 0 || b.Close <= 0 {
		return false
	}
	if b.Volume < 0 {
		return false
	}
	maxOC := max3(b.Open, b.Close, b.Low)
	if b.High < maxOC {
		return false
	}
	minOC := min3(b.Open, b.Close, b.High)
	if b.Low > minOC {
		return false
	}
	return true
}

func max3(a, b, c float64) float64 {
	m := a
	if b > m {
		m = b
	}
	if c > m {
		m = c
	}
	return m
}

func min3(a, b, c float64) float64 {
	m := a
	if b < m {
		m = b
	}
	if c < m {
		m = c
	}
	return m
}

// FetchStatus is the per-instrument fetch-state machine status.
type FetchStatus string

const (
	FetchStatusPending    FetchStatus = "pending"
	FetchStatusInProgress FetchStatus = "in_progress"
	FetchStatusSuccess    FetchStatus = "success"
	FetchStatusFailed     FetchStatus = "failed"
)

// FetchProgress tracks the per-instrument OHLCV fetch state.
type FetchProgress struct {
	InstrumentID       uuid.UUID
	LastHistoricalFetch *time.Time
	LastDailyFetch       *time.Time
	Status               FetchStatus
	RetryCount           int
	ErrorMessage         string
	UpdatedAt            time.Time
}

// TaskStatus is the lifecycle state of a TaskRun or TaskStep.
type TaskStatus string

const (
	TaskPending   TaskStatus = "PENDING"
	TaskReceived  TaskStatus = "RECEIVED"
	TaskStarted   TaskStatus = "STARTED"
	TaskProgress  TaskStatus = "PROGRESS"
	TaskSuccess   TaskStatus = "SUCCESS"
	TaskFailure   TaskStatus = "FAILURE"
	TaskRetry     TaskStatus = "RETRY"
	TaskRevoked   TaskStatus = "REVOKED"
	TaskCancelled TaskStatus = "CANCELLED"
)

// IsTerminal reports whether the status is a terminal TaskRun state.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskSuccess, TaskFailure, TaskCancelled, TaskRevoked:
		return true
	default:
		return false
	}
}

// TaskRun is the generic durable record of a long-running job.
type TaskRun struct {
	ID                    uuid.UUID
	ExternalTaskID        string
	TaskName              string
	TaskType              string
	Title                 string
	Status                TaskStatus
	ProgressPercentage    int
	CurrentMessage        string
	CurrentStep           int
	TotalSteps            int
	StartedAt             *time.Time
	CompletedAt           *time.Time
	ExecutionTimeSeconds  *float64
	RetryCount            int
	InputParameters       map[string]interface{}
	ResultData            map[string]interface{}
	ErrorMessage          string
	ErrorTraceback        string
	ErrorCategory         string
	Description           string
	ActorID               string
	LastHeartbeat         time.Time
}

// TaskStep is a named, ordered phase within a TaskRun. Append-only within a
// task; re-creating the same StepName updates status/result instead.
type TaskStep struct {
	ID         uuid.UUID
	TaskRunID  uuid.UUID
	StepName   string
	StepOrder  int
	Title      string
	Status     TaskStatus
	ResultData map[string]interface{}
	UpdatedAt  time.Time
}

// LogLevel is the severity of a TaskLog entry.
type LogLevel string

const (
	LogDebug    LogLevel = "DEBUG"
	LogInfo     LogLevel = "INFO"
	LogWarning  LogLevel = "WARNING"
	LogError    LogLevel = "ERROR"
	LogCritical LogLevel = "CRITICAL"
)

// TaskLog is an append-only detail event attached to a TaskRun.
type TaskLog struct {
	ID        uuid.UUID
	TaskRunID uuid.UUID
	CreatedAt time.Time
	Level     LogLevel
	Message   string
	ExtraData map[string]interface{}
}
