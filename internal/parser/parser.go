// Package parser validates and normalizes raw upstream bars into storable
// domain.OHLCVBar values (C3). It is a direct Go port of the original
// Python data_parser.py's validation rules -- including its one
// deliberately-kept quirk, the flat-bar exception below -- and its one
// deliberately-fixed bug, the EOD timestamp now stamped in the
// instrument's market timezone instead of UTC midnight.
package parser

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/aristath/quantpulse/internal/domain"
)

// Parser turns upstream bars into validated domain.OHLCVBar rows.
type Parser struct {
	log zerolog.Logger
}

// New builds a Parser.
func New(log zerolog.Logger) *Parser {
	return &Parser{log: log.With().Str("component", "parser").Logger()}
}

// ValidateOHLC applies the original's exact OHLC sanity rule: every price
// must be positive, high must be at least max(open,close,low), low must
// be at most min(open,close,high), and high must differ from low unless
// the bar is a totally flat no-trading bar (open == close == high == low).
// This preserves the original's behavior verbatim rather than guessing at
// a "more correct" rule.
func ValidateOHLC(open, high, low, close float64) bool {
	if open <= 0 || high <= 0 || low <= 0 || close <= 0 {
		return false
	}

	maxOC := open
	if close > maxOC {
		maxOC = close
	}
	if low > maxOC {
		maxOC = low
	}
	if high < maxOC {
		return false
	}

	minOC := open
	if close < minOC {
		minOC = close
	}
	if high < minOC {
		minOC = high
	}
	if low > minOC {
		return false
	}

	if high == low {
		flat := open == close && close == high
		if !flat {
			return false
		}
	}

	return true
}

// ParseHistorical walks the parallel open/high/low/close/volume/timestamp
// arrays returned for one instrument's full history, validating each bar
// and de-duplicating by date (first occurrence wins; later duplicates are
// logged and skipped).
func (p *Parser) ParseHistorical(instrumentID string, bars []domain.Bar, source string) ([]domain.OHLCVBar, error) {
	seen := make(map[string]bool, len(bars))
	out := make([]domain.OHLCVBar, 0, len(bars))

	for _, b := range bars {
		if !ValidateOHLC(b.Open, b.High, b.Low, b.Close) {
			p.log.Warn().
				Str("instrument_id", instrumentID).
				Time("timestamp", b.Timestamp).
				Msg("rejecting bar failing OHLC validation")
			continue
		}

		dateKey := b.Timestamp.UTC().Format("2006-01-02")
		if seen[dateKey] {
			p.log.Warn().
				Str("instrument_id", instrumentID).
				Str("date", dateKey).
				Msg("skipping duplicate historical bar for date")
			continue
		}
		seen[dateKey] = true

		out = append(out, domain.OHLCVBar{
			InstrumentID:  mustParseUUID(instrumentID),
			Timestamp:     b.Timestamp.UTC(),
			Timeframe:     domain.TimeframeDaily,
			Open:          b.Open,
			High:          b.High,
			Low:           b.Low,
			Close:         b.Close,
			AdjustedClose: nil,
			Volume:        b.Volume,
			Source:        source,
			QualityScore:  1.0,
		})
	}

	return out, nil
}

// ParseTodayEOD validates a batch of today's end-of-day bars, skipping
// any bar where all four prices are zero (market closed for that
// instrument, not a tradable zero-bar) and stamping the bar's timestamp
// in the given market location rather than UTC midnight -- the original
// Python implementation stamped `datetime.now(timezone.utc)`, which is
// wrong whenever the market's local midnight has already passed in UTC;
// this rewrite fixes that by taking `now` in loc instead.
func (p *Parser) ParseTodayEOD(bars map[int64]domain.Bar, externalToInstrumentID map[int64]string, loc *time.Location, source string) ([]domain.OHLCVBar, error) {
	now := time.Now().In(loc)
	marketToday := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, loc)

	out := make([]domain.OHLCVBar, 0, len(bars))
	for externalID, b := range bars {
		if b.Open == 0 && b.High == 0 && b.Low == 0 && b.Close == 0 {
			continue
		}

		instrumentID, ok := externalToInstrumentID[externalID]
		if !ok {
			p.log.Warn().Int64("external_id", externalID).Msg("skipping EOD bar with unmapped external id")
			continue
		}

		if !ValidateOHLC(b.Open, b.High, b.Low, b.Close) {
			p.log.Warn().Int64("external_id", externalID).Msg("rejecting EOD bar failing OHLC validation")
			continue
		}

		out = append(out, domain.OHLCVBar{
			InstrumentID: mustParseUUID(instrumentID),
			Timestamp:    marketToday,
			Timeframe:    domain.TimeframeDaily,
			Open:         b.Open,
			High:         b.High,
			Low:          b.Low,
			Close:        b.Close,
			Volume:       b.Volume,
			Source:       source,
			QualityScore: 1.0,
		})
	}

	return out, nil
}

// mustParseUUID parses an instrument id string produced by the catalog
// service. A failure here is a programming error (caller passed a
// non-UUID instrument id), not a data error, so it panics rather than
// threading another error return through every call site.
func mustParseUUID(s string) uuid.UUID {
	parsed, err := uuid.Parse(s)
	if err != nil {
		panic(fmt.Sprintf("parser: invalid instrument id %q: %v", s, err))
	}
	return parsed
}
