package catalog

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/aristath/quantpulse/internal/domain"
)

// MasterImportStats summarizes one ImportFromMaster run, mirroring the
// created/updated/skipped/errors shape the original securities_import
// Celery task returned.
type MasterImportStats struct {
	Downloaded int
	Filtered   int
	Created    int
	Updated    int
	Skipped    int
	Errors     int
}

// FuturesImportStats summarizes one ProcessFuturesBatch run.
type FuturesImportStats struct {
	Processed int
	Created   int
	Updated   int
	Skipped   int
	Errors    int
}

// supportedInstrumentKinds is the spec.md §4.8.2 instrument-kind filter:
// only these rows are imported, everything else (options, currency,
// commodity contracts, ...) is out of scope.
var supportedInstrumentKinds = map[string]bool{
	"EQUITY": true,
	"INDEX":  true,
	"FUTSTK": true,
	"FUTIDX": true,
}

// indexAliases implements the known index-alias table from spec.md
// §4.8.3's underlying lookup strategy, grounded on the `variations`
// list in the original securities_import_db.py's build_securities_cache.
var indexAliases = map[string][]string{
	"NIFTY":      {"NIFTY 50"},
	"NIFTY 50":   {"NIFTY"},
	"BANKNIFTY":  {"BANK NIFTY"},
	"BANK NIFTY": {"BANKNIFTY"},
}

// masterRow is one parsed, not-yet-validated row of the master file.
// Expected header (spec.md §6): SECURITY_ID, UNDERLYING_SYMBOL,
// SYMBOL_NAME, DISPLAY_NAME, EXCH_ID, SEGMENT, INSTRUMENT,
// INSTRUMENT_TYPE, ISIN, LOT_SIZE, TICK_SIZE, SM_EXPIRY_DATE,
// UNDERLYING_SECURITY_ID, STRIKE_PRICE, OPTION_TYPE.
type masterRow struct {
	SecurityID           string
	UnderlyingSymbol     string
	SymbolName           string
	DisplayName          string
	ExchangeCode         string
	Instrument           string
	ISIN                 string
	LotSize              string
	TickSize             string
	ExpiryDate           string
	UnderlyingSecurityID string
}

// readMasterRows parses the tabular master file by header name rather
// than fixed position, so column reordering upstream doesn't silently
// misalign fields.
func readMasterRows(r io.Reader) ([]masterRow, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read master header: %w", err)
	}

	idx := make(map[string]int, len(header))
	for i, h := range header {
		idx[strings.TrimSpace(h)] = i
	}
	col := func(rec []string, name string) string {
		i, ok := idx[name]
		if !ok || i >= len(rec) {
			return ""
		}
		return strings.TrimSpace(rec[i])
	}

	var rows []masterRow
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read master row: %w", err)
		}

		rows = append(rows, masterRow{
			SecurityID:           col(rec, "SECURITY_ID"),
			UnderlyingSymbol:     col(rec, "UNDERLYING_SYMBOL"),
			SymbolName:           col(rec, "SYMBOL_NAME"),
			DisplayName:          col(rec, "DISPLAY_NAME"),
			ExchangeCode:         col(rec, "EXCH_ID"),
			Instrument:           col(rec, "INSTRUMENT"),
			ISIN:                 col(rec, "ISIN"),
			LotSize:              col(rec, "LOT_SIZE"),
			TickSize:             col(rec, "TICK_SIZE"),
			ExpiryDate:           col(rec, "SM_EXPIRY_DATE"),
			UnderlyingSecurityID: col(rec, "UNDERLYING_SECURITY_ID"),
		})
	}
	return rows, nil
}

// masterSymbol picks the row's tradeable symbol, preferring SYMBOL_NAME
// and falling back to DISPLAY_NAME -- grounded on the original's
// get_security_name priority order.
func masterSymbol(r masterRow) string {
	if r.SymbolName != "" {
		return r.SymbolName
	}
	return r.DisplayName
}

// validateMasterRow applies spec.md §4.8.2's required-field rule:
// SECURITY_ID, EXCH_ID and a usable symbol name must be present, and
// SECURITY_ID must be numeric.
func validateMasterRow(r masterRow) error {
	if r.SecurityID == "" {
		return fmt.Errorf("missing SECURITY_ID")
	}
	if _, err := strconv.ParseInt(r.SecurityID, 10, 64); err != nil {
		return fmt.Errorf("non-numeric SECURITY_ID %q", r.SecurityID)
	}
	if r.ExchangeCode == "" {
		return fmt.Errorf("missing EXCH_ID")
	}
	if masterSymbol(r) == "" {
		return fmt.Errorf("missing SYMBOL_NAME/DISPLAY_NAME")
	}
	return nil
}

// classifyMasterRow maps the INSTRUMENT column directly to a
// SecurityType/Segment pair. spec.md's master schema already unifies
// what the original Python derived from two columns (SEM_SEGMENT and
// SEM_EXCH_INSTRUMENT_TYPE/SEM_INSTRUMENT_NAME).
func classifyMasterRow(instrument string) (domain.SecurityType, domain.Segment) {
	switch instrument {
	case "INDEX":
		return domain.SecurityTypeIndex, domain.SegmentIndex
	case "FUTSTK", "FUTIDX":
		return domain.SecurityTypeDerivative, domain.SegmentDerivative
	default:
		return domain.SecurityTypeStock, domain.SegmentEquity
	}
}

type derivativeFlags struct {
	hasFutures bool
	hasOptions bool
}

// ImportFromMaster implements spec.md §4.8.2: download the master file,
// filter to supported exchanges and instrument kinds, validate and
// transform each row, and bulk-upsert instruments. Derivative rows are
// additionally handed to ProcessFuturesBatch to build their Future
// relationships, and the "derivative flags rule" is applied: every
// underlying referenced by a derivative row gets has_futures set.
func (s *Service) ImportFromMaster(ctx context.Context) (MasterImportStats, error) {
	var stats MasterImportStats
	if s.master == nil {
		return stats, fmt.Errorf("import from master: no master fetcher configured")
	}

	body, err := s.master.FetchMaster(ctx)
	if err != nil {
		return stats, fmt.Errorf("fetch master: %w", err)
	}
	defer body.Close()

	rows, err := readMasterRows(body)
	if err != nil {
		return stats, err
	}
	stats.Downloaded = len(rows)

	supported := make(map[string]bool, len(s.supportedExchanges))
	for _, ex := range s.supportedExchanges {
		supported[ex] = true
	}

	derivFlags := make(map[string]*derivativeFlags)
	var futureRows []masterRow

	for _, row := range rows {
		if len(supported) > 0 && !supported[row.ExchangeCode] {
			continue
		}
		if !supportedInstrumentKinds[row.Instrument] {
			continue
		}
		stats.Filtered++

		if err := validateMasterRow(row); err != nil {
			stats.Errors++
			s.log.Warn().Err(err).Str("symbol", masterSymbol(row)).Msg("skipping invalid master row")
			continue
		}

		securityType, segment := classifyMasterRow(row.Instrument)

		if securityType == domain.SecurityTypeDerivative {
			futureRows = append(futureRows, row)
			if row.UnderlyingSymbol != "" {
				flags := derivFlags[row.UnderlyingSymbol]
				if flags == nil {
					flags = &derivativeFlags{}
					derivFlags[row.UnderlyingSymbol] = flags
				}
				flags.hasFutures = true
			}
		}

		ex, err := s.EnsureExchange(ctx, domain.Exchange{
			Code: row.ExchangeCode, Name: row.ExchangeCode, Timezone: "Asia/Kolkata", IsActive: true,
		})
		if err != nil {
			stats.Errors++
			s.log.Warn().Err(err).Str("exchange", row.ExchangeCode).Msg("failed to ensure exchange for master row")
			continue
		}

		externalID, _ := strconv.ParseInt(row.SecurityID, 10, 64)
		symbol := masterSymbol(row)

		existing, _ := s.GetInstrumentBySymbol(ctx, row.ExchangeCode, symbol)
		inst := domain.Instrument{
			ExchangeID:   ex.ID,
			ExternalID:   externalID,
			Symbol:       symbol,
			Name:         row.DisplayName,
			SecurityType: securityType,
			Segment:      segment,
			ISIN:         row.ISIN,
			LotSize:      atoiDefault(row.LotSize, 1),
			TickSize:     atofDefault(row.TickSize, 0.05),
			IsActive:     true,
			IsTradeable:  securityType != domain.SecurityTypeDerivative,
		}

		if _, err := s.UpsertInstrument(ctx, inst); err != nil {
			stats.Errors++
			s.log.Warn().Err(err).Str("symbol", symbol).Msg("failed to upsert instrument from master row")
			continue
		}
		if existing != nil {
			stats.Updated++
		} else {
			stats.Created++
		}
	}

	for symbol, flags := range derivFlags {
		if err := s.applyDerivativeFlags(ctx, symbol, flags); err != nil {
			s.log.Warn().Err(err).Str("underlying_symbol", symbol).Msg("failed to apply derivative flags")
		}
	}

	if len(futureRows) > 0 {
		futStats, err := s.ProcessFuturesBatch(ctx, futureRows)
		if err != nil {
			return stats, fmt.Errorf("process futures batch: %w", err)
		}
		s.log.Info().
			Int("processed", futStats.Processed).Int("created", futStats.Created).
			Int("updated", futStats.Updated).Int("skipped", futStats.Skipped).
			Int("errors", futStats.Errors).
			Msg("futures relationships processed")
	}

	return stats, nil
}

// applyDerivativeFlags sets has_futures/has_options on the underlying
// identified by symbol, leaving any already-true flag untouched.
// Derivatives themselves never carry these flags -- only the
// underlying's own row is looked up and rewritten here.
func (s *Service) applyDerivativeFlags(ctx context.Context, underlyingSymbol string, flags *derivativeFlags) error {
	inst, err := s.GetInstrumentBySymbol(ctx, "", underlyingSymbol)
	if err != nil {
		return err
	}
	if inst == nil {
		return nil
	}
	if inst.HasFutures == flags.hasFutures && inst.HasOptions == flags.hasOptions {
		return nil
	}
	inst.HasFutures = inst.HasFutures || flags.hasFutures
	inst.HasOptions = inst.HasOptions || flags.hasOptions
	_, err = s.UpsertInstrument(ctx, *inst)
	return err
}

// ProcessFuturesBatch implements spec.md §4.8.3. It builds a scope-local
// read-through cache of active equities/indices (the one caching
// exception spec.md §5 permits), then for each derivative row resolves
// its underlying in priority order -- UNDERLYING_SECURITY_ID, exact
// symbol, known index aliases -- skipping (not erroring on) rows with
// no resolvable underlying, and upserts the resulting Future. The
// resolved underlying gets has_futures set if it did not have it yet.
func (s *Service) ProcessFuturesBatch(ctx context.Context, rows []masterRow) (FuturesImportStats, error) {
	var stats FuturesImportStats
	if len(rows) == 0 {
		return stats, nil
	}

	equities, err := s.ListActiveInstruments(ctx, domain.SegmentEquity)
	if err != nil {
		return stats, fmt.Errorf("list active equities for futures cache: %w", err)
	}
	indices, err := s.ListActiveInstruments(ctx, domain.SegmentIndex)
	if err != nil {
		return stats, fmt.Errorf("list active indices for futures cache: %w", err)
	}

	bySymbol := make(map[string]domain.Instrument, len(equities)+len(indices))
	byExternalID := make(map[string]domain.Instrument, len(equities)+len(indices))
	for _, inst := range equities {
		bySymbol[inst.Symbol] = inst
		byExternalID[strconv.FormatInt(inst.ExternalID, 10)] = inst
	}
	for _, inst := range indices {
		bySymbol[inst.Symbol] = inst
		byExternalID[strconv.FormatInt(inst.ExternalID, 10)] = inst
	}

	for _, row := range rows {
		stats.Processed++

		derivative, err := s.GetInstrumentBySymbol(ctx, row.ExchangeCode, masterSymbol(row))
		if err != nil {
			stats.Errors++
			continue
		}
		if derivative == nil {
			stats.Skipped++
			continue
		}

		underlying, ok := lookupUnderlying(row, bySymbol, byExternalID)
		if !ok {
			stats.Skipped++
			continue
		}

		expiry, ok := parseExpiryDate(row.ExpiryDate)
		if !ok {
			stats.Skipped++
			continue
		}

		settlement := domain.SettlementPhysical
		if strings.HasPrefix(row.Instrument, "FUTIDX") {
			settlement = domain.SettlementCash
		}

		fut := domain.Future{
			InstrumentID:   derivative.ID,
			UnderlyingID:   underlying.ID,
			ExpirationDate: expiry,
			ContractMonth:  domain.ContractMonth(strings.ToUpper(expiry.Format("Jan"))),
			SettlementType: settlement,
			ContractSize:   1,
			LotSize:        atoiDefault(row.LotSize, 1),
			IsActive:       true,
		}

		existing, _ := s.futureExists(ctx, underlying.ID.String(), fut.ContractMonth, expiry, settlement)
		if _, err := s.UpsertFuture(ctx, fut); err != nil {
			stats.Errors++
			s.log.Warn().Err(err).Str("symbol", masterSymbol(row)).Msg("failed to upsert future from master row")
			continue
		}
		if !underlying.HasFutures {
			underlying.HasFutures = true
			if _, err := s.UpsertInstrument(ctx, underlying); err != nil {
				s.log.Warn().Err(err).Str("underlying_symbol", underlying.Symbol).Msg("failed to set has_futures on underlying")
			} else {
				bySymbol[underlying.Symbol] = underlying
				byExternalID[strconv.FormatInt(underlying.ExternalID, 10)] = underlying
			}
		}
		if existing {
			stats.Updated++
		} else {
			stats.Created++
		}
	}

	return stats, nil
}

func (s *Service) futureExists(ctx context.Context, underlyingID string, month domain.ContractMonth, expiry time.Time, settlement domain.SettlementType) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM futures
		WHERE underlying_id = ? AND contract_month = ? AND expiration_date = ? AND settlement_type = ?
	`, underlyingID, string(month), expiry.Unix(), string(settlement)).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// lookupUnderlying implements spec.md §4.8.3's lookup priority:
// (a) UNDERLYING_SECURITY_ID against the external-id cache,
// (b) exact UNDERLYING_SYMBOL against the symbol cache,
// (c) known index aliases.
func lookupUnderlying(row masterRow, bySymbol, byExternalID map[string]domain.Instrument) (domain.Instrument, bool) {
	if row.UnderlyingSecurityID != "" {
		if inst, ok := byExternalID[row.UnderlyingSecurityID]; ok {
			return inst, true
		}
	}
	if row.UnderlyingSymbol != "" {
		if inst, ok := bySymbol[row.UnderlyingSymbol]; ok {
			return inst, true
		}
		for _, alias := range indexAliases[row.UnderlyingSymbol] {
			if inst, ok := bySymbol[alias]; ok {
				return inst, true
			}
		}
	}
	return domain.Instrument{}, false
}

// parseExpiryDate parses SM_EXPIRY_DATE, accepting either a bare date or
// a date with a time-of-day suffix -- grounded on the original's
// parse_expiry_date, which saw both forms from upstream.
func parseExpiryDate(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	datePart := s
	if i := strings.IndexByte(s, ' '); i >= 0 {
		datePart = s[:i]
	}
	t, err := time.Parse("2006-01-02", datePart)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// atoiDefault safe-converts a master-file numeric field, tolerating the
// occasional float-formatted integer upstream sends (e.g. "650.0") --
// grounded on the original's safe_int_conversion.
func atoiDefault(s string, def int) int {
	if s == "" {
		return def
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return def
	}
	return int(f)
}

func atofDefault(s string, def float64) float64 {
	if s == "" {
		return def
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return def
	}
	return f
}
