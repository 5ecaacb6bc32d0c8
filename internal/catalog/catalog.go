// Package catalog implements the instrument catalog service (C8):
// exchanges, instruments and their derivative contracts, using the
// get-or-create / upsert idiom the original security_repository.go and
// security_setup_service.go used for the same job.
package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/aristath/quantpulse/internal/database"
	"github.com/aristath/quantpulse/internal/domain"
)

// Service implements domain.CatalogStore, plus the master-file import
// operations (ImportFromMaster, ProcessFuturesBatch) an operator-triggered
// C8 import job calls.
type Service struct {
	db                 *database.DB
	master             domain.MasterFetcher
	supportedExchanges []string
	log                zerolog.Logger
}

// New builds a catalog Service. master may be nil for callers that never
// invoke ImportFromMaster (e.g. tests exercising only the upsert
// primitives). supportedExchanges filters which EXCH_ID values
// ImportFromMaster accepts from the master file.
func New(db *database.DB, master domain.MasterFetcher, supportedExchanges []string, log zerolog.Logger) *Service {
	return &Service{
		db:                 db,
		master:             master,
		supportedExchanges: supportedExchanges,
		log:                log.With().Str("component", "catalog").Logger(),
	}
}

// EnsureExchange inserts the exchange if its code is not already known,
// otherwise returns the existing row unchanged -- exchanges are
// effectively immutable reference data once seeded.
func (s *Service) EnsureExchange(ctx context.Context, ex domain.Exchange) (domain.Exchange, error) {
	existing, err := s.getExchangeByCode(ctx, ex.Code)
	if err != nil {
		return domain.Exchange{}, err
	}
	if existing != nil {
		return *existing, nil
	}

	if ex.ID == uuid.Nil {
		ex.ID = uuid.New()
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO exchanges (id, code, name, country, timezone, currency,
			trading_hours_start, trading_hours_end, is_active)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, ex.ID.String(), ex.Code, ex.Name, ex.Country, ex.Timezone, ex.Currency,
		ex.TradingHoursStart, ex.TradingHoursEnd, boolToInt(ex.IsActive))
	if err != nil {
		return domain.Exchange{}, fmt.Errorf("insert exchange %s: %w", ex.Code, err)
	}

	return ex, nil
}

func (s *Service) getExchangeByCode(ctx context.Context, code string) (*domain.Exchange, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, code, name, country, timezone, currency, trading_hours_start, trading_hours_end, is_active
		FROM exchanges WHERE code = ?
	`, code)

	var ex domain.Exchange
	var isActive int
	err := row.Scan(&ex.ID, &ex.Code, &ex.Name, &ex.Country, &ex.Timezone, &ex.Currency,
		&ex.TradingHoursStart, &ex.TradingHoursEnd, &isActive)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query exchange %s: %w", code, err)
	}
	ex.IsActive = isActive != 0
	return &ex, nil
}

// UpsertInstrument inserts or updates an instrument row. Per spec.md
// §4.8's conflict resolution rule, the business unique key is
// (exchange_id, symbol); on conflict it refreshes name, classification,
// segment, is_active, updated_at (sector/industry always overwrite too,
// matching MetadataEnricher's always-refresh semantics) and preserves
// created_at. external_id is a second unique constraint: if the
// (exchange_id, symbol) insert fails because an existing row already
// holds this external_id under a different symbol, retry against that
// alternate key -- grounded on the original securities_import_db.py's
// try/except fallback-constraint retry.
func (s *Service) UpsertInstrument(ctx context.Context, inst domain.Instrument) (domain.Instrument, error) {
	if inst.ID == uuid.Nil {
		inst.ID = uuid.New()
	}
	now := time.Now()
	if inst.CreatedAt.IsZero() {
		inst.CreatedAt = now
	}
	inst.UpdatedAt = now

	args := []interface{}{
		inst.ID.String(), inst.ExchangeID.String(), inst.ExternalID, inst.Symbol, inst.Name,
		string(inst.SecurityType), string(inst.Segment), inst.ISIN, inst.Sector, inst.Industry,
		inst.LotSize, inst.TickSize, boolToInt(inst.IsActive), boolToInt(inst.IsTradeable),
		boolToInt(inst.IsDerivativesEligible), boolToInt(inst.HasOptions), boolToInt(inst.HasFutures),
		inst.CreatedAt.Unix(), inst.UpdatedAt.Unix(),
	}

	execErr := s.execInstrumentUpsert(ctx, "exchange_id, symbol", args)
	if execErr != nil && isUniqueConstraintViolation(execErr) {
		execErr = s.execInstrumentUpsert(ctx, "exchange_id, external_id", args)
	}
	if execErr != nil {
		return domain.Instrument{}, fmt.Errorf("upsert instrument %s: %w", inst.Symbol, execErr)
	}

	return inst, nil
}

func (s *Service) execInstrumentUpsert(ctx context.Context, conflictTarget string, args []interface{}) error {
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO instruments (id, exchange_id, external_id, symbol, name, security_type, segment,
			isin, sector, industry, lot_size, tick_size, is_active, is_tradeable,
			is_derivatives_eligible, has_options, has_futures, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(%s) DO UPDATE SET
			symbol = excluded.symbol,
			name = excluded.name,
			security_type = excluded.security_type,
			segment = excluded.segment,
			sector = excluded.sector,
			industry = excluded.industry,
			is_active = excluded.is_active,
			is_tradeable = excluded.is_tradeable,
			has_options = excluded.has_options,
			has_futures = excluded.has_futures,
			updated_at = excluded.updated_at
	`, conflictTarget), args...)
	return err
}

// UpsertFuture inserts or updates a derivative contract row. Per
// spec.md §3/§4.8.3, the business key is (underlying_id, contract_month,
// expiration_date, settlement_type) -- a single underlying can carry
// more than one contract month at once, so instrument_id alone cannot
// be the conflict target. instrument_id remains a second unique
// constraint (one Future per DERIVATIVE instrument); retry against it
// if the first insert conflicts on something else.
func (s *Service) UpsertFuture(ctx context.Context, fut domain.Future) (domain.Future, error) {
	if fut.ID == uuid.Nil {
		fut.ID = uuid.New()
	}

	var prevID, nextID interface{}
	if fut.PreviousContractID != nil {
		prevID = fut.PreviousContractID.String()
	}
	if fut.NextContractID != nil {
		nextID = fut.NextContractID.String()
	}

	args := []interface{}{
		fut.ID.String(), fut.InstrumentID.String(), fut.UnderlyingID.String(), fut.ExpirationDate.Unix(),
		string(fut.ContractMonth), string(fut.SettlementType), fut.ContractSize, fut.LotSize,
		boolToInt(fut.IsActive), prevID, nextID,
	}

	err := s.execFutureUpsert(ctx, "underlying_id, contract_month, expiration_date, settlement_type", args)
	if err != nil && isUniqueConstraintViolation(err) {
		err = s.execFutureUpsert(ctx, "instrument_id", args)
	}
	if err != nil {
		return domain.Future{}, fmt.Errorf("upsert future for instrument %s: %w", fut.InstrumentID, err)
	}

	return fut, nil
}

func (s *Service) execFutureUpsert(ctx context.Context, conflictTarget string, args []interface{}) error {
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO futures (id, instrument_id, underlying_id, expiration_date, contract_month,
			settlement_type, contract_size, lot_size, is_active, previous_contract_id, next_contract_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(%s) DO UPDATE SET
			expiration_date = excluded.expiration_date,
			contract_size = excluded.contract_size,
			lot_size = excluded.lot_size,
			is_active = excluded.is_active,
			next_contract_id = excluded.next_contract_id
	`, conflictTarget), args...)
	return err
}

// isUniqueConstraintViolation reports whether err failed a different
// unique index than the one just targeted, meaning the caller should
// retry the upsert against its alternate unique key.
func isUniqueConstraintViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint")
}

// GetInstrumentBySymbol looks up an instrument by symbol, optionally
// scoped to an exchange code (empty string matches any exchange).
func (s *Service) GetInstrumentBySymbol(ctx context.Context, exchangeCode, symbol string) (*domain.Instrument, error) {
	var row *sql.Row
	if exchangeCode == "" {
		row = s.db.QueryRowContext(ctx, instrumentSelectColumns+" FROM instruments WHERE symbol = ?", symbol)
	} else {
		row = s.db.QueryRowContext(ctx, instrumentSelectColumns+`
			FROM instruments
			WHERE symbol = ? AND exchange_id = (SELECT id FROM exchanges WHERE code = ?)
		`, symbol, exchangeCode)
	}
	return scanInstrument(row)
}

// GetInstrumentByISIN looks up an instrument by ISIN.
func (s *Service) GetInstrumentByISIN(ctx context.Context, isin string) (*domain.Instrument, error) {
	row := s.db.QueryRowContext(ctx, instrumentSelectColumns+" FROM instruments WHERE isin = ?", isin)
	return scanInstrument(row)
}

// ListActiveInstruments returns active instruments for a segment.
func (s *Service) ListActiveInstruments(ctx context.Context, segment domain.Segment) ([]domain.Instrument, error) {
	rows, err := s.db.QueryContext(ctx, instrumentSelectColumns+`
		FROM instruments WHERE segment = ? AND is_active = 1
	`, string(segment))
	if err != nil {
		return nil, fmt.Errorf("list active instruments: %w", err)
	}
	defer rows.Close()

	var out []domain.Instrument
	for rows.Next() {
		inst, err := scanInstrumentRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *inst)
	}
	return out, rows.Err()
}

// MarkExpiredInactive marks DERIVATIVE instruments whose futures row has
// expired as of asOf as inactive, returning the number of rows changed.
func (s *Service) MarkExpiredInactive(ctx context.Context, asOf time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE instruments SET is_active = 0, updated_at = ?
		WHERE id IN (
			SELECT instrument_id FROM futures WHERE expiration_date < ? AND is_active = 1
		)
	`, time.Now().Unix(), asOf.Unix())
	if err != nil {
		return 0, fmt.Errorf("mark expired instruments inactive: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, `
		UPDATE futures SET is_active = 0 WHERE expiration_date < ?
	`, asOf.Unix()); err != nil {
		return 0, fmt.Errorf("mark expired futures inactive: %w", err)
	}

	n, _ := res.RowsAffected()
	return int(n), nil
}

// UpdateDerivativesEligibility implements spec.md §4.8.5: for every
// underlying referenced by an active Future, set the underlying's
// has_futures=true. Returns the number of underlyings flipped.
func (s *Service) UpdateDerivativesEligibility(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE instruments SET has_futures = 1, updated_at = ?
		WHERE has_futures = 0 AND id IN (
			SELECT DISTINCT underlying_id FROM futures WHERE is_active = 1
		)
	`, time.Now().Unix())
	if err != nil {
		return 0, fmt.Errorf("update derivatives eligibility: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

const instrumentSelectColumns = `
	SELECT id, exchange_id, external_id, symbol, name, security_type, segment, isin, sector,
		industry, lot_size, tick_size, is_active, is_tradeable, is_derivatives_eligible,
		has_options, has_futures, created_at, updated_at
`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanInstrument(row rowScanner) (*domain.Instrument, error) {
	inst, err := scanInstrumentInto(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan instrument: %w", err)
	}
	return inst, nil
}

func scanInstrumentRows(row rowScanner) (*domain.Instrument, error) {
	inst, err := scanInstrumentInto(row)
	if err != nil {
		return nil, fmt.Errorf("scan instrument row: %w", err)
	}
	return inst, nil
}

func scanInstrumentInto(row rowScanner) (*domain.Instrument, error) {
	var inst domain.Instrument
	var securityType, segment string
	var isActive, isTradeable, isDerivEligible, hasOptions, hasFutures int
	var createdAt, updatedAt int64

	if err := row.Scan(&inst.ID, &inst.ExchangeID, &inst.ExternalID, &inst.Symbol, &inst.Name,
		&securityType, &segment, &inst.ISIN, &inst.Sector, &inst.Industry, &inst.LotSize,
		&inst.TickSize, &isActive, &isTradeable, &isDerivEligible, &hasOptions, &hasFutures,
		&createdAt, &updatedAt); err != nil {
		return nil, err
	}

	inst.SecurityType = domain.SecurityType(securityType)
	inst.Segment = domain.Segment(segment)
	inst.IsActive = isActive != 0
	inst.IsTradeable = isTradeable != 0
	inst.IsDerivativesEligible = isDerivEligible != 0
	inst.HasOptions = hasOptions != 0
	inst.HasFutures = hasFutures != 0
	inst.CreatedAt = time.Unix(createdAt, 0).UTC()
	inst.UpdatedAt = time.Unix(updatedAt, 0).UTC()

	return &inst, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
