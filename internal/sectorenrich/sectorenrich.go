// Package sectorenrich implements the sector/industry enrichment job (C9):
// for active equities missing sector data, batch their ISINs to the
// upstream master-data lookup and write sector/industry back onto the
// catalog, grouped and parallelized per exchange the way the teacher's
// worker-pool jobs split work across independent partitions.
package sectorenrich

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/aristath/quantpulse/internal/domain"
)

const batchSize = 15

// DefaultWorkers is the number of exchanges processed concurrently when
// the caller does not override it.
const DefaultWorkers = 3

// Enricher orchestrates C9 against a CatalogStore and an upstream
// domain.SectorEnricher lookup client.
type Enricher struct {
	catalog domain.CatalogStore
	lookup  domain.SectorEnricher
	log     zerolog.Logger
	workers int
}

// New builds an Enricher. workers <= 0 falls back to DefaultWorkers.
func New(catalog domain.CatalogStore, lookup domain.SectorEnricher, workers int, log zerolog.Logger) *Enricher {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	return &Enricher{
		catalog: catalog,
		lookup:  lookup,
		workers: workers,
		log:     log.With().Str("component", "sector-enricher").Logger(),
	}
}

// Result summarizes one enrichment run.
type Result struct {
	Considered int
	Updated    int
	Skipped    int
	Failed     int
}

// Run enriches active EQUITY instruments. When forceRefresh is false,
// only instruments with an empty sector are considered; when true, every
// active equity with a non-empty ISIN is re-looked-up.
func (e *Enricher) Run(ctx context.Context, forceRefresh bool) (Result, error) {
	instruments, err := e.catalog.ListActiveInstruments(ctx, domain.SegmentEquity)
	if err != nil {
		return Result{}, fmt.Errorf("list active equities: %w", err)
	}

	byExchange := make(map[string][]domain.Instrument)
	var result Result
	for _, inst := range instruments {
		if inst.ISIN == "" {
			result.Skipped++
			continue
		}
		if !forceRefresh && inst.Sector != "" {
			result.Skipped++
			continue
		}
		result.Considered++
		key := inst.ExchangeID.String()
		byExchange[key] = append(byExchange[key], inst)
	}

	exchangeIDs := make([]string, 0, len(byExchange))
	for k := range byExchange {
		exchangeIDs = append(exchangeIDs, k)
	}

	var mu sync.Mutex
	var wg sync.WaitGroup
	sem := make(chan struct{}, e.workers)

	for _, exID := range exchangeIDs {
		group := byExchange[exID]
		wg.Add(1)
		sem <- struct{}{}
		go func(group []domain.Instrument) {
			defer wg.Done()
			defer func() { <-sem }()

			updated, failed := e.enrichGroup(ctx, group, &mu)
			mu.Lock()
			result.Updated += updated
			result.Failed += failed
			mu.Unlock()
		}(group)
	}
	wg.Wait()

	e.log.Info().
		Int("considered", result.Considered).
		Int("updated", result.Updated).
		Int("skipped", result.Skipped).
		Int("failed", result.Failed).
		Msg("sector enrichment run complete")

	return result, nil
}

// enrichGroup processes one exchange's instruments in batches of
// batchSize, serially within the group. mu is held around each catalog
// write so writes from concurrently running groups never overlap; the
// group's counts are returned and added to the shared result by Run.
func (e *Enricher) enrichGroup(ctx context.Context, instruments []domain.Instrument, mu *sync.Mutex) (updated, failed int) {
	for start := 0; start < len(instruments); start += batchSize {
		end := start + batchSize
		if end > len(instruments) {
			end = len(instruments)
		}
		batch := instruments[start:end]

		isins := make([]string, len(batch))
		byISIN := make(map[string]domain.Instrument, len(batch))
		for i, inst := range batch {
			isins[i] = inst.ISIN
			byISIN[inst.ISIN] = inst
		}

		info, err := e.lookup.Enrich(ctx, isins)
		if err != nil {
			e.log.Warn().Err(err).Int("batch_size", len(isins)).Msg("sector lookup batch failed")
			failed += len(isins)
			continue
		}

		for isin, inst := range byISIN {
			sec, ok := info[isin]
			if !ok {
				failed++
				continue
			}

			mu.Lock()
			inst.Sector = sec.Sector
			if sec.Industry != "" {
				inst.Industry = sec.Industry
			}
			_, err := e.catalog.UpsertInstrument(ctx, inst)
			mu.Unlock()

			if err != nil {
				e.log.Warn().Err(err).Str("isin", isin).Msg("failed to persist sector enrichment")
				failed++
				continue
			}
			updated++
		}
	}
	return updated, failed
}
