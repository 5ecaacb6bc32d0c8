// Package fetcher implements the chunked sequential fetcher (C6): the
// throughput- and memory-sensitive center of the ingestion pipeline.
// Instruments are processed in fixed-size chunks, never parallel, so the
// only concurrency in the system is the single upstream rate limiter --
// this keeps in-flight row buffers and upstream burst rate both bounded
// regardless of how many instruments are queued.
package fetcher

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/quantpulse/internal/domain"
	"github.com/aristath/quantpulse/internal/parser"
	"github.com/aristath/quantpulse/internal/utils"
)

// earlyFlushThreshold forces a flush mid-chunk when the in-flight row
// buffer grows past this many rows, independent of chunk boundaries.
const earlyFlushThreshold = 50_000

// interChunkPause lets the database and runtime catch up between chunks.
const interChunkPause = time.Second

// DefaultChunkSize is used when the caller passes chunkSize <= 0.
const DefaultChunkSize = 10

// ProgressFunc is invoked with the running count of processed instruments
// and the total number of instruments in the run: after each instrument
// by FetchHistorical, after each chunk by FetchTodayEOD.
type ProgressFunc func(processed, total int)

// Result reports the outcome of one fetch run.
type Result struct {
	Processed       int
	Successful      int
	Failed          int
	RecordsInserted int
	Duration        time.Duration
	FailedInstruments map[string]string
}

// RecordsPerSecond is a derived throughput metric; zero duration yields 0.
func (r Result) RecordsPerSecond() float64 {
	if r.Duration <= 0 {
		return 0
	}
	return float64(r.RecordsInserted) / r.Duration.Seconds()
}

// Fetcher wires the upstream client, parser, OHLCV store and progress
// tracker together into the chunked ingestion algorithm.
type Fetcher struct {
	upstream  domain.UpstreamClient
	parser    *parser.Parser
	store     domain.OHLCVStore
	progress  domain.ProgressStore
	chunkSize int
	bulkSize  int
	source    string
	log       zerolog.Logger
}

// New builds a Fetcher. chunkSize <= 0 falls back to DefaultChunkSize.
func New(upstream domain.UpstreamClient, p *parser.Parser, store domain.OHLCVStore, progress domain.ProgressStore, chunkSize, bulkSize int, source string, log zerolog.Logger) *Fetcher {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	if bulkSize <= 0 {
		bulkSize = 1000
	}
	return &Fetcher{
		upstream: upstream, parser: p, store: store, progress: progress,
		chunkSize: chunkSize, bulkSize: bulkSize, source: source,
		log: log.With().Str("component", "fetcher").Logger(),
	}
}

// FetchHistorical pulls and persists the full date range for every
// instrument, in the order given, chunkSize instruments at a time.
func (f *Fetcher) FetchHistorical(ctx context.Context, instruments []domain.Instrument, from, to time.Time, onProgress ProgressFunc) (Result, error) {
	start := time.Now()
	result := Result{FailedInstruments: make(map[string]string)}

	for chunkStart := 0; chunkStart < len(instruments); chunkStart += f.chunkSize {
		chunkEnd := chunkStart + f.chunkSize
		if chunkEnd > len(instruments) {
			chunkEnd = len(instruments)
		}
		chunk := instruments[chunkStart:chunkEnd]

		if err := f.runHistoricalChunk(ctx, chunk, from, to, &result, onProgress, len(instruments)); err != nil {
			return result, err
		}

		runtime.GC()
		if chunkEnd < len(instruments) {
			time.Sleep(interChunkPause)
		}
	}

	result.Duration = time.Since(start)
	f.log.Info().
		Int("processed", result.Processed).
		Int("successful", result.Successful).
		Int("failed", result.Failed).
		Int("records_inserted", result.RecordsInserted).
		Dur("duration", result.Duration).
		Msg("historical fetch run complete")
	return result, nil
}

func (f *Fetcher) runHistoricalChunk(ctx context.Context, chunk []domain.Instrument, from, to time.Time, result *Result, onProgress ProgressFunc, total int) error {
	var buffer []domain.OHLCVBar
	successes := make([]string, 0, len(chunk))
	failures := make(map[string]string)

	flush := func() error {
		if len(buffer) == 0 {
			return nil
		}
		done := utils.MeasureDBQuery("historical_bulk_upsert", f.log)
		n, err := f.store.BulkUpsert(ctx, buffer, f.bulkSize)
		done(int64(n))
		if err != nil {
			return fmt.Errorf("bulk upsert: %w", err)
		}
		result.RecordsInserted += n
		buffer = buffer[:0]
		return nil
	}

	for _, inst := range chunk {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		result.Processed++
		bars, err := f.upstream.FetchHistorical(ctx, inst.ExternalID, inst.SecurityType, from, to)
		if err != nil {
			failures[inst.ID.String()] = err.Error()
			result.Failed++
			result.FailedInstruments[inst.ID.String()] = err.Error()
			if onProgress != nil {
				onProgress(result.Processed, total)
			}
			continue
		}

		rows, err := f.parser.ParseHistorical(inst.ID.String(), bars, f.source)
		if err != nil {
			failures[inst.ID.String()] = err.Error()
			result.Failed++
			result.FailedInstruments[inst.ID.String()] = err.Error()
			if onProgress != nil {
				onProgress(result.Processed, total)
			}
			continue
		}

		buffer = append(buffer, rows...)
		successes = append(successes, inst.ID.String())
		result.Successful++

		if len(buffer) > earlyFlushThreshold {
			if err := flush(); err != nil {
				return err
			}
		}
		if onProgress != nil {
			onProgress(result.Processed, total)
		}
	}

	if err := flush(); err != nil {
		return err
	}

	now := time.Now()
	for _, id := range successes {
		if err := f.progress.MarkSuccess(ctx, id, now, true); err != nil {
			f.log.Warn().Err(err).Str("instrument_id", id).Msg("failed to mark fetch success")
		}
	}
	for id, msg := range failures {
		if err := f.progress.MarkFailed(ctx, id, msg); err != nil {
			f.log.Warn().Err(err).Str("instrument_id", id).Msg("failed to mark fetch failure")
		}
	}

	return nil
}

// FetchTodayEOD pulls and persists today's end-of-day bar for every
// instrument in chunkSize batches of external IDs per upstream call.
// Every call is made under the one given segment, since the upstream EOD
// endpoint is segment-scoped; instruments are not grouped by segment here.
func (f *Fetcher) FetchTodayEOD(ctx context.Context, instruments []domain.Instrument, segment domain.Segment, loc *time.Location, onProgress ProgressFunc) (Result, error) {
	start := time.Now()
	result := Result{FailedInstruments: make(map[string]string)}

	externalToID := make(map[int64]string, len(instruments))
	for _, inst := range instruments {
		externalToID[inst.ExternalID] = inst.ID.String()
	}

	for chunkStart := 0; chunkStart < len(instruments); chunkStart += f.chunkSize {
		chunkEnd := chunkStart + f.chunkSize
		if chunkEnd > len(instruments) {
			chunkEnd = len(instruments)
		}
		chunk := instruments[chunkStart:chunkEnd]

		ids := make([]int64, len(chunk))
		for i, inst := range chunk {
			ids[i] = inst.ExternalID
		}

		result.Processed += len(chunk)
		bars, err := f.upstream.FetchTodayEOD(ctx, ids, segment)
		if err != nil {
			for _, inst := range chunk {
				result.Failed++
				result.FailedInstruments[inst.ID.String()] = err.Error()
			}
			if err := f.markChunkFailed(ctx, chunk, err.Error()); err != nil {
				return result, err
			}
			if onProgress != nil {
				onProgress(result.Processed, len(instruments))
			}
			continue
		}

		rows, err := f.parser.ParseTodayEOD(bars, externalToID, loc, f.source)
		if err != nil {
			return result, fmt.Errorf("parse eod chunk: %w", err)
		}

		if len(rows) > 0 {
			n, err := f.store.BulkUpsert(ctx, rows, f.bulkSize)
			if err != nil {
				return result, fmt.Errorf("bulk upsert eod: %w", err)
			}
			result.RecordsInserted += n
		}

		now := time.Now()
		for _, inst := range chunk {
			if _, ok := bars[inst.ExternalID]; ok {
				result.Successful++
				if err := f.progress.MarkSuccess(ctx, inst.ID.String(), now, false); err != nil {
					f.log.Warn().Err(err).Str("instrument_id", inst.ID.String()).Msg("failed to mark eod success")
				}
			} else {
				result.Failed++
				if err := f.progress.MarkFailed(ctx, inst.ID.String(), "no eod row returned"); err != nil {
					f.log.Warn().Err(err).Str("instrument_id", inst.ID.String()).Msg("failed to mark eod failure")
				}
			}
		}

		if onProgress != nil {
			onProgress(result.Processed, len(instruments))
		}

		runtime.GC()
		if chunkEnd < len(instruments) {
			time.Sleep(interChunkPause)
		}
	}

	result.Duration = time.Since(start)
	return result, nil
}

func (f *Fetcher) markChunkFailed(ctx context.Context, chunk []domain.Instrument, msg string) error {
	for _, inst := range chunk {
		if err := f.progress.MarkFailed(ctx, inst.ID.String(), msg); err != nil {
			return fmt.Errorf("mark failed for %s: %w", inst.ID, err)
		}
	}
	return nil
}
