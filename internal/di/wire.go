// Package di assembles the ingestion pipeline's components (C1-C10) plus
// the ambient HTTP surface into one running App, following the flat
// constructor-injection wiring the teacher's own cmd/server bootstrap used
// rather than a framework/container.
package di

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/aristath/quantpulse/internal/catalog"
	"github.com/aristath/quantpulse/internal/config"
	"github.com/aristath/quantpulse/internal/database"
	"github.com/aristath/quantpulse/internal/domain"
	"github.com/aristath/quantpulse/internal/fetcher"
	"github.com/aristath/quantpulse/internal/ohlcvstore"
	"github.com/aristath/quantpulse/internal/orchestrator"
	"github.com/aristath/quantpulse/internal/parser"
	"github.com/aristath/quantpulse/internal/progress"
	"github.com/aristath/quantpulse/internal/ratelimiter"
	"github.com/aristath/quantpulse/internal/scheduler"
	"github.com/aristath/quantpulse/internal/sectorenrich"
	"github.com/aristath/quantpulse/internal/server"
	"github.com/aristath/quantpulse/internal/taskstore"
	"github.com/aristath/quantpulse/internal/upstream"
	"github.com/aristath/quantpulse/internal/weeklyagg"
	"github.com/aristath/quantpulse/internal/work"
)

// App bundles every wired component the process needs to run the
// ingestion pipeline and serve its ambient HTTP surface.
type App struct {
	Config *config.Config
	Log    zerolog.Logger

	CatalogDB *database.DB
	OHLCVDB   *database.DB
	TasksDB   *database.DB
	Redis     *redis.Client

	RateLimiter  *ratelimiter.Limiter
	Upstream     *upstream.Client
	Parser       *parser.Parser
	OHLCVStore   *ohlcvstore.Store
	Progress     *progress.Tracker
	Catalog      *catalog.Service
	Fetcher      *fetcher.Fetcher
	WeeklyAgg    *weeklyagg.Aggregator
	SectorEnrich *sectorenrich.Enricher
	TaskStore    *taskstore.Store
	Orchestrator *orchestrator.Orchestrator
	Scheduler    *scheduler.Scheduler
	Server       *server.Server
}

// Build wires every component from cfg. It opens the three SQLite
// databases (catalog, ohlcv, tasks) and the shared Redis connection, so
// callers must call Close when done.
func Build(cfg *config.Config, log zerolog.Logger) (*App, error) {
	catalogDB, err := openDB(cfg, "catalog")
	if err != nil {
		return nil, fmt.Errorf("open catalog db: %w", err)
	}
	ohlcvDB, err := openDB(cfg, "ohlcv")
	if err != nil {
		return nil, fmt.Errorf("open ohlcv db: %w", err)
	}
	tasksDB, err := openDB(cfg, "tasks")
	if err != nil {
		return nil, fmt.Errorf("open tasks db: %w", err)
	}

	redisOpts, err := redis.ParseURL(cfg.SharedStateURL)
	if err != nil {
		return nil, fmt.Errorf("parse SHARED_STATE_URL: %w", err)
	}
	rdb := redis.NewClient(redisOpts)

	limiter := ratelimiter.New(rdb, "quantpulse:upstream", cfg.RateLimitRPS, log)
	upstreamClient := upstream.NewClient(
		cfg.UpstreamAccessToken,
		cfg.UpstreamClientID,
		cfg.UpstreamHistoricalURL,
		cfg.UpstreamEODURL,
		cfg.UpstreamHistoricalURL, // sector lookup shares the upstream's master-data host
		cfg.UpstreamMasterURL,
		limiter,
		log,
	)

	p := parser.New(log)
	store := ohlcvstore.New(ohlcvDB, log)
	progressTracker := progress.New(ohlcvDB, log)
	catalogSvc := catalog.New(catalogDB, upstreamClient, cfg.SupportedExchanges, log)

	f := fetcher.New(upstreamClient, p, store, progressTracker, cfg.OHLCVChunkSize, cfg.OHLCVBulkInsertSize, "upstream", log)
	weekly := weeklyagg.New(store, cfg.WeeklyBatchSize, cfg.WeeklyMaxWorkers, log)
	enricher := sectorenrich.New(catalogSvc, upstreamClient, sectorenrich.DefaultWorkers, log)

	tasks := taskstore.New(tasksDB, log)
	orch := orchestrator.New(tasks, cfg.Location(), log)
	sched := scheduler.New(orch, cfg.Location(), log)

	srv := server.New(server.Config{
		Port:      cfg.HTTPPort,
		Log:       log,
		CatalogDB: catalogDB,
		TasksDB:   tasksDB,
		TaskStore: tasks,
		DevMode:   cfg.DevMode,
	})

	return &App{
		Config:       cfg,
		Log:          log,
		CatalogDB:    catalogDB,
		OHLCVDB:      ohlcvDB,
		TasksDB:      tasksDB,
		Redis:        rdb,
		RateLimiter:  limiter,
		Upstream:     upstreamClient,
		Parser:       p,
		OHLCVStore:   store,
		Progress:     progressTracker,
		Catalog:      catalogSvc,
		Fetcher:      f,
		WeeklyAgg:    weekly,
		SectorEnrich: enricher,
		TaskStore:    tasks,
		Orchestrator: orch,
		Scheduler:    sched,
		Server:       srv,
	}, nil
}

func openDB(cfg *config.Config, name string) (*database.DB, error) {
	db, err := database.New(database.Config{
		Path:    cfg.DBURL + "/" + name + ".db",
		Profile: database.ProfileStandard,
		Name:    name,
	})
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(); err != nil {
		return nil, fmt.Errorf("migrate %s: %w", name, err)
	}
	return db, nil
}

// RegisterScheduledJobs wires the two C10 cron triggers (EOD sync and
// weekly aggregation) to their executing functions and activates them on
// the Scheduler.
func (a *App) RegisterScheduledJobs(marketCloseHHMM string) error {
	const eodWorkTypeID = "ohlcv:eod_sync"
	const weeklyWorkTypeID = "ohlcv:weekly_aggregate"

	a.Scheduler.RegisterJob(&work.WorkType{ID: eodWorkTypeID, Priority: work.PriorityCritical}, eodWorkTypeID, a.runEODSync)
	a.Scheduler.RegisterJob(&work.WorkType{ID: weeklyWorkTypeID, DependsOn: []string{eodWorkTypeID}, Priority: work.PriorityMedium}, weeklyWorkTypeID, a.runWeeklyAggregation)

	if err := a.Scheduler.ScheduleEODSync(marketCloseHHMM, eodWorkTypeID); err != nil {
		return fmt.Errorf("schedule eod sync: %w", err)
	}
	if err := a.Scheduler.ScheduleWeeklyAggregation(weeklyWorkTypeID); err != nil {
		return fmt.Errorf("schedule weekly aggregation: %w", err)
	}
	return nil
}

func (a *App) runEODSync(ctx context.Context) (map[string]interface{}, error) {
	instruments, err := a.Catalog.ListActiveInstruments(ctx, domain.SegmentEquity)
	if err != nil {
		return nil, fmt.Errorf("list active instruments: %w", err)
	}

	result, err := a.Fetcher.FetchTodayEOD(ctx, instruments, domain.SegmentEquity, a.Config.Location(), nil)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"processed":        float64(result.Processed),
		"successful":       float64(result.Successful),
		"failed":           float64(result.Failed),
		"records_inserted": float64(result.RecordsInserted),
	}, nil
}

func (a *App) runWeeklyAggregation(ctx context.Context) (map[string]interface{}, error) {
	instruments, err := a.Catalog.ListActiveInstruments(ctx, domain.SegmentEquity)
	if err != nil {
		return nil, fmt.Errorf("list active instruments: %w", err)
	}

	ids := make([]string, len(instruments))
	for i, inst := range instruments {
		ids[i] = inst.ID.String()
	}

	result, err := a.WeeklyAgg.Run(ctx, ids, 7)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"instruments_processed": float64(result.InstrumentsProcessed),
		"weeks_written":         float64(result.WeeksWritten),
	}, nil
}

// Close releases the databases and Redis connection.
func (a *App) Close() error {
	var firstErr error
	for _, c := range []interface{ Close() error }{a.CatalogDB, a.OHLCVDB, a.TasksDB} {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := a.Redis.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

