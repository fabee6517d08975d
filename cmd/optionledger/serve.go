package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"OptionLedger/internal/config"
	"OptionLedger/internal/core"
	"OptionLedger/internal/ingestion"
	"OptionLedger/internal/observability"
	"OptionLedger/internal/oracle"
	"OptionLedger/internal/persistence"
	"OptionLedger/internal/server"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

const replayPageSize = 1000

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the ledger: recover state, consume NATS, serve gRPC/HTTP",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	log := observability.NewLoggerWithLevel("optionledger", observability.ParseLogLevel(cfg.LogLevel))
	log.Info().Msg("OptionLedger starting")

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Postgres ---
	db, err := sql.Open("postgres", cfg.PostgresURL)
	if err != nil {
		return fmt.Errorf("postgres open: %w", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("postgres ping: %w", err)
	}

	applied, err := persistence.NewMigrator(db, cfg.MigrationsDir, log.With().Str("component", "migrator").Logger()).Up(ctx)
	if err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	log.Info().Int("applied", applied).Msg("migrations up to date")

	// --- Registries, oracle, metrics ---
	assets, wl, err := cfg.Registries()
	if err != nil {
		return fmt.Errorf("build registries: %w", err)
	}
	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
	health := observability.NewHealthChecker()
	health.AddCheck("postgres", db.PingContext)

	redisGW, err := oracle.NewRedisGatewayFromURL(cfg.RedisURL, cfg.PriceKeyPrefix)
	if err != nil {
		return err
	}
	defer redisGW.Close()
	health.AddCheck("redis", redisGW.Ping)

	prices, err := oracle.NewCachedGateway(redisGW, oracle.CacheConfig{
		NumCounters: cfg.PriceCacheEntries * 10,
		MaxCost:     cfg.PriceCacheEntries,
		BufferItems: 64,
		TTL:         cfg.PriceCacheTTL,
	}, metrics)
	if err != nil {
		return err
	}

	// --- Engine ---
	// persist blocks (backpressure), publish drops when full
	persistChan := make(chan core.CoreOutput, cfg.PersistChanSize)
	publishChan := make(chan core.CoreOutput, cfg.PublishChanSize)

	snapMgr := persistence.NewSnapshotManager(db)
	dbChecker := persistence.NewPostgresIdempotencyChecker(db)

	engine := core.NewEngine(core.Config{
		Whitelist:           wl,
		Assets:              assets,
		Oracle:              prices,
		IdempotencyCapacity: cfg.IdempotencyLRUCapacity,
		DBChecker:           dbChecker,
		Metrics:             metrics,
		Logger:              log.With().Str("component", "core").Logger(),
		PersistChan:         persistChan,
		PublishChan:         publishChan,
	})

	if err := recoverState(ctx, engine, snapMgr, dbChecker, cfg.IdempotencyLRUCapacity, log); err != nil {
		return fmt.Errorf("recover: %w", err)
	}

	// --- NATS ---
	nc, js, err := ingestion.ConnectNATS(cfg.NATSURL, log)
	if err != nil {
		return fmt.Errorf("nats connect: %w", err)
	}
	defer nc.Close()
	health.AddCheck("nats", func(context.Context) error {
		if !nc.IsConnected() {
			return errors.New("disconnected")
		}
		return nil
	})
	if err := ingestion.EnsureStreams(ctx, js, log); err != nil {
		return fmt.Errorf("ensure streams: %w", err)
	}
	if err := ingestion.EnsureOutboundStream(ctx, js, log); err != nil {
		return fmt.Errorf("ensure outbound stream: %w", err)
	}

	runner := core.NewRunner(engine, cfg.RunnerQueueSize)
	runnerDone := make(chan struct{})
	go func() {
		defer close(runnerDone)
		runner.Run(ctx)
	}()

	rawChan := make(chan ingestion.RawMessage, cfg.InboundChanSize)
	subscriber := ingestion.NewNATSSubscriber(js, rawChan, log.With().Str("component", "nats").Logger())
	if err := subscriber.Subscribe(ctx, ingestion.DefaultSubjects()); err != nil {
		return fmt.Errorf("nats subscribe: %w", err)
	}

	// Workers outlive ctx so they can drain after the engine stops.
	drainCtx, cancelDrain := context.WithCancel(context.Background())
	defer cancelDrain()

	errChan := make(chan error, 8)
	workersDone := make(chan struct{}, 2)

	worker := persistence.NewPersistenceWorker(db, persistChan, cfg.PersistBatchSize, cfg.PersistFlushTimeout, metrics,
		log.With().Str("component", "persistence").Logger())
	go func() {
		if err := worker.Run(drainCtx); err != nil && !errors.Is(err, context.Canceled) {
			errChan <- fmt.Errorf("persistence worker: %w", err)
		}
		workersDone <- struct{}{}
	}()

	publisher := ingestion.NewOutboundPublisher(js, publishChan, log.With().Str("component", "publisher").Logger())
	go func() {
		publisher.Run(drainCtx)
		workersDone <- struct{}{}
	}()

	dispatcher := ingestion.NewDispatcher(runner, log.With().Str("component", "dispatcher").Logger())
	go dispatcher.Run(ctx, rawChan)

	// --- API ---
	grpcServer := server.NewGRPCServer(cfg.GRPCAddr, cfg.HTTPAddr, server.ServerDeps{
		API:           server.NewLedgerService(runner, log),
		HealthChecker: health,
		Metrics:       metrics,
		Log:           log.With().Str("component", "api").Logger(),
	})
	go func() { errChan <- grpcServer.StartGRPC(ctx) }()
	go func() { errChan <- grpcServer.StartHTTPGateway(ctx) }()
	go func() { errChan <- serveAdmin(ctx, cfg.AdminAddr, health, log) }()

	go runPeriodicSnapshots(ctx, runner, snapMgr, cfg.SnapshotInterval, metrics, log)

	health.SetReady(true)
	log.Info().
		Str("grpc", cfg.GRPCAddr).
		Str("http", cfg.HTTPAddr).
		Str("admin", cfg.AdminAddr).
		Msg("OptionLedger ready")

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errChan:
		if err != nil {
			log.Error().Err(err).Msg("component failed, shutting down")
		}
	}

	// --- Graceful shutdown: stop intake, stop the engine, drain, snapshot ---
	health.SetReady(false)
	stop()
	subscriber.Stop()
	<-runnerDone

	close(persistChan)
	close(publishChan)
	drained := time.After(30 * time.Second)
wait:
	for pending := 2; pending > 0; pending-- {
		select {
		case <-workersDone:
		case <-drained:
			log.Warn().Msg("drain timed out")
			break wait
		}
	}
	cancelDrain()

	// The runner has exited; the engine is no longer shared.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := finalSnapshot(shutdownCtx, engine.CreateSnapshotState(), snapMgr, metrics); err != nil {
		log.Error().Err(err).Msg("final snapshot failed")
	} else {
		log.Info().Int64("sequence", engine.GetSequence()-1).Msg("final snapshot saved")
	}

	log.Info().Msg("OptionLedger shutdown complete")
	return nil
}

func serveAdmin(ctx context.Context, addr string, health *observability.HealthChecker, log zerolog.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           observability.NewAdminRouter(health, prometheus.DefaultGatherer),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()
	log.Info().Str("addr", addr).Msg("admin server listening")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("admin server: %w", err)
	}
	return nil
}

// recoverState restores the latest snapshot, replays the event log after it
// and warms the dedup cache.
func recoverState(
	ctx context.Context,
	engine *core.Engine,
	snapMgr *persistence.SnapshotManager,
	dbChecker *persistence.PostgresIdempotencyChecker,
	lruCapacity int,
	log zerolog.Logger,
) error {
	from := int64(0)
	snap, err := snapMgr.LoadLatestSnapshot(ctx)
	if err != nil {
		return fmt.Errorf("load snapshot: %w", err)
	}
	if snap != nil {
		if err := engine.RestoreFromSnapshot(snap); err != nil {
			return fmt.Errorf("restore snapshot %d: %w", snap.Sequence, err)
		}
		from = snap.Sequence + 1
		log.Info().Int64("sequence", snap.Sequence).Int("vaults", len(snap.Vaults)).Msg("snapshot restored")
	} else {
		log.Info().Msg("no snapshot, cold start from sequence 0")
	}

	var replayed int64
	for {
		rows, err := snapMgr.LoadEventsFrom(ctx, from, replayPageSize)
		if err != nil {
			return fmt.Errorf("load events from %d: %w", from, err)
		}
		if len(rows) == 0 {
			break
		}
		for _, row := range rows {
			env, err := row.Envelope()
			if err != nil {
				return fmt.Errorf("decode event %d: %w", row.Sequence, err)
			}
			if err := engine.Replay(ctx, env); err != nil {
				return err
			}
			replayed++
		}
		from = rows[len(rows)-1].Sequence + 1
	}
	if replayed > 0 {
		log.Info().Int64("replayed", replayed).Int64("sequence", engine.GetSequence()).Msg("event log replayed")
	}

	if snap == nil || len(snap.RecentBatchIDs) == 0 {
		limit := lruCapacity
		if limit > 100_000 {
			limit = 100_000
		}
		ids, err := dbChecker.RecentEventIDs(ctx, limit)
		if err != nil {
			return fmt.Errorf("warm dedup cache: %w", err)
		}
		engine.WarmLRU(ids)
		log.Info().Int("keys", len(ids)).Msg("dedup cache warmed from event log")
	}
	return nil
}

// runPeriodicSnapshots saves a snapshot once interval events have been
// committed since the last one and all of them are in the event log.
func runPeriodicSnapshots(
	ctx context.Context,
	runner *core.Runner,
	snapMgr *persistence.SnapshotManager,
	interval int64,
	metrics *observability.Metrics,
	log zerolog.Logger,
) {
	if interval <= 0 {
		interval = 100_000
	}
	last, err := runner.Sequence(ctx)
	if err != nil {
		return
	}

	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			seq, err := runner.Sequence(ctx)
			if err != nil || seq-last < interval {
				continue
			}
			snap, err := runner.Snapshot(ctx)
			if err != nil {
				continue
			}
			persisted, err := snapMgr.GetLatestSequence(ctx)
			if err != nil || persisted < snap.Sequence {
				log.Debug().Int64("snapshot", snap.Sequence).Int64("persisted", persisted).Msg("snapshot deferred, event log behind")
				continue
			}
			if err := saveSnapshot(ctx, snap, snapMgr, metrics); err != nil {
				log.Warn().Err(err).Msg("periodic snapshot failed")
				continue
			}
			last = seq
			log.Info().Int64("sequence", snap.Sequence).Msg("periodic snapshot saved")
		}
	}
}

// finalSnapshot saves snap unless the engine is empty or the event log did
// not receive every event up to it.
func finalSnapshot(ctx context.Context, snap *core.SnapshotState, snapMgr *persistence.SnapshotManager, metrics *observability.Metrics) error {
	if snap.Sequence < 0 {
		return nil
	}
	persisted, err := snapMgr.GetLatestSequence(ctx)
	if err != nil {
		return err
	}
	if persisted < snap.Sequence {
		return fmt.Errorf("event log at %d, behind engine at %d", persisted, snap.Sequence)
	}
	return saveSnapshot(ctx, snap, snapMgr, metrics)
}

func saveSnapshot(ctx context.Context, snap *core.SnapshotState, snapMgr *persistence.SnapshotManager, metrics *observability.Metrics) error {
	size, err := snapMgr.SaveSnapshot(ctx, snap)
	if err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	if err := snapMgr.MarkVerified(ctx, snap.Sequence); err != nil {
		return fmt.Errorf("mark verified: %w", err)
	}
	if metrics != nil {
		metrics.SnapshotTaken.Inc()
		metrics.SnapshotSizeBytes.Set(float64(size))
		metrics.SnapshotLastSeq.Set(float64(snap.Sequence))
	}
	return nil
}
