package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dvloznov/merchant-categorizer/internal/api"
	"github.com/dvloznov/merchant-categorizer/internal/app"
	"github.com/dvloznov/merchant-categorizer/internal/bigquery"
	"github.com/dvloznov/merchant-categorizer/internal/config"
	"github.com/dvloznov/merchant-categorizer/internal/jobs"
	"github.com/dvloznov/merchant-categorizer/internal/jobs/inmemory"
	"github.com/dvloznov/merchant-categorizer/internal/knowledge"
	"github.com/dvloznov/merchant-categorizer/internal/logger"
	"github.com/dvloznov/merchant-categorizer/internal/scheduler"
)

func main() {
	port := flag.String("port", "", "HTTP server port (overrides config and PORT env)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if *port != "" {
		cfg.Server.Port = *port
	}

	log := logger.NewWithLevel(cfg.Log.Level)
	ctx := logger.WithContext(context.Background(), log)

	a, err := app.Build(ctx, cfg, app.Options{})
	if err != nil {
		if errors.Is(err, knowledge.ErrStoreCorrupted) {
			log.Error().Err(err).Msg(app.RepairHint)
			os.Exit(2)
		}
		log.Fatal().Err(err).Msg("Failed to build application")
	}
	defer a.Close()

	// Initialize job infrastructure
	jobStore := inmemory.NewStore()
	jobQueue := inmemory.NewQueue(cfg.Server.QueueSize, jobStore, inmemory.WithWorkers(cfg.Server.JobWorkers))

	workerCtx, cancelWorker := context.WithCancel(ctx)
	defer cancelWorker()

	if err := jobQueue.Start(workerCtx, batchHandler(a)); err != nil {
		log.Fatal().Err(err).Msg("Failed to start job worker")
	}

	retention, err := scheduler.NewCronScheduler("@every 15m", time.Minute)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid job retention schedule")
	}
	if err := retention.Start(workerCtx, "job-retention", pruneJobs(jobStore)); err != nil {
		log.Fatal().Err(err).Msg("Failed to start job retention")
	}

	var snapshots *scheduler.CronScheduler
	if cfg.GCS.SnapshotCron != "" {
		snapshots, err = scheduler.NewCronScheduler(cfg.GCS.SnapshotCron, 10*time.Minute)
		if err != nil {
			log.Fatal().Err(err).Msg("Invalid snapshot schedule")
		}
		if err := snapshots.Start(workerCtx, "knowledge-snapshot", snapshotJob(a)); err != nil {
			log.Fatal().Err(err).Msg("Failed to start snapshot scheduler")
		}
	}

	handler := api.NewRouter(api.Deps{
		Engine:      a.Engine,
		Knowledge:   a.Store,
		Publisher:   jobQueue,
		JobStore:    jobStore,
		AuthToken:   cfg.Server.AuthToken,
		SyncTimeout: cfg.Server.SyncTimeout,
	}, log)

	// Synchronous categorization answers within SyncTimeout; the margin covers
	// encoding the response.
	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.Server.SyncTimeout + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().Str("port", cfg.Server.Port).Msg("Starting API server")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	if err := retention.Stop(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Error stopping job retention")
	}
	if snapshots != nil {
		if err := snapshots.Stop(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Error stopping snapshot scheduler")
		}
	}

	// Let in-flight jobs finish before cancelling their context.
	if err := jobQueue.Stop(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Error stopping job queue")
	}
	cancelWorker()

	log.Info().Msg("Server exited")
}

// jobRetention is how long finished jobs stay queryable through /api/jobs.
const jobRetention = 24 * time.Hour

func pruneJobs(store *inmemory.Store) func(context.Context) error {
	return func(ctx context.Context) error {
		if n := store.Prune(time.Now().Add(-jobRetention)); n > 0 {
			logger.FromContext(ctx).Info().Int("pruned", n).Msg("Pruned finished jobs")
		}
		return nil
	}
}

// batchHandler categorizes a job's transactions once and exports them. A
// retry after a failed export reuses the stored results.
func batchHandler(a *app.App) jobs.JobHandler {
	return func(ctx context.Context, job *jobs.CategorizeBatchJob) error {
		log := logger.FromContext(ctx).With().
			Str("job_id", job.JobID).
			Str("batch_id", job.BatchID).
			Logger()
		ctx = logger.WithContext(ctx, log)

		if len(job.Results) != len(job.Transactions) {
			log.Info().Int("transactions", len(job.Transactions)).Msg("Processing batch job")
			job.Results = a.Engine.CategorizeBatch(ctx, job.Transactions)
			stats := a.Engine.Stats()
			job.Stats = &stats
		}

		if err := a.Export(ctx, job.BatchID, job.Transactions, job.Results); err != nil {
			return fmt.Errorf("export batch %s: %w", job.BatchID, err)
		}
		return nil
	}
}

// snapshotJob backs the knowledge store up to GCS and mirrors the profiles to
// BigQuery when those integrations are configured.
func snapshotJob(a *app.App) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		log := logger.FromContext(ctx)
		var errs []error

		if a.Snapshots != nil {
			uri, err := a.Snapshots.BackupStore(ctx, a.Store)
			if err != nil {
				errs = append(errs, err)
			} else {
				log.Info().Str("uri", uri).Msg("Knowledge snapshot written")
			}
		}

		if a.Profiles != nil {
			n, err := bigquery.ExportProfiles(ctx, a.Profiles, a.Store)
			if err != nil {
				errs = append(errs, err)
			} else {
				log.Info().Int("profiles", n).Msg("Merchant profiles exported")
			}
		}

		return errors.Join(errs...)
	}
}
