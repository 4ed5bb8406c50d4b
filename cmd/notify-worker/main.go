package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/aloktripathi1/hospital-management-system/internal/appointment"
	"github.com/aloktripathi1/hospital-management-system/internal/config"
	"github.com/aloktripathi1/hospital-management-system/internal/db"
	"github.com/aloktripathi1/hospital-management-system/internal/logging"
	"github.com/aloktripathi1/hospital-management-system/internal/metrics"
)

// The notify worker drains the appointment event outbox and hands each event
// to the notification collaborator. Ledger writes and their events commit in
// one transaction, so this loop delivers every event at least once without
// the engine ever waiting on it.
func main() {
	cfg, err := config.Load()
	if err != nil {
		bootLog := logging.New("dev", "notify-worker", "info")
		bootLog.Fatal().Err(err).Msg("config load error")
	}

	log := logging.New(cfg.Env, "notify-worker", cfg.LogLevel)
	log.Info().
		Str("env", cfg.Env).
		Dur("interval", cfg.WorkerInterval).
		Int("batch", cfg.WorkerBatch).
		Msg("notify-worker starting up")

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pgCtx, cancelPg := context.WithTimeout(rootCtx, 10*time.Second)
	pgPool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN)
	cancelPg()
	if err != nil {
		log.Fatal().Err(err).Msg("postgres connection error")
	}
	defer pgPool.Close()
	log.Info().Msg("connected to Postgres")

	repo := appointment.NewPgRepository(pgPool)
	dir := appointment.NewRepositoryDirectory(repo)
	svc := appointment.NewService(repo, dir, cfg, log)
	notifier := appointment.LogNotifier{Log: log}
	col := metrics.NewCollector("scheduler_notify_worker")

	// Run once at startup
	runOnce(rootCtx, svc, notifier, col, log)

	ticker := time.NewTicker(cfg.WorkerInterval)
	defer ticker.Stop()

	for {
		select {
		case <-rootCtx.Done():
			log.Info().Msg("shutdown signal received, stopping notify worker")
			return
		case <-ticker.C:
			runOnce(rootCtx, svc, notifier, col, log)
		}
	}
}

func runOnce(ctx context.Context, svc *appointment.Service, n appointment.Notifier, col *metrics.Collector, log zerolog.Logger) {
	runCtx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()

	start := time.Now()
	published, err := svc.RelayEvents(runCtx, n)
	if err != nil {
		col.EventRelayFailures.Inc()
		log.Error().Err(err).Msg("relay run error")
		return
	}
	col.EventsRelayed.Add(float64(published))
	if published > 0 {
		log.Info().Int("published", published).Dur("took", time.Since(start)).Msg("relay run complete")
	}
}
