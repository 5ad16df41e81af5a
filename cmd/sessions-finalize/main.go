// Command sessions-finalize runs one reconciliation pass over appointments
// and sessions, intended for cron. It exits 0 once both sweeps finish.
package main

import (
	"context"
	"log"
	"time"

	"telecare/session-service/internal/activity"
	"telecare/session-service/internal/config"
	"telecare/session-service/internal/finalizer"
	"telecare/session-service/internal/store/postgres"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db connect: %v", err)
	}
	defer pool.Close()

	st := postgres.NewStore(pool, activity.NewPostgresLog(pool))
	job := finalizer.New(st, finalizer.Config{
		NoShowGrace: cfg.NoShowGrace,
		StaleCutoff: cfg.StaleSessionCutoff,
		BatchSize:   cfg.FinalizeBatchSize,
	})

	if err := job.Run(ctx); err != nil {
		log.Fatalf("finalize run error: %v", err)
	}
}
