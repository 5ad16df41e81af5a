package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"telecare/session-service/internal/activity"
	"telecare/session-service/internal/config"
	"telecare/session-service/internal/finalizer"
	"telecare/session-service/internal/httpapi"
	"telecare/session-service/internal/store/postgres"
	"telecare/session-service/internal/telemetry"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	shutdownTelemetry := telemetry.Setup("session-service")
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTelemetry(ctx)
	}()

	pool, err := pgxpool.New(context.Background(), cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db connect: %v", err)
	}
	defer pool.Close()

	st := postgres.NewStore(pool, activity.NewPostgresLog(pool))
	handler := httpapi.NewHandler(st)
	limiter := httpapi.NewRateLimiter(httpapi.RateLimitConfig{
		IPPerMinute:   cfg.RateLimitPerMinute,
		IPBurst:       cfg.RateLimitBurst,
		UserPerMinute: cfg.UserRateLimitPerMinute,
		UserBurst:     cfg.UserRateLimitBurst,
	})

	chain := httpapi.LoggingMiddleware(limiter.Middleware(httpapi.AuthMiddleware(st, handler.Routes())))
	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      otelhttp.NewHandler(chain, "session-service"),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("session-service listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	go func() {
		if cfg.FinalizeInterval <= 0 {
			return
		}
		job := finalizer.New(st, finalizer.Config{
			NoShowGrace: cfg.NoShowGrace,
			StaleCutoff: cfg.StaleSessionCutoff,
			BatchSize:   cfg.FinalizeBatchSize,
		})
		ticker := time.NewTicker(cfg.FinalizeInterval)
		defer ticker.Stop()
		for range ticker.C {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			if err := job.Run(ctx); err != nil {
				log.Printf("finalize run error: %v", err)
			}
			cancel()
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}
