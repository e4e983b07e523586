package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/atmx/tranche-engine/internal/config"
	"github.com/atmx/tranche-engine/internal/metrics"
	"github.com/atmx/tranche-engine/internal/protocol"
	"github.com/atmx/tranche-engine/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Initialize store ---
	st, cleanup, err := openStore(ctx, cfg)
	if err != nil {
		slog.Error("store initialisation failed", "err", err)
		os.Exit(1)
	}
	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- WebSocket hub ---
	wsHub := protocol.NewWSHub()
	go wsHub.Run(ctx)

	// --- Ledgers ---
	svc, err := protocol.NewService(ctx, protocol.Config{
		Operator:           cfg.Operator,
		SeniorID:           cfg.SeniorID,
		JuniorID:           cfg.JuniorID,
		ReserveID:          cfg.ReserveID,
		SeniorRegistryID:   cfg.SeniorRegistryID,
		JuniorRegistryID:   cfg.JuniorRegistryID,
		ReserveRegistryID:  cfg.ReserveRegistryID,
		MinRebaseInterval:  cfg.MinRebaseInterval,
		DepositExpiry:      cfg.DepositExpiry,
		RestrictedDeposits: cfg.RestrictedDeposits,
		ValueFromHoldings:  cfg.ValueFromHoldings,
	}, st, wsHub)
	if err != nil {
		slog.Error("ledger initialisation failed", "err", err)
		os.Exit(1)
	}

	limiter := protocol.NewRateLimiter(cfg.RateLimitRPM, cfg.RateLimitBurst)
	api := protocol.NewAPI(svc, wsHub, limiter)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(metrics.Middleware)

	// CORS middleware for dashboard cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Principal")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"tranche-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", api.Routes)

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("tranche-engine listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down tranche-engine...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("tranche-engine stopped")
}

// openStore picks the store by configuration: PostgreSQL (optionally
// behind Redis) when DATABASE_URL is set, else bbolt when BOLT_PATH is set,
// else memory.
func openStore(ctx context.Context, cfg config.Config) (store.Store, []func(), error) {
	var cleanup []func()

	switch {
	case cfg.DatabaseURL != "":
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("database connection: %w", err)
		}
		cleanup = append(cleanup, pool.Close)
		pg := store.NewPostgresStore(pool)
		if err := pg.Migrate(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("migrate: %w", err)
		}
		slog.Info("connected to PostgreSQL")

		var st store.Store = pg
		// Wrap with Redis read-through cache if configured.
		if cfg.RedisURL != "" {
			opt, err := redis.ParseURL(cfg.RedisURL)
			if err != nil {
				pool.Close()
				return nil, nil, fmt.Errorf("invalid REDIS_URL: %w", err)
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			st = store.NewCachedStore(st, rdb, cfg.CacheTTL)
			slog.Info("Redis cache enabled", "ttl", cfg.CacheTTL)
		}
		return st, cleanup, nil

	case cfg.BoltPath != "":
		bs, err := store.OpenBoltStore(cfg.BoltPath)
		if err != nil {
			return nil, nil, err
		}
		cleanup = append(cleanup, func() { bs.Close() })
		slog.Info("using bbolt store", "path", cfg.BoltPath)
		return bs, cleanup, nil

	default:
		slog.Warn("DATABASE_URL and BOLT_PATH not set, using in-memory store (data will not persist)")
		return store.NewMemoryStore(), nil, nil
	}
}
