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

	"github.com/atmx/lot-exchange/internal/api"
	"github.com/atmx/lot-exchange/internal/catalog"
	"github.com/atmx/lot-exchange/internal/clock"
	"github.com/atmx/lot-exchange/internal/config"
	"github.com/atmx/lot-exchange/internal/documents"
	"github.com/atmx/lot-exchange/internal/identity"
	"github.com/atmx/lot-exchange/internal/ledger"
	"github.com/atmx/lot-exchange/internal/metrics"
	"github.com/atmx/lot-exchange/internal/notify"
	"github.com/atmx/lot-exchange/internal/numbering"
	"github.com/atmx/lot-exchange/internal/order"
	"github.com/atmx/lot-exchange/internal/protocol"
	"github.com/atmx/lot-exchange/internal/registry"
	"github.com/atmx/lot-exchange/internal/store"
)

const notifyStreamMaxLen = 10000

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(2)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)

	ctx := context.Background()
	var cleanup []func()
	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- Redis ---
	var rdb *redis.Client
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			slog.Error("invalid redis-url", "err", err)
			os.Exit(1)
		}
		rdb = redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
	}

	// --- Initialize store ---
	var st store.Store
	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		if cfg.Migrate {
			if err := store.RunMigrations(pool); err != nil {
				slog.Error("migrations failed", "err", err)
				os.Exit(1)
			}
		}
		st = store.NewPostgresStore(pool)
		slog.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if rdb != nil {
			st = store.NewCachedStore(st, rdb, cfg.CacheTTL)
			slog.Info("Redis cache enabled")
		}
	} else {
		slog.Warn("database-url not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	// --- Notifications ---
	var sink notify.Sink
	if rdb != nil {
		sink = notify.NewStreamSink(rdb, cfg.NotifyStream, notifyStreamMaxLen)
		slog.Info("notifications published to Redis stream", "stream", cfg.NotifyStream)
	} else {
		sink = notify.NewLogSink(logger)
	}
	clk := clock.Real{}
	notifier := notify.New(sink, clk, logger)

	// --- Documents ---
	var docs documents.Store
	if cfg.S3Enabled() {
		client, err := documents.NewS3Client(ctx, cfg.S3)
		if err != nil {
			slog.Error("s3 client", "err", err)
			os.Exit(1)
		}
		s3Store, err := documents.NewS3Store(client, cfg.S3.Bucket, cfg.S3.PublicBaseURL)
		if err != nil {
			slog.Error("s3 store", "err", err)
			os.Exit(1)
		}
		docs = s3Store
	} else {
		slog.Warn("s3-bucket not set, documents kept in memory")
		docs = documents.NewMemoryStore("memory://documents")
	}

	// --- Identity ---
	var httpResolver, wsResolver identity.Resolver
	if cfg.JWTSecret != "" {
		jwtResolver := identity.NewJWTResolver(cfg.JWTSecret)
		httpResolver, wsResolver = jwtResolver, jwtResolver
	} else {
		slog.Warn("jwt-secret not set, accepting unverified role:id tokens")
		httpResolver = identity.TrustedResolver{}
	}

	// --- Auction core ---
	reg := registry.New(st, clk, cfg.LiveCacheTTL)
	led := ledger.New(st, reg, clk, logger)
	orders := order.New(st, docs, notifier, clk, logger)
	if n, err := orders.Reconcile(ctx); err != nil {
		slog.Error("order reconcile incomplete", "completed", n, "err", err)
	} else if n > 0 {
		slog.Info("completed pending orders", "count", n)
	}
	numbers := numbering.New(st, clk, cfg.FiscalLocation, logger)
	cat := catalog.New(st, reg, notifier, clk, logger)

	engine := protocol.New(led, reg, st, orders, notifier, logger, protocol.WithHotThreshold(cfg.HotThreshold))
	hub := protocol.NewHub(engine, reg, wsResolver, logger)
	apiSrv := api.New(cat, engine, orders, numbers, httpResolver, logger)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"lot-exchange"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// Bidding sessions authenticate on upgrade; the timeout would cut them off.
		r.Get("/ws", hub.HandleWS)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))
			apiSrv.Routes(r)
		})
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         cfg.ServerAddr,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("lot-exchange listening", "addr", cfg.ServerAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down lot-exchange...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("lot-exchange stopped")
}
