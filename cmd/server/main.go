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
	"github.com/shopspring/decimal"

	"github.com/stocktrader/portfolio-service/internal/broker"
	"github.com/stocktrader/portfolio-service/internal/events"
	"github.com/stocktrader/portfolio-service/internal/liquidation"
	"github.com/stocktrader/portfolio-service/internal/metrics"
	"github.com/stocktrader/portfolio-service/internal/portfolio"
	"github.com/stocktrader/portfolio-service/internal/store"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	// --- Initialize store ---
	var st store.Store
	var cleanup []func()

	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		pool, err := pgxpool.New(context.Background(), dbURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		st = store.NewPostgresStore(pool)
		slog.Info("connected to PostgreSQL")
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- Event log ---
	var eventLog events.Log
	if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
		opt, err := redis.ParseURL(redisURL)
		if err != nil {
			slog.Error("invalid REDIS_URL", "err", err)
			os.Exit(1)
		}
		rdb := redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
		eventLog = events.NewRedisLog(rdb, "orders")
		slog.Info("Redis Streams event log enabled")
	} else {
		slog.Warn("REDIS_URL not set, using in-memory event log (events will not persist)")
		eventLog = events.NewMemoryLog()
	}

	// --- External collaborators ---
	var pricing broker.Pricing
	if url := os.Getenv("PRICING_URL"); url != "" {
		pricing = broker.NewHTTPPricing(url)
	} else {
		slog.Warn("PRICING_URL not set, valuations will use static prices")
		pricing = broker.NewStaticPricing(map[string]decimal.Decimal{})
	}

	var exec broker.Execution
	if url := os.Getenv("EXECUTION_URL"); url != "" {
		exec = broker.NewHTTPExecution(url)
	} else {
		slog.Warn("EXECUTION_URL not set, using stub execution engine")
		exec = broker.NewStubExecution()
	}

	var transfer broker.Transfer
	if url := os.Getenv("TRANSFER_URL"); url != "" {
		transfer = broker.NewHTTPTransfer(url)
	} else {
		slog.Warn("TRANSFER_URL not set, using stub funds-transfer service")
		transfer = broker.NewStubTransfer()
	}

	// --- WebSocket hub ---
	hub := events.NewHub()
	go hub.Run()

	// --- Portfolio service + liquidation workflow ---
	svc := portfolio.NewService(st, eventLog, pricing, exec, hub)
	mgr := liquidation.NewManager(st, svc, transfer)
	svc.SetLiquidator(mgr)

	// Drain order events that never reached the log, then re-drive
	// liquidations interrupted by the last shutdown.
	if err := svc.ReplayEvents(context.Background()); err != nil {
		slog.Error("event replay failed", "err", err)
	}
	if err := mgr.Resume(context.Background()); err != nil {
		slog.Error("liquidation resume failed", "err", err)
	}

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"portfolio"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		// WebSocket endpoint for streaming OrderPlaced events.
		r.Get("/ws", hub.HandleWS)

		// Portfolio commands.
		r.Post("/portfolio", svc.HandleOpen)
		r.Get("/portfolio/{portfolioID}", svc.HandleView)
		r.Post("/portfolio/{portfolioID}/orders", svc.HandlePlaceOrder)
		r.Get("/portfolio/{portfolioID}/orders", svc.HandleOrders)
		r.Post("/portfolio/{portfolioID}/liquidate", svc.HandleLiquidate)

		// Collaborator webhooks.
		r.Post("/execution/fills", svc.HandleFill)
		r.Post("/transfers/confirmations", svc.HandleTransferConfirmation)
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("portfolio service listening", "port", port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down portfolio service...")
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("portfolio service stopped")
}
