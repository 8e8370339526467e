package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/atmx/hedge-engine/internal/api"
	"github.com/atmx/hedge-engine/internal/audit"
	"github.com/atmx/hedge-engine/internal/config"
	"github.com/atmx/hedge-engine/internal/hedge"
	"github.com/atmx/hedge-engine/internal/ledger"
	"github.com/atmx/hedge-engine/internal/quote"
	"github.com/atmx/hedge-engine/internal/risk"
	"github.com/atmx/hedge-engine/internal/search"
	"github.com/atmx/hedge-engine/internal/store"
	"github.com/atmx/hedge-engine/internal/venue"
)

func main() {
	// .env is optional; real environment variables win.
	_ = godotenv.Load()

	var out io.Writer = os.Stdout
	if path := os.Getenv("LOG_FILE"); path != "" {
		out = io.MultiWriter(os.Stdout, &lumberjack.Logger{
			Filename:   path,
			MaxSize:    100, // MB
			MaxBackups: 5,
			MaxAge:     14, // days
			Compress:   true,
		})
	}
	logger := slog.New(slog.NewJSONHandler(out, nil))
	slog.SetDefault(logger)

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	// --- Risk controls (fatal when malformed) ---
	rc, err := config.Load(os.Getenv("RISK_CONTROLS"))
	if err != nil {
		slog.Error("risk controls invalid", "err", err)
		os.Exit(1)
	}
	controls := config.NewHolder(rc)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Initialize store ---
	var st store.LedgerStore
	var cooldowns risk.Cooldowns
	var cleanup []func()

	switch {
	case os.Getenv("DATABASE_URL") != "":
		pool, err := pgxpool.New(ctx, os.Getenv("DATABASE_URL"))
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		pg := store.NewPostgresStore(pool)
		if err := pg.Migrate(ctx); err != nil {
			slog.Error("database migration failed", "err", err)
			os.Exit(1)
		}
		st = pg
		slog.Info("connected to PostgreSQL")
	case os.Getenv("SQLITE_PATH") != "":
		sq, err := store.OpenSQLite(ctx, os.Getenv("SQLITE_PATH"))
		if err != nil {
			slog.Error("sqlite open failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, func() { sq.Close() })
		st = sq
		slog.Info("using SQLite store", "path", os.Getenv("SQLITE_PATH"))
	default:
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	// Redis fronts the store and shares cooldowns across instances.
	if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
		opt, err := redis.ParseURL(redisURL)
		if err != nil {
			slog.Error("invalid REDIS_URL", "err", err)
			os.Exit(1)
		}
		rdb := redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
		st = store.NewCachedStore(st, rdb, 30*time.Second)
		cooldowns = store.NewRedisCooldowns(rdb)
		slog.Info("Redis cache and shared cooldowns enabled")
	}

	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()

	// --- Audit sinks ---
	hub := api.NewWSHub(logger)
	go hub.Run(ctx)
	sinks := audit.Multi{audit.NewLogSink(logger), hub}
	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		nc, err := audit.ConnectNATS(natsURL, logger)
		if err != nil {
			slog.Error("nats connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, func() { nc.Drain() })
		sinks = append(sinks, audit.NewNATSSink(nc, "hedge.audit", logger))
		slog.Info("publishing audit events to NATS")
	}

	// --- Venues ---
	connectors, err := buildConnectors()
	if err != nil {
		slog.Error("venue setup failed", "err", err)
		os.Exit(1)
	}
	market := venue.NewAggregator(controls, connectors...)

	// --- Ledger ---
	book := ledger.New(st, logger)
	if err := book.Load(ctx); err != nil {
		slog.Error("ledger restore failed", "err", err)
		os.Exit(1)
	}

	// --- Quote service and rolling controller ---
	engine := search.NewEngine(market, controls, time.Now)
	tracker := risk.NewTracker(time.Now)
	positions := ledger.NewPositionBook()
	quotes := quote.NewService(quote.Deps{
		Controls:  controls,
		Market:    market,
		Searcher:  engine,
		Ledger:    book,
		Positions: positions,
		Tracker:   tracker,
		Sink:      sinks,
		Logger:    logger,
		Demo:      os.Getenv("DEMO_MODE") == "true",
	})
	ctrl := hedge.NewController(hedge.Deps{
		Controls:  controls,
		Market:    market,
		Searcher:  engine,
		Ledger:    book,
		Positions: positions,
		Renewer:   quotes,
		Cooldowns: cooldowns,
		Tracker:   tracker,
		Sink:      sinks,
		Logger:    logger,
	})
	go ctrl.Run(ctx)

	// Expired quote locks and cache entries.
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				quotes.Sweep()
			}
		}
	}()

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + port,
		Handler:      api.NewServer(quotes, book, controls, market, hub, logger).Router(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 35 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("hedge-engine listening", "port", port, "venues", market.Venues())
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down hedge-engine...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("hedge-engine stopped")
}

// buildConnectors reads VENUES (comma separated, default "paper").
// A deribit venue without DERIBIT_TOKEN is fatal: it cannot place orders.
func buildConnectors() ([]venue.MarketConnector, error) {
	names := os.Getenv("VENUES")
	if names == "" {
		names = "paper"
	}
	var out []venue.MarketConnector
	for _, name := range strings.Split(names, ",") {
		switch name = strings.TrimSpace(name); name {
		case "paper":
			p := venue.NewPaperConnector("paper")
			for asset, price := range paperPrices() {
				p.SetIndexPrice(asset, price)
				p.SetIV(asset, decimal.RequireFromString("0.6"))
			}
			out = append(out, p)
		case "deribit":
			token := os.Getenv("DERIBIT_TOKEN")
			if token == "" {
				return nil, fmt.Errorf("venue deribit: DERIBIT_TOKEN is required")
			}
			url := os.Getenv("DERIBIT_URL")
			if url == "" {
				url = "https://www.deribit.com/api/v2"
			}
			out = append(out, venue.NewRESTConnector("deribit", url,
				venue.WithToken(token),
				venue.WithRetries(2, 200*time.Millisecond),
			))
		case "":
		default:
			return nil, fmt.Errorf("unknown venue %q", name)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no venues configured")
	}
	return out, nil
}

// paperPrices parses PAPER_PRICES ("BTC=100000,ETH=3500") for the paper venue.
func paperPrices() map[string]decimal.Decimal {
	raw := os.Getenv("PAPER_PRICES")
	if raw == "" {
		raw = "BTC=100000,ETH=3500"
	}
	out := make(map[string]decimal.Decimal)
	for _, kv := range strings.Split(raw, ",") {
		asset, price, ok := strings.Cut(strings.TrimSpace(kv), "=")
		if !ok {
			continue
		}
		p, err := decimal.NewFromString(price)
		if err != nil || !p.IsPositive() {
			slog.Warn("ignoring paper price", "entry", kv)
			continue
		}
		out[strings.ToUpper(asset)] = p
	}
	return out
}
