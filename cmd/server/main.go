package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/tidmarket/market-engine/internal/config"
	"github.com/tidmarket/market-engine/internal/events"
	"github.com/tidmarket/market-engine/internal/market"
	"github.com/tidmarket/market-engine/internal/metrics"
	"github.com/tidmarket/market-engine/internal/model"
	"github.com/tidmarket/market-engine/internal/signing"
	"github.com/tidmarket/market-engine/internal/store"
	"github.com/tidmarket/market-engine/internal/trade"
)

func main() {
	configPath := flag.String("config", os.Getenv("TIDMARKET_CONFIG"), "path to YAML config file (optional)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, "invalid config:", err)
		os.Exit(1)
	}

	opts := &slog.HandlerOptions{Level: cfg.SlogLevel()}
	var handler slog.Handler = slog.NewJSONHandler(os.Stdout, opts)
	if cfg.Logging.Format == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Initialize store ---
	var st store.Store
	var cleanup []func()

	var rdb *redis.Client
	if redisURL := cfg.Storage.RedisURL; redisURL != "" {
		opt, err := redis.ParseURL(redisURL)
		if err != nil {
			slog.Error("invalid redis url", "err", err)
			os.Exit(1)
		}
		rdb = redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
	}

	if dbURL := cfg.Storage.DatabaseURL; dbURL != "" {
		pool, err := pgxpool.New(ctx, dbURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		if err := store.Migrate(ctx, pool); err != nil {
			slog.Error("database migration failed", "err", err)
			os.Exit(1)
		}
		st = store.NewPostgresStore(pool)
		slog.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if rdb != nil {
			st = store.NewCachedStore(st, rdb, cfg.Storage.CacheTTL)
			slog.Info("Redis cache enabled", "ttl", cfg.Storage.CacheTTL)
		}
	} else {
		slog.Warn("database url not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	// Seen signed requests are shared through Redis when available.
	var nonces trade.NonceStore = trade.NewMemoryNonces(nil)
	if rdb != nil {
		nonces = trade.NewRedisNonces(rdb)
	}

	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()

	// --- Event sinks ---
	var ledger *market.Ledger
	wsHub := trade.NewWSHub(func(ctx context.Context, tidStr string) (string, error) {
		p, err := ledger.Price(ctx, tidStr)
		if err != nil {
			return "", err
		}
		return p.String(), nil
	})
	go wsHub.Run(ctx)

	sink := events.Multi{wsHub, metrics.Sink{}}
	if natsURL := cfg.Events.NATSURL; natsURL != "" {
		nc, js, err := events.Connect(natsURL)
		if err != nil {
			slog.Error("nats connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, func() { nc.Drain() })
		if err := events.EnsureStream(ctx, js); err != nil {
			slog.Error("nats stream setup failed", "err", err)
			os.Exit(1)
		}
		pub := events.NewNATSPublisher(js, cfg.Events.Buffer)
		go func() {
			if err := pub.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("nats publisher stopped", "err", err)
			}
		}()
		sink = append(sink, pub)
		slog.Info("publishing events to NATS", "stream", events.StreamName)
	}

	// --- Ledger ---
	pricing, err := cfg.Pricing()
	if err != nil {
		slog.Error("invalid pricing", "err", err)
		os.Exit(1)
	}
	verifiers := signing.NewVerifiers(cfg.Accounts())
	ledger, err = market.NewLedger(st, market.Config{
		Pricing:   pricing,
		Fees:      cfg.Fees(),
		Authority: signing.NewAuthority(model.Address(cfg.Market.Signer), verifiers),
		Admin:     model.Address(cfg.Market.Admin),
		Treasury:  model.Address(cfg.Market.Treasury),
		Sink:      sink,
	})
	if err != nil {
		slog.Error("ledger setup failed", "err", err)
		os.Exit(1)
	}

	tradeSvc := trade.NewService(ledger, market.NewRegistrar(ledger), market.NewClaimEscrow(ledger))
	auth := trade.NewAuthenticator(verifiers, nonces, cfg.Auth.ClockSkew, nil)

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
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, "+trade.HeaderAddress+", "+trade.HeaderTimestamp+", "+trade.HeaderNonce+", "+trade.HeaderSignature)
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"tidmarket-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// The websocket route must not carry a request timeout.
		r.Get("/ws", wsHub.HandleWS)
		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(cfg.Server.RequestTimeout))
			tradeSvc.Routes(r, auth, nil)
		})
	})

	// --- Server ---
	addr := ":" + strconv.Itoa(cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		slog.Info("tidmarket-engine listening", "addr", addr, "admin", cfg.Market.Admin, "signer", cfg.Market.Signer)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	slog.Info("shutting down tidmarket-engine...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("tidmarket-engine stopped")
}
