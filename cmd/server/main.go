package main

import (
	"context"
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
	"github.com/shopspring/decimal"

	"github.com/atmx/bid-engine/internal/api"
	"github.com/atmx/bid-engine/internal/auction"
	"github.com/atmx/bid-engine/internal/config"
	"github.com/atmx/bid-engine/internal/estimator"
	"github.com/atmx/bid-engine/internal/metrics"
	"github.com/atmx/bid-engine/internal/normalize"
	"github.com/atmx/bid-engine/internal/portfolio"
	"github.com/atmx/bid-engine/internal/quality"
	"github.com/atmx/bid-engine/internal/snapshot"
	"github.com/atmx/bid-engine/internal/store"
	"github.com/atmx/bid-engine/internal/strategy"
)

var configPath = flag.String("config", "", "Path to configuration file (optional)")

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}
	slog.SetDefault(newLogger(cfg.Logging))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Initialize store ---
	var st store.Store
	var cleanup []func()

	if cfg.Database.URL != "" {
		pool, err := pgxpool.New(ctx, cfg.Database.URL)
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
	} else {
		slog.Warn("database.url not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	// Redis fronts either store and holds published λ.
	if cfg.Redis.URL != "" {
		opt, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			slog.Error("invalid redis.url", "err", err)
			os.Exit(1)
		}
		rdb := redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
		st = store.NewCachedStore(st, rdb, cfg.Redis.TTL)
		slog.Info("Redis cache enabled", "ttl", cfg.Redis.TTL)
	}

	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()

	// --- Scoring components ---
	est, err := estimator.New(cfg.Estimator.Default, cfg.Estimator.Categories)
	if err != nil {
		slog.Error("estimator", "err", err)
		os.Exit(1)
	}
	norm, err := normalize.New(decimal.NewFromFloat(cfg.Normalize.DefaultAOV), normalize.CPAFormula(cfg.Normalize.CPAFormula))
	if err != nil {
		slog.Error("normalizer", "err", err)
		os.Exit(1)
	}

	qp := quality.NewProvider(cfg.QualityOptions())
	if cfg.Quality.ArtifactPath == "" {
		qp.Publish(quality.RuleModel{})
		slog.Info("quality model published", "version", qp.Version())
	} else {
		reloader := quality.NewReloader(qp, cfg.Quality.ArtifactPath, cfg.Quality.ReloadInterval)
		go reloader.Run(ctx)
	}

	// --- Snapshots ---
	cache := snapshot.NewCache()
	refresher := snapshot.NewRefresher(cache, st, cfg.Snapshot.RefreshInterval)
	if err := refresher.Refresh(ctx); err != nil {
		slog.Warn("initial snapshot load failed, starting empty", "err", err)
	}
	go refresher.Run(ctx)

	// --- Ledger and λ ---
	loc, _ := time.LoadLocation(cfg.Portfolio.ResetTimezone)
	ledger := portfolio.NewLedger(decimal.NewFromFloat(cfg.Portfolio.DefaultTargetROAS), portfolio.PeriodStart(time.Now(), loc))
	if accounts, err := st.ListLedgerAccounts(ctx); err != nil {
		slog.Warn("ledger accounts not restored", "err", err)
	} else {
		for _, acct := range accounts {
			ledger.Restore(acct)
		}
		slog.Info("ledger restored", "accounts", len(accounts), "period_start", ledger.PeriodStart())
	}
	go portfolio.NewResetter(ledger, loc, st).Run(ctx)

	lambdas := portfolio.NewLambdaBook(cfg.Portfolio.DefaultLambda)
	if values, err := st.LoadLambdas(ctx); err != nil {
		slog.Warn("published lambdas not loaded, using default", "err", err)
	} else if len(values) > 0 {
		lambdas.Publish(values)
	}
	go lambdas.Run(ctx)
	go portfolio.NewTuner(ledger, lambdas, cfg.TunerOptions(), st).Run(ctx)

	// --- Auctions ---
	engine := auction.NewEngine(auction.Deps{
		Estimator:    est,
		Normalizer:   norm,
		Quality:      qp,
		Strategies:   strategy.New(cfg.StrategyOptions()),
		Cache:        cache,
		Ledger:       ledger,
		Lambdas:      lambdas,
		PeriodLength: cfg.Strategy.DayLength,
	})

	wsHub := api.NewWSHub()
	go wsHub.Run(ctx)

	// Outcomes keep draining after shutdown starts, so they get their own
	// context.
	recCtx, stopRecorder := context.WithCancel(context.Background())
	recorder := api.NewRecorder(st, ledger, wsHub, 4096)
	recorderDone := make(chan struct{})
	go func() {
		recorder.Run(recCtx)
		close(recorderDone)
	}()

	svc := api.NewService(api.Deps{
		Engine:   engine,
		Store:    st,
		Cache:    cache,
		Ledger:   ledger,
		Lambdas:  lambdas,
		Quality:  qp,
		Recorder: recorder,
	})

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(metrics.Middleware)

	r.Get("/health", svc.Health)
	r.Handle("/metrics", metrics.Handler())
	svc.Routes(r, wsHub)

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + strconv.Itoa(cfg.Server.Port),
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		slog.Info("bid-engine listening", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	slog.Info("shutting down bid-engine...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}

	stopRecorder()
	select {
	case <-recorderDone:
	case <-shutdownCtx.Done():
		slog.Warn("recorder did not drain before shutdown timeout")
	}

	for _, acct := range ledger.Accounts() {
		if err := st.SaveLedgerAccount(shutdownCtx, &acct); err != nil {
			slog.Error("ledger account not saved", "advertiser_id", acct.AdvertiserID, "err", err)
		}
	}
	slog.Info("bid-engine stopped")
}

func newLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}
