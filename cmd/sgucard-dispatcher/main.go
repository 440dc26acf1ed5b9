// Copyright 2025 James Ross
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	_ "github.com/lib/pq"
	"github.com/sgucard/dispatcher/internal/api"
	"github.com/sgucard/dispatcher/internal/config"
	"github.com/sgucard/dispatcher/internal/dispatcher"
	"github.com/sgucard/dispatcher/internal/lock"
	"github.com/sgucard/dispatcher/internal/obs"
	"github.com/sgucard/dispatcher/internal/producer"
	"github.com/sgucard/dispatcher/internal/registry"
	"github.com/sgucard/dispatcher/internal/scheduler"
	"github.com/sgucard/dispatcher/internal/store"
	"github.com/sgucard/dispatcher/internal/worker"
	"go.uber.org/zap"
)

var version = "dev"

func main() {
	var role string
	var configPath string
	var showVersion bool
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	fs.StringVar(&role, "role", "all", "Role to run: dispatcher|scheduler|api|all")
	fs.StringVar(&configPath, "config", "config/config.yaml", "Path to YAML config")
	fs.BoolVar(&showVersion, "version", false, "Print version and exit")
	_ = fs.Parse(os.Args[1:])

	if showVersion {
		fmt.Println(version)
		return
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := obs.NewLogger(cfg.Observability.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	st, closeStore, err := openStore(cfg)
	if err != nil {
		logger.Fatal("failed to open store", obs.Err(err))
	}
	defer closeStore()

	coordLock, err := openLock(cfg)
	if err != nil {
		logger.Fatal("failed to build coordinator lock", obs.Err(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("signal received, shutting down", obs.String("signal", sig.String()))
		cancel()
		select {
		case sig2 := <-sigCh:
			logger.Warn("second signal received, exiting immediately", obs.String("signal", sig2.String()))
			os.Exit(1)
		case <-time.After(5 * time.Second):
		}
	}()

	readyCheck := func(c context.Context) error {
		_, err := st.Get(c, "00000000-0000-0000-0000-000000000000")
		if err == store.ErrNotFound {
			return nil
		}
		return err
	}
	httpSrv := obs.StartHTTPServer(cfg, readyCheck)
	defer func() { _ = httpSrv.Shutdown(context.Background()) }()

	reg := registry.New(cfg.APIServerURLs, registry.Config{
		HealthcheckPath:           cfg.HealthcheckPath,
		HealthcheckTimeout:        cfg.HealthcheckTimeout(),
		HealthcheckCache:          cfg.HealthcheckCache(),
		CircuitBreakerWindow:      cfg.CircuitBreaker.Window,
		CircuitBreakerCooldown:    cfg.CircuitBreaker.Cooldown,
		CircuitBreakerFailureRate: cfg.CircuitBreaker.FailureThreshold,
		CircuitBreakerMinSamples:  cfg.CircuitBreaker.MinSamples,
	})

	prod := producer.New(st, producer.Policy{
		SkipExisting:           cfg.SkipExisting,
		SkipActiveProcessing:   cfg.SkipActiveProcessing,
		SkipRecentSuccessHours: cfg.SkipRecentSuccessHours,
	}, logger)

	switch role {
	case "dispatcher":
		runDispatcher(ctx, cfg, st, reg, prod, coordLock, logger)
	case "scheduler":
		runScheduler(ctx, cfg, prod, logger)
	case "api":
		runAPI(ctx, cfg, st, prod, logger)
	case "all":
		go runScheduler(ctx, cfg, prod, logger)
		go runAPI(ctx, cfg, st, prod, logger)
		runDispatcher(ctx, cfg, st, reg, prod, coordLock, logger)
	default:
		logger.Fatal("unknown role", obs.String("role", role))
	}
}

func runDispatcher(ctx context.Context, cfg *config.Config, st store.Store, reg *registry.Registry, prod *producer.Producer, coordLock lock.Lock, logger *zap.Logger) {
	if err := coordLock.Acquire(ctx); err != nil {
		logger.Fatal("failed to acquire coordinator singleton lock", obs.Err(err))
	}
	defer func() {
		if err := coordLock.Release(context.Background()); err != nil {
			logger.Warn("failed to release coordinator lock", obs.Err(err))
		}
	}()

	wrk := worker.New(st, cfg.VerifyPath, cfg.APIToken, cfg.APITimeout(), cfg.PostJobCooldown(), logger)
	d := dispatcher.New(st, reg, wrk, cfg.Worker.ID, cfg.PollInterval(), cfg.VisibilityTimeout(), cfg.DispatchStagger(), logger)

	d.Run(ctx)
	d.Wait(context.Background())
}

func runScheduler(ctx context.Context, cfg *config.Config, prod *producer.Producer, logger *zap.Logger) {
	cards := &scheduler.FileCardLister{Path: cfg.CardListPath}
	sched := scheduler.New(cards, prod, time.Duration(cfg.RateLimitMs)*time.Millisecond, cfg.CronDailySpec, cfg.CronSweepSpec, logger)
	if err := sched.Start(ctx); err != nil {
		logger.Fatal("failed to start scheduler", obs.Err(err))
	}
	<-ctx.Done()
	sched.Stop()
}

func runAPI(ctx context.Context, cfg *config.Config, st store.Store, prod *producer.Producer, logger *zap.Logger) {
	svc := api.New(prod, st, cfg.API.AuthToken, logger)
	router := mux.NewRouter()
	svc.RegisterRoutes(router)
	srv := &http.Server{Addr: cfg.API.ListenAddr, Handler: router}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("job submission API stopped", obs.Err(err))
		}
	}()
	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}

func openStore(cfg *config.Config) (store.Store, func(), error) {
	switch cfg.Store.Driver {
	case "postgres":
		s, err := store.NewPostgresStore(cfg.Store.DSN)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { _ = s.Close() }, nil
	case "sqlite":
		s, err := store.NewSQLiteStore(cfg.Store.DSN)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { _ = s.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unsupported store driver %q", cfg.Store.Driver)
	}
}

// openLock builds the coordinator singleton lock matching the Job Store's own backend
// split (SPEC_FULL.md §4.6). Postgres gets a dedicated connection pool since the
// advisory lock must live on its own session for the process lifetime.
func openLock(cfg *config.Config) (lock.Lock, error) {
	switch cfg.Store.Driver {
	case "postgres":
		db, err := sql.Open("postgres", cfg.Store.DSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres for lock: %w", err)
		}
		return lock.NewPostgresLock(db, cfg.Worker.ID), nil
	case "sqlite":
		dir := filepath.Dir(cfg.Store.DSN)
		return lock.NewSQLiteLock(dir, cfg.Worker.ID), nil
	default:
		return nil, fmt.Errorf("unsupported store driver %q", cfg.Store.Driver)
	}
}
