/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the benefits platform server. Handles
  configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (file, .env, environment, flags)
  2. Build the logger
  3. Initialize the SQLite store and the identity directory
  4. Choose the wallet ledger: in-process, or remote over HTTP
  5. Wire the services, the router and the scheduler
  6. Start the server with graceful shutdown

COMMAND-LINE FLAGS:
  -config  YAML configuration file (optional)
  -addr    Listen address, overrides server.addr
  -db      SQLite database path, overrides database.path
           Use ":memory:" for an in-memory database

LEDGER MODES:
  With ledger.remote_url empty the ledger shares this process and database
  and is also served on /api/ledger. Otherwise programs and settlement talk
  to the remote ledger through walletclient, and the wallet routes are not
  mounted.

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the scheduler (a running pass finishes)
  2. Stop accepting new connections
  3. Wait for active requests (server.shutdown_timeout)
  4. Close the database

SEE ALSO:
  - config/config.go: Configuration sources and precedence
  - api/server.go: Router configuration
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/warp/benefits-engine/api"
	"github.com/warp/benefits-engine/benefit"
	"github.com/warp/benefits-engine/config"
	"github.com/warp/benefits-engine/identity"
	"github.com/warp/benefits-engine/logging"
	"github.com/warp/benefits-engine/program"
	"github.com/warp/benefits-engine/reporting"
	"github.com/warp/benefits-engine/settlement"
	"github.com/warp/benefits-engine/store/sqlite"
	"github.com/warp/benefits-engine/wallet"
	"github.com/warp/benefits-engine/walletclient"
)

// ledgerPort is everything the other services need from the wallet ledger.
type ledgerPort interface {
	program.Ledger
	settlement.Ledger
	reporting.LedgerReader
	api.JournalCleaner
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "benefits-engine:", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "YAML configuration file")
	addr := flag.String("addr", "", "HTTP listen address (overrides config)")
	dbPath := flag.String("db", "", "SQLite database path (overrides config)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}
	if *dbPath != "" {
		cfg.Database.Path = *dbPath
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return err
	}
	defer logger.Sync()

	store, err := sqlite.New(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("initialize database: %w", err)
	}
	defer store.Close()

	identities, err := identity.FromEntries(cfg.Identities)
	if err != nil {
		return fmt.Errorf("load identities: %w", err)
	}
	logger.Info("identity directory loaded", zap.Int("principals", identities.Len()))

	// Ledger
	var (
		local  *wallet.Ledger
		ledger ledgerPort
	)
	if cfg.Ledger.RemoteURL == "" {
		local = wallet.NewLedger(store, wallet.WithLogger(logger.Named("ledger")))
		ledger = local
		logger.Info("wallet ledger running in-process")
	} else {
		ledger = walletclient.New(cfg.Ledger.RemoteURL, cfg.Ledger.ServiceToken,
			walletclient.WithLogger(logger.Named("walletclient")))
		logger.Info("wallet ledger is remote", zap.String("url", cfg.Ledger.RemoteURL))
	}

	// Services
	registry := program.NewRegistry(store,
		program.WithIdentity(identities),
		program.WithRegistryLogger(logger.Named("registry")))
	disburser := program.NewDisburser(registry, store, ledger, program.DisburserConfig{
		Concurrency:   cfg.Disbursement.Concurrency,
		CreditTimeout: cfg.Ledger.CreditTimeout,
	}, logger.Named("disbursement"))
	settle := settlement.NewService(store, ledger, settlement.Config{DebitTimeout: cfg.Ledger.DebitTimeout},
		settlement.WithLogger(logger.Named("settlement")))

	handler := &api.Handler{
		Ledger:     local,
		Registry:   registry,
		Disburser:  disburser,
		Settlement: settle,
		Reports:    reporting.NewReporter(ledger, settle),
		Logger:     logger.Named("api"),
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var limiter *api.RateLimiter
	if cfg.Server.RateLimit.RPS > 0 {
		limiter = api.NewRateLimiter(cfg.Server.RateLimit.RPS, cfg.Server.RateLimit.Burst, logger.Named("ratelimit"))
		go limiter.Run(ctx, time.Minute)
	}

	router := api.NewRouter(handler, api.RouterConfig{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		ServiceToken:   cfg.Ledger.ServiceToken,
		Identities:     identities,
		RateLimiter:    limiter,
		Health:         store.Ping,
	})

	// Scheduler
	var scheduler *api.Scheduler
	if cfg.Scheduler.Enabled {
		scheduler = api.NewScheduler(disburser, settle, ledger, api.SchedulerConfig{
			Interval:          cfg.Scheduler.Interval,
			StalePendingAfter: cfg.Scheduler.StalePendingAfter,
			Retention:         retentionPolicy(cfg.Scheduler.Retention),
		}, logger)
		scheduler.Start()
	} else {
		logger.Info("scheduler disabled")
	}

	server := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("addr", cfg.Server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	if scheduler != nil {
		scheduler.Stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("forced shutdown: %w", err)
	}

	logger.Info("server stopped")
	return nil
}

func retentionPolicy(rc config.RetentionConfig) wallet.RetentionPolicy {
	var p wallet.RetentionPolicy
	if rc.MaxAge > 0 {
		p.MaxAge = benefit.Ptr(rc.MaxAge)
	}
	if rc.MaxPerWallet > 0 {
		p.MaxPerWallet = benefit.Ptr(rc.MaxPerWallet)
	}
	return p
}
