// Command printservice runs the restaurant print daemon: it ingests
// webhook orders, drives the thermal printer, drains the offline queue
// after outages and exposes the operator API.
//
// A single subcommand exists besides the daemon itself:
//
//	printservice hash-password [password]
//
// which prints an Argon2id hash suitable for ADMIN_PASSWORD_HASH.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/restogear/print-service/internal/adapter/httpserver"
	"github.com/restogear/print-service/internal/adapter/notify"
	"github.com/restogear/print-service/internal/adapter/observability"
	"github.com/restogear/print-service/internal/adapter/printer"
	"github.com/restogear/print-service/internal/adapter/receipt"
	"github.com/restogear/print-service/internal/adapter/repo/sqlstore"
	"github.com/restogear/print-service/internal/app"
	"github.com/restogear/print-service/internal/config"
	"github.com/restogear/print-service/internal/domain"
	"github.com/restogear/print-service/internal/service/breaker"
	"github.com/restogear/print-service/internal/service/connectivity"
	"github.com/restogear/print-service/internal/service/health"
	"github.com/restogear/print-service/internal/service/notifier"
	"github.com/restogear/print-service/internal/service/offlinequeue"
	"github.com/restogear/print-service/internal/service/printmanager"
	"github.com/restogear/print-service/internal/service/recovery"
	"github.com/restogear/print-service/internal/service/retry"
	"github.com/restogear/print-service/internal/usecase"
)

// Exit codes: 0 clean shutdown, 1 runtime failure, 2 misconfiguration.
func main() {
	if len(os.Args) > 1 && os.Args[1] == "hash-password" {
		os.Exit(hashPasswordCmd(os.Args[2:]))
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(2)
	}
	os.Exit(run(cfg))
}

func run(cfg config.Config) int {
	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	ctx := context.Background()

	// Store. Postgres may come up after us (compose sidecar), so the
	// first ping retries with exponential backoff before giving up.
	dsn := cfg.StorePath
	if cfg.StoreDriver == config.StoreDriverPostgres {
		dsn = cfg.DatabaseURL
	}
	store, err := sqlstore.Open(cfg.StoreDriver, dsn)
	if err != nil {
		slog.Error("store open failed", slog.String("driver", cfg.StoreDriver), slog.Any("error", err))
		return 2
	}
	defer func() { _ = store.Close() }()

	expo := backoff.NewExponentialBackOff()
	expo.MaxElapsedTime = 30 * time.Second
	if err := backoff.Retry(func() error { return store.Ping(ctx) }, backoff.WithContext(expo, ctx)); err != nil {
		slog.Error("store unreachable", slog.String("driver", cfg.StoreDriver), slog.Any("error", err))
		return 2
	}
	if err := store.Migrate(ctx); err != nil {
		slog.Error("store migrate failed", slog.Any("error", err))
		return 1
	}

	// Jobs stuck in printing from a previous crash go back to pending
	// before the manager starts, so nothing waits out the stale sweep.
	cutoff := time.Now().UTC().Add(-cfg.StalePrintingAfter)
	if n, err := store.ResetStalePrinting(ctx, cutoff); err != nil {
		slog.Warn("stale printing reset failed", slog.Any("error", err))
	} else if n > 0 {
		slog.Info("requeued jobs stuck in printing", slog.Int("count", n))
	}

	// Printer driver and receipt formatter.
	driver, err := printer.New(printer.Options{
		Interface: cfg.PrinterInterface,
		IP:        cfg.PrinterIP,
		Port:      cfg.PrinterPort,
		Device:    cfg.PrinterUSBDevice,
	})
	if err != nil {
		slog.Error("printer driver init failed", slog.String("interface", cfg.PrinterInterface), slog.Any("error", err))
		return 2
	}
	defer func() { _ = driver.Disconnect() }()

	formatter := receipt.New(receipt.Options{
		RestaurantName: cfg.RestaurantName,
		Region:         cfg.RestaurantRegion,
		TaxRate:        cfg.TaxRate,
		CurrencyCode:   cfg.CurrencyCode,
		CurrencySymbol: cfg.CurrencySymbol,
	})

	// Circuit breakers shared across services.
	breakers := breaker.NewRegistry()
	printerBrk, _ := breakers.Get(breaker.Printer)
	smtpBrk, _ := breakers.Get(breaker.SMTP)
	apiBrk, _ := breakers.Get(breaker.ExternalAPI)
	dbBrk, _ := breakers.Get(breaker.Database)

	// Notifications. A missing SMTP host disables delivery but keeps the
	// notifier running so throttle state and history stay observable.
	var transport domain.NotificationTransport
	if cfg.NotifyEnabled() {
		transport = notify.NewSMTP(notify.SMTPOptions{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
			From:     cfg.SMTPFrom,
		})
	} else {
		slog.Info("email notifications disabled")
	}
	notif := notifier.New(store, transport, smtpBrk, notifier.Options{
		Recipients:    cfg.NotificationEmails,
		Restaurant:    cfg.RestaurantName,
		Region:        cfg.RestaurantRegion,
		TemplatesFile: cfg.NotificationTemplatesFile,
		QueueSize:     cfg.NotificationQueueSize,
	})
	if err := notif.LoadTemplates(ctx); err != nil {
		slog.Error("notification templates load failed", slog.Any("error", err))
		return 2
	}

	// Core services.
	queue := offlinequeue.New(store, offlinequeue.Options{
		MaxSize: cfg.QueueMaxSize,
		ItemTTL: cfg.QueueItemTTL,
	})
	retries := retry.NewManager(store, 0)
	connMon := connectivity.NewMonitor(driver, store, connectivity.Options{
		CheckInterval: cfg.ConnectivityCheckInterval,
		ProbeHosts:    cfg.ConnectivityProbeHosts,
		DialTimeout:   cfg.ConnectivityProbeTimeout,
	})
	printing := printmanager.New(store, driver, queue, retries, printerBrk, notif, printmanager.Options{
		PollInterval:       cfg.PrintPollInterval,
		StalePrintingAfter: cfg.StalePrintingAfter,
	})
	rec := recovery.NewManager(store, store, store, queue, printing, notif, recovery.Options{
		BatchSize:        cfg.RecoveryBatchSize,
		BatchDelay:       cfg.RecoveryBatchDelay,
		SuccessThreshold: cfg.RecoverySuccessThreshold,
	})

	diskPath := ""
	if cfg.StoreDriver == config.StoreDriverSQLite {
		diskPath = filepath.Dir(cfg.StorePath)
	}
	healthMon, err := health.NewMonitor(store, notif, apiBrk, health.Options{
		CheckInterval:     cfg.HealthCheckInterval,
		DiskPath:          diskPath,
		PublicURL:         publicURL(cfg.PublicDomain),
		PublicURLInterval: cfg.PublicURLCheckInterval,
		PublicURLTimeout:  cfg.PublicURLTimeout,
	})
	if err != nil {
		slog.Error("health monitor init failed", slog.Any("error", err))
		return 2
	}

	// Usecases.
	ingest := usecase.NewIngestService(store, store, formatter, queue, connMon, notif, usecase.IngestOptions{
		Variants:        receiptVariants(cfg),
		DefaultCurrency: cfg.CurrencyCode,
		MaxAttempts:     domain.DefaultMaxAttempts,
	})
	stats := usecase.NewStatsService(store, queue)

	// HTTP server.
	srv := httpserver.NewServer(cfg, ingest, stats, printing, rec, healthMon, notif, retries, breakers, connMon, app.StoreCheck(store, dbBrk))
	handler := app.BuildRouter(cfg, srv)
	srvHTTP := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:           handler,
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Background workers. Event subscribers attach before the monitor
	// starts so the first transition is never missed.
	runCtx, cancelWorkers := context.WithCancel(ctx)
	defer cancelWorkers()

	notifEvents := connMon.Subscribe()
	recEvents := connMon.Subscribe()

	var wg sync.WaitGroup
	worker := func(fn func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(runCtx)
		}()
	}
	worker(connMon.Run)
	worker(retries.Run)
	worker(healthMon.Run)
	worker(notif.Run)
	worker(func(c context.Context) { notif.RunEvents(c, notifEvents) })
	worker(func(c context.Context) { rec.Run(c, recEvents) })

	if cfg.RetentionDays > 0 {
		cleaner := sqlstore.NewCleaner(store, cfg.RetentionDays)
		worker(func(c context.Context) { cleaner.RunPeriodic(c, cfg.CleanupInterval) })
	}

	printing.Start(runCtx)

	notif.Notify(runCtx, domain.NotifyServiceRestart, map[string]any{
		"store_driver":      cfg.StoreDriver,
		"printer_interface": cfg.PrinterInterface,
		"http_port":         cfg.HTTPPort,
	})

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server starting", slog.Int("port", cfg.HTTPPort))
		errCh <- srvHTTP.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	code := 0
	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.Any("error", err))
			code = 1
		}
	}

	// Stop in reverse order: refuse new requests, drain the print loop,
	// then cancel the workers.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	_ = srvHTTP.Shutdown(shutdownCtx)

	printing.Stop()
	cancelWorkers()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(cfg.ServerShutdownTimeout):
		slog.Warn("workers did not stop within grace period")
	}

	slog.Info("print service stopped")
	return code
}

// receiptVariants maps the ENABLE_* flags onto the per-order job list,
// in print order.
func receiptVariants(cfg config.Config) []domain.JobType {
	var v []domain.JobType
	if cfg.EnableKitchenReceipt {
		v = append(v, domain.JobTypeKitchen)
	}
	if cfg.EnableDriverReceipt {
		v = append(v, domain.JobTypeService)
	}
	if cfg.EnableCustomerReceipt {
		v = append(v, domain.JobTypeCustomer)
	}
	return v
}

// publicURL turns a bare domain into a probe URL. An explicit scheme is
// kept as-is so http:// test endpoints keep working.
func publicURL(host string) string {
	if host == "" {
		return ""
	}
	if strings.Contains(host, "://") {
		return host
	}
	return "https://" + host
}

// hashPasswordCmd prints an Argon2id hash for ADMIN_PASSWORD_HASH. The
// password is taken from the first argument or, absent that, read from
// stdin so it stays out of shell history.
func hashPasswordCmd(args []string) int {
	var password string
	switch {
	case len(args) > 0:
		password = args[0]
	default:
		fmt.Fprint(os.Stderr, "password: ")
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil && line == "" {
			fmt.Fprintln(os.Stderr, "read password:", err)
			return 1
		}
		password = strings.TrimRight(line, "\r\n")
	}
	if password == "" {
		fmt.Fprintln(os.Stderr, "usage: printservice hash-password [password]")
		return 2
	}
	hash, err := httpserver.HashPassword(password, httpserver.DefaultArgon2Params())
	if err != nil {
		fmt.Fprintln(os.Stderr, "hash password:", err)
		return 1
	}
	fmt.Println(hash)
	return 0
}
