package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"qms/clinic-queue/internal/announce"
	"qms/clinic-queue/internal/clock"
	"qms/clinic-queue/internal/config"
	"qms/clinic-queue/internal/httpapi"
	"qms/clinic-queue/internal/numbering"
	"qms/clinic-queue/internal/patient"
	"qms/clinic-queue/internal/queue"
	"qms/clinic-queue/internal/receipt"
	"qms/clinic-queue/internal/store/sqlite"
	"qms/clinic-queue/internal/telemetry"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

func serveCmd(configFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the queue HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(*configFile)
		},
	}
}

func runServer(configFile string) error {
	cfg, logger, err := setup(configFile)
	if err != nil {
		return err
	}
	loc, err := cfg.Location()
	if err != nil {
		return err
	}
	overflow, err := numbering.ParseOverflow(cfg.NumberingOverflow)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing := telemetry.Setup(ctx, telemetry.Options{
		ServiceName: "clinic-queue",
		Endpoint:    cfg.OTLPEndpoint,
		Insecure:    cfg.OTLPInsecure,
	}, logger)

	st, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	if cfg.CatalogFile != "" {
		if err := applyCatalog(ctx, cfg.CatalogFile, st, logger); err != nil {
			return err
		}
	} else if cfg.Store == config.StoreMemory {
		logger.Warn().Msg("CATALOG_FILE not set, memory store starts without services")
	}

	var workers sync.WaitGroup
	if snapshotter, ok := st.(*sqlite.Store); ok {
		workers.Add(1)
		go func() {
			defer workers.Done()
			snapshotter.Run(ctx, cfg.SnapshotInterval())
		}()
	}

	hub := announce.NewHub(logger)
	sinks := announce.Multi{hub, announce.NewLogSink(logger)}
	if cfg.AnnounceWebhookURL != "" {
		webhook := announce.NewWebhookSink(cfg.AnnounceWebhookURL, cfg.AnnounceWebhookToken, logger)
		sinks = append(sinks, webhook)
		workers.Add(1)
		go func() {
			defer workers.Done()
			webhook.Run(ctx)
		}()
	}

	clk := clock.Real()
	numbers := numbering.NewEngine(st, st, clk, loc, overflow)
	registry := patient.NewRegistry(st, clk)
	manager := queue.NewManager(st, numbers, registry, sinks, clk, logger, queue.Options{
		Clinic:          receipt.Clinic{Name: cfg.ClinicName, Address: cfg.ClinicAddress},
		ConflictRetries: cfg.ConflictRetries,
	})
	records := patient.NewRecords(st, manager, clk, logger)

	handler := httpapi.NewHandler(httpapi.Deps{
		Queue:    manager,
		Patients: registry,
		Records:  records,
		Hub:      hub,
		Logger:   logger,
	})
	limiter := httpapi.NewRateLimiter(httpapi.RateLimitConfig{
		PerMinute: cfg.RateLimitPerMinute,
		Burst:     cfg.RateLimitBurst,
	})

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      otelhttp.NewHandler(httpapi.LoggingMiddleware(logger)(limiter.Middleware(handler.Routes())), "clinic-queue"),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info().
			Str("addr", server.Addr).
			Str("store", cfg.Store).
			Str("timezone", loc.String()).
			Msg("clinic-queue listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serverErr:
		if err != nil {
			logger.Error().Err(err).Msg("server error")
		}
	}
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("shutdown error")
	}
	workers.Wait()
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("tracer shutdown")
	}
	logger.Info().Msg("clinic-queue stopped")
	return nil
}
