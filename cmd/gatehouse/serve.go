package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gatehouse-dev/gatehouse/internal/admission"
	"github.com/gatehouse-dev/gatehouse/internal/api"
	"github.com/gatehouse-dev/gatehouse/internal/cleanup"
	"github.com/gatehouse-dev/gatehouse/internal/config"
	"github.com/gatehouse-dev/gatehouse/internal/metrics"
	"github.com/gatehouse-dev/gatehouse/internal/permission"
	"github.com/gatehouse-dev/gatehouse/internal/principal"
	"github.com/gatehouse-dev/gatehouse/internal/queue"
	"github.com/gatehouse-dev/gatehouse/internal/ratelimit"
	"github.com/gatehouse-dev/gatehouse/internal/reqlog"
	"github.com/gatehouse-dev/gatehouse/internal/store"
	"github.com/gatehouse-dev/gatehouse/internal/ws"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the Gatehouse server",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.Database.URL)
	if err != nil {
		return err
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		return err
	}
	slog.Info("connected to database")

	st := store.New(pool)

	collector := reqlog.NewCollector(st, cfg.RequestLog.BatchSize, cfg.RequestLog.FlushInterval)
	go collector.Start(ctx)

	resolver := ratelimit.NewResolver(st, ratelimit.LimitConfig{
		PerMinute:  cfg.RateLimit.PerMinute,
		PerHour:    cfg.RateLimit.PerHour,
		PerDay:     cfg.RateLimit.PerDay,
		Concurrent: cfg.RateLimit.Concurrent,
	}, cfg.RateLimit.ConfigTTL)
	limiter := ratelimit.New(resolver, collector, st)

	overflow := queue.New(
		queue.WithMaxSize(cfg.Queue.MaxSize),
		queue.WithProcessTimeEstimate(cfg.Queue.ProcessTimeEstimate),
	)
	gateway := admission.NewGateway(limiter, resolver, overflow)

	broker := permission.NewBroker(st, cfg.Permission.DecisionTimeout)
	hub := ws.NewHub()
	defer hub.Close()
	broadcast := permission.Broadcast(func(ev permission.Event) {
		hub.Publish(ev.SessionID, ev)
	})

	extractor := principal.NewExtractor(st, st)

	m := metrics.New()
	m.RegisterDBPoolCollector(func() (total, idle, acquired int32) {
		stat := pool.Stat()
		return stat.TotalConns(), stat.IdleConns(), stat.AcquiredConns()
	})
	m.RegisterQueueDepth(overflow.Size)
	m.RegisterPendingPermissions(broker.PendingCount)

	janitor := cleanup.NewService(limiter, st, cfg.Cleanup.Interval, cfg.Cleanup.SleepTimeout)
	janitor.Start(ctx)
	defer janitor.Stop()

	router := api.NewRouter(api.RouterDeps{
		DBPool:         pool,
		Store:          st,
		Limiter:        limiter,
		Gateway:        gateway,
		Queue:          overflow,
		Broker:         broker,
		Hub:            hub,
		Extractor:      extractor,
		Metrics:        m,
		Broadcast:      broadcast,
		AllowedOrigins: cfg.CORS.AllowedOrigins,
		OnActivity:     janitor.RecordActivity,
	})

	srv := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		slog.Info("server starting", "addr", cfg.Addr())
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-sigCh
	slog.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	collector.Stop()

	return srv.Shutdown(shutdownCtx)
}
