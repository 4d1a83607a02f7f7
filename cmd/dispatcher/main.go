package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/geo"
	httpapi "github.com/example/ride-dispatch/internal/http"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/scheduler"
	"github.com/example/ride-dispatch/internal/storage"
)

// store is what the dispatcher needs from its primary database.
type store interface {
	storage.TripStore
	matcher.DriverDirectory
	matcher.LocationStore
	matcher.DirectoryCheck
	httpapi.LocationWriter
	httpapi.Pinger
}

func main() {
	cfg, err := config.LoadDispatchConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(2)
	}
	logger := logging.NewLogger("dispatcher", cfg.LogLevel)
	if err := run(cfg, logger); err != nil {
		logger.Error("dispatcher exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.DispatchConfig, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var (
		st    store
		ready []httpapi.Pinger
	)
	if cfg.PGDSN != "" {
		if cfg.RunMigrations {
			if err := storage.Migrate(cfg.MigrationsPath, cfg.PGDSN); err != nil {
				return err
			}
			logger.Info("migrations applied", "source", cfg.MigrationsPath)
		}
		pg, err := storage.NewPostgresStore(ctx, cfg.PGDSN)
		if err != nil {
			return err
		}
		defer pg.Close()
		st = pg
	} else {
		logger.Warn("PG_DSN not set, using in-memory store")
		st = storage.NewMemoryStore()
	}
	ready = append(ready, st)

	locator := &matcher.Locator{
		Directory:      st,
		Staleness:      cfg.Policy.Staleness,
		CandidateLimit: cfg.Policy.CandidateLimit,
		Logger:         logging.Component(logger, "locator"),
	}
	var writer httpapi.LocationWriter = st
	switch cfg.LocationBackend {
	case config.LocationBackendPostgres:
		locator.Locations = st
	case config.LocationBackendRedis:
		rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer rc.Close()
		rl := geo.NewRedisLocations(rc, cfg.RedisGeoKey)
		locator.Locations = rl
		locator.Verify = st
		writer = rl
		ready = append(ready, rl)
	case config.LocationBackendNone:
		writer = nil
	}
	if cfg.LocatorStrategy == config.StrategyRTree {
		locator.Nearest = geo.RTreeNearest
	}

	wsReg := dispatch.NewWSRegistry()
	fanout := dispatch.NewFanout(logging.Component(logger, "notify")).Add("ws", wsReg)
	var publisher httpapi.LocationPublisher
	if len(cfg.KafkaBrokers) > 0 {
		kn := dispatch.NewKafkaNotifier(cfg.KafkaBrokers, cfg.KafkaEventsTopic)
		defer kn.Close()
		fanout.Add("kafka", kn)

		kp := ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaLocationsTopic)
		defer kp.Close()
		publisher = kp
	}
	if cfg.NotifyWebhookURL != "" {
		fanout.Add("webhook", dispatch.NewWebhookNotifier(cfg.NotifyWebhookURL))
	}

	engine := &scheduler.Engine{
		Trips:   st,
		Locator: locator,
		Policy:  cfg.Policy,
		Logger:  logging.Component(logger, "engine"),
	}
	sched := scheduler.New(engine, scheduler.Options{
		Notifier:    fanout,
		Interval:    cfg.Policy.TickInterval,
		MaxAttempts: cfg.Policy.MaxAttempts,
		Logger:      logger,
	})

	srv := &http.Server{
		Addr: cfg.HTTPAddr,
		Handler: httpapi.NewServer(httpapi.Deps{
			Runner:    sched,
			WSReg:     wsReg,
			Writer:    writer,
			Publisher: publisher,
			Ready:     ready,
			Logger:    logger,
		}),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	sched.Start()
	defer sched.Stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("dispatcher listening",
			"addr", cfg.HTTPAddr,
			"location_backend", cfg.LocationBackend,
			"strategy", cfg.LocatorStrategy,
			"sinks", fanout.Len(),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
