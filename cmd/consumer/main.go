package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/storage"
)

var (
	msgsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "ride_dispatch",
		Name:      "consumer_messages_consumed_total",
		Help:      "Total driver location messages consumed",
	})
	msgsInvalid = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "ride_dispatch",
		Name:      "consumer_messages_invalid_total",
		Help:      "Total invalid messages received",
	})
	writeErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "ride_dispatch",
		Name:      "consumer_write_errors_total",
		Help:      "Total location writes that failed after retries",
	})
)

func init() {
	prometheus.MustRegister(msgsConsumed, msgsInvalid, writeErrors)
}

// LocationWriter is the live-location store the consumer keeps current.
type LocationWriter interface {
	UpsertLocation(ctx context.Context, loc models.DriverLiveLocation) error
	Ping(ctx context.Context) error
}

func main() {
	var metricsAddr string
	flag.StringVar(&metricsAddr, "metrics-addr", ":2112", "address to serve prometheus metrics on")
	flag.Parse()

	cfg, err := config.LoadDispatchConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(2)
	}
	logger := logging.NewLogger("consumer", cfg.LogLevel)
	if err := run(cfg, metricsAddr, logger); err != nil {
		logger.Error("consumer exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.DispatchConfig, metricsAddr string, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if len(cfg.KafkaBrokers) == 0 {
		return errors.New("KAFKA_BROKERS is required")
	}

	var w LocationWriter
	switch cfg.LocationBackend {
	case config.LocationBackendRedis:
		rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer rc.Close()
		w = geo.NewRedisLocations(rc, cfg.RedisGeoKey)
	case config.LocationBackendPostgres:
		if cfg.PGDSN == "" {
			return errors.New("LOCATION_BACKEND=postgres requires PG_DSN")
		}
		pg, err := storage.NewPostgresStore(ctx, cfg.PGDSN)
		if err != nil {
			return err
		}
		defer pg.Close()
		w = pg
	default:
		return fmt.Errorf("consumer cannot write to LOCATION_BACKEND=%s", cfg.LocationBackend)
	}

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) { rw.WriteHeader(200); rw.Write([]byte("ok")) })
		mux.HandleFunc("/ready", func(rw http.ResponseWriter, r *http.Request) {
			if err := w.Ping(r.Context()); err != nil {
				http.Error(rw, "location store not ready", http.StatusServiceUnavailable)
				return
			}
			rw.WriteHeader(200)
			rw.Write([]byte("ready"))
		})
		logger.Info("metrics/health listening", "addr", metricsAddr)
		if err := http.ListenAndServe(metricsAddr, mux); err != nil {
			logger.Warn("metrics server stopped", "error", err)
		}
	}()

	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.KafkaBrokers,
		Topic:    cfg.KafkaLocationsTopic,
		GroupID:  cfg.KafkaGroup,
		MinBytes: 10e3,
		MaxBytes: 10e6,
	})
	defer r.Close()

	logger.Info("consumer listening",
		"topic", cfg.KafkaLocationsTopic,
		"brokers", cfg.KafkaBrokers,
		"group", cfg.KafkaGroup,
		"backend", cfg.LocationBackend,
	)
	consume(ctx, r, w, logger)
	logger.Info("shutting down consumer")
	return nil
}

type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
}

// consume applies location messages until ctx is cancelled. Read errors back
// off exponentially up to 30s; bad messages and failed writes are skipped.
func consume(ctx context.Context, r messageReader, w LocationWriter, logger *slog.Logger) {
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn("kafka read error", "error", err, "backoff", backoff.String())
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = time.Second
		msgsConsumed.Inc()

		loc, err := decodeLocation(m.Value)
		if err != nil {
			msgsInvalid.Inc()
			logger.Warn("invalid location message", "offset", m.Offset, "error", err)
			continue
		}
		if err := updateWithRetry(ctx, w, loc, 3, 200*time.Millisecond); err != nil {
			writeErrors.Inc()
			logger.Error("location update failed", "driver_id", loc.DriverID, "error", err)
			continue
		}
		observability.LocationsIngested.Inc()
	}
}

func decodeLocation(b []byte) (models.DriverLiveLocation, error) {
	var loc models.DriverLiveLocation
	if err := json.Unmarshal(b, &loc); err != nil {
		return loc, err
	}
	if loc.DriverID == "" {
		return loc, errors.New("missing driver_id")
	}
	if !geo.Finite(models.Coord{Lat: loc.Lat, Lng: loc.Lng}) {
		return loc, fmt.Errorf("driver %s: non-finite position", loc.DriverID)
	}
	if loc.UpdatedAt.IsZero() {
		loc.UpdatedAt = time.Now().UTC()
	}
	return loc, nil
}

// updateWithRetry writes loc, doubling delay between attempts.
func updateWithRetry(ctx context.Context, w LocationWriter, loc models.DriverLiveLocation, attempts int, delay time.Duration) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = w.UpsertLocation(ctx, loc); err == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return err
}
