package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	LocationBackendPostgres = "postgres"
	LocationBackendRedis    = "redis"
	LocationBackendNone     = "none"

	StrategyLinear = "linear"
	StrategyRTree  = "rtree"
)

// Policy holds the dispatch timing rules. MinLeadTime is enforced upstream
// when trips are created and is only carried here so both sides share it.
type Policy struct {
	TickInterval   time.Duration
	MaxAttempts    int
	Lookahead      time.Duration
	Grace          time.Duration
	MinLeadTime    time.Duration
	Staleness      time.Duration
	CandidateLimit int
	StoreTimeout   time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		TickInterval:   15 * time.Second,
		MaxAttempts:    5,
		Lookahead:      20 * time.Minute,
		Grace:          10 * time.Minute,
		MinLeadTime:    time.Minute,
		Staleness:      5 * time.Minute,
		CandidateLimit: 200,
		StoreTimeout:   5 * time.Second,
	}
}

// DispatchConfig captures everything the dispatcher process needs. Values come
// from defaults, then an optional YAML file named by DISPATCH_CONFIG, then the
// environment.
type DispatchConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	PGDSN          string
	RunMigrations  bool
	MigrationsPath string

	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string

	LocationBackend string
	LocatorStrategy string

	KafkaBrokers        []string
	KafkaEventsTopic    string
	KafkaLocationsTopic string
	KafkaGroup          string

	NotifyWebhookURL string

	Policy Policy

	LogLevel string
}

var durationKeys = map[string]time.Duration{
	"http_read_timeout":     5 * time.Second,
	"http_write_timeout":    10 * time.Second,
	"http_idle_timeout":     120 * time.Second,
	"http_shutdown_timeout": 15 * time.Second,
}

func newViper() *viper.Viper {
	v := viper.New()
	p := DefaultPolicy()

	v.SetDefault("http_addr", ":8080")
	for k, d := range durationKeys {
		v.SetDefault(k, d.String())
	}
	v.SetDefault("migrations_path", "file://migrations")
	v.SetDefault("redis_geo_key", "drivers_geo")
	v.SetDefault("location_backend", LocationBackendPostgres)
	v.SetDefault("locator_strategy", StrategyLinear)
	v.SetDefault("kafka_events_topic", "trip-updates")
	v.SetDefault("kafka_locations_topic", "driver-locations")
	v.SetDefault("kafka_group", "ride-dispatch-consumer")

	v.SetDefault("dispatch_tick_interval", p.TickInterval.String())
	v.SetDefault("dispatch_max_attempts", strconv.Itoa(p.MaxAttempts))
	v.SetDefault("dispatch_lookahead", p.Lookahead.String())
	v.SetDefault("dispatch_grace", p.Grace.String())
	v.SetDefault("dispatch_min_lead_time", p.MinLeadTime.String())
	v.SetDefault("dispatch_staleness", p.Staleness.String())
	v.SetDefault("dispatch_candidate_limit", strconv.Itoa(p.CandidateLimit))
	v.SetDefault("store_timeout", p.StoreTimeout.String())
	v.SetDefault("log_level", "info")

	v.AutomaticEnv()
	return v
}

func LoadDispatchConfig() (DispatchConfig, error) {
	v := newViper()
	var errs []error

	if path := strings.TrimSpace(v.GetString("dispatch_config")); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			errs = append(errs, fmt.Errorf("read config file %s: %w", path, err))
		}
	}

	cfg := DispatchConfig{
		HTTPAddr:            strings.TrimSpace(v.GetString("http_addr")),
		PGDSN:               v.GetString("pg_dsn"),
		RunMigrations:       strings.EqualFold(v.GetString("migrate"), "true"),
		MigrationsPath:      v.GetString("migrations_path"),
		RedisAddr:           strings.TrimSpace(v.GetString("redis_addr")),
		RedisPassword:       v.GetString("redis_password"),
		RedisGeoKey:         v.GetString("redis_geo_key"),
		LocationBackend:     strings.ToLower(strings.TrimSpace(v.GetString("location_backend"))),
		LocatorStrategy:     strings.ToLower(strings.TrimSpace(v.GetString("locator_strategy"))),
		KafkaBrokers:        splitAndTrim(v.GetString("kafka_brokers")),
		KafkaEventsTopic:    v.GetString("kafka_events_topic"),
		KafkaLocationsTopic: v.GetString("kafka_locations_topic"),
		KafkaGroup:          v.GetString("kafka_group"),
		NotifyWebhookURL:    strings.TrimSpace(v.GetString("notify_webhook_url")),
		LogLevel:            strings.ToLower(v.GetString("log_level")),
	}

	cfg.ReadTimeout = duration(v, "http_read_timeout", &errs)
	cfg.WriteTimeout = duration(v, "http_write_timeout", &errs)
	cfg.IdleTimeout = duration(v, "http_idle_timeout", &errs)
	cfg.ShutdownTimeout = duration(v, "http_shutdown_timeout", &errs)

	cfg.Policy = Policy{
		TickInterval:   duration(v, "dispatch_tick_interval", &errs),
		MaxAttempts:    integer(v, "dispatch_max_attempts", &errs),
		Lookahead:      duration(v, "dispatch_lookahead", &errs),
		Grace:          duration(v, "dispatch_grace", &errs),
		MinLeadTime:    duration(v, "dispatch_min_lead_time", &errs),
		Staleness:      duration(v, "dispatch_staleness", &errs),
		CandidateLimit: integer(v, "dispatch_candidate_limit", &errs),
		StoreTimeout:   duration(v, "store_timeout", &errs),
	}

	errs = append(errs, cfg.validate()...)
	return cfg, errors.Join(errs...)
}

func (c DispatchConfig) validate() []error {
	var errs []error
	p := c.Policy
	if p.TickInterval <= 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_TICK_INTERVAL must be > 0"))
	}
	if p.MaxAttempts <= 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_MAX_ATTEMPTS must be > 0"))
	}
	if p.CandidateLimit <= 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_CANDIDATE_LIMIT must be > 0"))
	}
	if p.Lookahead < 0 || p.Grace < 0 || p.Staleness < 0 {
		errs = append(errs, fmt.Errorf("dispatch windows must not be negative"))
	}
	if p.StoreTimeout <= 0 {
		errs = append(errs, fmt.Errorf("STORE_TIMEOUT must be > 0"))
	}
	switch c.LocationBackend {
	case LocationBackendPostgres, LocationBackendNone:
	case LocationBackendRedis:
		if c.RedisAddr == "" {
			errs = append(errs, fmt.Errorf("LOCATION_BACKEND=redis requires REDIS_ADDR"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown LOCATION_BACKEND %q", c.LocationBackend))
	}
	switch c.LocatorStrategy {
	case StrategyLinear, StrategyRTree:
	default:
		errs = append(errs, fmt.Errorf("unknown LOCATOR_STRATEGY %q", c.LocatorStrategy))
	}
	return errs
}

func duration(v *viper.Viper, key string, errs *[]error) time.Duration {
	raw := strings.TrimSpace(v.GetString(key))
	d, err := time.ParseDuration(raw)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("invalid %s: %w", strings.ToUpper(key), err))
		return 0
	}
	return d
}

func integer(v *viper.Viper, key string, errs *[]error) int {
	raw := strings.TrimSpace(v.GetString(key))
	i, err := strconv.Atoi(raw)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("invalid %s: %w", strings.ToUpper(key), err))
		return 0
	}
	return i
}

func splitAndTrim(v string) []string {
	if v == "" {
		return nil
	}
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
