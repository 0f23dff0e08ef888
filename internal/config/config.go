package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ServerConfig captures all tunable parameters for the HTTP API process.
// Values are primarily loaded from environment variables with sane defaults
// so the binary can run locally without excessive setup.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string

	KafkaBrokers     []string
	KafkaTopic       string
	KafkaEventsTopic string

	PGDSN string

	DefaultSpeedMps float64
	OSRMEndpoint    string
	LocationTTL     time.Duration

	PollInterval       time.Duration
	OfferWindow        time.Duration
	AirportRideTimeout time.Duration
	DeadlineSweep      time.Duration
	Workers            int

	SearchInnerRadiusKm float64
	SearchOuterRadiusKm float64
	SearchPhase1        time.Duration
	SearchPhase2        time.Duration

	SurgeRadiusKm float64
	SurgeWindow   time.Duration

	ZonesFile string

	PushEndpoint string
	FCMEndpoint  string
	FCMKey       string
	StripeAPIKey string

	LogLevel      string
	RunMigrations bool
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:            ":8080",
		ReadTimeout:         5 * time.Second,
		WriteTimeout:        10 * time.Second,
		IdleTimeout:         120 * time.Second,
		ShutdownTimeout:     15 * time.Second,
		RedisGeoKey:         "drivers_geo",
		KafkaTopic:          "driver-locations",
		KafkaEventsTopic:    "dispatch-events",
		DefaultSpeedMps:     10,
		LocationTTL:         2 * time.Minute,
		PollInterval:        5 * time.Second,
		OfferWindow:         10 * time.Second,
		AirportRideTimeout:  30 * time.Minute,
		DeadlineSweep:       30 * time.Second,
		Workers:             8,
		SearchInnerRadiusKm: 5,
		SearchOuterRadiusKm: 10,
		SearchPhase1:        2 * time.Minute,
		SearchPhase2:        3 * time.Minute,
		SurgeRadiusKm:       5,
		SurgeWindow:         10 * time.Minute,
		LogLevel:            "info",
	}
}

func LoadServerConfig() (ServerConfig, error) {
	cfg := defaultServerConfig()
	var errs []error

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")
	setStringFromEnv(&cfg.KafkaEventsTopic, "KAFKA_EVENTS_TOPIC")

	cfg.PGDSN = os.Getenv("PG_DSN")

	setFloatFromEnv(&cfg.DefaultSpeedMps, "ETA_DEFAULT_SPEED_MPS", &errs)
	setStringFromEnv(&cfg.OSRMEndpoint, "OSRM_ENDPOINT")
	setDurationFromEnv(&cfg.LocationTTL, "LOCATION_TTL", &errs)

	setDurationFromEnv(&cfg.PollInterval, "DISPATCH_POLL_INTERVAL", &errs)
	setDurationFromEnv(&cfg.OfferWindow, "DISPATCH_OFFER_WINDOW", &errs)
	setDurationFromEnv(&cfg.AirportRideTimeout, "DISPATCH_AIRPORT_RIDE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.DeadlineSweep, "DISPATCH_DEADLINE_SWEEP", &errs)
	setIntFromEnv(&cfg.Workers, "DISPATCH_WORKERS", &errs)

	setFloatFromEnv(&cfg.SearchInnerRadiusKm, "SEARCH_INNER_RADIUS_KM", &errs)
	setFloatFromEnv(&cfg.SearchOuterRadiusKm, "SEARCH_OUTER_RADIUS_KM", &errs)
	setDurationFromEnv(&cfg.SearchPhase1, "SEARCH_PHASE1", &errs)
	setDurationFromEnv(&cfg.SearchPhase2, "SEARCH_PHASE2", &errs)

	setFloatFromEnv(&cfg.SurgeRadiusKm, "SURGE_RADIUS_KM", &errs)
	setDurationFromEnv(&cfg.SurgeWindow, "SURGE_WINDOW", &errs)

	setStringFromEnv(&cfg.ZonesFile, "ZONES_FILE")
	setStringFromEnv(&cfg.PushEndpoint, "PUSH_ENDPOINT")
	setStringFromEnv(&cfg.FCMEndpoint, "FCM_ENDPOINT")
	cfg.FCMKey = os.Getenv("FCM_KEY")
	cfg.StripeAPIKey = os.Getenv("STRIPE_API_KEY")

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	if cfg.Workers <= 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_WORKERS must be > 0"))
	}
	if cfg.PollInterval <= 0 || cfg.OfferWindow <= 0 || cfg.AirportRideTimeout <= 0 || cfg.DeadlineSweep <= 0 {
		errs = append(errs, fmt.Errorf("dispatch intervals must be > 0"))
	}
	if cfg.SearchInnerRadiusKm <= 0 || cfg.SearchOuterRadiusKm <= cfg.SearchInnerRadiusKm {
		errs = append(errs, fmt.Errorf("SEARCH_OUTER_RADIUS_KM must exceed SEARCH_INNER_RADIUS_KM > 0"))
	}

	return cfg, errors.Join(errs...)
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setFloatFromEnv(target *float64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = f
	}
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
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
