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

	KafkaBrokers       []string
	KafkaEventsTopic   string
	KafkaPresenceTopic string

	PGDSN string

	DispatchBatchSize   int
	DispatchOfferTTL    time.Duration
	DispatchSweepEvery  time.Duration
	DispatchAutoReopen  bool
	DispatchMaxBatches  int
	SearchRadiusM       float64
	DefaultSpeedMps     float64

	OtpDigits        int
	OtpTTL           time.Duration
	OtpRegenInterval time.Duration
	OtpDebugExpose   bool

	FareEndpoint        string
	EligibilityEndpoint string
	PushEndpoint        string
	PushKey             string

	StatusBasePollMs int

	LogLevel      string
	RunMigrations bool
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:           ":8080",
		ReadTimeout:        5 * time.Second,
		WriteTimeout:       10 * time.Second,
		IdleTimeout:        120 * time.Second,
		ShutdownTimeout:    15 * time.Second,
		RedisGeoKey:        "drivers_geo",
		KafkaEventsTopic:   "trip-events",
		KafkaPresenceTopic: "driver-presence",
		DispatchBatchSize:  3,
		DispatchOfferTTL:   30 * time.Second,
		DispatchSweepEvery: 2 * time.Second,
		DispatchMaxBatches: 3,
		SearchRadiusM:      5000,
		DefaultSpeedMps:    10,
		OtpDigits:          4,
		OtpTTL:             10 * time.Minute,
		OtpRegenInterval:   30 * time.Second,
		StatusBasePollMs:   3000,
		LogLevel:           "info",
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
	setStringFromEnv(&cfg.KafkaEventsTopic, "KAFKA_EVENTS_TOPIC")
	setStringFromEnv(&cfg.KafkaPresenceTopic, "KAFKA_PRESENCE_TOPIC")

	cfg.PGDSN = os.Getenv("PG_DSN")

	setIntFromEnv(&cfg.DispatchBatchSize, "DISPATCH_BATCH_SIZE", &errs)
	setDurationFromEnv(&cfg.DispatchOfferTTL, "DISPATCH_OFFER_TTL", &errs)
	setDurationFromEnv(&cfg.DispatchSweepEvery, "DISPATCH_SWEEP_INTERVAL", &errs)
	cfg.DispatchAutoReopen = strings.EqualFold(os.Getenv("DISPATCH_AUTO_REOPEN"), "true")
	setIntFromEnv(&cfg.DispatchMaxBatches, "DISPATCH_MAX_BATCHES", &errs)
	setFloatFromEnv(&cfg.SearchRadiusM, "DISPATCH_SEARCH_RADIUS_M", &errs)
	setFloatFromEnv(&cfg.DefaultSpeedMps, "DISPATCH_DEFAULT_SPEED_MPS", &errs)

	setIntFromEnv(&cfg.OtpDigits, "OTP_DIGITS", &errs)
	setDurationFromEnv(&cfg.OtpTTL, "OTP_TTL", &errs)
	setDurationFromEnv(&cfg.OtpRegenInterval, "OTP_REGEN_INTERVAL", &errs)
	cfg.OtpDebugExpose = strings.EqualFold(os.Getenv("OTP_DEBUG_EXPOSE"), "true")

	setStringFromEnv(&cfg.FareEndpoint, "FARE_ENDPOINT")
	setStringFromEnv(&cfg.EligibilityEndpoint, "ELIGIBILITY_ENDPOINT")
	setStringFromEnv(&cfg.PushEndpoint, "PUSH_ENDPOINT")
	cfg.PushKey = os.Getenv("PUSH_KEY")

	setIntFromEnv(&cfg.StatusBasePollMs, "STATUS_BASE_POLL_MS", &errs)

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}
	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	if cfg.DispatchBatchSize <= 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_BATCH_SIZE must be > 0"))
	}
	if cfg.DispatchMaxBatches <= 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_MAX_BATCHES must be > 0"))
	}
	if cfg.DispatchOfferTTL <= 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_OFFER_TTL must be > 0"))
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
