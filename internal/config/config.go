package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Config captures runtime configuration sourced from environment variables.
// Every pipeline tunable a deployment may need to adjust lives here; the
// engine packages never hard-code window sizes or bounds.
type Config struct {
	Environment  string
	HTTPPort     string
	DatabasePath string
	JWTSecret    string

	// Ingestion
	IngestQueueSize int // bounded queue per source kind
	IngestBufferCap int // local buffer while the store is unavailable; oldest-first shed beyond this
	ScoringWorkers  int
	EventSchemaPath string // optional JSON schema for pushed events; empty disables schema validation
	NATSURL         string // optional broker source; empty disables the NATS subscriber
	NATSSubject     string

	// Scoring
	ScorerWarmThreshold int           // samples before a stream key starts scoring
	ScorerIdleEviction  time.Duration // silent streams older than this drop back to cold
	ScorerTrees         int
	ScorerSubsample     int
	ScorerRetainWindow  int // sliding sample window per stream key

	// Scans
	ScanMaxDuration     time.Duration
	RecurringScanSpec   string // cron expression for the recurring scan, e.g. "@daily"
	RecurringScanType   string
	RecurringScanTarget string // empty disables recurring scans

	// Correlation
	CorrelationWindow    time.Duration // max age of evidence in a window
	CorrelationWindowMax int           // max inputs retained per correlation key
	AlertQuietPeriod     time.Duration
	AlertAutoClose       bool

	// Broadcast and retention
	SubscriberBacklog int
	SubscriberGrace   time.Duration // how long a disconnected subscription is kept for replay
	DeliveryTimeout   time.Duration // per-send timeout before a subscriber is marked degraded
	RetentionWindow   time.Duration // events and change feed rows older than this are purged

	NotificationURLs []string // shoutrrr URLs for critical alert push
}

// Load reads env vars and falls back to defaults so the pipeline can boot
// with zero configuration.
func Load() (Config, error) {
	cfg := Config{
		Environment:  getEnv("ARGUS_ENV", "development"),
		HTTPPort:     getEnv("ARGUS_HTTP_PORT", "8080"),
		DatabasePath: getEnv("ARGUS_DB_PATH", filepath.Join("data", "argus.db")),
		JWTSecret:    getEnv("ARGUS_JWT_SECRET", ""),

		IngestQueueSize: getEnvInt("ARGUS_INGEST_QUEUE", 1024),
		IngestBufferCap: getEnvInt("ARGUS_INGEST_BUFFER_CAP", 4096),
		ScoringWorkers:  getEnvInt("ARGUS_SCORING_WORKERS", 4),
		EventSchemaPath: getEnv("ARGUS_EVENT_SCHEMA", ""),
		NATSURL:         getEnv("ARGUS_NATS_URL", ""),
		NATSSubject:     getEnv("ARGUS_NATS_SUBJECT", "argus.events.raw"),

		ScorerWarmThreshold: getEnvInt("ARGUS_SCORER_WARM_THRESHOLD", 64),
		ScorerIdleEviction:  getEnvDuration("ARGUS_SCORER_IDLE_EVICTION", 30*time.Minute),
		ScorerTrees:         getEnvInt("ARGUS_SCORER_TREES", 50),
		ScorerSubsample:     getEnvInt("ARGUS_SCORER_SUBSAMPLE", 256),
		ScorerRetainWindow:  getEnvInt("ARGUS_SCORER_RETAIN", 512),

		ScanMaxDuration:     getEnvDuration("ARGUS_SCAN_MAX_DURATION", 30*time.Minute),
		RecurringScanSpec:   getEnv("ARGUS_RECURRING_SCAN_SPEC", "@daily"),
		RecurringScanType:   getEnv("ARGUS_RECURRING_SCAN_TYPE", "vulnerability"),
		RecurringScanTarget: getEnv("ARGUS_RECURRING_SCAN_TARGET", ""),

		CorrelationWindow:    getEnvDuration("ARGUS_CORRELATION_WINDOW", 10*time.Minute),
		CorrelationWindowMax: getEnvInt("ARGUS_CORRELATION_WINDOW_MAX", 256),
		AlertQuietPeriod:     getEnvDuration("ARGUS_ALERT_QUIET_PERIOD", 30*time.Minute),
		AlertAutoClose:       getEnvBool("ARGUS_ALERT_AUTO_CLOSE", false),

		SubscriberBacklog: getEnvInt("ARGUS_SUBSCRIBER_BACKLOG", 256),
		SubscriberGrace:   getEnvDuration("ARGUS_SUBSCRIBER_GRACE", 2*time.Minute),
		DeliveryTimeout:   getEnvDuration("ARGUS_DELIVERY_TIMEOUT", 5*time.Second),
		RetentionWindow:   getEnvDuration("ARGUS_RETENTION_WINDOW", 72*time.Hour),
	}

	if urls := getEnv("ARGUS_NOTIFY_URLS", ""); urls != "" {
		for _, u := range strings.Split(urls, ",") {
			if u = strings.TrimSpace(u); u != "" {
				cfg.NotificationURLs = append(cfg.NotificationURLs, u)
			}
		}
	}

	if err := os.MkdirAll(filepath.Dir(cfg.DatabasePath), 0o755); err != nil {
		return Config{}, fmt.Errorf("ensure data directory: %w", err)
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}

	return fallback
}

func getEnvInt(key string, fallback int) int {
	if val := os.Getenv(key); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}

	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}

	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}

	return fallback
}
