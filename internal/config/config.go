package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type DB struct {
	User string
	Pass string
	Host string
	Port string
	Name string
}

type NSQ struct {
	NsqdTCPAddr      string // e.g. nsqd:4150
	LookupHTTPAddr   string // e.g. http://nsqlookupd:4161
	EventsTopic      string // NSQ topic for webhook event processing
	ProcessorChannel string // NSQ channel name for event processors
}

type Listener struct {
	KeepAliveInterval time.Duration // period of the SELECT 1 round-trip
	QueueCapacity     int           // bounded dispatch queue between listener and processor
	Dispatchers       int           // goroutines draining the dispatch queue
}

type Ingest struct {
	WebhookSecret string // shared secret for X-Hub-Signature-256 verification
	MaxBodyBytes  int64  // reject larger bodies before hashing
	HTTPPort      string // :8081
}

type Worker struct {
	MaxAttempts     int             // processing attempts before an event is parked
	BackoffSchedule []time.Duration // requeue backoff durations
	JitterPercent   float64         // backoff jitter percentage (0.0-1.0)
	HTTPPort        string          // worker HTTP metrics port
	SweepInterval   time.Duration   // re-drive sweep period
	SweepBatchSize  int             // max pending events re-published per sweep
}

type Sink struct {
	BaseURL  string        // Discord-compatible REST base URL
	BotToken string        // bot token for DM delivery
	Timeout  time.Duration // per-delivery HTTP timeout
}

type Admin struct {
	JWTPublicKeyPEM string // RSA public key for admin API bearer tokens
	JWTIssuer       string
	JWTAudience     string
}

type Config struct {
	AppName  string
	HTTPPort string // notifier health/metrics port
	DB       DB
	NSQ      NSQ
	Listener Listener
	Ingest   Ingest
	Worker   Worker
	Sink     Sink
	Admin    Admin
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getenvInt64(key string, def int64) int64 {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.ParseInt(v, 10, 64); err == nil {
			return i
		}
	}
	return def
}

func getenvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getenvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func parseBackoffSchedule(schedule string) []time.Duration {
	if schedule == "" {
		return []time.Duration{1 * time.Second, 4 * time.Second, 16 * time.Second, 1 * time.Minute, 4 * time.Minute, 10 * time.Minute}
	}

	parts := strings.Split(schedule, ",")
	durations := make([]time.Duration, 0, len(parts))

	for _, part := range parts {
		part = strings.TrimSpace(part)
		if d, err := time.ParseDuration(part); err == nil {
			durations = append(durations, d)
		}
	}

	if len(durations) == 0 {
		// Fallback to default if parsing failed
		return []time.Duration{1 * time.Second, 4 * time.Second, 16 * time.Second, 1 * time.Minute, 4 * time.Minute, 10 * time.Minute}
	}

	return durations
}

func FromEnv() Config {
	return Config{
		AppName:  getenv("APP_NAME", "herald"),
		HTTPPort: getenv("HTTP_PORT", ":8080"),
		DB: DB{
			User: getenv("DB_USER", "postgres"),
			Pass: getenv("DB_PASS", "postgres"),
			Host: getenv("DB_HOST", "postgres"),
			Port: getenv("DB_PORT", "5432"),
			Name: getenv("DB_NAME", "herald"),
		},
		NSQ: NSQ{
			NsqdTCPAddr:      getenv("NSQD_TCP_ADDR", "nsqd:4150"),
			LookupHTTPAddr:   getenv("NSQ_LOOKUP_HTTP_ADDR", "http://nsqlookupd:4161"),
			EventsTopic:      getenv("NSQ_EVENTS_TOPIC", "webhook-events"),
			ProcessorChannel: getenv("NSQ_PROCESSOR_CHANNEL", "processors"),
		},
		Listener: Listener{
			KeepAliveInterval: getenvDuration("LISTENER_KEEPALIVE_INTERVAL", 60*time.Second),
			QueueCapacity:     getenvInt("LISTENER_QUEUE_CAPACITY", 256),
			Dispatchers:       getenvInt("LISTENER_DISPATCHERS", 4),
		},
		Ingest: Ingest{
			WebhookSecret: getenv("GITHUB_WEBHOOK_SECRET", ""),
			MaxBodyBytes:  getenvInt64("WEBHOOK_MAX_BODY_BYTES", 1<<20),
			HTTPPort:      getenv("INGEST_HTTP_PORT", ":8081"),
		},
		Worker: Worker{
			MaxAttempts:     getenvInt("MAX_ATTEMPTS", 6),
			BackoffSchedule: parseBackoffSchedule(getenv("BACKOFF_SCHEDULE", "")),
			JitterPercent:   getenvFloat("BACKOFF_JITTER_PCT", 0.25),
			HTTPPort:        ":" + getenv("WORKER_HTTP_PORT", "8082"),
			SweepInterval:   getenvDuration("REDRIVE_SWEEP_INTERVAL", 5*time.Minute),
			SweepBatchSize:  getenvInt("REDRIVE_SWEEP_BATCH", 50),
		},
		Sink: Sink{
			BaseURL:  getenv("SINK_BASE_URL", "https://discord.com/api/v10"),
			BotToken: getenv("SINK_BOT_TOKEN", ""),
			Timeout:  getenvDuration("SINK_TIMEOUT", 15*time.Second),
		},
		Admin: Admin{
			JWTPublicKeyPEM: getenv("ADMIN_JWT_PUBLIC_KEY", ""),
			JWTIssuer:       getenv("ADMIN_JWT_ISSUER", "herald"),
			JWTAudience:     getenv("ADMIN_JWT_AUDIENCE", "herald-admin"),
		},
	}
}

func (c Config) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		c.DB.User, c.DB.Pass, c.DB.Host, c.DB.Port, c.DB.Name)
}
