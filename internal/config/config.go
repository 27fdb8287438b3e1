package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

type DB struct {
	User     string
	Pass     string
	Host     string
	Port     string
	Name     string
	MaxConns int32
}

type Redis struct {
	Addr     string
	Password string
	DB       int
}

type NSQ struct {
	NsqdTCPAddr    string // e.g. nsqd:4150
	LookupHTTPAddr string // e.g. http://nsqlookupd:4161
	EventsTopic    string // topic carrying webhook event tasks
	DLQTopic       string // dead letter topic for exhausted deliveries
	WorkerChannel  string // NSQ channel name for workers
}

type Webhook struct {
	Timeout         time.Duration   // bound on a single delivery attempt
	ProbeTimeout    time.Duration   // bound on a health probe
	MaxAttempts     int             // total attempts per delivery, including the first
	BackoffSchedule []time.Duration // wait before attempt 2, 3, ...
	JitterPercent   float64         // backoff jitter (0.0-1.0)
	UserAgent       string
}

type Worker struct {
	Concurrency   int    // concurrent deliveries per worker process
	PublishDLQ    bool   // publish exhausted deliveries to the DLQ topic
	StatsBackend  string // postgres | redis
	HTTPPort      string // metrics/health port
	TouchInterval time.Duration
}

type FakeReceiver struct {
	FailFirstN           int           // Number of requests to fail initially
	EndpointSecret       string        // Secret for webhook signature verification
	SigningLeewaySeconds int           // Allowed timestamp skew in seconds
	ResponseDelayMS      int           // Simulated response delay in milliseconds
	Port                 string        // Server listen port
	ReadTimeout          time.Duration // HTTP read timeout
	WriteTimeout         time.Duration // HTTP write timeout
	IdleTimeout          time.Duration // HTTP idle timeout
}

type Config struct {
	AppName      string
	Env          string
	DB           DB
	Redis        Redis
	NSQ          NSQ
	Webhook      Webhook
	Worker       Worker
	FakeReceiver FakeReceiver
	OTLPEndpoint string
}

// IsDevelopment reports whether private/loopback webhook targets are expected.
func (c Config) IsDevelopment() bool {
	return strings.EqualFold(c.Env, EnvDevelopment)
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

func getenvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getenvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
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

// DefaultBackoffSchedule is the wait before attempts 2, 3 and 4.
func DefaultBackoffSchedule() []time.Duration {
	return []time.Duration{1 * time.Second, 5 * time.Second, 15 * time.Second}
}

// ParseBackoffSchedule parses a comma separated list of durations. Invalid
// entries are skipped; an empty result falls back to the default schedule.
func ParseBackoffSchedule(schedule string) []time.Duration {
	if schedule == "" {
		return DefaultBackoffSchedule()
	}

	parts := strings.Split(schedule, ",")
	durations := make([]time.Duration, 0, len(parts))

	for _, part := range parts {
		part = strings.TrimSpace(part)
		if d, err := time.ParseDuration(part); err == nil && d >= 0 {
			durations = append(durations, d)
		}
	}

	if len(durations) == 0 {
		return DefaultBackoffSchedule()
	}

	return durations
}

func FromEnv() Config {
	return Config{
		AppName: getenv("APP_NAME", "hookline"),
		Env:     getenv("APP_ENV", EnvProduction),
		DB: DB{
			User:     getenv("DB_USER", "postgres"),
			Pass:     getenv("DB_PASS", "postgres"),
			Host:     getenv("DB_HOST", "postgres"),
			Port:     getenv("DB_PORT", "5432"),
			Name:     getenv("DB_NAME", "hookline"),
			MaxConns: int32(getenvInt("DB_MAX_CONNS", 10)),
		},
		Redis: Redis{
			Addr:     getenv("REDIS_ADDR", "redis:6379"),
			Password: getenv("REDIS_PASSWORD", ""),
			DB:       getenvInt("REDIS_DB", 0),
		},
		NSQ: NSQ{
			NsqdTCPAddr:    getenv("NSQD_TCP_ADDR", "nsqd:4150"),
			LookupHTTPAddr: getenv("NSQ_LOOKUP_HTTP_ADDR", "http://nsqlookupd:4161"),
			EventsTopic:    getenv("NSQ_EVENTS_TOPIC", "webhook_events"),
			DLQTopic:       getenv("NSQ_DLQ_TOPIC", "webhook_events_dlq"),
			WorkerChannel:  getenv("NSQ_WORKER_CHANNEL", "workers"),
		},
		Webhook: Webhook{
			Timeout:         getenvDuration("WEBHOOK_TIMEOUT", 15*time.Second),
			ProbeTimeout:    getenvDuration("WEBHOOK_PROBE_TIMEOUT", 5*time.Second),
			MaxAttempts:     getenvInt("MAX_ATTEMPTS", 3),
			BackoffSchedule: ParseBackoffSchedule(getenv("BACKOFF_SCHEDULE", "")),
			JitterPercent:   getenvFloat("BACKOFF_JITTER_PCT", 0),
			UserAgent:       getenv("WEBHOOK_USER_AGENT", "hookline/1.0"),
		},
		Worker: Worker{
			Concurrency:   getenvInt("WORKER_CONCURRENCY", 50),
			PublishDLQ:    getenvBool("PUBLISH_DLQ_TOPIC", false),
			StatsBackend:  getenv("STATS_BACKEND", "postgres"),
			HTTPPort:      ":" + getenv("WORKER_HTTP_PORT", "8082"),
			TouchInterval: getenvDuration("NSQ_TOUCH_INTERVAL", 20*time.Second),
		},
		FakeReceiver: FakeReceiver{
			FailFirstN:           getenvInt("FAIL_FIRST_N", 0),
			EndpointSecret:       getenv("ENDPOINT_SECRET", ""),
			SigningLeewaySeconds: getenvInt("SIGNING_LEEWAY_SECONDS", 300),
			ResponseDelayMS:      getenvInt("RESPONSE_DELAY_MS", 0),
			Port:                 getenv("FAKE_RECEIVER_PORT", ":8081"),
			ReadTimeout:          getenvDuration("FAKE_RECEIVER_READ_TIMEOUT", 10*time.Second),
			WriteTimeout:         getenvDuration("FAKE_RECEIVER_WRITE_TIMEOUT", 10*time.Second),
			IdleTimeout:          getenvDuration("FAKE_RECEIVER_IDLE_TIMEOUT", 60*time.Second),
		},
		OTLPEndpoint: getenv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
	}
}

func (c Config) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		c.DB.User, c.DB.Pass, c.DB.Host, c.DB.Port, c.DB.Name)
}
