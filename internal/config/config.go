// Package config loads the gateway's runtime configuration from environment
// variables, the same getEnv-with-typed-fallback pattern used elsewhere in
// this codebase for service configuration. Every variable has a fallback.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
)

// Settings holds every CONNECTOR_* tunable the gateway reads at startup.
// It is loaded once in cmd/gateway/main.go and passed down by value/pointer
// to every component that needs a tunable; nothing re-reads the environment
// after Load returns.
type Settings struct {
	WSHost                 string
	WSPort                 int
	HealthCheckPort        int
	HealthCheckEnabled     bool
	SubscribeTimeout       time.Duration
	StreamIdleTimeout      time.Duration
	InactivityTimeout      time.Duration
	ReconnectDelay         time.Duration
	RestTimeout            time.Duration
	WSPingInterval         time.Duration
	WSPingTimeout          time.Duration
	MaxSymbolPerWS         int
	MaxConnPerExchange     int // 0 means unlimited
	BreakerFailureThresh   int
	BreakerRecoveryTimeout time.Duration
	BreakerHalfOpenCalls   int
	ClosedQueueMaxSize     int
	OpenQueueMaxSize       int // 0 means unbounded
	DedupWindow            time.Duration
	DedupMaxEntries        int
	RestPoolConnections    int
	RestPoolMaxSize        int
	SubscriberBufferMax    int
	OverflowPolicy         string // "drop_oldest" or "close"
	DrainTimeout           time.Duration
	LogLevel               string
	LogPretty              bool
}

// Load reads every CONNECTOR_* environment variable into a Settings value,
// applying the defaults named in the gateway's configuration reference.
// A malformed numeric value is a fatal startup error: better to refuse to
// start than run with a silently-zeroed tunable.
func Load() *Settings {
	return &Settings{
		WSHost:             getEnv("CONNECTOR_WS_HOST", "0.0.0.0"),
		WSPort:             getEnvInt("CONNECTOR_WS_PORT", 8765),
		HealthCheckPort:    getEnvInt("CONNECTOR_WSS_HEALTH_CHECK_PORT", 8766),
		HealthCheckEnabled: getEnvBool("CONNECTOR_WSS_HEALTH_CHECK_ENABLED", true),
		SubscribeTimeout:   getEnvSeconds("CONNECTOR_WSS_SUBSCRIBE_TIMEOUT", 10.0),
		StreamIdleTimeout:  getEnvSeconds("CONNECTOR_STREAM_IDLE_TIMEOUT", 10.0),

		InactivityTimeout: getEnvSeconds("CONNECTOR_INACTIVITY_TIMEOUT", 3.0),
		ReconnectDelay:    getEnvSeconds("CONNECTOR_RECONNECT_DELAY", 1.0),
		RestTimeout:       getEnvSeconds("CONNECTOR_REST_TIMEOUT", 5.0),
		WSPingInterval:    getEnvSeconds("CONNECTOR_WS_PING_INTERVAL", 20.0),
		WSPingTimeout:     getEnvSeconds("CONNECTOR_WS_PING_TIMEOUT", 20.0),

		MaxSymbolPerWS:     getEnvInt("CONNECTOR_MAX_SYMBOL_PER_WS", 50),
		MaxConnPerExchange: getEnvInt("CONNECTOR_MAX_CONN_PER_EXCHANGE", 0),

		BreakerFailureThresh:   getEnvInt("CONNECTOR_CIRCUIT_BREAKER_FAILURE_THRESHOLD", 5),
		BreakerRecoveryTimeout: getEnvSeconds("CONNECTOR_CIRCUIT_BREAKER_RECOVERY_TIMEOUT", 30.0),
		BreakerHalfOpenCalls:   getEnvInt("CONNECTOR_CIRCUIT_BREAKER_HALF_OPEN_CALLS", 1),

		ClosedQueueMaxSize: getEnvInt("CONNECTOR_CLOSED_QUEUE_MAXSIZE", 1000),
		OpenQueueMaxSize:   getEnvInt("CONNECTOR_OPEN_QUEUE_MAXSIZE", 0),

		DedupWindow:     getEnvSeconds("CONNECTOR_DEDUPLICATION_WINDOW_SECONDS", 120.0),
		DedupMaxEntries: getEnvInt("CONNECTOR_DEDUPLICATION_MAX_ENTRIES", 10000),

		RestPoolConnections: getEnvInt("CONNECTOR_REST_POOL_CONNECTIONS", 10),
		RestPoolMaxSize:     getEnvInt("CONNECTOR_REST_POOL_MAXSIZE", 20),

		SubscriberBufferMax: getEnvInt("CONNECTOR_SUBSCRIBER_BUFFER_MAX", 100),
		OverflowPolicy:      getEnv("CONNECTOR_OVERFLOW_POLICY", "drop_oldest"),
		DrainTimeout:        getEnvSeconds("CONNECTOR_DRAIN_TIMEOUT", 10.0),

		LogLevel:  getEnv("CONNECTOR_LOG_LEVEL", "INFO"),
		LogPretty: getEnvBool("CONNECTOR_LOG_PRETTY", false),
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		fatalf("environment variable %s must be an integer, got %q", key, v)
	}
	return n
}

func getEnvSeconds(key string, fallback float64) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return time.Duration(fallback * float64(time.Second))
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		fatalf("environment variable %s must be a float, got %q", key, v)
	}
	return time.Duration(f * float64(time.Second))
}

func getEnvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		fatalf("environment variable %s must be a boolean, got %q", key, v)
	}
	return b
}

func fatalf(format string, args ...interface{}) {
	log.Fatal().Msgf(format, args...)
}
