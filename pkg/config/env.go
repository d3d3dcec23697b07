package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/voicepay-hq/voicepay/pkg/logger"
)

const (
	// DefaultListenAddr defines the default address for the control-plane API
	DefaultListenAddr = ":8080"

	// DefaultMetricsPort defines the default port for the health and metrics server
	DefaultMetricsPort = "9090"

	// DefaultDataDir defines the default directory for the bbolt stores
	DefaultDataDir = "./data"

	// DefaultDispatchIntervalSeconds defines how often the dispatcher scans the schedule index
	DefaultDispatchIntervalSeconds = 60

	// DefaultDispatchTimeoutSeconds bounds a single executor call
	DefaultDispatchTimeoutSeconds = 30

	// DefaultRetryBackoffSeconds is the delay before a failed schedule is retried
	DefaultRetryBackoffSeconds = 600

	// DefaultWorkerCount defines the default number of workers dispatching due schedules
	DefaultWorkerCount = 5

	// DefaultHMACClockSkewSeconds is the accepted age of a signed worker request
	DefaultHMACClockSkewSeconds = 300

	// DefaultJWTTTLHours is the lifetime of a bearer token issued on login
	DefaultJWTTTLHours = 24

	// DefaultParserTimeoutSeconds bounds a call to the natural-language parser
	DefaultParserTimeoutSeconds = 15

	// DefaultStoreTimeoutSeconds bounds a shard or index operation
	DefaultStoreTimeoutSeconds = 5

	// DefaultCircuitBreakerEnabled defines whether the circuit breaker is enabled
	DefaultCircuitBreakerEnabled = true

	// DefaultCircuitBreakerThreshold defines the number of failures before the circuit breaker trips
	DefaultCircuitBreakerThreshold = 5

	// DefaultCircuitBreakerWindow defines the time window for the circuit breaker in minutes
	DefaultCircuitBreakerWindow = 5

	// DefaultCircuitBreakerReset defines the reset timeout for the circuit breaker in minutes
	DefaultCircuitBreakerReset = 15
)

// Helper to get environment variable
func getEnv(key string) string {
	return os.Getenv(key)
}

// getEnvSeconds parses an integer-seconds environment variable with a default
func getEnvSeconds(key string, def int) (time.Duration, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return time.Duration(def) * time.Second, nil
	}

	seconds, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value: %s, must be an integer", key, raw)
	}
	if seconds <= 0 {
		return 0, fmt.Errorf("%s must be greater than 0", key)
	}
	return time.Duration(seconds) * time.Second, nil
}

// GetEnvListenAddr returns the control-plane listen address
func GetEnvListenAddr() (string, error) {
	addr := os.Getenv("LISTEN_ADDR")
	if addr == "" {
		return DefaultListenAddr, nil
	}
	if !strings.Contains(addr, ":") {
		return "", fmt.Errorf("invalid LISTEN_ADDR value: %s, must be host:port", addr)
	}
	return addr, nil
}

// GetEnvMetricsPort returns the metrics server port from environment variables
func GetEnvMetricsPort() (string, error) {
	metricsPort := os.Getenv("METRICS_PORT")
	if metricsPort == "" {
		return DefaultMetricsPort, nil
	}

	// Validate port format
	if _, err := strconv.Atoi(metricsPort); err != nil {
		return "", fmt.Errorf("invalid METRICS_PORT value: %s, must be a valid integer", metricsPort)
	}
	return metricsPort, nil
}

// GetEnvDataDir returns the directory used for persistent state
func GetEnvDataDir() string {
	dataDir := os.Getenv("DATA_DIR")
	if dataDir == "" {
		return DefaultDataDir
	}
	return dataDir
}

// GetEnvDispatchInterval returns the dispatcher scan cadence
func GetEnvDispatchInterval() (time.Duration, error) {
	return getEnvSeconds("DISPATCH_INTERVAL_SECONDS", DefaultDispatchIntervalSeconds)
}

// GetEnvDispatchTimeout returns the bound on a single executor call
func GetEnvDispatchTimeout() (time.Duration, error) {
	return getEnvSeconds("DISPATCH_TIMEOUT_SECONDS", DefaultDispatchTimeoutSeconds)
}

// GetEnvRetryBackoff returns the delay applied to a schedule after a failed fire
func GetEnvRetryBackoff() (time.Duration, error) {
	return getEnvSeconds("RETRY_BACKOFF_SECONDS", DefaultRetryBackoffSeconds)
}

// GetEnvWorkerCount returns the number of dispatch workers from environment variables
func GetEnvWorkerCount() (int, error) {
	workerCount := os.Getenv("WORKER_COUNT")
	if workerCount == "" {
		return DefaultWorkerCount, nil
	}

	count, err := strconv.Atoi(workerCount)
	if err != nil {
		return 0, fmt.Errorf("invalid WORKER_COUNT value: %s, must be an integer", workerCount)
	}
	if count <= 0 {
		return 0, fmt.Errorf("WORKER_COUNT must be greater than 0")
	}
	return count, nil
}

// GetEnvHMACClockSkew returns the accepted age of a signed worker request
func GetEnvHMACClockSkew() (time.Duration, error) {
	return getEnvSeconds("HMAC_CLOCK_SKEW_SECONDS", DefaultHMACClockSkewSeconds)
}

// GetEnvJWTTTL returns the bearer-token lifetime
func GetEnvJWTTTL() (time.Duration, error) {
	raw := os.Getenv("JWT_TTL_HOURS")
	if raw == "" {
		return DefaultJWTTTLHours * time.Hour, nil
	}

	hours, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid JWT_TTL_HOURS value: %s, must be an integer", raw)
	}
	if hours <= 0 {
		return 0, fmt.Errorf("JWT_TTL_HOURS must be greater than 0")
	}
	return time.Duration(hours) * time.Hour, nil
}

// GetEnvExecutorEndpoint returns the URL the dispatcher posts signed
// dispatch requests to. Defaults to the local control-plane address.
func GetEnvExecutorEndpoint(listenAddr string) (string, error) {
	endpoint := os.Getenv("EXECUTOR_ENDPOINT")
	if endpoint == "" {
		port := listenAddr
		if idx := strings.LastIndex(listenAddr, ":"); idx >= 0 {
			port = listenAddr[idx:]
		}
		return "http://127.0.0.1" + port, nil
	}

	if _, err := url.ParseRequestURI(endpoint); err != nil {
		return "", fmt.Errorf("invalid EXECUTOR_ENDPOINT value: %s, must be a valid URL", endpoint)
	}
	return endpoint, nil
}

// GetEnvRecurringContract returns the pull-payment contract address
func GetEnvRecurringContract() (string, error) {
	contract := os.Getenv("RECURRING_CONTRACT")
	if contract == "" {
		return "", nil
	}
	if !common.IsHexAddress(contract) {
		return "", fmt.Errorf("invalid RECURRING_CONTRACT value: %s, must be a valid address", contract)
	}
	return contract, nil
}

// GetEnvUSDCAddress returns the USDC token contract address
func GetEnvUSDCAddress() (string, error) {
	token := os.Getenv("USDC_ADDRESS")
	if token == "" {
		return "", nil
	}
	if !common.IsHexAddress(token) {
		return "", fmt.Errorf("invalid USDC_ADDRESS value: %s, must be a valid address", token)
	}
	return token, nil
}

// GetEnvParserEndpoint returns the natural-language parser endpoint
func GetEnvParserEndpoint() (string, error) {
	endpoint := os.Getenv("PARSER_ENDPOINT")
	if endpoint == "" {
		return "", nil
	}
	if _, err := url.ParseRequestURI(endpoint); err != nil {
		return "", fmt.Errorf("invalid PARSER_ENDPOINT value: %s, must be a valid URL", endpoint)
	}
	return endpoint, nil
}

// GetEnvParserTimeout returns the bound on a parser call
func GetEnvParserTimeout() (time.Duration, error) {
	return getEnvSeconds("PARSER_TIMEOUT_SECONDS", DefaultParserTimeoutSeconds)
}

// GetEnvStoreTimeout returns the bound on a shard or index operation
func GetEnvStoreTimeout() (time.Duration, error) {
	return getEnvSeconds("STORE_TIMEOUT_SECONDS", DefaultStoreTimeoutSeconds)
}

// GetEnvCircuitBreakerEnabled returns whether the circuit breaker is enabled from environment variables
func GetEnvCircuitBreakerEnabled() (bool, error) {
	enabled := os.Getenv("CIRCUIT_BREAKER_ENABLED")
	if enabled == "" {
		return DefaultCircuitBreakerEnabled, nil
	}

	if enabled == "true" {
		return true, nil
	} else if enabled == "false" {
		return false, nil
	}

	return false, fmt.Errorf("invalid CIRCUIT_BREAKER_ENABLED value: %s, must be 'true' or 'false'", enabled)
}

// GetEnvCircuitBreakerThreshold returns the circuit breaker threshold from environment variables
func GetEnvCircuitBreakerThreshold() (int, error) {
	threshold := os.Getenv("CIRCUIT_BREAKER_THRESHOLD")
	if threshold == "" {
		return DefaultCircuitBreakerThreshold, nil
	}

	thresholdInt, err := strconv.Atoi(threshold)
	if err != nil {
		return 0, fmt.Errorf("invalid CIRCUIT_BREAKER_THRESHOLD value: %s, must be an integer", threshold)
	}
	if thresholdInt <= 0 {
		return 0, fmt.Errorf("CIRCUIT_BREAKER_THRESHOLD must be greater than 0")
	}
	return thresholdInt, nil
}

// GetEnvCircuitBreakerWindow returns the circuit breaker window duration from environment variables
func GetEnvCircuitBreakerWindow() (time.Duration, error) {
	window := os.Getenv("CIRCUIT_BREAKER_WINDOW")
	if window == "" {
		return DefaultCircuitBreakerWindow * time.Minute, nil
	}

	// Validate duration format
	parsed, err := time.ParseDuration(window)
	if err != nil {
		return 0, fmt.Errorf("invalid CIRCUIT_BREAKER_WINDOW value: %s, must be a valid duration string", window)
	}
	return parsed, nil
}

// GetEnvCircuitBreakerReset returns the circuit breaker reset timeout from environment variables
func GetEnvCircuitBreakerReset() (time.Duration, error) {
	reset := os.Getenv("CIRCUIT_BREAKER_RESET")
	if reset == "" {
		return DefaultCircuitBreakerReset * time.Minute, nil
	}

	// Validate duration format
	parsed, err := time.ParseDuration(reset)
	if err != nil {
		return 0, fmt.Errorf("invalid CIRCUIT_BREAKER_RESET value: %s, must be a valid duration string", reset)
	}
	return parsed, nil
}

// GetEnvLogLevel returns the log level from environment variables
func GetEnvLogLevel() (logger.Level, error) {
	level := os.Getenv("LOG_LEVEL")
	switch strings.ToLower(level) {
	case "":
		return logger.InfoLevel, nil
	case "debug":
		return logger.DebugLevel, nil
	case "info":
		return logger.InfoLevel, nil
	case "notice":
		return logger.NoticeLevel, nil
	case "error":
		return logger.ErrorLevel, nil
	}
	return 0, fmt.Errorf("invalid LOG_LEVEL value: %s, must be one of debug, info, notice, error", level)
}

// GetEnvLogColoring returns whether log coloring is enabled
func GetEnvLogColoring() (bool, error) {
	coloring := os.Getenv("LOG_COLORING")
	if coloring == "" {
		return true, nil
	}

	if coloring == "true" {
		return true, nil
	} else if coloring == "false" {
		return false, nil
	}

	return false, fmt.Errorf("invalid LOG_COLORING value: %s, must be 'true' or 'false'", coloring)
}
