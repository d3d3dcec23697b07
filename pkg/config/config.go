package config

import (
	"fmt"
	"log"
	"time"

	"github.com/joho/godotenv"
	"github.com/voicepay-hq/voicepay/pkg/logger"
)

// Config holds the configuration for the payment service
type Config struct {
	ListenAddr       string
	MetricsPort      string
	DataDir          string
	DispatchInterval time.Duration
	DispatchTimeout  time.Duration
	RetryBackoff     time.Duration
	WorkerCount      int

	HMACSecret    string
	HMACClockSkew time.Duration
	JWTSecret     string
	JWTTTL        time.Duration

	ExecutorPrivateKey string
	ExecutorEndpoint   string
	RPCURL             string
	RecurringContract  string
	USDCAddress        string

	ParserEndpoint string
	ParserTimeout  time.Duration
	StoreTimeout   time.Duration

	CircuitBreaker CircuitBreakerConfig
	LoggerConfig   LoggerConfig
}

// CircuitBreakerConfig holds circuit breaker configuration
type CircuitBreakerConfig struct {
	Enabled        bool
	Threshold      int
	WindowDuration time.Duration
	ResetTimeout   time.Duration
}

// LoggerConfig holds the configuration for logging
type LoggerConfig struct {
	Level    logger.Level
	Coloring bool
}

// LoadConfig loads the configuration from environment variables
func LoadConfig() (*Config, error) {
	// Load environment variables from .env file
	if err := godotenv.Load(); err != nil {
		log.Printf("Warning: .env file not found, using environment variables")
	}

	listenAddr, err := GetEnvListenAddr()
	if err != nil {
		return nil, err
	}

	metricsPort, err := GetEnvMetricsPort()
	if err != nil {
		return nil, err
	}

	dispatchInterval, err := GetEnvDispatchInterval()
	if err != nil {
		return nil, err
	}

	dispatchTimeout, err := GetEnvDispatchTimeout()
	if err != nil {
		return nil, err
	}

	retryBackoff, err := GetEnvRetryBackoff()
	if err != nil {
		return nil, err
	}

	workerCount, err := GetEnvWorkerCount()
	if err != nil {
		return nil, err
	}

	clockSkew, err := GetEnvHMACClockSkew()
	if err != nil {
		return nil, err
	}

	jwtTTL, err := GetEnvJWTTTL()
	if err != nil {
		return nil, err
	}

	executorEndpoint, err := GetEnvExecutorEndpoint(listenAddr)
	if err != nil {
		return nil, err
	}

	recurringContract, err := GetEnvRecurringContract()
	if err != nil {
		return nil, err
	}

	usdcAddress, err := GetEnvUSDCAddress()
	if err != nil {
		return nil, err
	}

	parserEndpoint, err := GetEnvParserEndpoint()
	if err != nil {
		return nil, err
	}

	parserTimeout, err := GetEnvParserTimeout()
	if err != nil {
		return nil, err
	}

	storeTimeout, err := GetEnvStoreTimeout()
	if err != nil {
		return nil, err
	}

	cbEnabled, err := GetEnvCircuitBreakerEnabled()
	if err != nil {
		return nil, err
	}

	cbThreshold, err := GetEnvCircuitBreakerThreshold()
	if err != nil {
		return nil, err
	}

	cbWindow, err := GetEnvCircuitBreakerWindow()
	if err != nil {
		return nil, err
	}

	cbReset, err := GetEnvCircuitBreakerReset()
	if err != nil {
		return nil, err
	}

	logLevel, err := GetEnvLogLevel()
	if err != nil {
		return nil, err
	}

	logColoring, err := GetEnvLogColoring()
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		ListenAddr:         listenAddr,
		MetricsPort:        metricsPort,
		DataDir:            GetEnvDataDir(),
		DispatchInterval:   dispatchInterval,
		DispatchTimeout:    dispatchTimeout,
		RetryBackoff:       retryBackoff,
		WorkerCount:        workerCount,
		HMACSecret:         getEnv("HMAC_SHARED_SECRET"),
		HMACClockSkew:      clockSkew,
		JWTSecret:          getEnv("JWT_SECRET"),
		JWTTTL:             jwtTTL,
		ExecutorPrivateKey: getEnv("EXECUTOR_PRIVATE_KEY"),
		ExecutorEndpoint:   executorEndpoint,
		RPCURL:             getEnv("RPC_URL"),
		RecurringContract:  recurringContract,
		USDCAddress:        usdcAddress,
		ParserEndpoint:     parserEndpoint,
		ParserTimeout:      parserTimeout,
		StoreTimeout:       storeTimeout,
		CircuitBreaker: CircuitBreakerConfig{
			Enabled:        cbEnabled,
			Threshold:      cbThreshold,
			WindowDuration: cbWindow,
			ResetTimeout:   cbReset,
		},
		LoggerConfig: LoggerConfig{
			Level:    logLevel,
			Coloring: logColoring,
		},
	}

	// Validate required environment variables
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validateConfig validates the configuration
func validateConfig(cfg *Config) error {
	if cfg.HMACSecret == "" {
		return fmt.Errorf("HMAC_SHARED_SECRET environment variable is required")
	}
	if cfg.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET environment variable is required")
	}
	if cfg.ExecutorPrivateKey == "" {
		return fmt.Errorf("EXECUTOR_PRIVATE_KEY environment variable is required")
	}
	if cfg.RPCURL == "" {
		return fmt.Errorf("RPC_URL environment variable is required")
	}
	if cfg.RecurringContract == "" {
		return fmt.Errorf("RECURRING_CONTRACT environment variable is required")
	}
	if cfg.USDCAddress == "" {
		return fmt.Errorf("USDC_ADDRESS environment variable is required")
	}
	return nil
}
