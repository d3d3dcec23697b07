// Package service assembles the full payment service: shard store, schedule
// index, chain client, executor bridge, dispatcher and the HTTP control
// plane.
package service

import (
	"context"
	"fmt"
	"time"

	"github.com/voicepay-hq/voicepay/pkg/api"
	"github.com/voicepay-hq/voicepay/pkg/chain"
	"github.com/voicepay-hq/voicepay/pkg/circuitbreaker"
	"github.com/voicepay-hq/voicepay/pkg/config"
	"github.com/voicepay-hq/voicepay/pkg/dispatcher"
	"github.com/voicepay-hq/voicepay/pkg/executor"
	"github.com/voicepay-hq/voicepay/pkg/health"
	"github.com/voicepay-hq/voicepay/pkg/index"
	"github.com/voicepay-hq/voicepay/pkg/intent"
	"github.com/voicepay-hq/voicepay/pkg/logger"
	"github.com/voicepay-hq/voicepay/pkg/shard"
)

// Service owns every long-lived component and their shutdown order.
type Service struct {
	cfg    *config.Config
	logger logger.Logger

	shards      *shard.Manager
	idx         *index.Store
	chainClient *chain.Client
	breaker     *circuitbreaker.CircuitBreaker
	dispatcher  *dispatcher.Dispatcher
	apiServer   *api.Server
}

// NewService wires the components together.
func NewService(cfg *config.Config) (*Service, error) {
	log := logger.NewStdLogger(cfg.LoggerConfig.Coloring, cfg.LoggerConfig.Level)

	shards, err := shard.Open(cfg.DataDir, cfg.StoreTimeout, log)
	if err != nil {
		return nil, fmt.Errorf("failed to open shard store: %v", err)
	}

	idx, err := index.Open(cfg.DataDir, cfg.StoreTimeout, log)
	if err != nil {
		_ = shards.Close()
		return nil, fmt.Errorf("failed to open schedule index: %v", err)
	}

	chainClient, err := chain.Connect(cfg.RPCURL, cfg.ExecutorPrivateKey,
		cfg.RecurringContract, cfg.USDCAddress, log)
	if err != nil {
		_ = shards.Close()
		_ = idx.Close()
		return nil, fmt.Errorf("failed to connect to chain: %v", err)
	}

	breaker := circuitbreaker.New(
		cfg.CircuitBreaker.Enabled,
		cfg.CircuitBreaker.Threshold,
		cfg.CircuitBreaker.WindowDuration,
		cfg.CircuitBreaker.ResetTimeout,
	)

	bridge := executor.NewBridge(chainClient, log)

	execClient := dispatcher.NewExecutorClient(cfg.ExecutorEndpoint, cfg.HMACSecret, log)
	disp := dispatcher.New(shards, idx, execClient, breaker, dispatcher.Options{
		TickInterval:    cfg.DispatchInterval,
		DispatchTimeout: cfg.DispatchTimeout,
		RetryBackoff:    cfg.RetryBackoff,
		WorkerCount:     cfg.WorkerCount,
		Token:           cfg.USDCAddress,
	}, log)

	parser := intent.NewHTTPParser(cfg.ParserEndpoint, cfg.ParserTimeout, log)
	resolver := intent.NewResolver(parser, shards, log)

	apiServer := api.NewServer(api.Options{
		ListenAddr:      cfg.ListenAddr,
		JWTSecret:       cfg.JWTSecret,
		JWTTTL:          cfg.JWTTTL,
		HMACSecret:      cfg.HMACSecret,
		HMACClockSkew:   cfg.HMACClockSkew,
		ContractAddress: cfg.RecurringContract,
		TokenAddress:    cfg.USDCAddress,
	}, shards, resolver, disp, bridge, log)

	return &Service{
		cfg:         cfg,
		logger:      log,
		shards:      shards,
		idx:         idx,
		chainClient: chainClient,
		breaker:     breaker,
		dispatcher:  disp,
		apiServer:   apiServer,
	}, nil
}

// Start runs the service until ctx is cancelled, then shuts down in reverse
// dependency order: no new ticks, drain in-flight fires, drain HTTP, close
// stores.
func (s *Service) Start(ctx context.Context) error {
	healthServer := health.NewServer(s.cfg.MetricsPort, s.chainClient, s.breaker)
	go healthServer.Start()

	if err := s.dispatcher.Start(ctx); err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.apiServer.Start()
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("Shutting down gracefully...")
	case err := <-errCh:
		if err != nil {
			s.logger.Error("Control plane failed: %v", err)
		}
	}

	s.dispatcher.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := s.apiServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("Failed to drain control plane: %v", err)
	}

	if err := s.idx.Close(); err != nil {
		s.logger.Error("Failed to close schedule index: %v", err)
	}
	if err := s.shards.Close(); err != nil {
		s.logger.Error("Failed to close shard store: %v", err)
	}
	return nil
}
