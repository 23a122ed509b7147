package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"poolSync/internal/cache"
	"poolSync/internal/chain"
	"poolSync/internal/config"
	"poolSync/internal/dex"
	"poolSync/internal/engine"
	"poolSync/internal/logsuppress"
	"poolSync/internal/metrics"
	"poolSync/internal/multicall"
	"poolSync/internal/poller"
	"poolSync/internal/storage/postgres"
)

// services is the process wiring shared by every command.
type services struct {
	cfg        config.Config
	logger     *zap.Logger
	client     *chain.Client
	aggregator *multicall.Aggregator
	decoder    *dex.V3PoolDecoder
	metas      *dex.PoolMetaCache
	store      cache.Store
	pg         *postgres.Store
	registry   *prometheus.Registry
	metrics    *metrics.Metrics
	suppressor *logsuppress.Suppressor
	pools      []common.Address
	network    uint64
}

func setup(ctx context.Context, cmd *cobra.Command) (*services, error) {
	cfgFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cfgFile, cmd.Flags())
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return nil, err
	}

	pools, err := config.ParseAddresses(cfg.Pools)
	if err != nil {
		return nil, err
	}

	s := &services{
		cfg:      cfg,
		logger:   logger,
		pools:    pools,
		metas:    dex.NewPoolMetaCache(),
		registry: prometheus.NewRegistry(),
	}
	s.metrics = metrics.New(s.registry)
	s.suppressor = logsuppress.New(logger, cfg.SuppressWindow, s.metrics)

	s.client, err = chain.NewClient(ctx, cfg.RPCURL)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("connect rpc: %w", err)
	}

	s.network = cfg.Network
	if s.network == 0 {
		id, err := s.client.GetChainID(ctx)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("read chain id: %w", err)
		}
		s.network = id.Uint64()
	}

	var multicallAddress common.Address
	if cfg.MulticallAddress != "" {
		if !common.IsHexAddress(cfg.MulticallAddress) {
			s.Close()
			return nil, fmt.Errorf("invalid multicall address: %s", cfg.MulticallAddress)
		}
		multicallAddress = common.HexToAddress(cfg.MulticallAddress)
	}
	transport, err := multicall.NewMulticall3Transport(s.client, multicallAddress)
	if err != nil {
		s.Close()
		return nil, err
	}
	s.aggregator = multicall.NewAggregator(transport, multicall.Config{
		MaxCallsPerChunk: cfg.MaxCallsPerChunk,
		Concurrency:      cfg.ChunkConcurrency,
		AllowFailure:     cfg.AllowFailure,
	}, logger, s.metrics)

	s.decoder, err = dex.NewV3PoolDecoder(dex.DecoderConfig{Topic0Map: cfg.Topic0Map})
	if err != nil {
		s.Close()
		return nil, err
	}

	switch cfg.CacheBackend {
	case config.BackendPostgres:
		s.pg, err = postgres.NewStore(ctx, cfg.PgDSN)
		if err != nil {
			s.Close()
			return nil, err
		}
		if err := s.pg.EnsureSchema(ctx); err != nil {
			s.Close()
			return nil, err
		}
		s.store = s.pg
	default:
		s.store = cache.NewMemory()
	}

	if s.cfg.WriterID == "" {
		s.cfg.WriterID = uuid.NewString()
	}
	return s, nil
}

func (s *services) Close() {
	if s.pg != nil {
		s.pg.Close()
	}
	if s.client != nil {
		s.client.Close()
	}
	_ = s.logger.Sync()
}

func (s *services) newEngine(scheduler *poller.Scheduler) (*engine.Engine, error) {
	return engine.New(engine.Config{
		Dex:         s.cfg.Dex,
		Network:     s.network,
		Parallelism: s.cfg.Parallelism,
		Poller: poller.Config{
			Prefix:                      s.cfg.Prefix,
			MaxAllowedDelayBlocks:       s.cfg.MaxAllowedDelayBlocks,
			LiquidityThresholdUSD:       s.cfg.LiquidityThresholdUSD,
			LiquidityUpdateAllowedDelay: s.cfg.LiquidityAllowedDelay,
			LiquidityUpdatePeriod:       s.cfg.LiquidityUpdatePeriod,
			IsLiquidityTracked:          s.cfg.LiquidityTracked,
			Role:                        s.cfg.Role,
			WriterID:                    s.cfg.WriterID,
		},
	}, engine.Options{
		Aggregator: s.aggregator,
		Decoder:    s.decoder,
		Metas:      s.metas,
		Store:      s.store,
		Scheduler:  scheduler,
		Logger:     s.logger,
		Suppressor: s.suppressor,
		Metrics:    s.metrics,
	})
}

// serveMetrics exposes the registry until ctx is done.
func (s *services) serveMetrics(ctx context.Context) {
	if s.cfg.MetricsAddr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	server := &http.Server{Addr: s.cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("metrics server stopped", zap.Error(err))
		}
	}()
	s.logger.Info("metrics listening", zap.String("addr", s.cfg.MetricsAddr))
}
