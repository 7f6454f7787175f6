// Package main runs the live Solana slot indexer. It consumes the websocket slot
// feed, records every notification in PostgreSQL, keeps the finalized checkpoint
// contiguous by backfilling gaps over JSON-RPC, and publishes one event per
// checkpointed slot to SNS.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	awssns "github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	httpadapter "github.com/archon-research/stl/stl-slots/internal/adapters/inbound/http"
	"github.com/archon-research/stl/stl-slots/internal/adapters/outbound/postgres"
	prommetrics "github.com/archon-research/stl/stl-slots/internal/adapters/outbound/prometheus"
	rediscache "github.com/archon-research/stl/stl-slots/internal/adapters/outbound/redis"
	"github.com/archon-research/stl/stl-slots/internal/adapters/outbound/sns"
	"github.com/archon-research/stl/stl-slots/internal/adapters/outbound/solana"
	"github.com/archon-research/stl/stl-slots/internal/adapters/outbound/telemetry"
	"github.com/archon-research/stl/stl-slots/internal/pkg/env"
	"github.com/archon-research/stl/stl-slots/internal/ports/outbound"
	"github.com/archon-research/stl/stl-slots/internal/services/block_source"
	"github.com/archon-research/stl/stl-slots/internal/services/live_slots"
	"github.com/archon-research/stl/stl-slots/internal/services/slot_processor"
)

const serviceName = "stl-slot-indexer"

func main() {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: env.ParseLogLevel(slog.LevelInfo),
	}))
	slog.SetDefault(logger)

	if err := run(logger); err != nil {
		logger.Error("slot indexer failed", "error", err)
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}

func run(logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dbURL := env.Get("DATABASE_URL", "")
	if dbURL == "" {
		return errors.New("DATABASE_URL is required")
	}
	rpcURL := env.Get("SOLANA_RPC_URL", "https://api.mainnet-beta.solana.com")
	wsURL := env.Get("SOLANA_WS_URL", "wss://api.mainnet-beta.solana.com")

	rateLimit, err := env.GetFloat("RPC_RATE_LIMIT", 0)
	if err != nil {
		return err
	}
	bootstrapWindow, err := env.GetUint64("BOOTSTRAP_WINDOW", live_slots.ConfigDefaults().BootstrapWindow)
	if err != nil {
		return err
	}
	healthTimeout, err := env.GetDuration("HEALTH_TIMEOUT", live_slots.ConfigDefaults().HealthTimeout)
	if err != nil {
		return err
	}

	// Tracing
	if endpoint := env.Get("JAEGER_ENDPOINT", ""); endpoint != "" {
		shutdownTracer, err := telemetry.InitTracer(ctx, telemetry.TracerConfig{
			ServiceName:    serviceName,
			ServiceVersion: env.Get("SERVICE_VERSION", "0.1.0"),
			Environment:    env.Get("ENVIRONMENT", "development"),
			Endpoint:       endpoint,
		})
		if err != nil {
			return fmt.Errorf("failed to init tracer: %w", err)
		}
		defer shutdownWithTimeout(logger, "tracer", shutdownTracer)
	}

	// Metrics
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics, shutdownMetrics, err := newMetrics(ctx, registry)
	if err != nil {
		return err
	}
	defer shutdownWithTimeout(logger, "metrics", shutdownMetrics)

	// PostgreSQL
	poolConfig, err := postgres.PoolConfigFromEnv(dbURL)
	if err != nil {
		return err
	}
	pool, err := postgres.OpenPool(ctx, poolConfig)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer pool.Close()
	logger.Info("PostgreSQL connected")

	store, err := postgres.NewSlotStore(pool, logger)
	if err != nil {
		return err
	}

	// Historical source, optionally behind Redis
	clientConfig := solana.ClientConfigDefaults()
	clientConfig.RPCURL = rpcURL
	clientConfig.RateLimit = rateLimit
	clientConfig.Logger = logger
	client, err := solana.NewClient(clientConfig)
	if err != nil {
		return fmt.Errorf("failed to create RPC client: %w", err)
	}

	var source outbound.HistoricalSource = client
	if redisAddr := env.Get("REDIS_ADDR", ""); redisAddr != "" {
		cacheConfig := rediscache.ConfigDefaults()
		cacheConfig.Addr = redisAddr
		cacheConfig.Password = env.Get("REDIS_PASSWORD", "")
		cache, err := rediscache.NewBlockCache(cacheConfig, logger)
		if err != nil {
			return fmt.Errorf("failed to create block cache: %w", err)
		}
		defer func() {
			if err := cache.Close(); err != nil {
				logger.Warn("failed to close Redis connection", "error", err)
			}
		}()
		if err := cache.Ping(ctx); err != nil {
			return fmt.Errorf("failed to connect to Redis: %w", err)
		}
		logger.Info("Redis connected", "addr", redisAddr)

		source, err = block_source.NewCachingSource(client, cache, logger)
		if err != nil {
			return err
		}
	}

	// Event sink
	sink, err := newEventSink(ctx, logger)
	if err != nil {
		return err
	}
	if sink != nil {
		defer func() {
			if err := sink.Close(); err != nil {
				logger.Warn("failed to close event sink", "error", err)
			}
		}()
	}

	processorConfig := slot_processor.CheckpointedConfigDefaults()
	processorConfig.Metrics = metrics
	processorConfig.Logger = logger
	if sink != nil {
		processorConfig.EventSink = sink
	}
	processor, err := slot_processor.NewCheckpointed(ctx, processorConfig, store, source)
	if err != nil {
		return fmt.Errorf("failed to create processor: %w", err)
	}

	// Live feed. The reconnect hook needs the service, which needs the feed.
	var service *live_slots.Service
	subscriberConfig := solana.SubscriberConfigDefaults()
	subscriberConfig.WebSocketURL = wsURL
	subscriberConfig.Logger = logger
	subscriberConfig.OnReconnect = func(context.Context) {
		if service != nil {
			service.RequestCatchUp()
		}
	}
	subscriber, err := solana.NewSubscriber(subscriberConfig)
	if err != nil {
		return fmt.Errorf("failed to create subscriber: %w", err)
	}
	if err := prommetrics.RegisterFeedStats(registry, subscriber); err != nil {
		return fmt.Errorf("failed to register feed metrics: %w", err)
	}

	serviceConfig := live_slots.ConfigDefaults()
	serviceConfig.BootstrapWindow = bootstrapWindow
	serviceConfig.HealthTimeout = healthTimeout
	serviceConfig.Metrics = metrics
	serviceConfig.Logger = logger
	service, err = live_slots.NewService(serviceConfig, subscriber, source, processor, processor)
	if err != nil {
		return fmt.Errorf("failed to create live service: %w", err)
	}

	var shuttingDown atomic.Bool
	healthServer := httpadapter.NewHealthServer(httpadapter.HealthServerConfig{
		Addr:     env.Get("HEALTH_ADDR", ":8080"),
		Logger:   logger,
		Gatherer: registry,
	}, service, &shuttingDown)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return service.Run(gctx)
	})
	g.Go(func() error {
		return healthServer.Run(gctx, 5*time.Second)
	})
	g.Go(func() error {
		<-gctx.Done()
		shuttingDown.Store(true)
		return nil
	})

	logger.Info("slot indexer started", "rpc", rpcURL, "ws", wsURL, "bootstrapWindow", bootstrapWindow)
	return g.Wait()
}

// newMetrics selects the SlotMetrics backend from METRICS_BACKEND.
func newMetrics(ctx context.Context, registry *prometheus.Registry) (outbound.SlotMetrics, func(context.Context) error, error) {
	switch backend := strings.ToLower(env.Get("METRICS_BACKEND", "prometheus")); backend {
	case "prometheus":
		m, err := prommetrics.New(registry)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to register prometheus metrics: %w", err)
		}
		return m, func(context.Context) error { return nil }, nil
	case "otel":
		shutdown, err := telemetry.InitMetrics(ctx, telemetry.MetricConfig{
			ServiceName:    serviceName,
			ServiceVersion: env.Get("SERVICE_VERSION", "0.1.0"),
			Environment:    env.Get("ENVIRONMENT", "development"),
			OTLPEndpoint:   env.Get("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to init metrics: %w", err)
		}
		m, err := telemetry.NewMetrics(nil)
		if err != nil {
			return nil, nil, err
		}
		return m, shutdown, nil
	default:
		return nil, nil, fmt.Errorf("unknown METRICS_BACKEND %q (want prometheus or otel)", backend)
	}
}

// newEventSink returns an SNS sink, or nil when SNS_TOPIC_ARN is unset.
func newEventSink(ctx context.Context, logger *slog.Logger) (*sns.EventSink, error) {
	topicARN := env.Get("SNS_TOPIC_ARN", "")
	if topicARN == "" {
		logger.Warn("SNS_TOPIC_ARN not set, slot events will not be published")
		return nil, nil
	}

	awsConfig, err := config.LoadDefaultConfig(ctx, config.WithRegion(env.Get("AWS_REGION", "us-east-1")))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	client := awssns.NewFromConfig(awsConfig, func(o *awssns.Options) {
		if endpoint := env.Get("AWS_SNS_ENDPOINT", ""); endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})

	sinkConfig := sns.ConfigDefaults()
	sinkConfig.TopicARN = topicARN
	sinkConfig.FIFO = strings.HasSuffix(topicARN, ".fifo")
	sinkConfig.Logger = logger
	sink, err := sns.NewEventSink(client, sinkConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create SNS event sink: %w", err)
	}
	logger.Info("publishing slot events to SNS", "topic", topicARN, "fifo", sinkConfig.FIFO)
	return sink, nil
}

func shutdownWithTimeout(logger *slog.Logger, name string, shutdown func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := shutdown(ctx); err != nil {
		logger.Warn("shutdown failed", "component", name, "error", err)
	}
}
