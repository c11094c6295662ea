package main

import (
	"context"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/imrejaul007/pentouz-pms-sub017/internal/apikeys"
	"github.com/imrejaul007/pentouz-pms-sub017/internal/counters"
	"github.com/imrejaul007/pentouz-pms-sub017/internal/handlers"
	"github.com/imrejaul007/pentouz-pms-sub017/internal/metricstore"
	"github.com/imrejaul007/pentouz-pms-sub017/internal/ratelimit"
	"github.com/imrejaul007/pentouz-pms-sub017/internal/tracking"
	"github.com/imrejaul007/pentouz-pms-sub017/internal/webhooks"
	"github.com/imrejaul007/pentouz-pms-sub017/pkg/config"
	"github.com/imrejaul007/pentouz-pms-sub017/pkg/crypto"
	"github.com/imrejaul007/pentouz-pms-sub017/pkg/database"
	"github.com/imrejaul007/pentouz-pms-sub017/pkg/geoip"
	"github.com/imrejaul007/pentouz-pms-sub017/pkg/kafka"
	"github.com/imrejaul007/pentouz-pms-sub017/pkg/logging"
	"github.com/imrejaul007/pentouz-pms-sub017/pkg/monitoring"
	"github.com/imrejaul007/pentouz-pms-sub017/pkg/redis"
	"github.com/imrejaul007/pentouz-pms-sub017/pkg/server"
	"github.com/imrejaul007/pentouz-pms-sub017/pkg/version"
)

func main() {
	// Setup logger
	logger := logging.NewLoggerWithService("concierge")

	// Load environment variables
	config.LoadEnv(logger)

	logger.Info("Starting Concierge (API Usage & Access Control Plane)")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Connect to MongoDB
	mongoConfig := database.DefaultMongoConfig()
	mongoConfig.URI = config.GetEnv("MONGO_URI", "mongodb://localhost:27017")
	mongoConfig.Database = config.GetEnv("MONGO_DATABASE", "concierge")
	mongoClient := database.MustConnectMongo(mongoConfig, logger)
	defer func() {
		if err := mongoClient.Disconnect(context.Background()); err != nil {
			logger.WithError(err).Warn("Failed to disconnect from MongoDB")
		}
	}()
	db := mongoClient.Database(mongoConfig.Database)

	// Setup monitoring
	healthChecker := monitoring.NewHealthChecker("concierge", version.Version)
	metricsCollector := monitoring.NewMetricsCollector("concierge", version.Version, version.GitCommit)

	healthChecker.AddCheck("mongodb", monitoring.MongoHealthCheck(mongoClient))
	healthChecker.AddCheck("config", monitoring.ConfigurationHealthCheck(map[string]string{
		"MONGO_URI":      config.GetEnv("MONGO_URI", ""),
		"API_KEY_PEPPER": config.GetEnv("API_KEY_PEPPER", ""),
	}))

	failOpen := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "concierge_rate_limit_fail_open_total",
		Help: "Requests allowed because the counter store was unavailable",
	})
	droppedObservations := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "concierge_dropped_observations_total",
		Help: "Observations dropped because the aggregation queue was full",
	})
	flushErrors := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "concierge_flush_errors_total",
		Help: "Aggregate flush upserts that failed",
	})
	metricsCollector.RegisterCustomMetric("rate_limit_fail_open", failOpen)
	metricsCollector.RegisterCustomMetric("dropped_observations", droppedObservations)
	metricsCollector.RegisterCustomMetric("flush_errors", flushErrors)

	// Rate-limit counters: Redis when configured, in-process otherwise.
	// Counters survive restarts only with the Redis backend.
	var counterStore counters.Store
	if redisURL := config.GetEnv("REDIS_URL", ""); redisURL != "" {
		redisClient, err := redis.NewClientFromURL(ctx, redisURL)
		if err != nil {
			logger.WithError(err).Fatal("Failed to connect to Redis")
		}
		defer redisClient.Close()
		healthChecker.AddCheck("redis", monitoring.RedisHealthCheck(redisClient))
		counterStore = counters.NewRedisStore(redisClient, "rl")
		logger.Info("Using Redis rate-limit counters")
	} else {
		memStore := counters.NewMemoryStore(time.Minute)
		defer memStore.Stop()
		counterStore = memStore
		logger.Warn("REDIS_URL not set, rate-limit counters are process-local")
	}

	// API key registry
	keyStore, err := apikeys.NewMongoStore(ctx, db)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize API key store")
	}
	registry := apikeys.NewRegistry(keyStore, config.GetEnv("API_KEY_PEPPER", ""), logger)

	limiter := ratelimit.NewLimiter(counterStore, nil, ratelimit.DefaultConfig(), logger, failOpen)

	// Durable metric store with rollup scheduler
	store, err := metricstore.NewStore(ctx, db, nil, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize metric store")
	}
	retentionDays := config.GetEnvInt("METRICS_RETENTION_DAYS", 0)
	scheduler := metricstore.NewScheduler(store, nil, logger, time.Duration(retentionDays)*24*time.Hour)
	if err := scheduler.Start(); err != nil {
		logger.WithError(err).Fatal("Failed to start rollup scheduler")
	}
	defer scheduler.Stop()

	// In-memory minute aggregation
	aggregator := tracking.NewAggregator(tracking.AggregatorConfig{
		MaxLive:       config.GetEnvInt("AGGREGATOR_MAX_LIVE", 0),
		FlushInterval: config.GetEnvDuration("AGGREGATOR_FLUSH_INTERVAL", 0),
	}, store, nil, logger, droppedObservations, flushErrors)

	// Optional analytics firehose
	if brokers := config.GetEnv("KAFKA_BROKERS", ""); brokers != "" {
		producer, err := kafka.NewProducer(strings.Split(brokers, ","),
			config.GetEnv("KAFKA_TOPIC", "usage_aggregates"), logger)
		if err != nil {
			logger.WithError(err).Fatal("Failed to create Kafka producer")
		}
		defer producer.Close()
		healthChecker.AddCheck("kafka", monitoring.KafkaProducerHealthCheck(producer.GetClient()))
		aggregator.SetExporter(tracking.NewFirehoseExporter(producer, logger))
		logger.WithField("brokers", brokers).Info("Aggregate firehose enabled")
	}

	aggregator.Start()
	defer aggregator.Stop()

	// Optional GeoIP enrichment
	geo, err := geoip.NewReader(config.GetEnv("GEOIP_DB_PATH", ""))
	if err != nil {
		logger.WithError(err).Warn("GeoIP database unavailable, observations will not be geo-enriched")
	}
	if geo != nil {
		defer geo.Close()
	}

	// Webhook store and dispatcher. Consumer secrets are encrypted at
	// rest, so the field key is mandatory.
	fieldcrypt, err := crypto.DeriveFieldEncryptor(
		[]byte(config.RequireEnv("FIELD_ENCRYPTION_KEY")), "webhook-secrets")
	if err != nil {
		logger.WithError(err).Fatal("Failed to derive field encryptor")
	}
	webhookStore, err := webhooks.NewMongoStore(ctx, db, fieldcrypt)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize webhook store")
	}
	dispatcher := webhooks.NewDispatcher(webhooks.DispatcherConfig{}, webhookStore, limiter, aggregator, logger)
	dispatcher.Start()
	defer dispatcher.Stop()

	// Router: health and Prometheus endpoints first, then the tracking
	// interceptor in front of everything else.
	router := server.SetupServiceRouter(logger, "concierge", healthChecker, metricsCollector)

	interceptor := tracking.NewInterceptor(tracking.InterceptorConfig{
		Registry:   registry,
		Limiter:    limiter,
		Aggregator: aggregator,
		Geo:        geo,
		Logger:     logger,
	})
	router.Use(interceptor.Handler())

	admin := handlers.New(registry, limiter, store, webhookStore, dispatcher, nil, logger)
	admin.RegisterRoutes(router)

	// Start server with graceful shutdown
	serverConfig := server.DefaultConfig("concierge", "18010")
	if err := server.Start(serverConfig, router, logger); err != nil {
		logger.WithError(err).Fatal("Server startup failed")
	}
}
