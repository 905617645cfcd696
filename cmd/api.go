package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"example.com/backstage/services/registry/config"
	"example.com/backstage/services/registry/internal/api"
	"example.com/backstage/services/registry/internal/cache"
	"example.com/backstage/services/registry/internal/database"
	"example.com/backstage/services/registry/internal/metrics"
	"example.com/backstage/services/registry/internal/repositories"
	"example.com/backstage/services/registry/internal/search"
	"example.com/backstage/services/registry/internal/services"
	"example.com/backstage/services/registry/internal/tracing"
)

var apiCmd = &cobra.Command{
	Use:   "api",
	Short: "Start the API server",
	Long:  `Start the HTTP API server handling registration, discovery and audit queries`,
	RunE:  runAPI,
}

func init() {
	rootCmd.AddCommand(apiCmd)
}

func runAPI(cmd *cobra.Command, args []string) error {
	// Load configuration
	cfg, err := config.LoadConfig(".")
	if err != nil {
		return err
	}

	// Configure logging
	if cfg.Environment == "development" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	// Set up signal handling for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	// Initialize database connections
	db, readOnlyDB, err := database.Connect(cfg.DB)
	if err != nil {
		return err
	}
	defer database.Close(db, readOnlyDB)

	// Initialize cache
	redisCache, err := cache.NewRedisCache(cfg.Redis)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialize Redis cache, continuing without caching")
	}

	// Initialize tracer
	tracer, err := tracing.NewTracer(cfg.Tracing)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialize tracer, continuing without tracing")
		tracer = tracing.NewNoopTracer()
	}

	// Initialize Elasticsearch client
	elasticClient, err := search.NewElasticClient(cfg.Elastic)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialize Elasticsearch client, continuing without event indexing")
	}

	// Initialize metrics
	metricsCollector := metrics.NewMetrics()
	metricsCollector.SetHealth("database", true)

	// Initialize repositories and services
	serviceRepo := repositories.NewServiceRepository(db, readOnlyDB)
	eventRepo := repositories.NewServiceEventRepository(db, readOnlyDB)

	registryService := services.NewRegistryService(serviceRepo, eventRepo, redisCache, elasticClient, metricsCollector, tracer, cfg.Registry)
	healthService := services.NewHealthService(serviceRepo, metricsCollector, cfg.Registry)

	// Initialize and start the server
	server := api.NewServer(cfg, registryService, healthService, metricsCollector, tracer)

	// Start the server in a goroutine
	go func() {
		if err := server.Start(); err != nil {
			log.Error().Err(err).Msg("Server error")
		}
	}()

	// Wait for termination signal
	<-ctx.Done()

	// Shutdown the server
	if err := server.Shutdown(context.Background()); err != nil {
		log.Error().Err(err).Msg("Server shutdown error")
	}

	if redisCache != nil {
		if err := redisCache.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close Redis cache")
		}
	}
	if tracer != nil {
		tracer.Close()
	}

	log.Info().Msg("Shutting down API server")
	return nil
}
