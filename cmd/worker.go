package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"example.com/backstage/services/registry/config"
	"example.com/backstage/services/registry/internal/apperrors"
	"example.com/backstage/services/registry/internal/database"
	"example.com/backstage/services/registry/internal/messaging"
	"example.com/backstage/services/registry/internal/metrics"
	"example.com/backstage/services/registry/internal/repositories"
	"example.com/backstage/services/registry/internal/services"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Start the background worker",
	Long:  `Start the background worker that consumes health probe results and evicts stale registrations`,
	RunE:  runWorker,
}

func init() {
	rootCmd.AddCommand(workerCmd)
}

func runWorker(cmd *cobra.Command, args []string) error {
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

	// Create an error group to manage goroutines
	g, ctx := errgroup.WithContext(ctx)

	// Initialize database connections
	db, readOnlyDB, err := database.Connect(cfg.DB)
	if err != nil {
		return err
	}
	defer database.Close(db, readOnlyDB)

	// Initialize metrics
	metricsCollector := metrics.NewMetrics()

	// Initialize repositories and services
	serviceRepo := repositories.NewServiceRepository(db, readOnlyDB)
	healthService := services.NewHealthService(serviceRepo, metricsCollector, cfg.Registry)
	reaperService := services.NewReaperService(serviceRepo, metricsCollector, cfg.Registry)

	// Initialize Azure Service Bus client
	azureBus, err := messaging.NewAzureServiceBus(cfg.Azure)
	if err != nil {
		return err
	}
	defer azureBus.Close()

	// Start the probe result processor
	g.Go(func() error {
		log.Info().Str("queue", cfg.Azure.QueueName).Msg("Starting probe result processor")
		return azureBus.ProcessMessages(ctx, func(ctx context.Context, res services.ProbeResult) error {
			_, err := healthService.Apply(ctx, res)
			if apperrors.IsKind(err, apperrors.KindNotFound) {
				// Probes for deregistered services are expected to trail
				// the registration state for a while.
				log.Debug().Str("service_id", res.ServiceID.String()).Msg("Probe result for unknown service")
				return nil
			}
			return err
		})
	})

	// Start the stale reaper and the status gauge refresher
	g.Go(func() error {
		log.Info().Dur("interval", cfg.Registry.ReaperInterval).Msg("Starting stale service reaper")

		scheduler, err := gocron.NewScheduler()
		if err != nil {
			return err
		}

		_, err = scheduler.NewJob(
			gocron.DurationJob(cfg.Registry.ReaperInterval),
			gocron.NewTask(func() {
				stats, err := reaperService.Run(ctx)
				if err != nil {
					log.Error().Err(err).Msg("Reaper sweep failed")
					return
				}
				if stats.Demoted > 0 || stats.Evicted > 0 {
					log.Info().
						Int("scanned", stats.Scanned).
						Int("demoted", stats.Demoted).
						Int("evicted", stats.Evicted).
						Int("skipped", stats.Skipped).
						Msg("Reaper sweep complete")
				}
			}),
		)
		if err != nil {
			return err
		}

		_, err = scheduler.NewJob(
			gocron.DurationJob(30*time.Second),
			gocron.NewTask(func() {
				counts, err := serviceRepo.CountByStatus(ctx)
				if err != nil {
					log.Warn().Err(err).Msg("Failed to refresh status gauges")
					return
				}
				for status, count := range counts {
					metricsCollector.SetGauge("services_"+string(status), count)
				}
			}),
		)
		if err != nil {
			return err
		}

		scheduler.Start()

		// Wait for context cancellation
		<-ctx.Done()

		return scheduler.Shutdown()
	})

	// Wait for any goroutine to exit
	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("Worker error")
		return err
	}

	log.Info().Msg("Worker shutting down gracefully")
	return nil
}
