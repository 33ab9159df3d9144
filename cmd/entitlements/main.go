package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/hylozoic/entitlements/internal/api"
	"github.com/hylozoic/entitlements/internal/billing"
	"github.com/hylozoic/entitlements/internal/config"
	"github.com/hylozoic/entitlements/internal/dispatch"
	"github.com/hylozoic/entitlements/internal/entitlements"
	"github.com/hylozoic/entitlements/internal/logging"
	"github.com/hylozoic/entitlements/internal/membership"
	"github.com/hylozoic/entitlements/internal/reconcile"
	"github.com/hylozoic/entitlements/internal/store"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

var rootCmd = &cobra.Command{
	Use:     "entitlements",
	Short:   "Entitlement reconciliation engine for paid group access",
	Long:    `Grants, extends, and revokes paid-content access driven by payment-provider webhook events, with a periodic reconciliation sweep to repair missed deliveries.`,
	Version: Version,
	Run: func(cmd *cobra.Command, args []string) {
		runServer()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("entitlements %s\n", Version)
		if BuildTime != "unknown" {
			fmt.Printf("Built: %s\n", BuildTime)
		}
		if GitCommit != "unknown" {
			fmt.Printf("Commit: %s\n", GitCommit)
		}
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServer() {
	// Baseline logger for early startup, re-initialized once config loads
	logging.Init(logging.Config{
		Format:    "auto",
		Level:     "info",
		Component: "entitlements",
	})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}

	logging.Init(logging.Config{
		Format:    cfg.LogFormat,
		Level:     cfg.LogLevel,
		Component: "entitlements",
	})

	log.Info().
		Str("version", Version).
		Str("environment", cfg.Environment).
		Msg("Starting entitlements server")

	db, err := store.Open(cfg.DataDir)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open entitlements store")
	}
	defer db.Close()

	stripeClient := billing.NewStripeClient(cfg.StripeSecretKey, cfg.StripeTimeout)
	gateway := membership.NewHTTPGateway(cfg.PlatformBaseURL, cfg.PlatformAuthToken, cfg.StripeTimeout)

	// Kafka replaces the in-process dispatcher when brokers are configured.
	var queue dispatch.Queue
	var dispatcher *dispatch.Dispatcher
	if len(cfg.KafkaBrokers) > 0 {
		kq := dispatch.NewKafkaQueue(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer kq.Close()
		queue = kq
		log.Info().Strs("brokers", cfg.KafkaBrokers).Str("topic", cfg.KafkaTopic).Msg("Job queue: kafka")
	} else {
		dispatcher = dispatch.NewDispatcher(256)
		registerJobHandlers(dispatcher)
		dispatcher.Start()
		defer dispatcher.Stop()
		queue = dispatcher
		log.Info().Msg("Job queue: in-process")
	}

	engine := entitlements.NewEngine(entitlements.EngineConfig{
		Grants:               db,
		Offerings:            db,
		Membership:           gateway,
		Billing:              stripeClient,
		Queue:                queue,
		FiscalSponsorAccount: cfg.FiscalSponsorAccountID,
		Production:           cfg.IsProduction(),
	})

	reconciler := reconcile.New(engine, stripeClient, db, cfg.ReconcileInterval)
	reconciler.Start()
	defer reconciler.Stop()

	handler := api.NewRouter(api.RouterConfig{
		Parser:         billing.NewWebhookParser(cfg.StripeWebhookSecret),
		Engine:         engine,
		AdminAuthToken: cfg.PlatformAuthToken,
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.BackendHost, cfg.BackendPort),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().Str("addr", srv.Addr).Msg("HTTP server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	log.Info().Str("signal", sig.String()).Msg("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP shutdown failed")
	}
}

// registerJobHandlers binds the in-process job handlers. The production
// deployment routes jobs through Kafka to dedicated workers; in-process
// handlers only log, keeping single-node setups functional without an
// email backend.
func registerJobHandlers(d *dispatch.Dispatcher) {
	logJob := func(msg string) dispatch.Handler {
		return func(ctx context.Context, job dispatch.Job) error {
			log.Info().
				Str("jobId", job.ID).
				RawJSON("payload", job.Payload).
				Msg(msg)
			return nil
		}
	}
	d.RegisterHandler(dispatch.JobPurchaseConfirmation, logJob("Purchase confirmation"))
	d.RegisterHandler(dispatch.JobPaymentFailedNotice, logJob("Payment failed notice"))
	d.RegisterHandler(dispatch.JobSubscriptionEnded, logJob("Subscription ended notice"))
	d.RegisterHandler(dispatch.JobMembershipSync, logJob("Membership sync"))
}
