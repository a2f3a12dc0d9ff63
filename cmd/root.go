package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/inference-router/inference-router/router"
)

var (
	policyPath        string        // Path to the YAML policy document
	listenAddr        string        // Address the REST API binds to
	logLevel          string        // Log verbosity level
	discoveryInterval time.Duration // Capability discovery cycle
	attemptTimeout    time.Duration // Per-attempt dispatch timeout
	defaultDeadline   time.Duration // Deadline for requests that carry none
	targetTimeout     time.Duration // HTTP client timeout for target calls
)

// rootCmd is the base command for the CLI.
var rootCmd = &cobra.Command{
	Use:   "inference-router",
	Short: "Placement and routing engine for inference requests across compute tiers",
}

// serveCmd loads the policy document and runs the engine.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the routing engine",
	Run: func(cmd *cobra.Command, args []string) {
		level, err := logrus.ParseLevel(logLevel)
		if err != nil {
			logrus.Fatalf("Invalid log level: %s", logLevel)
		}
		logrus.SetLevel(level)

		doc, err := router.LoadPolicyDocument(policyPath)
		if err != nil {
			logrus.Fatalf("unable to read policy document: %v", err)
		}

		bus := router.NewBus()
		registry := router.NewRegistry(bus)
		policies := router.NewStore()
		snap, err := policies.Load(doc)
		if err != nil {
			logrus.Fatalf("policy rejected: %v", err)
		}
		for _, t := range snap.Targets {
			registry.Upsert(t)
		}

		client := router.NewHTTPTargetClient(targetTimeout)
		catalog := router.NewCatalog(registry, client, discoveryInterval)
		engine := router.NewEngine(policies, registry, catalog)
		dispatcher := router.NewDispatcher(engine, registry, policies, client, bus, attemptTimeout)
		monitor := router.NewMonitor(registry, policies, bus)
		server := router.NewServer(dispatcher, registry, catalog, policies, policyPath, defaultDeadline)

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		go catalog.Run(ctx)
		go monitor.Run(ctx)

		logrus.Infof("Starting routing engine with %d targets, discovery every %s", len(snap.Targets), discoveryInterval)
		if err := server.Run(ctx, listenAddr); err != nil {
			logrus.Fatalf("server failed: %v", err)
		}
		logrus.Info("Routing engine stopped.")
	},
}

// validateCmd checks a policy document without starting the engine.
var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate a policy document",
	Run: func(cmd *cobra.Command, args []string) {
		doc, err := router.LoadPolicyDocument(policyPath)
		if err != nil {
			logrus.Fatalf("unable to read policy document: %v", err)
		}
		if _, err := router.Compile(doc); err != nil {
			logrus.Fatalf("policy invalid: %v", err)
		}
		fmt.Printf("policy %s is valid\n", policyPath)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&policyPath, "policy", "policy.yaml", "Path to the YAML policy document")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log verbosity (debug, info, warn, error)")

	serveCmd.Flags().StringVar(&listenAddr, "listen", ":8080", "REST API listen address")
	serveCmd.Flags().DurationVar(&discoveryInterval, "discovery-interval", 60*time.Second, "Capability discovery interval")
	serveCmd.Flags().DurationVar(&attemptTimeout, "attempt-timeout", 10*time.Second, "Per-attempt dispatch timeout")
	serveCmd.Flags().DurationVar(&defaultDeadline, "default-deadline", 30*time.Second, "Deadline for requests without one")
	serveCmd.Flags().DurationVar(&targetTimeout, "target-timeout", 30*time.Second, "HTTP client timeout for target calls")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(validateCmd)
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
