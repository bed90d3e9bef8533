// Coordinator is the CrowdCompute coordinator binary: it wires the artifact store,
// registry, dispatcher, and HTTP API into a single process and serves the job/task
// protocol described in the component design. Structured the way the teacher's own
// cmd/warren binary wires its manager/scheduler/reconciler/API stack.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/cuemby/crowdcompute/pkg/api"
	"github.com/cuemby/crowdcompute/pkg/artifact"
	"github.com/cuemby/crowdcompute/pkg/dispatcher"
	"github.com/cuemby/crowdcompute/pkg/events"
	"github.com/cuemby/crowdcompute/pkg/log"
	"github.com/cuemby/crowdcompute/pkg/metrics"
	"github.com/cuemby/crowdcompute/pkg/registry"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "coordinator",
	Short:   "CrowdCompute coordinator: job submission, dispatch, and artifact storage",
	Version: Version,
	RunE:    runCoordinator,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("coordinator version %s (%s)\n", Version, Commit))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.Flags().String("listen", ":8080", "HTTP listen address")

	cobra.OnInitialize(initLogging)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(logLevel), JSONOutput: logJSON})
}

// envOr returns the value of key, or def if unset or empty.
func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	ms, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return time.Duration(ms) * time.Millisecond
}

func runCoordinator(cmd *cobra.Command, args []string) error {
	logger := log.WithComponent("main")

	metrics.SetVersion(Version)
	metrics.RegisterCriticalComponents("artifact_store", "registry", "dispatcher", "api")

	listen, _ := cmd.Flags().GetString("listen")
	if v := os.Getenv("COORDINATOR_BASE_URL"); v != "" {
		listen = v
	}
	storageRoot := envOr("STORAGE_ROOT", "./crowdcompute-data")

	cfg := registry.DefaultConfig()
	cfg.LeaseTTL = envDuration("LEASE_TTL_MS", cfg.LeaseTTL)

	store, err := artifact.NewStore(storageRoot)
	if err != nil {
		metrics.RegisterComponent("artifact_store", false, err.Error())
		return fmt.Errorf("create artifact store: %w", err)
	}
	metrics.RegisterComponent("artifact_store", true, storageRoot)

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()
	go logJobEvents(logger, broker)

	reg := registry.New(cfg, broker)
	metrics.RegisterComponent("registry", true, "")

	disp := dispatcher.New(reg, cfg.LeaseTTL)
	disp.Start()
	defer disp.Stop()
	metrics.RegisterComponent("dispatcher", true, "")

	server := api.New(reg, disp, store)
	metrics.RegisterComponent("api", true, listen)
	httpServer := &http.Server{Addr: listen, Handler: server}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", listen).Str("storage_root", storageRoot).Msg("coordinator listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		logger.Info().Msg("shutting down")
	case err := <-errCh:
		logger.Error().Err(err).Msg("server error")
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpServer.Shutdown(ctx)
}

// logJobEvents subscribes to the registry's lifecycle broker and logs every
// transition, giving an operator a job/task activity stream independent of the
// per-request API logs. It returns only when the subscription's channel is closed by
// Unsubscribe; Broker.Stop does not close subscriber channels, so in this binary it
// runs until the process exits.
func logJobEvents(logger zerolog.Logger, broker *events.Broker) {
	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)
	for evt := range sub {
		logger.Debug().
			Str("kind", string(evt.Kind)).
			Str("job_id", evt.JobID).
			Str("task_id", evt.TaskID).
			Str("message", evt.Message).
			Msg("registry event")
	}
}
