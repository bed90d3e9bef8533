// Worker is the CrowdCompute worker agent binary: it polls a coordinator for tasks,
// executes them through the containerd-backed runtime, and reports outcomes. Wired
// the way the teacher's own cmd/warren binary wires its worker subcommand, minus the
// cluster-join/token machinery this agent has no use for.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/cuemby/crowdcompute/pkg/apiclient"
	"github.com/cuemby/crowdcompute/pkg/log"
	"github.com/cuemby/crowdcompute/pkg/plugin"
	"github.com/cuemby/crowdcompute/pkg/runtime"
	"github.com/cuemby/crowdcompute/pkg/worker"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

const (
	exitOK            = 0
	exitConfigError   = 2
	exitUnreachable   = 3
	startupMaxRetries = 5
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
	Use:     "worker",
	Short:   "CrowdCompute worker agent: claims and executes tasks from a coordinator",
	Version: Version,
	RunE:    runWorker,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("worker version %s (%s)\n", Version, Commit))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.Flags().String("containerd-socket", "/run/containerd/containerd.sock", "containerd socket path")

	cobra.OnInitialize(initLogging)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(logLevel), JSONOutput: logJSON})
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

func defaultWorkerID() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host + "-" + uuid.NewString()[:8]
	}
	return uuid.NewString()
}

func runWorker(cmd *cobra.Command, args []string) error {
	logger := log.WithComponent("main")

	coordinatorURL := os.Getenv("COORDINATOR_URL")
	if coordinatorURL == "" {
		logger.Error().Msg("COORDINATOR_URL is required")
		os.Exit(exitConfigError)
	}

	workerID := os.Getenv("WORKER_ID")
	if workerID == "" {
		workerID = defaultWorkerID()
	}

	cfg := worker.DefaultConfig()
	cfg.WorkerID = workerID
	cfg.BasePollInterval = envDuration("POLL_INTERVAL_MS", cfg.BasePollInterval)
	cfg.LeaseTTL = envDuration("LEASE_TTL_MS", cfg.LeaseTTL)

	client := apiclient.NewClient(coordinatorURL)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := waitForCoordinator(ctx, client, workerID); err != nil {
		logger.Error().Err(err).Msg("coordinator unreachable")
		os.Exit(exitUnreachable)
	}

	socketPath, _ := cmd.Flags().GetString("containerd-socket")
	rt, err := runtime.NewContainerdRuntime(socketPath)
	if err != nil {
		return fmt.Errorf("connect to containerd: %w", err)
	}
	defer rt.Close()

	w := worker.New(cfg, client, rt, plugin.NewRegistry(plugin.BuiltinDescriptors()...))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info().Msg("shutdown signal received")
		cancel()
	}()

	logger.Info().Str("worker_id", workerID).Str("coordinator_url", coordinatorURL).Msg("worker starting")
	w.Run(ctx)

	os.Exit(exitOK)
	return nil
}

// waitForCoordinator probes the coordinator with a handful of claim attempts (a claim
// with no pending work still proves reachability via HTTP 204) before the long-running
// poll loop takes over, so a worker given a bad COORDINATOR_URL fails fast.
func waitForCoordinator(ctx context.Context, client *apiclient.Client, workerID string) error {
	var lastErr error
	delay := 500 * time.Millisecond
	for attempt := 0; attempt < startupMaxRetries; attempt++ {
		_, err := client.ClaimTask(ctx, workerID)
		if err == nil {
			return nil
		}
		lastErr = err
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		if delay < 5*time.Second {
			delay *= 2
		}
	}
	return fmt.Errorf("coordinator unreachable after %d attempts: %w", startupMaxRetries, lastErr)
}
