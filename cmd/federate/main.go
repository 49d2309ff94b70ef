// Command federate runs a single federate process of a federation: it
// loads a YAML configuration file, connects to the RTI, establishes its
// peer-to-peer links, synchronizes a start time, and runs until stopped.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/crossfed/federate/internal/config"
	"github.com/crossfed/federate/internal/federate"
	"github.com/crossfed/federate/internal/metrics"
	"github.com/crossfed/federate/internal/scheduler"
	"github.com/crossfed/federate/internal/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

var (
	configPath  string
	verbose     bool
	metricsAddr string
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:     "federate",
		Short:   "Run a federate process in a time-coordinated federation",
		Version: "0.1.0",
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "federate.yaml", "path to the federate's YAML configuration file")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose logging")
	root.AddCommand(newRunCmd())
	return root
}

func newRunCmd() *cobra.Command {
	run := &cobra.Command{
		Use:   "run",
		Short: "Connect to the RTI, establish peer links, and run until stopped",
		RunE:  runFederate,
	}
	run.Flags().StringVar(&metricsAddr, "metrics-addr", "", "address to serve Prometheus metrics on (e.g. :9090); disabled if empty")
	return run
}

func runFederate(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logFlags := log.LstdFlags
	logger := log.New(os.Stderr, fmt.Sprintf("[Federate %d] ", cfg.FedID), logFlags)
	if verbose {
		logger.SetFlags(logFlags | log.Lshortfile)
	}

	eq := scheduler.NewFake()
	rt, err := federate.New(cfg, eq, noopTriggerResolver{}, nil, logger)
	if err != nil {
		return fmt.Errorf("constructing federate runtime: %w", err)
	}

	if metricsAddr != "" {
		reg := prometheus.NewRegistry()
		collector, err := metrics.New(reg)
		if err != nil {
			return fmt.Errorf("registering metrics: %w", err)
		}
		rt.SetMetrics(collector)

		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		server := &http.Server{Addr: metricsAddr, Handler: mux}
		go func() {
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Printf("metrics server stopped: %v", err)
			}
		}()
		defer server.Close()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Printf("federate %d: received %s, shutting down", cfg.FedID, sig)
		cancel()
	}()

	logger.Printf("federate %d: starting, federation=%q rti=%s:%d", cfg.FedID, cfg.FederationID, cfg.RTIHost, cfg.RTIPort)
	if err := rt.Run(ctx); err != nil {
		return fmt.Errorf("federate %d: run: %w", cfg.FedID, err)
	}
	return nil
}

// noopTriggerResolver is the default scheduler.TriggerResolver used when no
// code-generated port-to-trigger table is wired in: every port id maps to
// itself as an opaque trigger, since the real mapping is owned by
// application code this module never sees (spec §1).
type noopTriggerResolver struct{}

func (noopTriggerResolver) TriggerForPort(port types.PortID) scheduler.Trigger { return port }
