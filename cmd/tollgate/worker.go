package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tollgate-proxy/tollgate/config"
	"github.com/tollgate-proxy/tollgate/logger"
	"github.com/tollgate-proxy/tollgate/pkg/errors"
	"github.com/tollgate-proxy/tollgate/server/command"
	"github.com/tollgate-proxy/tollgate/server/metricsapi"
	"github.com/tollgate-proxy/tollgate/server/worker"
	"github.com/tollgate-proxy/tollgate/state"
)

var workerFlags struct {
	socket    string
	controlFd int
	stateFile string
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run a proxy worker",
	Long: `Run one proxy worker. The worker listens for orders on its control socket
and, when given a supervisor descriptor, on that inherited channel too.
Losing the supervisor channel stops the worker.

Examples:
  # Run with the configured control socket
  tollgate worker --config /etc/tollgate/tollgate.toml

  # Apply a desired state before serving
  tollgate worker --state /etc/tollgate/state.yaml

  # Run under a supervisor that passed a socketpair end as fd 3
  tollgate worker --control-fd 3 --socket ""`,
	RunE: runWorker,
}

func init() {
	rootCmd.AddCommand(workerCmd)

	workerCmd.Flags().StringVar(&workerFlags.socket, "socket", "", "control socket path (overrides config)")
	workerCmd.Flags().IntVar(&workerFlags.controlFd, "control-fd", -1, "inherited supervisor channel descriptor")
	workerCmd.Flags().StringVar(&workerFlags.stateFile, "state", "", "desired state applied at startup (overrides config)")
}

func runWorker(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("socket") {
		cfg.Control.SocketPath = workerFlags.socket
	}
	if cmd.Flags().Changed("state") {
		cfg.State = workerFlags.stateFile
	}
	if cfg.Control.SocketPath == "" && workerFlags.controlFd < 0 {
		return errors.Validation("control", fmt.Errorf("a control socket path or --control-fd is required"))
	}

	logFile, err := logger.Initialize(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "tollgate: warning initializing logger: %v\n", err)
	}
	if logFile != nil {
		defer logFile.Close()
	}
	logger.Info("Tollgate worker starting", "version", version, "commit", commit, "built", date)

	opts := worker.Options{Config: cfg.Worker, ControlPath: cfg.Control.SocketPath}
	if workerFlags.controlFd >= 0 {
		opts.ControlFds = []int{workerFlags.controlFd}
	}
	w, err := worker.New(opts)
	if err != nil {
		return errors.Fatal("start worker", err)
	}

	if cfg.State != "" {
		if err := applyInitialState(w, cfg.State); err != nil {
			return err
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(signalChan)
	go func() {
		select {
		case sig := <-signalChan:
			logger.Info("Received signal, stopping worker", "signal", sig.String())
			cancel()
		case <-ctx.Done():
		}
	}()

	errChan := make(chan error, 1)
	if cfg.Metrics.Enabled {
		go metricsapi.Start(ctx, w, metricsapi.ServerOptions{Addr: cfg.Metrics.Addr, Path: cfg.Metrics.Path}, errChan)
	}

	runDone := make(chan error, 1)
	go func() { runDone <- w.Run(ctx) }()

	select {
	case err := <-runDone:
		if err != nil {
			return errors.Fatal("run worker", err)
		}
	case err := <-errChan:
		cancel()
		<-runDone
		return errors.Fatal("metrics server", err)
	}
	logger.Info("Tollgate worker stopped")
	return nil
}

// applyInitialState configures a worker that is not running yet, so orders
// go straight to Apply instead of through the control socket.
func applyInitialState(w *worker.Worker, path string) error {
	s, err := state.Load(path)
	if err != nil {
		return errors.Config(path, err)
	}
	reqs, err := state.Orders(s)
	if err != nil {
		return errors.Validation("state "+path, err)
	}
	for _, req := range reqs {
		o, err := command.Decode(req)
		if err != nil {
			return errors.Validation("state "+path, err)
		}
		resp := w.Apply(o)
		if resp.Status != command.StatusOK {
			return errors.Fatal("apply state "+path, fmt.Errorf("%s: %s", req.ID, resp.Message))
		}
	}
	logger.Info("Applied initial state", "path", path, "orders", len(reqs))
	return nil
}

// loadConfig reads the --config file on top of the defaults. A missing file
// is fine unless the flag was given explicitly.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	cfg := config.NewDefaultConfig()
	if err := config.LoadConfigFromFile(cfgFile, &cfg); err != nil {
		if !os.IsNotExist(err) || cmd.Flags().Changed("config") {
			return cfg, errors.Config(cfgFile, err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return cfg, errors.Validation(cfgFile, err)
	}
	return cfg, nil
}
