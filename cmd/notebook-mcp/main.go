package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/zhubert/notebook-mcp/cells"
	"github.com/zhubert/notebook-mcp/cli"
	"github.com/zhubert/notebook-mcp/config"
	"github.com/zhubert/notebook-mcp/exec"
	"github.com/zhubert/notebook-mcp/guard"
	"github.com/zhubert/notebook-mcp/kernel"
	"github.com/zhubert/notebook-mcp/logger"
	"github.com/zhubert/notebook-mcp/manager"
	"github.com/zhubert/notebook-mcp/mcp"
	"github.com/zhubert/notebook-mcp/notebook"
	"github.com/zhubert/notebook-mcp/process"
)

type options struct {
	configPath       string
	allowedDirs      []string
	debug            bool
	logFile          string
	executionTimeout time.Duration
	metricsAddr      string
}

func main() {
	if err := newRootCommand(&options{}).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCommand(opts *options) *cobra.Command {
	root := &cobra.Command{
		Use:           "notebook-mcp",
		Short:         "MCP server for creating, editing and executing Jupyter notebooks",
		Version:       notebook.CreatorVersion,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd, opts)
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&opts.configPath, "config", "", "config file (default <config dir>/config.yaml)")
	flags.StringArrayVar(&opts.allowedDirs, "allowed-dirs", nil, "directory notebooks may live in (repeatable)")
	flags.BoolVar(&opts.debug, "debug", false, "enable debug logging")
	flags.StringVar(&opts.logFile, "log-file", "", "log file path")
	flags.DurationVar(&opts.executionTimeout, "execution-timeout", 0, "default per-cell execution timeout")
	flags.StringVar(&opts.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on host:port")

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Serve MCP over stdin/stdout (default)",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return runServe(cmd, opts)
			},
		},
		&cobra.Command{
			Use:   "check",
			Short: "Check that the configured engine interpreters are installed",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return runCheck(cmd, opts)
			},
		},
		&cobra.Command{
			Use:   "cleanup",
			Short: "Kill kernels left behind by servers that are no longer running",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return runCleanup(cmd, opts)
			},
		},
		&cobra.Command{
			Use:   "clear-logs",
			Short: "Delete server and kernel log files",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				n, err := logger.ClearLogs()
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Removed %d log file(s)\n", n)
				return nil
			},
		},
	)
	return root
}

// loadConfig layers the command line over the config file.
func loadConfig(cmd *cobra.Command, opts *options) (*config.Config, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, err
	}

	cfg.MergeAllowedDirs(opts.allowedDirs)
	flags := cmd.Flags()
	if flags.Changed("debug") {
		cfg.Debug = opts.debug
	}
	if flags.Changed("log-file") {
		cfg.LogFile = opts.logFile
	}
	if flags.Changed("execution-timeout") {
		cfg.ExecutionTimeout = opts.executionTimeout
	}
	if flags.Changed("metrics-addr") {
		cfg.MetricsAddr = opts.metricsAddr
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func initLogging(cfg *config.Config) error {
	logger.SetDebug(cfg.Debug)
	path := cfg.LogFile
	if path == "" {
		p, err := logger.DefaultLogPath()
		if err != nil {
			return err
		}
		path = p
	}
	return logger.Init(path)
}

func newEngines(cfg *config.Config) (*kernel.Registry, error) {
	engines, err := kernel.NewRegistry(cfg.DefaultEngine, cfg.Engines)
	if err != nil {
		return nil, err
	}
	engines.SetLookPath(exec.GetDefaultExecutor().LookPath)
	return engines, nil
}

func runServe(cmd *cobra.Command, opts *options) error {
	cfg, err := loadConfig(cmd, opts)
	if err != nil {
		return err
	}
	if err := initLogging(cfg); err != nil {
		return err
	}
	defer logger.Close()
	log := logger.WithComponent("main")

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if process.Supported() {
		killed, err := process.CleanupOrphanedKernels(ctx, exec.GetDefaultExecutor(), os.Getpid())
		if err != nil {
			log.Warn("orphaned kernel cleanup failed", "error", err)
		} else if killed > 0 {
			log.Info("killed orphaned kernels", "count", killed)
		}
	}

	g, err := guard.New(cfg.GetAllowedDirs())
	if err != nil {
		return err
	}
	log.Info("allowed directories", "dirs", g.AllowedRoots())

	store, err := notebook.NewStore(g)
	if err != nil {
		return err
	}
	engines, err := newEngines(cfg)
	if err != nil {
		return err
	}
	sessions := manager.NewSessionManager(
		store,
		engines,
		kernel.ProcessLauncher{Log: logger.WithComponent("kernel")},
		manager.NewSessionRegistry(),
		manager.OptionsFromConfig(cfg),
	)
	defer sessions.ShutdownAll()

	if cfg.MetricsAddr != "" {
		srv := &http.Server{Addr: cfg.MetricsAddr, Handler: promhttp.Handler(), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("metrics server failed", "addr", cfg.MetricsAddr, "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
		log.Info("serving metrics", "addr", cfg.MetricsAddr)
	}

	server := mcp.NewServer(os.Stdin, os.Stdout, store, cells.NewEditor(store), sessions)
	done := make(chan error, 1)
	go func() { done <- server.Run() }()

	log.Info("server started", "pid", os.Getpid(), "version", notebook.CreatorVersion)
	select {
	case err = <-done:
		if err != nil {
			log.Error("server stopped", "error", err)
		}
	case <-ctx.Done():
		log.Info("received signal, shutting down")
	}
	return err
}

func runCheck(cmd *cobra.Command, opts *options) error {
	cfg, err := loadConfig(cmd, opts)
	if err != nil {
		return err
	}
	engines, err := newEngines(cfg)
	if err != nil {
		return err
	}

	results := cli.CheckAll(cmd.Context(), exec.GetDefaultExecutor(), cli.EnginePrerequisites(engines))
	fmt.Fprint(cmd.OutOrStdout(), cli.FormatCheckResults(results))
	return cli.ValidateRequired(results)
}

func runCleanup(cmd *cobra.Command, opts *options) error {
	if _, err := loadConfig(cmd, opts); err != nil {
		return err
	}
	if !process.Supported() {
		return fmt.Errorf("orphan cleanup is not supported on this platform")
	}

	killed, err := process.CleanupOrphanedKernels(cmd.Context(), exec.GetDefaultExecutor(), os.Getpid())
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Killed %d orphaned kernel(s)\n", killed)
	return nil
}
