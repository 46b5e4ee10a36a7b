package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/rcourtman/pulse-netmon/internal/attribution"
	"github.com/rcourtman/pulse-netmon/internal/buffer"
	"github.com/rcourtman/pulse-netmon/internal/config"
	"github.com/rcourtman/pulse-netmon/internal/delivery"
	"github.com/rcourtman/pulse-netmon/internal/filewatch"
	"github.com/rcourtman/pulse-netmon/internal/hostagent"
	"github.com/rcourtman/pulse-netmon/internal/hostmetrics"
	"github.com/rcourtman/pulse-netmon/internal/logging"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

const dnsRefreshInterval = 5 * time.Minute

var (
	agentInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "pulse_netmon_agent_info",
		Help: "Information about the network telemetry agent",
	}, []string{"version", "agent_id"})

	agentUp = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pulse_netmon_agent_up",
		Help: "Whether the agent is running (1 = up, 0 = down)",
	})
)

type rootOptions struct {
	configPath string
	logLevel   string
	logFormat  string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:           "pulse-netmon-agent",
		Short:         "Network telemetry agent",
		Long:          `pulse-netmon-agent attributes the host's network traffic to services and ships usage batches to a collector, caching them on disk while the collector is unreachable.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAgent(cmd.Context(), opts)
		},
	}

	root.PersistentFlags().StringVar(&opts.configPath, "config", config.DefaultPath(), "path to the agent configuration file")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "log level (trace, debug, info, warn, error)")
	root.PersistentFlags().StringVar(&opts.logFormat, "log-format", "", "log format (auto, json, console)")

	root.AddCommand(
		&cobra.Command{
			Use:   "run",
			Short: "Run the agent in the foreground (default)",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return runAgent(cmd.Context(), opts)
			},
		},
		&cobra.Command{
			Use:   "status",
			Short: "Show agent identity, credential and cache state",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return printStatus(cmd.OutOrStdout(), opts)
			},
		},
		&cobra.Command{
			Use:   "register <token>",
			Short: "Store the collector credential",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return register(cmd.OutOrStdout(), opts, args[0])
			},
		},
		&cobra.Command{
			Use:   "version",
			Short: "Print version information",
			Run: func(cmd *cobra.Command, args []string) {
				printVersion(cmd.OutOrStdout())
			},
		},
	)
	return root
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func printVersion(w io.Writer) {
	fmt.Fprintf(w, "pulse-netmon-agent %s\n", Version)
	if BuildTime != "unknown" {
		fmt.Fprintf(w, "Built: %s\n", BuildTime)
	}
	if GitCommit != "unknown" {
		fmt.Fprintf(w, "Commit: %s\n", GitCommit)
	}
}

func loadConfig(opts *rootOptions) (*config.Config, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, err
	}
	if opts.logLevel != "" {
		cfg.LogLevel = opts.logLevel
	}
	if opts.logFormat != "" {
		cfg.LogFormat = opts.logFormat
	}
	return cfg, nil
}

func runAgent(ctx context.Context, opts *rootOptions) error {
	if ctx == nil {
		ctx = context.Background()
	}

	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}

	logger := logging.Init(logging.Config{
		Format:    cfg.LogFormat,
		Level:     cfg.LogLevel,
		Component: "netmon-agent",
		FilePath:  cfg.LogFile,
	})
	defer logging.Shutdown()

	if err := cfg.Validate(); err != nil {
		return err
	}
	if !cfg.HasCredential() {
		logger.Warn().Msg("No collector credential configured; run the register command if the collector requires one")
	}
	if cfg.EnsureAgentID() {
		if err := cfg.Save(); err != nil {
			logger.Warn().Err(err).Str("agentId", cfg.AgentID).Msg("Generated agent id could not be saved; it will change on restart")
		} else {
			logger.Info().Str("agentId", cfg.AgentID).Str("path", cfg.Path()).Msg("Generated agent id")
		}
	}

	resolver := attribution.NewResolver(cfg.DNSTimeout())
	attributor, err := attribution.New(attribution.Config{
		Resolver:   resolver,
		DNSTimeout: cfg.DNSTimeout(),
		Logger:     &logger,
	})
	if err != nil {
		return fmt.Errorf("build attributor: %w", err)
	}

	var (
		watcher *filewatch.Watcher
		files   hostmetrics.FileEventSource
	)
	if len(cfg.WatchPaths) > 0 {
		watcher, err = filewatch.New(filewatch.Config{Paths: cfg.WatchPaths, Logger: &logger})
		if err != nil {
			logger.Warn().Err(err).Msg("File watching disabled")
		} else {
			defer watcher.Close()
			files = watcher
			logger.Info().Strs("paths", watcher.WatchList()).Msg("Watching directories for file events")
		}
	}

	collector := hostmetrics.NewCollector(hostmetrics.Config{FileEvents: files, Logger: &logger})

	sender := delivery.New(delivery.Config{
		BaseURL:            cfg.BackendURL,
		Credential:         cfg.Credential,
		AgentVersion:       Version,
		RetryAttempts:      cfg.RetryAttempts,
		RetryBackoff:       cfg.RetryStep(),
		InsecureSkipVerify: cfg.InsecureSkipVerify,
		Resolver:           resolver,
		Logger:             &logger,
	})

	cache := buffer.NewCache(buffer.CacheConfig{
		Path:       cfg.CachePath(),
		MaxEntries: cfg.MaxCacheSize,
		Logger:     &logger,
	})

	agent, err := hostagent.New(hostagent.Config{
		Collector:         collector,
		Attributor:        attributor,
		Sender:            sender,
		Cache:             cache,
		AgentID:           cfg.AgentID,
		Hostname:          cfg.Hostname,
		AgentVersion:      Version,
		PollInterval:      cfg.PollingEvery(),
		FlushInterval:     cfg.FlushEvery(),
		HeartbeatInterval: cfg.HeartbeatEvery(),
		ShutdownGrace:     cfg.Grace(),
		CacheRejected:     cfg.CacheRejected,
		Logger:            &logger,
	})
	if err != nil {
		return fmt.Errorf("create agent: %w", err)
	}

	agentInfo.WithLabelValues(Version, cfg.AgentID).Set(1)
	agentUp.Set(1)
	defer agentUp.Set(0)

	if addr := strings.TrimSpace(cfg.HealthAddr); addr != "" {
		if _, err := startHealthServer(ctx, addr, agent, &logger); err != nil {
			logger.Warn().Err(err).Str("addr", addr).Msg("Health endpoints disabled")
		}
	}

	logger.Info().
		Str("version", Version).
		Str("backend", cfg.BackendURL).
		Str("config", cfg.Path()).
		Str("cache", cfg.CachePath()).
		Msg("Starting network telemetry agent")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return agent.Run(gctx)
	})
	g.Go(func() error {
		attribution.RunRefresh(gctx, resolver, dnsRefreshInterval, logger)
		return nil
	})
	if watcher != nil {
		g.Go(func() error {
			return watcher.Run(gctx)
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info().Msg("Network telemetry agent stopped")
	return nil
}

func printStatus(w io.Writer, opts *rootOptions) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}

	hostname := strings.TrimSpace(cfg.Hostname)
	if hostname == "" {
		if name, err := os.Hostname(); err == nil {
			hostname = name
		}
	}
	agentID := cfg.AgentID
	if agentID == "" {
		agentID = "(not assigned yet)"
	}
	credential := "missing"
	if cfg.HasCredential() {
		credential = "present"
	}

	var cached string
	if n, err := buffer.CountFile(cfg.CachePath()); err != nil {
		cached = fmt.Sprintf("unreadable (%v)", err)
	} else {
		cached = fmt.Sprintf("%d", n)
	}

	fmt.Fprintf(w, "Version:     %s\n", Version)
	fmt.Fprintf(w, "Config:      %s\n", cfg.Path())
	fmt.Fprintf(w, "Agent ID:    %s\n", agentID)
	fmt.Fprintf(w, "Hostname:    %s\n", hostname)
	fmt.Fprintf(w, "Backend:     %s\n", cfg.BackendURL)
	fmt.Fprintf(w, "Credential:  %s\n", credential)
	fmt.Fprintf(w, "Cached:      %s batches (%s)\n", cached, cfg.CachePath())
	return nil
}

func register(w io.Writer, opts *rootOptions, token string) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}

	logger := logging.Init(logging.Config{Format: cfg.LogFormat, Level: cfg.LogLevel, Component: "netmon-agent"})
	defer logging.Shutdown()

	if err := cfg.SetCredential(token); err != nil {
		return err
	}
	cfg.EnsureAgentID()
	if err := cfg.Save(); err != nil {
		return err
	}

	logger.Debug().Str("path", cfg.Path()).Str("agentId", cfg.AgentID).Msg("Stored collector credential")
	fmt.Fprintf(w, "Credential stored in %s (agent id %s)\n", cfg.Path(), cfg.AgentID)
	return nil
}
