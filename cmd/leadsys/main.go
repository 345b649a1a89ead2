package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	leadsystem "github.com/kiarashjv/SaaS-LeadSystem"
	"github.com/kiarashjv/SaaS-LeadSystem/internal/config"
)

var (
	// Version information
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

type globalFlags struct {
	configPath string
	transport  string
	brokerURL  string
	logLevel   string
	logFormat  string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var flags globalFlags

	rootCmd := &cobra.Command{
		Use:   "leadsys",
		Short: "Run the lead intake services",
		Long: `leadsys runs the lead gateway, evaluator and storage services.
Requests between services go over RabbitMQ and fall back to HTTP when no reply
arrives in time.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
		SilenceUsage: true,
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&flags.configPath, "config", "c", "", "Path to a YAML or TOML config file")
	pf.StringVar(&flags.transport, "transport", "", "Transport to use (rabbitmq or memory)")
	pf.StringVarP(&flags.brokerURL, "url", "u", "", "RabbitMQ connection URL")
	pf.StringVar(&flags.logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	pf.StringVar(&flags.logFormat, "log-format", "", "Log format (text or json)")

	rootCmd.AddCommand(
		newServeCmd(&flags, "gateway", "Serve the public intake endpoint", leadsystem.RoleGateway),
		newServeCmd(&flags, "evaluator", "Answer evaluation requests", leadsystem.RoleEvaluator),
		newServeCmd(&flags, "storage", "Answer storage requests", leadsystem.RoleStorage),
		newServeCmd(&flags, "all", "Run every service in one process",
			leadsystem.RoleGateway, leadsystem.RoleEvaluator, leadsystem.RoleStorage),
		newInspectCmd(&flags),
		newHealthCmd(),
	)
	return rootCmd
}

// loadConfig reads the config file, if any, and applies flag overrides
func loadConfig(cmd *cobra.Command, flags *globalFlags) (*config.Config, error) {
	cfg := config.Default()
	if flags.configPath != "" {
		loaded, err := config.LoadFile(flags.configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	changed := cmd.Flags().Changed
	if changed("transport") {
		cfg.Transport = flags.transport
	}
	if changed("url") {
		cfg.Broker.URL = flags.brokerURL
	}
	if changed("log-level") {
		cfg.Log.Level = flags.logLevel
	}
	if changed("log-format") {
		cfg.Log.Format = flags.logFormat
	}
	return cfg, cfg.Validate()
}

func newServeCmd(flags *globalFlags, name, short string, roles ...leadsystem.Role) *cobra.Command {
	return &cobra.Command{
		Use:   name,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, flags)
			if err != nil {
				return err
			}
			logger := cfg.Logger(os.Stderr)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			sys, err := leadsystem.New(ctx, cfg, leadsystem.WithLogger(logger))
			if err != nil {
				return err
			}
			defer sys.Close()

			logger.Info("starting lead system", "roles", roles, "transport", cfg.Transport, "version", version)
			if err := sys.Run(ctx, roles...); err != nil && ctx.Err() == nil {
				return err
			}
			logger.Info("lead system stopped")
			return nil
		},
	}
}

func newInspectCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Show depth and consumers of the lead system queues",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, flags)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), cfg.Broker.HandlerTimeout.Std())
			defer cancel()

			sys, err := leadsystem.New(ctx, cfg, leadsystem.WithLogger(cfg.Logger(os.Stderr)))
			if err != nil {
				return err
			}
			defer sys.Close()

			stats, err := sys.Inspect(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderQueues(stats))
			return nil
		},
	}
	return cmd
}

func newHealthCmd() *cobra.Command {
	var url string
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Show the health report of a running service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			report, err := fetchHealth(cmd.Context(), url)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderHealth(report))
			return nil
		},
	}
	cmd.Flags().StringVar(&url, "endpoint", "http://localhost:5006/healthz", "Health endpoint of the service")
	return cmd
}
