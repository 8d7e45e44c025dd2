package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/c360/hiveroute/config"
)

// cliOptions holds flags shared by every subcommand. Values left empty keep
// whatever the config file and HIVEROUTE_* variables resolve to.
type cliOptions struct {
	configPath      string
	logLevel        string
	logFormat       string
	debug           bool
	shutdownTimeout time.Duration
}

func newRootCommand() *cobra.Command {
	opts := &cliOptions{}

	root := &cobra.Command{
		Use:           appName,
		Short:         "Request routing and event fan-out backend for device messaging",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.CompletionOptions.DisableDefaultCmd = true

	flags := root.PersistentFlags()
	flags.StringVarP(&opts.configPath, "config", "c", getEnv("HIVEROUTE_CONFIG", ""),
		"Path to a JSON or YAML configuration file (env: HIVEROUTE_CONFIG)")
	flags.StringVar(&opts.logLevel, "log-level", "", "Log level: debug, info, warn, error")
	flags.StringVar(&opts.logFormat, "log-format", "", "Log format: json, text")
	flags.BoolVarP(&opts.debug, "debug", "d", getEnvBool("HIVEROUTE_DEBUG", false),
		"Enable debug logging (env: HIVEROUTE_DEBUG)")
	flags.DurationVar(&opts.shutdownTimeout, "shutdown-timeout",
		getEnvDuration("HIVEROUTE_SHUTDOWN_TIMEOUT", 30*time.Second),
		"Graceful shutdown timeout (env: HIVEROUTE_SHUTDOWN_TIMEOUT)")

	root.AddCommand(
		&cobra.Command{
			Use:   "backend",
			Short: "Serve backend requests and route device events",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return runBackend(cmd.Context(), opts)
			},
		},
		&cobra.Command{
			Use:   "ping",
			Short: "Check that a backend answers on the request subject",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return runPing(cmd.Context(), cmd.OutOrStdout(), opts)
			},
		},
		&cobra.Command{
			Use:   "config",
			Short: "Validate the configuration and print it with secrets masked",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				cfg, err := opts.load()
				if err != nil {
					return err
				}
				_, err = fmt.Fprintln(cmd.OutOrStdout(), cfg.String())
				return err
			},
		},
	)
	return root
}

// load resolves the configuration and applies the logging flags over it.
func (o *cliOptions) load() (*config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.logLevel != "" {
		cfg.Log.Level = o.logLevel
	}
	if o.logFormat != "" {
		cfg.Log.Format = o.logFormat
	}
	if o.debug {
		cfg.Log.Level = "debug"
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}
