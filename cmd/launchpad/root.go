package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/yairfalse/launchpad/internal/config"
)

var (
	version = "0.1.0"

	configPath string
	logLevel   string
	logFormat  string

	rootCmd = &cobra.Command{
		Use:   "launchpad [key-name]",
		Short: "Provision a single EC2 instance",
		Long: `Launchpad - one-shot EC2 provisioning

Launchpad creates an SSH key pair, launches one instance from a named
image with a first-boot package install, and tags it. Steps run in
order and stop at the first failure.

Running launchpad without a subcommand is the same as "launchpad provision".`,
		Version:       version,
		Args:          cobra.MaximumNArgs(1),
		RunE:          runProvision,
		SilenceErrors: true,
		SilenceUsage:  true,
	}
)

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%v. Exiting.\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.SetVersionTemplate(`Launchpad {{.Version}} - one-shot EC2 provisioning
`)

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to TOML config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "Log format (console, json)")

	addProvisionFlags(rootCmd)
}

// loadConfig reads the config file and applies the global flag overrides.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	if flags.Changed("log-level") {
		cfg.Log.Level = logLevel
	}
	if flags.Changed("log-format") {
		cfg.Log.Format = logFormat
	}
	return cfg, nil
}
