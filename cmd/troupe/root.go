package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/troupe-dev/troupe/pkg/runconfig"
	"github.com/troupe-dev/troupe/pkg/trycp"
)

// Execute runs the CLI.
func Execute() error {
	return newRootCmd().Execute()
}

func newRootCmd() *cobra.Command {
	cfg := viper.New()

	rootCmd := &cobra.Command{
		Use:           "troupe",
		Short:         "troupe: manage conductor players on remote control servers",
		Long:          "troupe talks to trycp control servers to configure, start, check, and stop the conductor processes test scenarios run against.",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	flags := rootCmd.PersistentFlags()
	flags.String("server", "ws://localhost:9000", "control server URL")
	flags.String("config", "", "run configuration file (YAML)")
	flags.String("env-file", ".env", "dotenv file loaded before config expansion")
	flags.Bool("verbose", false, "debug logging")

	for _, key := range []string{"server", "config", "env-file", "verbose"} {
		if err := cfg.BindPFlag(key, flags.Lookup(key)); err != nil {
			rootCmd.RunE = func(_ *cobra.Command, _ []string) error { return err }
			return rootCmd
		}
	}
	cfg.SetEnvPrefix("TROUPE")
	cfg.AutomaticEnv()

	rootCmd.AddCommand(
		newVersionCmd(),
		newPingCmd(cfg),
		newSpawnCmd(cfg),
		newKillCmd(cfg),
	)

	return rootCmd
}

// newLogger builds the CLI logger. Verbose switches on debug records.
func newLogger(cfg *viper.Viper) *slog.Logger {
	level := slog.LevelInfo
	if cfg.GetBool("verbose") {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// loadRunConfig loads the optional run configuration named by --config,
// after feeding the dotenv file into the environment.
func loadRunConfig(cfg *viper.Viper) (runconfig.Config, error) {
	if err := runconfig.LoadDotEnv(cfg.GetString("env-file")); err != nil {
		return runconfig.Config{}, fmt.Errorf("load env file: %w", err)
	}

	path := cfg.GetString("config")
	if path == "" {
		return runconfig.Config{}, nil
	}

	rc, err := runconfig.Load(path)
	if err != nil {
		return runconfig.Config{}, err
	}
	if err := rc.Validate(); err != nil {
		return runconfig.Config{}, err
	}
	return rc, nil
}

// dialControl connects to the configured control server.
func dialControl(cmd *cobra.Command, cfg *viper.Viper) (*trycp.Client, error) {
	server := cfg.GetString("server")
	client, err := trycp.Dial(cmd.Context(), server, newLogger(cfg))
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", server, err)
	}
	return client, nil
}
