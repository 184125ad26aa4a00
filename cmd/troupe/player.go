package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/troupe-dev/troupe/pkg/confgen"
)

func newPingCmd(cfg *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "ping <player>",
		Short: "Check liveness of a player's conductor process",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := dialControl(cmd, cfg)
			if err != nil {
				return err
			}
			defer client.Close()

			if err := client.Ping(cmd.Context(), args[0]); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "%s is alive\n", args[0])
			return nil
		},
	}
}

func newSpawnCmd(cfg *viper.Viper) *cobra.Command {
	var playerConfig string

	cmd := &cobra.Command{
		Use:   "spawn <player>",
		Short: "Configure and start a player's conductor process",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			player := args[0]

			if _, err := loadRunConfig(cfg); err != nil {
				return err
			}

			client, err := dialControl(cmd, cfg)
			if err != nil {
				return err
			}
			defer client.Close()

			placement, err := client.Setup(cmd.Context(), player)
			if err != nil {
				return err
			}

			rendered, err := renderPlayerConfig(playerConfig, placement.AdminPort, placement.BaseDir)
			if err != nil {
				return err
			}

			if err := client.ConfigurePlayer(cmd.Context(), player, rendered); err != nil {
				return err
			}
			if err := client.Spawn(cmd.Context(), player); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "%s started (admin port %d)\n", player, placement.AdminPort)
			return nil
		},
	}

	cmd.Flags().StringVar(&playerConfig, "player-config", "", "conductor configuration file (TOML); default is a minimal config on the assigned port")
	return cmd
}

// renderPlayerConfig returns the configuration document to upload: the given
// file verbatim, or a minimal document on the assigned placement.
func renderPlayerConfig(path string, adminPort uint16, baseDir string) (string, error) {
	if path != "" {
		data, err := os.ReadFile(path) //nolint:gosec // path is caller-provided configuration, not user input
		if err != nil {
			return "", fmt.Errorf("load player config: %w", err)
		}
		return string(data), nil
	}

	return confgen.PlayerConfig{
		AdminPort:       adminPort,
		EnvironmentPath: baseDir,
	}.Render()
}

func newKillCmd(cfg *viper.Viper) *cobra.Command {
	var signal string

	cmd := &cobra.Command{
		Use:   "kill <player>",
		Short: "Stop a player's conductor process",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := dialControl(cmd, cfg)
			if err != nil {
				return err
			}
			defer client.Close()

			if err := client.Kill(cmd.Context(), args[0], signal); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "%s stopped\n", args[0])
			return nil
		},
	}

	cmd.Flags().StringVar(&signal, "signal", "", "termination signal (default is the server's choice)")
	return cmd
}
