package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/marmos91/mimic/pkg/config"
)

var forceInit bool

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a sample configuration file",
	Long: `Write a documented sample configuration file with every option at its
default value. Edit it, then run "mimic start --config <path>".

Examples:
  # Write ./mimic.yaml
  mimic init

  # Write to a custom location
  mimic init --config /etc/mimic/mimic.yaml`,
	RunE: runInit,
}

func init() {
	initCmd.Flags().BoolVar(&forceInit, "force", false, "overwrite an existing config file")
}

func runInit(cmd *cobra.Command, args []string) error {
	path := cfgFile
	if path == "" {
		path = "mimic.yaml"
	}

	if _, err := os.Stat(path); err == nil && !forceInit {
		return fmt.Errorf("config file %s already exists (use --force to overwrite)", path)
	}

	cfg := config.GetDefaultConfig()
	cfg.Server.Presence = true
	cfg.Metrics.Enabled = true
	cfg.Auth.Tokens = map[string]config.TokenIdentity{
		"change-me-writer": {UserID: "alice", Permission: "write"},
		"change-me-reader": {UserID: "bob", Permission: "read"},
	}

	if err := config.SaveConfig(cfg, path); err != nil {
		return err
	}

	fmt.Printf("Wrote sample configuration to %s\n", path)
	return nil
}
