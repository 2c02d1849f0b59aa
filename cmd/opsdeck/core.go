package main

import (
	"github.com/spf13/cobra"

	"github.com/opsdeck/cli/internal/cleanup"
	"github.com/opsdeck/cli/internal/config"
	"github.com/opsdeck/cli/internal/ui"
)

// coreCmd groups operations on the supporting core services.
var coreCmd = &cobra.Command{
	Use:   "core",
	Short: "Operate on the supporting core services",
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

// coreStopCmd issues the configured core-services stop command.
var coreStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Issue the configured core-services stop command",
	Long: `Issue the core-services stop command from .opsdeck/config.yaml.

The stop command is opaque to Opsdeck; it is executed as configured, with a
bounded timeout, and failures are logged rather than propagated.`,
	RunE: runCoreStop,
}

func init() {
	coreCmd.AddCommand(coreStopCmd)
}

func runCoreStop(cmd *cobra.Command, args []string) error {
	root, err := resolveRoot(cmd)
	if err != nil {
		return err
	}
	cfg, err := config.Load(config.ConfigPath(root))
	if err != nil {
		return err
	}
	if len(cfg.CoreServices.StopCommand) == 0 {
		ui.PrintDim("No core_services.stop_command configured")
		return nil
	}

	cleanup.NewCoreStopper(cfg.CoreServices.StopCommand).Stop("operator request")
	ui.PrintSuccess("Core services stop issued")
	return nil
}
