package main

import (
	"github.com/spf13/cobra"

	"github.com/opsdeck/cli/internal/ui"
)

var terminateCmd = &cobra.Command{
	Use:   "terminate <run-id>",
	Short: "Terminate a running run on the daemon",
	Long: `Ask the running daemon to terminate a run.

Child processes are force-killed first, then the process itself receives a
graceful termination signal. The run's exit is reported through the normal
lifecycle stream.`,
	Args: cobra.ExactArgs(1),
	RunE: runTerminate,
}

func init() {
	terminateCmd.Flags().String("addr", defaultListenAddr, "Daemon bridge address")
}

func runTerminate(cmd *cobra.Command, args []string) error {
	addr, _ := cmd.Flags().GetString("addr")

	client, err := dialDaemon(addr)
	if err != nil {
		return err
	}
	defer client.close()

	if _, err := client.request("terminate", map[string]interface{}{"runId": args[0]}); err != nil {
		return err
	}

	ui.PrintSuccess("Termination requested for %s", args[0])
	return nil
}
