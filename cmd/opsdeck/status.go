package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/tidwall/gjson"

	"github.com/opsdeck/cli/internal/ui"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon run counts and heartbeat freshness",
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().String("addr", defaultListenAddr, "Daemon bridge address")
}

func runStatus(cmd *cobra.Command, args []string) error {
	addr, _ := cmd.Flags().GetString("addr")
	asJSON, _ := cmd.Flags().GetBool("json")

	client, err := dialDaemon(addr)
	if err != nil {
		return err
	}
	defer client.close()

	reply, err := client.request("status", nil)
	if err != nil {
		return err
	}

	if asJSON {
		fmt.Println(string(reply))
		return nil
	}

	ui.PrintTitle("Opsdeck daemon at %s", addr)
	ui.PrintField("Tracked runs", "%d", gjson.GetBytes(reply, "totalRuns").Int())
	ui.PrintField("Running", "%d", gjson.GetBytes(reply, "runningRuns").Int())
	ui.PrintField("Pending", "%d", gjson.GetBytes(reply, "pendingRuns").Int())

	lastBeat := gjson.GetBytes(reply, "lastHeartbeat").Int()
	source := gjson.GetBytes(reply, "beatSource").String()
	if source == "" {
		ui.PrintField("Last heartbeat", "never")
		return nil
	}
	age := time.Since(time.UnixMilli(lastBeat)).Round(time.Second)
	ui.PrintField("Last heartbeat", "%s ago (%s)", age, source)
	return nil
}
