// Package main provides the `opsdeck sessions` command group for managing
// long-lived service sessions defined in .opsdeck/sessions.json.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/opsdeck/cli/internal/config"
	"github.com/opsdeck/cli/internal/sessions"
	"github.com/opsdeck/cli/internal/ui"
)

// sessionsCmd is the parent command for session management.
var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Manage service sessions from .opsdeck/sessions.json",
	Long: `Manage long-lived service sessions defined in .opsdeck/sessions.json.

A session names a set of supporting services (dev servers, brokers, local
agents) that automation runs depend on. Each service lists the shell
commands that start it. Started services run in their own process groups
and are recorded in a pid file so 'opsdeck sessions stop' and the daemon's
shutdown cascade can stop them later.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

// sessionsListCmd lists available session profiles.
var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List available sessions",
	RunE:  runSessionsList,
}

// sessionsStartCmd starts services for a session.
var sessionsStartCmd = &cobra.Command{
	Use:   "start [session]",
	Short: "Start services for a session",
	Long: `Start all auto-start services of a session.

Resolves the session name (defaults to the file's active session), spawns
each service's commands as a background process group, and streams output
with service-name prefixes. Ctrl-C detaches without stopping the services;
use 'opsdeck sessions stop' to stop them.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runSessionsStart,
}

// sessionsStopCmd stops previously started services.
var sessionsStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop all started session services",
	RunE:  runSessionsStop,
}

func init() {
	sessionsCmd.AddCommand(sessionsListCmd)
	sessionsCmd.AddCommand(sessionsStartCmd)
	sessionsCmd.AddCommand(sessionsStopCmd)
}

func runSessionsList(cmd *cobra.Command, args []string) error {
	root, err := resolveRoot(cmd)
	if err != nil {
		return err
	}
	file, err := sessions.Load(config.SessionsPath(root))
	if err != nil {
		return err
	}

	ui.PrintTitle("Sessions in %s", config.SessionsPath(root))
	for _, name := range file.Names() {
		marker := " "
		if name == file.Active {
			marker = "*"
		}
		autoStart := 0
		for _, svc := range file.Sessions[name] {
			if svc.ShouldAutoStart() {
				autoStart++
			}
		}
		ui.PrintInfo("%s %s (%d services, %d auto-start)", marker, name, len(file.Sessions[name]), autoStart)
	}
	return nil
}

func runSessionsStart(cmd *cobra.Command, args []string) error {
	root, err := resolveRoot(cmd)
	if err != nil {
		return err
	}
	file, err := sessions.Load(config.SessionsPath(root))
	if err != nil {
		return err
	}

	name := file.Active
	if len(args) > 0 {
		name = args[0]
	}
	services, ok := file.Sessions[name]
	if !ok {
		return fmt.Errorf("session %q not found (have: %v)", name, file.Names())
	}

	mgr := sessions.NewManager(config.PIDFilePath(root), root)
	started, err := mgr.Start(services, func(svc, line string) {
		fmt.Printf("[%s] %s\n", svc, line)
	})
	if err != nil {
		return err
	}
	ui.PrintSuccess("Started %d service(s) for session %q", len(started), name)
	ui.PrintDim("Streaming output; Ctrl-C detaches, 'opsdeck sessions stop' stops services")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	ui.Println()
	ui.PrintDim("Detached; services keep running")
	return nil
}

func runSessionsStop(cmd *cobra.Command, args []string) error {
	root, err := resolveRoot(cmd)
	if err != nil {
		return err
	}

	mgr := sessions.NewManager(config.PIDFilePath(root), root)
	stopped := mgr.Stop(2 * time.Second)
	if stopped == 0 {
		ui.PrintDim("No running session services")
		return nil
	}
	ui.PrintSuccess("Stopped %d service process(es)", stopped)
	return nil
}
