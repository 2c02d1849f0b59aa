// Package main provides the `opsdeck run` command: a one-shot supervised
// run that streams output to the terminal.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/opsdeck/cli/internal/events"
	"github.com/opsdeck/cli/internal/registry"
	"github.com/opsdeck/cli/internal/supervisor"
	"github.com/opsdeck/cli/internal/ui"
)

var runCmd = &cobra.Command{
	Use:   "run -- <command> [args...]",
	Short: "Launch one supervised run and stream its output",
	Long: `Launch a single automation run under supervision.

The command is spawned in its own process group, stdout and stderr are
streamed line by line, and the process is cleaned up on Ctrl-C. The exit
code of the run becomes the exit code of this command.

EXAMPLES:
  opsdeck run -- worker --task smoke
  opsdeck run --title "Nightly sync" --profile work -- worker --task sync`,
	Args: cobra.MinimumNArgs(1),
	RunE: runRun,
}

func init() {
	runCmd.Flags().String("title", "", "Run title (defaults to the command name)")
	runCmd.Flags().String("group", "", "Group key; runs sharing a key never overlap")
	runCmd.Flags().String("profile", "", "Profile to bind; one running run per profile")
	runCmd.Flags().String("dir", "", "Working directory for the process")
	runCmd.Flags().StringArray("env", nil, "Environment override KEY=VALUE (repeatable)")
}

func runRun(cmd *cobra.Command, args []string) error {
	title, _ := cmd.Flags().GetString("title")
	group, _ := cmd.Flags().GetString("group")
	profile, _ := cmd.Flags().GetString("profile")
	dir, _ := cmd.Flags().GetString("dir")
	envPairs, _ := cmd.Flags().GetStringArray("env")

	if title == "" {
		title = args[0]
	}
	overrides, err := parseEnvPairs(envPairs)
	if err != nil {
		return err
	}

	reg := registry.New(registry.DefaultOptions())
	bus := events.NewBus(256)
	defer bus.Close()
	sup := supervisor.New(reg, bus, supervisor.Options{})

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	go sup.Run(ctx)

	ch, unsubscribe := bus.Subscribe()
	defer unsubscribe()

	runID, err := sup.SpawnAndTrack(supervisor.Spec{
		Title:        title,
		WorkingDir:   dir,
		Argv:         args,
		EnvOverrides: overrides,
		GroupKey:     group,
		ProfileID:    profile,
	})
	if err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	for {
		select {
		case sig := <-sigCh:
			ui.Println()
			ui.PrintWarning("Interrupted, terminating run")
			_ = sup.Terminate(runID, sig.String())

		case ev, ok := <-ch:
			if !ok {
				return fmt.Errorf("event stream closed before run finished")
			}
			if ev.RunID != runID {
				continue
			}
			switch ev.Type {
			case events.TypeStarted:
				ui.PrintDim("Started %s (pid %d)", title, ev.PID)
			case events.TypeStdout:
				fmt.Println(ev.Line)
			case events.TypeStderr:
				fmt.Fprintln(os.Stderr, ev.Line)
			case events.TypeExit:
				return renderExit(ev)
			}
		}
	}
}

// renderExit reports the run's outcome and maps it onto this command's exit
// code.
func renderExit(ev events.Event) error {
	if ev.Signal != nil {
		ui.PrintWarning("Run ended by signal: %s", *ev.Signal)
		return fmt.Errorf("run ended by signal %s", *ev.Signal)
	}
	if ev.ExitCode == nil {
		return fmt.Errorf("run failed to produce an exit status")
	}
	if *ev.ExitCode != 0 {
		ui.PrintError("Run exited with code %d", *ev.ExitCode)
		os.Exit(*ev.ExitCode)
	}
	ui.PrintSuccess("Run completed")
	return nil
}

// parseEnvPairs splits repeated KEY=VALUE flags into an override map.
func parseEnvPairs(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	overrides := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid env override %q, want KEY=VALUE", pair)
		}
		overrides[key] = value
	}
	return overrides, nil
}
