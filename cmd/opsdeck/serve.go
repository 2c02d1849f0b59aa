// Package main provides the `opsdeck serve` command: the long-lived
// supervisor daemon the desktop controller attaches to.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/opsdeck/cli/internal/bridge"
	"github.com/opsdeck/cli/internal/cleanup"
	"github.com/opsdeck/cli/internal/config"
	"github.com/opsdeck/cli/internal/events"
	"github.com/opsdeck/cli/internal/registry"
	"github.com/opsdeck/cli/internal/sessions"
	"github.com/opsdeck/cli/internal/supervisor"
	"github.com/opsdeck/cli/internal/ui"
	"github.com/opsdeck/cli/internal/util"
	"github.com/opsdeck/cli/internal/watchdog"
)

// defaultListenAddr is where the controller bridge listens. Loopback only;
// the controller runs on the same machine.
const defaultListenAddr = "127.0.0.1:7333"

// sessionStopGrace is how long stopped session processes get between SIGTERM
// and SIGKILL during the shutdown cascade.
const sessionStopGrace = 2 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the supervisor daemon",
	Long: `Run the Opsdeck supervisor daemon.

The daemon exposes a local WebSocket endpoint for the desktop controller,
launches and supervises automation worker processes, and watches controller
heartbeats. When the controller stays silent past the heartbeat timeout the
daemon terminates every run and, if no controller is reachable, stops the
supporting core services as well.

Configuration is read from .opsdeck/config.yaml and reloaded live when the
file changes.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().String("listen", defaultListenAddr, "Bridge listen address")
	serveCmd.Flags().String("root", "", "Workspace root (defaults to the nearest ancestor with .opsdeck/)")
}

func runServe(cmd *cobra.Command, args []string) error {
	addr, _ := cmd.Flags().GetString("listen")

	root, err := resolveRoot(cmd)
	if err != nil {
		return err
	}

	cfg, err := config.Load(config.ConfigPath(root))
	if err != nil {
		return err
	}

	// A fresh daemon supersedes any previous controlled stop.
	util.Attempt("clear stopped marker", func() error {
		err := os.Remove(config.StoppedMarkerPath(root))
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	})

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	reg := registry.New(registry.Options{
		EvictHigh: cfg.Registry.EvictHigh,
		EvictLow:  cfg.Registry.EvictLow,
	})
	bus := events.NewBus(256)
	defer bus.Close()

	sup := supervisor.New(reg, bus, supervisor.Options{
		LogDir:             cfg.LogDir(root),
		OrphanPollInterval: cfg.Supervisor.OrphanPollInterval.Std(),
	})

	monitor := watchdog.NewMonitor()
	br := bridge.New(sup, reg, monitor, bus)

	stopper := cleanup.NewCoreStopper(cfg.CoreServices.StopCommand)
	sessionMgr := sessions.NewManager(config.PIDFilePath(root), root)

	wd := watchdog.New(monitor, cfg.Watchdog.HeartbeatTimeout.Std(), cfg.Watchdog.PollInterval.Std(), watchdog.Hooks{
		RunCount:         reg.RunningCount,
		UIOperational:    br.Operational,
		KillRuns:         sup.TerminateAll,
		StopCoreServices: stopper.Stop,
	})

	orchestrator := cleanup.New(cleanup.Hooks{
		TerminateRuns: sup.TerminateAll,
		ReapPids:      sup.ReapTrackedPIDs,
		StopSessions: func() {
			sessionMgr.Stop(sessionStopGrace)
		},
		StopHeartbeat: func() {
			cancel()
			util.Attempt("write stopped marker", func() error {
				return os.WriteFile(config.StoppedMarkerPath(root), []byte(time.Now().Format(time.RFC3339)+"\n"), 0644)
			})
		},
		StopCoreServices: stopper.Stop,
		TeardownBridge:   br.Close,
	})

	go sup.Run(ctx)
	go wd.Run(ctx)

	// Live config reload. Only the heartbeat timeout is applied hot; the
	// rest takes effect on restart.
	go func() {
		err := config.Watch(ctx, config.ConfigPath(root), func(updated *config.Config) {
			wd.SetTimeout(updated.Watchdog.HeartbeatTimeout.Std())
			log.Info("Config reloaded", "heartbeatTimeout", updated.Watchdog.HeartbeatTimeout.Std())
		})
		if err != nil && ctx.Err() == nil {
			log.Warn("Config watch stopped", "error", err)
		}
	}()

	mux := http.NewServeMux()
	mux.Handle("/ws", br.Handler())
	server := &http.Server{Addr: addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		log.Info("Bridge listening", "addr", addr, "root", root)
		errCh <- server.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		ui.Println()
		log.Info("Shutting down", "signal", sig)
		orchestrator.TriggerAndWait(sig.String())
	case err := <-errCh:
		orchestrator.TriggerAndWait("listener failed")
		return err
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = server.Shutdown(shutdownCtx)

	ui.PrintSuccess("Supervisor stopped")
	return nil
}

// resolveRoot returns the workspace root: the --root flag when given, else
// the nearest ancestor of the working directory containing .opsdeck/.
func resolveRoot(cmd *cobra.Command) (string, error) {
	if root, _ := cmd.Flags().GetString("root"); root != "" {
		return root, nil
	}
	cwd, err := os.Getwd()
	if err != nil {
		return "", err
	}
	return config.FindRoot(cwd)
}
