package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/quantreplay/reconcore/internal/config"
	"github.com/quantreplay/reconcore/internal/supervisor"
	"github.com/quantreplay/reconcore/internal/tui"
)

var (
	superviseSymbols []string
	superviseTUI     bool
)

var superviseCmd = &cobra.Command{
	Use:   "supervise",
	Short: "Spawns and restarts one worker process per symbol, reporting their heartbeats",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		os.Exit(superviseMain())
	},
}

func superviseMain() int {
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %s\n", err)
		return 2
	}

	symbols := cfg.Symbols
	if len(superviseSymbols) > 0 {
		symbols = superviseSymbols
	}
	if len(symbols) == 0 {
		fmt.Fprintf(os.Stderr, "error: no symbols to supervise (set \"symbols\" in --config or pass --symbols)\n")
		return 2
	}

	binaryPath, err := os.Executable()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %s\n", err)
		return 1
	}

	log := slog.New(slog.NewJSONHandler(os.Stderr, nil))
	argsFor := func(symbol string) []string {
		args := []string{
			"--input-root", inputRoot,
			"--output-root", outputRoot,
			"--checkpoint-root", checkpointRoot,
			"--resume",
		}
		if configPath != "" {
			args = append(args, "--config", configPath)
		}
		return args
	}

	sv := supervisor.New(binaryPath, argsFor, log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runErrCh := make(chan error, 1)
	go func() { runErrCh <- sv.Run(ctx, symbols) }()

	if superviseTUI {
		if err := tui.RunSupervisorDashboard(statusAdapter{sv}); err != nil {
			fmt.Fprintf(os.Stderr, "error: %s\n", err)
			stop()
			<-runErrCh
			return 1
		}
		stop()
	}

	if err := <-runErrCh; err != nil {
		fmt.Fprintf(os.Stderr, "error: %s\n", err)
		return 1
	}
	return 0
}

// statusAdapter bridges supervisor.Status to tui.SupervisorRow so the tui
// package never has to import internal/supervisor.
type statusAdapter struct {
	sv *supervisor.Supervisor
}

func (a statusAdapter) Status() []tui.SupervisorRow {
	raw := a.sv.Status()
	rows := make([]tui.SupervisorRow, 0, len(raw))
	for _, s := range raw {
		rows = append(rows, tui.SupervisorRow{
			Symbol:          s.Symbol,
			Running:         s.Running,
			Degraded:        s.Degraded,
			Restarts:        s.Restarts,
			LastError:       s.LastError,
			EventsProcessed: s.Heartbeat.EventsProcessed,
			LastEventTsNs:   s.Heartbeat.LastEventTsNs,
			QueueDepth:      s.Heartbeat.QueueDepth,
			DriftAlertCount: s.Heartbeat.DriftAlertCount,
			ReceivedAt:      s.Heartbeat.ReceivedAt,
		})
	}
	return rows
}
