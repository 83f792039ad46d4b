package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/segmentio/encoding/json"
	"github.com/spf13/cobra"

	"github.com/quantreplay/reconcore/internal/config"
	"github.com/quantreplay/reconcore/internal/model"
	"github.com/quantreplay/reconcore/internal/worker"
)

var (
	runSymbol string
	runResume bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Runs one symbol's reconstruction pipeline to completion",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		os.Exit(runMain())
	},
}

// runMain is split out from runCmd.Run so tests can exercise error mapping
// without cobra calling os.Exit underneath them.
func runMain() int {
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %s\n", err)
		return 2
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %s\n", err)
		return 2
	}

	log := slog.New(slog.NewJSONHandler(os.Stderr, nil)).With("symbol", runSymbol)

	symInputRoot := filepath.Join(inputRoot, runSymbol)
	var w *worker.Worker
	if runResume {
		w, err = worker.Resume(runSymbol, cfg, symInputRoot, outputRoot, checkpointRoot, log)
	} else {
		w, err = worker.New(runSymbol, cfg, symInputRoot, outputRoot, checkpointRoot, log)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %s\n", err)
		return model.ExitCode(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	done := make(chan struct{})
	go emitHeartbeats(done, w)
	defer close(done)

	go func() {
		<-ctx.Done()
		w.GracefulStop()
	}()

	if err := w.Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %s\n", err)
		return model.ExitCode(err)
	}
	return 0
}

// emitHeartbeats writes one NDJSON line per heartbeat to stdout -- the
// wire format a supervising parent process reads (SUPPLEMENTED FEATURES:
// "SW -> SV heartbeats ... delivered ... via os/exec child processes
// writing newline-delimited JSON heartbeats to a pipe the supervisor
// reads").
func emitHeartbeats(done <-chan struct{}, w *worker.Worker) {
	enc := json.NewEncoder(os.Stdout)
	for {
		select {
		case hb, ok := <-w.Heartbeats():
			if !ok {
				return
			}
			line := struct {
				Symbol          string `json:"symbol"`
				EventsProcessed uint64 `json:"events_processed"`
				LastEventTsNs   uint64 `json:"last_event_ts_ns"`
				QueueDepth      int    `json:"queue_depth"`
				DriftAlertCount int    `json:"drift_alert_count"`
			}{
				Symbol:          runSymbol,
				EventsProcessed: hb.EventsProcessed,
				LastEventTsNs:   hb.LastEventTsNs,
				QueueDepth:      hb.QueueDepth,
				DriftAlertCount: hb.DriftAlertCount,
			}
			enc.Encode(line)
		case <-done:
			return
		}
	}
}
