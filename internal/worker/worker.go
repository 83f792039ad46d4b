// Package worker implements the Symbol Worker (SW, §4.10): the single-OS-
// process pipeline instance that owns one symbol end-to-end, wiring the
// three Input Readers through the Event Merger into the Replay Engine, and
// from there into the Columnar Sink and Checkpointer.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/quantreplay/reconcore/internal/checkpoint"
	"github.com/quantreplay/reconcore/internal/config"
	"github.com/quantreplay/reconcore/internal/merge"
	"github.com/quantreplay/reconcore/internal/model"
	"github.com/quantreplay/reconcore/internal/reader"
	"github.com/quantreplay/reconcore/internal/replay"
	"github.com/quantreplay/reconcore/internal/sink"
)

// chunkMaxRows bounds how many decoded rows a reader adapter pulls from
// DuckDB per round trip; unrelated to the sink's micro-batch thresholds.
const chunkMaxRows = 4096

// heartbeatInterval is how often Run emits a Heartbeat and checks the
// batch_age / checkpoint_interval timers, independent of event arrival.
const heartbeatInterval = time.Second

// Heartbeat is the status SW reports to the Supervisor (§4.10 contract).
type Heartbeat struct {
	EventsProcessed uint64
	LastEventTsNs   uint64
	QueueDepth      int
	DriftAlertCount int
}

// Worker drives a single symbol's pipeline instance from construction
// through graceful or emergency shutdown. It is not safe for concurrent
// use; Run owns it for its entire lifetime.
type Worker struct {
	symbol string
	cfg    config.Config
	log    *slog.Logger

	tradeSource *chunkSource
	snapSource  *chunkSource
	deltaSource *chunkSource
	merger      *merge.Merger
	engine      *replay.Engine
	sink        *sink.Sink
	ckpt        *checkpoint.Checkpointer

	heartbeats    chan Heartbeat
	gracefulStop  chan struct{}
	emergencyStop chan struct{}

	eventsSinceCheckpoint uint64
	lastCheckpointAt      time.Time
}

// New opens the three input readers under inputRoot/<stream>, the sink
// under outputRoot/<symbol>, and the checkpointer under
// checkpointRoot/<symbol>, and wires them into an idle Worker ready for
// Run.
func New(symbol string, cfg config.Config, inputRoot, outputRoot, checkpointRoot string, log *slog.Logger) (*Worker, error) {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("symbol", symbol)

	tradeR, err := reader.Open(log, filepath.Join(inputRoot, "trades"), "trades", "", 0)
	if err != nil {
		return nil, fmt.Errorf("worker %s: open trades reader: %w", symbol, err)
	}
	snapR, err := reader.Open(log, filepath.Join(inputRoot, "book_snapshots"), "book_snapshots", "", 0)
	if err != nil {
		tradeR.Close()
		return nil, fmt.Errorf("worker %s: open snapshots reader: %w", symbol, err)
	}
	deltaR, err := reader.Open(log, filepath.Join(inputRoot, "book_deltas"), "book_deltas", "", 0)
	if err != nil {
		tradeR.Close()
		snapR.Close()
		return nil, fmt.Errorf("worker %s: open deltas reader: %w", symbol, err)
	}

	sk, err := sink.New(outputRoot, symbol, cfg, log)
	if err != nil {
		tradeR.Close()
		snapR.Close()
		deltaR.Close()
		return nil, fmt.Errorf("worker %s: open sink: %w", symbol, err)
	}
	ck, err := checkpoint.New(checkpointRoot, symbol, log)
	if err != nil {
		tradeR.Close()
		snapR.Close()
		deltaR.Close()
		return nil, fmt.Errorf("worker %s: open checkpointer: %w", symbol, err)
	}

	w := &Worker{
		symbol:           symbol,
		cfg:              cfg,
		log:              log,
		tradeSource:      newChunkSource(tradeR, model.EventTypeTrade, chunkMaxRows),
		snapSource:       newChunkSource(snapR, model.EventTypeSnapshot, chunkMaxRows),
		deltaSource:      newChunkSource(deltaR, model.EventTypeDelta, chunkMaxRows),
		engine:           replay.New(cfg, log),
		sink:             sk,
		ckpt:             ck,
		heartbeats:       make(chan Heartbeat, 1),
		gracefulStop:     make(chan struct{}),
		emergencyStop:    make(chan struct{}),
		lastCheckpointAt: time.Now(),
	}
	w.merger = merge.New([]merge.Source{w.tradeSource, w.snapSource, w.deltaSource}, cfg.QueueCapacity)
	return w, nil
}

// Resume rebuilds a Worker from the latest verifiable checkpoint, opening
// readers at their recorded (file, row_offset) positions (§4.9 Recovery).
func Resume(symbol string, cfg config.Config, inputRoot, outputRoot, checkpointRoot string, log *slog.Logger) (*Worker, error) {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("symbol", symbol)

	ck, err := checkpoint.New(checkpointRoot, symbol, log)
	if err != nil {
		return nil, fmt.Errorf("worker %s: open checkpointer: %w", symbol, err)
	}
	rec, err := ck.Latest()
	if err != nil {
		return nil, fmt.Errorf("worker %s: no resumable checkpoint: %w", symbol, err)
	}

	positions := map[string]reader.Position{}
	for _, p := range rec.ReaderPositions {
		positions[p.Stream] = reader.Position{File: p.File, RowOffset: p.RowOffset}
	}

	tradeR, err := reader.Open(log, filepath.Join(inputRoot, "trades"), "trades", positions["trades"].File, positions["trades"].RowOffset)
	if err != nil {
		return nil, fmt.Errorf("worker %s: resume trades reader: %w", symbol, err)
	}
	snapR, err := reader.Open(log, filepath.Join(inputRoot, "book_snapshots"), "book_snapshots", positions["book_snapshots"].File, positions["book_snapshots"].RowOffset)
	if err != nil {
		tradeR.Close()
		return nil, fmt.Errorf("worker %s: resume snapshots reader: %w", symbol, err)
	}
	deltaR, err := reader.Open(log, filepath.Join(inputRoot, "book_deltas"), "book_deltas", positions["book_deltas"].File, positions["book_deltas"].RowOffset)
	if err != nil {
		tradeR.Close()
		snapR.Close()
		return nil, fmt.Errorf("worker %s: resume deltas reader: %w", symbol, err)
	}

	sk, err := sink.New(outputRoot, symbol, cfg, log)
	if err != nil {
		tradeR.Close()
		snapR.Close()
		deltaR.Close()
		return nil, fmt.Errorf("worker %s: open sink: %w", symbol, err)
	}

	book := checkpoint.Restore(log, rec)

	// The sink's own reloaded manifest is the authoritative durable
	// watermark: a crash between a sink flush and the checkpoint write
	// that was meant to record it can leave rec.LastEventTsNs behind what
	// was actually committed to disk (§4.9 CK1, recovery step 3).
	resumeWatermark := rec.LastEventTsNs
	if wm := sk.Watermark(); wm > resumeWatermark {
		resumeWatermark = wm
	}

	w := &Worker{
		symbol:           symbol,
		cfg:              cfg,
		log:              log,
		tradeSource:      newChunkSource(tradeR, model.EventTypeTrade, chunkMaxRows),
		snapSource:       newChunkSource(snapR, model.EventTypeSnapshot, chunkMaxRows),
		deltaSource:      newChunkSource(deltaR, model.EventTypeDelta, chunkMaxRows),
		engine:           replay.Resume(cfg, log, book, rec.EventsProcessed, rec.LastEventTsNs, resumeWatermark),
		sink:             sk,
		ckpt:             ck,
		heartbeats:       make(chan Heartbeat, 1),
		gracefulStop:     make(chan struct{}),
		emergencyStop:    make(chan struct{}),
		lastCheckpointAt: time.Now(),
	}
	w.merger = merge.New([]merge.Source{w.tradeSource, w.snapSource, w.deltaSource}, cfg.QueueCapacity)
	return w, nil
}

// Heartbeats returns the channel carrying this worker's status heartbeats
// (§4.11); the run command reads it and forwards each heartbeat to the
// Supervisor as an NDJSON line. It is buffered 1 deep; Run always
// overwrites rather than blocks, so a reader only ever sees the latest
// heartbeat.
func (w *Worker) Heartbeats() <-chan Heartbeat { return w.heartbeats }

// GracefulStop requests a Draining shutdown: the sink flushes its final
// batch, a terminal checkpoint is written, and Run returns nil.
func (w *Worker) GracefulStop() {
	select {
	case <-w.gracefulStop:
	default:
		close(w.gracefulStop)
	}
}

// EmergencyStop requests an immediate shutdown, bounded by
// cfg.ShutdownGrace, in which only a best-effort checkpoint is attempted.
func (w *Worker) EmergencyStop() {
	select {
	case <-w.emergencyStop:
	default:
		close(w.emergencyStop)
	}
}

// Run drives the pipeline until the input streams are exhausted, a stop is
// requested, or ctx is cancelled. Returns nil on a clean drain.
func (w *Worker) Run(ctx context.Context) error {
	mergeErrCh := make(chan error, 1)
	go func() { mergeErrCh <- w.merger.Run(ctx) }()

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-w.merger.Out():
			if !ok {
				return w.drain(ctx, mergeErrCh)
			}
			if err := w.handleEvent(ctx, ev); err != nil {
				return fmt.Errorf("worker %s: %w", w.symbol, err)
			}

		case <-ticker.C:
			if err := w.sink.FlushAged(); err != nil {
				return fmt.Errorf("worker %s: %w", w.symbol, err)
			}
			w.maybeCheckpoint(ctx)
			w.publishHeartbeat()

		case <-w.gracefulStop:
			return w.drain(ctx, mergeErrCh)

		case <-w.emergencyStop:
			return w.emergencyShutdown(ctx)

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (w *Worker) handleEvent(ctx context.Context, ev model.Event) error {
	out, err := w.engine.Process(ev)
	if err != nil {
		return err
	}
	for _, ue := range out {
		if err := w.sink.Write(ue); err != nil {
			return err
		}
	}
	w.eventsSinceCheckpoint += uint64(len(out))
	w.maybeCheckpoint(ctx)
	return nil
}

// maybeCheckpoint fires the §4.9 trigger: events_processed crossing
// checkpoint_events, or wall time since the last checkpoint crossing
// checkpoint_interval_ms.
func (w *Worker) maybeCheckpoint(ctx context.Context) {
	due := w.eventsSinceCheckpoint >= w.cfg.CheckpointEvents || time.Since(w.lastCheckpointAt) >= w.cfg.CheckpointInterval
	if !due {
		return
	}
	if err := w.checkpointNow(ctx); err != nil {
		w.log.Warn("checkpoint failed", "error", err)
	}
}

// checkpointNow forces every open sink bucket closed before capturing the
// Mark, so the recorded reader positions and sink watermark always agree
// on the same boundary (§4.9 CK1): nothing is left sitting in an
// uncommitted batch between what the readers have yielded and what the
// sink has durably written.
func (w *Worker) checkpointNow(ctx context.Context) error {
	start := time.Now()
	if err := w.sink.FlushAll(ctx); err != nil {
		return err
	}
	mark := checkpoint.Mark{
		Symbol:          w.symbol,
		Book:            w.engine.Book().Clone(),
		EventsProcessed: w.engine.EventsProcessed(),
		LastEventTsNs:   w.engine.LastEventTsNs(),
		SinkWatermark:   w.sink.Watermark(),
		ReaderPositions: []checkpoint.ReaderPosition{
			toCheckpointPosition("trades", w.tradeSource.Position()),
			toCheckpointPosition("book_snapshots", w.snapSource.Position()),
			toCheckpointPosition("book_deltas", w.deltaSource.Position()),
		},
	}
	if id, ok := w.engine.Book().LastUpdateID(); ok {
		mark.LastUpdateID = id
		mark.HasUpdateID = true
	}

	path, err := w.ckpt.Write(mark)
	elapsed := time.Since(start)
	if elapsed > 100*time.Millisecond {
		w.log.Warn("CheckpointSnapshotSlow", "elapsed", elapsed, "path", path)
	}
	if err != nil {
		return err
	}
	w.eventsSinceCheckpoint = 0
	w.lastCheckpointAt = time.Now()
	return nil
}

func toCheckpointPosition(stream string, p reader.Position) checkpoint.ReaderPosition {
	return checkpoint.ReaderPosition{Stream: stream, File: p.File, RowOffset: p.RowOffset}
}

func (w *Worker) publishHeartbeat() {
	hb := Heartbeat{
		EventsProcessed: w.engine.EventsProcessed(),
		LastEventTsNs:   w.engine.LastEventTsNs(),
		QueueDepth:      len(w.merger.Out()),
		DriftAlertCount: w.engine.DriftAlertCount(),
	}
	select {
	case <-w.heartbeats:
	default:
	}
	w.heartbeats <- hb
}

// drain implements the graceful-stop sequence (§4.10): wait for the merge
// to finish (or be cancelled), move the engine to Draining, flush the
// sink's final batch, write a terminal checkpoint, then Terminate.
func (w *Worker) drain(ctx context.Context, mergeErrCh <-chan error) error {
	// Keep consuming whatever the merger still has buffered or in flight;
	// the engine stays Running until the merged stream has ended, so events
	// already merged are processed, not discarded.
drainLoop:
	for {
		select {
		case ev, ok := <-w.merger.Out():
			if !ok {
				break drainLoop
			}
			if err := w.handleEvent(ctx, ev); err != nil {
				return fmt.Errorf("worker %s: %w", w.symbol, err)
			}
		case err := <-mergeErrCh:
			if err != nil {
				return err
			}
			break drainLoop
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	w.engine.BeginDraining()

	if err := w.sink.Close(ctx); err != nil {
		return fmt.Errorf("worker %s: sink close: %w", w.symbol, err)
	}
	if err := w.checkpointNow(ctx); err != nil {
		w.log.Warn("terminal checkpoint failed", "error", err)
	}
	w.engine.Terminate()
	return nil
}

// emergencyShutdown gives the checkpointer up to cfg.ShutdownGrace to
// persist a last-resort checkpoint before returning (§4.10).
func (w *Worker) emergencyShutdown(ctx context.Context) error {
	done := make(chan error, 1)
	go func() { done <- w.checkpointNow(ctx) }()

	select {
	case err := <-done:
		if err != nil {
			w.log.Warn("emergency checkpoint failed", "error", err)
		}
	case <-time.After(w.cfg.ShutdownGrace):
		w.log.Warn("emergency checkpoint exceeded shutdown grace", "grace", w.cfg.ShutdownGrace)
	}
	w.engine.Terminate()
	return fmt.Errorf("worker %s: emergency stop", w.symbol)
}
