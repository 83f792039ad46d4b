package worker

import (
	"context"
	"testing"
	"time"

	"github.com/quantreplay/reconcore/internal/checkpoint"
	"github.com/quantreplay/reconcore/internal/config"
	"github.com/quantreplay/reconcore/internal/merge"
	"github.com/quantreplay/reconcore/internal/model"
	"github.com/quantreplay/reconcore/internal/reader"
	"github.com/quantreplay/reconcore/internal/replay"
	"github.com/quantreplay/reconcore/internal/sink"
)

// newTestWorker builds a Worker with real sink/checkpoint/engine components
// rooted under a temp dir, and zero-value chunkSources -- safe to use here
// since their Position() method touches no unexported reader.Reader field
// that requires an open DuckDB connection.
func newTestWorker(t *testing.T) *Worker {
	t.Helper()
	cfg := config.Defaults()
	root := t.TempDir()

	sk, err := sink.New(root, "TEST", cfg, nil)
	if err != nil {
		t.Fatalf("sink.New: %v", err)
	}
	ck, err := checkpoint.New(root, "TEST", nil)
	if err != nil {
		t.Fatalf("checkpoint.New: %v", err)
	}

	w := &Worker{
		symbol:           "TEST",
		cfg:              cfg,
		log:              nil,
		tradeSource:      newChunkSource(&reader.Reader{}, model.EventTypeTrade, 10),
		snapSource:       newChunkSource(&reader.Reader{}, model.EventTypeSnapshot, 10),
		deltaSource:      newChunkSource(&reader.Reader{}, model.EventTypeDelta, 10),
		engine:           replay.New(cfg, nil),
		sink:             sk,
		ckpt:             ck,
		heartbeats:       make(chan Heartbeat, 1),
		gracefulStop:     make(chan struct{}),
		emergencyStop:    make(chan struct{}),
		lastCheckpointAt: time.Now(),
	}
	w.merger = merge.New([]merge.Source{w.tradeSource, w.snapSource, w.deltaSource}, cfg.QueueCapacity)
	return w
}

func TestToCheckpointPositionMapsFields(t *testing.T) {
	p := toCheckpointPosition("trades", reader.Position{File: "a.parquet", RowOffset: 7})
	if p.Stream != "trades" || p.File != "a.parquet" || p.RowOffset != 7 {
		t.Fatalf("unexpected mapping: %+v", p)
	}
}

func TestPublishHeartbeatOverwritesPrevious(t *testing.T) {
	w := newTestWorker(t)
	w.publishHeartbeat()
	w.publishHeartbeat()

	if len(w.heartbeats) != 1 {
		t.Fatalf("expected exactly 1 buffered heartbeat, got %d", len(w.heartbeats))
	}
}

func TestMaybeCheckpointFiresOnEventThreshold(t *testing.T) {
	w := newTestWorker(t)
	w.cfg.CheckpointEvents = 5
	w.eventsSinceCheckpoint = 5

	w.maybeCheckpoint(context.Background())

	if w.eventsSinceCheckpoint != 0 {
		t.Fatalf("expected checkpoint counter reset after firing, got %d", w.eventsSinceCheckpoint)
	}
	if _, err := w.ckpt.Latest(); err != nil {
		t.Fatalf("expected a checkpoint file to have been written: %v", err)
	}
}

func TestMaybeCheckpointDoesNotFireBeforeThreshold(t *testing.T) {
	w := newTestWorker(t)
	w.cfg.CheckpointEvents = 1_000_000
	w.cfg.CheckpointInterval = time.Hour
	w.eventsSinceCheckpoint = 1

	w.maybeCheckpoint(context.Background())

	if w.eventsSinceCheckpoint != 1 {
		t.Fatalf("expected no checkpoint before threshold, counter changed to %d", w.eventsSinceCheckpoint)
	}
}

func TestGracefulStopIsIdempotent(t *testing.T) {
	w := newTestWorker(t)
	w.GracefulStop()
	w.GracefulStop()

	select {
	case <-w.gracefulStop:
	default:
		t.Fatal("expected gracefulStop channel closed")
	}
}
