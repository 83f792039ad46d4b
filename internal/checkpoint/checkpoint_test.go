package checkpoint

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/quantreplay/reconcore/internal/fixedpoint"
	"github.com/quantreplay/reconcore/internal/model"
	"github.com/quantreplay/reconcore/internal/orderbook"
)

func fp(v int64) fixedpoint.Value { return fixedpoint.Value(v) }

func buildMark(symbol string) Mark {
	book := orderbook.New(nil)
	book.ApplySnapshot(&model.BookSnapshot{
		LastUpdateID: 42,
		Bids:         []model.Level{{Price: fp(100_00000000), Quantity: fp(1_00000000)}},
		Asks:         []model.Level{{Price: fp(100_10000000), Quantity: fp(2_00000000)}},
	})
	return Mark{
		Symbol:          symbol,
		LastUpdateID:    42,
		HasUpdateID:     true,
		Book:            book.Clone(),
		EventsProcessed: 1000,
		LastEventTsNs:   123456,
		ReaderPositions: []ReaderPosition{{Stream: "trades", File: "trades-0.parquet", RowOffset: 17}},
		SinkWatermark:   100000,
	}
}

func TestWriteThenLatestRoundTrips(t *testing.T) {
	root := t.TempDir()
	c, err := New(root, "TEST", nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	path, err := c.Write(buildMark("TEST"))
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat %s: %v", path, err)
	}
	if info.Mode().Perm() != 0600 {
		t.Fatalf("checkpoint file perm = %o, want 0600", info.Mode().Perm())
	}
	dirInfo, err := os.Stat(filepath.Join(root, "TEST"))
	if err != nil {
		t.Fatalf("stat dir: %v", err)
	}
	if dirInfo.Mode().Perm() != 0700 {
		t.Fatalf("checkpoint dir perm = %o, want 0700", dirInfo.Mode().Perm())
	}

	rec, err := c.Latest()
	if err != nil {
		t.Fatalf("Latest: %v", err)
	}
	if rec.LastUpdateID != 42 || rec.EventsProcessed != 1000 {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if len(rec.Bids) != 1 || len(rec.Asks) != 1 {
		t.Fatalf("expected 1 bid and 1 ask level, got %+v", rec)
	}
	if len(rec.ReaderPositions) != 1 || rec.ReaderPositions[0].File != "trades-0.parquet" {
		t.Fatalf("unexpected reader positions: %+v", rec.ReaderPositions)
	}
}

func TestLatestSkipsCorruptedCheckpoint(t *testing.T) {
	root := t.TempDir()
	c, err := New(root, "TEST", nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if _, err := c.Write(buildMark("TEST")); err != nil {
		t.Fatalf("write 1: %v", err)
	}
	goodPath, err := c.Write(buildMark("TEST"))
	if err != nil {
		t.Fatalf("write 2: %v", err)
	}

	// Corrupt the newest checkpoint in place; Latest must fall back to an
	// older, still-verifiable one rather than erroring out.
	if err := os.WriteFile(goodPath, []byte("not a real checkpoint"), 0600); err != nil {
		t.Fatalf("corrupt: %v", err)
	}

	rec, err := c.Latest()
	if err != nil {
		t.Fatalf("Latest after corruption: %v", err)
	}
	if rec.EventsProcessed != 1000 {
		t.Fatalf("expected fallback to the older valid checkpoint, got %+v", rec)
	}
}

func TestLatestErrorsWhenNoneVerifiable(t *testing.T) {
	root := t.TempDir()
	c, err := New(root, "TEST", nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := c.Latest(); err == nil {
		t.Fatal("expected error when no checkpoints exist")
	}
}

func TestRestoreRebuildsBook(t *testing.T) {
	root := t.TempDir()
	c, err := New(root, "TEST", nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := c.Write(buildMark("TEST")); err != nil {
		t.Fatalf("write: %v", err)
	}
	rec, err := c.Latest()
	if err != nil {
		t.Fatalf("Latest: %v", err)
	}

	book := Restore(nil, rec)
	id, ok := book.LastUpdateID()
	if !ok || id != 42 {
		t.Fatalf("restored book last_update_id = %d, ok=%v, want 42/true", id, ok)
	}
	bp, bq, _ := book.BestBid()
	if bp != fp(100_00000000) || bq != fp(1_00000000) {
		t.Fatalf("restored best bid = %v/%v, want 100/1", bp, bq)
	}
}
