package orderbook

import (
	"testing"

	"github.com/quantreplay/reconcore/internal/fixedpoint"
	"github.com/quantreplay/reconcore/internal/model"
)

func lvl(price, qty int64) model.Level {
	return model.Level{Price: fixedpoint.Value(price), Quantity: fixedpoint.Value(qty)}
}

func TestApplySnapshotBootstraps(t *testing.T) {
	b := New(nil)
	snap := &model.BookSnapshot{
		ExchangeTsNs: 1000,
		LastUpdateID: 100,
		Bids:         []model.Level{lvl(100_00000000, 1_00000000)},
		Asks:         []model.Level{lvl(101_00000000, 2_00000000)},
	}
	applied, err := b.ApplySnapshot(snap)
	if err != nil {
		t.Fatalf("ApplySnapshot: %v", err)
	}
	if !applied {
		t.Fatal("expected snapshot to apply")
	}
	if !b.Bootstrapped() {
		t.Fatal("expected bootstrapped=true")
	}
	id, ok := b.LastUpdateID()
	if !ok || id != 100 {
		t.Fatalf("LastUpdateID = %d,%v want 100,true", id, ok)
	}
	bp, bq, ok := b.BestBid()
	if !ok || bp != fixedpoint.Value(100_00000000) || bq != fixedpoint.Value(1_00000000) {
		t.Fatalf("BestBid = %v,%v,%v", bp, bq, ok)
	}
}

func TestApplyDeltaAdvancesAndApplies(t *testing.T) {
	b := New(nil)
	b.ApplySnapshot(&model.BookSnapshot{LastUpdateID: 100})
	res, err := b.ApplyDelta(&model.BookDelta{
		FirstUpdateID: 101,
		FinalUpdateID: 101,
		Asks:          []model.Level{lvl(101_00000000, 1_50000000)},
	})
	if err != nil {
		t.Fatalf("ApplyDelta: %v", err)
	}
	if res != GapNone {
		t.Fatalf("expected GapNone, got %v", res)
	}
	id, _ := b.LastUpdateID()
	if id != 101 {
		t.Fatalf("last_update_id = %d, want 101", id)
	}
	ap, aq, ok := b.BestAsk()
	if !ok || ap != fixedpoint.Value(101_00000000) || aq != fixedpoint.Value(1_50000000) {
		t.Fatalf("BestAsk = %v,%v,%v", ap, aq, ok)
	}
}

func TestApplyDeltaDuplicateIsIgnored(t *testing.T) {
	b := New(nil)
	b.ApplySnapshot(&model.BookSnapshot{LastUpdateID: 100})
	b.ApplyDelta(&model.BookDelta{FirstUpdateID: 101, FinalUpdateID: 101})
	res, err := b.ApplyDelta(&model.BookDelta{FirstUpdateID: 100, FinalUpdateID: 101})
	if err != nil {
		t.Fatalf("ApplyDelta: %v", err)
	}
	if res != GapDuplicate {
		t.Fatalf("expected GapDuplicate, got %v", res)
	}
	if b.DuplicateDeltaCount != 1 {
		t.Fatalf("DuplicateDeltaCount = %d, want 1", b.DuplicateDeltaCount)
	}
}

func TestApplyDeltaGapDetected(t *testing.T) {
	b := New(nil)
	b.ApplySnapshot(&model.BookSnapshot{LastUpdateID: 300})
	res, err := b.ApplyDelta(&model.BookDelta{FirstUpdateID: 305, FinalUpdateID: 306})
	if err != nil {
		t.Fatalf("ApplyDelta: %v", err)
	}
	if res != GapDetected {
		t.Fatalf("expected GapDetected, got %v", res)
	}
	id, _ := b.LastUpdateID()
	if id != 300 {
		t.Fatalf("last_update_id must not advance past a gap, got %d", id)
	}
}

func TestZeroQuantityRemovesLevel(t *testing.T) {
	b := New(nil)
	b.ApplySnapshot(&model.BookSnapshot{
		LastUpdateID: 1,
		Bids:         []model.Level{lvl(100_00000000, 1_00000000)},
	})
	_, err := b.ApplyDelta(&model.BookDelta{
		FirstUpdateID: 2,
		FinalUpdateID: 2,
		Bids:          []model.Level{lvl(100_00000000, 0)},
	})
	if err != nil {
		t.Fatalf("ApplyDelta: %v", err)
	}
	if _, _, ok := b.BestBid(); ok {
		t.Fatal("expected bid side empty after zero-quantity delta")
	}
}

func TestCrossedBookRejected(t *testing.T) {
	b := New(nil)
	_, err := b.ApplySnapshot(&model.BookSnapshot{
		LastUpdateID: 1,
		Bids:         []model.Level{lvl(102_00000000, 1_00000000)},
		Asks:         []model.Level{lvl(101_00000000, 1_00000000)},
	})
	if err == nil {
		t.Fatal("expected crossed-book error")
	}
}

func TestSnapshotBehindDoesNotReplaceState(t *testing.T) {
	b := New(nil)
	b.ApplySnapshot(&model.BookSnapshot{LastUpdateID: 100, Bids: []model.Level{lvl(1, 1)}})
	b.ApplyDelta(&model.BookDelta{FirstUpdateID: 101, FinalUpdateID: 150})
	applied, err := b.ApplySnapshot(&model.BookSnapshot{LastUpdateID: 50})
	if err != nil {
		t.Fatalf("ApplySnapshot: %v", err)
	}
	if applied {
		t.Fatal("expected behind-snapshot to not apply")
	}
	id, _ := b.LastUpdateID()
	if id != 150 {
		t.Fatalf("state should be unchanged, last_update_id=%d want 150", id)
	}
	if b.SnapshotBehindCount != 1 {
		t.Fatalf("SnapshotBehindCount = %d, want 1", b.SnapshotBehindCount)
	}
}

func TestCloneIsIndependent(t *testing.T) {
	b := New(nil)
	b.ApplySnapshot(&model.BookSnapshot{LastUpdateID: 1, Bids: []model.Level{lvl(100_00000000, 1_00000000)}})
	snap := b.Clone()
	b.ApplyDelta(&model.BookDelta{FirstUpdateID: 2, FinalUpdateID: 2, Bids: []model.Level{lvl(100_00000000, 9_00000000)}})

	cloneLevels := snap.Levels(true)
	if len(cloneLevels) != 1 || cloneLevels[0].Quantity != fixedpoint.Value(1_00000000) {
		t.Fatalf("clone mutated by later live-book update: %+v", cloneLevels)
	}
	bp, bq, _ := b.BestBid()
	if bp != fixedpoint.Value(100_00000000) || bq != fixedpoint.Value(9_00000000) {
		t.Fatalf("live book not updated: %v %v", bp, bq)
	}
}

func TestPendingBufferDiscardUpTo(t *testing.T) {
	buf := NewPendingBuffer(10)
	buf.Push(&model.BookDelta{FirstUpdateID: 305, FinalUpdateID: 306})
	buf.Push(&model.BookDelta{FirstUpdateID: 400, FinalUpdateID: 401})
	discarded := buf.DiscardUpTo(306)
	if discarded != 1 {
		t.Fatalf("discarded = %d, want 1", discarded)
	}
	if buf.Len() != 1 {
		t.Fatalf("remaining = %d, want 1", buf.Len())
	}
}
