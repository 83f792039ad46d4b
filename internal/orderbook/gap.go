package orderbook

import (
	"fmt"

	"github.com/quantreplay/reconcore/internal/model"
)

// PendingBuffer is the bounded "pending deltas" buffer used both during
// initial bootstrap (§3.5, §4.6 Bootstrapping state) and during forward
// gap repair (§4.7). It is a plain FIFO slice; Push itself refuses a delta
// once capacity is reached, and the caller decides what an overflow means
// (BootstrapOverflow pre-bootstrap, forced hard resync during repair).
type PendingBuffer struct {
	capacity int
	deltas   []*model.BookDelta
}

// NewPendingBuffer builds an empty buffer with the given capacity.
func NewPendingBuffer(capacity int) *PendingBuffer {
	return &PendingBuffer{capacity: capacity, deltas: make([]*model.BookDelta, 0, capacity)}
}

// Len returns the number of buffered deltas.
func (p *PendingBuffer) Len() int { return len(p.deltas) }

// Full reports whether the buffer has reached capacity.
func (p *PendingBuffer) Full() bool { return len(p.deltas) >= p.capacity }

// Push appends a delta, returning an error if the buffer is already full.
func (p *PendingBuffer) Push(d *model.BookDelta) error {
	if p.Full() {
		return fmt.Errorf("orderbook: pending buffer at capacity %d", p.capacity)
	}
	p.deltas = append(p.deltas, d)
	return nil
}

// Drain returns all buffered deltas in original arrival order and empties
// the buffer.
func (p *PendingBuffer) Drain() []*model.BookDelta {
	out := p.deltas
	p.deltas = make([]*model.BookDelta, 0, p.capacity)
	return out
}

// DiscardUpTo drops every buffered delta whose FirstUpdateID is at or
// before upToUpdateID -- i.e. deltas the arriving snapshot already
// supersedes (§4.6 Bootstrapping transition, §8.4 S3: "buffered delta
// discarded as first_update_id <= snapshot.last_update_id"). Returns the
// count discarded.
func (p *PendingBuffer) DiscardUpTo(upToUpdateID uint64) int {
	kept := p.deltas[:0]
	discarded := 0
	for _, d := range p.deltas {
		if d.FirstUpdateID <= upToUpdateID {
			discarded++
			continue
		}
		kept = append(kept, d)
	}
	p.deltas = kept
	return discarded
}

// DiscardFinalUpTo drops every buffered delta whose FinalUpdateID is at or
// before upToUpdateID -- the bootstrap-transition predicate (§4.6: "all
// buffered deltas D with D.final_update_id <= snapshot.last_update_id have
// been discarded"), distinct from DiscardUpTo's first_update_id predicate
// used during gap repair (§4.7).
func (p *PendingBuffer) DiscardFinalUpTo(upToUpdateID uint64) int {
	kept := p.deltas[:0]
	discarded := 0
	for _, d := range p.deltas {
		if d.FinalUpdateID <= upToUpdateID {
			discarded++
			continue
		}
		kept = append(kept, d)
	}
	p.deltas = kept
	return discarded
}

// GapTracker accumulates the counters named in §4.7/§7 for a single
// worker's lifetime: gap count, total span, and whether a repair window is
// currently open.
type GapTracker struct {
	GapCount          uint64
	TotalGapSpan      uint64
	RepairWindowOpen  bool
	RepairWindowStart uint64 // last_update_id observed when the gap was first detected
	GapDiscardedCount uint64
	HardResyncCount   uint64
	UnrepairedCount   uint64
}

// BeginGap records a newly-detected sequence gap (§4.7 steps 1-2) and opens
// a repair window.
func (g *GapTracker) BeginGap(lastUpdateID, firstUpdateID, finalUpdateID uint64) {
	g.GapCount++
	g.TotalGapSpan += finalUpdateID - lastUpdateID
	g.RepairWindowOpen = true
	g.RepairWindowStart = lastUpdateID
}

// RepairSucceeded closes the repair window after a snapshot landed inside
// the buffered range and the book was resynced from it.
func (g *GapTracker) RepairSucceeded() {
	g.RepairWindowOpen = false
}

// RepairFailed closes the window unsuccessfully: the caller performs a
// hard resync and the buffered deltas still in flight are discarded
// (§4.7 step 4, GapUnrepaired).
func (g *GapTracker) RepairFailed(discarded int) {
	g.RepairWindowOpen = false
	g.UnrepairedCount++
	g.GapDiscardedCount += uint64(discarded)
}

// RecordHardResync increments the hard-resync counter (§4.6, §4.7).
func (g *GapTracker) RecordHardResync() {
	g.HardResyncCount++
}
