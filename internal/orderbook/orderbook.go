// Package orderbook implements the Order Book State (OB) described in
// spec.md §3.3/§4.4: two price->quantity maps, an authoritative
// last_update_id, and the pending-delta buffer used during bootstrap.
//
// The price-ordering structure is a lazy-deletion binary heap of prices
// per side, adapted from mkhoshkam/orderbook's bidHeap/askHeap
// (container/heap, Less comparing decimal.Decimal prices) onto this
// package's fixedpoint.Value prices with quantities tracked in a separate
// map so that level updates (the common case: same price, new quantity)
// never touch heap order.
package orderbook

import (
	"container/heap"
	"fmt"
	"log/slog"

	"github.com/quantreplay/reconcore/internal/fixedpoint"
	"github.com/quantreplay/reconcore/internal/model"
)

// priceHeap is a lazy-deletion heap of prices. less reports priority order
// (true if price i should pop before price j); for bids this is "greater
// price first", for asks "lesser price first".
type priceHeap struct {
	prices []fixedpoint.Value
	less   func(a, b fixedpoint.Value) bool
}

func (h priceHeap) Len() int            { return len(h.prices) }
func (h priceHeap) Less(i, j int) bool  { return h.less(h.prices[i], h.prices[j]) }
func (h priceHeap) Swap(i, j int)       { h.prices[i], h.prices[j] = h.prices[j], h.prices[i] }
func (h *priceHeap) Push(x interface{}) { h.prices = append(h.prices, x.(fixedpoint.Value)) }
func (h *priceHeap) Pop() interface{} {
	n := len(h.prices)
	v := h.prices[n-1]
	h.prices = h.prices[:n-1]
	return v
}

// side holds one half of the book: the authoritative quantity map plus a
// lazily-deleted heap giving O(log n) best-price access.
type side struct {
	levels map[fixedpoint.Value]fixedpoint.Value
	order  *priceHeap
}

func newSide(less func(a, b fixedpoint.Value) bool) *side {
	h := &priceHeap{less: less}
	heap.Init(h)
	return &side{levels: make(map[fixedpoint.Value]fixedpoint.Value), order: h}
}

// set inserts or updates a level. qty==0 removes it (I1).
func (s *side) set(price, qty fixedpoint.Value) {
	if qty.IsZero() {
		delete(s.levels, price)
		return
	}
	if _, existed := s.levels[price]; !existed {
		heap.Push(s.order, price)
	}
	s.levels[price] = qty
}

// best returns the top-of-book (price, qty) for this side, skipping stale
// heap entries for prices that have since been removed, and reports false
// if the side is empty.
func (s *side) best() (fixedpoint.Value, fixedpoint.Value, bool) {
	for s.order.Len() > 0 {
		p := s.order.prices[0]
		qty, ok := s.levels[p]
		if !ok {
			heap.Pop(s.order)
			continue
		}
		return p, qty, true
	}
	return 0, 0, false
}

// topK returns up to k (price, qty) levels in priority order, worst-case
// O(n log n) since it must drain and rebuild the heap; used only by
// snapshot_view (DT) and checkpoint cloning, never the per-event hot path.
func (s *side) topK(k int) []model.Level {
	out := make([]model.Level, 0, k)
	seen := make(map[fixedpoint.Value]bool, k)
	drained := &priceHeap{less: s.order.less}
	for s.order.Len() > 0 && len(out) < k {
		p := heap.Pop(s.order).(fixedpoint.Value)
		qty, ok := s.levels[p]
		if !ok || seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, model.Level{Price: p, Quantity: qty})
		heap.Push(drained, p)
	}
	// restore whatever we drained (including entries beyond k) plus the rest
	for s.order.Len() > 0 {
		heap.Push(drained, heap.Pop(s.order).(fixedpoint.Value))
	}
	s.order = drained
	return out
}

func (s *side) clone() *side {
	n := &side{
		levels: make(map[fixedpoint.Value]fixedpoint.Value, len(s.levels)),
		order:  &priceHeap{less: s.order.less, prices: append([]fixedpoint.Value(nil), s.order.prices...)},
	}
	for p, q := range s.levels {
		n.levels[p] = q
	}
	return n
}

// Book is the live, mutable order book state owned exclusively by the
// Replay Engine (§3.3, §4.4). No other component may read or mutate it
// outside of the COW clone handed to the checkpointer.
type Book struct {
	bids *side
	asks *side

	lastUpdateID uint64
	hasUpdateID  bool
	bootstrapped bool

	log *slog.Logger

	// Counters surfaced in heartbeats / checkpoints.
	DuplicateDeltaCount uint64
	SnapshotBehindCount uint64
}

// New builds an empty, un-bootstrapped Book.
func New(log *slog.Logger) *Book {
	if log == nil {
		log = slog.Default()
	}
	return &Book{
		bids: newSide(func(a, b fixedpoint.Value) bool { return a > b }), // max-heap
		asks: newSide(func(a, b fixedpoint.Value) bool { return a < b }), // min-heap
		log:  log,
	}
}

// Bootstrapped reports whether a snapshot has been applied at least once.
func (b *Book) Bootstrapped() bool { return b.bootstrapped }

// LastUpdateID returns the current authoritative update id and whether one
// has been set yet.
func (b *Book) LastUpdateID() (uint64, bool) { return b.lastUpdateID, b.hasUpdateID }

// BestBid returns the top bid level, if any.
func (b *Book) BestBid() (fixedpoint.Value, fixedpoint.Value, bool) { return b.bids.best() }

// BestAsk returns the top ask level, if any.
func (b *Book) BestAsk() (fixedpoint.Value, fixedpoint.Value, bool) { return b.asks.best() }

// ApplySnapshot implements §4.4 apply_snapshot. If the book was already
// bootstrapped and the incoming snapshot is behind the current
// last_update_id, it is used only for drift measurement (returns
// (applied=false, nil)); the caller's Drift Tracker still runs against it.
func (b *Book) ApplySnapshot(snap *model.BookSnapshot) (applied bool, err error) {
	if b.bootstrapped && snap.LastUpdateID < b.lastUpdateID {
		b.SnapshotBehindCount++
		b.log.Warn("snapshot behind current state", "snapshot_update_id", snap.LastUpdateID, "last_update_id", b.lastUpdateID)
		return false, nil
	}

	b.bids = newSide(b.bids.order.less)
	b.asks = newSide(b.asks.order.less)
	for _, lvl := range snap.Bids {
		if !lvl.Quantity.IsPositive() {
			continue
		}
		b.bids.set(lvl.Price, lvl.Quantity)
	}
	for _, lvl := range snap.Asks {
		if !lvl.Quantity.IsPositive() {
			continue
		}
		b.asks.set(lvl.Price, lvl.Quantity)
	}
	b.lastUpdateID = snap.LastUpdateID
	b.hasUpdateID = true
	b.bootstrapped = true

	if err := b.checkCrossed(); err != nil {
		return true, err
	}
	return true, nil
}

// GapResult classifies the outcome of ApplyDelta for the caller's gap
// policy (§4.7) to act on.
type GapResult int

const (
	GapNone GapResult = iota
	GapDuplicate
	GapDetected
)

// ApplyDelta implements §4.4 apply_delta / §4.7's trigger detection. It
// does not itself run forward-repair or hard-resync (that is the Replay
// Engine's job); it only classifies the delta and, for
// GapNone, applies it.
func (b *Book) ApplyDelta(d *model.BookDelta) (GapResult, error) {
	if !b.bootstrapped {
		return GapNone, fmt.Errorf("orderbook: ApplyDelta before bootstrap")
	}

	// B2: already-applied delta, silently ignored.
	if d.FirstUpdateID <= b.lastUpdateID {
		b.DuplicateDeltaCount++
		return GapDuplicate, nil
	}

	// B3/§4.7 trigger: gap in the sequence.
	if d.FirstUpdateID > b.lastUpdateID+1 {
		return GapDetected, nil
	}

	for _, lvl := range d.Bids {
		b.bids.set(lvl.Price, lvl.Quantity)
	}
	for _, lvl := range d.Asks {
		b.asks.set(lvl.Price, lvl.Quantity)
	}
	b.lastUpdateID = d.FinalUpdateID

	return GapNone, b.checkCrossed()
}

// ForceResync replaces the book state from a snapshot unconditionally,
// regardless of SnapshotBehind rules, used for hard resync (§4.6, §4.7
// step 4) where drift or an unrepaired gap mandates replacement even if
// the incoming last_update_id looks stale.
func (b *Book) ForceResync(snap *model.BookSnapshot) error {
	b.bids = newSide(b.bids.order.less)
	b.asks = newSide(b.asks.order.less)
	for _, lvl := range snap.Bids {
		if lvl.Quantity.IsPositive() {
			b.bids.set(lvl.Price, lvl.Quantity)
		}
	}
	for _, lvl := range snap.Asks {
		if lvl.Quantity.IsPositive() {
			b.asks.set(lvl.Price, lvl.Quantity)
		}
	}
	b.lastUpdateID = snap.LastUpdateID
	b.hasUpdateID = true
	b.bootstrapped = true
	return b.checkCrossed()
}

// checkCrossed enforces I2: best_bid < best_ask whenever both sides are
// non-empty.
func (b *Book) checkCrossed() error {
	bp, _, hasBid := b.bids.best()
	ap, _, hasAsk := b.asks.best()
	if hasBid && hasAsk && bp >= ap {
		return fmt.Errorf("orderbook: crossed book, best_bid=%s >= best_ask=%s", bp, ap)
	}
	return nil
}

// SnapshotView returns up to k (price, qty) levels per side in
// best-to-worst order, used by the Drift Tracker (§4.4 snapshot_view).
func (b *Book) SnapshotView(k int) (bids, asks []model.Level) {
	return b.bids.topK(k), b.asks.topK(k)
}

// Clone is the copy-on-write logical clone used by the Checkpointer
// (§4.4 copy_on_write_clone, §4.9, §9 "Copy-on-write snapshot"). No
// structurally-shared persistent map implementation exists in the
// reference corpus, so this degrades from the ideal O(1) clone to an O(n)
// defensive copy of both sides' maps/heaps; because checkpoints are only
// taken at coarse triggers (every 1M events or 5 minutes, §4.9) rather
// than per-event, this stays within the <100ms budget for realistic book
// depths, and the caller is expected to log CheckpointSnapshotSlow if it
// does not (§5).
func (b *Book) Clone() *Snapshot {
	return &Snapshot{
		bids:         b.bids.clone(),
		asks:         b.asks.clone(),
		lastUpdateID: b.lastUpdateID,
		hasUpdateID:  b.hasUpdateID,
		bootstrapped: b.bootstrapped,
	}
}

// Snapshot is an immutable point-in-time copy of a Book, safe to read
// concurrently with the live Book's continued mutation, and safe to
// serialize from a background task (§4.9 step 3).
type Snapshot struct {
	bids         *side
	asks         *side
	lastUpdateID uint64
	hasUpdateID  bool
	bootstrapped bool
}

// Levels returns every (price, qty) pair on the given side of the clone,
// in no particular order; the checkpoint writer sorts as needed.
func (s *Snapshot) Levels(bidSide bool) []model.Level {
	src := s.asks
	if bidSide {
		src = s.bids
	}
	out := make([]model.Level, 0, len(src.levels))
	for p, q := range src.levels {
		out = append(out, model.Level{Price: p, Quantity: q})
	}
	return out
}

// LastUpdateID returns the clone's authoritative update id.
func (s *Snapshot) LastUpdateID() (uint64, bool) { return s.lastUpdateID, s.hasUpdateID }

// Bootstrapped reports whether the cloned book had completed bootstrap.
func (s *Snapshot) Bootstrapped() bool { return s.bootstrapped }

// Restore rebuilds a live Book from a previously-serialized checkpoint
// snapshot's level sets (§4.9 Recovery step 2).
func Restore(log *slog.Logger, lastUpdateID uint64, bids, asks []model.Level) *Book {
	b := New(log)
	for _, lvl := range bids {
		if lvl.Quantity.IsPositive() {
			b.bids.set(lvl.Price, lvl.Quantity)
		}
	}
	for _, lvl := range asks {
		if lvl.Quantity.IsPositive() {
			b.asks.set(lvl.Price, lvl.Quantity)
		}
	}
	b.lastUpdateID = lastUpdateID
	b.hasUpdateID = true
	b.bootstrapped = true
	return b
}
