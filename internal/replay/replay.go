// Package replay implements the Replay Engine (RE): the state machine
// that drives an Order Book through bootstrap, applies the Sequence Gap
// Policy, invokes the Drift Tracker on each snapshot, and emits the
// unified output event stream consumed by the Columnar Sink and
// Checkpointer.
package replay

import (
	"fmt"
	"log/slog"

	"github.com/quantreplay/reconcore/internal/config"
	"github.com/quantreplay/reconcore/internal/model"
	"github.com/quantreplay/reconcore/internal/orderbook"
)

// State is one node of the Uninitialized -> Bootstrapping -> Running ->
// Draining -> Terminated lifecycle (§4.6).
type State int

const (
	StateUninitialized State = iota
	StateBootstrapping
	StateRunning
	StateDraining
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "Uninitialized"
	case StateBootstrapping:
		return "Bootstrapping"
	case StateRunning:
		return "Running"
	case StateDraining:
		return "Draining"
	case StateTerminated:
		return "Terminated"
	default:
		return "Unknown"
	}
}

// Engine owns the book, drift tracker, and gap bookkeeping for one
// symbol's pipeline instance. It is not safe for concurrent use; the
// Symbol Worker drives it from a single goroutine fed by the Merger.
type Engine struct {
	cfg   config.Config
	book  *orderbook.Book
	drift *orderbook.DriftTracker
	gap   orderbook.GapTracker
	log   *slog.Logger

	state State

	pendingDeltas *orderbook.PendingBuffer
	pendingTrades []*model.Trade

	repairBuffer *orderbook.PendingBuffer // populated only while a gap repair window is open

	// forceResyncPending is set when a repair window closes unrepaired
	// (§4.7 step 4): the next snapshot must hard-resync unconditionally,
	// regardless of measured drift.
	forceResyncPending bool

	eventsProcessed uint64
	lastEventTsNs   uint64

	// resumeWatermark is the sink's already-durable watermark at resume
	// time (§4.9 CK1, recovery step 3): events at or below it were already
	// written by a prior process instance and must be replayed for book
	// state only, not re-emitted.
	resumeWatermark uint64

	// resumeTsNs is the checkpoint's last event timestamp at resume time:
	// events before it are already reflected in the restored book and are
	// skipped. It is cleared by the first event at or after it.
	resumeTsNs uint64

	// pendingOut accumulates the output events produced by whichever
	// On* method model.Dispatch calls during the current Process call.
	pendingOut []model.UnifiedEvent
}

// New builds an Engine ready to receive its first event.
func New(cfg config.Config, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		cfg:           cfg,
		book:          orderbook.New(log),
		drift:         orderbook.NewDriftTracker(cfg.DriftRMSWarn, cfg.DriftAlertWindow, cfg.DriftAlertThreshold),
		log:           log,
		state:         StateUninitialized,
		pendingDeltas: orderbook.NewPendingBuffer(cfg.PendingDeltaCapacity),
		repairBuffer:  orderbook.NewPendingBuffer(cfg.MaxRepairEvents),
	}
}

// Resume rebuilds an Engine from checkpointed state, skipping directly to
// Running since the book is already bootstrapped (§4.9 recovery step 2).
// resumeWatermark is the sink's reloaded watermark, at or below which
// output events were already durably written by the crashed instance and
// must be suppressed on re-emission (§4.9 recovery step 3). Replayed events
// with an exchange timestamp before lastEventTsNs are skipped.
func Resume(cfg config.Config, log *slog.Logger, book *orderbook.Book, eventsProcessed uint64, lastEventTsNs uint64, resumeWatermark uint64) *Engine {
	e := New(cfg, log)
	e.book = book
	e.state = StateRunning
	e.eventsProcessed = eventsProcessed
	e.lastEventTsNs = lastEventTsNs
	e.resumeTsNs = lastEventTsNs
	e.resumeWatermark = resumeWatermark
	return e
}

// State reports the engine's current lifecycle state.
func (e *Engine) State() State { return e.state }

// EventsProcessed reports the running count used by the checkpoint trigger
// (§4.9) and worker heartbeat (§4.10).
func (e *Engine) EventsProcessed() uint64 { return e.eventsProcessed }

// LastEventTsNs reports the exchange timestamp of the most recently
// processed event, recorded into checkpoints (§4.9 CK1) and the worker
// heartbeat (§4.10).
func (e *Engine) LastEventTsNs() uint64 { return e.lastEventTsNs }

// Book exposes the live order book, read-only, for checkpointing and
// diagnostics.
func (e *Engine) Book() *orderbook.Book { return e.book }

// DriftAlertCount reports the sliding-window DriftAlert counter for the
// worker heartbeat (§4.10).
func (e *Engine) DriftAlertCount() int { return e.drift.AlertCount }

// Process feeds one merged event through the state machine and returns the
// unified output events it produces, in emission order. Most inputs
// produce exactly one output event; a successful gap repair can produce
// several (the resyncing snapshot followed by the replayed deltas).
// Dispatch is routed through model.Dispatch onto the Engine's own Visitor
// methods, which switch on the lifecycle state rather than the event type.
func (e *Engine) Process(ev model.Event) ([]model.UnifiedEvent, error) {
	if e.state == StateTerminated || e.state == StateDraining {
		return nil, fmt.Errorf("replay: Process called in terminal state %s", e.state)
	}
	if e.resumeTsNs > 0 {
		if ev.ExchangeTsNs < e.resumeTsNs {
			return nil, nil
		}
		e.resumeTsNs = 0
	}
	if err := e.checkOrdering(ev); err != nil {
		return nil, err
	}
	if e.state == StateUninitialized {
		e.state = StateBootstrapping
	}

	e.pendingOut = nil
	if err := model.Dispatch(ev, e); err != nil {
		return nil, err
	}
	out := e.pendingOut
	e.pendingOut = nil

	if e.resumeWatermark > 0 {
		kept := out[:0]
		for _, ue := range out {
			if ue.EventTsNs > e.resumeWatermark {
				kept = append(kept, ue)
			}
		}
		out = kept
	}

	e.eventsProcessed += uint64(len(out))
	return out, nil
}

func (e *Engine) checkOrdering(ev model.Event) error {
	if ev.ExchangeTsNs < e.lastEventTsNs {
		return fmt.Errorf("%w: merged stream regressed %d -> %d", model.ErrInputOutOfOrder, e.lastEventTsNs, ev.ExchangeTsNs)
	}
	e.lastEventTsNs = ev.ExchangeTsNs
	return nil
}

// OnTrade implements model.Visitor. During Bootstrapping, trades are
// buffered until the book has a first snapshot; once Running, each trade
// passes straight through to the output stream (§4.6).
func (e *Engine) OnTrade(t *model.Trade) error {
	switch e.state {
	case StateBootstrapping:
		if len(e.pendingTrades) >= e.cfg.QueueCapacity {
			return fmt.Errorf("%w: bootstrap trade queue exceeded capacity %d", model.ErrBootstrapOverflow, e.cfg.QueueCapacity)
		}
		e.pendingTrades = append(e.pendingTrades, t)
		return nil
	case StateRunning:
		e.pendingOut = append(e.pendingOut, tradeEvent(t))
		return nil
	default:
		return fmt.Errorf("replay: unreachable state %s", e.state)
	}
}

// OnBookDelta implements model.Visitor, buffering deltas until bootstrap
// during Bootstrapping and applying the Sequence Gap Policy (§4.7) once
// Running.
func (e *Engine) OnBookDelta(d *model.BookDelta) error {
	switch e.state {
	case StateBootstrapping:
		if e.pendingDeltas.Full() {
			return model.Wrap(model.ErrBootstrapOverflow, fmt.Sprintf("pending delta buffer at capacity %d", e.cfg.PendingDeltaCapacity))
		}
		if err := e.pendingDeltas.Push(d); err != nil {
			return model.Wrap(model.ErrBootstrapOverflow, err.Error())
		}
		return nil
	case StateRunning:
		out, err := e.applyRunningDelta(model.Event{Type: model.EventTypeDelta, ExchangeTsNs: d.ExchangeTsNs, Delta: d})
		if err != nil {
			return err
		}
		e.pendingOut = append(e.pendingOut, out...)
		return nil
	default:
		return fmt.Errorf("replay: unreachable state %s", e.state)
	}
}

// OnBookSnapshot implements model.Visitor: the first snapshot bootstraps
// the book (§4.6), every later one drives drift measurement and the
// hard-resync/gap-resolution paths.
func (e *Engine) OnBookSnapshot(snap *model.BookSnapshot) error {
	ev := model.Event{Type: model.EventTypeSnapshot, ExchangeTsNs: snap.ExchangeTsNs, Snapshot: snap}
	var out []model.UnifiedEvent
	var err error
	switch e.state {
	case StateBootstrapping:
		out, err = e.bootstrapFromSnapshot(ev)
	case StateRunning:
		out, err = e.applyRunningSnapshot(ev)
	default:
		return fmt.Errorf("replay: unreachable state %s", e.state)
	}
	if err != nil {
		return err
	}
	e.pendingOut = append(e.pendingOut, out...)
	return nil
}

// OnStreamEnd implements model.Visitor. The merged event stream never
// carries an explicit end-of-stream event -- the Symbol Worker detects
// exhaustion from the Merger's output channel closing and drives Draining
// itself via BeginDraining -- so this is unreachable in practice and exists
// only to satisfy the interface.
func (e *Engine) OnStreamEnd() error { return nil }

// bootstrapFromSnapshot applies the first snapshot, discards the buffered
// deltas it already supersedes, and replays whatever remains through the
// ordinary delta path (§4.6: "all buffered deltas D with D.final_update_id
// <= snapshot.last_update_id have been discarded AND the first delta D*
// satisfying I4 has been applied"). Each remaining delta goes through
// ApplyDelta, which applies it only when its first_update_id is exactly
// last_update_id+1; a delta straddling the seam (first_update_id <=
// last_update_id < final_update_id) is counted as a duplicate and not
// applied, and one starting past last_update_id+1 opens a gap. The engine
// moves to Running as soon as the snapshot lands, since bootstrapped() is
// now true and any subsequently replayed or newly arriving delta runs
// through the same Running-state logic.
func (e *Engine) bootstrapFromSnapshot(ev model.Event) ([]model.UnifiedEvent, error) {
	snap := ev.Snapshot
	if _, err := e.book.ApplySnapshot(snap); err != nil {
		return nil, err
	}

	out := []model.UnifiedEvent{snapshotEvent(ev, 0)}
	e.state = StateRunning

	e.pendingDeltas.DiscardFinalUpTo(snap.LastUpdateID)
	for _, d := range e.pendingDeltas.Drain() {
		emitted, err := e.applyRunningDelta(model.Event{Type: model.EventTypeDelta, ExchangeTsNs: d.ExchangeTsNs, Delta: d})
		if err != nil {
			return nil, err
		}
		out = append(out, emitted...)
	}

	trades := e.pendingTrades
	e.pendingTrades = nil
	for _, t := range trades {
		out = append(out, tradeEvent(t))
	}
	return out, nil
}

func (e *Engine) applyRunningDelta(ev model.Event) ([]model.UnifiedEvent, error) {
	d := ev.Delta
	res, err := e.book.ApplyDelta(d)
	if err != nil {
		return nil, err
	}
	switch res {
	case orderbook.GapNone:
		return []model.UnifiedEvent{deltaEvent(d)}, nil
	case orderbook.GapDuplicate:
		return nil, nil
	case orderbook.GapDetected:
		return e.handleGap(d)
	default:
		return nil, fmt.Errorf("replay: unrecognized gap result %d", res)
	}
}

// handleGap implements §4.7: a delta arrived with first_update_id >
// last_update_id+1. It opens (or extends) a forward-repair window by
// buffering deltas until either a resynchronizing snapshot arrives or the
// window's capacity is exhausted.
func (e *Engine) handleGap(d *model.BookDelta) ([]model.UnifiedEvent, error) {
	lastID, _ := e.book.LastUpdateID()
	if !e.gap.RepairWindowOpen {
		e.gap.BeginGap(lastID, d.FirstUpdateID, d.FinalUpdateID)
		e.log.Warn("GapDetected", "last_update_id", lastID, "first_update_id", d.FirstUpdateID, "final_update_id", d.FinalUpdateID)
	}
	if e.repairBuffer.Full() {
		// Window exhausted without repair; the delta itself is dropped,
		// the next snapshot performs an unconditional hard resync (§4.7
		// step 4, S4).
		e.gap.RepairFailed(e.repairBuffer.Len())
		e.repairBuffer.Drain()
		e.forceResyncPending = true
		return nil, nil
	}
	if err := e.repairBuffer.Push(d); err != nil {
		e.gap.RepairFailed(e.repairBuffer.Len())
		e.repairBuffer.Drain()
		e.forceResyncPending = true
		return nil, nil
	}
	return nil, nil
}

func (e *Engine) applyRunningSnapshot(ev model.Event) ([]model.UnifiedEvent, error) {
	snap := ev.Snapshot

	if e.gap.RepairWindowOpen {
		return e.resolveGapWithSnapshot(ev, snap)
	}

	obBids, obAsks := e.book.SnapshotView(e.cfg.SnapshotTopN)
	metrics := orderbook.Measure(obBids, obAsks, snap.Bids, snap.Asks, e.cfg.SnapshotTopN)
	_, alert := e.drift.Record(metrics)
	if alert {
		e.log.Warn("DriftAlert", "rms_qty_err", metrics.RMSQtyErr, "alert_count", e.drift.AlertCount)
	}
	lastID, _ := e.book.LastUpdateID()
	var drift int64
	if snap.LastUpdateID > lastID {
		drift = int64(snap.LastUpdateID - lastID)
	} else {
		drift = int64(lastID - snap.LastUpdateID)
	}

	hardReset := metrics.RMSQtyErr > e.cfg.DriftRMSHardReset || uint64(drift) > e.cfg.MaxDriftUpdates
	if hardReset || e.forceResyncPending {
		if err := e.book.ForceResync(snap); err != nil {
			return nil, err
		}
		reason := "drift"
		if e.forceResyncPending && !hardReset {
			reason = "unrepaired_gap"
		}
		e.forceResyncPending = false
		e.gap.RecordHardResync()
		e.log.Warn("HardResync", "reason", reason, "rms_qty_err", metrics.RMSQtyErr, "update_id_drift", drift)
		return []model.UnifiedEvent{snapshotEvent(ev, metrics.RMSQtyErr)}, nil
	}

	// SnapshotBehind (snap.last_update_id < last_update_id) is handled
	// inside ApplySnapshot itself: state is left untouched and only the
	// drift measurement above observes the snapshot.
	if _, err := e.book.ApplySnapshot(snap); err != nil {
		return nil, err
	}
	return []model.UnifiedEvent{snapshotEvent(ev, metrics.RMSQtyErr)}, nil
}

// resolveGapWithSnapshot implements §4.7 steps 3-4: either the arriving
// snapshot's last_update_id falls within the buffered repair window (S3,
// forward repair) or the window closes unrepaired and a hard resync is
// forced regardless of drift (S4).
func (e *Engine) resolveGapWithSnapshot(ev model.Event, snap *model.BookSnapshot) ([]model.UnifiedEvent, error) {
	bufferedDeltas := e.repairBuffer.Drain()
	withinWindow := false
	for _, d := range bufferedDeltas {
		if d.FirstUpdateID <= snap.LastUpdateID+1 && snap.LastUpdateID <= d.FinalUpdateID {
			withinWindow = true
			break
		}
	}

	obBids, obAsks := e.book.SnapshotView(e.cfg.SnapshotTopN)
	metrics := orderbook.Measure(obBids, obAsks, snap.Bids, snap.Asks, e.cfg.SnapshotTopN)
	e.drift.Record(metrics)

	if err := e.book.ForceResync(snap); err != nil {
		return nil, err
	}
	out := []model.UnifiedEvent{snapshotEvent(ev, metrics.RMSQtyErr)}

	if withinWindow {
		e.gap.RepairSucceeded()
		replay := orderbook.NewPendingBuffer(len(bufferedDeltas))
		for _, d := range bufferedDeltas {
			replay.Push(d)
		}
		replay.DiscardUpTo(snap.LastUpdateID)
		for _, d := range replay.Drain() {
			res, err := e.book.ApplyDelta(d)
			if err != nil {
				return nil, err
			}
			if res == orderbook.GapNone {
				out = append(out, deltaEvent(d))
			}
		}
		e.log.Info("GapRepaired", "final_update_id", snap.LastUpdateID)
	} else {
		e.gap.RepairFailed(len(bufferedDeltas))
		e.gap.RecordHardResync()
		e.log.Warn("GapUnrepaired", "discarded", len(bufferedDeltas))
	}
	return out, nil
}

// BeginDraining transitions Running -> Draining on input End (§4.6). The
// caller (Symbol Worker) is responsible for flushing CS and writing the
// terminal checkpoint afterward.
func (e *Engine) BeginDraining() {
	if e.state == StateRunning || e.state == StateBootstrapping {
		e.state = StateDraining
	}
}

// Terminate transitions Draining -> Terminated.
func (e *Engine) Terminate() {
	e.state = StateTerminated
}

func snapshotEvent(ev model.Event, driftRMS float64) model.UnifiedEvent {
	id := ev.Snapshot.LastUpdateID
	return model.UnifiedEvent{
		EventTsNs: ev.ExchangeTsNs,
		EventType: model.EventTypeSnapshot,
		UpdateID:  &id,
		Bids:      ev.Snapshot.Bids,
		Asks:      ev.Snapshot.Asks,
		DriftRMS:  &driftRMS,
	}
}

func deltaEvent(d *model.BookDelta) model.UnifiedEvent {
	id := d.FinalUpdateID
	return model.UnifiedEvent{
		EventTsNs: d.ExchangeTsNs,
		EventType: model.EventTypeDelta,
		UpdateID:  &id,
		Bids:      d.Bids,
		Asks:      d.Asks,
	}
}

func tradeEvent(t *model.Trade) model.UnifiedEvent {
	side := t.Side
	origin := t.OriginTsNs
	return model.UnifiedEvent{
		EventTsNs:  t.ExchangeTsNs,
		EventType:  model.EventTypeTrade,
		Price:      &t.Price,
		Quantity:   &t.Quantity,
		Side:       &side,
		OriginTsNs: &origin,
	}
}
