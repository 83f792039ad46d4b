package replay

import (
	"fmt"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/quantreplay/reconcore/internal/config"
	"github.com/quantreplay/reconcore/internal/model"
	"github.com/quantreplay/reconcore/internal/orderbook"
)

func TestScenarios(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "replay end-to-end scenarios")
}

// render flattens a UnifiedEvent into a comparable string so two slices can
// be compared with Equal without fighting pointer identity on the optional
// fields.
func render(ue model.UnifiedEvent) string {
	updateID := "-"
	if ue.UpdateID != nil {
		updateID = fmt.Sprintf("%d", *ue.UpdateID)
	}
	price := "-"
	if ue.Price != nil {
		price = ue.Price.String()
	}
	qty := "-"
	if ue.Quantity != nil {
		qty = ue.Quantity.String()
	}
	side := "-"
	if ue.Side != nil {
		side = ue.Side.String()
	}
	drift := "-"
	if ue.DriftRMS != nil {
		drift = fmt.Sprintf("%.6f", *ue.DriftRMS)
	}
	return fmt.Sprintf("%s ts=%d update_id=%s price=%s qty=%s side=%s drift=%s",
		ue.EventType, ue.EventTsNs, updateID, price, qty, side, drift)
}

func renderAll(ues []model.UnifiedEvent) []string {
	out := make([]string, len(ues))
	for i, ue := range ues {
		out[i] = render(ue)
	}
	return out
}

var _ = Describe("S1 bootstrap then advance", func() {
	It("emits the snapshot, delta, and trade in arrival order with a zero bootstrap drift", func() {
		e := New(config.Defaults(), nil)

		out, err := e.Process(model.Event{
			Type:         model.EventTypeSnapshot,
			ExchangeTsNs: 1000,
			Snapshot: &model.BookSnapshot{
				ExchangeTsNs: 1000,
				LastUpdateID: 100,
				Bids:         []model.Level{lvl(100_00000000, 1_00000000)},
				Asks:         []model.Level{lvl(100_10000000, 2_00000000)},
			},
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(out).To(HaveLen(1))
		Expect(*out[0].DriftRMS).To(BeNumerically("==", 0.0))

		out, err = e.Process(model.Event{
			Type:         model.EventTypeDelta,
			ExchangeTsNs: 1100,
			Delta: &model.BookDelta{
				ExchangeTsNs:  1100,
				FirstUpdateID: 101,
				FinalUpdateID: 101,
				Asks:          []model.Level{lvl(100_10000000, 1_50000000)},
			},
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(out).To(HaveLen(1))
		Expect(*out[0].UpdateID).To(BeEquivalentTo(101))

		out, err = e.Process(model.Event{
			Type:         model.EventTypeTrade,
			ExchangeTsNs: 1200,
			Trade: &model.Trade{
				ExchangeTsNs: 1200,
				TradeID:      1,
				Price:        fp(100_10000000),
				Quantity:     fp(0_50000000),
				Side:         model.SideBuy,
			},
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(out).To(HaveLen(1))
		Expect(out[0].EventType).To(Equal(model.EventTypeTrade))

		id, _ := e.Book().LastUpdateID()
		Expect(id).To(BeEquivalentTo(101))
	})
})

var _ = Describe("S2 tie-break at identical timestamp", func() {
	It("orders snapshot before delta before trade when exchange_ts_ns ties", func() {
		e := New(config.Defaults(), nil)
		var merged []model.UnifiedEvent

		events := []model.Event{
			{Type: model.EventTypeSnapshot, ExchangeTsNs: 2000, TiebreakSeq: 0, Snapshot: &model.BookSnapshot{ExchangeTsNs: 2000, LastUpdateID: 200}},
			{Type: model.EventTypeDelta, ExchangeTsNs: 2000, TiebreakSeq: 0, Delta: &model.BookDelta{ExchangeTsNs: 2000, FirstUpdateID: 201, FinalUpdateID: 201}},
			{Type: model.EventTypeTrade, ExchangeTsNs: 2000, TiebreakSeq: 0, Trade: &model.Trade{ExchangeTsNs: 2000, TradeID: 2}},
		}
		// The Event Merger, not the Engine, is responsible for ordering ties
		// by type_rank before events ever reach Process; sort the fixture
		// the same way merge.Merger's heap would before feeding the Engine.
		ordered := make([]model.Event, len(events))
		copy(ordered, events)
		for i := 0; i < len(ordered); i++ {
			for j := i + 1; j < len(ordered); j++ {
				if ordered[j].Less(ordered[i]) {
					ordered[i], ordered[j] = ordered[j], ordered[i]
				}
			}
		}

		for _, ev := range ordered {
			out, err := e.Process(ev)
			Expect(err).NotTo(HaveOccurred())
			merged = append(merged, out...)
		}

		Expect(merged).To(HaveLen(3))
		Expect(merged[0].EventType).To(Equal(model.EventTypeSnapshot))
		Expect(merged[1].EventType).To(Equal(model.EventTypeDelta))
		Expect(merged[2].EventType).To(Equal(model.EventTypeTrade))
	})
})

var _ = Describe("S3 gap forward-repaired by snapshot", func() {
	It("discards the buffered gapped delta and resyncs from the repairing snapshot with no replayed delta", func() {
		e := New(config.Defaults(), nil)
		_, err := e.Process(model.Event{Type: model.EventTypeSnapshot, ExchangeTsNs: 0, Snapshot: &model.BookSnapshot{LastUpdateID: 300}})
		Expect(err).NotTo(HaveOccurred())

		out, err := e.Process(model.Event{
			Type:         model.EventTypeDelta,
			ExchangeTsNs: 3000,
			Delta:        &model.BookDelta{ExchangeTsNs: 3000, FirstUpdateID: 305, FinalUpdateID: 306},
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(out).To(BeEmpty())
		Expect(e.gap.GapCount).To(BeEquivalentTo(1))

		out, err = e.Process(model.Event{
			Type:         model.EventTypeSnapshot,
			ExchangeTsNs: 3100,
			Snapshot:     &model.BookSnapshot{ExchangeTsNs: 3100, LastUpdateID: 306},
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(out).To(HaveLen(1))
		Expect(out[0].EventType).To(Equal(model.EventTypeSnapshot))

		id, _ := e.Book().LastUpdateID()
		Expect(id).To(BeEquivalentTo(306))
		Expect(e.gap.RepairWindowOpen).To(BeFalse())
	})
})

var _ = Describe("S4 unrepairable gap triggers hard resync", func() {
	It("forces an unconditional resync on the next snapshot once the repair window overflows", func() {
		cfg := config.Defaults()
		cfg.MaxRepairEvents = 2
		e := New(cfg, nil)
		_, err := e.Process(model.Event{Type: model.EventTypeSnapshot, Snapshot: &model.BookSnapshot{LastUpdateID: 300}})
		Expect(err).NotTo(HaveOccurred())

		for i, ids := range [][2]uint64{{305, 306}, {307, 308}, {309, 310}} {
			_, err := e.Process(model.Event{
				Type:         model.EventTypeDelta,
				ExchangeTsNs: uint64(i + 1),
				Delta:        &model.BookDelta{FirstUpdateID: ids[0], FinalUpdateID: ids[1]},
			})
			Expect(err).NotTo(HaveOccurred())
		}
		Expect(e.gap.UnrepairedCount).To(BeEquivalentTo(1))

		out, err := e.Process(model.Event{
			Type:         model.EventTypeSnapshot,
			ExchangeTsNs: 100,
			Snapshot:     &model.BookSnapshot{ExchangeTsNs: 100, LastUpdateID: 500},
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(out).To(HaveLen(1))
		Expect(out[0].EventType).To(Equal(model.EventTypeSnapshot))

		id, _ := e.Book().LastUpdateID()
		Expect(id).To(BeEquivalentTo(500))
	})
})

var _ = Describe("S5 crash and resume", func() {
	It("produces, after dedup-by-watermark, the same union of events as a single uninterrupted run", func() {
		events := []model.Event{
			{Type: model.EventTypeSnapshot, ExchangeTsNs: 1000, Snapshot: &model.BookSnapshot{ExchangeTsNs: 1000, LastUpdateID: 100, Bids: []model.Level{lvl(100_00000000, 1_00000000)}}},
			{Type: model.EventTypeDelta, ExchangeTsNs: 1100, Delta: &model.BookDelta{ExchangeTsNs: 1100, FirstUpdateID: 101, FinalUpdateID: 101, Bids: []model.Level{lvl(100_00000000, 2_00000000)}}},
			{Type: model.EventTypeTrade, ExchangeTsNs: 1200, Trade: &model.Trade{ExchangeTsNs: 1200, TradeID: 1, Price: fp(100_00000000), Quantity: fp(1_00000000), Side: model.SideBuy}},
			{Type: model.EventTypeDelta, ExchangeTsNs: 1300, Delta: &model.BookDelta{ExchangeTsNs: 1300, FirstUpdateID: 102, FinalUpdateID: 102, Bids: []model.Level{lvl(100_00000000, 3_00000000)}}},
			{Type: model.EventTypeTrade, ExchangeTsNs: 1400, Trade: &model.Trade{ExchangeTsNs: 1400, TradeID: 2, Price: fp(100_00000000), Quantity: fp(1_00000000), Side: model.SideSell}},
		}

		// Single uninterrupted run.
		continuous := New(config.Defaults(), nil)
		var wantOut []model.UnifiedEvent
		for _, ev := range events {
			out, err := continuous.Process(ev)
			Expect(err).NotTo(HaveOccurred())
			wantOut = append(wantOut, out...)
		}

		// Crash partway through: run the first three events, snapshot what a
		// checkpoint would capture (the already-durable watermark is
		// whatever was emitted so far, mirroring FlushAll running ahead of
		// the Checkpointer's Mark), then resume and replay every event from
		// the beginning -- exactly what re-opening a reader at an
		// already-durable position plus the CK1 skip achieves in the worker.
		before := New(config.Defaults(), nil)
		var preCrashOut []model.UnifiedEvent
		for _, ev := range events[:3] {
			out, err := before.Process(ev)
			Expect(err).NotTo(HaveOccurred())
			preCrashOut = append(preCrashOut, out...)
		}
		var watermark uint64
		for _, ue := range preCrashOut {
			if ue.EventTsNs > watermark {
				watermark = ue.EventTsNs
			}
		}

		snap := before.Book().Clone()
		snapLastID, _ := snap.LastUpdateID()
		bookCopy := orderbook.Restore(nil, snapLastID, snap.Levels(true), snap.Levels(false))
		resumed := Resume(config.Defaults(), nil, bookCopy, before.EventsProcessed(), before.LastEventTsNs(), watermark)
		var postResumeOut []model.UnifiedEvent
		for _, ev := range events {
			out, err := resumed.Process(ev)
			Expect(err).NotTo(HaveOccurred())
			postResumeOut = append(postResumeOut, out...)
		}

		gotOut := append(append([]model.UnifiedEvent{}, preCrashOut...), postResumeOut...)
		Expect(renderAll(gotOut)).To(Equal(renderAll(wantOut)))
	})
})

var _ = Describe("S6 drift threshold alert", func() {
	It("raises DriftAlert and forces a hard resync once rms_qty_err clears the hard-reset threshold", func() {
		cfg := config.Defaults()
		cfg.DriftRMSHardReset = 0.05
		cfg.DriftAlertThreshold = 0 // a single warn violation in the window raises DriftAlert
		e := New(cfg, nil)
		_, err := e.Process(model.Event{
			Type: model.EventTypeSnapshot,
			Snapshot: &model.BookSnapshot{
				LastUpdateID: 100,
				Bids:         []model.Level{lvl(100_00000000, 1_00000000)},
			},
		})
		Expect(err).NotTo(HaveOccurred())

		out, err := e.Process(model.Event{
			Type:         model.EventTypeSnapshot,
			ExchangeTsNs: 10,
			Snapshot: &model.BookSnapshot{
				ExchangeTsNs: 10,
				LastUpdateID: 100,
				Bids:         []model.Level{lvl(100_00000000, 999_00000000)},
			},
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(*out[0].DriftRMS).To(BeNumerically(">", cfg.DriftRMSHardReset))
		Expect(e.drift.AlertCount).To(BeNumerically(">=", 1))

		bp, bq, _ := e.Book().BestBid()
		Expect(bp).To(Equal(fp(100_00000000)))
		Expect(bq).To(Equal(fp(999_00000000)))
	})
})

type boundaryCase struct {
	name string
	run  func()
}

var _ = DescribeTable("boundary behavior (§8.3)",
	func(tc boundaryCase) { tc.run() },

	Entry("B1 bootstrap seam delta transitions to Running without error", boundaryCase{
		run: func() {
			e := New(config.Defaults(), nil)
			_, err := e.Process(model.Event{Type: model.EventTypeSnapshot, Snapshot: &model.BookSnapshot{LastUpdateID: 100}})
			Expect(err).NotTo(HaveOccurred())
			_, err = e.Process(model.Event{Type: model.EventTypeDelta, ExchangeTsNs: 1, Delta: &model.BookDelta{FirstUpdateID: 101, FinalUpdateID: 101}})
			Expect(err).NotTo(HaveOccurred())
			Expect(e.State()).To(Equal(StateRunning))
		},
	}),

	Entry("B2 a delta at or behind last_update_id is silently ignored and counted", boundaryCase{
		run: func() {
			e := New(config.Defaults(), nil)
			_, _ = e.Process(model.Event{Type: model.EventTypeSnapshot, Snapshot: &model.BookSnapshot{LastUpdateID: 100}})
			_, _ = e.Process(model.Event{Type: model.EventTypeDelta, ExchangeTsNs: 1, Delta: &model.BookDelta{FirstUpdateID: 101, FinalUpdateID: 101}})

			out, err := e.Process(model.Event{Type: model.EventTypeDelta, ExchangeTsNs: 2, Delta: &model.BookDelta{FirstUpdateID: 100, FinalUpdateID: 101}})
			Expect(err).NotTo(HaveOccurred())
			Expect(out).To(BeEmpty())
			Expect(e.Book().DuplicateDeltaCount).To(BeEquivalentTo(1))
		},
	}),

	Entry("B3 a gapped delta never advances last_update_id without repair or resync", boundaryCase{
		run: func() {
			e := New(config.Defaults(), nil)
			_, _ = e.Process(model.Event{Type: model.EventTypeSnapshot, Snapshot: &model.BookSnapshot{LastUpdateID: 300}})
			out, err := e.Process(model.Event{Type: model.EventTypeDelta, ExchangeTsNs: 1, Delta: &model.BookDelta{FirstUpdateID: 305, FinalUpdateID: 306}})
			Expect(err).NotTo(HaveOccurred())
			Expect(out).To(BeEmpty())

			id, _ := e.Book().LastUpdateID()
			Expect(id).To(BeEquivalentTo(300))
		},
	}),

	Entry("B4 a checkpoint taken before vs. after a batch flush differs only in watermark, never in OB state", boundaryCase{
		run: func() {
			cfg := config.Defaults()
			a := New(cfg, nil)
			b := New(cfg, nil)

			ev := model.Event{
				Type:         model.EventTypeSnapshot,
				ExchangeTsNs: 1,
				Snapshot:     &model.BookSnapshot{ExchangeTsNs: 1, LastUpdateID: 9, Bids: []model.Level{lvl(1_00000000, 1_00000000)}},
			}
			_, err := a.Process(ev)
			Expect(err).NotTo(HaveOccurred())
			_, err = b.Process(ev)
			Expect(err).NotTo(HaveOccurred())

			// a's Mark is captured "before the flush" (sink watermark behind
			// the reader); b's is captured "after the flush" (sink
			// watermark caught up). Neither possibility touches OB state --
			// only the watermark each Checkpointer.Write call would record
			// differs.
			markA := checkpointMark(a, 0, cfg.SnapshotTopN)
			markB := checkpointMark(b, ev.ExchangeTsNs, cfg.SnapshotTopN)
			Expect(markA.bids).To(Equal(markB.bids))
			Expect(markA.asks).To(Equal(markB.asks))
			Expect(markA.lastUpdateID).To(Equal(markB.lastUpdateID))
			Expect(markA.watermark).NotTo(Equal(markB.watermark))
		},
	}),
)

type fakeMark struct {
	bids, asks   []model.Level
	lastUpdateID uint64
	watermark    uint64
}

func checkpointMark(e *Engine, watermark uint64, topN int) fakeMark {
	id, _ := e.Book().LastUpdateID()
	bids, asks := e.Book().SnapshotView(topN)
	return fakeMark{bids: bids, asks: asks, lastUpdateID: id, watermark: watermark}
}
