// Package merge implements the Event Merger (EM): a three-way min-heap
// merge of the trades, book_snapshots, and book_deltas streams into a
// single sequence non-decreasing in exchange_ts_ns, tie-broken by
// (type_rank, tiebreak_seq) so that Snapshot < Delta < Trade when
// timestamps collide.
package merge

import (
	"container/heap"
	"context"

	"github.com/quantreplay/reconcore/internal/model"
)

// Source is anything the merger can pull a monotone sequence of events
// from. Reader adapters (one per stream) implement this by decoding their
// next chunk and replaying it one record at a time.
type Source interface {
	// Next returns the next event in the source's own order, or ok=false
	// once the source is exhausted.
	Next(ctx context.Context) (model.Event, bool, error)
}

type heapItem struct {
	event    model.Event
	srcIndex int
}

type eventHeap []heapItem

func (h eventHeap) Len() int { return len(h) }
func (h eventHeap) Less(i, j int) bool {
	return h[i].event.Less(h[j].event)
}
func (h eventHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *eventHeap) Push(x any)   { *h = append(*h, x.(heapItem)) }
func (h *eventHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// Merger drives the k-way merge and pushes results into a bounded output
// queue. EM never modifies records (§4.3); it only reorders them.
type Merger struct {
	sources []Source
	h       eventHeap
	out     chan model.Event
}

// New builds a Merger over the given sources, with an output queue of the
// given capacity. When the queue is full, Run parks until space opens
// rather than dropping events (§4.3 backpressure).
func New(sources []Source, queueCapacity int) *Merger {
	return &Merger{
		sources: sources,
		out:     make(chan model.Event, queueCapacity),
	}
}

// Out returns the bounded output channel RE consumes from.
func (m *Merger) Out() <-chan model.Event { return m.out }

// Run drains all sources in merge order, sending each event to Out() in
// turn, and closes Out() when every source is exhausted or ctx is
// cancelled. Any source error aborts the merge and is returned.
func (m *Merger) Run(ctx context.Context) error {
	defer close(m.out)

	heap.Init(&m.h)
	for i, s := range m.sources {
		if err := m.pull(ctx, s, i); err != nil {
			return err
		}
	}

	for m.h.Len() > 0 {
		item := heap.Pop(&m.h).(heapItem)
		select {
		case m.out <- item.event:
		case <-ctx.Done():
			return ctx.Err()
		}
		if err := m.pull(ctx, m.sources[item.srcIndex], item.srcIndex); err != nil {
			return err
		}
	}
	return nil
}

// pull fetches the next event from source i, pushing it onto the heap if
// one was available.
func (m *Merger) pull(ctx context.Context, s Source, i int) error {
	ev, ok, err := s.Next(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	heap.Push(&m.h, heapItem{event: ev, srcIndex: i})
	return nil
}
