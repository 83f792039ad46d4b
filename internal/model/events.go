// Package model defines the closed set of record and event types that flow
// through the reconstruction pipeline (§3). Inputs arrive as heterogeneous
// records; rather than reaching for reflection or an ad-hoc dictionary in
// the hot path, they are modeled as a closed sum type with an exhaustive
// Visitor, the same shape dbn-go uses for its own record types
// (visitor.go's OnMbp0/OnOhlcv/... dispatch).
package model

import (
	"fmt"

	"github.com/quantreplay/reconcore/internal/fixedpoint"
)

// Side is the aggressor/level side of a trade or book level.
type Side uint8

const (
	SideUnspecified Side = iota
	SideBuy
	SideSell
)

func (s Side) String() string {
	switch s {
	case SideBuy:
		return "Buy"
	case SideSell:
		return "Sell"
	default:
		return "Unspecified"
	}
}

// EventType distinguishes the three logical input streams and carries the
// deterministic tie-break ranking used by the Event Merger (§4.3):
// Snapshot < Delta < Trade.
type EventType uint8

const (
	EventTypeSnapshot EventType = iota
	EventTypeDelta
	EventTypeTrade
)

// TypeRank returns the merge tie-break rank for t. Lower sorts first.
func (t EventType) TypeRank() int {
	switch t {
	case EventTypeSnapshot:
		return 0
	case EventTypeDelta:
		return 1
	case EventTypeTrade:
		return 2
	default:
		return 3
	}
}

func (t EventType) String() string {
	switch t {
	case EventTypeSnapshot:
		return "BookSnapshot"
	case EventTypeDelta:
		return "BookDelta"
	case EventTypeTrade:
		return "Trade"
	default:
		return "Unknown"
	}
}

// Level is a single (price, quantity) price-level pair.
type Level struct {
	Price    fixedpoint.Value
	Quantity fixedpoint.Value
}

// Trade is an input trade record (§3.2).
type Trade struct {
	ExchangeTsNs uint64
	OriginTsNs   uint64
	TradeID      uint64
	Price        fixedpoint.Value
	Quantity     fixedpoint.Value
	Side         Side
}

// BookSnapshot is an input top-N snapshot record (§3.2). Bids/Asks are
// sorted best-to-worst and bounded to N levels per side.
type BookSnapshot struct {
	ExchangeTsNs  uint64
	LastUpdateID  uint64
	Bids          []Level
	Asks          []Level
}

// BookDelta is an input differential update record (§3.2). A Quantity of
// zero means "remove this price level."
type BookDelta struct {
	ExchangeTsNs   uint64
	FirstUpdateID  uint64
	FinalUpdateID  uint64
	Bids           []Level
	Asks           []Level
}

// Event is the closed sum type consumed by the Event Merger and Replay
// Engine. Exactly one of Trade/Snapshot/Delta is populated, selected by
// Type. TiebreakSeq is the originating reader's monotone record index,
// preserving intra-stream order across merge ties (§4.3).
type Event struct {
	Type         EventType
	ExchangeTsNs uint64
	TiebreakSeq  uint64

	Trade    *Trade
	Snapshot *BookSnapshot
	Delta    *BookDelta
}

// Key returns the total merge order key (event_ts_ns, type_rank,
// tiebreak_seq) used to sort/compare events (§4.3, §8.1 P4).
func (e Event) Key() (uint64, int, uint64) {
	return e.ExchangeTsNs, e.Type.TypeRank(), e.TiebreakSeq
}

// Less reports whether e sorts strictly before o under the merge order.
func (e Event) Less(o Event) bool {
	ek1, ek2, ek3 := e.Key()
	ok1, ok2, ok3 := o.Key()
	if ek1 != ok1 {
		return ek1 < ok1
	}
	if ek2 != ok2 {
		return ek2 < ok2
	}
	return ek3 < ok3
}

func (e Event) String() string {
	return fmt.Sprintf("Event{%s ts=%d seq=%d}", e.Type, e.ExchangeTsNs, e.TiebreakSeq)
}

// Visitor is the exhaustive-match consumer interface for merged events,
// adapted from dbn-go's Visitor (visitor.go) onto this pipeline's closed
// Trade/Snapshot/Delta sum type instead of Databento's MBO/MBP/OHLCV wire
// schemas.
type Visitor interface {
	OnTrade(*Trade) error
	OnBookSnapshot(*BookSnapshot) error
	OnBookDelta(*BookDelta) error
	OnStreamEnd() error
}

// Dispatch routes e to the matching Visitor method, panicking on an
// unrecognized EventType since that indicates a construction bug rather
// than a data condition (the sum type is closed by construction).
func Dispatch(e Event, v Visitor) error {
	switch e.Type {
	case EventTypeTrade:
		return v.OnTrade(e.Trade)
	case EventTypeSnapshot:
		return v.OnBookSnapshot(e.Snapshot)
	case EventTypeDelta:
		return v.OnBookDelta(e.Delta)
	default:
		panic(fmt.Sprintf("model: unrecognized EventType %d", e.Type))
	}
}

// UnifiedEvent is the output record emitted by the Replay Engine (§3.4).
type UnifiedEvent struct {
	EventTsNs   uint64
	EventType   EventType
	UpdateID    *uint64
	Price       *fixedpoint.Value
	Quantity    *fixedpoint.Value
	Side        *Side
	Bids        []Level
	Asks        []Level
	DriftRMS    *float64
	OriginTsNs  *uint64
}
