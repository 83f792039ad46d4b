package worker

import (
	"context"
	"errors"

	"github.com/quantreplay/reconcore/internal/model"
	"github.com/quantreplay/reconcore/internal/reader"
)

// chunkSource adapts a chunked reader.Reader into merge.Source's
// one-event-at-a-time contract, assigning each record a monotone
// TiebreakSeq as it is handed out (§4.3 tiebreak_seq == "originating
// reader's monotone record index").
type chunkSource struct {
	r          *reader.Reader
	streamType model.EventType
	maxRows    int

	chunk      reader.Chunk
	chunkStart reader.Position // r.Position() as of the start of chunk
	idx        int
	seq        uint64
}

func newChunkSource(r *reader.Reader, streamType model.EventType, maxRows int) *chunkSource {
	return &chunkSource{r: r, streamType: streamType, maxRows: maxRows, chunkStart: r.Position()}
}

// Next implements merge.Source.
func (s *chunkSource) Next(ctx context.Context) (model.Event, bool, error) {
	for s.idx >= s.chunk.Len() {
		chunk, err := s.r.NextChunk(ctx, s.maxRows)
		if err != nil {
			if errors.Is(err, reader.ErrEnd) {
				return model.Event{}, false, nil
			}
			return model.Event{}, false, err
		}
		// NextChunk may have moved on to the next file, so the chunk's start
		// is derived from the position after the read.
		after := s.r.Position()
		s.chunk = chunk
		s.chunkStart = reader.Position{File: after.File, RowOffset: after.RowOffset - int64(chunk.Len())}
		s.idx = 0
	}

	ev := s.eventAt(s.idx)
	s.idx++
	s.seq++
	return ev, true, nil
}

func (s *chunkSource) eventAt(i int) model.Event {
	switch s.streamType {
	case model.EventTypeTrade:
		t := s.chunk.Trades[i]
		return model.Event{Type: model.EventTypeTrade, ExchangeTsNs: t.ExchangeTsNs, TiebreakSeq: s.seq, Trade: &t}
	case model.EventTypeSnapshot:
		snap := s.chunk.Snapshots[i]
		return model.Event{Type: model.EventTypeSnapshot, ExchangeTsNs: snap.ExchangeTsNs, TiebreakSeq: s.seq, Snapshot: &snap}
	case model.EventTypeDelta:
		d := s.chunk.Deltas[i]
		return model.Event{Type: model.EventTypeDelta, ExchangeTsNs: d.ExchangeTsNs, TiebreakSeq: s.seq, Delta: &d}
	default:
		panic("worker: unreachable stream type")
	}
}

// Position reports the resume coordinates of the last row actually handed
// out by Next, not the reader's internal read-ahead position -- the
// underlying reader.Reader advances its own offset by a whole chunk as
// soon as it is fetched, which can run ahead of what the caller has
// consumed from that chunk so far (§4.9 CK1).
func (s *chunkSource) Position() reader.Position {
	return reader.Position{File: s.chunkStart.File, RowOffset: s.chunkStart.RowOffset + int64(s.idx)}
}

func (s *chunkSource) Close() error { return s.r.Close() }
