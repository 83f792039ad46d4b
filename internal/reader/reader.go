// Package reader implements the lazy, chunked Input Readers (IR) over
// columnar files for the three logical input streams: trades,
// book_snapshots, and book_deltas. Each stream is exposed as a
// restartable, forward-only, chunked iterator ordered by exchange_ts_ns
// ascending.
//
// Decoding goes through DuckDB's read_parquet() table function via
// database/sql, the same sql.Open("duckdb", "") + hardened SET statements
// pattern internal/mcp_data/cache.go used for its query cache, adapted here
// from an ad-hoc CSV-export query surface into an ordered, offset-paginated
// cursor over a fixed schema.
package reader

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"

	_ "github.com/duckdb/duckdb-go/v2"

	"github.com/quantreplay/reconcore/internal/fixedpoint"
	"github.com/quantreplay/reconcore/internal/model"
)

// Position identifies a reader's resume point: the currently open file of
// the lexicographically ordered file list and the number of rows already
// consumed from that file (§4.2, §4.9 recovery step 3).
type Position struct {
	File       string
	RowOffset  int64
}

// ErrEnd is returned by NextChunk when the stream is exhausted.
var ErrEnd = fmt.Errorf("reader: end of stream")

// kind distinguishes which of the three fixed schemas a Reader decodes.
type kind int

const (
	kindTrade kind = iota
	kindSnapshot
	kindDelta
)

// Reader is a forward-only, chunked cursor over one symbol's worth of a
// single input stream, backed by one or more parquet-like files discovered
// under root in lexicographic order (§4.2).
type Reader struct {
	db    *sql.DB
	kind  kind
	log   *slog.Logger

	files   []string
	fileIdx int
	rowOff  int64 // rows consumed from the current file

	lastTsNs uint64
	seenAny  bool
}

// Open globs root for input files belonging to a single logical stream and
// positions the cursor at the given resume offset (file, rowOffset), per
// the open(path, offset) contract in §4.2. An empty resumeFile starts from
// the beginning of the lexicographic file list.
func Open(log *slog.Logger, root string, streamKind string, resumeFile string, resumeRowOffset int64) (*Reader, error) {
	k, err := parseKind(streamKind)
	if err != nil {
		return nil, err
	}

	matches, err := filepath.Glob(filepath.Join(root, "*.parquet"))
	if err != nil {
		return nil, fmt.Errorf("reader: glob %s: %w", root, err)
	}
	if len(matches) == 0 {
		return nil, fmt.Errorf("reader: %w: no input files under %s", model.ErrSchemaMismatch, root)
	}
	sort.Strings(matches)

	db, err := sql.Open("duckdb", "")
	if err != nil {
		return nil, fmt.Errorf("reader: open duckdb: %w", err)
	}
	for _, stmt := range []string{
		"SET autoinstall_known_extensions = false",
		"SET autoload_known_extensions = false",
		"SET allow_community_extensions = false",
		"SET disabled_filesystems = 'HTTPFileSystem'",
		"SET lock_configuration = true",
	} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("reader: configure duckdb (%s): %w", stmt, err)
		}
	}

	r := &Reader{db: db, kind: k, log: log, files: matches}
	if resumeFile != "" {
		idx := sort.SearchStrings(r.files, resumeFile)
		if idx >= len(r.files) || r.files[idx] != resumeFile {
			db.Close()
			return nil, fmt.Errorf("reader: resume file %q not found under %s", resumeFile, root)
		}
		r.fileIdx = idx
		r.rowOff = resumeRowOffset
	}
	return r, nil
}

func parseKind(s string) (kind, error) {
	switch s {
	case "trades":
		return kindTrade, nil
	case "book_snapshots":
		return kindSnapshot, nil
	case "book_deltas":
		return kindDelta, nil
	default:
		return 0, fmt.Errorf("reader: unknown stream kind %q", s)
	}
}

// Close releases the underlying DuckDB connection.
func (r *Reader) Close() error {
	if r.db == nil {
		return nil
	}
	return r.db.Close()
}

// Position reports the reader's current resume coordinates (§4.2, §4.9).
func (r *Reader) Position() Position {
	if r.fileIdx >= len(r.files) {
		return Position{RowOffset: r.rowOff}
	}
	return Position{File: r.files[r.fileIdx], RowOffset: r.rowOff}
}

// Chunk is a batch of decoded rows from exactly one of the three schemas,
// in arrival order. Exactly one field slice is non-nil depending on the
// reader's kind.
type Chunk struct {
	Trades    []model.Trade
	Snapshots []model.BookSnapshot
	Deltas    []model.BookDelta
}

func (c Chunk) Len() int {
	return len(c.Trades) + len(c.Snapshots) + len(c.Deltas)
}

// NextChunk pulls up to maxRows rows from the current position, advancing
// across file boundaries transparently. Returns ErrEnd once every file has
// been exhausted.
func (r *Reader) NextChunk(ctx context.Context, maxRows int) (Chunk, error) {
	for r.fileIdx < len(r.files) {
		chunk, consumed, err := r.readFrom(ctx, r.files[r.fileIdx], r.rowOff, maxRows)
		if err != nil {
			return Chunk{}, err
		}
		if consumed == 0 {
			// current file exhausted; advance and reset row offset
			r.fileIdx++
			r.rowOff = 0
			continue
		}
		r.rowOff += int64(consumed)
		return chunk, nil
	}
	return Chunk{}, ErrEnd
}

func (r *Reader) readFrom(ctx context.Context, file string, offset int64, maxRows int) (Chunk, int, error) {
	switch r.kind {
	case kindTrade:
		return r.readTrades(ctx, file, offset, maxRows)
	case kindSnapshot:
		return r.readSnapshots(ctx, file, offset, maxRows)
	case kindDelta:
		return r.readDeltas(ctx, file, offset, maxRows)
	default:
		return Chunk{}, 0, fmt.Errorf("reader: unreachable kind %d", r.kind)
	}
}

func (r *Reader) readTrades(ctx context.Context, file string, offset int64, maxRows int) (Chunk, int, error) {
	q := fmt.Sprintf(
		`SELECT exchange_ts_ns, origin_ts_ns, trade_id, price, quantity, side
		 FROM read_parquet(%s) ORDER BY exchange_ts_ns, trade_id LIMIT %d OFFSET %d`,
		sqlLiteral(file), maxRows, offset,
	)
	rows, err := r.db.QueryContext(ctx, q)
	if err != nil {
		return Chunk{}, 0, fmt.Errorf("%w: %s: %v", model.ErrIO, file, err)
	}
	defer rows.Close()

	var out []model.Trade
	for rows.Next() {
		var exTs, origTs, tradeID int64
		var priceStr, qtyStr, sideStr string
		if err := rows.Scan(&exTs, &origTs, &tradeID, &priceStr, &qtyStr, &sideStr); err != nil {
			return Chunk{}, 0, fmt.Errorf("%w: trades %s: %v", model.ErrDecode, file, err)
		}
		price, err := fixedpoint.ParseDecimalString(priceStr)
		if err != nil {
			return Chunk{}, 0, err
		}
		qty, err := fixedpoint.ParseDecimalString(qtyStr)
		if err != nil {
			return Chunk{}, 0, err
		}
		if err := r.checkMonotone(uint64(exTs)); err != nil {
			return Chunk{}, 0, err
		}
		out = append(out, model.Trade{
			ExchangeTsNs: uint64(exTs),
			OriginTsNs:   uint64(origTs),
			TradeID:      uint64(tradeID),
			Price:        price,
			Quantity:     qty,
			Side:         parseSide(sideStr),
		})
	}
	if err := rows.Err(); err != nil {
		return Chunk{}, 0, fmt.Errorf("%w: %s: %v", model.ErrDecode, file, err)
	}
	return Chunk{Trades: out}, len(out), nil
}

func (r *Reader) readSnapshots(ctx context.Context, file string, offset int64, maxRows int) (Chunk, int, error) {
	q := fmt.Sprintf(
		`SELECT exchange_ts_ns, last_update_id, bid_prices, bid_quantities, ask_prices, ask_quantities
		 FROM read_parquet(%s) ORDER BY exchange_ts_ns, last_update_id LIMIT %d OFFSET %d`,
		sqlLiteral(file), maxRows, offset,
	)
	rows, err := r.db.QueryContext(ctx, q)
	if err != nil {
		return Chunk{}, 0, fmt.Errorf("%w: %s: %v", model.ErrIO, file, err)
	}
	defer rows.Close()

	var out []model.BookSnapshot
	for rows.Next() {
		var exTs, lastID int64
		var bidPrices, bidQtys, askPrices, askQtys []any
		if err := rows.Scan(&exTs, &lastID, &bidPrices, &bidQtys, &askPrices, &askQtys); err != nil {
			return Chunk{}, 0, fmt.Errorf("%w: snapshots %s: %v", model.ErrDecode, file, err)
		}
		bids, err := decodeLevels(bidPrices, bidQtys)
		if err != nil {
			return Chunk{}, 0, err
		}
		asks, err := decodeLevels(askPrices, askQtys)
		if err != nil {
			return Chunk{}, 0, err
		}
		if err := r.checkMonotone(uint64(exTs)); err != nil {
			return Chunk{}, 0, err
		}
		out = append(out, model.BookSnapshot{
			ExchangeTsNs: uint64(exTs),
			LastUpdateID: uint64(lastID),
			Bids:         bids,
			Asks:         asks,
		})
	}
	if err := rows.Err(); err != nil {
		return Chunk{}, 0, fmt.Errorf("%w: %s: %v", model.ErrDecode, file, err)
	}
	return Chunk{Snapshots: out}, len(out), nil
}

func (r *Reader) readDeltas(ctx context.Context, file string, offset int64, maxRows int) (Chunk, int, error) {
	q := fmt.Sprintf(
		`SELECT exchange_ts_ns, first_update_id, final_update_id, bid_prices, bid_quantities, ask_prices, ask_quantities
		 FROM read_parquet(%s) ORDER BY exchange_ts_ns, first_update_id LIMIT %d OFFSET %d`,
		sqlLiteral(file), maxRows, offset,
	)
	rows, err := r.db.QueryContext(ctx, q)
	if err != nil {
		return Chunk{}, 0, fmt.Errorf("%w: %s: %v", model.ErrIO, file, err)
	}
	defer rows.Close()

	var out []model.BookDelta
	for rows.Next() {
		var exTs, firstID, finalID int64
		var bidPrices, bidQtys, askPrices, askQtys []any
		if err := rows.Scan(&exTs, &firstID, &finalID, &bidPrices, &bidQtys, &askPrices, &askQtys); err != nil {
			return Chunk{}, 0, fmt.Errorf("%w: deltas %s: %v", model.ErrDecode, file, err)
		}
		bids, err := decodeLevels(bidPrices, bidQtys)
		if err != nil {
			return Chunk{}, 0, err
		}
		asks, err := decodeLevels(askPrices, askQtys)
		if err != nil {
			return Chunk{}, 0, err
		}
		if err := r.checkMonotone(uint64(exTs)); err != nil {
			return Chunk{}, 0, err
		}
		out = append(out, model.BookDelta{
			ExchangeTsNs:  uint64(exTs),
			FirstUpdateID: uint64(firstID),
			FinalUpdateID: uint64(finalID),
			Bids:          bids,
			Asks:          asks,
		})
	}
	if err := rows.Err(); err != nil {
		return Chunk{}, 0, fmt.Errorf("%w: %s: %v", model.ErrDecode, file, err)
	}
	return Chunk{Deltas: out}, len(out), nil
}

// checkMonotone enforces the §4.2 ordering guarantee: exchange_ts_ns is
// strictly non-decreasing both within a file and across the file boundary.
func (r *Reader) checkMonotone(tsNs uint64) error {
	if r.seenAny && tsNs < r.lastTsNs {
		return fmt.Errorf("%w: exchange_ts_ns regressed %d -> %d", model.ErrInputOutOfOrder, r.lastTsNs, tsNs)
	}
	r.lastTsNs = tsNs
	r.seenAny = true
	return nil
}

func decodeLevels(prices, qtys []any) ([]model.Level, error) {
	if len(prices) != len(qtys) {
		return nil, fmt.Errorf("%w: mismatched price/quantity array lengths %d/%d", model.ErrSchemaMismatch, len(prices), len(qtys))
	}
	out := make([]model.Level, 0, len(prices))
	for i := range prices {
		ps, ok := prices[i].(string)
		if !ok {
			return nil, fmt.Errorf("%w: level price element is not a string", model.ErrDecode)
		}
		qs, ok := qtys[i].(string)
		if !ok {
			return nil, fmt.Errorf("%w: level quantity element is not a string", model.ErrDecode)
		}
		p, err := fixedpoint.ParseDecimalString(ps)
		if err != nil {
			return nil, err
		}
		q, err := fixedpoint.ParseDecimalString(qs)
		if err != nil {
			return nil, err
		}
		out = append(out, model.Level{Price: p, Quantity: q})
	}
	return out, nil
}

func parseSide(s string) model.Side {
	switch s {
	case "buy", "Buy", "B":
		return model.SideBuy
	case "sell", "Sell", "S":
		return model.SideSell
	default:
		return model.SideUnspecified
	}
}

func sqlLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
