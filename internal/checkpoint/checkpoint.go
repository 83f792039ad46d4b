// Package checkpoint implements the Checkpointer (CP, §4.9): periodic,
// bounded-latency snapshots of a worker's pipeline position and order book
// state, written so a crashed worker can resume without replaying its
// entire input history.
//
// The on-disk framing -- a zstd-compressed payload written to a temp file,
// fsynced, then renamed into place -- is adapted from compressed_io.go's
// MakeCompressedWriter/MakeCompressedReader pair; the payload itself is
// JSON via github.com/segmentio/encoding/json rather than the columnar
// dataset format §4.9 gestures at, since a checkpoint's book-state-plus-
// reader-positions record has no natural columnar shape and nothing in the
// retrieved corpus builds single-record columnar files.
package checkpoint

import (
	"crypto/sha256"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/segmentio/encoding/json"

	"github.com/quantreplay/reconcore/internal/model"
	"github.com/quantreplay/reconcore/internal/orderbook"
)

// FormatVersion is bumped whenever the Record encoding changes in a way
// that breaks backward compatibility (CK3).
const FormatVersion = 1

// ReaderPosition is the resume point for one of the three input streams
// (§4.2 position, §4.9 step 1(b)).
type ReaderPosition struct {
	Stream    string `json:"stream"`
	File      string `json:"file"`
	RowOffset int64  `json:"row_offset"`
}

// Record is the full serialized checkpoint payload (§4.9 step 1 and 3).
type Record struct {
	FormatVersion   int              `json:"format_version"`
	Symbol          string           `json:"symbol"`
	LastUpdateID    uint64           `json:"last_update_id"`
	HasUpdateID     bool             `json:"has_update_id"`
	Bids            []model.Level    `json:"bids"`
	Asks            []model.Level    `json:"asks"`
	EventsProcessed uint64           `json:"events_processed"`
	LastEventTsNs   uint64           `json:"last_event_ts_ns"`
	ReaderPositions []ReaderPosition `json:"reader_positions"`
	SinkWatermark   uint64           `json:"sink_watermark"`
	CreatedTsNs     uint64           `json:"created_ts_ns"`
}

// Mark is what the Replay Engine publishes when asked to enter the brief
// "mark" state (§4.9 step 1); the Checkpointer turns it into a Record plus
// a Book clone it owns exclusively from that point on.
type Mark struct {
	Symbol          string
	LastUpdateID    uint64
	HasUpdateID     bool
	Book            *orderbook.Snapshot
	EventsProcessed uint64
	LastEventTsNs   uint64
	ReaderPositions []ReaderPosition
	SinkWatermark   uint64
}

// manifestEntry records one committed checkpoint file for recovery lookup.
type manifestEntry struct {
	File        string `json:"file"`
	SHA256      string `json:"sha256"`
	CreatedTsNs uint64 `json:"created_ts_ns"`
}

// Checkpointer owns the checkpoints/<symbol>/ directory: writing new
// checkpoint files and locating the latest verifiable one on recovery.
type Checkpointer struct {
	dir string
	log *slog.Logger
	seq uint64
}

// New creates (if needed) checkpoints/<symbol> under root with CK2's
// directory permission (0700) and returns a Checkpointer for it.
func New(root, symbol string, log *slog.Logger) (*Checkpointer, error) {
	if log == nil {
		log = slog.Default()
	}
	dir := filepath.Join(root, symbol)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("checkpoint: mkdir %s: %w", dir, err)
	}
	return &Checkpointer{dir: dir, log: log}, nil
}

// Write serializes mark to a new checkpoint file under the Checkpointer's
// directory using the write-temp/fsync/rename/manifest-update protocol
// (§4.9 step 3), returning the path written. The caller is responsible for
// keeping this off RE's hot path -- Write is meant to run from the
// background task §4.9 step 2 hands off to.
func (c *Checkpointer) Write(mark Mark) (string, error) {
	c.seq++
	rec := Record{
		FormatVersion:   FormatVersion,
		Symbol:          mark.Symbol,
		LastUpdateID:    mark.LastUpdateID,
		HasUpdateID:     mark.HasUpdateID,
		EventsProcessed: mark.EventsProcessed,
		LastEventTsNs:   mark.LastEventTsNs,
		ReaderPositions: mark.ReaderPositions,
		SinkWatermark:   mark.SinkWatermark,
		CreatedTsNs:     uint64(time.Now().UnixNano()),
	}
	if mark.Book != nil {
		rec.Bids = mark.Book.Levels(true)
		rec.Asks = mark.Book.Levels(false)
		sort.Slice(rec.Bids, func(i, j int) bool { return rec.Bids[i].Price > rec.Bids[j].Price })
		sort.Slice(rec.Asks, func(i, j int) bool { return rec.Asks[i].Price < rec.Asks[j].Price })
	}

	finalName := fmt.Sprintf("ckpt-%d.cpk", c.seq)
	tmpPath := filepath.Join(c.dir, finalName+".tmp")
	finalPath := filepath.Join(c.dir, finalName)

	if err := writeCompressed(tmpPath, rec); err != nil {
		return "", fmt.Errorf("checkpoint: write %s: %w", tmpPath, err)
	}
	if err := fsyncFile(tmpPath); err != nil {
		return "", fmt.Errorf("checkpoint: fsync %s: %w", tmpPath, err)
	}
	if err := os.Chmod(tmpPath, 0600); err != nil {
		return "", fmt.Errorf("checkpoint: chmod %s: %w", tmpPath, err)
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		return "", fmt.Errorf("checkpoint: rename %s: %w", tmpPath, err)
	}
	if err := fsyncDir(c.dir); err != nil {
		return "", fmt.Errorf("checkpoint: fsync dir %s: %w", c.dir, err)
	}

	sum, err := sha256File(finalPath)
	if err != nil {
		return "", fmt.Errorf("checkpoint: hash %s: %w", finalPath, err)
	}
	if err := c.appendManifest(manifestEntry{File: finalPath, SHA256: sum, CreatedTsNs: rec.CreatedTsNs}); err != nil {
		return "", fmt.Errorf("checkpoint: manifest: %w", err)
	}
	return finalPath, nil
}

// Latest scans the manifest for the newest checkpoint whose stored hash
// still matches its file contents, skipping (and logging) anything
// corrupt or missing (§4.9 Recovery step 1, CK3).
func (c *Checkpointer) Latest() (*Record, error) {
	entries, err := c.readManifest()
	if err != nil {
		return nil, fmt.Errorf("checkpoint: read manifest: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].CreatedTsNs > entries[j].CreatedTsNs })

	for _, e := range entries {
		rec, err := c.verifyAndLoad(e)
		if err != nil {
			c.log.Warn("checkpoint failed verification, trying older one", "file", e.File, "error", err)
			continue
		}
		return rec, nil
	}
	return nil, fmt.Errorf("checkpoint: no verifiable checkpoint found in %s", c.dir)
}

func (c *Checkpointer) verifyAndLoad(e manifestEntry) (*Record, error) {
	sum, err := sha256File(e.File)
	if err != nil {
		return nil, err
	}
	if sum != e.SHA256 {
		return nil, fmt.Errorf("checkpoint: hash mismatch for %s", e.File)
	}
	rec, err := readCompressed(e.File)
	if err != nil {
		return nil, err
	}
	if rec.FormatVersion != FormatVersion {
		return nil, fmt.Errorf("checkpoint: unsupported format version %d in %s", rec.FormatVersion, e.File)
	}
	return rec, nil
}

// Restore rebuilds a live Book from a verified Record (§4.9 Recovery
// step 2), grounded on orderbook.Restore.
func Restore(log *slog.Logger, rec *Record) *orderbook.Book {
	return orderbook.Restore(log, rec.LastUpdateID, rec.Bids, rec.Asks)
}

func (c *Checkpointer) manifestPath() string { return filepath.Join(c.dir, "manifest.json") }

func (c *Checkpointer) readManifest() ([]manifestEntry, error) {
	data, err := os.ReadFile(c.manifestPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	if len(data) == 0 {
		return nil, nil
	}
	var entries []manifestEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

func (c *Checkpointer) appendManifest(entry manifestEntry) error {
	entries, err := c.readManifest()
	if err != nil {
		return err
	}
	entries = append(entries, entry)
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return err
	}

	tmpPath := c.manifestPath() + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return err
	}
	if err := fsyncFile(tmpPath); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, c.manifestPath()); err != nil {
		return err
	}
	return fsyncDir(c.dir)
}

func writeCompressed(path string, rec Record) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	zw, err := zstd.NewWriter(f)
	if err != nil {
		return err
	}
	data, err := json.Marshal(rec)
	if err != nil {
		zw.Close()
		return err
	}
	if _, err := zw.Write(data); err != nil {
		zw.Close()
		return err
	}
	return zw.Close()
}

func readCompressed(path string) (*Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	zr, err := zstd.NewReader(f)
	if err != nil {
		return nil, err
	}
	defer zr.Close()

	data, err := io.ReadAll(zr)
	if err != nil {
		return nil, err
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func fsyncFile(path string) error {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Sync()
}

func fsyncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}

func sha256File(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return fmt.Sprintf("%x", sum), nil
}
