// Package sink's sink.go drives micro-batched, hourly-partitioned parquet
// output with the atomic write-then-rename protocol from §4.8. The
// per-bucket lazy-writer-map shape is adapted from internal/file/split.go's
// writerMap/closerMap, trading "one open writer per instrument-day" for
// "one accumulating row buffer per (symbol, UTC hour)".
package sink

import (
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/apache/arrow-go/v18/parquet"
	"github.com/apache/arrow-go/v18/parquet/compress"
	pqfile "github.com/apache/arrow-go/v18/parquet/file"

	"github.com/quantreplay/reconcore/internal/config"
	"github.com/quantreplay/reconcore/internal/model"
)

// bucket accumulates rows for a single (symbol, UTC hour) output file until
// a micro-batch trigger fires.
type bucket struct {
	hourStart time.Time
	rows      []model.UnifiedEvent
	opened    time.Time
	minUpdate *uint64
	maxUpdate *uint64
}

// Sink owns one symbol's columnar output: hourly partitioning, the
// micro-batch/flush policy, and the sidecar manifest.
type Sink struct {
	root   string
	symbol string
	cfg    config.Config
	log    *slog.Logger

	buckets     map[time.Time]*bucket
	partCounter uint64
	manifest    *Manifest

	// compressionCodec mirrors parquet_writer.go's WriterProperties
	// construction; "snappy" is the hot-path default, "zstd" trades CPU
	// for ratio on cold archival tiers (§4.8, §6 compression knob).
	compressionCodec compress.Compression
}

// New builds a Sink rooted at <root>/<symbol>, loading (or creating) its
// manifest.
func New(root, symbol string, cfg config.Config, log *slog.Logger) (*Sink, error) {
	if log == nil {
		log = slog.Default()
	}
	dir := filepath.Join(root, symbol)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("%w: mkdir %s: %v", model.ErrSinkUnavailable, dir, err)
	}
	m, err := LoadOrCreateManifest(dir)
	if err != nil {
		return nil, fmt.Errorf("%w: manifest: %v", model.ErrSinkUnavailable, err)
	}
	codec := compress.Codecs.Snappy
	if cfg.Compression == "zstd" {
		codec = compress.Codecs.Zstd
	}
	return &Sink{
		root:             root,
		symbol:           symbol,
		cfg:              cfg,
		log:              log,
		buckets:          make(map[time.Time]*bucket),
		manifest:         m,
		compressionCodec: codec,
	}, nil
}

// Write buffers ev into its UTC-hour bucket and flushes any bucket whose
// micro-batch trigger has fired (§4.8: batch_rows >= 100_000 or batch_age
// >= 5s).
func (s *Sink) Write(ev model.UnifiedEvent) error {
	hourStart := time.Unix(0, int64(ev.EventTsNs)).UTC().Truncate(time.Hour)
	b, ok := s.buckets[hourStart]
	if !ok {
		b = &bucket{hourStart: hourStart, opened: time.Now()}
		s.buckets[hourStart] = b
	}
	b.rows = append(b.rows, ev)
	if ev.UpdateID != nil {
		if b.minUpdate == nil || *ev.UpdateID < *b.minUpdate {
			b.minUpdate = ev.UpdateID
		}
		if b.maxUpdate == nil || *ev.UpdateID > *b.maxUpdate {
			b.maxUpdate = ev.UpdateID
		}
	}

	if len(b.rows) >= s.cfg.BatchRows || time.Since(b.opened) >= s.cfg.BatchAge {
		return s.flushBucket(hourStart)
	}
	return nil
}

// FlushAged flushes every open bucket whose batch_age trigger has fired,
// without requiring a new event to arrive; the worker calls this on a
// timer so a quiet hour still closes its file within batch_age.
func (s *Sink) FlushAged() error {
	var stale []time.Time
	for hourStart, b := range s.buckets {
		if time.Since(b.opened) >= s.cfg.BatchAge {
			stale = append(stale, hourStart)
		}
	}
	sort.Slice(stale, func(i, j int) bool { return stale[i].Before(stale[j]) })
	for _, hourStart := range stale {
		if err := s.flushBucket(hourStart); err != nil {
			return err
		}
	}
	return nil
}

// FlushAll unconditionally flushes every open bucket regardless of its
// batch_rows/batch_age trigger, collapsing the gap between what the input
// readers have consumed and what Watermark() reports. The Symbol Worker
// calls this immediately before capturing a Mark so the recorded reader
// positions always line up with the sink's last closed batch (§4.9 CK1).
func (s *Sink) FlushAll(ctx context.Context) error {
	var keys []time.Time
	for k := range s.buckets {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Before(keys[j]) })
	for _, k := range keys {
		if err := s.flushBucket(k); err != nil {
			return err
		}
	}
	return nil
}

// Close flushes every remaining bucket (the final partial batch on
// Draining, §4.6).
func (s *Sink) Close(ctx context.Context) error {
	return s.FlushAll(ctx)
}

// Watermark reports the largest last-row timestamp among all atomically
// renamed files in the manifest -- the CS flush watermark CP reads (§4.9
// CK1).
func (s *Sink) Watermark() uint64 { return s.manifest.Watermark() }

func (s *Sink) flushBucket(hourStart time.Time) error {
	b, ok := s.buckets[hourStart]
	if !ok || len(b.rows) == 0 {
		return nil
	}
	delete(s.buckets, hourStart)

	partDir := filepath.Join(
		s.root, s.symbol,
		fmt.Sprintf("year=%04d", hourStart.Year()),
		fmt.Sprintf("month=%02d", hourStart.Month()),
		fmt.Sprintf("day=%02d", hourStart.Day()),
		fmt.Sprintf("hour=%02d", hourStart.Hour()),
	)
	if err := os.MkdirAll(partDir, 0755); err != nil {
		return fmt.Errorf("%w: mkdir %s: %v", model.ErrSinkUnavailable, partDir, err)
	}

	s.partCounter++
	finalName := fmt.Sprintf("part-%d.parquetlike", s.partCounter)
	tmpPath := filepath.Join(partDir, finalName+".tmp")
	finalPath := filepath.Join(partDir, finalName)

	if err := s.writeWithRetry(tmpPath, b.rows); err != nil {
		return err
	}

	if err := fsyncFile(tmpPath); err != nil {
		return fmt.Errorf("%w: fsync %s: %v", model.ErrSinkUnavailable, tmpPath, err)
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		return fmt.Errorf("%w: rename %s: %v", model.ErrSinkUnavailable, tmpPath, err)
	}
	if err := fsyncDir(partDir); err != nil {
		return fmt.Errorf("%w: fsync dir %s: %v", model.ErrSinkUnavailable, partDir, err)
	}

	entry, err := buildManifestEntry(s.symbol, finalPath, b)
	if err != nil {
		return err
	}
	if err := s.manifest.Append(entry); err != nil {
		return fmt.Errorf("%w: manifest append: %v", model.ErrSinkUnavailable, err)
	}
	return nil
}

// writeWithRetry implements the 3-attempt exponential backoff write policy
// in §4.8; persistent failure surfaces SinkUnavailable to the caller
// (the Symbol Worker, whose Run returns the error).
func (s *Sink) writeWithRetry(path string, rows []model.UnifiedEvent) error {
	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		if attempt > 0 {
			time.Sleep(backoffDelay(attempt))
		}
		if err := writeParquetFile(path, rows, s.compressionCodec); err != nil {
			lastErr = err
			s.log.Warn("sink write attempt failed", "path", path, "attempt", attempt+1, "error", err)
			continue
		}
		return nil
	}
	return fmt.Errorf("%w: %s: %v", model.ErrSinkUnavailable, path, lastErr)
}

func backoffDelay(attempt int) time.Duration {
	return time.Duration(1<<attempt) * 100 * time.Millisecond
}

func writeParquetFile(path string, rows []model.UnifiedEvent, codec compress.Compression) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	props := parquet.NewWriterProperties(
		parquet.WithVersion(parquet.V2_LATEST),
		parquet.WithCompression(codec),
	)
	groupNode := UnifiedEventGroupNode()
	pw := pqfile.NewParquetWriter(f, groupNode, pqfile.WithWriterProps(props))
	defer pw.Close()

	rgw := pw.AppendBufferedRowGroup()
	for _, row := range rows {
		if err := ParquetWriteRow(rgw, row); err != nil {
			rgw.Close()
			return err
		}
	}
	rgw.Close()
	return pw.FlushWithFooter()
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
