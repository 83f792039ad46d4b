package sink

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/segmentio/encoding/json"
)

// ManifestEntry describes one atomically-committed output file (§4.8
// manifest schema).
type ManifestEntry struct {
	Symbol         string `json:"symbol"`
	File           string `json:"file"`
	FirstEventTsNs uint64 `json:"first_event_ts_ns"`
	LastEventTsNs  uint64 `json:"last_event_ts_ns"`
	RowCount       int    `json:"row_count"`
	MinUpdateID    uint64 `json:"min_update_id"`
	MaxUpdateID    uint64 `json:"max_update_id"`
	SHA256         string `json:"sha256"`
	Bytes          int64  `json:"bytes"`
	CreatedTsNs    uint64 `json:"created_ts_ns"`
}

// Manifest is the per-symbol ledger of committed output files, persisted as
// a JSON array at <root>/<symbol>/manifest.json and rewritten atomically
// (write-temp-then-rename, the same protocol as the data files themselves)
// on every append.
type Manifest struct {
	mu      sync.Mutex
	dir     string
	path    string
	Entries []ManifestEntry
}

// LoadOrCreateManifest reads dir/manifest.json, or returns an empty
// manifest if none exists yet.
func LoadOrCreateManifest(dir string) (*Manifest, error) {
	path := filepath.Join(dir, "manifest.json")
	m := &Manifest{dir: dir, path: path}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return m, nil
		}
		return nil, fmt.Errorf("sink: read manifest %s: %w", path, err)
	}
	if len(data) == 0 {
		return m, nil
	}
	if err := json.Unmarshal(data, &m.Entries); err != nil {
		return nil, fmt.Errorf("sink: parse manifest %s: %w", path, err)
	}
	return m, nil
}

// Append records entry and rewrites the manifest file atomically.
func (m *Manifest) Append(entry ManifestEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Entries = append(m.Entries, entry)
	data, err := json.MarshalIndent(m.Entries, "", "  ")
	if err != nil {
		return fmt.Errorf("sink: marshal manifest: %w", err)
	}

	tmpPath := m.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("sink: write manifest temp %s: %w", tmpPath, err)
	}
	if err := fsyncFile(tmpPath); err != nil {
		return fmt.Errorf("sink: fsync manifest temp %s: %w", tmpPath, err)
	}
	if err := os.Rename(tmpPath, m.path); err != nil {
		return fmt.Errorf("sink: rename manifest %s: %w", tmpPath, err)
	}
	if err := fsyncDir(m.dir); err != nil {
		return fmt.Errorf("sink: fsync manifest dir %s: %w", m.dir, err)
	}
	return nil
}

// Watermark returns the max LastEventTsNs across every committed entry, or
// 0 if the manifest is empty.
func (m *Manifest) Watermark() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	var max uint64
	for _, e := range m.Entries {
		if e.LastEventTsNs > max {
			max = e.LastEventTsNs
		}
	}
	return max
}

// buildManifestEntry computes the sidecar metadata for a just-committed
// file: row span, update-id span, content hash, and size.
func buildManifestEntry(symbol, path string, b *bucket) (ManifestEntry, error) {
	info, err := os.Stat(path)
	if err != nil {
		return ManifestEntry{}, fmt.Errorf("sink: stat %s: %w", path, err)
	}
	sum, err := sha256File(path)
	if err != nil {
		return ManifestEntry{}, fmt.Errorf("sink: hash %s: %w", path, err)
	}

	first := b.rows[0].EventTsNs
	last := b.rows[len(b.rows)-1].EventTsNs
	var minID, maxID uint64
	if b.minUpdate != nil {
		minID = *b.minUpdate
	}
	if b.maxUpdate != nil {
		maxID = *b.maxUpdate
	}

	return ManifestEntry{
		Symbol:         symbol,
		File:           path,
		FirstEventTsNs: first,
		LastEventTsNs:  last,
		RowCount:       len(b.rows),
		MinUpdateID:    minID,
		MaxUpdateID:    maxID,
		SHA256:         sum,
		Bytes:          info.Size(),
		CreatedTsNs:    uint64(time.Now().UnixNano()),
	}, nil
}
