package main

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"github.com/valyala/fastjson"
)

var verifyManifest string

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Scans a manifest and re-hashes its files, reporting any integrity mismatches",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		os.Exit(verifyMain())
	},
}

// verifyMain re-scans a manifest.json using fastjson for an
// allocation-light pass over what can be a multi-million-entry manifest,
// recomputes each referenced file's sha256, and compares it against the
// recorded entry (property R3). row_count, first_event_ts_ns and
// last_event_ts_ns are printed for each verified file but not checked. It
// stops and exits non-zero at the first mismatch or unreadable file.
// fastjson is grounded on json_scanner.go's
// fastjson.Parser.ParseBytes + Value.Get idiom.
func verifyMain() int {
	data, err := os.ReadFile(verifyManifest)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %s\n", err)
		return 1
	}

	var p fastjson.Parser
	root, err := p.ParseBytes(data)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: manifest %s: %s\n", verifyManifest, err)
		return 1
	}

	entries, err := root.Array()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: manifest %s: expected a top-level array: %s\n", verifyManifest, err)
		return 1
	}

	for _, e := range entries {
		file := string(e.GetStringBytes("file"))
		wantSHA := string(e.GetStringBytes("sha256"))
		wantRows := e.GetInt64("row_count")
		wantFirst := e.GetInt64("first_event_ts_ns")
		wantLast := e.GetInt64("last_event_ts_ns")

		gotSHA, gotBytes, err := sha256File(file)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %s: %s\n", file, err)
			return 1
		}
		if gotSHA != wantSHA {
			fmt.Fprintf(os.Stderr, "error: %s: sha256 recorded=%s actual=%s\n", file, wantSHA, gotSHA)
			return 1
		}
		fmt.Printf("OK %s (%d rows, ts_event [%d, %d], %d bytes)\n", file, wantRows, wantFirst, wantLast, gotBytes)
	}
	return 0
}

func sha256File(path string) (hexDigest string, size int64, err error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()

	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}
