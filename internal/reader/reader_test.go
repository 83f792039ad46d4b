package reader

import (
	"testing"

	"github.com/quantreplay/reconcore/internal/model"
)

func TestParseKind(t *testing.T) {
	cases := map[string]kind{
		"trades":         kindTrade,
		"book_snapshots": kindSnapshot,
		"book_deltas":    kindDelta,
	}
	for name, want := range cases {
		got, err := parseKind(name)
		if err != nil {
			t.Fatalf("parseKind(%q): %v", name, err)
		}
		if got != want {
			t.Fatalf("parseKind(%q) = %v, want %v", name, got, want)
		}
	}
	if _, err := parseKind("bogus"); err == nil {
		t.Fatal("expected error for unknown stream kind")
	}
}

func TestParseSide(t *testing.T) {
	if parseSide("buy") != model.SideBuy {
		t.Fatal("expected SideBuy")
	}
	if parseSide("sell") != model.SideSell {
		t.Fatal("expected SideSell")
	}
	if parseSide("") != model.SideUnspecified {
		t.Fatal("expected SideUnspecified for empty input")
	}
}

func TestDecodeLevels(t *testing.T) {
	prices := []any{"100.00000000", "99.50000000"}
	qtys := []any{"1.00000000", "2.50000000"}
	levels, err := decodeLevels(prices, qtys)
	if err != nil {
		t.Fatalf("decodeLevels: %v", err)
	}
	if len(levels) != 2 {
		t.Fatalf("len(levels) = %d, want 2", len(levels))
	}
	if levels[0].Price.String() != "100.00000000" {
		t.Fatalf("levels[0].Price = %s", levels[0].Price.String())
	}
}

func TestDecodeLevelsMismatchedLengths(t *testing.T) {
	_, err := decodeLevels([]any{"1.0"}, []any{"1.0", "2.0"})
	if err == nil {
		t.Fatal("expected error for mismatched array lengths")
	}
}

func TestCheckMonotoneDetectsRegression(t *testing.T) {
	r := &Reader{}
	if err := r.checkMonotone(100); err != nil {
		t.Fatalf("first call should not error: %v", err)
	}
	if err := r.checkMonotone(200); err != nil {
		t.Fatalf("monotone advance should not error: %v", err)
	}
	if err := r.checkMonotone(150); err == nil {
		t.Fatal("expected error on timestamp regression")
	}
}

func TestSQLLiteralEscapesQuotes(t *testing.T) {
	got := sqlLiteral("o'brien.parquet")
	want := "'o''brien.parquet'"
	if got != want {
		t.Fatalf("sqlLiteral = %s, want %s", got, want)
	}
}
