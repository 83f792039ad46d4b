// Package sink implements the Columnar Sink (CS): hourly-partitioned,
// atomically-visible columnar output files with a JSON manifest, and the
// companion parquet row-group schema/writer for the unified output event
// stream (§4.8).
//
// The column layout and per-row WriteBatch plumbing are adapted from
// internal/file/parquet_writer.go's ParquetGroupNode_*/ParquetWriteRow_*
// pairs; where that file wrote one fixed DBN wire schema per dataset, this
// one writes the single UnifiedEvent schema every worker produces.
package sink

import (
	"fmt"

	"github.com/apache/arrow-go/v18/parquet"
	pqfile "github.com/apache/arrow-go/v18/parquet/file"
	pqschema "github.com/apache/arrow-go/v18/parquet/schema"

	"github.com/quantreplay/reconcore/internal/fixedpoint"
	"github.com/quantreplay/reconcore/internal/model"
)

// columnIndex names the fixed, zero-based positions assigned by
// UnifiedEventGroupNode, so ParquetWriteRow stays in sync with the schema
// even if fields are reordered later.
const (
	colEventTsNs = iota
	colEventType
	colUpdateID
	colPriceRaw
	colQuantityRaw
	colSide
	colBidsRaw
	colAsksRaw
	colDriftRMS
	colOriginTsNs
)

// UnifiedEventGroupNode returns the parquet schema for the unified output
// event stream (§3.4). Price/quantity use a fixed-length 16-byte binary
// column carrying a decimal128(38,18) two's-complement payload
// (fixedpoint.Value.Decimal128Bytes); bids/asks are packed as
// 32-byte-per-level binary blobs (price_i128 || qty_i128) rather than a
// nested list<struct> column, since nothing in the available parquet
// tooling's schema builder here expresses repeated groups as cleanly as a
// flat blob the reader can unpack with a fixed stride.
func UnifiedEventGroupNode() *pqschema.GroupNode {
	decimalLogical := pqschema.NewDecimalLogicalType(38, 18)
	return pqschema.MustGroup(pqschema.NewGroupNode("schema", parquet.Repetitions.Required, pqschema.FieldList{
		pqschema.MustPrimitive(pqschema.NewPrimitiveNodeLogical("event_ts_ns", parquet.Repetitions.Required, pqschema.NewTimestampLogicalType(true, pqschema.TimeUnitNanos), parquet.Types.Int64, 0, -1)),
		pqschema.MustPrimitive(pqschema.NewPrimitiveNodeLogical("event_type", parquet.Repetitions.Required, pqschema.NewIntLogicalType(8, false), parquet.Types.Int32, 0, -1)),
		pqschema.MustPrimitive(pqschema.NewPrimitiveNodeLogical("update_id", parquet.Repetitions.Optional, pqschema.NewIntLogicalType(64, false), parquet.Types.Int64, 0, -1)),
		pqschema.MustPrimitive(pqschema.NewPrimitiveNodeLogical("price_raw", parquet.Repetitions.Optional, decimalLogical, parquet.Types.FixedLenByteArray, 16, -1)),
		pqschema.MustPrimitive(pqschema.NewPrimitiveNodeLogical("quantity_raw", parquet.Repetitions.Optional, decimalLogical, parquet.Types.FixedLenByteArray, 16, -1)),
		pqschema.MustPrimitive(pqschema.NewPrimitiveNodeLogical("side", parquet.Repetitions.Optional, pqschema.NewIntLogicalType(8, false), parquet.Types.Int32, 0, -1)),
		pqschema.MustPrimitive(pqschema.NewPrimitiveNodeConverted("bids_raw", parquet.Repetitions.Optional, parquet.Types.ByteArray, pqschema.ConvertedTypes.None, 0, 0, 0, -1)),
		pqschema.MustPrimitive(pqschema.NewPrimitiveNodeConverted("asks_raw", parquet.Repetitions.Optional, parquet.Types.ByteArray, pqschema.ConvertedTypes.None, 0, 0, 0, -1)),
		pqschema.NewFloat64Node("drift_rms", parquet.Repetitions.Optional, -1),
		pqschema.MustPrimitive(pqschema.NewPrimitiveNodeLogical("origin_ts_ns", parquet.Repetitions.Optional, pqschema.NewTimestampLogicalType(true, pqschema.TimeUnitNanos), parquet.Types.Int64, 0, -1)),
	}, -1))
}

// packLevels serializes a slice of price levels into the flat 32-byte
// stride bids_raw/asks_raw blob: each level is 16 bytes of decimal128
// price followed by 16 bytes of decimal128 quantity.
func packLevels(levels []model.Level) []byte {
	buf := make([]byte, 0, len(levels)*32)
	for _, lvl := range levels {
		p := lvl.Price.Decimal128Bytes()
		q := lvl.Quantity.Decimal128Bytes()
		buf = append(buf, p[:]...)
		buf = append(buf, q[:]...)
	}
	return buf
}

// ParquetWriteRow appends one UnifiedEvent as a row to rgw, following the
// column order fixed by UnifiedEventGroupNode.
func ParquetWriteRow(rgw pqfile.BufferedRowGroupWriter, ev model.UnifiedEvent) error {
	cw, err := rgw.Column(colEventTsNs)
	if err != nil {
		return fmt.Errorf("sink: column event_ts_ns: %w", err)
	}
	cw.(*pqfile.Int64ColumnChunkWriter).WriteBatch([]int64{int64(ev.EventTsNs)}, []int16{1}, nil)

	cw, err = rgw.Column(colEventType)
	if err != nil {
		return fmt.Errorf("sink: column event_type: %w", err)
	}
	cw.(*pqfile.Int32ColumnChunkWriter).WriteBatch([]int32{int32(ev.EventType)}, []int16{1}, nil)

	writeOptionalUint64(rgw, colUpdateID, ev.UpdateID)
	writeOptionalDecimal(rgw, colPriceRaw, ev.Price)
	writeOptionalDecimal(rgw, colQuantityRaw, ev.Quantity)
	writeOptionalSide(rgw, colSide, ev.Side)
	writeOptionalBlob(rgw, colBidsRaw, ev.Bids)
	writeOptionalBlob(rgw, colAsksRaw, ev.Asks)
	writeOptionalFloat(rgw, colDriftRMS, ev.DriftRMS)
	writeOptionalUint64(rgw, colOriginTsNs, ev.OriginTsNs)
	return nil
}

func writeOptionalUint64(rgw pqfile.BufferedRowGroupWriter, col int, v *uint64) {
	cw, err := rgw.Column(col)
	if err != nil {
		return
	}
	w := cw.(*pqfile.Int64ColumnChunkWriter)
	if v == nil {
		w.WriteBatch(nil, []int16{0}, nil)
		return
	}
	w.WriteBatch([]int64{int64(*v)}, []int16{1}, nil)
}

func writeOptionalFloat(rgw pqfile.BufferedRowGroupWriter, col int, v *float64) {
	cw, err := rgw.Column(col)
	if err != nil {
		return
	}
	w := cw.(*pqfile.Float64ColumnChunkWriter)
	if v == nil {
		w.WriteBatch(nil, []int16{0}, nil)
		return
	}
	w.WriteBatch([]float64{*v}, []int16{1}, nil)
}

func writeOptionalDecimal(rgw pqfile.BufferedRowGroupWriter, col int, v *fixedpoint.Value) {
	cw, err := rgw.Column(col)
	if err != nil {
		return
	}
	w := cw.(*pqfile.FixedLenByteArrayColumnChunkWriter)
	if v == nil {
		w.WriteBatch(nil, []int16{0}, nil)
		return
	}
	raw := v.Decimal128Bytes()
	w.WriteBatch([]parquet.FixedLenByteArray{raw[:]}, []int16{1}, nil)
}

func writeOptionalSide(rgw pqfile.BufferedRowGroupWriter, col int, v *model.Side) {
	cw, err := rgw.Column(col)
	if err != nil {
		return
	}
	w := cw.(*pqfile.Int32ColumnChunkWriter)
	if v == nil {
		w.WriteBatch(nil, []int16{0}, nil)
		return
	}
	w.WriteBatch([]int32{int32(*v)}, []int16{1}, nil)
}

func writeOptionalBlob(rgw pqfile.BufferedRowGroupWriter, col int, levels []model.Level) {
	cw, err := rgw.Column(col)
	if err != nil {
		return
	}
	w := cw.(*pqfile.ByteArrayColumnChunkWriter)
	if levels == nil {
		w.WriteBatch(nil, []int16{0}, nil)
		return
	}
	w.WriteBatch([]parquet.ByteArray{packLevels(levels)}, []int16{1}, nil)
}
