package orderbook

import (
	"math"

	"github.com/quantreplay/reconcore/internal/fixedpoint"
	"github.com/quantreplay/reconcore/internal/model"
)

// DriftMetrics is the online, per-snapshot-event discrepancy measurement
// described in §4.5.
type DriftMetrics struct {
	RMSQtyErr              float64
	LevelCoverage          float64
	BidPriceSymmetricDiff  int
	AskPriceSymmetricDiff  int
}

// DriftTracker accumulates drift metrics across snapshot events and counts
// threshold violations for the sliding-window DriftAlert rule (§4.5).
type DriftTracker struct {
	warnThreshold  float64
	windowSize     int
	alertThreshold int

	window        []bool // true = violated warn threshold, ring buffer
	violationSum  int
	AlertCount    int
}

// NewDriftTracker builds a tracker with the given warn threshold and
// sliding-window alert policy (window size W, fire DriftAlert once more
// than alertThreshold of the last W snapshots violated warnThreshold).
func NewDriftTracker(warnThreshold float64, windowSize, alertThreshold int) *DriftTracker {
	return &DriftTracker{
		warnThreshold:  warnThreshold,
		windowSize:     windowSize,
		alertThreshold: alertThreshold,
	}
}

// Measure computes drift between the live book's top-N view and an
// arriving snapshot, treating levels present on only one side as an error
// against zero (§4.5).
func Measure(obBids, obAsks, snapBids, snapAsks []model.Level, topN int) DriftMetrics {
	return DriftMetrics{
		RMSQtyErr: math.Sqrt(
			(sumSquaredQtyErr(obBids, snapBids, topN) + sumSquaredQtyErr(obAsks, snapAsks, topN)) /
				float64(2*topN),
		),
		LevelCoverage:         matchedCoverage(obBids, snapBids, topN, obAsks, snapAsks),
		BidPriceSymmetricDiff: symmetricDiff(obBids, snapBids, topN),
		AskPriceSymmetricDiff: symmetricDiff(obAsks, snapAsks, topN),
	}
}

func levelMap(levels []model.Level, topN int) map[fixedpoint.Value]fixedpoint.Value {
	m := make(map[fixedpoint.Value]fixedpoint.Value, topN)
	for i, l := range levels {
		if i >= topN {
			break
		}
		m[l.Price] = l.Quantity
	}
	return m
}

func sumSquaredQtyErr(obLevels, snapLevels []model.Level, topN int) float64 {
	obMap := levelMap(obLevels, topN)
	snapMap := levelMap(snapLevels, topN)
	seen := make(map[fixedpoint.Value]bool, len(obMap)+len(snapMap))
	var sumSq float64
	for p, obQty := range obMap {
		seen[p] = true
		snapQty := snapMap[p] // zero if missing, per §4.5 "treating missing levels as zero"
		diff := float64(obQty-snapQty) / 1e8
		sumSq += diff * diff
	}
	for p, snapQty := range snapMap {
		if seen[p] {
			continue
		}
		diff := float64(snapQty) / 1e8
		sumSq += diff * diff
	}
	return sumSq
}

func matchedCoverage(obBids, snapBids []model.Level, topN int, obAsks, snapAsks []model.Level) float64 {
	obBidMap, snapBidMap := levelMap(obBids, topN), levelMap(snapBids, topN)
	obAskMap, snapAskMap := levelMap(obAsks, topN), levelMap(snapAsks, topN)
	matched := 0
	for p := range obBidMap {
		if _, ok := snapBidMap[p]; ok {
			matched++
		}
	}
	for p := range obAskMap {
		if _, ok := snapAskMap[p]; ok {
			matched++
		}
	}
	total := 2 * topN
	if total == 0 {
		return 1.0
	}
	return float64(matched) / float64(total)
}

func symmetricDiff(obLevels, snapLevels []model.Level, topN int) int {
	obMap := levelMap(obLevels, topN)
	snapMap := levelMap(snapLevels, topN)
	diff := 0
	for p := range obMap {
		if _, ok := snapMap[p]; !ok {
			diff++
		}
	}
	for p := range snapMap {
		if _, ok := obMap[p]; !ok {
			diff++
		}
	}
	return diff
}

// Record pushes a new measurement's warn-threshold verdict into the
// sliding window and reports whether a DriftAlert should fire (more than
// alertThreshold violations within the last windowSize snapshots).
func (dt *DriftTracker) Record(m DriftMetrics) (violated, alert bool) {
	violated = m.RMSQtyErr > dt.warnThreshold
	dt.window = append(dt.window, violated)
	if violated {
		dt.violationSum++
	}
	if len(dt.window) > dt.windowSize {
		if dt.window[0] {
			dt.violationSum--
		}
		dt.window = dt.window[1:]
	}
	if dt.violationSum > dt.alertThreshold {
		dt.AlertCount++
		alert = true
	}
	return violated, alert
}
