package signature

import (
	"fmt"
	"math"

	"github.com/hubenschmidt/go-imgmatch/core"
)

// DefaultCutoff separates "same image family" from "different image".
const DefaultCutoff = 0.45

// Distance returns ‖a−b‖ / (‖a‖ + ‖b‖), a value in [0,1] where 0 means identical
// signatures. Both norms being zero yields 0.
//
// The norms are Euclidean, as in image-match's normalized_distance, not sums of
// absolute differences. DefaultCutoff is calibrated against this form.
func Distance(a, b Signature) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("%w: %d vs %d values", core.ErrShapeMismatch, len(a), len(b))
	}

	var diff, normA, normB int64
	for i := range a {
		x, y := int64(a[i]), int64(b[i])
		diff += (x - y) * (x - y)
		normA += x * x
		normB += y * y
	}

	den := math.Sqrt(float64(normA)) + math.Sqrt(float64(normB))
	if den == 0 {
		return 0, nil
	}
	d := math.Sqrt(float64(diff)) / den
	return min(max(d, 0), 1), nil
}

// DistToPercent converts a distance into the user-facing score: 100 for
// identical signatures, (1-cutoff)·100 at the cutoff.
func DistToPercent(d float64) float64 {
	return (1 - d) * 100
}
