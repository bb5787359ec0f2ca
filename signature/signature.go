// Package signature derives fixed-size perceptual signatures from images and
// compares them.
//
// A signature is a grid of n×n cells, each carrying the discretized grey-level
// difference to its 8 neighbours. The layout is
//
//	sig[((row*n)+col)*8 + dir]
//
// with dir in the order UL, U, UR, L, R, DL, D, DR.
package signature

import (
	"image"
	"math"
	"slices"
)

const Directions = 8

// offsets are (row, col) neighbour offsets in direction order.
var offsets = [Directions][2]int{
	{-1, -1}, {-1, 0}, {-1, 1},
	{0, -1}, {0, 1},
	{1, -1}, {1, 0}, {1, 1},
}

// Signature is an immutable discretized gradient descriptor.
type Signature []int8

// Clone returns an independent copy.
func (s Signature) Clone() Signature {
	return slices.Clone(s)
}

// Equal reports whether both signatures hold the same levels.
func (s Signature) Equal(other Signature) bool {
	return slices.Equal(s, other)
}

// GridSize returns n for a signature of length 8·n², or 0 if the length is not of
// that form.
func (s Signature) GridSize() int {
	if len(s) == 0 || len(s)%Directions != 0 {
		return 0
	}
	cells := len(s) / Directions
	n := int(math.Sqrt(float64(cells)))
	for n*n < cells {
		n++
	}
	if n*n != cells {
		return 0
	}
	return n
}

// Params fixes the signature shape. Changing any field invalidates every stored
// signature.
type Params struct {
	GridSize           int     `yaml:"grid_size"`
	Levels             int     `yaml:"levels"`
	IdenticalTolerance float64 `yaml:"identical_tolerance"` // grey levels out of 255
}

// DefaultParams returns the 9×9 grid, two-level configuration (648 values).
func DefaultParams() Params {
	return Params{
		GridSize:           9,
		Levels:             2,
		IdenticalTolerance: 2,
	}
}

// Length is the number of values in a signature produced with p.
func (p Params) Length() int {
	return p.GridSize * p.GridSize * Directions
}

// NormalizedSide is the square side a decoder should resize to so that grid
// points land on symmetric pixel positions.
func (p Params) NormalizedSide() int {
	return (p.GridSize+1)*30 + 1
}

// Decoder turns raw image bytes into a normalized greyscale grid.
type Decoder interface {
	Decode(data []byte) (*image.Gray, error)
}
