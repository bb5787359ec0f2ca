package signature

import (
	"errors"
	"fmt"
	"image"
	"math"
	"slices"

	"github.com/hubenschmidt/go-imgmatch/core"
)

// Generator computes signatures with a fixed set of Params.
type Generator struct {
	params  Params
	decoder Decoder
}

// NewGenerator returns a Generator that decodes through decoder.
func NewGenerator(decoder Decoder, params Params) (*Generator, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	return &Generator{params: params, decoder: decoder}, nil
}

// Validate rejects parameter sets that cannot produce a signature.
func (p Params) Validate() error {
	if p.GridSize < 2 {
		return fmt.Errorf("%w: grid size %d, need at least 2", core.ErrInvalidConfig, p.GridSize)
	}
	if p.Levels < 1 || p.Levels > math.MaxInt8 {
		return fmt.Errorf("%w: levels %d out of range", core.ErrInvalidConfig, p.Levels)
	}
	if p.IdenticalTolerance < 0 {
		return fmt.Errorf("%w: negative identical tolerance", core.ErrInvalidConfig)
	}
	return nil
}

func (g *Generator) Params() Params {
	return g.params
}

// Generate decodes data and computes its signature. Undecodable, empty or corrupt
// input fails with core.ErrDecode.
func (g *Generator) Generate(data []byte) (Signature, error) {
	if g.decoder == nil {
		return nil, fmt.Errorf("%w: no decoder configured", core.ErrDecode)
	}
	img, err := g.decoder.Decode(data)
	if err != nil {
		if errors.Is(err, core.ErrDecode) {
			return nil, err
		}
		return nil, core.Decode(err)
	}
	return g.FromGray(img)
}

// FromGray computes the signature of an already normalized greyscale grid.
func (g *Generator) FromGray(img *image.Gray) (Signature, error) {
	b := img.Bounds()
	if b.Dx() < 2 || b.Dy() < 2 {
		return nil, fmt.Errorf("%w: image is %dx%d", core.ErrDecode, b.Dx(), b.Dy())
	}

	n := g.params.GridSize
	xs := gridPoints(b.Min.X, b.Dx(), n)
	ys := gridPoints(b.Min.Y, b.Dy(), n)
	half := max(1, (min(b.Dx(), b.Dy())-1)/(4*(n+1)))

	levels := make([]float64, n*n)
	for r, y := range ys {
		for c, x := range xs {
			levels[r*n+c] = windowMean(img, x, y, half)
		}
	}

	diffs := differentials(levels, n)
	return quantize(diffs, g.params.Levels, g.params.IdenticalTolerance), nil
}

// gridPoints spaces n points evenly inside [origin, origin+dim), excluding both
// borders.
func gridPoints(origin, dim, n int) []int {
	pts := make([]int, n)
	for i := range pts {
		pts[i] = origin + (i+1)*(dim-1)/(n+1)
	}
	return pts
}

func windowMean(img *image.Gray, x, y, half int) float64 {
	b := img.Bounds()
	x0, x1 := max(x-half, b.Min.X), min(x+half, b.Max.X-1)
	y0, y1 := max(y-half, b.Min.Y), min(y+half, b.Max.Y-1)

	var sum, count int
	for yy := y0; yy <= y1; yy++ {
		row := img.Pix[img.PixOffset(x0, yy) : img.PixOffset(x1, yy)+1]
		for _, v := range row {
			sum += int(v)
		}
		count += len(row)
	}
	return float64(sum) / float64(count)
}

// differentials returns level(cell) - level(neighbour) for every cell and
// direction, 0 where the neighbour falls outside the grid.
func differentials(levels []float64, n int) []float64 {
	out := make([]float64, n*n*Directions)
	for r := 0; r < n; r++ {
		for c := 0; c < n; c++ {
			center := levels[r*n+c]
			for d, off := range offsets {
				nr, nc := r+off[0], c+off[1]
				if nr < 0 || nr >= n || nc < 0 || nc >= n {
					continue
				}
				out[(r*n+c)*Directions+d] = center - levels[nr*n+nc]
			}
		}
	}
	return out
}

// quantize maps differences to [-levels, levels]. Thresholds are percentiles of
// this image's own positive and negative differences, so a global brightness or
// contrast shift leaves the result unchanged.
func quantize(diffs []float64, levels int, tolerance float64) Signature {
	var pos, neg []float64
	for _, d := range diffs {
		switch {
		case d >= tolerance && d > 0:
			pos = append(pos, d)
		case d <= -tolerance && d < 0:
			neg = append(neg, -d)
		}
	}
	posCuts := cutoffs(pos, levels)
	negCuts := cutoffs(neg, levels)

	sig := make(Signature, len(diffs))
	for i, d := range diffs {
		switch {
		case d >= tolerance && d > 0:
			sig[i] = int8(level(d, posCuts))
		case d <= -tolerance && d < 0:
			sig[i] = -int8(level(-d, negCuts))
		}
	}
	return sig
}

// cutoffs returns the lower edge of each of the levels equal-population bands.
func cutoffs(values []float64, levels int) []float64 {
	if len(values) == 0 {
		return nil
	}
	sorted := slices.Clone(values)
	slices.Sort(sorted)

	cuts := make([]float64, levels)
	for i := range cuts {
		cuts[i] = percentile(sorted, 100*float64(i)/float64(levels))
	}
	return cuts
}

func level(v float64, cuts []float64) int {
	for i := len(cuts) - 1; i >= 0; i-- {
		if v >= cuts[i] {
			return i + 1
		}
	}
	return 1
}

// percentile interpolates linearly between closest ranks of a sorted slice.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 1 {
		return sorted[0]
	}
	rank := p / 100 * float64(len(sorted)-1)
	lo := int(math.Floor(rank))
	hi := min(lo+1, len(sorted)-1)
	return sorted[lo] + (sorted[hi]-sorted[lo])*(rank-float64(lo))
}
