// Package imaging decodes raw image bytes into the normalized greyscale grid
// signatures are computed from.
package imaging

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"  // register GIF decoder
	_ "image/jpeg" // register JPEG decoder
	_ "image/png"  // register PNG decoder

	_ "golang.org/x/image/bmp"  // register BMP decoder
	_ "golang.org/x/image/tiff" // register TIFF decoder
	_ "golang.org/x/image/webp" // register WebP decoder

	"golang.org/x/image/draw"

	"github.com/hubenschmidt/go-imgmatch/core"
)

const (
	DefaultCropPercentile = 5

	// DefaultMaxPixels admits a 64 megapixel image.
	DefaultMaxPixels = 64 << 20
)

// Codec decodes, crops away low-variation borders, and resizes to a square.
type Codec struct {
	Side           int
	CropPercentile float64
	MaxPixels      int // width×height allowed before decoding; 0 means no limit
}

// NewCodec returns a Codec producing side×side grids.
func NewCodec(side int) *Codec {
	return &Codec{Side: side, CropPercentile: DefaultCropPercentile, MaxPixels: DefaultMaxPixels}
}

// Decode implements signature.Decoder.
func (c *Codec) Decode(data []byte) (*image.Gray, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty input", core.ErrDecode)
	}

	if c.MaxPixels > 0 {
		cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
		if err != nil {
			return nil, core.Decode(err)
		}
		if int64(cfg.Width)*int64(cfg.Height) > int64(c.MaxPixels) {
			return nil, fmt.Errorf("%w: image is %dx%d, limit is %d pixels", core.ErrDecode, cfg.Width, cfg.Height, c.MaxPixels)
		}
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, core.Decode(err)
	}

	gray := Gray(img)
	if gray.Bounds().Dx() < 2 || gray.Bounds().Dy() < 2 {
		return nil, fmt.Errorf("%w: image is %dx%d", core.ErrDecode, gray.Bounds().Dx(), gray.Bounds().Dy())
	}

	crop := gray.SubImage(Crop(gray, c.CropPercentile)).(*image.Gray)
	if c.Side <= 0 {
		return crop, nil
	}
	return Resize(crop, c.Side), nil
}

// Gray converts img to 8-bit greyscale anchored at the origin.
func Gray(img image.Image) *image.Gray {
	b := img.Bounds()
	g := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(g, g.Bounds(), img, b.Min, draw.Src)
	return g
}

// Crop returns the region between the points where cumulative row and column
// variation passes percentile% of the total, measured from each end. Measuring
// both ends the same way keeps the crop consistent under rotation and mirroring.
func Crop(g *image.Gray, percentile float64) image.Rectangle {
	b := g.Bounds()
	w, h := b.Dx(), b.Dy()

	rows := make([]int64, h)
	cols := make([]int64, w)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			v := int64(g.GrayAt(b.Min.X+x, b.Min.Y+y).Y)
			if x+1 < w {
				rows[y] += abs(v - int64(g.GrayAt(b.Min.X+x+1, b.Min.Y+y).Y))
			}
			if y+1 < h {
				cols[x] += abs(v - int64(g.GrayAt(b.Min.X+x, b.Min.Y+y+1).Y))
			}
		}
	}

	y0, y1 := span(rows, percentile)
	x0, x1 := span(cols, percentile)
	return image.Rect(b.Min.X+x0, b.Min.Y+y0, b.Min.X+x1, b.Min.Y+y1)
}

// span returns [lo, hi) trimming percentile% of the total variation from each
// end. Flat axes and spans thinner than a tenth of the axis keep the full axis.
func span(variation []int64, percentile float64) (int, int) {
	n := len(variation)
	var total int64
	for _, v := range variation {
		total += v
	}
	if total == 0 || percentile <= 0 {
		return 0, n
	}

	threshold := float64(total) * percentile / 100

	lo := 0
	var cum int64
	for i, v := range variation {
		cum += v
		if float64(cum) > threshold {
			lo = i
			break
		}
	}

	hi := n
	cum = 0
	for i := n - 1; i >= 0; i-- {
		cum += variation[i]
		if float64(cum) > threshold {
			hi = i + 1
			break
		}
	}

	if hi-lo < max(2, n/10) {
		return 0, n
	}
	return lo, hi
}

// Resize scales src to side×side.
func Resize(src *image.Gray, side int) *image.Gray {
	dst := image.NewGray(image.Rect(0, 0, side, side))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)
	return dst
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
