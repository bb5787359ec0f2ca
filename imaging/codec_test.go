package imaging

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"image"
	"image/color"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/image/bmp"
	"golang.org/x/image/tiff"

	"github.com/hubenschmidt/go-imgmatch/core"
	"github.com/hubenschmidt/go-imgmatch/internal/testimg"
)

func TestDecodeFormats(t *testing.T) {
	src := testimg.Blocks(4, 120, 80, 4)

	var bmpBuf, tiffBuf bytes.Buffer
	require.NoError(t, bmp.Encode(&bmpBuf, src))
	require.NoError(t, tiff.Encode(&tiffBuf, src, nil))

	tests := []struct {
		name string
		data []byte
	}{
		{"PNG", testimg.PNG(src)},
		{"JPEG", testimg.JPEG(src, 90)},
		{"BMP", bmpBuf.Bytes()},
		{"TIFF", tiffBuf.Bytes()},
	}

	codec := NewCodec(101)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gray, err := codec.Decode(tt.data)
			require.NoError(t, err)
			assert.Equal(t, image.Rect(0, 0, 101, 101), gray.Bounds())
		})
	}
}

func TestDecodeErrors(t *testing.T) {
	codec := NewCodec(101)

	_, err := codec.Decode(nil)
	assert.ErrorIs(t, err, core.ErrDecode)

	_, err = codec.Decode([]byte("GIF89a but not really"))
	assert.ErrorIs(t, err, core.ErrDecode)

	_, err = codec.Decode(testimg.PNG(image.NewGray(image.Rect(0, 0, 1, 1))))
	assert.ErrorIs(t, err, core.ErrDecode)
}

// pngHeader returns a PNG holding only an 8-bit greyscale IHDR chunk. It is
// enough for image.DecodeConfig and would take w×h bytes to decode.
func pngHeader(w, h uint32) []byte {
	ihdr := []byte("IHDR")
	ihdr = binary.BigEndian.AppendUint32(ihdr, w)
	ihdr = binary.BigEndian.AppendUint32(ihdr, h)
	ihdr = append(ihdr, 8, 0, 0, 0, 0)

	out := []byte("\x89PNG\r\n\x1a\n")
	out = binary.BigEndian.AppendUint32(out, uint32(len(ihdr)-4))
	out = append(out, ihdr...)
	return binary.BigEndian.AppendUint32(out, crc32.ChecksumIEEE(ihdr))
}

func TestDecodePixelLimit(t *testing.T) {
	t.Run("HugeDimensions", func(t *testing.T) {
		_, err := NewCodec(101).Decode(pngHeader(50000, 50000))
		assert.ErrorIs(t, err, core.ErrDecode)
		assert.ErrorContains(t, err, "50000x50000")
	})

	t.Run("CompressedBeyondLimit", func(t *testing.T) {
		// A flat image compresses to a few hundred bytes.
		data := testimg.PNG(image.NewGray(image.Rect(0, 0, 400, 300)))
		codec := NewCodec(101)
		codec.MaxPixels = 100_000
		_, err := codec.Decode(data)
		assert.ErrorIs(t, err, core.ErrDecode)
	})

	t.Run("AtLimit", func(t *testing.T) {
		codec := NewCodec(101)
		codec.MaxPixels = 120 * 80
		_, err := codec.Decode(testimg.PNG(testimg.Blocks(4, 120, 80, 4)))
		assert.NoError(t, err)
	})

	t.Run("Unlimited", func(t *testing.T) {
		codec := NewCodec(101)
		codec.MaxPixels = 0
		_, err := codec.Decode(testimg.PNG(testimg.Blocks(4, 120, 80, 4)))
		assert.NoError(t, err)
	})
}

func TestDecodeWithoutResizeKeepsCrop(t *testing.T) {
	codec := &Codec{Side: 0, CropPercentile: 0}
	gray, err := codec.Decode(testimg.PNG(testimg.Blocks(2, 64, 48, 4)))
	require.NoError(t, err)
	assert.Equal(t, 64, gray.Bounds().Dx())
	assert.Equal(t, 48, gray.Bounds().Dy())
}

func TestGrayAnchorsAtOrigin(t *testing.T) {
	rgba := image.NewRGBA(image.Rect(10, 20, 30, 50))
	for y := 20; y < 50; y++ {
		for x := 10; x < 30; x++ {
			rgba.Set(x, y, color.RGBA{R: 255, G: 255, B: 255, A: 255})
		}
	}

	g := Gray(rgba)
	assert.Equal(t, image.Rect(0, 0, 20, 30), g.Bounds())
	assert.Equal(t, uint8(255), g.GrayAt(0, 0).Y)
}

func TestSpan(t *testing.T) {
	tests := []struct {
		name   string
		values []int64
		lo, hi int
	}{
		{"Flat", []int64{0, 0, 0, 0}, 0, 4},
		{"Uniform", []int64{1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1}, 1, 19},
		{"Centered", []int64{0, 0, 0, 5, 5, 5, 5, 0, 0, 0}, 3, 7},
		{"TooThin", []int64{0, 0, 0, 0, 0, 9, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0}, 0, 22},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lo, hi := span(tt.values, DefaultCropPercentile)
			assert.Equal(t, tt.lo, lo)
			assert.Equal(t, tt.hi, hi)
		})
	}
}

func TestCropCommutesWithRotation(t *testing.T) {
	img := testimg.Blocks(8, 90, 60, 5)
	// Pad with a flat border so the crop has something to remove.
	padded := image.NewGray(image.Rect(0, 0, 130, 100))
	for i := range padded.Pix {
		padded.Pix[i] = 128
	}
	for y := 0; y < 60; y++ {
		for x := 0; x < 90; x++ {
			padded.SetGray(x+25, y+15, img.GrayAt(x, y))
		}
	}

	r := Crop(padded, DefaultCropPercentile)
	rr := Crop(testimg.Rotate90(padded), DefaultCropPercentile)

	// A clockwise quarter turn maps rows [y0,y1) to columns [H-y1, H-y0) and
	// columns to rows.
	h := padded.Bounds().Dy()
	assert.Equal(t, image.Rect(h-r.Max.Y, r.Min.X, h-r.Min.Y, r.Max.X), rr)
	assert.True(t, r.In(padded.Bounds()))
	assert.Less(t, r.Dx(), padded.Bounds().Dx())
}
