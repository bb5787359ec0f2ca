// Package testimg builds deterministic synthetic images for tests.
package testimg

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"math/rand"
)

// Blocks returns a w×h image split into a blocks×blocks checkerboard of random
// grey levels in [30, 200].
func Blocks(seed int64, w, h, blocks int) *image.Gray {
	rng := rand.New(rand.NewSource(seed))
	levels := make([]uint8, blocks*blocks)
	for i := range levels {
		levels[i] = uint8(30 + rng.Intn(171))
	}

	img := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		by := y * blocks / h
		for x := 0; x < w; x++ {
			bx := x * blocks / w
			img.SetGray(x, y, color.Gray{Y: levels[by*blocks+bx]})
		}
	}
	return img
}

// Ramp returns a horizontal gradient from black on the left to white on the
// right.
func Ramp(w, h int) *image.Gray {
	img := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetGray(x, y, color.Gray{Y: uint8(x * 255 / (w - 1))})
		}
	}
	return img
}

// Rotate90 rotates img a quarter turn clockwise.
func Rotate90(img *image.Gray) *image.Gray {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	dst := image.NewGray(image.Rect(0, 0, h, w))
	for y := 0; y < w; y++ {
		for x := 0; x < h; x++ {
			dst.SetGray(x, y, img.GrayAt(b.Min.X+y, b.Min.Y+h-1-x))
		}
	}
	return dst
}

// Shift adds delta to every pixel, clamping to [0, 255].
func Shift(img *image.Gray, delta int) *image.Gray {
	b := img.Bounds()
	dst := image.NewGray(b)
	for i, v := range img.Pix {
		dst.Pix[i] = uint8(min(max(int(v)+delta, 0), 255))
	}
	return dst
}

func PNG(img image.Image) []byte {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

func JPEG(img image.Image, quality int) []byte {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		panic(err)
	}
	return buf.Bytes()
}
