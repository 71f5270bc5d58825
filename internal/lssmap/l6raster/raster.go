// Package l6raster owns Layer 6 (Raster): sampling a likelihood field on a
// regular pixel grid and quantising the samples into 8-bit and 16-bit
// grayscale pixel buffers, plus the origin record that re-aligns the raster
// with world coordinates.
//
// The package produces pixel buffers only. Encoding them into image files is
// the caller's job.
//
// Dependency rule: L6 may depend on L5 only.
package l6raster

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"io"
	"math"
	"runtime"
	"sync"

	"github.com/banshee-data/lssmap/internal/lssmap/l5field"
)

// MaxPixels bounds the size of a single raster.
const MaxPixels = 1 << 28

var (
	// ErrEmptyField is returned when the field has no components to sample.
	ErrEmptyField = errors.New("field is empty")
	// ErrTooLarge is returned when the extent at the requested pixel size
	// would exceed MaxPixels.
	ErrTooLarge = errors.New("raster too large")
)

// Depth selects the pixel depth of a raster.
type Depth int

const (
	Depth8  Depth = 8
	Depth16 Depth = 16
)

func (d Depth) String() string {
	switch d {
	case Depth8:
		return "8-bit"
	case Depth16:
		return "16-bit"
	default:
		return fmt.Sprintf("Depth(%d)", int(d))
	}
}

// Field is the part of l5field.Field the rasteriser needs.
type Field interface {
	At(x, y float64) float64
	Extent() l5field.Extent
}

// Origin is the world coordinate of the lower-left corner of the pixel grid,
// that is of the outer corner of image pixel (0, Height-1). Image rows run
// north to south, so pixel (col, row) covers the world square starting at
// (X + col*PixelSize, Y + (Height-1-row)*PixelSize).
type Origin struct {
	X, Y float64
}

// WriteTo writes the origin record as "x y\n".
func (o Origin) WriteTo(w io.Writer) (int64, error) {
	n, err := fmt.Fprintf(w, "%f %f\n", o.X, o.Y)
	return int64(n), err
}

// Samples is a row-major buffer of raw field values. Row 0 is the top
// (north) row.
type Samples struct {
	Width, Height int
	PixelSize     float64
	Origin        Origin
	Values        []float64
	Max           float64
}

// Image is one quantised raster. Exactly one of Gray and Gray16 is set,
// according to Depth.
type Image struct {
	Depth     Depth
	PixelSize float64
	Origin    Origin // lower-left corner of pixel (0, Height-1), not (0, 0)
	Gray      *image.Gray
	Gray16    *image.Gray16
}

// Width returns the raster width in pixels.
func (im *Image) Width() int { return im.Bounds().Dx() }

// Height returns the raster height in pixels.
func (im *Image) Height() int { return im.Bounds().Dy() }

// Bounds returns the pixel rectangle.
func (im *Image) Bounds() image.Rectangle {
	if im.Gray != nil {
		return im.Gray.Rect
	}
	if im.Gray16 != nil {
		return im.Gray16.Rect
	}
	return image.Rectangle{}
}

// Image returns the pixel buffer as an image.Image for encoders.
func (im *Image) Image() image.Image {
	if im.Gray != nil {
		return im.Gray
	}
	return im.Gray16
}

// Sample evaluates the field at the centre of every pixel covering the
// field extent. Rows are sampled in parallel.
func Sample(field Field, pixelSize float64) (*Samples, error) {
	if !(pixelSize > 0) || math.IsInf(pixelSize, 0) {
		return nil, fmt.Errorf("pixel size must be positive and finite, got %v", pixelSize)
	}
	ext := field.Extent()
	if ext.Width() <= 0 || ext.Height() <= 0 {
		return nil, ErrEmptyField
	}
	wf := math.Ceil(ext.Width() / pixelSize)
	hf := math.Ceil(ext.Height() / pixelSize)
	if wf*hf > MaxPixels {
		return nil, fmt.Errorf("%w: %.0fx%.0f pixels at %v m", ErrTooLarge, wf, hf, pixelSize)
	}
	s := &Samples{
		Width:     int(wf),
		Height:    int(hf),
		PixelSize: pixelSize,
		Origin:    Origin{X: ext.MinX, Y: ext.MinY},
	}
	s.Values = make([]float64, s.Width*s.Height)

	rows := make(chan int)
	workers := min(runtime.GOMAXPROCS(0), s.Height)
	maxes := make([]float64, workers)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for row := range rows {
				y := s.Origin.Y + (float64(s.Height-1-row)+0.5)*pixelSize
				line := s.Values[row*s.Width : (row+1)*s.Width]
				for col := range line {
					x := s.Origin.X + (float64(col)+0.5)*pixelSize
					v := field.At(x, y)
					line[col] = v
					if v > maxes[w] {
						maxes[w] = v
					}
				}
			}
		}(w)
	}
	for row := 0; row < s.Height; row++ {
		rows <- row
	}
	close(rows)
	wg.Wait()

	for _, m := range maxes {
		s.Max = max(s.Max, m)
	}
	return s, nil
}

// Quantize normalises the samples by their maximum into the range of depth.
// A field whose maximum is zero yields an all-zero image.
func (s *Samples) Quantize(depth Depth) (*Image, error) {
	rect := image.Rect(0, 0, s.Width, s.Height)
	im := &Image{Depth: depth, PixelSize: s.PixelSize, Origin: s.Origin}
	scale := 0.0
	if s.Max > 0 {
		scale = 1 / s.Max
	}
	switch depth {
	case Depth8:
		im.Gray = image.NewGray(rect)
		for row := 0; row < s.Height; row++ {
			for col := 0; col < s.Width; col++ {
				v := s.Values[row*s.Width+col] * scale
				im.Gray.Pix[row*im.Gray.Stride+col] = uint8(math.Round(clamp01(v) * math.MaxUint8))
			}
		}
	case Depth16:
		im.Gray16 = image.NewGray16(rect)
		for row := 0; row < s.Height; row++ {
			for col := 0; col < s.Width; col++ {
				v := s.Values[row*s.Width+col] * scale
				im.Gray16.SetGray16(col, row, color.Gray16{Y: uint16(math.Round(clamp01(v) * math.MaxUint16))})
			}
		}
	default:
		return nil, fmt.Errorf("unsupported depth %v", depth)
	}
	return im, nil
}

func clamp01(v float64) float64 {
	if v < 0 || math.IsNaN(v) {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// Rasterize samples the field and quantises it into one raster.
func Rasterize(field Field, pixelSize float64, depth Depth) (*Image, error) {
	s, err := Sample(field, pixelSize)
	if err != nil {
		return nil, err
	}
	return s.Quantize(depth)
}

// RasterizeBoth samples the field once and derives the 8-bit and 16-bit
// rasters from the same samples, each normalised on its own.
func RasterizeBoth(field Field, pixelSize float64) (narrow, wide *Image, err error) {
	s, err := Sample(field, pixelSize)
	if err != nil {
		return nil, nil, err
	}
	if narrow, err = s.Quantize(Depth8); err != nil {
		return nil, nil, err
	}
	if wide, err = s.Quantize(Depth16); err != nil {
		return nil, nil, err
	}
	return narrow, wide, nil
}
