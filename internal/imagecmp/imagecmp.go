// Package imagecmp scores how far a rendered image is from a reference
// image, using a colour histogram distance and a mean pixel difference.
package imagecmp

import (
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"math"
	"os"
)

// Diff holds both metrics, each normalised to [0, 1].
type Diff struct {
	Histogram float64
	Pixel     float64
}

// Tolerance is the largest acceptable value of each metric.
type Tolerance struct {
	Histogram float64
	Pixel     float64
}

// DefaultTolerance accepts small antialiasing and colour-map drift.
var DefaultTolerance = Tolerance{Histogram: 0.1, Pixel: 0.05}

// Within reports whether both metrics are at most their tolerance.
func (d Diff) Within(t Tolerance) bool {
	return d.Histogram <= t.Histogram && d.Pixel <= t.Pixel
}

func Load(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening image: %w", err)
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decoding %s: %w", path, err)
	}
	return img, nil
}

const bins = 256

type histogram [3][bins]float64

func histogramOf(img image.Image) histogram {
	var h histogram
	b := img.Bounds()
	n := float64(b.Dx() * b.Dy())
	if n == 0 {
		return h
	}
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			r, g, bl, _ := img.At(x, y).RGBA()
			h[0][r>>8]++
			h[1][g>>8]++
			h[2][bl>>8]++
		}
	}
	for c := range h {
		for i := range h[c] {
			h[c][i] /= n
		}
	}
	return h
}

// Compare scores b against the reference a. The images must be the same
// size.
func Compare(a, b image.Image) (Diff, error) {
	ab, bb := a.Bounds(), b.Bounds()
	if ab.Dx() != bb.Dx() || ab.Dy() != bb.Dy() {
		return Diff{}, fmt.Errorf("image sizes differ: %dx%d vs %dx%d", ab.Dx(), ab.Dy(), bb.Dx(), bb.Dy())
	}
	ha, hb := histogramOf(a), histogramOf(b)
	var hist float64
	for c := range ha {
		var d float64
		for i := 0; i < bins; i++ {
			d += math.Abs(ha[c][i] - hb[c][i])
		}
		// Half the L1 distance between two distributions lies in [0, 1].
		hist += d / 2
	}
	hist /= 3

	var pix float64
	for y := 0; y < ab.Dy(); y++ {
		for x := 0; x < ab.Dx(); x++ {
			r1, g1, b1, _ := a.At(ab.Min.X+x, ab.Min.Y+y).RGBA()
			r2, g2, b2, _ := b.At(bb.Min.X+x, bb.Min.Y+y).RGBA()
			pix += (absDiff(r1, r2) + absDiff(g1, g2) + absDiff(b1, b2)) / (3 * 0xffff)
		}
	}
	if n := ab.Dx() * ab.Dy(); n > 0 {
		pix /= float64(n)
	}
	return Diff{Histogram: hist, Pixel: pix}, nil
}

func absDiff(a, b uint32) float64 {
	return math.Abs(float64(a) - float64(b))
}

// CompareFiles loads and compares two image files.
func CompareFiles(reference, candidate string) (Diff, error) {
	a, err := Load(reference)
	if err != nil {
		return Diff{}, err
	}
	b, err := Load(candidate)
	if err != nil {
		return Diff{}, err
	}
	return Compare(a, b)
}
