package extractor

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"imgvec/internal/port/outbound"
	"math"

	"github.com/disintegration/imaging"
)

// featuresPerCell is the number of values each grid cell contributes.
const featuresPerCell = 5

var _ outbound.FeatureExtractor = (*Local)(nil)

// Local computes a deterministic colour and texture descriptor without a model
// service. The image is decoded, cropped and resized to size x size, and split
// into grid x grid cells. Each cell yields mean R, G, B, luminance standard
// deviation and mean gradient magnitude. The vector is L2 normalised.
type Local struct {
	size         int
	grid         int
	modelVersion string
}

// NewLocal creates a local extractor. The vector dimension is grid*grid*5 and
// must match dimension.
func NewLocal(size, grid, dimension int, modelVersion string) (*Local, error) {
	if grid < 1 {
		return nil, fmt.Errorf("grid must be at least 1, got %d", grid)
	}
	if size < grid {
		return nil, fmt.Errorf("input size %d is smaller than grid %d", size, grid)
	}
	if got := grid * grid * featuresPerCell; got != dimension {
		return nil, fmt.Errorf("grid %d produces %d features, configured dimension is %d", grid, got, dimension)
	}
	return &Local{size: size, grid: grid, modelVersion: modelVersion}, nil
}

func (l *Local) Dimension() int { return l.grid * l.grid * featuresPerCell }

func (l *Local) ModelVersion() string { return l.modelVersion }

func (l *Local) ExtractOne(ctx context.Context, data []byte) ([]float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("image decode failed: %w", err)
	}
	return l.describe(img), nil
}

// ExtractBatch decodes each image independently; undecodable inputs get a nil entry.
func (l *Local) ExtractBatch(ctx context.Context, images [][]byte) ([][]float64, error) {
	out := make([][]float64, len(images))
	for i, data := range images {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		vec, err := l.ExtractOne(ctx, data)
		if err != nil {
			continue
		}
		out[i] = vec
	}
	return out, nil
}

func (l *Local) describe(src image.Image) []float64 {
	img := imaging.Fill(src, l.size, l.size, imaging.Center, imaging.Lanczos)

	// Luminance plane, reused for the texture features.
	lum := make([]float64, l.size*l.size)
	for y := 0; y < l.size; y++ {
		for x := 0; x < l.size; x++ {
			c := img.NRGBAAt(x, y)
			lum[y*l.size+x] = (0.299*float64(c.R) + 0.587*float64(c.G) + 0.114*float64(c.B)) / 255
		}
	}

	out := make([]float64, 0, l.Dimension())
	for gy := 0; gy < l.grid; gy++ {
		y0, y1 := gy*l.size/l.grid, (gy+1)*l.size/l.grid
		for gx := 0; gx < l.grid; gx++ {
			x0, x1 := gx*l.size/l.grid, (gx+1)*l.size/l.grid
			out = append(out, l.cell(img, lum, x0, y0, x1, y1)...)
		}
	}

	var norm float64
	for _, v := range out {
		norm += v * v
	}
	if norm = math.Sqrt(norm); norm > 0 {
		inv := 1 / norm
		for i := range out {
			out[i] *= inv
		}
	}
	return out
}

func (l *Local) cell(img *image.NRGBA, lum []float64, x0, y0, x1, y1 int) []float64 {
	var r, g, b, sum, sumSq, grad float64
	n := float64((x1 - x0) * (y1 - y0))
	for y := y0; y < y1; y++ {
		for x := x0; x < x1; x++ {
			c := img.NRGBAAt(x, y)
			r += float64(c.R)
			g += float64(c.G)
			b += float64(c.B)

			v := lum[y*l.size+x]
			sum += v
			sumSq += v * v

			var dx, dy float64
			if x+1 < l.size {
				dx = lum[y*l.size+x+1] - v
			}
			if y+1 < l.size {
				dy = lum[(y+1)*l.size+x] - v
			}
			grad += math.Hypot(dx, dy)
		}
	}

	mean := sum / n
	variance := math.Max(sumSq/n-mean*mean, 0)
	return []float64{
		r / n / 255,
		g / n / 255,
		b / n / 255,
		math.Sqrt(variance),
		grad / n,
	}
}
