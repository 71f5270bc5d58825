// Package l5field owns Layer 5 (Field): the batch conversion of a frozen
// counting grid into a continuous likelihood field.
//
// Every occupied cell becomes a 2D Gaussian component centred on the cell
// mean, with the cell covariance inflated by the smoothing variance on its
// diagonal. The field value at a query point is the sum of the densities of
// all components whose mean lies within the sensor range of the query. The
// value is an unnormalised score: it is not divided by the number of
// components.
//
// Dependency rule: L5 may depend on L4 only.
package l5field

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/lssmap/internal/lssmap/l4grid"
)

// Component is one Gaussian of the mixture.
type Component struct {
	MeanX, MeanY float64
	// Inverse covariance (symmetric): [ia ib; ib ic].
	ia, ib, ic float64
	// norm is 1 / (2*pi*sqrt(det(cov))).
	norm  float64
	Count int64
}

// Density returns the component density at (x, y).
func (c *Component) Density(x, y float64) float64 {
	dx, dy := x-c.MeanX, y-c.MeanY
	m := c.ia*dx*dx + 2*c.ib*dx*dy + c.ic*dy*dy
	return c.norm * math.Exp(-0.5*m)
}

// BuildStats reports what happened to the grid cells during Build.
type BuildStats struct {
	Cells      int // occupied cells in the grid
	Components int // cells turned into components
	Degenerate int // cells excluded for low count or singular covariance
}

// Extent is an axis-aligned world rectangle.
type Extent struct {
	MinX, MinY, MaxX, MaxY float64
}

// Width returns the x span.
func (e Extent) Width() float64 { return e.MaxX - e.MinX }

// Height returns the y span.
func (e Extent) Height() float64 { return e.MaxY - e.MinY }

type bucketKey struct{ i, j int64 }

// Field is the read-only likelihood field. It is safe for concurrent
// queries once built.
type Field struct {
	sensorRange float64
	smoothing   float64
	components  []Component
	buckets     map[bucketKey][]int32
	extent      Extent
	stats       BuildStats
}

// Option customises Build.
type Option func(*buildOptions)

type buildOptions struct {
	minCount int64
}

// WithMinCount excludes cells that counted fewer than n points. The default
// is 1, i.e. every occupied cell contributes.
func WithMinCount(n int64) Option {
	return func(o *buildOptions) {
		if n > 1 {
			o.minCount = n
		}
	}
}

// Build turns the grid into a likelihood field. The grid must not be
// modified while Build runs.
func Build(grid *l4grid.CountingGrid, sensorRange, smoothing float64, opts ...Option) (*Field, error) {
	if grid == nil {
		return nil, fmt.Errorf("nil grid")
	}
	if !(sensorRange > 0) || math.IsInf(sensorRange, 0) {
		return nil, fmt.Errorf("sensor range must be positive and finite, got %v", sensorRange)
	}
	if smoothing < 0 || math.IsNaN(smoothing) || math.IsInf(smoothing, 0) {
		return nil, fmt.Errorf("smoothing variance must be non-negative and finite, got %v", smoothing)
	}
	o := buildOptions{minCount: 1}
	for _, opt := range opts {
		opt(&o)
	}

	f := &Field{
		sensorRange: sensorRange,
		smoothing:   smoothing,
		buckets:     make(map[bucketKey][]int32),
	}
	f.stats.Cells = grid.Len()

	cellSize := grid.CellSize()
	first := true
	for _, r := range grid.Export() {
		if r.Count < o.minCount {
			f.stats.Degenerate++
			continue
		}
		comp, ok := newComponent(r.Cell, smoothing)
		if !ok {
			f.stats.Degenerate++
			continue
		}
		id := int32(len(f.components))
		f.components = append(f.components, comp)
		key := f.bucketOf(comp.MeanX, comp.MeanY)
		f.buckets[key] = append(f.buckets[key], id)

		// Extent covers the occupied cell rectangles.
		x0, y0 := float64(r.I)*cellSize, float64(r.J)*cellSize
		x1, y1 := x0+cellSize, y0+cellSize
		if first {
			f.extent = Extent{MinX: x0, MinY: y0, MaxX: x1, MaxY: y1}
			first = false
		} else {
			f.extent.MinX = min(f.extent.MinX, x0)
			f.extent.MinY = min(f.extent.MinY, y0)
			f.extent.MaxX = max(f.extent.MaxX, x1)
			f.extent.MaxY = max(f.extent.MaxY, y1)
		}
	}
	f.stats.Components = len(f.components)
	if !first {
		f.extent.MinX -= sensorRange
		f.extent.MinY -= sensorRange
		f.extent.MaxX += sensorRange
		f.extent.MaxY += sensorRange
	}
	return f, nil
}

// newComponent inflates the cell covariance and precomputes its inverse and
// normalisation through a Cholesky factorisation. ok is false when the
// inflated covariance is not positive definite.
func newComponent(c l4grid.Cell, smoothing float64) (Component, bool) {
	mx, my := c.Mean()
	xx, xy, yy := c.Covariance()
	cov := mat.NewSymDense(2, []float64{
		xx + smoothing, xy,
		xy, yy + smoothing,
	})

	var chol mat.Cholesky
	if ok := chol.Factorize(cov); !ok {
		return Component{}, false
	}
	var inv mat.SymDense
	if err := chol.InverseTo(&inv); err != nil {
		return Component{}, false
	}
	logDet := chol.LogDet()
	if math.IsInf(logDet, 0) || math.IsNaN(logDet) {
		return Component{}, false
	}
	return Component{
		MeanX: mx,
		MeanY: my,
		ia:    inv.At(0, 0),
		ib:    inv.At(0, 1),
		ic:    inv.At(1, 1),
		norm:  math.Exp(-math.Log(2*math.Pi) - 0.5*logDet),
		Count: c.Count,
	}, true
}

func (f *Field) bucketOf(x, y float64) bucketKey {
	return bucketKey{
		i: int64(math.Floor(x / f.sensorRange)),
		j: int64(math.Floor(y / f.sensorRange)),
	}
}

// At evaluates the field at world point (qx, qy): the sum of the densities
// of every component whose mean is within the sensor range of the query.
func (f *Field) At(qx, qy float64) float64 {
	r2 := f.sensorRange * f.sensorRange
	b := f.bucketOf(qx, qy)
	var sum float64
	for di := int64(-1); di <= 1; di++ {
		for dj := int64(-1); dj <= 1; dj++ {
			for _, id := range f.buckets[bucketKey{b.i + di, b.j + dj}] {
				c := &f.components[id]
				dx, dy := qx-c.MeanX, qy-c.MeanY
				if dx*dx+dy*dy > r2 {
					continue
				}
				sum += c.Density(qx, qy)
			}
		}
	}
	return sum
}

// Extent returns the bounding box of all contributing cells expanded by the
// sensor range on each side. It is the zero Extent for an empty field.
func (f *Field) Extent() Extent { return f.extent }

// Len returns the number of mixture components.
func (f *Field) Len() int { return len(f.components) }

// Components returns the mixture components. The slice must not be
// modified.
func (f *Field) Components() []Component { return f.components }

// SensorRange returns the support radius of each component.
func (f *Field) SensorRange() float64 { return f.sensorRange }

// Smoothing returns the variance added to each covariance diagonal.
func (f *Field) Smoothing() float64 { return f.smoothing }

// Stats returns build statistics.
func (f *Field) Stats() BuildStats { return f.stats }
