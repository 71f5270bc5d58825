// Package l4grid owns Layer 4 (Grid): the sparse counting grid that
// accumulates per-cell sufficient statistics of world-frame points.
//
// Responsibilities: cell statistics, lazy cell creation, export/import of
// the statistics for persistence, resume and offline merge.
// Key types: Cell, CellIndex, CountingGrid, Record.
//
// Dependency rule: L4 depends on nothing else in lssmap.
// No SQL/database code is allowed in this package.
package l4grid

import (
	"errors"
	"fmt"
	"iter"
	"math"
	"sort"
)

// ErrInvalidCellSize is returned when a grid is created with a cell size
// that is not a positive finite number.
var ErrInvalidCellSize = errors.New("cell size must be positive and finite")

// CellIndex addresses one square cell: (floor(x/size), floor(y/size)).
type CellIndex struct {
	I, J int64
}

// Cell holds the sufficient statistics of the points counted into it.
type Cell struct {
	Count int64
	SumX  float64
	SumY  float64
	SumXX float64
	SumYY float64
	SumXY float64
}

// Add counts one point into the cell.
func (c *Cell) Add(x, y float64) {
	c.Count++
	c.SumX += x
	c.SumY += y
	c.SumXX += x * x
	c.SumYY += y * y
	c.SumXY += x * y
}

// Mean returns the arithmetic mean of the counted points. An empty cell
// has mean (0, 0).
func (c Cell) Mean() (mx, my float64) {
	if c.Count == 0 {
		return 0, 0
	}
	n := float64(c.Count)
	return c.SumX / n, c.SumY / n
}

// Covariance returns the population covariance (xx, xy, yy) recovered from
// the second moments. Rounding can make the variances slightly negative
// for near-identical points, so they are clamped at zero.
func (c Cell) Covariance() (xx, xy, yy float64) {
	if c.Count == 0 {
		return 0, 0, 0
	}
	n := float64(c.Count)
	mx, my := c.SumX/n, c.SumY/n
	xx = c.SumXX/n - mx*mx
	yy = c.SumYY/n - my*my
	xy = c.SumXY/n - mx*my
	if xx < 0 {
		xx = 0
	}
	if yy < 0 {
		yy = 0
	}
	return xx, xy, yy
}

// CountingGrid is an unbounded sparse grid of Cells over world-frame 2D
// space, with the same cell size on both axes. A cell exists iff at least
// one point was counted into it; cells are never deleted.
//
// CountingGrid is owned by a single accumulation loop and does no locking.
// Parallel producers must either funnel inserts through one owner or build
// separate grids and combine them with Merge.
type CountingGrid struct {
	cellSize float64
	cells    map[CellIndex]*Cell
	points   int64
}

// New creates an empty grid.
func New(cellSize float64) (*CountingGrid, error) {
	if !(cellSize > 0) || math.IsInf(cellSize, 0) {
		return nil, fmt.Errorf("%w: got %v", ErrInvalidCellSize, cellSize)
	}
	return &CountingGrid{
		cellSize: cellSize,
		cells:    make(map[CellIndex]*Cell),
	}, nil
}

// CellSize returns the edge length of a cell in metres.
func (g *CountingGrid) CellSize() float64 { return g.cellSize }

// Index returns the cell index covering world point (x, y).
func (g *CountingGrid) Index(x, y float64) CellIndex {
	return CellIndex{
		I: int64(math.Floor(x / g.cellSize)),
		J: int64(math.Floor(y / g.cellSize)),
	}
}

// Insert counts world point (x, y) into its cell, creating the cell on
// first hit. Non-finite coordinates are ignored and reported as false.
func (g *CountingGrid) Insert(x, y float64) bool {
	if math.IsNaN(x) || math.IsNaN(y) || math.IsInf(x, 0) || math.IsInf(y, 0) {
		return false
	}
	idx := g.Index(x, y)
	c, ok := g.cells[idx]
	if !ok {
		c = &Cell{}
		g.cells[idx] = c
	}
	c.Add(x, y)
	g.points++
	return true
}

// Cell returns a copy of the cell at idx.
func (g *CountingGrid) Cell(idx CellIndex) (Cell, bool) {
	c, ok := g.cells[idx]
	if !ok {
		return Cell{}, false
	}
	return *c, true
}

// Len returns the number of occupied cells.
func (g *CountingGrid) Len() int { return len(g.cells) }

// Points returns the number of points counted since creation or import.
func (g *CountingGrid) Points() int64 { return g.points }

// Cells iterates over occupied cells in unspecified order.
func (g *CountingGrid) Cells() iter.Seq2[CellIndex, Cell] {
	return func(yield func(CellIndex, Cell) bool) {
		for idx, c := range g.cells {
			if !yield(idx, *c) {
				return
			}
		}
	}
}

// Bounds returns the minimum and maximum occupied cell indices. ok is
// false for an empty grid.
func (g *CountingGrid) Bounds() (lo, hi CellIndex, ok bool) {
	for idx := range g.cells {
		if !ok {
			lo, hi, ok = idx, idx, true
			continue
		}
		lo.I = min(lo.I, idx.I)
		lo.J = min(lo.J, idx.J)
		hi.I = max(hi.I, idx.I)
		hi.J = max(hi.J, idx.J)
	}
	return lo, hi, ok
}

// Record is the persisted form of one occupied cell.
type Record struct {
	I, J int64
	Cell
}

// Export returns one record per occupied cell, sorted by (I, J).
func (g *CountingGrid) Export() []Record {
	out := make([]Record, 0, len(g.cells))
	for idx, c := range g.cells {
		out = append(out, Record{I: idx.I, J: idx.J, Cell: *c})
	}
	sort.Slice(out, func(a, b int) bool {
		if out[a].I != out[b].I {
			return out[a].I < out[b].I
		}
		return out[a].J < out[b].J
	})
	return out
}

// Import builds a grid from exported records. Statistics are restored
// bit-identically. Records with a non-positive count are rejected, and a
// repeated index is merged into the earlier record.
func Import(cellSize float64, records []Record) (*CountingGrid, error) {
	g, err := New(cellSize)
	if err != nil {
		return nil, err
	}
	for n, r := range records {
		if r.Count <= 0 {
			return nil, fmt.Errorf("record %d (%d, %d): count must be positive, got %d", n, r.I, r.J, r.Count)
		}
		idx := CellIndex{I: r.I, J: r.J}
		if c, ok := g.cells[idx]; ok {
			c.merge(r.Cell)
		} else {
			cc := r.Cell
			g.cells[idx] = &cc
		}
		g.points += r.Count
	}
	return g, nil
}

// Merge adds other's statistics into g cell by cell. Both grids must use
// the same cell size.
func (g *CountingGrid) Merge(other *CountingGrid) error {
	if other == nil {
		return nil
	}
	if other.cellSize != g.cellSize {
		return fmt.Errorf("cannot merge grids with cell sizes %v and %v", g.cellSize, other.cellSize)
	}
	for idx, oc := range other.cells {
		if c, ok := g.cells[idx]; ok {
			c.merge(*oc)
		} else {
			cc := *oc
			g.cells[idx] = &cc
		}
	}
	g.points += other.points
	diagf("merged %d cells (%d points) into grid, now %d cells", len(other.cells), other.points, len(g.cells))
	return nil
}

func (c *Cell) merge(o Cell) {
	c.Count += o.Count
	c.SumX += o.SumX
	c.SumY += o.SumY
	c.SumXX += o.SumXX
	c.SumYY += o.SumYY
	c.SumXY += o.SumXY
}
