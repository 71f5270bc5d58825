// Package l3scan owns Layer 3 (Scan): per-scan point filtering in the
// sensor frame and the rigid transform of accepted points into the world
// frame.
//
// Points are filtered in the sensor frame and accumulated in the world
// frame. Range gating and culling both use sensor-frame coordinates, so a
// scan's filtering result does not depend on where the robot stands.
//
// Dependency rule: L3 may depend on L1 only.
package l3scan

import (
	"fmt"
	"iter"

	"github.com/banshee-data/lssmap/internal/lssmap/l1samples"
)

// cullSentinel is the initial "previous accepted point": far outside any
// plausible range so the first point of a scan survives culling.
const cullSentinel = 10000.0

// Params configures the scan filter. A negative range bound disables that
// bound.
type Params struct {
	IgnoreRangeLower float64 // metres
	IgnoreRangeUpper float64 // metres
	CullingDistance  float64 // metres
}

// Validate checks that the bounds are consistent.
func (p Params) Validate() error {
	if p.IgnoreRangeLower >= 0 && p.IgnoreRangeUpper >= 0 && p.IgnoreRangeUpper < p.IgnoreRangeLower {
		return fmt.Errorf("ignore range upper %g is below lower %g", p.IgnoreRangeUpper, p.IgnoreRangeLower)
	}
	return nil
}

// WorldPoint is an accepted point in the world frame.
type WorldPoint struct {
	X, Y, Z float64
}

// FilterStats counts per-point outcomes across all processed scans.
type FilterStats struct {
	Scans         uint64
	InvalidPoses  uint64 // scans dropped whole: the pose gave no rigid transform
	RangeRejected uint64
	Culled        uint64
	Accepted      uint64
}

// Filter applies range gating, culling and the sensor-to-world transform.
// It is used from the single accumulation loop and is not safe for
// concurrent use.
type Filter struct {
	params Params
	stats  FilterStats
}

// NewFilter creates a Filter.
func NewFilter(p Params) *Filter {
	return &Filter{params: p}
}

// Params returns the filter configuration.
func (f *Filter) Params() Params { return f.params }

// Stats returns a copy of the cumulative counters.
func (f *Filter) Stats() FilterStats { return f.stats }

// Process returns the world-frame points of cloud that survive filtering,
// in scan order. The sequence is lazy and single-pass: the culling state
// lives in the iteration, so each range over the result re-runs the scan.
// A pose that does not yield a rigid transform (NaN or infinite fields)
// produces no points.
func (f *Filter) Process(pose l1samples.PoseSample, cloud l1samples.PointCloudSample) iter.Seq[WorldPoint] {
	T := PoseTransform(pose)
	valid := IsValidTransformMatrix(T)
	lower := f.params.IgnoreRangeLower
	upper := f.params.IgnoreRangeUpper
	cullSq := f.params.CullingDistance * f.params.CullingDistance

	return func(yield func(WorldPoint) bool) {
		f.stats.Scans++
		if !valid {
			f.stats.InvalidPoses++
			return
		}
		prevX, prevY := cullSentinel, cullSentinel

		for _, p := range cloud.Points {
			r2 := p.X*p.X + p.Y*p.Y
			if lower >= 0 && r2 < lower*lower {
				f.stats.RangeRejected++
				continue
			}
			if upper >= 0 && r2 > upper*upper {
				f.stats.RangeRejected++
				continue
			}

			dx, dy := p.X-prevX, p.Y-prevY
			if dx*dx+dy*dy < cullSq {
				f.stats.Culled++
				continue
			}
			prevX, prevY = p.X, p.Y

			wx, wy, wz := ApplyPose(p.X, p.Y, p.Z, T)
			f.stats.Accepted++
			if !yield(WorldPoint{X: wx, Y: wy, Z: wz}) {
				return
			}
		}
	}
}
