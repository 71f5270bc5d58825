package pipeline

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/banshee-data/lssmap/internal/lssmap/l2gate"
	"github.com/banshee-data/lssmap/internal/lssmap/l3scan"
)

// Params is the immutable parameter set of one mapping run. It is built
// once from the configuration and passed by pointer; the runner never
// modifies it.
type Params struct {
	CellSize     float64 // counting grid cell edge, metres
	PixelSize    float64 // raster pixel edge, metres
	Smoothing    float64 // variance added to each cell covariance, m^2
	SensorRange  float64 // support radius of each field component, metres
	MinCellCount int64

	Filter     l3scan.Params
	Conditions l2gate.Conditions

	JoinTolerance      time.Duration
	TickPeriod         time.Duration
	PoseBuffer         int
	PointCloudBuffer   int
	StatusDisplayCycle time.Duration
}

// Validate checks the ranges the runner relies on.
func (p *Params) Validate() error {
	var errs []error
	for _, v := range []struct {
		name string
		val  float64
	}{
		{"cell size", p.CellSize},
		{"pixel size", p.PixelSize},
		{"sensor range", p.SensorRange},
	} {
		if !(v.val > 0) || math.IsInf(v.val, 0) {
			errs = append(errs, fmt.Errorf("%s must be positive and finite, got %v", v.name, v.val))
		}
	}
	if p.Smoothing < 0 || math.IsNaN(p.Smoothing) {
		errs = append(errs, fmt.Errorf("smoothing must be non-negative, got %v", p.Smoothing))
	}
	if p.TickPeriod <= 0 {
		errs = append(errs, fmt.Errorf("tick period must be positive, got %v", p.TickPeriod))
	}
	if p.PoseBuffer < 1 || p.PointCloudBuffer < 1 {
		errs = append(errs, fmt.Errorf("buffers must hold at least one sample, got %d/%d", p.PoseBuffer, p.PointCloudBuffer))
	}
	if err := p.Filter.Validate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
