package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/lssmap/internal/lssmap/l1samples"
	"github.com/banshee-data/lssmap/internal/lssmap/l2gate"
	"github.com/banshee-data/lssmap/internal/lssmap/l3scan"
	"github.com/banshee-data/lssmap/internal/lssmap/l4grid"
	"github.com/banshee-data/lssmap/internal/lssmap/l5field"
	"github.com/banshee-data/lssmap/internal/lssmap/l6raster"
	"github.com/banshee-data/lssmap/internal/timeutil"
)

// ErrResource wraps failures to acquire a resource the run depends on:
// the counting grid, an output file, the point recorder or the snapshot
// store. It is fatal at startup.
var ErrResource = errors.New("resource error")

// ErrClosed is returned by Tick and Run after Close.
var ErrClosed = errors.New("runner closed")

// Runner drives the accumulation loop: every tick it asks the gate for a
// collection event, filters and transforms the scan and counts the points
// into the grid. After the loop is cancelled, Finalize builds the field and
// the rasters once.
//
// A sink that fails to write is logged and disabled; accumulation goes on
// and the write error is reported by Close.
//
// Tick, Run, Finalize and Close must be called from one goroutine. The
// caches returned by Poses and PointClouds may be pushed to from any
// goroutine.
type Runner struct {
	params *Params
	clock  timeutil.Clock
	runID  string
	start  time.Time

	poses  *l1samples.Cache[l1samples.PoseSample]
	clouds *l1samples.Cache[l1samples.PointCloudSample]
	gate   *l2gate.Gate
	filter *l3scan.Filter
	grid   *l4grid.CountingGrid

	sinks     []Sink
	sinkErrs  []error // first write error per sink, nil while it is healthy
	observers []Observer
	buf       []l3scan.WorldPoint

	gateOpts []l2gate.Option
	closed   bool
}

// Option customises a Runner.
type Option func(*Runner)

// WithClock sets the clock the loop ticks from. Defaults to RealClock.
func WithClock(c timeutil.Clock) Option { return func(r *Runner) { r.clock = c } }

// WithRunID sets the run identifier. Defaults to a random UUID.
func WithRunID(id string) Option { return func(r *Runner) { r.runID = id } }

// WithSink adds a sink. The runner owns it and closes it in Close.
func WithSink(s Sink) Option { return func(r *Runner) { r.sinks = append(r.sinks, s) } }

// WithObserver adds a status observer.
func WithObserver(o Observer) Option {
	return func(r *Runner) { r.observers = append(r.observers, o) }
}

// WithGrid resumes accumulation into an existing grid instead of an empty
// one. Its cell size must match the parameters.
func WithGrid(g *l4grid.CountingGrid) Option { return func(r *Runner) { r.grid = g } }

// WithReferencePose replaces the gate's sentinel with a resumed pose.
func WithReferencePose(p l1samples.PoseSample, collected int) Option {
	return func(r *Runner) {
		r.gateOpts = append(r.gateOpts, l2gate.WithReferencePose(p, collected))
	}
}

// NewRunner validates params and allocates the caches, gate, filter and
// grid. On error every sink passed in options is closed.
func NewRunner(params *Params, opts ...Option) (*Runner, error) {
	r := &Runner{params: params, clock: timeutil.RealClock{}}
	for _, opt := range opts {
		opt(r)
	}
	if err := r.init(); err != nil {
		r.closeSinks()
		return nil, err
	}
	return r, nil
}

func (r *Runner) init() error {
	if r.params == nil {
		return fmt.Errorf("nil params")
	}
	if err := r.params.Validate(); err != nil {
		return fmt.Errorf("invalid params: %w", err)
	}
	if r.runID == "" {
		r.runID = uuid.NewString()
	}
	if r.grid == nil {
		g, err := l4grid.New(r.params.CellSize)
		if err != nil {
			return fmt.Errorf("%w: counting grid: %v", ErrResource, err)
		}
		r.grid = g
	} else if r.grid.CellSize() != r.params.CellSize {
		return fmt.Errorf("%w: resumed grid cell size %v does not match %v", ErrResource, r.grid.CellSize(), r.params.CellSize)
	}

	r.sinkErrs = make([]error, len(r.sinks))
	r.start = r.clock.Now()
	r.poses = l1samples.NewCache[l1samples.PoseSample](r.params.PoseBuffer)
	r.clouds = l1samples.NewCache[l1samples.PointCloudSample](r.params.PointCloudBuffer)
	gateOpts := append([]l2gate.Option{l2gate.WithJoinTolerance(r.params.JoinTolerance)}, r.gateOpts...)
	r.gate = l2gate.New(r.params.Conditions, r.poses, r.clouds, r.start, gateOpts...)
	r.filter = l3scan.NewFilter(r.params.Filter)
	diagf("run %s: cell=%.3fm pixel=%.3fm range=%.1fm smoothing=%g tick=%s conditions=%+v",
		r.runID, r.params.CellSize, r.params.PixelSize, r.params.SensorRange, r.params.Smoothing, r.params.TickPeriod, r.params.Conditions)
	return nil
}

// RunID returns the run identifier.
func (r *Runner) RunID() string { return r.runID }

// Poses returns the pose cache transports push into.
func (r *Runner) Poses() *l1samples.Cache[l1samples.PoseSample] { return r.poses }

// PointClouds returns the point-cloud cache transports push into.
func (r *Runner) PointClouds() *l1samples.Cache[l1samples.PointCloudSample] { return r.clouds }

// Grid returns the counting grid. It must not be modified while the loop
// runs.
func (r *Runner) Grid() *l4grid.CountingGrid { return r.grid }

// State returns the gate's collection state.
func (r *Runner) State() l2gate.CollectionState { return r.gate.State() }

// Tick runs one loop iteration at time now. It reports whether a scan was
// collected. A tick that finds nothing to do returns (false, nil).
func (r *Runner) Tick(now time.Time) (bool, error) {
	if r.closed {
		return false, ErrClosed
	}
	pose, cloud, ok := r.gate.MaybeCollect(now)
	if !ok {
		return false, nil
	}

	keep := len(r.sinks) > 0
	r.buf = r.buf[:0]
	var accepted int
	for p := range r.filter.Process(pose, cloud) {
		r.grid.Insert(p.X, p.Y)
		accepted++
		if keep {
			r.buf = append(r.buf, p)
		}
	}

	state := r.gate.State()
	tracef("scan #%d cloud seq=%d: %d of %d points accepted, grid %d cells",
		state.CollectedCount, cloud.Seq, accepted, len(cloud.Points), r.grid.Len())

	if keep {
		scan := Scan{
			Index:      state.CollectedCount,
			Pose:       pose,
			CloudSeq:   cloud.Seq,
			CloudStamp: cloud.Timestamp,
			Points:     r.buf,
		}
		for i, s := range r.sinks {
			if r.sinkErrs[i] != nil {
				continue
			}
			if err := s.WriteScan(scan); err != nil {
				opsf("%s: write failed on scan #%d, sink disabled: %v", s.Name(), scan.Index, err)
				r.sinkErrs[i] = fmt.Errorf("%s: write scan #%d: %w", s.Name(), scan.Index, err)
			}
		}
	}
	return true, nil
}

// Run ticks until ctx is cancelled. Cancellation is only observed between
// ticks and is not an error. Observers get a snapshot every
// StatusDisplayCycle and a final one when the loop ends.
func (r *Runner) Run(ctx context.Context) error {
	if r.closed {
		return ErrClosed
	}
	ticker := r.clock.NewTicker(r.params.TickPeriod)
	defer ticker.Stop()

	var status <-chan time.Time
	if r.params.StatusDisplayCycle > 0 && len(r.observers) > 0 {
		st := r.clock.NewTicker(r.params.StatusDisplayCycle)
		defer st.Stop()
		status = st.C()
	}

	opsf("run %s: accumulating", r.runID)
	for {
		select {
		case <-ctx.Done():
			r.notify(true)
			opsf("run %s: stopped after %d collections", r.runID, r.gate.State().CollectedCount)
			return nil
		case now := <-ticker.C():
			if _, err := r.Tick(now); err != nil {
				r.notify(true)
				return err
			}
		case <-status:
			r.notify(false)
		}
	}
}

// Status returns a snapshot of the current counters.
func (r *Runner) Status() StatusSnapshot {
	now := r.clock.Now()
	return StatusSnapshot{
		RunID:      r.runID,
		Now:        now,
		Elapsed:    now.Sub(r.start),
		Gate:       r.gate.Stats(),
		State:      r.gate.State(),
		Filter:     r.filter.Stats(),
		PoseCache:  r.poses.Stats(),
		CloudCache: r.clouds.Stats(),
		Cells:      r.grid.Len(),
		Points:     r.grid.Points(),
	}
}

func (r *Runner) notify(final bool) {
	if len(r.observers) == 0 {
		return
	}
	s := r.Status()
	s.Final = final
	for _, o := range r.observers {
		o.Observe(s)
	}
}

// Result is the output of Finalize.
type Result struct {
	RunID  string
	Grid   *l4grid.CountingGrid
	State  l2gate.CollectionState
	Field  *l5field.Field
	Build  l5field.BuildStats
	Narrow *l6raster.Image // 8-bit
	Wide   *l6raster.Image // 16-bit
}

// Finalize builds the likelihood field from the frozen grid and samples it
// into both rasters. An empty grid yields a Result without field or
// rasters, which is not an error.
//
// The Result is never nil: when the field or the rasters cannot be built it
// still carries the grid and the collection state, next to the error, so
// the caller can persist what was accumulated.
func (r *Runner) Finalize() (*Result, error) {
	res := &Result{RunID: r.runID, Grid: r.grid, State: r.gate.State()}
	opsf("finalize: %d points in %d cells from %d collections", r.grid.Points(), r.grid.Len(), res.State.CollectedCount)

	field, err := l5field.Build(r.grid, r.params.SensorRange, r.params.Smoothing, l5field.WithMinCount(r.params.MinCellCount))
	if err != nil {
		return res, fmt.Errorf("failed to build likelihood field: %w", err)
	}
	res.Field = field
	res.Build = field.Stats()
	if res.Build.Degenerate > 0 {
		diagf("finalize: %d of %d cells excluded as degenerate", res.Build.Degenerate, res.Build.Cells)
	}
	if field.Len() == 0 {
		opsf("finalize: no usable cells, skipping rasters")
		return res, nil
	}

	narrow, wide, err := l6raster.RasterizeBoth(field, r.params.PixelSize)
	if err != nil {
		return res, fmt.Errorf("failed to rasterize likelihood field: %w", err)
	}
	res.Narrow, res.Wide = narrow, wide
	diagf("finalize: raster %dx%d px, origin (%.3f, %.3f)",
		res.Narrow.Width(), res.Narrow.Height(), res.Narrow.Origin.X, res.Narrow.Origin.Y)
	return res, nil
}

// Close releases every sink and reports the write errors of sinks disabled
// during the run. It is safe to call more than once.
func (r *Runner) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	return r.closeSinks()
}

func (r *Runner) closeSinks() error {
	var errs []error
	for _, err := range r.sinkErrs {
		if err != nil {
			errs = append(errs, err)
		}
	}
	for _, s := range r.sinks {
		if err := s.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", s.Name(), err))
		}
	}
	return errors.Join(errs...)
}
