// Package recorder keeps the accepted world-frame points of a mapping run
// and writes them as a PCD point cloud when the run ends, for inspection
// in point-cloud viewers alongside the raster map.
package recorder

import (
	"bufio"
	"fmt"

	"github.com/seqsense/pcgol/mat"
	"github.com/seqsense/pcgol/pc"
	"github.com/seqsense/pcgol/pc/filter/voxelgrid"

	"github.com/banshee-data/lssmap/internal/fsutil"
	"github.com/banshee-data/lssmap/internal/lssmap/pipeline"
)

// Recorder is a pipeline.Sink that buffers points in memory and writes the
// PCD file on Close.
type Recorder struct {
	fsys  fsutil.FileSystem
	path  string
	voxel float32
	pts   []mat.Vec3
}

// Option customises a Recorder.
type Option func(*Recorder)

// WithVoxelSize downsamples the cloud on a voxel grid of the given edge
// length before writing. Zero keeps every point.
func WithVoxelSize(size float32) Option {
	return func(r *Recorder) { r.voxel = size }
}

// New creates a recorder that will write to path on fsys. The file is
// created up front so an unwritable path fails at startup.
func New(fsys fsutil.FileSystem, path string, opts ...Option) (*Recorder, error) {
	w, err := fsys.Create(path)
	if err != nil {
		return nil, fmt.Errorf("%w: point cloud %s: %v", pipeline.ErrResource, path, err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("%w: point cloud %s: %v", pipeline.ErrResource, path, err)
	}
	r := &Recorder{fsys: fsys, path: path}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

func (r *Recorder) Name() string { return "point recorder" }

// WriteScan buffers the scan's points.
func (r *Recorder) WriteScan(scan pipeline.Scan) error {
	for _, p := range scan.Points {
		r.pts = append(r.pts, mat.Vec3{float32(p.X), float32(p.Y), float32(p.Z)})
	}
	return nil
}

// Len returns the number of buffered points.
func (r *Recorder) Len() int { return len(r.pts) }

// Cloud builds the point cloud from the buffered points, downsampled when
// a voxel size is set.
func (r *Recorder) Cloud() (*pc.PointCloud, error) {
	pp := &pc.PointCloud{
		PointCloudHeader: pc.PointCloudHeader{
			Version:   0.7,
			Fields:    []string{"x", "y", "z"},
			Size:      []int{4, 4, 4},
			Type:      []string{"F", "F", "F"},
			Count:     []int{1, 1, 1},
			Width:     len(r.pts),
			Height:    1,
			Viewpoint: []float32{0, 0, 0, 1, 0, 0, 0},
		},
		Points: len(r.pts),
	}
	pp.Data = make([]byte, len(r.pts)*pp.Stride())
	if len(r.pts) > 0 {
		it, err := pp.Vec3Iterator()
		if err != nil {
			return nil, err
		}
		for _, v := range r.pts {
			it.SetVec3(v)
			it.Incr()
		}
	}
	if r.voxel <= 0 || len(r.pts) == 0 {
		return pp, nil
	}
	vg := voxelgrid.New(mat.Vec3{r.voxel, r.voxel, r.voxel})
	return vg.Filter(pp)
}

// Close writes the PCD file.
func (r *Recorder) Close() error {
	pp, err := r.Cloud()
	if err != nil {
		return fmt.Errorf("failed to build point cloud: %w", err)
	}
	w, err := r.fsys.Create(r.path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", r.path, err)
	}
	bw := bufio.NewWriter(w)
	if err := pc.Marshal(pp, bw); err != nil {
		w.Close()
		return fmt.Errorf("failed to encode %s: %w", r.path, err)
	}
	if err := bw.Flush(); err != nil {
		w.Close()
		return err
	}
	return w.Close()
}
