// Package report renders run diagnostics: a PNG plot of the collected
// trajectory and an HTML scatter chart of the counting grid cells.
package report

import (
	"bufio"
	"fmt"
	"image/color"
	"io"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"

	"github.com/banshee-data/lssmap/internal/fsutil"
	"github.com/banshee-data/lssmap/internal/lssmap/pipeline"
)

// Trajectory is a pipeline.Sink that records the pose of every collection
// event and writes a PNG plot of them on Close.
type Trajectory struct {
	fsys  fsutil.FileSystem
	path  string
	poses plotter.XYs
}

// NewTrajectory creates a trajectory sink that will write to path on fsys.
func NewTrajectory(fsys fsutil.FileSystem, path string) *Trajectory {
	return &Trajectory{fsys: fsys, path: path}
}

func (t *Trajectory) Name() string { return "trajectory plot" }

// WriteScan records the collected pose.
func (t *Trajectory) WriteScan(scan pipeline.Scan) error {
	t.poses = append(t.poses, plotter.XY{X: scan.Pose.X, Y: scan.Pose.Y})
	return nil
}

// Len returns the number of recorded poses.
func (t *Trajectory) Len() int { return len(t.poses) }

// Plot builds the trajectory plot.
func (t *Trajectory) Plot() (*plot.Plot, error) {
	p := plot.New()
	p.Title.Text = fmt.Sprintf("Collected poses (%d)", len(t.poses))
	p.X.Label.Text = "X (m)"
	p.Y.Label.Text = "Y (m)"
	p.Add(plotter.NewGrid())
	if len(t.poses) == 0 {
		return p, nil
	}

	line, err := plotter.NewLine(t.poses)
	if err != nil {
		return nil, fmt.Errorf("failed to create trajectory line: %w", err)
	}
	line.Width = vg.Points(1)
	line.Color = color.RGBA{R: 49, G: 104, B: 142, A: 255}

	marks, err := plotter.NewScatter(t.poses)
	if err != nil {
		return nil, fmt.Errorf("failed to create collection markers: %w", err)
	}
	marks.GlyphStyle.Shape = draw.CircleGlyph{}
	marks.GlyphStyle.Radius = vg.Points(2)
	marks.GlyphStyle.Color = color.RGBA{R: 253, G: 231, B: 37, A: 255}

	p.Add(line, marks)
	p.Legend.Add("path", line)
	p.Legend.Add("collections", marks)
	p.Legend.Top = true
	p.Legend.Left = false
	p.Legend.XOffs = -10
	p.Legend.YOffs = -10
	return p, nil
}

// WritePNG renders the plot as PNG to w.
func (t *Trajectory) WritePNG(w io.Writer) error {
	p, err := t.Plot()
	if err != nil {
		return err
	}
	wt, err := p.WriterTo(8*vg.Inch, 8*vg.Inch, "png")
	if err != nil {
		return fmt.Errorf("failed to create png writer: %w", err)
	}
	_, err = wt.WriteTo(w)
	return err
}

// Close writes the PNG file.
func (t *Trajectory) Close() error {
	f, err := t.fsys.Create(t.path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", t.path, err)
	}
	bw := bufio.NewWriter(f)
	if err := t.WritePNG(bw); err != nil {
		f.Close()
		return fmt.Errorf("failed to write %s: %w", t.path, err)
	}
	if err := bw.Flush(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
