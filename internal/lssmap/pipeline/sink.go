package pipeline

import (
	"bufio"
	"fmt"
	"io"
	"time"

	"github.com/banshee-data/lssmap/internal/fsutil"
	"github.com/banshee-data/lssmap/internal/lssmap/l1samples"
	"github.com/banshee-data/lssmap/internal/lssmap/l3scan"
)

// Scan is one collection event as seen by a Sink.
type Scan struct {
	Index      int // 1-based collection number
	Pose       l1samples.PoseSample
	CloudSeq   uint32
	CloudStamp time.Time
	// Points holds the accepted world-frame points. The slice is reused
	// after WriteScan returns.
	Points []l3scan.WorldPoint
}

// Sink is a passive consumer of collection events. Sinks are never
// consulted for control decisions: a sink whose WriteScan fails receives
// no further scans, and the runner keeps accumulating.
type Sink interface {
	Name() string
	WriteScan(scan Scan) error
	Close() error
}

// textLogHeader opens every text log.
const textLogHeader = "#[1. x] [2. y]"

// TextLog writes every accepted world point as an "x y" line.
type TextLog struct {
	w  io.WriteCloser
	bw *bufio.Writer
}

// OpenTextLog creates the log file at path on fsys.
func OpenTextLog(fsys fsutil.FileSystem, path string) (*TextLog, error) {
	f, err := fsys.Create(path)
	if err != nil {
		return nil, fmt.Errorf("%w: text log %s: %v", ErrResource, path, err)
	}
	l := &TextLog{w: f, bw: bufio.NewWriter(f)}
	if _, err := fmt.Fprintln(l.bw, textLogHeader); err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: text log %s: %v", ErrResource, path, err)
	}
	return l, nil
}

func (l *TextLog) Name() string { return "text log" }

// WriteScan appends the scan's accepted points.
func (l *TextLog) WriteScan(scan Scan) error {
	for _, p := range scan.Points {
		if _, err := fmt.Fprintf(l.bw, "%f %f\n", p.X, p.Y); err != nil {
			return err
		}
	}
	return nil
}

// Close flushes and closes the file.
func (l *TextLog) Close() error {
	ferr := l.bw.Flush()
	cerr := l.w.Close()
	if ferr != nil {
		return ferr
	}
	return cerr
}
