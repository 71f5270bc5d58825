package pipeline

import (
	"io"
	"log"
	"math"
	"time"

	"github.com/banshee-data/lssmap/internal/lssmap/l1samples"
	"github.com/banshee-data/lssmap/internal/lssmap/l2gate"
	"github.com/banshee-data/lssmap/internal/lssmap/l3scan"
)

// StatusSnapshot is a point-in-time copy of the runner's counters. It never
// aliases runner state.
type StatusSnapshot struct {
	RunID   string
	Now     time.Time
	Elapsed time.Duration
	Final   bool

	Gate       l2gate.Stats
	State      l2gate.CollectionState
	Filter     l3scan.FilterStats
	PoseCache  l1samples.CacheStats
	CloudCache l1samples.CacheStats

	Cells  int
	Points int64
}

// Observer receives periodic status snapshots from the runner loop. It is
// called on the loop goroutine and must not block.
type Observer interface {
	Observe(s StatusSnapshot)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(StatusSnapshot)

func (f ObserverFunc) Observe(s StatusSnapshot) { f(s) }

// LogObserver prints each snapshot as one plain log line.
type LogObserver struct {
	logger *log.Logger
}

// NewLogObserver writes status lines to w.
func NewLogObserver(w io.Writer) *LogObserver {
	return &LogObserver{logger: log.New(w, "[status] ", log.LstdFlags)}
}

func (o *LogObserver) Observe(s StatusSnapshot) {
	tag := "running"
	if s.Final {
		tag = "final"
	}
	o.logger.Printf("%s run=%s elapsed=%s pose seq=%d collected=%d (cloud seq=%d) at (%.3f, %.3f, %.1fdeg) misses=%d points=%d cells=%d rejected=%d culled=%d",
		tag, s.RunID, s.Elapsed.Truncate(time.Millisecond),
		s.Gate.LastPoseSeq, s.State.CollectedCount, s.State.LastCloudSeq,
		s.State.LastCollectedPose.X, s.State.LastCollectedPose.Y, s.State.LastCollectedPose.Theta*180/math.Pi,
		s.Gate.JoinMisses, s.Points, s.Cells, s.Filter.RangeRejected, s.Filter.Culled)
}
