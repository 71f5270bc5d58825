// Package l2gate owns Layer 2 (Gate): the temporal gate that decides, per
// scheduler tick, whether the robot has moved or waited enough to collect
// another scan, and joins the pose with the matching point cloud.
//
// Dependency rule: L2 may depend on L1 only.
package l2gate

import (
	"errors"
	"math"
	"time"

	"github.com/banshee-data/lssmap/internal/lssmap/l1samples"
)

// ErrTemporalJoinMiss is recorded when the gate fires but no point cloud at
// or before the pose timestamp is retained. It is recoverable: the scan is
// skipped and the collection state is left untouched.
var ErrTemporalJoinMiss = errors.New("no point cloud matches pose timestamp")

// Conditions holds the three collect thresholds. Each is enabled by a
// positive value and disabled by a non-positive one.
type Conditions struct {
	Time     time.Duration // elapsed pose time, fires on dt >= Time
	Distance float64       // metres, fires on squared distance > Distance^2
	Angle    float64       // radians, fires on |dtheta| > Angle
}

// Enabled reports whether at least one condition can fire.
func (c Conditions) Enabled() bool {
	return c.Time > 0 || c.Distance > 0 || c.Angle > 0
}

// Fires evaluates the OR of the enabled conditions for the motion from last
// to pose.
func (c Conditions) Fires(last, pose l1samples.PoseSample) bool {
	dt := pose.Timestamp.Sub(last.Timestamp)
	dx := pose.X - last.X
	dy := pose.Y - last.Y
	sqdist := dx*dx + dy*dy
	dangle := math.Abs(NormalizeAngle(pose.Theta - last.Theta))

	if c.Time > 0 && dt >= c.Time {
		return true
	}
	if c.Distance > 0 && sqdist > c.Distance*c.Distance {
		return true
	}
	if c.Angle > 0 && dangle > c.Angle {
		return true
	}
	return false
}

// NormalizeAngle maps an angle in radians to (-pi, pi].
func NormalizeAngle(a float64) float64 {
	if math.IsNaN(a) || math.IsInf(a, 0) {
		return a
	}
	a = math.Mod(a, 2*math.Pi)
	if a <= -math.Pi {
		a += 2 * math.Pi
	} else if a > math.Pi {
		a -= 2 * math.Pi
	}
	return a
}

// CollectionState is the gate's record of the last committed collection.
// It changes only on a successful collection event.
type CollectionState struct {
	LastCollectedPose l1samples.PoseSample
	CollectedCount    int
	LastCloudSeq      uint32
}

// SentinelPose returns the initial reference pose: far from any real
// position and stamped timeThreshold before start, so the time condition
// stays inert until the first real comparison.
func SentinelPose(start time.Time, timeThreshold time.Duration) l1samples.PoseSample {
	far := math.Sqrt(math.MaxFloat64) / 2
	return l1samples.PoseSample{
		Timestamp: start.Add(-timeThreshold),
		X:         far,
		Y:         far,
	}
}

// Stats counts gate activity for status reporting.
type Stats struct {
	Ticks       uint64 // MaybeCollect calls
	Evaluations uint64 // ticks that found a new pose
	Fires       uint64 // evaluations where a condition fired
	JoinMisses  uint64 // fires without a matching point cloud
	Collections uint64 // committed collection events
	LastPoseSeq uint32 // sequence number of the last evaluated pose
	LastMissErr error
}

// Gate is the temporal gate. It is driven from a single loop and is not
// safe for concurrent use; the caches it reads from are.
type Gate struct {
	cond      Conditions
	tolerance time.Duration
	poses     *l1samples.Cache[l1samples.PoseSample]
	clouds    *l1samples.Cache[l1samples.PointCloudSample]

	state     CollectionState
	sentinel  bool // reference is still the sentinel; restamped on first pose
	lastEval  time.Time
	evaluated bool
	stats     Stats
}

// Option customises a Gate.
type Option func(*Gate)

// WithReferencePose replaces the sentinel reference with p, e.g. the last
// collected pose of a resumed snapshot. collected seeds the event count.
func WithReferencePose(p l1samples.PoseSample, collected int) Option {
	return func(g *Gate) {
		g.state.LastCollectedPose = p
		g.state.CollectedCount = collected
		g.sentinel = false
	}
}

// WithJoinTolerance bounds how much older than the pose the joined point
// cloud may be. Zero accepts anything still retained by the cache.
func WithJoinTolerance(d time.Duration) Option {
	return func(g *Gate) { g.tolerance = d }
}

// New creates a gate reading from the given caches. start stamps the
// sentinel reference pose until the first pose is evaluated; from then on
// the sentinel is stamped Time before that pose, so the time condition is
// measured in the pose stream's own time base (a replayed bag carries its
// recorded stamps, not the wall clock).
func New(cond Conditions, poses *l1samples.Cache[l1samples.PoseSample], clouds *l1samples.Cache[l1samples.PointCloudSample], start time.Time, opts ...Option) *Gate {
	g := &Gate{
		cond:   cond,
		poses:  poses,
		clouds: clouds,
		state: CollectionState{
			LastCollectedPose: SentinelPose(start, cond.Time),
		},
		sentinel: true,
	}
	for _, opt := range opts {
		opt(g)
	}
	if !cond.Enabled() {
		opsf("all collect conditions disabled; no scan will ever be collected")
	}
	return g
}

// MaybeCollect runs one gate evaluation. It returns the joined pair and
// true on a collection event. A pose is evaluated once: ticks that find no
// pose newer than the last evaluated one do no work.
func (g *Gate) MaybeCollect(tick time.Time) (l1samples.PoseSample, l1samples.PointCloudSample, bool) {
	g.stats.Ticks++

	var pose l1samples.PoseSample
	var ok bool
	if g.evaluated {
		pose, ok = g.poses.LatestAfter(g.lastEval)
	} else {
		pose, ok = g.poses.Latest()
	}
	if !ok {
		return l1samples.PoseSample{}, l1samples.PointCloudSample{}, false
	}
	g.lastEval = pose.Timestamp
	g.evaluated = true
	g.stats.Evaluations++
	g.stats.LastPoseSeq = pose.Seq
	if g.sentinel {
		g.state.LastCollectedPose.Timestamp = pose.Timestamp.Add(-g.cond.Time)
		g.sentinel = false
	}

	if !g.cond.Fires(g.state.LastCollectedPose, pose) {
		return l1samples.PoseSample{}, l1samples.PointCloudSample{}, false
	}
	g.stats.Fires++

	cloud, ok := g.clouds.AtOrBefore(pose.Timestamp, g.tolerance)
	if !ok {
		g.stats.JoinMisses++
		g.stats.LastMissErr = ErrTemporalJoinMiss
		diagf("tick %s: pose seq=%d stamp=%s: %v", tick.Format(time.RFC3339Nano), pose.Seq, pose.Timestamp.Format(time.RFC3339Nano), ErrTemporalJoinMiss)
		return l1samples.PoseSample{}, l1samples.PointCloudSample{}, false
	}

	g.state.LastCollectedPose = pose
	g.state.CollectedCount++
	g.state.LastCloudSeq = cloud.Seq
	g.stats.Collections++
	tracef("collect #%d pose=(%.3f, %.3f, %.3f) cloud seq=%d points=%d",
		g.state.CollectedCount, pose.X, pose.Y, pose.Theta, cloud.Seq, len(cloud.Points))
	return pose, cloud, true
}

// State returns a copy of the collection state.
func (g *Gate) State() CollectionState { return g.state }

// Stats returns a copy of the activity counters.
func (g *Gate) Stats() Stats { return g.stats }
