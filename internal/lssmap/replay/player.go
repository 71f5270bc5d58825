// Package replay feeds a recorded rosbag into the sample caches, either as
// fast as the loop can consume it (lockstep) or at the recorded pace.
package replay

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/edaniels/gobag/rosbag"

	"github.com/banshee-data/lssmap/internal/fsutil"
	"github.com/banshee-data/lssmap/internal/lssmap/l1samples"
	"github.com/banshee-data/lssmap/internal/timeutil"
)

// ErrTopicNotFound is returned when a bag holds no message on a topic.
var ErrTopicNotFound = errors.New("topic not found in bag")

// Recording holds the decoded pose and point-cloud streams of a bag.
type Recording struct {
	Poses  []l1samples.PoseSample
	Clouds []l1samples.PointCloudSample
}

// topicKey normalises a topic the way gobag keys its JSON buffers.
func topicKey(topic string) string {
	topic = strings.TrimPrefix(topic, "/")
	return strings.ToLower(strings.ReplaceAll(topic, "/", "_"))
}

// ReadBag reads the pose and point-cloud topics from the bag at path.
func ReadBag(fsys fsutil.FileSystem, path, poseTopic, cloudTopic string) (*Recording, error) {
	f, err := fsys.Open(path)
	if err != nil {
		return nil, fmt.Errorf("unable to open bag: %w", err)
	}
	defer f.Close()

	rb := rosbag.NewRosBag()
	if err := rb.Read(f); err != nil {
		return nil, fmt.Errorf("unable to read bag %s: %w", path, err)
	}
	want := map[string]bool{topicKey(poseTopic): true, topicKey(cloudTopic): true}
	if err := rb.ParseTopicsToJSON("",
		func(int64) bool { return true },
		func(t string) bool { return want[topicKey(t)] },
		false,
	); err != nil {
		return nil, fmt.Errorf("error while parsing bag to JSON: %w", err)
	}

	poseBuf := rb.TopicsAsJSON[topicKey(poseTopic)]
	if poseBuf == nil {
		return nil, fmt.Errorf("%w: %s", ErrTopicNotFound, poseTopic)
	}
	cloudBuf := rb.TopicsAsJSON[topicKey(cloudTopic)]
	if cloudBuf == nil {
		return nil, fmt.Errorf("%w: %s", ErrTopicNotFound, cloudTopic)
	}

	rec := &Recording{}
	if rec.Poses, err = DecodePoses(poseBuf); err != nil {
		return nil, err
	}
	if rec.Clouds, err = DecodePointClouds(cloudBuf); err != nil {
		return nil, err
	}
	diagf("bag %s: %d poses on %s, %d point clouds on %s", path, len(rec.Poses), poseTopic, len(rec.Clouds), cloudTopic)
	return rec, nil
}

// Event is one message of the merged stream. Exactly one of Pose and Cloud
// is set.
type Event struct {
	Stamp time.Time
	Pose  *l1samples.PoseSample
	Cloud *l1samples.PointCloudSample
}

// Events merges both streams in stamp order. At equal stamps the point
// cloud comes first, so a pose can join the scan taken at the same time.
func (rec *Recording) Events() []Event {
	evs := make([]Event, 0, len(rec.Poses)+len(rec.Clouds))
	for i := range rec.Clouds {
		evs = append(evs, Event{Stamp: rec.Clouds[i].Timestamp, Cloud: &rec.Clouds[i]})
	}
	for i := range rec.Poses {
		evs = append(evs, Event{Stamp: rec.Poses[i].Timestamp, Pose: &rec.Poses[i]})
	}
	sort.SliceStable(evs, func(i, j int) bool { return evs[i].Stamp.Before(evs[j].Stamp) })
	return evs
}

// Target receives the replayed samples.
type Target interface {
	Poses() *l1samples.Cache[l1samples.PoseSample]
	PointClouds() *l1samples.Cache[l1samples.PointCloudSample]
}

// StepFunc advances the consumer after a pose was pushed. It reports
// whether the pose was collected.
type StepFunc func(now time.Time) (bool, error)

// Stats counts what a Play call pushed.
type Stats struct {
	Poses       int
	PointClouds int
	Collections int
	Span        time.Duration
}

// Player pushes a Recording into a Target.
type Player struct {
	rec      *Recording
	target   Target
	clock    timeutil.Clock
	realtime bool
	step     StepFunc
}

// Option customises a Player.
type Option func(*Player)

// WithClock sets the clock used for pacing. Defaults to RealClock.
func WithClock(c timeutil.Clock) Option { return func(p *Player) { p.clock = c } }

// WithRealtime paces the pushes by the recorded stamp deltas.
func WithRealtime() Option { return func(p *Player) { p.realtime = true } }

// WithStep calls step after every pose push, with the pose stamp. Use it to
// drive the loop one pose at a time instead of running it concurrently.
func WithStep(step StepFunc) Option { return func(p *Player) { p.step = step } }

// NewPlayer creates a player for rec.
func NewPlayer(rec *Recording, target Target, opts ...Option) *Player {
	p := &Player{rec: rec, target: target, clock: timeutil.RealClock{}}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Play pushes every event and returns when the recording is exhausted, ctx
// is cancelled or the step function fails. Cancellation is not an error.
func (p *Player) Play(ctx context.Context) (Stats, error) {
	var st Stats
	evs := p.rec.Events()
	if len(evs) == 0 {
		return st, nil
	}
	first := evs[0].Stamp
	prev := first
	mode := "lockstep"
	if p.realtime {
		mode = "realtime"
	}
	opsf("replaying %d messages (%s)", len(evs), mode)

	for _, ev := range evs {
		if ctx.Err() != nil {
			opsf("replay cancelled after %d poses", st.Poses)
			return st, nil
		}
		if p.realtime {
			if wait := ev.Stamp.Sub(prev); wait > 0 {
				select {
				case <-ctx.Done():
					opsf("replay cancelled after %d poses", st.Poses)
					return st, nil
				case <-p.clock.After(wait):
				}
			}
		}
		prev = ev.Stamp
		st.Span = ev.Stamp.Sub(first)

		if ev.Cloud != nil {
			p.target.PointClouds().Push(*ev.Cloud)
			st.PointClouds++
			tracef("cloud seq=%d points=%d", ev.Cloud.Seq, len(ev.Cloud.Points))
			continue
		}
		p.target.Poses().Push(*ev.Pose)
		st.Poses++
		if p.step != nil {
			collected, err := p.step(ev.Stamp)
			if collected {
				st.Collections++
			}
			if err != nil {
				return st, err
			}
		}
	}
	diagf("replay done: %d poses, %d point clouds over %s", st.Poses, st.PointClouds, st.Span)
	return st, nil
}
