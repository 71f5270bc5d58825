package replay

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/lssmap/internal/fsutil"
	"github.com/banshee-data/lssmap/internal/lssmap/l1samples"
	"github.com/banshee-data/lssmap/internal/lssmap/l2gate"
	"github.com/banshee-data/lssmap/internal/lssmap/l3scan"
	"github.com/banshee-data/lssmap/internal/lssmap/pipeline"
	"github.com/banshee-data/lssmap/internal/timeutil"
)

const poseLines = `{"meta": {"secs":100,"nsecs":0}, "data":{"header":{"seq":1,"stamp":{"secs":100,"nsecs":0},"frame_id":"map"},"x":0,"y":0,"theta":0}}
{"meta": {"secs":101,"nsecs":0}, "data":{"header":{"seq":2,"stamp":{"secs":101,"nsecs":0},"frame_id":"map"},"x":0,"y":3,"theta":0}}

{"meta": {"secs":102,"nsecs":500000000}, "data":{"header":{"seq":3,"stamp":{"secs":0,"nsecs":0},"frame_id":"map"},"x":0,"y":6,"theta":1.5}}
`

func cloudLine(sec int64, seq uint32) string {
	return fmt.Sprintf(`{"meta": {"secs":%d,"nsecs":0}, "data":{"header":{"seq":%d,"stamp":{"secs":%d,"nsecs":0},"frame_id":"laser"},"points":[{"x":1,"y":0,"z":0.5},{"x":2,"y":0,"z":0.5}],"channels":[]}}`, sec, seq, sec)
}

func testRecording(t *testing.T) *Recording {
	t.Helper()
	poses, err := DecodePoses(strings.NewReader(poseLines))
	require.NoError(t, err)
	var lines []string
	for i, sec := range []int64{100, 101, 102} {
		lines = append(lines, cloudLine(sec, uint32(i+10)))
	}
	clouds, err := DecodePointClouds(strings.NewReader(strings.Join(lines, "\n")))
	require.NoError(t, err)
	return &Recording{Poses: poses, Clouds: clouds}
}

func TestDecodePoses(t *testing.T) {
	poses, err := DecodePoses(strings.NewReader(poseLines))
	require.NoError(t, err)
	require.Len(t, poses, 3)

	assert.Equal(t, uint32(2), poses[1].Seq)
	assert.Equal(t, 3.0, poses[1].Y)
	assert.Equal(t, time.Unix(101, 0).UTC(), poses[1].Timestamp)
	// A zero header stamp falls back to the record time.
	assert.Equal(t, time.Unix(102, 500000000).UTC(), poses[2].Timestamp)
	assert.Equal(t, 1.5, poses[2].Theta)
}

func TestDecodePointClouds(t *testing.T) {
	clouds, err := DecodePointClouds(strings.NewReader(cloudLine(7, 3)))
	require.NoError(t, err)
	require.Len(t, clouds, 1)
	assert.Equal(t, uint32(3), clouds[0].Seq)
	assert.Equal(t, []l1samples.PointSample{{X: 1, Y: 0, Z: 0.5}, {X: 2, Y: 0, Z: 0.5}}, clouds[0].Points)
}

func TestDecode_ReportsLine(t *testing.T) {
	_, err := DecodePoses(strings.NewReader(poseLines + "{broken\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "line 5")
}

func TestTopicKey(t *testing.T) {
	assert.Equal(t, "pose-gl", topicKey("/pose-gl"))
	assert.Equal(t, "robot_scan_points", topicKey("/Robot/Scan/points"))
}

func TestReadBag_Errors(t *testing.T) {
	fsys := fsutil.NewMemoryFileSystem()
	_, err := ReadBag(fsys, "missing.bag", "pose-gl", "cloud")
	assert.Error(t, err)

	require.NoError(t, fsys.WriteFile("junk.bag", []byte("not a bag"), 0o644))
	_, err = ReadBag(fsys, "junk.bag", "pose-gl", "cloud")
	assert.Error(t, err)
}

func TestEvents_CloudsBeforePosesAtEqualStamp(t *testing.T) {
	evs := testRecording(t).Events()
	require.Len(t, evs, 6)
	assert.NotNil(t, evs[0].Cloud)
	assert.NotNil(t, evs[1].Pose)
	for i := 1; i < len(evs); i++ {
		assert.False(t, evs[i].Stamp.Before(evs[i-1].Stamp), "event %d out of order", i)
	}
}

func testParams() *pipeline.Params {
	return &pipeline.Params{
		CellSize:         0.8,
		PixelSize:        0.1,
		Smoothing:        0.01,
		SensorRange:      2,
		Filter:           l3scan.Params{IgnoreRangeLower: -1, IgnoreRangeUpper: -1},
		Conditions:       l2gate.Conditions{Distance: 5},
		TickPeriod:       time.Millisecond,
		PoseBuffer:       l1samples.DefaultPoseCapacity,
		PointCloudBuffer: l1samples.DefaultPointCloudCapacity,
	}
}

func TestPlay_LockstepDrivesRunner(t *testing.T) {
	clock := timeutil.NewMockClock(time.Unix(100, 0))
	r, err := pipeline.NewRunner(testParams(), pipeline.WithClock(clock))
	require.NoError(t, err)
	defer r.Close()

	st, err := NewPlayer(testRecording(t), r, WithStep(r.Tick)).Play(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, st.Poses)
	assert.Equal(t, 3, st.PointClouds)
	// The first pose collects against the sentinel, then y=6 clears 5 m.
	assert.Equal(t, 2, st.Collections)
	assert.Equal(t, 2, r.State().CollectedCount)
	assert.Equal(t, int64(4), r.Grid().Points())
	assert.Equal(t, 2500*time.Millisecond, st.Span)
}

func TestPlay_StepErrorStops(t *testing.T) {
	c := &captureTarget{}
	boom := errors.New("boom")
	st, err := NewPlayer(testRecording(t), c, WithStep(func(time.Time) (bool, error) {
		return false, boom
	})).Play(context.Background())
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, st.Poses)
}

func TestPlay_CancelledIsNotAnError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	st, err := NewPlayer(testRecording(t), &captureTarget{}).Play(ctx)
	assert.NoError(t, err)
	assert.Zero(t, st.Poses)
}

func TestPlay_RealtimePacesByStamps(t *testing.T) {
	clock := timeutil.NewMockClock(time.Unix(0, 0))
	c := &captureTarget{}
	p := NewPlayer(testRecording(t), c, WithRealtime(), WithClock(clock))

	done := make(chan Stats)
	go func() {
		st, err := p.Play(context.Background())
		assert.NoError(t, err)
		done <- st
	}()

	// Stamps are 100, 101, 102 and 102.5 s; equal stamps do not wait.
	for _, gap := range []time.Duration{time.Second, time.Second, 500 * time.Millisecond} {
		awaitWaiter(t, clock)
		clock.Advance(gap - time.Millisecond)
		assert.Equal(t, 1, clock.Waiters(), "released before the recorded gap")
		clock.Advance(time.Millisecond)
	}
	st := <-done
	assert.Equal(t, 3, st.Poses)
	assert.Equal(t, 3, c.poses.Len())
	assert.Equal(t, 3, c.clouds.Len())
}

func awaitWaiter(t *testing.T, clock *timeutil.MockClock) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for clock.Waiters() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("player never waited on the clock")
		}
		time.Sleep(time.Millisecond)
	}
}

type captureTarget struct {
	poses  *l1samples.Cache[l1samples.PoseSample]
	clouds *l1samples.Cache[l1samples.PointCloudSample]
}

func (c *captureTarget) Poses() *l1samples.Cache[l1samples.PoseSample] {
	if c.poses == nil {
		c.poses = l1samples.NewCache[l1samples.PoseSample](10)
	}
	return c.poses
}

func (c *captureTarget) PointClouds() *l1samples.Cache[l1samples.PointCloudSample] {
	if c.clouds == nil {
		c.clouds = l1samples.NewCache[l1samples.PointCloudSample](10)
	}
	return c.clouds
}
