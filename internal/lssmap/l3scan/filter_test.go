package l3scan

import (
	"math"
	"slices"
	"testing"
	"time"

	"github.com/banshee-data/lssmap/internal/lssmap/l1samples"
)

func cloudOf(pts ...[2]float64) l1samples.PointCloudSample {
	c := l1samples.PointCloudSample{Timestamp: time.Unix(0, 0)}
	for _, p := range pts {
		c.Points = append(c.Points, l1samples.PointSample{X: p[0], Y: p[1]})
	}
	return c
}

func near(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestPoseTransform_Rigid(t *testing.T) {
	for _, theta := range []float64{0, 0.3, math.Pi / 2, -2.5, math.Pi} {
		T := PoseTransform(l1samples.PoseSample{X: 1, Y: -2, Theta: theta})
		if !IsValidTransformMatrix(T) {
			t.Errorf("theta=%v: transform is not rigid: %v", theta, T)
		}
	}
}

func TestFilter_InvalidPoseYieldsNothing(t *testing.T) {
	f := NewFilter(Params{IgnoreRangeLower: -1, IgnoreRangeUpper: -1})
	cloud := cloudOf([2]float64{1, 0}, [2]float64{2, 0})

	for _, pose := range []l1samples.PoseSample{
		{Theta: math.NaN()},
		{X: math.Inf(1)},
		{Y: math.NaN()},
	} {
		if pts := slices.Collect(f.Process(pose, cloud)); len(pts) != 0 {
			t.Errorf("pose %+v: got %d points, want none", pose, len(pts))
		}
	}
	if got := slices.Collect(f.Process(l1samples.PoseSample{X: 1}, cloud)); len(got) != 2 {
		t.Errorf("valid pose: got %d points, want 2", len(got))
	}
	st := f.Stats()
	if st.Scans != 4 || st.InvalidPoses != 3 || st.Accepted != 2 {
		t.Errorf("Stats = %+v", st)
	}
}

func TestApplyPose_RotateThenTranslate(t *testing.T) {
	T := PoseTransform(l1samples.PoseSample{X: 10, Y: 5, Theta: math.Pi / 2})
	wx, wy, wz := ApplyPose(1, 0, 0.5, T)
	if !near(wx, 10) || !near(wy, 6) || !near(wz, 0.5) {
		t.Errorf("ApplyPose = (%v, %v, %v), want (10, 6, 0.5)", wx, wy, wz)
	}
}

func TestFilter_RangeGate(t *testing.T) {
	f := NewFilter(Params{IgnoreRangeLower: 1, IgnoreRangeUpper: 10, CullingDistance: 0})
	cloud := cloudOf(
		[2]float64{0.5, 0}, // below lower
		[2]float64{1, 0},   // exactly lower: kept
		[2]float64{0, 10},  // exactly upper: kept
		[2]float64{8, 8},   // beyond upper
		[2]float64{3, 4},   // kept
	)
	got := slices.Collect(f.Process(l1samples.PoseSample{}, cloud))
	if len(got) != 3 {
		t.Fatalf("accepted %d points, want 3: %+v", len(got), got)
	}
	st := f.Stats()
	if st.RangeRejected != 2 || st.Accepted != 3 || st.Scans != 1 {
		t.Errorf("stats = %+v", st)
	}
}

func TestFilter_NegativeBoundsDisable(t *testing.T) {
	f := NewFilter(Params{IgnoreRangeLower: -1, IgnoreRangeUpper: -1})
	got := slices.Collect(f.Process(l1samples.PoseSample{}, cloudOf([2]float64{0, 0}, [2]float64{1e5, 0})))
	if len(got) != 2 {
		t.Errorf("accepted %d, want 2", len(got))
	}
}

func TestFilter_CullingKeepsOnlyFirstOfCluster(t *testing.T) {
	const c = 0.5
	f := NewFilter(Params{IgnoreRangeLower: -1, IgnoreRangeUpper: -1, CullingDistance: c})
	// All mutually closer than c.
	cloud := cloudOf([2]float64{2, 2}, [2]float64{2.1, 2}, [2]float64{2, 2.1}, [2]float64{2.2, 2.2})
	got := slices.Collect(f.Process(l1samples.PoseSample{}, cloud))
	if len(got) != 1 {
		t.Fatalf("accepted %d points, want 1", len(got))
	}
	if got[0].X != 2 || got[0].Y != 2 {
		t.Errorf("survivor = %+v, want the first point", got[0])
	}
}

func TestFilter_CullingComparesAgainstLastAccepted(t *testing.T) {
	f := NewFilter(Params{IgnoreRangeLower: -1, IgnoreRangeUpper: -1, CullingDistance: 1})
	// Each step is 0.6 m: the second point is culled, the third is 1.2 m
	// from the last accepted (first) point and survives.
	cloud := cloudOf([2]float64{0, 5}, [2]float64{0.6, 5}, [2]float64{1.2, 5}, [2]float64{1.8, 5})
	got := slices.Collect(f.Process(l1samples.PoseSample{}, cloud))
	if len(got) != 2 {
		t.Fatalf("accepted %d points, want 2: %+v", len(got), got)
	}
	if got[1].X != 1.2 {
		t.Errorf("second survivor X = %v, want 1.2", got[1].X)
	}
}

func TestFilter_RangeRejectedPointsDoNotUpdateCulling(t *testing.T) {
	f := NewFilter(Params{IgnoreRangeLower: 1, IgnoreRangeUpper: -1, CullingDistance: 0.5})
	// First point is range-rejected; the second must still survive culling.
	got := slices.Collect(f.Process(l1samples.PoseSample{}, cloudOf([2]float64{0.1, 0}, [2]float64{1.2, 0})))
	if len(got) != 1 || got[0].X != 1.2 {
		t.Errorf("got %+v", got)
	}
}

func TestFilter_FiltersInSensorFrame(t *testing.T) {
	p := Params{IgnoreRangeLower: 1, IgnoreRangeUpper: 5, CullingDistance: 0.3}
	cloud := cloudOf([2]float64{0.5, 0}, [2]float64{2, 0}, [2]float64{2.1, 0}, [2]float64{3, 1}, [2]float64{6, 0})

	home := slices.Collect(NewFilter(p).Process(l1samples.PoseSample{}, cloud))
	away := slices.Collect(NewFilter(p).Process(l1samples.PoseSample{X: 100, Y: -40, Theta: 1.1}, cloud))
	if len(home) != len(away) || len(home) != 2 {
		t.Fatalf("survivor counts differ: %d vs %d", len(home), len(away))
	}
	T := PoseTransform(l1samples.PoseSample{X: 100, Y: -40, Theta: 1.1})
	for i := range home {
		wx, wy, _ := ApplyPose(home[i].X, home[i].Y, 0, T)
		if !near(wx, away[i].X) || !near(wy, away[i].Y) {
			t.Errorf("point %d: (%v, %v) != (%v, %v)", i, wx, wy, away[i].X, away[i].Y)
		}
	}
}

func TestFilter_EarlyStop(t *testing.T) {
	f := NewFilter(Params{IgnoreRangeLower: -1, IgnoreRangeUpper: -1})
	n := 0
	for range f.Process(l1samples.PoseSample{}, cloudOf([2]float64{1, 0}, [2]float64{2, 0}, [2]float64{3, 0})) {
		n++
		if n == 1 {
			break
		}
	}
	if f.Stats().Accepted != 1 {
		t.Errorf("Accepted = %d, want 1 after early stop", f.Stats().Accepted)
	}
}

func TestParams_Validate(t *testing.T) {
	if err := (Params{IgnoreRangeLower: 2, IgnoreRangeUpper: 1}).Validate(); err == nil {
		t.Error("expected error for upper < lower")
	}
	if err := (Params{IgnoreRangeLower: 2, IgnoreRangeUpper: -1}).Validate(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}
