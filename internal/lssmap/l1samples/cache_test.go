package l1samples

import (
	"sync"
	"testing"
	"time"
)

var t0 = time.Date(2026, 1, 15, 10, 30, 0, 0, time.UTC)

func poseAt(sec float64, x float64) PoseSample {
	return PoseSample{Timestamp: t0.Add(time.Duration(sec * float64(time.Second))), X: x}
}

func TestCache_LatestEmpty(t *testing.T) {
	c := NewCache[PoseSample](4)
	if _, ok := c.Latest(); ok {
		t.Fatal("Latest on empty cache should report false")
	}
	if _, ok := c.AtOrBefore(t0, 0); ok {
		t.Fatal("AtOrBefore on empty cache should report false")
	}
}

func TestCache_InOrderAndEviction(t *testing.T) {
	c := NewCache[PoseSample](3)
	for i := 0; i < 5; i++ {
		c.Push(poseAt(float64(i), float64(i)))
	}
	if c.Len() != 3 {
		t.Fatalf("Len = %d, want 3", c.Len())
	}
	latest, _ := c.Latest()
	if latest.X != 4 {
		t.Errorf("latest X = %v, want 4", latest.X)
	}
	// Sample at t=1 was evicted; nothing at or before it remains.
	if _, ok := c.AtOrBefore(t0.Add(1500*time.Millisecond), 0); ok {
		t.Error("evicted samples should not be returned")
	}
	st := c.Stats()
	if st.Pushed != 5 || st.Dropped != 2 || st.Retained != 3 {
		t.Errorf("stats = %+v", st)
	}
}

func TestCache_OutOfOrderInsert(t *testing.T) {
	c := NewCache[PoseSample](8)
	c.Push(poseAt(3, 3))
	c.Push(poseAt(1, 1))
	c.Push(poseAt(2, 2))

	got, ok := c.AtOrBefore(t0.Add(2500*time.Millisecond), 0)
	if !ok || got.X != 2 {
		t.Fatalf("AtOrBefore(2.5s) = %+v, %v; want X=2", got, ok)
	}
	latest, _ := c.Latest()
	if latest.X != 3 {
		t.Errorf("late arrival must not become latest, got X=%v", latest.X)
	}
}

func TestCache_OutOfOrderWhenFull(t *testing.T) {
	c := NewCache[PoseSample](3)
	c.Push(poseAt(1, 1))
	c.Push(poseAt(3, 3))
	c.Push(poseAt(4, 4))
	c.Push(poseAt(2, 2)) // evicts t=1

	if _, ok := c.AtOrBefore(t0.Add(1500*time.Millisecond), 0); ok {
		t.Error("t=1 should have been evicted")
	}
	got, ok := c.AtOrBefore(t0.Add(2*time.Second), 0)
	if !ok || got.X != 2 {
		t.Errorf("AtOrBefore(2s) = %+v, %v", got, ok)
	}

	// Older than everything retained with a full cache is dropped.
	c.Push(poseAt(0.5, 0.5))
	if c.Len() != 3 {
		t.Errorf("Len = %d, want 3", c.Len())
	}
	if _, ok := c.AtOrBefore(t0.Add(time.Second), 0); ok {
		t.Error("stale push should be dropped")
	}
}

func TestCache_LastWriterWins(t *testing.T) {
	c := NewCache[PoseSample](4)
	c.Push(poseAt(1, 1))
	c.Push(poseAt(2, 2))
	c.Push(poseAt(1, 10))

	got, ok := c.AtOrBefore(t0.Add(time.Second), 0)
	if !ok || got.X != 10 {
		t.Fatalf("AtOrBefore(1s) = %+v, want replaced X=10", got)
	}
	if c.Len() != 2 {
		t.Errorf("Len = %d, want 2", c.Len())
	}
	if c.Stats().Replaced != 1 {
		t.Errorf("Replaced = %d, want 1", c.Stats().Replaced)
	}
}

func TestCache_AtOrBeforeTolerance(t *testing.T) {
	c := NewCache[PointCloudSample](4)
	c.Push(PointCloudSample{Timestamp: t0, Seq: 7})

	tests := []struct {
		name      string
		query     time.Time
		tolerance time.Duration
		wantOK    bool
	}{
		{"exact", t0, 0, true},
		{"after no tolerance", t0.Add(time.Hour), 0, true},
		{"within tolerance", t0.Add(50 * time.Millisecond), 100 * time.Millisecond, true},
		{"outside tolerance", t0.Add(200 * time.Millisecond), 100 * time.Millisecond, false},
		{"before all", t0.Add(-time.Millisecond), 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := c.AtOrBefore(tt.query, tt.tolerance)
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOK)
			}
			if ok && got.Seq != 7 {
				t.Errorf("Seq = %d, want 7", got.Seq)
			}
		})
	}
}

func TestCache_LatestAfter(t *testing.T) {
	c := NewCache[PoseSample](4)
	c.Push(poseAt(1, 1))
	if _, ok := c.LatestAfter(t0.Add(time.Second)); ok {
		t.Error("LatestAfter should exclude a sample at exactly t")
	}
	if got, ok := c.LatestAfter(t0); !ok || got.X != 1 {
		t.Errorf("LatestAfter(t0) = %+v, %v", got, ok)
	}
}

func TestCache_ConcurrentProducers(t *testing.T) {
	c := NewCache[PoseSample](DefaultPoseCapacity)
	var wg sync.WaitGroup
	for p := 0; p < 4; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				c.Push(poseAt(float64(i*4+p)/1000, float64(p)))
				c.Latest()
			}
		}(p)
	}
	wg.Wait()
	if c.Len() != 400 {
		t.Errorf("Len = %d, want 400", c.Len())
	}
}

func TestCache_Reset(t *testing.T) {
	c := NewCache[PoseSample](0)
	if c.Capacity() != 1 {
		t.Fatalf("Capacity = %d, want 1", c.Capacity())
	}
	c.Push(poseAt(1, 1))
	c.Reset()
	if c.Len() != 0 || c.Stats().Pushed != 0 {
		t.Error("Reset should clear samples and counters")
	}
}
