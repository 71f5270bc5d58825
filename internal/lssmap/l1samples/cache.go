package l1samples

import (
	"sort"
	"sync"
	"time"
)

// Default cache capacities, matching the subscriber queue depths of the
// original ROS node.
const (
	DefaultPoseCapacity       = 1000
	DefaultPointCloudCapacity = 200
)

// Cache holds the most recent window of samples of one stream, ordered by
// timestamp. Producers push from their own goroutines and never block on
// readers beyond the short critical section of the insert.
//
// A push whose timestamp is already present replaces the stored sample
// (last writer wins). Out-of-order pushes are inserted in place. When the
// cache is full the oldest sample is evicted, so the retention window is
// the capacity.
type Cache[T Timestamped] struct {
	mu       sync.RWMutex
	capacity int
	samples  []T // ascending by Stamp()
	pushed   uint64
	replaced uint64
	dropped  uint64
}

// NewCache creates a cache retaining at most capacity samples. A
// non-positive capacity is treated as 1.
func NewCache[T Timestamped](capacity int) *Cache[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Cache[T]{
		capacity: capacity,
		samples:  make([]T, 0, capacity),
	}
}

// Push stores s.
func (c *Cache[T]) Push(s T) {
	ts := s.Stamp()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.pushed++

	n := len(c.samples)
	// Fast path: in-order delivery appends.
	if n == 0 || c.samples[n-1].Stamp().Before(ts) {
		c.appendLocked(s)
		return
	}

	i := sort.Search(n, func(i int) bool { return !c.samples[i].Stamp().Before(ts) })
	if i < n && c.samples[i].Stamp().Equal(ts) {
		c.samples[i] = s
		c.replaced++
		return
	}
	if n == c.capacity {
		if i == 0 {
			// Older than everything retained and no room: nothing to keep.
			c.dropped++
			return
		}
		copy(c.samples[0:], c.samples[1:i])
		c.samples[i-1] = s
		c.dropped++
		return
	}
	var zero T
	c.samples = append(c.samples, zero)
	copy(c.samples[i+1:], c.samples[i:n])
	c.samples[i] = s
}

func (c *Cache[T]) appendLocked(s T) {
	if len(c.samples) == c.capacity {
		copy(c.samples, c.samples[1:])
		c.samples[len(c.samples)-1] = s
		c.dropped++
		return
	}
	c.samples = append(c.samples, s)
}

// Latest returns the newest sample.
func (c *Cache[T]) Latest() (T, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var zero T
	if len(c.samples) == 0 {
		return zero, false
	}
	return c.samples[len(c.samples)-1], true
}

// LatestAfter returns the newest sample if its timestamp is strictly after t.
func (c *Cache[T]) LatestAfter(t time.Time) (T, bool) {
	s, ok := c.Latest()
	if !ok || !s.Stamp().After(t) {
		var zero T
		return zero, false
	}
	return s, true
}

// AtOrBefore returns the newest sample whose timestamp is at or before t.
// When tolerance is positive the sample must also be no older than
// t - tolerance.
func (c *Cache[T]) AtOrBefore(t time.Time, tolerance time.Duration) (T, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var zero T

	i := sort.Search(len(c.samples), func(i int) bool { return c.samples[i].Stamp().After(t) })
	if i == 0 {
		return zero, false
	}
	s := c.samples[i-1]
	if tolerance > 0 && t.Sub(s.Stamp()) > tolerance {
		return zero, false
	}
	return s, true
}

// Len returns the number of retained samples.
func (c *Cache[T]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.samples)
}

// Capacity returns the retention window size.
func (c *Cache[T]) Capacity() int { return c.capacity }

// CacheStats are push counters for status reporting.
type CacheStats struct {
	Pushed   uint64
	Replaced uint64
	Dropped  uint64
	Retained int
}

// Stats returns a copy of the push counters.
func (c *Cache[T]) Stats() CacheStats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return CacheStats{
		Pushed:   c.pushed,
		Replaced: c.replaced,
		Dropped:  c.dropped,
		Retained: len(c.samples),
	}
}

// Reset discards all retained samples and counters.
func (c *Cache[T]) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.samples = c.samples[:0]
	c.pushed, c.replaced, c.dropped = 0, 0, 0
}
