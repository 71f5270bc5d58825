// Package l1samples owns Layer 1 (Samples) of the map maker data model.
//
// Responsibilities: the pose and point-cloud sample types and the
// timestamp-indexed cache that transports push into.
// Key types: PoseSample, PointCloudSample, Cache.
//
// Dependency rule: L1 depends on nothing else in lssmap.
package l1samples

import "time"

// Timestamped is implemented by every sample type stored in a Cache.
type Timestamped interface {
	Stamp() time.Time
}

// PoseSample is a 2D robot pose estimate in the world frame.
type PoseSample struct {
	Timestamp time.Time
	Seq       uint32  // transport sequence number, informational only
	X         float64 // metres
	Y         float64 // metres
	Theta     float64 // heading, radians
}

// Stamp implements Timestamped.
func (p PoseSample) Stamp() time.Time { return p.Timestamp }

// PointSample is one laser return in the sensor frame.
type PointSample struct {
	X, Y, Z float64
}

// PointCloudSample is one laser scan in the sensor frame. Points keep the
// scan order delivered by the sensor; culling depends on it.
type PointCloudSample struct {
	Timestamp time.Time
	Seq       uint32
	Points    []PointSample
}

// Stamp implements Timestamped.
func (c PointCloudSample) Stamp() time.Time { return c.Timestamp }
