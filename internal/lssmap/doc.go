// Package lssmap is the root of the Laser Scan Statistics map maker.
//
// The map maker is organised in layers, leaves first:
//
//	L1 samples: timestamped pose and point-cloud caches fed by a transport.
//	L2 gate:    decides when a (pose, point cloud) pair is collected.
//	L3 scan:    range gating, culling and sensor-to-world transform.
//	L4 grid:    sparse counting grid of per-cell sufficient statistics.
//	L5 field:   Gaussian-mixture likelihood field built from the grid.
//	L6 raster:  8-bit and 16-bit pixel buffers sampled from the field.
//
// Dependency rule: layer N may depend on layers below it, never above.
// The pipeline package is the composition root that wires L1-L6 together
// with the sinks (text log, point recorder, snapshot store).
package lssmap
