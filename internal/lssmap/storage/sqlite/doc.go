// Package sqlite persists counting-grid snapshots so an interrupted run
// can resume accumulating.
//
// Each snapshot stores the grid as an opaque blob together with the
// collection state (last collected pose, count and cloud sequence) the
// gate needs to pick up where it stopped. The schema is managed by
// golang-migrate from the embedded migrations directory.
package sqlite
