package lssmap

import (
	"io"

	"github.com/banshee-data/lssmap/internal/lssmap/l2gate"
	"github.com/banshee-data/lssmap/internal/lssmap/l4grid"
	"github.com/banshee-data/lssmap/internal/lssmap/pipeline"
	"github.com/banshee-data/lssmap/internal/lssmap/replay"
)

// LogWriters holds the io.Writers for each logging stream.
type LogWriters struct {
	Ops   io.Writer
	Diag  io.Writer
	Trace io.Writer
}

// SetLogWriters routes the three logging streams of every map maker
// package. Pass nil for any writer to disable that stream.
func SetLogWriters(w LogWriters) {
	l2gate.SetLogWriters(w.Ops, w.Diag, w.Trace)
	l4grid.SetLogWriters(w.Ops, w.Diag, w.Trace)
	pipeline.SetLogWriters(w.Ops, w.Diag, w.Trace)
	replay.SetLogWriters(w.Ops, w.Diag, w.Trace)
}
