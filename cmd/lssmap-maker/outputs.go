package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"path/filepath"

	"golang.org/x/image/bmp"
	"golang.org/x/image/tiff"

	"github.com/banshee-data/lssmap/internal/fsutil"
	"github.com/banshee-data/lssmap/internal/lssmap/pipeline"
	"github.com/banshee-data/lssmap/internal/lssmap/report"
)

// Output file names, relative to the configured output directory.
const (
	countingMapFile = "counting-map.txt"
	image8File      = "map-image8.bmp"
	image16File     = "map-image16.tiff"
	originFile      = "origin.txt"
	cellsChartFile  = "cells.html"
	trajectoryFile  = "trajectory.png"
)

// writeFile creates name under dir and streams fn into it through a
// buffered writer.
func writeFile(fsys fsutil.FileSystem, dir, name string, fn func(w io.Writer) error) error {
	path := filepath.Join(dir, name)
	f, err := fsys.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	bw := bufio.NewWriter(f)
	if err := fn(bw); err != nil {
		f.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := bw.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return f.Close()
}

// writeOutputs writes every artefact of a finalized run. A failed file does
// not stop the others; all failures are returned joined.
func writeOutputs(fsys fsutil.FileSystem, dir string, res *pipeline.Result) ([]string, error) {
	var written []string
	var errs []error
	emit := func(name string, fn func(w io.Writer) error) {
		if err := writeFile(fsys, dir, name, fn); err != nil {
			errs = append(errs, err)
			return
		}
		written = append(written, filepath.Join(dir, name))
	}

	emit(countingMapFile, res.Grid.WriteText)
	emit(cellsChartFile, func(w io.Writer) error {
		return report.WriteCellChart(w, res.Grid, "Counting grid "+res.RunID, report.DefaultMaxCellPoints)
	})

	if res.Narrow == nil || res.Wide == nil {
		return written, errors.Join(errs...)
	}
	emit(image8File, func(w io.Writer) error { return bmp.Encode(w, res.Narrow.Image()) })
	emit(image16File, func(w io.Writer) error {
		return tiff.Encode(w, res.Wide.Image(), &tiff.Options{Compression: tiff.Deflate})
	})
	emit(originFile, func(w io.Writer) error {
		_, err := res.Narrow.Origin.WriteTo(w)
		return err
	})
	return written, errors.Join(errs...)
}
