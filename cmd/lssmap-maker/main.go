// Command lssmap-maker replays a recorded bag of robot poses and laser
// scans, accumulates the scans into a counting grid and writes the laser
// scan statistics map images.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/banshee-data/lssmap/internal/config"
	"github.com/banshee-data/lssmap/internal/fsutil"
	"github.com/banshee-data/lssmap/internal/lssmap"
	"github.com/banshee-data/lssmap/internal/lssmap/pipeline"
	"github.com/banshee-data/lssmap/internal/lssmap/recorder"
	"github.com/banshee-data/lssmap/internal/lssmap/replay"
	"github.com/banshee-data/lssmap/internal/lssmap/report"
	"github.com/banshee-data/lssmap/internal/lssmap/storage/sqlite"
	"github.com/banshee-data/lssmap/internal/timeutil"
	"github.com/banshee-data/lssmap/internal/version"
)

var (
	configPath = flag.String("config", config.DefaultConfigPath, "Path to the map maker configuration (.json, .yaml)")
	bagPath    = flag.String("bag", "", "Rosbag to replay (required)")
	realtime   = flag.Bool("realtime", false, "Replay at the recorded pace and tick the loop concurrently")
	resume     = flag.Bool("resume", false, "Continue from the latest snapshot in snapshot_db")
	verbose    = flag.Bool("v", false, "Enable diagnostic logging")
	trace      = flag.Bool("vv", false, "Enable diagnostic and per-tick trace logging")
	showVer    = flag.Bool("version", false, "Print the version and exit")
)

func main() {
	flag.Parse()
	if *showVer {
		fmt.Println("lssmap-maker", version.String())
		return
	}

	logs := lssmap.LogWriters{Ops: os.Stderr}
	if *verbose || *trace {
		logs.Diag = os.Stderr
	}
	if *trace {
		logs.Trace = os.Stderr
	}
	lssmap.SetLogWriters(logs)

	cfg, err := config.LoadMapperConfig(*configPath)
	if err != nil {
		var ce *config.ConfigError
		if !errors.As(err, &ce) {
			sample := *configPath + ".tmp"
			if werr := config.EmptyMapperConfig().WriteSample(sample); werr != nil {
				log.Printf("failed to write sample config: %v", werr)
			} else {
				log.Printf("wrote sample configuration to %s", sample)
			}
		}
		log.Fatalf("failed to load config: %v", err)
	}
	params, err := cfg.Resolve()
	if err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}
	if *bagPath == "" {
		log.Fatal("-bag is required")
	}

	if err := run(cfg, params); err != nil {
		log.Fatal(err)
	}
}

func run(cfg *config.MapperConfig, params *pipeline.Params) error {
	fsys := fsutil.OSFileSystem{}
	outDir := cfg.GetOutputDir()
	if err := fsys.MkdirAll(outDir, 0o755); err != nil {
		return fmt.Errorf("%w: output dir: %v", pipeline.ErrResource, err)
	}

	var store *sqlite.Store
	if path := cfg.GetSnapshotDB(); path != "" {
		s, err := sqlite.Open(path)
		if err != nil {
			return fmt.Errorf("%w: snapshot db: %v", pipeline.ErrResource, err)
		}
		defer s.Close()
		store = s
	}

	opts, err := runnerOptions(cfg, fsys, outDir, store)
	if err != nil {
		return err
	}
	runner, err := pipeline.NewRunner(params, opts...)
	if err != nil {
		return err
	}
	defer runner.Close()
	log.Printf("%s %s: run %s, config %s", cfg.GetNodeName(), version.Version, runner.RunID(), *configPath)

	rec, err := replay.ReadBag(fsys, *bagPath, cfg.GetTopicPose(), cfg.GetTopicPointCloud())
	if err != nil {
		return fmt.Errorf("%w: %v", pipeline.ErrResource, err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var playErr error
	if *realtime {
		playErr = playRealtime(ctx, rec, runner, params.TickPeriod)
	} else {
		playErr = playLockstep(ctx, rec, runner)
	}
	if playErr != nil {
		log.Printf("replay stopped early: %v", playErr)
	}
	return finish(fsys, outDir, runner, store, cfg.GetSnapshotKeep(), playErr)
}

// finish persists whatever was accumulated, whether or not the replay
// completed: the outputs Finalize could build, the snapshot and the sinks.
// Every step runs even when an earlier one failed.
func finish(fsys fsutil.FileSystem, outDir string, runner *pipeline.Runner, store *sqlite.Store, keep int, playErr error) error {
	errs := []error{playErr}

	res, err := runner.Finalize()
	if err != nil {
		log.Printf("finalize: %v", err)
		errs = append(errs, err)
	}
	written, err := writeOutputs(fsys, outDir, res)
	for _, path := range written {
		log.Printf("wrote %s", path)
	}
	errs = append(errs, err)

	if store != nil {
		errs = append(errs, saveSnapshot(store, runner, keep))
	}
	// Closing the runner flushes the sinks: text log, PCD and trajectory plot.
	errs = append(errs, runner.Close())
	return errors.Join(errs...)
}

// runnerOptions opens the sinks and, with -resume, loads the latest
// snapshot. Sinks opened before a failure are closed.
func runnerOptions(cfg *config.MapperConfig, fsys fsutil.FileSystem, outDir string, store *sqlite.Store) ([]pipeline.Option, error) {
	var sinks []pipeline.Sink
	fail := func(err error) ([]pipeline.Option, error) {
		for _, s := range sinks {
			s.Close()
		}
		return nil, err
	}

	if path := cfg.GetTextLog(); path != "" {
		tl, err := pipeline.OpenTextLog(fsys, path)
		if err != nil {
			return fail(err)
		}
		sinks = append(sinks, tl)
	}
	if path := cfg.GetPointCloudPCD(); path != "" {
		r, err := recorder.New(fsys, path, recorder.WithVoxelSize(float32(cfg.GetPointCloudVoxelSize())))
		if err != nil {
			return fail(err)
		}
		sinks = append(sinks, r)
	}
	sinks = append(sinks, report.NewTrajectory(fsys, filepath.Join(outDir, trajectoryFile)))

	opts := []pipeline.Option{
		pipeline.WithClock(timeutil.RealClock{}),
		pipeline.WithObserver(pipeline.NewLogObserver(os.Stderr)),
	}
	for _, s := range sinks {
		opts = append(opts, pipeline.WithSink(s))
	}

	if *resume {
		if store == nil {
			return fail(fmt.Errorf("%w: -resume needs snapshot_db", pipeline.ErrResource))
		}
		snap, err := store.Latest(context.Background())
		if err != nil {
			return fail(fmt.Errorf("%w: resume: %v", pipeline.ErrResource, err))
		}
		log.Printf("resuming run %s from snapshot %d: %d cells, %d collections",
			snap.RunID, snap.ID, snap.Grid.Len(), snap.State.CollectedCount)
		opts = append(opts,
			pipeline.WithRunID(snap.RunID),
			pipeline.WithGrid(snap.Grid),
			pipeline.WithReferencePose(snap.State.LastCollectedPose, snap.State.CollectedCount))
	}
	return opts, nil
}

// playLockstep pushes the bag one message at a time and ticks the runner
// after every pose, so no pose is skipped however fast the bag is read.
func playLockstep(ctx context.Context, rec *replay.Recording, runner *pipeline.Runner) error {
	st, err := replay.NewPlayer(rec, runner, replay.WithStep(runner.Tick)).Play(ctx)
	s := runner.Status()
	s.Final = true
	pipeline.NewLogObserver(os.Stderr).Observe(s)
	log.Printf("replayed %d poses and %d point clouds over %s, %d collections",
		st.Poses, st.PointClouds, st.Span, st.Collections)
	return err
}

// playRealtime replays at the recorded pace while the runner ticks on its
// own goroutine. The loop gets a few more ticks after the bag ends so the
// last pose is evaluated.
func playRealtime(ctx context.Context, rec *replay.Recording, runner *pipeline.Runner, tick time.Duration) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- runner.Run(runCtx) }()

	st, err := replay.NewPlayer(rec, runner, replay.WithRealtime()).Play(ctx)
	if err == nil {
		log.Printf("replayed %d poses and %d point clouds over %s", st.Poses, st.PointClouds, st.Span)
		select {
		case <-ctx.Done():
		case <-time.After(10 * tick):
		case err = <-done:
			return err
		}
	}
	cancel()
	if rerr := <-done; rerr != nil {
		return rerr
	}
	return err
}

func saveSnapshot(store *sqlite.Store, runner *pipeline.Runner, keep int) error {
	ctx := context.Background()
	snap := &sqlite.Snapshot{RunID: runner.RunID(), Grid: runner.Grid(), State: runner.State()}
	id, err := store.Save(ctx, snap)
	if err != nil {
		return err
	}
	log.Printf("saved snapshot %d of run %s", id, snap.RunID)
	if keep > 0 {
		n, err := store.Prune(ctx, snap.RunID, keep)
		if err != nil {
			return err
		}
		if n > 0 {
			log.Printf("pruned %d old snapshots", n)
		}
	}
	return nil
}
