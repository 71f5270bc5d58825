package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/banshee-data/lssmap/internal/lssmap/l1samples"
	"github.com/banshee-data/lssmap/internal/lssmap/l2gate"
	"github.com/banshee-data/lssmap/internal/lssmap/l4grid"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrNoSnapshot is returned when the store holds no matching snapshot.
var ErrNoSnapshot = errors.New("no snapshot")

var pragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA busy_timeout=5000",
	"PRAGMA synchronous=NORMAL",
	"PRAGMA temp_store=MEMORY",
}

// Snapshot is one persisted grid together with the collection state at
// the time it was taken.
type Snapshot struct {
	ID      int64
	RunID   string
	Created time.Time
	Grid    *l4grid.CountingGrid
	State   l2gate.CollectionState
}

// SnapshotInfo is the listing view of a Snapshot, without the grid.
type SnapshotInfo struct {
	ID             int64
	RunID          string
	Created        time.Time
	CellSize       float64
	Cells          int
	Points         int64
	CollectedCount int
}

// Store is the snapshot repository.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path and migrates it to
// the latest schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open snapshot db: %w", err)
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to execute %q: %w", p, err)
		}
	}
	s := &Store{db: db}
	if err := s.migrateUp(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewStore wraps an already migrated database.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) migrateUp() error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to load migrations: %w", err)
	}
	driver, err := migratesqlite.WithInstance(s.db, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create sqlite driver: %w", err)
	}
	// m is not closed: that would close the shared *sql.DB.
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}
	return nil
}

// DB exposes the underlying handle.
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// Save stores a snapshot and returns its id. An empty RunID gets a new
// UUID and a zero Created is set to now.
func (s *Store) Save(ctx context.Context, snap *Snapshot) (int64, error) {
	if snap.Grid == nil {
		return 0, fmt.Errorf("save snapshot: nil grid")
	}
	if snap.RunID == "" {
		snap.RunID = uuid.New().String()
	}
	if snap.Created.IsZero() {
		snap.Created = time.Now()
	}
	blob, err := snap.Grid.MarshalBlob()
	if err != nil {
		return 0, fmt.Errorf("save snapshot: %w", err)
	}
	p := snap.State.LastCollectedPose

	query := `
		INSERT INTO lssmap_snapshots (
			run_id, created_ns, cell_size, cells, points,
			collected_count, last_cloud_seq,
			pose_ns, pose_seq, pose_x, pose_y, pose_theta,
			grid_blob
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	res, err := s.db.ExecContext(ctx, query,
		snap.RunID,
		snap.Created.UnixNano(),
		snap.Grid.CellSize(),
		snap.Grid.Len(),
		snap.Grid.Points(),
		snap.State.CollectedCount,
		int64(snap.State.LastCloudSeq),
		p.Timestamp.UnixNano(),
		int64(p.Seq),
		p.X, p.Y, p.Theta,
		blob,
	)
	if err != nil {
		return 0, fmt.Errorf("insert snapshot: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("insert snapshot: %w", err)
	}
	snap.ID = id
	return id, nil
}

const selectSnapshot = `
	SELECT snapshot_id, run_id, created_ns,
	       collected_count, last_cloud_seq,
	       pose_ns, pose_seq, pose_x, pose_y, pose_theta,
	       grid_blob
	FROM lssmap_snapshots
`

// Latest returns the most recently saved snapshot of any run.
func (s *Store) Latest(ctx context.Context) (*Snapshot, error) {
	return s.scanOne(s.db.QueryRowContext(ctx, selectSnapshot+` ORDER BY snapshot_id DESC LIMIT 1`))
}

// LatestForRun returns the most recent snapshot of runID.
func (s *Store) LatestForRun(ctx context.Context, runID string) (*Snapshot, error) {
	return s.scanOne(s.db.QueryRowContext(ctx, selectSnapshot+` WHERE run_id = ? ORDER BY snapshot_id DESC LIMIT 1`, runID))
}

// Get returns the snapshot with the given id.
func (s *Store) Get(ctx context.Context, id int64) (*Snapshot, error) {
	return s.scanOne(s.db.QueryRowContext(ctx, selectSnapshot+` WHERE snapshot_id = ?`, id))
}

func (s *Store) scanOne(row *sql.Row) (*Snapshot, error) {
	var (
		snap              Snapshot
		createdNs, poseNs int64
		cloudSeq, poseSeq int64
		pose              l1samples.PoseSample
		blob              []byte
	)
	err := row.Scan(&snap.ID, &snap.RunID, &createdNs,
		&snap.State.CollectedCount, &cloudSeq,
		&poseNs, &poseSeq, &pose.X, &pose.Y, &pose.Theta,
		&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoSnapshot
	}
	if err != nil {
		return nil, fmt.Errorf("scan snapshot: %w", err)
	}
	grid, err := l4grid.UnmarshalBlob(blob)
	if err != nil {
		return nil, fmt.Errorf("snapshot %d: %w", snap.ID, err)
	}
	pose.Timestamp = time.Unix(0, poseNs)
	pose.Seq = uint32(poseSeq)
	snap.Created = time.Unix(0, createdNs)
	snap.State.LastCloudSeq = uint32(cloudSeq)
	snap.State.LastCollectedPose = pose
	snap.Grid = grid
	return &snap, nil
}

// List returns the newest snapshots first, at most limit of them. A
// non-positive limit lists everything.
func (s *Store) List(ctx context.Context, limit int) ([]SnapshotInfo, error) {
	query := `
		SELECT snapshot_id, run_id, created_ns, cell_size, cells, points, collected_count
		FROM lssmap_snapshots
		ORDER BY snapshot_id DESC
	`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	defer rows.Close()

	var out []SnapshotInfo
	for rows.Next() {
		var info SnapshotInfo
		var createdNs int64
		if err := rows.Scan(&info.ID, &info.RunID, &createdNs, &info.CellSize, &info.Cells, &info.Points, &info.CollectedCount); err != nil {
			return nil, fmt.Errorf("scan snapshot info: %w", err)
		}
		info.Created = time.Unix(0, createdNs)
		out = append(out, info)
	}
	return out, rows.Err()
}

// Prune deletes all but the newest keep snapshots of runID and returns the
// number removed.
func (s *Store) Prune(ctx context.Context, runID string, keep int) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM lssmap_snapshots
		WHERE run_id = ? AND snapshot_id NOT IN (
			SELECT snapshot_id FROM lssmap_snapshots
			WHERE run_id = ?
			ORDER BY snapshot_id DESC
			LIMIT ?
		)
	`, runID, runID, max(keep, 0))
	if err != nil {
		return 0, fmt.Errorf("prune snapshots: %w", err)
	}
	return res.RowsAffected()
}
