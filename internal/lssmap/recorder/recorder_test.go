package recorder

import (
	"bytes"
	"testing"

	"github.com/seqsense/pcgol/pc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/lssmap/internal/fsutil"
	"github.com/banshee-data/lssmap/internal/lssmap/l3scan"
	"github.com/banshee-data/lssmap/internal/lssmap/pipeline"
)

func TestRecorder_WritesPCD(t *testing.T) {
	fsys := fsutil.NewMemoryFileSystem()
	r, err := New(fsys, "points.pcd")
	require.NoError(t, err)
	assert.True(t, fsys.Exists("points.pcd"))

	require.NoError(t, r.WriteScan(pipeline.Scan{Points: []l3scan.WorldPoint{{X: 1, Y: 2}, {X: 3, Y: 4, Z: 0.5}}}))
	require.NoError(t, r.WriteScan(pipeline.Scan{Points: []l3scan.WorldPoint{{X: -1, Y: -2}}}))
	assert.Equal(t, 3, r.Len())
	require.NoError(t, r.Close())

	data, err := fsys.ReadFile("points.pcd")
	require.NoError(t, err)
	pp, err := pc.Unmarshal(bytes.NewReader(data))
	require.NoError(t, err)
	require.Equal(t, 3, pp.Points)

	it, err := pp.Vec3Iterator()
	require.NoError(t, err)
	var got [][3]float32
	for ; it.IsValid(); it.Incr() {
		v := it.Vec3()
		got = append(got, [3]float32{v[0], v[1], v[2]})
	}
	assert.Equal(t, [][3]float32{{1, 2, 0}, {3, 4, 0.5}, {-1, -2, 0}}, got)
}

func TestRecorder_EmptyCloud(t *testing.T) {
	fsys := fsutil.NewMemoryFileSystem()
	r, err := New(fsys, "empty.pcd")
	require.NoError(t, err)
	require.NoError(t, r.Close())

	data, err := fsys.ReadFile("empty.pcd")
	require.NoError(t, err)
	assert.Contains(t, string(data), "POINTS 0")
}

func TestRecorder_VoxelDownsampling(t *testing.T) {
	fsys := fsutil.NewMemoryFileSystem()
	r, err := New(fsys, "voxel.pcd", WithVoxelSize(1))
	require.NoError(t, err)

	// Two tight clusters, far apart.
	var pts []l3scan.WorldPoint
	for i := 0; i < 10; i++ {
		d := float64(i) * 0.01
		pts = append(pts, l3scan.WorldPoint{X: 0.2 + d, Y: 0.2 + d, Z: 0.2}, l3scan.WorldPoint{X: 10.2 + d, Y: 10.2, Z: 0.2})
	}
	require.NoError(t, r.WriteScan(pipeline.Scan{Points: pts}))

	pp, err := r.Cloud()
	require.NoError(t, err)
	assert.Equal(t, 2, pp.Points)
}
