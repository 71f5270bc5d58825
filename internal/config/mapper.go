package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/banshee-data/lssmap/internal/lssmap/l1samples"
	"github.com/banshee-data/lssmap/internal/lssmap/l2gate"
	"github.com/banshee-data/lssmap/internal/lssmap/l3scan"
	"github.com/banshee-data/lssmap/internal/lssmap/pipeline"
)

// DefaultConfigPath is the path to the canonical mapper defaults file.
const DefaultConfigPath = "config/lssmap.defaults.json"

const maxFileSize = 1 * 1024 * 1024 // 1MB

// ConfigError reports a missing or invalid configuration value. It is fatal
// at startup: no accumulation is attempted with a bad configuration.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Reason)
}

// MapperConfig is the on-disk configuration of the map maker. Every field is
// optional; the Get* methods supply the defaults for omitted fields, so
// partial configs are safe.
type MapperConfig struct {
	NodeName        *string `json:"node_name,omitempty" yaml:"node_name,omitempty"`
	TopicPose       *string `json:"topic_pose,omitempty" yaml:"topic_pose,omitempty"`
	TopicPointCloud *string `json:"topic_pointcloud,omitempty" yaml:"topic_pointcloud,omitempty"`

	// Map geometry
	CellSize     *float64 `json:"counting_map_cell_size,omitempty" yaml:"counting_map_cell_size,omitempty"`
	PixelSize    *float64 `json:"image_map_pixel_size,omitempty" yaml:"image_map_pixel_size,omitempty"`
	Smoothing    *float64 `json:"additional_smoothing_parameter,omitempty" yaml:"additional_smoothing_parameter,omitempty"`
	SensorRange  *float64 `json:"sensor_range,omitempty" yaml:"sensor_range,omitempty"`
	MinCellCount *int64   `json:"min_cell_count,omitempty" yaml:"min_cell_count,omitempty"`

	// Collect conditions
	IgnoreRangeLower *float64 `json:"collect_condition_ignore_range_lower,omitempty" yaml:"collect_condition_ignore_range_lower,omitempty"`
	IgnoreRangeUpper *float64 `json:"collect_condition_ignore_range_upper,omitempty" yaml:"collect_condition_ignore_range_upper,omitempty"`
	CullingDistance  *float64 `json:"collect_condition_culling_distance,omitempty" yaml:"collect_condition_culling_distance,omitempty"`
	MovingDistance   *float64 `json:"collect_condition_moving_distance,omitempty" yaml:"collect_condition_moving_distance,omitempty"`
	MovingAngleDeg   *float64 `json:"collect_condition_moving_angle,omitempty" yaml:"collect_condition_moving_angle,omitempty"`
	CollectTime      *string  `json:"collect_condition_time,omitempty" yaml:"collect_condition_time,omitempty"` // duration string like "2s"

	// Scheduling
	JoinTolerance      *string `json:"join_tolerance,omitempty" yaml:"join_tolerance,omitempty"`
	TickPeriod         *string `json:"tick_period,omitempty" yaml:"tick_period,omitempty"`
	PoseBuffer         *int    `json:"pose_buffer,omitempty" yaml:"pose_buffer,omitempty"`
	PointCloudBuffer   *int    `json:"pointcloud_buffer,omitempty" yaml:"pointcloud_buffer,omitempty"`
	StatusDisplayCycle *string `json:"status_display_cycle,omitempty" yaml:"status_display_cycle,omitempty"`

	// Outputs
	TextLog       *string `json:"text_log,omitempty" yaml:"text_log,omitempty"`
	OutputDir     *string `json:"output_dir,omitempty" yaml:"output_dir,omitempty"`
	SnapshotDB    *string `json:"snapshot_db,omitempty" yaml:"snapshot_db,omitempty"`
	PointCloudPCD *string `json:"point_cloud_pcd,omitempty" yaml:"point_cloud_pcd,omitempty"`
	// Voxel edge in metres for downsampling the PCD export, 0 keeps every point.
	PointCloudVoxelSize *float64 `json:"point_cloud_voxel_size,omitempty" yaml:"point_cloud_voxel_size,omitempty"`
	// Number of snapshots per run kept in snapshot_db, 0 keeps all.
	SnapshotKeep *int `json:"snapshot_keep,omitempty" yaml:"snapshot_keep,omitempty"`
}

func ptrFloat64(v float64) *float64 { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }
func ptrInt64(v int64) *int64       { return &v }

// EmptyMapperConfig returns a MapperConfig with all fields set to nil.
func EmptyMapperConfig() *MapperConfig {
	return &MapperConfig{}
}

// DefaultMapperConfig returns a MapperConfig with every field populated
// from its default.
func DefaultMapperConfig() *MapperConfig {
	return EmptyMapperConfig().Effective()
}

// LoadMapperConfig loads a MapperConfig from a .json, .yaml or .yml file and
// validates it.
func LoadMapperConfig(path string) (*MapperConfig, error) {
	cleanPath := filepath.Clean(path)
	ext := strings.ToLower(filepath.Ext(cleanPath))
	if ext != ".json" && ext != ".yaml" && ext != ".yml" {
		return nil, fmt.Errorf("config file must have .json, .yaml or .yml extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyMapperConfig()
	if ext == ".json" {
		err = json.Unmarshal(data, cfg)
	} else {
		err = yaml.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", strings.TrimPrefix(ext, "."), err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// MustLoadDefaultConfig loads the canonical defaults from DefaultConfigPath,
// searching the current directory and its parents. Intended for test setup.
func MustLoadDefaultConfig() *MapperConfig {
	candidates := []string{
		DefaultConfigPath,
		"../../" + DefaultConfigPath,
		"../../../" + DefaultConfigPath,
		"../../../../" + DefaultConfigPath,
	}
	for _, path := range candidates {
		if cfg, err := LoadMapperConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// WriteSample writes the effective configuration to path, as YAML when the
// extension is .yaml or .yml and as indented JSON otherwise.
func (c *MapperConfig) WriteSample(path string) error {
	eff := c.Effective()
	var data []byte
	var err error
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(eff)
	default:
		data, err = json.MarshalIndent(eff, "", "  ")
		data = append(data, '\n')
	}
	if err != nil {
		return fmt.Errorf("failed to encode sample config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write sample config: %w", err)
	}
	return nil
}

// Effective returns a copy with every omitted field filled from its default.
func (c *MapperConfig) Effective() *MapperConfig {
	return &MapperConfig{
		NodeName:            ptrString(c.GetNodeName()),
		TopicPose:           ptrString(c.GetTopicPose()),
		TopicPointCloud:     ptrString(c.GetTopicPointCloud()),
		CellSize:            ptrFloat64(c.GetCellSize()),
		PixelSize:           ptrFloat64(c.GetPixelSize()),
		Smoothing:           ptrFloat64(c.GetSmoothing()),
		SensorRange:         ptrFloat64(c.GetSensorRange()),
		MinCellCount:        ptrInt64(c.GetMinCellCount()),
		IgnoreRangeLower:    ptrFloat64(c.GetIgnoreRangeLower()),
		IgnoreRangeUpper:    ptrFloat64(c.GetIgnoreRangeUpper()),
		CullingDistance:     ptrFloat64(c.GetCullingDistance()),
		MovingDistance:      ptrFloat64(c.GetMovingDistance()),
		MovingAngleDeg:      ptrFloat64(c.GetMovingAngleDeg()),
		CollectTime:         ptrString(c.GetCollectTime().String()),
		JoinTolerance:       ptrString(c.GetJoinTolerance().String()),
		TickPeriod:          ptrString(c.GetTickPeriod().String()),
		PoseBuffer:          ptrInt(c.GetPoseBuffer()),
		PointCloudBuffer:    ptrInt(c.GetPointCloudBuffer()),
		StatusDisplayCycle:  ptrString(c.GetStatusDisplayCycle().String()),
		TextLog:             ptrString(c.GetTextLog()),
		OutputDir:           ptrString(c.GetOutputDir()),
		SnapshotDB:          ptrString(c.GetSnapshotDB()),
		PointCloudPCD:       ptrString(c.GetPointCloudPCD()),
		PointCloudVoxelSize: ptrFloat64(c.GetPointCloudVoxelSize()),
		SnapshotKeep:        ptrInt(c.GetSnapshotKeep()),
	}
}

// Validate checks every set field and returns all problems joined. Each
// problem is a *ConfigError.
func (c *MapperConfig) Validate() error {
	var errs []error
	bad := func(field, format string, args ...any) {
		errs = append(errs, &ConfigError{Field: field, Reason: fmt.Sprintf(format, args...)})
	}

	requireText := func(field string, v *string) {
		if v != nil && strings.TrimSpace(*v) == "" {
			bad(field, "must not be empty")
		}
	}
	requireText("node_name", c.NodeName)
	requireText("topic_pose", c.TopicPose)
	requireText("topic_pointcloud", c.TopicPointCloud)

	positive := func(field string, v *float64) {
		if v != nil && (!(*v > 0) || math.IsInf(*v, 0)) {
			bad(field, "must be positive and finite, got %v", *v)
		}
	}
	positive("counting_map_cell_size", c.CellSize)
	positive("image_map_pixel_size", c.PixelSize)
	positive("sensor_range", c.SensorRange)

	finite := func(field string, v *float64) {
		if v != nil && (math.IsNaN(*v) || math.IsInf(*v, 0)) {
			bad(field, "must be finite, got %v", *v)
		}
	}
	finite("additional_smoothing_parameter", c.Smoothing)
	finite("collect_condition_ignore_range_lower", c.IgnoreRangeLower)
	finite("collect_condition_ignore_range_upper", c.IgnoreRangeUpper)
	finite("collect_condition_culling_distance", c.CullingDistance)
	finite("collect_condition_moving_distance", c.MovingDistance)
	finite("collect_condition_moving_angle", c.MovingAngleDeg)

	if c.Smoothing != nil && *c.Smoothing < 0 {
		bad("additional_smoothing_parameter", "must be non-negative, got %v", *c.Smoothing)
	}
	if c.MinCellCount != nil && *c.MinCellCount < 1 {
		bad("min_cell_count", "must be at least 1, got %d", *c.MinCellCount)
	}
	if lo, hi := c.GetIgnoreRangeLower(), c.GetIgnoreRangeUpper(); lo >= 0 && hi >= 0 && hi < lo {
		bad("collect_condition_ignore_range_upper", "%v is below the lower bound %v", hi, lo)
	}

	duration := func(field string, v *string) {
		if v != nil && *v != "" {
			if _, err := time.ParseDuration(*v); err != nil {
				bad(field, "invalid duration %q: %v", *v, err)
			}
		}
	}
	duration("collect_condition_time", c.CollectTime)
	duration("join_tolerance", c.JoinTolerance)
	duration("tick_period", c.TickPeriod)
	duration("status_display_cycle", c.StatusDisplayCycle)
	if c.GetTickPeriod() <= 0 {
		bad("tick_period", "must be positive")
	}
	if c.GetJoinTolerance() < 0 {
		bad("join_tolerance", "must not be negative")
	}

	if c.PoseBuffer != nil && *c.PoseBuffer < 1 {
		bad("pose_buffer", "must be at least 1, got %d", *c.PoseBuffer)
	}
	if c.PointCloudBuffer != nil && *c.PointCloudBuffer < 1 {
		bad("pointcloud_buffer", "must be at least 1, got %d", *c.PointCloudBuffer)
	}
	finite("point_cloud_voxel_size", c.PointCloudVoxelSize)
	if c.PointCloudVoxelSize != nil && *c.PointCloudVoxelSize < 0 {
		bad("point_cloud_voxel_size", "must be non-negative, got %v", *c.PointCloudVoxelSize)
	}
	if c.SnapshotKeep != nil && *c.SnapshotKeep < 0 {
		bad("snapshot_keep", "must be non-negative, got %d", *c.SnapshotKeep)
	}

	return errors.Join(errs...)
}

// Resolve validates the configuration and converts it into the immutable
// pipeline parameters.
func (c *MapperConfig) Resolve() (*pipeline.Params, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &pipeline.Params{
		CellSize:     c.GetCellSize(),
		PixelSize:    c.GetPixelSize(),
		Smoothing:    c.GetSmoothing(),
		SensorRange:  c.GetSensorRange(),
		MinCellCount: c.GetMinCellCount(),
		Filter: l3scan.Params{
			IgnoreRangeLower: c.GetIgnoreRangeLower(),
			IgnoreRangeUpper: c.GetIgnoreRangeUpper(),
			CullingDistance:  c.GetCullingDistance(),
		},
		Conditions: l2gate.Conditions{
			Time:     c.GetCollectTime(),
			Distance: c.GetMovingDistance(),
			Angle:    c.GetMovingAngle(),
		},
		JoinTolerance:      c.GetJoinTolerance(),
		TickPeriod:         c.GetTickPeriod(),
		PoseBuffer:         c.GetPoseBuffer(),
		PointCloudBuffer:   c.GetPointCloudBuffer(),
		StatusDisplayCycle: c.GetStatusDisplayCycle(),
	}, nil
}

func stringOr(v *string, def string) string {
	if v == nil || *v == "" {
		return def
	}
	return *v
}

func floatOr(v *float64, def float64) float64 {
	if v == nil {
		return def
	}
	return *v
}

func durationOr(v *string, def time.Duration) time.Duration {
	if v == nil || *v == "" {
		return def
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return def
	}
	return d
}

// GetNodeName returns the node_name value or the default.
func (c *MapperConfig) GetNodeName() string { return stringOr(c.NodeName, "lssmap_maker") }

// GetTopicPose returns the topic_pose value or the default.
func (c *MapperConfig) GetTopicPose() string { return stringOr(c.TopicPose, "pose-gl") }

// GetTopicPointCloud returns the topic_pointcloud value or the default.
func (c *MapperConfig) GetTopicPointCloud() string {
	return stringOr(c.TopicPointCloud, "foo_pointcloud")
}

// GetCellSize returns the counting_map_cell_size value or the default.
func (c *MapperConfig) GetCellSize() float64 { return floatOr(c.CellSize, 0.8) }

// GetPixelSize returns the image_map_pixel_size value or the default.
func (c *MapperConfig) GetPixelSize() float64 { return floatOr(c.PixelSize, 0.1) }

// GetSmoothing returns the additional_smoothing_parameter value (m^2) or the default.
func (c *MapperConfig) GetSmoothing() float64 { return floatOr(c.Smoothing, 0.01) }

// GetSensorRange returns the sensor_range value or the default.
func (c *MapperConfig) GetSensorRange() float64 { return floatOr(c.SensorRange, 30) }

// GetMinCellCount returns the min_cell_count value or the default.
func (c *MapperConfig) GetMinCellCount() int64 {
	if c.MinCellCount == nil {
		return 1
	}
	return *c.MinCellCount
}

// GetIgnoreRangeLower returns the collect_condition_ignore_range_lower value or the default.
func (c *MapperConfig) GetIgnoreRangeLower() float64 { return floatOr(c.IgnoreRangeLower, 0.2) }

// GetIgnoreRangeUpper returns the collect_condition_ignore_range_upper value or the default.
func (c *MapperConfig) GetIgnoreRangeUpper() float64 { return floatOr(c.IgnoreRangeUpper, -1) }

// GetCullingDistance returns the collect_condition_culling_distance value or the default.
func (c *MapperConfig) GetCullingDistance() float64 { return floatOr(c.CullingDistance, 0.05) }

// GetMovingDistance returns the collect_condition_moving_distance value or the default.
func (c *MapperConfig) GetMovingDistance() float64 { return floatOr(c.MovingDistance, 0.05) }

// GetMovingAngleDeg returns the collect_condition_moving_angle value in degrees.
func (c *MapperConfig) GetMovingAngleDeg() float64 { return floatOr(c.MovingAngleDeg, 90) }

// GetMovingAngle returns the moving angle threshold in radians.
func (c *MapperConfig) GetMovingAngle() float64 { return c.GetMovingAngleDeg() * math.Pi / 180 }

// GetCollectTime returns the collect_condition_time value or the default (disabled).
func (c *MapperConfig) GetCollectTime() time.Duration { return durationOr(c.CollectTime, 0) }

// GetJoinTolerance returns the join_tolerance value or the default (unbounded).
func (c *MapperConfig) GetJoinTolerance() time.Duration { return durationOr(c.JoinTolerance, 0) }

// GetTickPeriod returns the tick_period value or the default.
func (c *MapperConfig) GetTickPeriod() time.Duration {
	return durationOr(c.TickPeriod, time.Millisecond)
}

// GetPoseBuffer returns the pose_buffer value or the default.
func (c *MapperConfig) GetPoseBuffer() int {
	if c.PoseBuffer == nil {
		return l1samples.DefaultPoseCapacity
	}
	return *c.PoseBuffer
}

// GetPointCloudBuffer returns the pointcloud_buffer value or the default.
func (c *MapperConfig) GetPointCloudBuffer() int {
	if c.PointCloudBuffer == nil {
		return l1samples.DefaultPointCloudCapacity
	}
	return *c.PointCloudBuffer
}

// GetStatusDisplayCycle returns the status_display_cycle value or the default (disabled).
func (c *MapperConfig) GetStatusDisplayCycle() time.Duration {
	return durationOr(c.StatusDisplayCycle, 0)
}

// GetTextLog returns the text_log path, empty when disabled.
func (c *MapperConfig) GetTextLog() string { return stringOr(c.TextLog, "") }

// GetOutputDir returns the output_dir value or the default.
func (c *MapperConfig) GetOutputDir() string { return stringOr(c.OutputDir, ".") }

// GetSnapshotDB returns the snapshot_db path, empty when disabled.
func (c *MapperConfig) GetSnapshotDB() string { return stringOr(c.SnapshotDB, "") }

// GetPointCloudPCD returns the point_cloud_pcd path, empty when disabled.
func (c *MapperConfig) GetPointCloudPCD() string { return stringOr(c.PointCloudPCD, "") }

// GetPointCloudVoxelSize returns the PCD downsampling voxel edge, 0 when off.
func (c *MapperConfig) GetPointCloudVoxelSize() float64 {
	return floatOr(c.PointCloudVoxelSize, 0)
}

// GetSnapshotKeep returns how many snapshots per run to keep, 0 for all.
func (c *MapperConfig) GetSnapshotKeep() int {
	if c.SnapshotKeep == nil {
		return 0
	}
	return *c.SnapshotKeep
}
