package replay

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/banshee-data/lssmap/internal/lssmap/l1samples"
)

// rosTime is the JSON rendering of a ROS time value.
type rosTime struct {
	Secs  int64 `json:"secs"`
	Nsecs int64 `json:"nsecs"`
}

func (t rosTime) Time() time.Time {
	return time.Unix(t.Secs, t.Nsecs).UTC()
}

func (t rosTime) IsZero() bool { return t.Secs == 0 && t.Nsecs == 0 }

type header struct {
	Seq     uint32  `json:"seq"`
	Stamp   rosTime `json:"stamp"`
	FrameID string  `json:"frame_id"`
}

// poseMessage is a stamped 2D pose (x, y, theta) as decoded from a bag.
type poseMessage struct {
	Meta rosTime `json:"meta"`
	Data struct {
		Header header  `json:"header"`
		X      float64 `json:"x"`
		Y      float64 `json:"y"`
		Theta  float64 `json:"theta"`
	} `json:"data"`
}

// cloudMessage is a sensor_msgs/PointCloud as decoded from a bag. Channels
// are ignored.
type cloudMessage struct {
	Meta rosTime `json:"meta"`
	Data struct {
		Header header `json:"header"`
		Points []struct {
			X float32 `json:"x"`
			Y float32 `json:"y"`
			Z float32 `json:"z"`
		} `json:"points"`
	} `json:"data"`
}

// stamp prefers the message header stamp and falls back to the time the
// message was recorded.
func stamp(h header, recorded rosTime) time.Time {
	if h.Stamp.IsZero() {
		return recorded.Time()
	}
	return h.Stamp.Time()
}

// DecodePoses reads pose messages, one JSON object per line.
func DecodePoses(r io.Reader) ([]l1samples.PoseSample, error) {
	var out []l1samples.PoseSample
	err := eachLine(r, func(line []byte) error {
		var m poseMessage
		if err := json.Unmarshal(line, &m); err != nil {
			return err
		}
		out = append(out, l1samples.PoseSample{
			Timestamp: stamp(m.Data.Header, m.Meta),
			Seq:       m.Data.Header.Seq,
			X:         m.Data.X,
			Y:         m.Data.Y,
			Theta:     m.Data.Theta,
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to decode pose message: %w", err)
	}
	return out, nil
}

// DecodePointClouds reads point-cloud messages, one JSON object per line.
func DecodePointClouds(r io.Reader) ([]l1samples.PointCloudSample, error) {
	var out []l1samples.PointCloudSample
	err := eachLine(r, func(line []byte) error {
		var m cloudMessage
		if err := json.Unmarshal(line, &m); err != nil {
			return err
		}
		pts := make([]l1samples.PointSample, len(m.Data.Points))
		for i, p := range m.Data.Points {
			pts[i] = l1samples.PointSample{X: float64(p.X), Y: float64(p.Y), Z: float64(p.Z)}
		}
		out = append(out, l1samples.PointCloudSample{
			Timestamp: stamp(m.Data.Header, m.Meta),
			Seq:       m.Data.Header.Seq,
			Points:    pts,
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to decode point cloud message: %w", err)
	}
	return out, nil
}

func eachLine(r io.Reader, fn func([]byte) error) error {
	br := bufio.NewReader(r)
	for n := 1; ; n++ {
		line, err := br.ReadBytes('\n')
		if len(strings.TrimSpace(string(line))) > 0 {
			if perr := fn(line); perr != nil {
				return fmt.Errorf("line %d: %w", n, perr)
			}
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}
