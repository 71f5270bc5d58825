package l3scan

import (
	"math"

	"github.com/banshee-data/lssmap/internal/lssmap/l1samples"
)

// PoseTransform builds the 4x4 row-major homogeneous transform that maps
// sensor-frame points into the world frame for a robot at pose: rotation by
// Theta about Z followed by translation (X, Y, 0).
func PoseTransform(pose l1samples.PoseSample) [16]float64 {
	c, s := math.Cos(pose.Theta), math.Sin(pose.Theta)
	return [16]float64{
		c, -s, 0, pose.X,
		s, c, 0, pose.Y,
		0, 0, 1, 0,
		0, 0, 0, 1,
	}
}

// ApplyPose applies a 4x4 row-major transform T to point (x,y,z).
// T is expected as [16]float64 row-major: m00,m01,m02,m03, m10,...
func ApplyPose(x, y, z float64, T [16]float64) (wx, wy, wz float64) {
	wx = T[0]*x + T[1]*y + T[2]*z + T[3]
	wy = T[4]*x + T[5]*y + T[6]*z + T[7]
	wz = T[8]*x + T[9]*y + T[10]*z + T[11]
	return
}

// IsValidTransformMatrix checks if a 4x4 matrix is a valid rigid transform:
// finite entries, rotation block with determinant 1 and a last row of
// [0 0 0 1].
func IsValidTransformMatrix(T [16]float64) bool {
	for _, v := range T {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	r00, r01, r02 := T[0], T[1], T[2]
	r10, r11, r12 := T[4], T[5], T[6]
	r20, r21, r22 := T[8], T[9], T[10]

	det := r00*(r11*r22-r12*r21) - r01*(r10*r22-r12*r20) + r02*(r10*r21-r11*r20)
	if math.Abs(det-1.0) > 0.01 {
		return false
	}
	if T[12] != 0 || T[13] != 0 || T[14] != 0 || math.Abs(T[15]-1.0) > 0.001 {
		return false
	}
	return true
}
