package types

import "time"

// Frame represents one raw camera image with capture metadata
type Frame struct {
	Data      []byte    // Packed BGR24 pixels (Width*Height*3 bytes)
	Timestamp time.Time // Frame capture timestamp
	FrameNum  uint64    // Sequential frame number per camera
	Width     int       // Frame width
	Height    int       // Frame height
}

// BytesPerPixel is the pixel stride of the BGR24 layout used across the pipeline
const BytesPerPixel = 3

// FrameSize returns the expected byte length of a BGR24 frame
func FrameSize(width, height int) int {
	return width * height * BytesPerPixel
}

// CameraRole identifies which way a camera faces
type CameraRole string

// CameraRole constants
const (
	RoleInner CameraRole = "inner" // Cabin-facing driver camera
	RoleFront CameraRole = "front" // Road-facing ADAS camera
)

// CameraType returns the backend cameraType enum for the role
func (r CameraRole) CameraType() string {
	if r == RoleInner {
		return "INSIDE"
	}
	return "OUTSIDE"
}

// FilePrefix returns the artifact filename prefix for the role
func (r CameraRole) FilePrefix() string {
	if r == RoleInner {
		return "Inner"
	}
	return "Front"
}

// BBox is an axis-aligned bounding box in pixel coordinates
type BBox struct {
	X1 float64 `json:"x1"`
	Y1 float64 `json:"y1"`
	X2 float64 `json:"x2"`
	Y2 float64 `json:"y2"`
}

// Width returns the horizontal extent of the box
func (b BBox) Width() float64 {
	return b.X2 - b.X1
}

// CenterX returns the horizontal center of the box
func (b BBox) CenterX() float64 {
	return (b.X1 + b.X2) / 2
}

// Detection is a single object reported by a detection model for one frame
type Detection struct {
	ClassName  string  `json:"class_name"`
	Confidence float64 `json:"confidence"`
	BBox       BBox    `json:"bbox"`
}
