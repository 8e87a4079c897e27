// Package adas holds the road-camera heuristics: pinhole distance estimates
// for vehicles ahead and lane-marking analysis.
package adas

import (
	"fmt"

	"github.com/dj-oyu/dashcam-monitor/pkg/types"
)

// Reference describes a calibration image of an object at a known distance.
type Reference struct {
	Class         string
	KnownDistance float64 // distance to the object when the image was taken
	ImageWidth    int     // reference image width, px
	ObjectWidth   float64 // detected object width in the reference image, px
}

// ScaleFactor returns known_distance * (object_width_px / image_width_px).
func (r Reference) ScaleFactor() (float64, error) {
	if r.ImageWidth <= 0 {
		return 0, fmt.Errorf("reference %s: image width %d", r.Class, r.ImageWidth)
	}
	if r.ObjectWidth <= 0 {
		return 0, fmt.Errorf("reference %s: object not found in reference image", r.Class)
	}
	return r.KnownDistance * (r.ObjectWidth / float64(r.ImageWidth)), nil
}

// Estimate is a distance measured to one centered object.
type Estimate struct {
	Class    string
	Distance float64
	BBox     types.BBox
}

// DistanceEstimator converts bbox widths into distances with per-class
// scale factors computed once at startup.
type DistanceEstimator struct {
	scale map[string]float64
}

// NewDistanceEstimator creates an estimator from precomputed scale factors.
func NewDistanceEstimator(scale map[string]float64) *DistanceEstimator {
	cp := make(map[string]float64, len(scale))
	for k, v := range scale {
		cp[k] = v
	}
	return &DistanceEstimator{scale: cp}
}

// ScaleFactor returns the factor for class and whether one is known.
func (e *DistanceEstimator) ScaleFactor(class string) (float64, bool) {
	f, ok := e.scale[class]
	return f, ok
}

// Distance returns scale_factor / (bbox_width / frame_width).
func (e *DistanceEstimator) Distance(class string, bboxWidth float64, frameWidth int) (float64, bool) {
	f, ok := e.scale[class]
	if !ok || frameWidth <= 0 {
		return 0, false
	}
	normalized := bboxWidth / float64(frameWidth)
	if normalized <= 0 {
		return 0, false
	}
	return f / normalized, true
}

// Centered measures every known-class detection whose box spans the frame's
// center column.
func (e *DistanceEstimator) Centered(dets []types.Detection, frameWidth int, minConf float64) []Estimate {
	middle := float64(frameWidth / 2)
	var out []Estimate
	for _, d := range dets {
		if d.Confidence < minConf {
			continue
		}
		if !(d.BBox.X1 < middle && middle < d.BBox.X2) {
			continue
		}
		dist, ok := e.Distance(d.ClassName, d.BBox.Width(), frameWidth)
		if !ok {
			continue
		}
		out = append(out, Estimate{Class: d.ClassName, Distance: dist, BBox: d.BBox})
	}
	return out
}

// Nearest returns the closest centered estimate.
func (e *DistanceEstimator) Nearest(dets []types.Detection, frameWidth int, minConf float64) (Estimate, bool) {
	all := e.Centered(dets, frameWidth, minConf)
	if len(all) == 0 {
		return Estimate{}, false
	}
	best := all[0]
	for _, est := range all[1:] {
		if est.Distance < best.Distance {
			best = est
		}
	}
	return best, true
}
