package adas

import (
	"github.com/dj-oyu/dashcam-monitor/pkg/types"
)

// LaneConfidence is the minimum confidence for a lane marking to count.
const LaneConfidence = 0.4

var (
	restrictedLeft = map[string]bool{
		"left_solid_white":         true,
		"left_solid_yellow":        true,
		"left_double_solid_white":  true,
		"left_double_solid_yellow": true,
	}
	passingRight = map[string]bool{
		"right_broken_white":  true,
		"right_broken_yellow": true,
	}
)

// LaneResult summarizes the lane markings seen in one frame.
type LaneResult struct {
	Markings  map[string]bool // side-prefixed class names, e.g. "left_solid_white"
	Departure bool
	FastLane  bool
}

// LaneAnalyzer classifies lane-marking detections relative to the frame center.
type LaneAnalyzer struct {
	frameWidth int
	center     float64
	threshold  float64
	classes    map[string]bool // nil accepts every class
}

// NewLaneAnalyzer creates an analyzer for frames of the given width. The
// departure threshold is frameWidth/15. When classes are given, detections
// of any other class are ignored.
func NewLaneAnalyzer(frameWidth int, classes ...string) *LaneAnalyzer {
	a := &LaneAnalyzer{
		frameWidth: frameWidth,
		center:     float64(frameWidth / 2),
		threshold:  float64(frameWidth / 15),
	}
	if len(classes) > 0 {
		a.classes = make(map[string]bool, len(classes))
		for _, c := range classes {
			a.classes[c] = true
		}
	}
	return a
}

// DepartureThreshold returns the distance from center under which a marking
// counts as a departure.
func (a *LaneAnalyzer) DepartureThreshold() float64 {
	return a.threshold
}

// Analyze labels each confident marking left_/right_ by its center-x and
// evaluates departure and fast-lane conditions.
func (a *LaneAnalyzer) Analyze(dets []types.Detection) LaneResult {
	res := LaneResult{Markings: make(map[string]bool)}
	for _, d := range dets {
		if d.Confidence <= LaneConfidence {
			continue
		}
		if a.classes != nil && !a.classes[d.ClassName] {
			continue
		}
		cx := d.BBox.CenterX()
		side := "right_"
		if cx < a.center {
			side = "left_"
		}
		res.Markings[side+d.ClassName] = true

		diff := cx - a.center
		if diff < 0 {
			diff = -diff
		}
		if diff < a.threshold {
			res.Departure = true
		}
	}
	res.FastLane = fastLane(res.Markings)
	return res
}

func fastLane(markings map[string]bool) bool {
	left, right := false, false
	for m := range markings {
		if restrictedLeft[m] {
			left = true
		}
		if passingRight[m] {
			right = true
		}
	}
	return left && right
}
