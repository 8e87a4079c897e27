package adas

import (
	"context"
	"image"
	"image/color"
	"image/draw"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/image/bmp"

	"github.com/dj-oyu/dashcam-monitor/internal/detect"
	"github.com/dj-oyu/dashcam-monitor/pkg/types"
)

func TestScaleFactorAndDistance(t *testing.T) {
	// normalized reference width 2.45
	ref := Reference{Class: "truck", KnownDistance: 7, ImageWidth: 100, ObjectWidth: 245}
	f, err := ref.ScaleFactor()
	require.NoError(t, err)
	assert.InDelta(t, 17.15, f, 1e-9)

	est := NewDistanceEstimator(map[string]float64{"truck": f})
	d, ok := est.Distance("truck", 245, 1280)
	require.True(t, ok)
	assert.InDelta(t, 89.6, d, 0.01)
}

func TestScaleFactorMissingObject(t *testing.T) {
	_, err := Reference{Class: "car", KnownDistance: 7, ImageWidth: 640}.ScaleFactor()
	assert.Error(t, err)
}

func TestCenteredOnlyMeasuresBoxesSpanningCenter(t *testing.T) {
	est := NewDistanceEstimator(map[string]float64{"truck": 17.15, "car": 10})
	dets := []types.Detection{
		{ClassName: "truck", Confidence: 0.9, BBox: types.BBox{X1: 500, X2: 745}},  // spans 640
		{ClassName: "car", Confidence: 0.9, BBox: types.BBox{X1: 100, X2: 300}},    // left of center
		{ClassName: "person", Confidence: 0.9, BBox: types.BBox{X1: 600, X2: 700}}, // no scale
		{ClassName: "car", Confidence: 0.2, BBox: types.BBox{X1: 600, X2: 700}},    // low confidence
	}
	got := est.Centered(dets, 1280, 0.4)
	require.Len(t, got, 1)
	assert.Equal(t, "truck", got[0].Class)
	assert.InDelta(t, 89.6, got[0].Distance, 0.01)
}

func TestNearest(t *testing.T) {
	est := NewDistanceEstimator(map[string]float64{"car": 10})
	dets := []types.Detection{
		{ClassName: "car", Confidence: 0.9, BBox: types.BBox{X1: 600, X2: 680}},
		{ClassName: "car", Confidence: 0.9, BBox: types.BBox{X1: 400, X2: 900}},
	}
	n, ok := est.Nearest(dets, 1280, 0.4)
	require.True(t, ok)
	assert.InDelta(t, 10/(500.0/1280), n.Distance, 1e-9)
}

func lane(class string, x1, x2 float64) types.Detection {
	return types.Detection{ClassName: class, Confidence: 0.8, BBox: types.BBox{X1: x1, X2: x2}}
}

func TestLaneDeparture(t *testing.T) {
	a := NewLaneAnalyzer(1280)
	assert.Equal(t, 85.0, a.DepartureThreshold())

	res := a.Analyze([]types.Detection{lane("solid_white", 560, 640)}) // cx 600, 40 from center
	assert.True(t, res.Departure)
	assert.True(t, res.Markings["left_solid_white"])

	res = a.Analyze([]types.Detection{lane("solid_white", 100, 200), lane("broken_white", 1000, 1100)})
	assert.False(t, res.Departure)
}

func TestFastLane(t *testing.T) {
	a := NewLaneAnalyzer(1280)
	res := a.Analyze([]types.Detection{
		lane("double_solid_yellow", 100, 200),
		lane("broken_white", 1000, 1100),
	})
	assert.True(t, res.FastLane)

	// broken on the left and solid on the right is the opposite situation
	res = a.Analyze([]types.Detection{
		lane("broken_white", 100, 200),
		lane("solid_white", 1000, 1100),
	})
	assert.False(t, res.FastLane)
}

func TestLaneIgnoresUnlistedClasses(t *testing.T) {
	a := NewLaneAnalyzer(1280, "solid_white", "broken_white")
	res := a.Analyze([]types.Detection{
		lane("road_arrow", 620, 660),
		lane("broken_white", 100, 200),
	})
	assert.False(t, res.Departure)
	assert.Equal(t, map[string]bool{"left_broken_white": true}, res.Markings)
}

func TestLaneIgnoresLowConfidence(t *testing.T) {
	a := NewLaneAnalyzer(1280)
	d := lane("solid_white", 620, 660)
	d.Confidence = 0.4
	res := a.Analyze([]types.Detection{d})
	assert.False(t, res.Departure)
	assert.Empty(t, res.Markings)
}

func writeBMP(t *testing.T, path string, w, h int) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(img, img.Bounds(), &image.Uniform{C: color.RGBA{A: 255}}, image.Point{}, draw.Src)
	img.Set(0, 0, color.RGBA{R: 200, G: 100, B: 50, A: 255})
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, bmp.Encode(f, img))
}

func TestLoadReferenceFrameBGR(t *testing.T) {
	path := filepath.Join(t.TempDir(), "truck.bmp")
	writeBMP(t, path, 8, 4)

	frame, err := LoadReferenceFrame(path)
	require.NoError(t, err)
	assert.Equal(t, 8, frame.Width)
	assert.Equal(t, 4, frame.Height)
	require.Len(t, frame.Data, types.FrameSize(8, 4))
	assert.Equal(t, []byte{50, 100, 200}, frame.Data[:3])
}

func TestCalibrate(t *testing.T) {
	dir := t.TempDir()
	writeBMP(t, filepath.Join(dir, "truck.bmp"), 100, 10)

	det := detect.DetectorFunc(func(_ context.Context, f *types.Frame) ([]types.Detection, error) {
		return []types.Detection{{ClassName: "truck", Confidence: 0.9, BBox: types.BBox{X1: 0, X2: 35}}}, nil
	})

	est, err := Calibrate(context.Background(), det, dir, DefaultRefs)
	require.NoError(t, err)

	f, ok := est.ScaleFactor("truck")
	require.True(t, ok)
	assert.InDelta(t, 7*0.35, f, 1e-9)

	_, ok = est.ScaleFactor("car")
	assert.False(t, ok, "car has no reference image")
}

func TestCalibrateNothingFound(t *testing.T) {
	det := detect.DetectorFunc(func(context.Context, *types.Frame) ([]types.Detection, error) { return nil, nil })
	_, err := Calibrate(context.Background(), det, t.TempDir(), DefaultRefs)
	assert.Error(t, err)
}
