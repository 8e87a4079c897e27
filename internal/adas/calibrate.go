package adas

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/draw"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"

	"github.com/dj-oyu/dashcam-monitor/internal/detect"
	"github.com/dj-oyu/dashcam-monitor/internal/logger"
	"github.com/dj-oyu/dashcam-monitor/pkg/types"
)

var log = logger.For("ADAS")

// RefSpec names a reference image and the real-world facts about it.
type RefSpec struct {
	Class         string
	KnownDistance float64
}

// DefaultRefs are the vehicle classes with calibration images.
var DefaultRefs = []RefSpec{
	{Class: "truck", KnownDistance: 7},
	{Class: "car", KnownDistance: 7},
}

var refExtensions = []string{".jpg", ".jpeg", ".png", ".bmp", ".webp"}

// FindReferenceImage returns the first "<dir>/<class><ext>" that exists.
func FindReferenceImage(dir, class string) (string, error) {
	for _, ext := range refExtensions {
		p := filepath.Join(dir, class+ext)
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return "", fmt.Errorf("no reference image for %s in %s: %w", class, dir, os.ErrNotExist)
}

// LoadReferenceFrame decodes an image file into a BGR24 frame suitable for
// the detection adapter.
func LoadReferenceFrame(path string) (*types.Frame, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	img, format, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	log.Debug("Loaded reference %s (%s, %dx%d)", path, format, img.Bounds().Dx(), img.Bounds().Dy())
	return FrameFromImage(img), nil
}

// FrameFromImage converts any image into a packed BGR24 frame.
func FrameFromImage(img image.Image) *types.Frame {
	b := img.Bounds()
	rgba := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(rgba, rgba.Bounds(), img, b.Min, draw.Src)

	w, h := b.Dx(), b.Dy()
	data := make([]byte, types.FrameSize(w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			si := rgba.PixOffset(x, y)
			di := (y*w + x) * types.BytesPerPixel
			data[di] = rgba.Pix[si+2]
			data[di+1] = rgba.Pix[si+1]
			data[di+2] = rgba.Pix[si]
		}
	}
	return &types.Frame{Data: data, Width: w, Height: h}
}

// MeasureReference runs the detector on a reference frame and returns the
// width of the first detection of class.
func MeasureReference(ctx context.Context, det detect.Detector, frame *types.Frame, spec RefSpec) (Reference, error) {
	dets, err := detect.SafeInfer(ctx, det, frame)
	if err != nil {
		return Reference{}, err
	}
	for _, d := range dets {
		if d.ClassName == spec.Class {
			return Reference{
				Class:         spec.Class,
				KnownDistance: spec.KnownDistance,
				ImageWidth:    frame.Width,
				ObjectWidth:   d.BBox.Width(),
			}, nil
		}
	}
	return Reference{}, fmt.Errorf("reference %s: class not detected", spec.Class)
}

// Calibrate computes scale factors for every spec whose reference image can be
// loaded and measured. Classes that fail are logged and left out, so the
// estimator simply skips them.
func Calibrate(ctx context.Context, det detect.Detector, dir string, specs []RefSpec) (*DistanceEstimator, error) {
	scale := make(map[string]float64, len(specs))
	var errs []error
	for _, spec := range specs {
		path, err := FindReferenceImage(dir, spec.Class)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		frame, err := LoadReferenceFrame(path)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		ref, err := MeasureReference(ctx, det, frame, spec)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		f, err := ref.ScaleFactor()
		if err != nil {
			errs = append(errs, err)
			continue
		}
		scale[spec.Class] = f
		log.Info("Scale factor %s = %.3f (object %.0fpx / image %dpx)", spec.Class, f, ref.ObjectWidth, ref.ImageWidth)
	}

	est := NewDistanceEstimator(scale)
	if len(scale) == 0 {
		return est, fmt.Errorf("no reference calibrated: %w", errors.Join(errs...))
	}
	for _, err := range errs {
		log.Warn("Calibration skipped: %v", err)
	}
	return est, nil
}
