// Package detect wraps the object-detection models behind a narrow interface.
package detect

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/dj-oyu/dashcam-monitor/pkg/types"
)

// ErrInference marks any failure of the detection adapter. The camera loop
// treats it as "no detections this tick".
var ErrInference = errors.New("inference failed")

// Detector runs a vision model on one frame.
type Detector interface {
	Infer(ctx context.Context, frame *types.Frame) ([]types.Detection, error)
}

// DetectorFunc adapts a plain function to Detector.
type DetectorFunc func(ctx context.Context, frame *types.Frame) ([]types.Detection, error)

// Infer calls f.
func (f DetectorFunc) Infer(ctx context.Context, frame *types.Frame) ([]types.Detection, error) {
	return f(ctx, frame)
}

// SafeInfer calls d and folds every failure mode, panics included, into an
// error wrapping ErrInference.
func SafeInfer(ctx context.Context, d Detector, frame *types.Frame) (dets []types.Detection, err error) {
	defer func() {
		if r := recover(); r != nil {
			dets = nil
			err = fmt.Errorf("%w: panic: %v", ErrInference, r)
		}
	}()

	dets, err = d.Infer(ctx, frame)
	if err != nil {
		if errors.Is(err, ErrInference) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrInference, err)
	}
	return dets, nil
}

// Headers carrying frame geometry on inference requests
const (
	HeaderWidth  = "X-Frame-Width"
	HeaderHeight = "X-Frame-Height"
	HeaderFormat = "X-Pixel-Format"
)

type inferResponse struct {
	Detections []types.Detection `json:"detections"`
}

// HTTPDetector posts raw BGR frames to a model server and decodes its JSON
// detection list.
type HTTPDetector struct {
	url    string
	client *http.Client
}

// NewHTTPDetector creates a detector for the given endpoint. A zero timeout
// defaults to 2 seconds.
func NewHTTPDetector(url string, timeout time.Duration) *HTTPDetector {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &HTTPDetector{
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
}

// Infer implements Detector.
func (d *HTTPDetector) Infer(ctx context.Context, frame *types.Frame) ([]types.Detection, error) {
	if frame == nil || len(frame.Data) == 0 {
		return nil, fmt.Errorf("%w: empty frame", ErrInference)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(frame.Data))
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %v", ErrInference, err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set(HeaderWidth, strconv.Itoa(frame.Width))
	req.Header.Set(HeaderHeight, strconv.Itoa(frame.Height))
	req.Header.Set(HeaderFormat, "bgr24")

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInference, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%w: status %d: %s", ErrInference, resp.StatusCode, bytes.TrimSpace(body))
	}

	var out inferResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: decode response: %v", ErrInference, err)
	}
	return out.Detections, nil
}

// Ensure HTTPDetector implements Detector
var _ Detector = (*HTTPDetector)(nil)
