// Package pipeline runs the per-camera loop: capture, inference, temporal
// smoothing, alerts, event dispatch and segment hand-off.
package pipeline

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/dj-oyu/dashcam-monitor/internal/adas"
	"github.com/dj-oyu/dashcam-monitor/internal/alert"
	"github.com/dj-oyu/dashcam-monitor/internal/audio"
	"github.com/dj-oyu/dashcam-monitor/internal/capture"
	"github.com/dj-oyu/dashcam-monitor/internal/config"
	"github.com/dj-oyu/dashcam-monitor/internal/detect"
	"github.com/dj-oyu/dashcam-monitor/internal/events"
	"github.com/dj-oyu/dashcam-monitor/internal/logger"
	"github.com/dj-oyu/dashcam-monitor/internal/metrics"
	"github.com/dj-oyu/dashcam-monitor/internal/recorder"
	"github.com/dj-oyu/dashcam-monitor/internal/segment"
	"github.com/dj-oyu/dashcam-monitor/internal/tasks"
	"github.com/dj-oyu/dashcam-monitor/internal/violation"
	"github.com/dj-oyu/dashcam-monitor/pkg/types"
)

// Derived classes raised by the road-camera heuristics.
const (
	ClassLaneDeparture  = "lane_departure"
	ClassFastLane       = "fast_lane"
	ClassFollowDistance = "follow_distance"
)

// Enqueuer accepts work for the background workers without blocking.
// *tasks.Dispatcher implements it.
type Enqueuer interface {
	EnqueueVideo(t *tasks.VideoTask) bool
	EnqueueEvent(t *tasks.EventTask) bool
}

// Options configures one camera.
type Options struct {
	Profile       config.CameraProfile
	SegmentLength time.Duration
	LocalPath     string
	SampleRate    int
}

// Deps are the collaborators of a camera. Source, Detector, Events, Queue
// and Metrics are required.
type Deps struct {
	Source       capture.Source
	Detector     detect.Detector
	LaneDetector detect.Detector         // nil disables lane analysis
	Distance     *adas.DistanceEstimator // nil disables following distance
	Audio        *audio.Ring             // nil records video only
	Player       alert.Player            // nil plays nothing
	Events       *events.Builder
	Queue        Enqueuer
	Metrics      *metrics.Metrics
	Now          func() time.Time // defaults to time.Now
}

// Status is a point-in-time snapshot of a camera for the health endpoint.
type Status struct {
	Camera          string    `json:"camera"`
	Frames          uint64    `json:"frames"`
	Inferred        uint64    `json:"inferred"`
	InferenceErrors uint64    `json:"inference_errors"`
	Misses          uint64    `json:"capture_misses"`
	LastFrame       time.Time `json:"last_frame"`
	Obstructed      bool      `json:"obstructed"`
	SegmentStart    time.Time `json:"segment_start"`
	SegmentEnd      time.Time `json:"segment_end"`
	Buffered        int       `json:"buffered_frames"`
	LastDistance    float64   `json:"last_distance,omitempty"`
}

// Camera is one parameterized pipeline instance. It owns its tracker and
// segment buffer exclusively; only Status is safe to call from other
// goroutines.
type Camera struct {
	name    string
	profile config.CameraProfile
	opts    Options
	deps    Deps
	log     *logger.Module

	tracker  *violation.Tracker
	segments *segment.Buffer
	lanes    *adas.LaneAnalyzer

	frameIndex uint64
	inferFails int

	mu     sync.RWMutex
	status Status
}

// NewCamera builds a camera pipeline. The first segment and the
// obstruction clock start at deps.Now().
func NewCamera(opts Options, deps Deps) *Camera {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Player == nil {
		deps.Player = alert.NopPlayer{}
	}
	p := opts.Profile
	name := string(p.Role)
	now := deps.Now()

	c := &Camera{
		name:    name,
		profile: p,
		opts:    opts,
		deps:    deps,
		log:     logger.For("Pipeline").With(name),
		tracker: violation.NewTracker(violation.Config{
			ViolationClasses:     p.ViolationClasses,
			AlertOnlyClasses:     p.AlertOnlyClasses,
			Window:               p.Window,
			Threshold:            p.ActivationThreshold,
			Cooldown:             p.Cooldown,
			DriverVisibleClasses: p.DriverVisibleClasses,
			ObstructionTimeout:   p.ObstructionTimeout,
		}, now),
		segments: segment.NewBuffer(opts.SegmentLength, now),
	}
	if deps.LaneDetector != nil {
		c.lanes = adas.NewLaneAnalyzer(p.Width, p.LaneClasses...)
	}
	c.status.Camera = name
	c.status.SegmentStart, c.status.SegmentEnd = c.segments.Bounds()
	return c
}

// Name returns the camera name ("inner", "front").
func (c *Camera) Name() string {
	return c.name
}

// Tracker exposes the violation tracker.
func (c *Camera) Tracker() *violation.Tracker {
	return c.tracker
}

// Status returns a snapshot for monitoring.
func (c *Camera) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

// Run reads frames until ctx is cancelled. Capture misses are skipped; the
// segment clock still advances on them. The segment in progress at shutdown
// is discarded.
func (c *Camera) Run(ctx context.Context) error {
	c.log.Info("Started: %d violation classes, window %d, threshold %.2f, cooldown %s, infer every %d frame(s)",
		len(c.profile.ViolationClasses), c.profile.Window, c.profile.ActivationThreshold,
		c.profile.Cooldown, c.profile.InferEvery)
	defer func() {
		if err := c.deps.Source.Close(); err != nil {
			c.log.Warn("Closing capture: %v", err)
		}
	}()

	for {
		if ctx.Err() != nil {
			if n := c.segments.Len(); n > 0 {
				c.log.Info("Stopping, discarding %d frames of the open segment", n)
			} else {
				c.log.Info("Stopping")
			}
			return nil
		}

		frame, err := c.deps.Source.Read(ctx)
		now := c.deps.Now()
		switch {
		case err == nil:
			c.Tick(ctx, frame, now)
		case errors.Is(err, capture.ErrClosed):
			return err
		case ctx.Err() != nil:
		default:
			c.miss(now, err)
		}
	}
}

// miss records a tick without a frame. The segment clock still advances.
func (c *Camera) miss(now time.Time, err error) {
	c.deps.Metrics.CaptureMisses.Add(1)
	c.mu.Lock()
	c.status.Misses++
	c.mu.Unlock()
	c.log.Debug("No frame: %v", err)
	c.rotate(now)
}

// Tick processes one captured frame at now. A panic anywhere in the tick is
// contained so one bad frame never stops monitoring.
func (c *Camera) Tick(ctx context.Context, frame *types.Frame, now time.Time) (res violation.Result) {
	defer func() {
		if r := recover(); r != nil {
			c.deps.Metrics.TickPanics.Add(1)
			c.log.Error("Recovered panic in tick at %s: %v", now.Format(time.TimeOnly), r)
		}
	}()

	if frame == nil {
		c.miss(now, capture.ErrNoFrame)
		return res
	}

	// Close elapsed segments first so the frame lands in the segment its
	// timestamp belongs to.
	c.rotate(now)
	c.segments.Append(frame)
	c.deps.Metrics.FramesCaptured.Add(1)

	every := uint64(max(c.profile.InferEvery, 1))
	inferred := c.frameIndex%every == 0
	c.frameIndex++
	if inferred {
		res = c.detect(ctx, frame, now)
	} else {
		res = c.tracker.Skip(now)
	}
	c.dispatch(res, now)

	start, end := c.segments.Bounds()
	c.mu.Lock()
	c.status.Frames++
	if inferred {
		c.status.Inferred++
	}
	c.status.LastFrame = now
	c.status.Obstructed = c.tracker.Obstructed(now)
	c.status.SegmentStart, c.status.SegmentEnd = start, end
	c.status.Buffered = c.segments.Len()
	c.mu.Unlock()
	return res
}

// detect runs the models on frame and steps the tracker with the hits.
func (c *Camera) detect(ctx context.Context, frame *types.Frame, now time.Time) violation.Result {
	dets, err := detect.SafeInfer(ctx, c.deps.Detector, frame)
	if err != nil {
		c.inferenceFailed(err)
		dets = nil
	} else {
		c.deps.Metrics.FramesInferred.Add(1)
		if c.inferFails > 0 {
			c.log.Info("Inference recovered after %d failed frames", c.inferFails)
			c.inferFails = 0
		}
	}

	hits := make(map[string]bool)
	driverVisible := false
	for _, d := range dets {
		if !c.profile.Accepts(d.ClassName, d.Confidence) {
			continue
		}
		if c.tracker.Tracks(d.ClassName) {
			hits[d.ClassName] = true
		}
		if c.tracker.IsDriverVisible(d.ClassName) {
			driverVisible = true
		}
	}

	if c.lanes != nil {
		laneDets, err := detect.SafeInfer(ctx, c.deps.LaneDetector, frame)
		if err != nil {
			c.inferenceFailed(err)
		} else {
			lr := c.lanes.Analyze(laneDets)
			hits[ClassLaneDeparture] = hits[ClassLaneDeparture] || lr.Departure
			hits[ClassFastLane] = hits[ClassFastLane] || lr.FastLane
		}
	}

	if c.deps.Distance != nil && c.profile.FollowDistanceMin > 0 {
		if est, ok := c.deps.Distance.Nearest(dets, frame.Width, c.profile.ConfidenceThreshold); ok {
			c.mu.Lock()
			c.status.LastDistance = est.Distance
			c.mu.Unlock()
			if est.Distance < c.profile.FollowDistanceMin {
				hits[ClassFollowDistance] = true
			}
		}
	}

	return c.tracker.Step(hits, driverVisible, now)
}

func (c *Camera) inferenceFailed(err error) {
	c.deps.Metrics.InferenceErrors.Add(1)
	c.mu.Lock()
	c.status.InferenceErrors++
	c.mu.Unlock()
	c.inferFails++
	if c.inferFails == 1 {
		c.log.Warn("Inference failed, treating frame as empty: %v", err)
	} else {
		c.log.Debug("Inference failed (%d in a row): %v", c.inferFails, err)
	}
}

// dispatch plays alerts and turns newly fired violations into events.
func (c *Camera) dispatch(res violation.Result, now time.Time) {
	for _, cls := range res.Fired {
		c.deps.Metrics.ObserveViolation(c.name, cls)
		c.log.Info("Violation: %s", cls)
	}
	for _, cls := range res.AlertOnly {
		c.log.Debug("Alert: %s", cls)
	}
	for _, cls := range res.Alerts() {
		c.deps.Player.Play(cls)
	}

	for _, cls := range c.tracker.Drain() {
		ev := c.deps.Events.Build(cls, now)
		c.deps.Queue.EnqueueEvent(&tasks.EventTask{Camera: c.name, Class: cls, Event: ev})
	}
}

// rotate hands every segment closed by now to the video queue. Segments
// with no frames (capture stalled across a whole window) are skipped. A
// clock step closes the open segment once and re-anchors on now.
func (c *Camera) rotate(now time.Time) {
	if c.segments.Discontinuous(now) {
		start, end := c.segments.Bounds()
		c.deps.Metrics.ClockSteps.Add(1)
		c.log.Warn("Clock stepped to %s outside segment %s-%s, re-anchoring (%d frames closed early)",
			now.Format(time.RFC3339), start.Format(recorder.TimestampLayout), end.Format(recorder.TimestampLayout),
			c.segments.Len())
	}
	for _, seg := range c.segments.RotateAll(now) {
		c.deps.Metrics.SegmentsRotated.Add(1)

		var samples []int16
		if c.deps.Audio != nil {
			samples = c.deps.Audio.Drain()
		}
		if seg.Empty() {
			c.deps.Metrics.SegmentsSkipped.Add(1)
			c.log.Warn("No frames in segment %s-%s, skipped",
				seg.Start.Format(recorder.TimestampLayout), seg.End.Format(recorder.TimestampLayout))
			continue
		}

		path := recorder.ArtifactPath(c.opts.LocalPath, c.profile.Role, seg.Start, seg.End)
		c.log.Debug("Segment closed: %d frames (%.2f fps), %d audio samples", len(seg.Frames), seg.FPS, len(samples))
		c.deps.Queue.EnqueueVideo(&tasks.VideoTask{
			Camera:     c.name,
			CameraType: c.profile.Role.CameraType(),
			Format:     c.profile.Format,
			Path:       path,
			Start:      seg.Start,
			End:        seg.End,
			Frames:     seg.Frames,
			FPS:        seg.FPS,
			Audio:      samples,
			SampleRate: c.opts.SampleRate,
			Stage:      tasks.NeedsEncodeAndUpload,
		})
	}

	start, end := c.segments.Bounds()
	c.mu.Lock()
	c.status.SegmentStart, c.status.SegmentEnd = start, end
	c.status.Buffered = c.segments.Len()
	c.mu.Unlock()
}
