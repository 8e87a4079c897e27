package pipeline

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dj-oyu/dashcam-monitor/internal/adas"
	"github.com/dj-oyu/dashcam-monitor/internal/audio"
	"github.com/dj-oyu/dashcam-monitor/internal/capture"
	"github.com/dj-oyu/dashcam-monitor/internal/config"
	"github.com/dj-oyu/dashcam-monitor/internal/detect"
	"github.com/dj-oyu/dashcam-monitor/internal/events"
	"github.com/dj-oyu/dashcam-monitor/internal/metrics"
	"github.com/dj-oyu/dashcam-monitor/internal/tasks"
	"github.com/dj-oyu/dashcam-monitor/internal/violation"
	"github.com/dj-oyu/dashcam-monitor/pkg/types"
)

var t0 = time.Date(2025, 9, 30, 15, 30, 3, 0, time.UTC)

type recordingQueue struct {
	mu     sync.Mutex
	videos []*tasks.VideoTask
	events []*tasks.EventTask
}

func (q *recordingQueue) EnqueueVideo(t *tasks.VideoTask) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.videos = append(q.videos, t)
	return true
}

func (q *recordingQueue) EnqueueEvent(t *tasks.EventTask) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.events = append(q.events, t)
	return true
}

func (q *recordingQueue) eventClasses() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []string
	for _, e := range q.events {
		out = append(out, e.Class)
	}
	return out
}

type recordingPlayer struct {
	played []string
}

func (p *recordingPlayer) Play(class string) {
	p.played = append(p.played, class)
}

// scriptedDetector returns the detections of the current script entry.
type scriptedDetector struct {
	calls int
	next  func(call int) ([]types.Detection, error)
}

func (d *scriptedDetector) Infer(_ context.Context, _ *types.Frame) ([]types.Detection, error) {
	d.calls++
	return d.next(d.calls)
}

func det(class string, conf float64) types.Detection {
	return types.Detection{ClassName: class, Confidence: conf, BBox: types.BBox{X1: 10, Y1: 10, X2: 50, Y2: 50}}
}

func frame(w, h int, n uint64) *types.Frame {
	return &types.Frame{Data: make([]byte, types.FrameSize(w, h)), Width: w, Height: h, FrameNum: n}
}

type fixture struct {
	cam     *Camera
	queue   *recordingQueue
	player  *recordingPlayer
	metrics *metrics.Metrics
}

func newFixture(t *testing.T, p config.CameraProfile, d detect.Detector, mod func(*Deps)) *fixture {
	t.Helper()
	f := &fixture{queue: &recordingQueue{}, player: &recordingPlayer{}, metrics: metrics.New()}
	deps := Deps{
		Source:   &sliceSource{},
		Detector: d,
		Player:   f.player,
		Events:   events.NewBuilder(7, 3, nil),
		Queue:    f.queue,
		Metrics:  f.metrics,
		Now:      func() time.Time { return t0 },
	}
	if mod != nil {
		mod(&deps)
	}
	f.cam = NewCamera(Options{
		Profile:       p,
		SegmentLength: 10 * time.Second,
		LocalPath:     filepath.Join(t.TempDir(), "ev"),
		SampleRate:    8000,
	}, deps)
	return f
}

func TestInnerEyesClosedFiresOnceAndQueuesEvent(t *testing.T) {
	d := &scriptedDetector{next: func(call int) ([]types.Detection, error) {
		if call <= 16 {
			return []types.Detection{det("eyes_closed", 0.9)}, nil
		}
		return []types.Detection{det("awake", 0.9)}, nil
	}}
	f := newFixture(t, config.InnerProfile(), d, nil)

	var fired int
	for i := 0; i < 20; i++ {
		res := f.cam.Tick(context.Background(), frame(4, 2, uint64(i)), t0.Add(time.Duration(i)*100*time.Millisecond))
		fired += len(res.Fired)
	}

	assert.Equal(t, 1, fired)
	assert.Equal(t, []string{"eyes_closed"}, f.queue.eventClasses())
	assert.Equal(t, []string{"eyes_closed"}, f.player.played)
	assert.Equal(t, "EYES_CLOSED", f.queue.events[0].Event.Event)
	assert.Equal(t, "inner", f.queue.events[0].Camera)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Violations().WithLabelValues("inner", "eyes_closed")))
	assert.Equal(t, 0.0, f.cam.Tracker().Ratio("eyes_closed"), "window re-armed after firing")
}

func TestClassConfidenceThreshold(t *testing.T) {
	// eyes_closed needs > 0.7 on the cabin camera
	d := &scriptedDetector{next: func(int) ([]types.Detection, error) {
		return []types.Detection{det("eyes_closed", 0.65)}, nil
	}}
	f := newFixture(t, config.InnerProfile(), d, nil)
	for i := 0; i < 40; i++ {
		f.cam.Tick(context.Background(), frame(4, 2, uint64(i)), t0.Add(time.Duration(i)*100*time.Millisecond))
	}
	assert.Empty(t, f.queue.eventClasses())
	assert.Equal(t, 0.0, f.cam.Tracker().Ratio("eyes_closed"))
}

func TestFrontCountsDetectionAtThreshold(t *testing.T) {
	p := config.FrontProfile()
	p.InferEvery = 1
	d := &scriptedDetector{next: func(int) ([]types.Detection, error) {
		return []types.Detection{det("stop", 0.4)}, nil
	}}
	f := newFixture(t, p, d, nil)
	for i := 0; i < 4; i++ {
		f.cam.Tick(context.Background(), frame(4, 2, uint64(i)), t0.Add(time.Duration(i)*66*time.Millisecond))
	}
	assert.Equal(t, []string{"stop"}, f.queue.eventClasses())
}

func TestObstructionRaisesEventOncePerEpisode(t *testing.T) {
	d := &scriptedDetector{next: func(int) ([]types.Detection, error) { return nil, nil }}
	f := newFixture(t, config.InnerProfile(), d, nil)

	for i := 0; i <= 60; i++ {
		f.cam.Tick(context.Background(), frame(4, 2, uint64(i)), t0.Add(time.Duration(i)*time.Second))
	}
	assert.Equal(t, []string{violation.ClassObstructed}, f.queue.eventClasses())
	assert.True(t, f.cam.Status().Obstructed)
}

func TestInferenceErrorsAreContained(t *testing.T) {
	d := &scriptedDetector{next: func(call int) ([]types.Detection, error) {
		if call%2 == 0 {
			panic("model crashed")
		}
		return nil, errors.New("connection refused")
	}}
	f := newFixture(t, config.InnerProfile(), d, nil)

	for i := 0; i < 6; i++ {
		assert.NotPanics(t, func() {
			f.cam.Tick(context.Background(), frame(4, 2, uint64(i)), t0.Add(time.Duration(i)*100*time.Millisecond))
		})
	}
	assert.Equal(t, uint64(6), f.metrics.InferenceErrors.Load())
	assert.Equal(t, uint64(6), f.metrics.FramesCaptured.Load())
	assert.Equal(t, uint64(0), f.metrics.TickPanics.Load())
	assert.Equal(t, uint64(6), f.cam.Status().InferenceErrors)
}

func TestFrontDecimationFeedsPlaceholders(t *testing.T) {
	d := &scriptedDetector{next: func(int) ([]types.Detection, error) {
		return []types.Detection{det("stop", 0.9)}, nil
	}}
	p := config.FrontProfile()
	f := newFixture(t, p, d, nil)

	// every 2nd frame inferred: 4 hits land in the 10-wide window after 7 frames
	var firedAt []int
	for i := 0; i < 10; i++ {
		res := f.cam.Tick(context.Background(), frame(4, 2, uint64(i)), t0.Add(time.Duration(i)*66*time.Millisecond))
		if len(res.Fired) > 0 {
			firedAt = append(firedAt, i)
		}
	}
	assert.Equal(t, 5, d.calls)
	assert.Equal(t, []int{6}, firedAt)
	assert.Equal(t, []string{"stop"}, f.queue.eventClasses())
}

func TestFrontFollowDistanceAndLaneDeparture(t *testing.T) {
	p := config.FrontProfile()
	p.InferEvery = 1

	// truck box spanning the center, 1000px of 1280 -> 10 / (1000/1280) = 12.8
	d := &scriptedDetector{next: func(int) ([]types.Detection, error) {
		return []types.Detection{{ClassName: "truck", Confidence: 0.9, BBox: types.BBox{X1: 140, X2: 1140, Y1: 100, Y2: 600}}}, nil
	}}
	lanes := detect.DetectorFunc(func(context.Context, *types.Frame) ([]types.Detection, error) {
		// marking centered 20px right of the middle: inside 1280/15
		return []types.Detection{{ClassName: "solid_white", Confidence: 0.8, BBox: types.BBox{X1: 650, X2: 670}}}, nil
	})
	f := newFixture(t, p, d, func(deps *Deps) {
		deps.Distance = adas.NewDistanceEstimator(map[string]float64{"truck": 10})
		deps.LaneDetector = lanes
	})

	for i := 0; i < 4; i++ {
		f.cam.Tick(context.Background(), frame(1280, 720, uint64(i)), t0.Add(time.Duration(i)*66*time.Millisecond))
	}
	assert.ElementsMatch(t, []string{ClassFollowDistance, ClassLaneDeparture}, f.queue.eventClasses())
	assert.InDelta(t, 12.8, f.cam.Status().LastDistance, 1e-9)

	names := map[string]string{}
	for _, e := range f.queue.events {
		names[e.Class] = e.Event.Event
	}
	assert.Equal(t, "FOLLOWING_DISTANCE", names[ClassFollowDistance])
}

func TestAlertOnlyClassPlaysWithoutEvent(t *testing.T) {
	p := config.FrontProfile()
	p.InferEvery = 1
	d := &scriptedDetector{next: func(int) ([]types.Detection, error) {
		return []types.Detection{det("yield", 0.9)}, nil
	}}
	f := newFixture(t, p, d, nil)
	for i := 0; i < 4; i++ {
		f.cam.Tick(context.Background(), frame(4, 2, uint64(i)), t0.Add(time.Duration(i)*66*time.Millisecond))
	}
	assert.Equal(t, []string{"yield"}, f.player.played)
	assert.Empty(t, f.queue.eventClasses())
}

func TestSegmentsAreQueuedWithAudio(t *testing.T) {
	d := &scriptedDetector{next: func(int) ([]types.Detection, error) {
		return []types.Detection{det("awake", 0.9)}, nil
	}}
	ring := audio.NewRing(1000)
	ring.Write([]int16{1, 2, 3})
	f := newFixture(t, config.InnerProfile(), d, func(deps *Deps) { deps.Audio = ring })

	// t0 is 15:30:03 -> first segment is [15:30:00, 15:30:10)
	for i := 0; i <= 18; i++ {
		f.cam.Tick(context.Background(), frame(4, 2, uint64(i)), t0.Add(time.Duration(i)*time.Second))
	}

	require.Len(t, f.queue.videos, 2)
	first, second := f.queue.videos[0], f.queue.videos[1]

	start := time.Date(2025, 9, 30, 15, 30, 0, 0, time.UTC)
	assert.Equal(t, start, first.Start)
	assert.Equal(t, start.Add(10*time.Second), first.End)
	assert.Len(t, first.Frames, 7)
	assert.InDelta(t, 0.7, first.FPS, 1e-9)
	assert.Equal(t, []int16{1, 2, 3}, first.Audio)
	assert.Equal(t, 8000, first.SampleRate)
	assert.Equal(t, "INSIDE", first.CameraType)
	assert.Equal(t, "P480", first.Format)
	assert.Equal(t, tasks.NeedsEncodeAndUpload, first.Stage)
	assert.Equal(t, "Inner_20250930_153000-20250930_153010.mp4", filepath.Base(first.Path))

	assert.Equal(t, first.End, second.Start, "segments tile time")
	assert.Len(t, second.Frames, 10)
	assert.Empty(t, second.Audio)
	assert.Equal(t, uint64(2), f.metrics.SegmentsRotated.Load())
}

func TestStalledCaptureSkipsEmptySegments(t *testing.T) {
	d := &scriptedDetector{next: func(int) ([]types.Detection, error) {
		return []types.Detection{det("awake", 0.9)}, nil
	}}
	f := newFixture(t, config.InnerProfile(), d, nil)

	f.cam.Tick(context.Background(), frame(4, 2, 0), t0)
	// next frame arrives 35s later: [0,10) has a frame, [10,20) and [20,30) are empty
	f.cam.Tick(context.Background(), frame(4, 2, 1), t0.Add(35*time.Second))

	require.Len(t, f.queue.videos, 1)
	assert.Len(t, f.queue.videos[0].Frames, 1)
	assert.Equal(t, uint64(3), f.metrics.SegmentsRotated.Load())
	assert.Equal(t, uint64(2), f.metrics.SegmentsSkipped.Load())

	st := f.cam.Status()
	assert.Equal(t, time.Date(2025, 9, 30, 15, 30, 30, 0, time.UTC), st.SegmentStart)
	assert.Equal(t, 1, st.Buffered)
}

func TestForwardClockStepQueuesHeldFramesOnce(t *testing.T) {
	d := &scriptedDetector{next: func(int) ([]types.Detection, error) { return nil, nil }}
	f := newFixture(t, config.InnerProfile(), d, nil)

	f.cam.Tick(context.Background(), frame(4, 2, 0), t0)
	f.cam.Tick(context.Background(), frame(4, 2, 1), t0.Add(time.Second))
	jumped := t0.AddDate(1, 0, 0)
	f.cam.Tick(context.Background(), frame(4, 2, 2), jumped)

	require.Len(t, f.queue.videos, 1)
	assert.Len(t, f.queue.videos[0].Frames, 2)
	assert.Equal(t, uint64(1), f.metrics.SegmentsRotated.Load())
	assert.Zero(t, f.metrics.SegmentsSkipped.Load())
	assert.Equal(t, uint64(1), f.metrics.ClockSteps.Load())

	st := f.cam.Status()
	assert.Equal(t, jumped.Truncate(10*time.Second), st.SegmentStart)
	assert.Equal(t, 1, st.Buffered)
}

func TestBackwardClockStepKeepsSegmentsBounded(t *testing.T) {
	d := &scriptedDetector{next: func(int) ([]types.Detection, error) { return nil, nil }}
	f := newFixture(t, config.InnerProfile(), d, nil)

	f.cam.Tick(context.Background(), frame(4, 2, 0), t0)
	back := t0.Add(-time.Hour)
	maxBuffered := 0
	for i := 0; i < 15*60; i++ {
		f.cam.Tick(context.Background(), frame(4, 2, uint64(i+1)), back.Add(time.Duration(i)*time.Second/15))
		maxBuffered = max(maxBuffered, f.cam.Status().Buffered)
	}

	assert.Equal(t, uint64(1), f.metrics.ClockSteps.Load())
	assert.LessOrEqual(t, maxBuffered, 150, "at most one segment of frames is held")
	// the cut segment plus one per 10s of the new timeline
	assert.GreaterOrEqual(t, len(f.queue.videos), 6)
	assert.Len(t, f.queue.videos[0].Frames, 1)
}

func TestNilFrameCountsAsMiss(t *testing.T) {
	d := &scriptedDetector{next: func(int) ([]types.Detection, error) { return nil, nil }}
	f := newFixture(t, config.InnerProfile(), d, nil)

	assert.NotPanics(t, func() { f.cam.Tick(context.Background(), nil, t0) })
	assert.Zero(t, f.metrics.TickPanics.Load())
	assert.Equal(t, uint64(1), f.metrics.CaptureMisses.Load())
	assert.Zero(t, f.metrics.FramesCaptured.Load())
	assert.Zero(t, d.calls)
	assert.Equal(t, 0, f.cam.Status().Buffered)
	assert.Equal(t, uint64(1), f.cam.Status().Misses)
}

// sliceSource yields its frames, then reports misses until closed.
type sliceSource struct {
	mu     sync.Mutex
	frames []*types.Frame
	closed bool
	fail   error
}

func (s *sliceSource) Read(ctx context.Context) (*types.Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return nil, s.fail
	}
	if len(s.frames) == 0 {
		time.Sleep(time.Millisecond)
		return nil, capture.ErrNoFrame
	}
	f := s.frames[0]
	s.frames = s.frames[1:]
	return f, nil
}

func (s *sliceSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func TestRunStopsOnCancelAndClosesSource(t *testing.T) {
	src := &sliceSource{frames: []*types.Frame{frame(4, 2, 1), frame(4, 2, 2), frame(4, 2, 3)}}
	d := &scriptedDetector{next: func(int) ([]types.Detection, error) { return nil, nil }}
	f := newFixture(t, config.InnerProfile(), d, func(deps *Deps) { deps.Source = src })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.cam.Run(ctx) }()

	require.Eventually(t, func() bool { return f.metrics.CaptureMisses.Load() > 0 }, 2*time.Second, time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
	assert.Equal(t, uint64(3), f.metrics.FramesCaptured.Load())
	src.mu.Lock()
	assert.True(t, src.closed)
	src.mu.Unlock()
	assert.Equal(t, uint64(3), f.cam.Status().Frames)
}

func TestRunAllStopsOnClosedSource(t *testing.T) {
	d := &scriptedDetector{next: func(int) ([]types.Detection, error) { return nil, nil }}
	broken := newFixture(t, config.InnerProfile(), d, func(deps *Deps) {
		deps.Source = &sliceSource{fail: capture.ErrClosed}
	})
	healthy := newFixture(t, config.FrontProfile(), &scriptedDetector{next: d.next}, nil)

	err := RunAll(context.Background(), broken.cam, healthy.cam)
	require.Error(t, err)
	assert.ErrorIs(t, err, capture.ErrClosed)
	assert.Contains(t, err.Error(), "inner camera")
}
