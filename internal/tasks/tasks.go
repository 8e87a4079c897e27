// Package tasks moves evidence clips and driver events from the camera loops
// to the backend. Each queue is drained by one long-lived worker that retries
// failed deliveries forever, requeueing at the tail after a fixed backoff.
package tasks

import (
	"context"
	"time"

	"github.com/dj-oyu/dashcam-monitor/internal/ledger"
	"github.com/dj-oyu/dashcam-monitor/internal/recorder"
	"github.com/dj-oyu/dashcam-monitor/internal/sink"
	"github.com/dj-oyu/dashcam-monitor/pkg/types"
)

// DefaultBackoff is the pause after a failed attempt before the next dequeue.
const DefaultBackoff = 5 * time.Second

// Stage is the remaining work of a video task.
type Stage int

const (
	NeedsEncodeAndUpload Stage = iota
	NeedsUploadOnly
)

func (s Stage) String() string {
	switch s {
	case NeedsEncodeAndUpload:
		return "encode+upload"
	case NeedsUploadOnly:
		return "upload"
	default:
		return "unknown"
	}
}

// VideoTask is one closed segment on its way to the backend.
type VideoTask struct {
	Camera     string // profile name, e.g. "inner"
	CameraType string // sink.CameraInside / sink.CameraOutside
	Format     string
	Path       string
	Start      time.Time
	End        time.Time

	Frames     []*types.Frame
	FPS        float64
	Audio      []int16
	SampleRate int

	Stage    Stage
	Attempts int
}

// UploadOnly returns a copy that skips the encoder. Frame and audio
// references are dropped so retries do not pin segment memory.
func (t *VideoTask) UploadOnly() *VideoTask {
	c := *t
	c.Frames = nil
	c.Audio = nil
	c.Stage = NeedsUploadOnly
	return &c
}

func (t *VideoTask) uploadRequest() sink.UploadRequest {
	return sink.UploadRequest{
		FilePath:   t.Path,
		Start:      t.Start,
		End:        t.End,
		Format:     t.Format,
		CameraType: t.CameraType,
	}
}

func (t *VideoTask) record() ledger.ArtifactRecord {
	return ledger.ArtifactRecord{
		Path:       t.Path,
		Camera:     t.Camera,
		CameraType: t.CameraType,
		Format:     t.Format,
		Start:      t.Start,
		End:        t.End,
	}
}

// EventTask is one driver event. The payload, including its global ID, is
// fixed at enqueue time so retries post the same event.
type EventTask struct {
	Camera   string
	Class    string
	Event    sink.DriverEvent
	Attempts int
}

// Packager produces the encoded artifact of a segment.
type Packager interface {
	Package(ctx context.Context, req recorder.Request) (*recorder.Artifact, error)
}

// Uploader sends an encoded artifact to the backend.
type Uploader interface {
	Upload(ctx context.Context, r sink.UploadRequest) error
}

// EventPoster sends a driver event to the backend.
type EventPoster interface {
	PostEvent(ctx context.Context, ev sink.DriverEvent) error
}

// DeliveryLog persists delivery state across restarts. *ledger.Ledger
// implements it.
type DeliveryLog interface {
	RecordArtifact(ctx context.Context, a ledger.ArtifactRecord) error
	MarkArtifactDelivered(ctx context.Context, path string) error
	MarkArtifactAttempt(ctx context.Context, path string, cause error) error
	MarkArtifactFailed(ctx context.Context, path string, cause error) error
	PendingArtifacts(ctx context.Context) ([]ledger.ArtifactRecord, error)

	RecordEvent(ctx context.Context, camera, class string, ev sink.DriverEvent) error
	MarkEventDelivered(ctx context.Context, id string) error
	MarkEventAttempt(ctx context.Context, id string, cause error) error
	PendingEvents(ctx context.Context) ([]ledger.EventRecord, error)
}

// sleepCtx waits d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
