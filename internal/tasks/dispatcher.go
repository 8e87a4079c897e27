package tasks

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/dj-oyu/dashcam-monitor/internal/ledger"
	"github.com/dj-oyu/dashcam-monitor/internal/logger"
	"github.com/dj-oyu/dashcam-monitor/internal/metrics"
	"github.com/dj-oyu/dashcam-monitor/internal/sink"
)

// Dispatcher owns the video and event queues. Enqueue methods are safe to
// call from any camera loop and never block.
type Dispatcher struct {
	Videos *Queue[*VideoTask]
	Events *Queue[*EventTask]

	ledger  DeliveryLog
	metrics *metrics.Metrics
	log     *logger.Module
}

// NewDispatcher creates both queues. ledger may be nil.
func NewDispatcher(l DeliveryLog, m *metrics.Metrics) *Dispatcher {
	if l == nil {
		l = nopLog{}
	}
	return &Dispatcher{
		Videos:  NewQueue[*VideoTask](),
		Events:  NewQueue[*EventTask](),
		ledger:  l,
		metrics: m,
		log:     logger.For("Dispatcher"),
	}
}

// EnqueueVideo hands a closed segment to the video worker.
func (d *Dispatcher) EnqueueVideo(t *VideoTask) bool {
	if !d.Videos.Put(t) {
		d.log.Warn("Video queue closed, dropping %s", filepath.Base(t.Path))
		return false
	}
	d.metrics.VideoQueueDepth.Store(uint64(d.Videos.Len()))
	d.log.Debug("Queued %s (%s, %d frames)", filepath.Base(t.Path), t.Stage, len(t.Frames))
	return true
}

// EnqueueEvent hands a driver event to the event worker.
func (d *Dispatcher) EnqueueEvent(t *EventTask) bool {
	if !d.Events.Put(t) {
		d.log.Warn("Event queue closed, dropping %s", t.Event.GlobalEventID)
		return false
	}
	d.metrics.EventQueueDepth.Store(uint64(d.Events.Len()))
	return true
}

// Recover re-enqueues deliveries left pending by a previous run. Artifacts
// whose file is gone are marked failed.
func (d *Dispatcher) Recover(ctx context.Context) (videos, events int, err error) {
	arts, err := d.ledger.PendingArtifacts(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("pending artifacts: %w", err)
	}
	for _, a := range arts {
		if !fileExists(a.Path) {
			d.log.Warn("Pending artifact %s missing on disk, marking failed", filepath.Base(a.Path))
			if err := d.ledger.MarkArtifactFailed(ctx, a.Path, fmt.Errorf("missing on restart")); err != nil {
				d.metrics.LedgerErrors.Add(1)
			}
			continue
		}
		t := &VideoTask{
			Camera:     a.Camera,
			CameraType: a.CameraType,
			Format:     a.Format,
			Path:       a.Path,
			Start:      a.Start,
			End:        a.End,
			Stage:      NeedsUploadOnly,
			Attempts:   a.Attempts,
		}
		if d.EnqueueVideo(t) {
			videos++
		}
	}

	evs, err := d.ledger.PendingEvents(ctx)
	if err != nil {
		return videos, 0, fmt.Errorf("pending events: %w", err)
	}
	for _, e := range evs {
		if d.EnqueueEvent(&EventTask{Camera: e.Camera, Class: e.Class, Event: e.Event, Attempts: e.Attempts}) {
			events++
		}
	}
	if videos > 0 || events > 0 {
		d.log.Info("Recovered %d pending uploads and %d pending events", videos, events)
	}
	return videos, events, nil
}

// Close closes both queues. Workers finish what is queued and exit.
func (d *Dispatcher) Close() {
	d.Videos.Close()
	d.Events.Close()
}

type nopLog struct{}

func (nopLog) RecordArtifact(context.Context, ledger.ArtifactRecord) error       { return nil }
func (nopLog) MarkArtifactDelivered(context.Context, string) error               { return nil }
func (nopLog) MarkArtifactAttempt(context.Context, string, error) error          { return nil }
func (nopLog) MarkArtifactFailed(context.Context, string, error) error           { return nil }
func (nopLog) PendingArtifacts(context.Context) ([]ledger.ArtifactRecord, error) { return nil, nil }
func (nopLog) RecordEvent(context.Context, string, string, sink.DriverEvent) error {
	return nil
}
func (nopLog) MarkEventDelivered(context.Context, string) error            { return nil }
func (nopLog) MarkEventAttempt(context.Context, string, error) error       { return nil }
func (nopLog) PendingEvents(context.Context) ([]ledger.EventRecord, error) { return nil, nil }
