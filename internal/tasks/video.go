package tasks

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/dj-oyu/dashcam-monitor/internal/logger"
	"github.com/dj-oyu/dashcam-monitor/internal/metrics"
	"github.com/dj-oyu/dashcam-monitor/internal/recorder"
)

// VideoWorker drains the video queue: encode (once) then upload, retrying
// the upload until it succeeds.
type VideoWorker struct {
	queue    *Queue[*VideoTask]
	packager Packager
	uploader Uploader
	ledger   DeliveryLog
	metrics  *metrics.Metrics
	backoff  time.Duration
	log      *logger.Module
}

// NewVideoWorker creates a worker. ledger may be nil.
func NewVideoWorker(q *Queue[*VideoTask], p Packager, u Uploader, l DeliveryLog, m *metrics.Metrics) *VideoWorker {
	if l == nil {
		l = nopLog{}
	}
	return &VideoWorker{
		queue:    q,
		packager: p,
		uploader: u,
		ledger:   l,
		metrics:  m,
		backoff:  DefaultBackoff,
		log:      logger.For("VideoWorker"),
	}
}

// SetBackoff changes the pause after a failed attempt.
func (w *VideoWorker) SetBackoff(d time.Duration) {
	w.backoff = d
}

// Run processes tasks until the queue is closed and drained or ctx is done.
func (w *VideoWorker) Run(ctx context.Context) error {
	w.log.Info("Worker started (backoff %s)", w.backoff)
	for {
		t, ok, err := w.queue.Get(ctx)
		w.metrics.VideoQueueDepth.Store(uint64(w.queue.Len()))
		if err != nil {
			return err
		}
		if !ok {
			w.log.Info("Queue closed, worker exiting")
			return nil
		}

		retry := w.handle(ctx, t)
		if retry == nil {
			continue
		}
		if !w.queue.Put(retry) {
			w.log.Warn("Queue closed, %s left pending for next start", filepath.Base(retry.Path))
			continue
		}
		w.metrics.VideoQueueDepth.Store(uint64(w.queue.Len()))
		if err := sleepCtx(ctx, w.backoff); err != nil {
			return err
		}
	}
}

// handle makes one attempt and returns the task to requeue, or nil when it
// is finished (delivered or aborted).
func (w *VideoWorker) handle(ctx context.Context, t *VideoTask) (retry *VideoTask) {
	name := filepath.Base(t.Path)
	encoding := false
	defer func() {
		if r := recover(); r != nil {
			w.log.Error("Panic while handling %s: %v", name, r)
			if fileExists(t.Path) {
				t.Attempts++
				retry = t.UploadOnly()
				return
			}
			if encoding {
				// The same frames would panic again.
				w.metrics.EncodesFailed.Add(1)
				w.ledgerErr(w.ledger.MarkArtifactFailed(ctx, t.Path, fmt.Errorf("encoder panic: %v", r)))
				retry = nil
				return
			}
			t.Attempts++
			retry = t
		}
	}()

	if t.Stage == NeedsEncodeAndUpload {
		w.ledgerErr(w.ledger.RecordArtifact(ctx, t.record()))

		encoding = true
		art, err := w.packager.Package(ctx, recorder.Request{
			OutPath:    t.Path,
			Frames:     t.Frames,
			FPS:        t.FPS,
			Audio:      t.Audio,
			SampleRate: t.SampleRate,
		})
		if err != nil {
			// No artifact, nothing to upload.
			w.metrics.EncodesFailed.Add(1)
			w.log.Error("Encode of %s failed, task dropped: %v", name, err)
			w.ledgerErr(w.ledger.MarkArtifactFailed(ctx, t.Path, err))
			return nil
		}
		encoding = false
		if art.Reused {
			w.metrics.EncodesReused.Add(1)
		} else {
			w.metrics.EncodesOK.Add(1)
		}
		t = t.UploadOnly()
	} else if !fileExists(t.Path) {
		w.log.Error("Artifact %s no longer on disk, upload dropped", name)
		w.ledgerErr(w.ledger.MarkArtifactFailed(ctx, t.Path, fs.ErrNotExist))
		return nil
	}

	if err := w.uploader.Upload(ctx, t.uploadRequest()); err != nil {
		t.Attempts++
		w.metrics.UploadsFailed.Add(1)
		w.log.Warn("Upload of %s failed (attempt %d), retrying in %s: %v", name, t.Attempts, w.backoff, err)
		w.ledgerErr(w.ledger.MarkArtifactAttempt(ctx, t.Path, err))
		return t
	}

	w.metrics.UploadsOK.Add(1)
	w.ledgerErr(w.ledger.MarkArtifactDelivered(ctx, t.Path))
	if t.Attempts > 0 {
		w.log.Info("Uploaded %s after %d failed attempts", name, t.Attempts)
	} else {
		w.log.Info("Uploaded %s", name)
	}
	return nil
}

func (w *VideoWorker) ledgerErr(err error) {
	if err != nil {
		w.metrics.LedgerErrors.Add(1)
		w.log.Warn("Ledger: %v", err)
	}
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
