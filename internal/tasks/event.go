package tasks

import (
	"context"
	"time"

	"github.com/dj-oyu/dashcam-monitor/internal/logger"
	"github.com/dj-oyu/dashcam-monitor/internal/metrics"
)

// EventWorker drains the event queue, posting each event until it is
// accepted.
type EventWorker struct {
	queue   *Queue[*EventTask]
	poster  EventPoster
	ledger  DeliveryLog
	metrics *metrics.Metrics
	backoff time.Duration
	log     *logger.Module
}

// NewEventWorker creates a worker. ledger may be nil.
func NewEventWorker(q *Queue[*EventTask], p EventPoster, l DeliveryLog, m *metrics.Metrics) *EventWorker {
	if l == nil {
		l = nopLog{}
	}
	return &EventWorker{
		queue:   q,
		poster:  p,
		ledger:  l,
		metrics: m,
		backoff: DefaultBackoff,
		log:     logger.For("EventWorker"),
	}
}

// SetBackoff changes the pause after a failed attempt.
func (w *EventWorker) SetBackoff(d time.Duration) {
	w.backoff = d
}

// Run processes tasks until the queue is closed and drained or ctx is done.
func (w *EventWorker) Run(ctx context.Context) error {
	w.log.Info("Worker started (backoff %s)", w.backoff)
	for {
		t, ok, err := w.queue.Get(ctx)
		w.metrics.EventQueueDepth.Store(uint64(w.queue.Len()))
		if err != nil {
			return err
		}
		if !ok {
			w.log.Info("Queue closed, worker exiting")
			return nil
		}

		if w.handle(ctx, t) {
			continue
		}
		if !w.queue.Put(t) {
			w.log.Warn("Queue closed, event %s left pending for next start", t.Event.GlobalEventID)
			continue
		}
		w.metrics.EventQueueDepth.Store(uint64(w.queue.Len()))
		if err := sleepCtx(ctx, w.backoff); err != nil {
			return err
		}
	}
}

// handle reports whether t is finished.
func (w *EventWorker) handle(ctx context.Context, t *EventTask) (done bool) {
	defer func() {
		if r := recover(); r != nil {
			w.log.Error("Panic while posting %s: %v", t.Event.GlobalEventID, r)
			t.Attempts++
			done = false
		}
	}()

	if t.Attempts == 0 {
		w.ledgerErr(w.ledger.RecordEvent(ctx, t.Camera, t.Class, t.Event))
	}

	if err := w.poster.PostEvent(ctx, t.Event); err != nil {
		t.Attempts++
		w.metrics.EventsFailed.Add(1)
		w.log.Warn("Event %s (%s) failed (attempt %d), retrying in %s: %v",
			t.Event.Event, t.Event.GlobalEventID, t.Attempts, w.backoff, err)
		w.ledgerErr(w.ledger.MarkEventAttempt(ctx, t.Event.GlobalEventID, err))
		return false
	}

	w.metrics.EventsSent.Add(1)
	w.ledgerErr(w.ledger.MarkEventDelivered(ctx, t.Event.GlobalEventID))
	w.log.Info("Event sent: %s from %s camera (%s)", t.Event.Event, t.Camera, t.Event.GlobalEventID)
	return true
}

func (w *EventWorker) ledgerErr(err error) {
	if err != nil {
		w.metrics.LedgerErrors.Add(1)
		w.log.Warn("Ledger: %v", err)
	}
}
