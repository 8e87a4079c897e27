// Package segment accumulates camera frames into fixed-length segments
// aligned to wall-clock boundaries.
package segment

import (
	"time"

	"github.com/dj-oyu/dashcam-monitor/pkg/types"
)

// Segment is a closed span of frames, [Start, End).
type Segment struct {
	Start  time.Time
	End    time.Time
	Frames []*types.Frame
	FPS    float64 // measured: len(Frames) / (End-Start)

	// Cut is set when the segment was closed by a clock step rather than
	// by reaching End. Its frames may not span the whole window.
	Cut bool
}

// Empty reports whether the segment carries no frames.
func (s *Segment) Empty() bool {
	return len(s.Frames) == 0
}

// Duration returns End-Start.
func (s *Segment) Duration() time.Duration {
	return s.End.Sub(s.Start)
}

// Buffer collects frames for the current segment. Boundaries are computed
// once from the first timestamp and then only ever advance by exactly one
// length, so segments tile time without drift or overlap.
//
// Alignment uses time.Truncate, which matches local wall-clock boundaries for
// any length that divides an hour.
//
// A clock step (NTP or GPS setting the time after boot) is not a stall: when
// now lands more than MaxSkip lengths past the current end, or more than one
// length before the current start, the buffer closes what it holds and
// re-anchors on now instead of tiling the gap.
type Buffer struct {
	length time.Duration
	start  time.Time
	end    time.Time
	frames []*types.Frame
}

// MaxSkip is the number of whole windows a stall may skip before the gap is
// treated as a clock step.
const MaxSkip = 3

// NewBuffer creates a buffer whose first segment is [floor(now), floor(now)+length).
func NewBuffer(length time.Duration, now time.Time) *Buffer {
	start := now.Truncate(length)
	return &Buffer{
		length: length,
		start:  start,
		end:    start.Add(length),
	}
}

// Append adds a frame to the current segment.
func (b *Buffer) Append(f *types.Frame) {
	b.frames = append(b.frames, f)
}

// Len returns the number of frames buffered for the current segment.
func (b *Buffer) Len() int {
	return len(b.frames)
}

// Bounds returns the current segment's [start, end).
func (b *Buffer) Bounds() (time.Time, time.Time) {
	return b.start, b.end
}

// Length returns the segment length.
func (b *Buffer) Length() time.Duration {
	return b.length
}

// MaybeRotate closes the current segment when now has reached its end and
// returns it; otherwise it returns nil. At most one segment is closed per
// call. Callers that may have stalled across several boundaries loop until
// nil: the first segment carries every buffered frame and the following
// ones are empty, so covered time stays contiguous.
func (b *Buffer) MaybeRotate(now time.Time) *Segment {
	if now.Before(b.end) {
		return nil
	}

	seg := &Segment{
		Start:  b.start,
		End:    b.end,
		Frames: b.frames,
		FPS:    float64(len(b.frames)) / b.length.Seconds(),
	}

	b.frames = make([]*types.Frame, 0, cap(seg.Frames))
	b.start = b.start.Add(b.length)
	b.end = b.end.Add(b.length)
	return seg
}

// Discontinuous reports whether now is a clock step relative to the
// current window.
func (b *Buffer) Discontinuous(now time.Time) bool {
	if now.Before(b.start.Add(-b.length)) {
		return true
	}
	return !now.Before(b.end.Add(MaxSkip * b.length))
}

// Resync closes the current segment early and re-anchors the buffer on
// floor(now). The closed segment is returned with Cut set, or nil when it
// held no frames.
func (b *Buffer) Resync(now time.Time) *Segment {
	var seg *Segment
	if len(b.frames) > 0 {
		seg = &Segment{
			Start:  b.start,
			End:    b.end,
			Frames: b.frames,
			FPS:    float64(len(b.frames)) / b.length.Seconds(),
			Cut:    true,
		}
	}
	b.frames = nil
	b.start = now.Truncate(b.length)
	b.end = b.start.Add(b.length)
	return seg
}

// RotateAll drains every segment that closed by now. After a clock step it
// returns at most the one cut segment.
func (b *Buffer) RotateAll(now time.Time) []*Segment {
	if b.Discontinuous(now) {
		if seg := b.Resync(now); seg != nil {
			return []*Segment{seg}
		}
		return nil
	}
	var out []*Segment
	for seg := b.MaybeRotate(now); seg != nil; seg = b.MaybeRotate(now) {
		out = append(out, seg)
	}
	return out
}
