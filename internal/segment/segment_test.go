package segment

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dj-oyu/dashcam-monitor/pkg/types"
)

func at(h, m, s int) time.Time {
	return time.Date(2025, 9, 30, h, m, s, 0, time.UTC)
}

func TestFirstSegmentAlignedToFloor(t *testing.T) {
	b := NewBuffer(60*time.Second, at(12, 0, 23))
	start, end := b.Bounds()
	assert.Equal(t, at(12, 0, 0), start)
	assert.Equal(t, at(12, 1, 0), end)
}

func TestRotateAtBoundary(t *testing.T) {
	b := NewBuffer(60*time.Second, at(12, 0, 23))
	for i := 0; i < 30; i++ {
		b.Append(&types.Frame{FrameNum: uint64(i)})
	}

	assert.Nil(t, b.MaybeRotate(at(12, 0, 59)))

	seg := b.MaybeRotate(at(12, 1, 0))
	require.NotNil(t, seg)
	assert.Equal(t, at(12, 0, 0), seg.Start)
	assert.Equal(t, at(12, 1, 0), seg.End)
	assert.Len(t, seg.Frames, 30)
	assert.InDelta(t, 0.5, seg.FPS, 1e-12)

	assert.Equal(t, 0, b.Len())
	start, end := b.Bounds()
	assert.Equal(t, at(12, 1, 0), start)
	assert.Equal(t, at(12, 2, 0), end)
}

func TestSegmentsTileTimeUnderJitter(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	begin := at(8, 14, 37)
	b := NewBuffer(10*time.Second, begin)
	origin, _ := b.Bounds()

	var segs []*Segment
	now := begin
	total := 0
	for now.Before(begin.Add(5 * time.Minute)) {
		b.Append(&types.Frame{Timestamp: now})
		total++
		segs = append(segs, b.RotateAll(now)...)
		// 20ms..2.5s between ticks, occasionally longer than a segment
		step := time.Duration(20+rng.Intn(2480)) * time.Millisecond
		if rng.Intn(50) == 0 {
			step = 25 * time.Second
		}
		now = now.Add(step)
	}
	segs = append(segs, b.RotateAll(now)...)

	require.NotEmpty(t, segs)
	assert.Equal(t, origin, segs[0].Start)
	frames := 0
	for i, s := range segs {
		assert.Equal(t, 10*time.Second, s.Duration(), "segment %d", i)
		if i > 0 {
			assert.Equal(t, segs[i-1].End, s.Start, "gap or overlap before segment %d", i)
		}
		frames += len(s.Frames)
	}
	last := segs[len(segs)-1].End
	assert.False(t, last.After(now))
	assert.True(t, now.Sub(last) < 10*time.Second)
	assert.Equal(t, total, frames+b.Len(), "no frame lost")
}

func TestStallAcrossSeveralBoundaries(t *testing.T) {
	b := NewBuffer(60*time.Second, at(12, 0, 10))
	b.Append(&types.Frame{})
	b.Append(&types.Frame{})

	segs := b.RotateAll(at(12, 3, 5))
	require.Len(t, segs, 3)
	assert.Len(t, segs[0].Frames, 2)
	assert.False(t, segs[0].Empty())
	assert.True(t, segs[1].Empty())
	assert.True(t, segs[2].Empty())
	assert.Equal(t, at(12, 3, 0), segs[2].End)

	start, _ := b.Bounds()
	assert.Equal(t, at(12, 3, 0), start)
}

func TestOnlyOneRotationPerCall(t *testing.T) {
	b := NewBuffer(time.Minute, at(12, 0, 0))
	seg := b.MaybeRotate(at(12, 5, 0))
	require.NotNil(t, seg)
	start, _ := b.Bounds()
	assert.Equal(t, at(12, 1, 0), start)
}

func TestForwardClockStepResyncs(t *testing.T) {
	b := NewBuffer(10*time.Second, at(12, 0, 3))
	b.Append(&types.Frame{FrameNum: 1})
	b.Append(&types.Frame{FrameNum: 2})

	jumped := at(12, 0, 4).AddDate(1, 0, 0)
	segs := b.RotateAll(jumped)
	require.Len(t, segs, 1)
	assert.True(t, segs[0].Cut)
	assert.Len(t, segs[0].Frames, 2)
	assert.Equal(t, at(12, 0, 0), segs[0].Start)

	start, end := b.Bounds()
	assert.Equal(t, jumped.Truncate(10*time.Second), start)
	assert.Equal(t, start.Add(10*time.Second), end)
	assert.Equal(t, 0, b.Len())
	assert.Empty(t, b.RotateAll(jumped.Add(time.Second)))
}

func TestForwardClockStepWithNothingBuffered(t *testing.T) {
	b := NewBuffer(10*time.Second, at(12, 0, 3))
	assert.Empty(t, b.RotateAll(at(18, 0, 0)))
	start, _ := b.Bounds()
	assert.Equal(t, at(18, 0, 0), start)
}

func TestBackwardClockStepResyncs(t *testing.T) {
	b := NewBuffer(10*time.Second, at(12, 0, 3))
	b.Append(&types.Frame{})

	// within one length before start is jitter, not a step
	assert.Empty(t, b.RotateAll(at(11, 59, 55)))
	assert.False(t, b.Discontinuous(at(11, 59, 50)))

	back := at(11, 0, 7)
	segs := b.RotateAll(back)
	require.Len(t, segs, 1)
	assert.True(t, segs[0].Cut)
	assert.Len(t, segs[0].Frames, 1)

	// the buffer rotates normally on the new timeline
	start, _ := b.Bounds()
	assert.Equal(t, at(11, 0, 0), start)
	b.Append(&types.Frame{})
	segs = b.RotateAll(at(11, 0, 10))
	require.Len(t, segs, 1)
	assert.False(t, segs[0].Cut)
	assert.Equal(t, at(11, 0, 0), segs[0].Start)
}

func TestStallUpToMaxSkipStillTiles(t *testing.T) {
	b := NewBuffer(10*time.Second, at(12, 0, 0))
	b.Append(&types.Frame{})
	// end is 12:00:10; the step threshold is 12:00:40
	segs := b.RotateAll(at(12, 0, 39))
	require.Len(t, segs, 3)
	for _, s := range segs {
		assert.False(t, s.Cut)
	}
	assert.True(t, b.Discontinuous(at(12, 1, 0).Add(MaxSkip*10*time.Second)))
}
