package capture

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stub(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ffmpeg")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return path
}

func TestArgs(t *testing.T) {
	s := NewFFmpegSource("inner", Config{Device: "/dev/video0", Width: 640, Height: 480, FPS: 30})
	assert.Equal(t, []string{
		"-hide_banner", "-loglevel", "error",
		"-f", "v4l2", "-input_format", "mjpeg",
		"-video_size", "640x480", "-framerate", "30",
		"-i", "/dev/video0",
		"-f", "rawvideo", "-pix_fmt", "bgr24", "-s", "640x480", "-",
	}, s.Args())
}

func TestReadFrames(t *testing.T) {
	// 4x2 bgr24 = 24 bytes per frame; emit two frames then idle.
	bin := stub(t, "head -c 48 /dev/zero\nexec sleep 5")
	s := NewFFmpegSource("front", Config{FFmpegPath: bin, Device: "/dev/video9", Width: 4, Height: 2, ReadTimeout: time.Second})
	defer s.Close()

	f, err := s.Read(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, f.Width)
	assert.Equal(t, 2, f.Height)
	assert.Len(t, f.Data, 24)
	assert.NotZero(t, f.FrameNum)
	assert.False(t, f.Timestamp.IsZero())
}

func TestReadTimeoutIsNoFrame(t *testing.T) {
	bin := stub(t, "exec sleep 5")
	s := NewFFmpegSource("front", Config{FFmpegPath: bin, Width: 4, Height: 2, ReadTimeout: 20 * time.Millisecond})
	defer s.Close()

	_, err := s.Read(context.Background())
	assert.ErrorIs(t, err, ErrNoFrame)
}

func TestDeadProcessIsNoFrameThenRestarts(t *testing.T) {
	bin := stub(t, "exit 1")
	s := NewFFmpegSource("inner", Config{FFmpegPath: bin, Width: 4, Height: 2, ReadTimeout: 20 * time.Millisecond, RestartDelay: 10 * time.Millisecond})
	defer s.Close()

	for i := 0; i < 3; i++ {
		_, err := s.Read(context.Background())
		assert.ErrorIs(t, err, ErrNoFrame)
		time.Sleep(15 * time.Millisecond)
	}
	s.mu.Lock()
	restarts := s.restarts
	s.mu.Unlock()
	assert.Greater(t, restarts, 1)
}

func TestMissingBinaryIsNoFrame(t *testing.T) {
	s := NewFFmpegSource("inner", Config{FFmpegPath: filepath.Join(t.TempDir(), "nope"), Width: 4, Height: 2})
	_, err := s.Read(context.Background())
	assert.True(t, errors.Is(err, ErrNoFrame))
}

func TestReadAfterClose(t *testing.T) {
	bin := stub(t, "exec sleep 5")
	s := NewFFmpegSource("inner", Config{FFmpegPath: bin, Width: 4, Height: 2, ReadTimeout: 10 * time.Millisecond})
	_, _ = s.Read(context.Background())
	require.NoError(t, s.Close())

	_, err := s.Read(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}
