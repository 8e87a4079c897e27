// Package capture reads raw BGR24 frames from a camera device.
package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/dj-oyu/dashcam-monitor/internal/logger"
	"github.com/dj-oyu/dashcam-monitor/pkg/types"
)

// ErrNoFrame means no frame was available this tick. It is never fatal: the
// caller skips the tick and reads again.
var ErrNoFrame = errors.New("no frame available")

// ErrClosed is returned by Read after Close.
var ErrClosed = errors.New("capture source closed")

// Source yields camera frames.
type Source interface {
	Read(ctx context.Context) (*types.Frame, error)
	Close() error
}

// Config describes one capture device.
type Config struct {
	FFmpegPath   string
	Device       string // e.g. /dev/video0
	InputFormat  string // v4l2 input format, e.g. mjpeg
	Width        int
	Height       int
	FPS          int
	ReadTimeout  time.Duration // how long Read waits before ErrNoFrame
	RestartDelay time.Duration // minimum gap between process restarts
}

// FFmpegSource decodes a V4L2 device through an ffmpeg child process that
// writes rawvideo bgr24 to stdout. Only the latest frame is kept; a slow
// consumer sees drops rather than growing latency. A dead process is
// restarted on a later Read.
type FFmpegSource struct {
	cfg Config
	log *logger.Module

	frames chan *types.Frame

	mu        sync.Mutex
	cmd       *exec.Cmd
	done      chan struct{}
	lastStart time.Time
	restarts  int
	closed    bool
	frameNum  uint64
}

// NewFFmpegSource creates a source. The process starts on the first Read.
func NewFFmpegSource(name string, cfg Config) *FFmpegSource {
	if cfg.FFmpegPath == "" {
		cfg.FFmpegPath = "ffmpeg"
	}
	if cfg.InputFormat == "" {
		cfg.InputFormat = "mjpeg"
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = time.Second
	}
	if cfg.RestartDelay <= 0 {
		cfg.RestartDelay = 2 * time.Second
	}
	return &FFmpegSource{
		cfg:    cfg,
		log:    logger.For("Capture").With(name),
		frames: make(chan *types.Frame, 1),
	}
}

// Args returns the ffmpeg arguments used for the device.
func (s *FFmpegSource) Args() []string {
	c := s.cfg
	args := []string{"-hide_banner", "-loglevel", "error", "-f", "v4l2", "-input_format", c.InputFormat}
	if c.Width > 0 && c.Height > 0 {
		args = append(args, "-video_size", fmt.Sprintf("%dx%d", c.Width, c.Height))
	}
	if c.FPS > 0 {
		args = append(args, "-framerate", strconv.Itoa(c.FPS))
	}
	args = append(args, "-i", c.Device, "-f", "rawvideo", "-pix_fmt", "bgr24")
	if c.Width > 0 && c.Height > 0 {
		args = append(args, "-s", fmt.Sprintf("%dx%d", c.Width, c.Height))
	}
	return append(args, "-")
}

// Read returns the next frame, ErrNoFrame if none arrives within the read
// timeout, or ctx's error.
func (s *FFmpegSource) Read(ctx context.Context) (*types.Frame, error) {
	if err := s.ensureRunning(); err != nil {
		if errors.Is(err, ErrClosed) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrNoFrame, err)
	}

	timer := time.NewTimer(s.cfg.ReadTimeout)
	defer timer.Stop()
	select {
	case f := <-s.frames:
		return f, nil
	case <-timer.C:
		return nil, ErrNoFrame
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

var errRestartPending = errors.New("capture process restarting")

func (s *FFmpegSource) ensureRunning() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if s.done != nil {
		select {
		case <-s.done:
		default:
			return nil // running
		}
	}
	if !s.lastStart.IsZero() && time.Since(s.lastStart) < s.cfg.RestartDelay {
		return errRestartPending
	}
	return s.startLocked()
}

func (s *FFmpegSource) startLocked() error {
	s.lastStart = time.Now()
	if s.cfg.Width <= 0 || s.cfg.Height <= 0 {
		return fmt.Errorf("frame geometry not configured for %s", s.cfg.Device)
	}

	cmd := exec.Command(s.cfg.FFmpegPath, s.Args()...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", s.cfg.FFmpegPath, err)
	}

	if s.restarts > 0 {
		s.log.Warn("Capture process restarted for %s (restart #%d)", s.cfg.Device, s.restarts)
	} else {
		s.log.Info("Capturing %s at %dx%d", s.cfg.Device, s.cfg.Width, s.cfg.Height)
	}
	s.restarts++

	s.cmd = cmd
	s.done = make(chan struct{})
	go s.readLoop(cmd, stdout, s.done)
	return nil
}

func (s *FFmpegSource) readLoop(cmd *exec.Cmd, stdout io.Reader, done chan struct{}) {
	defer close(done)

	w, h := s.cfg.Width, s.cfg.Height
	size := types.FrameSize(w, h)
	for {
		buf := make([]byte, size)
		if _, err := io.ReadFull(stdout, buf); err != nil {
			if !errors.Is(err, io.EOF) {
				s.log.Debug("Read from %s ended: %v", s.cfg.Device, err)
			}
			break
		}
		s.mu.Lock()
		s.frameNum++
		n := s.frameNum
		s.mu.Unlock()

		s.offer(&types.Frame{Data: buf, Timestamp: time.Now(), FrameNum: n, Width: w, Height: h})
	}

	if err := cmd.Wait(); err != nil {
		s.mu.Lock()
		closed := s.closed
		s.mu.Unlock()
		if !closed {
			s.log.Warn("Capture process for %s exited: %v", s.cfg.Device, err)
		}
	}
}

// offer replaces any unread frame with f.
func (s *FFmpegSource) offer(f *types.Frame) {
	select {
	case s.frames <- f:
		return
	default:
	}
	select {
	case <-s.frames:
	default:
	}
	select {
	case s.frames <- f:
	default:
	}
}

// Close stops the capture process.
func (s *FFmpegSource) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	cmd, done := s.cmd, s.done
	s.mu.Unlock()

	if cmd == nil {
		return nil
	}
	if cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		return fmt.Errorf("capture process for %s did not exit", s.cfg.Device)
	}
	return nil
}
