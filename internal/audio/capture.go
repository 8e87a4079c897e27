package audio

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/dj-oyu/dashcam-monitor/internal/logger"
)

// Source yields mono 16-bit samples from a capture device.
type Source interface {
	// Read fills p and returns the number of samples read.
	Read(p []int16) (int, error)
	Close() error
}

// Opener opens a fresh Source; Capture reopens after device errors.
type Opener func(ctx context.Context) (Source, error)

// Capture runs a producer goroutine that copies samples from a Source into
// a Ring. Start and Stop bound its lifetime.
type Capture struct {
	ring   *Ring
	open   Opener
	log    *logger.Module
	chunk  int
	reopen time.Duration

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

// NewCapture creates a capture that fills ring from sources produced by open.
func NewCapture(name string, ring *Ring, open Opener) *Capture {
	return &Capture{
		ring:   ring,
		open:   open,
		log:    logger.For("Audio").With(name),
		chunk:  1024,
		reopen: 2 * time.Second,
	}
}

// Ring returns the buffer the capture fills.
func (c *Capture) Ring() *Ring {
	return c.ring
}

// Start launches the capture goroutine. Calling Start twice is an error.
func (c *Capture) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return errors.New("audio capture already running")
	}

	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	c.running = true

	go c.run(ctx, c.done)
	c.log.Info("Audio capture started")
	return nil
}

// Stop cancels the capture and waits until the source is closed.
func (c *Capture) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.cancel()
	done := c.done
	c.running = false
	c.mu.Unlock()

	<-done
	c.log.Info("Audio capture stopped (%d samples total)", c.ring.Total())
}

func (c *Capture) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	for {
		if ctx.Err() != nil {
			return
		}
		src, err := c.open(ctx)
		if err != nil {
			c.log.Warn("Failed to open audio source: %v", err)
		} else {
			err = c.pump(ctx, src)
			src.Close()
			if err != nil && ctx.Err() == nil {
				c.log.Warn("Audio source failed: %v", err)
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(c.reopen):
		}
	}
}

func (c *Capture) pump(ctx context.Context, src Source) error {
	// Close unblocks a Read stuck on the device when ctx is canceled.
	stop := context.AfterFunc(ctx, func() { src.Close() })
	defer stop()

	buf := make([]int16, c.chunk)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			c.ring.Write(buf[:n])
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}

// ArecordSource reads raw S16_LE mono PCM from an ALSA device via arecord.
type ArecordSource struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
	r      *bufio.Reader
	once   sync.Once
}

// ArecordOpener returns an Opener for the given ALSA device and sample rate.
func ArecordOpener(device string, sampleRate int) Opener {
	return func(ctx context.Context) (Source, error) {
		return OpenArecord(ctx, device, sampleRate)
	}
}

// OpenArecord starts arecord streaming raw samples to stdout.
func OpenArecord(ctx context.Context, device string, sampleRate int) (*ArecordSource, error) {
	args := []string{"-q", "-t", "raw", "-f", "S16_LE", "-c", "1", "-r", strconv.Itoa(sampleRate)}
	if device != "" {
		args = append(args, "-D", device)
	}
	cmd := exec.CommandContext(ctx, "arecord", args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("arecord stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start arecord: %w", err)
	}
	return &ArecordSource{cmd: cmd, stdout: stdout, r: bufio.NewReaderSize(stdout, 8192)}, nil
}

// Read implements Source.
func (s *ArecordSource) Read(p []int16) (int, error) {
	if err := binary.Read(s.r, binary.LittleEndian, p); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return 0, io.EOF
		}
		return 0, err
	}
	return len(p), nil
}

// Close stops arecord and reaps the process.
func (s *ArecordSource) Close() error {
	var err error
	s.once.Do(func() {
		s.stdout.Close()
		if s.cmd.Process != nil {
			_ = s.cmd.Process.Kill()
		}
		err = s.cmd.Wait()
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			err = nil
		}
	})
	return err
}
