package recorder

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dj-oyu/dashcam-monitor/internal/audio"
	"github.com/dj-oyu/dashcam-monitor/internal/logger"
	"github.com/dj-oyu/dashcam-monitor/pkg/types"
)

// ErrEmptyFrames is returned when a segment has nothing to encode.
var ErrEmptyFrames = errors.New("no frames to encode")

// EncodeError reports a failed encode. The caller must not upload.
type EncodeError struct {
	Path     string
	ExitCode int // -1 when the encoder never ran or was killed
	Err      error
}

func (e *EncodeError) Error() string {
	if e.ExitCode > 0 {
		return fmt.Sprintf("encode %s: exit %d: %v", e.Path, e.ExitCode, e.Err)
	}
	return fmt.Sprintf("encode %s: %v", e.Path, e.Err)
}

func (e *EncodeError) Unwrap() error {
	return e.Err
}

// Request describes one evidence clip.
type Request struct {
	OutPath    string
	Frames     []*types.Frame
	FPS        float64
	Audio      []int16 // mono 16-bit; nil for no audio track
	SampleRate int
}

// Artifact is an encoded clip on disk.
type Artifact struct {
	Path   string
	Size   int64
	Frames int
	Reused bool // already on disk, encoder not invoked
}

// PackagerStatus holds the packager's running totals
type PackagerStatus struct {
	Encoding      bool          `json:"encoding"`
	Current       string        `json:"current"`
	Encoded       uint64        `json:"encoded"`
	Reused        uint64        `json:"reused"`
	Failed        uint64        `json:"failed"`
	FramesWritten uint64        `json:"frames_written"`
	BytesWritten  uint64        `json:"bytes_written"`
	LastDuration  time.Duration `json:"last_duration_ms"`
}

// Packager turns frame lists into encoded artifacts through an Encoder.
// Package is idempotent per output path.
type Packager struct {
	mu      sync.RWMutex
	enc     Encoder
	timeout time.Duration
	status  PackagerStatus
	log     *logger.Module
}

// NewPackager creates a packager. A zero timeout disables the deadline.
func NewPackager(enc Encoder, timeout time.Duration) *Packager {
	return &Packager{
		enc:     enc,
		timeout: timeout,
		log:     logger.For("Packager"),
	}
}

// Package encodes req.Frames to req.OutPath. If the path already exists the
// encoder is not invoked and the existing artifact is returned.
func (p *Packager) Package(ctx context.Context, req Request) (*Artifact, error) {
	if info, err := os.Stat(req.OutPath); err == nil {
		p.mu.Lock()
		p.status.Reused++
		p.mu.Unlock()
		p.log.Debug("Artifact %s already encoded, skipping encoder", filepath.Base(req.OutPath))
		return &Artifact{Path: req.OutPath, Size: info.Size(), Reused: true}, nil
	}

	if len(req.Frames) == 0 {
		p.fail()
		return nil, &EncodeError{Path: req.OutPath, ExitCode: -1, Err: ErrEmptyFrames}
	}

	width, height := req.Frames[0].Width, req.Frames[0].Height
	frames := make([]*types.Frame, 0, len(req.Frames))
	for _, f := range req.Frames {
		if f.Width != width || f.Height != height || len(f.Data) != types.FrameSize(width, height) {
			continue
		}
		frames = append(frames, f)
	}
	if dropped := len(req.Frames) - len(frames); dropped > 0 {
		p.log.Warn("Dropped %d frames with mismatched geometry from %s", dropped, filepath.Base(req.OutPath))
	}
	if len(frames) == 0 {
		p.fail()
		return nil, &EncodeError{Path: req.OutPath, ExitCode: -1, Err: ErrEmptyFrames}
	}

	if err := os.MkdirAll(filepath.Dir(req.OutPath), 0o755); err != nil {
		p.fail()
		return nil, &EncodeError{Path: req.OutPath, ExitCode: -1, Err: err}
	}

	encReq := EncodeRequest{
		Frames:  frames,
		Width:   width,
		Height:  height,
		FPS:     req.FPS,
		OutPath: req.OutPath + ".part",
	}
	if len(req.Audio) > 0 && req.SampleRate > 0 {
		wav := AudioPath(req.OutPath)
		if err := audio.WriteWAV(wav, req.Audio, req.SampleRate); err != nil {
			p.log.Warn("Audio slice for %s not written, encoding video only: %v", filepath.Base(req.OutPath), err)
		} else {
			encReq.AudioPath = wav
			defer os.Remove(wav)
		}
	}

	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	p.mu.Lock()
	p.status.Encoding = true
	p.status.Current = filepath.Base(req.OutPath)
	p.mu.Unlock()

	start := time.Now()
	err := p.enc.Encode(ctx, encReq)

	p.mu.Lock()
	p.status.Encoding = false
	p.status.Current = ""
	p.status.LastDuration = time.Since(start)
	p.mu.Unlock()

	if err != nil {
		os.Remove(encReq.OutPath)
		p.fail()
		var ee *EncodeError
		if errors.As(err, &ee) {
			return nil, ee
		}
		return nil, &EncodeError{Path: req.OutPath, ExitCode: -1, Err: err}
	}

	if err := os.Rename(encReq.OutPath, req.OutPath); err != nil {
		os.Remove(encReq.OutPath)
		p.fail()
		return nil, &EncodeError{Path: req.OutPath, ExitCode: -1, Err: fmt.Errorf("finalize: %w", err)}
	}

	info, err := os.Stat(req.OutPath)
	if err != nil {
		p.fail()
		return nil, &EncodeError{Path: req.OutPath, ExitCode: -1, Err: err}
	}

	p.mu.Lock()
	p.status.Encoded++
	p.status.FramesWritten += uint64(len(frames))
	p.status.BytesWritten += uint64(info.Size())
	p.mu.Unlock()

	p.log.Info("Encoded %s (%d frames @ %.2f fps, %d bytes, audio=%t)",
		filepath.Base(req.OutPath), len(frames), req.FPS, info.Size(), encReq.AudioPath != "")
	return &Artifact{Path: req.OutPath, Size: info.Size(), Frames: len(frames)}, nil
}

func (p *Packager) fail() {
	p.mu.Lock()
	p.status.Failed++
	p.mu.Unlock()
}

// GetStatus returns the current packager status
func (p *Packager) GetStatus() PackagerStatus {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.status
}
