package recorder

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"time"

	"github.com/dj-oyu/dashcam-monitor/pkg/types"
)

// EncodeRequest is what an Encoder receives: validated frames of a single
// geometry and the final temporary output path.
type EncodeRequest struct {
	Frames    []*types.Frame
	Width     int
	Height    int
	FPS       float64
	AudioPath string // optional WAV to mux
	OutPath   string
}

// Encoder produces one container file from raw frames.
type Encoder interface {
	Encode(ctx context.Context, req EncodeRequest) error
}

// Compression profile: fast and lossy, fixed quality.
const (
	videoCRF     = "28"
	videoPreset  = "ultrafast"
	audioBitrate = "96k"
)

// FFmpegEncoder streams raw BGR24 frames into an ffmpeg process on stdin.
type FFmpegEncoder struct {
	Path string // ffmpeg binary, "ffmpeg" if empty
}

// NewFFmpegEncoder creates an encoder using the given binary.
func NewFFmpegEncoder(path string) *FFmpegEncoder {
	return &FFmpegEncoder{Path: path}
}

func (e *FFmpegEncoder) bin() string {
	if e.Path == "" {
		return "ffmpeg"
	}
	return e.Path
}

// BuildArgs returns the ffmpeg command line for req.
func BuildArgs(req EncodeRequest) []string {
	args := []string{
		"-hide_banner", "-loglevel", "error",
		"-y",
		"-f", "rawvideo",
		"-vcodec", "rawvideo",
		"-pix_fmt", "bgr24",
		"-s", fmt.Sprintf("%dx%d", req.Width, req.Height),
		"-r", strconv.FormatFloat(req.FPS, 'f', 3, 64),
		"-i", "-",
	}
	if req.AudioPath != "" {
		args = append(args, "-i", req.AudioPath, "-c:a", "aac", "-b:a", audioBitrate)
	}
	args = append(args,
		"-c:v", "libx264",
		"-pix_fmt", "yuv420p",
		"-crf", videoCRF,
		"-preset", videoPreset,
		"-shortest",
		"-f", "mp4",
		req.OutPath,
	)
	return args
}

// Encode implements Encoder. A non-zero exit or a killed process is
// reported as *EncodeError carrying the tail of ffmpeg's stderr.
func (e *FFmpegEncoder) Encode(ctx context.Context, req EncodeRequest) error {
	if len(req.Frames) == 0 {
		return &EncodeError{Path: req.OutPath, ExitCode: -1, Err: ErrEmptyFrames}
	}
	if req.FPS <= 0 {
		return &EncodeError{Path: req.OutPath, ExitCode: -1, Err: fmt.Errorf("invalid fps %.3f", req.FPS)}
	}

	cmd := exec.CommandContext(ctx, e.bin(), BuildArgs(req)...)
	cmd.WaitDelay = 5 * time.Second
	var stderr tailBuffer
	cmd.Stderr = &stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return &EncodeError{Path: req.OutPath, ExitCode: -1, Err: err}
	}
	if err := cmd.Start(); err != nil {
		return &EncodeError{Path: req.OutPath, ExitCode: -1, Err: fmt.Errorf("start %s: %w", e.bin(), err)}
	}

	w := bufio.NewWriterSize(stdin, types.FrameSize(req.Width, req.Height))
	var writeErr error
	for _, f := range req.Frames {
		if _, writeErr = w.Write(f.Data); writeErr != nil {
			break
		}
	}
	if writeErr == nil {
		writeErr = w.Flush()
	}
	stdin.Close()

	waitErr := cmd.Wait()
	if waitErr != nil {
		code := -1
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			code = exitErr.ExitCode()
		}
		if ctx.Err() != nil {
			waitErr = fmt.Errorf("%w: %v", ctx.Err(), waitErr)
		}
		if msg := stderr.String(); msg != "" {
			waitErr = fmt.Errorf("%w: %s", waitErr, msg)
		}
		return &EncodeError{Path: req.OutPath, ExitCode: code, Err: waitErr}
	}
	if writeErr != nil {
		return &EncodeError{Path: req.OutPath, ExitCode: -1, Err: fmt.Errorf("write frames: %w", writeErr)}
	}
	return nil
}

// tailBuffer keeps the last 2KiB written to it.
type tailBuffer struct {
	buf bytes.Buffer
}

const tailLimit = 2048

func (t *tailBuffer) Write(p []byte) (int, error) {
	n := len(p)
	t.buf.Write(p)
	if over := t.buf.Len() - tailLimit; over > 0 {
		t.buf.Next(over)
	}
	return n, nil
}

func (t *tailBuffer) String() string {
	return string(bytes.TrimSpace(t.buf.Bytes()))
}

// Ensure FFmpegEncoder implements Encoder
var _ Encoder = (*FFmpegEncoder)(nil)
