// Package alert plays the audible warning for a fired class.
package alert

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"

	"golang.org/x/sync/semaphore"

	"github.com/dj-oyu/dashcam-monitor/internal/logger"
	"github.com/dj-oyu/dashcam-monitor/internal/metrics"
)

// MaxConcurrent bounds overlapping alert sounds.
const MaxConcurrent = 4

// soundNames maps classes whose asset name differs from the class.
var soundNames = map[string]string{
	"yield": "yield_sign",
}

// SoundFile returns the asset path for class under dir.
func SoundFile(dir, class string) string {
	name := class
	if n, ok := soundNames[class]; ok {
		name = n
	}
	return filepath.Join(dir, name+".mp3")
}

// Player plays an alert for a class. Play must not block the caller.
type Player interface {
	Play(class string)
}

// NopPlayer plays nothing.
type NopPlayer struct{}

// Play implements Player.
func (NopPlayer) Play(string) {}

// ExecPlayer plays sound assets through an external command such as mpg123.
// Failures are logged and otherwise ignored.
type ExecPlayer struct {
	dir     string
	command string
	args    []string
	sem     *semaphore.Weighted
	metrics *metrics.Metrics
	log     *logger.Module
	ctx     context.Context
}

// NewExecPlayer creates a player running "command args... <file>". m may be
// nil. Sounds still playing when ctx is cancelled are killed.
func NewExecPlayer(ctx context.Context, dir, command string, m *metrics.Metrics, args ...string) *ExecPlayer {
	if command == "mpg123" && len(args) == 0 {
		args = []string{"-q"}
	}
	return &ExecPlayer{
		dir:     dir,
		command: command,
		args:    args,
		sem:     semaphore.NewWeighted(MaxConcurrent),
		metrics: m,
		log:     logger.For("Alert"),
		ctx:     ctx,
	}
}

// Play starts playback of the class's sound and returns immediately.
func (p *ExecPlayer) Play(class string) {
	file := SoundFile(p.dir, class)
	if _, err := os.Stat(file); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			p.log.Debug("No sound for %s (%s)", class, file)
		} else {
			p.log.Warn("Sound for %s unreadable: %v", class, err)
		}
		return
	}
	if !p.sem.TryAcquire(1) {
		p.log.Debug("Too many alerts playing, skipping %s", class)
		return
	}

	args := append(append([]string{}, p.args...), file)
	cmd := exec.CommandContext(p.ctx, p.command, args...)
	if err := cmd.Start(); err != nil {
		p.sem.Release(1)
		p.log.Warn("Failed to play %s: %v", class, err)
		return
	}
	if p.metrics != nil {
		p.metrics.AlertsPlayed.Add(1)
	}
	go func() {
		defer p.sem.Release(1)
		if err := cmd.Wait(); err != nil && p.ctx.Err() == nil {
			p.log.Debug("Player exited for %s: %v", class, err)
		}
	}()
}
