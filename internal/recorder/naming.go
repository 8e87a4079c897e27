package recorder

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/dj-oyu/dashcam-monitor/pkg/types"
)

// TimestampLayout is used for artifact file names.
const TimestampLayout = "20060102_150405"

// ArtifactPath returns "<dir>/<Camera>_<start>-<end>.mp4". The name is a pure
// function of camera and segment bounds, which is what makes re-encode
// detection by path possible.
func ArtifactPath(dir string, role types.CameraRole, start, end time.Time) string {
	name := fmt.Sprintf("%s_%s-%s.mp4", role.FilePrefix(), start.Format(TimestampLayout), end.Format(TimestampLayout))
	return filepath.Join(dir, name)
}

// AudioPath returns the companion WAV path of an artifact.
func AudioPath(artifact string) string {
	return strings.TrimSuffix(artifact, filepath.Ext(artifact)) + ".wav"
}
