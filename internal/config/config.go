package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/dj-oyu/dashcam-monitor/pkg/types"
)

// CameraProfile parameterizes one camera pipeline.
type CameraProfile struct {
	Role types.CameraRole

	// Capture
	Device      string
	Width       int
	Height      int
	FPS         int
	AudioDevice string // empty disables audio capture for this camera

	// Detection
	InferenceURL        string
	LaneInferenceURL    string // front only; empty disables lane analysis
	InferEvery          int    // run inference on every Nth frame, placeholders otherwise
	ConfidenceThreshold float64
	ClassConfidence     map[string]float64
	ConfidenceInclusive bool // conf == threshold counts (road camera)

	// Smoothing / gating
	ViolationClasses    []string
	AlertOnlyClasses    []string
	Window              int
	ActivationThreshold float64
	Cooldown            time.Duration

	// Obstruction; nil DriverVisibleClasses disables the monitor
	DriverVisibleClasses []string
	ObstructionTimeout   time.Duration

	// Front camera heuristics
	LaneClasses       []string
	FollowDistanceMin float64

	// Upload format tier (P240..K4)
	Format string
}

// ConfidenceFor returns the confidence threshold of class.
func (p CameraProfile) ConfidenceFor(class string) float64 {
	if c, ok := p.ClassConfidence[class]; ok {
		return c
	}
	return p.ConfidenceThreshold
}

// Accepts reports whether a detection of class with confidence conf counts.
// The threshold itself counts only when ConfidenceInclusive is set.
func (p CameraProfile) Accepts(class string, conf float64) bool {
	th := p.ConfidenceFor(class)
	if p.ConfidenceInclusive {
		return conf >= th
	}
	return conf > th
}

// Config defines the runtime configuration of the monitor process.
type Config struct {
	APIBase    string
	APIToken   string
	UploadPath string
	EventsPath string
	APITimeout time.Duration

	InferenceTimeout time.Duration

	LocalPath     string
	SegmentLength time.Duration
	EncodeTimeout time.Duration
	FFmpegPath    string
	RetryBackoff  time.Duration

	AudioSampleRate int
	AudioBufferSecs int

	SoundPath string
	Player    string
	RefImages string

	TruckID  int
	DriverID int

	LedgerPath  string
	LogLevel    string
	MetricsAddr string

	Inner CameraProfile
	Front CameraProfile
}

var (
	innerViolations = []string{
		"drinking", "eyes_closed", "mobile_usage", "no_seatbelt",
		"smoking", "yawn", "inattentive_driving",
	}
	innerDriverVisible = []string{"eyes_closed", "yawn", "inattentive_driving", "awake"}

	frontViolations = []string{
		"lane_departure", "fast_lane", "follow_distance", "shoulder_stop", "red_light", "stop",
	}
	frontAlertOnly = []string{
		"do_not_enter", "do_not_stop", "do_not_turn_l", "do_not_turn_r", "do_not_u_turn",
		"no_parking", "no_vehicles", "ped_crossing", "ped_zebra_cross", "railway_crossing",
		"roundabout", "yield", "yellow_light", "warning",
	}

	laneClasses = []string{
		"solid_white", "solid_yellow", "double_solid_white", "double_solid_yellow",
		"broken_white", "broken_yellow",
	}
)

// InnerProfile returns the cabin camera defaults.
func InnerProfile() CameraProfile {
	return CameraProfile{
		Role:                 types.RoleInner,
		Device:               "/dev/video0",
		Width:                640,
		Height:               480,
		FPS:                  15,
		AudioDevice:          "default",
		InferEvery:           1,
		ConfidenceThreshold:  0.4,
		ClassConfidence:      map[string]float64{"eyes_closed": 0.7},
		ViolationClasses:     append([]string(nil), innerViolations...),
		Window:               20,
		ActivationThreshold:  0.8,
		Cooldown:             30 * time.Second,
		DriverVisibleClasses: append([]string(nil), innerDriverVisible...),
		ObstructionTimeout:   10 * time.Second,
		Format:               "P480",
	}
}

// FrontProfile returns the road camera defaults.
func FrontProfile() CameraProfile {
	return CameraProfile{
		Role:                types.RoleFront,
		Device:              "/dev/video2",
		Width:               1280,
		Height:              720,
		FPS:                 15,
		InferEvery:          2,
		ConfidenceThreshold: 0.4,
		ConfidenceInclusive: true,
		ViolationClasses:    append([]string(nil), frontViolations...),
		AlertOnlyClasses:    append([]string(nil), frontAlertOnly...),
		Window:              10,
		ActivationThreshold: 0.4,
		Cooldown:            5 * time.Second,
		LaneClasses:         append([]string(nil), laneClasses...),
		FollowDistanceMin:   15,
		Format:              "P720",
	}
}

// DefaultConfig returns the full default configuration.
func DefaultConfig() Config {
	return Config{
		APIBase:          "http://localhost:8000",
		UploadPath:       "/video/upload",
		EventsPath:       "/driver-events",
		APITimeout:       30 * time.Second,
		InferenceTimeout: 2 * time.Second,
		LocalPath:        filepath.Clean("./evidence"),
		SegmentLength:    60 * time.Second,
		EncodeTimeout:    2 * time.Minute,
		FFmpegPath:       "ffmpeg",
		RetryBackoff:     5 * time.Second,
		AudioSampleRate:  44100,
		AudioBufferSecs:  120,
		SoundPath:        filepath.Clean("./sounds"),
		Player:           "mpg123",
		RefImages:        filepath.Clean("./ref_images"),
		LedgerPath:       filepath.Clean("./evidence/ledger.db"),
		LogLevel:         "info",
		MetricsAddr:      ":9090",
		Inner:            InnerProfile(),
		Front:            FrontProfile(),
	}
}

// Load builds a Config from defaults, an optional .env file and the process
// environment. A missing env file is not an error.
func Load(envFile string) (Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("load %s: %w", envFile, err)
		}
	}

	cfg := DefaultConfig()
	cfg.APIBase = getEnv("API_BASE", cfg.APIBase)
	cfg.APIToken = getEnv("API_TOKEN", cfg.APIToken)
	cfg.LocalPath = getEnv("LOCAL_PATH", cfg.LocalPath)
	cfg.SoundPath = getEnv("SOUND_PATH", cfg.SoundPath)
	cfg.RefImages = getEnv("REF_IMAGES", cfg.RefImages)
	cfg.LedgerPath = getEnv("LEDGER_PATH", filepath.Join(cfg.LocalPath, "ledger.db"))
	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)
	cfg.MetricsAddr = getEnv("METRICS_ADDR", cfg.MetricsAddr)
	cfg.TruckID = getEnvInt("TRUCK_ID", cfg.TruckID)
	cfg.DriverID = getEnvInt("DRIVER_ID", cfg.DriverID)

	// VIDEO_SEGMENT_LEN is whole seconds
	if secs := getEnvInt("VIDEO_SEGMENT_LEN", 0); secs > 0 {
		cfg.SegmentLength = time.Duration(secs) * time.Second
	}

	cfg.Inner.InferenceURL = getEnv("INFERENCE_URL_INNER", cfg.Inner.InferenceURL)
	cfg.Front.InferenceURL = getEnv("INFERENCE_URL_FRONT", cfg.Front.InferenceURL)
	cfg.Front.LaneInferenceURL = getEnv("INFERENCE_URL_LANE", cfg.Front.LaneInferenceURL)
	cfg.Inner.Device = getEnv("CAMERA_DEVICE_INNER", cfg.Inner.Device)
	cfg.Front.Device = getEnv("CAMERA_DEVICE_FRONT", cfg.Front.Device)
	cfg.Inner.AudioDevice = getEnv("AUDIO_DEVICE_INNER", cfg.Inner.AudioDevice)
	cfg.Front.AudioDevice = getEnv("AUDIO_DEVICE_FRONT", cfg.Front.AudioDevice)

	return cfg, nil
}

// Validate rejects configurations the pipeline cannot run with.
func (c Config) Validate() error {
	var errs []error
	if c.SegmentLength <= 0 {
		errs = append(errs, fmt.Errorf("segment length must be positive, got %s", c.SegmentLength))
	}
	if c.APIBase == "" {
		errs = append(errs, errors.New("API base URL is empty"))
	}
	if c.RetryBackoff < 0 {
		errs = append(errs, fmt.Errorf("retry backoff must not be negative, got %s", c.RetryBackoff))
	}
	if c.AudioSampleRate <= 0 {
		errs = append(errs, fmt.Errorf("audio sample rate must be positive, got %d", c.AudioSampleRate))
	}
	for _, p := range []CameraProfile{c.Inner, c.Front} {
		if err := p.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("%s camera: %w", p.Role, err))
		}
	}
	return errors.Join(errs...)
}

var validFormats = map[string]bool{
	"P240": true, "P480": true, "P720": true, "P1080": true, "K2": true, "K4": true,
}

// Validate checks a single camera profile.
func (p CameraProfile) Validate() error {
	var errs []error
	if p.Window <= 0 {
		errs = append(errs, fmt.Errorf("window must be positive, got %d", p.Window))
	}
	if p.ActivationThreshold <= 0 || p.ActivationThreshold > 1 {
		errs = append(errs, fmt.Errorf("activation threshold %.2f outside (0,1]", p.ActivationThreshold))
	}
	if p.ConfidenceThreshold < 0 || p.ConfidenceThreshold > 1 {
		errs = append(errs, fmt.Errorf("confidence threshold %.2f outside [0,1]", p.ConfidenceThreshold))
	}
	if p.Cooldown < 0 {
		errs = append(errs, fmt.Errorf("cooldown must not be negative, got %s", p.Cooldown))
	}
	if p.InferEvery <= 0 {
		errs = append(errs, fmt.Errorf("infer-every must be positive, got %d", p.InferEvery))
	}
	if p.Width <= 0 || p.Height <= 0 {
		errs = append(errs, fmt.Errorf("invalid resolution %dx%d", p.Width, p.Height))
	}
	if len(p.DriverVisibleClasses) > 0 && p.ObstructionTimeout <= 0 {
		errs = append(errs, fmt.Errorf("obstruction timeout must be positive, got %s", p.ObstructionTimeout))
	}
	if !validFormats[p.Format] {
		errs = append(errs, fmt.Errorf("unknown format %q", p.Format))
	}
	return errors.Join(errs...)
}

// SplitList parses a comma separated flag value, dropping blanks.
func SplitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getEnv(key string, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if intVal, err := strconv.Atoi(v); err == nil {
			return intVal
		}
	}
	return defaultVal
}
