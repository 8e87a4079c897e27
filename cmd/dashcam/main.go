package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	_ "net/http/pprof" // Enable pprof
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dj-oyu/dashcam-monitor/internal/adas"
	"github.com/dj-oyu/dashcam-monitor/internal/alert"
	"github.com/dj-oyu/dashcam-monitor/internal/audio"
	"github.com/dj-oyu/dashcam-monitor/internal/capture"
	"github.com/dj-oyu/dashcam-monitor/internal/config"
	"github.com/dj-oyu/dashcam-monitor/internal/detect"
	"github.com/dj-oyu/dashcam-monitor/internal/events"
	"github.com/dj-oyu/dashcam-monitor/internal/ledger"
	"github.com/dj-oyu/dashcam-monitor/internal/logger"
	"github.com/dj-oyu/dashcam-monitor/internal/metrics"
	"github.com/dj-oyu/dashcam-monitor/internal/pipeline"
	"github.com/dj-oyu/dashcam-monitor/internal/recorder"
	"github.com/dj-oyu/dashcam-monitor/internal/sink"
	"github.com/dj-oyu/dashcam-monitor/internal/tasks"
)

var (
	// Command-line flags. Unset flags keep the value from .env / environment.
	envFile      = flag.String("env", ".env", "Optional .env file")
	apiBase      = flag.String("api-base", "", "Backend base URL (API_BASE)")
	localPath    = flag.String("local-path", "", "Evidence directory (LOCAL_PATH)")
	ledgerPath   = flag.String("ledger", "", "Delivery ledger sqlite path (LEDGER_PATH)")
	segmentLen   = flag.Duration("segment-len", 0, "Segment length (VIDEO_SEGMENT_LEN)")
	metricsAddr  = flag.String("metrics", "", "Metrics and health server address (METRICS_ADDR)")
	pprofAddr    = flag.String("pprof", "", "pprof server address (disabled when empty)")
	ffmpegPath   = flag.String("ffmpeg", "", "ffmpeg binary")
	soundPath    = flag.String("sounds", "", "Alert sound directory (SOUND_PATH)")
	refImages    = flag.String("ref-images", "", "Distance reference image directory (REF_IMAGES)")
	logLevel     = flag.String("log-level", "", "Log level (debug, info, warn, error, silent)")
	logColor     = flag.Bool("log-color", true, "Enable colored log output")
	enableInner  = flag.Bool("inner", true, "Run the cabin camera")
	enableFront  = flag.Bool("front", true, "Run the road camera")
	noAudio      = flag.Bool("no-audio", false, "Disable audio capture")
	drainTimeout = flag.Duration("drain-timeout", 30*time.Second, "How long queued uploads may run after shutdown starts")
)

// Server wires the camera pipelines to the delivery workers.
type Server struct {
	cfg        config.Config
	metrics    *metrics.Metrics
	ledger     *ledger.Ledger
	dispatcher *tasks.Dispatcher
	packager   *recorder.Packager
	videos     *tasks.VideoWorker
	events     *tasks.EventWorker
	cameras    []*pipeline.Camera
	captures   []*audio.Capture
	httpServer *http.Server

	camCancel    context.CancelFunc
	workerCancel context.CancelFunc
	camDone      chan error
	workerDone   chan error
}

func main() {
	flag.Parse()

	cfg, err := config.Load(*envFile)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	applyFlags(&cfg)

	// Initialize logger
	level, err := logger.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Fatalf("Invalid log level: %v", err)
	}
	logger.Init(level, os.Stderr, *logColor)

	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	logger.Info("Main", "Dashcam monitor starting...")
	logger.Info("Main", "Log level: %s", level)

	if err := os.MkdirAll(cfg.LocalPath, 0755); err != nil {
		log.Fatalf("Failed to create evidence directory: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv, err := NewServer(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to create server: %v", err)
	}

	if err := srv.Start(); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}

	// Wait for a shutdown signal or a fatal camera error
	select {
	case <-ctx.Done():
		logger.Info("Main", "Shutting down...")
	case err := <-srv.camDone:
		logger.Error("Main", "Camera pipeline stopped: %v", err)
		srv.camDone <- err
	}

	if err := srv.Shutdown(*drainTimeout); err != nil {
		logger.Error("Main", "Error during shutdown: %v", err)
	}
	logger.Info("Main", "Stopped")
}

// applyFlags overrides cfg with the flags given on the command line.
func applyFlags(cfg *config.Config) {
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "api-base":
			cfg.APIBase = *apiBase
		case "local-path":
			cfg.LocalPath = *localPath
		case "ledger":
			cfg.LedgerPath = *ledgerPath
		case "segment-len":
			cfg.SegmentLength = *segmentLen
		case "metrics":
			cfg.MetricsAddr = *metricsAddr
		case "ffmpeg":
			cfg.FFmpegPath = *ffmpegPath
		case "sounds":
			cfg.SoundPath = *soundPath
		case "ref-images":
			cfg.RefImages = *refImages
		case "log-level":
			cfg.LogLevel = *logLevel
		}
	})
}

// NewServer builds every component. Nothing runs until Start.
func NewServer(ctx context.Context, cfg config.Config) (*Server, error) {
	m := metrics.New()

	// Ledger failures degrade to in-memory delivery only
	var deliveryLog tasks.DeliveryLog
	led, err := ledger.Open(cfg.LedgerPath)
	if err != nil {
		logger.Warn("Main", "Delivery ledger unavailable, pending uploads will not survive a restart: %v", err)
	} else {
		deliveryLog = led
	}

	client := sink.NewClient(sink.Config{
		BaseURL:    cfg.APIBase,
		Token:      cfg.APIToken,
		UploadPath: cfg.UploadPath,
		EventsPath: cfg.EventsPath,
		Timeout:    cfg.APITimeout,
	})
	packager := recorder.NewPackager(recorder.NewFFmpegEncoder(cfg.FFmpegPath), cfg.EncodeTimeout)
	dispatcher := tasks.NewDispatcher(deliveryLog, m)

	videos := tasks.NewVideoWorker(dispatcher.Videos, packager, client, deliveryLog, m)
	videos.SetBackoff(cfg.RetryBackoff)
	eventWorker := tasks.NewEventWorker(dispatcher.Events, client, deliveryLog, m)
	eventWorker.SetBackoff(cfg.RetryBackoff)

	srv := &Server{
		cfg:        cfg,
		metrics:    m,
		ledger:     led,
		dispatcher: dispatcher,
		packager:   packager,
		videos:     videos,
		events:     eventWorker,
		camDone:    make(chan error, 1),
		workerDone: make(chan error, 1),
	}

	telemetry := &events.StaticTelemetry{}
	builder := events.NewBuilder(cfg.TruckID, cfg.DriverID, telemetry)
	player := alert.NewExecPlayer(ctx, cfg.SoundPath, cfg.Player, m)

	if *enableInner {
		srv.cameras = append(srv.cameras, srv.newCamera(ctx, cfg.Inner, builder, player))
	}
	if *enableFront {
		srv.cameras = append(srv.cameras, srv.newCamera(ctx, cfg.Front, builder, player))
	}
	if len(srv.cameras) == 0 {
		return nil, errors.New("no cameras enabled")
	}

	mux := http.NewServeMux()
	srv.setupRoutes(mux)
	srv.httpServer = &http.Server{
		Addr:    cfg.MetricsAddr,
		Handler: mux,
	}
	return srv, nil
}

func (s *Server) newCamera(ctx context.Context, p config.CameraProfile, builder *events.Builder, player alert.Player) *pipeline.Camera {
	name := string(p.Role)
	deps := pipeline.Deps{
		Source: capture.NewFFmpegSource(name, capture.Config{
			FFmpegPath: s.cfg.FFmpegPath,
			Device:     p.Device,
			Width:      p.Width,
			Height:     p.Height,
			FPS:        p.FPS,
		}),
		Detector: detect.NewHTTPDetector(p.InferenceURL, s.cfg.InferenceTimeout),
		Player:   player,
		Events:   builder,
		Queue:    s.dispatcher,
		Metrics:  s.metrics,
	}

	if p.LaneInferenceURL != "" {
		deps.LaneDetector = detect.NewHTTPDetector(p.LaneInferenceURL, s.cfg.InferenceTimeout)
	}

	if p.FollowDistanceMin > 0 {
		est, err := adas.Calibrate(ctx, deps.Detector, s.cfg.RefImages, adas.DefaultRefs)
		if err != nil {
			logger.Warn("Main", "%s camera: distance calibration failed, following distance disabled: %v", name, err)
		} else {
			deps.Distance = est
		}
	}

	if p.AudioDevice != "" && !*noAudio {
		ring := audio.NewRing(s.cfg.AudioSampleRate * s.cfg.AudioBufferSecs)
		s.captures = append(s.captures, audio.NewCapture(name, ring, audio.ArecordOpener(p.AudioDevice, s.cfg.AudioSampleRate)))
		deps.Audio = ring
	}

	return pipeline.NewCamera(pipeline.Options{
		Profile:       p,
		SegmentLength: s.cfg.SegmentLength,
		LocalPath:     s.cfg.LocalPath,
		SampleRate:    s.cfg.AudioSampleRate,
	}, deps)
}

// Start launches workers, recovery, audio capture, cameras and HTTP servers.
func (s *Server) Start() error {
	logger.Info("Main", "Starting dashcam monitor...")
	logger.Info("Main", "  Backend: %s", s.cfg.APIBase)
	logger.Info("Main", "  Evidence path: %s", s.cfg.LocalPath)
	logger.Info("Main", "  Segment length: %s", s.cfg.SegmentLength)
	logger.Info("Main", "  Metrics server: %s", s.cfg.MetricsAddr)

	if *pprofAddr != "" {
		go func() {
			logger.Info("Main", "Starting pprof server on %s", *pprofAddr)
			if err := http.ListenAndServe(*pprofAddr, nil); err != nil {
				logger.Warn("Main", "pprof server error: %v", err)
			}
		}()
	}

	go func() {
		logger.Info("Main", "Starting metrics server on %s", s.cfg.MetricsAddr)
		if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
			logger.Warn("Main", "Metrics server error: %v", err)
		}
	}()

	// Workers outlive the cameras so queued evidence can drain on shutdown
	workerCtx, workerCancel := context.WithCancel(context.Background())
	s.workerCancel = workerCancel
	workers, wctx := errgroup.WithContext(workerCtx)
	workers.Go(func() error { return s.videos.Run(wctx) })
	workers.Go(func() error { return s.events.Run(wctx) })
	go func() { s.workerDone <- workers.Wait() }()

	if _, _, err := s.dispatcher.Recover(workerCtx); err != nil {
		logger.Warn("Main", "Recovering pending deliveries failed: %v", err)
	}

	camCtx, camCancel := context.WithCancel(context.Background())
	s.camCancel = camCancel
	for _, c := range s.captures {
		if err := c.Start(camCtx); err != nil {
			return fmt.Errorf("start audio capture: %w", err)
		}
	}
	go func() { s.camDone <- pipeline.RunAll(camCtx, s.cameras...) }()

	logger.Info("Main", "Server started successfully (%d cameras)", len(s.cameras))
	return nil
}

// setupRoutes sets up HTTP routes
func (s *Server) setupRoutes(mux *http.ServeMux) {
	mux.Handle("/metrics", s.metrics.Handler())
	mux.HandleFunc("/health", s.handleHealth)
}

// handleHealth reports per-camera progress and queue depths
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	cams := make([]pipeline.Status, 0, len(s.cameras))
	for _, c := range s.cameras {
		cams = append(cams, c.Status())
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":      "ok",
		"cameras":     cams,
		"video_queue": s.dispatcher.Videos.Len(),
		"event_queue": s.dispatcher.Events.Len(),
		"packager":    s.packager.GetStatus(),
		"ledger":      s.ledger != nil,
	})
}

// Shutdown stops the cameras, lets the workers drain queued work for up to
// drain, then closes the remaining components.
func (s *Server) Shutdown(drain time.Duration) error {
	var errs []error

	// Stop cameras; the open segment is discarded
	s.camCancel()
	if err := <-s.camDone; err != nil && !errors.Is(err, context.Canceled) {
		errs = append(errs, err)
	}
	for _, c := range s.captures {
		c.Stop()
	}

	// Close queues: workers finish what is queued, retries stay in the ledger
	s.dispatcher.Close()
	select {
	case err := <-s.workerDone:
		if err != nil && !errors.Is(err, context.Canceled) {
			errs = append(errs, err)
		}
	case <-time.After(drain):
		logger.Warn("Main", "Queues not drained after %s (video=%d, event=%d), stopping workers",
			drain, s.dispatcher.Videos.Len(), s.dispatcher.Events.Len())
		s.workerCancel()
		<-s.workerDone
	}
	s.workerCancel()

	if s.ledger != nil {
		if err := s.ledger.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close ledger: %w", err))
		}
	}

	// Shutdown HTTP server
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
