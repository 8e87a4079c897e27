// Package sink is the HTTP client of the fleet backend that receives
// evidence clips and driver events.
package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// TimestampLayout is ISO-8601 with microseconds, always rendered in UTC.
const TimestampLayout = "2006-01-02T15:04:05.000000Z"

// FormatTimestamp renders t as the backend expects.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

var formats = map[string]bool{
	"P240": true, "P480": true, "P720": true, "P1080": true, "K2": true, "K4": true,
}

// ValidFormat reports whether f is an accepted resolution tier.
func ValidFormat(f string) bool {
	return formats[f]
}

// Camera types accepted by the upload endpoint
const (
	CameraInside  = "INSIDE"
	CameraOutside = "OUTSIDE"
)

// UploadError is any failure talking to the backend. All of them are
// retryable from the caller's point of view.
type UploadError struct {
	Op     string // "upload" or "event"
	Status int    // HTTP status, 0 for transport errors
	Err    error
}

func (e *UploadError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: status %d: %v", e.Op, e.Status, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *UploadError) Unwrap() error {
	return e.Err
}

// UploadRequest describes one clip upload.
type UploadRequest struct {
	FilePath   string
	Start      time.Time
	End        time.Time
	Format     string
	CameraType string
}

// Ref is a nested {"id": n} reference.
type Ref struct {
	ID int `json:"id"`
}

// DriverEvent is the JSON body of POST /driver-events.
type DriverEvent struct {
	GlobalEventID    string  `json:"globalEventId"`
	Event            string  `json:"event"`
	Status           string  `json:"status"`
	DeviceDateTime   string  `json:"deviceDateTime"`
	Latitude         float64 `json:"latitude"`
	Longitude        float64 `json:"longitude"`
	Distance         float64 `json:"distance"`
	State            string  `json:"state"`
	Location         string  `json:"location"`
	Direction        string  `json:"direction"`
	FuelLevelPercent float64 `json:"fuelLevelPercent"`
	DefLevelPercent  float64 `json:"defLevelPercent"`
	Speed            float64 `json:"speed"`
	Truck            Ref     `json:"truck"`
	Driver           Ref     `json:"driver"`
}

// Config holds the backend connection settings.
type Config struct {
	BaseURL    string
	Token      string
	UploadPath string
	EventsPath string
	Timeout    time.Duration
}

// Client talks to the backend with bearer-token auth. Every call is bounded
// by the configured timeout.
type Client struct {
	cfg  Config
	http *http.Client
}

// NewClient creates a backend client.
func NewClient(cfg Config) *Client {
	if cfg.UploadPath == "" {
		cfg.UploadPath = "/video/upload"
	}
	if cfg.EventsPath == "" {
		cfg.EventsPath = "/driver-events"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Client{cfg: cfg, http: &http.Client{Timeout: cfg.Timeout}}
}

func (c *Client) url(path string) string {
	return strings.TrimRight(c.cfg.BaseURL, "/") + "/" + strings.TrimLeft(path, "/")
}

func (c *Client) authorize(req *http.Request) {
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}
}

// Upload streams the clip as multipart/form-data with its metadata fields.
func (c *Client) Upload(ctx context.Context, r UploadRequest) error {
	if !ValidFormat(r.Format) {
		return &UploadError{Op: "upload", Err: fmt.Errorf("invalid format %q", r.Format)}
	}
	if r.CameraType != CameraInside && r.CameraType != CameraOutside {
		return &UploadError{Op: "upload", Err: fmt.Errorf("invalid camera type %q", r.CameraType)}
	}

	f, err := os.Open(r.FilePath)
	if err != nil {
		return &UploadError{Op: "upload", Err: err}
	}
	defer f.Close()

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		pw.CloseWithError(writeUploadForm(mw, f, r))
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url(c.cfg.UploadPath), pr)
	if err != nil {
		pr.Close()
		return &UploadError{Op: "upload", Err: err}
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	c.authorize(req)

	return c.do(req, "upload")
}

func writeUploadForm(mw *multipart.Writer, f io.Reader, r UploadRequest) error {
	fields := [][2]string{
		{"startTime", FormatTimestamp(r.Start)},
		{"endTime", FormatTimestamp(r.End)},
		{"format", r.Format},
		{"cameraType", r.CameraType},
	}
	for _, kv := range fields {
		if err := mw.WriteField(kv[0], kv[1]); err != nil {
			return err
		}
	}
	part, err := mw.CreateFormFile("file", filepath.Base(r.FilePath))
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, f); err != nil {
		return err
	}
	return mw.Close()
}

// PostEvent sends one driver event as JSON.
func (c *Client) PostEvent(ctx context.Context, ev DriverEvent) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return &UploadError{Op: "event", Err: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url(c.cfg.EventsPath), bytes.NewReader(body))
	if err != nil {
		return &UploadError{Op: "event", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	return c.do(req, "event")
}

func (c *Client) do(req *http.Request, op string) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return &UploadError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &UploadError{Op: op, Status: resp.StatusCode, Err: fmt.Errorf("%s", bytes.TrimSpace(msg))}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
