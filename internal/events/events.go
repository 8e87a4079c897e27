// Package events builds driver-event payloads for fired violations.
package events

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dj-oyu/dashcam-monitor/internal/sink"
)

// StatusNeedReview is the status of every event raised by the device.
const StatusNeedReview = "NEED_REVIEW"

// EventIDPrefix prefixes generated global event IDs.
const EventIDPrefix = "GL-EVENT-"

// Telemetry is the vehicle state attached to an event.
type Telemetry struct {
	Latitude         float64
	Longitude        float64
	Distance         float64
	State            string
	Location         string
	Direction        string
	FuelLevelPercent float64
	DefLevelPercent  float64
	Speed            float64
}

// TelemetryProvider supplies the latest vehicle state.
type TelemetryProvider interface {
	Current() Telemetry
}

// StaticTelemetry is a TelemetryProvider holding the last value set on it.
// GPS/CAN readers update it; without them it reports the zero value.
type StaticTelemetry struct {
	mu sync.RWMutex
	t  Telemetry
}

// Set replaces the current telemetry.
func (s *StaticTelemetry) Set(t Telemetry) {
	s.mu.Lock()
	s.t = t
	s.mu.Unlock()
}

// Current implements TelemetryProvider.
func (s *StaticTelemetry) Current() Telemetry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.t
}

// DefaultEventNames maps classes whose backend enum is not simply the
// upper-cased class name.
var DefaultEventNames = map[string]string{
	"fast_lane":       "FAST_LANE_CHANGE",
	"follow_distance": "FOLLOWING_DISTANCE",
	"mobile_usage":    "PHONE_USAGE",
}

// Builder turns violation classes into DriverEvent payloads.
type Builder struct {
	TruckID   int
	DriverID  int
	Telemetry TelemetryProvider
	Names     map[string]string

	newID func() string
}

// NewBuilder creates a builder with the default class names.
func NewBuilder(truckID, driverID int, tp TelemetryProvider) *Builder {
	return &Builder{
		TruckID:   truckID,
		DriverID:  driverID,
		Telemetry: tp,
		Names:     DefaultEventNames,
		newID:     uuid.NewString,
	}
}

// EventName returns the backend enum for class.
func (b *Builder) EventName(class string) string {
	if n, ok := b.Names[class]; ok {
		return n
	}
	return strings.ToUpper(class)
}

// Build creates the payload for class fired at at.
func (b *Builder) Build(class string, at time.Time) sink.DriverEvent {
	var t Telemetry
	if b.Telemetry != nil {
		t = b.Telemetry.Current()
	}
	newID := b.newID
	if newID == nil {
		newID = uuid.NewString
	}
	return sink.DriverEvent{
		GlobalEventID:    EventIDPrefix + newID(),
		Event:            b.EventName(class),
		Status:           StatusNeedReview,
		DeviceDateTime:   sink.FormatTimestamp(at),
		Latitude:         t.Latitude,
		Longitude:        t.Longitude,
		Distance:         t.Distance,
		State:            t.State,
		Location:         t.Location,
		Direction:        t.Direction,
		FuelLevelPercent: t.FuelLevelPercent,
		DefLevelPercent:  t.DefLevelPercent,
		Speed:            t.Speed,
		Truck:            sink.Ref{ID: b.TruckID},
		Driver:           sink.Ref{ID: b.DriverID},
	}
}
