package violation

import "time"

// ClassObstructed is the synthetic class raised when the driver has not been
// seen for longer than the obstruction timeout.
const ClassObstructed = "camera_obstructed"

// ObstructionMonitor tracks when a driver-visible class was last observed.
type ObstructionMonitor struct {
	timeout  time.Duration
	lastSeen time.Time
	fired    bool // camera_obstructed already fired in the current episode
}

// NewObstructionMonitor starts the clock at start, so a camera that never sees
// the driver becomes obstructed timeout after startup.
func NewObstructionMonitor(timeout time.Duration, start time.Time) *ObstructionMonitor {
	return &ObstructionMonitor{timeout: timeout, lastSeen: start}
}

// Update records a driver sighting. Seeing the driver ends the current
// obstruction episode.
func (m *ObstructionMonitor) Update(driverVisible bool, now time.Time) {
	if !driverVisible {
		return
	}
	m.lastSeen = now
	m.fired = false
}

// IsObstructed reports whether now - lastSeen exceeds the timeout.
func (m *ObstructionMonitor) IsObstructed(now time.Time) bool {
	return now.Sub(m.lastSeen) > m.timeout
}

// LastSeen returns the last driver sighting.
func (m *ObstructionMonitor) LastSeen() time.Time {
	return m.lastSeen
}

// EpisodeFired reports whether the current episode already produced a firing.
func (m *ObstructionMonitor) EpisodeFired() bool {
	return m.fired
}

func (m *ObstructionMonitor) markFired() {
	m.fired = true
}
