package violation

import (
	"sort"
	"time"
)

// Config parameterizes a Tracker for one camera.
type Config struct {
	ViolationClasses []string
	// AlertOnlyClasses are smoothed and rate-limited like violations but only
	// raise an alert: they never enter the detected set and their windows
	// are not cleared on firing.
	AlertOnlyClasses []string
	Window           int
	Threshold        float64
	Cooldown         time.Duration

	// Empty DriverVisibleClasses disables obstruction monitoring.
	DriverVisibleClasses []string
	ObstructionTimeout   time.Duration
	// ObstructionCooldown defaults to Cooldown.
	ObstructionCooldown time.Duration
}

// Result reports what happened in one Step.
type Result struct {
	Fired     []string // violations that fired, sorted
	AlertOnly []string // alert-only classes that fired, sorted
}

// Alerts returns every class that should play an alert.
func (r Result) Alerts() []string {
	out := make([]string, 0, len(r.Fired)+len(r.AlertOnly))
	out = append(out, r.Fired...)
	return append(out, r.AlertOnly...)
}

// Tracker owns the signal windows, cooldown timers and obstruction state of
// one camera. It is not safe for concurrent use; the camera loop is its
// only caller.
type Tracker struct {
	cfg        Config
	violations []string
	alertOnly  []string
	visible    map[string]bool

	smoother *Smoother
	gate     *CooldownGate
	monitor  *ObstructionMonitor

	detected map[string]struct{}
}

// NewTracker creates a tracker whose obstruction clock starts at start.
func NewTracker(cfg Config, start time.Time) *Tracker {
	t := &Tracker{
		cfg:        cfg,
		violations: sortedUnique(cfg.ViolationClasses),
		alertOnly:  sortedUnique(cfg.AlertOnlyClasses),
		visible:    make(map[string]bool, len(cfg.DriverVisibleClasses)),
		gate:       NewCooldownGate(cfg.Cooldown),
		detected:   make(map[string]struct{}),
	}
	t.smoother = NewSmoother(cfg.Window, append(append([]string{}, t.violations...), t.alertOnly...)...)

	for _, c := range cfg.DriverVisibleClasses {
		t.visible[c] = true
	}
	if len(t.visible) > 0 {
		t.monitor = NewObstructionMonitor(cfg.ObstructionTimeout, start)
		if cfg.ObstructionCooldown > 0 {
			t.gate.SetCooldown(ClassObstructed, cfg.ObstructionCooldown)
		}
	}
	return t
}

// IsDriverVisible reports whether class counts as a driver sighting.
func (t *Tracker) IsDriverVisible(class string) bool {
	return t.visible[class]
}

// Tracks reports whether class has a signal window fed every step.
func (t *Tracker) Tracks(class string) bool {
	return t.smoother.Has(class)
}

// Step feeds one processed frame. hits holds the classes detected above
// their confidence threshold; every tracked class not in hits receives an
// explicit miss. driverVisible updates the obstruction monitor.
func (t *Tracker) Step(hits map[string]bool, driverVisible bool, now time.Time) Result {
	for _, c := range t.violations {
		t.smoother.Observe(c, hits[c])
	}
	for _, c := range t.alertOnly {
		t.smoother.Observe(c, hits[c])
	}
	return t.evaluate(driverVisible, now)
}

// Skip feeds a frame that was not run through inference: every tracked class
// gets a miss placeholder so window semantics stay per-frame.
func (t *Tracker) Skip(now time.Time) Result {
	return t.Step(nil, false, now)
}

func (t *Tracker) evaluate(driverVisible bool, now time.Time) Result {
	var res Result

	for _, c := range t.violations {
		if !t.smoother.Active(c, t.cfg.Threshold) {
			continue
		}
		if t.gate.TryFire(c, true, now) {
			res.Fired = append(res.Fired, c)
			t.detected[c] = struct{}{}
		}
		// Crossing the threshold always re-arms the window, fired or
		// suppressed, so a re-alarm needs a fresh run of hits.
		t.smoother.Reset(c)
	}

	for _, c := range t.alertOnly {
		if t.gate.TryFire(c, t.smoother.Active(c, t.cfg.Threshold), now) {
			res.AlertOnly = append(res.AlertOnly, c)
		}
	}

	if t.monitor != nil && t.obstruction(driverVisible, now) {
		res.Fired = append(res.Fired, ClassObstructed)
		sort.Strings(res.Fired)
	}
	return res
}

func (t *Tracker) obstruction(driverVisible bool, now time.Time) bool {
	t.monitor.Update(driverVisible, now)
	if !t.monitor.IsObstructed(now) {
		if driverVisible {
			t.smoother.Drop(ClassObstructed)
		}
		return false
	}
	if t.monitor.EpisodeFired() {
		return false
	}

	w := t.smoother.Ensure(ClassObstructed, true)
	if !t.gate.TryFire(ClassObstructed, w.Active(t.cfg.Threshold), now) {
		return false
	}
	w.Reset()
	t.monitor.markFired()
	t.detected[ClassObstructed] = struct{}{}
	return true
}

// Obstructed reports whether the driver has been unseen past the timeout.
func (t *Tracker) Obstructed(now time.Time) bool {
	return t.monitor != nil && t.monitor.IsObstructed(now)
}

// Ratio returns the activation ratio of class.
func (t *Tracker) Ratio(class string) float64 {
	return t.smoother.Ratio(class)
}

// Window exposes the window of class for inspection.
func (t *Tracker) Window(class string) *Window {
	return t.smoother.Window(class)
}

// LastFired returns the last firing time of class.
func (t *Tracker) LastFired(class string) time.Time {
	return t.gate.LastFired(class)
}

// Drain returns the classes fired since the last drain, sorted, and clears
// the detected set.
func (t *Tracker) Drain() []string {
	if len(t.detected) == 0 {
		return nil
	}
	out := make([]string, 0, len(t.detected))
	for c := range t.detected {
		out = append(out, c)
	}
	sort.Strings(out)
	clear(t.detected)
	return out
}

func sortedUnique(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
