package violation

import "time"

// CooldownGate rate-limits firings per class. A class that never fired has
// a zero last-fired time and is always ready.
type CooldownGate struct {
	cooldown  time.Duration
	overrides map[string]time.Duration
	lastFired map[string]time.Time
}

// NewCooldownGate creates a gate with a default cooldown for every class.
func NewCooldownGate(cooldown time.Duration) *CooldownGate {
	return &CooldownGate{
		cooldown:  cooldown,
		overrides: make(map[string]time.Duration),
		lastFired: make(map[string]time.Time),
	}
}

// SetCooldown overrides the cooldown of one class.
func (g *CooldownGate) SetCooldown(class string, d time.Duration) {
	g.overrides[class] = d
}

// Cooldown returns the effective cooldown of class.
func (g *CooldownGate) Cooldown(class string) time.Duration {
	if d, ok := g.overrides[class]; ok {
		return d
	}
	return g.cooldown
}

// Ready reports whether the class cooldown has elapsed at now.
func (g *CooldownGate) Ready(class string, now time.Time) bool {
	last, ok := g.lastFired[class]
	if !ok || last.IsZero() {
		return true
	}
	// last in the future: the clock was stepped back
	if now.Before(last) {
		return true
	}
	return now.Sub(last) >= g.Cooldown(class)
}

// TryFire fires class when it is active and its cooldown elapsed, recording
// now as the last firing time.
func (g *CooldownGate) TryFire(class string, active bool, now time.Time) bool {
	if !active || !g.Ready(class, now) {
		return false
	}
	g.lastFired[class] = now
	return true
}

// LastFired returns the last firing time of class (zero if never).
func (g *CooldownGate) LastFired(class string) time.Time {
	return g.lastFired[class]
}
