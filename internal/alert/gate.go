package alert

import (
	"sync"
	"time"
)

// Gate enforces the alert threshold and a per-type cooldown. Each detection
// type has its own clock. The clock only moves when a dispatch succeeds:
// Reserve (decide) -> send (attempt) -> MarkFired or Abort (commit).
type Gate struct {
	threshold float64
	cooldown  time.Duration

	mu        sync.Mutex
	lastFired map[string]time.Time
	inFlight  map[string]bool
}

// NewGate creates a Gate.
func NewGate(alertThreshold float64, cooldown time.Duration) *Gate {
	return &Gate{
		threshold: alertThreshold,
		cooldown:  cooldown,
		lastFired: make(map[string]time.Time),
		inFlight:  make(map[string]bool),
	}
}

// ShouldFire reports whether an alert for detectionType may be attempted at now.
// A type that has never fired counts as infinitely long ago.
func (g *Gate) ShouldFire(detectionType string, confidence float64, now time.Time) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.shouldFireLocked(detectionType, confidence, now)
}

func (g *Gate) shouldFireLocked(detectionType string, confidence float64, now time.Time) bool {
	if confidence < g.threshold {
		return false
	}
	if g.inFlight[detectionType] {
		return false
	}
	last, ok := g.lastFired[detectionType]
	if !ok {
		return true
	}
	return now.Sub(last) >= g.cooldown
}

// Reserve is ShouldFire plus marking the type in flight, so a second
// detection cannot start another dispatch before the first resolves.
func (g *Gate) Reserve(detectionType string, confidence float64, now time.Time) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.shouldFireLocked(detectionType, confidence, now) {
		return false
	}
	g.inFlight[detectionType] = true
	return true
}

// MarkFired starts a new cooldown window at the given instant. Call it only
// after the backend accepted the alert.
func (g *Gate) MarkFired(detectionType string, at time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.inFlight, detectionType)
	g.lastFired[detectionType] = at
}

// Abort releases a reservation without touching the cooldown clock.
func (g *Gate) Abort(detectionType string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.inFlight, detectionType)
}

// LastFired returns the last successful alert time for a type.
func (g *Gate) LastFired(detectionType string) (time.Time, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	t, ok := g.lastFired[detectionType]
	return t, ok
}

// Threshold returns the alert threshold.
func (g *Gate) Threshold() float64 { return g.threshold }

// Cooldown returns the cooldown window.
func (g *Gate) Cooldown() time.Duration { return g.cooldown }
