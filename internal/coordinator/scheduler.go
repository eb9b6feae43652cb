package coordinator

import (
	"context"
	"sync"
	"time"
)

// AdaptiveInterval is the primary interval used while the vehicle is
// unlocked or a key is present.
const AdaptiveInterval = 10 * time.Second

// Secondary endpoint names, also used as metric labels.
const (
	EndpointCheck   = "check"
	EndpointTire    = "tire"
	EndpointMileage = "mileage"
)

// Timing controls the secondary loop cadence.
type Timing struct {
	Tick    time.Duration // gate evaluation period
	Spacing time.Duration // pause between secondary calls
	Backoff time.Duration // pause after a failed secondary call
}

// DefaultTiming is the cadence used in production.
var DefaultTiming = Timing{Tick: time.Second, Spacing: 3 * time.Second, Backoff: 5 * time.Second}

// Schedule holds the polling intervals and the secondary last-run stamps.
type Schedule struct {
	mu        sync.Mutex
	primary   time.Duration
	override  time.Duration
	secondary time.Duration
	lastRun   map[string]time.Time
	kick      chan struct{}
}

// NewSchedule creates a schedule with the user's primary and secondary
// intervals. No override is active.
func NewSchedule(primary, secondary time.Duration) *Schedule {
	return &Schedule{
		primary:   primary,
		secondary: secondary,
		lastRun:   make(map[string]time.Time),
		kick:      make(chan struct{}, 1),
	}
}

// Interval returns the effective primary interval.
func (s *Schedule) Interval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.override > 0 {
		return s.override
	}
	return s.primary
}

// Primary returns the user's primary interval, ignoring any override.
func (s *Schedule) Primary() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.primary
}

// Overridden reports whether the adaptive override is active.
func (s *Schedule) Overridden() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.override > 0
}

// Secondary returns the secondary interval.
func (s *Schedule) Secondary() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.secondary
}

// SetPrimary changes the user's interval. While an override is active only
// the remembered value changes.
func (s *Schedule) SetPrimary(d time.Duration) {
	s.mu.Lock()
	s.primary = d
	active := s.override > 0
	s.mu.Unlock()
	if !active {
		s.signal()
	}
}

// SetSecondary changes the secondary interval and clears the last-run
// stamps so the next tick runs a round.
func (s *Schedule) SetSecondary(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.secondary = d
	s.lastRun = make(map[string]time.Time)
}

// Adapt applies the adaptive rate rule. busy forces the short interval;
// clearing restores the user's interval once. Returns true if the effective
// interval changed.
func (s *Schedule) Adapt(busy bool) bool {
	s.mu.Lock()
	changed := false
	switch {
	case busy && s.override == 0 && s.primary != AdaptiveInterval:
		s.override = AdaptiveInterval
		changed = true
	case !busy && s.override > 0:
		s.override = 0
		changed = true
	}
	s.mu.Unlock()
	if changed {
		s.signal()
	}
	return changed
}

// Kicked fires when the effective primary interval changed.
func (s *Schedule) Kicked() <-chan struct{} {
	return s.kick
}

func (s *Schedule) signal() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// SecondaryDue reports whether at least the secondary interval has passed
// since the latest secondary run.
func (s *Schedule) SecondaryDue(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	var latest time.Time
	for _, t := range s.lastRun {
		if t.After(latest) {
			latest = t
		}
	}
	return latest.IsZero() || now.Sub(latest) >= s.secondary
}

// MarkRun records that endpoint was called at now.
func (s *Schedule) MarkRun(endpoint string, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastRun[endpoint] = now
}

// LastRun returns the last-run stamp of endpoint.
func (s *Schedule) LastRun(endpoint string) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRun[endpoint]
}

// sleepCtx waits for d or until ctx is done. Returns false if cancelled.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
