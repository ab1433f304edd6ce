// Package ratelimit provides sliding-window rate limiting for API requests.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Config configures rate limiting behavior.
type Config struct {
	// Window is the sliding window duration.
	Window time.Duration `yaml:"window"`
	// MaxRequests is the number of requests allowed inside one window.
	MaxRequests int `yaml:"max_requests"`
	// SweepInterval is how often idle keys are removed.
	SweepInterval time.Duration `yaml:"sweep_interval"`
	// Enabled controls whether rate limiting is active.
	Enabled bool `yaml:"enabled"`
}

// DefaultConfig returns the default rate limit configuration.
func DefaultConfig() Config {
	return Config{
		Window:        time.Minute,
		MaxRequests:   10,
		SweepInterval: 5 * time.Minute,
		Enabled:       true,
	}
}

// window tracks admission timestamps for one key.
type window struct {
	mu     sync.Mutex
	stamps []time.Time
}

// Limiter manages sliding windows for multiple keys.
type Limiter struct {
	mu      sync.RWMutex
	windows map[string]*window
	config  Config
	maxKeys int
	now     func() time.Time
}

// NewLimiter creates a new rate limiter.
func NewLimiter(config Config) *Limiter {
	if config.Window <= 0 {
		config.Window = time.Minute
	}
	if config.MaxRequests <= 0 {
		config.MaxRequests = 10
	}
	if config.SweepInterval <= 0 {
		config.SweepInterval = 5 * time.Minute
	}
	return &Limiter{
		windows: make(map[string]*window),
		config:  config,
		maxKeys: 10000,
		now:     time.Now,
	}
}

// Allow reports whether a request for the given key should be admitted,
// recording the admission timestamp if so. A denied request is not
// recorded and does not extend the window.
func (l *Limiter) Allow(key string) bool {
	if !l.config.Enabled {
		return true
	}

	w := l.getWindow(key)
	now := l.now()

	w.mu.Lock()
	defer w.mu.Unlock()

	w.stamps = trim(w.stamps, now.Add(-l.config.Window))
	if len(w.stamps) >= l.config.MaxRequests {
		return false
	}
	w.stamps = append(w.stamps, now)
	return true
}

// WaitTime returns how long until the oldest admission ages out and the
// key can admit again. Zero means a request would be allowed now.
func (l *Limiter) WaitTime(key string) time.Duration {
	if !l.config.Enabled {
		return 0
	}

	w := l.getWindow(key)
	now := l.now()

	w.mu.Lock()
	defer w.mu.Unlock()

	w.stamps = trim(w.stamps, now.Add(-l.config.Window))
	if len(w.stamps) < l.config.MaxRequests {
		return 0
	}
	return w.stamps[0].Add(l.config.Window).Sub(now)
}

// Run sweeps idle keys until ctx is cancelled. A key is idle when every
// recorded admission has aged out of the window.
func (l *Limiter) Run(ctx context.Context) {
	ticker := time.NewTicker(l.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.sweep()
		}
	}
}

// sweep removes keys with no admissions inside the current window.
func (l *Limiter) sweep() {
	cutoff := l.now().Add(-l.config.Window)

	l.mu.Lock()
	defer l.mu.Unlock()

	for key, w := range l.windows {
		w.mu.Lock()
		w.stamps = trim(w.stamps, cutoff)
		idle := len(w.stamps) == 0
		w.mu.Unlock()
		if idle {
			delete(l.windows, key)
		}
	}
}

// getWindow returns or creates the window for the given key.
func (l *Limiter) getWindow(key string) *window {
	l.mu.RLock()
	w, exists := l.windows[key]
	l.mu.RUnlock()

	if exists {
		return w
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	// Double-check after acquiring write lock
	if w, exists = l.windows[key]; exists {
		return w
	}

	if len(l.windows) >= l.maxKeys {
		l.sweepLocked()
	}

	w = &window{}
	l.windows[key] = w
	return w
}

// sweepLocked is sweep without re-acquiring l.mu.
func (l *Limiter) sweepLocked() {
	cutoff := l.now().Add(-l.config.Window)
	for key, w := range l.windows {
		w.mu.Lock()
		w.stamps = trim(w.stamps, cutoff)
		idle := len(w.stamps) == 0
		w.mu.Unlock()
		if idle {
			delete(l.windows, key)
		}
	}
}

// trim drops timestamps at or before the cutoff. Stamps are appended in
// order, so the slice stays sorted.
func trim(stamps []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(stamps) && !stamps[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return stamps
	}
	return append(stamps[:0], stamps[i:]...)
}
