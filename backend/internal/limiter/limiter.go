package limiter

import (
	"log"
	"sync"
	"time"
)

const (
	DefaultWindow      = 5 * time.Minute
	DefaultMaxAttempts = 5
	DefaultSweepEvery  = 30 * time.Second
)

// Limiter bounds connection attempts per client address inside a
// trailing window. State is in-memory only; a restart resets it.
type Limiter struct {
	window      time.Duration
	maxAttempts int

	mu       sync.Mutex
	attempts map[string][]time.Time

	now  func() time.Time
	stop chan struct{}
	once sync.Once
}

func New(window time.Duration, maxAttempts int) *Limiter {
	if window <= 0 {
		window = DefaultWindow
	}
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &Limiter{
		window:      window,
		maxAttempts: maxAttempts,
		attempts:    make(map[string][]time.Time),
		now:         time.Now,
		stop:        make(chan struct{}),
	}
}

// Allow reports whether addr may attempt a connection now, recording
// the attempt when it is admitted. Entries older than the window are
// pruned on every call, so a fully elapsed window always readmits.
func (l *Limiter) Allow(addr string) bool {
	now := l.now()
	cutoff := now.Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	recent := prune(l.attempts[addr], cutoff)
	if len(recent) >= l.maxAttempts {
		l.attempts[addr] = recent
		log.Printf("rate limit exceeded for %s (%d attempts in %s)", addr, len(recent), l.window)
		return false
	}
	l.attempts[addr] = append(recent, now)
	return true
}

// Start launches the periodic sweep that drops addresses with no
// attempts inside the window, bounding memory.
func (l *Limiter) Start(every time.Duration) {
	if every <= 0 {
		every = DefaultSweepEvery
	}
	go func() {
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				l.sweep()
			case <-l.stop:
				return
			}
		}
	}()
}

func (l *Limiter) Stop() {
	l.once.Do(func() { close(l.stop) })
}

func (l *Limiter) sweep() {
	cutoff := l.now().Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()
	for addr, ts := range l.attempts {
		recent := prune(ts, cutoff)
		if len(recent) == 0 {
			delete(l.attempts, addr)
			continue
		}
		l.attempts[addr] = recent
	}
}

func prune(ts []time.Time, cutoff time.Time) []time.Time {
	kept := ts[:0]
	for _, t := range ts {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	return kept
}
