package security

import (
	"container/list"
	"log/slog"
	"sync"
	"time"
)

const (
	// DefaultMaxRegistrationsPerHour limits client registrations per registrar per hour
	DefaultMaxRegistrationsPerHour = 10

	// DefaultRegistrationWindow is the sliding window for registration rate limiting
	DefaultRegistrationWindow = time.Hour

	// DefaultRegistrationCleanupInterval is how often idle entries are swept
	DefaultRegistrationCleanupInterval = 15 * time.Minute

	// DefaultMaxRegistrationEntries bounds the number of registrars tracked
	DefaultMaxRegistrationEntries = 10000
)

// registrationEntry tracks registration timestamps for one registrar
type registrationEntry struct {
	registrar     string
	registrations []time.Time
	lastAccess    time.Time
}

// RegistrationRateLimiter provides sliding-window rate limiting for dynamic
// client registration, preventing resource exhaustion through repeated
// registration cycles. Entries are LRU-evicted at capacity.
type RegistrationRateLimiter struct {
	entries         map[string]*list.Element // registrar -> list element
	lruList         *list.List               // LRU list of *registrationEntry
	mu              sync.Mutex
	maxPerWindow    int
	window          time.Duration
	maxEntries      int
	logger          *slog.Logger
	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once

	totalBlocked int64
	totalAllowed int64
}

// NewRegistrationRateLimiter creates a registration rate limiter with default settings
func NewRegistrationRateLimiter(logger *slog.Logger) *RegistrationRateLimiter {
	return NewRegistrationRateLimiterWithConfig(
		DefaultMaxRegistrationsPerHour,
		DefaultRegistrationWindow,
		DefaultMaxRegistrationEntries,
		logger,
	)
}

// NewRegistrationRateLimiterWithConfig creates a registration rate limiter
// with custom limits. Non-positive values fall back to defaults.
func NewRegistrationRateLimiterWithConfig(maxPerWindow int, window time.Duration, maxEntries int, logger *slog.Logger) *RegistrationRateLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	if maxPerWindow <= 0 {
		maxPerWindow = DefaultMaxRegistrationsPerHour
	}
	if window <= 0 {
		window = DefaultRegistrationWindow
	}
	if maxEntries < 0 {
		maxEntries = DefaultMaxRegistrationEntries
	}

	rl := &RegistrationRateLimiter{
		entries:         make(map[string]*list.Element),
		lruList:         list.New(),
		maxPerWindow:    maxPerWindow,
		window:          window,
		maxEntries:      maxEntries,
		logger:          logger,
		cleanupInterval: DefaultRegistrationCleanupInterval,
		stopCleanup:     make(chan struct{}),
	}

	go rl.cleanupLoop()

	return rl
}

// Allow checks whether the registrar may register another client inside the
// current window, recording the attempt when allowed.
func (rl *RegistrationRateLimiter) Allow(registrar string) bool {
	now := time.Now()
	windowStart := now.Add(-rl.window)

	rl.mu.Lock()
	defer rl.mu.Unlock()

	if elem, exists := rl.entries[registrar]; exists {
		rl.lruList.MoveToFront(elem)
		entry := elem.Value.(*registrationEntry)
		entry.lastAccess = now

		// Drop timestamps that fell out of the window
		n := 0
		for _, t := range entry.registrations {
			if t.After(windowStart) {
				entry.registrations[n] = t
				n++
			}
		}
		entry.registrations = entry.registrations[:n]

		if len(entry.registrations) >= rl.maxPerWindow {
			rl.totalBlocked++
			rl.logger.Warn("Client registration rate limit exceeded",
				"registrar_hash", hashForLogging(registrar),
				"registrations_in_window", len(entry.registrations),
				"max_per_window", rl.maxPerWindow)
			return false
		}

		entry.registrations = append(entry.registrations, now)
		rl.totalAllowed++
		return true
	}

	if rl.maxEntries > 0 && len(rl.entries) >= rl.maxEntries {
		rl.evictLRU()
	}

	entry := &registrationEntry{
		registrar:     registrar,
		registrations: []time.Time{now},
		lastAccess:    now,
	}
	rl.entries[registrar] = rl.lruList.PushFront(entry)

	rl.totalAllowed++
	return true
}

// evictLRU removes the least recently used entry. Caller holds the mutex.
func (rl *RegistrationRateLimiter) evictLRU() {
	elem := rl.lruList.Back()
	if elem == nil {
		return
	}
	entry := elem.Value.(*registrationEntry)
	delete(rl.entries, entry.registrar)
	rl.lruList.Remove(elem)
}

func (rl *RegistrationRateLimiter) cleanupLoop() {
	ticker := time.NewTicker(rl.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.Cleanup()
		case <-rl.stopCleanup:
			return
		}
	}
}

// Cleanup removes entries idle for more than twice the window.
func (rl *RegistrationRateLimiter) Cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	maxIdleTime := rl.window * 2

	var next *list.Element
	for elem := rl.lruList.Front(); elem != nil; elem = next {
		next = elem.Next()
		entry := elem.Value.(*registrationEntry)

		if now.Sub(entry.lastAccess) > maxIdleTime {
			delete(rl.entries, entry.registrar)
			rl.lruList.Remove(elem)
		}
	}
}

// Stop gracefully stops the cleanup goroutine. Safe to call multiple times.
func (rl *RegistrationRateLimiter) Stop() {
	rl.stopOnce.Do(func() {
		close(rl.stopCleanup)
	})
}
