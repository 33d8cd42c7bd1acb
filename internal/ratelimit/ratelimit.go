package ratelimit

import (
	"sync"
	"time"
)

// Window counts events in a sliding interval and rejects once the limit
// is reached within any rolling window of that length.
type Window struct {
	limit    int
	interval time.Duration
	hits     []time.Time
	mu       sync.Mutex
}

func NewWindow(limit int, interval time.Duration) *Window {
	return &Window{
		limit:    limit,
		interval: interval,
		hits:     make([]time.Time, 0, limit),
	}
}

// Allow records an event if the window has room and reports whether it
// was admitted.
func (w *Window) Allow() bool {
	return w.AllowAt(time.Now())
}

// AllowAt is Allow with an explicit clock, for tests.
func (w *Window) AllowAt(now time.Time) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	cutoff := now.Add(-w.interval)
	kept := w.hits[:0]
	for _, t := range w.hits {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	w.hits = kept

	if len(w.hits) >= w.limit {
		return false
	}

	w.hits = append(w.hits, now)
	return true
}

// KeyedWindows maintains one sliding window per key, e.g. per
// (session, event type) pair.
type KeyedWindows struct {
	windows  map[string]*Window
	limit    int
	interval time.Duration
	mu       sync.RWMutex
	stop     chan struct{}
}

func NewKeyedWindows(limit int, interval time.Duration) *KeyedWindows {
	kw := &KeyedWindows{
		windows:  make(map[string]*Window),
		limit:    limit,
		interval: interval,
		stop:     make(chan struct{}),
	}
	go kw.cleanup()
	return kw
}

// Allow admits an event for the given key.
func (kw *KeyedWindows) Allow(key string) bool {
	return kw.get(key).Allow()
}

func (kw *KeyedWindows) get(key string) *Window {
	kw.mu.RLock()
	w, ok := kw.windows[key]
	kw.mu.RUnlock()

	if ok {
		return w
	}

	kw.mu.Lock()
	defer kw.mu.Unlock()

	if w, ok := kw.windows[key]; ok {
		return w
	}

	w = NewWindow(kw.limit, kw.interval)
	kw.windows[key] = w
	return w
}

// Remove drops the window for a disconnected key.
func (kw *KeyedWindows) Remove(key string) {
	kw.mu.Lock()
	defer kw.mu.Unlock()
	delete(kw.windows, key)
}

func (kw *KeyedWindows) Stop() {
	close(kw.stop)
}

func (kw *KeyedWindows) cleanup() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-kw.stop:
			return
		case <-ticker.C:
			kw.mu.Lock()
			if len(kw.windows) > 10000 {
				kw.windows = make(map[string]*Window)
			}
			kw.mu.Unlock()
		}
	}
}
