package debuglog

import (
	"sync"
	"time"
)

// Throttle lets one line per key through per interval.
type Throttle struct {
	mu    sync.Mutex
	now   func() time.Time
	last  map[string]time.Time
	sweep time.Time
}

func NewThrottle(now func() time.Time) *Throttle {
	if now == nil {
		now = time.Now
	}
	return &Throttle{now: now, last: make(map[string]time.Time)}
}

func (t *Throttle) Allow(key string, interval time.Duration) bool {
	if t == nil || key == "" {
		return false
	}
	now := t.now()
	t.mu.Lock()
	defer t.mu.Unlock()
	if last, ok := t.last[key]; ok && now.Sub(last) < interval {
		return false
	}
	t.last[key] = now
	if now.Sub(t.sweep) > 2*interval {
		for k, ts := range t.last {
			if now.Sub(ts) > 4*interval {
				delete(t.last, k)
			}
		}
		t.sweep = now
	}
	return true
}
