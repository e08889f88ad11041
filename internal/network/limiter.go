package network

import "sync"

// sourceLimiter caps concurrent connections and streams per remote host so
// a single crown cannot hold the collector's workers.
type sourceLimiter struct {
	mu         sync.Mutex
	maxConns   int
	maxStreams int
	conns      map[string]int
	streams    map[string]int
}

func newSourceLimiter(maxConns, maxStreams int) *sourceLimiter {
	return &sourceLimiter{
		maxConns:   maxConns,
		maxStreams: maxStreams,
		conns:      make(map[string]int),
		streams:    make(map[string]int),
	}
}

func (l *sourceLimiter) acquireConn(host string) bool {
	return l.acquire(l.conns, l.maxConns, host)
}

func (l *sourceLimiter) releaseConn(host string) {
	l.release(l.conns, l.maxConns, host)
}

func (l *sourceLimiter) acquireStream(host string) bool {
	return l.acquire(l.streams, l.maxStreams, host)
}

func (l *sourceLimiter) releaseStream(host string) {
	l.release(l.streams, l.maxStreams, host)
}

func (l *sourceLimiter) acquire(counts map[string]int, limit int, host string) bool {
	if limit <= 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if counts[host] >= limit {
		return false
	}
	counts[host]++
	return true
}

func (l *sourceLimiter) release(counts map[string]int, limit int, host string) {
	if limit <= 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if counts[host] <= 1 {
		delete(counts, host)
		return
	}
	counts[host]--
}
