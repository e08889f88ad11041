package link

import (
	"crypto/sha256"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

const DefaultDedupSize = 1024

type dedupLink struct {
	Link
	seen *expirable.LRU[[32]byte, struct{}]
}

// Dedup wraps l so that a datagram identical to one received within window
// (same source, destination and payload) is swallowed.
func Dedup(l Link, size int, window time.Duration) Link {
	if size <= 0 {
		size = DefaultDedupSize
	}
	return &dedupLink{
		Link: l,
		seen: expirable.NewLRU[[32]byte, struct{}](size, nil, window),
	}
}

func (l *dedupLink) Receive(timeout time.Duration) (Datagram, bool, error) {
	d, ok, err := l.Link.Receive(timeout)
	if !ok || err != nil {
		return d, ok, err
	}
	key := datagramKey(d)
	if _, dup := l.seen.Get(key); dup {
		return Datagram{}, false, nil
	}
	l.seen.Add(key, struct{}{})
	return d, true, nil
}

func datagramKey(d Datagram) [32]byte {
	h := sha256.New()
	h.Write(d.From[:])
	h.Write(d.To[:])
	h.Write(d.Payload)
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}
