package crypto

import (
	"container/list"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"time"
)

const (
	NonceSize             = 16
	DefaultNonceCacheSize = 1000
	DefaultNonceMaxAge    = 300 * time.Second
	nonceCeilingFactor    = 8
)

type Nonce [NonceSize]byte

// Timestamp is the unix second encoded in the first four bytes.
func (n Nonce) Timestamp() uint32 {
	return binary.BigEndian.Uint32(n[:4])
}

func newNonce(r io.Reader, now time.Time) (Nonce, error) {
	var n Nonce
	binary.BigEndian.PutUint32(n[:4], uint32(now.Unix()))
	if _, err := io.ReadFull(r, n[4:]); err != nil {
		return Nonce{}, fmt.Errorf("read random: %w", err)
	}
	return n, nil
}

func randReader(r io.Reader) io.Reader {
	if r == nil {
		return rand.Reader
	}
	return r
}

// nonceCache remembers seen nonces. Once it holds more than max entries,
// nonces whose timestamp is older than maxAge are pruned. ceiling bounds it:
// a cache full of fresh nonces refuses new ones rather than forget any.
type nonceCache struct {
	max     int
	ceiling int
	maxAge  time.Duration
	items   map[Nonce]*list.Element
	order   *list.List
}

func newNonceCache(max int, maxAge time.Duration) *nonceCache {
	if max <= 0 {
		max = DefaultNonceCacheSize
	}
	if maxAge <= 0 {
		maxAge = DefaultNonceMaxAge
	}
	return &nonceCache{
		max:     max,
		ceiling: max * nonceCeilingFactor,
		maxAge:  maxAge,
		items:   make(map[Nonce]*list.Element),
		order:   list.New(),
	}
}

func (c *nonceCache) has(n Nonce) bool {
	_, ok := c.items[n]
	return ok
}

func (c *nonceCache) len() int {
	return c.order.Len()
}

func (c *nonceCache) add(n Nonce, now time.Time) error {
	if c.has(n) {
		return nil
	}
	if c.order.Len() > c.max {
		c.pruneLocked(now)
	}
	if c.order.Len() >= c.ceiling {
		return fmt.Errorf("%w: %d fresh nonces", ErrNonceCacheFull, c.order.Len())
	}
	c.items[n] = c.order.PushFront(n)
	return nil
}

func (c *nonceCache) expired(n Nonce, now time.Time) bool {
	return now.Unix()-int64(n.Timestamp()) > int64(c.maxAge/time.Second)
}

func (c *nonceCache) pruneLocked(now time.Time) {
	for el := c.order.Back(); el != nil; {
		prev := el.Prev()
		n := el.Value.(Nonce)
		if c.expired(n, now) {
			delete(c.items, n)
			c.order.Remove(el)
		}
		el = prev
	}
}
