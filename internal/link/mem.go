package link

import (
	"fmt"
	"math/rand"
	"sync"
	"time"
)

const defaultQueueLen = 256

// HubOptions shapes the simulated medium. Loss and Duplicate are per-receiver
// probabilities in [0,1].
type HubOptions struct {
	Loss      float64
	Duplicate float64
	Seed      int64
	QueueLen  int
}

// Hub is an in-process radio medium shared by MemLinks.
type Hub struct {
	mu    sync.Mutex
	opts  HubOptions
	rng   *rand.Rand
	ports map[Addr]*MemLink
}

func NewHub(opts HubOptions) *Hub {
	if opts.QueueLen <= 0 {
		opts.QueueLen = defaultQueueLen
	}
	seed := opts.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Hub{
		opts:  opts,
		rng:   rand.New(rand.NewSource(seed)),
		ports: make(map[Addr]*MemLink),
	}
}

// Attach registers a node on the medium.
func (h *Hub) Attach(addr Addr) (*MemLink, error) {
	if addr.IsZero() || addr.IsBroadcast() {
		return nil, fmt.Errorf("invalid link addr %s", addr)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.ports[addr]; ok {
		return nil, fmt.Errorf("link addr %s already attached", addr)
	}
	l := &MemLink{
		hub:   h,
		addr:  addr,
		inbox: make(chan Datagram, h.opts.QueueLen),
		done:  make(chan struct{}),
	}
	h.ports[addr] = l
	return l, nil
}

func (h *Hub) detach(addr Addr) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.ports, addr)
}

func (h *Hub) deliver(from, to Addr, payload []byte) {
	h.mu.Lock()
	var targets []*MemLink
	if to.IsBroadcast() {
		for addr, p := range h.ports {
			if addr != from {
				targets = append(targets, p)
			}
		}
	} else if p, ok := h.ports[to]; ok {
		targets = append(targets, p)
	}
	copies := make([]int, len(targets))
	for i := range targets {
		switch {
		case h.opts.Loss > 0 && h.rng.Float64() < h.opts.Loss:
			copies[i] = 0
		case h.opts.Duplicate > 0 && h.rng.Float64() < h.opts.Duplicate:
			copies[i] = 2
		default:
			copies[i] = 1
		}
	}
	h.mu.Unlock()

	for i, p := range targets {
		for n := 0; n < copies[i]; n++ {
			buf := make([]byte, len(payload))
			copy(buf, payload)
			p.enqueue(Datagram{From: from, To: to, Payload: buf})
		}
	}
}

// MemLink is one node's port on a Hub.
type MemLink struct {
	hub       *Hub
	addr      Addr
	inbox     chan Datagram
	done      chan struct{}
	closeOnce sync.Once
}

func (l *MemLink) Addr() Addr {
	return l.addr
}

func (l *MemLink) enqueue(d Datagram) {
	select {
	case <-l.done:
	case l.inbox <- d:
	default:
		// queue full: the medium drops it
	}
}

func (l *MemLink) Send(to Addr, payload []byte) error {
	select {
	case <-l.done:
		return ErrClosed
	default:
	}
	l.hub.deliver(l.addr, to, payload)
	return nil
}

func (l *MemLink) Broadcast(payload []byte) error {
	return l.Send(Broadcast, payload)
}

func (l *MemLink) Receive(timeout time.Duration) (Datagram, bool, error) {
	select {
	case <-l.done:
		return Datagram{}, false, ErrClosed
	default:
	}
	if timeout <= 0 {
		select {
		case d := <-l.inbox:
			return d, true, nil
		default:
			return Datagram{}, false, nil
		}
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case d := <-l.inbox:
		return d, true, nil
	case <-l.done:
		return Datagram{}, false, ErrClosed
	case <-timer.C:
		return Datagram{}, false, nil
	}
}

func (l *MemLink) Close() error {
	l.closeOnce.Do(func() {
		close(l.done)
		l.hub.detach(l.addr)
	})
	return nil
}
