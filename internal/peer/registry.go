// Package peer tracks handshake and session state per follower.
package peer

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"crownlink/internal/link"
)

var (
	ErrUnknownPeer      = errors.New("unknown peer")
	ErrNotBootstrapping = errors.New("peer not bootstrapping")
)

type State uint8

const (
	StateBootstrap State = iota
	StateJoined
)

func (s State) String() string {
	switch s {
	case StateBootstrap:
		return "bootstrap"
	case StateJoined:
		return "joined"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// Record is the crown's view of one follower. Secret is set while
// bootstrapping; SessionKey and NetCheck once joined.
type Record struct {
	Addr       link.Addr
	State      State
	Secret     [32]byte
	SessionKey []byte
	NetCheck   string
	FirstSeen  time.Time
	JoinedAt   time.Time
}

func (r Record) String() string {
	return fmt.Sprintf("Record{%s %s netcheck=%q}", r.Addr, r.State, r.NetCheck)
}

type Options struct {
	Now func() time.Time
}

// Registry holds one Record per follower address. Records never expire;
// they leave only through Remove.
type Registry struct {
	mu    sync.Mutex
	now   func() time.Time
	peers map[link.Addr]*Record
}

func NewRegistry(opts Options) *Registry {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Registry{
		now:   now,
		peers: make(map[link.Addr]*Record),
	}
}

// PutBootstrap stores secret for addr, creating the record if needed. A
// joined record goes back to bootstrap and loses its session key.
func (r *Registry) PutBootstrap(addr link.Addr, secret [32]byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.peers[addr]
	if !ok {
		rec = &Record{Addr: addr, FirstSeen: r.now()}
		r.peers[addr] = rec
	}
	clear(rec.SessionKey)
	rec.State = StateBootstrap
	rec.Secret = secret
	rec.SessionKey = nil
	rec.NetCheck = ""
	rec.JoinedAt = time.Time{}
}

func (r *Registry) Bootstrap(addr link.Addr) ([32]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.peers[addr]
	if !ok {
		return [32]byte{}, fmt.Errorf("%w: %s", ErrUnknownPeer, addr)
	}
	if rec.State != StateBootstrap {
		return [32]byte{}, fmt.Errorf("%w: %s is %s", ErrNotBootstrapping, addr, rec.State)
	}
	return rec.Secret, nil
}

// Join completes the handshake for addr and drops the bootstrap secret.
func (r *Registry) Join(addr link.Addr, sessionKey []byte, netCheck string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.peers[addr]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, addr)
	}
	if rec.State != StateBootstrap {
		return fmt.Errorf("%w: %s is %s", ErrNotBootstrapping, addr, rec.State)
	}
	rec.State = StateJoined
	rec.Secret = [32]byte{}
	rec.SessionKey = bytes.Clone(sessionKey)
	rec.NetCheck = netCheck
	rec.JoinedAt = r.now()
	return nil
}

func (r *Registry) Get(addr link.Addr) (Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.peers[addr]
	if !ok {
		return Record{}, false
	}
	return rec.clone(), true
}

func (r *Registry) Has(addr link.Addr) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.peers[addr]
	return ok
}

func (r *Registry) Remove(addr link.Addr) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.peers[addr]
	if !ok {
		return false
	}
	clear(rec.SessionKey)
	delete(r.peers, addr)
	return true
}

// List returns copies of every record ordered by address.
func (r *Registry) List() []Record {
	r.mu.Lock()
	out := make([]Record, 0, len(r.peers))
	for _, rec := range r.peers {
		out = append(out, rec.clone())
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i].Addr[:], out[j].Addr[:]) < 0
	})
	return out
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.peers)
}

func (r *Registry) Joined() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, rec := range r.peers {
		if rec.State == StateJoined {
			n++
		}
	}
	return n
}

func (rec *Record) clone() Record {
	out := *rec
	out.SessionKey = bytes.Clone(rec.SessionKey)
	return out
}
