// Package crypto implements the bootstrap key transport and the session
// encryption used between a crown and its followers.
package crypto

import (
	"fmt"
	"io"
	"sync"
	"time"

	"crownlink/internal/link"
)

type Options struct {
	// Bootstrap names the scheme for the first key-transport message.
	// Empty means SchemeMasked.
	Bootstrap      string
	NonceCacheSize int
	NonceMaxAge    time.Duration
	Now            func() time.Time
	Rand           io.Reader
}

// Engine owns the replay cache and the per-peer session keys. All methods
// are safe for concurrent use.
type Engine struct {
	mu     sync.Mutex
	scheme bootstrapScheme
	nonces *nonceCache
	peers  map[link.Addr][]byte
	now    func() time.Time
	rand   io.Reader
}

func NewEngine(opts Options) (*Engine, error) {
	scheme, err := lookupScheme(opts.Bootstrap)
	if err != nil {
		return nil, err
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Engine{
		scheme: scheme,
		nonces: newNonceCache(opts.NonceCacheSize, opts.NonceMaxAge),
		peers:  make(map[link.Addr][]byte),
		now:    now,
		rand:   randReader(opts.Rand),
	}, nil
}

func (e *Engine) Scheme() string {
	return e.scheme.name()
}

func (e *Engine) GenerateEphemeralKeyPair() (*EphemeralKeyPair, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.scheme.newPair(e.rand)
}

func (e *Engine) GenerateSymmetricKey() ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return generateSymmetricKey(e.rand)
}

// BootstrapEncrypt seals plaintext to the holder of the secret half that
// matches shareable. The nonce is remembered so this engine never accepts
// its own message back.
func (e *Engine) BootstrapEncrypt(shareable [KeyHalfSize]byte, plaintext []byte) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.now()
	nonce, err := newNonce(e.rand, now)
	if err != nil {
		return nil, err
	}
	if e.nonces.has(nonce) {
		return nil, ErrNonceCollision
	}
	blob, err := e.scheme.seal(e.rand, &shareable, nonce, plaintext)
	if err != nil {
		return nil, err
	}
	if err := e.nonces.add(nonce, now); err != nil {
		return nil, err
	}
	return blob, nil
}

func (e *Engine) BootstrapDecrypt(secret [KeyHalfSize]byte, blob []byte) ([]byte, error) {
	if len(blob) < e.scheme.minBlobLen() {
		return nil, fmt.Errorf("%w: %d", ErrInvalidLength, len(blob))
	}
	opened, err := e.scheme.open(&secret, blob)
	if err != nil {
		return nil, err
	}
	var nonce Nonce
	copy(nonce[:], blob[:NonceSize])

	e.mu.Lock()
	now := e.now()
	if e.nonces.expired(nonce, now) {
		e.mu.Unlock()
		return nil, ErrMessageExpired
	}
	if e.nonces.has(nonce) {
		e.mu.Unlock()
		return nil, ErrReplayDetected
	}
	if err := e.nonces.add(nonce, now); err != nil {
		e.mu.Unlock()
		return nil, err
	}
	e.mu.Unlock()

	return e.scheme.unpack(opened)
}

// AddPeer stores key for addr, generating one when key is nil, and returns
// the stored key.
func (e *Engine) AddPeer(addr link.Addr, key []byte) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if key == nil {
		k, err := generateSymmetricKey(e.rand)
		if err != nil {
			return nil, err
		}
		key = k
	} else {
		if _, err := newBlock(key); err != nil {
			return nil, err
		}
		key = append([]byte(nil), key...)
	}
	e.peers[addr] = key
	return append([]byte(nil), key...), nil
}

func (e *Engine) RemovePeer(addr link.Addr) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if k, ok := e.peers[addr]; ok {
		clear(k)
		delete(e.peers, addr)
	}
}

func (e *Engine) PeerKey(addr link.Addr) ([]byte, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	k, ok := e.peers[addr]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), k...), true
}

func (e *Engine) PeerCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.peers)
}

func (e *Engine) NonceCacheLen() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.nonces.len()
}

// SealFor encrypts plaintext under the session key registered for addr.
func (e *Engine) SealFor(addr link.Addr, plaintext []byte) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	k, ok := e.peers[addr]
	if !ok {
		return nil, fmt.Errorf("%w: no session key for %s", ErrInvalidKey, addr)
	}
	return authenticatedEncrypt(e.rand, k, plaintext)
}

func (e *Engine) OpenFrom(addr link.Addr, blob []byte) ([]byte, error) {
	k, ok := e.PeerKey(addr)
	if !ok {
		return nil, fmt.Errorf("%w: no session key for %s", ErrInvalidKey, addr)
	}
	return AuthenticatedDecrypt(k, blob)
}
