package crypto

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"
	"fmt"
	"io"
	"sort"
)

const (
	SchemeMasked = "masked"
	SchemeX25519 = "x25519"

	KeyHalfSize = 32
	macSize     = 16
	metaSize    = 8
)

// EphemeralKeyPair is used once, to carry a single bootstrap message.
type EphemeralKeyPair struct {
	Secret    [KeyHalfSize]byte
	Shareable [KeyHalfSize]byte
}

func (p *EphemeralKeyPair) String() string {
	return "EphemeralKeyPair{REDACTED}"
}

func (p *EphemeralKeyPair) GoString() string {
	return "crypto.EphemeralKeyPair{REDACTED}"
}

func (p *EphemeralKeyPair) Destroy() {
	if p == nil {
		return
	}
	for i := range p.Secret {
		p.Secret[i] = 0
	}
	for i := range p.Shareable {
		p.Shareable[i] = 0
	}
}

type bootstrapScheme interface {
	name() string
	minBlobLen() int
	newPair(r io.Reader) (*EphemeralKeyPair, error)
	seal(r io.Reader, shareable *[KeyHalfSize]byte, nonce Nonce, plaintext []byte) ([]byte, error)
	// open authenticates blob and returns the opened body. It must not
	// consult time or the nonce cache.
	open(secret *[KeyHalfSize]byte, blob []byte) ([]byte, error)
	// unpack runs after freshness checks pass.
	unpack(opened []byte) ([]byte, error)
}

var schemes = map[string]bootstrapScheme{
	SchemeMasked: maskedScheme{},
	SchemeX25519: x25519Scheme{},
}

// Schemes lists the registered bootstrap scheme names.
func Schemes() []string {
	out := make([]string, 0, len(schemes))
	for name := range schemes {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func lookupScheme(name string) (bootstrapScheme, error) {
	if name == "" {
		name = SchemeMasked
	}
	s, ok := schemes[name]
	if !ok {
		return nil, fmt.Errorf("unknown bootstrap scheme %q", name)
	}
	return s, nil
}

// maskedScheme is a shared-secret XOR stream keyed by the low seven bits of
// every secret byte. The shareable half is that projection, so anyone who
// sees it can read the message. It exists for wire compatibility with
// devices that only speak this format.
type maskedScheme struct{}

func (maskedScheme) name() string { return SchemeMasked }

// nonce + ts + len + one word of payload + mac
func (maskedScheme) minBlobLen() int { return NonceSize + metaSize + 4 + macSize }

func (maskedScheme) newPair(r io.Reader) (*EphemeralKeyPair, error) {
	p := &EphemeralKeyPair{}
	if _, err := io.ReadFull(r, p.Secret[:]); err != nil {
		return nil, fmt.Errorf("read random: %w", err)
	}
	p.Shareable = project(&p.Secret)
	return p, nil
}

func (maskedScheme) seal(_ io.Reader, shareable *[KeyHalfSize]byte, nonce Nonce, plaintext []byte) ([]byte, error) {
	body := make([]byte, metaSize+len(plaintext))
	binary.BigEndian.PutUint32(body[0:4], nonce.Timestamp())
	binary.BigEndian.PutUint32(body[4:8], uint32(len(plaintext)))
	copy(body[metaSize:], plaintext)
	xorCyclic(body, shareable[:])

	out := make([]byte, 0, NonceSize+len(body)+macSize)
	out = append(out, nonce[:]...)
	out = append(out, body...)
	mac := maskedMAC(nonce[:], body)
	return append(out, mac[:]...), nil
}

func (maskedScheme) open(secret *[KeyHalfSize]byte, blob []byte) ([]byte, error) {
	body := blob[NonceSize : len(blob)-macSize]
	mac := maskedMAC(blob[:NonceSize], body)
	if subtle.ConstantTimeCompare(mac[:], blob[len(blob)-macSize:]) != 1 {
		return nil, ErrAuthenticationFailed
	}
	key := project(secret)
	res := make([]byte, len(body))
	copy(res, body)
	xorCyclic(res, key[:])
	return res, nil
}

func (maskedScheme) unpack(opened []byte) ([]byte, error) {
	n := binary.BigEndian.Uint32(opened[4:8])
	if uint64(n) != uint64(len(opened)-metaSize) {
		return nil, fmt.Errorf("%w: header %d body %d", ErrLengthMismatch, n, len(opened)-metaSize)
	}
	return opened[metaSize:], nil
}

func project(k *[KeyHalfSize]byte) [KeyHalfSize]byte {
	var out [KeyHalfSize]byte
	for i, b := range k {
		out[i] = b & 0x7f
	}
	return out
}

func xorCyclic(buf, key []byte) {
	for i := range buf {
		buf[i] ^= key[i%len(key)]
	}
}

func maskedMAC(nonce, body []byte) [macSize]byte {
	h := sha256.New()
	h.Write(nonce)
	h.Write(body)
	var out [macSize]byte
	copy(out[:], h.Sum(nil))
	return out
}
