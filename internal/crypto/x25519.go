package crypto

import (
	"crypto/cipher"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

const x25519Info = "crownlink/bootstrap/v1"

// x25519Scheme seals to the receiver's public point with a sender
// ephemeral. Blob: nonce(16) || ephPub(32) || ct+tag.
type x25519Scheme struct{}

func (x25519Scheme) name() string { return SchemeX25519 }

func (x25519Scheme) minBlobLen() int {
	return NonceSize + curve25519.PointSize + chacha20poly1305.Overhead
}

func (x25519Scheme) newPair(r io.Reader) (*EphemeralKeyPair, error) {
	p := &EphemeralKeyPair{}
	if _, err := io.ReadFull(r, p.Secret[:]); err != nil {
		return nil, fmt.Errorf("read random: %w", err)
	}
	pub, err := curve25519.X25519(p.Secret[:], curve25519.Basepoint)
	if err != nil {
		return nil, err
	}
	copy(p.Shareable[:], pub)
	return p, nil
}

func (x25519Scheme) seal(r io.Reader, shareable *[KeyHalfSize]byte, nonce Nonce, plaintext []byte) ([]byte, error) {
	var eph [curve25519.ScalarSize]byte
	if _, err := io.ReadFull(r, eph[:]); err != nil {
		return nil, fmt.Errorf("read random: %w", err)
	}
	defer clear(eph[:])
	ephPub, err := curve25519.X25519(eph[:], curve25519.Basepoint)
	if err != nil {
		return nil, err
	}
	shared, err := curve25519.X25519(eph[:], shareable[:])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	aead, err := x25519AEAD(shared, nonce)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, NonceSize+len(ephPub)+len(plaintext)+aead.Overhead())
	out = append(out, nonce[:]...)
	out = append(out, ephPub...)
	return aead.Seal(out, nonce[4:], plaintext, out[:NonceSize+len(ephPub)]), nil
}

func (x25519Scheme) open(secret *[KeyHalfSize]byte, blob []byte) ([]byte, error) {
	var nonce Nonce
	copy(nonce[:], blob[:NonceSize])
	hdrLen := NonceSize + curve25519.PointSize
	ephPub := blob[NonceSize:hdrLen]
	shared, err := curve25519.X25519(secret[:], ephPub)
	if err != nil {
		return nil, ErrAuthenticationFailed
	}
	aead, err := x25519AEAD(shared, nonce)
	if err != nil {
		return nil, err
	}
	pt, err := aead.Open(nil, nonce[4:], blob[hdrLen:], blob[:hdrLen])
	if err != nil {
		return nil, ErrAuthenticationFailed
	}
	return pt, nil
}

func (x25519Scheme) unpack(opened []byte) ([]byte, error) {
	return opened, nil
}

func x25519AEAD(shared []byte, nonce Nonce) (cipher.AEAD, error) {
	defer clear(shared)
	key := make([]byte, chacha20poly1305.KeySize)
	kdf := hkdf.New(sha256.New, shared, nonce[:], []byte(x25519Info))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, err
	}
	return chacha20poly1305.New(key)
}
