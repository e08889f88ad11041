package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"io"
)

const (
	blockSize    = aes.BlockSize
	minSealedLen = blockSize + blockSize + macSize
)

// AuthenticatedEncrypt seals plaintext as IV || AES-CBC(PKCS7(pt)) || mac,
// mac = SHA256(IV || ct)[:16]. The mac is not keyed; it detects corruption
// and tampering of the ciphertext only together with CBC decryption under
// the right key.
func AuthenticatedEncrypt(key, plaintext []byte) ([]byte, error) {
	return authenticatedEncrypt(rand.Reader, key, plaintext)
}

func AuthenticatedDecrypt(key, blob []byte) ([]byte, error) {
	block, err := newBlock(key)
	if err != nil {
		return nil, err
	}
	if len(blob) < minSealedLen || (len(blob)-blockSize-macSize)%blockSize != 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidLength, len(blob))
	}
	iv := blob[:blockSize]
	ct := blob[blockSize : len(blob)-macSize]
	mac := cbcMAC(iv, ct)
	if subtle.ConstantTimeCompare(mac[:], blob[len(blob)-macSize:]) != 1 {
		return nil, ErrAuthenticationFailed
	}
	out := make([]byte, len(ct))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, ct)
	return pkcs7Unpad(out)
}

func authenticatedEncrypt(r io.Reader, key, plaintext []byte) ([]byte, error) {
	block, err := newBlock(key)
	if err != nil {
		return nil, err
	}
	padded := pkcs7Pad(plaintext)
	out := make([]byte, blockSize+len(padded), blockSize+len(padded)+macSize)
	iv := out[:blockSize]
	if _, err := io.ReadFull(r, iv); err != nil {
		return nil, fmt.Errorf("read random: %w", err)
	}
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out[blockSize:], padded)
	mac := cbcMAC(iv, out[blockSize:])
	return append(out, mac[:]...), nil
}

func newBlock(key []byte) (cipher.Block, error) {
	switch len(key) {
	case 16, 24, 32:
	default:
		return nil, fmt.Errorf("%w: aes key length %d", ErrInvalidKey, len(key))
	}
	return aes.NewCipher(key)
}

func cbcMAC(iv, ct []byte) [macSize]byte {
	h := sha256.New()
	h.Write(iv)
	h.Write(ct)
	var out [macSize]byte
	copy(out[:], h.Sum(nil))
	return out
}

func pkcs7Pad(b []byte) []byte {
	n := blockSize - len(b)%blockSize
	out := make([]byte, len(b)+n)
	copy(out, b)
	for i := len(b); i < len(out); i++ {
		out[i] = byte(n)
	}
	return out
}

func pkcs7Unpad(b []byte) ([]byte, error) {
	if len(b) == 0 {
		return nil, ErrInvalidPadding
	}
	n := int(b[len(b)-1])
	if n == 0 || n > blockSize || n > len(b) {
		return nil, ErrInvalidPadding
	}
	var bad byte
	for _, v := range b[len(b)-n:] {
		bad |= v ^ byte(n)
	}
	if bad != 0 {
		return nil, ErrInvalidPadding
	}
	return b[:len(b)-n], nil
}
