package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
)

const (
	DefaultKDFIterations = 1000
	symmetricIterations  = 100
	symmetricMaterialLen = 16
	symmetricSaltLen     = 8
)

// DeriveKey hashes key = SHA256(key || salt) iterations times, starting
// from material. iterations <= 0 selects DefaultKDFIterations.
func DeriveKey(material, salt []byte, iterations int) [32]byte {
	if iterations <= 0 {
		iterations = DefaultKDFIterations
	}
	key := material
	var sum [32]byte
	buf := make([]byte, 0, 32+len(salt))
	for i := 0; i < iterations; i++ {
		buf = append(buf[:0], key...)
		buf = append(buf, salt...)
		sum = sha256.Sum256(buf)
		key = sum[:]
	}
	return sum
}

// GenerateSymmetricKey returns a fresh 32-byte session key.
func GenerateSymmetricKey() ([]byte, error) {
	return generateSymmetricKey(rand.Reader)
}

func generateSymmetricKey(r io.Reader) ([]byte, error) {
	var buf [symmetricMaterialLen + symmetricSaltLen]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return nil, fmt.Errorf("read random: %w", err)
	}
	key := DeriveKey(buf[:symmetricMaterialLen], buf[symmetricMaterialLen:], symmetricIterations)
	return key[:], nil
}
