package crypto

import (
	"crypto/sha256"
)

// SHA256 returns the SHA256 hash of the data.
func SHA256(data []byte) []byte {
	hasher := sha256.New()
	hasher.Write(data)
	hash := hasher.Sum(nil)
	return hash
}

// CanonicalHash returns the SHA256 hash of the canonical JSON encoding of v.
// This is the digest that gets signed wherever a structure is signed.
func CanonicalHash(v interface{}) ([]byte, error) {
	b, err := CanonicalJSON(v)
	if err != nil {
		return nil, err
	}
	return SHA256(b), nil
}
