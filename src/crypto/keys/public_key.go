package keys

import (
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcec"
)

// PublicKeyBytes returns the 33-byte compressed form of the public key.
func PublicKeyBytes(pub *ecdsa.PublicKey) []byte {
	if pub == nil || pub.X == nil || pub.Y == nil {
		return nil
	}
	return (*btcec.PublicKey)(pub).SerializeCompressed()
}

// PublicKeyHex returns the hexadecimal representation of the compressed form
// of the public key. Feed and node identifiers are built this way.
func PublicKeyHex(pub *ecdsa.PublicKey) string {
	return hex.EncodeToString(PublicKeyBytes(pub))
}

// ParsePublicKey parses a public key in compressed or uncompressed form.
func ParsePublicKey(b []byte) (*ecdsa.PublicKey, error) {
	pub, err := btcec.ParsePubKey(b, btcec.S256())
	if err != nil {
		return nil, err
	}
	return pub.ToECDSA(), nil
}

// ParsePublicKeyHex parses the output of PublicKeyHex.
func ParsePublicKeyHex(s string) (*ecdsa.PublicKey, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decoding public key: %w", err)
	}
	return ParsePublicKey(b)
}
