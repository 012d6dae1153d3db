package keys

import (
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcec"
)

// Sign signs a digest with the private key. The nonce is derived from the key
// and the digest (RFC6979) so the same input always yields the same
// signature. The result is the hex encoding of the DER signature.
func Sign(priv *ecdsa.PrivateKey, hash []byte) (string, error) {
	if priv == nil {
		return "", fmt.Errorf("no private key")
	}

	sig, err := (*btcec.PrivateKey)(priv).Sign(hash)
	if err != nil {
		return "", err
	}

	return hex.EncodeToString(sig.Serialize()), nil
}

// Verify reports whether sig, as produced by Sign, is a valid signature of
// hash by the owner of pub. An error is only returned when sig cannot be
// decoded.
func Verify(pub *ecdsa.PublicKey, hash []byte, sig string) (bool, error) {
	if pub == nil {
		return false, fmt.Errorf("no public key")
	}

	der, err := hex.DecodeString(sig)
	if err != nil {
		return false, fmt.Errorf("decoding signature: %w", err)
	}

	s, err := btcec.ParseDERSignature(der, btcec.S256())
	if err != nil {
		return false, fmt.Errorf("parsing signature: %w", err)
	}

	return s.Verify(hash, (*btcec.PublicKey)(pub)), nil
}
