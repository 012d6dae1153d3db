package keys

import (
	"crypto/ecdsa"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/btcsuite/btcd/btcec"
)

//GenerateECDSAKey creates a new ecdsa.PrivateKey on the curve returned by
//Curve().
func GenerateECDSAKey() (*ecdsa.PrivateKey, error) {
	return ecdsa.GenerateKey(Curve(), rand.Reader)
}

//DumpPrivateKey exports the D value of a private key as a 32-byte big-endian
//slice.
func DumpPrivateKey(priv *ecdsa.PrivateKey) []byte {
	if priv == nil {
		return nil
	}
	return (*btcec.PrivateKey)(priv).Serialize()
}

//ParsePrivateKey creates a private key with the given D value.
func ParsePrivateKey(d []byte) (*ecdsa.PrivateKey, error) {
	if 8*len(d) != Curve().Params().BitSize {
		return nil, fmt.Errorf("invalid length, need %d bits", Curve().Params().BitSize)
	}

	k := new(big.Int).SetBytes(d)

	if k.Cmp(secp256k1N) >= 0 {
		return nil, fmt.Errorf("invalid private key, >=N")
	}

	if k.Sign() <= 0 {
		return nil, fmt.Errorf("invalid private key, zero or negative")
	}

	priv, _ := btcec.PrivKeyFromBytes(btcec.S256(), d)
	if priv.PublicKey.X == nil {
		return nil, errors.New("invalid private key")
	}

	return priv.ToECDSA(), nil
}

//PrivateKeyHex returns the hexadecimal representation of a raw private key as
//returned by DumpPrivateKey
func PrivateKeyHex(key *ecdsa.PrivateKey) string {
	return hex.EncodeToString(DumpPrivateKey(key))
}

//ParsePrivateKeyHex is the inverse of PrivateKeyHex. Surrounding whitespace
//is ignored.
func ParsePrivateKeyHex(s string) (*ecdsa.PrivateKey, error) {
	d, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, err
	}
	return ParsePrivateKey(d)
}
