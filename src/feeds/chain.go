package feeds

import (
	"bytes"
	"crypto/ecdsa"
	"fmt"

	"github.com/flatironinstitute/kachery-p2p/src/crypto"
	"github.com/flatironinstitute/kachery-p2p/src/crypto/keys"
)

func signBody(priv *ecdsa.PrivateKey, body MessageBody) (SignedMessage, error) {
	hash, err := crypto.CanonicalHash(body)
	if err != nil {
		return SignedMessage{}, err
	}

	sig, err := keys.Sign(priv, hash)
	if err != nil {
		return SignedMessage{}, err
	}

	return SignedMessage{
		Body:      body,
		Signature: Signature(sig),
	}, nil
}

func verifySignature(pub *ecdsa.PublicKey, msg *SignedMessage) error {
	hash, err := crypto.CanonicalHash(msg.Body)
	if err != nil {
		return err
	}

	ok, err := keys.Verify(pub, hash, string(msg.Signature))
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("invalid signature")
	}

	return nil
}

// sameMessage reports whether a and b carry the same signature over the same
// canonical body.
func sameMessage(a, b *SignedMessage) bool {
	if a.Signature != b.Signature {
		return false
	}

	ha, err := crypto.CanonicalHash(a.Body)
	if err != nil {
		return false
	}
	hb, err := crypto.CanonicalHash(b.Body)
	if err != nil {
		return false
	}

	return bytes.Equal(ha, hb)
}

// verifyChain checks that msgs is a valid continuation of a log holding
// length messages, the last of which has signature tail ("" for an empty log).
// It stops at the first bad message.
func verifyChain(pub *ecdsa.PublicKey, length int, tail Signature, msgs []SignedMessage) error {
	previous := tail

	for i := range msgs {
		m := &msgs[i]
		expected := length + i

		if m.Body.MessageNumber != expected {
			return fmt.Errorf("message %d: unexpected message number %d", expected, m.Body.MessageNumber)
		}

		if m.Body.PreviousSignature != previous {
			return fmt.Errorf("message %d: previous signature does not match", expected)
		}

		if err := verifySignature(pub, m); err != nil {
			return fmt.Errorf("message %d: %w", expected, err)
		}

		previous = m.Signature
	}

	return nil
}
