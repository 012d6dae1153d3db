package node

import (
	"crypto/ecdsa"

	"github.com/flatironinstitute/kachery-p2p/src/crypto/keys"
	"github.com/flatironinstitute/kachery-p2p/src/feeds"
)

//Identity holds the key a node signs its requests with
type Identity struct {
	Key     *ecdsa.PrivateKey
	Moniker string

	nodeID feeds.NodeID
}

//NewIdentity is a factory method for an Identity
func NewIdentity(key *ecdsa.PrivateKey, moniker string) *Identity {
	return &Identity{
		Key:     key,
		Moniker: moniker,
	}
}

//NodeID returns the hex of the compressed public key
func (v *Identity) NodeID() feeds.NodeID {
	if len(v.nodeID) == 0 {
		v.nodeID = feeds.NodeID(keys.PublicKeyHex(&v.Key.PublicKey))
	}
	return v.nodeID
}
