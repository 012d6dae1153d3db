package peers

import (
	"crypto/ecdsa"
	"fmt"
	"strings"

	"github.com/flatironinstitute/kachery-p2p/src/crypto/keys"
	"github.com/flatironinstitute/kachery-p2p/src/feeds"
)

// Peer is a node of the overlay network.
type Peer struct {
	NodeID  feeds.NodeID `json:"nodeId"`
	NetAddr string       `json:"netAddr"`
	Moniker string       `json:"moniker,omitempty"`
}

// NewPeer ...
func NewPeer(nodeID feeds.NodeID, netAddr string, moniker string) *Peer {
	return &Peer{
		NodeID:  nodeID,
		NetAddr: netAddr,
		Moniker: moniker,
	}
}

// ParsePeer parses the nodeId@host:port form used on the command line.
func ParsePeer(s string) (*Peer, error) {
	parts := strings.SplitN(s, "@", 2)
	if len(parts) != 2 || parts[1] == "" {
		return nil, fmt.Errorf("peer %q should have the form nodeId@host:port", s)
	}

	nodeID, err := feeds.ParseNodeID(parts[0])
	if err != nil {
		return nil, err
	}

	return NewPeer(nodeID, parts[1], ""), nil
}

// PublicKey returns the public key encoded in the node id.
func (p *Peer) PublicKey() (*ecdsa.PublicKey, error) {
	return keys.ParsePublicKeyHex(string(p.NodeID))
}

// String ...
func (p *Peer) String() string {
	if p.Moniker != "" {
		return fmt.Sprintf("%s(%s@%s)", p.Moniker, p.NodeID, p.NetAddr)
	}
	return fmt.Sprintf("%s@%s", p.NodeID, p.NetAddr)
}
