package peers

import (
	"github.com/flatironinstitute/kachery-p2p/src/feeds"
)

//PeerSet is a set of Peers, indexed by node id
type PeerSet struct {
	Peers    []*Peer                `json:"peers"`
	ByNodeID map[feeds.NodeID]*Peer `json:"-"`
}

/* Constructors */

//NewPeerSet creates a new PeerSet from a list of Peers. When a node id
//appears more than once, the first entry wins.
func NewPeerSet(peers []*Peer) *PeerSet {
	peerSet := &PeerSet{
		Peers:    []*Peer{},
		ByNodeID: make(map[feeds.NodeID]*Peer),
	}

	for _, peer := range peers {
		if _, ok := peerSet.ByNodeID[peer.NodeID]; ok {
			continue
		}
		peerSet.ByNodeID[peer.NodeID] = peer
		peerSet.Peers = append(peerSet.Peers, peer)
	}

	return peerSet
}

//WithNewPeer returns a new PeerSet with a list of peers including the new one.
func (peerSet *PeerSet) WithNewPeer(peer *Peer) *PeerSet {
	peers := make([]*Peer, len(peerSet.Peers), len(peerSet.Peers)+1)
	copy(peers, peerSet.Peers)
	return NewPeerSet(append(peers, peer))
}

//WithoutNode returns a new PeerSet without the peer with the given node id.
func (peerSet *PeerSet) WithoutNode(nodeID feeds.NodeID) *PeerSet {
	peers := []*Peer{}
	for _, p := range peerSet.Peers {
		if p.NodeID != nodeID {
			peers = append(peers, p)
		}
	}
	return NewPeerSet(peers)
}

/* ToSlice Methods */

//NodeIDs returns the PeerSet's slice of node ids
func (peerSet *PeerSet) NodeIDs() []feeds.NodeID {
	res := []feeds.NodeID{}

	for _, peer := range peerSet.Peers {
		res = append(res, peer.NodeID)
	}

	return res
}

/* Utilities */

//Len returns the number of Peers in the PeerSet
func (peerSet *PeerSet) Len() int {
	return len(peerSet.Peers)
}
