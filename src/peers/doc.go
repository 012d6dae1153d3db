// Package peers defines the concept of a kachery-p2p peer and implements
// functions to manage collections of peers.
//
// A peer is another node of the overlay network. It is identified by its node
// id, the hex encoding of its compressed public key, and optionally a moniker
// which is a non-unique user-friendly name. A peer also specifies the address
// where it can be reached by other nodes.
//
// Upon starting up, a node reads a peers.json file in its config directory,
// listing the peers it should query when looking for live feeds. Peers passed
// on the command line are added to that list. A missing peers.json file is an
// empty list.
package peers
