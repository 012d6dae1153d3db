// Package net implements the transports kachery-p2p nodes use to talk to each
// other.
//
// A Transport carries three RPCs, all defined in commands.go:
//
// - CheckForLiveFeed: does the target node own a given feed?
//
// - GetLiveFeedSignedMessages: pull messages from the owner of a feed, which
// may hold the request until new messages arrive.
//
// - SubmitMessagesToLiveFeed: ask the owner of a feed to append messages on
// behalf of the sender.
//
// Incoming requests are delivered on the Consumer channel; the node answers
// them through RPC.Respond. When the owner refuses a request, the reason
// travels as a FeedError inside the response, so that the caller can rebuild
// the original feeds.FeedErr.
//
// There are two implementations:
//
// - Inmem: in-memory transport used only for testing
//
// - TCP: communicating over plain TCP. Each request is a type byte followed
// by a JSON document; each response is a JSON error string followed by a JSON
// document.
//
// To use a TCP transport, set the following configuration options:
//
// - BindAddr: the IP:PORT of the TCP socket that kachery-p2p binds to.
//
// - AdvertiseAddr: (optional) The address that is advertised to other nodes. If
// BindAddr is a local address not reachable by other peers, it is useful to
// set AdvertiseAddr to the reachable public address.
package net
