// Package node implements the networked part of a kachery-p2p node.
//
// A Node ties a feeds.FeedManager to a net.Transport and a peers.PeerSet. It
// plays two roles.
//
// Overlay
//
// The Node is the feeds.Overlay of the FeedManager's RemoteFeedManager. When a
// feed is not writable locally, the RemoteFeedManager asks the Node to find
// the node that owns it (FindLiveFeed), to pull messages from it
// (GetLiveFeedSignedMessages) or to submit messages to it
// (SubmitMessagesToLiveFeed). FindLiveFeed asks every known peer with a
// CheckForLiveFeedRequest. Nodes are grouped in channels and only find feeds
// on peers of their own channel.
//
// Serving
//
// Run consumes the requests that arrive on the transport and processes each
// one in its own goroutine:
//
//  CheckForLiveFeedRequest          answered true for feeds writable here
//  GetLiveFeedSignedMessagesRequest long-polls the local subfeed
//  SubmitMessagesToLiveFeedRequest  appends on behalf of the sender
//
// Submissions are signed by the sender's node key. The signature is checked
// against the fromNodeId of the request, the timestamp must be within
// Config.MaxSubmitAge of the local clock, and the subfeed's access rules must
// grant the sender write access. Refusals travel back inside the response as
// a typed error, so the caller can tell them apart from network failures.
package node
