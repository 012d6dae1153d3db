package net

import "context"

// Transport provides an interface for network transports
// to allow a node to communicate with other nodes.
type Transport interface {

	// Starts the transport listening
	Listen()

	// Consumer returns a channel that can be used to
	// consume and respond to RPC requests.
	Consumer() <-chan RPC

	// LocalAddr is used to return our local address
	LocalAddr() string

	// AdvertiseAddr is used to return our advertise address where other peers
	// can reach us
	AdvertiseAddr() string

	// CheckForLiveFeed, GetLiveFeedSignedMessages, and SubmitMessagesToLiveFeed
	// send the appropriate RPC to the target node. Cancelling ctx aborts the
	// call.

	CheckForLiveFeed(ctx context.Context, target string, args *CheckForLiveFeedRequest, resp *CheckForLiveFeedResponse) error

	GetLiveFeedSignedMessages(ctx context.Context, target string, args *GetLiveFeedSignedMessagesRequest, resp *GetLiveFeedSignedMessagesResponse) error

	SubmitMessagesToLiveFeed(ctx context.Context, target string, args *SubmitMessagesToLiveFeedRequest, resp *SubmitMessagesToLiveFeedResponse) error

	// Close permanently closes a transport, stopping
	// any associated goroutines and freeing other resources.
	Close() error
}
