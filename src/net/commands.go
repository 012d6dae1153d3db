package net

import (
	"encoding/json"
	"time"

	"github.com/flatironinstitute/kachery-p2p/src/feeds"
)

// CheckForLiveFeedRequest asks a node whether it holds the writable copy of a
// feed. Nodes only answer for the Channel they are configured with.
type CheckForLiveFeedRequest struct {
	FromID  feeds.NodeID
	Channel string
	FeedID  feeds.FeedID
}

// CheckForLiveFeedResponse ...
type CheckForLiveFeedResponse struct {
	FromID      feeds.NodeID
	Channel     string
	HasLiveFeed bool
}

// GetLiveFeedSignedMessagesRequest pulls messages from the owner of a feed.
// The owner waits up to WaitMsec for new messages if it has none at Position.
type GetLiveFeedSignedMessagesRequest struct {
	FromID      feeds.NodeID
	FeedID      feeds.FeedID
	SubfeedHash feeds.SubfeedHash
	Position    int
	WaitMsec    int64
}

// Wait returns WaitMsec as a Duration.
func (r *GetLiveFeedSignedMessagesRequest) Wait() time.Duration {
	return time.Duration(r.WaitMsec) * time.Millisecond
}

// GetLiveFeedSignedMessagesResponse carries the messages, or the reason the
// owner refused the request.
type GetLiveFeedSignedMessagesResponse struct {
	FromID         feeds.NodeID
	SignedMessages []feeds.SignedMessage
	Error          *FeedError `json:",omitempty"`
}

// SubmitMessagesToLiveFeedRequest asks the owner of a feed to append messages
// on behalf of FromID. The request is signed by FromID's key over
// SubmitMessagesBody.
type SubmitMessagesToLiveFeedRequest struct {
	Body      SubmitMessagesBody
	Signature string
}

// SubmitMessagesBody is the signed part of a SubmitMessagesToLiveFeedRequest.
type SubmitMessagesBody struct {
	FromNodeID  feeds.NodeID      `json:"fromNodeId"`
	FeedID      feeds.FeedID      `json:"feedId"`
	SubfeedHash feeds.SubfeedHash `json:"subfeedHash"`
	Messages    []json.RawMessage `json:"messages"`
	Timestamp   int64             `json:"timestamp"`
}

// SubmitMessagesToLiveFeedResponse ...
type SubmitMessagesToLiveFeedResponse struct {
	FromID  feeds.NodeID
	Success bool
	Error   *FeedError `json:",omitempty"`
}

// FeedError is a feeds.FeedErr in wire form.
type FeedError struct {
	Type    string
	Message string
}

// NewFeedError converts err for the wire. It returns nil if err is nil. Errors
// that are not FeedErrs are sent as Persistence errors.
func NewFeedError(err error) *FeedError {
	if err == nil {
		return nil
	}

	errType, ok := feeds.ErrType(err)
	if !ok {
		errType = feeds.Persistence
	}

	return &FeedError{
		Type:    errType.String(),
		Message: err.Error(),
	}
}

// Err rebuilds the feeds.FeedErr on the receiving side.
func (e *FeedError) Err(feedID feeds.FeedID, subfeedHash feeds.SubfeedHash) error {
	if e == nil {
		return nil
	}

	errType, ok := feeds.ParseErrType(e.Type)
	if !ok {
		errType = feeds.Persistence
	}

	return feeds.NewFeedErr(feedID, subfeedHash, errType, "remote: "+e.Message, nil)
}
