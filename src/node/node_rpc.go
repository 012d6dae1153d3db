package node

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/flatironinstitute/kachery-p2p/src/crypto"
	"github.com/flatironinstitute/kachery-p2p/src/crypto/keys"
	"github.com/flatironinstitute/kachery-p2p/src/feeds"
	"github.com/flatironinstitute/kachery-p2p/src/net"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

func (n *Node) processRPC(rpc net.RPC) {
	atomic.AddUint64(&n.rpcRequests, 1)

	logger := n.logger.WithFields(logrus.Fields{
		"rpc_id": uuid.New().String(),
		"from":   rpc.From,
	})

	switch cmd := rpc.Command.(type) {
	case *net.CheckForLiveFeedRequest:
		n.processCheckForLiveFeedRequest(rpc, cmd, logger)
	case *net.GetLiveFeedSignedMessagesRequest:
		n.processGetLiveFeedSignedMessagesRequest(rpc, cmd, logger)
	case *net.SubmitMessagesToLiveFeedRequest:
		n.processSubmitMessagesToLiveFeedRequest(rpc, cmd, logger)
	default:
		atomic.AddUint64(&n.rpcErrors, 1)
		logger.WithField("cmd", rpc.Command).Error("Unexpected RPC command")
		rpc.Respond(nil, fmt.Errorf("unexpected command"))
	}
}

func (n *Node) processCheckForLiveFeedRequest(rpc net.RPC, cmd *net.CheckForLiveFeedRequest, logger *logrus.Entry) {
	atomic.AddUint64(&n.liveFeedChecks, 1)

	resp := &net.CheckForLiveFeedResponse{
		FromID:  n.identity.NodeID(),
		Channel: n.conf.Channel,
	}

	if cmd.Channel == n.conf.Channel {
		has, err := n.feeds.HasWriteableFeed(cmd.FeedID)
		if err != nil {
			logger.WithError(err).Debug("HasWriteableFeed")
		}
		resp.HasLiveFeed = has
	}

	logger.WithFields(logrus.Fields{
		"from_id":       cmd.FromID,
		"channel":       cmd.Channel,
		"feed":          cmd.FeedID,
		"has_live_feed": resp.HasLiveFeed,
	}).Debug("process CheckForLiveFeedRequest")

	rpc.Respond(resp, nil)
}

func (n *Node) processGetLiveFeedSignedMessagesRequest(rpc net.RPC, cmd *net.GetLiveFeedSignedMessagesRequest, logger *logrus.Entry) {
	logger = logger.WithFields(logrus.Fields{
		"from_id":  cmd.FromID,
		"feed":     cmd.FeedID,
		"subfeed":  cmd.SubfeedHash,
		"position": cmd.Position,
		"wait":     cmd.Wait(),
	})
	logger.Debug("process GetLiveFeedSignedMessagesRequest")

	resp := &net.GetLiveFeedSignedMessagesResponse{
		FromID: n.identity.NodeID(),
	}

	msgs, err := n.getLiveFeedSignedMessages(cmd)
	if err != nil {
		atomic.AddUint64(&n.rpcErrors, 1)
		logger.WithError(err).Debug("Refusing GetLiveFeedSignedMessagesRequest")
		resp.Error = net.NewFeedError(err)
	} else {
		resp.SignedMessages = msgs
	}

	logger.WithField("messages", len(resp.SignedMessages)).Debug("Responding to GetLiveFeedSignedMessagesRequest")

	rpc.Respond(resp, nil)
}

func (n *Node) getLiveFeedSignedMessages(cmd *net.GetLiveFeedSignedMessagesRequest) ([]feeds.SignedMessage, error) {
	writeable, err := n.feeds.HasWriteableFeed(cmd.FeedID)
	if err != nil {
		return nil, err
	}

	if !writeable {
		return nil, feeds.NewFeedErr(cmd.FeedID, cmd.SubfeedHash, feeds.Unavailable, "feed is not live on this node", nil)
	}

	// the caller pulls the whole tail
	return n.feeds.GetSignedMessages(n.ctx, cmd.FeedID, cmd.SubfeedHash, cmd.Position, 0, cmd.Wait())
}

func (n *Node) processSubmitMessagesToLiveFeedRequest(rpc net.RPC, cmd *net.SubmitMessagesToLiveFeedRequest, logger *logrus.Entry) {
	logger = logger.WithFields(logrus.Fields{
		"from_id":  cmd.Body.FromNodeID,
		"feed":     cmd.Body.FeedID,
		"subfeed":  cmd.Body.SubfeedHash,
		"messages": len(cmd.Body.Messages),
	})
	logger.Debug("process SubmitMessagesToLiveFeedRequest")

	resp := &net.SubmitMessagesToLiveFeedResponse{
		FromID: n.identity.NodeID(),
	}

	err := n.checkSubmission(cmd)
	if err == nil {
		err = n.feeds.SubmitMessagesFromRemoteNode(n.ctx,
			cmd.Body.FromNodeID,
			cmd.Body.FeedID,
			cmd.Body.SubfeedHash,
			cmd.Body.Messages)
	}

	if err != nil {
		atomic.AddUint64(&n.rpcErrors, 1)
		logger.WithError(err).Debug("Refusing SubmitMessagesToLiveFeedRequest")
		resp.Error = net.NewFeedError(err)
	} else {
		resp.Success = true
	}

	rpc.Respond(resp, nil)
}

// checkSubmission verifies that the request was signed by the node it claims
// to come from, and that it is recent.
func (n *Node) checkSubmission(cmd *net.SubmitMessagesToLiveFeedRequest) error {
	body := cmd.Body

	fromNodeID, err := feeds.ParseNodeID(string(body.FromNodeID))
	if err != nil {
		return feeds.NewFeedErr(body.FeedID, body.SubfeedHash, feeds.Invalid, "bad node id", err)
	}

	pub, err := keys.ParsePublicKeyHex(string(fromNodeID))
	if err != nil {
		return feeds.NewFeedErr(body.FeedID, body.SubfeedHash, feeds.Invalid, "bad node id", err)
	}

	hash, err := crypto.CanonicalHash(body)
	if err != nil {
		return feeds.NewFeedErr(body.FeedID, body.SubfeedHash, feeds.Invalid, "hashing submission", err)
	}

	ok, err := keys.Verify(pub, hash, cmd.Signature)
	if err != nil || !ok {
		return feeds.NewFeedErr(body.FeedID, body.SubfeedHash, feeds.Permission, "invalid signature on submission", err)
	}

	age := time.Since(time.Unix(0, body.Timestamp*int64(time.Millisecond)))
	if age < 0 {
		age = -age
	}
	if age > n.conf.MaxSubmitAge {
		return feeds.NewFeedErr(body.FeedID, body.SubfeedHash, feeds.Invalid, fmt.Sprintf("submission timestamp is off by %v", age.Round(time.Second)), nil)
	}

	return nil
}
