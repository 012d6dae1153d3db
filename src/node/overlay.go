package node

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/flatironinstitute/kachery-p2p/src/crypto"
	"github.com/flatironinstitute/kachery-p2p/src/crypto/keys"
	"github.com/flatironinstitute/kachery-p2p/src/feeds"
	"github.com/flatironinstitute/kachery-p2p/src/net"
	"github.com/flatironinstitute/kachery-p2p/src/peers"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// maxConcurrentChecks bounds the number of CheckForLiveFeed requests a single
// search has in flight.
const maxConcurrentChecks = 16

// FindLiveFeed implements feeds.Overlay. Every peer is asked whether it holds
// the writable copy of the feed. Positive answers are sent on the returned
// channel as they arrive, and the channel is closed once all peers have
// answered or ctx is done.
func (n *Node) FindLiveFeed(ctx context.Context, feedID feeds.FeedID) (<-chan feeds.LiveFeedLocation, error) {
	peerList := n.GetPeers().Peers

	out := make(chan feeds.LiveFeedLocation, len(peerList))

	var g errgroup.Group
	g.SetLimit(maxConcurrentChecks)

	go func() {
		defer close(out)

		for _, p := range peerList {
			if ctx.Err() != nil {
				break
			}
			p := p
			g.Go(func() error {
				n.checkForLiveFeed(ctx, p, feedID, out)
				return nil
			})
		}

		g.Wait()
	}()

	return out, nil
}

func (n *Node) checkForLiveFeed(ctx context.Context, peer *peers.Peer, feedID feeds.FeedID, out chan<- feeds.LiveFeedLocation) {
	args := net.CheckForLiveFeedRequest{
		FromID:  n.identity.NodeID(),
		Channel: n.conf.Channel,
		FeedID:  feedID,
	}

	var resp net.CheckForLiveFeedResponse

	if err := n.trans.CheckForLiveFeed(ctx, peer.NetAddr, &args, &resp); err != nil {
		n.logger.WithFields(logrus.Fields{
			"peer":  peer.String(),
			"error": err,
		}).Debug("CheckForLiveFeed")
		return
	}

	if !resp.HasLiveFeed {
		return
	}

	if resp.FromID != peer.NodeID || resp.Channel != n.conf.Channel {
		n.logger.WithFields(logrus.Fields{
			"peer":    peer.String(),
			"from_id": resp.FromID,
			"channel": resp.Channel,
		}).Warn("Ignoring CheckForLiveFeedResponse from unexpected node")
		return
	}

	out <- feeds.LiveFeedLocation{
		Channel: resp.Channel,
		NodeID:  resp.FromID,
	}
}

// GetLiveFeedSignedMessages implements feeds.Overlay.
func (n *Node) GetLiveFeedSignedMessages(ctx context.Context,
	loc feeds.LiveFeedLocation,
	feedID feeds.FeedID,
	subfeedHash feeds.SubfeedHash,
	position int,
	wait time.Duration,
) ([]feeds.SignedMessage, error) {
	peer, err := n.peerAt(loc)
	if err != nil {
		return nil, err
	}

	args := net.GetLiveFeedSignedMessagesRequest{
		FromID:      n.identity.NodeID(),
		FeedID:      feedID,
		SubfeedHash: subfeedHash,
		Position:    position,
		WaitMsec:    wait.Milliseconds(),
	}

	var resp net.GetLiveFeedSignedMessagesResponse

	start := time.Now()
	err = n.trans.GetLiveFeedSignedMessages(ctx, peer.NetAddr, &args, &resp)
	elapsed := time.Since(start)

	n.logger.WithFields(logrus.Fields{
		"peer":     peer.String(),
		"feed":     feedID,
		"subfeed":  subfeedHash,
		"position": position,
		"duration": elapsed.Nanoseconds(),
	}).Debug("GetLiveFeedSignedMessages()")

	if err != nil {
		return nil, err
	}

	if resp.FromID != peer.NodeID {
		return nil, fmt.Errorf("response from %s, expected %s", resp.FromID, peer.NodeID)
	}

	if resp.Error != nil {
		return nil, resp.Error.Err(feedID, subfeedHash)
	}

	return resp.SignedMessages, nil
}

// SubmitMessagesToLiveFeed implements feeds.Overlay. The request is signed
// with the node key so the receiver can check it against our node id.
func (n *Node) SubmitMessagesToLiveFeed(ctx context.Context,
	loc feeds.LiveFeedLocation,
	feedID feeds.FeedID,
	subfeedHash feeds.SubfeedHash,
	messages []json.RawMessage,
) error {
	peer, err := n.peerAt(loc)
	if err != nil {
		return err
	}

	args, err := n.signSubmission(net.SubmitMessagesBody{
		FromNodeID:  n.identity.NodeID(),
		FeedID:      feedID,
		SubfeedHash: subfeedHash,
		Messages:    messages,
		Timestamp:   time.Now().UnixNano() / int64(time.Millisecond),
	})
	if err != nil {
		return err
	}

	var resp net.SubmitMessagesToLiveFeedResponse

	if err := n.trans.SubmitMessagesToLiveFeed(ctx, peer.NetAddr, args, &resp); err != nil {
		return err
	}

	if resp.Error != nil {
		return resp.Error.Err(feedID, subfeedHash)
	}

	if !resp.Success {
		return fmt.Errorf("submission not accepted by %s", peer.NodeID)
	}

	return nil
}

func (n *Node) signSubmission(body net.SubmitMessagesBody) (*net.SubmitMessagesToLiveFeedRequest, error) {
	hash, err := crypto.CanonicalHash(body)
	if err != nil {
		return nil, fmt.Errorf("hashing submission: %w", err)
	}

	sig, err := keys.Sign(n.identity.Key, hash)
	if err != nil {
		return nil, fmt.Errorf("signing submission: %w", err)
	}

	return &net.SubmitMessagesToLiveFeedRequest{
		Body:      body,
		Signature: sig,
	}, nil
}

// peerAt resolves a location to a known peer of our channel.
func (n *Node) peerAt(loc feeds.LiveFeedLocation) (*peers.Peer, error) {
	if loc.Channel != n.conf.Channel {
		return nil, fmt.Errorf("location on channel %q, this node is on %q", loc.Channel, n.conf.Channel)
	}

	peer, ok := n.GetPeers().ByNodeID[loc.NodeID]
	if !ok {
		return nil, fmt.Errorf("unknown node %s", loc.NodeID)
	}

	return peer, nil
}
