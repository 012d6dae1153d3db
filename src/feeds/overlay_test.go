package feeds

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/flatironinstitute/kachery-p2p/src/common"
	"github.com/sirupsen/logrus"
)

// fakeNetwork connects FeedManagers directly, without a transport.
type fakeNetwork struct {
	l     sync.Mutex
	nodes map[NodeID]*FeedManager

	findCalls int32
	failReads int32
	tamper    int32
}

func newFakeNetwork() *fakeNetwork {
	return &fakeNetwork{
		nodes: make(map[NodeID]*FeedManager),
	}
}

func (n *fakeNetwork) addNode(id NodeID, m *FeedManager) {
	n.l.Lock()
	defer n.l.Unlock()
	n.nodes[id] = m
}

func (n *fakeNetwork) node(id NodeID) *FeedManager {
	n.l.Lock()
	defer n.l.Unlock()
	return n.nodes[id]
}

func (n *fakeNetwork) setFailReads(v bool) {
	if v {
		atomic.StoreInt32(&n.failReads, 1)
	} else {
		atomic.StoreInt32(&n.failReads, 0)
	}
}

func (n *fakeNetwork) setTamper(v bool) {
	if v {
		atomic.StoreInt32(&n.tamper, 1)
	} else {
		atomic.StoreInt32(&n.tamper, 0)
	}
}

// fakeOverlay is the view of the fakeNetwork from one node.
type fakeOverlay struct {
	net  *fakeNetwork
	self NodeID
}

func (o *fakeOverlay) FindLiveFeed(ctx context.Context, feedID FeedID) (<-chan LiveFeedLocation, error) {
	atomic.AddInt32(&o.net.findCalls, 1)

	o.net.l.Lock()
	defer o.net.l.Unlock()

	ch := make(chan LiveFeedLocation, len(o.net.nodes))
	for id, m := range o.net.nodes {
		if ok, _ := m.HasWriteableFeed(feedID); ok {
			ch <- LiveFeedLocation{Channel: "test", NodeID: id}
		}
	}
	close(ch)

	return ch, nil
}

func (o *fakeOverlay) GetLiveFeedSignedMessages(ctx context.Context, loc LiveFeedLocation, feedID FeedID, subfeedHash SubfeedHash, position int, wait time.Duration) ([]SignedMessage, error) {
	if atomic.LoadInt32(&o.net.failReads) == 1 {
		return nil, errors.New("connection refused")
	}

	m := o.net.node(loc.NodeID)
	if m == nil {
		return nil, errors.New("unknown node")
	}

	msgs, err := m.GetSignedMessages(ctx, feedID, subfeedHash, position, 0, wait)
	if err != nil {
		return nil, err
	}

	if atomic.LoadInt32(&o.net.tamper) == 1 && len(msgs) > 0 {
		msgs[0].Body.Message = json.RawMessage(`"tampered"`)
	}

	return msgs, nil
}

func (o *fakeOverlay) SubmitMessagesToLiveFeed(ctx context.Context, loc LiveFeedLocation, feedID FeedID, subfeedHash SubfeedHash, messages []json.RawMessage) error {
	m := o.net.node(loc.NodeID)
	if m == nil {
		return errors.New("unknown node")
	}
	return m.SubmitMessagesFromRemoteNode(ctx, o.self, feedID, subfeedHash, messages)
}

func testRemoteFeedManagerConfig() RemoteFeedManagerConfig {
	return RemoteFeedManagerConfig{
		CacheSize:           100,
		LocationTTL:         time.Minute,
		DiscoveryTimeout:    200 * time.Millisecond,
		ReadRetryInterval:   20 * time.Millisecond,
		SubmitRetryInterval: 20 * time.Millisecond,
	}
}

// newTestNode returns a FeedManager connected to the network under a fresh
// node id.
func newTestNode(t *testing.T, network *fakeNetwork) (*FeedManager, NodeID) {
	_, id := newTestKey(t)
	nodeID := NodeID(id)

	logger := common.NewTestEntry(t, logrus.DebugLevel, string(nodeID[:8]))

	remote := NewRemoteFeedManager(testRemoteFeedManagerConfig(), logger)
	remote.SetOverlay(&fakeOverlay{net: network, self: nodeID})

	dir := t.TempDir()
	m := NewFeedManager(FeedManagerConfig{
		StorageDir:       dir,
		BootstrapTimeout: time.Second,
	}, NewFeedsConfigStore(dir), remote, logger)

	network.addNode(nodeID, m)

	return m, nodeID
}
