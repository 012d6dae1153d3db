package node

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/flatironinstitute/kachery-p2p/src/config"
	"github.com/flatironinstitute/kachery-p2p/src/feeds"
	"github.com/flatironinstitute/kachery-p2p/src/net"
	"github.com/flatironinstitute/kachery-p2p/src/peers"
	"github.com/sirupsen/logrus"
)

//Node defines a kachery-p2p node
type Node struct {
	state

	conf   *config.Config
	logger *logrus.Entry

	identity *Identity

	peersLock sync.RWMutex
	peers     *peers.PeerSet

	feeds *feeds.FeedManager

	trans net.Transport
	netCh <-chan net.RPC

	// ctx is cancelled on Shutdown. Incoming requests run under it.
	ctx    context.Context
	cancel context.CancelFunc

	shutdownLock sync.Mutex
	shutdownCh   chan struct{}
	loopDone     chan struct{}
	looping      int32

	start          time.Time
	rpcRequests    uint64
	rpcErrors      uint64
	liveFeedChecks uint64
}

//NewNode is a factory method that returns a Node instance. The node becomes
//the Overlay of the FeedManager's RemoteFeedManager, if it has one.
func NewNode(conf *config.Config,
	identity *Identity,
	peerSet *peers.PeerSet,
	feedManager *feeds.FeedManager,
	trans net.Transport,
) *Node {
	ctx, cancel := context.WithCancel(context.Background())

	node := Node{
		conf:       conf,
		logger:     conf.Logger().WithField("this_id", shortID(identity.NodeID())),
		identity:   identity,
		peers:      peerSet.WithoutNode(identity.NodeID()),
		feeds:      feedManager,
		trans:      trans,
		netCh:      trans.Consumer(),
		ctx:        ctx,
		cancel:     cancel,
		shutdownCh: make(chan struct{}),
		loopDone:   make(chan struct{}),
		start:      time.Now(),
	}

	if remote := feedManager.Remote(); remote != nil {
		remote.SetOverlay(&node)
	}

	return &node
}

//RunAsync calls Run as a separate thread
func (n *Node) RunAsync() {
	n.logger.Debug("runasync")

	go n.Run()
}

//Run starts the transport and consumes incoming requests until Shutdown. Each
//request is processed in its own goroutine.
func (n *Node) Run() {
	if n.getState() == Shutdown || !atomic.CompareAndSwapInt32(&n.looping, 0, 1) {
		return
	}
	defer close(n.loopDone)

	go n.trans.Listen()

	n.logger.WithFields(logrus.Fields{
		"channel": n.conf.Channel,
		"peers":   n.GetPeers().Len(),
		"addr":    n.trans.AdvertiseAddr(),
	}).Info("Running")

	for {
		select {
		case rpc := <-n.netCh:
			n.goFunc(func() {
				n.processRPC(rpc)
			})
		case <-n.shutdownCh:
			return
		}
	}
}

//Shutdown stops the node. Requests being processed are cancelled and waited
//for before the transport is closed.
func (n *Node) Shutdown() error {
	n.shutdownLock.Lock()
	defer n.shutdownLock.Unlock()

	if n.getState() == Shutdown {
		return nil
	}

	n.logger.Debug("Shutdown")

	n.setState(Shutdown)

	n.cancel()

	close(n.shutdownCh)

	if atomic.LoadInt32(&n.looping) == 1 {
		<-n.loopDone
	}

	n.waitRoutines()

	//transport should only be closed once all concurrent operations are
	//finished
	return n.trans.Close()
}

//NodeID returns the id of the node
func (n *Node) NodeID() feeds.NodeID {
	return n.identity.NodeID()
}

//Moniker returns the optional name of the node
func (n *Node) Moniker() string {
	return n.identity.Moniker
}

//FeedManager returns the FeedManager the node serves
func (n *Node) FeedManager() *feeds.FeedManager {
	return n.feeds
}

//GetState returns the state of the node
func (n *Node) GetState() State {
	return n.getState()
}

//GetPeers returns the current peer-set, without this node
func (n *Node) GetPeers() *peers.PeerSet {
	n.peersLock.RLock()
	defer n.peersLock.RUnlock()
	return n.peers
}

//SetPeers replaces the peer-set
func (n *Node) SetPeers(peerSet *peers.PeerSet) {
	n.peersLock.Lock()
	defer n.peersLock.Unlock()
	n.peers = peerSet.WithoutNode(n.identity.NodeID())
}

//AddPeer adds a peer to the peer-set, replacing any peer with the same id
func (n *Node) AddPeer(peer *peers.Peer) {
	if peer.NodeID == n.identity.NodeID() {
		return
	}

	n.peersLock.Lock()
	defer n.peersLock.Unlock()
	n.peers = n.peers.WithoutNode(peer.NodeID).WithNewPeer(peer)
}

//GetStats returns stats
func (n *Node) GetStats() map[string]string {
	s := map[string]string{
		"id":               string(n.identity.NodeID()),
		"moniker":          n.identity.Moniker,
		"state":            n.getState().String(),
		"channel":          n.conf.Channel,
		"num_peers":        strconv.Itoa(n.GetPeers().Len()),
		"rpc_requests":     strconv.FormatUint(atomic.LoadUint64(&n.rpcRequests), 10),
		"rpc_errors":       strconv.FormatUint(atomic.LoadUint64(&n.rpcErrors), 10),
		"live_feed_checks": strconv.FormatUint(atomic.LoadUint64(&n.liveFeedChecks), 10),
		"routines":         strconv.Itoa(int(n.routines())),
		"uptime":           time.Since(n.start).Round(time.Second).String(),
	}
	return s
}

func shortID(id feeds.NodeID) string {
	if len(id) > 8 {
		return string(id[:8])
	}
	return string(id)
}
