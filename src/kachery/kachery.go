package kachery

import (
	"crypto/ecdsa"
	"fmt"
	"os"

	"github.com/flatironinstitute/kachery-p2p/src/config"
	"github.com/flatironinstitute/kachery-p2p/src/crypto/keys"
	"github.com/flatironinstitute/kachery-p2p/src/feeds"
	"github.com/flatironinstitute/kachery-p2p/src/net"
	"github.com/flatironinstitute/kachery-p2p/src/node"
	"github.com/flatironinstitute/kachery-p2p/src/peers"
	"github.com/flatironinstitute/kachery-p2p/src/service"
	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
)

// Kachery is a struct containing the key parts of a kachery-p2p node
type Kachery struct {
	Config      *config.Config
	Node        *node.Node
	Transport   net.Transport
	Peers       *peers.PeerSet
	FeedManager *feeds.FeedManager
	Service     *service.Service

	logger *logrus.Entry
}

// NewKachery is a factory method to produce a Kachery instance.
func NewKachery(c *config.Config) *Kachery {
	engine := &Kachery{
		Config: c,
		logger: c.Logger(),
	}

	return engine
}

// Init initialises the engine, in order: key, peers, transport, feed manager,
// node and service.
func (k *Kachery) Init() error {
	if err := k.initKey(); err != nil {
		k.logger.WithError(err).Error("kachery.go:Init() initKey")
		return err
	}

	if err := k.initPeers(); err != nil {
		k.logger.WithError(err).Error("kachery.go:Init() initPeers")
		return err
	}

	if err := k.initTransport(); err != nil {
		k.logger.WithError(err).Error("kachery.go:Init() initTransport")
		return err
	}

	if err := k.initFeedManager(); err != nil {
		k.logger.WithError(err).Error("kachery.go:Init() initFeedManager")
		return err
	}

	if err := k.initNode(); err != nil {
		k.logger.WithError(err).Error("kachery.go:Init() initNode")
		return err
	}

	if err := k.initService(); err != nil {
		k.logger.WithError(err).Error("kachery.go:Init() initService")
		return err
	}

	return nil
}

// Run starts the service, if any, and the node. It blocks until Shutdown.
func (k *Kachery) Run() {
	if k.Service != nil {
		go k.Service.Serve()
	}

	k.Node.Run()
}

// Shutdown stops the service and the node, and reports every error that
// occurred on the way.
func (k *Kachery) Shutdown() error {
	var result error

	if k.Service != nil {
		if err := k.Service.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("closing service: %w", err))
		}
	}

	if k.Node != nil {
		if err := k.Node.Shutdown(); err != nil {
			result = multierror.Append(result, fmt.Errorf("shutting down node: %w", err))
		}
	} else if k.Transport != nil {
		if err := k.Transport.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("closing transport: %w", err))
		}
	}

	return result
}

func (k *Kachery) initKey() error {
	if k.Config.Key != nil {
		return nil
	}

	keyfile := keys.NewSimpleKeyfile(k.Config.Keyfile())

	privKey, created, err := keyfile.ReadOrGenerateKey()
	if err != nil {
		return fmt.Errorf("node key %s: %w", keyfile.Path(), err)
	}

	if created {
		k.logger.WithField("path", keyfile.Path()).Info("Created a new node key")
	}

	k.Config.Key = privKey

	return nil
}

// initPeers merges peers.json with the peers given in the configuration. The
// configured ones are written back to peers.json so they are remembered.
func (k *Kachery) initPeers() error {
	peerStore := peers.NewJSONPeerSet(k.Config.ConfigDir)

	peerSet, err := peerStore.PeerSet()
	if err != nil {
		return err
	}

	added := 0
	for _, s := range k.Config.Peers {
		peer, err := peers.ParsePeer(s)
		if err != nil {
			return err
		}
		if _, ok := peerSet.ByNodeID[peer.NodeID]; ok {
			continue
		}
		peerSet = peerSet.WithNewPeer(peer)
		added++
	}

	if added > 0 {
		if err := peerStore.Write(peerSet.Peers); err != nil {
			k.logger.WithError(err).Warn("Could not save peers")
		}
	}

	k.logger.WithFields(logrus.Fields{
		"peers": peerSet.Len(),
		"added": added,
	}).Debug("Loaded peers")

	k.Peers = peerSet

	return nil
}

func (k *Kachery) initTransport() error {
	transport, err := net.NewTCPTransport(
		k.Config.BindAddr,
		k.Config.AdvertiseAddr,
		k.Config.MaxPool,
		k.Config.TCPTimeout,
		k.logger.WithField("component", "net"),
	)
	if err != nil {
		return err
	}

	k.Transport = transport

	return nil
}

func (k *Kachery) initFeedManager() error {
	storageDir := k.Config.StorageDir()

	if err := os.MkdirAll(storageDir, 0755); err != nil {
		return fmt.Errorf("creating storage directory: %w", err)
	}

	remote := feeds.NewRemoteFeedManager(k.Config.RemoteFeedManagerConfig(), k.logger)

	k.FeedManager = feeds.NewFeedManager(
		k.Config.FeedManagerConfig(),
		feeds.NewFeedsConfigStore(k.Config.ConfigDir),
		remote,
		k.logger,
	)

	return nil
}

func (k *Kachery) initNode() error {
	identity := node.NewIdentity(k.Config.Key, k.Config.Moniker)

	k.logger.WithFields(logrus.Fields{
		"node_id": identity.NodeID(),
		"channel": k.Config.Channel,
		"storage": k.Config.StorageDir(),
	}).Info("Node identity")

	k.Node = node.NewNode(
		k.Config,
		identity,
		k.Peers,
		k.FeedManager,
		k.Transport,
	)

	return nil
}

func (k *Kachery) initService() error {
	if !k.Config.NoService {
		k.Service = service.NewService(k.Config.ServiceAddr, k.Node, k.logger)
	}
	return nil
}

// Keygen generates a new node key in keyfile. It refuses to overwrite an
// existing key.
func Keygen(keyfile string) (*ecdsa.PrivateKey, error) {
	simpleKeyfile := keys.NewSimpleKeyfile(keyfile)

	if _, err := simpleKeyfile.ReadKey(); err == nil {
		return nil, fmt.Errorf("another key already lives under %s", keyfile)
	}

	privKey, err := keys.GenerateECDSAKey()
	if err != nil {
		return nil, err
	}

	if err := simpleKeyfile.WriteKey(privKey); err != nil {
		return nil, err
	}

	return privKey, nil
}
