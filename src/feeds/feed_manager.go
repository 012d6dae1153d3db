package feeds

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/flatironinstitute/kachery-p2p/src/crypto/keys"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

// FeedManagerConfig ...
type FeedManagerConfig struct {
	// StorageDir is the directory under which the feeds/ tree lives.
	StorageDir string
	// BootstrapTimeout bounds the remote pull made when a subfeed that is not
	// writable is opened for the first time.
	BootstrapTimeout time.Duration
	// WatchSettleDelay is how long WatchForNewMessages keeps collecting once
	// a first watch has produced messages.
	WatchSettleDelay time.Duration
}

// Default FeedManager timings.
const (
	DefaultBootstrapTimeout = 3 * time.Second
	DefaultWatchSettleDelay = 30 * time.Millisecond
)

// FeedManager is the public API of the feeds package. It creates and deletes
// feeds, opens subfeeds on demand, and routes every operation to the local
// Subfeed or to the RemoteFeedManager depending on whether this node holds the
// feed's private key.
//
// Subfeeds are kept for the lifetime of the manager. Concurrent first accesses
// to the same subfeed share a single load.
type FeedManager struct {
	conf        FeedManagerConfig
	configStore *FeedsConfigStore
	remote      *RemoteFeedManager

	subfeedsLock sync.Mutex
	subfeeds     map[string]*Subfeed
	loadGroup    singleflight.Group

	logger *logrus.Entry
}

// NewFeedManager ...
func NewFeedManager(conf FeedManagerConfig,
	configStore *FeedsConfigStore,
	remote *RemoteFeedManager,
	logger *logrus.Entry,
) *FeedManager {
	if logger == nil {
		log := logrus.New()
		log.Level = logrus.DebugLevel
		logger = logrus.NewEntry(log)
	}

	if conf.BootstrapTimeout <= 0 {
		conf.BootstrapTimeout = DefaultBootstrapTimeout
	}

	if conf.WatchSettleDelay <= 0 {
		conf.WatchSettleDelay = DefaultWatchSettleDelay
	}

	return &FeedManager{
		conf:        conf,
		configStore: configStore,
		remote:      remote,
		subfeeds:    make(map[string]*Subfeed),
		logger:      logger.WithField("component", "feeds"),
	}
}

// Remote returns the RemoteFeedManager, which may be nil.
func (m *FeedManager) Remote() *RemoteFeedManager {
	return m.remote
}

// CreateFeed generates a new key-pair, stores it, optionally under name, and
// returns the id of the new writable feed.
func (m *FeedManager) CreateFeed(name string) (FeedID, error) {
	priv, err := keys.GenerateECDSAKey()
	if err != nil {
		return "", NewFeedErr("", "", Persistence, "generating feed key", err)
	}

	feedID := FeedID(keys.PublicKeyHex(&priv.PublicKey))
	dir := feedDirectory(m.conf.StorageDir, feedID)

	if err := os.MkdirAll(dir, defaultDirPerm); err != nil {
		return "", persistenceErr(feedID, "", "creating feed directory", err)
	}

	if err := m.configStore.AddFeed(feedID, priv, name); err != nil {
		os.RemoveAll(dir)
		return "", err
	}

	m.logger.WithFields(logrus.Fields{
		"feed": feedID,
		"name": name,
	}).Info("Created feed")

	return feedID, nil
}

// DeleteFeed removes the feed's directory and forgets its keys and names.
func (m *FeedManager) DeleteFeed(feedID FeedID) error {
	feedID, err := ParseFeedID(string(feedID))
	if err != nil {
		return err
	}

	if err := os.RemoveAll(feedDirectory(m.conf.StorageDir, feedID)); err != nil {
		return persistenceErr(feedID, "", "removing feed directory", err)
	}

	if err := m.configStore.RemoveFeed(feedID); err != nil {
		return err
	}

	m.subfeedsLock.Lock()
	prefix := string(feedID) + "/"
	for key := range m.subfeeds {
		if strings.HasPrefix(key, prefix) {
			delete(m.subfeeds, key)
		}
	}
	m.subfeedsLock.Unlock()

	m.logger.WithField("feed", feedID).Info("Deleted feed")

	return nil
}

// GetFeedID returns the id of the feed created under name. The boolean is
// false if the name is unknown or the feed's directory has disappeared.
func (m *FeedManager) GetFeedID(name string) (FeedID, bool, error) {
	feedID, ok, err := m.configStore.FeedIDByName(name)
	if err != nil || !ok {
		return "", false, err
	}

	exists, err := dirExists(feedDirectory(m.conf.StorageDir, feedID))
	if err != nil {
		return "", false, persistenceErr(feedID, "", "checking feed directory", err)
	}
	if !exists {
		return "", false, nil
	}

	return feedID, true, nil
}

// HasWriteableFeed reports whether this node holds the private key of the feed
// and its directory exists.
func (m *FeedManager) HasWriteableFeed(feedID FeedID) (bool, error) {
	priv, err := m.configStore.PrivateKey(feedID)
	if err != nil || priv == nil {
		return false, err
	}

	exists, err := dirExists(feedDirectory(m.conf.StorageDir, feedID))
	if err != nil {
		return false, persistenceErr(feedID, "", "checking feed directory", err)
	}

	return exists, nil
}

// loadSubfeed returns the registered Subfeed, or loads it. A subfeed that
// failed to load because of an integrity error stays registered, so that every
// later access reports the same error. The initial remote pull of a new
// subfeed is bounded by ctx of the caller that triggered the load.
func (m *FeedManager) loadSubfeed(ctx context.Context, feedID FeedID, subfeedHash SubfeedHash) (*Subfeed, error) {
	key := subfeedKey(feedID, subfeedHash)

	if sf := m.registered(key); sf != nil {
		if err := sf.Err(); err != nil {
			return nil, err
		}
		return sf, nil
	}

	v, err, _ := m.loadGroup.Do(key, func() (interface{}, error) {
		if sf := m.registered(key); sf != nil {
			return sf, sf.Err()
		}

		writeable, err := m.HasWriteableFeed(feedID)
		if err != nil {
			return nil, err
		}

		sf, err := m.newSubfeed(feedID, subfeedHash, writeable)
		if err != nil {
			return nil, err
		}

		if err := sf.initialize(ctx); err != nil {
			if IsFeedErr(err, Integrity) {
				m.register(key, sf)
			}
			return nil, err
		}

		m.register(key, sf)

		return sf, nil
	})
	if err != nil {
		return nil, err
	}

	return v.(*Subfeed), nil
}

func (m *FeedManager) newSubfeed(feedID FeedID, subfeedHash SubfeedHash, writeable bool) (*Subfeed, error) {
	var priv *ecdsa.PrivateKey
	if writeable {
		var err error
		if priv, err = m.configStore.PrivateKey(feedID); err != nil {
			return nil, err
		}
	}

	var remote remoteReader
	if m.remote != nil {
		remote = m.remote
	}

	return newSubfeed(m.conf.StorageDir, feedID, subfeedHash, priv, remote, m.conf.BootstrapTimeout, m.logger)
}

func (m *FeedManager) registered(key string) *Subfeed {
	m.subfeedsLock.Lock()
	defer m.subfeedsLock.Unlock()
	return m.subfeeds[key]
}

func (m *FeedManager) register(key string, sf *Subfeed) {
	m.subfeedsLock.Lock()
	defer m.subfeedsLock.Unlock()
	m.subfeeds[key] = sf
}

// openSubfeed validates the identifiers and returns the loaded Subfeed.
func (m *FeedManager) openSubfeed(ctx context.Context, feedID FeedID, subfeedHash SubfeedHash) (*Subfeed, error) {
	feedID, err := ParseFeedID(string(feedID))
	if err != nil {
		return nil, err
	}

	subfeedHash, err = ParseSubfeedHash(string(subfeedHash))
	if err != nil {
		return nil, err
	}

	return m.loadSubfeed(ctx, feedID, subfeedHash)
}

// AppendMessages signs and appends messages to a subfeed of a feed this node
// holds the private key of.
func (m *FeedManager) AppendMessages(ctx context.Context, feedID FeedID, subfeedHash SubfeedHash, messages []json.RawMessage) error {
	sf, err := m.openSubfeed(ctx, feedID, subfeedHash)
	if err != nil {
		return err
	}

	if !sf.IsWriteable() {
		return NewFeedErr(sf.FeedID(), sf.SubfeedHash(), Permission, "feed is not writeable on this node", nil)
	}

	return sf.AppendMessages(messages, nil)
}

// AppendSignedMessages appends messages signed elsewhere by the feed's owner.
// They are verified exactly like messages pulled from the network.
func (m *FeedManager) AppendSignedMessages(ctx context.Context, feedID FeedID, subfeedHash SubfeedHash, messages []SignedMessage) error {
	sf, err := m.openSubfeed(ctx, feedID, subfeedHash)
	if err != nil {
		return err
	}

	return sf.AppendSignedMessages(messages)
}

// SubmitMessages appends messages locally if the feed is writable here, and
// otherwise submits them to the node that owns the feed, waiting at most
// timeout for it to be found.
func (m *FeedManager) SubmitMessages(ctx context.Context, feedID FeedID, subfeedHash SubfeedHash, messages []json.RawMessage, timeout time.Duration) error {
	feedID, err := ParseFeedID(string(feedID))
	if err != nil {
		return err
	}

	subfeedHash, err = ParseSubfeedHash(string(subfeedHash))
	if err != nil {
		return err
	}

	for i, msg := range messages {
		if !json.Valid(msg) {
			return NewFeedErr(feedID, subfeedHash, Invalid, fmt.Sprintf("message %d is not valid json", i), nil)
		}
	}

	writeable, err := m.HasWriteableFeed(feedID)
	if err != nil {
		return err
	}

	if writeable {
		return m.AppendMessages(ctx, feedID, subfeedHash, messages)
	}

	if m.remote == nil {
		return NewFeedErr(feedID, subfeedHash, Unavailable, "feed is not writeable and there is no network", nil)
	}

	return m.remote.SubmitMessages(ctx, feedID, subfeedHash, messages, timeout)
}

// SubmitMessagesFromRemoteNode is called when another node submits messages.
// The feed must be writable here and the subfeed's access rules must grant
// write access to fromNodeID. Accepted messages record who submitted them.
func (m *FeedManager) SubmitMessagesFromRemoteNode(ctx context.Context, fromNodeID NodeID, feedID FeedID, subfeedHash SubfeedHash, messages []json.RawMessage) error {
	feedID, err := ParseFeedID(string(feedID))
	if err != nil {
		return err
	}

	writeable, err := m.HasWriteableFeed(feedID)
	if err != nil {
		return err
	}
	if !writeable {
		return NewFeedErr(feedID, subfeedHash, Unavailable, "feed is not writeable on this node", nil)
	}

	sf, err := m.openSubfeed(ctx, feedID, subfeedHash)
	if err != nil {
		return err
	}

	if !sf.RemoteNodeHasWriteAccess(fromNodeID) {
		m.logger.WithFields(logrus.Fields{
			"feed":    feedID,
			"subfeed": subfeedHash,
			"from":    fromNodeID,
		}).Warn("Refused submission")
		return NewFeedErr(feedID, sf.SubfeedHash(), Permission, "node "+string(fromNodeID)+" does not have write access", nil)
	}

	metaData, err := json.Marshal(MessageMetaData{SubmittedByNodeID: fromNodeID})
	if err != nil {
		return err
	}

	return sf.AppendMessages(messages, metaData)
}

// GetSignedMessages returns up to maxCount messages of a subfeed, starting at
// position, waiting at most wait if there are none yet.
func (m *FeedManager) GetSignedMessages(ctx context.Context, feedID FeedID, subfeedHash SubfeedHash, position int, maxCount int, wait time.Duration) ([]SignedMessage, error) {
	sf, err := m.openSubfeed(ctx, feedID, subfeedHash)
	if err != nil {
		return nil, err
	}

	return sf.GetSignedMessages(ctx, position, maxCount, wait)
}

// GetMessages is GetSignedMessages without the envelopes.
func (m *FeedManager) GetMessages(ctx context.Context, feedID FeedID, subfeedHash SubfeedHash, position int, maxCount int, wait time.Duration) ([]json.RawMessage, error) {
	signed, err := m.GetSignedMessages(ctx, feedID, subfeedHash, position, maxCount, wait)
	if err != nil {
		return nil, err
	}

	res := make([]json.RawMessage, len(signed))
	for i, sm := range signed {
		res[i] = sm.Body.Message
	}

	return res, nil
}

// GetNumMessages returns the number of messages of a subfeed known to this
// node.
func (m *FeedManager) GetNumMessages(ctx context.Context, feedID FeedID, subfeedHash SubfeedHash) (int, error) {
	sf, err := m.openSubfeed(ctx, feedID, subfeedHash)
	if err != nil {
		return 0, err
	}

	return sf.NumMessages(), nil
}

// GetFeedInfo reports whether the feed is writable here and, if not, where
// its live copy is, searching for at most timeout.
func (m *FeedManager) GetFeedInfo(ctx context.Context, feedID FeedID, timeout time.Duration) (*FeedInfo, error) {
	feedID, err := ParseFeedID(string(feedID))
	if err != nil {
		return nil, err
	}

	writeable, err := m.HasWriteableFeed(feedID)
	if err != nil {
		return nil, err
	}

	if writeable {
		return &FeedInfo{IsWriteable: true}, nil
	}

	if m.remote == nil {
		return nil, NewFeedErr(feedID, "", Unavailable, "feed is not writeable and there is no network", nil)
	}

	loc, err := m.remote.FindLiveFeedLocation(ctx, feedID, timeout)
	if err != nil {
		return nil, err
	}

	return &FeedInfo{
		IsWriteable:      false,
		LiveFeedLocation: loc,
	}, nil
}

// GetAccessRules returns the access rules of a writable subfeed, nil if there
// are none.
func (m *FeedManager) GetAccessRules(ctx context.Context, feedID FeedID, subfeedHash SubfeedHash) (*AccessRules, error) {
	sf, err := m.openSubfeed(ctx, feedID, subfeedHash)
	if err != nil {
		return nil, err
	}

	return sf.GetAccessRules()
}

// SetAccessRules replaces the access rules of a writable subfeed.
func (m *FeedManager) SetAccessRules(ctx context.Context, feedID FeedID, subfeedHash SubfeedHash, rules AccessRules) error {
	sf, err := m.openSubfeed(ctx, feedID, subfeedHash)
	if err != nil {
		return err
	}

	if err := sf.SetAccessRules(rules); err != nil {
		return err
	}

	m.logger.WithFields(logrus.Fields{
		"feed":    sf.FeedID(),
		"subfeed": sf.SubfeedHash(),
		"rules":   len(rules.Rules),
	}).Debug("Set access rules")

	return nil
}
