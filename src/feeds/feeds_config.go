package feeds

import (
	"crypto/ecdsa"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/flatironinstitute/kachery-p2p/src/crypto/keys"
)

// FeedKeys is the key-pair of a feed held by this node, hex encoded.
type FeedKeys struct {
	PrivateKey string `json:"privateKey"`
	PublicKey  string `json:"publicKey"`
}

// FeedsConfig is the content of feeds.json.
type FeedsConfig struct {
	FeedIDsByName map[string]FeedID   `json:"feedIdsByName"`
	Feeds         map[FeedID]FeedKeys `json:"feeds"`
}

func newFeedsConfig() *FeedsConfig {
	return &FeedsConfig{
		FeedIDsByName: make(map[string]FeedID),
		Feeds:         make(map[FeedID]FeedKeys),
	}
}

func (c *FeedsConfig) clone() *FeedsConfig {
	res := newFeedsConfig()
	for k, v := range c.FeedIDsByName {
		res.FeedIDsByName[k] = v
	}
	for k, v := range c.Feeds {
		res.Feeds[k] = v
	}
	return res
}

// FeedsConfigStore persists FeedsConfig in a single JSON file. The file is read
// on first use and cached; every mutation rewrites it wholesale, and the cache
// is only replaced once the write has succeeded.
type FeedsConfigStore struct {
	l      sync.Mutex
	path   string
	config *FeedsConfig
}

// NewFeedsConfigStore creates a store backed by <configDir>/feeds.json.
func NewFeedsConfigStore(configDir string) *FeedsConfigStore {
	return &FeedsConfigStore{
		path: filepath.Join(configDir, feedsConfigName),
	}
}

// Path returns the location of the underlying file.
func (s *FeedsConfigStore) Path() string {
	return s.path
}

// Config returns a copy of the current configuration.
func (s *FeedsConfigStore) Config() (*FeedsConfig, error) {
	s.l.Lock()
	defer s.l.Unlock()

	c, err := s.load()
	if err != nil {
		return nil, err
	}
	return c.clone(), nil
}

func (s *FeedsConfigStore) load() (*FeedsConfig, error) {
	if s.config != nil {
		return s.config, nil
	}

	c := newFeedsConfig()
	if _, err := readDocument(s.path, c); err != nil {
		return nil, persistenceErr("", "", fmt.Sprintf("reading %s", s.path), err)
	}

	// A document with null maps decodes to nil maps
	if c.FeedIDsByName == nil {
		c.FeedIDsByName = make(map[string]FeedID)
	}
	if c.Feeds == nil {
		c.Feeds = make(map[FeedID]FeedKeys)
	}

	s.config = c
	return c, nil
}

// Update applies fn to a copy of the configuration and persists the result.
// If fn or the write fails, the cached configuration is left untouched.
func (s *FeedsConfigStore) Update(fn func(*FeedsConfig) error) error {
	s.l.Lock()
	defer s.l.Unlock()

	current, err := s.load()
	if err != nil {
		return err
	}

	next := current.clone()
	if err := fn(next); err != nil {
		return err
	}

	if err := writeDocument(s.path, next, privateFilePerm); err != nil {
		return persistenceErr("", "", fmt.Sprintf("writing %s", s.path), err)
	}

	s.config = next
	return nil
}

// AddFeed registers the key-pair of a new feed, and optionally a name for it.
func (s *FeedsConfigStore) AddFeed(feedID FeedID, priv *ecdsa.PrivateKey, name string) error {
	return s.Update(func(c *FeedsConfig) error {
		c.Feeds[feedID] = FeedKeys{
			PrivateKey: keys.PrivateKeyHex(priv),
			PublicKey:  keys.PublicKeyHex(&priv.PublicKey),
		}
		if name != "" {
			c.FeedIDsByName[name] = feedID
		}
		return nil
	})
}

// RemoveFeed forgets the keys of a feed and every name that points to it.
func (s *FeedsConfigStore) RemoveFeed(feedID FeedID) error {
	return s.Update(func(c *FeedsConfig) error {
		delete(c.Feeds, feedID)
		for name, id := range c.FeedIDsByName {
			if id == feedID {
				delete(c.FeedIDsByName, name)
			}
		}
		return nil
	})
}

// FeedIDByName looks up a feed by the name it was created with.
func (s *FeedsConfigStore) FeedIDByName(name string) (FeedID, bool, error) {
	s.l.Lock()
	defer s.l.Unlock()

	c, err := s.load()
	if err != nil {
		return "", false, err
	}

	id, ok := c.FeedIDsByName[name]
	return id, ok, nil
}

// PrivateKey returns the private key of a feed, or nil if this node does not
// hold it.
func (s *FeedsConfigStore) PrivateKey(feedID FeedID) (*ecdsa.PrivateKey, error) {
	s.l.Lock()
	defer s.l.Unlock()

	c, err := s.load()
	if err != nil {
		return nil, err
	}

	k, ok := c.Feeds[feedID]
	if !ok || k.PrivateKey == "" {
		return nil, nil
	}

	priv, err := keys.ParsePrivateKeyHex(k.PrivateKey)
	if err != nil {
		return nil, persistenceErr(feedID, "", "decoding private key", err)
	}

	if FeedID(keys.PublicKeyHex(&priv.PublicKey)) != feedID {
		return nil, NewFeedErr(feedID, "", Integrity, "private key does not match feed id", nil)
	}

	return priv, nil
}
