package feeds

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/sirupsen/logrus"
)

// Overlay is what the feeds package needs from the peer-to-peer network.
//
// FindLiveFeed starts a search for the nodes that hold the writable copy of a
// feed. Every node found is sent on the returned channel, which is closed when
// the search is over. Cancelling ctx stops the search.
//
// GetLiveFeedSignedMessages and SubmitMessagesToLiveFeed are the remote
// counterparts of FeedManager.GetSignedMessages and
// FeedManager.SubmitMessagesFromRemoteNode. When the remote node refuses a
// request, the error is a FeedErr of the same type it had remotely. Any other
// error means the node could not be reached.
type Overlay interface {
	FindLiveFeed(ctx context.Context, feedID FeedID) (<-chan LiveFeedLocation, error)
	GetLiveFeedSignedMessages(ctx context.Context, loc LiveFeedLocation, feedID FeedID, subfeedHash SubfeedHash, position int, wait time.Duration) ([]SignedMessage, error)
	SubmitMessagesToLiveFeed(ctx context.Context, loc LiveFeedLocation, feedID FeedID, subfeedHash SubfeedHash, messages []json.RawMessage) error
}

// RemoteFeedManagerConfig ...
type RemoteFeedManagerConfig struct {
	// CacheSize bounds the number of live feed locations remembered.
	CacheSize int
	// LocationTTL is how long a live feed location is trusted before it is
	// looked up again.
	LocationTTL time.Duration
	// DiscoveryTimeout bounds a single FindLiveFeed search.
	DiscoveryTimeout time.Duration
	// ReadRetryInterval is the pause between searches while a read waits.
	ReadRetryInterval time.Duration
	// SubmitRetryInterval is the pause between searches while a submission
	// waits.
	SubmitRetryInterval time.Duration
}

// DefaultRemoteFeedManagerConfig ...
func DefaultRemoteFeedManagerConfig() RemoteFeedManagerConfig {
	return RemoteFeedManagerConfig{
		CacheSize:           1000,
		LocationTTL:         5 * time.Minute,
		DiscoveryTimeout:    2 * time.Second,
		ReadRetryInterval:   time.Second,
		SubmitRetryInterval: 2 * time.Second,
	}
}

// RemoteFeedManager finds where the writable copy of a feed lives, and talks
// to that node through the Overlay. Locations are cached for LocationTTL, and
// dropped as soon as the node they point to fails to answer.
type RemoteFeedManager struct {
	conf RemoteFeedManagerConfig

	overlayLock sync.RWMutex
	overlay     Overlay

	locations *expirable.LRU[FeedID, LiveFeedLocation]

	logger *logrus.Entry
}

// NewRemoteFeedManager ...
func NewRemoteFeedManager(conf RemoteFeedManagerConfig, logger *logrus.Entry) *RemoteFeedManager {
	if logger == nil {
		log := logrus.New()
		log.Level = logrus.DebugLevel
		logger = logrus.NewEntry(log)
	}

	return &RemoteFeedManager{
		conf:      conf,
		locations: expirable.NewLRU[FeedID, LiveFeedLocation](conf.CacheSize, nil, conf.LocationTTL),
		logger:    logger.WithField("component", "remote-feeds"),
	}
}

// SetOverlay connects the manager to the network. Until it is called, every
// remote operation reports the feed as unavailable.
func (r *RemoteFeedManager) SetOverlay(o Overlay) {
	r.overlayLock.Lock()
	defer r.overlayLock.Unlock()
	r.overlay = o
}

func (r *RemoteFeedManager) getOverlay() Overlay {
	r.overlayLock.RLock()
	defer r.overlayLock.RUnlock()
	return r.overlay
}

// InvalidateLocation forgets the cached location of a feed.
func (r *RemoteFeedManager) InvalidateLocation(feedID FeedID) {
	r.locations.Remove(feedID)
}

// FindLiveFeedLocation returns the cached location of a feed, or searches the
// network for it for at most timeout. The search is cancelled as soon as a
// first location is found.
func (r *RemoteFeedManager) FindLiveFeedLocation(ctx context.Context, feedID FeedID, timeout time.Duration) (*LiveFeedLocation, error) {
	if loc, ok := r.locations.Get(feedID); ok {
		return &loc, nil
	}

	overlay := r.getOverlay()
	if overlay == nil {
		return nil, NewFeedErr(feedID, "", Unavailable, "not connected to the network", nil)
	}

	if timeout <= 0 {
		timeout = r.conf.DiscoveryTimeout
	}

	fctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	results, err := overlay.FindLiveFeed(fctx, feedID)
	if err != nil {
		return nil, NewFeedErr(feedID, "", Unavailable, "searching live feed", err)
	}

	select {
	case loc, ok := <-results:
		if !ok {
			return nil, NewFeedErr(feedID, "", Unavailable, "live feed not found", nil)
		}

		r.locations.Add(feedID, loc)

		r.logger.WithFields(logrus.Fields{
			"feed":    feedID,
			"node":    loc.NodeID,
			"channel": loc.Channel,
		}).Debug("Found live feed")

		return &loc, nil
	case <-fctx.Done():
		return nil, NewFeedErr(feedID, "", Unavailable, "live feed not found in time", nil)
	}
}

// findWithRetry searches for the location until it is found, the deadline is
// passed, or ctx is done. Each search is bounded by DiscoveryTimeout and by the
// time left before the deadline. Once the deadline is passed only the cache is
// consulted.
func (r *RemoteFeedManager) findWithRetry(ctx context.Context, feedID FeedID, deadline time.Time, retry time.Duration) (*LiveFeedLocation, error) {
	for {
		timeout := time.Until(deadline)
		if timeout <= 0 {
			if loc, ok := r.locations.Get(feedID); ok {
				return &loc, nil
			}
			return nil, NewFeedErr(feedID, "", Unavailable, "live feed not found in time", nil)
		}
		if timeout > r.conf.DiscoveryTimeout {
			timeout = r.conf.DiscoveryTimeout
		}

		loc, err := r.FindLiveFeedLocation(ctx, feedID, timeout)
		if err == nil {
			return loc, nil
		}

		if time.Until(deadline) < retry || !sleepContext(ctx, retry) {
			return nil, err
		}
	}
}

// GetSignedMessages pulls messages from position on from the node that owns
// the feed. The remote node waits up to wait for new messages if it has none,
// and the owner is searched for no longer than wait. If the owner cannot be
// found or reached in time the result is nil, not an error.
func (r *RemoteFeedManager) GetSignedMessages(ctx context.Context, feedID FeedID, subfeedHash SubfeedHash, position int, wait time.Duration) ([]SignedMessage, error) {
	return r.GetSignedMessagesWithin(ctx, feedID, subfeedHash, position, wait, wait)
}

// GetSignedMessagesWithin is GetSignedMessages with a separate budget for
// finding the owner. The remote wait is whatever is left of wait once the owner
// is found.
func (r *RemoteFeedManager) GetSignedMessagesWithin(ctx context.Context, feedID FeedID, subfeedHash SubfeedHash, position int, wait, findTimeout time.Duration) ([]SignedMessage, error) {
	start := time.Now()

	loc, err := r.findWithRetry(ctx, feedID, start.Add(findTimeout), r.conf.ReadRetryInterval)
	if err != nil {
		r.logger.WithFields(logrus.Fields{
			"feed":  feedID,
			"error": err,
		}).Debug("Could not locate live feed")
		return nil, nil
	}

	overlay := r.getOverlay()
	if overlay == nil {
		return nil, nil
	}

	remaining := time.Until(start.Add(wait))
	if remaining < 0 {
		remaining = 0
	}

	msgs, err := overlay.GetLiveFeedSignedMessages(ctx, *loc, feedID, subfeedHash, position, remaining)
	if err != nil {
		if errType, ok := ErrType(err); ok && errType != Unavailable {
			return nil, err
		}

		r.InvalidateLocation(feedID)

		r.logger.WithFields(logrus.Fields{
			"feed":  feedID,
			"node":  loc.NodeID,
			"error": err,
		}).Warn("Failed to get messages from live feed")

		return nil, nil
	}

	return msgs, nil
}

// SubmitMessages asks the owner of a feed to append messages on our behalf.
// Unlike reads, failing to find or reach the owner within timeout is an error.
func (r *RemoteFeedManager) SubmitMessages(ctx context.Context, feedID FeedID, subfeedHash SubfeedHash, messages []json.RawMessage, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)

	loc, err := r.findWithRetry(ctx, feedID, deadline, r.conf.SubmitRetryInterval)
	if err != nil {
		return err
	}

	overlay := r.getOverlay()
	if overlay == nil {
		return NewFeedErr(feedID, subfeedHash, Unavailable, "not connected to the network", nil)
	}

	if err := overlay.SubmitMessagesToLiveFeed(ctx, *loc, feedID, subfeedHash, messages); err != nil {
		if errType, ok := ErrType(err); ok {
			// the node no longer hosts the feed
			if errType == Unavailable {
				r.InvalidateLocation(feedID)
			}
			return err
		}

		r.InvalidateLocation(feedID)

		return NewFeedErr(feedID, subfeedHash, Unavailable, "submitting messages to live feed", err)
	}

	r.logger.WithFields(logrus.Fields{
		"feed":     feedID,
		"subfeed":  subfeedHash,
		"node":     loc.NodeID,
		"messages": len(messages),
	}).Debug("Submitted messages")

	return nil
}

// sleepContext pauses for d and reports false if ctx was done first.
func sleepContext(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
