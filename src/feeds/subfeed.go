package feeds

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/flatironinstitute/kachery-p2p/src/crypto"
	"github.com/flatironinstitute/kachery-p2p/src/crypto/keys"
	"github.com/sirupsen/logrus"
)

const (
	bootstrapMaxMessages = 10
	bootstrapWait        = time.Millisecond
)

// SubfeedState captures the initialization state of a Subfeed: Uninitialized,
// Initializing, Ready, or Failed.
type SubfeedState uint32

const (
	// Uninitialized is the state of a Subfeed that has not been loaded yet.
	Uninitialized SubfeedState = iota
	// Initializing is loading
	Initializing
	// Ready serves reads and writes
	Ready
	// Failed is terminal
	Failed
)

// String ...
func (s SubfeedState) String() string {
	switch s {
	case Uninitialized:
		return "Uninitialized"
	case Initializing:
		return "Initializing"
	case Ready:
		return "Ready"
	case Failed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// remoteReader pulls messages of a subfeed from the node that owns it.
type remoteReader interface {
	GetSignedMessages(ctx context.Context, feedID FeedID, subfeedHash SubfeedHash, position int, wait time.Duration) ([]SignedMessage, error)
	GetSignedMessagesWithin(ctx context.Context, feedID FeedID, subfeedHash SubfeedHash, position int, wait, findTimeout time.Duration) ([]SignedMessage, error)
}

// Subfeed is one hash-chained log. It is writable when the private key of the
// feed is known, in which case messages are signed locally. Otherwise messages
// can only come from the owner, through remote pulls.
//
// All mutations happen under l, and the on-disk log is always written before
// the in-memory slice is extended.
type Subfeed struct {
	feedID      FeedID
	subfeedHash SubfeedHash
	publicKey   *ecdsa.PublicKey
	privateKey  *ecdsa.PrivateKey

	dir        string
	log        *messageLog
	accessPath string

	remote           remoteReader
	bootstrapTimeout time.Duration

	logger *logrus.Entry

	state   uint32
	initErr error

	l           sync.Mutex
	messages    []SignedMessage
	accessRules *AccessRules
	appendedCh  chan struct{}
}

func newSubfeed(storageDir string,
	feedID FeedID,
	subfeedHash SubfeedHash,
	privateKey *ecdsa.PrivateKey,
	remote remoteReader,
	bootstrapTimeout time.Duration,
	logger *logrus.Entry,
) (*Subfeed, error) {

	pub, err := keys.ParsePublicKeyHex(string(feedID))
	if err != nil {
		return nil, NewFeedErr(feedID, subfeedHash, Invalid, "feed id is not a public key", err)
	}

	dir := subfeedDirectory(storageDir, feedID, subfeedHash)

	return &Subfeed{
		feedID:           feedID,
		subfeedHash:      subfeedHash,
		publicKey:        pub,
		privateKey:       privateKey,
		dir:              dir,
		log:              newMessageLog(filepath.Join(dir, messagesFileName)),
		accessPath:       filepath.Join(dir, accessFileName),
		remote:           remote,
		bootstrapTimeout: bootstrapTimeout,
		logger: logger.WithFields(logrus.Fields{
			"feed":    feedID,
			"subfeed": subfeedHash,
		}),
		appendedCh: make(chan struct{}),
	}, nil
}

// State returns the initialization state.
func (s *Subfeed) State() SubfeedState {
	return SubfeedState(atomic.LoadUint32(&s.state))
}

func (s *Subfeed) setState(state SubfeedState) {
	atomic.StoreUint32(&s.state, uint32(state))
}

// Err returns the error that made initialization fail, if any.
func (s *Subfeed) Err() error {
	if s.State() == Failed {
		return s.initErr
	}
	return nil
}

// FeedID ...
func (s *Subfeed) FeedID() FeedID {
	return s.feedID
}

// SubfeedHash ...
func (s *Subfeed) SubfeedHash() SubfeedHash {
	return s.subfeedHash
}

// IsWriteable reports whether messages can be signed locally.
func (s *Subfeed) IsWriteable() bool {
	return s.privateKey != nil
}

// initialize loads the subfeed from disk, verifying the whole chain, or
// creates it and tries to seed it from the owner if it is not writable.
func (s *Subfeed) initialize(ctx context.Context) error {
	s.setState(Initializing)

	if err := s.load(ctx); err != nil {
		s.initErr = err
		s.setState(Failed)
		return err
	}

	s.setState(Ready)
	return nil
}

func (s *Subfeed) load(ctx context.Context) error {
	exists, err := dirExists(s.dir)
	if err != nil {
		return persistenceErr(s.feedID, s.subfeedHash, "checking subfeed directory", err)
	}

	if exists {
		return s.loadFromDisk()
	}

	if err := os.MkdirAll(s.dir, defaultDirPerm); err != nil {
		return persistenceErr(s.feedID, s.subfeedHash, "creating subfeed directory", err)
	}

	if !s.IsWriteable() && s.remote != nil {
		s.bootstrap(ctx)
	}

	return nil
}

func (s *Subfeed) loadFromDisk() error {
	msgs, err := s.log.ReadAll()
	if err != nil {
		var formatErr *logFormatError
		if errors.As(err, &formatErr) {
			return integrityErr(s.feedID, s.subfeedHash, err)
		}
		return persistenceErr(s.feedID, s.subfeedHash, "reading messages", err)
	}

	if err := verifyChain(s.publicKey, 0, "", msgs); err != nil {
		s.logger.WithError(err).Error("Corrupted subfeed")
		return integrityErr(s.feedID, s.subfeedHash, err)
	}

	s.messages = msgs

	if s.IsWriteable() {
		var rules AccessRules
		found, err := readDocument(s.accessPath, &rules)
		if err != nil {
			return persistenceErr(s.feedID, s.subfeedHash, "reading access rules", err)
		}
		if found {
			s.accessRules = &rules
		}
	}

	s.logger.WithField("messages", len(msgs)).Debug("Loaded subfeed")

	return nil
}

// bootstrap makes one bounded attempt at pulling the first messages from the
// owner. Failure is not fatal; later reads at the tail try again.
func (s *Subfeed) bootstrap(ctx context.Context) {
	bctx, cancel := context.WithTimeout(ctx, s.bootstrapTimeout)
	defer cancel()

	// search for the owner until bctx expires, the owner itself barely waits
	deadline, _ := bctx.Deadline()

	msgs, err := s.remote.GetSignedMessagesWithin(bctx, s.feedID, s.subfeedHash, 0, bootstrapWait, time.Until(deadline))
	if err != nil {
		s.logger.WithError(err).Debug("Initial remote pull failed")
		return
	}

	if len(msgs) > bootstrapMaxMessages {
		msgs = msgs[:bootstrapMaxMessages]
	}

	if err := s.AppendSignedMessages(msgs); err != nil {
		s.logger.WithError(err).Warn("Rejected messages from initial remote pull")
		return
	}

	s.logger.WithField("messages", len(msgs)).Debug("Initial remote pull")
}

// NumMessages returns the number of messages known locally.
func (s *Subfeed) NumMessages() int {
	s.l.Lock()
	defer s.l.Unlock()
	return len(s.messages)
}

// GetSignedMessages returns up to maxCount messages starting at position
// (maxCount <= 0 means no limit). Messages already known are returned
// immediately. At the tail of the log, a writable subfeed waits up to wait for
// a new append, while a non-writable one asks the owner for newer messages.
// Running out of time is not an error: the result is simply empty.
func (s *Subfeed) GetSignedMessages(ctx context.Context, position int, maxCount int, wait time.Duration) ([]SignedMessage, error) {
	if position < 0 {
		return nil, NewFeedErr(s.feedID, s.subfeedHash, Invalid, fmt.Sprintf("negative position %d", position), nil)
	}

	s.l.Lock()
	n := len(s.messages)

	if position > n {
		s.l.Unlock()
		return []SignedMessage{}, nil
	}

	if position < n {
		res := s.sliceLocked(position, maxCount)
		s.l.Unlock()
		return res, nil
	}

	if !s.IsWriteable() {
		s.l.Unlock()
		return s.pullRemote(ctx, position, maxCount, wait)
	}

	if wait <= 0 {
		s.l.Unlock()
		return []SignedMessage{}, nil
	}

	appendedCh := s.appendedCh
	s.l.Unlock()

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case <-appendedCh:
	case <-timer.C:
	case <-ctx.Done():
	}

	s.l.Lock()
	defer s.l.Unlock()
	return s.sliceLocked(position, maxCount), nil
}

func (s *Subfeed) pullRemote(ctx context.Context, position int, maxCount int, wait time.Duration) ([]SignedMessage, error) {
	if s.remote == nil {
		return []SignedMessage{}, nil
	}

	msgs, err := s.remote.GetSignedMessages(ctx, s.feedID, s.subfeedHash, position, wait)
	if err != nil {
		return nil, err
	}

	if len(msgs) > 0 {
		if err := s.AppendSignedMessages(msgs); err != nil {
			return nil, err
		}
	}

	s.l.Lock()
	defer s.l.Unlock()
	return s.sliceLocked(position, maxCount), nil
}

func (s *Subfeed) sliceLocked(position int, maxCount int) []SignedMessage {
	n := len(s.messages)
	if position >= n {
		return []SignedMessage{}
	}

	end := n
	if maxCount > 0 && position+maxCount < n {
		end = position + maxCount
	}

	res := make([]SignedMessage, end-position)
	copy(res, s.messages[position:end])
	return res
}

// AppendMessages signs messages with the feed's private key and appends them.
// metaData, if not empty, is attached to every message.
func (s *Subfeed) AppendMessages(messages []json.RawMessage, metaData json.RawMessage) error {
	if !s.IsWriteable() {
		return NewFeedErr(s.feedID, s.subfeedHash, Permission, "subfeed is not writeable", nil)
	}

	canonical := make([]json.RawMessage, len(messages))
	for i, m := range messages {
		c, err := crypto.CanonicalJSON(m)
		if err != nil {
			return NewFeedErr(s.feedID, s.subfeedHash, Invalid, fmt.Sprintf("message %d is not valid json", i), err)
		}
		canonical[i] = c
	}

	if len(metaData) > 0 {
		c, err := crypto.CanonicalJSON(metaData)
		if err != nil {
			return NewFeedErr(s.feedID, s.subfeedHash, Invalid, "metadata is not valid json", err)
		}
		metaData = c
	}

	s.l.Lock()
	defer s.l.Unlock()

	n := len(s.messages)
	var previous Signature
	if n > 0 {
		previous = s.messages[n-1].Signature
	}

	timestamp := time.Now().UnixNano() / int64(time.Millisecond)

	signed := make([]SignedMessage, 0, len(canonical))
	for i, m := range canonical {
		body := MessageBody{
			Message:           m,
			PreviousSignature: previous,
			MessageNumber:     n + i,
			Timestamp:         timestamp,
			MetaData:          metaData,
		}

		sm, err := signBody(s.privateKey, body)
		if err != nil {
			return NewFeedErr(s.feedID, s.subfeedHash, Invalid, "signing message", err)
		}

		signed = append(signed, sm)
		previous = sm.Signature
	}

	return s.appendSignedLocked(signed)
}

// AppendSignedMessages appends messages that are already signed. Messages the
// log already holds are skipped, provided they are identical. The rest must
// continue the chain; if any of them does not, the whole batch is rejected.
func (s *Subfeed) AppendSignedMessages(msgs []SignedMessage) error {
	s.l.Lock()
	defer s.l.Unlock()

	return s.appendSignedLocked(msgs)
}

func (s *Subfeed) appendSignedLocked(msgs []SignedMessage) error {
	n := len(s.messages)

	start := 0
	for start < len(msgs) && msgs[start].Body.MessageNumber < n {
		num := msgs[start].Body.MessageNumber
		if num < 0 || !sameMessage(&s.messages[num], &msgs[start]) {
			return integrityErr(s.feedID, s.subfeedHash, fmt.Errorf("message %d conflicts with the stored one", num))
		}
		start++
	}
	msgs = msgs[start:]

	if len(msgs) == 0 {
		return nil
	}

	var tail Signature
	if n > 0 {
		tail = s.messages[n-1].Signature
	}

	if err := verifyChain(s.publicKey, n, tail, msgs); err != nil {
		s.logger.WithError(err).Warn("Rejected messages")
		return integrityErr(s.feedID, s.subfeedHash, err)
	}

	if err := s.log.Append(msgs); err != nil {
		return persistenceErr(s.feedID, s.subfeedHash, "appending messages", err)
	}

	s.messages = append(s.messages, msgs...)

	// wake up readers waiting at the old tail
	close(s.appendedCh)
	s.appendedCh = make(chan struct{})

	s.logger.WithFields(logrus.Fields{
		"appended": len(msgs),
		"total":    len(s.messages),
	}).Debug("Appended messages")

	return nil
}

// GetAccessRules returns a copy of the access rules of a writable subfeed, or
// nil if none were set.
func (s *Subfeed) GetAccessRules() (*AccessRules, error) {
	if !s.IsWriteable() {
		return nil, NewFeedErr(s.feedID, s.subfeedHash, Permission, "subfeed is not writeable", nil)
	}

	s.l.Lock()
	defer s.l.Unlock()

	if s.accessRules == nil {
		return nil, nil
	}

	res := &AccessRules{Rules: make([]AccessRule, len(s.accessRules.Rules))}
	copy(res.Rules, s.accessRules.Rules)
	return res, nil
}

// SetAccessRules replaces the access rules of a writable subfeed.
func (s *Subfeed) SetAccessRules(rules AccessRules) error {
	if !s.IsWriteable() {
		return NewFeedErr(s.feedID, s.subfeedHash, Permission, "subfeed is not writeable", nil)
	}

	next := &AccessRules{Rules: make([]AccessRule, len(rules.Rules))}
	copy(next.Rules, rules.Rules)

	if err := next.Validate(); err != nil {
		return err
	}

	s.l.Lock()
	defer s.l.Unlock()

	if err := writeDocument(s.accessPath, next, defaultFilePerm); err != nil {
		return persistenceErr(s.feedID, s.subfeedHash, "writing access rules", err)
	}

	s.accessRules = next

	return nil
}

// RemoteNodeHasWriteAccess reports whether nodeID may submit messages. Without
// rules, nobody can.
func (s *Subfeed) RemoteNodeHasWriteAccess(nodeID NodeID) bool {
	s.l.Lock()
	defer s.l.Unlock()

	if s.accessRules == nil {
		return false
	}

	for _, r := range s.accessRules.Rules {
		if r.NodeID == nodeID && r.Write {
			return true
		}
	}

	return false
}
