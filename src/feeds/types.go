package feeds

import (
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/flatironinstitute/kachery-p2p/src/common"
	"github.com/flatironinstitute/kachery-p2p/src/crypto"
)

const (
	feedIDLength      = 66
	subfeedHashLength = 40
)

// FeedID is the hex encoding of a feed's compressed public key.
type FeedID string

// SubfeedHash selects one subfeed within a feed.
type SubfeedHash string

// NodeID is the hex encoding of a node's compressed public key.
type NodeID string

// Signature is a hex-encoded DER signature.
type Signature string

// ParseFeedID validates and normalises a feed identifier.
func ParseFeedID(s string) (FeedID, error) {
	s = common.NormalizeHex(s)
	if !common.IsHex(s, feedIDLength) || (s[:2] != "02" && s[:2] != "03") {
		return "", NewFeedErr("", "", Invalid, fmt.Sprintf("invalid feed id %q", s), nil)
	}
	return FeedID(s), nil
}

// ParseSubfeedHash validates and normalises a subfeed selector.
func ParseSubfeedHash(s string) (SubfeedHash, error) {
	s = common.NormalizeHex(s)
	if !common.IsHex(s, subfeedHashLength) {
		return "", NewFeedErr("", "", Invalid, fmt.Sprintf("invalid subfeed hash %q", s), nil)
	}
	return SubfeedHash(s), nil
}

// ParseNodeID validates and normalises a node identifier.
func ParseNodeID(s string) (NodeID, error) {
	id, err := ParseFeedID(s)
	if err != nil {
		return "", NewFeedErr("", "", Invalid, fmt.Sprintf("invalid node id %q", s), nil)
	}
	return NodeID(id), nil
}

// SubfeedHashFromName derives a selector from a human readable name. The core
// never calls it; it is offered to callers who address subfeeds by name.
func SubfeedHashFromName(name string) SubfeedHash {
	return SubfeedHash(hex.EncodeToString(crypto.SHA256([]byte(name))[:subfeedHashLength/2]))
}

// MessageBody is the signed part of a SignedMessage.
type MessageBody struct {
	Message           json.RawMessage `json:"message"`
	PreviousSignature Signature       `json:"previousSignature,omitempty"`
	MessageNumber     int             `json:"messageNumber"`
	Timestamp         int64           `json:"timestamp"`
	MetaData          json.RawMessage `json:"metaData,omitempty"`
}

// SignedMessage is one entry of a subfeed.
type SignedMessage struct {
	Body      MessageBody `json:"body"`
	Signature Signature   `json:"signature"`
}

// MessageMetaData is the metadata attached to messages appended on behalf of
// a remote node.
type MessageMetaData struct {
	SubmittedByNodeID NodeID `json:"submittedByNodeId,omitempty"`
}

// SubmittedBy returns the node on whose behalf the message was appended, if
// any.
func (m *SignedMessage) SubmittedBy() NodeID {
	if len(m.Body.MetaData) == 0 {
		return ""
	}
	var md MessageMetaData
	if err := json.Unmarshal(m.Body.MetaData, &md); err != nil {
		return ""
	}
	return md.SubmittedByNodeID
}

// AccessRule grants (or not) a remote node the right to submit messages.
type AccessRule struct {
	NodeID NodeID `json:"nodeId"`
	Write  bool   `json:"write"`
}

// AccessRules is the ordered rule list of one subfeed.
type AccessRules struct {
	Rules []AccessRule `json:"rules"`
}

// Validate checks every node id in the list.
func (r *AccessRules) Validate() error {
	for i, rule := range r.Rules {
		id, err := ParseNodeID(string(rule.NodeID))
		if err != nil {
			return err
		}
		r.Rules[i].NodeID = id
	}
	return nil
}

// LiveFeedLocation identifies the remote node holding the writable copy of a
// feed.
type LiveFeedLocation struct {
	Channel string `json:"channel"`
	NodeID  NodeID `json:"nodeId"`
}

// FeedInfo is returned by FeedManager.GetFeedInfo.
type FeedInfo struct {
	IsWriteable      bool              `json:"isWriteable"`
	LiveFeedLocation *LiveFeedLocation `json:"liveFeedLocation,omitempty"`
}

// SubfeedWatch is one entry of a WatchForNewMessages request.
type SubfeedWatch struct {
	FeedID      FeedID      `json:"feedId"`
	SubfeedHash SubfeedHash `json:"subfeedHash"`
	Position    int         `json:"position"`
}

func subfeedKey(feedID FeedID, subfeedHash SubfeedHash) string {
	return string(feedID) + "/" + string(subfeedHash)
}
