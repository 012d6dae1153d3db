package feeds

import (
	"errors"
	"fmt"
)

// FeedErrType classifies feed errors.
type FeedErrType uint32

const (
	// Integrity means a bad signature or a broken chain. A subfeed that fails
	// to load for this reason is not served again.
	Integrity FeedErrType = iota
	// Permission means the operation needs a private key or an access rule
	// that is missing.
	Permission
	// Unavailable means the feed could not be located in time. Retrying later
	// may succeed.
	Unavailable
	// Persistence means a file could not be read or written.
	Persistence
	// Invalid means the request was rejected before touching any state.
	Invalid
)

// String ...
func (t FeedErrType) String() string {
	switch t {
	case Integrity:
		return "Integrity"
	case Permission:
		return "Permission"
	case Unavailable:
		return "Unavailable"
	case Persistence:
		return "Persistence"
	case Invalid:
		return "Invalid"
	default:
		return "Unknown"
	}
}

// FeedErr is the error type returned by every operation of this package.
type FeedErr struct {
	feedID      FeedID
	subfeedHash SubfeedHash
	errType     FeedErrType
	msg         string
	cause       error
}

// NewFeedErr ...
func NewFeedErr(feedID FeedID, subfeedHash SubfeedHash, errType FeedErrType, msg string, cause error) FeedErr {
	return FeedErr{
		feedID:      feedID,
		subfeedHash: subfeedHash,
		errType:     errType,
		msg:         msg,
		cause:       cause,
	}
}

// Error ...
func (e FeedErr) Error() string {
	m := fmt.Sprintf("%s: %s", e.errType, e.msg)

	if e.feedID != "" {
		m = fmt.Sprintf("%s (feed %s", m, e.feedID)
		if e.subfeedHash != "" {
			m = fmt.Sprintf("%s, subfeed %s", m, e.subfeedHash)
		}
		m += ")"
	}

	if e.cause != nil {
		m = fmt.Sprintf("%s: %v", m, e.cause)
	}

	return m
}

// Unwrap returns the underlying error, if any.
func (e FeedErr) Unwrap() error {
	return e.cause
}

// Type returns the class of the error.
func (e FeedErr) Type() FeedErrType {
	return e.errType
}

// Message returns the error message without the feed coordinates and cause.
func (e FeedErr) Message() string {
	return e.msg
}

// IsFeedErr checks that err is, or wraps, a FeedErr of type t.
func IsFeedErr(err error, t FeedErrType) bool {
	errType, ok := ErrType(err)
	return ok && errType == t
}

// ErrType returns the type of the FeedErr in err's chain.
func ErrType(err error) (FeedErrType, bool) {
	var feedErr FeedErr
	if errors.As(err, &feedErr) {
		return feedErr.errType, true
	}
	return 0, false
}

func integrityErr(feedID FeedID, subfeedHash SubfeedHash, cause error) FeedErr {
	return NewFeedErr(feedID, subfeedHash, Integrity, "chain verification failed", cause)
}

func persistenceErr(feedID FeedID, subfeedHash SubfeedHash, what string, cause error) FeedErr {
	return NewFeedErr(feedID, subfeedHash, Persistence, what, cause)
}

// ParseErrType is the inverse of FeedErrType.String.
func ParseErrType(s string) (FeedErrType, bool) {
	for t := Integrity; t <= Invalid; t++ {
		if t.String() == s {
			return t, true
		}
	}
	return 0, false
}
