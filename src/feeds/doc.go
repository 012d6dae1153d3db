// Package feeds implements replicated, single-writer, append-only logs.
//
// A feed is identified by a public key (FeedID). Each feed holds any number of
// subfeeds, selected by an opaque 40-hex-character SubfeedHash. A subfeed is a
// hash-chained log of SignedMessages: message i carries messageNumber i, the
// signature of message i-1 as its previousSignature, and a signature of its
// body by the feed's private key. The chain is verified when a subfeed is
// loaded from disk and again for every batch that is appended to it.
//
// The FeedManager is the entry point. When the local node holds a feed's
// private key the subfeed is writable and every operation is local. Otherwise
// reads and writes go through the RemoteFeedManager, which locates the node
// that owns the writable copy over an Overlay and pulls messages from it, or
// submits messages to it for appending. Submissions are accepted only from
// nodes granted write access in the subfeed's AccessRules.
//
// On disk, everything lives under <storage>/feeds, sharded by the first six
// hex characters of the identifiers:
//
//	feeds/aa/bb/cc/<feedId>/subfeeds/dd/ee/ff/<subfeedHash>/messages
//	feeds/aa/bb/cc/<feedId>/subfeeds/dd/ee/ff/<subfeedHash>/access
//
// messages is newline-delimited canonical JSON, append-only. Private keys and
// feed names are kept in a separate feeds.json managed by FeedsConfigStore.
package feeds
