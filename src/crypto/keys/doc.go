// Package keys implements the public key cryptography behind feeds and nodes.
//
// A feed is identified by the public half of a secp256k1 key-pair; whoever
// holds the private half is the single writer of every subfeed in that feed.
// Nodes own a key-pair too, and use it to sign the requests they send when
// submitting messages to feeds hosted elsewhere.
//
// Public keys travel as the hex encoding of their 33-byte compressed form.
// Signatures are deterministic (RFC6979) ECDSA signatures, DER-encoded and
// hex-encoded, computed over a 32-byte digest supplied by the caller.
package keys
