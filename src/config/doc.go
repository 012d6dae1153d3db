// Package config defines the configuration for a kachery-p2p node.
//
// Regardless of how the node is started, directly from Go code or as a
// standalone process from the command line, it uses the Config object defined
// in this package to store and forward configuration options. On top of these
// options, the node relies on a config directory, defined by
// Config.ConfigDir, where it expects to find a few additional files:
//
//  priv_key   // a plain text file containing the raw node key (cf. kachery-p2p keygen).
//  feeds.json // private keys and names of the feeds owned by this node.
//  peers.json // (optional) a JSON file containing the list of known peers.
//  storage/   // the feeds tree, unless Config.DataDir points elsewhere.
package config
