package peers

import (
	"bytes"
	"encoding/json"
	"io/ioutil"
	"os"
	"path/filepath"
	"sync"

	"github.com/flatironinstitute/kachery-p2p/src/feeds"
)

const (
	jsonPeerSetPath = "peers.json"
)

// JSONPeerSet is used to provide peer persistence on disk in the form of a JSON
// file. This allows human operators to manipulate the file.
type JSONPeerSet struct {
	l    sync.Mutex
	path string
}

// NewJSONPeerSet creates a new JSONPeerSet with reference to a base directory
// where the JSON file resides.
func NewJSONPeerSet(base string) *JSONPeerSet {
	store := &JSONPeerSet{
		path: filepath.Join(base, jsonPeerSetPath),
	}
	return store
}

// Path returns the location of the JSON file.
func (j *JSONPeerSet) Path() string {
	return j.path
}

// PeerSet parses the underlying JSON file and returns the corresponding
// PeerSet. A missing or empty file gives an empty PeerSet.
func (j *JSONPeerSet) PeerSet() (*PeerSet, error) {
	j.l.Lock()
	defer j.l.Unlock()

	// Read the file
	buf, err := ioutil.ReadFile(j.path)
	if err != nil {
		if os.IsNotExist(err) {
			return NewPeerSet(nil), nil
		}
		return nil, err
	}

	// Check for no peers
	if len(bytes.TrimSpace(buf)) == 0 {
		return NewPeerSet(nil), nil
	}

	// Decode the peers
	var peers []*Peer
	dec := json.NewDecoder(bytes.NewReader(buf))
	if err := dec.Decode(&peers); err != nil {
		return nil, err
	}

	if err := cleansePeerSet(peers); err != nil {
		return nil, err
	}

	return NewPeerSet(peers), nil
}

// cleansePeerSet standardises the node ids to the lower-case form nodes derive
// from their keys.
func cleansePeerSet(peers []*Peer) error {
	for _, peer := range peers {
		id, err := feeds.ParseNodeID(string(peer.NodeID))
		if err != nil {
			return err
		}
		peer.NodeID = id
	}
	return nil
}

// Write persists a PeerSet to a JSON file.
func (j *JSONPeerSet) Write(peers []*Peer) error {
	j.l.Lock()
	defer j.l.Unlock()

	buf, err := json.MarshalIndent(peers, "", "    ")
	if err != nil {
		return err
	}

	// Write out as JSON
	return ioutil.WriteFile(j.path, buf, 0644)
}
