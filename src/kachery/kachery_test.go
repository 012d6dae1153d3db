package kachery

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/flatironinstitute/kachery-p2p/src/config"
	"github.com/flatironinstitute/kachery-p2p/src/crypto/keys"
	"github.com/flatironinstitute/kachery-p2p/src/node"
	"github.com/flatironinstitute/kachery-p2p/src/peers"
	"github.com/sirupsen/logrus"
)

func newTestConfig(t *testing.T) *config.Config {
	conf := config.NewTestConfig(t, logrus.DebugLevel)
	conf.BindAddr = "127.0.0.1:0"
	conf.NoService = true
	conf.Moniker = "engine-test"
	return conf
}

func TestInit(t *testing.T) {
	conf := newTestConfig(t)

	peerKey, err := keys.GenerateECDSAKey()
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	conf.Peers = []string{keys.PublicKeyHex(&peerKey.PublicKey) + "@127.0.0.1:1"}

	engine := NewKachery(conf)
	if err := engine.Init(); err != nil {
		t.Fatalf("err: %v", err)
	}
	defer engine.Shutdown()

	if conf.Key == nil {
		t.Fatalf("Init should load a key")
	}

	if _, err := os.Stat(conf.Keyfile()); err != nil {
		t.Fatalf("Init should write the key: %v", err)
	}

	if _, err := os.Stat(conf.StorageDir()); err != nil {
		t.Fatalf("Init should create the storage directory: %v", err)
	}

	if engine.Node.GetPeers().Len() != 1 {
		t.Fatalf("node should have 1 peer, not %d", engine.Node.GetPeers().Len())
	}

	saved, err := peers.NewJSONPeerSet(conf.ConfigDir).PeerSet()
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if saved.Len() != 1 {
		t.Fatalf("configured peers should be saved, got %d", saved.Len())
	}

	if engine.Service != nil {
		t.Fatalf("no service should be created")
	}
}

func TestInitKeepsKey(t *testing.T) {
	conf := newTestConfig(t)

	key, err := Keygen(conf.Keyfile())
	if err != nil {
		t.Fatalf("err: %v", err)
	}

	engine := NewKachery(conf)
	if err := engine.Init(); err != nil {
		t.Fatalf("err: %v", err)
	}
	defer engine.Shutdown()

	if engine.Node.NodeID() != node.NewIdentity(key, "").NodeID() {
		t.Fatalf("node should use the existing key")
	}
}

func TestInitBadPeer(t *testing.T) {
	conf := newTestConfig(t)
	conf.Peers = []string{"not-a-peer"}

	engine := NewKachery(conf)
	if err := engine.Init(); err == nil {
		t.Fatalf("Init should fail on a malformed peer")
	}
}

func TestRunShutdown(t *testing.T) {
	conf := newTestConfig(t)

	engine := NewKachery(conf)
	if err := engine.Init(); err != nil {
		t.Fatalf("err: %v", err)
	}

	done := make(chan struct{})
	go func() {
		engine.Run()
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)

	if err := engine.Shutdown(); err != nil {
		t.Fatalf("err: %v", err)
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("Run should return after Shutdown")
	}

	if engine.Node.GetState() != node.Shutdown {
		t.Fatalf("node should be shut down, not %v", engine.Node.GetState())
	}
}

func TestKeygen(t *testing.T) {
	keyfile := filepath.Join(t.TempDir(), "priv_key")

	key, err := Keygen(keyfile)
	if err != nil {
		t.Fatalf("err: %v", err)
	}

	read, err := keys.NewSimpleKeyfile(keyfile).ReadKey()
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if keys.PublicKeyHex(&read.PublicKey) != keys.PublicKeyHex(&key.PublicKey) {
		t.Fatalf("Keygen should write the generated key")
	}

	if _, err := Keygen(keyfile); err == nil {
		t.Fatalf("Keygen should not overwrite a key")
	}
}
