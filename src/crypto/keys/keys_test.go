package keys

import (
	"encoding/hex"
	"io/ioutil"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/flatironinstitute/kachery-p2p/src/crypto"
)

func TestSimpleKeyfile(t *testing.T) {
	dir, err := ioutil.TempDir("", "kachery-keys")
	if err != nil {
		t.Fatalf("err: %v ", err)
	}
	defer os.RemoveAll(dir)

	simpleKeyfile := NewSimpleKeyfile(filepath.Join(dir, "private.pem"))

	// Try a read, should get nothing
	key, err := simpleKeyfile.ReadKey()
	if err == nil {
		t.Fatalf("ReadKey should generate an error")
	}
	if key != nil {
		t.Fatalf("key is not nil")
	}

	key, _ = GenerateECDSAKey()

	if err := simpleKeyfile.WriteKey(key); err != nil {
		t.Fatalf("err: %v", err)
	}

	nKey, err := simpleKeyfile.ReadKey()
	if err != nil {
		t.Fatalf("err: %v", err)
	}

	if nKey.D.Cmp(key.D) != 0 {
		t.Fatalf("Keys do not match")
	}

	if PublicKeyHex(&nKey.PublicKey) != PublicKeyHex(&key.PublicKey) {
		t.Fatalf("Public keys do not match")
	}
}

func TestReadOrGenerateKey(t *testing.T) {
	dir, err := ioutil.TempDir("", "kachery-keys")
	if err != nil {
		t.Fatalf("err: %v ", err)
	}
	defer os.RemoveAll(dir)

	keyfile := NewSimpleKeyfile(filepath.Join(dir, "sub", "private.pem"))

	key, generated, err := keyfile.ReadOrGenerateKey()
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if !generated {
		t.Fatalf("first call should generate a key")
	}

	again, generated, err := keyfile.ReadOrGenerateKey()
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if generated {
		t.Fatalf("second call should read the existing key")
	}
	if again.D.Cmp(key.D) != 0 {
		t.Fatalf("Keys do not match")
	}
}

func TestFilePermissions(t *testing.T) {
	dir, err := ioutil.TempDir("", "kachery-keys")
	if err != nil {
		t.Fatalf("err: %v ", err)
	}
	defer os.RemoveAll(dir)

	key, _ := GenerateECDSAKey()
	rawKey := hex.EncodeToString(DumpPrivateKey(key))

	shouldErr := []os.FileMode{
		0777, 0766, 0744,
		0677, 0666, 0644,
		0477, 0466, 0444,
	}

	for i, fm := range shouldErr {
		badKeyPath := filepath.Join(dir, "bad", string(rune('a'+i)))
		os.MkdirAll(filepath.Dir(badKeyPath), 0700)
		ioutil.WriteFile(badKeyPath, []byte(rawKey), fm)
		os.Chmod(badKeyPath, fm)

		if _, err := NewSimpleKeyfile(badKeyPath).ReadKey(); err == nil {
			t.Fatalf("%o || key file should return permissions error", fm)
		}
	}

	shouldNotErr := []os.FileMode{
		0700, 0600, 0500, 0400,
	}

	for i, fm := range shouldNotErr {
		goodKeyPath := filepath.Join(dir, "good", string(rune('a'+i)))
		os.MkdirAll(filepath.Dir(goodKeyPath), 0700)
		ioutil.WriteFile(goodKeyPath, []byte(rawKey), fm)
		os.Chmod(goodKeyPath, fm)

		if _, err := NewSimpleKeyfile(goodKeyPath).ReadKey(); err != nil {
			t.Fatalf("%o || key file should not return error. Got %v", fm, err)
		}
	}
}

func TestPrivateKeyHex(t *testing.T) {
	key, _ := GenerateECDSAKey()

	parsed, err := ParsePrivateKeyHex(" " + PrivateKeyHex(key) + "\n")
	if err != nil {
		t.Fatalf("err: %v", err)
	}

	if !reflect.DeepEqual(DumpPrivateKey(parsed), DumpPrivateKey(key)) {
		t.Fatalf("private keys do not match")
	}

	if _, err := ParsePrivateKey(make([]byte, 32)); err == nil {
		t.Fatalf("zero key should be rejected")
	}

	if _, err := ParsePrivateKey([]byte{1, 2, 3}); err == nil {
		t.Fatalf("short key should be rejected")
	}
}

func TestPublicKeyHex(t *testing.T) {
	key, _ := GenerateECDSAKey()

	pubHex := PublicKeyHex(&key.PublicKey)
	if len(pubHex) != 66 {
		t.Fatalf("compressed public key hex should have 66 chars, not %d", len(pubHex))
	}
	if pubHex[:2] != "02" && pubHex[:2] != "03" {
		t.Fatalf("unexpected prefix %s", pubHex[:2])
	}

	pub, err := ParsePublicKeyHex(pubHex)
	if err != nil {
		t.Fatalf("err: %v", err)
	}

	if pub.X.Cmp(key.PublicKey.X) != 0 || pub.Y.Cmp(key.PublicKey.Y) != 0 {
		t.Fatalf("public keys do not match")
	}

	if _, err := ParsePublicKeyHex("zz"); err == nil {
		t.Fatalf("garbage should not parse")
	}
}

func TestSignatureVerification(t *testing.T) {
	privKey, _ := GenerateECDSAKey()

	msg := "J'aime mieux forger mon ame que la meubler"
	msgHashBytes := crypto.SHA256([]byte(msg))

	sig, err := Sign(privKey, msgHashBytes)
	if err != nil {
		t.Fatalf("err: %v", err)
	}

	// deterministic nonce
	sig2, _ := Sign(privKey, msgHashBytes)
	if sig != sig2 {
		t.Fatalf("signatures should be deterministic")
	}

	ok, err := Verify(&privKey.PublicKey, msgHashBytes, sig)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if !ok {
		t.Fatalf("signature should verify")
	}

	otherHash := crypto.SHA256([]byte("something else"))
	ok, _ = Verify(&privKey.PublicKey, otherHash, sig)
	if ok {
		t.Fatalf("signature should not verify another message")
	}

	otherKey, _ := GenerateECDSAKey()
	ok, _ = Verify(&otherKey.PublicKey, msgHashBytes, sig)
	if ok {
		t.Fatalf("signature should not verify with another key")
	}

	if _, err := Verify(&privKey.PublicKey, msgHashBytes, "not-hex"); err == nil {
		t.Fatalf("undecodable signature should return an error")
	}
}
