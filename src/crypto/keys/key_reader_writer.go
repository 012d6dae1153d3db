package keys

import (
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"sync"
)

// KeyReaderWriter reads and writes ecdsa keys from/to any format or support.
type KeyReaderWriter interface {
	ReadKey() (*ecdsa.PrivateKey, error)
	WriteKey(*ecdsa.PrivateKey) error
}

// SimpleKeyfile implements KeyReaderWriter with a plain file holding the hex
// dump of the key's D value.
type SimpleKeyfile struct {
	l       sync.Mutex
	keyfile string
}

// NewSimpleKeyfile instantiates a new SimpleKeyfile with an underlying file
func NewSimpleKeyfile(keyfile string) *SimpleKeyfile {
	return &SimpleKeyfile{
		keyfile: keyfile,
	}
}

// Path returns the location of the underlying file.
func (k *SimpleKeyfile) Path() string {
	return k.keyfile
}

// CheckFileInfo verifies that the file exists and has user permissions only.
func (k *SimpleKeyfile) CheckFileInfo() error {
	info, err := os.Stat(k.keyfile)
	if err != nil {
		return err
	}

	perm := info.Mode().Perm()

	// 'group' and 'other' bits
	var nonUserMask os.FileMode = (1 << 6) - 1

	if perm&nonUserMask != 0 {
		return fmt.Errorf("key file permissions should exclude 'groups' and 'others'. Got %o", perm)
	}

	return nil
}

// ReadKey implements KeyReaderWriter.
func (k *SimpleKeyfile) ReadKey() (*ecdsa.PrivateKey, error) {
	k.l.Lock()
	defer k.l.Unlock()

	return k.readKey()
}

func (k *SimpleKeyfile) readKey() (*ecdsa.PrivateKey, error) {
	if err := k.CheckFileInfo(); err != nil {
		return nil, err
	}

	buf, err := ioutil.ReadFile(k.keyfile)
	if err != nil {
		return nil, err
	}

	return ParsePrivateKeyHex(string(buf))
}

// WriteKey implements KeyReaderWriter.
func (k *SimpleKeyfile) WriteKey(key *ecdsa.PrivateKey) error {
	k.l.Lock()
	defer k.l.Unlock()

	return k.writeKey(key)
}

func (k *SimpleKeyfile) writeKey(key *ecdsa.PrivateKey) error {
	rawKey := hex.EncodeToString(DumpPrivateKey(key))

	if err := os.MkdirAll(filepath.Dir(k.keyfile), 0700); err != nil {
		return err
	}

	return ioutil.WriteFile(k.keyfile, []byte(rawKey), 0600)
}

// ReadOrGenerateKey returns the key stored in the file. If there is no file
// yet, a new key is generated and written. The boolean reports whether the key
// was generated.
func (k *SimpleKeyfile) ReadOrGenerateKey() (*ecdsa.PrivateKey, bool, error) {
	k.l.Lock()
	defer k.l.Unlock()

	if _, err := os.Stat(k.keyfile); err == nil {
		key, err := k.readKey()
		return key, false, err
	} else if !os.IsNotExist(err) {
		return nil, false, err
	}

	key, err := GenerateECDSAKey()
	if err != nil {
		return nil, false, err
	}

	if err := k.writeKey(key); err != nil {
		return nil, false, err
	}

	return key, true, nil
}
