package feeds

import (
	"bytes"
	"io/ioutil"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/ugorji/go/codec"
)

// Small JSON documents (feeds.json, access files) are written with sorted keys
// and indentation so that they stay readable and diff well.
func newJSONHandle() *codec.JsonHandle {
	jh := new(codec.JsonHandle)
	jh.Canonical = true
	jh.Indent = 4
	return jh
}

func marshalDocument(v interface{}) ([]byte, error) {
	b := new(bytes.Buffer)
	enc := codec.NewEncoder(b, newJSONHandle())

	if err := enc.Encode(v); err != nil {
		return nil, err
	}

	return b.Bytes(), nil
}

func unmarshalDocument(data []byte, v interface{}) error {
	dec := codec.NewDecoder(bytes.NewReader(data), newJSONHandle())
	return dec.Decode(v)
}

// readDocument decodes the file at path into v. The boolean is false, with a
// nil error, when the file does not exist.
func readDocument(path string, v interface{}) (bool, error) {
	data, err := ioutil.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}

	if err := unmarshalDocument(data, v); err != nil {
		return false, err
	}

	return true, nil
}

// writeDocument replaces the file at path with the encoding of v. The data is
// written to a temporary file in the same directory which is then renamed, so
// readers see either the old or the new document.
func writeDocument(path string, v interface{}, perm os.FileMode) error {
	data, err := marshalDocument(v)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), defaultDirPerm); err != nil {
		return err
	}

	tmp := path + "." + uuid.New().String() + tmpFileNameSuffix

	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, perm)
	if err != nil {
		return err
	}

	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}

	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}

	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}

	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}

	return nil
}
