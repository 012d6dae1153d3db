package feeds

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/flatironinstitute/kachery-p2p/src/crypto"
)

// messageLog is the on-disk, append-only part of a subfeed: one canonical JSON
// SignedMessage per line.
type messageLog struct {
	path string
}

func newMessageLog(path string) *messageLog {
	return &messageLog{path: path}
}

// ReadAll returns every message in file order. A missing file is an empty log.
func (l *messageLog) ReadAll() ([]SignedMessage, error) {
	f, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var res []SignedMessage

	r := bufio.NewReader(f)
	lineNumber := 0
	for {
		line, err := r.ReadBytes('\n')
		if err != nil && err != io.EOF {
			return nil, err
		}

		if trimmed := bytes.TrimSpace(line); len(trimmed) > 0 {
			var m SignedMessage
			if jerr := json.Unmarshal(trimmed, &m); jerr != nil {
				return nil, &logFormatError{line: lineNumber, err: jerr}
			}
			res = append(res, m)
		}
		lineNumber++

		if err == io.EOF {
			break
		}
	}

	return res, nil
}

// Append writes msgs at the end of the file and syncs it to stable storage.
func (l *messageLog) Append(msgs []SignedMessage) error {
	if len(msgs) == 0 {
		return nil
	}

	var buf bytes.Buffer
	for i := range msgs {
		line, err := crypto.CanonicalJSON(&msgs[i])
		if err != nil {
			return err
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}

	f, err := os.OpenFile(l.path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, defaultFilePerm)
	if err != nil {
		return err
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return err
	}

	// On failure, cut the file back so that a partial line never stays
	// behind the in-memory tail.
	fail := func(err error) error {
		f.Truncate(info.Size())
		f.Close()
		return err
	}

	if _, err := f.Write(buf.Bytes()); err != nil {
		return fail(err)
	}

	if err := f.Sync(); err != nil {
		return fail(err)
	}

	return f.Close()
}

// logFormatError is returned by ReadAll for a line that is not a valid
// SignedMessage.
type logFormatError struct {
	line int
	err  error
}

func (e *logFormatError) Error() string {
	return fmt.Sprintf("line %d: %v", e.line, e.err)
}

func (e *logFormatError) Unwrap() error {
	return e.err
}
