package feeds

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

type watchResult struct {
	name     string
	messages []json.RawMessage
}

// WatchForNewMessages reads every watched subfeed concurrently and returns
// the messages found, keyed by watch name. It returns when every read is done,
// when wait expires, or shortly after the first read produced messages, so
// that watches progressing together are reported together. Watches that
// produced nothing, or failed, are absent from the result.
func (m *FeedManager) WatchForNewMessages(ctx context.Context, watches map[string]SubfeedWatch, wait time.Duration, maxCount int) (map[string][]json.RawMessage, error) {
	res := make(map[string][]json.RawMessage)

	for name, w := range watches {
		if w.Position < 0 {
			return nil, NewFeedErr(w.FeedID, w.SubfeedHash, Invalid, fmt.Sprintf("watch %s: negative position", name), nil)
		}
		if _, err := ParseFeedID(string(w.FeedID)); err != nil {
			return nil, err
		}
		if _, err := ParseSubfeedHash(string(w.SubfeedHash)); err != nil {
			return nil, err
		}
	}

	if len(watches) == 0 {
		return res, nil
	}

	wctx, cancel := context.WithCancel(ctx)
	defer cancel()

	resultsCh := make(chan watchResult, len(watches))

	for name, w := range watches {
		go func(name string, w SubfeedWatch) {
			msgs, err := m.GetMessages(wctx, w.FeedID, w.SubfeedHash, w.Position, maxCount, wait)
			if err != nil {
				m.logger.WithFields(logrus.Fields{
					"watch": name,
					"error": err,
				}).Debug("Watch failed")
				msgs = nil
			}
			resultsCh <- watchResult{name: name, messages: msgs}
		}(name, w)
	}

	var deadlineCh <-chan time.Time
	if wait > 0 {
		deadline := time.NewTimer(wait)
		defer deadline.Stop()
		deadlineCh = deadline.C
	}

	var settle *time.Timer
	var settleCh <-chan time.Time
	defer func() {
		if settle != nil {
			settle.Stop()
		}
	}()

	for pending := len(watches); pending > 0; {
		select {
		case r := <-resultsCh:
			pending--
			if len(r.messages) == 0 {
				continue
			}
			res[r.name] = r.messages
			if settle == nil {
				settle = time.NewTimer(m.conf.WatchSettleDelay)
				settleCh = settle.C
			}
		case <-settleCh:
			return res, nil
		case <-deadlineCh:
			return res, nil
		case <-ctx.Done():
			return res, nil
		}
	}

	return res, nil
}
