package feeds

import (
	"bytes"
	"context"
	"encoding/json"
	"io/ioutil"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/flatironinstitute/kachery-p2p/src/common"
	"github.com/sirupsen/logrus"
)

func newTestFeedManager(t *testing.T, dir string) *FeedManager {
	return NewFeedManager(FeedManagerConfig{
		StorageDir: dir,
	}, NewFeedsConfigStore(dir), nil, common.NewTestEntry(t, logrus.DebugLevel, "feeds"))
}

func TestCreateDeleteFeed(t *testing.T) {
	dir := t.TempDir()
	m := newTestFeedManager(t, dir)

	feedID, err := m.CreateFeed("default")
	if err != nil {
		t.Fatalf("err: %v", err)
	}

	id, ok, err := m.GetFeedID("default")
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if !ok || id != feedID {
		t.Fatalf("GetFeedID should return %s, not %s (%v)", feedID, id, ok)
	}

	if ok, _ := m.HasWriteableFeed(feedID); !ok {
		t.Fatalf("new feed should be writeable")
	}

	info, err := m.GetFeedInfo(context.Background(), feedID, time.Second)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if !info.IsWriteable || info.LiveFeedLocation != nil {
		t.Fatalf("unexpected feed info %#v", info)
	}

	if err := m.AppendMessages(context.Background(), feedID, testSubfeedHash, rawMessages(`1`)); err != nil {
		t.Fatalf("err: %v", err)
	}

	if err := m.DeleteFeed(feedID); err != nil {
		t.Fatalf("err: %v", err)
	}

	if _, ok, _ := m.GetFeedID("default"); ok {
		t.Fatalf("deleted feed should not be found by name")
	}
	if ok, _ := m.HasWriteableFeed(feedID); ok {
		t.Fatalf("deleted feed should not be writeable")
	}
	if exists, _ := dirExists(feedDirectory(dir, feedID)); exists {
		t.Fatalf("feed directory should be gone")
	}
	if _, ok, _ := m.GetFeedID("unknown"); ok {
		t.Fatalf("unknown name should not be found")
	}
}

func TestFeedManagerAppendAndGet(t *testing.T) {
	m := newTestFeedManager(t, t.TempDir())
	ctx := context.Background()

	feedID, err := m.CreateFeed("")
	if err != nil {
		t.Fatalf("err: %v", err)
	}

	if err := m.AppendMessages(ctx, feedID, testSubfeedHash, rawMessages(`{"x":1}`, `{"x":2}`)); err != nil {
		t.Fatalf("err: %v", err)
	}
	if err := m.SubmitMessages(ctx, feedID, testSubfeedHash, rawMessages(`{"x":3}`), time.Second); err != nil {
		t.Fatalf("err: %v", err)
	}

	n, err := m.GetNumMessages(ctx, feedID, testSubfeedHash)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if n != 3 {
		t.Fatalf("there should be 3 messages, not %d", n)
	}

	msgs, err := m.GetMessages(ctx, feedID, testSubfeedHash, 1, 0, 0)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if len(msgs) != 2 || string(msgs[0]) != `{"x":2}` || string(msgs[1]) != `{"x":3}` {
		t.Fatalf("unexpected messages %s", msgs)
	}

	// reading at the tail is idempotent
	for i := 0; i < 2; i++ {
		msgs, err := m.GetMessages(ctx, feedID, testSubfeedHash, 3, 0, 0)
		if err != nil {
			t.Fatalf("err: %v", err)
		}
		if len(msgs) != 0 {
			t.Fatalf("there should be no message at the tail")
		}
	}

	// other subfeeds are independent
	other := SubfeedHashFromName("other")
	if n, _ := m.GetNumMessages(ctx, feedID, other); n != 0 {
		t.Fatalf("other subfeed should be empty, not %d", n)
	}
}

func TestFeedManagerInvalidArguments(t *testing.T) {
	m := newTestFeedManager(t, t.TempDir())
	ctx := context.Background()

	feedID, _ := m.CreateFeed("")

	if _, err := m.GetMessages(ctx, "1234", testSubfeedHash, 0, 0, 0); !IsFeedErr(err, Invalid) {
		t.Fatalf("expected an Invalid error, not %v", err)
	}
	if _, err := m.GetMessages(ctx, feedID, "xyz", 0, 0, 0); !IsFeedErr(err, Invalid) {
		t.Fatalf("expected an Invalid error, not %v", err)
	}
	if err := m.SubmitMessages(ctx, feedID, testSubfeedHash, rawMessages(`{`), time.Second); !IsFeedErr(err, Invalid) {
		t.Fatalf("expected an Invalid error, not %v", err)
	}

	// upper case identifiers are normalised
	upper := FeedID(bytes.ToUpper([]byte(feedID)))
	if err := m.AppendMessages(ctx, upper, testSubfeedHash, rawMessages(`1`)); err != nil {
		t.Fatalf("err: %v", err)
	}
	if n, _ := m.GetNumMessages(ctx, feedID, testSubfeedHash); n != 1 {
		t.Fatalf("there should be 1 message, not %d", n)
	}
}

func TestFeedManagerNotWriteable(t *testing.T) {
	m := newTestFeedManager(t, t.TempDir())
	ctx := context.Background()

	_, feedID := newTestKey(t)

	if err := m.AppendMessages(ctx, feedID, testSubfeedHash, rawMessages(`1`)); !IsFeedErr(err, Permission) {
		t.Fatalf("expected a Permission error, not %v", err)
	}

	if err := m.SubmitMessages(ctx, feedID, testSubfeedHash, rawMessages(`1`), time.Second); !IsFeedErr(err, Unavailable) {
		t.Fatalf("expected an Unavailable error, not %v", err)
	}

	if _, err := m.GetAccessRules(ctx, feedID, testSubfeedHash); !IsFeedErr(err, Permission) {
		t.Fatalf("expected a Permission error, not %v", err)
	}

	msgs, err := m.GetMessages(ctx, feedID, testSubfeedHash, 0, 0, 0)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("there should be no message")
	}
}

func TestSubmitMessagesFromRemoteNode(t *testing.T) {
	m := newTestFeedManager(t, t.TempDir())
	ctx := context.Background()

	feedID, _ := m.CreateFeed("")
	_, node1 := newTestKey(t)
	_, node2 := newTestKey(t)

	err := m.SubmitMessagesFromRemoteNode(ctx, NodeID(node1), feedID, testSubfeedHash, rawMessages(`1`))
	if !IsFeedErr(err, Permission) {
		t.Fatalf("expected a Permission error, not %v", err)
	}

	err = m.SetAccessRules(ctx, feedID, testSubfeedHash, AccessRules{Rules: []AccessRule{
		{NodeID: NodeID(node1), Write: true},
	}})
	if err != nil {
		t.Fatalf("err: %v", err)
	}

	rules, err := m.GetAccessRules(ctx, feedID, testSubfeedHash)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if rules == nil || len(rules.Rules) != 1 {
		t.Fatalf("unexpected rules %#v", rules)
	}

	if err := m.SubmitMessagesFromRemoteNode(ctx, NodeID(node1), feedID, testSubfeedHash, rawMessages(`1`)); err != nil {
		t.Fatalf("err: %v", err)
	}

	err = m.SubmitMessagesFromRemoteNode(ctx, NodeID(node2), feedID, testSubfeedHash, rawMessages(`2`))
	if !IsFeedErr(err, Permission) {
		t.Fatalf("expected a Permission error, not %v", err)
	}

	signed, err := m.GetSignedMessages(ctx, feedID, testSubfeedHash, 0, 0, 0)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if len(signed) != 1 {
		t.Fatalf("there should be 1 message, not %d", len(signed))
	}
	if by := signed[0].SubmittedBy(); by != NodeID(node1) {
		t.Fatalf("message should be tagged with %s, not %s", node1, by)
	}

	// a node that does not own the feed refuses submissions
	_, unknown := newTestKey(t)
	err = m.SubmitMessagesFromRemoteNode(ctx, NodeID(node1), unknown, testSubfeedHash, rawMessages(`1`))
	if !IsFeedErr(err, Unavailable) {
		t.Fatalf("expected an Unavailable error, not %v", err)
	}
}

func TestFeedManagerCorruptedSubfeed(t *testing.T) {
	dir := t.TempDir()
	m := newTestFeedManager(t, dir)
	ctx := context.Background()

	feedID, _ := m.CreateFeed("")
	if err := m.AppendMessages(ctx, feedID, testSubfeedHash, rawMessages(`"abc"`, `"def"`)); err != nil {
		t.Fatalf("err: %v", err)
	}

	path := filepath.Join(subfeedDirectory(dir, feedID, testSubfeedHash), messagesFileName)
	data, _ := ioutil.ReadFile(path)
	if err := ioutil.WriteFile(path, bytes.Replace(data, []byte(`"def"`), []byte(`"xyz"`), 1), 0644); err != nil {
		t.Fatalf("err: %v", err)
	}

	m2 := newTestFeedManager(t, dir)

	for i := 0; i < 2; i++ {
		if _, err := m2.GetMessages(ctx, feedID, testSubfeedHash, 0, 0, 0); !IsFeedErr(err, Integrity) {
			t.Fatalf("expected an Integrity error, not %v", err)
		}
	}

	if err := m2.AppendMessages(ctx, feedID, testSubfeedHash, rawMessages(`1`)); !IsFeedErr(err, Integrity) {
		t.Fatalf("expected an Integrity error, not %v", err)
	}
}

func TestFeedManagerConcurrentLoad(t *testing.T) {
	m := newTestFeedManager(t, t.TempDir())
	ctx := context.Background()

	feedID, _ := m.CreateFeed("")

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := m.AppendMessages(ctx, feedID, testSubfeedHash, rawMessages(`0`)); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Fatalf("err: %v", err)
	}

	if len(m.subfeeds) != 1 {
		t.Fatalf("there should be 1 subfeed loaded, not %d", len(m.subfeeds))
	}

	if n, _ := m.GetNumMessages(ctx, feedID, testSubfeedHash); n != 20 {
		t.Fatalf("there should be 20 messages, not %d", n)
	}
}

func TestWatchForNewMessages(t *testing.T) {
	m := newTestFeedManager(t, t.TempDir())
	ctx := context.Background()

	feedID, _ := m.CreateFeed("")
	a := SubfeedHashFromName("a")
	b := SubfeedHashFromName("b")

	if err := m.AppendMessages(ctx, feedID, a, rawMessages(`"a0"`)); err != nil {
		t.Fatalf("err: %v", err)
	}

	watches := map[string]SubfeedWatch{
		"a": {FeedID: feedID, SubfeedHash: a, Position: 0},
		"b": {FeedID: feedID, SubfeedHash: b, Position: 0},
	}

	// messages already there are returned without waiting for the deadline
	start := time.Now()
	res, err := m.WatchForNewMessages(ctx, watches, 5*time.Second, 0)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if time.Since(start) > 4*time.Second {
		t.Fatalf("watch should not wait when messages are available")
	}
	if len(res) != 1 || len(res["a"]) != 1 || string(res["a"][0]) != `"a0"` {
		t.Fatalf("unexpected result %v", res)
	}

	watches["a"] = SubfeedWatch{FeedID: feedID, SubfeedHash: a, Position: 1}

	go func() {
		time.Sleep(50 * time.Millisecond)
		m.AppendMessages(ctx, feedID, b, rawMessages(`"b0"`, `"b1"`))
	}()

	start = time.Now()
	res, err = m.WatchForNewMessages(ctx, watches, 5*time.Second, 0)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if time.Since(start) > 4*time.Second {
		t.Fatalf("watch should be woken up by the append")
	}
	if len(res) != 1 || len(res["b"]) != 2 {
		t.Fatalf("unexpected result %v", res)
	}

	// nothing new
	watches["b"] = SubfeedWatch{FeedID: feedID, SubfeedHash: b, Position: 2}
	res, err = m.WatchForNewMessages(ctx, watches, 50*time.Millisecond, 0)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if len(res) != 0 {
		t.Fatalf("there should be no new message, got %v", res)
	}

	bad := map[string]SubfeedWatch{"x": {FeedID: feedID, SubfeedHash: a, Position: -1}}
	if _, err := m.WatchForNewMessages(ctx, bad, 0, 0); !IsFeedErr(err, Invalid) {
		t.Fatalf("expected an Invalid error, not %v", err)
	}
}

func TestRemoteReplication(t *testing.T) {
	network := newFakeNetwork()
	owner, _ := newTestNode(t, network)
	reader, _ := newTestNode(t, network)
	ctx := context.Background()

	feedID, err := owner.CreateFeed("")
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if err := owner.AppendMessages(ctx, feedID, testSubfeedHash, rawMessages(`1`, `2`, `3`)); err != nil {
		t.Fatalf("err: %v", err)
	}

	info, err := reader.GetFeedInfo(ctx, feedID, time.Second)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if info.IsWriteable || info.LiveFeedLocation == nil {
		t.Fatalf("unexpected feed info %#v", info)
	}

	// the first access pulls the existing messages
	msgs, err := reader.GetMessages(ctx, feedID, testSubfeedHash, 0, 0, 0)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("there should be 3 messages, not %d", len(msgs))
	}

	go func() {
		time.Sleep(50 * time.Millisecond)
		owner.AppendMessages(ctx, feedID, testSubfeedHash, rawMessages(`4`))
	}()

	// reading at the tail waits on the owner
	msgs, err = reader.GetMessages(ctx, feedID, testSubfeedHash, 3, 0, 2*time.Second)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if len(msgs) != 1 || string(msgs[0]) != `4` {
		t.Fatalf("unexpected messages %s", msgs)
	}

	ownerSigned, _ := owner.GetSignedMessages(ctx, feedID, testSubfeedHash, 0, 0, 0)
	readerSigned, _ := reader.GetSignedMessages(ctx, feedID, testSubfeedHash, 0, 0, 0)
	if len(ownerSigned) != len(readerSigned) {
		t.Fatalf("replica has %d messages, owner has %d", len(readerSigned), len(ownerSigned))
	}
	for i := range ownerSigned {
		if ownerSigned[i].Signature != readerSigned[i].Signature {
			t.Fatalf("message %d differs", i)
		}
	}

	if err := reader.AppendMessages(ctx, feedID, testSubfeedHash, rawMessages(`5`)); !IsFeedErr(err, Permission) {
		t.Fatalf("expected a Permission error, not %v", err)
	}
}

func TestRemoteTamperedMessages(t *testing.T) {
	network := newFakeNetwork()
	owner, _ := newTestNode(t, network)
	reader, _ := newTestNode(t, network)
	ctx := context.Background()

	feedID, _ := owner.CreateFeed("")
	if err := owner.AppendMessages(ctx, feedID, testSubfeedHash, rawMessages(`1`, `2`)); err != nil {
		t.Fatalf("err: %v", err)
	}

	network.setTamper(true)

	_, err := reader.GetMessages(ctx, feedID, testSubfeedHash, 0, 0, 0)
	if !IsFeedErr(err, Integrity) {
		t.Fatalf("expected an Integrity error, not %v", err)
	}

	if n, _ := reader.GetNumMessages(ctx, feedID, testSubfeedHash); n != 0 {
		t.Fatalf("tampered messages should not be stored, got %d", n)
	}

	network.setTamper(false)

	msgs, err := reader.GetMessages(ctx, feedID, testSubfeedHash, 0, 0, 0)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("there should be 2 messages, not %d", len(msgs))
	}
}

func TestRemoteSubmit(t *testing.T) {
	network := newFakeNetwork()
	owner, _ := newTestNode(t, network)
	submitter, submitterID := newTestNode(t, network)
	ctx := context.Background()

	feedID, _ := owner.CreateFeed("")

	err := submitter.SubmitMessages(ctx, feedID, testSubfeedHash, rawMessages(`{"from":"submitter"}`), time.Second)
	if !IsFeedErr(err, Permission) {
		t.Fatalf("expected a Permission error, not %v", err)
	}

	err = owner.SetAccessRules(ctx, feedID, testSubfeedHash, AccessRules{Rules: []AccessRule{
		{NodeID: submitterID, Write: true},
	}})
	if err != nil {
		t.Fatalf("err: %v", err)
	}

	err = submitter.SubmitMessages(ctx, feedID, testSubfeedHash, rawMessages(`{"from":"submitter"}`), time.Second)
	if err != nil {
		t.Fatalf("err: %v", err)
	}

	signed, _ := owner.GetSignedMessages(ctx, feedID, testSubfeedHash, 0, 0, 0)
	if len(signed) != 1 {
		t.Fatalf("there should be 1 message, not %d", len(signed))
	}
	if by := signed[0].SubmittedBy(); by != submitterID {
		t.Fatalf("message should be tagged with %s, not %s", submitterID, by)
	}

	var body map[string]string
	if err := json.Unmarshal(signed[0].Body.Message, &body); err != nil || body["from"] != "submitter" {
		t.Fatalf("unexpected message %s", signed[0].Body.Message)
	}
}

func TestRemoteUnavailable(t *testing.T) {
	network := newFakeNetwork()
	reader, _ := newTestNode(t, network)
	ctx := context.Background()

	_, feedID := newTestKey(t)

	msgs, err := reader.GetMessages(ctx, feedID, testSubfeedHash, 0, 0, 0)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("there should be no message")
	}

	if _, err := reader.GetFeedInfo(ctx, feedID, 100*time.Millisecond); !IsFeedErr(err, Unavailable) {
		t.Fatalf("expected an Unavailable error, not %v", err)
	}

	err = reader.SubmitMessages(ctx, feedID, testSubfeedHash, rawMessages(`1`), 0)
	if !IsFeedErr(err, Unavailable) {
		t.Fatalf("expected an Unavailable error, not %v", err)
	}
}

func TestFirstAccessBoundedByCaller(t *testing.T) {
	logger := common.NewTestEntry(t, logrus.DebugLevel, "reader")

	conf := testRemoteFeedManagerConfig()
	conf.DiscoveryTimeout = 5 * time.Second

	remote := NewRemoteFeedManager(conf, logger)
	remote.SetOverlay(&silentOverlay{})

	dir := t.TempDir()
	m := NewFeedManager(FeedManagerConfig{
		StorageDir:       dir,
		BootstrapTimeout: 5 * time.Second,
	}, NewFeedsConfigStore(dir), remote, logger)

	_, feedID := newTestKey(t)

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()

	start := time.Now()
	msgs, err := m.GetMessages(ctx, feedID, testSubfeedHash, 0, 0, 0)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("there should be no message")
	}
	if d := time.Since(start); d > time.Second {
		t.Fatalf("first access with a 150ms deadline took %v", d)
	}

	// a cancelled caller does not wait for the initial pull either
	cctx, ccancel := context.WithCancel(context.Background())
	ccancel()

	start = time.Now()
	if _, err := m.GetMessages(cctx, feedID, SubfeedHashFromName("other"), 0, 0, 0); err != nil {
		t.Fatalf("err: %v", err)
	}
	if d := time.Since(start); d > time.Second {
		t.Fatalf("first access with a cancelled context took %v", d)
	}
}
