package pcsm

import (
	"context"
	"testing"

	"github.com/pushgate/connd/internal/notification"
)

func newIdentifiedConnection(t *testing.T, fs *fakeStore) *Connection {
	t.Helper()
	c := New(testDeps(fs))
	mustHello(t, c)
	return c
}

func TestStorageLoopPrefersTopicStore(t *testing.T) {
	fs := newFakeStore()
	c := newIdentifiedConnection(t, fs)

	topicN := notification.Notification{ChannelID: mustChannelID(t), Version: "t1", TTL: 3600, Timestamp: c.nowS(), Topic: "weather"}
	fs.SaveMessage(context.Background(), c.uaid, topicN)

	c.checkStorage = true
	c.includeTopic = true
	out, err := c.runStorageCheckLoop(context.Background())
	if err != nil {
		t.Fatalf("runStorageCheckLoop: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("expected one message from the topic store, got %d", len(out))
	}
	if c.incrementStorage {
		t.Fatal("increment_storage must not be set when the page came from the topic store")
	}
	if !c.checkStorage {
		t.Fatal("check_storage stays true after a topic-store page (more may be pending)")
	}
}

func TestStorageLoopFallsThroughToTimestampStore(t *testing.T) {
	fs := newFakeStore()
	c := newIdentifiedConnection(t, fs)

	tsN := notification.Notification{
		ChannelID: mustChannelID(t), Version: "ts1", TTL: 3600, Timestamp: c.nowS(),
		SortkeyTimestamp: 100, HasSortkeyTimestamp: true,
	}
	fs.SaveMessage(context.Background(), c.uaid, tsN)

	c.checkStorage = true
	c.includeTopic = true
	out, err := c.runStorageCheckLoop(context.Background())
	if err != nil {
		t.Fatalf("runStorageCheckLoop: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("expected one message from the timestamp store, got %d", len(out))
	}
	if !c.incrementStorage {
		t.Fatal("increment_storage must be set once a timestamp-store page is read")
	}
	if !c.hasUnackedStoredHighestTS || c.unackedStoredHighestTS != 100 {
		t.Fatalf("expected the read-pointer set to 100, got %d (has=%v)", c.unackedStoredHighestTS, c.hasUnackedStoredHighestTS)
	}
}

func TestStorageLoopClearsCheckStorageWhenBothStoresEmpty(t *testing.T) {
	fs := newFakeStore()
	c := newIdentifiedConnection(t, fs)

	c.checkStorage = true
	c.includeTopic = true
	out, err := c.runStorageCheckLoop(context.Background())
	if err != nil {
		t.Fatalf("runStorageCheckLoop: %v", err)
	}
	if len(out) != 0 {
		t.Fatalf("expected no messages, got %d", len(out))
	}
	if c.checkStorage {
		t.Fatal("check_storage should clear once the timestamp store is also exhausted")
	}
}

func TestStorageLoopPurgesExpiredTopicRecordsOnly(t *testing.T) {
	fs := newFakeStore()
	c := newIdentifiedConnection(t, fs)

	expiredTopic := notification.Notification{ChannelID: mustChannelID(t), Version: "exp", TTL: 1, Timestamp: c.nowS() - 100, Topic: "stale"}
	freshTS := notification.Notification{
		ChannelID: mustChannelID(t), Version: "fresh", TTL: 3600, Timestamp: c.nowS(),
		SortkeyTimestamp: 5, HasSortkeyTimestamp: true,
	}
	fs.SaveMessage(context.Background(), c.uaid, expiredTopic)
	fs.SaveMessage(context.Background(), c.uaid, freshTS)

	c.checkStorage = true
	c.includeTopic = true
	out, err := c.runStorageCheckLoop(context.Background())
	if err != nil {
		t.Fatalf("runStorageCheckLoop: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("expected only the fresh timestamp-class message, got %d", len(out))
	}
	if _, ok := fs.messages[c.uaid][expiredTopic.SortKey()]; ok {
		t.Fatal("expired topic-class record should have been purged via RemoveMessage")
	}
}

func TestStorageLoopMsgLimitOverflowResetsUser(t *testing.T) {
	fs := newFakeStore()
	deps := testDeps(fs)
	deps.MsgLimit = 1
	c := New(deps)
	mustHello(t, c)

	for i := 0; i < 3; i++ {
		n := notification.Notification{
			ChannelID: mustChannelID(t), Version: "v", TTL: 3600, Timestamp: c.nowS(),
			SortkeyTimestamp: int64(i + 1), HasSortkeyTimestamp: true,
		}
		fs.SaveMessage(context.Background(), c.uaid, n)
	}

	c.checkStorage = true
	c.includeTopic = true
	_, err := c.runStorageCheckLoop(context.Background())
	if err == nil {
		t.Fatal("expected an error once sent_from_storage exceeds msg_limit")
	}
	ce, ok := err.(*CloseError)
	if !ok || ce.Reason != ReasonUaidReset {
		t.Fatalf("expected ReasonUaidReset, got %v", err)
	}
	if len(fs.removed) != 1 || fs.removed[0] != c.uaid {
		t.Fatal("expected RemoveUser to have been called for the overflowing uaid")
	}
}
