package pcsm

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/pushgate/connd/internal/broadcast"
	"github.com/pushgate/connd/internal/ids"
	"github.com/pushgate/connd/internal/notification"
	"github.com/pushgate/connd/internal/registry"
	"github.com/pushgate/connd/internal/store"
	"github.com/pushgate/connd/internal/wireproto"
)

func testDeps(fs *fakeStore) *Deps {
	return &Deps{
		Store:                 fs,
		Registry:              registry.New(),
		BCT:                   broadcast.NewTracker(),
		NodeID:                "http://node-a:8081",
		RequiredRecordVersion: 1,
		MsgLimit:              100,
		Logger:                zerolog.Nop(),
		Now:                   func() time.Time { return time.Unix(1700000000, 0) },
	}
}

func noopBuild(uaid ids.UAID, channelID ids.ChannelId, publicKey string) (string, error) {
	return "https://push.example/wpush/" + channelID.String(), nil
}

func mustHello(t *testing.T, c *Connection) wireproto.HelloReply {
	t.Helper()
	out, err := c.HandleHello(context.Background(), HelloInput{})
	if err != nil {
		t.Fatalf("HandleHello: %v", err)
	}
	reply, ok := out[0].(wireproto.HelloReply)
	if !ok {
		t.Fatalf("expected HelloReply, got %T", out[0])
	}
	return reply
}

func TestHelloFreshUAIDSkipsStorageCheck(t *testing.T) {
	fs := newFakeStore()
	c := New(testDeps(fs))

	reply := mustHello(t, c)
	if reply.Status != 200 || !reply.UseWebPush {
		t.Fatalf("unexpected reply: %+v", reply)
	}
	if c.checkStorage {
		t.Fatal("a brand-new uaid should not trigger a storage check")
	}
	if c.state != StateIdentified {
		t.Fatalf("expected Identified, got %v", c.state)
	}
}

func TestHelloRejectsUseWebPushFalse(t *testing.T) {
	fs := newFakeStore()
	c := New(testDeps(fs))
	f := false

	_, err := c.HandleHello(context.Background(), HelloInput{UseWebPush: &f})
	if err == nil {
		t.Fatal("expected an error for use_webpush=false")
	}
	ce, ok := err.(*CloseError)
	if !ok || ce.Reason != ReasonProtocol {
		t.Fatalf("expected ReasonProtocol, got %v", err)
	}
}

func TestHelloExistingCurrentUserIsNotResetOrStale(t *testing.T) {
	fs := newFakeStore()
	uaid := ids.NewUAID()
	fs.users[uaid] = &store.User{
		UAID:             uaid,
		ConnectedAt:      1,
		NodeID:           "http://node-b:8081",
		RecordVersion:    1,
		HasRecordVersion: true,
		Version:          "v0",
	}

	c := New(testDeps(fs))
	out, err := c.HandleHello(context.Background(), HelloInput{UAID: uaid.String()})
	if err != nil {
		t.Fatalf("HandleHello: %v", err)
	}
	reply := out[0].(wireproto.HelloReply)
	if reply.UAID != uaid.String() {
		t.Fatalf("expected uaid to round-trip, got %s want %s", reply.UAID, uaid.String())
	}
	if c.oldRecordVersion || c.resetUAID {
		t.Fatalf("a current-record-version existing user must not be treated as absent/old: oldRecordVersion=%v resetUAID=%v", c.oldRecordVersion, c.resetUAID)
	}
	if !c.checkStorage {
		t.Fatal("an existing user must always trigger a storage check")
	}
	stored := fs.users[uaid]
	if stored == nil || stored.NodeID != testDeps(fs).NodeID || stored.ConnectedAt != c.connectedAt {
		t.Fatalf("expected connected_at/node_id to be persisted for the reconnecting user, got %+v", stored)
	}
}

func TestHelloExistingStaleRecordVersionStillChecksStorage(t *testing.T) {
	fs := newFakeStore()
	uaid := ids.NewUAID()
	fs.users[uaid] = &store.User{
		UAID:        uaid,
		ConnectedAt: 1,
		NodeID:      "http://node-b:8081",
		// HasRecordVersion left false: absent record_version, below the
		// required floor.
		Version: "v0",
	}

	c := New(testDeps(fs))
	out, err := c.HandleHello(context.Background(), HelloInput{UAID: uaid.String()})
	if err != nil {
		t.Fatalf("HandleHello: %v", err)
	}
	reply := out[0].(wireproto.HelloReply)
	if reply.UAID != uaid.String() {
		t.Fatalf("expected uaid to round-trip, got %s want %s", reply.UAID, uaid.String())
	}
	if !c.oldRecordVersion {
		t.Fatal("an absent/stale record_version must set oldRecordVersion")
	}
	if !c.checkStorage {
		t.Fatal("check_storage and old_record_version are independent effects of the same pass: a stale record_version must still trigger a storage check")
	}
	stored := fs.users[uaid]
	if stored == nil || stored.NodeID != c.deps.NodeID || stored.ConnectedAt != c.connectedAt {
		t.Fatalf("expected connected_at/node_id to be persisted even for a stale-record-version user, got %+v", stored)
	}
}

func TestRegisterThenDirectNotificationAckFlow(t *testing.T) {
	fs := newFakeStore()
	c := New(testDeps(fs))
	mustHello(t, c)

	chID := mustChannelID(t)
	reg, err := c.HandleRegister(context.Background(), chID.String(), "p256dh-key", noopBuild)
	if err != nil {
		t.Fatalf("HandleRegister: %v", err)
	}
	if reg.Status != 200 {
		t.Fatalf("expected 200, got %+v", reg)
	}

	n := notification.Notification{ChannelID: chID, Version: "v1", TTL: 60, Timestamp: c.nowS()}
	out, err := c.HandleSignal(context.Background(), registry.Signal{Kind: registry.SignalNotification, Notification: n})
	if err != nil {
		t.Fatalf("HandleSignal: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("expected one notification message, got %d", len(out))
	}
	if len(c.unackedDirect) != 1 {
		t.Fatalf("expected one unacked direct notification, got %d", len(c.unackedDirect))
	}

	out, err = c.HandleAck(context.Background(), []wireproto.AckUpdate{{ChannelID: n.ChannelID.String(), Version: n.Version}})
	if err != nil {
		t.Fatalf("HandleAck: %v", err)
	}
	if len(out) != 0 {
		t.Fatalf("expected no further messages from a clean ack, got %d", len(out))
	}
	if len(c.unackedDirect) != 0 {
		t.Fatal("ack should have cleared unackedDirect")
	}
}

func TestAckUnknownUpdateIsIgnored(t *testing.T) {
	fs := newFakeStore()
	c := New(testDeps(fs))
	mustHello(t, c)

	out, err := c.HandleAck(context.Background(), []wireproto.AckUpdate{{ChannelID: ids.NewUAID().String(), Version: "nope"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out) != 0 {
		t.Fatalf("expected no output, got %d", len(out))
	}
}

func TestPingRateLimit(t *testing.T) {
	fs := newFakeStore()
	c := New(testDeps(fs))
	mustHello(t, c)

	if _, err := c.HandlePing(); err != nil {
		t.Fatalf("first ping should succeed: %v", err)
	}
	_, err := c.HandlePing()
	if err == nil {
		t.Fatal("expected excessive-ping error on immediate second ping")
	}
	ce, ok := err.(*CloseError)
	if !ok || ce.Reason != ReasonExcessivePing {
		t.Fatalf("expected ReasonExcessivePing, got %v", err)
	}
}

func TestShutdownPersistsUnackedDirectAsTimestampClass(t *testing.T) {
	fs := newFakeStore()
	c := New(testDeps(fs))
	mustHello(t, c)

	chID := mustChannelID(t)
	n := notification.Notification{ChannelID: chID, Version: "v1", TTL: 60, Timestamp: c.nowS(), Topic: "some-topic"}
	if _, err := c.HandleSignal(context.Background(), registry.Signal{Kind: registry.SignalNotification, Notification: n}); err != nil {
		t.Fatalf("HandleSignal: %v", err)
	}

	c.Shutdown(context.Background())

	saved := fs.messages[c.uaid]
	if len(saved) != 1 {
		t.Fatalf("expected one persisted message, got %d", len(saved))
	}
	for _, m := range saved {
		if m.IsTopic() {
			t.Fatal("drained direct notification must be forced to timestamp class on shutdown")
		}
	}
}

func TestShutdownIsIdempotent(t *testing.T) {
	fs := newFakeStore()
	c := New(testDeps(fs))
	mustHello(t, c)

	c.Shutdown(context.Background())
	c.Shutdown(context.Background())
	if c.state != StateShutdown {
		t.Fatalf("expected Shutdown state, got %v", c.state)
	}
}

func mustChannelID(t *testing.T) ids.ChannelId {
	t.Helper()
	cid, ok := ids.ParseChannelIDStrict(ids.NewUAID().String())
	if !ok {
		t.Fatal("failed to build a channel id for test")
	}
	return cid
}
