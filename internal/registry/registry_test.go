package registry

import (
	"testing"

	"github.com/pushgate/connd/internal/ids"
	"github.com/pushgate/connd/internal/notification"
)

func TestConnectDisplacesPriorSession(t *testing.T) {
	r := New()
	uaid := ids.NewUAID()
	uid1, uid2 := ids.NewUID(), ids.NewUID()

	sink1 := r.Connect(uaid, uid1)
	sink2 := r.Connect(uaid, uid2)

	sig := <-sink1
	if sig.Kind != SignalDisconnect {
		t.Fatalf("expected Disconnect on displaced sink, got %v", sig.Kind)
	}

	if !r.Notify(uaid, notification.Notification{}) {
		t.Fatal("expected notify to reach the current (uid2) session")
	}
	select {
	case s := <-sink2:
		if s.Kind != SignalNotification {
			t.Fatalf("expected notification, got %v", s.Kind)
		}
	default:
		t.Fatal("expected notification queued on sink2")
	}
}

func TestDisconnectGuardsStaleUID(t *testing.T) {
	r := New()
	uaid := ids.NewUAID()
	uid1, uid2 := ids.NewUID(), ids.NewUID()

	r.Connect(uaid, uid1)
	r.Connect(uaid, uid2)

	// A stale Disconnect(uid1) must not remove uid2's entry.
	r.Disconnect(uaid, uid1)
	if !r.Connected(uaid) {
		t.Fatal("uid2's entry should remain after a stale disconnect for uid1")
	}

	r.Disconnect(uaid, uid2)
	if r.Connected(uaid) {
		t.Fatal("expected entry removed after matching disconnect")
	}
}

func TestNotifyAbsentUAID(t *testing.T) {
	r := New()
	if r.Notify(ids.NewUAID(), notification.Notification{}) {
		t.Fatal("expected false for unregistered uaid")
	}
}

func TestCheckStorage(t *testing.T) {
	r := New()
	uaid := ids.NewUAID()
	sink := r.Connect(uaid, ids.NewUID())

	if !r.CheckStorage(uaid) {
		t.Fatal("expected CheckStorage delivered")
	}
	if s := <-sink; s.Kind != SignalCheckStorage {
		t.Fatalf("expected SignalCheckStorage, got %v", s.Kind)
	}
}
