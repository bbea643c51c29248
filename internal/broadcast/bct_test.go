package broadcast

import "testing"

func TestAddOrUpdateMonotonic(t *testing.T) {
	tr := NewTracker()

	cc, changed := tr.AddOrUpdate("a", "v1")
	if !changed || cc != 1 {
		t.Fatalf("first add: cc=%d changed=%v", cc, changed)
	}

	cc, changed = tr.AddOrUpdate("a", "v1")
	if changed || cc != 1 {
		t.Fatalf("repeat same version must not change: cc=%d changed=%v", cc, changed)
	}

	cc, changed = tr.AddOrUpdate("a", "v2")
	if !changed || cc != 2 {
		t.Fatalf("version change: cc=%d changed=%v", cc, changed)
	}

	cc, changed = tr.AddOrUpdate("b", "v1")
	if !changed || cc != 3 {
		t.Fatalf("new id: cc=%d changed=%v", cc, changed)
	}
}

func TestDeltaSince(t *testing.T) {
	tr := NewTracker()
	tr.AddOrUpdate("a", "v1")
	tr.AddOrUpdate("b", "v1")

	subs := &Subs{SubscribedKeys: []uint32{0, 1}}

	d := tr.DeltaSince(subs)
	if len(d) != 2 {
		t.Fatalf("expected both broadcasts on first observation, got %v", d)
	}
	if subs.LastSeenChange != tr.ChangeCount() {
		t.Fatalf("expected LastSeenChange updated to current change_count")
	}
	if d2 := tr.DeltaSince(subs); d2 != nil {
		t.Fatalf("expected no further delta immediately after, got %v", d2)
	}
}

func TestDeltaSinceAfterChange(t *testing.T) {
	tr := NewTracker()
	tr.AddOrUpdate("a", "v1")
	subs := &Subs{SubscribedKeys: []uint32{0}, LastSeenChange: 1}

	tr.AddOrUpdate("a", "v2")
	d := tr.DeltaSince(subs)
	if len(d) != 1 || d[0].BroadcastID != "a" || d[0].Version != "v2" {
		t.Fatalf("expected delta for a->v2, got %v", d)
	}
	// Calling again immediately yields nothing new (P2).
	if d2 := tr.DeltaSince(subs); d2 != nil {
		t.Fatalf("expected no further delta, got %v", d2)
	}
}

func TestSubscribeWithMissing(t *testing.T) {
	tr := NewTracker()
	tr.AddOrUpdate("a", "v1")

	subs := &Subs{}
	delta, missing := tr.SubscribeWith(subs, []Broadcast{
		{BroadcastID: "a", Version: "v0"},
		{BroadcastID: "ghost", Version: "v0"},
	})

	if len(delta) != 1 || delta[0].BroadcastID != "a" || delta[0].Version != "v1" {
		t.Fatalf("expected delta for a->v1, got %v", delta)
	}
	if missing["ghost"] != ErrVersion {
		t.Fatalf("expected ghost marked missing, got %v", missing)
	}
}

func TestSubscribeWithUpToDateOmitsEntry(t *testing.T) {
	tr := NewTracker()
	tr.AddOrUpdate("a", "v1")

	subs := &Subs{}
	delta, missing := tr.SubscribeWith(subs, []Broadcast{{BroadcastID: "a", Version: "v1"}})
	if len(delta) != 0 {
		t.Fatalf("expected no delta for already-current version, got %v", delta)
	}
	if missing != nil {
		t.Fatalf("expected no missing, got %v", missing)
	}
}
