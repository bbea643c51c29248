// Package broadcast implements the Broadcast Change Tracker (§4.1): a
// process-wide versioned map of broadcast_id→version with a monotonic
// change counter and an ordered revision log, plus a background poller
// that refreshes it from a remote source.
//
// The registry/log/version-map split and its copy-on-write read path
// follow the copy-on-write atomic.Value snapshot pattern the teacher
// uses for its SubscriptionIndex (internal/shared/connection.go):
// writers build a new snapshot and swap it in; readers take an atomic
// load with no lock.
package broadcast

import (
	"sort"
	"sync"
)

// Broadcast is one versioned key, as returned to a subscriber.
type Broadcast struct {
	BroadcastID string
	Version     string
}

// ErrVersion is the sentinel emitted for a desired broadcast_id the
// tracker has never heard of (§4.1 subscribe_with).
const ErrVersion = "Broadcast not found"

type logEntry struct {
	changeCount uint32
	key         uint32
}

// snapshot is the immutable state readers see. BCT swaps in a new one
// under writeMu on every mutating call.
type snapshot struct {
	lookup      map[string]uint32 // broadcast_id -> key
	table       []string          // key -> broadcast_id
	versions    map[uint32]string // key -> current version
	log         []logEntry        // ordered by change_count, newest last
	changeCount uint32
}

// Tracker is the BCT. Many concurrent readers, rare writers (§5 shared
// resource policy).
type Tracker struct {
	writeMu sync.Mutex
	current atomicSnapshot
}

func NewTracker() *Tracker {
	t := &Tracker{}
	t.current.Store(&snapshot{
		lookup:   make(map[string]uint32),
		versions: make(map[uint32]string),
	})
	return t
}

func (t *Tracker) load() *snapshot { return t.current.Load() }

// ChangeCount returns the current global change counter.
func (t *Tracker) ChangeCount() uint32 { return t.load().changeCount }

// AddOrUpdate implements add_or_update. Returns the resulting
// change_count, whether it actually changed (P1).
func (t *Tracker) AddOrUpdate(broadcastID, version string) (changeCount uint32, changed bool) {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	old := t.load()
	key, known := old.lookup[broadcastID]

	if known && old.versions[key] == version {
		return old.changeCount, false
	}

	next := &snapshot{
		lookup:      old.lookup,
		table:       old.table,
		versions:    make(map[uint32]string, len(old.versions)+1),
		log:         old.log,
		changeCount: old.changeCount,
	}
	for k, v := range old.versions {
		next.versions[k] = v
	}

	if !known {
		key = uint32(len(old.table))
		next.lookup = make(map[string]uint32, len(old.lookup)+1)
		for k, v := range old.lookup {
			next.lookup[k] = v
		}
		next.lookup[broadcastID] = key
		next.table = append(append([]string{}, old.table...), broadcastID)
	}

	next.changeCount = old.changeCount + 1
	next.versions[key] = version
	next.log = append(append([]logEntry{}, old.log...), logEntry{changeCount: next.changeCount, key: key})

	t.current.Store(next)
	return next.changeCount, true
}

func (s *snapshot) lookupID(key uint32) string {
	if int(key) >= len(s.table) {
		return ""
	}
	return s.table[key]
}

// Subs is the per-connection subscription state (§3 BroadcastSubs).
// Owned exclusively by the connection task; no internal locking.
type Subs struct {
	SubscribedKeys   []uint32
	LastSeenChange   uint32
}

// DeltaSince implements delta_since. Returns nil if there is nothing
// new for subs since its last observed change_count.
func (t *Tracker) DeltaSince(subs *Subs) []Broadcast {
	snap := t.load()
	if snap.changeCount <= subs.LastSeenChange {
		return nil
	}

	subscribed := make(map[uint32]struct{}, len(subs.SubscribedKeys))
	for _, k := range subs.SubscribedKeys {
		subscribed[k] = struct{}{}
	}

	seen := make(map[uint32]struct{})
	var out []Broadcast
	for i := len(snap.log) - 1; i >= 0; i-- {
		entry := snap.log[i]
		if entry.changeCount <= subs.LastSeenChange {
			break
		}
		if _, already := seen[entry.key]; already {
			continue
		}
		if _, want := subscribed[entry.key]; !want {
			continue
		}
		seen[entry.key] = struct{}{}
		out = append(out, Broadcast{BroadcastID: snap.lookupID(entry.key), Version: snap.versions[entry.key]})
	}

	subs.LastSeenChange = snap.changeCount

	if len(out) == 0 {
		return nil
	}
	sortBroadcasts(out)
	return out
}

// SubscribeWith implements subscribe_with: register the desired
// broadcasts into subs, returning known-version deltas plus a
// missing map for unrecognized broadcast_ids. Also folds in any
// pending delta_since output for broadcasts the connection was
// already subscribed to.
func (t *Tracker) SubscribeWith(subs *Subs, desired []Broadcast) (delta []Broadcast, missing map[string]string) {
	snap := t.load()
	missing = make(map[string]string)

	pending := t.DeltaSince(subs)
	delta = append(delta, pending...)

	alreadySubscribed := make(map[uint32]struct{}, len(subs.SubscribedKeys))
	for _, k := range subs.SubscribedKeys {
		alreadySubscribed[k] = struct{}{}
	}

	for _, want := range desired {
		key, known := snap.lookup[want.BroadcastID]
		if !known {
			missing[want.BroadcastID] = ErrVersion
			continue
		}
		if _, already := alreadySubscribed[key]; !already {
			subs.SubscribedKeys = append(subs.SubscribedKeys, key)
			alreadySubscribed[key] = struct{}{}
		}
		if current := snap.versions[key]; current != want.Version {
			delta = append(delta, Broadcast{BroadcastID: want.BroadcastID, Version: current})
		}
	}

	if len(missing) == 0 {
		missing = nil
	}
	return delta, missing
}

func sortBroadcasts(b []Broadcast) {
	sort.Slice(b, func(i, j int) bool { return b[i].BroadcastID < b[j].BroadcastID })
}
