// Package registry implements the Client Registry (§4.3): a node-local
// map from UAID to the in-process notification sink of its current
// connection, used to route server-originated notifications and
// control signals without going through the Store.
//
// The keyed concurrent-map shape follows the teacher's own
// `clients sync.Map` in internal/shared/server.go; unlike the
// teacher's flat client set (every connection independent, no
// identity concept), entries here are keyed by UAID and a newer
// session displaces an older one by sending it a Disconnect signal
// before the swap, per P3.
package registry

import (
	"sync"

	"github.com/pushgate/connd/internal/ids"
	"github.com/pushgate/connd/internal/notification"
)

// SignalKind discriminates the three messages a sink accepts (§4.3).
type SignalKind int

const (
	SignalNotification SignalKind = iota
	SignalCheckStorage
	SignalDisconnect
)

// Signal is one message enqueued on a connection's sink.
type Signal struct {
	Kind         SignalKind
	Notification notification.Notification // only set when Kind == SignalNotification
}

// Sink is the receiving side of a connection's signal queue. The
// connection task owns the receiving end; Connect returns it along
// with registering the sending end in the Registry.
type Sink <-chan Signal

// sinkBufferSize bounds the single-producer/single-consumer queue
// (§4.3 "Concurrency"). It is generous because Disconnect/CheckStorage
// are infrequent and Notification volume is already rate-limited
// upstream by the endpoint service.
const sinkBufferSize = 256

type entry struct {
	uid ids.UID
	ch  chan Signal
}

// Registry is the node-local UAID→sink map.
type Registry struct {
	mu    sync.Mutex
	byUAID map[ids.UAID]*entry
}

func New() *Registry {
	return &Registry{byUAID: make(map[ids.UAID]*entry)}
}

// Connect inserts or replaces the entry for uaid. If a prior entry
// existed, its sink receives Disconnect before the new entry becomes
// visible (P3) — the send happens while still holding the critical
// section so a concurrent Connect for the same uaid cannot observe
// the old entry after the Disconnect has been queued but before the
// swap.
func (r *Registry) Connect(uaid ids.UAID, uid ids.UID) Sink {
	ch := make(chan Signal, sinkBufferSize)

	r.mu.Lock()
	if prior, ok := r.byUAID[uaid]; ok {
		nonBlockingSend(prior.ch, Signal{Kind: SignalDisconnect})
	}
	r.byUAID[uaid] = &entry{uid: uid, ch: ch}
	r.mu.Unlock()

	return ch
}

// Disconnect removes the entry only if its stored uid still equals
// uid, guarding against a newer session's entry being removed by a
// stale Shutdown from a displaced session.
func (r *Registry) Disconnect(uaid ids.UAID, uid ids.UID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.byUAID[uaid]; ok && cur.uid == uid {
		close(cur.ch)
		delete(r.byUAID, uaid)
	}
}

// Notify enqueues a Notification signal if uaid is present on this
// node. Absence is not an error — the recipient is on another node.
func (r *Registry) Notify(uaid ids.UAID, n notification.Notification) (delivered bool) {
	r.mu.Lock()
	e, ok := r.byUAID[uaid]
	r.mu.Unlock()
	if !ok {
		return false
	}
	return nonBlockingSend(e.ch, Signal{Kind: SignalNotification, Notification: n})
}

// CheckStorage enqueues a CheckStorage signal if uaid is present.
func (r *Registry) CheckStorage(uaid ids.UAID) (delivered bool) {
	r.mu.Lock()
	e, ok := r.byUAID[uaid]
	r.mu.Unlock()
	if !ok {
		return false
	}
	return nonBlockingSend(e.ch, Signal{Kind: SignalCheckStorage})
}

// Connected reports whether uaid currently has a registered sink on
// this node. The endpoint API's 200/404 decision (§6) uses the result of
// Notify/CheckStorage instead.
func (r *Registry) Connected(uaid ids.UAID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.byUAID[uaid]
	return ok
}

// nonBlockingSend treats a full or closed channel as "recipient gone"
// (§4.3: "Sink send failure ... is treated as not present and
// ignored"), never blocking the caller's critical section.
func nonBlockingSend(ch chan Signal, sig Signal) (sent bool) {
	defer func() {
		if recover() != nil {
			sent = false
		}
	}()
	select {
	case ch <- sig:
		return true
	default:
		return false
	}
}
