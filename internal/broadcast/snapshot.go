package broadcast

import "sync/atomic"

// atomicSnapshot is a typed wrapper over atomic.Value, the same
// lock-free read / copy-on-write write pattern the teacher's
// SubscriptionIndex uses per channel (internal/shared/connection.go).
type atomicSnapshot struct {
	v atomic.Value
}

func (a *atomicSnapshot) Store(s *snapshot) { a.v.Store(s) }

func (a *atomicSnapshot) Load() *snapshot {
	v, _ := a.v.Load().(*snapshot)
	return v
}
