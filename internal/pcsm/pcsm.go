// Package pcsm implements the Per-Connection State Machine (§4.4): one
// instance per accepted WebSocket, from Unidentified through
// Identified message exchange to Shutdown. It owns the ack-state,
// unacked queues, client flags, and session stats; it is driven
// exclusively by its Connection Supervisor (internal/supervisor) and
// never touches another connection's state directly — only the
// Registry and the Store are shared.
//
// The struct shape (identity, send queue, flags, closeOnce) follows
// the teacher's Client (internal/shared/connection.go); the dispatch
// shape (outer {type,data} envelope switch) follows
// internal/shared/handlers_message.go, generalized from the teacher's
// flat message-type switch to the Hello/Register/Unregister/Ack/Nack/
// Ping/BroadcastSubscribe set this spec defines. Exact ack/storage-loop
// ordering is resolved against
// autoconnect-ws-sm/src/identified.rs and its on_client_msg.rs /
// on_server_notif.rs siblings.
package pcsm

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/pushgate/connd/internal/broadcast"
	"github.com/pushgate/connd/internal/ids"
	"github.com/pushgate/connd/internal/notification"
	"github.com/pushgate/connd/internal/registry"
	"github.com/pushgate/connd/internal/store"
	"github.com/pushgate/connd/internal/wireproto"
)

// State is the PCSM's coarse phase (§4.4).
type State int

const (
	StateUnidentified State = iota
	StateIdentified
	StateShutdown
)

// CloseReason names the error kinds in §7, conveyed to the WebSocket
// close frame's reason string by the Connection Supervisor.
type CloseReason string

const (
	ReasonProtocol          CloseReason = "protocol error"
	ReasonExcessivePing     CloseReason = "excessive ping"
	ReasonUaidReset         CloseReason = "uaid reset"
	ReasonGhost             CloseReason = "ghost"
	ReasonHandshakeTimeout  CloseReason = "handshake timeout"
	ReasonPongTimeout       CloseReason = "pong timeout"
	ReasonStore             CloseReason = "store error"
	ReasonInternal          CloseReason = "internal error"
	ReasonClientInitiated   CloseReason = "client initiated"
	ReasonServerShutdown    CloseReason = "server shutdown"
)

// CloseError carries a CloseReason out of a PCSM operation so the
// supervisor can translate it into a close frame.
type CloseError struct {
	Reason CloseReason
	Detail string
}

func (e *CloseError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s", e.Reason, e.Detail)
	}
	return string(e.Reason)
}

func closeErr(reason CloseReason, detail string) error {
	return &CloseError{Reason: reason, Detail: detail}
}

// Deps are the shared collaborators every connection is wired to.
type Deps struct {
	Store      store.Store
	Registry   *registry.Registry
	BCT        *broadcast.Tracker
	NodeID     string // this node's router URL, written into User.node_id
	RequiredRecordVersion int
	MsgLimit   int
	Logger     zerolog.Logger
	Now        func() time.Time // overridable for tests; defaults to time.Now
}

func (d *Deps) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

// sessionStats mirrors §3 "Session stats (per connection)".
type sessionStats struct {
	DirectAcked    int64
	DirectStorage  int64
	StoredRetrieved int64
	StoredAcked    int64
	Nacks          int64
	Registers      int64
	Unregisters    int64
}

// Connection is one PCSM instance.
type Connection struct {
	mu    sync.Mutex
	deps  *Deps
	state State

	uaid ids.UAID
	uid  ids.UID

	connectedAt       int64 // ms
	deferRegistration bool
	pendingUser       *store.User

	// Client flags (§3), all default false except IncludeTopic.
	includeTopic     bool
	incrementStorage bool
	checkStorage     bool
	resetUAID        bool
	oldRecordVersion bool

	// Ack state (§3).
	unackedDirect              []notification.Notification
	unackedStored              []notification.Notification
	unackedStoredHighestTS     int64
	hasUnackedStoredHighestTS  bool

	// userCurrentTimestamp is the store's prior read-pointer, the
	// fallback lower bound for fetch_timestamp_messages when no
	// notification has been acked yet this session (§4.4.4).
	userCurrentTimestamp    int64
	hasUserCurrentTimestamp bool

	lastPingS int64

	broadcastSubs broadcast.Subs

	stats sessionStats

	sentFromStorage int

	sink registry.Sink
}

// New constructs a PCSM in the Unidentified state.
func New(deps *Deps) *Connection {
	return &Connection{
		deps:         deps,
		state:        StateUnidentified,
		includeTopic: true,
	}
}

func (c *Connection) UAID() ids.UAID { return c.uaid }
func (c *Connection) UID() ids.UID   { return c.uid }
func (c *Connection) State() State   { return c.state }

// Sink exposes the Registry signal channel this connection was given
// at Hello time, so the Connection Supervisor can select on it
// alongside inbound WebSocket frames and its ping timer. Nil until
// Hello completes.
func (c *Connection) Sink() registry.Sink {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sink
}

// PendingBroadcastDelta lets the supervisor's ping-interval tick (§4.5)
// proactively push a Broadcast message in lieu of a WS ping when the
// BCT has advanced since this connection last saw it.
func (c *Connection) PendingBroadcastDelta() *wireproto.BroadcastMessage {
	c.mu.Lock()
	defer c.mu.Unlock()

	delta := c.deps.BCT.DeltaSince(&c.broadcastSubs)
	if len(delta) == 0 {
		return nil
	}
	broadcasts := make(map[string]string, len(delta))
	for _, b := range delta {
		broadcasts[b.BroadcastID] = b.Version
	}
	return &wireproto.BroadcastMessage{MessageType: "broadcast", Broadcasts: broadcasts}
}

// nowS/nowMS helpers, matching §4.4's second/millisecond granularity.
func (c *Connection) nowMS() int64 { return c.deps.now().UnixMilli() }
func (c *Connection) nowS() int64  { return c.deps.now().Unix() }
