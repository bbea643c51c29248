package pcsm

import (
	"context"

	"github.com/pushgate/connd/internal/broadcast"
	"github.com/pushgate/connd/internal/ids"
	"github.com/pushgate/connd/internal/monitoring"
	"github.com/pushgate/connd/internal/store"
	"github.com/pushgate/connd/internal/wireproto"
)

// HelloInput is the parsed client Hello (§4.4.1).
type HelloInput struct {
	UAID       string
	UseWebPush *bool
	ChannelIDs []string
	Broadcasts map[string]string
}

// HandleHello runs the full Hello processing sequence, returning the
// HelloReply plus any Notification messages produced by a resulting
// storage check (step 8). It must only be called once, from
// Unidentified.
func (c *Connection) HandleHello(ctx context.Context, in HelloInput) ([]interface{}, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateUnidentified {
		return nil, closeErr(ReasonProtocol, "Already Hello'd")
	}

	// 1. Reject if use_webpush is present and false.
	if in.UseWebPush != nil && !*in.UseWebPush {
		return nil, closeErr(ReasonProtocol, "use_webpush=false unsupported")
	}

	// 2. Parse uaid.
	uaid, ok := parseUAIDOrFresh(in.UAID)
	if !ok {
		uaid = ids.NewUAID()
		c.resetUAID = true
		c.deferRegistration = true
	} else {
		c.deferRegistration = false
	}
	c.uaid = uaid
	c.uid = ids.NewUID()

	// 3. Record connected_at.
	c.connectedAt = c.nowMS()

	// 4. Existing-user processing (§4.4.1).
	existing, err := c.deps.Store.GetUser(ctx, uaid)
	if err != nil {
		return nil, closeErr(ReasonStore, err.Error())
	}

	switch {
	case existing == nil:
		if c.deferRegistration {
			c.pendingUser = &store.User{UAID: uaid, ConnectedAt: c.connectedAt, NodeID: c.deps.NodeID}
		}
	default:
		// The record is present: check_storage and the connected_at/node_id
		// refresh run unconditionally (§4.4.1). "record_version is absent
		// or < the current required version" is an *additional*, independent
		// flag on top of that — not a substitute for it; the user is removed
		// at first ack-quiescence (post-ack processing, §4.4.3).
		if !existing.HasRecordVersion || existing.RecordVersion < c.deps.RequiredRecordVersion {
			c.oldRecordVersion = true
			if c.deferRegistration {
				c.pendingUser = &store.User{UAID: uaid, ConnectedAt: c.connectedAt, NodeID: c.deps.NodeID}
			}
		}

		c.checkStorage = true
		if existing.HasCurrentTS {
			c.userCurrentTimestamp = existing.CurrentTimestamp
			c.hasUserCurrentTimestamp = true
		}
		existing.ConnectedAt = c.connectedAt
		existing.NodeID = c.deps.NodeID
		if _, err := c.deps.Store.UpdateUser(ctx, existing); err != nil {
			return nil, closeErr(ReasonStore, err.Error())
		}
	}

	// 5. Subscribe to desired broadcasts.
	desired := make([]broadcast.Broadcast, 0, len(in.Broadcasts))
	for id, version := range in.Broadcasts {
		desired = append(desired, broadcast.Broadcast{BroadcastID: id, Version: version})
	}
	delta, missing := c.deps.BCT.SubscribeWith(&c.broadcastSubs, desired)
	broadcastsOut := make(map[string]string, len(delta))
	for _, b := range delta {
		broadcastsOut[b.BroadcastID] = b.Version
	}

	// 6. Insert into Registry; a displaced prior session is signaled by
	// the Registry itself (P3).
	c.sink = c.deps.Registry.Connect(c.uaid, c.uid)

	// 7. Hello reply.
	out := []interface{}{
		wireproto.HelloReply{
			MessageType: wireproto.TypeHello,
			UAID:        c.uaid.String(),
			Status:      200,
			UseWebPush:  true,
			Broadcasts:  nonEmpty(broadcastsOut),
			Errors:      nonEmpty(missing),
		},
	}

	// 8. Storage check, if existing-user processing requested it.
	if c.checkStorage {
		msgs, err := c.runStorageCheckLoop(ctx)
		if err != nil {
			return nil, err
		}
		out = append(out, msgs...)
	}

	c.state = StateIdentified
	monitoring.ConnectionsTotal.Inc()
	return out, nil
}

func parseUAIDOrFresh(s string) (ids.UAID, bool) {
	if s == "" {
		return ids.UAID{}, false
	}
	u, err := ids.ParseUAID(s)
	if err != nil {
		return ids.UAID{}, false
	}
	return u, true
}

func nonEmpty(m map[string]string) map[string]string {
	if len(m) == 0 {
		return nil
	}
	return m
}
