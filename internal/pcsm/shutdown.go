package pcsm

import (
	"bytes"
	"context"
	"net/http"
	"time"

	"github.com/pushgate/connd/internal/monitoring"
	"github.com/pushgate/connd/internal/registry"
)

// notifyTimeout bounds the cross-node "/notif/{uaid}" PUT PCSM issues
// during Shutdown when a reconnect has raced it to another node (§5,
// §4.4.6 step 3).
const notifyTimeout = 1 * time.Second

// Shutdown implements §4.4.6, run on any exit from Identified (and,
// for a connection that never left Unidentified, is still safe to call
// — it simply finds nothing registered and nothing to drain). The
// supervisor's structured-concurrency wrapper must guarantee this runs
// even when the connection task is cancelled (§5).
func (c *Connection) Shutdown(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateShutdown {
		return
	}
	wasIdentified := c.state == StateIdentified
	c.state = StateShutdown

	if !wasIdentified {
		return
	}

	// 1. Remove this connection from the Registry (compare-and-remove on
	// uid).
	c.deps.Registry.Disconnect(c.uaid, c.uid)

	// 2. Drain the sink; any remaining Notification signals are folded
	// into unacked_direct (P10).
	c.drainSink()

	// 3. Persist any surviving direct notifications, forcing them into
	// timestamp-class store layout with the earliest sort key so they
	// sort ahead of whatever the client already has pending.
	if len(c.unackedDirect) > 0 {
		for i := range c.unackedDirect {
			// §4.4.6 step 3 forces timestamp-class layout regardless of
			// the notification's original class, so it is retired by the
			// next session's read-pointer advance rather than requiring
			// an eager per-message ack.
			c.unackedDirect[i].Topic = ""
			c.unackedDirect[i].SortkeyTimestamp = 0
			c.unackedDirect[i].HasSortkeyTimestamp = true
		}
		if err := c.deps.Store.SaveMessages(ctx, c.uaid, c.unackedDirect); err != nil {
			c.deps.Logger.Error().Err(err).Str("uaid", c.uaid.String()).Msg("shutdown save_messages failed")
		} else {
			c.crossNodeNotifyIfReconnected(ctx)
		}
	}

	monitoring.RecordDisconnect("shutdown", "server")
}

// drainSink empties the registry sink without blocking; the channel is
// closed by Registry.Disconnect only if this uid still owned the entry.
// A displaced connection's sink is never closed (the displacing Connect
// only queues Disconnect on it), so the drain stops at the first empty
// read rather than waiting for a close.
func (c *Connection) drainSink() {
	if c.sink == nil {
		return
	}
	for {
		select {
		case sig, ok := <-c.sink:
			if !ok {
				return
			}
			if sig.Kind == registry.SignalNotification {
				c.unackedDirect = append(c.unackedDirect, sig.Notification)
			}
		default:
			return
		}
	}
}

// crossNodeNotifyIfReconnected implements §4.4.6 step 3's cross-node
// case: if the user has since reconnected to a different node, this
// node's just-saved messages need a nudge so that node runs
// CheckStorage. Failures are logged and swallowed — this is a
// best-effort hint, not a delivery guarantee (the stored notifications
// themselves are the durable artifact).
func (c *Connection) crossNodeNotifyIfReconnected(ctx context.Context) {
	u, err := c.deps.Store.GetUser(ctx, c.uaid)
	if err != nil {
		c.deps.Logger.Warn().Err(err).Str("uaid", c.uaid.String()).Msg("shutdown get_user for reconnect check failed")
		return
	}
	if u == nil || u.ConnectedAt == c.connectedAt {
		return
	}

	notifyCtx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
	defer cancel()

	url := u.NodeID + "/notif/" + c.uaid.String()
	req, err := http.NewRequestWithContext(notifyCtx, http.MethodPut, url, bytes.NewReader(nil))
	if err != nil {
		c.deps.Logger.Warn().Err(err).Str("url", url).Msg("shutdown notify request build failed")
		return
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		c.deps.Logger.Warn().Err(err).Str("url", url).Msg("shutdown cross-node notify failed")
		return
	}
	resp.Body.Close()
}
