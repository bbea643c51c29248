package pcsm

import (
	"context"

	"github.com/pushgate/connd/internal/monitoring"
	"github.com/pushgate/connd/internal/notification"
	"github.com/pushgate/connd/internal/wireproto"
)

// HandleAck implements Ack (§4.4.2) and, once both unacked lists drain,
// post-ack processing (§4.4.3). The returned slice holds server
// Notification messages produced by a resulting storage check; a nil
// slice with a nil error means "nothing to send, keep waiting for acks
// or the next client message".
func (c *Connection) HandleAck(ctx context.Context, updates []wireproto.AckUpdate) ([]interface{}, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, u := range updates {
		if c.ackDirect(u) {
			c.stats.DirectAcked++
			monitoring.NotificationsAcked.WithLabelValues("direct").Inc()
			continue
		}
		n, ok := c.ackStored(u)
		if !ok {
			monitoring.NotificationsAcked.WithLabelValues("unknown").Inc()
			continue
		}
		c.stats.StoredAcked++
		monitoring.NotificationsAcked.WithLabelValues("stored").Inc()
		if n.IsTopic() {
			if err := c.deps.Store.RemoveMessage(ctx, c.uaid, n.SortKey()); err != nil {
				return nil, closeErr(ReasonStore, err.Error())
			}
		}
	}

	if len(c.unackedDirect) > 0 || len(c.unackedStored) > 0 {
		return nil, nil
	}
	return c.runPostAckProcessing(ctx)
}

// ackDirect removes the first unacked_direct entry matching (channelID,
// version), reporting whether one was found.
func (c *Connection) ackDirect(u wireproto.AckUpdate) bool {
	for i, n := range c.unackedDirect {
		if n.ChannelID.String() == u.ChannelID && n.Version == u.Version {
			c.unackedDirect = append(c.unackedDirect[:i], c.unackedDirect[i+1:]...)
			return true
		}
	}
	return false
}

// ackStored removes the first unacked_stored entry matching (channelID,
// version), returning it so the caller can act on its class.
func (c *Connection) ackStored(u wireproto.AckUpdate) (n notification.Notification, ok bool) {
	for i, cand := range c.unackedStored {
		if cand.ChannelID.String() == u.ChannelID && cand.Version == u.Version {
			c.unackedStored = append(c.unackedStored[:i], c.unackedStored[i+1:]...)
			return cand, true
		}
	}
	return notification.Notification{}, false
}

// runPostAckProcessing implements §4.4.3, executed only once both
// unacked lists are empty. The caller holds c.mu.
func (c *Connection) runPostAckProcessing(ctx context.Context) ([]interface{}, error) {
	if c.checkStorage {
		if c.incrementStorage {
			if !c.hasUnackedStoredHighestTS {
				return nil, closeErr(ReasonInternal, "increment_storage with no pointer set")
			}
			if err := c.deps.Store.IncrementStorage(ctx, c.uaid, c.unackedStoredHighestTS); err != nil {
				return nil, closeErr(ReasonStore, err.Error())
			}
			c.incrementStorage = false
			c.userCurrentTimestamp = c.unackedStoredHighestTS
			c.hasUserCurrentTimestamp = true
		}

		msgs, err := c.runStorageCheckLoop(ctx)
		if err != nil {
			return nil, err
		}
		if len(msgs) > 0 {
			return msgs, nil
		}
		// check_storage cleared internally by the loop; fall through to
		// step 2.
	}

	if c.oldRecordVersion {
		if err := c.deps.Store.RemoveUser(ctx, c.uaid); err != nil {
			c.deps.Logger.Error().Err(err).Str("uaid", c.uaid.String()).Msg("remove_user for old record version failed")
		}
		monitoring.RecordDisconnect("old_record_version", "server")
		return nil, closeErr(ReasonUaidReset, "old record version")
	}

	return nil, nil
}
