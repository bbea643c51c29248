package pcsm

import (
	"context"
	"encoding/base64"

	"github.com/pushgate/connd/internal/notification"
	"github.com/pushgate/connd/internal/store"
	"github.com/pushgate/connd/internal/wireproto"
)

const (
	topicFetchLimit     = 11
	timestampFetchLimit = 10
)

// runStorageCheckLoop implements the storage check loop (§4.4.4). The
// caller holds c.mu. On entry check_storage is already true; the loop
// always starts with the topic store, then falls through to the
// timestamp store once the topic store is exhausted, emitting
// NotificationMessages for every surviving (non-expired) notification
// it reads. It clears check_storage once the timestamp store itself is
// exhausted.
func (c *Connection) runStorageCheckLoop(ctx context.Context) ([]interface{}, error) {
	c.includeTopic = true

	var out []interface{}
	for c.checkStorage {
		var page store.TimestampPage
		var err error
		fromTimestampStore := false

		// Step 1: consult the topic store while include_topic is set.
		if c.includeTopic {
			page, err = c.deps.Store.FetchTopicMessages(ctx, c.uaid, topicFetchLimit)
			if err != nil {
				return nil, closeErr(ReasonStore, err.Error())
			}
			if len(page.Messages) > 0 {
				c.includeTopic = true // messages came from the topic store
			} else {
				c.includeTopic = false // fall through to step 2, same iteration
			}
		}

		// Step 2: "otherwise, or if step 1 returned no messages".
		if !c.includeTopic {
			fromTimestampStore = true
			after, hasAfter := c.storagePointer()
			page, err = c.deps.Store.FetchTimestampMessages(ctx, c.uaid, after, hasAfter, timestampFetchLimit)
			if err != nil {
				return nil, closeErr(ReasonStore, err.Error())
			}
			if page.HasTimestamp {
				c.unackedStoredHighestTS = page.Timestamp
				c.hasUnackedStoredHighestTS = true
			}
			if len(page.Messages) == 0 {
				c.checkStorage = false
				c.sentFromStorage = 0
				break
			}
		}

		// Step 3: filter expired, purge expired topic records, set
		// increment_storage.
		c.incrementStorage = fromTimestampStore && page.HasTimestamp

		produced := 0
		now := c.nowS()
		for _, n := range page.Messages {
			if n.Expired(now) {
				if !n.HasSortkeyTimestamp {
					if err := c.deps.Store.RemoveMessage(ctx, c.uaid, n.SortKey()); err != nil {
						return nil, closeErr(ReasonStore, err.Error())
					}
				}
				continue
			}
			c.unackedStored = append(c.unackedStored, n)
			c.sentFromStorage++
			c.stats.StoredRetrieved++
			out = append(out, notificationToWire(n))
			produced++
		}

		// Step 4/loop: emit if anything survived; otherwise loop again
		// (topic exhausted and timestamp store not yet consulted, or an
		// all-expired page).
		if produced > 0 {
			break
		}
	}

	if c.sentFromStorage > c.deps.MsgLimit {
		if err := c.deps.Store.RemoveUser(ctx, c.uaid); err != nil {
			c.deps.Logger.Error().Err(err).Str("uaid", c.uaid.String()).Msg("remove_user after msg_limit overflow failed")
		}
		return nil, closeErr(ReasonUaidReset, "msg_limit exceeded")
	}

	return out, nil
}

// storagePointer computes fetch_timestamp_messages' lower bound:
// unacked_stored_highest_timestamp if this session has already read one
// page, else the user's prior current_timestamp, else no lower bound.
func (c *Connection) storagePointer() (int64, bool) {
	if c.hasUnackedStoredHighestTS {
		return c.unackedStoredHighestTS, true
	}
	if c.hasUserCurrentTimestamp {
		return c.userCurrentTimestamp, true
	}
	return 0, false
}

func notificationToWire(n notification.Notification) wireproto.NotificationMessage {
	return wireproto.NotificationMessage{
		MessageType: "notification",
		ChannelID:   n.ChannelID.String(),
		Version:     n.Version,
		TTL:         n.TTL,
		Topic:       n.Topic,
		Data:        base64.StdEncoding.EncodeToString(n.Data),
		Headers:     n.Headers,
	}
}
