// Package notification defines the Notification data model (§3) and the
// sort_key encoding the Store contract persists notifications under —
// the push-domain analogue of the teacher's MessageEnvelope
// (internal/single/messaging/message.go), generalized from "every
// message gets a monotonic seq" to "every notification has a
// TTL-bounded lifetime and a class-specific retirement rule."
package notification

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pushgate/connd/internal/ids"
)

// sort_key class prefixes (§4.4.3 "Persisted state layout").
const (
	classTopic     = "01"
	classTimestamp = "02"
)

// Notification is one pending push payload for a channel.
type Notification struct {
	ChannelID ids.ChannelId `json:"channel_id"`
	Version   string        `json:"version"` // client-visible idempotence key
	TTL       int64         `json:"ttl"`      // seconds
	Timestamp int64         `json:"timestamp"` // seconds, when the notification was saved

	// Topic is non-empty for topic-class notifications. A topic
	// notification replaces any prior pending notification for the same
	// (uaid, channel_id, topic).
	Topic string `json:"topic,omitempty"`

	Data    []byte            `json:"data,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`

	// SortkeyTimestamp is set for timestamp-class notifications (absent,
	// represented here as HasSortkeyTimestamp=false, for topic-class).
	SortkeyTimestamp    int64 `json:"sortkey_timestamp,omitempty"`
	HasSortkeyTimestamp bool  `json:"has_sortkey_timestamp,omitempty"`
}

// IsTopic reports whether this notification is topic-class. Per §3,
// class is determined by topic being non-empty, not by sort_key shape.
func (n Notification) IsTopic() bool { return n.Topic != "" }

// Expired reports whether the notification has passed its TTL as of
// nowSeconds.
func (n Notification) Expired(nowSeconds int64) bool {
	return n.Timestamp+n.TTL < nowSeconds
}

// SortKey encodes the two-character class prefix, channel_id, and (for
// timestamp class) the sortkey_timestamp, per §4.4.3.
func (n Notification) SortKey() string {
	if n.IsTopic() {
		return fmt.Sprintf("%s:%s:%s", classTopic, n.ChannelID.String(), n.Topic)
	}
	return fmt.Sprintf("%s:%s:%020d", classTimestamp, n.ChannelID.String(), n.SortkeyTimestamp)
}

// ParseSortKey decodes a sort_key into its class and identifying
// fields. It does not recover Version/TTL/Timestamp/Data/Headers —
// those live in the stored value, not the key — so callers use this
// only to classify a raw store key (e.g. for remove_message targeting).
func ParseSortKey(key string) (class string, channelID ids.ChannelId, topic string, sortkeyTimestamp int64, ok bool) {
	parts := strings.SplitN(key, ":", 3)
	if len(parts) != 3 {
		return "", ids.ChannelId{}, "", 0, false
	}
	cid, parsedOK := ids.ParseChannelIDStrict(parts[1])
	if !parsedOK {
		return "", ids.ChannelId{}, "", 0, false
	}
	switch parts[0] {
	case classTopic:
		return classTopic, cid, parts[2], 0, true
	case classTimestamp:
		ts, err := strconv.ParseInt(parts[2], 10, 64)
		if err != nil {
			return "", ids.ChannelId{}, "", 0, false
		}
		return classTimestamp, cid, "", ts, true
	default:
		return "", ids.ChannelId{}, "", 0, false
	}
}
