// Package store defines the abstract Store capability the core
// consumes (§4.2): user CRUD, channel set CRUD, message
// save/fetch/remove, the storage read-pointer, and node-id
// compare-and-clear. internal/store/redisstore provides the one
// concrete adapter.
package store

import (
	"context"
	"errors"

	"github.com/pushgate/connd/internal/ids"
	"github.com/pushgate/connd/internal/notification"
)

// ErrConflict is returned by AddUser when a concurrent writer already
// created a user record for this uaid.
var ErrConflict = errors.New("store: user already exists")

// User is the persisted user record (§3).
type User struct {
	UAID             ids.UAID
	ConnectedAt      int64 // ms since epoch
	RouterType       string
	RouterData       map[string]string
	NodeID           string
	RecordVersion    int  // meaningful only when HasRecordVersion
	HasRecordVersion bool
	CurrentTimestamp int64 // read pointer (a sortkey_timestamp); meaningful only when HasCurrentTS
	HasCurrentTS     bool
	Version          string // opaque CAS token
}

// TimestampPage is the result of fetch_timestamp_messages /
// fetch_topic_messages: a batch plus the read-pointer value to use as
// the next page's lower bound.
type TimestampPage struct {
	Messages  []notification.Notification
	Timestamp int64
	HasTimestamp bool
}

// Store is the contract in §4.2.
type Store interface {
	GetUser(ctx context.Context, uaid ids.UAID) (*User, error)
	AddUser(ctx context.Context, u *User) error // returns ErrConflict on conflict
	// UpdateUser writes u, guarded by a monotonic check on ConnectedAt:
	// the write is rejected (updated=false, err=nil) unless u.ConnectedAt
	// is strictly greater than the currently stored value — a later
	// connected_at supersedes an earlier one, it does not merely have to
	// match an "expected" prior value.
	UpdateUser(ctx context.Context, u *User) (updated bool, err error)
	RemoveUser(ctx context.Context, uaid ids.UAID) error

	AddChannel(ctx context.Context, uaid ids.UAID, channelID ids.ChannelId) error
	RemoveChannel(ctx context.Context, uaid ids.UAID, channelID ids.ChannelId) (existed bool, err error)
	GetChannels(ctx context.Context, uaid ids.UAID) (map[ids.ChannelId]struct{}, error)
	AddChannels(ctx context.Context, uaid ids.UAID, channels map[ids.ChannelId]struct{}) error

	RemoveNodeID(ctx context.Context, uaid ids.UAID, nodeID string, connectedAt int64, version string) (removed bool, err error)

	SaveMessage(ctx context.Context, uaid ids.UAID, n notification.Notification) error
	SaveMessages(ctx context.Context, uaid ids.UAID, ns []notification.Notification) error
	RemoveMessage(ctx context.Context, uaid ids.UAID, sortKey string) error

	FetchTopicMessages(ctx context.Context, uaid ids.UAID, limit int) (TimestampPage, error)
	FetchTimestampMessages(ctx context.Context, uaid ids.UAID, after int64, hasAfter bool, limit int) (TimestampPage, error)

	IncrementStorage(ctx context.Context, uaid ids.UAID, timestamp int64) error

	HealthCheck(ctx context.Context) bool
}
