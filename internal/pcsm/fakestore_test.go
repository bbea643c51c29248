package pcsm

import (
	"context"
	"sort"
	"sync"

	"github.com/pushgate/connd/internal/ids"
	"github.com/pushgate/connd/internal/notification"
	"github.com/pushgate/connd/internal/store"
)

// fakeStore is a minimal in-memory store.Store used to exercise the
// PCSM without a Redis dependency, matching the shape of an in-memory
// fake a teacher test file would hand-roll for a narrow interface.
type fakeStore struct {
	mu       sync.Mutex
	users    map[ids.UAID]*store.User
	channels map[ids.UAID]map[ids.ChannelId]struct{}
	messages map[ids.UAID]map[string]notification.Notification
	removed  []ids.UAID
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		users:    make(map[ids.UAID]*store.User),
		channels: make(map[ids.UAID]map[ids.ChannelId]struct{}),
		messages: make(map[ids.UAID]map[string]notification.Notification),
	}
}

func (f *fakeStore) GetUser(ctx context.Context, uaid ids.UAID) (*store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[uaid]
	if !ok {
		return nil, nil
	}
	cp := *u
	return &cp, nil
}

func (f *fakeStore) AddUser(ctx context.Context, u *store.User) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.users[u.UAID]; ok {
		return store.ErrConflict
	}
	cp := *u
	f.users[u.UAID] = &cp
	return nil
}

// UpdateUser mirrors redisstore's monotonic guard: a write is only
// accepted when its connected_at is strictly newer than the currently
// stored record, so a test exercising a stale/superseded update sees
// the same (false, nil) rejection the real Store would produce.
func (f *fakeStore) UpdateUser(ctx context.Context, u *store.User) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if cur, ok := f.users[u.UAID]; ok && cur.ConnectedAt >= u.ConnectedAt {
		return false, nil
	}
	cp := *u
	f.users[u.UAID] = &cp
	return true, nil
}

func (f *fakeStore) RemoveUser(ctx context.Context, uaid ids.UAID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.users, uaid)
	f.removed = append(f.removed, uaid)
	return nil
}

func (f *fakeStore) AddChannel(ctx context.Context, uaid ids.UAID, channelID ids.ChannelId) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.channels[uaid] == nil {
		f.channels[uaid] = make(map[ids.ChannelId]struct{})
	}
	f.channels[uaid][channelID] = struct{}{}
	return nil
}

func (f *fakeStore) RemoveChannel(ctx context.Context, uaid ids.UAID, channelID ids.ChannelId) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m := f.channels[uaid]
	_, existed := m[channelID]
	delete(m, channelID)
	return existed, nil
}

func (f *fakeStore) GetChannels(ctx context.Context, uaid ids.UAID) (map[ids.ChannelId]struct{}, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.channels[uaid], nil
}

func (f *fakeStore) AddChannels(ctx context.Context, uaid ids.UAID, channels map[ids.ChannelId]struct{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.channels[uaid] == nil {
		f.channels[uaid] = make(map[ids.ChannelId]struct{})
	}
	for c := range channels {
		f.channels[uaid][c] = struct{}{}
	}
	return nil
}

func (f *fakeStore) RemoveNodeID(ctx context.Context, uaid ids.UAID, nodeID string, connectedAt int64, version string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[uaid]
	if !ok || u.NodeID != nodeID {
		return false, nil
	}
	u.NodeID = ""
	return true, nil
}

func (f *fakeStore) SaveMessage(ctx context.Context, uaid ids.UAID, n notification.Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.messages[uaid] == nil {
		f.messages[uaid] = make(map[string]notification.Notification)
	}
	f.messages[uaid][n.SortKey()] = n
	return nil
}

func (f *fakeStore) SaveMessages(ctx context.Context, uaid ids.UAID, ns []notification.Notification) error {
	for _, n := range ns {
		if err := f.SaveMessage(ctx, uaid, n); err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeStore) RemoveMessage(ctx context.Context, uaid ids.UAID, sortKey string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.messages[uaid], sortKey)
	return nil
}

func (f *fakeStore) FetchTopicMessages(ctx context.Context, uaid ids.UAID, limit int) (store.TimestampPage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []notification.Notification
	for _, n := range f.messages[uaid] {
		if n.IsTopic() {
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChannelID.String() < out[j].ChannelID.String() })
	if len(out) > limit {
		out = out[:limit]
	}
	return store.TimestampPage{Messages: out}, nil
}

func (f *fakeStore) FetchTimestampMessages(ctx context.Context, uaid ids.UAID, after int64, hasAfter bool, limit int) (store.TimestampPage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []notification.Notification
	for _, n := range f.messages[uaid] {
		if n.IsTopic() {
			continue
		}
		if hasAfter && n.SortkeyTimestamp <= after {
			continue
		}
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SortkeyTimestamp < out[j].SortkeyTimestamp })

	page := store.TimestampPage{}
	if len(out) > limit {
		out = out[:limit]
	}
	page.Messages = out
	if len(out) > 0 {
		page.Timestamp = out[len(out)-1].SortkeyTimestamp
		page.HasTimestamp = true
	}
	return page, nil
}

func (f *fakeStore) IncrementStorage(ctx context.Context, uaid ids.UAID, timestamp int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	u := f.users[uaid]
	if u == nil {
		u = &store.User{UAID: uaid}
		f.users[uaid] = u
	}
	u.CurrentTimestamp = timestamp
	u.HasCurrentTS = true
	return nil
}

func (f *fakeStore) HealthCheck(ctx context.Context) bool { return true }
