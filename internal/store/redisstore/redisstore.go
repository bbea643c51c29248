// Package redisstore is the concrete Store adapter (§4.2), backed by
// Redis: a hash per user record, a set per channel list, and a pair of
// sorted sets per uaid (one for topic-class pending messages, one for
// timestamp-class) with the notification payloads held alongside in a
// data hash.
//
// The client construction, pooling, and error-wrapping shape follow
// the teacher's wrapped-external-capability style
// (internal/shared/kafka/consumer.go: Config struct, constructor
// returning (*X, error), structured logging of every failure) carried
// over from Kafka onto Redis; the key layout and CAS semantics follow
// autopush-common/src/db/redis/redis_client/mod.rs.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/pushgate/connd/internal/ids"
	"github.com/pushgate/connd/internal/monitoring"
	"github.com/pushgate/connd/internal/notification"
	"github.com/pushgate/connd/internal/store"
)

// compareAndSetUser is a Lua script implementing update_user's guard
// on connected_at (§4.2): a later connected_at supersedes an earlier
// one (spec §3), so the guard is monotonic — "only write if the new
// connected_at is strictly greater than what's stored" — not an
// unchanged-value optimistic lock. KEYS[1] is the user hash key;
// ARGV[1] is the new connected_at, the rest are the field/value pairs
// to write (including connected_at itself). Returns 1 if updated, 0 if
// the guard rejected the write as stale.
const compareAndSetUser = `
local key = KEYS[1]
local new_connected_at = tonumber(ARGV[1])
local current_connected_at = redis.call('HGET', key, 'connected_at')
if current_connected_at and tonumber(current_connected_at) >= new_connected_at then
  return 0
end
for i = 2, #ARGV, 2 do
  redis.call('HSET', key, ARGV[i], ARGV[i+1])
end
return 1
`

// compareAndClearNodeID implements remove_node_id: clears node_id only
// if node_id, connected_at, and version all still match.
const compareAndClearNodeID = `
local key = KEYS[1]
local expected_node_id = ARGV[1]
local expected_connected_at = ARGV[2]
local expected_version = ARGV[3]
local node_id = redis.call('HGET', key, 'node_id')
local connected_at = redis.call('HGET', key, 'connected_at')
local version = redis.call('HGET', key, 'version')
if node_id ~= expected_node_id or connected_at ~= expected_connected_at or version ~= expected_version then
  return 0
end
redis.call('HDEL', key, 'node_id')
return 1
`

// Config configures the Redis-backed Store.
type Config struct {
	Addr     string
	Password string
	DB       int

	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	MaxRetries int
}

// Store is the redis/go-redis/v9-backed Store adapter.
type Store struct {
	client *redis.Client
	logger zerolog.Logger
}

// New constructs a Store and verifies connectivity.
func New(cfg Config, logger zerolog.Logger) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,

		PoolSize:        25,
		MinIdleConns:    5,
		ConnMaxIdleTime: time.Minute,

		DialTimeout:  orDefault(cfg.DialTimeout, 5*time.Second),
		ReadTimeout:  orDefault(cfg.ReadTimeout, 3*time.Second),
		WriteTimeout: orDefault(cfg.WriteTimeout, 3*time.Second),

		MaxRetries: cfg.MaxRetries,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redisstore: ping failed: %w", err)
	}

	return &Store{client: client, logger: logger}, nil
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}

func (s *Store) Close() error { return s.client.Close() }

// withRetry wraps a transient Redis operation with the same
// exponential-backoff-and-retry discipline the teacher applies to
// Kafka broker calls. Redis errors that are the expected "not found"
// signal (redis.Nil) are never retried.
func (s *Store) withRetry(ctx context.Context, op string, fn func() error) error {
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)
	err := backoff.Retry(func() error {
		err := fn()
		if errors.Is(err, redis.Nil) {
			return backoff.Permanent(err)
		}
		return err
	}, b)
	if err != nil && !errors.Is(err, redis.Nil) {
		monitoring.StoreErrors.WithLabelValues(op).Inc()
		s.logger.Error().Err(err).Str("op", op).Msg("redis operation failed")
	}
	return err
}

func userKey(uaid ids.UAID) string       { return "user:" + uaid.String() }
func channelsKey(uaid ids.UAID) string   { return "chan:" + uaid.String() }
func topicZKey(uaid ids.UAID) string     { return "msg:topic:" + uaid.String() }
func topicDataKey(uaid ids.UAID) string  { return "msg:topic:data:" + uaid.String() }
func tsZKey(uaid ids.UAID) string        { return "msg:ts:" + uaid.String() }
func tsDataKey(uaid ids.UAID) string     { return "msg:ts:data:" + uaid.String() }

func (s *Store) GetUser(ctx context.Context, uaid ids.UAID) (*store.User, error) {
	var fields map[string]string
	err := s.withRetry(ctx, "get_user", func() error {
		var e error
		fields, e = s.client.HGetAll(ctx, userKey(uaid)).Result()
		return e
	})
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, nil
	}
	return decodeUser(uaid, fields), nil
}

func (s *Store) AddUser(ctx context.Context, u *store.User) error {
	fields := encodeUser(u)
	var created bool
	err := s.withRetry(ctx, "add_user", func() error {
		var e error
		created, e = s.client.HSetNX(ctx, userKey(u.UAID), "uaid", u.UAID.String()).Result()
		if e != nil || !created {
			return e
		}
		return s.client.HSet(ctx, userKey(u.UAID), fields).Err()
	})
	if err != nil {
		return err
	}
	if !created {
		return store.ErrConflict
	}
	return nil
}

func (s *Store) UpdateUser(ctx context.Context, u *store.User) (bool, error) {
	fields := encodeUser(u)
	argv := []interface{}{u.ConnectedAt}
	for k, v := range fields {
		argv = append(argv, k, v)
	}

	var result int64
	err := s.withRetry(ctx, "update_user", func() error {
		var e error
		result, e = s.client.Eval(ctx, compareAndSetUser, []string{userKey(u.UAID)}, argv...).Int64()
		return e
	})
	if err != nil {
		return false, err
	}
	return result == 1, nil
}

func (s *Store) RemoveUser(ctx context.Context, uaid ids.UAID) error {
	return s.withRetry(ctx, "remove_user", func() error {
		pipe := s.client.TxPipeline()
		pipe.Del(ctx, userKey(uaid))
		pipe.Del(ctx, channelsKey(uaid))
		pipe.Del(ctx, topicZKey(uaid))
		pipe.Del(ctx, topicDataKey(uaid))
		pipe.Del(ctx, tsZKey(uaid))
		pipe.Del(ctx, tsDataKey(uaid))
		_, e := pipe.Exec(ctx)
		return e
	})
}

func (s *Store) AddChannel(ctx context.Context, uaid ids.UAID, channelID ids.ChannelId) error {
	return s.withRetry(ctx, "add_channel", func() error {
		return s.client.SAdd(ctx, channelsKey(uaid), channelID.String()).Err()
	})
}

func (s *Store) RemoveChannel(ctx context.Context, uaid ids.UAID, channelID ids.ChannelId) (bool, error) {
	var removed int64
	err := s.withRetry(ctx, "remove_channel", func() error {
		var e error
		removed, e = s.client.SRem(ctx, channelsKey(uaid), channelID.String()).Result()
		return e
	})
	return removed > 0, err
}

func (s *Store) GetChannels(ctx context.Context, uaid ids.UAID) (map[ids.ChannelId]struct{}, error) {
	var members []string
	err := s.withRetry(ctx, "get_channels", func() error {
		var e error
		members, e = s.client.SMembers(ctx, channelsKey(uaid)).Result()
		return e
	})
	if err != nil {
		return nil, err
	}
	out := make(map[ids.ChannelId]struct{}, len(members))
	for _, m := range members {
		if cid, ok := ids.ParseChannelIDStrict(m); ok {
			out[cid] = struct{}{}
		}
	}
	return out, nil
}

func (s *Store) AddChannels(ctx context.Context, uaid ids.UAID, channels map[ids.ChannelId]struct{}) error {
	if len(channels) == 0 {
		return nil
	}
	members := make([]interface{}, 0, len(channels))
	for c := range channels {
		members = append(members, c.String())
	}
	return s.withRetry(ctx, "add_channels", func() error {
		return s.client.SAdd(ctx, channelsKey(uaid), members...).Err()
	})
}

func (s *Store) RemoveNodeID(ctx context.Context, uaid ids.UAID, nodeID string, connectedAt int64, version string) (bool, error) {
	var result int64
	err := s.withRetry(ctx, "remove_node_id", func() error {
		var e error
		result, e = s.client.Eval(ctx, compareAndClearNodeID, []string{userKey(uaid)},
			nodeID, connectedAt, version).Int64()
		return e
	})
	return result == 1, err
}

func (s *Store) SaveMessage(ctx context.Context, uaid ids.UAID, n notification.Notification) error {
	return s.saveMessages(ctx, uaid, []notification.Notification{n})
}

func (s *Store) SaveMessages(ctx context.Context, uaid ids.UAID, ns []notification.Notification) error {
	return s.saveMessages(ctx, uaid, ns)
}

func (s *Store) saveMessages(ctx context.Context, uaid ids.UAID, ns []notification.Notification) error {
	if len(ns) == 0 {
		return nil
	}
	return s.withRetry(ctx, "save_messages", func() error {
		pipe := s.client.TxPipeline()
		for _, n := range ns {
			payload, err := json.Marshal(n)
			if err != nil {
				return err
			}
			key := n.SortKey()
			if n.IsTopic() {
				pipe.ZAdd(ctx, topicZKey(uaid), redis.Z{Score: 0, Member: key})
				pipe.HSet(ctx, topicDataKey(uaid), key, payload)
			} else {
				pipe.ZAdd(ctx, tsZKey(uaid), redis.Z{Score: float64(n.SortkeyTimestamp), Member: key})
				pipe.HSet(ctx, tsDataKey(uaid), key, payload)
			}
		}
		_, err := pipe.Exec(ctx)
		return err
	})
}

func (s *Store) RemoveMessage(ctx context.Context, uaid ids.UAID, sortKey string) error {
	class, _, _, _, ok := notification.ParseSortKey(sortKey)
	if !ok {
		return fmt.Errorf("redisstore: malformed sort_key %q", sortKey)
	}
	zkey, dkey := tsZKey(uaid), tsDataKey(uaid)
	if class == "01" {
		zkey, dkey = topicZKey(uaid), topicDataKey(uaid)
	}
	return s.withRetry(ctx, "remove_message", func() error {
		pipe := s.client.TxPipeline()
		pipe.ZRem(ctx, zkey, sortKey)
		pipe.HDel(ctx, dkey, sortKey)
		_, err := pipe.Exec(ctx)
		return err
	})
}

func (s *Store) FetchTopicMessages(ctx context.Context, uaid ids.UAID, limit int) (store.TimestampPage, error) {
	var keys []string
	err := s.withRetry(ctx, "fetch_topic_messages", func() error {
		var e error
		keys, e = s.client.ZRange(ctx, topicZKey(uaid), 0, int64(limit)-1).Result()
		return e
	})
	if err != nil {
		return store.TimestampPage{}, err
	}
	if len(keys) == 0 {
		return store.TimestampPage{}, nil
	}
	return s.loadPage(ctx, topicDataKey(uaid), keys)
}

func (s *Store) FetchTimestampMessages(ctx context.Context, uaid ids.UAID, after int64, hasAfter bool, limit int) (store.TimestampPage, error) {
	min := "-inf"
	if hasAfter {
		min = fmt.Sprintf("(%d", after)
	}
	var keys []string
	err := s.withRetry(ctx, "fetch_timestamp_messages", func() error {
		var e error
		keys, e = s.client.ZRangeByScore(ctx, tsZKey(uaid), &redis.ZRangeBy{
			Min:   min,
			Max:   "+inf",
			Count: int64(limit),
		}).Result()
		return e
	})
	if err != nil {
		return store.TimestampPage{}, err
	}
	if len(keys) == 0 {
		return store.TimestampPage{}, nil
	}
	page, err := s.loadPage(ctx, tsDataKey(uaid), keys)
	if err != nil {
		return store.TimestampPage{}, err
	}
	for _, m := range page.Messages {
		if !page.HasTimestamp || m.SortkeyTimestamp > page.Timestamp {
			page.Timestamp = m.SortkeyTimestamp
			page.HasTimestamp = true
		}
	}
	return page, nil
}

func (s *Store) loadPage(ctx context.Context, dataKey string, keys []string) (store.TimestampPage, error) {
	var raw []interface{}
	err := s.withRetry(ctx, "load_page", func() error {
		var e error
		raw, e = s.client.HMGet(ctx, dataKey, keys...).Result()
		return e
	})
	if err != nil {
		return store.TimestampPage{}, err
	}
	var page store.TimestampPage
	for _, r := range raw {
		str, ok := r.(string)
		if !ok {
			continue
		}
		var n notification.Notification
		if err := json.Unmarshal([]byte(str), &n); err != nil {
			s.logger.Warn().Err(err).Msg("dropping unparseable stored notification")
			continue
		}
		page.Messages = append(page.Messages, n)
	}
	return page, nil
}

func (s *Store) IncrementStorage(ctx context.Context, uaid ids.UAID, timestamp int64) error {
	return s.withRetry(ctx, "increment_storage", func() error {
		return s.client.HSet(ctx, userKey(uaid), "current_timestamp", timestamp).Err()
	})
}

func (s *Store) HealthCheck(ctx context.Context) bool {
	return s.client.Ping(ctx).Err() == nil
}

func encodeUser(u *store.User) map[string]interface{} {
	fields := map[string]interface{}{
		"uaid":         u.UAID.String(),
		"connected_at": u.ConnectedAt,
		"router_type":  u.RouterType,
		"node_id":      u.NodeID,
		"version":      u.Version,
	}
	if u.HasRecordVersion {
		fields["record_version"] = u.RecordVersion
	}
	if u.HasCurrentTS {
		fields["current_timestamp"] = u.CurrentTimestamp
	}
	if len(u.RouterData) > 0 {
		if b, err := json.Marshal(u.RouterData); err == nil {
			fields["router_data"] = string(b)
		}
	}
	return fields
}

func decodeUser(uaid ids.UAID, fields map[string]string) *store.User {
	u := &store.User{UAID: uaid}
	u.NodeID = fields["node_id"]
	u.RouterType = fields["router_type"]
	u.Version = fields["version"]
	fmt.Sscanf(fields["connected_at"], "%d", &u.ConnectedAt)
	if v, ok := fields["record_version"]; ok && v != "" {
		fmt.Sscanf(v, "%d", &u.RecordVersion)
		u.HasRecordVersion = true
	}
	if v, ok := fields["current_timestamp"]; ok && v != "" {
		fmt.Sscanf(v, "%d", &u.CurrentTimestamp)
		u.HasCurrentTS = true
	}
	if rd, ok := fields["router_data"]; ok && rd != "" {
		var m map[string]string
		if json.Unmarshal([]byte(rd), &m) == nil {
			u.RouterData = m
		}
	}
	return u
}
