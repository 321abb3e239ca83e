// Package kv wraps Redis for the three fast-path concerns of the
// messaging plane: offline message queues, per-user session records, and
// group read state. Redis is a backup and acceleration layer here; MySQL
// remains the source of truth for message history.
package kv

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/haasonsaas/relay/internal/imerr"
)

// Key layout. Offline queues and session records are keyed by the user's
// external id so both server processes address the same entries.
const (
	offlineKeyPrefix = "offline:message:"
	sessionKeyPrefix = "IM-USER-"
	groupReadPrefix  = "group:read:"
	resolveKeyPrefix = "resolve:user:"
)

const (
	// OfflineTTL bounds how long undelivered messages wait in the queue.
	OfflineTTL = 7 * 24 * time.Hour

	// GroupReadTTL bounds per-message read sets. Old read receipts decay
	// rather than accumulate forever.
	GroupReadTTL = 30 * 24 * time.Hour
)

// Config holds the Redis connection settings.
type Config struct {
	Addr     string
	Password string
	DB       int
}

// commander is the subset of redis.Cmdable this package issues. Tests
// substitute a fake; production passes *redis.Client.
type commander interface {
	RPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	LRange(ctx context.Context, key string, start, stop int64) *redis.StringSliceCmd
	LLen(ctx context.Context, key string) *redis.IntCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	SAdd(ctx context.Context, key string, members ...interface{}) *redis.IntCmd
	SIsMember(ctx context.Context, key string, member interface{}) *redis.BoolCmd
	SMembers(ctx context.Context, key string) *redis.StringSliceCmd
	SCard(ctx context.Context, key string) *redis.IntCmd
}

// Client is the typed facade over Redis.
type Client struct {
	rdb commander
}

// Connect opens a Redis connection and verifies it with a ping.
func Connect(ctx context.Context, cfg Config) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return &Client{rdb: rdb}, nil
}

// NewWithCommander wraps an existing command executor. Used by tests.
func NewWithCommander(rdb commander) *Client {
	return &Client{rdb: rdb}
}

func offlineKey(openID string) string { return offlineKeyPrefix + openID }

// PushOffline appends a serialized message to the user's offline queue.
// RPUSH keeps the queue in arrival order so the drain replays oldest
// first. Each push renews the seven-day expiry of the whole queue.
func (c *Client) PushOffline(ctx context.Context, openID string, payload []byte) error {
	key := offlineKey(openID)
	if err := c.rdb.RPush(ctx, key, payload).Err(); err != nil {
		return imerr.Internal("offline queue push", err)
	}
	if err := c.rdb.Expire(ctx, key, OfflineTTL).Err(); err != nil {
		return imerr.Internal("offline queue expire", err)
	}
	return nil
}

// DrainOffline removes and returns every queued message for the user in
// arrival order. An absent queue yields an empty slice; the key is only
// deleted when something was read, so a concurrent push between LRANGE
// and DEL can lose at most messages the caller already holds.
func (c *Client) DrainOffline(ctx context.Context, openID string) ([][]byte, error) {
	key := offlineKey(openID)
	values, err := c.rdb.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, imerr.Internal("offline queue read", err)
	}
	if len(values) == 0 {
		return nil, nil
	}
	if err := c.rdb.Del(ctx, key).Err(); err != nil {
		return nil, imerr.Internal("offline queue clear", err)
	}
	messages := make([][]byte, len(values))
	for i, v := range values {
		messages[i] = []byte(v)
	}
	return messages, nil
}

// OfflineCount returns the queue length without consuming it.
func (c *Client) OfflineCount(ctx context.Context, openID string) (int64, error) {
	n, err := c.rdb.LLen(ctx, offlineKey(openID)).Result()
	if err != nil {
		return 0, imerr.Internal("offline queue len", err)
	}
	return n, nil
}

// SessionRecord is the cross-node view of one live gateway session,
// stored under IM-USER-{id}. The fan-out API reads it to learn which
// broker holds the user's connection.
type SessionRecord struct {
	BrokerID    string `json:"broker_id"`
	DeviceType  string `json:"device_type"`
	DeviceGroup string `json:"device_group"`
	ChannelID   string `json:"channel_id"`
	LoginTime   int64  `json:"login_time"`
}

func sessionKey(userID string) string { return sessionKeyPrefix + userID }

// PutSession stores the session record with the gateway's session TTL.
// The gateway refreshes it on heartbeat; a record that expires means the
// session is gone and the user is offline to the rest of the cluster.
func (c *Client) PutSession(ctx context.Context, userID string, rec SessionRecord, ttl time.Duration) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return imerr.Internal("session record encode", err)
	}
	if err := c.rdb.Set(ctx, sessionKey(userID), data, ttl).Err(); err != nil {
		return imerr.Internal("session record store", err)
	}
	return nil
}

// GetSession returns the user's session record, or nil when the user has
// no live gateway session.
func (c *Client) GetSession(ctx context.Context, userID string) (*SessionRecord, error) {
	data, err := c.rdb.Get(ctx, sessionKey(userID)).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, imerr.Internal("session record read", err)
	}
	var rec SessionRecord
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return nil, imerr.Internal("session record decode", err)
	}
	return &rec, nil
}

// DeleteSession removes the record on logout or eviction.
func (c *Client) DeleteSession(ctx context.Context, userID string) error {
	if err := c.rdb.Del(ctx, sessionKey(userID)).Err(); err != nil {
		return imerr.Internal("session record delete", err)
	}
	return nil
}

func groupReadKey(groupID, messageID string) string {
	return groupReadPrefix + groupID + ":" + messageID
}

// MarkGroupRead records that a user has read a group message. The set
// expires after thirty days.
func (c *Client) MarkGroupRead(ctx context.Context, groupID, messageID, userID string) error {
	key := groupReadKey(groupID, messageID)
	if err := c.rdb.SAdd(ctx, key, userID).Err(); err != nil {
		return imerr.Internal("group read mark", err)
	}
	if err := c.rdb.Expire(ctx, key, GroupReadTTL).Err(); err != nil {
		return imerr.Internal("group read expire", err)
	}
	return nil
}

// IsGroupRead reports whether the user has read the group message.
func (c *Client) IsGroupRead(ctx context.Context, groupID, messageID, userID string) (bool, error) {
	ok, err := c.rdb.SIsMember(ctx, groupReadKey(groupID, messageID), userID).Result()
	if err != nil {
		return false, imerr.Internal("group read check", err)
	}
	return ok, nil
}

// GroupReaders returns the users who have read the group message.
func (c *Client) GroupReaders(ctx context.Context, groupID, messageID string) ([]string, error) {
	users, err := c.rdb.SMembers(ctx, groupReadKey(groupID, messageID)).Result()
	if err != nil {
		return nil, imerr.Internal("group read members", err)
	}
	return users, nil
}

// GroupReadCount returns how many users have read the group message.
func (c *Client) GroupReadCount(ctx context.Context, groupID, messageID string) (int64, error) {
	n, err := c.rdb.SCard(ctx, groupReadKey(groupID, messageID)).Result()
	if err != nil {
		return 0, imerr.Internal("group read count", err)
	}
	return n, nil
}

// CacheResolvedUser stores a user-resolution result. Only positive hits
// are cached; a miss must retry the database next time.
func (c *Client) CacheResolvedUser(ctx context.Context, query string, userID int64, ttl time.Duration) error {
	key := resolveKeyPrefix + query
	if err := c.rdb.Set(ctx, key, userID, ttl).Err(); err != nil {
		return imerr.Internal("resolve cache store", err)
	}
	return nil
}

// ResolvedUser returns the cached resolution for a query, with ok=false
// on a cache miss.
func (c *Client) ResolvedUser(ctx context.Context, query string) (int64, bool, error) {
	val, err := c.rdb.Get(ctx, resolveKeyPrefix+query).Int64()
	if err != nil {
		if err == redis.Nil {
			return 0, false, nil
		}
		return 0, false, imerr.Internal("resolve cache read", err)
	}
	return val, true, nil
}
