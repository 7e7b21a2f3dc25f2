package storage

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// Entry is one live connection as mirrored in the shared registry. The
// owning gateway instance holds the socket; everyone else only sees this.
type Entry struct {
	ConnectionID string `json:"connectionId"`
	ServerID     string `json:"serverId"`
	LastCursor   string `json:"lastCursor"`
	ConnectedAt  int64  `json:"connectedAt"` // Unix ms
}

// Registry is the shared userId -> live connections mapping. Entries
// carry a TTL so a crashed instance's rows self-expire; Register doubles
// as the heartbeat refresh.
type Registry interface {
	Register(ctx context.Context, userID string, e Entry) error
	Unregister(ctx context.Context, userID, connectionID string) error
	Lookup(ctx context.Context, userID string) ([]Entry, error)
	Count(ctx context.Context, userID string) (int, error)
	SetLastCursor(ctx context.Context, userID, connectionID, cursor string) error
	Close() error
}

// key layout:
//   nh:conn:<user>:<connID>  hash {server_id,last_cursor,connected_at}, TTL'd
//   nh:connidx:<user>        zset member=connID score=expireAtUnix
const (
	connKeyPrefix = "nh:conn:"
	idxKeyPrefix  = "nh:connidx:"
)

func connKey(user, connID string) string { return connKeyPrefix + user + ":" + connID }
func idxKey(user string) string          { return idxKeyPrefix + user }

// register: write the session hash with TTL and index it by expiry.
// KEYS[1]=idx KEYS[2]=conn
// ARGV: connID, serverID, lastCursor, connectedAt, ttlSec, expAtUnix
const luaRegister = `
local idx   = KEYS[1]
local kConn = KEYS[2]
redis.call("HSET", kConn,
  "server_id", ARGV[2],
  "last_cursor", ARGV[3],
  "connected_at", ARGV[4])
redis.call("EXPIRE", kConn, tonumber(ARGV[5]))
redis.call("ZADD", idx, tonumber(ARGV[6]), ARGV[1])
redis.call("EXPIRE", idx, tonumber(ARGV[5]) * 2)
return 1
`

// unregister: drop session + index member; idempotent by design.
const luaUnregister = `
local idx   = KEYS[1]
local kConn = KEYS[2]
redis.call("DEL", kConn)
redis.call("ZREM", idx, ARGV[1])
return 1
`

// activeConns: clean expired index members, return live connIDs.
// ARGV[1]=nowUnix
const luaActiveConns = `
local idx = KEYS[1]
local now = tonumber(ARGV[1])
local victims = redis.call("ZRANGEBYSCORE", idx, "-inf", now)
for _, v in ipairs(victims) do
  redis.call("ZREM", idx, v)
end
return redis.call("ZRANGEBYSCORE", idx, now + 1, "+inf")
`

type redisRegistry struct {
	rdb *redis.Client
	ttl time.Duration

	sRegister *redis.Script
	sUnreg    *redis.Script
	sActive   *redis.Script
}

// NewRedisRegistry wraps an already-connected client. ttl bounds how long
// a crashed instance's entries linger.
func NewRedisRegistry(rdb *redis.Client, ttl time.Duration) Registry {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &redisRegistry{
		rdb:       rdb,
		ttl:       ttl,
		sRegister: redis.NewScript(luaRegister),
		sUnreg:    redis.NewScript(luaUnregister),
		sActive:   redis.NewScript(luaActiveConns),
	}
}

func (r *redisRegistry) Register(ctx context.Context, userID string, e Entry) error {
	now := time.Now()
	expAt := now.Add(r.ttl).Unix()
	ttlSec := int64(r.ttl / time.Second)
	err := r.sRegister.Run(ctx, r.rdb,
		[]string{idxKey(userID), connKey(userID, e.ConnectionID)},
		e.ConnectionID, e.ServerID, e.LastCursor, e.ConnectedAt, ttlSec, expAt,
	).Err()
	return errors.WithMessage(err, "registry register")
}

func (r *redisRegistry) Unregister(ctx context.Context, userID, connectionID string) error {
	// best-effort: absent entries are fine, disconnects race eviction
	err := r.sUnreg.Run(ctx, r.rdb,
		[]string{idxKey(userID), connKey(userID, connectionID)},
		connectionID,
	).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return errors.WithMessage(err, "registry unregister")
	}
	return nil
}

func (r *redisRegistry) Lookup(ctx context.Context, userID string) ([]Entry, error) {
	ids, err := r.activeConnIDs(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(ids))
	for _, id := range ids {
		vals, err := r.rdb.HGetAll(ctx, connKey(userID, id)).Result()
		if err != nil {
			return nil, errors.WithMessage(err, "registry lookup")
		}
		if len(vals) == 0 {
			continue // hash TTL'd out between index read and fetch
		}
		e := Entry{ConnectionID: id, ServerID: vals["server_id"], LastCursor: vals["last_cursor"]}
		if ts, ok := vals["connected_at"]; ok {
			e.ConnectedAt = parseInt64(ts)
		}
		out = append(out, e)
	}
	return out, nil
}

func (r *redisRegistry) Count(ctx context.Context, userID string) (int, error) {
	ids, err := r.activeConnIDs(ctx, userID)
	if err != nil {
		return 0, err
	}
	return len(ids), nil
}

func (r *redisRegistry) SetLastCursor(ctx context.Context, userID, connectionID, cursor string) error {
	err := r.rdb.HSet(ctx, connKey(userID, connectionID), "last_cursor", cursor).Err()
	return errors.WithMessage(err, "registry set last cursor")
}

func (r *redisRegistry) activeConnIDs(ctx context.Context, userID string) ([]string, error) {
	res, err := r.sActive.Run(ctx, r.rdb, []string{idxKey(userID)}, time.Now().Unix()).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, errors.WithMessage(err, "registry index scan")
	}
	raw, ok := res.([]interface{})
	if !ok {
		return nil, nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out, nil
}

func (r *redisRegistry) Close() error { return r.rdb.Close() }

func parseInt64(s string) int64 {
	var n int64
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0
		}
		n = n*10 + int64(c-'0')
	}
	return n
}
