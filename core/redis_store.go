package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const redisCleanupBatch = 500

// insertTokenLua stores a token only if its secret is unused and indexes it
// by creation time.
// KEYS[1] = token key, KEYS[2] = created-at index
// ARGV[1] = encoded token, ARGV[2] = created-at score, ARGV[3] = secret,
// ARGV[4] = ttl in ms (0 = none)
var insertTokenLua = redis.NewScript(`
local ok
if tonumber(ARGV[4]) > 0 then
  ok = redis.call("SET", KEYS[1], ARGV[1], "NX", "PX", ARGV[4])
else
  ok = redis.call("SET", KEYS[1], ARGV[1], "NX")
end
if not ok then return 0 end
redis.call("ZADD", KEYS[2], ARGV[2], ARGV[3])
return 1
`)

// casTokenLua moves a token between states if it is still in the expected one.
// KEYS[1] = token key
// ARGV[1] = expected state, ARGV[2] = new state, ARGV[3] = transition time,
// ARGV[4] = user id
// Returns -1 missing, 0 state mismatch, 1 applied.
var casTokenLua = redis.NewScript(`
local val = redis.call("GET", KEYS[1])
if not val then return -1 end
local obj = cjson.decode(val)
if obj.state ~= ARGV[1] then return 0 end
obj.state = ARGV[2]
if ARGV[2] == "claimed" then
  obj.claimed_at = ARGV[3]
elseif ARGV[2] == "consumed" then
  obj.consumed_at = ARGV[3]
  obj.user_id = ARGV[4]
elseif ARGV[2] == "cancelled" then
  obj.cancelled_at = ARGV[3]
end
local ttl = redis.call("PTTL", KEYS[1])
if ttl and ttl > 0 then
  redis.call("SET", KEYS[1], cjson.encode(obj), "PX", ttl)
else
  redis.call("SET", KEYS[1], cjson.encode(obj))
end
return 1
`)

// purgeTokensLua deletes up to ARGV[3] tokens created before ARGV[1].
// KEYS[1] = created-at index
// ARGV[1] = cutoff score (exclusive), ARGV[2] = token key prefix, ARGV[3] = batch size
// Returns {members scanned, keys deleted}.
var purgeTokensLua = redis.NewScript(`
local members = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", "(" .. ARGV[1], "LIMIT", 0, tonumber(ARGV[3]))
local deleted = 0
for _, secret in ipairs(members) do
  deleted = deleted + redis.call("DEL", ARGV[2] .. secret)
  redis.call("ZREM", KEYS[1], secret)
end
return {#members, deleted}
`)

// RedisStore keeps each token as a JSON value. All writes go through Lua
// scripts so conditional updates stay atomic on the server.
type RedisStore struct {
	client    redis.UniversalClient
	keyPrefix string
	ttl       time.Duration
}

// NewRedisStore returns a store under keyPrefix. A positive ttl is a
// backstop expiry on every key in case cleanup never runs. It should be at
// least the cleanup retention; a key is never given less than twice the
// token's own lifetime so a live or freshly expired token cannot vanish.
func NewRedisStore(client redis.UniversalClient, keyPrefix string, ttl time.Duration) *RedisStore {
	if keyPrefix == "" {
		keyPrefix = "qr-login:"
	}
	return &RedisStore{
		client:    client,
		keyPrefix: keyPrefix,
		ttl:       ttl,
	}
}

func (s *RedisStore) tokenPrefix() string { return s.keyPrefix + "token:" }

func (s *RedisStore) key(secret string) string {
	return fmt.Sprintf("%s%s", s.tokenPrefix(), secret)
}

func (s *RedisStore) indexKey() string { return s.keyPrefix + "created" }

func (s *RedisStore) Insert(ctx context.Context, t Token) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	raw, err := json.Marshal(t)
	if err != nil {
		return err
	}
	res, err := insertTokenLua.Run(ctx, s.client,
		[]string{s.key(t.Secret), s.indexKey()},
		string(raw), t.CreatedAt.UnixMilli(), t.Secret, s.backstop(t).Milliseconds(),
	).Int()
	if err != nil {
		return err
	}
	if res == 0 {
		return ErrSecretConflict
	}
	return nil
}

func (s *RedisStore) backstop(t Token) time.Duration {
	if s.ttl <= 0 {
		return 0
	}
	if floor := 2 * t.ExpiresAt.Sub(t.CreatedAt); s.ttl < floor {
		return floor
	}
	return s.ttl
}

func (s *RedisStore) FindBySecret(ctx context.Context, secret string) (*Token, error) {
	val, err := s.client.Get(ctx, s.key(secret)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, err
	}
	var t Token
	if err := json.Unmarshal([]byte(val), &t); err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *RedisStore) CompareAndSwapState(ctx context.Context, secret string, expected State, tr Transition) (bool, error) {
	res, err := casTokenLua.Run(ctx, s.client, []string{s.key(secret)},
		expected.String(), tr.To.String(), tr.At.UTC().Format(time.RFC3339Nano), tr.UserID,
	).Int()
	if err != nil {
		return false, err
	}
	switch res {
	case -1:
		return false, ErrRecordNotFound
	case 0:
		return false, nil
	default:
		return true, nil
	}
}

func (s *RedisStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	var total int64
	for {
		res, err := purgeTokensLua.Run(ctx, s.client, []string{s.indexKey()},
			cutoff.UnixMilli(), s.tokenPrefix(), redisCleanupBatch,
		).Int64Slice()
		if err != nil {
			return total, err
		}
		if len(res) != 2 {
			return total, fmt.Errorf("unexpected purge reply %v", res)
		}
		total += res[1]
		if res[0] < redisCleanupBatch {
			return total, nil
		}
	}
}
