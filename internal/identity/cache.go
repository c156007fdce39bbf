package identity

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// CachingRepository decorates a Repository with a Valkey-backed resolve cache. Every relayed request carries a bearer
// token, so the token lookup is the hottest query in the system; caching it keeps the pool free for the broker's own
// traffic.
//
// Two keys are maintained per user: session:<token> -> user_id for Resolve, and user_session:<user_id> -> token
// recording which token is current. Both writers run as Lua scripts so they serialise against each other: Register
// swaps the reverse key and drops the old token's entry in one step, and Resolve writes a session entry only while its
// token still matches the reverse key. A resolve whose database read raced a rotation therefore cannot write the
// revoked token back into the cache afterwards.
type CachingRepository struct {
	inner Repository
	rdb   *redis.Client
	ttl   time.Duration
	log   zerolog.Logger
}

// rotateScript installs the new token as the user's current one and evicts the previous token's session entry.
// KEYS[1] reverse key; ARGV[1] new token, ARGV[2] TTL in ms, ARGV[3] session key prefix.
var rotateScript = redis.NewScript(`
local old = redis.call("GET", KEYS[1])
redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[2])
if old and old ~= ARGV[1] then
	redis.call("DEL", ARGV[3] .. old)
end
return 1
`)

// populateScript caches a resolved token, but only while it is still the user's current one. An absent reverse key
// (cold cache) is primed from this resolve. KEYS[1] session key, KEYS[2] reverse key; ARGV[1] user id, ARGV[2] token,
// ARGV[3] TTL in ms.
var populateScript = redis.NewScript(`
local current = redis.call("GET", KEYS[2])
if current == false then
	redis.call("SET", KEYS[2], ARGV[2], "PX", ARGV[3])
elseif current ~= ARGV[2] then
	return 0
end
redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[3])
return 1
`)

// NewCachingRepository wraps inner with a resolve cache using the given TTL.
func NewCachingRepository(inner Repository, rdb *redis.Client, ttl time.Duration, logger zerolog.Logger) *CachingRepository {
	return &CachingRepository{
		inner: inner,
		rdb:   rdb,
		ttl:   ttl,
		log:   logger.With().Str("component", "identity_cache").Logger(),
	}
}

const sessionKeyPrefix = "session:"

func sessionKey(token SessionToken) string { return sessionKeyPrefix + token.String() }

func userSessionKey(userID UserID) string {
	return "user_session:" + strconv.FormatInt(int64(userID), 10)
}

// Register rotates the token through the inner repository, then atomically swaps the cached current token and evicts
// the stale entry. Cache failures are logged and swallowed; the database row is authoritative and a stale entry dies
// with its TTL at worst.
func (r *CachingRepository) Register(ctx context.Context, userID UserID) (SessionToken, error) {
	token, err := r.inner.Register(ctx, userID)
	if err != nil {
		return SessionToken{}, err
	}

	err = rotateScript.Run(ctx, r.rdb,
		[]string{userSessionKey(userID)},
		token.String(), r.ttl.Milliseconds(), sessionKeyPrefix,
	).Err()
	if err != nil {
		r.log.Warn().Err(err).Int64("user_id", int64(userID)).Msg("Failed to evict rotated session token")
	}
	return token, nil
}

// Resolve serves the token lookup from cache when possible, falling through to the inner repository. A successful
// fall-through is written back only if the token is still current; a failed resolve is never cached.
func (r *CachingRepository) Resolve(ctx context.Context, token SessionToken) (UserID, error) {
	cached, err := r.rdb.Get(ctx, sessionKey(token)).Result()
	if err == nil {
		id, parseErr := strconv.ParseInt(cached, 10, 64)
		if parseErr == nil {
			return UserID(id), nil
		}
		r.log.Warn().Str("value", cached).Msg("Corrupt session cache entry, falling through")
	} else if !errors.Is(err, redis.Nil) {
		r.log.Warn().Err(err).Msg("Session cache read failed, falling through")
	}

	userID, err := r.inner.Resolve(ctx, token)
	if err != nil {
		return 0, err
	}

	err = populateScript.Run(ctx, r.rdb,
		[]string{sessionKey(token), userSessionKey(userID)},
		strconv.FormatInt(int64(userID), 10), token.String(), r.ttl.Milliseconds(),
	).Err()
	if err != nil {
		r.log.Warn().Err(err).Msg("Failed to populate session cache")
	}
	return userID, nil
}

var _ Repository = (*CachingRepository)(nil)
