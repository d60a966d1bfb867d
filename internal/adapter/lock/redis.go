package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/passl-hq/dispatch-core/internal/domain"
)

// Key layout:
//
//	lock:{key}    mutex lease, value is the holder token
//	offer:{job}   set of driver ids in the live wave, PEXPIRE'd to the wave ttl
//	accept:{job}  winning driver id, written once via SET NX
const (
	lockKeyPrefix   = "lock:"
	offerKeyPrefix  = "offer:"
	acceptKeyPrefix = "accept:"

	lockLeaseTTL = 10 * time.Second
	acceptTTL    = 24 * time.Hour
)

// setOffer atomically replaces the offer set and arms its expiry.
var setOfferScript = redis.NewScript(`
redis.call("DEL", KEYS[1])
for i = 1, #ARGV - 1 do
  redis.call("SADD", KEYS[1], ARGV[i])
end
redis.call("PEXPIRE", KEYS[1], tonumber(ARGV[#ARGV]))
return 1
`)

// releaseLock deletes the lease only if the caller still holds it.
var releaseLockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// Redis is the multi-node LockManager. All mutations are single scripts or
// single commands so concurrent dispatchers on different nodes observe the
// same offer and acceptance state.
type Redis struct {
	rdb *redis.Client
}

// NewRedis wraps an existing client.
func NewRedis(rdb *redis.Client) *Redis {
	return &Redis{rdb: rdb}
}

// Lock acquires a short lease on key, retrying with exponential backoff until
// the context expires.
func (r *Redis) Lock(ctx context.Context, key string) (func(), error) {
	token := uuid.NewString()
	redisKey := lockKeyPrefix + key

	acquire := func() error {
		ok, err := r.rdb.SetNX(ctx, redisKey, token, lockLeaseTTL).Result()
		if err != nil {
			return backoff.Permanent(err)
		}
		if !ok {
			return errors.New("lease held")
		}
		return nil
	}
	bo := backoff.WithContext(backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(5*time.Millisecond),
		backoff.WithMaxInterval(250*time.Millisecond),
	), ctx)
	if err := backoff.Retry(acquire, bo); err != nil {
		return nil, fmt.Errorf("op=lock.Lock key=%s: %w", key, err)
	}

	release := func() {
		_ = releaseLockScript.Run(context.WithoutCancel(ctx), r.rdb, []string{redisKey}, token).Err()
	}
	return release, nil
}

// SetActiveOffer implements domain.LockManager.
func (r *Redis) SetActiveOffer(ctx context.Context, jobID string, driverIDs []string, ttl time.Duration) error {
	args := make([]any, 0, len(driverIDs)+1)
	for _, id := range driverIDs {
		args = append(args, id)
	}
	args = append(args, ttl.Milliseconds())
	if err := setOfferScript.Run(ctx, r.rdb, []string{offerKeyPrefix + jobID}, args...).Err(); err != nil {
		return fmt.Errorf("op=lock.SetActiveOffer job=%s: %w", jobID, err)
	}
	return nil
}

// ClearActiveOffer implements domain.LockManager.
func (r *Redis) ClearActiveOffer(ctx context.Context, jobID string) error {
	if err := r.rdb.Del(ctx, offerKeyPrefix+jobID).Err(); err != nil {
		return fmt.Errorf("op=lock.ClearActiveOffer job=%s: %w", jobID, err)
	}
	return nil
}

// ActiveDrivers implements domain.LockManager. An expired offer set reads as
// empty; Redis handles the TTL.
func (r *Redis) ActiveDrivers(ctx context.Context, jobID string) ([]string, error) {
	ids, err := r.rdb.SMembers(ctx, offerKeyPrefix+jobID).Result()
	if err != nil {
		return nil, fmt.Errorf("op=lock.ActiveDrivers job=%s: %w", jobID, err)
	}
	return ids, nil
}

// IsAccepted implements domain.LockManager.
func (r *Redis) IsAccepted(ctx context.Context, jobID string) (bool, error) {
	n, err := r.rdb.Exists(ctx, acceptKeyPrefix+jobID).Result()
	if err != nil {
		return false, fmt.Errorf("op=lock.IsAccepted job=%s: %w", jobID, err)
	}
	return n > 0, nil
}

// MarkAccepted writes the winner once; a concurrent second write loses.
func (r *Redis) MarkAccepted(ctx context.Context, jobID, driverID string) error {
	ok, err := r.rdb.SetNX(ctx, acceptKeyPrefix+jobID, driverID, acceptTTL).Result()
	if err != nil {
		return fmt.Errorf("op=lock.MarkAccepted job=%s: %w", jobID, err)
	}
	if !ok {
		return fmt.Errorf("%w: job %s already accepted", domain.ErrConflict, jobID)
	}
	return nil
}

// AcceptedBy implements domain.LockManager.
func (r *Redis) AcceptedBy(ctx context.Context, jobID string) (string, error) {
	id, err := r.rdb.Get(ctx, acceptKeyPrefix+jobID).Result()
	if errors.Is(err, redis.Nil) {
		return "", fmt.Errorf("%w: no acceptance for job %s", domain.ErrNotFound, jobID)
	}
	if err != nil {
		return "", fmt.Errorf("op=lock.AcceptedBy job=%s: %w", jobID, err)
	}
	return id, nil
}
