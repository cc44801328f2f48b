package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const keyPrefix = "lock:"

// ErrNotHeld is returned by Unlock when the lock is no longer owned by
// this instance (expired and possibly re-acquired by someone else). The
// release itself is a no-op in that case.
var ErrNotHeld = errors.New("lock not held")

// Release only deletes the key when the stored token still matches this
// owner, so a holder whose lock expired cannot delete a new holder's lock.
var unlockScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

// Lock is a single-attempt cross-process mutex backed by a conditional
// set with expiry. The TTL is a safety net against crashed holders; it is
// never extended automatically.
type Lock struct {
	client *redis.Client
	key    string
	token  string
	ttl    time.Duration
}

func New(client *redis.Client, name string, ttl time.Duration) *Lock {
	return &Lock{
		client: client,
		key:    keyPrefix + name,
		token:  uuid.NewString(),
		ttl:    ttl,
	}
}

// TryLock makes exactly one acquisition attempt. A false return signals
// contention, not failure; retry policy belongs to the caller.
func (l *Lock) TryLock(ctx context.Context) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key, l.token, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire %s: %w", l.key, err)
	}
	return ok, nil
}

// Unlock releases the lock if this instance still owns it.
func (l *Lock) Unlock(ctx context.Context) error {
	released, err := unlockScript.Run(ctx, l.client, []string{l.key}, l.token).Int()
	if err != nil {
		return fmt.Errorf("release %s: %w", l.key, err)
	}
	if released == 0 {
		return ErrNotHeld
	}
	return nil
}
