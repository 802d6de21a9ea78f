package replenish

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

const defaultLockTTL = 2 * time.Minute

// Locker serializes replenish cycles per account.
type Locker interface {
	// TryLock acquires the cycle lock for one account. ok is false when
	// another holder owns it; release frees the lock when acquisition
	// succeeded and must not be called otherwise.
	TryLock(ctx context.Context, accountID uint64) (release func(), ok bool, err error)
}

// Deleting the key only when the token matches keeps a slow cycle from
// releasing a lock that already expired and was re-acquired elsewhere.
var lockReleaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker takes per-account locks in Redis so cycles stay serialized
// when several instances scan at once. The TTL bounds how long a crashed
// holder can block an account.
type RedisLocker struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewRedisLocker constructs a locker on the given client.
func NewRedisLocker(client redis.UniversalClient, prefix string) *RedisLocker {
	if client == nil {
		return nil
	}
	trimmedPrefix := strings.TrimSpace(prefix)
	if trimmedPrefix == "" {
		trimmedPrefix = "creditledger:replenish"
	}
	trimmedPrefix = strings.TrimSuffix(trimmedPrefix, ":")

	return &RedisLocker{
		client: client,
		prefix: trimmedPrefix,
		ttl:    defaultLockTTL,
	}
}

func (l *RedisLocker) TryLock(ctx context.Context, accountID uint64) (func(), bool, error) {
	if l == nil || l.client == nil {
		return nil, false, errors.New("replenish locker: not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	key := fmt.Sprintf("%s:account:%d", l.prefix, accountID)
	token := uuid.NewString()
	acquired, errSet := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if errSet != nil {
		return nil, false, errSet
	}
	if !acquired {
		return nil, false, nil
	}

	release := func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, errDel := lockReleaseScript.Run(releaseCtx, l.client, []string{key}, token).Result(); errDel != nil && !errors.Is(errDel, redis.Nil) {
			log.WithError(errDel).Warnf("replenish locker: release failed (account=%d)", accountID)
		}
	}
	return release, true, nil
}

// LocalLocker serializes cycles within a single process. Used when no Redis
// endpoint is configured, which limits the deployment to one instance.
type LocalLocker struct {
	mu   sync.Mutex
	held map[uint64]struct{}
}

// NewLocalLocker constructs an in-process locker.
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: make(map[uint64]struct{})}
}

func (l *LocalLocker) TryLock(_ context.Context, accountID uint64) (func(), bool, error) {
	if l == nil {
		return nil, false, errors.New("replenish locker: not initialized")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, taken := l.held[accountID]; taken {
		return nil, false, nil
	}
	l.held[accountID] = struct{}{}

	release := func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.held, accountID)
	}
	return release, true, nil
}
