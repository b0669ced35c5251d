// Package custody holds the components that touch service-controlled
// wallets: the per-wallet mutual-exclusion lock manager and the custodial
// transfer signer. Balance check and spend for one wallet always happen
// inside one lock critical section, linearized against every other request
// touching the same address.
package custody

import (
	"context"
	"crypto/rand"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/mr-tron/base58"
	"github.com/sirupsen/logrus"

	solgate "github.com/solgate-labs/solgate"
)

const (
	lockKeyPrefix = "solgate:lock:wallet:"

	// LockTTL bounds how long a crashed holder can wedge a wallet.
	LockTTL = 30 * time.Second

	lockPollInterval = 250 * time.Millisecond
	lockMaxAttempts  = 20 // ~5 seconds of contention before giving up
)

// releaseScript deletes the lock only when the holder token still matches,
// so a lock that expired and was reacquired by another holder is never
// deleted out from under them.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// Locker provides TTL-bounded critical sections keyed by wallet address,
// backed by Redis with an in-process fallback. The fallback only guarantees
// mutual exclusion within a single process; that weaker guarantee is logged
// whenever it is in effect.
type Locker struct {
	client *redis.Client // nil means in-process only
	log    *logrus.Entry

	mu    sync.Mutex
	local map[string]*localLock
}

type localLock struct {
	mu   sync.Mutex
	refs int
}

// NewLocker creates a Locker. client may be nil for in-process-only locking.
func NewLocker(client *redis.Client, log *logrus.Entry) *Locker {
	return &Locker{
		client: client,
		log:    log,
		local:  make(map[string]*localLock),
	}
}

// WithLock runs fn while holding the exclusive lock for address. The lock is
// released on every path, including a panicking fn. Acquisition failure after
// the bounded wait returns ErrLockTimeout, which callers must treat as a
// transient error rather than a payment failure.
func (l *Locker) WithLock(ctx context.Context, address string, fn func(ctx context.Context) error) error {
	release, err := l.acquire(ctx, address)
	if err != nil {
		return err
	}
	defer release()
	return fn(ctx)
}

func (l *Locker) acquire(ctx context.Context, address string) (func(), error) {
	if l.client != nil {
		release, err := l.acquireRedis(ctx, address)
		if err == nil || err == solgate.ErrLockTimeout {
			return release, err
		}
		// Shared store unreachable: degrade to in-process exclusion.
		l.log.WithError(err).WithField("wallet", address).
			Warn("lock store unavailable, falling back to in-process lock")
	}
	return l.acquireLocal(ctx, address)
}

func (l *Locker) acquireRedis(ctx context.Context, address string) (func(), error) {
	key := lockKeyPrefix + address
	token := newHolderToken()

	for attempt := 0; attempt < lockMaxAttempts; attempt++ {
		ok, err := l.client.SetNX(ctx, key, token, LockTTL).Result()
		if err != nil {
			return nil, fmt.Errorf("lock store error: %w", err)
		}
		if ok {
			release := func() {
				releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				defer cancel()
				if err := releaseScript.Run(releaseCtx, l.client, []string{key}, token).Err(); err != nil && err != redis.Nil {
					l.log.WithError(err).WithField("wallet", address).Warn("lock release failed, ttl will reap it")
				}
			}
			return release, nil
		}

		select {
		case <-ctx.Done():
			return nil, solgate.ErrLockTimeout
		case <-time.After(lockPollInterval):
		}
	}
	return nil, solgate.ErrLockTimeout
}

func (l *Locker) acquireLocal(ctx context.Context, address string) (func(), error) {
	l.mu.Lock()
	entry, ok := l.local[address]
	if !ok {
		entry = &localLock{}
		l.local[address] = entry
	}
	entry.refs++
	l.mu.Unlock()

	unref := func() {
		l.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(l.local, address)
		}
		l.mu.Unlock()
	}

	for attempt := 0; attempt < lockMaxAttempts; attempt++ {
		if entry.mu.TryLock() {
			return func() {
				entry.mu.Unlock()
				unref()
			}, nil
		}
		select {
		case <-ctx.Done():
			unref()
			return nil, solgate.ErrLockTimeout
		case <-time.After(lockPollInterval):
		}
	}
	unref()
	return nil, solgate.ErrLockTimeout
}

func newHolderToken() string {
	buf := make([]byte, 16)
	_, _ = rand.Read(buf)
	return base58.Encode(buf)
}
