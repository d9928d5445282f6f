package txn

import (
	"context"
	"time"

	"github.com/kasuganosora/friendgraph/cache"
)

// Locker grants exclusive, token-owned leases on named resources.
type Locker interface {
	// TryLock takes name for token without waiting. It reports false if
	// someone else holds it.
	TryLock(ctx context.Context, name, token string, ttl time.Duration) (bool, error)
	// Unlock releases name if token still owns it.
	Unlock(ctx context.Context, name, token string) error
	// Held reports whether token still owns name. A lease that expired
	// reports false even if nobody took it since.
	Held(ctx context.Context, name, token string) (bool, error)
}

const lockPrefix = "lock:edge:"

// CacheLocker implements Locker on top of the shared cache. With a Redis
// cache the locks hold across server instances.
type CacheLocker struct {
	c cache.Cache
}

// NewCacheLocker creates a Locker backed by c.
func NewCacheLocker(c cache.Cache) *CacheLocker {
	return &CacheLocker{c: c}
}

func (l *CacheLocker) TryLock(ctx context.Context, name, token string, ttl time.Duration) (bool, error) {
	return l.c.SetNX(ctx, lockPrefix+name, token, ttl)
}

func (l *CacheLocker) Unlock(ctx context.Context, name, token string) error {
	_, err := l.c.CompareAndDel(ctx, lockPrefix+name, token)
	return err
}

func (l *CacheLocker) Held(ctx context.Context, name, token string) (bool, error) {
	v, err := l.c.Get(ctx, lockPrefix+name)
	if cache.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return v == token, nil
}
