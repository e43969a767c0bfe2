package sync

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Lease serialises concurrent sync runs for the same cron name, spec.md
// §4.9: "Concurrent sync runs for the same cron name MUST be serialised
// via a lightweight lease." It is a single Redis key set with SETNX and
// a TTL, used as a plain mutual-exclusion lock.
type Lease struct {
	rdb *redis.Client
}

// NewLease wraps rdb for lease acquisition.
func NewLease(rdb *redis.Client) *Lease {
	return &Lease{rdb: rdb}
}

func leaseKey(name string) string { return "sync:lease:" + name }

// Acquire tries to take the lease named name for ttl. ok is false when
// another runner already holds it.
func (l *Lease) Acquire(ctx context.Context, name string, ttl time.Duration) (ok bool, err error) {
	return l.rdb.SetNX(ctx, leaseKey(name), "1", ttl).Result()
}

// Release drops the lease early, used once a run completes well inside
// its ttl so the next cadence does not wait out a stale lock.
func (l *Lease) Release(ctx context.Context, name string) error {
	return l.rdb.Del(ctx, leaseKey(name)).Err()
}
