package storage

import (
	"hash/fnv"
	"sync"

	"gorm.io/gorm"
)

// Advisory locks serialize multi-row invariants keyed by an arbitrary string.
// On postgres this takes a transaction-scoped pg_advisory_xact_lock, released
// automatically at commit or rollback. On sqlite the database is effectively
// single-writer, so a process-local striped mutex carries the same guarantee;
// the returned release function must be deferred.

const lockStripes = 64

var stripedLocks [lockStripes]sync.Mutex

// WithAdvisoryLock acquires the lock for key inside the supplied transaction
// and returns a release function. Callers must defer the release.
func WithAdvisoryLock(tx *gorm.DB, key string) (func(), error) {
	if IsPostgres(tx) {
		if err := tx.Exec("SELECT pg_advisory_xact_lock(?)", lockID(key)).Error; err != nil {
			return nil, err
		}
		return func() {}, nil
	}
	mu := &stripedLocks[lockID(key)%lockStripes]
	mu.Lock()
	return mu.Unlock, nil
}

func lockID(key string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(key))
	return int64(h.Sum64() & 0x7fffffffffffffff)
}
