// Package syncutil provides per-account locking for settlement paths.
package syncutil

import (
	"context"
	"hash/fnv"

	"github.com/ethereum/go-ethereum/common"
)

// DefaultShards is the shard count used by NewAccountLocks(0).
const DefaultShards = 256

// AccountLocks serializes work per account over a fixed pool of
// channel-based mutexes, so memory stays bounded however many accounts are
// seen. Accounts that hash to the same shard wait on each other.
//
// A holder must not try to lock a second account: two holders doing so in
// opposite orders can deadlock on shared shards.
type AccountLocks struct {
	shards []chan struct{}
}

// NewAccountLocks creates a lock pool with n shards.
func NewAccountLocks(n int) *AccountLocks {
	if n <= 0 {
		n = DefaultShards
	}
	l := &AccountLocks{shards: make([]chan struct{}, n)}
	for i := range l.shards {
		l.shards[i] = make(chan struct{}, 1)
		l.shards[i] <- struct{}{} // Start unlocked.
	}
	return l
}

// Lock acquires account's shard, or returns ctx.Err() if ctx ends first.
// The caller MUST call the returned unlock function.
func (l *AccountLocks) Lock(ctx context.Context, account common.Address) (func(), error) {
	shard := l.shards[l.shardIdx(account)]

	select {
	case <-shard:
		return func() { shard <- struct{}{} }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// TryLock acquires account's shard only if it is free.
func (l *AccountLocks) TryLock(account common.Address) (func(), bool) {
	shard := l.shards[l.shardIdx(account)]

	select {
	case <-shard:
		return func() { shard <- struct{}{} }, true
	default:
		return nil, false
	}
}

func (l *AccountLocks) shardIdx(account common.Address) uint32 {
	h := fnv.New32a()
	_, _ = h.Write(account.Bytes())
	return h.Sum32() % uint32(len(l.shards))
}
