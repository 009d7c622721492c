package syncutil

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

var (
	acctA = common.HexToAddress("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	acctB = common.HexToAddress("0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")
)

func TestAccountLocks_BasicLockUnlock(t *testing.T) {
	l := NewAccountLocks(0)
	if len(l.shards) != DefaultShards {
		t.Fatalf("expected %d shards, got %d", DefaultShards, len(l.shards))
	}

	unlock, err := l.Lock(context.Background(), acctA)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	unlock()

	// Relockable after unlock.
	unlock, err = l.Lock(context.Background(), acctA)
	if err != nil {
		t.Fatalf("expected no error on relock, got %v", err)
	}
	unlock()
}

func TestAccountLocks_MutualExclusion(t *testing.T) {
	l := NewAccountLocks(0)
	ctx := context.Background()

	var counter int64
	var wg sync.WaitGroup
	const n = 100

	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			unlock, err := l.Lock(ctx, acctA)
			if err != nil {
				t.Errorf("lock failed: %v", err)
				return
			}
			defer unlock()
			// Non-atomic increment: lost updates show up if exclusion is broken.
			v := atomic.LoadInt64(&counter)
			atomic.StoreInt64(&counter, v+1)
		}()
	}
	wg.Wait()

	if got := atomic.LoadInt64(&counter); got != n {
		t.Fatalf("expected %d, got %d", n, got)
	}
}

func TestAccountLocks_ContextCancelled(t *testing.T) {
	l := NewAccountLocks(0)

	unlock, err := l.Lock(context.Background(), acctA)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if _, err := l.Lock(ctx, acctA); err != context.DeadlineExceeded {
		t.Fatalf("expected DeadlineExceeded, got %v", err)
	}
}

func TestAccountLocks_TryLock(t *testing.T) {
	l := NewAccountLocks(0)

	unlock, ok := l.TryLock(acctA)
	if !ok {
		t.Fatal("expected free shard")
	}
	if _, ok := l.TryLock(acctA); ok {
		t.Fatal("expected held shard to refuse TryLock")
	}
	unlock()

	if _, ok := l.TryLock(acctA); !ok {
		t.Fatal("expected shard free after unlock")
	}
}

func TestAccountLocks_SingleShardSerializesEveryone(t *testing.T) {
	l := NewAccountLocks(1)

	unlock, err := l.Lock(context.Background(), acctA)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := l.TryLock(acctB); ok {
		t.Fatal("expected different account on the only shard to be blocked")
	}
	unlock()
}

func TestAccountLocks_DifferentAccountsProceed(t *testing.T) {
	l := NewAccountLocks(0)
	if l.shardIdx(acctA) == l.shardIdx(acctB) {
		t.Skip("test accounts share a shard")
	}

	unlockA, _ := l.Lock(context.Background(), acctA)
	defer unlockA()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	unlockB, err := l.Lock(ctx, acctB)
	if err != nil {
		t.Fatalf("expected independent account to lock, got %v", err)
	}
	unlockB()
}
