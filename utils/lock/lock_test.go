package lock

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/sahilchouksey/chat-gateway/utils/apperr"
)

// fakeCache implements the Cache interface with in-memory entries that honor
// TTL expiry against an adjustable clock.
type fakeCache struct {
	mu      sync.Mutex
	entries map[string]fakeEntry
	now     time.Time
}

type fakeEntry struct {
	value     string
	expiresAt time.Time
}

func newFakeCache() *fakeCache {
	return &fakeCache{
		entries: make(map[string]fakeEntry),
		now:     time.Now(),
	}
}

func (f *fakeCache) advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func (f *fakeCache) expired(e fakeEntry) bool {
	return !e.expiresAt.IsZero() && !f.now.Before(e.expiresAt)
}

func (f *fakeCache) SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if e, ok := f.entries[key]; ok && !f.expired(e) {
		return false, nil
	}
	f.entries[key] = fakeEntry{value: value.(string), expiresAt: f.now.Add(expiration)}
	return true, nil
}

func (f *fakeCache) DeleteIfEquals(ctx context.Context, key string, expected string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.entries[key]
	if !ok || f.expired(e) || e.value != expected {
		return false, nil
	}
	delete(f.entries, key)
	return true, nil
}

func TestRunWithLockExecutesBodyAndReleases(t *testing.T) {
	cache := newFakeCache()
	mgr := NewManager(cache, zerolog.Nop())

	ran := false
	err := mgr.RunWithLock(context.Background(), Key("u1"), time.Minute, func(ctx context.Context) error {
		ran = true
		return nil
	})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if !ran {
		t.Fatal("body was not executed")
	}

	// Lock must be acquirable again immediately after release.
	acquired, _ := cache.SetNX(context.Background(), Key("u1"), "probe", time.Minute)
	if !acquired {
		t.Fatal("lock was not released after body completed")
	}
}

func TestRunWithLockReleasesAfterBodyError(t *testing.T) {
	cache := newFakeCache()
	mgr := NewManager(cache, zerolog.Nop())

	bodyErr := errors.New("boom")
	err := mgr.RunWithLock(context.Background(), Key("u1"), time.Minute, func(ctx context.Context) error {
		return bodyErr
	})
	if !errors.Is(err, bodyErr) {
		t.Fatalf("expected body error to propagate, got %v", err)
	}

	acquired, _ := cache.SetNX(context.Background(), Key("u1"), "probe", time.Minute)
	if !acquired {
		t.Fatal("lock was not released after body failed")
	}
}

func TestRunWithLockExclusivity(t *testing.T) {
	cache := newFakeCache()
	mgr := NewManager(cache, zerolog.Nop())

	var mu sync.Mutex
	bodies := 0
	lockFailures := 0

	ready := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-ready
			err := mgr.RunWithLock(context.Background(), Key("u1"), time.Minute, func(ctx context.Context) error {
				mu.Lock()
				bodies++
				mu.Unlock()
				time.Sleep(20 * time.Millisecond)
				return nil
			})
			if apperr.IsCode(err, apperr.CodeLockFailed) {
				mu.Lock()
				lockFailures++
				mu.Unlock()
			}
		}()
	}
	close(ready)
	wg.Wait()

	if bodies != 1 {
		t.Fatalf("exactly one body must run, got %d", bodies)
	}
	if lockFailures != 1 {
		t.Fatalf("exactly one caller must observe lock_failed, got %d", lockFailures)
	}
}

func TestLockFailedIsRetryable(t *testing.T) {
	cache := newFakeCache()
	mgr := NewManager(cache, zerolog.Nop())

	if _, err := cache.SetNX(context.Background(), Key("u1"), "other-holder", time.Minute); err != nil {
		t.Fatal(err)
	}

	err := mgr.RunWithLock(context.Background(), Key("u1"), time.Minute, func(ctx context.Context) error {
		t.Fatal("body must not run when the lock is held")
		return nil
	})
	if !apperr.IsCode(err, apperr.CodeLockFailed) {
		t.Fatalf("expected lock_failed, got %v", err)
	}
	if !apperr.IsRetryable(err) {
		t.Fatal("lock_failed must be retryable")
	}
}

func TestLockSelfReleasesAfterTTL(t *testing.T) {
	cache := newFakeCache()
	mgr := NewManager(cache, zerolog.Nop())

	// Simulate a crashed holder: acquire without releasing.
	if _, err := cache.SetNX(context.Background(), Key("u1"), "crashed-holder", 30*time.Second); err != nil {
		t.Fatal(err)
	}

	// Before the TTL elapses the lock must stay held.
	cache.advance(29 * time.Second)
	err := mgr.RunWithLock(context.Background(), Key("u1"), time.Minute, func(ctx context.Context) error {
		return nil
	})
	if !apperr.IsCode(err, apperr.CodeLockFailed) {
		t.Fatalf("lock must still be held before TTL expiry, got %v", err)
	}

	// After the TTL the lock self-heals.
	cache.advance(2 * time.Second)
	err = mgr.RunWithLock(context.Background(), Key("u1"), time.Minute, func(ctx context.Context) error {
		return nil
	})
	if err != nil {
		t.Fatalf("expected lock to be acquirable after TTL, got %v", err)
	}
}

func TestStaleHolderCannotReleaseNewLock(t *testing.T) {
	cache := newFakeCache()

	// Stale holder's token expired; a new holder re-acquired the key.
	if _, err := cache.SetNX(context.Background(), "lock:u1", "stale-token", time.Second); err != nil {
		t.Fatal(err)
	}
	cache.advance(2 * time.Second)
	if acquired, _ := cache.SetNX(context.Background(), "lock:u1", "new-token", time.Minute); !acquired {
		t.Fatal("expected expired lock to be acquirable")
	}

	// Compare-and-delete with the stale token must be a no-op.
	released, err := cache.DeleteIfEquals(context.Background(), "lock:u1", "stale-token")
	if err != nil {
		t.Fatal(err)
	}
	if released {
		t.Fatal("stale holder must not release a re-acquired lock")
	}

	released, _ = cache.DeleteIfEquals(context.Background(), "lock:u1", "new-token")
	if !released {
		t.Fatal("current holder must be able to release its own lock")
	}
}
