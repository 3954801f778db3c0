package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ledgerStores returns every LedgerStore implementation under a fresh backend.
func ledgerStores(t *testing.T) map[string]LedgerStore {
	t.Helper()
	badgerStore, err := OpenBadgerLedger("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = badgerStore.Close() })

	return map[string]LedgerStore{
		"gorm":   NewGormLedgerStore(newAutomationTestDB(t)),
		"badger": badgerStore,
	}
}

func TestLedgerStore_FirstFireAndIncrement(t *testing.T) {
	for name, store := range ledgerStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			key := LedgerKey{TenantID: "acme", RuleID: 7, EntityID: "lead-1", Scope: ScopeLive}

			entry, err := store.Get(ctx, key)
			require.NoError(t, err)
			assert.Nil(t, entry)

			first, err := store.RecordFire(ctx, key, nil, testNow)
			require.NoError(t, err)
			assert.Equal(t, 1, first.FireCount)
			assert.Equal(t, 1, first.Version)

			second, err := store.RecordFire(ctx, key, first, testNow.Add(time.Hour))
			require.NoError(t, err)
			assert.Equal(t, 2, second.FireCount)
			assert.Equal(t, 2, second.Version)

			got, err := store.Get(ctx, key)
			require.NoError(t, err)
			require.NotNil(t, got)
			assert.Equal(t, 2, got.FireCount)
			assert.WithinDuration(t, testNow.Add(time.Hour), got.LastFiredAt, time.Second)
		})
	}
}

func TestLedgerStore_StaleWriteConflicts(t *testing.T) {
	for name, store := range ledgerStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			key := LedgerKey{TenantID: "acme", RuleID: 7, EntityID: "lead-2", Scope: ScopeLive}

			first, err := store.RecordFire(ctx, key, nil, testNow)
			require.NoError(t, err)

			// another writer already inserted the first fire
			_, err = store.RecordFire(ctx, key, nil, testNow)
			assert.True(t, errors.Is(err, ErrLedgerConflict), "got %v", err)

			_, err = store.RecordFire(ctx, key, first, testNow.Add(time.Minute))
			require.NoError(t, err)

			// first is stale now
			_, err = store.RecordFire(ctx, key, first, testNow.Add(2*time.Minute))
			assert.True(t, errors.Is(err, ErrLedgerConflict), "got %v", err)

			got, err := store.Get(ctx, key)
			require.NoError(t, err)
			assert.Equal(t, 2, got.FireCount)
		})
	}
}

func TestLedgerStore_ScopesAreSeparate(t *testing.T) {
	for name, store := range ledgerStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			live := LedgerKey{TenantID: "acme", RuleID: 1, EntityID: "lead-1", Scope: ScopeLive}
			test := live
			test.Scope = ScopeTest

			_, err := store.RecordFire(ctx, test, nil, testNow)
			require.NoError(t, err)

			entry, err := store.Get(ctx, live)
			require.NoError(t, err)
			assert.Nil(t, entry)
		})
	}
}

func TestLedgerStore_List(t *testing.T) {
	for name, store := range ledgerStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			fire := func(tenant string, rule uint, entity string, at time.Time) {
				_, err := store.RecordFire(ctx, LedgerKey{TenantID: tenant, RuleID: rule, EntityID: entity, Scope: ScopeLive}, nil, at)
				require.NoError(t, err)
			}
			fire("acme", 1, "lead-1", testNow)
			fire("acme", 1, "lead-2", testNow.Add(time.Hour))
			fire("acme", 2, "lead-1", testNow.Add(2*time.Hour))
			fire("globex", 1, "lead-1", testNow)

			entries, total, err := store.List(ctx, LedgerQuery{TenantID: "acme"})
			require.NoError(t, err)
			assert.Equal(t, int64(3), total)
			require.Len(t, entries, 3)
			assert.Equal(t, uint(2), entries[0].RuleID)
			assert.Equal(t, "lead-2", entries[1].EntityID)

			entries, total, err = store.List(ctx, LedgerQuery{TenantID: "acme", RuleID: 1, PageSize: 1, Page: 2})
			require.NoError(t, err)
			assert.Equal(t, int64(2), total)
			require.Len(t, entries, 1)
			assert.Equal(t, "lead-1", entries[0].EntityID)

			entries, _, err = store.List(ctx, LedgerQuery{TenantID: "acme", EntityID: "lead-1"})
			require.NoError(t, err)
			assert.Len(t, entries, 2)
		})
	}
}

func TestBadgerLedger_ConcurrentFirstFire(t *testing.T) {
	store, err := OpenBadgerLedger("")
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	key := LedgerKey{TenantID: "acme", RuleID: 1, EntityID: "lead-1", Scope: ScopeLive}

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := store.RecordFire(ctx, key, nil, testNow); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

func TestKeyedMutex(t *testing.T) {
	km := NewKeyedMutex()

	unlockA := km.Lock("a")
	unlockB := km.Lock("b")
	assert.Equal(t, 2, km.Len())

	acquired := make(chan struct{})
	go func() {
		unlock := km.Lock("a")
		close(acquired)
		unlock()
	}()

	select {
	case <-acquired:
		t.Fatal("second Lock on a held key must block")
	case <-time.After(50 * time.Millisecond):
	}

	unlockA()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("waiter was not released")
	}

	unlockB()
	assert.Eventually(t, func() bool { return km.Len() == 0 }, time.Second, 10*time.Millisecond)
}

func TestEntityLockKey(t *testing.T) {
	live := LedgerKey{TenantID: "acme", RuleID: 3, EntityID: "lead-1", Scope: ScopeLive}
	test := live
	test.Scope = ScopeTest
	assert.NotEqual(t, entityLockKey(live), entityLockKey(test))
	assert.Equal(t, "acme|3|lead-1|live", entityLockKey(live))
}
